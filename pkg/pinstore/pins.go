package pinstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Pin statuses.
const (
	StatusGenerated = "generated"
	StatusFailed    = "failed"
)

// Pin is one row's generation record.
type Pin struct {
	CampaignID string
	RowIndex   int
	TemplateID string
	ImageURL   string
	Status     string
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Counts summarizes a campaign's pin records by status.
type Counts struct {
	Generated int
	Failed    int
}

// Total returns the number of rows with any record.
func (c Counts) Total() int { return c.Generated + c.Failed }

// Store provides pin record operations over an open database.
type Store struct {
	db *sql.DB
}

// NewStore wraps an open, migrated database.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pin store requires a database")
	}
	return &Store{db: db}, nil
}

const upsertSQL = `
INSERT INTO pins (campaign_id, row_index, template_id, image_url, status, error, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(campaign_id, row_index) DO UPDATE SET
	template_id = excluded.template_id,
	image_url   = excluded.image_url,
	status      = excluded.status,
	error       = excluded.error,
	updated_at  = excluded.updated_at`

// UpsertGenerated records one successfully generated pin.
func (s *Store) UpsertGenerated(ctx context.Context, campaignID string, rowIndex int, templateID, imageURL string) error {
	now := timestamp()
	_, err := s.db.ExecContext(ctx, upsertSQL,
		campaignID, rowIndex, templateID, imageURL, StatusGenerated, "", now, now)
	if err != nil {
		return fmt.Errorf("upsert pin %s/%d: %w", campaignID, rowIndex, err)
	}
	return nil
}

// UpsertBatch records a batch of generated pins in a single transaction.
// The generation loop persists successes per batch, so a crash costs at most
// one batch of re-renders.
func (s *Store) UpsertBatch(ctx context.Context, pins []Pin) error {
	if len(pins) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin pin batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return fmt.Errorf("prepare pin upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	now := timestamp()
	for _, p := range pins {
		status := p.Status
		if status == "" {
			status = StatusGenerated
		}
		if _, err := stmt.ExecContext(ctx,
			p.CampaignID, p.RowIndex, p.TemplateID, p.ImageURL, status, p.Error, now, now); err != nil {
			return fmt.Errorf("upsert pin %s/%d: %w", p.CampaignID, p.RowIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pin batch: %w", err)
	}
	return nil
}

// RecordFailure records one failed row. Failures are written individually so
// the record survives even if the surrounding batch never commits.
func (s *Store) RecordFailure(ctx context.Context, campaignID string, rowIndex int, templateID, errMsg string) error {
	now := timestamp()
	_, err := s.db.ExecContext(ctx, upsertSQL,
		campaignID, rowIndex, templateID, "", StatusFailed, errMsg, now, now)
	if err != nil {
		return fmt.Errorf("record failure %s/%d: %w", campaignID, rowIndex, err)
	}
	return nil
}

// DeleteByCampaign removes every pin record of a campaign and reports the count.
func (s *Store) DeleteByCampaign(ctx context.Context, campaignID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pins WHERE campaign_id = ?`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("delete pins for %s: %w", campaignID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete pins for %s: %w", campaignID, err)
	}
	return n, nil
}

// CountByCampaign returns the per-status counts for a campaign.
func (s *Store) CountByCampaign(ctx context.Context, campaignID string) (Counts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM pins WHERE campaign_id = ? GROUP BY status`, campaignID)
	if err != nil {
		return Counts{}, fmt.Errorf("count pins for %s: %w", campaignID, err)
	}
	defer func() { _ = rows.Close() }()

	var counts Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("scan pin counts: %w", err)
		}
		switch status {
		case StatusGenerated:
			counts.Generated = n
		case StatusFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// CountByTemplate returns how many generated pins each template produced.
func (s *Store) CountByTemplate(ctx context.Context, campaignID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT template_id, COUNT(*) FROM pins WHERE campaign_id = ? AND status = ? GROUP BY template_id`,
		campaignID, StatusGenerated)
	if err != nil {
		return nil, fmt.Errorf("count pins by template for %s: %w", campaignID, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string]int)
	for rows.Next() {
		var id string
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("scan template counts: %w", err)
		}
		out[id] = n
	}
	return out, rows.Err()
}

// ListByCampaign returns pin records ordered by row index. A limit of 0 means
// no limit.
func (s *Store) ListByCampaign(ctx context.Context, campaignID string, limit, offset int) ([]Pin, error) {
	q := `SELECT campaign_id, row_index, template_id, image_url, status, error, created_at, updated_at
		FROM pins WHERE campaign_id = ? ORDER BY row_index`
	args := []any{campaignID}
	if limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, limit, offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list pins for %s: %w", campaignID, err)
	}
	defer func() { _ = rows.Close() }()

	var pins []Pin
	for rows.Next() {
		var p Pin
		var createdAt, updatedAt string
		if err := rows.Scan(&p.CampaignID, &p.RowIndex, &p.TemplateID, &p.ImageURL,
			&p.Status, &p.Error, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		p.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		pins = append(pins, p)
	}
	return pins, rows.Err()
}

// FailedRows returns the row indexes that last failed, ordered ascending.
// Regeneration of failures re-renders exactly these rows.
func (s *Store) FailedRows(ctx context.Context, campaignID string) ([]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT row_index FROM pins WHERE campaign_id = ? AND status = ? ORDER BY row_index`,
		campaignID, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed rows for %s: %w", campaignID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []int
	for rows.Next() {
		var idx int
		if err := rows.Scan(&idx); err != nil {
			return nil, fmt.Errorf("scan failed row: %w", err)
		}
		out = append(out, idx)
	}
	return out, rows.Err()
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
