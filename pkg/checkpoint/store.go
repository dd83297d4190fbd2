// Package checkpoint persists generation progress so an interrupted campaign
// resumes from its last batch boundary instead of row zero.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/3leaps/pinforge/pkg/pinstore"
)

const schemaVersion = 1

// Checkpoint is the durable progress marker for one campaign run.
//
// NextRowIndex is the first row the next run must process: every row below
// it has a durable pin record (generated or failed). It only ever advances
// at batch boundaries, so a crash mid-batch re-renders at most one batch.
type Checkpoint struct {
	CampaignID     string
	NextRowIndex   int
	TotalRows      int
	GeneratedCount int
	FailedCount    int
	Status         string
	UpdatedAt      time.Time
}

// Validate rejects checkpoints that cannot describe real progress.
func (c *Checkpoint) Validate() error {
	if c.CampaignID == "" {
		return fmt.Errorf("checkpoint: campaign id is required")
	}
	if c.NextRowIndex < 0 {
		return fmt.Errorf("checkpoint: next row index %d is negative", c.NextRowIndex)
	}
	if c.TotalRows >= 0 && c.NextRowIndex > c.TotalRows {
		return fmt.Errorf("checkpoint: next row index %d exceeds total rows %d", c.NextRowIndex, c.TotalRows)
	}
	if c.GeneratedCount+c.FailedCount > c.NextRowIndex {
		return fmt.Errorf("checkpoint: counts (%d generated + %d failed) exceed processed rows %d",
			c.GeneratedCount, c.FailedCount, c.NextRowIndex)
	}
	return nil
}

// IsStale reports whether the checkpoint is older than ttl. Stale checkpoints
// are treated as belonging to an abandoned run: resume asks before using them.
func (c *Checkpoint) IsStale(ttl time.Duration) bool {
	if ttl <= 0 {
		return false
	}
	return time.Since(c.UpdatedAt) > ttl
}

// Store persists checkpoints in SQLite.
type Store struct {
	db *sql.DB
}

type Config struct {
	// Path is a local filesystem path to the checkpoint database.
	Path string
}

// Open opens (and creates if needed) the checkpoint database.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("checkpoint store path is required")
	}
	// Reuse pinstore's local SQLite configuration (WAL, busy_timeout, single conn).
	db, err := pinstore.Open(ctx, pinstore.Config{Path: cfg.Path})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an already-open database and ensures the schema exists.
// Used when checkpoints share the pin database file.
func NewStore(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("checkpoint store requires a database")
	}
	s := &Store{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS checkpoint_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO checkpoint_meta (id, schema_version, created_at) VALUES (1, ?, ?);`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			campaign_id TEXT PRIMARY KEY,
			next_row_index INTEGER NOT NULL,
			total_rows INTEGER NOT NULL,
			generated_count INTEGER NOT NULL,
			failed_count INTEGER NOT NULL,
			status TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);`,
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for i, stmt := range stmts {
		if i == 1 {
			if _, err := s.db.ExecContext(ctx, stmt, schemaVersion, now); err != nil {
				return fmt.Errorf("init checkpoint meta: %w", err)
			}
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init checkpoint schema: %w", err)
		}
	}
	return nil
}

// Save upserts the campaign's checkpoint. The update never moves
// next_row_index backwards: a delayed write from an older batch cannot undo
// progress a newer one already recorded.
func (s *Store) Save(ctx context.Context, cp *Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}

	now := cp.UpdatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (campaign_id, next_row_index, total_rows, generated_count, failed_count, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(campaign_id) DO UPDATE SET
			next_row_index=excluded.next_row_index,
			total_rows=excluded.total_rows,
			generated_count=excluded.generated_count,
			failed_count=excluded.failed_count,
			status=excluded.status,
			updated_at=excluded.updated_at
		WHERE excluded.next_row_index >= checkpoints.next_row_index
	`, cp.CampaignID, cp.NextRowIndex, cp.TotalRows, cp.GeneratedCount, cp.FailedCount, cp.Status,
		now.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.CampaignID, err)
	}
	return nil
}

// Load returns the campaign's checkpoint, or nil when none exists.
func (s *Store) Load(ctx context.Context, campaignID string) (*Checkpoint, error) {
	var cp Checkpoint
	var updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT campaign_id, next_row_index, total_rows, generated_count, failed_count, status, updated_at
		FROM checkpoints WHERE campaign_id = ?
	`, campaignID).Scan(&cp.CampaignID, &cp.NextRowIndex, &cp.TotalRows,
		&cp.GeneratedCount, &cp.FailedCount, &cp.Status, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint %s: %w", campaignID, err)
	}

	cp.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: bad timestamp %q: %w", campaignID, updatedAt, err)
	}
	return &cp, nil
}

// Clear removes the campaign's checkpoint. Called on completion and before a
// full regeneration.
func (s *Store) Clear(ctx context.Context, campaignID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE campaign_id = ?`, campaignID); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", campaignID, err)
	}
	return nil
}
