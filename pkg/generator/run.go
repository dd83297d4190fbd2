package generator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/pinforge/pkg/checkpoint"
	"github.com/3leaps/pinforge/pkg/imagecache"
	"github.com/3leaps/pinforge/pkg/pinstore"
	"github.com/3leaps/pinforge/pkg/render"
	"github.com/3leaps/pinforge/pkg/template"
)

// ErrAlreadyRunning is returned when Run is called while a run is in
// progress. Starting a processing job is a no-op.
var ErrAlreadyRunning = errors.New("generation already running")

// batchOutcome accumulates one batch's results across render goroutines.
type batchOutcome struct {
	mu        sync.Mutex
	successes []pinstore.Pin
	failures  []rowFailure
}

type rowFailure struct {
	rowIndex   int
	templateID string
	message    string
}

func (b *batchOutcome) addSuccess(p pinstore.Pin) {
	b.mu.Lock()
	b.successes = append(b.successes, p)
	b.mu.Unlock()
}

func (b *batchOutcome) addFailure(f rowFailure) {
	b.mu.Lock()
	b.failures = append(b.failures, f)
	b.mu.Unlock()
}

// Run executes the generation loop starting at fromIndex and blocks until
// the job completes, pauses, fails, or the context is cancelled.
//
// fromIndex 0 starts fresh; a positive fromIndex resumes and credits the
// time since Pause to the cumulative paused duration so throughput and ETA
// stay honest. Context cancellation behaves like a pause: in-flight rows
// finish, completed work is persisted, the checkpoint is flushed, and
// ctx.Err() is returned.
func (c *Controller) Run(ctx context.Context, fromIndex int) (summary *Summary, err error) {
	total := c.cfg.Dataset.Len()
	if fromIndex < 0 || fromIndex > total {
		return nil, fmt.Errorf("generator: from index %d out of range [0,%d]", fromIndex, total)
	}

	if err := c.begin(ctx, fromIndex); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			c.mu.Lock()
			c.status = StatusFailed
			c.running = false
			c.mu.Unlock()
			err = fmt.Errorf("generation panicked: %v", r)
			summary = c.summary()
			c.logger.Error("generation failed", zap.String("campaign_id", c.cfg.CampaignID), zap.Any("panic", r))
		}
	}()

	if err := c.prepare(ctx, fromIndex); err != nil {
		c.mu.Lock()
		c.status = StatusFailed
		c.running = false
		c.mu.Unlock()
		return c.summary(), err
	}

	c.dist.InitSession()

	for batchStart := fromIndex; batchStart < total; {
		batchEnd := batchStart + c.cfg.BatchSize
		if batchEnd > total {
			batchEnd = total
		}

		frontier, runErr := c.runBatch(ctx, batchStart, batchEnd)

		c.mu.Lock()
		c.current = frontier
		c.mu.Unlock()

		if runErr != nil {
			return c.finishPaused(frontier, total), runErr
		}
		if frontier < batchEnd {
			// Pause requested mid-batch.
			return c.finishPaused(frontier, total), nil
		}

		c.submitCheckpoint(frontier, total, string(StatusProcessing))
		c.emitProgress()
		batchStart = batchEnd
	}

	return c.finishCompleted(total), nil
}

// begin claims the controller for one run. A second concurrent start is
// rejected rather than queued.
func (c *Controller) begin(ctx context.Context, fromIndex int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return ErrAlreadyRunning
	}
	c.running = true
	c.status = StatusProcessing
	c.pauseFlag.Store(false)

	now := time.Now()
	if fromIndex == 0 {
		c.startTime = now
		c.pausedAt = time.Time{}
		c.pausedDuration = 0
		c.current = 0
		c.generated = 0
		c.failed = 0
		c.errors = nil
		c.templateStats = make(map[string]*TemplateStats)
		return nil
	}

	// Resume: credit the pause gap, keep accumulated counters.
	if !c.pausedAt.IsZero() {
		c.pausedDuration += now.Sub(c.pausedAt)
		c.pausedAt = time.Time{}
	}
	if c.startTime.IsZero() {
		// Fresh process resuming from a checkpoint: recover durable counts.
		c.startTime = now
		if counts, err := c.cfg.Pins.CountByCampaign(ctx, c.cfg.CampaignID); err != nil {
			// The run can proceed, but progress and ETA undercount until the
			// next durable read.
			c.logger.Warn("recovering durable counts failed, counters restart at zero",
				zap.String("campaign_id", c.cfg.CampaignID),
				zap.Error(err))
		} else {
			c.generated = counts.Generated
			c.failed = counts.Failed
		}
	}
	c.current = fromIndex
	return nil
}

// prepare warms the pool and preloads referenced images before any row
// renders.
func (c *Controller) prepare(ctx context.Context, fromIndex int) error {
	multiplier := c.cfg.Multiplier
	if multiplier < render.MinMultiplier {
		multiplier = render.MinMultiplier
	}
	if multiplier > render.MaxMultiplier {
		multiplier = render.MaxMultiplier
	}

	if c.cfg.Pool != nil {
		size := c.cfg.Templates[0].CanvasSize
		c.cfg.Pool.Prewarm(c.cfg.Concurrency, size.Width*multiplier, size.Height*multiplier)
	}

	if c.cfg.Cache != nil {
		var elements []template.Element
		for _, t := range c.cfg.Templates {
			elements = append(elements, t.Elements...)
		}
		urls := imagecache.ExtractImageURLs(elements, c.cfg.Dataset.Rows[fromIndex:], c.cfg.Mapping)
		if len(urls) > 0 {
			failed, err := c.cfg.Cache.PreloadAll(ctx, urls)
			if err != nil {
				return fmt.Errorf("preload images: %w", err)
			}
			for url, ferr := range failed {
				// Rows referencing this URL will fail at render time.
				c.logger.Warn("image preload failed", zap.String("url", url), zap.Error(ferr))
			}
		}
	}
	return nil
}

// runBatch processes rows [start, end) and returns the frontier: the index
// after the last dispatched row. All rows below the frontier have finished
// and have a pin record by the time runBatch returns. The frontier is less
// than end only when a pause interrupted dispatching; a non-nil error means
// the context was cancelled.
func (c *Controller) runBatch(ctx context.Context, start, end int) (int, error) {
	if c.cfg.BatchRenderer != nil && len(c.cfg.Templates) == 1 {
		return c.runRemoteBatch(ctx, start, end)
	}

	outcome := &batchOutcome{}
	frontier := end
	var cancelErr error

	var wg sync.WaitGroup
	for chunkStart := start; chunkStart < end; chunkStart += c.cfg.Concurrency {
		chunkEnd := chunkStart + c.cfg.Concurrency
		if chunkEnd > end {
			chunkEnd = end
		}

		stopped := false
		for i := chunkStart; i < chunkEnd; i++ {
			// Pause takes effect between rows, not just between batches.
			if c.pauseFlag.Load() {
				frontier, stopped = i, true
				break
			}
			if err := ctx.Err(); err != nil {
				frontier, stopped, cancelErr = i, true, err
				break
			}
			if c.limiter != nil {
				if err := c.limiter.Wait(ctx); err != nil {
					frontier, stopped, cancelErr = i, true, err
					break
				}
			}

			wg.Add(1)
			go func(rowIndex int) {
				defer wg.Done()
				c.processRow(ctx, rowIndex, outcome)
			}(i)
		}

		// In-flight rows always finish; pause and cancel only stop new
		// dispatches.
		wg.Wait()
		if stopped {
			break
		}
	}

	c.persistBatch(outcome)
	return frontier, cancelErr
}

// processRow renders one row and uploads the result as soon as it is ready,
// without waiting for the rest of the chunk.
func (c *Controller) processRow(ctx context.Context, rowIndex int, outcome *batchOutcome) {
	row := c.cfg.Dataset.Rows[rowIndex]

	snap, warning, err := c.dist.ForRow(&c.dctx, rowIndex, row)
	if err != nil {
		c.recordRowFailure(rowIndex, "", err)
		outcome.addFailure(rowFailure{rowIndex: rowIndex, message: err.Error()})
		return
	}
	if warning != "" {
		c.logger.Warn("template distribution warning",
			zap.String("campaign_id", c.cfg.CampaignID),
			zap.Int("row_index", rowIndex),
			zap.String("warning", warning))
	}

	res, err := c.cfg.Renderer.Render(ctx, &render.Request{
		CampaignID: c.cfg.CampaignID,
		Template:   snap,
		Row:        row,
		RowIndex:   rowIndex,
		Mapping:    c.cfg.Mapping,
		Multiplier: c.cfg.Multiplier,
	})
	if err != nil {
		c.recordRowFailure(rowIndex, snap.ID, err)
		outcome.addFailure(rowFailure{rowIndex: rowIndex, templateID: snap.ID, message: err.Error()})
		return
	}

	url, err := c.cfg.Uploader.Upload(ctx, c.cfg.CampaignID, res)
	if err != nil {
		c.recordRowFailure(rowIndex, snap.ID, err)
		outcome.addFailure(rowFailure{rowIndex: rowIndex, templateID: snap.ID, message: err.Error()})
		return
	}

	c.recordRowSuccess(snap.ID)
	outcome.addSuccess(pinstore.Pin{
		CampaignID: c.cfg.CampaignID,
		RowIndex:   rowIndex,
		TemplateID: snap.ID,
		ImageURL:   url,
	})
}

// runRemoteBatch submits the whole batch to the render endpoint in one call.
// A failed call falls back to the per-row path, which falls back row by row
// through the configured renderer chain.
func (c *Controller) runRemoteBatch(ctx context.Context, start, end int) (int, error) {
	t := c.cfg.Templates[0]
	res, err := c.cfg.BatchRenderer.RenderBatch(ctx, &render.BatchRequest{
		CampaignID:      c.cfg.CampaignID,
		Elements:        t.Elements,
		CanvasSize:      t.CanvasSize,
		BackgroundColor: t.BackgroundColor,
		FieldMapping:    c.cfg.Mapping,
		CSVRows:         c.cfg.Dataset.Rows[start:end],
		StartIndex:      start,
		Multiplier:      c.cfg.Multiplier,
	})
	if err != nil {
		if ctx.Err() != nil {
			return start, ctx.Err()
		}
		c.logger.Warn("batch render call failed, falling back to per-row rendering",
			zap.String("campaign_id", c.cfg.CampaignID),
			zap.Int("start_index", start),
			zap.Error(err))

		outcome := &batchOutcome{}
		frontier := end
		var cancelErr error
		var wg sync.WaitGroup
		for i := start; i < end; i++ {
			if c.pauseFlag.Load() {
				frontier = i
				break
			}
			if cerr := ctx.Err(); cerr != nil {
				frontier, cancelErr = i, cerr
				break
			}
			wg.Add(1)
			go func(rowIndex int) {
				defer wg.Done()
				c.processRow(ctx, rowIndex, outcome)
			}(i)
			if (i-start+1)%c.cfg.Concurrency == 0 {
				wg.Wait()
			}
		}
		wg.Wait()
		c.persistBatch(outcome)
		return frontier, cancelErr
	}

	outcome := &batchOutcome{}
	for _, r := range res.Results {
		if r.Success {
			c.recordRowSuccess(t.ID)
			outcome.addSuccess(pinstore.Pin{
				CampaignID: c.cfg.CampaignID,
				RowIndex:   r.Index,
				TemplateID: t.ID,
				ImageURL:   r.URL,
			})
			continue
		}
		rerr := fmt.Errorf("remote render: %s", r.Error)
		c.recordRowFailure(r.Index, t.ID, rerr)
		outcome.addFailure(rowFailure{rowIndex: r.Index, templateID: t.ID, message: rerr.Error()})
	}
	c.persistBatch(outcome)
	return end, nil
}

// persistBatch writes one batched upsert for the successes and individual
// records for the failures. A failed batch write is logged and surfaced in
// the job error list but does not roll back the already-reported rows;
// status exposes the durable-vs-observed count gap for reconciliation.
func (c *Controller) persistBatch(outcome *batchOutcome) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if len(outcome.successes) > 0 {
		if err := c.cfg.Pins.UpsertBatch(ctx, outcome.successes); err != nil {
			c.logger.Error("batched pin persistence failed",
				zap.String("campaign_id", c.cfg.CampaignID),
				zap.Int("pins", len(outcome.successes)),
				zap.Error(err))
			c.mu.Lock()
			c.errors = append(c.errors, RowError{
				RowIndex: outcome.successes[0].RowIndex,
				Message:  fmt.Sprintf("batched persistence failed for %d pins: %v", len(outcome.successes), err),
			})
			c.mu.Unlock()
		}
	}

	for _, f := range outcome.failures {
		if err := c.cfg.Pins.RecordFailure(ctx, c.cfg.CampaignID, f.rowIndex, f.templateID, f.message); err != nil {
			c.logger.Error("failure record persistence failed",
				zap.String("campaign_id", c.cfg.CampaignID),
				zap.Int("row_index", f.rowIndex),
				zap.Error(err))
		}
	}
}

func (c *Controller) submitCheckpoint(nextRowIndex, total int, status string) {
	if c.writer == nil {
		return
	}
	c.mu.Lock()
	generated, failed := c.generated, c.failed
	c.mu.Unlock()

	c.writer.Submit(checkpoint.Checkpoint{
		CampaignID:     c.cfg.CampaignID,
		NextRowIndex:   nextRowIndex,
		TotalRows:      total,
		GeneratedCount: generated,
		FailedCount:    failed,
		Status:         status,
	})
}

func (c *Controller) finishPaused(frontier, total int) *Summary {
	c.mu.Lock()
	c.status = StatusPaused
	c.pausedAt = time.Now()
	c.running = false
	c.mu.Unlock()

	// The pause checkpoint is flushed synchronously so the final position is
	// durable before Run returns.
	c.submitCheckpoint(frontier, total, string(StatusPaused))
	if c.writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.writer.Flush(ctx); err != nil {
			c.logger.Error("pause checkpoint flush failed",
				zap.String("campaign_id", c.cfg.CampaignID), zap.Error(err))
		}
	}

	c.emitProgress()
	return c.summary()
}

func (c *Controller) finishCompleted(total int) *Summary {
	c.mu.Lock()
	c.status = StatusCompleted
	c.current = total
	c.running = false
	c.mu.Unlock()

	// A completed job needs no resume state.
	if c.writer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.writer.Flush(ctx); err != nil {
			c.logger.Warn("final checkpoint flush failed", zap.Error(err))
		}
	}
	if c.cfg.Checkpoints != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.cfg.Checkpoints.Clear(ctx, c.cfg.CampaignID); err != nil {
			c.logger.Warn("checkpoint clear failed",
				zap.String("campaign_id", c.cfg.CampaignID), zap.Error(err))
		}
	}

	c.emitProgress()
	return c.summary()
}

func (c *Controller) emitProgress() {
	if c.cfg.OnProgress == nil {
		return
	}
	c.cfg.OnProgress(c.Snapshot())
}

func (c *Controller) summary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	errs := make([]RowError, len(c.errors))
	copy(errs, c.errors)
	byTemplate := make(map[string]TemplateStats, len(c.templateStats))
	for id, st := range c.templateStats {
		byTemplate[id] = *st
	}

	var duration time.Duration
	if !c.startTime.IsZero() {
		duration = time.Since(c.startTime) - c.pausedDuration
	}

	return &Summary{
		CampaignID: c.cfg.CampaignID,
		Status:     c.status,
		Current:    c.current,
		Total:      c.cfg.Dataset.Len(),
		Generated:  c.generated,
		Failed:     c.failed,
		Errors:     errs,
		ByTemplate: byTemplate,
		Duration:   duration,
	}
}
