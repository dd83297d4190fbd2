package checkpoint

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultWriteInterval spaces checkpoint writes during a run. Batch
// boundaries arrive far faster than progress needs to be durable; one write
// every couple of seconds keeps the database quiet without risking more than
// a few batches of replay.
const DefaultWriteInterval = 2 * time.Second

// writeTimeout bounds each background write.
const writeTimeout = 10 * time.Second

// Writer coalesces checkpoint saves.
//
// The first submission after a quiet period writes immediately (leading
// edge); submissions inside the interval replace the pending checkpoint and
// a timer writes the latest one when the interval expires (trailing edge).
// Progress is therefore never lost to throttling, only delayed.
type Writer struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger

	mu        sync.Mutex
	pending   *Checkpoint
	lastWrite time.Time
	timer     *time.Timer
	closed    bool
	wg        sync.WaitGroup
}

// NewWriter creates a coalescing writer over the store. A non-positive
// interval uses DefaultWriteInterval. Logger may be nil.
func NewWriter(store *Store, interval time.Duration, logger *zap.Logger) *Writer {
	if interval <= 0 {
		interval = DefaultWriteInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{store: store, interval: interval, logger: logger}
}

// Submit queues a checkpoint for writing. Checkpoints that would move the
// row index backwards relative to the pending one are dropped.
func (w *Writer) Submit(cp Checkpoint) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if w.pending != nil && cp.NextRowIndex < w.pending.NextRowIndex {
		return
	}
	w.pending = &cp

	if time.Since(w.lastWrite) >= w.interval {
		w.writeLocked()
		return
	}
	if w.timer == nil {
		delay := w.interval - time.Since(w.lastWrite)
		w.timer = time.AfterFunc(delay, w.fireTrailing)
	}
}

// Flush writes any pending checkpoint and waits for in-flight background
// writes, so the latest submitted state is durable when it returns. Called
// at pause, completion, and shutdown.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	cp := w.pending
	w.pending = nil
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.lastWrite = time.Now()
	w.mu.Unlock()

	var err error
	if cp != nil {
		err = w.store.Save(ctx, cp)
	}
	// A submission that took the leading edge hands its save to a goroutine
	// and leaves nothing pending; Flush must still outwait it.
	w.wg.Wait()
	return err
}

// Close flushes pending state and stops the writer. Subsequent submissions
// are ignored.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return w.Flush(ctx)
}

func (w *Writer) fireTrailing() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.timer = nil
	if w.closed || w.pending == nil {
		return
	}
	w.writeLocked()
}

// writeLocked snapshots the pending checkpoint and persists it off the
// caller's goroutine. Caller holds w.mu.
func (w *Writer) writeLocked() {
	cp := w.pending
	w.pending = nil
	w.lastWrite = time.Now()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := w.store.Save(ctx, cp); err != nil {
			w.logger.Warn("checkpoint write failed",
				zap.String("campaign_id", cp.CampaignID),
				zap.Int("next_row_index", cp.NextRowIndex),
				zap.Error(err))
		}
	}()
}
