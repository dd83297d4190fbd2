package render

import (
	"context"

	"go.uber.org/zap"
)

// Fallback tries the primary renderer and degrades to the secondary when the
// primary fails. The documented order for pin generation is remote first,
// local second: a render-endpoint outage then costs latency, not rows.
//
// Errors from the secondary are returned as-is; they are genuine row-level
// failures.
type Fallback struct {
	primary   Renderer
	secondary Renderer
	logger    *zap.Logger
}

var _ Renderer = (*Fallback)(nil)

// NewFallback chains two renderers. Logger may be nil.
func NewFallback(primary, secondary Renderer, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

// Render tries primary, then secondary. Context cancellation is not
// retried: a dead context fails both strategies anyway.
func (f *Fallback) Render(ctx context.Context, req *Request) (*Result, error) {
	res, err := f.primary.Render(ctx, req)
	if err == nil {
		return res, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	f.logger.Warn("primary renderer failed, falling back",
		zap.Int("row_index", req.RowIndex),
		zap.Error(err))

	return f.secondary.Render(ctx, req)
}
