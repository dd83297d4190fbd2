// Package canvaspool provides a fixed-capacity recycler of drawing contexts.
//
// Rasterizing a pin needs a large pixel buffer; allocating one per row causes
// GC thrash across a long batch. The pool keeps contexts alive across jobs
// and resizes them on acquire, trading resident memory for per-row latency.
//
// Acquire blocks when the pool is exhausted rather than allocating overflow,
// so the configured capacity must be at least the render concurrency limit
// plus a small buffer.
package canvaspool

import (
	"context"
	"fmt"
	"sync"

	"github.com/gogpu/gg"
)

// DefaultCapacity is a safe default for local rendering concurrency.
const DefaultCapacity = 8

// Stats is a point-in-time snapshot of pool occupancy.
type Stats struct {
	Total     int `json:"total"`
	Available int `json:"available"`
	InUse     int `json:"in_use"`
}

// Pool hands out reusable *gg.Context handles.
//
// The pool is safe for concurrent use. Contexts are lazily allocated up to
// the configured capacity and are never disposed while the pool is alive.
type Pool struct {
	capacity int

	mu    sync.Mutex
	total int
	inUse int

	free chan *gg.Context
}

// New creates a pool with the given capacity. Capacity must be positive.
func New(capacity int) (*Pool, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("canvas pool capacity must be positive, got %d", capacity)
	}
	return &Pool{
		capacity: capacity,
		free:     make(chan *gg.Context, capacity),
	}, nil
}

// Acquire returns a context resized to width x height.
//
// If no context is free and the pool is below capacity, a new one is
// allocated. At capacity, Acquire blocks until a Release or until ctx is
// cancelled. Callers must pair every successful Acquire with exactly one
// Release, typically via defer.
func (p *Pool) Acquire(ctx context.Context, width, height int) (*gg.Context, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("canvas dimensions must be positive, got %dx%d", width, height)
	}

	select {
	case dc := <-p.free:
		return p.checkout(dc, width, height)
	default:
	}

	p.mu.Lock()
	if p.total < p.capacity {
		p.total++
		p.inUse++
		p.mu.Unlock()
		return gg.NewContext(width, height), nil
	}
	p.mu.Unlock()

	select {
	case dc := <-p.free:
		return p.checkout(dc, width, height)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) checkout(dc *gg.Context, width, height int) (*gg.Context, error) {
	p.mu.Lock()
	p.inUse++
	p.mu.Unlock()

	if err := dc.Resize(width, height); err != nil {
		// The handle is unusable; replace it so total stays constant.
		_ = dc.Close()
		return gg.NewContext(width, height), nil
	}
	return dc, nil
}

// Release returns a context to the pool. Releasing nil is a no-op.
func (p *Pool) Release(dc *gg.Context) {
	if dc == nil {
		return
	}
	p.mu.Lock()
	p.inUse--
	p.mu.Unlock()

	select {
	case p.free <- dc:
	default:
		// More releases than acquires; drop rather than grow past capacity.
		_ = dc.Close()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
	}
}

// Prewarm eagerly allocates up to count contexts sized width x height,
// amortizing allocation cost across the first concurrent renders.
func (p *Pool) Prewarm(count, width, height int) {
	if count > p.capacity {
		count = p.capacity
	}
	for i := 0; i < count; i++ {
		p.mu.Lock()
		if p.total >= p.capacity {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		p.free <- gg.NewContext(width, height)
	}
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Total:     p.total,
		Available: p.total - p.inUse,
		InUse:     p.inUse,
	}
}

// Close disposes all free contexts. Outstanding handles are closed by their
// eventual Release. The pool must not be used after Close.
func (p *Pool) Close() error {
	for {
		select {
		case dc := <-p.free:
			_ = dc.Close()
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
		default:
			return nil
		}
	}
}
