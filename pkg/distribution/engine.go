// Package distribution decides which template renders each dataset row when
// a campaign uses multiple templates.
//
// The engine is a stateless policy module: given a session context and a row,
// it returns the template to use plus an optional advisory warning. Warnings
// never abort a row; the row still renders with the chosen template.
package distribution

import (
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/template"
)

// Strategy selects how templates are distributed across rows.
type Strategy string

const (
	// StrategySequential assigns templates round-robin by row index.
	StrategySequential Strategy = "sequential"

	// StrategyRandom picks a template uniformly per row.
	StrategyRandom Strategy = "random"

	// StrategyEqual partitions the dataset into contiguous blocks, one per
	// template, sized as equally as possible.
	StrategyEqual Strategy = "equal"

	// StrategyCSVColumn reads the template id or name from a dataset column.
	StrategyCSVColumn Strategy = "csv_column"
)

// UnmatchedPolicy controls csv_column behavior when a row's template value
// does not match any campaign template.
type UnmatchedPolicy string

const (
	// UnmatchedFallback uses the first template and emits a warning.
	UnmatchedFallback UnmatchedPolicy = "fallback"

	// UnmatchedFail rejects the row with an error.
	UnmatchedFail UnmatchedPolicy = "fail"
)

// DefaultColumn is the dataset column consulted by StrategyCSVColumn.
const DefaultColumn = "template"

// Context carries the session-scoped inputs of a distribution decision.
// It is created once per job and reused for every row.
type Context struct {
	Templates []*template.Snapshot
	Strategy  Strategy
	TotalRows int

	// Column is the dataset column read by StrategyCSVColumn.
	// Empty means DefaultColumn.
	Column string

	// OnUnmatched is the csv_column mismatch policy.
	// Empty means UnmatchedFallback.
	OnUnmatched UnmatchedPolicy
}

// Validate checks the context before a session starts.
func (c *Context) Validate() error {
	if len(c.Templates) == 0 {
		return fmt.Errorf("distribution requires at least one template")
	}
	switch c.Strategy {
	case StrategySequential, StrategyRandom, StrategyEqual, StrategyCSVColumn:
	default:
		return fmt.Errorf("unknown distribution strategy %q", c.Strategy)
	}
	if c.Strategy == StrategyEqual && c.TotalRows <= 0 {
		return fmt.Errorf("equal distribution requires a positive row count")
	}
	switch c.OnUnmatched {
	case "", UnmatchedFallback, UnmatchedFail:
	default:
		return fmt.Errorf("unknown unmatched policy %q", c.OnUnmatched)
	}
	return nil
}

// Engine evaluates distribution decisions. Safe for concurrent use.
type Engine struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewEngine creates an engine with a time-seeded random source.
func NewEngine() *Engine {
	return &Engine{rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// InitSession resets session-scoped randomness. Call once per job start so
// a resumed job does not continue a prior session's sequence.
func (e *Engine) InitSession() {
	e.mu.Lock()
	e.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	e.mu.Unlock()
}

// ForRow returns the template for the given row, with an optional advisory
// warning. An error is returned only for invalid input or when the
// csv_column policy is UnmatchedFail and the row's value does not match.
func (e *Engine) ForRow(dctx *Context, rowIndex int, row dataset.Row) (*template.Snapshot, string, error) {
	if err := dctx.Validate(); err != nil {
		return nil, "", err
	}
	if rowIndex < 0 {
		return nil, "", fmt.Errorf("row index must be non-negative, got %d", rowIndex)
	}

	n := len(dctx.Templates)

	switch dctx.Strategy {
	case StrategySequential:
		return dctx.Templates[rowIndex%n], "", nil

	case StrategyRandom:
		e.mu.Lock()
		idx := e.rng.Intn(n)
		e.mu.Unlock()
		return dctx.Templates[idx], "", nil

	case StrategyEqual:
		return dctx.Templates[equalBlockIndex(rowIndex, dctx.TotalRows, n)], "", nil

	case StrategyCSVColumn:
		return e.forCSVColumn(dctx, rowIndex, row)
	}

	// Unreachable after Validate.
	return nil, "", fmt.Errorf("unknown distribution strategy %q", dctx.Strategy)
}

// equalBlockIndex maps a row index to its contiguous block. The first
// totalRows%n blocks get one extra row so block sizes differ by at most 1.
func equalBlockIndex(rowIndex, totalRows, n int) int {
	base := totalRows / n
	rem := totalRows % n

	boundary := (base + 1) * rem
	var idx int
	switch {
	case rowIndex < boundary:
		idx = rowIndex / (base + 1)
	case base == 0:
		// Row index beyond totalRows with more templates than rows.
		idx = n - 1
	default:
		idx = rem + (rowIndex-boundary)/base
	}
	if idx >= n {
		// Row index beyond totalRows; clamp rather than panic.
		idx = n - 1
	}
	return idx
}

func (e *Engine) forCSVColumn(dctx *Context, rowIndex int, row dataset.Row) (*template.Snapshot, string, error) {
	column := dctx.Column
	if column == "" {
		column = DefaultColumn
	}

	value := strings.TrimSpace(row[column])
	if value == "" {
		return e.unmatched(dctx, rowIndex, fmt.Sprintf("row %d: column %q is empty", rowIndex, column))
	}

	for _, tpl := range dctx.Templates {
		if strings.EqualFold(value, tpl.ID) || (tpl.Name != "" && strings.EqualFold(value, tpl.Name)) {
			return tpl, "", nil
		}
	}

	return e.unmatched(dctx, rowIndex, fmt.Sprintf("row %d: no template matches %q", rowIndex, value))
}

func (e *Engine) unmatched(dctx *Context, rowIndex int, reason string) (*template.Snapshot, string, error) {
	if dctx.OnUnmatched == UnmatchedFail {
		return nil, "", fmt.Errorf("%s", reason)
	}
	return dctx.Templates[0], reason + ", using first template", nil
}
