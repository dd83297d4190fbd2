// Package generator drives a campaign's batch generation loop: pick a
// template per row, render, upload, persist, checkpoint. It owns the job
// state machine (pending, processing, paused, completed, failed) and the
// pause/resume and crash-recovery semantics around it.
package generator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/3leaps/pinforge/pkg/canvaspool"
	"github.com/3leaps/pinforge/pkg/checkpoint"
	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/distribution"
	"github.com/3leaps/pinforge/pkg/imagecache"
	"github.com/3leaps/pinforge/pkg/pinstore"
	"github.com/3leaps/pinforge/pkg/render"
	"github.com/3leaps/pinforge/pkg/template"
	"github.com/3leaps/pinforge/pkg/uploader"
)

// Status is the job state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Defaults for the generation loop.
const (
	// DefaultBatchSize is how many rows share one batched persistence call
	// and one checkpoint advance.
	DefaultBatchSize = 20

	// DefaultConcurrency is how many rows render in flight at once. Kept
	// small: canvases and pending blobs are the memory cost.
	DefaultConcurrency = 4

	// MaxConcurrency caps the in-flight chunk width.
	MaxConcurrency = 8
)

// RowError records one row's failure for the job error list.
type RowError struct {
	RowIndex int    `json:"rowIndex"`
	Message  string `json:"message"`
}

// TemplateStats tracks per-template outcomes across a run.
type TemplateStats struct {
	Generated int `json:"generated"`
	Failed    int `json:"failed"`
}

// Progress is the observer-facing snapshot emitted at batch boundaries and
// on terminal transitions.
type Progress struct {
	CampaignID    string        `json:"campaignId"`
	Status        Status        `json:"status"`
	Current       int           `json:"current"`
	Total         int           `json:"total"`
	Percentage    float64       `json:"percentage"`
	RowsPerSecond float64       `json:"rowsPerSecond"`
	ETA           time.Duration `json:"eta"`
	Generated     int           `json:"generated"`
	Failed        int           `json:"failed"`
}

// Summary is the result of one Run call.
type Summary struct {
	CampaignID string
	Status     Status
	Current    int
	Total      int
	Generated  int
	Failed     int
	Errors     []RowError
	ByTemplate map[string]TemplateStats
	Duration   time.Duration
}

// BatchRenderer is the optional remote batch-submit capability: one call
// renders a whole batch server-side. render.Remote implements it.
type BatchRenderer interface {
	RenderBatch(ctx context.Context, req *render.BatchRequest) (*render.BatchResponse, error)
}

// Config wires a controller. Renderer, Uploader and Pins are required; Pool,
// Cache, Checkpoints and BatchRenderer are optional capabilities.
type Config struct {
	CampaignID string
	Dataset    *dataset.Dataset
	Templates  []*template.Snapshot
	Mapping    template.FieldMapping

	Strategy           distribution.Strategy
	DistributionColumn string
	OnUnmatched        distribution.UnmatchedPolicy

	Renderer render.Renderer
	Uploader *uploader.Uploader
	Pins     *pinstore.Store

	// Checkpoints enables resumable progress. Nil disables checkpointing.
	Checkpoints *checkpoint.Store

	// CheckpointInterval overrides the coalescing writer cadence.
	CheckpointInterval time.Duration

	// Pool is prewarmed to the concurrency width before the loop starts.
	Pool *canvaspool.Pool

	// Cache preloads referenced images once before the loop starts.
	// Local strategy only; remote rendering fetches images server-side.
	Cache *imagecache.Cache

	// BatchRenderer, when set with a single template, submits whole batches
	// to the render endpoint in one call instead of per-row renders.
	BatchRenderer BatchRenderer

	BatchSize   int
	Concurrency int
	Multiplier  int

	// RowDelay paces row submissions to relieve memory pressure. Zero
	// disables pacing.
	RowDelay time.Duration

	// OnProgress, when set, receives a snapshot after every batch and on
	// terminal transitions. Called from the generation goroutine.
	OnProgress func(Progress)

	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.CampaignID == "" {
		return fmt.Errorf("generator: campaign id is required")
	}
	if c.Dataset == nil || c.Dataset.Len() == 0 {
		return fmt.Errorf("generator: dataset is empty")
	}
	if len(c.Templates) == 0 {
		return fmt.Errorf("generator: at least one template is required")
	}
	if c.Renderer == nil {
		return fmt.Errorf("generator: renderer is required")
	}
	if c.Uploader == nil {
		return fmt.Errorf("generator: uploader is required")
	}
	if c.Pins == nil {
		return fmt.Errorf("generator: pin store is required")
	}
	return nil
}

func (c *Config) withDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Concurrency > MaxConcurrency {
		c.Concurrency = MaxConcurrency
	}
	if c.Strategy == "" {
		c.Strategy = distribution.StrategySequential
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Controller runs the generation loop for one campaign.
type Controller struct {
	cfg     Config
	dist    *distribution.Engine
	dctx    distribution.Context
	limiter *rate.Limiter
	writer  *checkpoint.Writer
	logger  *zap.Logger

	pauseFlag atomic.Bool

	mu             sync.Mutex
	status         Status
	running        bool
	current        int
	generated      int
	failed         int
	errors         []RowError
	templateStats  map[string]*TemplateStats
	startTime      time.Time
	pausedAt       time.Time
	pausedDuration time.Duration
}

// New creates a controller in the pending state.
func New(cfg Config) (*Controller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	dctx := distribution.Context{
		Templates:   cfg.Templates,
		Strategy:    cfg.Strategy,
		TotalRows:   cfg.Dataset.Len(),
		Column:      cfg.DistributionColumn,
		OnUnmatched: cfg.OnUnmatched,
	}
	if err := dctx.Validate(); err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:           cfg,
		dist:          distribution.NewEngine(),
		dctx:          dctx,
		logger:        cfg.Logger,
		status:        StatusPending,
		templateStats: make(map[string]*TemplateStats),
	}
	if cfg.RowDelay > 0 {
		c.limiter = rate.NewLimiter(rate.Every(cfg.RowDelay), 1)
	}
	if cfg.Checkpoints != nil {
		c.writer = checkpoint.NewWriter(cfg.Checkpoints, cfg.CheckpointInterval, cfg.Logger)
	}
	return c, nil
}

// Status returns the current job state.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Pause requests a cooperative stop. The loop stops dispatching new rows,
// lets in-flight renders finish, persists what completed, and flushes the
// checkpoint before transitioning to paused.
func (c *Controller) Pause() {
	c.pauseFlag.Store(true)
}

// Snapshot returns the current progress without blocking the loop.
func (c *Controller) Snapshot() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progressLocked()
}

// Errors returns a copy of the accumulated row errors.
func (c *Controller) Errors() []RowError {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]RowError, len(c.errors))
	copy(out, c.errors)
	return out
}

// ByTemplate returns a copy of the per-template stats.
func (c *Controller) ByTemplate() map[string]TemplateStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]TemplateStats, len(c.templateStats))
	for id, st := range c.templateStats {
		out[id] = *st
	}
	return out
}

// progressLocked computes the observer snapshot. Caller holds c.mu.
func (c *Controller) progressLocked() Progress {
	total := c.cfg.Dataset.Len()
	p := Progress{
		CampaignID: c.cfg.CampaignID,
		Status:     c.status,
		Current:    c.current,
		Total:      total,
		Generated:  c.generated,
		Failed:     c.failed,
	}
	if total > 0 {
		p.Percentage = float64(c.current) / float64(total) * 100
	}

	// Speed over non-paused wall time only, so a long pause does not dilute
	// the ETA after resume.
	if !c.startTime.IsZero() {
		elapsed := time.Since(c.startTime) - c.pausedDuration
		if c.status == StatusPaused && !c.pausedAt.IsZero() {
			elapsed = c.pausedAt.Sub(c.startTime) - c.pausedDuration
		}
		if elapsed > 0 && c.current > 0 {
			p.RowsPerSecond = float64(c.current) / elapsed.Seconds()
			if p.RowsPerSecond > 0 {
				remaining := total - c.current
				p.ETA = time.Duration(float64(remaining)/p.RowsPerSecond) * time.Second
			}
		}
	}
	return p
}

func (c *Controller) recordRowFailure(rowIndex int, templateID string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed++
	c.errors = append(c.errors, RowError{RowIndex: rowIndex, Message: err.Error()})
	if templateID != "" {
		c.statsForLocked(templateID).Failed++
	}
}

func (c *Controller) recordRowSuccess(templateID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generated++
	c.statsForLocked(templateID).Generated++
}

func (c *Controller) statsForLocked(templateID string) *TemplateStats {
	st, ok := c.templateStats[templateID]
	if !ok {
		st = &TemplateStats{}
		c.templateStats[templateID] = st
	}
	return st
}
