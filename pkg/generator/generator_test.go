package generator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/3leaps/pinforge/pkg/checkpoint"
	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/distribution"
	"github.com/3leaps/pinforge/pkg/pinstore"
	"github.com/3leaps/pinforge/pkg/provider/file"
	"github.com/3leaps/pinforge/pkg/render"
	"github.com/3leaps/pinforge/pkg/template"
	"github.com/3leaps/pinforge/pkg/uploader"
)

// fakeRenderer renders rows as canned blobs and can fail selected rows or
// invoke a hook after each render.
type fakeRenderer struct {
	mu         sync.Mutex
	processed  []int
	failRows   map[int]string
	onRendered func(rowIndex int)
}

func (f *fakeRenderer) Render(ctx context.Context, req *render.Request) (*render.Result, error) {
	f.mu.Lock()
	f.processed = append(f.processed, req.RowIndex)
	f.mu.Unlock()

	defer func() {
		if f.onRendered != nil {
			f.onRendered(req.RowIndex)
		}
	}()

	if msg, ok := f.failRows[req.RowIndex]; ok {
		return nil, errors.New(msg)
	}
	return &render.Result{
		RowIndex:   req.RowIndex,
		TemplateID: req.Template.ID,
		FileName:   fmt.Sprintf("pin-%05d.jpg", req.RowIndex),
		Blob:       []byte("img"),
	}, nil
}

func (f *fakeRenderer) rows() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.processed))
	copy(out, f.processed)
	return out
}

func testStores(t *testing.T) (*pinstore.Store, *checkpoint.Store, *uploader.Uploader) {
	t.Helper()
	ctx := context.Background()

	db, err := pinstore.Open(ctx, pinstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, pinstore.Migrate(ctx, db))
	pins, err := pinstore.NewStore(db)
	require.NoError(t, err)

	cps, err := checkpoint.Open(ctx, checkpoint.Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cps.Close() })

	store, err := file.New(file.Config{BaseDir: t.TempDir(), PublicBaseURL: "http://localhost:8080/assets"})
	require.NoError(t, err)
	up, err := uploader.New(store)
	require.NoError(t, err)

	return pins, cps, up
}

func makeDataset(n int) *dataset.Dataset {
	ds := &dataset.Dataset{Columns: []string{"name"}}
	for i := 0; i < n; i++ {
		ds.Rows = append(ds.Rows, dataset.Row{"name": fmt.Sprintf("row-%d", i)})
	}
	return ds
}

func tpl(id string) *template.Snapshot {
	return &template.Snapshot{
		ID:         id,
		Name:       id,
		CanvasSize: template.Size{Width: 100, Height: 100},
		Elements: []template.Element{
			{Type: template.ElementRect, X: 0, Y: 0, Width: 100, Height: 100, Fill: "#ffffff"},
		},
	}
}

func baseConfig(t *testing.T, rows int, templates ...*template.Snapshot) (Config, *fakeRenderer) {
	t.Helper()
	pins, cps, up := testStores(t)
	fr := &fakeRenderer{}
	return Config{
		CampaignID:  "camp-1",
		Dataset:     makeDataset(rows),
		Templates:   templates,
		Renderer:    fr,
		Uploader:    up,
		Pins:        pins,
		Checkpoints: cps,
	}, fr
}

// Scenario: small dataset, single template, local strategy. Everything
// succeeds, the job completes, and no resume state is left behind.
func TestRunCompletesSmallDataset(t *testing.T) {
	cfg, _ := baseConfig(t, 3, tpl("tpl-a"))
	cfg.Concurrency = 3

	c, err := New(cfg)
	require.NoError(t, err)

	sum, err := c.Run(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 3, sum.Current)
	assert.Equal(t, 3, sum.Generated)
	assert.Equal(t, 0, sum.Failed)
	assert.Empty(t, sum.Errors)

	counts, err := cfg.Pins.CountByCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 3, counts.Generated)

	// A completed job leaves no checkpoint.
	cp, err := cfg.Checkpoints.Load(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

// Scenario: one row fails during render. The failure is recorded, the index
// still advances, and the job completes.
func TestRunRowFailureDoesNotBlock(t *testing.T) {
	cfg, fr := baseConfig(t, 5, tpl("tpl-a"))
	fr.failRows = map[int]string{2: "draw error"}

	c, err := New(cfg)
	require.NoError(t, err)

	sum, err := c.Run(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 4, sum.Generated)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, 2, sum.Errors[0].RowIndex)
	assert.Contains(t, sum.Errors[0].Message, "draw error")

	failed, err := cfg.Pins.FailedRows(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, []int{2}, failed)
}

// Scenario: pause mid-run, then resume from the checkpoint. No row is
// processed twice and none is skipped.
func TestPauseAndResume(t *testing.T) {
	cfg, fr := baseConfig(t, 5, tpl("tpl-a"))
	cfg.Concurrency = 1
	cfg.BatchSize = 5

	c, err := New(cfg)
	require.NoError(t, err)
	fr.onRendered = func(rowIndex int) {
		if rowIndex == 1 {
			c.Pause()
		}
	}

	sum, err := c.Run(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, StatusPaused, sum.Status)
	assert.Equal(t, 2, sum.Current)
	assert.Equal(t, 2, sum.Generated)

	// The pause flushed a durable checkpoint.
	cp, err := cfg.Checkpoints.Load(context.Background(), "camp-1")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, 2, cp.NextRowIndex)
	assert.Equal(t, 5, cp.TotalRows)
	assert.Equal(t, string(StatusPaused), cp.Status)

	// Resume in a fresh controller, as after a process restart.
	fr.onRendered = nil
	idx, ok, err := ResumeIndex(context.Background(), cfg.Checkpoints, cfg.Pins, "camp-1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, idx)

	c2, err := New(cfg)
	require.NoError(t, err)
	sum, err = c2.Run(context.Background(), idx)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 5, sum.Current)

	// Rows 0-1 from the first run, 2-4 from the second, each exactly once.
	seen := map[int]int{}
	for _, r := range fr.rows() {
		seen[r]++
	}
	assert.Equal(t, map[int]int{0: 1, 1: 1, 2: 1, 3: 1, 4: 1}, seen)

	counts, err := cfg.Pins.CountByCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 5, counts.Generated)
}

// Scenario: two templates with equal distribution over ten rows. Each
// template gets a contiguous block of five and the per-template stats agree.
func TestEqualDistributionStats(t *testing.T) {
	cfg, _ := baseConfig(t, 10, tpl("tpl-a"), tpl("tpl-b"))
	cfg.Strategy = distribution.StrategyEqual

	c, err := New(cfg)
	require.NoError(t, err)

	sum, err := c.Run(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, TemplateStats{Generated: 5}, sum.ByTemplate["tpl-a"])
	assert.Equal(t, TemplateStats{Generated: 5}, sum.ByTemplate["tpl-b"])

	byTemplate, err := cfg.Pins.CountByTemplate(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"tpl-a": 5, "tpl-b": 5}, byTemplate)
}

func TestRunIsReentrantGuarded(t *testing.T) {
	cfg, fr := baseConfig(t, 20, tpl("tpl-a"))
	cfg.Concurrency = 1

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	fr.onRendered = func(int) {
		once.Do(func() { close(started) })
		<-release
	}

	c, err := New(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, runErr := c.Run(context.Background(), 0)
		done <- runErr
	}()

	<-started
	assert.Equal(t, StatusProcessing, c.Status())

	_, err = c.Run(context.Background(), 0)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	c.Pause()
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StatusPaused, c.Status())
}

func TestContextCancellationFlushesCheckpoint(t *testing.T) {
	cfg, fr := baseConfig(t, 10, tpl("tpl-a"))
	cfg.Concurrency = 1
	cfg.BatchSize = 10

	ctx, cancel := context.WithCancel(context.Background())
	fr.onRendered = func(rowIndex int) {
		if rowIndex == 2 {
			cancel()
		}
	}

	c, err := New(cfg)
	require.NoError(t, err)

	sum, err := c.Run(ctx, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusPaused, sum.Status)
	assert.Equal(t, 3, sum.Current)

	cp, cerr := cfg.Checkpoints.Load(context.Background(), "camp-1")
	require.NoError(t, cerr)
	require.NotNil(t, cp)
	assert.Equal(t, 3, cp.NextRowIndex)
}

func TestRegenerateClearsEverything(t *testing.T) {
	cfg, fr := baseConfig(t, 4, tpl("tpl-a"))

	c, err := New(cfg)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), 0)
	require.NoError(t, err)

	res, err := Regenerate(context.Background(), cfg.Pins, cfg.Uploader, cfg.Checkpoints, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.DeletedRecords)
	assert.Equal(t, 4, res.DeletedAssets)

	counts, err := cfg.Pins.CountByCampaign(context.Background(), "camp-1")
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Total())

	// Fresh run restarts at zero and reprocesses all rows.
	c2, err := New(cfg)
	require.NoError(t, err)
	sum, err := c2.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 4, sum.Generated)
	assert.Len(t, fr.rows(), 8)
}

func TestResumeIndexClearsStaleAndInconsistent(t *testing.T) {
	pins, cps, _ := testStores(t)
	ctx := context.Background()

	t.Run("no checkpoint", func(t *testing.T) {
		idx, ok, err := ResumeIndex(ctx, cps, pins, "none", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, idx)
	})

	t.Run("stale checkpoint cleared", func(t *testing.T) {
		require.NoError(t, cps.Save(ctx, &checkpoint.Checkpoint{
			CampaignID:   "stale",
			NextRowIndex: 5,
			TotalRows:    10,
			Status:       "paused",
			UpdatedAt:    time.Now().Add(-48 * time.Hour),
		}))

		_, ok, err := ResumeIndex(ctx, cps, pins, "stale", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		cp, err := cps.Load(ctx, "stale")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})

	t.Run("inconsistent checkpoint cleared", func(t *testing.T) {
		// More pins recorded than the checkpoint claims were processed.
		for i := 0; i < 6; i++ {
			require.NoError(t, pins.UpsertGenerated(ctx, "drift", i, "tpl-a", "u"))
		}
		require.NoError(t, cps.Save(ctx, &checkpoint.Checkpoint{
			CampaignID:     "drift",
			NextRowIndex:   3,
			TotalRows:      10,
			GeneratedCount: 3,
			Status:         "paused",
		}))

		_, ok, err := ResumeIndex(ctx, cps, pins, "drift", time.Hour)
		require.NoError(t, err)
		assert.False(t, ok)

		cp, err := cps.Load(ctx, "drift")
		require.NoError(t, err)
		assert.Nil(t, cp)
	})
}

// fakeBatchRenderer answers whole-batch submissions.
type fakeBatchRenderer struct {
	mu    sync.Mutex
	calls []int
}

func (f *fakeBatchRenderer) RenderBatch(ctx context.Context, req *render.BatchRequest) (*render.BatchResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.StartIndex)
	f.mu.Unlock()

	res := &render.BatchResponse{Success: true}
	for i := range req.CSVRows {
		idx := req.StartIndex + i
		if idx == 3 {
			res.Results = append(res.Results, render.BatchRowResult{Index: idx, Success: false, Error: "font missing"})
			continue
		}
		res.Results = append(res.Results, render.BatchRowResult{
			Index:   idx,
			Success: true,
			URL:     fmt.Sprintf("https://render.example.com/pin-%05d.jpg", idx),
		})
	}
	return res, nil
}

func TestRemoteBatchSubmission(t *testing.T) {
	cfg, fr := baseConfig(t, 6, tpl("tpl-a"))
	br := &fakeBatchRenderer{}
	cfg.BatchRenderer = br
	cfg.BatchSize = 3

	c, err := New(cfg)
	require.NoError(t, err)

	sum, err := c.Run(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, sum.Status)
	assert.Equal(t, 5, sum.Generated)
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []int{0, 3}, br.calls)
	// Per-row renderer untouched when batch submission succeeds.
	assert.Empty(t, fr.rows())

	pins, err := cfg.Pins.ListByCampaign(context.Background(), "camp-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, pins, 6)
	assert.Equal(t, pinstore.StatusFailed, pins[3].Status)
	assert.Equal(t, "https://render.example.com/pin-00000.jpg", pins[0].ImageURL)
}

func TestConfigValidation(t *testing.T) {
	pins, _, up := testStores(t)
	valid := Config{
		CampaignID: "c",
		Dataset:    makeDataset(1),
		Templates:  []*template.Snapshot{tpl("t")},
		Renderer:   &fakeRenderer{},
		Uploader:   up,
		Pins:       pins,
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing campaign", func(c *Config) { c.CampaignID = "" }},
		{"empty dataset", func(c *Config) { c.Dataset = &dataset.Dataset{} }},
		{"no templates", func(c *Config) { c.Templates = nil }},
		{"no renderer", func(c *Config) { c.Renderer = nil }},
		{"no uploader", func(c *Config) { c.Uploader = nil }},
		{"no pin store", func(c *Config) { c.Pins = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			_, err := New(cfg)
			assert.Error(t, err)
		})
	}
}

// A fresh process resuming from a checkpoint recovers generated/failed
// counts from the pin store. When that read fails the run still starts,
// with counters at zero and a warning, instead of silently skewing.
func TestBeginCountRecoveryFailureIsLogged(t *testing.T) {
	ctx := context.Background()
	cfg, _ := baseConfig(t, 5, tpl("tpl-a"))

	// A pin store over an already-closed database fails every read.
	db, err := pinstore.Open(ctx, pinstore.Config{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, pinstore.Migrate(ctx, db))
	broken, err := pinstore.NewStore(db)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	cfg.Pins = broken

	core, logs := observer.New(zap.WarnLevel)
	cfg.Logger = zap.New(core)

	c, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, c.begin(ctx, 2))
	c.mu.Lock()
	generated, failed := c.generated, c.failed
	c.running = false
	c.mu.Unlock()

	assert.Zero(t, generated)
	assert.Zero(t, failed)
	assert.Equal(t, 1, logs.FilterMessage("recovering durable counts failed, counters restart at zero").Len())
}
