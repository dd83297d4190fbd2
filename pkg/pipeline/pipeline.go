// Package pipeline assembles a runnable generation stack from a campaign
// manifest: dataset, templates, storage provider, renderer, stores, and the
// generator controller on top. The CLI and the server share this wiring so a
// campaign behaves identically from either entry point.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/pinforge/pkg/campaign"
	"github.com/3leaps/pinforge/pkg/canvaspool"
	"github.com/3leaps/pinforge/pkg/checkpoint"
	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/distribution"
	"github.com/3leaps/pinforge/pkg/generator"
	"github.com/3leaps/pinforge/pkg/imagecache"
	"github.com/3leaps/pinforge/pkg/pinstore"
	"github.com/3leaps/pinforge/pkg/provider"
	"github.com/3leaps/pinforge/pkg/provider/file"
	"github.com/3leaps/pinforge/pkg/provider/s3"
	"github.com/3leaps/pinforge/pkg/render"
	"github.com/3leaps/pinforge/pkg/template"
	"github.com/3leaps/pinforge/pkg/uploader"
)

// DefaultDBFileName is the pin database file created under the data dir.
const DefaultDBFileName = "pinforge.db"

// Options configures runtime assembly.
type Options struct {
	// BaseDir anchors the manifest's relative paths (dataset, templates,
	// file storage). Usually the manifest's own directory.
	BaseDir string

	// DataDir is where the pin database lives. Required unless PinDBPath is set.
	DataDir string

	// PinDBPath overrides the database location entirely.
	PinDBPath string

	Logger *zap.Logger
}

// Runtime is an assembled generation stack for one campaign manifest.
type Runtime struct {
	Manifest  *campaign.Manifest
	Dataset   *dataset.Dataset
	Templates []*template.Snapshot

	Store    provider.Provider
	Uploader *uploader.Uploader

	DB          *sql.DB
	Pins        *pinstore.Store
	Checkpoints *checkpoint.Store

	Pool  *canvaspool.Pool
	Cache *imagecache.Cache

	Renderer render.Renderer
	Batch    generator.BatchRenderer

	logger *zap.Logger
}

// Build assembles the runtime for a loaded manifest.
//
// Every relative path in the manifest resolves against opts.BaseDir, so a
// manifest stays portable together with its dataset and templates.
func Build(ctx context.Context, m *campaign.Manifest, opts Options) (*Runtime, error) {
	if m == nil {
		return nil, fmt.Errorf("pipeline: manifest is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ds, err := dataset.Load(resolvePath(opts.BaseDir, m.Dataset.Path))
	if err != nil {
		return nil, fmt.Errorf("load dataset: %w", err)
	}

	templates, err := m.Snapshots(opts.BaseDir)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, m, opts.BaseDir)
	if err != nil {
		return nil, err
	}

	up, err := uploader.New(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	dbPath := opts.PinDBPath
	if dbPath == "" {
		if opts.DataDir == "" {
			_ = store.Close()
			return nil, fmt.Errorf("pipeline: data dir or pin db path is required")
		}
		dbPath = filepath.Join(opts.DataDir, DefaultDBFileName)
	}

	db, err := pinstore.Open(ctx, pinstore.Config{Path: dbPath})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open pin database: %w", err)
	}
	if err := pinstore.Migrate(ctx, db); err != nil {
		_ = db.Close()
		_ = store.Close()
		return nil, fmt.Errorf("migrate pin database: %w", err)
	}

	pins, err := pinstore.NewStore(db)
	if err != nil {
		_ = db.Close()
		_ = store.Close()
		return nil, err
	}

	// Checkpoints share the pin database file: one file to back up, one
	// file to delete when a campaign is retired.
	checkpoints, err := checkpoint.NewStore(ctx, db)
	if err != nil {
		_ = db.Close()
		_ = store.Close()
		return nil, err
	}

	rt := &Runtime{
		Manifest:    m,
		Dataset:     ds,
		Templates:   templates,
		Store:       store,
		Uploader:    up,
		DB:          db,
		Pins:        pins,
		Checkpoints: checkpoints,
		logger:      logger,
	}

	if err := rt.buildRenderer(); err != nil {
		_ = rt.Close()
		return nil, err
	}

	return rt, nil
}

// buildRenderer wires the render strategy declared by the manifest.
func (rt *Runtime) buildRenderer() error {
	m := rt.Manifest

	needsLocal := m.Render.Strategy == campaign.RenderLocal ||
		m.Render.Strategy == campaign.RenderRemoteFallback

	var local *render.Local
	if needsLocal {
		// Headroom over the concurrency limit so Acquire never starves
		// when a release lags a chunk boundary.
		pool, err := canvaspool.New(m.Generation.Concurrency + 2)
		if err != nil {
			return err
		}
		cache := imagecache.New(imagecache.Config{Concurrency: m.Generation.Concurrency})

		local, err = render.NewLocal(pool, cache, render.EncodeOptions{
			Format:   m.Render.Format,
			Quality:  m.Render.Quality,
			MaxBytes: m.Render.MaxBytes,
		})
		if err != nil {
			_ = pool.Close()
			return err
		}
		rt.Pool = pool
		rt.Cache = cache
	}

	switch m.Render.Strategy {
	case campaign.RenderLocal:
		rt.Renderer = local
		return nil

	case campaign.RenderRemote, campaign.RenderRemoteFallback:
		if m.Render.Endpoint == "" {
			return fmt.Errorf("render strategy %q requires an endpoint", m.Render.Strategy)
		}
		remote, err := render.NewRemote(m.Render.Endpoint, nil)
		if err != nil {
			return err
		}
		rt.Batch = remote
		if m.Render.Strategy == campaign.RenderRemote {
			rt.Renderer = remote
		} else {
			rt.Renderer = render.NewFallback(remote, local, rt.logger)
		}
		return nil

	default:
		return fmt.Errorf("unknown render strategy %q", m.Render.Strategy)
	}
}

// Controller creates a generator controller for this runtime.
func (rt *Runtime) Controller(onProgress func(generator.Progress)) (*generator.Controller, error) {
	m := rt.Manifest
	return generator.New(generator.Config{
		CampaignID: m.Campaign.ID,
		Dataset:    rt.Dataset,
		Templates:  rt.Templates,
		Mapping:    m.FieldMapping,

		Strategy:           distribution.Strategy(m.Distribution.Strategy),
		DistributionColumn: m.Distribution.Column,
		OnUnmatched:        distribution.UnmatchedPolicy(m.Distribution.OnUnmatched),

		Renderer:      rt.Renderer,
		Uploader:      rt.Uploader,
		Pins:          rt.Pins,
		Checkpoints:   rt.Checkpoints,
		Pool:          rt.Pool,
		Cache:         rt.Cache,
		BatchRenderer: rt.Batch,

		CheckpointInterval: time.Duration(m.Generation.CheckpointIntervalMs) * time.Millisecond,
		BatchSize:          m.Generation.BatchSize,
		Concurrency:        m.Generation.Concurrency,
		Multiplier:         m.Render.Multiplier,
		RowDelay:           time.Duration(m.Generation.RowDelayMs) * time.Millisecond,

		OnProgress: onProgress,
		Logger:     rt.logger,
	})
}

// CheckpointTTL returns the manifest's resume eligibility window.
func (rt *Runtime) CheckpointTTL() time.Duration {
	hours := rt.Manifest.Generation.CheckpointTTLHours
	if hours <= 0 {
		return generator.DefaultCheckpointTTL
	}
	return time.Duration(hours) * time.Hour
}

// ResumeIndex consults the checkpoint store for a usable resume point.
func (rt *Runtime) ResumeIndex(ctx context.Context) (int, bool, error) {
	return generator.ResumeIndex(ctx, rt.Checkpoints, rt.Pins, rt.Manifest.Campaign.ID, rt.CheckpointTTL())
}

// Regenerate clears the campaign's records, assets, and checkpoint.
func (rt *Runtime) Regenerate(ctx context.Context) (*generator.RegenerateResult, error) {
	return generator.Regenerate(ctx, rt.Pins, rt.Uploader, rt.Checkpoints, rt.Manifest.Campaign.ID)
}

// Close releases the runtime's resources. Safe on a partially built runtime.
func (rt *Runtime) Close() error {
	var firstErr error
	if rt.Pool != nil {
		if err := rt.Pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.DB != nil {
		if err := rt.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.Store != nil {
		if err := rt.Store.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildStore creates the storage provider declared by the manifest.
func buildStore(ctx context.Context, m *campaign.Manifest, baseDir string) (provider.Provider, error) {
	switch m.Storage.Backend {
	case campaign.BackendFile, "":
		return file.New(file.Config{
			BaseDir:       resolvePath(baseDir, m.Storage.File.BaseDir),
			PublicBaseURL: m.Storage.File.PublicBaseURL,
		})

	case campaign.BackendS3:
		return s3.New(ctx, s3.Config{
			Bucket:   m.Storage.S3.Bucket,
			Region:   m.Storage.S3.Region,
			Endpoint: m.Storage.S3.Endpoint,
			Profile:  m.Storage.S3.Profile,
			Prefix:   m.Storage.S3.Prefix,
			// Force path-style URLs when a custom endpoint is set.
			// S3-compatible services (moto, MinIO, etc.) require this.
			ForcePathStyle: m.Storage.S3.ForcePathStyle || m.Storage.S3.Endpoint != "",
			PublicBaseURL:  m.Storage.S3.PublicBaseURL,
		})

	default:
		return nil, fmt.Errorf("unknown storage backend %q", m.Storage.Backend)
	}
}

func resolvePath(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
