// Package campaign provides loading and validation of pinforge campaign manifests.
//
// A campaign manifest is a YAML or JSON file that configures all aspects of a
// generation campaign: dataset source, templates, field mapping, template
// distribution, render strategy, output storage, and generation tuning.
//
// Manifests are validated against a JSON Schema to ensure correctness before
// execution. The schema enforces strict typing and disallows unknown properties.
//
// Example manifest (YAML):
//
//	version: "1.0"
//	campaign:
//	  id: summer-sale
//	  name: Summer Sale Pins
//	dataset:
//	  path: data/products.csv
//	templates:
//	  - path: templates/tall.yaml
//	  - path: templates/square.yaml
//	distribution:
//	  strategy: equal
//	render:
//	  strategy: local
//	  multiplier: 2
//	storage:
//	  backend: file
//	  file:
//	    base_dir: output
package campaign

import (
	"github.com/3leaps/pinforge/pkg/template"
)

// RenderStrategy selects where rasterization happens.
type RenderStrategy string

const (
	// RenderLocal rasterizes in-process.
	RenderLocal RenderStrategy = "local"

	// RenderRemote submits rows to a render service.
	RenderRemote RenderStrategy = "remote"

	// RenderRemoteFallback renders remotely and falls back to local per row
	// when the remote call fails.
	RenderRemoteFallback RenderStrategy = "remote_fallback"
)

// StorageBackend selects where generated images are stored.
type StorageBackend string

const (
	BackendFile StorageBackend = "file"
	BackendS3   StorageBackend = "s3"
)

// Manifest represents a validated campaign manifest.
//
// Required fields are Version, Campaign, Dataset, and Templates. The
// remaining sections are optional with sensible defaults.
type Manifest struct {
	// Schema is an optional JSON Schema reference for editor support.
	// Example: "https://schemas.3leaps.dev/pinforge/v1.0.0/campaign-manifest.schema.json"
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	// Version is the manifest schema version. Must be "1.0".
	Version string `json:"version" yaml:"version"`

	// Campaign identifies the campaign.
	Campaign CampaignConfig `json:"campaign" yaml:"campaign"`

	// Dataset configures the row source.
	Dataset DatasetConfig `json:"dataset" yaml:"dataset"`

	// Templates lists the templates to distribute across rows.
	Templates []TemplateConfig `json:"templates" yaml:"templates"`

	// FieldMapping maps template placeholder fields to dataset columns (optional).
	FieldMapping template.FieldMapping `json:"field_mapping,omitempty" yaml:"field_mapping,omitempty"`

	// Distribution configures template assignment (optional).
	Distribution DistributionConfig `json:"distribution,omitempty" yaml:"distribution,omitempty"`

	// Render configures rasterization (optional).
	Render RenderConfig `json:"render,omitempty" yaml:"render,omitempty"`

	// Storage configures where generated images land (optional).
	Storage StorageConfig `json:"storage,omitempty" yaml:"storage,omitempty"`

	// Generation configures batching, concurrency, and checkpoints (optional).
	Generation GenerationConfig `json:"generation,omitempty" yaml:"generation,omitempty"`
}

// CampaignConfig identifies the campaign.
type CampaignConfig struct {
	// ID is the campaign identifier. It keys pin records and checkpoints and
	// prefixes storage keys, so it must be stable across runs.
	ID string `json:"id" yaml:"id"`

	// Name is a human-readable campaign name. Optional.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// DatasetConfig configures the row source.
type DatasetConfig struct {
	// Path is the CSV dataset file path.
	Path string `json:"path" yaml:"path"`
}

// TemplateConfig is one entry of the manifest's template list.
//
// A template is either referenced by Path (a separate YAML or JSON file) or
// defined inline. When Path is set the inline fields are ignored.
type TemplateConfig struct {
	// Path points to a template file. Optional.
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	ID              string             `json:"id,omitempty" yaml:"id,omitempty"`
	Name            string             `json:"name,omitempty" yaml:"name,omitempty"`
	CanvasSize      *template.Size     `json:"canvas_size,omitempty" yaml:"canvas_size,omitempty"`
	BackgroundColor string             `json:"background_color,omitempty" yaml:"background_color,omitempty"`
	Elements        []template.Element `json:"elements,omitempty" yaml:"elements,omitempty"`
}

// DistributionConfig configures how templates are assigned to rows.
//
// All fields are optional with sensible defaults applied during loading.
type DistributionConfig struct {
	// Strategy is one of sequential, random, equal, csv_column.
	// Default: sequential.
	Strategy string `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// Column is the dataset column holding the template id or name for the
	// csv_column strategy. Default: "template".
	Column string `json:"column,omitempty" yaml:"column,omitempty"`

	// OnUnmatched is the csv_column behavior when a row's value matches no
	// template: "fallback" (first template, warn) or "fail". Default: fallback.
	OnUnmatched string `json:"on_unmatched,omitempty" yaml:"on_unmatched,omitempty"`
}

// RenderConfig configures rasterization.
//
// All fields are optional with sensible defaults applied during loading.
type RenderConfig struct {
	// Strategy is one of local, remote, remote_fallback. Default: local.
	Strategy RenderStrategy `json:"strategy,omitempty" yaml:"strategy,omitempty"`

	// Endpoint is the render service base URL. Required for remote strategies.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Multiplier is the raster scale (draft=1, normal=2, high=3, ultra=4).
	// Default: 2.
	Multiplier int `json:"multiplier,omitempty" yaml:"multiplier,omitempty"`

	// Format is the output image format, "jpeg" or "png". Default: jpeg.
	Format string `json:"format,omitempty" yaml:"format,omitempty"`

	// Quality is the JPEG quality (1-100). Default: 90.
	Quality int `json:"quality,omitempty" yaml:"quality,omitempty"`

	// MaxBytes is the output blob size ceiling. Zero uses the encoder default.
	MaxBytes int `json:"max_bytes,omitempty" yaml:"max_bytes,omitempty"`
}

// StorageConfig configures where generated images are stored.
type StorageConfig struct {
	// Backend is "file" or "s3". Default: file.
	Backend StorageBackend `json:"backend,omitempty" yaml:"backend,omitempty"`

	// File configures the file backend.
	File FileStorageConfig `json:"file,omitempty" yaml:"file,omitempty"`

	// S3 configures the s3 backend.
	S3 S3StorageConfig `json:"s3,omitempty" yaml:"s3,omitempty"`
}

// FileStorageConfig configures the local filesystem backend.
type FileStorageConfig struct {
	// BaseDir is the directory generated assets are written under.
	// Default: "output".
	BaseDir string `json:"base_dir,omitempty" yaml:"base_dir,omitempty"`

	// PublicBaseURL, when set, is prepended to keys in returned image URLs.
	PublicBaseURL string `json:"public_base_url,omitempty" yaml:"public_base_url,omitempty"`
}

// S3StorageConfig configures the S3 backend.
type S3StorageConfig struct {
	// Bucket is the destination bucket. Required for the s3 backend.
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"`

	// Region is the AWS region (e.g., "us-east-1"). Optional.
	Region string `json:"region,omitempty" yaml:"region,omitempty"`

	// Endpoint is a custom endpoint URL for S3-compatible storage. Optional.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Profile is the AWS credential profile name. Optional.
	Profile string `json:"profile,omitempty" yaml:"profile,omitempty"`

	// Prefix is prepended to all stored object keys. Optional.
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`

	// PublicBaseURL is the CDN or website base URL used to build public
	// image URLs. Optional.
	PublicBaseURL string `json:"public_base_url,omitempty" yaml:"public_base_url,omitempty"`

	// ForcePathStyle enables path-style addressing for S3-compatible stores.
	ForcePathStyle bool `json:"force_path_style,omitempty" yaml:"force_path_style,omitempty"`
}

// GenerationConfig configures batching, concurrency, and checkpoints.
//
// All fields are optional with sensible defaults applied during loading.
type GenerationConfig struct {
	// BatchSize is how many rows share one persistence batch and checkpoint
	// advance. Range: 1-500. Default: 20.
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size,omitempty"`

	// Concurrency is how many rows render in flight at once.
	// Range: 1-8. Default: 4.
	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`

	// RowDelayMs paces row submissions (0 = no pacing). Default: 0.
	RowDelayMs int `json:"row_delay_ms,omitempty" yaml:"row_delay_ms,omitempty"`

	// CheckpointIntervalMs is the coalescing window for checkpoint writes.
	// Default: 2000.
	CheckpointIntervalMs int `json:"checkpoint_interval_ms,omitempty" yaml:"checkpoint_interval_ms,omitempty"`

	// CheckpointTTLHours is how long a checkpoint stays eligible for resume.
	// Default: 24.
	CheckpointTTLHours int `json:"checkpoint_ttl_hours,omitempty" yaml:"checkpoint_ttl_hours,omitempty"`
}

// Default values for optional configuration fields.
const (
	// DefaultVersion is the current manifest schema version.
	DefaultVersion = "1.0"

	// DefaultRenderStrategy is the default rasterization strategy.
	DefaultRenderStrategy = RenderLocal

	// DefaultMultiplier is the default raster scale.
	DefaultMultiplier = 2

	// DefaultFormat is the default output image format.
	DefaultFormat = "jpeg"

	// DefaultQuality is the default JPEG quality.
	DefaultQuality = 90

	// DefaultStorageBackend is the default storage backend.
	DefaultStorageBackend = BackendFile

	// DefaultBaseDir is the default file backend directory.
	DefaultBaseDir = "output"

	// DefaultDistributionStrategy is the default template assignment strategy.
	DefaultDistributionStrategy = "sequential"

	// DefaultDistributionColumn is the default csv_column source column.
	DefaultDistributionColumn = "template"

	// DefaultOnUnmatched is the default csv_column mismatch policy.
	DefaultOnUnmatched = "fallback"

	// DefaultBatchSize is the default persistence batch width.
	DefaultBatchSize = 20

	// DefaultGenConcurrency is the default in-flight render width.
	DefaultGenConcurrency = 4

	// DefaultCheckpointIntervalMs is the default checkpoint coalescing window.
	DefaultCheckpointIntervalMs = 2000

	// DefaultCheckpointTTLHours is the default checkpoint resume eligibility.
	DefaultCheckpointTTLHours = 24
)

// ApplyDefaults fills in default values for optional fields.
//
// This should be called after loading and validating the manifest so callers
// don't need to reason about zero values.
func (m *Manifest) ApplyDefaults() {
	// Distribution defaults
	if m.Distribution.Strategy == "" {
		m.Distribution.Strategy = DefaultDistributionStrategy
	}
	if m.Distribution.Column == "" {
		m.Distribution.Column = DefaultDistributionColumn
	}
	if m.Distribution.OnUnmatched == "" {
		m.Distribution.OnUnmatched = DefaultOnUnmatched
	}

	// Render defaults
	if m.Render.Strategy == "" {
		m.Render.Strategy = DefaultRenderStrategy
	}
	if m.Render.Multiplier == 0 {
		m.Render.Multiplier = DefaultMultiplier
	}
	if m.Render.Format == "" {
		m.Render.Format = DefaultFormat
	}
	if m.Render.Quality == 0 {
		m.Render.Quality = DefaultQuality
	}
	// MaxBytes: 0 defers to the encoder default ceiling

	// Storage defaults
	if m.Storage.Backend == "" {
		m.Storage.Backend = DefaultStorageBackend
	}
	if m.Storage.Backend == BackendFile && m.Storage.File.BaseDir == "" {
		m.Storage.File.BaseDir = DefaultBaseDir
	}

	// Generation defaults
	if m.Generation.BatchSize == 0 {
		m.Generation.BatchSize = DefaultBatchSize
	}
	if m.Generation.Concurrency == 0 {
		m.Generation.Concurrency = DefaultGenConcurrency
	}
	if m.Generation.CheckpointIntervalMs == 0 {
		m.Generation.CheckpointIntervalMs = DefaultCheckpointIntervalMs
	}
	if m.Generation.CheckpointTTLHours == 0 {
		m.Generation.CheckpointTTLHours = DefaultCheckpointTTLHours
	}
}
