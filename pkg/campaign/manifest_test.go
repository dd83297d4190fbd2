package campaign

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/pinforge/pkg/template"
)

// validManifestYAML returns a minimal valid manifest in YAML format.
func validManifestYAML() string {
	return `version: "1.0"
campaign:
  id: summer-sale
dataset:
  path: data/products.csv
templates:
  - id: tall
    canvas_size:
      width: 1000
      height: 1500
    elements:
      - type: text
        x: 50
        y: 100
        text: "{{title}}"
`
}

// validManifestJSON returns a minimal valid manifest in JSON format.
func validManifestJSON() string {
	return `{
  "version": "1.0",
  "campaign": {"id": "summer-sale"},
  "dataset": {"path": "data/products.csv"},
  "templates": [
    {
      "id": "tall",
      "canvas_size": {"width": 1000, "height": 1500},
      "elements": [{"type": "text", "x": 50, "y": 100, "text": "{{title}}"}]
    }
  ]
}`
}

// fullManifestYAML returns a complete manifest with all optional sections.
func fullManifestYAML() string {
	return `version: "1.0"
campaign:
  id: summer-sale
  name: Summer Sale Pins
dataset:
  path: data/products.csv
templates:
  - id: tall
    name: Tall Pin
    canvas_size:
      width: 1000
      height: 1500
    background_color: "#ffffff"
    elements:
      - type: image
        x: 0
        y: 0
        width: 1000
        height: 800
        url: "{{image}}"
      - type: text
        x: 50
        y: 900
        text: "{{title}}"
        font_size: 48
        color: "#1a1a1a"
        align: center
  - path: templates/square.yaml
field_mapping:
  title: product_name
  image: image_url
distribution:
  strategy: csv_column
  column: pin_layout
  on_unmatched: fail
render:
  strategy: remote_fallback
  endpoint: https://render.example.com
  multiplier: 3
  format: png
  quality: 85
storage:
  backend: s3
  s3:
    bucket: pins-bucket
    region: us-west-2
    prefix: generated
    public_base_url: https://cdn.example.com
generation:
  batch_size: 50
  concurrency: 8
  row_delay_ms: 100
  checkpoint_interval_ms: 1000
  checkpoint_ttl_hours: 48
`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		content     string
		filename    string
		wantErr     bool
		errContains string
		validate    func(t *testing.T, m *Manifest)
	}{
		{
			name:     "valid YAML manifest",
			content:  validManifestYAML(),
			filename: "campaign.yaml",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, "summer-sale", m.Campaign.ID)
				assert.Equal(t, "data/products.csv", m.Dataset.Path)
				require.Len(t, m.Templates, 1)
				assert.Equal(t, "tall", m.Templates[0].ID)
				// Check defaults were applied
				assert.Equal(t, DefaultDistributionStrategy, m.Distribution.Strategy)
				assert.Equal(t, DefaultDistributionColumn, m.Distribution.Column)
				assert.Equal(t, DefaultRenderStrategy, m.Render.Strategy)
				assert.Equal(t, DefaultMultiplier, m.Render.Multiplier)
				assert.Equal(t, DefaultFormat, m.Render.Format)
				assert.Equal(t, DefaultStorageBackend, m.Storage.Backend)
				assert.Equal(t, DefaultBaseDir, m.Storage.File.BaseDir)
				assert.Equal(t, DefaultBatchSize, m.Generation.BatchSize)
				assert.Equal(t, DefaultGenConcurrency, m.Generation.Concurrency)
			},
		},
		{
			name:     "valid JSON manifest",
			content:  validManifestJSON(),
			filename: "campaign.json",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				assert.Equal(t, "1.0", m.Version)
				assert.Equal(t, "summer-sale", m.Campaign.ID)
			},
		},
		{
			name:     "full manifest with all options",
			content:  fullManifestYAML(),
			filename: "full.yaml",
			wantErr:  false,
			validate: func(t *testing.T, m *Manifest) {
				// Campaign
				assert.Equal(t, "summer-sale", m.Campaign.ID)
				assert.Equal(t, "Summer Sale Pins", m.Campaign.Name)
				// Templates
				require.Len(t, m.Templates, 2)
				assert.Equal(t, "tall", m.Templates[0].ID)
				require.NotNil(t, m.Templates[0].CanvasSize)
				assert.Equal(t, 1000, m.Templates[0].CanvasSize.Width)
				assert.Len(t, m.Templates[0].Elements, 2)
				assert.Equal(t, "templates/square.yaml", m.Templates[1].Path)
				// Field mapping
				assert.Equal(t, "product_name", m.FieldMapping["title"])
				// Distribution
				assert.Equal(t, "csv_column", m.Distribution.Strategy)
				assert.Equal(t, "pin_layout", m.Distribution.Column)
				assert.Equal(t, "fail", m.Distribution.OnUnmatched)
				// Render
				assert.Equal(t, RenderRemoteFallback, m.Render.Strategy)
				assert.Equal(t, "https://render.example.com", m.Render.Endpoint)
				assert.Equal(t, 3, m.Render.Multiplier)
				assert.Equal(t, "png", m.Render.Format)
				assert.Equal(t, 85, m.Render.Quality)
				// Storage
				assert.Equal(t, BackendS3, m.Storage.Backend)
				assert.Equal(t, "pins-bucket", m.Storage.S3.Bucket)
				assert.Equal(t, "https://cdn.example.com", m.Storage.S3.PublicBaseURL)
				// Generation
				assert.Equal(t, 50, m.Generation.BatchSize)
				assert.Equal(t, 8, m.Generation.Concurrency)
				assert.Equal(t, 100, m.Generation.RowDelayMs)
				assert.Equal(t, 1000, m.Generation.CheckpointIntervalMs)
				assert.Equal(t, 48, m.Generation.CheckpointTTLHours)
			},
		},
		{
			name:     "yml extension works",
			content:  validManifestYAML(),
			filename: "campaign.yml",
			wantErr:  false,
		},
		{
			name:        "empty file",
			content:     "",
			filename:    "empty.yaml",
			wantErr:     true,
			errContains: "empty",
		},
		{
			name:        "invalid YAML syntax",
			content:     "version: [invalid yaml",
			filename:    "bad.yaml",
			wantErr:     true,
			errContains: "invalid YAML",
		},
		{
			name:        "invalid JSON syntax",
			content:     `{"version": "1.0"`,
			filename:    "bad.json",
			wantErr:     true,
			errContains: "invalid JSON",
		},
		{
			name: "missing version",
			content: `campaign:
  id: test
dataset:
  path: data.csv
templates:
  - id: a
    canvas_size: {width: 100, height: 100}
`,
			filename:    "no-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name: "wrong version",
			content: `version: "2.0"
campaign:
  id: test
dataset:
  path: data.csv
templates:
  - id: a
    canvas_size: {width: 100, height: 100}
`,
			filename:    "wrong-version.yaml",
			wantErr:     true,
			errContains: "version",
		},
		{
			name: "missing campaign id",
			content: `version: "1.0"
campaign:
  name: No ID
dataset:
  path: data.csv
templates:
  - id: a
    canvas_size: {width: 100, height: 100}
`,
			filename:    "no-id.yaml",
			wantErr:     true,
			errContains: "id",
		},
		{
			name: "empty templates array",
			content: `version: "1.0"
campaign:
  id: test
dataset:
  path: data.csv
templates: []
`,
			filename:    "no-templates.yaml",
			wantErr:     true,
			errContains: "templates",
		},
		{
			name: "invalid distribution strategy",
			content: `version: "1.0"
campaign:
  id: test
dataset:
  path: data.csv
templates:
  - id: a
    canvas_size: {width: 100, height: 100}
distribution:
  strategy: round-trip
`,
			filename:    "bad-strategy.yaml",
			wantErr:     true,
			errContains: "strategy",
		},
		{
			name: "concurrency too high",
			content: `version: "1.0"
campaign:
  id: test
dataset:
  path: data.csv
templates:
  - id: a
    canvas_size: {width: 100, height: 100}
generation:
  concurrency: 64
`,
			filename:    "high-concurrency.yaml",
			wantErr:     true,
			errContains: "concurrency",
		},
		{
			name: "multiplier out of range",
			content: `version: "1.0"
campaign:
  id: test
dataset:
  path: data.csv
templates:
  - id: a
    canvas_size: {width: 100, height: 100}
render:
  multiplier: 9
`,
			filename:    "bad-multiplier.yaml",
			wantErr:     true,
			errContains: "multiplier",
		},
		{
			name: "unknown field rejected",
			content: `version: "1.0"
campaign:
  id: test
  unknown_field: value
dataset:
  path: data.csv
templates:
  - id: a
    canvas_size: {width: 100, height: 100}
`,
			filename:    "unknown-field.yaml",
			wantErr:     true,
			errContains: "additional",
		},
		{
			name: "unknown element type rejected",
			content: `version: "1.0"
campaign:
  id: test
dataset:
  path: data.csv
templates:
  - id: a
    canvas_size: {width: 100, height: 100}
    elements:
      - type: video
        x: 0
        y: 0
`,
			filename:    "bad-element.yaml",
			wantErr:     true,
			errContains: "type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			path := filepath.Join(tmpDir, tt.filename)
			err := os.WriteFile(path, []byte(tt.content), 0o644)
			require.NoError(t, err)

			m, err := Load(path)

			if tt.wantErr {
				require.Error(t, err)
				if tt.errContains != "" {
					assert.Contains(t, strings.ToLower(err.Error()), strings.ToLower(tt.errContains),
						"error should contain %q", tt.errContains)
				}
				return
			}

			require.NoError(t, err)
			require.NotNil(t, m)

			if tt.validate != nil {
				tt.validate(t, m)
			}
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Run("file not found", func(t *testing.T) {
		_, err := Load("/nonexistent/path/campaign.yaml")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestLoadFromBytes(t *testing.T) {
	t.Run("YAML by extension", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "test.yaml")
		require.NoError(t, err)
		assert.Equal(t, "summer-sale", m.Campaign.ID)
	})

	t.Run("JSON by extension", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestJSON()), "test.json")
		require.NoError(t, err)
		assert.Equal(t, "summer-sale", m.Campaign.ID)
	})

	t.Run("auto-detect YAML", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "")
		require.NoError(t, err)
		assert.Equal(t, "summer-sale", m.Campaign.ID)
	})

	t.Run("auto-detect JSON", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestJSON()), "")
		require.NoError(t, err)
		assert.Equal(t, "summer-sale", m.Campaign.ID)
	})
}

func TestLoadFromReader(t *testing.T) {
	t.Run("reads from reader", func(t *testing.T) {
		r := strings.NewReader(validManifestYAML())
		m, err := LoadFromReader(r, "test.yaml")
		require.NoError(t, err)
		assert.Equal(t, "summer-sale", m.Campaign.ID)
	})
}

func TestSnapshots(t *testing.T) {
	t.Run("inline templates resolve", func(t *testing.T) {
		m, err := LoadFromBytes([]byte(validManifestYAML()), "campaign.yaml")
		require.NoError(t, err)

		snaps, err := m.Snapshots("")
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		assert.Equal(t, "tall", snaps[0].ID)
		assert.Equal(t, 1000, snaps[0].CanvasSize.Width)
		assert.Equal(t, 1500, snaps[0].CanvasSize.Height)
		require.Len(t, snaps[0].Elements, 1)
		assert.Equal(t, template.ElementText, snaps[0].Elements[0].Type)
	})

	t.Run("path templates load relative to base dir", func(t *testing.T) {
		tmpDir := t.TempDir()
		tplDir := filepath.Join(tmpDir, "templates")
		require.NoError(t, os.MkdirAll(tplDir, 0o755))

		tplYAML := `id: square
canvas_size:
  width: 800
  height: 800
elements:
  - type: rect
    x: 0
    y: 0
    width: 800
    height: 200
    fill: "#ff5733"
`
		require.NoError(t, os.WriteFile(filepath.Join(tplDir, "square.yaml"), []byte(tplYAML), 0o644))

		m := &Manifest{
			Templates: []TemplateConfig{
				{Path: "templates/square.yaml"},
			},
		}

		snaps, err := m.Snapshots(tmpDir)
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		assert.Equal(t, "square", snaps[0].ID)
		assert.Equal(t, 800, snaps[0].CanvasSize.Width)
		require.Len(t, snaps[0].Elements, 1)
		assert.Equal(t, template.ElementRect, snaps[0].Elements[0].Type)
	})

	t.Run("JSON template files load", func(t *testing.T) {
		tmpDir := t.TempDir()
		tplJSON := `{"id": "wide", "canvas_size": {"width": 1200, "height": 600}, "elements": []}`
		require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "wide.json"), []byte(tplJSON), 0o644))

		m := &Manifest{Templates: []TemplateConfig{{Path: "wide.json"}}}

		snaps, err := m.Snapshots(tmpDir)
		require.NoError(t, err)
		require.Len(t, snaps, 1)
		assert.Equal(t, "wide", snaps[0].ID)
	})

	t.Run("duplicate template ids rejected", func(t *testing.T) {
		size := &template.Size{Width: 100, Height: 100}
		m := &Manifest{
			Templates: []TemplateConfig{
				{ID: "a", CanvasSize: size},
				{ID: "a", CanvasSize: size},
			},
		}

		_, err := m.Snapshots("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate")
	})

	t.Run("invalid inline template rejected", func(t *testing.T) {
		m := &Manifest{
			Templates: []TemplateConfig{
				{ID: "broken"}, // no canvas size
			},
		}

		_, err := m.Snapshots("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "canvas size")
	})

	t.Run("missing template file", func(t *testing.T) {
		m := &Manifest{Templates: []TemplateConfig{{Path: "nope.yaml"}}}

		_, err := m.Snapshots(t.TempDir())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestApplyDefaults(t *testing.T) {
	t.Run("applies all defaults", func(t *testing.T) {
		m := &Manifest{
			Version:  "1.0",
			Campaign: CampaignConfig{ID: "test"},
			Dataset:  DatasetConfig{Path: "data.csv"},
		}

		m.ApplyDefaults()

		assert.Equal(t, DefaultDistributionStrategy, m.Distribution.Strategy)
		assert.Equal(t, DefaultDistributionColumn, m.Distribution.Column)
		assert.Equal(t, DefaultOnUnmatched, m.Distribution.OnUnmatched)
		assert.Equal(t, DefaultRenderStrategy, m.Render.Strategy)
		assert.Equal(t, DefaultMultiplier, m.Render.Multiplier)
		assert.Equal(t, DefaultFormat, m.Render.Format)
		assert.Equal(t, DefaultQuality, m.Render.Quality)
		assert.Equal(t, DefaultStorageBackend, m.Storage.Backend)
		assert.Equal(t, DefaultBaseDir, m.Storage.File.BaseDir)
		assert.Equal(t, DefaultBatchSize, m.Generation.BatchSize)
		assert.Equal(t, DefaultGenConcurrency, m.Generation.Concurrency)
		assert.Equal(t, DefaultCheckpointIntervalMs, m.Generation.CheckpointIntervalMs)
		assert.Equal(t, DefaultCheckpointTTLHours, m.Generation.CheckpointTTLHours)
	})

	t.Run("preserves explicit values", func(t *testing.T) {
		m := &Manifest{
			Version: "1.0",
			Render: RenderConfig{
				Strategy:   RenderRemote,
				Multiplier: 4,
				Format:     "png",
			},
			Generation: GenerationConfig{
				BatchSize:   100,
				Concurrency: 2,
			},
		}

		m.ApplyDefaults()

		assert.Equal(t, RenderRemote, m.Render.Strategy)
		assert.Equal(t, 4, m.Render.Multiplier)
		assert.Equal(t, "png", m.Render.Format)
		assert.Equal(t, 100, m.Generation.BatchSize)
		assert.Equal(t, 2, m.Generation.Concurrency)
	})

	t.Run("s3 backend gets no file defaults", func(t *testing.T) {
		m := &Manifest{
			Storage: StorageConfig{Backend: BackendS3},
		}

		m.ApplyDefaults()

		assert.Equal(t, BackendS3, m.Storage.Backend)
		assert.Empty(t, m.Storage.File.BaseDir)
	})

	t.Run("zero row delay is valid", func(t *testing.T) {
		m := &Manifest{}

		m.ApplyDefaults()

		// RowDelayMs should remain 0 (not defaulted to something else)
		assert.Equal(t, 0, m.Generation.RowDelayMs)
	})
}

func TestValidationErrors(t *testing.T) {
	t.Run("single error", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "/version", Message: "required"},
		}
		assert.Contains(t, errs.Error(), "/version")
		assert.Contains(t, errs.Error(), "required")
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Path: "/version", Message: "required"},
			{Path: "/campaign/id", Message: "must not be empty"},
		}
		errStr := errs.Error()
		assert.Contains(t, errStr, "2 errors")
		assert.Contains(t, errStr, "/version")
		assert.Contains(t, errStr, "/campaign/id")
	})

	t.Run("unwrap returns ErrValidationFailed", func(t *testing.T) {
		errs := ValidationErrors{{Path: "/x", Message: "bad"}}
		assert.True(t, errors.Is(errs, ErrValidationFailed))
	})
}

func TestValidate(t *testing.T) {
	t.Run("valid manifest passes", func(t *testing.T) {
		m := &Manifest{
			Version:  "1.0",
			Campaign: CampaignConfig{ID: "test"},
			Dataset:  DatasetConfig{Path: "data.csv"},
			Templates: []TemplateConfig{
				{ID: "a", CanvasSize: &template.Size{Width: 100, Height: 100}},
			},
		}
		err := Validate(m)
		assert.NoError(t, err)
	})

	t.Run("invalid manifest fails", func(t *testing.T) {
		m := &Manifest{
			Version:  "1.0",
			Campaign: CampaignConfig{ID: "test"},
			Dataset:  DatasetConfig{Path: "data.csv"},
			Templates: []TemplateConfig{
				{ID: "a", CanvasSize: &template.Size{Width: 100, Height: 100}},
			},
			Render: RenderConfig{Strategy: "telepathic"},
		}
		err := Validate(m)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrValidationFailed))
	})
}
