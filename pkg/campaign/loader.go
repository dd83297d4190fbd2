package campaign

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/3leaps/pinforge/pkg/template"
)

// Load reads and validates a campaign manifest from the given file path.
//
// The file format is determined by extension: .yaml/.yml for YAML, .json for JSON.
// If the extension is unrecognized, YAML is attempted first, then JSON.
//
// After loading, the manifest is validated against the JSON schema, and
// defaults are applied to optional fields.
//
// Returns an error if:
//   - The file cannot be read (not found, permission denied, etc.)
//   - The file content is not valid YAML or JSON
//   - The manifest fails schema validation
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("campaign manifest not found: %s", path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading campaign manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read campaign manifest: %w", err)
	}

	return LoadFromBytes(data, path)
}

// LoadFromBytes parses and validates a manifest from raw bytes.
//
// The path parameter is used for error messages and format detection.
// If path is empty, format detection falls back to trying YAML first.
//
// Validation is performed on the raw data (converted to JSON) before parsing
// into the typed struct. This ensures strict validation including rejection
// of unknown fields (additionalProperties: false in the schema).
func LoadFromBytes(data []byte, path string) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errors.New("campaign manifest is empty")
	}

	// Convert to JSON for schema validation. This preserves all fields
	// including unknown ones for the additionalProperties check.
	jsonData, err := toJSON(data, path)
	if err != nil {
		return nil, err
	}

	// Validate raw JSON against the schema BEFORE parsing into the struct.
	// This catches unknown fields that struct unmarshaling would silently drop.
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	manifest, err := parseManifest(data, path)
	if err != nil {
		return nil, err
	}

	manifest.ApplyDefaults()

	return manifest, nil
}

// LoadFromReader reads and validates a manifest from an io.Reader.
//
// The path parameter is used for error messages and format detection.
// If path is empty, format detection falls back to trying YAML first.
func LoadFromReader(r io.Reader, path string) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign manifest: %w", err)
	}
	return LoadFromBytes(data, path)
}

// Snapshots resolves the manifest's template list into rendering snapshots.
//
// Path entries are loaded relative to baseDir (the manifest's directory, so
// template references stay portable with the manifest). Inline entries are
// used as-is. Every resolved snapshot is validated, and duplicate template
// ids are rejected since distribution matches rows by id.
func (m *Manifest) Snapshots(baseDir string) ([]*template.Snapshot, error) {
	out := make([]*template.Snapshot, 0, len(m.Templates))
	seen := make(map[string]struct{}, len(m.Templates))

	for i, tc := range m.Templates {
		var snap *template.Snapshot
		if tc.Path != "" {
			p := tc.Path
			if !filepath.IsAbs(p) && baseDir != "" {
				p = filepath.Join(baseDir, p)
			}
			loaded, err := loadTemplate(p)
			if err != nil {
				return nil, fmt.Errorf("template %d: %w", i, err)
			}
			snap = loaded
		} else {
			snap = &template.Snapshot{
				ID:              tc.ID,
				Name:            tc.Name,
				BackgroundColor: tc.BackgroundColor,
				Elements:        tc.Elements,
			}
			if tc.CanvasSize != nil {
				snap.CanvasSize = *tc.CanvasSize
			}
		}

		if err := snap.Validate(); err != nil {
			return nil, fmt.Errorf("template %d: %w", i, err)
		}
		if _, dup := seen[snap.ID]; dup {
			return nil, fmt.Errorf("template %d: duplicate template id %q", i, snap.ID)
		}
		seen[snap.ID] = struct{}{}
		out = append(out, snap)
	}

	return out, nil
}

// loadTemplate reads a template snapshot from a YAML or JSON file.
func loadTemplate(path string) (*template.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("template file not found: %s", path)
		}
		return nil, fmt.Errorf("failed to read template file: %w", err)
	}

	var snap template.Snapshot
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("invalid JSON in template %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, &snap); err != nil {
			return nil, fmt.Errorf("invalid YAML in template %s: %w", path, err)
		}
	}
	return &snap, nil
}

// parseManifest parses the manifest data based on file extension.
func parseManifest(data []byte, path string) (*Manifest, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		return parseJSON(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	default:
		// Unknown extension: try YAML first (more permissive), then JSON
		manifest, yamlErr := parseYAML(data)
		if yamlErr == nil {
			return manifest, nil
		}
		manifest, jsonErr := parseJSON(data)
		if jsonErr == nil {
			return manifest, nil
		}
		// Both failed - return YAML error as it's the preferred format
		return nil, fmt.Errorf("failed to parse campaign manifest (tried YAML and JSON): %w", yamlErr)
	}
}

// parseJSON parses manifest data as JSON.
func parseJSON(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid JSON in campaign manifest: %w", err)
	}
	return &manifest, nil
}

// parseYAML parses manifest data as YAML.
func parseYAML(data []byte) (*Manifest, error) {
	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("invalid YAML in campaign manifest: %w", err)
	}
	return &manifest, nil
}

// toJSON converts the input data to JSON format for schema validation.
// If the data is YAML, it's converted to JSON. If already JSON, it's returned as-is.
func toJSON(data []byte, path string) ([]byte, error) {
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		// Already JSON, but validate it's valid JSON
		var raw any
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON in campaign manifest: %w", err)
		}
		return data, nil

	case ".yaml", ".yml":
		return yamlToJSON(data)

	default:
		// Try YAML first (superset of JSON)
		jsonData, err := yamlToJSON(data)
		if err == nil {
			return jsonData, nil
		}
		// Try raw JSON
		var raw any
		if jsonErr := json.Unmarshal(data, &raw); jsonErr == nil {
			return data, nil
		}
		return nil, fmt.Errorf("failed to parse campaign manifest (tried YAML and JSON): %w", err)
	}
}

// yamlToJSON converts YAML data to JSON.
func yamlToJSON(data []byte) ([]byte, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in campaign manifest: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert campaign manifest to JSON: %w", err)
	}

	return jsonData, nil
}
