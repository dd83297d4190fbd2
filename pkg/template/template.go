// Package template defines the immutable rendering recipe used by the
// generation pipeline.
//
// A Snapshot captures everything needed to rasterize one pin: canvas
// dimensions, background, and an ordered list of layout elements. Snapshots
// are fetched once per campaign and reused for every row they are assigned
// to, so they must never be mutated after construction.
package template

import (
	"fmt"
	"regexp"
	"strings"
)

// ElementType identifies the kind of a layout element.
type ElementType string

const (
	ElementText    ElementType = "text"
	ElementImage   ElementType = "image"
	ElementRect    ElementType = "rect"
	ElementEllipse ElementType = "ellipse"
)

// Size is a canvas dimension in pixels at 1x raster scale.
type Size struct {
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Element is a single layout element of a template.
//
// Position and dimensions are expressed in canvas coordinates at 1x scale.
// Text and image elements may reference dataset fields via {{field}}
// placeholders in Text and URL respectively.
type Element struct {
	Type ElementType `json:"type" yaml:"type"`

	X      float64 `json:"x" yaml:"x"`
	Y      float64 `json:"y" yaml:"y"`
	Width  float64 `json:"width,omitempty" yaml:"width,omitempty"`
	Height float64 `json:"height,omitempty" yaml:"height,omitempty"`

	// Text element fields.
	Text       string  `json:"text,omitempty" yaml:"text,omitempty"`
	FontPath   string  `json:"font_path,omitempty" yaml:"font_path,omitempty"`
	FontSize   float64 `json:"font_size,omitempty" yaml:"font_size,omitempty"`
	Color      string  `json:"color,omitempty" yaml:"color,omitempty"`
	Align      string  `json:"align,omitempty" yaml:"align,omitempty"`
	LineHeight float64 `json:"line_height,omitempty" yaml:"line_height,omitempty"`

	// Image element fields.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Shape element fields.
	Fill         string  `json:"fill,omitempty" yaml:"fill,omitempty"`
	CornerRadius float64 `json:"corner_radius,omitempty" yaml:"corner_radius,omitempty"`

	Opacity float64 `json:"opacity,omitempty" yaml:"opacity,omitempty"`
}

// Snapshot is an immutable rendering recipe for one template.
type Snapshot struct {
	ID              string    `json:"id" yaml:"id"`
	Name            string    `json:"name,omitempty" yaml:"name,omitempty"`
	CanvasSize      Size      `json:"canvas_size" yaml:"canvas_size"`
	BackgroundColor string    `json:"background_color,omitempty" yaml:"background_color,omitempty"`
	Elements        []Element `json:"elements" yaml:"elements"`
}

// Validate checks that the snapshot can be rasterized.
func (s *Snapshot) Validate() error {
	if s == nil {
		return fmt.Errorf("template snapshot is nil")
	}
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("template id is required")
	}
	if s.CanvasSize.Width <= 0 || s.CanvasSize.Height <= 0 {
		return fmt.Errorf("template %s: canvas size must be positive, got %dx%d",
			s.ID, s.CanvasSize.Width, s.CanvasSize.Height)
	}
	for i, el := range s.Elements {
		switch el.Type {
		case ElementText, ElementImage, ElementRect, ElementEllipse:
		default:
			return fmt.Errorf("template %s: element %d has unknown type %q", s.ID, i, el.Type)
		}
	}
	return nil
}

// FieldMapping maps template field names to dataset column names.
type FieldMapping map[string]string

var placeholderRe = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\- ]+?)\s*\}\}`)

// ResolvePlaceholders substitutes {{field}} placeholders in s with values
// from the row, routed through the field mapping.
//
// Resolution order per placeholder: mapped column value, then a column with
// the literal field name. Unresolvable placeholders are left verbatim so a
// rendered pin makes the missing mapping visible instead of silently
// dropping content.
func ResolvePlaceholders(s string, row map[string]string, mapping FieldMapping) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(match string) string {
		field := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(match, "{{"), "}}"))
		if col, ok := mapping[field]; ok {
			if v, ok := row[col]; ok {
				return v
			}
		}
		if v, ok := row[field]; ok {
			return v
		}
		return match
	})
}

// Fields returns the distinct placeholder field names referenced by s,
// in order of first appearance.
func Fields(s string) []string {
	matches := placeholderRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(matches))
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		field := strings.TrimSpace(m[1])
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}
