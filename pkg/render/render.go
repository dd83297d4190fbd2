// Package render produces the encoded image for a single dataset row.
//
// Two interchangeable strategies implement Renderer: Local rasterizes on
// this process's CPU using pooled canvases, Remote delegates to a render
// endpoint. Fallback chains them so a remote outage degrades to local
// rendering per row instead of failing the batch.
package render

import (
	"context"
	"fmt"

	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/template"
)

// Multiplier bounds. The multiplier scales raster resolution (sharpness vs.
// render time and memory), not compression quality.
const (
	MinMultiplier = 1
	MaxMultiplier = 4
)

// Request is the unit of work for one row.
type Request struct {
	CampaignID string
	Template   *template.Snapshot
	Row        dataset.Row
	RowIndex   int
	Mapping    template.FieldMapping

	// Multiplier is the raster scale (draft=1, normal=2, high=3, ultra=4).
	// Values outside [MinMultiplier, MaxMultiplier] are clamped.
	Multiplier int
}

// Result is the rendered output for one row.
//
// Exactly one of Blob or URL is set: local rendering yields the encoded
// bytes for the caller to upload, remote rendering yields the URL of the
// asset the server already stored.
type Result struct {
	RowIndex   int
	TemplateID string
	FileName   string
	Blob       []byte
	URL        string
}

// Renderer renders one row into an encoded image.
//
// A returned error is a row-level failure: callers record it against the row
// and keep the batch moving.
type Renderer interface {
	Render(ctx context.Context, req *Request) (*Result, error)
}

func clampMultiplier(m int) int {
	if m < MinMultiplier {
		return MinMultiplier
	}
	if m > MaxMultiplier {
		return MaxMultiplier
	}
	return m
}

func validateRequest(req *Request) error {
	if req == nil {
		return fmt.Errorf("render request is nil")
	}
	if req.Template == nil {
		return fmt.Errorf("render request has no template")
	}
	if err := req.Template.Validate(); err != nil {
		return err
	}
	if req.RowIndex < 0 {
		return fmt.Errorf("row index must be non-negative, got %d", req.RowIndex)
	}
	return nil
}
