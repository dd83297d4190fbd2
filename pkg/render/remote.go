package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/template"
)

// Wire types for the render endpoints. The server handlers decode the same
// structs the client encodes, so the contract lives in one place.

// OneRequest is the render-one payload.
type OneRequest struct {
	CampaignID      string                `json:"campaignId,omitempty"`
	RowIndex        int                   `json:"rowIndex"`
	Elements        []template.Element    `json:"elements"`
	CanvasSize      template.Size         `json:"canvasSize"`
	BackgroundColor string                `json:"backgroundColor,omitempty"`
	RowData         dataset.Row           `json:"rowData"`
	FieldMapping    template.FieldMapping `json:"fieldMapping,omitempty"`
	Multiplier      int                   `json:"multiplier,omitempty"`
}

// OneResponse is the render-one reply.
type OneResponse struct {
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchRequest is the render-batch payload.
type BatchRequest struct {
	CampaignID      string                `json:"campaignId"`
	Elements        []template.Element    `json:"elements"`
	CanvasSize      template.Size         `json:"canvasSize"`
	BackgroundColor string                `json:"backgroundColor,omitempty"`
	FieldMapping    template.FieldMapping `json:"fieldMapping,omitempty"`
	CSVRows         []dataset.Row         `json:"csvRows"`
	StartIndex      int                   `json:"startIndex"`
	Multiplier      int                   `json:"multiplier,omitempty"`
}

// BatchRowResult is one row's outcome within a batch reply.
type BatchRowResult struct {
	Index   int    `json:"index"`
	Success bool   `json:"success"`
	URL     string `json:"url,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BatchStats summarizes a synchronous batch reply.
type BatchStats struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// BatchResponse is the render-batch reply. Synchronous replies carry
// Results; fire-and-forget replies carry only Message.
type BatchResponse struct {
	Success bool             `json:"success"`
	Results []BatchRowResult `json:"results,omitempty"`
	Stats   *BatchStats      `json:"stats,omitempty"`
	Message string           `json:"message,omitempty"`
}

// Remote delegates rasterization to a render endpoint. The endpoint encodes
// and stores the asset itself, so results carry a URL instead of a blob.
type Remote struct {
	baseURL string
	client  *http.Client
}

var _ Renderer = (*Remote)(nil)

// NewRemote creates a remote renderer against baseURL
// (e.g. "http://render.internal:8080").
func NewRemote(baseURL string, client *http.Client) (*Remote, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("remote renderer requires a base URL")
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Remote{baseURL: baseURL, client: client}, nil
}

// Render submits one row to the render endpoint.
func (r *Remote) Render(ctx context.Context, req *Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	payload := OneRequest{
		CampaignID:      req.CampaignID,
		RowIndex:        req.RowIndex,
		Elements:        req.Template.Elements,
		CanvasSize:      req.Template.CanvasSize,
		BackgroundColor: req.Template.BackgroundColor,
		RowData:         req.Row,
		FieldMapping:    req.Mapping,
		Multiplier:      clampMultiplier(req.Multiplier),
	}

	var res OneResponse
	if err := r.post(ctx, "/api/v1/render", payload, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "render endpoint reported failure"
		}
		return nil, fmt.Errorf("remote render row %d: %s", req.RowIndex, msg)
	}

	return &Result{
		RowIndex:   req.RowIndex,
		TemplateID: req.Template.ID,
		URL:        res.URL,
	}, nil
}

// RenderBatch submits a slice of rows in one call.
func (r *Remote) RenderBatch(ctx context.Context, req *BatchRequest) (*BatchResponse, error) {
	var res BatchResponse
	if err := r.post(ctx, "/api/v1/render/batch", req, &res); err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, fmt.Errorf("remote batch render: %s", res.Message)
	}
	return &res, nil
}

func (r *Remote) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("call render endpoint: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("render endpoint %s: status %d: %s", path, res.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
