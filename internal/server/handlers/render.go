package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/3leaps/pinforge/internal/observability"
	"github.com/3leaps/pinforge/pkg/canvaspool"
	"github.com/3leaps/pinforge/pkg/dataset"
	"github.com/3leaps/pinforge/pkg/imagecache"
	"github.com/3leaps/pinforge/pkg/render"
	"github.com/3leaps/pinforge/pkg/template"
	"github.com/3leaps/pinforge/pkg/uploader"

	apperrors "github.com/3leaps/pinforge/internal/errors"
)

// adhocCampaignID scopes assets rendered through the HTTP API without a
// campaign of their own.
const adhocCampaignID = "adhoc"

// RenderService serves the render-one and render-batch endpoints. It renders
// locally and stores results through the configured uploader, so a pinforge
// server doubles as the remote render endpoint for other pinforge instances.
type RenderService struct {
	pool     *canvaspool.Pool
	cache    *imagecache.Cache
	local    *render.Local
	uploader *uploader.Uploader
}

// RenderServiceConfig wires a render service.
type RenderServiceConfig struct {
	Concurrency int
	Encode      render.EncodeOptions
	Uploader    *uploader.Uploader
}

// NewRenderService creates the service and its canvas pool.
func NewRenderService(cfg RenderServiceConfig) (*RenderService, error) {
	if cfg.Uploader == nil {
		return nil, fmt.Errorf("render service requires an uploader")
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	pool, err := canvaspool.New(concurrency + 2)
	if err != nil {
		return nil, err
	}
	cache := imagecache.New(imagecache.Config{Concurrency: concurrency})

	local, err := render.NewLocal(pool, cache, cfg.Encode)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}

	return &RenderService{
		pool:     pool,
		cache:    cache,
		local:    local,
		uploader: cfg.Uploader,
	}, nil
}

// Close releases the service's canvas pool.
func (s *RenderService) Close() error {
	return s.pool.Close()
}

// RenderOneHandler serves POST /api/v1/render.
func (s *RenderService) RenderOneHandler(w http.ResponseWriter, r *http.Request) {
	var req render.OneRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeInvalidRequest, "invalid render request: "+err.Error())
		return
	}

	snap, err := snapshotFromWire(req.Elements, req.CanvasSize, req.BackgroundColor)
	if err != nil {
		apperrors.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeValidationFailed, err.Error())
		return
	}

	campaignID := req.CampaignID
	if campaignID == "" {
		campaignID = adhocCampaignID
	}

	s.preload(r, req.Elements, []dataset.Row{req.RowData}, req.FieldMapping)

	res, err := s.local.Render(r.Context(), &render.Request{
		CampaignID: campaignID,
		Template:   snap,
		Row:        req.RowData,
		RowIndex:   req.RowIndex,
		Mapping:    req.FieldMapping,
		Multiplier: req.Multiplier,
	})
	if err != nil {
		writeJSON(w, http.StatusOK, render.OneResponse{Success: false, Error: err.Error()})
		return
	}

	url, err := s.uploader.Upload(r.Context(), campaignID, res)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, render.OneResponse{Success: true, URL: url})
}

// RenderBatchHandler serves POST /api/v1/render/batch. The batch renders
// synchronously; per-row failures are reported in the results rather than
// failing the call.
func (s *RenderService) RenderBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req render.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apperrors.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeInvalidRequest, "invalid batch request: "+err.Error())
		return
	}
	if len(req.CSVRows) == 0 {
		apperrors.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeInvalidRequest, "batch request has no rows")
		return
	}

	snap, err := snapshotFromWire(req.Elements, req.CanvasSize, req.BackgroundColor)
	if err != nil {
		apperrors.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeValidationFailed, err.Error())
		return
	}

	campaignID := req.CampaignID
	if campaignID == "" {
		campaignID = adhocCampaignID
	}

	s.preload(r, req.Elements, req.CSVRows, req.FieldMapping)

	results := make([]render.BatchRowResult, 0, len(req.CSVRows))
	stats := render.BatchStats{Total: len(req.CSVRows)}

	for i, row := range req.CSVRows {
		rowIndex := req.StartIndex + i

		res, rerr := s.local.Render(r.Context(), &render.Request{
			CampaignID: campaignID,
			Template:   snap,
			Row:        row,
			RowIndex:   rowIndex,
			Mapping:    req.FieldMapping,
			Multiplier: req.Multiplier,
		})
		if rerr == nil {
			var url string
			url, rerr = s.uploader.Upload(r.Context(), campaignID, res)
			if rerr == nil {
				results = append(results, render.BatchRowResult{Index: rowIndex, Success: true, URL: url})
				stats.Succeeded++
				continue
			}
		}

		if r.Context().Err() != nil {
			return
		}
		results = append(results, render.BatchRowResult{Index: rowIndex, Success: false, Error: rerr.Error()})
		stats.Failed++
	}

	writeJSON(w, http.StatusOK, render.BatchResponse{
		Success: true,
		Results: results,
		Stats:   &stats,
	})
}

// preload warms the image cache with every remote image the rows reference.
// Failures are per-image and surface later as row-level render errors.
func (s *RenderService) preload(r *http.Request, elements []template.Element, rows []dataset.Row, mapping template.FieldMapping) {
	urls := imagecache.ExtractImageURLs(elements, rows, mapping)
	if len(urls) == 0 {
		return
	}
	failures, err := s.cache.PreloadAll(r.Context(), urls)
	if err != nil {
		observability.ServerLogger.Warn("image preload aborted", zap.Error(err))
		return
	}
	for url, ferr := range failures {
		observability.ServerLogger.Warn("image preload failed",
			zap.String("url", url), zap.Error(ferr))
	}
}

// snapshotFromWire builds a validated template from request fields.
func snapshotFromWire(elements []template.Element, size template.Size, background string) (*template.Snapshot, error) {
	snap := &template.Snapshot{
		ID:              adhocCampaignID,
		CanvasSize:      size,
		BackgroundColor: background,
		Elements:        elements,
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return snap, nil
}
