package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/pinforge/internal/observability"
	"github.com/3leaps/pinforge/pkg/campaign"
	"github.com/3leaps/pinforge/pkg/generator"
	"github.com/3leaps/pinforge/pkg/pipeline"
	"github.com/3leaps/pinforge/pkg/pinstore"

	apperrors "github.com/3leaps/pinforge/internal/errors"
)

// maxManifestBytes bounds the accepted manifest upload size.
const maxManifestBytes = 1 << 20

func campaignNotFound(w http.ResponseWriter, r *http.Request) {
	apperrors.WriteError(w, r, http.StatusNotFound,
		apperrors.CodeNotFound, "campaign not found")
}

// CampaignService owns the server's registered campaigns: each registered
// manifest gets an assembled runtime and, once generation starts, a
// controller running in a server-owned goroutine.
type CampaignService struct {
	opts   pipeline.Options
	logger *zap.Logger

	mu        sync.Mutex
	campaigns map[string]*campaignJob
}

// campaignJob is one registered campaign's runtime plus its (possibly idle)
// generation run.
type campaignJob struct {
	runtime    *pipeline.Runtime
	controller *generator.Controller

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	runErr  error
}

// NewCampaignService creates the registry. Runtimes are assembled with opts;
// opts.BaseDir anchors manifest-relative paths for manifests submitted over
// HTTP, so server deployments should use absolute paths in manifests.
func NewCampaignService(opts pipeline.Options, logger *zap.Logger) *CampaignService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CampaignService{
		opts:      opts,
		logger:    logger,
		campaigns: make(map[string]*campaignJob),
	}
}

// Close stops every run and releases every runtime.
func (s *CampaignService) Close() error {
	s.mu.Lock()
	jobs := make([]*campaignJob, 0, len(s.campaigns))
	for _, j := range s.campaigns {
		if j != nil {
			jobs = append(jobs, j)
		}
	}
	s.campaigns = make(map[string]*campaignJob)
	s.mu.Unlock()

	var firstErr error
	for _, j := range jobs {
		j.stop()
		if err := j.runtime.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (j *campaignJob) stop() {
	j.mu.Lock()
	cancel := j.cancel
	j.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *CampaignService) get(id string) (*campaignJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.campaigns[id]
	if j == nil {
		// A nil entry is a registration still assembling its runtime; it is
		// not addressable until RegisterHandler fills the slot.
		return nil, false
	}
	return j, ok
}

// CampaignSummary is the registration and listing wire shape.
type CampaignSummary struct {
	CampaignID string `json:"campaignId"`
	Name       string `json:"name,omitempty"`
	TotalRows  int    `json:"totalRows"`
	Templates  int    `json:"templates"`
	Status     string `json:"status"`
}

// RegisterHandler serves POST /api/v1/campaigns. The body is a campaign
// manifest (JSON or YAML); registration validates it and assembles the full
// runtime so misconfiguration fails here, not mid-generation.
func (s *CampaignService) RegisterHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxManifestBytes))
	if err != nil {
		apperrors.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeInvalidRequest, "read manifest: "+err.Error())
		return
	}

	m, err := campaign.LoadFromBytes(body, manifestNameFor(r))
	if err != nil {
		if errors.Is(err, campaign.ErrValidationFailed) {
			respondWithError(w, r, err)
			return
		}
		apperrors.WriteError(w, r, http.StatusBadRequest,
			apperrors.CodeInvalidRequest, "invalid manifest: "+err.Error())
		return
	}

	s.mu.Lock()
	if _, exists := s.campaigns[m.Campaign.ID]; exists {
		s.mu.Unlock()
		apperrors.WriteError(w, r, http.StatusConflict,
			apperrors.CodeConflict, fmt.Sprintf("campaign %q is already registered", m.Campaign.ID))
		return
	}
	// Hold the slot while assembling so concurrent registrations of the
	// same id don't race building two runtimes.
	s.campaigns[m.Campaign.ID] = nil
	s.mu.Unlock()

	rt, err := pipeline.Build(r.Context(), m, s.opts)

	s.mu.Lock()
	if err != nil {
		delete(s.campaigns, m.Campaign.ID)
		s.mu.Unlock()
		respondWithError(w, r, err)
		return
	}
	s.campaigns[m.Campaign.ID] = &campaignJob{runtime: rt}
	s.mu.Unlock()

	s.logger.Info("campaign registered",
		zap.String("campaign_id", m.Campaign.ID),
		zap.Int("rows", rt.Dataset.Len()),
		zap.Int("templates", len(rt.Templates)))

	writeJSON(w, http.StatusCreated, CampaignSummary{
		CampaignID: m.Campaign.ID,
		Name:       m.Campaign.Name,
		TotalRows:  rt.Dataset.Len(),
		Templates:  len(rt.Templates),
		Status:     string(generator.StatusPending),
	})
}

// manifestNameFor picks a manifest file name hint from the request content
// type so YAML bodies parse as YAML.
func manifestNameFor(r *http.Request) string {
	ct := r.Header.Get("Content-Type")
	switch {
	case ct == "application/yaml", ct == "text/yaml", ct == "application/x-yaml":
		return "manifest.yaml"
	default:
		return "manifest.json"
	}
}

// ListHandler serves GET /api/v1/campaigns.
func (s *CampaignService) ListHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	jobs := make(map[string]*campaignJob, len(s.campaigns))
	for id, j := range s.campaigns {
		if j != nil {
			jobs[id] = j
		}
	}
	s.mu.Unlock()

	out := make([]CampaignSummary, 0, len(jobs))
	for id, j := range jobs {
		out = append(out, CampaignSummary{
			CampaignID: id,
			Name:       j.runtime.Manifest.Campaign.Name,
			TotalRows:  j.runtime.Dataset.Len(),
			Templates:  len(j.runtime.Templates),
			Status:     string(j.status()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": out})
}

// GenerateHandler serves POST /api/v1/campaigns/{campaignID}/generate. A
// usable checkpoint resumes automatically; otherwise generation starts at
// row zero. Returns 202 and runs in the background.
func (s *CampaignService) GenerateHandler(w http.ResponseWriter, r *http.Request) {
	s.startRun(w, r, false)
}

// ResumeHandler serves POST /api/v1/campaigns/{campaignID}/resume. Identical
// to generate except a missing checkpoint is an error instead of a fresh
// start, so a client cannot accidentally re-render a finished campaign.
func (s *CampaignService) ResumeHandler(w http.ResponseWriter, r *http.Request) {
	s.startRun(w, r, true)
}

func (s *CampaignService) startRun(w http.ResponseWriter, r *http.Request, requireCheckpoint bool) {
	j, ok := s.get(chi.URLParam(r, "campaignID"))
	if !ok {
		campaignNotFound(w, r)
		return
	}

	fromIndex, resumed, err := j.runtime.ResumeIndex(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	if requireCheckpoint && !resumed {
		apperrors.WriteError(w, r, http.StatusConflict,
			apperrors.CodeConflict, "no resumable checkpoint for campaign")
		return
	}

	if err := s.launch(j, fromIndex); err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaignId": j.runtime.Manifest.Campaign.ID,
		"status":     string(generator.StatusProcessing),
		"fromIndex":  fromIndex,
		"resumed":    resumed,
	})
}

// launch starts the controller in a server-owned goroutine. The run outlives
// the HTTP request, so it gets its own context.
func (s *CampaignService) launch(j *campaignJob, fromIndex int) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return generator.ErrAlreadyRunning
	}

	ctrl, err := j.runtime.Controller(nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	j.controller = ctrl
	j.cancel = cancel
	j.running = true
	j.runErr = nil

	campaignID := j.runtime.Manifest.Campaign.ID
	go func() {
		defer cancel()
		summary, err := ctrl.Run(ctx, fromIndex)

		j.mu.Lock()
		j.running = false
		j.runErr = err
		j.mu.Unlock()

		if err != nil {
			observability.ServerLogger.Error("campaign run failed",
				zap.String("campaign_id", campaignID), zap.Error(err))
			return
		}
		observability.ServerLogger.Info("campaign run finished",
			zap.String("campaign_id", campaignID),
			zap.String("status", string(summary.Status)),
			zap.Int("generated", summary.Generated),
			zap.Int("failed", summary.Failed))
	}()
	return nil
}

// PauseHandler serves POST /api/v1/campaigns/{campaignID}/pause. Pause takes
// effect at the next batch boundary; the reply reports the request, not the
// completed transition.
func (s *CampaignService) PauseHandler(w http.ResponseWriter, r *http.Request) {
	j, ok := s.get(chi.URLParam(r, "campaignID"))
	if !ok {
		campaignNotFound(w, r)
		return
	}

	j.mu.Lock()
	running := j.running
	ctrl := j.controller
	j.mu.Unlock()

	if !running || ctrl == nil {
		apperrors.WriteError(w, r, http.StatusConflict,
			apperrors.CodeConflict, "campaign is not processing")
		return
	}

	ctrl.Pause()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaignId": j.runtime.Manifest.Campaign.ID,
		"status":     string(generator.StatusPaused),
	})
}

// CampaignStatusResponse is the status wire shape.
type CampaignStatusResponse struct {
	CampaignID string                             `json:"campaignId"`
	Status     string                             `json:"status"`
	Progress   generator.Progress                 `json:"progress"`
	ByTemplate map[string]generator.TemplateStats `json:"byTemplate,omitempty"`
	Errors     []generator.RowError               `json:"errors,omitempty"`
}

// StatusHandler serves GET /api/v1/campaigns/{campaignID}/status. With a
// live controller it reports in-memory progress; otherwise it reconstructs
// status from the checkpoint and pin records, which is what survives a
// server restart.
func (s *CampaignService) StatusHandler(w http.ResponseWriter, r *http.Request) {
	j, ok := s.get(chi.URLParam(r, "campaignID"))
	if !ok {
		campaignNotFound(w, r)
		return
	}

	j.mu.Lock()
	ctrl := j.controller
	runErr := j.runErr
	j.mu.Unlock()

	if ctrl != nil {
		resp := CampaignStatusResponse{
			CampaignID: j.runtime.Manifest.Campaign.ID,
			Status:     string(ctrl.Status()),
			Progress:   ctrl.Snapshot(),
			ByTemplate: ctrl.ByTemplate(),
			Errors:     ctrl.Errors(),
		}
		if runErr != nil {
			resp.Errors = append(resp.Errors, generator.RowError{RowIndex: -1, Message: runErr.Error()})
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp, err := s.storedStatus(r.Context(), j)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// storedStatus reconstructs campaign status from durable state.
func (s *CampaignService) storedStatus(ctx context.Context, j *campaignJob) (*CampaignStatusResponse, error) {
	campaignID := j.runtime.Manifest.Campaign.ID
	total := j.runtime.Dataset.Len()

	counts, err := j.runtime.Pins.CountByCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	byTemplate, err := j.runtime.Pins.CountByTemplate(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	status := generator.StatusPending
	current := 0
	if cp, err := j.runtime.Checkpoints.Load(ctx, campaignID); err != nil {
		return nil, err
	} else if cp != nil {
		status = generator.Status(cp.Status)
		current = cp.NextRowIndex
	} else if counts.Total() >= total && total > 0 {
		// Completed runs clear their checkpoint; the pin records remain.
		status = generator.StatusCompleted
		current = total
	}

	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}

	stats := make(map[string]generator.TemplateStats, len(byTemplate))
	for id, n := range byTemplate {
		stats[id] = generator.TemplateStats{Generated: n}
	}

	return &CampaignStatusResponse{
		CampaignID: campaignID,
		Status:     string(status),
		Progress: generator.Progress{
			CampaignID: campaignID,
			Status:     status,
			Current:    current,
			Total:      total,
			Percentage: pct,
			Generated:  counts.Generated,
			Failed:     counts.Failed,
		},
		ByTemplate: stats,
	}, nil
}

// PinListResponse is the pin listing wire shape.
type PinListResponse struct {
	CampaignID string    `json:"campaignId"`
	Pins       []PinItem `json:"pins"`
	Limit      int       `json:"limit"`
	Offset     int       `json:"offset"`
}

// PinItem is one pin record on the wire.
type PinItem struct {
	RowIndex   int       `json:"rowIndex"`
	TemplateID string    `json:"templateId"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// PinsHandler serves GET /api/v1/campaigns/{campaignID}/pins.
func (s *CampaignService) PinsHandler(w http.ResponseWriter, r *http.Request) {
	j, ok := s.get(chi.URLParam(r, "campaignID"))
	if !ok {
		campaignNotFound(w, r)
		return
	}

	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	pins, err := j.runtime.Pins.ListByCampaign(r.Context(), j.runtime.Manifest.Campaign.ID, limit, offset)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	items := make([]PinItem, 0, len(pins))
	for _, p := range pins {
		items = append(items, pinItem(p))
	}
	writeJSON(w, http.StatusOK, PinListResponse{
		CampaignID: j.runtime.Manifest.Campaign.ID,
		Pins:       items,
		Limit:      limit,
		Offset:     offset,
	})
}

func pinItem(p pinstore.Pin) PinItem {
	return PinItem{
		RowIndex:   p.RowIndex,
		TemplateID: p.TemplateID,
		ImageURL:   p.ImageURL,
		Status:     p.Status,
		Error:      p.Error,
		UpdatedAt:  p.UpdatedAt,
	}
}

// RegenerateHandler serves POST /api/v1/campaigns/{campaignID}/regenerate:
// clear every record and asset, then start a fresh run from row zero.
func (s *CampaignService) RegenerateHandler(w http.ResponseWriter, r *http.Request) {
	j, ok := s.get(chi.URLParam(r, "campaignID"))
	if !ok {
		campaignNotFound(w, r)
		return
	}

	j.mu.Lock()
	running := j.running
	j.mu.Unlock()
	if running {
		apperrors.WriteError(w, r, http.StatusConflict,
			apperrors.CodeConflict, "campaign is processing; pause it before regenerating")
		return
	}

	res, err := j.runtime.Regenerate(r.Context())
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	if err := s.launch(j, 0); err != nil {
		respondWithError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"campaignId":     j.runtime.Manifest.Campaign.ID,
		"status":         string(generator.StatusProcessing),
		"deletedRecords": res.DeletedRecords,
		"deletedAssets":  res.DeletedAssets,
	})
}

// DeleteHandler serves DELETE /api/v1/campaigns/{campaignID}: stop any run
// and drop the registration. Stored pins and assets are kept; regeneration
// exists for clearing those.
func (s *CampaignService) DeleteHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")

	s.mu.Lock()
	j, ok := s.campaigns[id]
	if ok {
		delete(s.campaigns, id)
	}
	s.mu.Unlock()

	if !ok || j == nil {
		campaignNotFound(w, r)
		return
	}

	j.stop()
	if err := j.runtime.Close(); err != nil {
		s.logger.Warn("close campaign runtime", zap.String("campaign_id", id), zap.Error(err))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (j *campaignJob) status() generator.Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.controller != nil {
		return j.controller.Status()
	}
	return generator.StatusPending
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
