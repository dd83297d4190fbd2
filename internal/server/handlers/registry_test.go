package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/3leaps/pinforge/pkg/pipeline"
)

// While RegisterHandler assembles a runtime it parks a nil entry in the
// registry to hold the campaign id. Lookups must treat that window as
// not-found instead of handing out the nil job.
func TestCampaignServiceAssemblingSlotIsNotFound(t *testing.T) {
	svc := NewCampaignService(pipeline.Options{}, zap.NewNop())
	t.Cleanup(func() { _ = svc.Close() })

	svc.mu.Lock()
	svc.campaigns["building"] = nil
	svc.mu.Unlock()

	j, ok := svc.get("building")
	assert.False(t, ok)
	assert.Nil(t, j)

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("campaignID", "building")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/building/status", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	svc.StatusHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	svc.PauseHandler(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
