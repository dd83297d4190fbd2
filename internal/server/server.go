// Package server assembles the pinforge HTTP server: router, middleware,
// health probes, the render endpoints, and the campaign API.
package server

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/pinforge/internal/errors"
	"github.com/3leaps/pinforge/internal/server/handlers"
	"github.com/3leaps/pinforge/internal/server/middleware"
	"github.com/3leaps/pinforge/pkg/provider"
)

// adminTokenEnv enables the admin signal endpoint when set.
const adminTokenEnv = "PINFORGE_ADMIN_TOKEN"

// Timeouts configures the HTTP server's connection deadlines.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

func defaultTimeouts() Timeouts {
	return Timeouts{
		Read:     30 * time.Second,
		Write:    30 * time.Second,
		Idle:     120 * time.Second,
		Shutdown: 10 * time.Second,
	}
}

// Server is the pinforge HTTP server.
type Server struct {
	host     string
	port     int
	timeouts Timeouts

	campaigns *handlers.CampaignService
	renders   *handlers.RenderService
	assets    provider.ObjectGetter

	router     chi.Router
	httpServer *http.Server
	shutdownCh chan struct{}
}

// Option configures optional server capabilities.
type Option func(*Server)

// WithCampaignService mounts the campaign API.
func WithCampaignService(svc *handlers.CampaignService) Option {
	return func(s *Server) { s.campaigns = svc }
}

// WithRenderService mounts the render endpoints.
func WithRenderService(svc *handlers.RenderService) Option {
	return func(s *Server) { s.renders = svc }
}

// WithAssetGetter mounts /assets/* over the given store. File-backed
// deployments use this; S3 deployments serve assets from the bucket.
func WithAssetGetter(g provider.ObjectGetter) Option {
	return func(s *Server) { s.assets = g }
}

// WithTimeouts overrides the connection deadlines.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// New creates a server bound to host:port. Services are optional: a bare
// server still serves health probes and /version, which is what tests and
// smoke checks rely on.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:       host,
		port:       port,
		timeouts:   defaultTimeouts(),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.buildRouter()
	return s
}

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Handler returns the assembled router.
func (s *Server) Handler() http.Handler { return s.router }

// ShutdownRequested is closed when the admin signal endpoint asks the
// process to stop.
func (s *Server) ShutdownRequested() <-chan struct{} { return s.shutdownCh }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logging)
	r.Use(middleware.Recovery)

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.renders != nil {
		r.Post("/api/v1/render", s.renders.RenderOneHandler)
		r.Post("/api/v1/render/batch", s.renders.RenderBatchHandler)
	}

	if s.campaigns != nil {
		r.Route("/api/v1/campaigns", func(r chi.Router) {
			r.Post("/", s.campaigns.RegisterHandler)
			r.Get("/", s.campaigns.ListHandler)
			r.Route("/{campaignID}", func(r chi.Router) {
				r.Delete("/", s.campaigns.DeleteHandler)
				r.Post("/generate", s.campaigns.GenerateHandler)
				r.Post("/pause", s.campaigns.PauseHandler)
				r.Post("/resume", s.campaigns.ResumeHandler)
				r.Post("/regenerate", s.campaigns.RegenerateHandler)
				r.Get("/status", s.campaigns.StatusHandler)
				r.Get("/pins", s.campaigns.PinsHandler)
			})
		})
	}

	if s.assets != nil {
		r.Get("/assets/*", handlers.AssetsHandler(s.assets))
	}

	s.registerAdminEndpoint(r)
	return r
}

// registerAdminEndpoint mounts POST /admin/signal when an admin token is
// configured. The endpoint requests a graceful shutdown; deployments use it
// to drain a node without waiting for the orchestrator's SIGTERM.
func (s *Server) registerAdminEndpoint(r chi.Router) {
	token := strings.TrimSpace(os.Getenv(adminTokenEnv))
	if token == "" {
		return
	}

	r.Post("/admin/signal", func(w http.ResponseWriter, req *http.Request) {
		got := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			apperrors.WriteError(w, req, http.StatusUnauthorized,
				apperrors.CodeInvalidRequest, "invalid admin token")
			return
		}

		select {
		case <-s.shutdownCh:
		default:
			close(s.shutdownCh)
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// Start runs the server until ctx is cancelled or ListenAndServe fails.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.router,
		ReadTimeout:  s.timeouts.Read,
		WriteTimeout: s.timeouts.Write,
		IdleTimeout:  s.timeouts.Idle,
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	case <-s.shutdownCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.timeouts.Shutdown)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return <-errCh
}
