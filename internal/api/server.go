package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mkrav/outreach/internal/account"
	"github.com/mkrav/outreach/internal/config"
	"github.com/mkrav/outreach/internal/engine"
	"github.com/mkrav/outreach/internal/metrics"
	"github.com/mkrav/outreach/internal/ratelimit"
	"github.com/mkrav/outreach/internal/store"
	"github.com/mkrav/outreach/internal/template"
)

// AccountChecker verifies an account's SMTP credentials end to end.
type AccountChecker interface {
	Check(ctx context.Context, acct *account.Account) error
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	manager    *engine.Manager
	store      store.Store
	templates  *template.Storage
	renderer   *template.Renderer
	pool       *account.Pool
	limiter    *ratelimit.Limiter
	checker    AccountChecker
	config     *config.APIConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(manager *engine.Manager, st store.Store, templates *template.Storage,
	pool *account.Pool, limiter *ratelimit.Limiter, checker AccountChecker,
	cfg *config.APIConfig, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		manager:   manager,
		store:     st,
		templates: templates,
		renderer:  template.NewRenderer(),
		pool:      pool,
		limiter:   limiter,
		checker:   checker,
		config:    cfg,
		logger:    logger,
		startTime: time.Now(),
	}

	s.setupRoutes(m)
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes(m *metrics.Metrics) {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware(m))
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/templates", func(r chi.Router) {
			r.Post("/", s.handleCreateTemplate)
			r.Get("/", s.handleListTemplates)
			r.Get("/{id}", s.handleGetTemplate)
			r.Put("/{id}", s.handleUpdateTemplate)
			r.Delete("/{id}", s.handleDeleteTemplate)
			r.Post("/{id}/preview", s.handlePreviewTemplate)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Post("/{id}/start", s.handleStartCampaign)
			r.Post("/{id}/pause", s.handlePauseCampaign)
			r.Post("/{id}/resume", s.handleResumeCampaign)
			r.Post("/{id}/stop", s.handleStopCampaign)
			r.Get("/{id}/recipients", s.handleListRecipients)
			r.Get("/{id}/attempts", s.handleListAttempts)
		})

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handleListAccounts)
			r.Post("/{name}/test", s.handleTestAccount)
		})
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
