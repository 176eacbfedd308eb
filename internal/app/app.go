package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mkrav/outreach/internal/account"
	"github.com/mkrav/outreach/internal/api"
	"github.com/mkrav/outreach/internal/config"
	"github.com/mkrav/outreach/internal/delivery"
	"github.com/mkrav/outreach/internal/engine"
	"github.com/mkrav/outreach/internal/metrics"
	"github.com/mkrav/outreach/internal/ratelimit"
	"github.com/mkrav/outreach/internal/store"
	"github.com/mkrav/outreach/internal/template"
)

// App is the main application
type App struct {
	config        *config.Config
	store         *store.BoltStore
	pool          *account.Pool
	limiter       *ratelimit.Limiter
	manager       *engine.Manager
	apiServer     *api.Server
	metricsServer *metrics.Server
	logger        *slog.Logger
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage: %w", err)
	}

	templates, err := template.NewStorage(st.DB())
	if err != nil {
		return nil, fmt.Errorf("failed to create template storage: %w", err)
	}

	limiter, err := ratelimit.NewLimiter(st.DB(), &cfg.RateLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}

	pool := account.NewPool(cfg.PoolAccounts())
	if pool.ActiveCount() == 0 {
		logger.Warn("no enabled sending accounts configured; campaigns cannot start")
	}

	client := delivery.NewClient(cfg.Delivery.Timeout, logger.With("component", "delivery"))

	var m *metrics.Metrics
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		m = metrics.New()
		metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr, cfg.Metrics.Path, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	manager := engine.NewManager(st, templates, pool, limiter, client, cfg.Engine,
		logger, m)

	apiServer := api.NewServer(manager, st, templates, pool, limiter, client,
		&cfg.API, logger.With("component", "api"), m)

	return &App{
		config:        cfg,
		store:         st,
		pool:          pool,
		limiter:       limiter,
		manager:       manager,
		apiServer:     apiServer,
		metricsServer: metricsServer,
		logger:        logger,
	}, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting outreach",
		"api_addr", a.config.API.ListenAddr,
		"accounts", a.pool.ActiveCount(),
		"storage", a.config.Storage.Path,
	)

	// Create context that listens for signals
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Recover interrupted campaigns and start the scheduler
	if err := a.manager.Start(); err != nil {
		return fmt.Errorf("failed to start campaign manager: %w", err)
	}

	// Channel to collect errors
	errCh := make(chan error, 2)

	// Start API server
	go func() {
		if err := a.apiServer.ListenAndServe(); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()

	// Start metrics server if enabled
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	// Wait for shutdown signal or error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	// Graceful shutdown
	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down all components. Runner state stays in the
// store, so interrupted campaigns resume on the next start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop runners first so no new sends start
	a.manager.Shutdown()

	if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("api server shutdown error", "error", err)
	}

	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	// Stop rate limiter (persists counters)
	if err := a.limiter.Stop(); err != nil {
		a.logger.Error("rate limiter stop error", "error", err)
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
