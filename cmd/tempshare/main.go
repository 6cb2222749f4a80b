package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/labstack/echo/v4"
	echoMiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tempshare/internal/api"
	"tempshare/internal/cache"
	"tempshare/internal/config"
	"tempshare/internal/database"
	"tempshare/internal/handlers"
	"tempshare/internal/logging"
	"tempshare/internal/middleware"
	"tempshare/internal/scheduler"
	"tempshare/internal/services"
	"tempshare/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting", zap.String("site", cfg.Site.Name), zap.String("db_driver", cfg.Database.Driver),
		zap.String("storage", cfg.Storage.Backend))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize database and run migrations
	store, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer store.Close()

	blobs, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open payload store: %w", err)
	}

	var statusCache cache.Cache = cache.Nop{}
	if cfg.Cache.Enabled {
		statusCache = cache.NewLRUCache(cfg.Cache.Size, cfg.Cache.MaxTTL)
	}

	// Initialize services
	lifecycle := services.NewLifecycleManager(store, blobs, statusCache, cfg, logger)
	analytics := services.NewAnalyticsService(store)
	adminAuth := services.NewAdminAuth(cfg.Security)
	if !adminAuth.Enabled() {
		logger.Info("admin API disabled, set TEMPSHARE_ADMIN_PASSWORD_HASH to enable it")
	}

	sched, err := scheduler.New(lifecycle, cfg.Lifecycle, logger)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if cfg.Lifecycle.SchedulerOn {
		sched.Start()
	}

	// Initialize Echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	sessionManager := middleware.NewSessionManager(cfg)
	csrf := middleware.NewCSRF(sessionManager)
	rateLimiter := middleware.NewRateLimiter(ctx, cfg.Security.RateLimitRequests, cfg.Security.RateLimitWindow)
	uploadLimiter := middleware.NewRateLimiter(ctx, max(cfg.Security.RateLimitRequests/10, 1), cfg.Security.RateLimitWindow)
	loginLimiter := middleware.NewLoginRateLimiter(ctx, cfg.Security.LoginMaxAttempts, cfg.Security.LoginLockoutTime)

	// Global middleware (order matters!)
	e.Use(middleware.RequestID()) // Add request ID first for tracing
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestLogger(logger))
	e.Use(middleware.Metrics())
	e.Use(middleware.SecurityHeaders())
	e.Use(rateLimiter.Middleware())

	// Gzip compression, but never for payload streams or workbooks
	e.Use(echoMiddleware.GzipWithConfig(echoMiddleware.GzipConfig{
		Level: 5,
		Skipper: func(c echo.Context) bool {
			path := c.Request().URL.Path
			return strings.HasPrefix(path, "/download/") || c.QueryParam("format") == "xlsx"
		},
	}))

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h, err := handlers.New(cfg, lifecycle, sessionManager, map[string]handlers.HealthChecker{
		"database": store,
		"storage":  blobs,
	}, logger)
	if err != nil {
		return err
	}
	h.RegisterRoutes(e, csrf, uploadLimiter)

	apiHandlers := api.NewHandlers(cfg, lifecycle, analytics, adminAuth, sched, loginLimiter, logger)
	api.RegisterRoutes(e, apiHandlers, uploadLimiter.Middleware())

	e.HTTPErrorHandler = handlers.ErrorHandler(logger, cfg.Site.Name)

	// Start server
	server := &http.Server{
		Addr:         cfg.Address(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", "http://"+cfg.Address()))
		if err := e.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Graceful shutdown with timeout: stop sweeps, drain HTTP, then close the store via defer
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler did not stop in time", zap.Error(err))
	}
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
