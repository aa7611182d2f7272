// Package main is the entry point for the collaboration service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/api"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/collab"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/config"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/generator"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/hub"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/middleware"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/roomlock"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/collab-go/internal/versionstore"
)

var skipPaths = []string{"/health", "/healthz", "/ready", "/metrics"}

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var logHandler slog.Handler
	if cfg.LogFormat == "json" {
		logHandler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		logHandler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(logHandler)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger.Info("starting collaboration service",
		slog.String("port", cfg.Port),
		slog.String("log_level", cfg.LogLevel),
		slog.String("store", cfg.StoreBackend),
		slog.String("generator", cfg.Generator),
	)

	// Initialize tracing
	tracingProvider, err := tracing.Init(context.Background(), &tracing.Config{
		ServiceName:    "mentatlab-collab",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TraceSampleRate,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", slog.String("error", err.Error()))
		// Continue without tracing
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open version store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Log warning if no origins configured (allows all)
	if len(cfg.CORSOrigins) == 0 {
		logger.Warn("CORS_ORIGINS not configured - allowing all WebSocket origins (not recommended for production)")
	}
	wsHub := hub.New(&hub.Config{
		Logger:         logger,
		AllowedOrigins: cfg.CORSOrigins,
	})

	source, err := openGenerator(cfg)
	if err != nil {
		logger.Error("failed to initialize generator, generation disabled", slog.String("error", err.Error()))
	}

	svc, err := collab.New(collab.Config{
		Store:            store,
		Coordinator:      roomlock.NewCoordinator(wsHub, logger),
		Broadcaster:      wsHub,
		Source:           source,
		Validator:        v,
		Logger:           logger,
		MaxCommitRetries: cfg.MaxCommitRetries,
	})
	if err != nil {
		logger.Error("failed to create collaboration service", slog.String("error", err.Error()))
		os.Exit(1)
	}

	authMiddleware := middleware.NewAuthMiddleware(&middleware.AuthConfig{
		Enabled:   cfg.AuthEnabled,
		Secret:    cfg.JWTSecret,
		Issuer:    cfg.JWTIssuer,
		SkipPaths: skipPaths,
	}, logger)
	if !authMiddleware.IsEnabled() {
		logger.Warn("authentication disabled - every caller acts as room owner")
	}

	securityCfg := middleware.DefaultSecurityConfig()
	securityCfg.AllowedOrigins = cfg.CORSOrigins
	securityMiddleware := middleware.NewSecurityMiddleware(securityCfg)

	rateLimiter := middleware.NewRateLimiter(&middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		SkipPaths:         skipPaths,
		Costs:             map[string]int{"/workflow/generate": cfg.RateLimitGenerateCost},
	})

	loggingMiddleware := middleware.NewLoggingMiddleware(&middleware.LoggingConfig{
		SkipPaths: skipPaths,
	}, logger)

	tracingMiddleware := middleware.NewTracingMiddleware(&middleware.TracingConfig{
		Enabled:   cfg.TracingEnabled,
		SkipPaths: skipPaths,
	})

	server := api.NewServer(api.NewHandlers(svc, store, wsHub, logger))

	// Apply middleware (order matters: outer -> inner)
	// 1. Tracing (outermost - create spans)
	// 2. Logging (capture request/response with trace context)
	// 3. Security headers
	// 4. CORS
	// 5. Authentication
	// 6. Rate limiting (keyed by identity when known)
	handler := tracingMiddleware.Middleware(
		loggingMiddleware.Middleware(
			securityMiddleware.Middleware(
				securityMiddleware.CORSMiddleware(
					authMiddleware.Middleware(
						rateLimiter.Middleware(server.Router()),
					),
				),
			),
		),
	)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	// Close websocket connections before draining HTTP
	wsHub.Stop()
	rateLimiter.Stop()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	if tracingProvider != nil {
		if err := tracingProvider.Shutdown(ctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}

	logger.Info("server stopped")
}

// openStore builds the configured version store backend.
func openStore(cfg *config.Config, logger *slog.Logger) (versionstore.Store, error) {
	switch cfg.StoreBackend {
	case "redis":
		store, err := versionstore.NewRedisStore(&versionstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("using Redis version store", slog.String("url", cfg.RedisURL))
		return store, nil
	case "sqlite":
		store, err := versionstore.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		logger.Info("using SQLite version store", slog.String("path", cfg.SQLitePath))
		return store, nil
	default:
		logger.Info("using in-memory version store")
		return versionstore.NewMemoryStore(), nil
	}
}

// openGenerator builds the configured workflow generator. A nil source
// disables generation.
func openGenerator(cfg *config.Config) (generator.Source, error) {
	switch cfg.Generator {
	case "openai":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		src, err := generator.NewEinoSource(ctx, generator.EinoConfig{
			APIKey:    cfg.OpenAIAPIKey,
			BaseURL:   cfg.OpenAIBaseURL,
			Model:     cfg.OpenAIModel,
			MaxTokens: cfg.OpenAIMaxTokens,
			Timeout:   cfg.GeneratorTimeout,
		})
		if err != nil {
			return nil, err
		}
		return src, nil
	case "static":
		return &generator.StaticSource{Response: cfg.StaticResponse}, nil
	default:
		return nil, nil
	}
}
