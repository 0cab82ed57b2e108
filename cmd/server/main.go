// Package main is the entrypoint for the Faultline ingestion server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/faultline/faultline/internal/api"
	"github.com/faultline/faultline/internal/api/handler"
	mw "github.com/faultline/faultline/internal/api/middleware"
	"github.com/faultline/faultline/internal/api/response"
	"github.com/faultline/faultline/internal/cache"
	"github.com/faultline/faultline/internal/config"
	"github.com/faultline/faultline/internal/ingest"
	"github.com/faultline/faultline/internal/issue"
	"github.com/faultline/faultline/internal/metrics"
	"github.com/faultline/faultline/internal/notify"
	"github.com/faultline/faultline/internal/store"
	"github.com/faultline/faultline/internal/symbolicate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config — fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "port", cfg.Server.Port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	// 5. Core services
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	pgStore := store.NewPostgresStore(pool)
	notifier := notify.NewRegistry(cfg.Notify.SubscriberBuffer, func(uuid.UUID) {
		m.NotificationsDropped.Inc()
	})
	symbolicator := symbolicate.New(pgStore, redisCache, cfg.Ingest.ArtifactCacheTTL)
	aggregator := issue.NewAggregator(pgStore)
	pipeline := ingest.NewPipeline(pgStore, symbolicator, aggregator, notifier, m, cfg.Ingest)
	issueSvc := issue.NewService(pgStore, notifier)

	// 6. Build router with dependencies
	rateLimit := mw.NewRateLimit(redisCache, cfg.Ingest.RequestsPerMinute)

	deps := api.Dependencies{
		RateLimit: rateLimit,

		HealthHandler:  healthHandler(pgStore, redisCache),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),

		CreateProject: handler.NewCreateProjectHandler(pgStore),
		GetProject:    handler.NewGetProjectHandler(pgStore),

		IngestEvents: handler.NewIngestHandler(pipeline, int64(cfg.Ingest.MaxEventBytes), cfg.Ingest.MaxBatchSize),
		DeleteEvents: handler.NewDeleteEventsHandler(pgStore),

		UploadArtifact: handler.NewUploadArtifactHandler(pgStore),

		ListIssues:     handler.NewListIssuesHandler(issueSvc),
		GetIssue:       handler.NewGetIssueHandler(issueSvc),
		ResolveIssue:   handler.NewResolveIssueHandler(issueSvc),
		UnresolveIssue: handler.NewIssueTransitionHandler(issueSvc.Unresolve),
		IgnoreIssue:    handler.NewIssueTransitionHandler(issueSvc.Ignore),
		UnignoreIssue:  handler.NewIssueTransitionHandler(issueSvc.Unignore),
		AssignIssue:    handler.NewAssignIssueHandler(issueSvc),
		DeleteIssue:    handler.NewDeleteIssueHandler(issueSvc),

		GetRules: handler.NewGetRulesHandler(pgStore),
		PutRules: handler.NewPutRulesHandler(pgStore),

		Stream: handler.NewStreamHandler(notifier, cfg.Notify.HeartbeatInterval),
	}

	router := api.NewRouter(deps)

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// healthHandler checks database and cache connectivity.
func healthHandler(s store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": "ok",
			"cache":    "ok",
		}

		if err := s.Ping(r.Context()); err != nil {
			checks["database"] = "degraded"
		}
		if err := c.Ping(r.Context()); err != nil {
			checks["cache"] = "degraded"
		}

		degraded := checks["database"] != "ok" || checks["cache"] != "ok"
		if degraded {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED",
				"One or more services degraded", checks)
			return
		}

		response.JSON(w, map[string]any{
			"status":   "ok",
			"services": checks,
		})
	}
}
