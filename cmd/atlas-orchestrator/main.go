// The atlas-orchestrator process consumes the ingest queue: it plans each
// analysis request, dispatches department tasks, polls for their completion,
// aggregates the results and records the terminal outcome.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"atlas/internal/broker"
	"atlas/internal/bus"
	"atlas/internal/config"
	apperrors "atlas/internal/errors"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/observability"
	"atlas/internal/orchestrator"
	"atlas/internal/store/postgres"
	"atlas/internal/tenant"
)

func main() {
	logger := logging.NewComponentLogger("atlas-orchestrator")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("orchestrator exited: %v", err)
		os.Exit(1)
	}
	logger.Info("orchestrator stopped")
}

func run(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	tenants := tenant.NewManager(pool)
	requests := postgres.NewRequestStore(tenants)
	checkpoints := postgres.NewCheckpointStore(tenants)
	tasks := postgres.NewTaskStore(tenants)
	actions := postgres.NewActionStore(tenants)
	prefs := postgres.NewPreferencesStore(tenants)

	b, err := broker.Connect(ctx, cfg.BrokerURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	updates, err := bus.NewFromURL(cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = updates.Close() }()

	metrics := observability.NewMetrics()
	tracer, err := observability.NewTracerProvider(ctx, "atlas-orchestrator", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	client := llm.WrapWithRetry(
		llm.NewClient(llm.Config{BaseURL: cfg.LLMBaseURL, APIKey: cfg.LLMAPIKey}),
		apperrors.DefaultRetryConfig(),
		apperrors.DefaultCircuitBreakerConfig(),
		metrics,
	)
	router := llm.NewRouter(cfg.Models, prefs, logger)
	planner := orchestrator.NewPlanner(client, router, logger)
	engine := orchestrator.NewEngine(planner, tasks, checkpoints, b, client, router, cfg.PollInterval, logger)
	engine.Metrics = metrics

	driver := orchestrator.NewDriver(engine, requests, checkpoints, actions, b, updates, cfg.Prefetch, logger)
	driver.Metrics = metrics

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return driver.Run(ctx) })
	group.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, metrics, logger) })
	return group.Wait()
}

func serveMetrics(ctx context.Context, addr string, metrics *observability.Metrics, logger logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("metrics listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
