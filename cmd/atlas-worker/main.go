// The atlas-worker process consumes one department queue. The -dept flag
// selects which department this instance serves; a deployment runs one or
// more instances per department.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"atlas/internal/broker"
	"atlas/internal/commerce"
	"atlas/internal/config"
	"atlas/internal/domain/task"
	apperrors "atlas/internal/errors"
	"atlas/internal/hitl"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/observability"
	"atlas/internal/store/postgres"
	"atlas/internal/tenant"
	"atlas/internal/vault"
	"atlas/internal/worker"
)

func main() {
	deptFlag := flag.String("dept", "", "department to serve (one of: "+departmentList()+")")
	flag.Parse()

	dept := task.Department(strings.TrimSpace(*deptFlag))
	logger := logging.NewComponentLogger("atlas-worker." + string(dept))
	if !dept.Valid() {
		logger.Error("unknown department %q, expected one of: %s", *deptFlag, departmentList())
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, dept, logger); err != nil && ctx.Err() == nil {
		logger.Error("worker exited: %v", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func run(ctx context.Context, cfg *config.Config, dept task.Department, logger logging.Logger) error {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	tenants := tenant.NewManager(pool)
	tasks := postgres.NewTaskStore(tenants)
	actions := postgres.NewActionStore(tenants)
	prefs := postgres.NewPreferencesStore(tenants)
	cache := postgres.NewCacheStore(tenants)

	creds, err := vault.New(tenants, cfg.CredentialKey, logger)
	if err != nil {
		return err
	}

	b, err := broker.Connect(ctx, cfg.BrokerURL, logger)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	metrics := observability.NewMetrics()
	tracer, err := observability.NewTracerProvider(ctx, "atlas-worker-"+string(dept), cfg.OTLPEndpoint)
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

	handler, err := handlerFor(dept, cfg, creds, cache, actions, b, client, router, metrics, logger)
	if err != nil {
		return err
	}

	w := worker.New(dept, tasks, handler, b, cfg.Prefetch, logger)
	w.Metrics = metrics

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.Run(ctx) })
	group.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, metrics, logger) })
	return group.Wait()
}

// handlerFor builds the department handler. Data retrieval talks to the
// commerce API, recommendation persists proposed actions, everything else is
// a pure analysis pass.
func handlerFor(dept task.Department, cfg *config.Config, creds *vault.Vault, cache *postgres.CacheStore, actions *postgres.ActionStore, b *broker.Broker, client llm.Client, router *llm.Router, metrics *observability.Metrics, logger logging.Logger) (worker.Handler, error) {
	switch dept {
	case task.DeptDataRetrieval:
		commerceClient := commerce.NewClient(creds, cache, cfg.CacheTTL, cfg.CommerceTimeout, logger, commerce.WithMetrics(metrics))
		return worker.NewDataRetrievalHandler(commerceClient, logger), nil
	case task.DeptRecommendation:
		proposals := hitl.NewService(actions, b, logger)
		return worker.NewRecommendationHandler(client, router, proposals, logger), nil
	case task.DeptQuantitative, task.DeptQualitative, task.DeptComparative, task.DeptPredictive:
		return worker.NewAnalysisHandler(dept, client, router, logger), nil
	default:
		return nil, fmt.Errorf("no handler for department %q", dept)
	}
}

func departmentList() string {
	names := make([]string, 0, len(task.Departments()))
	for _, d := range task.Departments() {
		names = append(names, string(d))
	}
	return strings.Join(names, ", ")
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
