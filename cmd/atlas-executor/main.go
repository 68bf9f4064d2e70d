// The atlas-executor process consumes the action execution queue and
// performs approved actions against the external commerce API.
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
	"atlas/internal/commerce"
	"atlas/internal/config"
	"atlas/internal/executor"
	"atlas/internal/logging"
	"atlas/internal/observability"
	"atlas/internal/store/postgres"
	"atlas/internal/tenant"
	"atlas/internal/vault"
)

func main() {
	logger := logging.NewComponentLogger("atlas-executor")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("configuration: %v", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("executor exited: %v", err)
		os.Exit(1)
	}
	logger.Info("executor stopped")
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
	actions := postgres.NewActionStore(tenants)
	accounts := postgres.NewLinkedAccountStore(tenants)
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
	tracer, err := observability.NewTracerProvider(ctx, "atlas-executor", cfg.OTLPEndpoint)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracer.Shutdown(shutdownCtx)
	}()

	client := commerce.NewClient(creds, cache, cfg.CacheTTL, cfg.CommerceTimeout, logger, commerce.WithMetrics(metrics))

	exec := executor.New(actions, accounts, client, b, cfg.Prefetch, logger)
	exec.Metrics = metrics

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error { return exec.Run(ctx) })
	group.Go(func() error { return serveMetrics(ctx, cfg.MetricsAddr, metrics, logger) })
	group.Go(func() error { return purgeExpiredCache(ctx, cache, logger) })
	return group.Wait()
}

// purgeExpiredCache deletes expired cached external data on an interval. The
// executor hosts the sweep because it is the one always-on singleton process.
func purgeExpiredCache(ctx context.Context, cache *postgres.CacheStore, logger logging.Logger) error {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			purged, err := cache.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("cache purge failed: %v", err)
				continue
			}
			if purged > 0 {
				logger.Info("purged %d expired cache rows", purged)
			}
		}
	}
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
