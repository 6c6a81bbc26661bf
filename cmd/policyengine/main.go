// Command policyengine runs the HTTP server: it wires the PostgreSQL
// store, Redis cache, audit pipeline, decision orchestrator, manifest
// applier, identity provider sync scheduler, and metrics collector
// together behind the wire API, then blocks until SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/audit"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/cache"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/config"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/decision"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/httpapi"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/idpsync"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/manifest"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/metrics"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
	"github.com/mgourlis/stateful-abac-policy-engine/internal/token"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("configuration error: %v", err) //nolint:gocritic // exitAfterDefer: intentional, nothing to clean up yet
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := setup(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("setup error: %v", err) //nolint:gocritic // exitAfterDefer: intentional, cleanup is best-effort
	}

	logger.Info("policy engine listening", "addr", cfg.ListenAddr)
	if err := run(ctx, app, cfg.ListenAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
	logger.Info("shutdown complete")
}

// app holds every component that needs to be stopped in reverse wiring
// order on shutdown.
type app struct {
	server    *http.Server
	store     *pgstore.Store
	cache     *cache.Cache
	auditConn *redis.Client
	audit     *audit.Pipeline
	mw        *httpapi.Middleware
	scheduler *idpsync.Scheduler
}

func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := pgstore.NewStore(ctx, cfg.PGStoreConfig())
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := pgstore.Migrate(ctx, store.Pool()); err != nil {
		store.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Info("database migrations applied")

	metricsCollector := metrics.New()

	c := cache.New(ctx, cfg.CacheConfig())
	c.SetRecorder(metricsCollector)

	// The audit queue gets its own Redis connection, independent of the
	// decision cache's: they're separate concerns that happen to share a
	// Redis instance, and the cache's client isn't exported for reuse.
	// TESTING skips the background drainer entirely, so every audit entry
	// is inserted synchronously and tests never race a goroutine.
	var auditConn *redis.Client
	if !cfg.Testing {
		cacheCfg := cfg.CacheConfig()
		auditConn = redis.NewClient(&redis.Options{Addr: cacheCfg.Address, Password: cacheCfg.Password, DB: cacheCfg.DB})
		if err := auditConn.Ping(ctx).Err(); err != nil {
			logger.Warn("audit queue redis unreachable, falling back to direct inserts", "error", err)
			_ = auditConn.Close()
			auditConn = nil
		}
	}
	var auditClient audit.QueueClient
	if auditConn != nil {
		auditClient = auditConn
	}
	auditPipeline := audit.NewPipeline(store.AuditLog, auditClient, logger)

	resolver := token.NewResolver(store, c, cfg.JWTSecretKey, cfg.JWTAlgorithm, logger)
	orchestrator := decision.New(store, c, auditPipeline, metricsCollector)

	applier := manifest.New(store, c)
	manifestHandler := manifest.NewHandler(applier)

	var scheduler *idpsync.Scheduler
	if cfg.EnableScheduler && !cfg.Testing {
		syncer := idpsync.New(store, c, logger)
		scheduler = idpsync.NewScheduler(syncer, store.Realms, logger)
		scheduler.SetRecorder(metricsCollector)
		if err := scheduler.Refresh(ctx); err != nil {
			logger.Error("idpsync: initial refresh failed", "error", err)
		}
		scheduler.Start()
	}

	router, mw := httpapi.NewRouter(store, orchestrator, resolver, c, manifestHandler, httpapi.Config{
		DecisionRateLimit: cfg.DecisionRateLimit,
		Metrics:           metricsCollector,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("GET /metrics", metricsCollector.Handler())

	return &app{
		server:    &http.Server{Addr: cfg.ListenAddr, Handler: mux},
		store:     store,
		cache:     c,
		auditConn: auditConn,
		audit:     auditPipeline,
		mw:        mw,
		scheduler: scheduler,
	}, nil
}

// run serves on listenAddr until ctx is cancelled, then shuts every
// component down in reverse wiring order.
func run(ctx context.Context, a *app, listenAddr string) error {
	a.server.Addr = listenAddr
	serveErr := make(chan error, 1)
	go func() {
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	a.mw.Stop()
	a.audit.Stop()
	if a.auditConn != nil {
		_ = a.auditConn.Close()
	}
	if err := a.cache.Close(); err != nil {
		return fmt.Errorf("close cache: %w", err)
	}
	a.store.Close()

	return nil
}
