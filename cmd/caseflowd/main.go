// Package main is the entry point for the caseflow orchestration server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/directory"
	"github.com/pitabwire/caseflow/internal/dispatch"
	"github.com/pitabwire/caseflow/internal/idempotency"
	"github.com/pitabwire/caseflow/internal/monitor"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/orchestrator"
	"github.com/pitabwire/caseflow/internal/registry"
	"github.com/pitabwire/caseflow/internal/timeline"
	"github.com/pitabwire/caseflow/internal/topology"
	"github.com/pitabwire/caseflow/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	demo := flag.Bool("demo", false, "run every topology role as an in-process demo worker")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "caseflowd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Build the role topology.
	topo, err := topology.New(cfg.Topology)
	if err != nil {
		logger.Error("topology initialization failed", zap.Error(err))
		return 1
	}

	// Step 5: Open the case store.
	store, err := buildCaseStore(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("case store initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Open the idempotency store (optional).
	cache := buildIdempotencyStore(cfg.Idempotency, logger)

	// Step 7: Build the worker directory.
	dir := directory.New()
	dir.Seed(cfg.Directory.Endpoints)

	workers := dispatch.NewWorkerRegistry()
	if *demo {
		registerDemoWorkers(dir, workers, topo, logger)
	}

	// Step 8: Build the timeline hub, optionally mirrored to NATS.
	var mirror timeline.Mirror
	if cfg.Timeline.NATS.Enabled {
		m, err := timeline.NewNATSMirror(cfg.Timeline.NATS)
		if err != nil {
			logger.Error("NATS mirror initialization failed", zap.Error(err))
			return 1
		}
		mirror = m
	}
	hub := timeline.NewHub(store, cfg.Timeline, logger, metrics, mirror)

	// Step 9: Build transports, dispatcher, and the orchestration engine.
	inproc := dispatch.NewInProcTransport(workers)
	httpTransport := dispatch.NewHTTPTransport(cfg.Dispatch.HTTP, metrics)
	dispatcher := dispatch.New(dir, cfg.Dispatch, logger, inproc, httpTransport)

	engine := orchestrator.New(store, topo, dispatcher, hub, cache, orchestrator.Config{
		RetryCeiling: cfg.Dispatch.RetryCeiling,
		CallbackURL:  cfg.Dispatch.HTTP.CallbackURL,
		OutcomeTTL:   cfg.Idempotency.Store.DefaultTTL,
	}, logger, metrics)
	dispatcher.Bind(engine)
	inproc.Bind(engine)

	// Step 10: Start the passive role monitor.
	mon := monitor.New(cfg.Monitor, logger, metrics)
	mon.Start(hub)

	// Step 11: Resume cases left in flight by a previous process.
	if err := engine.Resume(ctx); err != nil {
		logger.Error("resume failed", zap.Error(err))
		return 1
	}

	// Step 12: Build the HTTP router.
	readinessChecks := observability.ReadinessChecks{
		TopologyLoaded: func() bool { return len(topo.Roles()) > 0 },
		CaseStore:      store,
	}
	if cache != nil {
		readinessChecks.IdempotencyStore = cache
	}
	if hc, ok := mirror.(observability.HealthChecker); ok {
		readinessChecks.TimelineMirror = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:         cfg,
		Logger:         logger,
		Engine:         engine,
		Directory:      dir,
		Hub:            hub,
		Monitor:        mon,
		HealthHandler:  observability.HandleHealth(),
		ReadyHandler:   observability.HandleReady(readinessChecks),
		MetricsHandler: observability.Handler(),
	})

	// Wrap router with metrics and tracing middleware.
	handler := metrics.MetricsMiddleware(observability.TracingMiddleware(router))

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 13: Start the timeout sweep loop.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go runTimeoutSweeper(bgCtx, engine, cfg.Dispatch.SweepInterval, logger)

	// Step 14: Start the HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("storage", cfg.Storage.Driver),
		zap.Int("roles", len(topo.Roles())),
		zap.Bool("demo", *demo),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop background work, then flush and close in dependency order.
	bgCancel()
	mon.Stop()
	dispatcher.Close()
	hub.Close()

	if err := store.Close(); err != nil {
		logger.Error("case store close error", zap.Error(err))
	}
	if cache != nil {
		if err := cache.Close(); err != nil {
			logger.Error("idempotency store close error", zap.Error(err))
		}
	}

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildCaseStore opens the configured case store and runs migrations for
// the SQL-backed drivers.
func buildCaseStore(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (registry.CaseStore, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory case store")
		return registry.NewMemoryCaseStore(), nil

	case "sqlite":
		store, err := registry.OpenSQLiteCaseStore(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("case store: open sqlite: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("case store: migrate: %w", err)
		}
		logger.Info("using sqlite case store", zap.String("path", cfg.SQLite.Path))
		return store, nil

	case "postgres":
		dsn := os.Getenv(cfg.Postgres.DSNEnv)
		if dsn == "" {
			return nil, fmt.Errorf("case store: %s environment variable not set", cfg.Postgres.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, fmt.Errorf("case store: parse DSN: %w", err)
		}
		if cfg.Postgres.MaxConns > 0 {
			poolCfg.MaxConns = cfg.Postgres.MaxConns
		}
		if cfg.Postgres.MinConns > 0 {
			poolCfg.MinConns = cfg.Postgres.MinConns
		}
		if cfg.Postgres.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.Postgres.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("case store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("case store: ping: %w", err)
		}

		store := registry.NewPgCaseStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("case store: migrate: %w", err)
		}
		logger.Info("using postgres case store")
		return store, nil

	default:
		return nil, fmt.Errorf("unsupported storage driver: %q", cfg.Driver)
	}
}

// buildIdempotencyStore creates the terminal-outcome cache based on config.
// Returns nil when idempotency caching is disabled.
func buildIdempotencyStore(cfg config.IdempotencyConfig, logger *zap.Logger) idempotency.Store {
	if !cfg.Enabled {
		return nil
	}

	switch cfg.Store.Driver {
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			logger.Warn("redis address not configured, using in-memory idempotency store")
			return idempotency.NewMemoryStore()
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return idempotency.NewRedisStore(client)

	default:
		logger.Info("using in-memory idempotency store")
		return idempotency.NewMemoryStore()
	}
}

// registerDemoWorkers runs every topology role in-process so the full case
// lifecycle can be exercised without external worker services.
func registerDemoWorkers(dir *directory.Directory, workers *dispatch.WorkerRegistry, topo *topology.Topology, logger *zap.Logger) {
	for _, role := range topo.Roles() {
		name := role.Name
		dir.Register(name, "inproc://"+name)
		workers.Register(name, dispatch.WorkerFunc(func(ctx context.Context, req dispatch.Request) (map[string]any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(50 * time.Millisecond):
			}
			return map[string]any{
				"role":    name,
				"case_id": req.CaseID,
				"note":    "demo worker result",
			}, nil
		}))
	}
	logger.Info("demo workers registered", zap.Int("roles", len(topo.Roles())))
}

// runTimeoutSweeper periodically sweeps expired in-flight tasks.
func runTimeoutSweeper(ctx context.Context, engine *orchestrator.Engine, interval time.Duration, logger *zap.Logger) {
	if interval == 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := engine.SweepExpired(ctx, time.Now().UTC()); err != nil {
				logger.Error("timeout sweep failed", zap.Error(err))
			}
		}
	}
}
