// Package main is the entry point for the confirmd server.
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

	"github.com/sablefin/confirmd/internal/artifact"
	"github.com/sablefin/confirmd/internal/config"
	"github.com/sablefin/confirmd/internal/idempotency"
	"github.com/sablefin/confirmd/internal/monitor"
	"github.com/sablefin/confirmd/internal/observability"
	"github.com/sablefin/confirmd/internal/orchestrator"
	"github.com/sablefin/confirmd/internal/pipeline"
	"github.com/sablefin/confirmd/internal/stage"
	"github.com/sablefin/confirmd/internal/status"
	"github.com/sablefin/confirmd/internal/transport"
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
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

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

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "confirmd", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Pipeline definitions.
	loader := pipeline.NewLoader()
	defs, err := loader.LoadAll(cfg.Pipelines.Directories)
	if err != nil {
		logger.Error("pipeline loading failed", zap.Error(err))
		return 1
	}
	pipelines := pipeline.NewRegistry(defs)
	metrics.SetPipelinesLoaded(float64(len(defs)))
	logger.Info("pipelines loaded",
		zap.Int("count", len(defs)),
		zap.String("checksum", pipelines.Checksum()),
	)

	// Status store.
	store, storeCloser, storeCheck, err := buildStatusStore(ctx, cfg.Status, logger)
	if err != nil {
		logger.Error("status store initialization failed", zap.Error(err))
		return 1
	}
	if storeCloser != nil {
		defer storeCloser()
	}

	// Artifact store.
	artifacts, artifactCheck, err := buildArtifactStore(ctx, cfg.Artifacts, logger)
	if err != nil {
		logger.Error("artifact store initialization failed", zap.Error(err))
		return 1
	}

	// Escalation dedupe store.
	dedupe, dedupeCloser, dedupeCheck, err := buildDedupeStore(cfg.Monitor.DedupeStore, logger)
	if err != nil {
		logger.Error("dedupe store initialization failed", zap.Error(err))
		return 1
	}
	if dedupeCloser != nil {
		defer dedupeCloser()
	}

	// Stage executors over the backend service clients.
	executors, err := buildExecutors(cfg, artifacts, logger, metrics)
	if err != nil {
		logger.Error("executor initialization failed", zap.Error(err))
		return 1
	}

	guard := idempotency.NewGuard(store, cfg.Idempotency.StaleAfter)
	driver := orchestrator.NewDriver(store, guard, executors, pipelines, logger, metrics,
		orchestrator.Options{Retention: cfg.Status.Retention})

	// SLA monitor.
	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	if cfg.Monitor.Enabled {
		notifier := &meteredNotifier{next: monitor.NewLogNotifier(logger), metrics: metrics}
		mon := monitor.New(store, pipelines, dedupe, notifier, logger,
			cfg.Monitor.ScanInterval, cfg.Monitor.DedupeTTL)
		go mon.Run(bgCtx)
	}

	authenticate, err := transport.NewAuthenticator(cfg.Auth)
	if err != nil {
		logger.Error("authenticator initialization failed", zap.Error(err))
		return 1
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Authenticate: authenticate,
		Processor:    driver,
		Store:        store,
		Logger:       logger,
		Metrics:      metrics,
		Readiness: observability.ReadinessChecks{
			PipelinesLoaded: func() bool { return len(pipelines.All()) > 0 },
			StatusStore:     storeCheck,
			DedupeStore:     dedupeCheck,
			ArtifactStore:   artifactCheck,
		},
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStatusStore creates the status store based on config. The returned
// checker is nil for the in-memory store.
func buildStatusStore(ctx context.Context, cfg config.StatusStoreConfig, logger *zap.Logger) (status.Store, func(), observability.HealthChecker, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory status store")
		return status.NewMemoryStore(), nil, nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("status store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("status store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MinIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("status store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("status store: ping: %w", err)
		}

		check := observability.HealthCheckerFunc(pool.Ping)
		return status.NewPgStore(pool), pool.Close, check, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported status store driver: %q", cfg.Driver)
	}
}

// buildArtifactStore creates the artifact store based on config.
func buildArtifactStore(ctx context.Context, cfg config.ArtifactStoreConfig, logger *zap.Logger) (artifact.Store, observability.HealthChecker, error) {
	switch cfg.Driver {
	case "memory":
		logger.Info("using in-memory artifact store")
		return artifact.NewMemoryStore(), nil, nil
	case "minio", "":
		store, err := artifact.NewMinioStore(cfg)
		if err != nil {
			return nil, nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, nil, err
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unsupported artifact store driver: %q", cfg.Driver)
	}
}

// buildDedupeStore creates the escalation dedupe store based on config.
func buildDedupeStore(cfg config.DedupeStoreConfig, logger *zap.Logger) (idempotency.DedupeStore, func(), observability.HealthChecker, error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory dedupe store")
		return idempotency.NewMemoryDedupeStore(), nil, nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, nil, fmt.Errorf("dedupe store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		check := observability.HealthCheckerFunc(func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		closer := func() { client.Close() }
		return idempotency.NewRedisDedupeStore(client), closer, check, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported dedupe store driver: %q", cfg.Driver)
	}
}

// buildExecutors wires the stage executor adapters over the configured
// backend services. Pipeline definitions reference these by executor name.
func buildExecutors(cfg *config.Config, artifacts artifact.Store, logger *zap.Logger, metrics *observability.Metrics) (*stage.Registry, error) {
	urlExpiry := time.Duration(cfg.Artifacts.URLExpiryDays) * 24 * time.Hour

	client := func(name string) (*stage.ServiceClient, error) {
		svcCfg, ok := cfg.Services[name]
		if !ok {
			return nil, fmt.Errorf("service %q is not configured", name)
		}
		c := stage.NewServiceClient(name, svcCfg, logger)
		c.SetRecorder(metrics)
		return c, nil
	}

	extraction, err := client("extraction")
	if err != nil {
		return nil, err
	}
	matching, err := client("matching")
	if err != nil {
		return nil, err
	}
	exceptions, err := client("exceptions")
	if err != nil {
		return nil, err
	}

	return stage.NewRegistry(map[string]stage.Executor{
		"document":  stage.NewDocumentExecutor(artifacts, urlExpiry),
		"extract":   stage.NewExtractExecutor(extraction, artifacts, urlExpiry),
		"match":     stage.NewMatchExecutor(matching, artifacts, "extract"),
		"exception": stage.NewExceptionExecutor(exceptions, artifacts, "match"),
	}), nil
}

// meteredNotifier counts escalations before delegating to the real notifier.
type meteredNotifier struct {
	next    monitor.Notifier
	metrics *observability.Metrics
}

func (n *meteredNotifier) Escalate(ctx context.Context, esc monitor.Escalation) error {
	n.metrics.RecordEscalation(esc.BreachType)
	return n.next.Escalate(ctx, esc)
}
