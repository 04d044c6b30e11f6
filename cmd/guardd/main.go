// cmd/guardd/main.go
package main

import (
	"context"
	"errors"
	"io"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"concurrency-guard/internal/admission"
	http_api "concurrency-guard/internal/api/http"
	"concurrency-guard/internal/config"
	"concurrency-guard/internal/domain"
	"concurrency-guard/internal/health"
	"concurrency-guard/internal/infra/breaker"
	"concurrency-guard/internal/infra/etcd"
	"concurrency-guard/internal/infra/measured"
	"concurrency-guard/internal/infra/memory"
	redis_infra "concurrency-guard/internal/infra/redis"
	"concurrency-guard/internal/infra/sqlite"
	"concurrency-guard/internal/lock"
	"concurrency-guard/internal/reporter"
	"concurrency-guard/internal/tracing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
)

// backends bundles what the selected lock store brings with it.
type backends struct {
	store     domain.LockStore
	audits    domain.AuditRepository
	registry  *etcd.InstanceRegistry // etcd only
	watcher   *etcd.InstanceWatcher  // etcd only
	closeFunc func() error
}

func main() {
	// 1. Initialize logger and load configuration
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	instanceID := uuid.New().String()
	logger.Info("starting guardd", "instance_id", instanceID, "lock_store", cfg.LockStore)

	// 2. Init tracer
	var traceOut io.Writer
	if cfg.TraceStdout {
		traceOut = os.Stdout
	}
	tracerShutdown, err := tracing.InitTracer("concurrency-guard", instanceID, traceOut)
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel)

	// 4. Open the lock store
	b, err := openBackends(rootCtx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open lock store: %v", err)
	}
	defer func() {
		if err := b.closeFunc(); err != nil {
			logger.Error("failed to close lock store", "error", err)
		}
	}()

	// 5. Instantiate components
	controller := admission.NewController(admission.Config{
		MaxConcurrentUnits: cfg.MaxConcurrentUnits,
		MaxQueueDepth:      cfg.MaxQueueDepth,
		WindowDuration:     cfg.WindowDuration,
		MaxWindowCount:     cfg.MaxWindowCount,
	}, logger)

	coordinator := lock.NewCoordinator(b.store, lock.Config{
		Owner:            instanceID,
		DefaultWaitTime:  cfg.DefaultWaitTime,
		DefaultLeaseTime: cfg.DefaultLeaseTime,
		RetryInterval:    cfg.LockRetryInterval,
		MaxRetryInterval: cfg.LockMaxRetryInterval,
		AttemptTimeout:   cfg.LockAttemptTimeout,
	}, logger)

	healthServer := health.NewServer(logger)

	schedule, err := config.ParseSchedule(cfg.ReportSchedule)
	if err != nil {
		log.Fatalf("Invalid report schedule: %v", err)
	}
	loadReporter := reporter.New(controller, schedule, logger)
	loadReporter.OnSample(healthServer.Observe)

	// 6. Register this instance so operators can see who shares the store
	var instances http_api.InstanceLister
	if b.registry != nil {
		regCtx, regCancel := context.WithTimeout(rootCtx, cfg.EtcdTimeout)
		err := b.registry.Register(regCtx, instanceID, cfg.HttpListenAddr, int64(cfg.InstanceTTL.Seconds()))
		regCancel()
		if err != nil {
			log.Fatalf("Failed to register instance: %v", err)
		}
		defer func() {
			deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer deregCancel()
			if err := b.registry.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister instance", "error", err)
			}
		}()
		go b.watcher.Watch(rootCtx)
		instances = b.watcher
	}

	// 7. Register routes and metrics endpoint
	apiHandler := http_api.NewHandler(controller, coordinator, b.audits, instances, logger)
	apiMux := http.NewServeMux()
	apiHandler.RegisterRoutes(apiMux)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", admission.Middleware(controller, logger)(apiMux))

	// 8. Start the load reporter
	go func() {
		if err := loadReporter.Start(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("load reporter stopped with error", "error", err)
		}
	}()

	// 9. Start gRPC health server
	lis, err := net.Listen("tcp", cfg.GrpcListenAddr)
	if err != nil {
		log.Fatalf("Failed to listen for gRPC: %v", err)
	}
	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
	)
	healthServer.Register(grpcServer)

	logger.Info("gRPC health server listening", "addr", cfg.GrpcListenAddr)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			log.Fatalf("gRPC server failed: %v", err)
		}
	}()

	// 10. Start HTTP API server
	logger.Info("HTTP API server listening", "addr", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: mux,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 11. Block until shutdown
	<-rootCtx.Done()
	logger.Info("shutting down guardd gracefully...")

	healthServer.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}
	grpcServer.GracefulStop()

	logger.Info("guardd shut down")
}

// openBackends connects to the configured lock store. Every store sits behind
// a circuit breaker and is measured, so its calls show up in metrics and traces.
func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{closeFunc: func() error { return nil }}

	var raw domain.LockStore
	switch cfg.LockStore {
	case config.LockStoreEtcd:
		client, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
		if err != nil {
			return nil, err
		}
		logger.Info("connected to etcd", "endpoints", cfg.EtcdEndpoints)
		raw = etcd.NewEtcdLockStore(client, logger)
		b.audits = etcd.NewEtcdAuditRepository(client, logger)
		b.registry = etcd.NewInstanceRegistry(client, logger)
		b.watcher = etcd.NewInstanceWatcher(client, logger)
		b.closeFunc = client.Close

	case config.LockStoreRedis:
		store, err := redis_infra.New(redis_infra.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("connected to redis", "addr", cfg.RedisAddr)
		raw = store
		b.closeFunc = store.Close

	default:
		logger.Warn("using in-memory lock store, locks are not shared between processes")
		raw = memory.NewLockStore(nil)
	}

	if b.audits == nil {
		audits, closeAudits, err := openAudits(ctx, cfg, logger)
		if err != nil {
			_ = b.closeFunc()
			return nil, err
		}
		b.audits = audits
		closeStore := b.closeFunc
		b.closeFunc = func() error {
			return errors.Join(closeAudits(), closeStore())
		}
	}

	b.store = measured.NewLockStore(
		breaker.NewLockStore(raw, cfg.LockStore, breaker.Config{
			MaxFailures: cfg.BreakerMaxFailures,
			OpenTimeout: cfg.BreakerOpenTimeout,
		}, logger),
		cfg.LockStore,
	)
	return b, nil
}

func openAudits(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.AuditRepository, func() error, error) {
	if cfg.AuditSqlitePath == "" {
		logger.Warn("force release audit records are kept in memory only")
		return memory.NewAuditRepository(), func() error { return nil }, nil
	}
	db, err := sqlite.Open(ctx, sqlite.Config{Path: cfg.AuditSqlitePath})
	if err != nil {
		return nil, nil, err
	}
	logger.Info("audit records stored in sqlite", "path", cfg.AuditSqlitePath)
	return sqlite.NewAuditRepository(db), db.Close, nil
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()
}
