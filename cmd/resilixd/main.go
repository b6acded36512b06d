package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/resilix/resilix/internal/api"
	"github.com/resilix/resilix/internal/queue"
	"github.com/resilix/resilix/internal/store"
	"github.com/resilix/resilix/pkg/config"
	"github.com/resilix/resilix/pkg/fallback"
	"github.com/resilix/resilix/pkg/health"
	"github.com/resilix/resilix/pkg/logging"
	"github.com/resilix/resilix/pkg/metrics"
	"github.com/resilix/resilix/pkg/monitor"
	"github.com/resilix/resilix/pkg/resilience"
	"github.com/resilix/resilix/pkg/tracing"
)

func main() {
	// .env is optional; environment variables win either way
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		ServiceName: "resilixd",
		Version:     "1.0.0",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	logging.SetGlobalLogger(logger)

	settings, err := config.LoadResilienceSettings(cfg.Resilience.ChainsFile)
	if err != nil {
		logger.Error("failed to load resilience settings", "error", err.Error())
		os.Exit(1)
	}

	// Redis backs state persistence, the deferred queue, and the result cache
	redisClient, err := store.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err.Error())
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("Redis connection established", "addr", cfg.RedisAddr())

	// Tracing
	tracer, err := tracing.NewService(&tracing.Config{
		ServiceName:    "resilixd",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Tracing.Environment,
		JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		Enabled:        cfg.Tracing.Enabled,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err.Error())
		os.Exit(1)
	}

	// Metrics
	promMetrics := metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	// Resource monitor with the built-in samplers
	mon := monitor.New(&monitor.Config{DefaultInterval: cfg.Monitor.DefaultInterval}, logger)

	memoryLimit := cfg.Monitor.MemoryLimitMB * 1024 * 1024
	if _, err := mon.Register(monitor.ResourceMemory, monitor.NewMemorySampler(uint64(memoryLimit)), monitor.DefaultThresholds()); err != nil {
		logger.Error("failed to register memory monitor", "error", err.Error())
		os.Exit(1)
	}
	if _, err := mon.Register(monitor.ResourceWorkload, monitor.NewGoroutineSampler(cfg.Monitor.GoroutineLimit), monitor.DefaultThresholds()); err != nil {
		logger.Error("failed to register workload monitor", "error", err.Error())
		os.Exit(1)
	}
	if _, err := mon.Register(monitor.ResourceExternalService, monitor.NewRedisPoolSampler(redisClient.Client(), cfg.Redis.PoolSize), monitor.DefaultThresholds()); err != nil {
		logger.Error("failed to register redis monitor", "error", err.Error())
		os.Exit(1)
	}

	// Optional: monitor a postgres connection pool
	if cfg.Database.Enabled {
		db, err := sqlx.Connect("postgres", cfg.DatabaseURL())
		if err != nil {
			logger.Error("failed to connect to database", "error", err.Error())
			os.Exit(1)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

		if _, err := mon.Register(monitor.ResourceDatabase, monitor.NewPostgresPoolSampler(db), monitor.DefaultThresholds()); err != nil {
			logger.Error("failed to register database monitor", "error", err.Error())
			os.Exit(1)
		}
		logger.Info("database pool monitoring enabled")
	}

	// Circuit breaker registry
	registry := resilience.NewRegistry(settings.Breaker)

	// Deferred queue and worker
	deferredQueue := queue.NewDeferredQueue(redisClient, cfg.Resilience.QueueName)
	workerConfig := queue.DefaultWorkerConfig()
	workerConfig.Concurrency = cfg.Resilience.QueueWorkers
	worker := queue.NewWorker(deferredQueue, workerConfig, logger)

	// Orchestrator with the redis-backed result cache
	orchConfig := &fallback.Config{
		DefaultRetry:       settings.DefaultRetry,
		DefaultCacheTTL:    cfg.Resilience.DefaultCacheTTL,
		DefaultScaleFactor: 0.5,
		Sticky:             cfg.Resilience.Sticky,
	}
	orch, err := fallback.New(mon, registry, settings.Chains, logger,
		fallback.WithResultCache(store.NewResultCache(redisClient)),
		fallback.WithQueuer(deferredQueue),
		fallback.WithConfig(orchConfig),
		fallback.WithOutcomeFunc(func(resourceType monitor.ResourceType, strategy fallback.Strategy, outcome string) {
			promMetrics.RecordProtectCall(string(resourceType), string(strategy), outcome, 0)
		}),
	)
	if err != nil {
		logger.Error("failed to build orchestrator", "error", err.Error())
		os.Exit(1)
	}

	// State persistence: restore on boot, flush periodically
	stateStore := store.NewStateStore(redisClient, registry, mon, logger, cfg.Resilience.StateFlushInterval)
	bootCtx, bootCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := stateStore.Restore(bootCtx); err != nil {
		logger.Warn("state restore failed, starting clean", "error", err.Error())
	}
	bootCancel()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	if err := mon.Start(runCtx); err != nil {
		logger.Error("failed to start monitor", "error", err.Error())
		os.Exit(1)
	}
	stateStore.Start(runCtx)
	if err := worker.Start(runCtx); err != nil {
		logger.Error("failed to start queue worker", "error", err.Error())
		os.Exit(1)
	}

	// Periodic metrics collection
	collector := metrics.NewCollector(promMetrics, mon, registry, 15*time.Second).
		WithQueueDepth(deferredQueue.Name(), deferredQueue.Depth)
	go collector.Start(runCtx)

	// Health aggregator and HTTP surface
	aggregator := health.NewAggregator(mon, registry, logger, &health.Config{
		Metadata: map[string]string{"service": "resilixd"},
	})
	router := api.NewRouter(cfg, api.Deps{
		Aggregator:   aggregator,
		Monitor:      mon,
		Registry:     registry,
		Orchestrator: orch,
		Queue:        deferredQueue,
		Worker:       worker,
		Metrics:      promMetrics,
		Tracing:      tracer,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("starting HTTP server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err.Error())
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err.Error())
	}

	worker.Stop()
	collector.Stop()
	mon.Stop()
	stateStore.Stop(shutdownCtx)
	if err := tracer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown failed", "error", err.Error())
	}
	runCancel()

	logger.Info("shutdown complete")
}
