package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/tally-io/tally/internal/aggregation"
	"github.com/tally-io/tally/internal/config"
	"github.com/tally-io/tally/internal/core/retry"
	"github.com/tally-io/tally/internal/core/shard"
	"github.com/tally-io/tally/internal/core/storage"
	"github.com/tally-io/tally/internal/core/storage/memory"
	"github.com/tally-io/tally/internal/core/storage/postgres"
	"github.com/tally-io/tally/internal/ingestion"
	"github.com/tally-io/tally/internal/migrations"
	"github.com/tally-io/tally/internal/observability"
	"github.com/tally-io/tally/internal/ratelimit"
	"github.com/tally-io/tally/internal/reaper"
	"github.com/tally-io/tally/internal/server"
)

func main() {
	configPath := flag.String("config", "tally.yaml", "Path to configuration file")
	flag.Parse()

	// 0. Initialize Logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load Configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	slog.Info("Loaded config", "config", cfg)

	// 2. Initialize Storage (PostgreSQL)
	dbAdapter, err := postgres.NewAdapter(
		cfg.Database.DSN,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
	)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer dbAdapter.Close()

	// 2.1. Run Database Migrations
	if err := migrations.RunMigrations(dbAdapter.DB(), cfg.Database.AutoMigrate); err != nil {
		slog.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	counterStore := postgres.NewCounterAdapter(dbAdapter.DB())

	// 3. Metrics registry with process/runtime collectors
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.New(registry)

	// 4. Shard router and rate limiter
	router := shard.NewRouter(cfg.Sharding.SubShards)

	var limiter *ratelimit.Limiter
	var rateLimitStore storage.RateLimitStore
	if cfg.RateLimit.Enabled {
		switch cfg.RateLimit.Store {
		case "postgres":
			rateLimitStore = postgres.NewRateLimitAdapter(dbAdapter.DB())
		case "memory":
			rateLimitStore = memory.NewRateLimitStore()
		default:
			slog.Error("Unsupported rate limit store", "store", cfg.RateLimit.Store)
			os.Exit(1)
		}
		limiter = ratelimit.NewLimiter(rateLimitStore, cfg.RateLimit.Limit, cfg.RateLimitWindow())
		slog.Info("Rate limiting enabled",
			"store", cfg.RateLimit.Store,
			"limit", cfg.RateLimit.Limit,
			"window", cfg.RateLimit.Window,
		)
	} else {
		slog.Info("Rate limiting disabled by config")
	}

	// 5. Initialize Ingestion (write path)
	ingestionSvc := ingestion.NewService(
		router,
		dbAdapter,
		limiter,
		metrics,
		cfg.Ingestion.MaxItems,
		cfg.Ingestion.MaxCountPerItem,
		cfg.Server.MaxBodySizeMB,
	)

	// 6. Initialize Aggregation (drain path)
	runner := aggregation.NewRunner(router, dbAdapter, counterStore, dbAdapter, metrics, aggregation.Options{
		BatchLimit:           cfg.Aggregation.BatchLimit,
		WorkerCount:          cfg.Aggregation.WorkerCount,
		MaxWritesPerChunk:    cfg.Aggregation.MaxWritesPerChunk,
		RunBudget:            cfg.RunBudgetDuration(),
		MaxConsecutiveErrors: cfg.Aggregation.MaxConsecutiveErrors,
		ClaimTimeout:         cfg.ClaimTimeoutDuration(),
		RetryPolicy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.RetryBaseDelay(),
			MaxDelay:    cfg.RetryMaxDelay(),
		},
	})
	aggregationSvc := aggregation.NewService(runner, counterStore)

	// 7. Initialize Reaper (cleanup path)
	sweeper := reaper.New(
		dbAdapter,
		rateLimitStore,
		metrics,
		cfg.RetentionDuration(),
		cfg.StuckAfterDuration(),
		cfg.RateLimitWindow(),
	)

	// 8. Background scheduler
	schedulerCfg := aggregation.SchedulerConfig{}
	if cfg.Aggregation.Enabled {
		schedulerCfg.AggregateSchedule = cfg.Aggregation.Schedule
	}
	if cfg.Cleanup.Enabled {
		schedulerCfg.SweepSchedule = cfg.Cleanup.Schedule
	}
	scheduler, err := aggregation.NewScheduler(schedulerCfg, runner, sweeper)
	if err != nil {
		slog.Error("Failed to initialize scheduler", "error", err)
		os.Exit(1)
	}

	// 9. Initialize Server
	srv := server.New(fmtAddr(cfg.Server.Host, cfg.Server.Port), dbAdapter.DB(), cfg.Server.Mode, registry)
	ingestionSvc.RegisterRoutes(srv.Engine)
	aggregationSvc.RegisterRoutes(srv.Engine)
	sweeper.RegisterRoutes(srv.Engine)

	// 10. Start Services
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler.Start()
	defer scheduler.Stop()

	// Signal handler triggers the shutdown sequence below.
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		slog.Info("Signal received, shutting down...")
		cancel()
	}()

	// HTTP server blocks until ctx is cancelled.
	if err := srv.Run(ctx); err != nil {
		slog.Error("Server stopped with error", "error", err)
	}

	slog.Info("Shutdown complete")
}

func fmtAddr(host string, port int) string {
	return fmt.Sprintf("%s:%d", host, port)
}
