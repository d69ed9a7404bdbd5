package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/strata-db/strata/internal/api"
	"github.com/strata-db/strata/internal/bucketcatalog"
	"github.com/strata-db/strata/internal/config"
	"github.com/strata-db/strata/internal/cursor"
	"github.com/strata-db/strata/internal/failpoint"
	"github.com/strata-db/strata/internal/logger"
	"github.com/strata-db/strata/internal/metrics"
	"github.com/strata-db/strata/internal/migration"
	"github.com/strata-db/strata/internal/repl"
	"github.com/strata-db/strata/internal/scheduler"
	"github.com/strata-db/strata/internal/session"
	"github.com/strata-db/strata/internal/shutdown"
	"github.com/strata-db/strata/internal/store"
	"github.com/strata-db/strata/internal/writes"
)

// Version is set at build time
var Version = "dev"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Validate TLS configuration before starting
	if err := cfg.Server.ValidateTLS(); err != nil {
		fmt.Fprintf(os.Stderr, "TLS configuration error: %v\n", err)
		os.Exit(1)
	}

	// Setup logger
	logger.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.Redact)
	log.Info().Str("version", Version).Msg("Starting Strata...")

	// Initialize metrics collector
	metrics.Init(logger.Get("metrics"))
	metrics.GetTimeSeriesCollector()

	// Initialize shutdown coordinator
	shutdownCoordinator := shutdown.New(30*time.Second, logger.Get("shutdown"))

	// Open the document store
	log.Info().
		Str("path", cfg.Store.Path).
		Str("compression", cfg.Store.Compression).
		Msg("Opening document store")
	documentStore, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		Compression: cfg.Store.Compression,
		NoSync:      cfg.Store.NoSync,
	}, logger.Get("store"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open document store")
	}
	shutdownCoordinator.Register("store", documentStore, shutdown.PriorityStore)

	// Bucket catalog for time-series writes
	catalog := bucketcatalog.New(bucketcatalog.Limits{
		MaxMeasurements: cfg.Catalog.MaxMeasurements,
		MaxBytes:        cfg.Catalog.MaxBucketSize,
		MemoryThreshold: cfg.Catalog.MemoryThreshold,
		MaxClockSkew:    cfg.Catalog.MaxClockSkew,
	}, logger.Get("bucket-catalog"))
	log.Info().
		Int("max_measurements", cfg.Catalog.MaxMeasurements).
		Int64("max_bucket_size", cfg.Catalog.MaxBucketSize).
		Int64("memory_threshold", cfg.Catalog.MemoryThreshold).
		Msg("Bucket catalog initialized")

	// Replication coordinator stamps committed writes with an opTime
	replMode := repl.ParseMode(cfg.Repl.Mode)
	replCoord := repl.NewCoordinator(replMode, cfg.Repl.SetName, cfg.Repl.InitialTerm)
	log.Info().
		Str("mode", cfg.Repl.Mode).
		Str("set_name", cfg.Repl.SetName).
		Msg("Replication coordinator initialized")

	// Session registry for retryable writes
	sessions := session.NewRegistry()

	// Migration blocker, failpoints, and cursors
	migrations := migration.NewBlocker()
	failpoints := failpoint.NewRegistry()
	cursors := cursor.NewManager(time.Duration(cfg.Cursor.TimeoutSeconds) * time.Second)

	// Command executor ties the write path together
	executor := writes.NewExecutor(
		documentStore,
		catalog,
		replCoord,
		sessions,
		migrations,
		failpoints,
		cursors,
		cfg.Writes,
	)

	// Background sweeps: idle buckets, timed-out cursors, stale sessions
	sweeper, err := scheduler.NewSweepScheduler(&scheduler.SweepSchedulerConfig{
		Catalog:        catalog,
		Cursors:        cursors,
		Sessions:       sessions,
		BucketSchedule: cfg.Scheduler.IdleBucketSchedule,
		CursorSchedule: cfg.Scheduler.CursorSchedule,
		Logger:         logger.Get("scheduler"),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize sweep scheduler")
	}
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start sweep scheduler")
	}
	shutdownCoordinator.RegisterHook("scheduler", func(ctx context.Context) error {
		sweeper.Stop()
		return nil
	}, shutdown.PriorityScheduler)

	// HTTP server
	server := api.NewServer(cfg.Server, logger.Get("api"))
	server.RegisterRoutes()

	commandHandler := api.NewCommandHandler(executor, logger.Get("api"))
	commandHandler.RegisterRoutes(server.GetApp())

	adminHandler := api.NewAdminHandler(executor, logger.Get("api"))
	adminHandler.RegisterRoutes(server.GetApp())

	// Register HTTP server shutdown hook (first to stop accepting new requests)
	shutdownCoordinator.RegisterHook("http-server", func(ctx context.Context) error {
		return server.Shutdown(30 * time.Second)
	}, shutdown.PriorityHTTPServer)

	// Start server
	if err := server.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
	}

	protocol := "HTTP"
	if cfg.Server.TLSEnabled {
		protocol = "HTTPS"
	}
	log.Info().
		Int("port", cfg.Server.Port).
		Str("protocol", protocol).
		Str("version", Version).
		Msg("Strata is ready!")

	// Wait for shutdown signal
	sig := shutdownCoordinator.WaitForSignal()
	log.Info().Str("signal", sig.String()).Msg("Initiating graceful shutdown...")

	// Perform graceful shutdown of all components
	if err := shutdownCoordinator.Shutdown(); err != nil {
		log.Error().Err(err).Msg("Shutdown completed with errors")
		os.Exit(1)
	}

	log.Info().Msg("Strata shutdown complete")
}
