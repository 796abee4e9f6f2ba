// Package main is the entry point for the ingest run worker: it polls
// queued ingest runs, claims them and processes each to a terminal
// state.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lidarscope/control-plane/internal/config"
	"github.com/lidarscope/control-plane/internal/database"
	"github.com/lidarscope/control-plane/internal/ingest"
	"github.com/lidarscope/control-plane/internal/metrics"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/repository"
)

func main() {
	once := flag.Bool("once", false, "process at most one batch and exit")
	sleep := flag.Duration("sleep", 0, "idle delay between polls (default from config)")
	limit := flag.Int("limit", 0, "queued runs fetched per poll (default from config)")
	schemaVersion := flag.String("schema-version", "", "only claim runs of this schema version")
	companyID := flag.String("company", "", "only claim runs of this company")
	flag.Parse()

	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := objectstore.New(ctx, cfg.S3)
	if err != nil {
		log.Fatalf("Failed to build object store client: %v", err)
	}

	opts := ingest.WorkerOptions{
		SchemaVersion: *schemaVersion,
		CompanyID:     *companyID,
		Batch:         cfg.Ingest.WorkerBatch,
		Sleep:         cfg.Ingest.WorkerSleep,
	}
	if *limit > 0 {
		opts.Batch = *limit
	}
	if *sleep > 0 {
		opts.Sleep = *sleep
	}

	catalog := repository.NewCatalog(db.Pool())
	processor := ingest.NewProcessor(catalog, store, cfg.S3.Bucket, logger)
	m := metrics.New(prometheus.NewRegistry())
	worker := ingest.NewWorker(catalog, processor, m, logger, opts)

	if *once {
		processed, err := worker.RunOnce(ctx)
		if err != nil {
			log.Fatalf("Worker poll failed: %v", err)
		}
		logger.Info("Worker finished", slog.Int("processed", processed))
		return
	}

	start := time.Now()
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Worker terminated: %v", err)
	}
	logger.Info("Worker stopped", slog.Duration("uptime", time.Since(start)))
}
