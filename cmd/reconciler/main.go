// Package main is the entry point for the artifact reconciler: it
// probes PENDING derived artifacts against the object store and
// transitions them to AVAILABLE or FAILED.
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

	"github.com/lidarscope/control-plane/internal/artifact"
	"github.com/lidarscope/control-plane/internal/config"
	"github.com/lidarscope/control-plane/internal/database"
	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/repository"
)

func main() {
	interval := flag.Duration("interval", 0, "sweep interval (default from config)")
	limit := flag.Int("limit", 100, "pending artifacts checked per sweep")
	kind := flag.String("kind", models.KindIngestManifest, "artifact kind to reconcile")
	once := flag.Bool("once", false, "run one sweep and exit")
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
	every := cfg.Ingest.ReconcileEvery
	if *interval > 0 {
		every = *interval
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

	catalog := repository.NewCatalog(db.Pool())
	reconciler := artifact.NewReconciler(catalog, store, logger)

	sweep := func() {
		report, err := reconciler.Sweep(ctx, *kind, *limit)
		if err != nil {
			logger.Error("Sweep failed", slog.String("error", err.Error()))
			return
		}
		logger.Info("Sweep completed",
			slog.Int("pending_checked", report.PendingChecked),
			slog.Int("approved", report.Approved),
			slog.Int("failed", report.Failed),
		)
	}

	sweep()
	if *once {
		return
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	logger.Info("Reconciler started", slog.Duration("interval", every), slog.String("kind", *kind))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Reconciler stopped")
			return
		case <-ticker.C:
			sweep()
		}
	}
}
