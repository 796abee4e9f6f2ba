// Package main is the entry point for the control-plane consumer
// service: it drains the start queue, drives scenarios through the
// workflow engine and publishes lifecycle events.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/lidarscope/control-plane/internal/artifact"
	"github.com/lidarscope/control-plane/internal/config"
	"github.com/lidarscope/control-plane/internal/consumer"
	"github.com/lidarscope/control-plane/internal/database"
	"github.com/lidarscope/control-plane/internal/events"
	"github.com/lidarscope/control-plane/internal/ingest"
	"github.com/lidarscope/control-plane/internal/metrics"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/pipeline"
	"github.com/lidarscope/control-plane/internal/repository"
	"github.com/lidarscope/control-plane/internal/scenario"
	"github.com/lidarscope/control-plane/internal/status"
	"github.com/lidarscope/control-plane/internal/workflow"
)

func main() {
	// Setup structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.Info("Starting control plane consumer",
		slog.String("bucket", cfg.S3.Bucket),
		slog.String("schema_version", cfg.Ingest.SchemaVersion),
	)

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	// Run migrations
	if err := db.RunMigrations(cfg.Database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to the KV status store
	kv, err := database.NewRedis(cfg.KeyDB)
	if err != nil {
		log.Fatalf("Failed to connect to KeyDB: %v", err)
	}
	defer kv.Close()
	logger.Info("Connected to KeyDB")

	// Connect to the broker
	conn, err := amqp.Dial(cfg.Rabbit.DSN)
	if err != nil {
		log.Fatalf("Failed to connect to broker: %v", err)
	}
	defer conn.Close()
	channel, err := conn.Channel()
	if err != nil {
		log.Fatalf("Failed to open broker channel: %v", err)
	}
	defer channel.Close()
	logger.Info("Connected to broker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Object store
	store, err := objectstore.New(ctx, cfg.S3)
	if err != nil {
		log.Fatalf("Failed to build object store client: %v", err)
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Adapters
	catalog := repository.NewCatalog(db.Pool())
	statuses := status.NewStore(kv, "ingest", cfg.Ingest.StatusTTL)
	publisher, err := events.NewRabbitPublisher(channel, cfg.Rabbit.Exchange, logger)
	if err != nil {
		log.Fatalf("Failed to build publisher: %v", err)
	}

	// Workflow engine with the pipeline orchestrator registered
	engine := workflow.NewLocalEngine(logger)
	processor := ingest.NewProcessor(catalog, store, cfg.S3.Bucket, logger)
	artifacts := artifact.NewService(catalog, store, cfg.S3.Bucket, logger)
	activities := pipeline.NewActivities(catalog, store, processor, artifacts, cfg.S3.Bucket, logger)
	orchestrator := pipeline.NewOrchestrator(activities, cfg.Ingest.SchemaVersion, cfg.Ingest.CompanyID, cfg.Ingest.DatasetCRS, false, logger)
	orchestrator.RegisterWith(engine)
	defer engine.Shutdown()

	// Use case and consumer
	usecase := ingest.NewUseCase(engine, statuses, publisher, scenario.NewRegistry(), logger)
	cons, err := consumer.New(channel, usecase, publisher, m, logger, cfg.Rabbit.Prefetch)
	if err != nil {
		log.Fatalf("Failed to build consumer: %v", err)
	}

	// Metrics and health listener
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/ready", readyHandler(db, kv))

	srv := &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: time.Minute,
	}
	go func() {
		logger.Info("Metrics listener started", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Metrics listener error: %v", err)
		}
	}()

	// Consume until signaled
	if err := cons.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("Consumer terminated", slog.String("error", err.Error()))
	}

	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics listener shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("Stopped gracefully")
}

// readyHandler verifies the database and KV connections.
func readyHandler(db *database.Postgres, kv *database.Redis) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"database"}`))
			return
		}
		if err := kv.Ping(ctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"error","component":"keydb"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","database":"connected","keydb":"connected"}`))
	}
}
