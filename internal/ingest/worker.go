package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/lidarscope/control-plane/internal/metrics"
	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/repository"
)

// WorkerOptions filters and paces the polling loop.
type WorkerOptions struct {
	// SchemaVersion limits claimed runs to one schema version. Empty
	// claims every version.
	SchemaVersion string
	// CompanyID limits claimed runs to one tenant. Empty claims all.
	CompanyID string
	// Batch is the number of queued runs fetched per poll.
	Batch int
	// Sleep is the idle delay between polls.
	Sleep time.Duration
}

// Worker drains queued ingest runs. Multiple workers may run against
// the same catalog; the claim is a compare-and-set on the run status so
// each run is processed once.
type Worker struct {
	catalog   repository.Catalog
	processor *Processor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	opts      WorkerOptions
}

// NewWorker wires a worker. Zero Batch defaults to 1, zero Sleep to
// two seconds.
func NewWorker(catalog repository.Catalog, processor *Processor, m *metrics.Metrics, logger *slog.Logger, opts WorkerOptions) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Batch <= 0 {
		opts.Batch = 1
	}
	if opts.Sleep <= 0 {
		opts.Sleep = 2 * time.Second
	}
	return &Worker{catalog: catalog, processor: processor, metrics: m, logger: logger, opts: opts}
}

// RunOnce claims and processes at most one batch of queued runs.
// Returns the number of runs processed, counting failed ones.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	runs, err := w.catalog.ListQueuedIngestRuns(ctx, w.opts.SchemaVersion, w.opts.CompanyID, w.opts.Batch)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, run := range runs {
		claimed, err := w.catalog.ClaimIngestRun(ctx, run.ID)
		if err != nil {
			return processed, err
		}
		if !claimed {
			continue
		}

		if _, err := w.processor.ProcessRun(ctx, run.ID); err != nil {
			w.logger.Error("ingest run failed", "run_id", run.ID, "scan_id", run.ScanID, "error", err)
			w.metrics.IngestRunFinished(models.RunFailed)
		} else {
			w.metrics.IngestRunFinished(models.RunSucceeded)
		}
		processed++
	}
	return processed, nil
}

// Run polls until ctx is canceled, sleeping between empty polls.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("ingest worker started",
		"schema_version", w.opts.SchemaVersion, "company_id", w.opts.CompanyID,
		"batch", w.opts.Batch, "sleep", w.opts.Sleep)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("ingest worker stopped")
			return ctx.Err()
		case <-timer.C:
		}

		processed, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("worker poll failed", "error", err)
		}

		if processed > 0 {
			timer.Reset(0)
		} else {
			timer.Reset(w.opts.Sleep)
		}
	}
}
