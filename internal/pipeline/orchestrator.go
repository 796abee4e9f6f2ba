package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/lidarscope/control-plane/internal/ingest"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
	"github.com/lidarscope/control-plane/internal/workflow"
)

// WorkflowName is the workflow the scenario registry starts for the
// ingest scenario at pipeline version 1.
const WorkflowName = "ingest-1"

// ProgressQuery is the query name exposing orchestrator progress.
const ProgressQuery = "progress"

// Orchestrator is the top-level pipeline workflow: it materializes the
// payload into catalog rows, then fans out over the scans of the
// dataset version through ingest, profiling, reprojection,
// preprocessing, registration and export.
type Orchestrator struct {
	activities    *Activities
	schemaVersion string
	companyID     string
	datasetCRS    string
	enableCluster bool
	logger        *slog.Logger

	mu       sync.Mutex
	inflight map[string]*progress
}

// NewOrchestrator wires the orchestrator. companyID is the tenant this
// deployment ingests for and datasetCRS the CRS stamped on datasets it
// creates. enableCluster turns on the optional batch clustering stage
// after export.
func NewOrchestrator(activities *Activities, schemaVersion, companyID, datasetCRS string, enableCluster bool, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		activities:    activities,
		schemaVersion: schemaVersion,
		companyID:     companyID,
		datasetCRS:    datasetCRS,
		enableCluster: enableCluster,
		logger:        logger,
		inflight:      map[string]*progress{},
	}
}

// RegisterWith binds the orchestrator workflow on the engine.
func (o *Orchestrator) RegisterWith(engine *workflow.LocalEngine) {
	engine.RegisterWorkflow(WorkflowName, o)
}

type progress struct {
	mu               sync.Mutex
	stage            string
	scanIDs          []string
	datasetVersionID string
}

func (p *progress) set(stage string) {
	p.mu.Lock()
	p.stage = stage
	p.mu.Unlock()
}

func (p *progress) snapshot() map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	scanIDs := make([]string, len(p.scanIDs))
	copy(scanIDs, p.scanIDs)
	return map[string]any{
		"stage":              p.stage,
		"scan_ids":           scanIDs,
		"dataset_version_id": p.datasetVersionID,
	}
}

// Setup registers the progress query handler. It runs on the starter's
// goroutine so a query issued right after StartWorkflow finds it.
func (o *Orchestrator) Setup(run *workflow.Run, payload map[string]any) {
	prog := &progress{stage: "init", scanIDs: datasetLabels(payload["dataset"])}
	run.SetQueryHandler(ProgressQuery, prog.snapshot)

	o.mu.Lock()
	o.inflight[run.ID()] = prog
	o.mu.Unlock()
}

func (o *Orchestrator) takeProgress(run *workflow.Run) *progress {
	o.mu.Lock()
	prog, ok := o.inflight[run.ID()]
	delete(o.inflight, run.ID())
	o.mu.Unlock()
	if !ok {
		prog = &progress{stage: "init"}
		run.SetQueryHandler(ProgressQuery, prog.snapshot)
	}
	return prog
}

// Execute runs the pipeline for the payload dataset and returns the
// outputs of the terminal stages.
func (o *Orchestrator) Execute(ctx context.Context, run *workflow.Run, payload map[string]any) (map[string]any, error) {
	dataset, err := scanPayloads(payload["dataset"])
	if err != nil {
		return nil, err
	}
	if len(dataset) == 0 {
		return nil, apperrors.Validation("payload dataset names no scans")
	}

	prog := o.takeProgress(run)

	// Stage 1: materialize the payload into catalog rows. The dataset is
	// named after the workflow id, so a redelivery of the same message
	// lands in the same dataset.
	prog.set("materialize")
	mat, err := o.activities.MaterializeDataset(ctx, o.companyID, run.ID(), o.datasetCRS, dataset)
	if err != nil {
		return nil, err
	}
	scanIDs := make([]string, 0, len(mat.Scans))
	for _, s := range mat.Scans {
		scanIDs = append(scanIDs, s.ScanID)
	}
	datasetVersionID := mat.DatasetVersionID
	companyID := o.companyID
	prog.mu.Lock()
	prog.scanIDs = scanIDs
	prog.datasetVersionID = datasetVersionID
	prog.mu.Unlock()

	// Stage 2: per-scan ingest. Every scan must land in the dataset
	// version the materialization produced.
	prog.set("ingest")
	var outputs []map[string]any
	for _, scanID := range scanIDs {
		result, err := o.activities.IngestScan(ctx, companyID, scanID, o.schemaVersion, false)
		if err != nil {
			return nil, err
		}
		if result.DatasetVersionID != datasetVersionID {
			return nil, apperrors.Fatal(
				"scan %s belongs to dataset version %s, expected %s",
				scanID, result.DatasetVersionID, datasetVersionID)
		}
		outputs = append(outputs, map[string]any{
			"kind":   "derived.ingest_manifest",
			"s3_key": result.ManifestKey,
		})
	}

	prog.set("profiling")
	for _, scanID := range scanIDs {
		if _, err := o.activities.ProfileScan(ctx, scanID, o.schemaVersion); err != nil {
			return nil, err
		}
	}

	prog.set("reproject")
	if _, err := o.activities.ReprojectScans(ctx, datasetVersionID, o.schemaVersion); err != nil {
		return nil, err
	}

	prog.set("preprocess")
	if _, err := o.activities.PreprocessScans(ctx, datasetVersionID, o.schemaVersion); err != nil {
		return nil, err
	}

	prog.set("registration")
	for _, scanID := range scanIDs {
		if _, err := o.activities.ExtractAnchors(ctx, scanID, o.schemaVersion); err != nil {
			return nil, err
		}
	}
	for _, scanID := range scanIDs {
		if _, err := o.activities.ProposeScanEdges(ctx, companyID, datasetVersionID, scanID, o.schemaVersion); err != nil {
			return nil, err
		}
	}
	solve, err := o.activities.SolveAndPersist(ctx, companyID, datasetVersionID, o.schemaVersion)
	if err != nil {
		return nil, err
	}

	prog.set("export")
	export, err := o.activities.ExportMerged(ctx, datasetVersionID, o.schemaVersion)
	if err != nil {
		return nil, err
	}
	if mergedKey, ok := export["merged_key"].(string); ok {
		outputs = append(outputs, map[string]any{
			"kind":   "derived.merged_point_cloud",
			"s3_key": mergedKey,
		})
	}

	if o.enableCluster {
		prog.set("cluster")
		// Tiling, ground split and per-tile clustering run in the data
		// plane against the registered merged cloud.
		o.logger.Info("cluster stage scheduled", "dataset_version_id", datasetVersionID)
	}

	prog.set("done")

	anyOutputs := make([]any, 0, len(outputs))
	for _, out := range outputs {
		anyOutputs = append(anyOutputs, out)
	}
	return map[string]any{
		"outputs":            anyOutputs,
		"dataset_version_id": datasetVersionID,
		"solution_key":       solve.SolutionKey,
		"diagnostics_key":    solve.DiagnosticsKey,
	}, nil
}

// scanPayloads coerces the payload dataset into typed scan payloads.
// In-process payloads carry the typed map directly; payloads that went
// through a JSON hop arrive as generic maps and are decoded.
func scanPayloads(dataset any) (map[string]ingest.ScanPayload, error) {
	switch d := dataset.(type) {
	case nil:
		return nil, nil
	case map[string]ingest.ScanPayload:
		return d, nil
	case map[string]any:
		body, err := json.Marshal(d)
		if err != nil {
			return nil, apperrors.Validation("payload dataset is not serializable: %v", err)
		}
		var typed map[string]ingest.ScanPayload
		if err := json.Unmarshal(body, &typed); err != nil {
			return nil, apperrors.Validation("payload dataset is malformed: %v", err)
		}
		return typed, nil
	default:
		return nil, apperrors.Validation("payload dataset has unexpected shape")
	}
}

// datasetLabels extracts the payload labels in a stable order.
func datasetLabels(dataset any) []string {
	var labels []string
	switch d := dataset.(type) {
	case map[string]ingest.ScanPayload:
		for label := range d {
			labels = append(labels, label)
		}
	case map[string]any:
		for label := range d {
			labels = append(labels, label)
		}
	}
	sort.Strings(labels)
	return labels
}
