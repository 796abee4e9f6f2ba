package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
	"github.com/lidarscope/control-plane/internal/repository"
)

// Processor materializes queued ingest runs: it builds the manifest
// for the run's scan and registers the derived artifact in two phases,
// PENDING before the upload and AVAILABLE after.
type Processor struct {
	catalog repository.Catalog
	store   objectstore.Store
	bucket  string
	logger  *slog.Logger
}

// NewProcessor wires the processor dependencies.
func NewProcessor(catalog repository.Catalog, store objectstore.Store, bucket string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{catalog: catalog, store: store, bucket: bucket, logger: logger}
}

// ProcessResult reports the outcome of one processed run.
type ProcessResult struct {
	RunID          int64  `json:"run_id"`
	ManifestKey    string `json:"manifest_key"`
	ManifestBucket string `json:"manifest_bucket"`
	Status         string `json:"status"`
}

// CreateRun registers an ingest run for the scan, deduplicating on the
// fingerprint of its raw inputs. An existing run for the same inputs is
// reused unless force is set.
func (p *Processor) CreateRun(ctx context.Context, companyID, scanID, schemaVersion string, force bool) (int64, error) {
	scan, err := p.catalog.GetScan(ctx, scanID)
	if err != nil {
		return 0, err
	}
	if scan == nil {
		return 0, apperrors.Validation("scan %s not found", scanID)
	}
	if scan.CompanyID != companyID {
		return 0, apperrors.Invariant("scan %s does not belong to company %s", scanID, companyID)
	}

	fingerprint, err := p.catalog.ComputeFingerprint(ctx, scanID)
	if err != nil {
		return 0, err
	}

	existing, err := p.catalog.FindIngestRun(ctx, companyID, scanID, schemaVersion, fingerprint)
	if err != nil {
		return 0, err
	}
	if existing != nil && !force {
		return existing.ID, nil
	}

	return p.catalog.CreateIngestRun(ctx, companyID, scanID, schemaVersion, fingerprint, models.RunQueued)
}

// ProcessRun executes one ingest run to a terminal state. Processing
// failures are stamped on the run with a finished timestamp before the
// error is returned.
func (p *Processor) ProcessRun(ctx context.Context, runID int64) (*ProcessResult, error) {
	run, err := p.catalog.GetIngestRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, apperrors.Validation("ingest run %d not found", runID)
	}
	if err := p.catalog.SetIngestRunStatus(ctx, runID, models.RunRunning, nil, false); err != nil {
		return nil, err
	}

	result, err := p.process(ctx, run)
	if err != nil {
		errInfo := map[string]any{
			"message": err.Error(),
			"type":    string(apperrors.KindOf(err)),
		}
		if stampErr := p.catalog.SetIngestRunStatus(ctx, runID, models.RunFailed, errInfo, true); stampErr != nil {
			p.logger.Error("failed to stamp run failure", "run_id", runID, "error", stampErr)
		}
		return nil, err
	}
	return result, nil
}

func (p *Processor) process(ctx context.Context, run *models.IngestRun) (*ProcessResult, error) {
	scan, err := p.catalog.GetScan(ctx, run.ScanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, apperrors.Fatal("scan %s of run %d no longer exists", run.ScanID, run.ID)
	}

	rawArts, err := p.catalog.ListRawArtifacts(ctx, run.ScanID)
	if err != nil {
		return nil, err
	}
	if len(rawArts) == 0 {
		return nil, apperrors.Fatal("no raw artifacts found for scan %s", run.ScanID)
	}
	if !hasKind(rawArts, models.KindRawPointCloud) {
		return nil, apperrors.Fatal(
			"%s is required but not found for scan %s, available kinds: %v",
			models.KindRawPointCloud, run.ScanID, kinds(rawArts))
	}

	manifest := BuildManifest(*run, *scan, rawArts)
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to serialize manifest: %w", err)
	}

	prefix := objectstore.ScanPrefix(scan.CompanyID, scan.DatasetVersionID, scan.ID)
	manifestKey := objectstore.DerivedManifestKey(prefix, run.SchemaVersion)

	existing, err := p.catalog.FindDerivedArtifact(ctx, run.ScanID, models.KindIngestManifest, run.SchemaVersion)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == models.ArtifactAvailable {
		if err := p.catalog.SetIngestRunStatus(ctx, run.ID, models.RunSucceeded, nil, true); err != nil {
			return nil, err
		}
		return &ProcessResult{
			RunID:          run.ID,
			ManifestKey:    existing.S3Key,
			ManifestBucket: existing.S3Bucket,
			Status:         models.RunSucceeded,
		}, nil
	}
	if existing == nil {
		err := p.catalog.RegisterArtifact(ctx, repository.RegisterArtifactParams{
			CompanyID:     run.CompanyID,
			ScanID:        run.ScanID,
			Kind:          models.KindIngestManifest,
			SchemaVersion: &run.SchemaVersion,
			Bucket:        p.bucket,
			Key:           manifestKey,
			Status:        models.ArtifactPending,
			Meta:          map[string]any{"format": "json"},
		})
		if err != nil {
			return nil, err
		}
	}

	etag, size, err := p.store.PutBytes(ctx, objectstore.Ref{Bucket: p.bucket, Key: manifestKey}, body, "application/json")
	if err != nil {
		return nil, apperrors.Transient(err, "failed to upload manifest "+manifestKey)
	}

	err = p.catalog.UpsertDerivedArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID:     run.CompanyID,
		ScanID:        run.ScanID,
		Kind:          models.KindIngestManifest,
		SchemaVersion: &run.SchemaVersion,
		Bucket:        p.bucket,
		Key:           manifestKey,
		ETag:          &etag,
		SizeBytes:     &size,
		Status:        models.ArtifactAvailable,
		Meta:          map[string]any{"format": "json"},
	})
	if err != nil {
		return nil, err
	}

	if err := p.catalog.SetIngestRunStatus(ctx, run.ID, models.RunSucceeded, nil, true); err != nil {
		return nil, err
	}

	p.logger.Info("ingest run succeeded", "run_id", run.ID, "scan_id", run.ScanID, "manifest_key", manifestKey)
	return &ProcessResult{
		RunID:          run.ID,
		ManifestKey:    manifestKey,
		ManifestBucket: p.bucket,
		Status:         models.RunSucceeded,
	}, nil
}

func hasKind(arts []models.Artifact, kind string) bool {
	for _, a := range arts {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func kinds(arts []models.Artifact) []string {
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		out = append(out, a.Kind)
	}
	return out
}
