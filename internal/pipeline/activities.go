package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/lidarscope/control-plane/internal/artifact"
	"github.com/lidarscope/control-plane/internal/ingest"
	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
	"github.com/lidarscope/control-plane/internal/repository"
)

// Activities are the catalog- and object-store-facing steps of the
// pipeline. Heavy numerical stages (reprojection, downsampling, ICP,
// merging) run in the data plane; here they register the derived
// artifacts as PENDING at their deterministic keys so the reconciler
// approves them once the data plane has uploaded.
type Activities struct {
	catalog   repository.Catalog
	store     objectstore.Store
	processor *ingest.Processor
	artifacts *artifact.Service
	bucket    string
	logger    *slog.Logger
}

// NewActivities wires the pipeline activities.
func NewActivities(catalog repository.Catalog, store objectstore.Store, processor *ingest.Processor, artifacts *artifact.Service, bucket string, logger *slog.Logger) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{catalog: catalog, store: store, processor: processor, artifacts: artifacts, bucket: bucket, logger: logger}
}

// MaterializedScan maps one payload label to the catalog scan created
// for it.
type MaterializedScan struct {
	Label  string `json:"label"`
	ScanID string `json:"scan_id"`
}

// MaterializeResult reports the catalog rows backing the payload.
type MaterializeResult struct {
	DatasetID        string             `json:"dataset_id"`
	DatasetVersionID string             `json:"dataset_version_id"`
	Scans            []MaterializedScan `json:"scans"`
}

// MaterializeDataset turns the message payload into catalog rows:
// company, CRS, dataset and active version are ensured, one scan is
// created per payload label and its object refs are registered as raw
// artifacts. Labels are processed in sorted order so reruns see the
// same label-to-scan mapping.
func (a *Activities) MaterializeDataset(ctx context.Context, companyID, datasetName, crsID string, dataset map[string]ingest.ScanPayload) (*MaterializeResult, error) {
	if err := a.catalog.EnsureCompany(ctx, companyID, ""); err != nil {
		return nil, err
	}
	if err := a.catalog.EnsureCRS(ctx, repository.EnsureCRSParams{
		ID:   crsID,
		Name: crsID,
		EPSG: epsgFromCRSID(crsID),
	}); err != nil {
		return nil, err
	}
	datasetID, err := a.catalog.EnsureDataset(ctx, companyID, datasetName, &crsID)
	if err != nil {
		return nil, err
	}
	version, err := a.catalog.EnsureDatasetVersion(ctx, datasetID)
	if err != nil {
		return nil, err
	}

	labels := make([]string, 0, len(dataset))
	for label := range dataset {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	result := &MaterializeResult{DatasetID: datasetID, DatasetVersionID: version.ID}
	for _, label := range labels {
		payload := dataset[label]
		if len(payload.PointCloud) == 0 {
			return nil, apperrors.Validation("scan %s supplies no point_cloud object", label)
		}

		scanID, err := a.catalog.CreateScan(ctx, companyID, version.ID)
		if err != nil {
			return nil, err
		}
		for _, role := range []struct {
			kind string
			refs map[string]ingest.ObjectRef
		}{
			{models.KindRawPointCloud, payload.PointCloud},
			{models.KindRawTrajectory, payload.Trajectory},
			{models.KindRawControlPoint, payload.ControlPoint},
		} {
			ref, ok, err := singleRef(role.refs, label, role.kind)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if _, err := a.artifacts.RegisterRawFromS3(ctx, companyID, scanID, role.kind, ref.S3Key, ref.ETag); err != nil {
				return nil, err
			}
		}
		result.Scans = append(result.Scans, MaterializedScan{Label: label, ScanID: scanID})
	}

	a.logger.Info("dataset materialized",
		"dataset_id", datasetID, "dataset_version_id", version.ID, "scans", len(result.Scans))
	return result, nil
}

// singleRef unwraps a per-role ref map. A scan holds at most one raw
// artifact per kind, so more than one ref for a role is rejected.
func singleRef(refs map[string]ingest.ObjectRef, label, kind string) (ingest.ObjectRef, bool, error) {
	if len(refs) == 0 {
		return ingest.ObjectRef{}, false, nil
	}
	if len(refs) > 1 {
		return ingest.ObjectRef{}, false, apperrors.Validation(
			"scan %s supplies %d %s objects, expected at most one", label, len(refs), kind)
	}
	for _, ref := range refs {
		return ref, true, nil
	}
	return ingest.ObjectRef{}, false, nil
}

// epsgFromCRSID extracts the numeric code of an "EPSG:<n>" id.
func epsgFromCRSID(crsID string) *int {
	rest, ok := strings.CutPrefix(crsID, "EPSG:")
	if !ok {
		return nil
	}
	code, err := strconv.Atoi(rest)
	if err != nil {
		return nil
	}
	return &code
}

// IngestScanResult is the outcome of the per-scan ingest stage.
type IngestScanResult struct {
	ScanID           string `json:"scan_id"`
	DatasetVersionID string `json:"dataset_version_id"`
	RunID            int64  `json:"run_id"`
	ManifestKey      string `json:"manifest_key"`
}

// IngestScan creates (or reuses) the ingest run for the scan and
// processes it to the manifest.
func (a *Activities) IngestScan(ctx context.Context, companyID, scanID, schemaVersion string, force bool) (*IngestScanResult, error) {
	runID, err := a.processor.CreateRun(ctx, companyID, scanID, schemaVersion, force)
	if err != nil {
		return nil, err
	}
	result, err := a.processor.ProcessRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	scan, err := a.catalog.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, apperrors.Fatal("scan %s disappeared during ingest", scanID)
	}
	return &IngestScanResult{
		ScanID:           scanID,
		DatasetVersionID: scan.DatasetVersionID,
		RunID:            runID,
		ManifestKey:      result.ManifestKey,
	}, nil
}

// ProfileScan names the object the profiling stage will upload. The
// hexbin and statistics math itself runs in the data plane.
func (a *Activities) ProfileScan(ctx context.Context, scanID, schemaVersion string) (map[string]any, error) {
	scan, err := a.catalog.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, apperrors.Fatal("scan %s not found", scanID)
	}
	prefix := objectstore.ScanPrefix(scan.CompanyID, scan.DatasetVersionID, scan.ID)
	statsKey := fmt.Sprintf("%s/derived/v%s/profiling/stats.json", prefix, schemaVersion)
	return map[string]any{"scan_id": scanID, "stats_key": statsKey}, nil
}

// registerPendingCloud registers a PENDING derived cloud for the scan
// at its deterministic stage key.
func (a *Activities) registerPendingCloud(ctx context.Context, scan models.Scan, kind, schemaVersion, stage string) (string, error) {
	prefix := objectstore.ScanPrefix(scan.CompanyID, scan.DatasetVersionID, scan.ID)
	key := objectstore.DerivedCloudKey(prefix, schemaVersion, stage, "cloud.copc.laz")

	err := a.catalog.UpsertDerivedArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID:     scan.CompanyID,
		ScanID:        scan.ID,
		Kind:          kind,
		SchemaVersion: &schemaVersion,
		Bucket:        a.bucket,
		Key:           key,
		Status:        models.ArtifactPending,
		Meta:          map[string]any{"stage": stage},
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// ReprojectScans resolves each scan's source SRS and registers the
// reprojected cloud placeholder per scan.
func (a *Activities) ReprojectScans(ctx context.Context, datasetVersionID, schemaVersion string) (map[string]any, error) {
	scans, err := a.catalog.ListScansByDatasetVersion(ctx, datasetVersionID)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(scans))
	for _, scan := range scans {
		srs, err := a.catalog.ResolveCrsToPdalSRS(ctx, scan.CrsID)
		if err != nil {
			return nil, err
		}
		key, err := a.registerPendingCloud(ctx, scan, models.KindReprojectedPointCloud, schemaVersion, "reproject")
		if err != nil {
			return nil, err
		}
		results = append(results, map[string]any{"scan_id": scan.ID, "source_srs": srs, "cloud_key": key})
	}
	return map[string]any{"dataset_version_id": datasetVersionID, "scans": results}, nil
}

// PreprocessScans registers the preprocessed cloud placeholder per
// scan.
func (a *Activities) PreprocessScans(ctx context.Context, datasetVersionID, schemaVersion string) (map[string]any, error) {
	scans, err := a.catalog.ListScansByDatasetVersion(ctx, datasetVersionID)
	if err != nil {
		return nil, err
	}

	results := make([]map[string]any, 0, len(scans))
	for _, scan := range scans {
		key, err := a.registerPendingCloud(ctx, scan, models.KindPreprocessedPointCloud, schemaVersion, "preprocess")
		if err != nil {
			return nil, err
		}
		results = append(results, map[string]any{"scan_id": scan.ID, "cloud_key": key})
	}
	return map[string]any{"dataset_version_id": datasetVersionID, "scans": results}, nil
}

// ExtractAnchors reads the scan's trajectory and control point texts
// and stores the anchors document.
func (a *Activities) ExtractAnchors(ctx context.Context, scanID, schemaVersion string) (*Anchors, error) {
	bundle, err := a.catalog.GetScanBundle(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if bundle == nil {
		return nil, apperrors.Fatal("scan %s not found", scanID)
	}

	var trajectoryText, controlPointText string
	if art, ok := bundle.Raw[models.KindRawTrajectory]; ok {
		body, err := a.store.GetBytes(ctx, objectstore.Ref{Bucket: art.S3Bucket, Key: art.S3Key})
		if err != nil {
			return nil, apperrors.Transient(err, "failed to fetch trajectory of scan "+scanID)
		}
		trajectoryText = string(body)
	}
	if art, ok := bundle.Raw[models.KindRawControlPoint]; ok {
		body, err := a.store.GetBytes(ctx, objectstore.Ref{Bucket: art.S3Bucket, Key: art.S3Key})
		if err != nil {
			return nil, apperrors.Transient(err, "failed to fetch control points of scan "+scanID)
		}
		controlPointText = string(body)
	}

	anchors := BuildAnchors(scanID, bundle.Scan.DatasetVersionID, trajectoryText, controlPointText)

	prefix := objectstore.ScanPrefix(bundle.Scan.CompanyID, bundle.Scan.DatasetVersionID, scanID)
	key := objectstore.RegistrationAnchorsKey(prefix, schemaVersion)
	if err := a.putJSONArtifact(ctx, bundle.Scan.CompanyID, scanID, models.KindRegistrationAnchors, schemaVersion, key, anchors, nil); err != nil {
		return nil, err
	}
	return &anchors, nil
}

// ProposeScanEdges compares the scan's anchors against its
// dataset-version neighbours and persists the proposed edges.
func (a *Activities) ProposeScanEdges(ctx context.Context, companyID, datasetVersionID, scanID, schemaVersion string) (int, error) {
	my, err := a.loadAnchors(ctx, scanID, schemaVersion)
	if err != nil {
		return 0, err
	}
	if my == nil {
		return 0, apperrors.Fatal("anchors for scan %s not found", scanID)
	}

	scans, err := a.catalog.ListScansByDatasetVersion(ctx, datasetVersionID)
	if err != nil {
		return 0, err
	}
	others := map[string]Anchors{}
	for _, scan := range scans {
		if scan.ID == scanID {
			continue
		}
		anchors, err := a.loadAnchors(ctx, scan.ID, schemaVersion)
		if err != nil {
			return 0, err
		}
		if anchors != nil {
			others[scan.ID] = *anchors
		}
	}

	edges := ProposeEdges(*my, others)

	scan, err := a.catalog.GetScan(ctx, scanID)
	if err != nil {
		return 0, err
	}
	prefix := objectstore.ScanPrefix(scan.CompanyID, scan.DatasetVersionID, scanID)
	key := objectstore.RegistrationEdgesKey(prefix, schemaVersion)
	doc := map[string]any{"edges": edges}
	meta := map[string]any{"count": len(edges)}
	if err := a.putJSONArtifact(ctx, companyID, scanID, models.KindRegistrationEdges, schemaVersion, key, doc, meta); err != nil {
		return 0, err
	}

	if len(edges) > 0 {
		if _, err := a.catalog.AddScanEdges(ctx, companyID, datasetVersionID, edges); err != nil {
			return 0, err
		}
	}
	return len(edges), nil
}

// SolveResult reports where the pose graph solution landed.
type SolveResult struct {
	SolutionKey    string `json:"solution_key"`
	DiagnosticsKey string `json:"diagnostics_key"`
	PosesWritten   int    `json:"poses_written"`
}

// SolveAndPersist assembles the registration graph, solves it and
// persists poses, the solution blob and the diagnostics blob.
func (a *Activities) SolveAndPersist(ctx context.Context, companyID, datasetVersionID, schemaVersion string) (*SolveResult, error) {
	scans, err := a.catalog.ListScansByDatasetVersion(ctx, datasetVersionID)
	if err != nil {
		return nil, err
	}
	scanIDs := make([]string, 0, len(scans))
	anchors := map[string]Anchors{}
	for _, scan := range scans {
		scanIDs = append(scanIDs, scan.ID)
		sa, err := a.loadAnchors(ctx, scan.ID, schemaVersion)
		if err != nil {
			return nil, err
		}
		if sa != nil {
			anchors[scan.ID] = *sa
		}
	}

	edges, err := a.catalog.ListScanEdges(ctx, datasetVersionID)
	if err != nil {
		return nil, err
	}

	solution := SolvePoseGraph(scanIDs, anchors, edges)

	regPrefix := objectstore.RegistrationPrefix(companyID, datasetVersionID, schemaVersion)
	solutionKey := objectstore.PoseGraphSolutionKey(regPrefix)
	diagnosticsKey := objectstore.PoseGraphDiagnosticsKey(regPrefix)

	if err := a.putJSON(ctx, solutionKey, solution.Poses); err != nil {
		return nil, err
	}
	if err := a.putJSON(ctx, diagnosticsKey, solution.Diagnostics); err != nil {
		return nil, err
	}

	written := 0
	for scanID, pose := range solution.Poses {
		if err := a.catalog.UpsertScanPose(ctx, companyID, datasetVersionID, scanID, pose.Map(), 0, nil); err != nil {
			return nil, err
		}
		written++
	}

	a.logger.Info("pose graph solved",
		"dataset_version_id", datasetVersionID, "poses", written, "solution_key", solutionKey)
	return &SolveResult{SolutionKey: solutionKey, DiagnosticsKey: diagnosticsKey, PosesWritten: written}, nil
}

// ExportMerged registers the merged deliverable placeholder, anchored
// on the first scan of the dataset version.
func (a *Activities) ExportMerged(ctx context.Context, datasetVersionID, schemaVersion string) (map[string]any, error) {
	scans, err := a.catalog.ListScansByDatasetVersion(ctx, datasetVersionID)
	if err != nil {
		return nil, err
	}
	if len(scans) == 0 {
		return nil, apperrors.Fatal("dataset version %s has no scans", datasetVersionID)
	}

	anchor := scans[0]
	prefix := objectstore.ScanPrefix(anchor.CompanyID, anchor.DatasetVersionID, anchor.ID)
	key := objectstore.DerivedCloudKey(prefix, schemaVersion, "export", "merged.copc.laz")

	err = a.catalog.UpsertDerivedArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID:     anchor.CompanyID,
		ScanID:        anchor.ID,
		Kind:          models.KindMergedPointCloud,
		SchemaVersion: &schemaVersion,
		Bucket:        a.bucket,
		Key:           key,
		Status:        models.ArtifactPending,
		Meta:          map[string]any{"stage": "export", "scan_count": len(scans)},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"merged_key": key, "anchor_scan_id": anchor.ID, "scan_count": len(scans)}, nil
}

// loadAnchors fetches the stored anchors document of a scan, or nil
// when the scan has none.
func (a *Activities) loadAnchors(ctx context.Context, scanID, schemaVersion string) (*Anchors, error) {
	art, err := a.catalog.FindDerivedArtifact(ctx, scanID, models.KindRegistrationAnchors, schemaVersion)
	if err != nil {
		return nil, err
	}
	if art == nil {
		return nil, nil
	}
	body, err := a.store.GetBytes(ctx, objectstore.Ref{Bucket: art.S3Bucket, Key: art.S3Key})
	if err != nil {
		return nil, apperrors.Transient(err, "failed to fetch anchors of scan "+scanID)
	}
	var anchors Anchors
	if err := json.Unmarshal(body, &anchors); err != nil {
		return nil, fmt.Errorf("failed to parse anchors of scan %s: %w", scanID, err)
	}
	return &anchors, nil
}

// putJSON uploads doc to the configured bucket.
func (a *Activities) putJSON(ctx context.Context, key string, doc any) error {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", key, err)
	}
	if _, _, err := a.store.PutBytes(ctx, objectstore.Ref{Bucket: a.bucket, Key: key}, body, "application/json"); err != nil {
		return apperrors.Transient(err, "failed to upload "+key)
	}
	return nil
}

// putJSONArtifact uploads doc and upserts the matching derived
// artifact as AVAILABLE.
func (a *Activities) putJSONArtifact(ctx context.Context, companyID, scanID, kind, schemaVersion, key string, doc any, meta map[string]any) error {
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", key, err)
	}
	etag, size, err := a.store.PutBytes(ctx, objectstore.Ref{Bucket: a.bucket, Key: key}, body, "application/json")
	if err != nil {
		return apperrors.Transient(err, "failed to upload "+key)
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return a.catalog.UpsertDerivedArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID:     companyID,
		ScanID:        scanID,
		Kind:          kind,
		SchemaVersion: &schemaVersion,
		Bucket:        a.bucket,
		Key:           key,
		ETag:          &etag,
		SizeBytes:     &size,
		Status:        models.ArtifactAvailable,
		Meta:          meta,
	})
}
