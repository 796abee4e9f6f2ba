// Package artifact composes the object store and the catalog: it owns
// where objects live and keeps catalog rows paired with uploaded data.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
	"github.com/lidarscope/control-plane/internal/repository"
)

// UploadResult reports a completed upload.
type UploadResult struct {
	Bucket    string `json:"bucket"`
	Key       string `json:"key"`
	ETag      string `json:"etag"`
	SizeBytes int64  `json:"size_bytes"`
	Kind      string `json:"kind"`
}

// Service uploads artifacts and registers them in the catalog.
type Service struct {
	catalog repository.Catalog
	store   objectstore.Store
	bucket  string
	logger  *slog.Logger
}

// NewService creates an artifact service bound to one bucket.
func NewService(catalog repository.Catalog, store objectstore.Store, bucket string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{catalog: catalog, store: store, bucket: bucket, logger: logger}
}

// Bucket returns the bucket this service writes to.
func (s *Service) Bucket() string { return s.bucket }

// UploadRawArtifact uploads a raw input of the scan and registers it
// AVAILABLE. The scan must belong to the company and dataset version.
func (s *Service) UploadRawArtifact(ctx context.Context, companyID, datasetVersionID, scanID, kind, localPath, filename string) (*UploadResult, error) {
	scan, err := s.catalog.GetScan(ctx, scanID)
	if err != nil {
		return nil, err
	}
	if scan == nil {
		return nil, apperrors.Invariant("scan %s not found", scanID)
	}
	if scan.CompanyID != companyID || scan.DatasetVersionID != datasetVersionID {
		return nil, apperrors.Invariant(
			"scan %s does not belong to company %s/dataset_version %s", scanID, companyID, datasetVersionID)
	}

	prefix := objectstore.ScanPrefix(companyID, datasetVersionID, scanID)
	if filename == "" {
		filename = filepath.Base(localPath)
	}

	var key string
	switch kind {
	case models.KindRawPointCloud:
		key = objectstore.RawCloudKey(prefix, filename)
	case models.KindRawTrajectory:
		key = objectstore.RawTrajectoryKey(prefix)
	case models.KindRawControlPoint:
		key = objectstore.RawControlPointKey(prefix)
	default:
		return nil, apperrors.Validation("unknown artifact kind: %s", kind)
	}

	ref := objectstore.Ref{Bucket: s.bucket, Key: key}
	etag, size, err := s.store.PutObject(ctx, ref, localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to upload raw artifact: %w", err)
	}

	err = s.catalog.RegisterRawArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID: companyID,
		ScanID:    scanID,
		Kind:      kind,
		Bucket:    ref.Bucket,
		Key:       ref.Key,
		ETag:      &etag,
		SizeBytes: &size,
		Meta:      map[string]any{"filename": filename},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("uploaded raw artifact", "scan_id", scanID, "kind", kind, "key", key, "size_bytes", size)
	return &UploadResult{Bucket: ref.Bucket, Key: ref.Key, ETag: etag, SizeBytes: size, Kind: kind}, nil
}

// RegisterRawFromS3 registers a raw input that a producer already
// uploaded to the bucket. The object is headed first; a missing object
// is a validation failure, not an infrastructure one. The head etag
// backs up a missing message etag.
func (s *Service) RegisterRawFromS3(ctx context.Context, companyID, scanID, kind, key, etag string) (*UploadResult, error) {
	headETag, size, err := s.store.HeadObject(ctx, objectstore.Ref{Bucket: s.bucket, Key: key})
	if err != nil {
		return nil, apperrors.Transient(err, "failed to head raw object "+key)
	}
	if headETag == nil {
		return nil, apperrors.Validation("raw object %s does not exist in bucket %s", key, s.bucket)
	}
	if etag == "" {
		etag = *headETag
	}

	err = s.catalog.RegisterRawArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID: companyID,
		ScanID:    scanID,
		Kind:      kind,
		Bucket:    s.bucket,
		Key:       key,
		ETag:      &etag,
		SizeBytes: size,
		Meta:      map[string]any{"source": "producer_upload"},
	})
	if err != nil {
		return nil, err
	}

	result := &UploadResult{Bucket: s.bucket, Key: key, ETag: etag, Kind: kind}
	if size != nil {
		result.SizeBytes = *size
	}
	s.logger.Info("registered raw artifact", "scan_id", scanID, "kind", kind, "key", key)
	return result, nil
}

// UploadDerivedBytes puts a derived blob and registers its row.
func (s *Service) UploadDerivedBytes(ctx context.Context, companyID, scanID, schemaVersion, kind, key string, body []byte, contentType, status string, meta map[string]any) (*UploadResult, error) {
	etag, size, err := s.store.PutBytes(ctx, objectstore.Ref{Bucket: s.bucket, Key: key}, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload derived bytes: %w", err)
	}

	err = s.catalog.RegisterArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID:     companyID,
		ScanID:        scanID,
		Kind:          kind,
		SchemaVersion: &schemaVersion,
		Bucket:        s.bucket,
		Key:           key,
		ETag:          &etag,
		SizeBytes:     &size,
		Status:        status,
		Meta:          meta,
	})
	if err != nil {
		return nil, err
	}
	return &UploadResult{Bucket: s.bucket, Key: key, ETag: etag, SizeBytes: size, Kind: kind}, nil
}

// UploadDerivedFile uploads a derived file and registers its row.
// Multipart is used when the file is large enough.
func (s *Service) UploadDerivedFile(ctx context.Context, companyID, scanID, schemaVersion, kind, key, localPath, status string, meta map[string]any) (*UploadResult, error) {
	etag, size, err := s.store.UploadFile(ctx, objectstore.Ref{Bucket: s.bucket, Key: key}, localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to upload derived file: %w", err)
	}

	err = s.catalog.RegisterArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID:     companyID,
		ScanID:        scanID,
		Kind:          kind,
		SchemaVersion: &schemaVersion,
		Bucket:        s.bucket,
		Key:           key,
		ETag:          &etag,
		SizeBytes:     &size,
		Status:        status,
		Meta:          meta,
	})
	if err != nil {
		return nil, err
	}
	return &UploadResult{Bucket: s.bucket, Key: key, ETag: etag, SizeBytes: size, Kind: kind}, nil
}

// UpsertDerivedFile uploads a derived file, overwriting the catalog row
// keyed by (scan, kind, schema). Idempotent.
func (s *Service) UpsertDerivedFile(ctx context.Context, companyID, scanID, schemaVersion, kind, key, localPath, status string, meta map[string]any) (*UploadResult, error) {
	etag, size, err := s.store.UploadFile(ctx, objectstore.Ref{Bucket: s.bucket, Key: key}, localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to upload derived file: %w", err)
	}
	if status == "" {
		status = models.ArtifactReady
	}

	err = s.catalog.UpsertDerivedArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID:     companyID,
		ScanID:        scanID,
		Kind:          kind,
		SchemaVersion: &schemaVersion,
		Bucket:        s.bucket,
		Key:           key,
		ETag:          &etag,
		SizeBytes:     &size,
		Status:        status,
		Meta:          meta,
	})
	if err != nil {
		return nil, err
	}
	return &UploadResult{Bucket: s.bucket, Key: key, ETag: etag, SizeBytes: size, Kind: kind}, nil
}

// UpsertDerivedBytes puts a derived blob, overwriting the catalog row
// keyed by (scan, kind, schema). Used by the two-phase manifest register.
func (s *Service) UpsertDerivedBytes(ctx context.Context, companyID, scanID, schemaVersion, kind, key string, body []byte, contentType, status string, meta map[string]any) (*UploadResult, error) {
	etag, size, err := s.store.PutBytes(ctx, objectstore.Ref{Bucket: s.bucket, Key: key}, body, contentType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload derived bytes: %w", err)
	}
	if status == "" {
		status = models.ArtifactAvailable
	}

	err = s.catalog.UpsertDerivedArtifact(ctx, repository.RegisterArtifactParams{
		CompanyID:     companyID,
		ScanID:        scanID,
		Kind:          kind,
		SchemaVersion: &schemaVersion,
		Bucket:        s.bucket,
		Key:           key,
		ETag:          &etag,
		SizeBytes:     &size,
		Status:        status,
		Meta:          meta,
	})
	if err != nil {
		return nil, err
	}
	return &UploadResult{Bucket: s.bucket, Key: key, ETag: etag, SizeBytes: size, Kind: kind}, nil
}
