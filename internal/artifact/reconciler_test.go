package artifact

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/repository"
)

type statusUpdate struct {
	artifactID int64
	status     string
	etag       *string
	sizeBytes  *int64
}

type fakeCatalog struct {
	repository.Catalog

	pending []models.Artifact
	updates []statusUpdate
}

func (c *fakeCatalog) ListPendingArtifacts(ctx context.Context, kind string, limit int) ([]models.Artifact, error) {
	if limit < len(c.pending) {
		return c.pending[:limit], nil
	}
	return c.pending, nil
}

func (c *fakeCatalog) UpdateArtifactStatus(ctx context.Context, artifactID int64, status string, etag *string, sizeBytes *int64) error {
	c.updates = append(c.updates, statusUpdate{artifactID: artifactID, status: status, etag: etag, sizeBytes: sizeBytes})
	return nil
}

type headResult struct {
	etag *string
	size *int64
}

type fakeStore struct {
	objectstore.Store

	objects map[string]headResult
	headErr error
}

func (s *fakeStore) HeadObject(ctx context.Context, ref objectstore.Ref) (*string, *int64, error) {
	if s.headErr != nil {
		return nil, nil, s.headErr
	}
	if r, ok := s.objects[ref.Key]; ok {
		return r.etag, r.size, nil
	}
	return nil, nil, nil
}

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }

func TestSweepApprovesAndFails(t *testing.T) {
	catalog := &fakeCatalog{
		pending: []models.Artifact{
			{ID: 1, S3Bucket: "b", S3Key: "uploaded.laz", Status: models.ArtifactPending},
			{ID: 2, S3Bucket: "b", S3Key: "missing.laz", Status: models.ArtifactPending},
		},
	}
	store := &fakeStore{
		objects: map[string]headResult{
			"uploaded.laz": {etag: strPtr("e1"), size: i64Ptr(42)},
		},
	}
	reconciler := NewReconciler(catalog, store, nil)

	report, err := reconciler.Sweep(context.Background(), models.KindIngestManifest, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.PendingChecked)
	assert.Equal(t, 1, report.Approved)
	assert.Equal(t, 1, report.Failed)

	require.Len(t, catalog.updates, 2)

	approved := catalog.updates[0]
	assert.Equal(t, int64(1), approved.artifactID)
	assert.Equal(t, models.ArtifactAvailable, approved.status)
	require.NotNil(t, approved.etag)
	assert.Equal(t, "e1", *approved.etag)
	require.NotNil(t, approved.sizeBytes)
	assert.Equal(t, int64(42), *approved.sizeBytes)

	failed := catalog.updates[1]
	assert.Equal(t, int64(2), failed.artifactID)
	assert.Equal(t, models.ArtifactFailed, failed.status)
	assert.Nil(t, failed.etag)
}

func TestSweepEmptyBacklog(t *testing.T) {
	reconciler := NewReconciler(&fakeCatalog{}, &fakeStore{}, nil)

	report, err := reconciler.Sweep(context.Background(), models.KindIngestManifest, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, report.PendingChecked)
	assert.Equal(t, 0, report.Approved)
	assert.Equal(t, 0, report.Failed)
}

func TestSweepStopsOnStoreError(t *testing.T) {
	catalog := &fakeCatalog{
		pending: []models.Artifact{
			{ID: 1, S3Bucket: "b", S3Key: "a.laz", Status: models.ArtifactPending},
		},
	}
	store := &fakeStore{headErr: errors.New("endpoint unreachable")}
	reconciler := NewReconciler(catalog, store, nil)

	report, err := reconciler.Sweep(context.Background(), models.KindIngestManifest, 10)
	require.Error(t, err)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.PendingChecked)
	assert.Empty(t, catalog.updates)
}

func TestSweepHonorsLimit(t *testing.T) {
	catalog := &fakeCatalog{
		pending: []models.Artifact{
			{ID: 1, S3Key: "a"}, {ID: 2, S3Key: "b"}, {ID: 3, S3Key: "c"},
		},
	}
	store := &fakeStore{}
	reconciler := NewReconciler(catalog, store, nil)

	report, err := reconciler.Sweep(context.Background(), models.KindIngestManifest, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, report.PendingChecked)
}
