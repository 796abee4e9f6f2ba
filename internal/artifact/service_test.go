package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidarscope/control-plane/internal/models"
	"github.com/lidarscope/control-plane/internal/objectstore"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
	"github.com/lidarscope/control-plane/internal/repository"
)

type serviceCatalog struct {
	repository.Catalog

	scan          *models.Scan
	rawRegistered []repository.RegisterArtifactParams
	upserted      []repository.RegisterArtifactParams
}

func (c *serviceCatalog) GetScan(ctx context.Context, scanID string) (*models.Scan, error) {
	if c.scan != nil && c.scan.ID == scanID {
		return c.scan, nil
	}
	return nil, nil
}

func (c *serviceCatalog) RegisterRawArtifact(ctx context.Context, p repository.RegisterArtifactParams) error {
	c.rawRegistered = append(c.rawRegistered, p)
	return nil
}

func (c *serviceCatalog) UpsertDerivedArtifact(ctx context.Context, p repository.RegisterArtifactParams) error {
	c.upserted = append(c.upserted, p)
	return nil
}

type serviceStore struct {
	objectstore.Store

	putKeys  []string
	headETag *string
	headSize *int64
}

func (s *serviceStore) PutObject(ctx context.Context, ref objectstore.Ref, localPath string) (string, int64, error) {
	s.putKeys = append(s.putKeys, ref.Key)
	return "etag-raw", 1024, nil
}

func (s *serviceStore) PutBytes(ctx context.Context, ref objectstore.Ref, body []byte, contentType string) (string, int64, error) {
	s.putKeys = append(s.putKeys, ref.Key)
	return "etag-bytes", int64(len(body)), nil
}

func (s *serviceStore) HeadObject(ctx context.Context, ref objectstore.Ref) (*string, *int64, error) {
	return s.headETag, s.headSize, nil
}

func newServiceFixture() (*serviceCatalog, *serviceStore, *Service) {
	catalog := &serviceCatalog{
		scan: &models.Scan{
			ID:               "sc",
			CompanyID:        "co",
			DatasetVersionID: "dv",
		},
	}
	store := &serviceStore{}
	return catalog, store, NewService(catalog, store, "lidar-data", nil)
}

func TestUploadRawArtifact(t *testing.T) {
	catalog, store, svc := newServiceFixture()

	result, err := svc.UploadRawArtifact(context.Background(), "co", "dv", "sc",
		models.KindRawPointCloud, "/tmp/cloud.laz", "cloud.laz")
	require.NoError(t, err)

	prefix := objectstore.ScanPrefix("co", "dv", "sc")
	wantKey := objectstore.RawCloudKey(prefix, "cloud.laz")
	assert.Equal(t, wantKey, result.Key)
	assert.Equal(t, "lidar-data", result.Bucket)
	assert.Equal(t, "etag-raw", result.ETag)
	assert.Equal(t, int64(1024), result.SizeBytes)

	assert.Equal(t, []string{wantKey}, store.putKeys)
	require.Len(t, catalog.rawRegistered, 1)
	registered := catalog.rawRegistered[0]
	assert.Equal(t, models.KindRawPointCloud, registered.Kind)
	assert.Equal(t, map[string]any{"filename": "cloud.laz"}, registered.Meta)
}

func TestUploadRawArtifactDefaultsFilename(t *testing.T) {
	_, store, svc := newServiceFixture()

	result, err := svc.UploadRawArtifact(context.Background(), "co", "dv", "sc",
		models.KindRawTrajectory, "/tmp/path.txt", "")
	require.NoError(t, err)

	prefix := objectstore.ScanPrefix("co", "dv", "sc")
	assert.Equal(t, objectstore.RawTrajectoryKey(prefix), result.Key)
	assert.Len(t, store.putKeys, 1)
}

func TestUploadRawArtifactRejectsWrongTenant(t *testing.T) {
	catalog, store, svc := newServiceFixture()

	_, err := svc.UploadRawArtifact(context.Background(), "other-co", "dv", "sc",
		models.KindRawPointCloud, "/tmp/cloud.laz", "cloud.laz")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindInvariant, apperrors.KindOf(err))

	_, err = svc.UploadRawArtifact(context.Background(), "co", "other-dv", "sc",
		models.KindRawPointCloud, "/tmp/cloud.laz", "cloud.laz")
	require.Error(t, err)

	assert.Empty(t, store.putKeys)
	assert.Empty(t, catalog.rawRegistered)
}

func TestUploadRawArtifactRejectsUnknownKind(t *testing.T) {
	_, _, svc := newServiceFixture()

	_, err := svc.UploadRawArtifact(context.Background(), "co", "dv", "sc",
		"derived.ingest_manifest", "/tmp/x", "x")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}

func TestRegisterRawFromS3(t *testing.T) {
	catalog, store, svc := newServiceFixture()
	etag := "head-etag"
	size := int64(2048)
	store.headETag, store.headSize = &etag, &size

	result, err := svc.RegisterRawFromS3(context.Background(), "co", "sc",
		models.KindRawPointCloud, "uploads/a/cloud.laz", "")
	require.NoError(t, err)

	// The head etag backs up the missing message etag.
	assert.Equal(t, "head-etag", result.ETag)
	assert.Equal(t, int64(2048), result.SizeBytes)
	assert.Empty(t, store.putKeys)

	require.Len(t, catalog.rawRegistered, 1)
	registered := catalog.rawRegistered[0]
	assert.Equal(t, "uploads/a/cloud.laz", registered.Key)
	require.NotNil(t, registered.ETag)
	assert.Equal(t, "head-etag", *registered.ETag)
}

func TestRegisterRawFromS3MissingObject(t *testing.T) {
	catalog, _, svc := newServiceFixture()

	_, err := svc.RegisterRawFromS3(context.Background(), "co", "sc",
		models.KindRawPointCloud, "uploads/a/missing.laz", "")
	require.Error(t, err)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
	assert.Empty(t, catalog.rawRegistered)
}

func TestUpsertDerivedBytes(t *testing.T) {
	catalog, _, svc := newServiceFixture()

	result, err := svc.UpsertDerivedBytes(context.Background(), "co", "sc", "1.1.0",
		models.KindIngestManifest, "derived/manifest.json", []byte(`{}`), "application/json",
		"", map[string]any{"format": "json"})
	require.NoError(t, err)
	assert.Equal(t, "etag-bytes", result.ETag)
	assert.Equal(t, int64(2), result.SizeBytes)

	require.Len(t, catalog.upserted, 1)
	upserted := catalog.upserted[0]
	// Empty status defaults to AVAILABLE for the bytes path.
	assert.Equal(t, models.ArtifactAvailable, upserted.Status)
	require.NotNil(t, upserted.SchemaVersion)
	assert.Equal(t, "1.1.0", *upserted.SchemaVersion)
}
