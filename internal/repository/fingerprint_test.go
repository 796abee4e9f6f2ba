package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lidarscope/control-plane/internal/models"
)

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }

func sampleArtifacts() []models.Artifact {
	return []models.Artifact{
		{
			Kind:      models.KindRawTrajectory,
			S3Bucket:  "lidar-data",
			S3Key:     "tenants/co/dataset_versions/dv/scans/sc/raw/trajectory/path.txt",
			ETag:      strPtr("etag-2"),
			SizeBytes: i64Ptr(128),
		},
		{
			Kind:      models.KindRawPointCloud,
			S3Bucket:  "lidar-data",
			S3Key:     "tenants/co/dataset_versions/dv/scans/sc/raw/point_cloud/cloud.laz",
			ETag:      strPtr("etag-1"),
			SizeBytes: i64Ptr(1024),
		},
	}
}

func TestFingerprintRawInputsIsOrderIndependent(t *testing.T) {
	arts := sampleArtifacts()
	reversed := []models.Artifact{arts[1], arts[0]}

	assert.Equal(t, FingerprintRawInputs(arts), FingerprintRawInputs(reversed))
}

func TestFingerprintRawInputsIsDeterministic(t *testing.T) {
	first := FingerprintRawInputs(sampleArtifacts())
	second := FingerprintRawInputs(sampleArtifacts())

	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestFingerprintRawInputsProjectsOnlyFiveFields(t *testing.T) {
	arts := sampleArtifacts()
	base := FingerprintRawInputs(arts)

	// Catalog-only fields do not contribute.
	arts[0].ID = 99
	arts[0].Status = models.ArtifactFailed
	arts[0].Meta = map[string]any{"x": 1}
	assert.Equal(t, base, FingerprintRawInputs(arts))

	// The projected fields do.
	arts[0].ETag = strPtr("other")
	assert.NotEqual(t, base, FingerprintRawInputs(arts))
}

func TestFingerprintRawInputsEmptySet(t *testing.T) {
	assert.Equal(t, FingerprintRawInputs(nil), FingerprintRawInputs([]models.Artifact{}))
}
