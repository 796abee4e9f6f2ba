package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lidarscope/control-plane/internal/models"
)

func strPtr(s string) *string { return &s }
func i64Ptr(n int64) *int64   { return &n }

func manifestFixture() (models.IngestRun, models.Scan, []models.Artifact) {
	run := models.IngestRun{
		ID:               7,
		CompanyID:        "co",
		ScanID:           "sc",
		SchemaVersion:    "1.1.0",
		InputFingerprint: "abc123",
	}
	scan := models.Scan{
		ID:               "sc",
		CompanyID:        "co",
		DatasetID:        "ds",
		DatasetVersionID: "dv",
		CrsID:            "EPSG:32637",
		Status:           "CREATED",
		SchemaVersion:    "1.1.0",
	}
	arts := []models.Artifact{
		{
			Kind:      models.KindRawPointCloud,
			S3Bucket:  "lidar-data",
			S3Key:     "tenants/co/dataset_versions/dv/scans/sc/raw/point_cloud/cloud.laz",
			ETag:      strPtr("e1"),
			SizeBytes: i64Ptr(100),
			Status:    models.ArtifactAvailable,
		},
		{
			Kind:      models.KindRawControlPoint,
			S3Bucket:  "lidar-data",
			S3Key:     "tenants/co/dataset_versions/dv/scans/sc/raw/control_points/ControlPoint.txt",
			ETag:      strPtr("e2"),
			SizeBytes: i64Ptr(10),
			Status:    models.ArtifactAvailable,
		},
	}
	return run, scan, arts
}

func TestBuildManifestIsDeterministic(t *testing.T) {
	run, scan, arts := manifestFixture()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	first, err := json.Marshal(BuildManifestAt(run, scan, arts, now))
	require.NoError(t, err)
	second, err := json.Marshal(BuildManifestAt(run, scan, arts, now))
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestBuildManifestShape(t *testing.T) {
	run, scan, arts := manifestFixture()
	manifest := BuildManifest(run, scan, arts)

	material := manifest["material"].(map[string]any)
	assert.Equal(t, "laz", material["point_cloud_format"])

	cs := manifest["coordinate_system"].(map[string]any)
	assert.Equal(t, "EPSG:32637", cs["crs_id"])
	assert.Nil(t, cs["projjson"])

	cps := manifest["control_points"].(map[string]any)
	table := cps["table"].(map[string]any)
	assert.Equal(t, models.KindRawControlPoint, table["kind"])

	bl := manifest["business_logic"].(map[string]any)
	assert.Equal(t, "co", bl["company"])
	assert.Equal(t, "1.1.0", bl["processing_version"])

	ing := manifest["ingest"].(map[string]any)
	assert.Equal(t, int64(7), ing["run_id"])
	assert.Equal(t, "abc123", ing["input_fingerprint"])
	assert.Len(t, ing["raw_artifacts"].([]any), 2)
}

func TestDetectPointCloudFormat(t *testing.T) {
	tests := []struct {
		key      string
		expected any
	}{
		{key: "a/b/cloud.copc.laz", expected: "copc.laz"},
		{key: "a/b/COPC_tile.laz", expected: "copc.laz"},
		{key: "a/b/cloud.laz", expected: "laz"},
		{key: "a/b/cloud.LAS", expected: "las"},
		{key: "a/b/cloud.e57", expected: nil},
	}
	for _, tt := range tests {
		arts := []models.Artifact{{Kind: models.KindRawPointCloud, S3Key: tt.key}}
		assert.Equal(t, tt.expected, detectPointCloudFormat(arts), tt.key)
	}
	assert.Nil(t, detectPointCloudFormat(nil))
}

func TestBuildManifestDeepMergesOverrides(t *testing.T) {
	run, scan, arts := manifestFixture()
	scan.Meta = map[string]any{
		"manifest": map[string]any{
			"z_measurement": "orthometric",
			"coordinate_system": map[string]any{
				"datum": "WGS84",
			},
		},
	}

	manifest := BuildManifest(run, scan, arts)
	assert.Equal(t, "orthometric", manifest["z_measurement"])

	cs := manifest["coordinate_system"].(map[string]any)
	assert.Equal(t, "WGS84", cs["datum"])
	// Untouched siblings of the merged subtree survive.
	assert.Equal(t, "EPSG:32637", cs["crs_id"])
}

func TestBuildManifestProjJSONSynthesis(t *testing.T) {
	run, scan, arts := manifestFixture()
	scan.Meta = map[string]any{
		"manifest": map[string]any{
			"coordinate_system": map[string]any{
				"datum": "WGS84",
				"units": "m",
				"projection": map[string]any{
					"type":        "GK",
					"zone_width":  6.0,
					"zone_number": 13.0,
				},
			},
		},
	}

	manifest := BuildManifest(run, scan, arts)
	cs := manifest["coordinate_system"].(map[string]any)
	projjson, ok := cs["projjson"].(map[string]any)
	require.True(t, ok)

	assert.Equal(t, "ProjectedCRS", projjson["type"])
	conversion := projjson["conversion"].(map[string]any)
	params := conversion["parameters"].([]map[string]any)

	// lon_0 = zone_width*zone_number - zone_width/2 = 6*13 - 3 = 75.
	var lon0 any
	for _, p := range params {
		if p["name"] == "Longitude of natural origin" {
			lon0 = p["value"]
		}
	}
	assert.Equal(t, 75.0, lon0)

	base := projjson["base_crs"].(map[string]any)
	datum := base["datum"].(map[string]any)
	ellipsoid := datum["ellipsoid"].(map[string]any)
	assert.Equal(t, "WGS 84", ellipsoid["name"])
}

func TestBuildManifestProjJSONRespectsExplicitOverride(t *testing.T) {
	run, scan, arts := manifestFixture()
	scan.Meta = map[string]any{
		"manifest": map[string]any{
			"coordinate_system": map[string]any{
				"projjson": map[string]any{"type": "ProjectedCRS", "name": "custom"},
			},
		},
	}

	manifest := BuildManifest(run, scan, arts)
	cs := manifest["coordinate_system"].(map[string]any)
	projjson := cs["projjson"].(map[string]any)
	assert.Equal(t, "custom", projjson["name"])
}

func TestBuildManifestControlPointDefaults(t *testing.T) {
	run, scan, arts := manifestFixture()
	scan.Meta = map[string]any{
		"manifest": map[string]any{
			"control_points": map[string]any{
				"verified_from_control_point": map[string]any{
					"geometry_mode": "projected",
					"z_measurement": "ellipsoidal",
					"coordinate_system": map[string]any{
						"datum": "SK42",
						"projection": map[string]any{
							"type":             "GK",
							"central_meridian": 39.0,
						},
					},
				},
			},
		},
	}

	manifest := BuildManifest(run, scan, arts)
	assert.Equal(t, "projected", manifest["geometry_mode"])
	assert.Equal(t, "ellipsoidal", manifest["z_measurement"])

	cs := manifest["coordinate_system"].(map[string]any)
	assert.Equal(t, "SK42", cs["datum"])
	projection := cs["projection"].(map[string]any)
	assert.Equal(t, 39.0, projection["central_meridian"])

	// The backfilled projection drives the synthesized PROJJSON.
	require.NotNil(t, cs["projjson"])
}
