package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeSegment(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "plain", input: "acme", expected: "acme"},
		{name: "keeps allowed punctuation", input: "scan_01.v2-final", expected: "scan_01.v2-final"},
		{name: "replaces runs of bad chars", input: "a b//c", expected: "a_b_c"},
		{name: "trims underscores", input: "  /scan/  ", expected: "scan"},
		{name: "empty becomes na", input: "", expected: "na"},
		{name: "only bad chars becomes na", input: "///", expected: "na"},
		{name: "cyrillic is replaced", input: "скан7", expected: "7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, SafeSegment(tt.input))
		})
	}
}

func TestScanPrefix(t *testing.T) {
	prefix := ScanPrefix("acme corp", "dv 1", "scan/7")
	assert.Equal(t, "tenants/acme_corp/dataset_versions/dv_1/scans/scan_7", prefix)
}

func TestKeyLayout(t *testing.T) {
	prefix := ScanPrefix("co", "dv", "sc")

	assert.Equal(t, prefix+"/raw/point_cloud/cloud.laz", RawCloudKey(prefix, "cloud.laz"))
	assert.Equal(t, prefix+"/raw/trajectory/path.txt", RawTrajectoryKey(prefix))
	assert.Equal(t, prefix+"/raw/control_points/ControlPoint.txt", RawControlPointKey(prefix))
	assert.Equal(t, prefix+"/derived/v1.1.0/ingest_manifest.json", DerivedManifestKey(prefix, "1.1.0"))
	assert.Equal(t, prefix+"/derived/v1.1.0/reproject/point_cloud/cloud.copc.laz",
		DerivedCloudKey(prefix, "1.1.0", "reproject", "cloud.copc.laz"))
	assert.Equal(t, prefix+"/derived/v1.1.0/registration/anchors.json", RegistrationAnchorsKey(prefix, "1.1.0"))
	assert.Equal(t, prefix+"/derived/v1.1.0/registration/edges_proposed.json", RegistrationEdgesKey(prefix, "1.1.0"))
}

func TestRegistrationPrefix(t *testing.T) {
	reg := RegistrationPrefix("co", "dv", "1.1.0")
	assert.Equal(t, "tenants/co/dataset_versions/dv/registration/v1.1.0", reg)
	assert.Equal(t, reg+"/pose_graph_solution.json", PoseGraphSolutionKey(reg))
	assert.Equal(t, reg+"/pose_graph_diagnostics.json", PoseGraphDiagnosticsKey(reg))
}
