package objectstore

import (
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

var unsafeSegmentChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// SafeSegment normalizes a path segment for use inside an object key:
// NFKC-normalized, every run of disallowed characters replaced by one
// underscore, leading/trailing underscores trimmed. An empty result
// becomes "na".
func SafeSegment(s string) string {
	s = strings.TrimSpace(norm.NFKC.String(s))
	s = unsafeSegmentChars.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "na"
	}
	return s
}

// ScanPrefix is the deterministic root of all objects of one scan.
func ScanPrefix(companyID, datasetVersionID, scanID string) string {
	return fmt.Sprintf("tenants/%s/dataset_versions/%s/scans/%s",
		SafeSegment(companyID), SafeSegment(datasetVersionID), SafeSegment(scanID))
}

// RawCloudKey is the key of the raw point cloud upload.
func RawCloudKey(prefix, filename string) string {
	return strings.TrimRight(prefix, "/") + "/raw/point_cloud/" + filename
}

// RawTrajectoryKey is the key of the raw trajectory upload.
func RawTrajectoryKey(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/raw/trajectory/path.txt"
}

// RawControlPointKey is the key of the raw control point upload.
func RawControlPointKey(prefix string) string {
	return strings.TrimRight(prefix, "/") + "/raw/control_points/ControlPoint.txt"
}

// DerivedManifestKey is the key of the normalized ingest manifest for a
// schema version.
func DerivedManifestKey(prefix, schemaVersion string) string {
	return fmt.Sprintf("%s/derived/v%s/ingest_manifest.json", strings.TrimRight(prefix, "/"), schemaVersion)
}

// DerivedCloudKey is the key of a derived point cloud produced by a
// pipeline stage.
func DerivedCloudKey(prefix, schemaVersion, stage, filename string) string {
	return fmt.Sprintf("%s/derived/v%s/%s/point_cloud/%s",
		strings.TrimRight(prefix, "/"), schemaVersion, stage, filename)
}

// RegistrationAnchorsKey is the key of the per-scan anchors document.
func RegistrationAnchorsKey(prefix, schemaVersion string) string {
	return fmt.Sprintf("%s/derived/v%s/registration/anchors.json", strings.TrimRight(prefix, "/"), schemaVersion)
}

// RegistrationEdgesKey is the key of the per-scan proposed edges
// document.
func RegistrationEdgesKey(prefix, schemaVersion string) string {
	return fmt.Sprintf("%s/derived/v%s/registration/edges_proposed.json", strings.TrimRight(prefix, "/"), schemaVersion)
}

// PoseGraphSolutionKey is the key of the dataset-version pose graph
// solution.
func PoseGraphSolutionKey(registrationPrefix string) string {
	return strings.TrimRight(registrationPrefix, "/") + "/pose_graph_solution.json"
}

// PoseGraphDiagnosticsKey is the key of the solver diagnostics blob.
func PoseGraphDiagnosticsKey(registrationPrefix string) string {
	return strings.TrimRight(registrationPrefix, "/") + "/pose_graph_diagnostics.json"
}

// RegistrationPrefix is the root of registration outputs (pose graph
// solution, diagnostics) for a dataset version.
func RegistrationPrefix(companyID, datasetVersionID, schemaVersion string) string {
	return fmt.Sprintf("tenants/%s/dataset_versions/%s/registration/v%s",
		SafeSegment(companyID), SafeSegment(datasetVersionID), schemaVersion)
}
