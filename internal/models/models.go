// Package models defines the catalog records of the control plane.
// The structs are plain data carriers; persistence lives in the
// repository package.
package models

import "time"

// Artifact lifecycle states.
const (
	ArtifactPending   = "PENDING"
	ArtifactAvailable = "AVAILABLE"
	ArtifactReady     = "READY"
	ArtifactFailed    = "FAILED"
)

// Raw artifact kinds. A scan may hold at most one raw artifact per kind.
const (
	KindRawPointCloud   = "raw.point_cloud"
	KindRawTrajectory   = "raw.trajectory"
	KindRawControlPoint = "raw.control_point"
)

// Derived artifact kinds, keyed by (scan, kind, schema_version).
const (
	KindIngestManifest         = "derived.ingest_manifest"
	KindReprojectedPointCloud  = "derived.reprojected_point_cloud"
	KindPreprocessedPointCloud = "derived.preprocessed_point_cloud"
	KindMergedPointCloud       = "derived.merged_point_cloud"
	KindRegistrationAnchors    = "derived.registration_anchors"
	KindRegistrationEdges      = "derived.registration_edges"
)

// Ingest run states.
const (
	RunQueued    = "QUEUED"
	RunRunning   = "RUNNING"
	RunSucceeded = "SUCCEEDED"
	RunFailed    = "FAILED"
)

// Company is a tenant.
type Company struct {
	ID   string
	Name string
}

// CRS is a coordinate reference system entry referenced by datasets
// and scans.
type CRS struct {
	ID         string
	Name       string
	ZoneDegree int
	EPSG       *int
	Units      string
	AxisOrder  string
	Meta       map[string]any
	CreatedAt  time.Time
}

// Dataset groups scans under a tenant. A dataset has exactly one CRS
// for its whole lifetime.
type Dataset struct {
	ID        string
	CompanyID string
	Name      string
	CrsID     string
}

// DatasetVersion is a monotonically numbered snapshot of a dataset.
// At most one version per dataset is active.
type DatasetVersion struct {
	ID        string
	DatasetID string
	Version   int
	IsActive  bool
	CreatedAt time.Time
}

// Scan is a single capture session inside a dataset version.
type Scan struct {
	ID                string
	CompanyID         string
	DatasetID         string
	DatasetVersionID  string
	CrsID             string
	Status            string
	SchemaVersion     string
	OwnerDepartmentID *string
	Meta              map[string]any
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Artifact is a pointer to an object-store blob plus its catalog state.
type Artifact struct {
	ID            int64
	CompanyID     string
	ScanID        string
	Kind          string
	SchemaVersion *string
	S3Bucket      string
	S3Key         string
	ETag          *string
	SizeBytes     *int64
	Status        string
	Meta          map[string]any
	CreatedAt     time.Time
}

// IngestRun records one attempt to process a scan's raw inputs at a
// given schema version. The input fingerprint deduplicates attempts.
type IngestRun struct {
	ID               int64
	CompanyID        string
	ScanID           string
	SchemaVersion    string
	InputFingerprint string
	Status           string
	Error            map[string]any
	CreatedAt        time.Time
	FinishedAt       *time.Time
}

// ScanEdge is a pairwise constraint between two scans of a dataset
// version, used by registration.
type ScanEdge struct {
	ID               int64
	CompanyID        string
	DatasetVersionID string
	ScanIDFrom       string
	ScanIDTo         string
	Kind             string
	Weight           float64
	TransformGuess   map[string]any
	Meta             map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ScanPose is the solved placement of a scan within its dataset
// version frame.
type ScanPose struct {
	ID               int64
	CompanyID        string
	DatasetVersionID string
	ScanID           string
	Pose             map[string]any
	Quality          int
	Meta             map[string]any
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ScanBundle is a scan together with its raw artifacts keyed by kind.
type ScanBundle struct {
	Scan Scan
	Raw  map[string]Artifact
}
