// Package ingest implements the ingest scenario: the start use case
// driven by consumed commands, the manifest builder and the queued-run
// processor.
package ingest

import "time"

// Workflow lifecycle statuses pushed to the status store and the
// status queue.
const (
	StatusReceived         = "RECEIVED"
	StatusValidated        = "VALIDATED"
	StatusResolvedScenario = "RESOLVED_SCENARIO"
	StatusStarting         = "STARTING"
	StatusRunning          = "RUNNING"
	StatusCompleted        = "COMPLETED"
	StatusFailed           = "FAILED"
	StatusRetrying         = "RETRYING"
)

// ObjectRef points at one raw input object already present in the
// object store.
type ObjectRef struct {
	S3Key string `json:"s3_key"`
	ETag  string `json:"etag"`
}

// ScanPayload groups the raw inputs of one scan by role. Keys of each
// map are client-side labels; only the values matter downstream.
type ScanPayload struct {
	PointCloud   map[string]ObjectRef `json:"point_cloud"`
	Trajectory   map[string]ObjectRef `json:"trajectory"`
	ControlPoint map[string]ObjectRef `json:"control_point"`
}

// Command is a validated request to start a scenario for a set of
// scans.
type Command struct {
	WorkflowID      string
	Scenario        string
	MessageVersion  string
	PipelineVersion string
	Dataset         map[string]ScanPayload
}

// Output is one deliverable of a finished scenario.
type Output struct {
	Kind  string  `json:"kind"`
	S3Key string  `json:"s3_key"`
	ETag  *string `json:"etag"`
}

// Result is the terminal outcome of a successfully executed scenario.
type Result struct {
	WorkflowID string
	Scenario   string
	Status     string
	Outputs    []Output
	Details    map[string]any
	Timestamp  time.Time
}
