// Package workflow defines the port to the durable workflow engine and
// an in-process engine used for local execution and tests.
package workflow

import "context"

// Gateway is the thin port over the workflow engine. StartWorkflow is
// idempotent on the workflow id: starting an id that is already running
// succeeds without creating a duplicate.
type Gateway interface {
	StartWorkflow(ctx context.Context, name, id, taskQueue string, payload map[string]any) error
	QueryWorkflow(ctx context.Context, id, queryName string) (map[string]any, error)
	WaitResult(ctx context.Context, id string) (map[string]any, error)
}

// EngineError wraps a failure of the underlying engine RPC.
type EngineError struct {
	Op         string
	WorkflowID string
	Err        error
}

func (e *EngineError) Error() string {
	return "workflow engine " + e.Op + " failed for " + e.WorkflowID + ": " + e.Err.Error()
}

func (e *EngineError) Unwrap() error { return e.Err }
