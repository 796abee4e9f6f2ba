package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/lidarscope/control-plane/internal/events"
	"github.com/lidarscope/control-plane/internal/pkg/apperrors"
	"github.com/lidarscope/control-plane/internal/scenario"
	"github.com/lidarscope/control-plane/internal/status"
	"github.com/lidarscope/control-plane/internal/workflow"
)

// UseCase drives one scenario from a consumed command to a terminal
// event. Every status transition is written to the status store before
// the matching event is published.
type UseCase struct {
	engine    workflow.Gateway
	statuses  *status.Store
	publisher events.Publisher
	registry  *scenario.Registry
	logger    *slog.Logger
}

// NewUseCase wires the use case dependencies.
func NewUseCase(engine workflow.Gateway, statuses *status.Store, publisher events.Publisher, registry *scenario.Registry, logger *slog.Logger) *UseCase {
	if logger == nil {
		logger = slog.Default()
	}
	return &UseCase{
		engine:    engine,
		statuses:  statuses,
		publisher: publisher,
		registry:  registry,
		logger:    logger,
	}
}

// Execute resolves the scenario, starts the workflow and follows it to
// completion. Terminal failures publish a failed event; the returned
// error carries the classification for the caller's ack decision.
func (u *UseCase) Execute(ctx context.Context, cmd Command) (*Result, error) {
	def, err := u.registry.Resolve(cmd.Scenario, cmd.PipelineVersion)
	if err != nil {
		if pushErr := u.pushStatus(ctx, cmd, StatusFailed, map[string]any{"error": err.Error()}); pushErr != nil {
			u.logger.Error("failed to push failure status", "workflow_id", cmd.WorkflowID, "error", pushErr)
		}
		return nil, err
	}

	if err := u.pushStatus(ctx, cmd, StatusResolvedScenario, map[string]any{"workflow_name": def.WorkflowName}); err != nil {
		return nil, err
	}

	payload := map[string]any{
		"workflow_id":      cmd.WorkflowID,
		"scenario":         cmd.Scenario,
		"message_version":  cmd.MessageVersion,
		"pipeline_version": cmd.PipelineVersion,
		"dataset":          cmd.Dataset,
	}

	if err := u.pushStatus(ctx, cmd, StatusStarting, map[string]any{"payload": payload}); err != nil {
		return nil, err
	}

	if err := u.engine.StartWorkflow(ctx, def.WorkflowName, cmd.WorkflowID, def.TaskQueue, payload); err != nil {
		if setErr := u.statuses.Set(ctx, cmd.WorkflowID, StatusFailed, map[string]any{"error": err.Error()}); setErr != nil {
			u.logger.Error("failed to record start failure", "workflow_id", cmd.WorkflowID, "error", setErr)
		}
		u.publishFailed(ctx, cmd, apperrors.CodeEngineStart, err)
		return nil, apperrors.Engine(err, apperrors.CodeEngineStart, "failed to start workflow "+cmd.WorkflowID)
	}

	progress, err := u.engine.QueryWorkflow(ctx, cmd.WorkflowID, def.QueryName)
	if err != nil {
		return nil, u.failExecution(ctx, cmd, err, "failed to query workflow "+cmd.WorkflowID)
	}
	if err := u.pushStatus(ctx, cmd, StatusRunning, progress); err != nil {
		return nil, err
	}

	raw, err := u.engine.WaitResult(ctx, cmd.WorkflowID)
	if err != nil {
		return nil, u.failExecution(ctx, cmd, err, "workflow "+cmd.WorkflowID+" failed")
	}

	outputs := toOutputs(raw["outputs"])

	result := &Result{
		WorkflowID: cmd.WorkflowID,
		Scenario:   cmd.Scenario,
		Status:     StatusCompleted,
		Outputs:    outputs,
		Details:    raw,
		Timestamp:  time.Now().UTC(),
	}

	outputMaps := make([]map[string]any, 0, len(outputs))
	for _, o := range outputs {
		m := map[string]any{"kind": o.Kind, "s3_key": o.S3Key}
		if o.ETag != nil {
			m["etag"] = *o.ETag
		}
		outputMaps = append(outputMaps, m)
	}
	if err := u.pushStatus(ctx, cmd, StatusCompleted, map[string]any{"outputs": outputMaps}); err != nil {
		return nil, err
	}

	completed := events.CompletedEvent{
		WorkflowID: cmd.WorkflowID,
		Scenario:   cmd.Scenario,
		Status:     StatusCompleted,
		Outputs:    toEventOutputs(outputs),
	}
	if err := u.publisher.PublishCompleted(ctx, completed); err != nil {
		return nil, apperrors.Transient(err, "failed to publish completed event")
	}
	return result, nil
}

// pushStatus writes the status entry to the store, then publishes the
// matching status event. Store writes come first so a consumer polling
// the store never sees a status older than the last published event.
func (u *UseCase) pushStatus(ctx context.Context, cmd Command, workflowStatus string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	event := events.StatusEvent{
		WorkflowID: cmd.WorkflowID,
		Scenario:   cmd.Scenario,
		Status:     workflowStatus,
		Timestamp:  time.Now().UTC(),
		Details:    details,
	}
	payload := map[string]any{
		"workflow_id": event.WorkflowID,
		"scenario":    event.Scenario,
		"status":      event.Status,
		"timestamp":   event.Timestamp,
		"details":     event.Details,
	}
	if err := u.statuses.Set(ctx, cmd.WorkflowID, workflowStatus, payload); err != nil {
		return apperrors.Transient(err, "failed to write workflow status")
	}
	if err := u.publisher.PublishStatus(ctx, event); err != nil {
		return apperrors.Transient(err, "failed to publish status event")
	}
	return nil
}

// failExecution classifies a workflow execution failure. A classified
// non-retryable cause (validation, invariant, fatal) keeps its kind and
// code so the consumer acks the message instead of requeueing it;
// everything else stays a retryable engine error. Retryable failures
// publish the failed event here, before redelivery; non-retryable ones
// leave the single failed event to the consumer's ack path.
func (u *UseCase) failExecution(ctx context.Context, cmd Command, cause error, message string) error {
	execErr := &apperrors.Error{
		Kind:    apperrors.KindEngine,
		Code:    apperrors.CodeEngineExecution,
		Message: message,
		Err:     cause,
	}
	if inner := apperrors.As(cause); inner != nil && !inner.Retryable() {
		execErr.Kind = inner.Kind
		if inner.Code != "" {
			execErr.Code = inner.Code
		}
	}
	if execErr.Retryable() {
		u.publishFailed(ctx, cmd, execErr.Code, cause)
	}
	return execErr
}

func (u *UseCase) publishFailed(ctx context.Context, cmd Command, code string, cause error) {
	event := events.FailedEvent{
		WorkflowID:   cmd.WorkflowID,
		Scenario:     cmd.Scenario,
		Status:       StatusFailed,
		ErrorCode:    code,
		ErrorMessage: cause.Error(),
		Retryable:    true,
		FailedAt:     time.Now().UTC(),
	}
	if err := u.publisher.PublishFailed(ctx, event); err != nil {
		u.logger.Error("failed to publish failed event", "workflow_id", cmd.WorkflowID, "error", err)
	}
}

// toOutputs maps the raw workflow result outputs into typed outputs,
// skipping entries without a kind and key.
func toOutputs(raw any) []Output {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	outputs := make([]Output, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := m["kind"].(string)
		key, _ := m["s3_key"].(string)
		if kind == "" || key == "" {
			continue
		}
		out := Output{Kind: kind, S3Key: key}
		if etag, ok := m["etag"].(string); ok && etag != "" {
			out.ETag = &etag
		}
		outputs = append(outputs, out)
	}
	return outputs
}

func toEventOutputs(outputs []Output) []events.Output {
	result := make([]events.Output, 0, len(outputs))
	for _, o := range outputs {
		result = append(result, events.Output{Kind: o.Kind, S3Key: o.S3Key, ETag: o.ETag})
	}
	return result
}
