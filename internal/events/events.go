// Package events publishes workflow lifecycle events to the broker.
package events

import (
	"context"
	"time"
)

// Output describes one deliverable of a completed scenario. The etag is
// optional: not every producing stage records one.
type Output struct {
	Kind  string  `json:"kind"`
	S3Key string  `json:"s3_key"`
	ETag  *string `json:"etag"`
}

// StatusEvent is an intermediate lifecycle notification.
type StatusEvent struct {
	WorkflowID string         `json:"workflow_id"`
	Scenario   string         `json:"scenario"`
	Status     string         `json:"status"`
	Timestamp  time.Time      `json:"timestamp"`
	Details    map[string]any `json:"details"`
}

// CompletedEvent is the terminal success notification.
type CompletedEvent struct {
	WorkflowID string   `json:"workflow_id"`
	Scenario   string   `json:"scenario"`
	Status     string   `json:"status"`
	Outputs    []Output `json:"outputs"`
}

// FailedEvent is the terminal failure notification.
type FailedEvent struct {
	WorkflowID   string    `json:"workflow_id"`
	Scenario     string    `json:"scenario"`
	Status       string    `json:"status"`
	ErrorCode    string    `json:"error_code"`
	ErrorMessage string    `json:"error_message"`
	Retryable    bool      `json:"retryable"`
	FailedAt     time.Time `json:"failed_at"`
}

// Publisher pushes events to the broker. Implementations are
// fire-and-forget beyond local publish success.
type Publisher interface {
	PublishStatus(ctx context.Context, event StatusEvent) error
	PublishCompleted(ctx context.Context, event CompletedEvent) error
	PublishFailed(ctx context.Context, event FailedEvent) error
}
