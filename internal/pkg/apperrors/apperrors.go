// Package apperrors provides the standardized error taxonomy of the
// control plane. Every failure surfaced to a consumer or stamped on an
// ingest run is classified into one of the Kind values below.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for retry and propagation decisions.
type Kind string

const (
	// KindValidation covers malformed messages, unknown scenarios and
	// CRS descriptor rule violations. Never retried.
	KindValidation Kind = "validation"

	// KindTransient covers network failures, 5xx responses and broker
	// disconnects. Retried by the caller up to a small bound.
	KindTransient Kind = "transient"

	// KindEngine covers workflow engine start/query/wait failures.
	// Surfaced as retryable; upstream redelivery drives the retry.
	KindEngine Kind = "engine"

	// KindInvariant covers broken catalog invariants (cross-tenant scan,
	// duplicate raw kind, dataset CRS conflict). Never retried.
	KindInvariant Kind = "invariant"

	// KindFatal covers unrecoverable processing failures (missing raw
	// point cloud, malformed PROJJSON). Stamped FAILED; retried only
	// with force=true.
	KindFatal Kind = "fatal"
)

// Wire error codes published on failed events.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeEngineStart     = "TEMPORAL_START_ERROR"
	CodeEngineExecution = "TEMPORAL_EXECUTION_ERROR"
)

// Error is a classified control-plane error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause.
func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether upstream redelivery may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindEngine
}

// Validation creates a validation error.
func Validation(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Code: CodeValidation, Message: fmt.Sprintf(format, args...)}
}

// Invariant creates an invariant error.
func Invariant(format string, args ...any) *Error {
	return &Error{Kind: KindInvariant, Message: fmt.Sprintf(format, args...)}
}

// Fatal creates a fatal error.
func Fatal(format string, args ...any) *Error {
	return &Error{Kind: KindFatal, Message: fmt.Sprintf(format, args...)}
}

// Transient wraps err as a transient infrastructure error.
func Transient(err error, message string) *Error {
	return &Error{Kind: KindTransient, Message: message, Err: err}
}

// Engine wraps a workflow engine failure with the given wire code.
func Engine(err error, code, message string) *Error {
	return &Error{Kind: KindEngine, Code: code, Message: message, Err: err}
}

// KindOf extracts the kind of err, or KindFatal if err is unclassified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}

// As extracts a classified error from err, or nil.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}
