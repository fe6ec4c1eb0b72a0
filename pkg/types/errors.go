package types

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies task and workflow failures. Retryability is decided
// by the kind, never by string matching on messages.
type ErrorKind string

const (
	ErrCapabilityMismatch  ErrorKind = "capability_mismatch"
	ErrNoProviderAvailable ErrorKind = "no_provider_available"
	ErrQuotaExhausted      ErrorKind = "quota_exhausted"
	ErrProviderTransport   ErrorKind = "provider_transport"
	ErrProviderReject      ErrorKind = "provider_reject"
	ErrTimeout             ErrorKind = "timeout"
	ErrCancelled           ErrorKind = "cancelled"
	ErrCyclicDependency    ErrorKind = "cyclic_dependency"
	ErrUnknownStageRef     ErrorKind = "unknown_stage_ref"
	ErrBadCondition        ErrorKind = "bad_condition"
	ErrInternal            ErrorKind = "internal"
)

// TaskError carries the failure kind and retryability alongside the message.
// Providers return these instead of using errors for control flow; retry
// decisions live in the processor.
type TaskError struct {
	Kind      ErrorKind
	Retryable bool
	Message   string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewTaskError builds a TaskError with the default retryability for the kind
func NewTaskError(kind ErrorKind, format string, args ...interface{}) *TaskError {
	return &TaskError{
		Kind:      kind,
		Retryable: kindRetryable(kind),
		Message:   fmt.Sprintf(format, args...),
	}
}

func kindRetryable(kind ErrorKind) bool {
	switch kind {
	case ErrNoProviderAvailable, ErrQuotaExhausted, ErrProviderTransport, ErrTimeout:
		return true
	}
	return false
}

// Classify maps an arbitrary error to a TaskError. Context cancellation and
// deadline expiry map to Cancelled and Timeout; anything unrecognized is
// treated as a transport failure so the health machinery sees it.
func Classify(err error) *TaskError {
	if err == nil {
		return nil
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te
	}
	switch {
	case errors.Is(err, context.Canceled):
		return &TaskError{Kind: ErrCancelled, Retryable: false, Message: err.Error()}
	case errors.Is(err, context.DeadlineExceeded):
		return &TaskError{Kind: ErrTimeout, Retryable: true, Message: err.Error()}
	}
	return &TaskError{Kind: ErrProviderTransport, Retryable: true, Message: err.Error()}
}
