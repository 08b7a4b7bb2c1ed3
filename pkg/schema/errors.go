package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeGuardEvaluation   = "GUARD_EVALUATION_ERROR"
	ErrCodeStepExecution     = "STEP_EXECUTION_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeDeadlineExceeded  = "DEADLINE_EXCEEDED"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeInternal          = "INTERNAL_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeActorUnavailable  = "ACTOR_UNAVAILABLE"
	ErrCodeNonRetryable      = "NON_RETRYABLE_ERROR"
)

// DagflowError is the structured error type returned across package boundaries.
type DagflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *DagflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DagflowError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether a failure with this code may be attempted again.
func (e *DagflowError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeStepExecution, ErrCodeDeadlineExceeded, ErrCodeActorUnavailable, ErrCodeCircuitOpen:
		return true
	}
	return false
}

// NewError creates a new DagflowError.
func NewError(code, message string) *DagflowError {
	return &DagflowError{Code: code, Message: message}
}

// NewErrorf creates a new DagflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *DagflowError {
	return &DagflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *DagflowError) WithStep(stepID string) *DagflowError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *DagflowError) WithCause(err error) *DagflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *DagflowError) WithDetails(details map[string]any) *DagflowError {
	e.Details = details
	return e
}

// ErrorCode extracts the code of a DagflowError anywhere in err's chain.
// Returns "" when err carries no code.
func ErrorCode(err error) string {
	var de *DagflowError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// HasCode reports whether err carries the given code.
func HasCode(err error, code string) bool {
	return ErrorCode(err) == code
}
