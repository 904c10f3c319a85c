package types

import "fmt"

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Worker error codes
const (
	ErrWorkerExecutionFailed ErrorCode = "WORKER_EXECUTION_FAILED"
	ErrWorkerTimeout         ErrorCode = "WORKER_TIMEOUT"
	ErrWorkerNotConfigured   ErrorCode = "WORKER_NOT_CONFIGURED"
)

// Workflow error codes
const (
	ErrUnknownBranch     ErrorCode = "UNKNOWN_BRANCH"
	ErrPredicateFailed   ErrorCode = "PREDICATE_FAILED"
	ErrInvalidWorkflow   ErrorCode = "INVALID_WORKFLOW"
	ErrWorkflowCancelled ErrorCode = "WORKFLOW_CANCELLED"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// State error codes
const (
	ErrKeyOverwrite     ErrorCode = "KEY_OVERWRITE"
	ErrStateUnavailable ErrorCode = "STATE_UNAVAILABLE"
	ErrStateEncoding    ErrorCode = "STATE_ENCODING"
)

// History error codes
const (
	ErrHistoryUnavailable ErrorCode = "HISTORY_UNAVAILABLE"
	ErrRunNotFound        ErrorCode = "RUN_NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
// StepID identifies the deepest failing step when the error originates
// inside a workflow run.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	StepID    string    `json:"step_id,omitempty"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.StepID != "" && e.Cause != nil:
		return fmt.Sprintf("[%s] step %s: %s: %v", e.Code, e.StepID, e.Message, e.Cause)
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithStepID tags the error with the failing step. The first tag wins,
// so the deepest failing step survives as the error propagates up the
// step tree.
func (e *Error) WithStepID(stepID string) *Error {
	if e.StepID == "" {
		e.StepID = stepID
	}
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := err.(*Error); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// GetStepID extracts the failing step ID from an error.
func GetStepID(err error) string {
	if e, ok := err.(*Error); ok {
		return e.StepID
	}
	return ""
}
