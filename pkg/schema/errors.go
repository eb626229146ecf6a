package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeResolution        = "RESOLUTION_ERROR"
	ErrCodeSynchronization   = "SYNCHRONIZATION_ERROR"
	ErrCodeSafetyLimit       = "SAFETY_LIMIT"
	ErrCodeScopeViolation    = "SCOPE_VIOLATION"
	ErrCodeLockTimeout       = "LOCK_TIMEOUT"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeRoundLimit        = "ROUND_LIMIT"
	ErrCodeStore             = "STORE_ERROR"
)

// YardError is the structured error type for all railyard operations.
type YardError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	PathID  int64          `json:"path_id,omitempty"`
	Node    string         `json:"node,omitempty"`
	Cause   error          `json:"-"`
}

func (e *YardError) Error() string {
	switch {
	case e.PathID != 0 && e.Node != "":
		return fmt.Sprintf("[%s] path %d at %s: %s", e.Code, e.PathID, e.Node, e.Message)
	case e.Node != "":
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.Node, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *YardError) Unwrap() error {
	return e.Cause
}

// NewError creates a new YardError.
func NewError(code, message string) *YardError {
	return &YardError{Code: code, Message: message}
}

// NewErrorf creates a new YardError with a formatted message.
func NewErrorf(code, format string, args ...any) *YardError {
	return &YardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithPath attaches a path ID to the error.
func (e *YardError) WithPath(pathID int64) *YardError {
	e.PathID = pathID
	return e
}

// WithNode attaches a node name to the error.
func (e *YardError) WithNode(node string) *YardError {
	e.Node = node
	return e
}

// WithCause attaches an underlying cause.
func (e *YardError) WithCause(err error) *YardError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *YardError) WithDetails(details map[string]any) *YardError {
	e.Details = details
	return e
}

// CodeOf extracts the error code from err, or ErrCodeExecution when err
// carries no YardError.
func CodeOf(err error) string {
	var ye *YardError
	if errors.As(err, &ye) {
		return ye.Code
	}
	return ErrCodeExecution
}

// IsCode reports whether any YardError in err's cause chain carries the
// given code. Wrapping a lock timeout in a resolution error, say, does not
// hide the timeout from callers that classify on it.
func IsCode(err error, code string) bool {
	for err != nil {
		var ye *YardError
		if !errors.As(err, &ye) {
			return false
		}
		if ye.Code == code {
			return true
		}
		err = ye.Unwrap()
	}
	return false
}
