package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeInvalidArgument   = "INVALID_ARGUMENT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeExecutionFailure  = "EXECUTION_FAILURE"
	ErrCodePersistenceRace   = "PERSISTENCE_RACE"
	ErrCodeStore             = "STORE_ERROR"

	// Interrupt rejections.
	ErrCodeStateNotForAbort  = "STATE_NOT_FOR_ABORT"
	ErrCodeStateNotForPause  = "STATE_NOT_FOR_PAUSE"
	ErrCodeStateNotForResume = "STATE_NOT_FOR_RESUME"
	ErrCodeStateNotForRetry  = "STATE_NOT_FOR_RETRY"
	ErrCodeStateNotForMark   = "STATE_NOT_FOR_MARK"
	ErrCodePauseAllAlready   = "PAUSE_ALL_ALREADY"
	ErrCodeResumeAllAlready  = "RESUME_ALL_ALREADY"
	ErrCodeRollbackAlready   = "ROLLBACK_ALREADY"
)

// Error is the structured error type returned across the engine.
type Error struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	InstanceID string         `json:"instance_id,omitempty"`
	Cause      error          `json:"-"`
}

func (e *Error) Error() string {
	if e.InstanceID != "" {
		return fmt.Sprintf("[%s] instance %s: %s", e.Code, e.InstanceID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithInstance attaches a state execution instance id to the error.
func (e *Error) WithInstance(instanceID string) *Error {
	e.InstanceID = instanceID
	return e
}

// WithCause attaches an underlying cause.
func (e *Error) WithCause(err error) *Error {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// IsInterruptRejection reports whether the code rejects an interrupt because of
// the current instance or run status.
func (e *Error) IsInterruptRejection() bool {
	switch e.Code {
	case ErrCodeStateNotForAbort, ErrCodeStateNotForPause, ErrCodeStateNotForResume,
		ErrCodeStateNotForRetry, ErrCodeStateNotForMark,
		ErrCodePauseAllAlready, ErrCodeResumeAllAlready, ErrCodeRollbackAlready:
		return true
	}
	return false
}

// IsCode reports whether err (or anything it wraps) is an *Error with the given code.
func IsCode(err error, code string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
