package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the orchestration core.
type ErrorCode string

// Plan error codes
const (
	ErrInvalidPlan     ErrorCode = "INVALID_PLAN"
	ErrPlanParse       ErrorCode = "PLAN_PARSE"
	ErrProgressInit    ErrorCode = "PROGRESS_INIT"
	ErrInvalidStatus   ErrorCode = "INVALID_STATUS"
	ErrInvalidVerdict  ErrorCode = "INVALID_VERDICT"
	ErrInvalidSelector ErrorCode = "INVALID_SELECTION"
)

// Runtime error codes
const (
	ErrAwaitingInput     ErrorCode = "AWAITING_INPUT"
	ErrNotAwaitingInput  ErrorCode = "NOT_AWAITING_INPUT"
	ErrRunnerBusy        ErrorCode = "RUNNER_BUSY"
	ErrRunFinished       ErrorCode = "RUN_FINISHED"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrNonInteractive    ErrorCode = "NON_INTERACTIVE"
)

// Storage error codes
const (
	ErrCheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND"
	ErrCheckpointCorrupt  ErrorCode = "CHECKPOINT_CORRUPT"
	ErrStoreUnavailable   ErrorCode = "STORE_UNAVAILABLE"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code    ErrorCode         `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
	Cause   error             `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithDetail attaches a key/value detail.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether any error in the chain carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return err != nil && GetErrorCode(err) == code
}
