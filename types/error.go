// Copyright (c) PipeFlow Authors.
// Licensed under the MIT License.

package types

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Executor error codes
const (
	ErrStepExecutionFailed     ErrorCode = "STEP_EXECUTION_FAILED"
	ErrCircuitOpen             ErrorCode = "CIRCUIT_OPEN"
	ErrRetriesExhausted        ErrorCode = "RETRIES_EXHAUSTED"
	ErrVersionConflict         ErrorCode = "VERSION_CONFLICT"
	ErrInvalidStateTransition  ErrorCode = "INVALID_STATE_TRANSITION"
	ErrRouterContractViolation ErrorCode = "ROUTER_CONTRACT_VIOLATION"
	ErrWorkflowNotFound        ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrApprovalNotFound        ErrorCode = "APPROVAL_NOT_FOUND"
)

// Transient error classes, used by the retry executor for classification.
const (
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrRateLimited        ErrorCode = "RATE_LIMITED"
	ErrUpstreamError      ErrorCode = "UPSTREAM_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// Non-retryable error classes.
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrUnauthorized   ErrorCode = "UNAUTHORIZED"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrInternalError  ErrorCode = "INTERNAL_ERROR"
)

// Transient reports whether the code belongs to the transient class
// (network, rate limit, transient server) that retrying may resolve.
func (c ErrorCode) Transient() bool {
	switch c {
	case ErrTimeout, ErrRateLimited, ErrUpstreamError, ErrServiceUnavailable:
		return true
	}
	return false
}

// Error represents a structured error with code, message, and metadata.
// RetryAfter carries a server-provided backoff hint for rate-limit errors.
type Error struct {
	Code       ErrorCode     `json:"code"`
	Message    string        `json:"message"`
	Retryable  bool          `json:"retryable"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	StepID     string        `json:"step_id,omitempty"`
	Cause      error         `json:"-"`
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

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithRetryAfter sets a server-provided retry delay hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// WithStepID tags the error with the originating step.
func (e *Error) WithStepID(stepID string) *Error {
	e.StepID = stepID
	return e
}

// IsRetryable reports whether err (or any error in its chain) is marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error chain.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// RetryAfterHint extracts a server-provided retry delay from an error chain.
// Returns zero when no hint is present.
func RetryAfterHint(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
