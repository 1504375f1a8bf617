package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorBuilders(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(ErrUpstreamError, "upstream call failed").
		WithCause(cause).
		WithRetryable(true).
		WithStepID("build")

	assert.True(t, IsRetryable(err))
	assert.Equal(t, ErrUpstreamError, GetErrorCode(err))
	assert.Equal(t, "build", err.StepID)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "UPSTREAM_ERROR")
	assert.Contains(t, err.Error(), "connection reset")
}

func TestIsRetryableThroughWrapping(t *testing.T) {
	inner := NewError(ErrRateLimited, "429").WithRetryable(true).WithRetryAfter(5 * time.Second)
	wrapped := fmt.Errorf("calling step: %w", inner)

	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, 5*time.Second, RetryAfterHint(wrapped))
	assert.Equal(t, ErrRateLimited, GetErrorCode(wrapped))
}

func TestNonStructuredErrorDefaults(t *testing.T) {
	err := errors.New("plain")
	assert.False(t, IsRetryable(err))
	assert.Equal(t, ErrorCode(""), GetErrorCode(err))
	assert.Zero(t, RetryAfterHint(err))
}

func TestIsErrorCode(t *testing.T) {
	err := NewError(ErrVersionConflict, "stale write")
	require.True(t, IsErrorCode(err, ErrVersionConflict))
	require.False(t, IsErrorCode(err, ErrCircuitOpen))
}
