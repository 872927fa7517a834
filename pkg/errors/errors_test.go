package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeNetError struct {
	timeout bool
}

func (e *fakeNetError) Error() string   { return "connection reset" }
func (e *fakeNetError) Timeout() bool   { return e.timeout }
func (e *fakeNetError) Temporary() bool { return true }

var _ net.Error = (*fakeNetError)(nil)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		wantType   ErrorType
		wantStatus int
	}{
		{"nil input", 0, nil, "", 0},
		{"deadline exceeded", 0, context.DeadlineExceeded, ErrorTypeTimeout, 0},
		{"net timeout", 0, &fakeNetError{timeout: true}, ErrorTypeTimeout, 0},
		{"net failure", 0, &fakeNetError{}, ErrorTypeNetwork, 0},
		{"429", 429, nil, ErrorTypeServer, 429},
		{"500", 500, nil, ErrorTypeServer, 500},
		{"503", 503, nil, ErrorTypeServer, 503},
		{"400", 400, nil, ErrorTypeClient, 400},
		{"404", 404, nil, ErrorTypeClient, 404},
		{"opaque error", 0, stderrors.New("something broke"), ErrorTypeUnknown, 0},
		{"odd status", 302, nil, ErrorTypeUnknown, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.statusCode, tt.err)
			if tt.wantType == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantType, got.Type)
			assert.Equal(t, tt.wantStatus, got.HTTPStatus)
		})
	}
}

func TestClassify_PreservesExistingAppError(t *testing.T) {
	original := NewServerError(502, "bad gateway")
	got := Classify(0, original)
	assert.Same(t, original, got)

	wrapped := fmt.Errorf("delivery: %w", original)
	got = Classify(0, wrapped)
	assert.Same(t, original, got)
}

func TestClassify_WrappedDeadline(t *testing.T) {
	err := fmt.Errorf("upload: %w", context.DeadlineExceeded)
	got := Classify(0, err)
	require.NotNil(t, got)
	assert.Equal(t, ErrorTypeTimeout, got.Type)
	assert.ErrorIs(t, got, context.DeadlineExceeded)
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"network", NewNetworkError("refused"), true},
		{"timeout", NewTimeoutError("upload"), true},
		{"server 500", NewServerError(500, "oops"), true},
		{"server 429", NewServerError(429, "slow down"), true},
		{"client 400", NewClientError(400, "bad"), false},
		{"client 408", NewClientError(408, "request timeout"), true},
		{"client 409", NewClientError(409, "conflict"), true},
		{"client 423", NewClientError(423, "locked"), true},
		{"client 424", NewClientError(424, "failed dependency"), true},
		{"client 422", NewClientError(422, "unprocessable"), false},
		{"circuit open", NewCircuitOpenError("uploads"), false},
		{"budget exhausted", NewBudgetExhaustedError("spent"), false},
		{"concurrency limit", NewConcurrencyLimitError("full"), false},
		{"rate limited", NewRateLimitedError(time.Now().Add(time.Minute)), false},
		{"unknown", NewInternalError("??"), false},
		{"unclassified", stderrors.New("raw"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestAppError_ErrorAndUnwrap(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := NewNetworkError("delivery failed").WithCause(cause)

	assert.Contains(t, err.Error(), "NETWORK_ERROR")
	assert.Contains(t, err.Error(), "connection reset")
	assert.ErrorIs(t, err, cause)
}

func TestAsAppError(t *testing.T) {
	appErr, ok := AsAppError(NewTimeoutError("probe"))
	require.True(t, ok)
	assert.Equal(t, ErrorTypeTimeout, appErr.Type)

	wrapped := fmt.Errorf("outer: %w", NewServerError(500, "oops"))
	appErr, ok = AsAppError(wrapped)
	require.True(t, ok)
	assert.Equal(t, ErrorTypeServer, appErr.Type)

	_, ok = AsAppError(stderrors.New("plain"))
	assert.False(t, ok)
	_, ok = AsAppError(nil)
	assert.False(t, ok)
}

func TestIsType(t *testing.T) {
	err := NewCircuitOpenError("session_upload")
	assert.True(t, IsType(err, ErrorTypeCircuitOpen))
	assert.False(t, IsType(err, ErrorTypeNetwork))
	assert.False(t, IsType(nil, ErrorTypeNetwork))
}

func TestWithDetail(t *testing.T) {
	err := NewServerError(429, "rate limit exceeded").WithDetail("retry_after", "30")
	assert.Equal(t, "30", err.Details["retry_after"])
	assert.Equal(t, 429, err.HTTPStatus)
}
