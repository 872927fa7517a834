package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// ErrorType classifies a delivery failure
type ErrorType string

const (
	ErrorTypeNetwork ErrorType = "network"
	ErrorTypeTimeout ErrorType = "timeout"
	ErrorTypeServer  ErrorType = "server"
	ErrorTypeClient  ErrorType = "client"
	ErrorTypeUnknown ErrorType = "unknown"

	// Rejection kinds surfaced without attempting the operation. Callers must
	// be able to distinguish these from "tried and exhausted retries".
	ErrorTypeCircuitOpen      ErrorType = "circuit_open"
	ErrorTypeBudgetExhausted  ErrorType = "budget_exhausted"
	ErrorTypeConcurrencyLimit ErrorType = "concurrency_limit"
	ErrorTypeRateLimited      ErrorType = "rate_limited"
)

// AppError represents a delivery error with classification context
type AppError struct {
	Type       ErrorType         `json:"type"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	HTTPStatus int               `json:"http_status,omitempty"`
	Details    map[string]string `json:"details,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
	Cause      error             `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// NewAppError creates a new application error
func NewAppError(errorType ErrorType, code, message string) *AppError {
	return &AppError{
		Type:      errorType,
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WithCause adds a cause to the error
func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithStatus records the HTTP status that produced the error
func (e *AppError) WithStatus(status int) *AppError {
	e.HTTPStatus = status
	return e
}

// WithDetail adds a detail to the error
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error constructors
func NewNetworkError(message string) *AppError {
	return NewAppError(ErrorTypeNetwork, "NETWORK_ERROR", message)
}

func NewTimeoutError(operation string) *AppError {
	return NewAppError(ErrorTypeTimeout, "TIMEOUT", fmt.Sprintf("%s timed out", operation))
}

func NewServerError(status int, message string) *AppError {
	return NewAppError(ErrorTypeServer, "SERVER_ERROR", message).WithStatus(status)
}

func NewClientError(status int, message string) *AppError {
	return NewAppError(ErrorTypeClient, "CLIENT_ERROR", message).WithStatus(status)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrorTypeUnknown, "INTERNAL_ERROR", message)
}

func NewValidationError(message string) *AppError {
	return NewAppError(ErrorTypeClient, "VALIDATION_ERROR", message)
}

func NewCircuitOpenError(feature string) *AppError {
	return NewAppError(ErrorTypeCircuitOpen, "CIRCUIT_OPEN",
		fmt.Sprintf("circuit breaker for %q is open", feature)).WithDetail("feature", feature)
}

func NewBudgetExhaustedError(message string) *AppError {
	return NewAppError(ErrorTypeBudgetExhausted, "RETRY_BUDGET_EXHAUSTED", message)
}

func NewConcurrencyLimitError(message string) *AppError {
	return NewAppError(ErrorTypeConcurrencyLimit, "CONCURRENCY_LIMIT", message)
}

func NewRateLimitedError(until time.Time) *AppError {
	return NewAppError(ErrorTypeRateLimited, "RATE_LIMITED",
		fmt.Sprintf("rate limited until %s", until.Format(time.RFC3339))).
		WithStatus(http.StatusTooManyRequests).
		WithDetail("rate_limited_until", until.Format(time.RFC3339))
}

// Classify converts a raw failure into a structured AppError once at the I/O
// boundary. statusCode is zero for transport-level failures.
func Classify(statusCode int, err error) *AppError {
	if err == nil && statusCode == 0 {
		return nil
	}

	if appErr, ok := AsAppError(err); ok {
		return appErr
	}

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return NewTimeoutError("operation").WithCause(err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				return NewTimeoutError("operation").WithCause(err)
			}
			return NewNetworkError(netErr.Error()).WithCause(err)
		}
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewServerError(statusCode, "rate limit exceeded").WithCause(err)
	case statusCode >= 500:
		return NewServerError(statusCode, fmt.Sprintf("server returned status %d", statusCode)).WithCause(err)
	case statusCode >= 400:
		return NewClientError(statusCode, fmt.Sprintf("server rejected request with status %d", statusCode)).WithCause(err)
	case err != nil:
		return NewAppError(ErrorTypeUnknown, "UNKNOWN_ERROR", err.Error()).WithCause(err)
	default:
		return NewAppError(ErrorTypeUnknown, "UNKNOWN_ERROR", fmt.Sprintf("unexpected status %d", statusCode))
	}
}

// retryableClientCodes is the narrow allow-list of 4xx statuses worth retrying
var retryableClientCodes = map[int]bool{
	http.StatusRequestTimeout:   true, // 408
	http.StatusConflict:         true, // 409
	http.StatusLocked:           true, // 423
	http.StatusFailedDependency: true, // 424
}

// IsRetryable reports whether an error is worth retrying
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	appErr, ok := AsAppError(err)
	if !ok {
		// Unclassified errors are not retried; classification happens at the
		// I/O boundary before retry decisions are made.
		return false
	}

	switch appErr.Type {
	case ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeServer:
		return true
	case ErrorTypeClient:
		return retryableClientCodes[appErr.HTTPStatus]
	default:
		return false
	}
}

// AsAppError unwraps err to an AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType checks if the error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Type == errorType
	}
	return false
}

// GetType returns the error type if it's an AppError
func GetType(err error) ErrorType {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Type
	}
	return ErrorTypeUnknown
}

// GetCode returns the error code if it's an AppError
func GetCode(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return "UNKNOWN_ERROR"
}
