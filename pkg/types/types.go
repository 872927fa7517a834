package types

import (
	"context"
	"time"
)

// Priority represents the delivery priority of a telemetry operation
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityMedium   Priority = "medium"
	PriorityLow      Priority = "low"
)

// Rank returns a sortable rank for the priority (lower sorts first)
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// DelayMultiplier returns the backoff delay multiplier for the priority.
// Critical requests back off half as long, low priority waits longer.
func (p Priority) DelayMultiplier() float64 {
	switch p {
	case PriorityCritical:
		return 0.5
	case PriorityHigh:
		return 0.75
	case PriorityMedium:
		return 1.0
	case PriorityLow:
		return 1.5
	default:
		return 1.0
	}
}

// Valid reports whether p is one of the known priorities
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow:
		return true
	}
	return false
}

// Operation is a caller-supplied unit of work executed under the resilience
// policy. Implementations should honor ctx cancellation where the underlying
// transport allows it.
type Operation func(ctx context.Context) (interface{}, error)

// RequestOptions configures a single resilient request
type RequestOptions struct {
	// Feature names the circuit breaker this request runs under
	Feature string `json:"feature"`
	// Priority drives retry budget, backoff, and storage tier decisions
	Priority Priority `json:"priority"`
	// Timeout overrides the per-attempt timeout when > 0
	Timeout time.Duration `json:"timeout,omitempty"`
	// PayloadSize is the approximate size of the payload in bytes
	PayloadSize int `json:"payload_size,omitempty"`
	// IdempotencyKey deduplicates logical requests across callers
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// DeduplicationKey collapses concurrent identical retry executions
	DeduplicationKey string `json:"deduplication_key,omitempty"`
	// BypassCache skips the idempotency response cache
	BypassCache bool `json:"bypass_cache,omitempty"`
	// Region selects the health-monitored region for adaptive hints
	Region string `json:"region,omitempty"`
	// DataType namespaces the stored item if the failed request is queued
	// for later sync; defaults to DataTypeNetwork
	DataType DataType `json:"data_type,omitempty"`
}

// DataType namespaces items persisted in resilient storage
type DataType string

const (
	DataTypeError   DataType = "error"
	DataTypeSession DataType = "session"
	DataTypeNetwork DataType = "network"
)

// Valid reports whether d is one of the known data types
func (d DataType) Valid() bool {
	switch d {
	case DataTypeError, DataTypeSession, DataTypeNetwork:
		return true
	}
	return false
}

// FailedRequest is the stored representation of a request that exhausted its
// retries and was queued for later replay
type FailedRequest struct {
	Feature     string         `json:"feature"`
	Options     RequestOptions `json:"options"`
	ErrorType   string         `json:"error_type"`
	ErrorCode   string         `json:"error_code"`
	Message     string         `json:"message"`
	FailedAt    time.Time      `json:"failed_at"`
	ReplayCount int            `json:"replay_count"`
}
