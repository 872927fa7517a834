package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed State = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single trial request is allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds configuration for a single circuit breaker
type Config struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the windowed failure count that trips the breaker
	FailureThreshold int
	// RecoveryTime is the period of the open state before half-open
	RecoveryTime time.Duration
	// SuccessThreshold is the number of half-open successes needed to close
	SuccessThreshold int
	// MaxFailureRate trips the breaker once MinRequests have been seen
	MaxFailureRate float64
	// MinRequests gates both trip conditions
	MinRequests int
	// WindowSize bounds the sliding metrics window
	WindowSize time.Duration
	// Timeout races each request; a timeout counts as a failure
	Timeout time.Duration
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from State, to State)
}

// Metrics is a snapshot of windowed circuit breaker counters
type Metrics struct {
	Requests            int           `json:"requests"`
	Failures            int           `json:"failures"`
	Successes           int           `json:"successes"`
	FailureRate         float64       `json:"failure_rate"`
	AverageResponseTime time.Duration `json:"average_response_time"`
	State               string        `json:"state"`
	OpenedAt            *time.Time    `json:"opened_at,omitempty"`
	NextRetryAt         *time.Time    `json:"next_retry_at,omitempty"`
}

// outcome records a single request result inside the sliding window
type outcome struct {
	at       time.Time
	success  bool
	duration time.Duration
}

// Breaker is a sliding-window failure-rate state machine that fails fast
// instead of retrying into an overloaded backend
type Breaker struct {
	mu     sync.Mutex
	config Config
	logger *logging.Logger

	state       State
	window      []outcome
	openedAt    time.Time
	nextRetryAt time.Time

	halfOpenSuccesses int
	halfOpenInflight  bool
}

// New creates a circuit breaker with the given configuration
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTime <= 0 {
		config.RecoveryTime = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.MaxFailureRate <= 0 {
		config.MaxFailureRate = 0.5
	}
	if config.MinRequests <= 0 {
		config.MinRequests = 5
	}
	if config.WindowSize <= 0 {
		config.WindowSize = 60 * time.Second
	}

	return &Breaker{
		config: config,
		logger: logging.GetLogger(),
		state:  StateClosed,
	}
}

// Execute runs the operation if the breaker accepts it. While open it returns
// the fallback result when one is supplied, otherwise a circuit-open error
// that outer layers must not retry.
func (b *Breaker) Execute(ctx context.Context, operation types.Operation, fallback types.Operation) (interface{}, error) {
	if err := b.Allow(); err != nil {
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, err
	}

	start := time.Now()
	result, err := b.run(ctx, operation)
	b.Record(err == nil, time.Since(start))
	return result, err
}

// run races the operation against the breaker timeout
func (b *Breaker) run(ctx context.Context, operation types.Operation) (interface{}, error) {
	b.mu.Lock()
	timeout := b.config.Timeout
	b.mu.Unlock()

	if timeout <= 0 {
		return operation(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type res struct {
		result interface{}
		err    error
	}
	ch := make(chan res, 1)
	go func() {
		result, err := operation(opCtx)
		ch <- res{result, err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			return nil, errors.Classify(0, ctx.Err())
		}
		return nil, errors.NewTimeoutError(b.config.Name)
	}
}

// Allow reports whether a request may proceed, reserving the half-open trial
// slot when applicable. Callers that use Allow directly must pair it with
// Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refreshState(now)

	switch b.state {
	case StateOpen:
		return errors.NewCircuitOpenError(b.config.Name)
	case StateHalfOpen:
		if b.halfOpenInflight {
			return errors.NewCircuitOpenError(b.config.Name).
				WithDetail("reason", "half-open trial in flight")
		}
		b.halfOpenInflight = true
	}
	return nil
}

// Release abandons a slot reserved by Allow without recording an outcome,
// for callers that decided not to issue the request after all
func (b *Breaker) Release() {
	b.mu.Lock()
	b.halfOpenInflight = false
	b.mu.Unlock()
}

// Record registers a request outcome and applies state transitions
func (b *Breaker) Record(success bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.window = append(b.window, outcome{at: now, success: success, duration: duration})
	b.purge(now)

	switch b.state {
	case StateClosed:
		if !success && b.readyToTrip() {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.halfOpenInflight = false
		if success {
			b.halfOpenSuccesses++
			if b.halfOpenSuccesses >= b.config.SuccessThreshold {
				b.setState(StateClosed, now)
			}
		} else {
			// Any failure while half-open reopens immediately.
			b.setState(StateOpen, now)
		}
	}
}

// readyToTrip applies the trip conditions over the current window
func (b *Breaker) readyToTrip() bool {
	requests, failures := b.count()
	if requests < b.config.MinRequests {
		return false
	}
	if failures >= b.config.FailureThreshold {
		return true
	}
	return float64(failures)/float64(requests) >= b.config.MaxFailureRate
}

// refreshState handles the automatic open -> half-open transition
func (b *Breaker) refreshState(now time.Time) {
	b.purge(now)
	if b.state == StateOpen && !now.Before(b.nextRetryAt) {
		b.setState(StateHalfOpen, now)
	}
}

// purge drops window entries older than the window size
func (b *Breaker) purge(now time.Time) {
	cutoff := now.Add(-b.config.WindowSize)
	idx := 0
	for idx < len(b.window) && b.window[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.window = append(b.window[:0], b.window[idx:]...)
	}
}

func (b *Breaker) count() (requests, failures int) {
	for _, o := range b.window {
		requests++
		if !o.success {
			failures++
		}
	}
	return requests, failures
}

func (b *Breaker) setState(state State, now time.Time) {
	if b.state == state {
		return
	}

	prev := b.state
	b.state = state
	b.halfOpenSuccesses = 0
	b.halfOpenInflight = false

	switch state {
	case StateOpen:
		b.openedAt = now
		b.nextRetryAt = now.Add(b.config.RecoveryTime)
	case StateClosed:
		b.openedAt = time.Time{}
		b.nextRetryAt = time.Time{}
		b.window = b.window[:0]
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, prev, state)
	}

	b.logger.Info("Circuit breaker state changed",
		"name", b.config.Name,
		"from", prev.String(),
		"to", state.String(),
	)
}

// State returns the current state of the circuit breaker
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refreshState(time.Now())
	return b.state
}

// Name returns the name of the circuit breaker
func (b *Breaker) Name() string {
	return b.config.Name
}

// SetStateChangeCallback replaces the state-change hook
func (b *Breaker) SetStateChangeCallback(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.config.OnStateChange = fn
	b.mu.Unlock()
}

// UpdateConfig replaces the breaker thresholds, keeping current state
func (b *Breaker) UpdateConfig(config Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	config.Name = b.config.Name
	config.OnStateChange = b.config.OnStateChange
	b.config = config
}

// Metrics returns a snapshot of windowed counters
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.refreshState(now)

	requests, failures := b.count()
	m := Metrics{
		Requests:  requests,
		Failures:  failures,
		Successes: requests - failures,
		State:     b.state.String(),
	}
	if requests > 0 {
		m.FailureRate = float64(failures) / float64(requests)
		var total time.Duration
		for _, o := range b.window {
			total += o.duration
		}
		m.AverageResponseTime = total / time.Duration(requests)
	}
	if !b.openedAt.IsZero() {
		openedAt := b.openedAt
		nextRetryAt := b.nextRetryAt
		m.OpenedAt = &openedAt
		m.NextRetryAt = &nextRetryAt
	}
	return m
}

// Reset returns the breaker to the closed state with an empty window
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.window = b.window[:0]
	b.halfOpenSuccesses = 0
	b.halfOpenInflight = false
	b.openedAt = time.Time{}
	b.nextRetryAt = time.Time{}
}
