package retry

import (
	"context"
	"math"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

const (
	// largePayloadBytes caps effective attempts for oversized payloads
	largePayloadBytes = 100 * 1024
	// sizeMultiplierThreshold is where the payload size delay multiplier starts
	sizeMultiplierThreshold = 50 * 1024
	// maxSizeMultiplier bounds the payload size delay multiplier
	maxSizeMultiplier = 2.0
	// highPriorityReserve is the share of the retry budget reserved for
	// high-priority requests
	highPriorityReserve = 0.2
	// defaultRateLimitCooldown applies when a 429 carries no Retry-After hint
	defaultRateLimitCooldown = 60 * time.Second
)

// Options configures a single retried execution
type Options struct {
	Priority         types.Priority
	Timeout          time.Duration
	PayloadSize      int
	DeduplicationKey string
}

// Stats is a snapshot of the manager's counters
type Stats struct {
	TotalCalls       int64         `json:"total_calls"`
	TotalAttempts    int64         `json:"total_attempts"`
	TotalRetries     int64         `json:"total_retries"`
	BudgetDenials    int64         `json:"budget_denials"`
	BudgetRemaining  int           `json:"budget_remaining"`
	AverageDelay     time.Duration `json:"average_delay"`
	RateLimitedUntil time.Time     `json:"rate_limited_until,omitempty"`
	InflightDedup    int           `json:"inflight_dedup"`
}

// call is a single in-flight execution shared by deduplicated callers
type call struct {
	done   chan struct{}
	result interface{}
	err    error
}

// Manager executes operations with bounded, budgeted, jittered-backoff
// retries. The retry budget is a single global allowance per manager
// instance; critical priority bypasses it entirely and high priority holds an
// exclusive reservation.
type Manager struct {
	mu     sync.Mutex
	config config.RetryConfig
	logger *logging.Logger

	// budget accounting over a rolling window
	budgetUsed    int
	sharedUsed    int
	budgetResetAt time.Time

	// global rate-limit clock set from 429 responses
	rateLimitedUntil time.Time

	inflight map[string]*call

	totalCalls    int64
	totalAttempts int64
	totalRetries  int64
	budgetDenials int64
	delaySum      time.Duration
	delayCount    int64

	rng *rand.Rand
}

// NewManager creates a retry manager with the given configuration
func NewManager(cfg config.RetryConfig) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}
	if cfg.BudgetResetInterval <= 0 {
		cfg.BudgetResetInterval = time.Minute
	}

	return &Manager{
		config:        cfg,
		logger:        logging.GetLogger(),
		budgetResetAt: time.Now().Add(cfg.BudgetResetInterval),
		inflight:      make(map[string]*call),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// UpdateConfig replaces the retry configuration. Budget accounting carries
// over into the current window.
func (m *Manager) UpdateConfig(cfg config.RetryConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.config = cfg
}

// ExecuteWithRetry runs the operation under the retry policy. Concurrent
// calls sharing a deduplication key observe exactly one underlying execution
// and receive the same outcome.
func (m *Manager) ExecuteWithRetry(ctx context.Context, key string, operation types.Operation, opts Options) (interface{}, error) {
	if opts.Priority == "" {
		opts.Priority = types.PriorityMedium
	}

	dedupKey := opts.DeduplicationKey
	if dedupKey == "" {
		return m.execute(ctx, key, operation, opts)
	}

	m.mu.Lock()
	if c, ok := m.inflight[dedupKey]; ok {
		m.mu.Unlock()
		select {
		case <-c.done:
			return c.result, c.err
		case <-ctx.Done():
			return nil, errors.Classify(0, ctx.Err())
		}
	}
	c := &call{done: make(chan struct{})}
	m.inflight[dedupKey] = c
	m.mu.Unlock()

	c.result, c.err = m.execute(ctx, key, operation, opts)
	close(c.done)

	m.mu.Lock()
	delete(m.inflight, dedupKey)
	m.mu.Unlock()

	return c.result, c.err
}

func (m *Manager) execute(ctx context.Context, key string, operation types.Operation, opts Options) (interface{}, error) {
	m.mu.Lock()
	m.totalCalls++
	maxAttempts := m.config.MaxAttempts
	m.mu.Unlock()

	// Large payloads get fewer attempts; retrying a big upload repeatedly
	// costs more than it is worth.
	if opts.PayloadSize > largePayloadBytes {
		maxAttempts -= 2
		if maxAttempts < 1 {
			maxAttempts = 1
		}
	}

	var lastErr *errors.AppError

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, errors.Classify(0, ctx.Err())
		}

		if until, limited := m.rateLimited(); limited {
			return nil, errors.NewRateLimitedError(until)
		}

		// Retries past the first attempt draw from the shared budget.
		if attempt > 0 {
			if !m.grantBudget(opts.Priority) {
				m.logger.Warn("Retry budget exhausted",
					"key", key,
					"priority", string(opts.Priority),
					"attempt", attempt,
				)
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, errors.NewBudgetExhaustedError("retry budget exhausted before first retry")
			}
		}

		m.mu.Lock()
		m.totalAttempts++
		if attempt > 0 {
			m.totalRetries++
		}
		m.mu.Unlock()

		start := time.Now()
		result, err := m.runAttempt(ctx, operation, opts)
		duration := time.Since(start)

		if err == nil {
			if attempt > 0 {
				m.logger.Info("Operation succeeded after retry",
					"key", key,
					"attempt", attempt+1,
					"duration", duration,
				)
			}
			return result, nil
		}

		lastErr = errors.Classify(0, err)
		m.noteRateLimit(lastErr)

		if !errors.IsRetryable(lastErr) {
			m.logger.Debug("Error is not retryable, stopping",
				"key", key,
				"error", lastErr.Error(),
				"attempt", attempt+1,
			)
			return nil, lastErr
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := m.calculateDelay(attempt, opts)
		m.recordDelay(delay)

		m.logger.Debug("Operation failed, retrying",
			"key", key,
			"error", lastErr.Error(),
			"attempt", attempt+1,
			"max_attempts", maxAttempts,
			"delay", delay,
		)

		select {
		case <-ctx.Done():
			return nil, errors.Classify(0, ctx.Err())
		case <-time.After(delay):
		}
	}

	m.logger.Error("Operation failed after all retry attempts",
		"key", key,
		"error", lastErr.Error(),
		"attempts", maxAttempts,
	)

	// Surface the last observed error, never a generic wrapper.
	return nil, lastErr
}

// runAttempt races the operation against the per-attempt timeout. A timed-out
// operation is abandoned, not cancelled, when the transport ignores ctx.
func (m *Manager) runAttempt(ctx context.Context, operation types.Operation, opts Options) (interface{}, error) {
	timeout := opts.Timeout
	m.mu.Lock()
	if timeout > 0 && m.config.TimeoutMultiplier > 0 {
		timeout = time.Duration(float64(timeout) * m.config.TimeoutMultiplier)
	}
	m.mu.Unlock()

	if timeout <= 0 {
		return operation(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		result, err := operation(attemptCtx)
		ch <- outcome{result, err}
	}()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, errors.Classify(0, ctx.Err())
		}
		return nil, errors.NewTimeoutError("operation")
	}
}

// grantBudget consumes one unit of retry budget if available. Critical
// priority is always granted and never consumes; high priority holds a 20%
// reservation that medium/low cannot touch.
func (m *Manager) grantBudget(priority types.Priority) bool {
	if priority == types.PriorityCritical {
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if now.After(m.budgetResetAt) {
		m.budgetUsed = 0
		m.sharedUsed = 0
		m.budgetResetAt = now.Add(m.config.BudgetResetInterval)
	}

	budget := m.config.RetryBudget
	if budget <= 0 {
		return true
	}

	if m.budgetUsed >= budget {
		m.budgetDenials++
		return false
	}

	if priority == types.PriorityHigh {
		m.budgetUsed++
		return true
	}

	// Medium/low share what is left after the high-priority reservation.
	reserve := int(math.Ceil(float64(budget) * highPriorityReserve))
	if m.sharedUsed >= budget-reserve {
		m.budgetDenials++
		return false
	}
	m.sharedUsed++
	m.budgetUsed++
	return true
}

// rateLimited reports whether the global rate-limit clock is active
func (m *Manager) rateLimited() (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Now().Before(m.rateLimitedUntil) {
		return m.rateLimitedUntil, true
	}
	return time.Time{}, false
}

// noteRateLimit arms the global rate-limit clock from a 429 response
func (m *Manager) noteRateLimit(appErr *errors.AppError) {
	if appErr == nil || appErr.HTTPStatus != 429 {
		return
	}

	cooldown := defaultRateLimitCooldown
	if hint, ok := appErr.Details["retry_after"]; ok {
		if secs, err := strconv.Atoi(hint); err == nil && secs > 0 {
			cooldown = time.Duration(secs) * time.Second
		}
	}

	m.mu.Lock()
	until := time.Now().Add(cooldown)
	if until.After(m.rateLimitedUntil) {
		m.rateLimitedUntil = until
	}
	m.mu.Unlock()

	m.logger.Warn("Rate limited by collector", "cooldown", cooldown)
}

// calculateDelay computes the backoff for the given attempt:
// min(base*2^attempt, max) scaled by priority and payload size, with
// symmetric jitter of jitterRatio around the scaled value.
func (m *Manager) calculateDelay(attempt int, opts Options) time.Duration {
	m.mu.Lock()
	cfg := m.config
	m.mu.Unlock()

	delay := float64(cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	delay *= opts.Priority.DelayMultiplier()
	delay *= m.sizeMultiplier(opts.PayloadSize)

	if cfg.EnableJitter && cfg.JitterRatio > 0 {
		m.mu.Lock()
		jitter := (m.rng.Float64() - 0.5) * cfg.JitterRatio * delay
		m.mu.Unlock()
		delay += jitter
	}

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// sizeMultiplier scales delay up to 2x for payloads beyond 50KB
func (m *Manager) sizeMultiplier(payloadSize int) float64 {
	if payloadSize <= sizeMultiplierThreshold {
		return 1.0
	}
	multiplier := 1.0 + float64(payloadSize-sizeMultiplierThreshold)/float64(largePayloadBytes)
	if multiplier > maxSizeMultiplier {
		multiplier = maxSizeMultiplier
	}
	return multiplier
}

func (m *Manager) recordDelay(delay time.Duration) {
	m.mu.Lock()
	m.delaySum += delay
	m.delayCount++
	m.mu.Unlock()
}

// BudgetRemaining returns the number of retry attempts left in the current
// budget window
func (m *Manager) BudgetRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if time.Now().After(m.budgetResetAt) {
		return m.config.RetryBudget
	}
	remaining := m.config.RetryBudget - m.budgetUsed
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Stats returns a snapshot of the manager's counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		TotalCalls:    m.totalCalls,
		TotalAttempts: m.totalAttempts,
		TotalRetries:  m.totalRetries,
		BudgetDenials: m.budgetDenials,
		InflightDedup: len(m.inflight),
	}
	if time.Now().Before(m.rateLimitedUntil) {
		stats.RateLimitedUntil = m.rateLimitedUntil
	}
	stats.BudgetRemaining = m.config.RetryBudget - m.budgetUsed
	if stats.BudgetRemaining < 0 {
		stats.BudgetRemaining = 0
	}
	if m.delayCount > 0 {
		stats.AverageDelay = m.delaySum / time.Duration(m.delayCount)
	}
	return stats
}

// ResetStats clears the manager's counters for test harnesses
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalCalls = 0
	m.totalAttempts = 0
	m.totalRetries = 0
	m.budgetDenials = 0
	m.delaySum = 0
	m.delayCount = 0
	m.budgetUsed = 0
	m.sharedUsed = 0
	m.budgetResetAt = time.Now().Add(m.config.BudgetResetInterval)
	m.rateLimitedUntil = time.Time{}
}
