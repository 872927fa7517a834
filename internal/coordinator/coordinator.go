package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/NikhilSetiya/telemetry-relay/internal/breaker"
	"github.com/NikhilSetiya/telemetry-relay/internal/health"
	"github.com/NikhilSetiya/telemetry-relay/internal/idempotency"
	"github.com/NikhilSetiya/telemetry-relay/internal/retry"
	"github.com/NikhilSetiya/telemetry-relay/internal/storage"
	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/metrics"
	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

// Stats aggregates every subsystem's counters plus the adaptive mode
type Stats struct {
	Mode           string            `json:"mode"`
	ModeChanges    int64             `json:"mode_changes"`
	LastModeChange time.Time         `json:"last_mode_change,omitempty"`
	StoredFailures int64             `json:"stored_failures"`
	Retry          retry.Stats       `json:"retry"`
	Breakers       breaker.ManagerStats `json:"breakers"`
	Idempotency    idempotency.Stats `json:"idempotency"`
	Storage        storage.Stats     `json:"storage"`
	Health         []health.RegionalHealth `json:"health"`
	Failovers      []health.FailoverEvent  `json:"failovers"`
}

// publishedCounters remembers the counter values already pushed to
// prometheus so each publish pass only adds the delta
type publishedCounters struct {
	retries     int64
	denials     int64
	cacheHits   int64
	cacheMisses int64
}

type perfSample struct {
	at       time.Time
	duration time.Duration
	success  bool
}

// Coordinator wraps caller operations with circuit breaking, idempotency,
// and health-aware retry, persists qualifying failures for later sync, and
// adapts its own configuration from rolling performance.
type Coordinator struct {
	config   *config.Config
	retries  *retry.Manager
	breakers *breaker.Manager
	idem     *idempotency.Manager
	health   *health.Monitor
	store    *storage.Storage
	metrics  *metrics.Metrics
	logger   *logging.Logger

	mu             sync.Mutex
	samples        []perfSample
	mode           Mode
	modeChanges    int64
	lastModeChange time.Time
	storedFailures int64
	published      publishedCounters

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New wires the coordinator. The health monitor, storage, and metrics are
// shared with the rest of the process; the retry/breaker/idempotency
// managers are owned here so adaptive mode changes can reconfigure them.
func New(cfg *config.Config, monitor *health.Monitor, store *storage.Storage, m *metrics.Metrics) *Coordinator {
	c := &Coordinator{
		config:   cfg,
		retries:  retry.NewManager(cfg.Retry),
		breakers: breaker.NewManager(cfg.CircuitBreaker),
		idem:     idempotency.NewManager(cfg.Idempotency),
		health:   monitor,
		store:    store,
		metrics:  m,
		logger:   logging.GetLogger(),
		mode:     ModeNormal,
		stopCh:   make(chan struct{}),
	}

	if m != nil {
		c.breakers.SetStateChangeCallback(func(name string, from, to breaker.State) {
			m.SetBreakerState(name, breakerStateLevel(to.String()))
			if to == breaker.StateOpen {
				m.RecordBreakerTrip(name)
			}
		})
	}

	c.wg.Add(1)
	go c.evaluationLoop()
	return c
}

// Stop terminates the adaptive evaluation loop and the owned managers
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
	c.idem.Stop()
}

// RegisterFeature declares a feature ahead of use so its breaker carries
// the right priority and fallback
func (c *Coordinator) RegisterFeature(name string, priority types.Priority, fallback types.Operation) {
	c.breakers.Register(name, priority, fallback)
}

// ExecuteResilientRequest runs the operation through the full stack:
// circuit breaker gate, idempotency dedup/cache when a key is supplied,
// then the health-aware retry loop.
func (c *Coordinator) ExecuteResilientRequest(ctx context.Context, operation types.Operation, opts types.RequestOptions) (interface{}, error) {
	if opts.Feature == "" {
		return nil, errors.NewValidationError("feature is required")
	}
	if !opts.Priority.Valid() {
		opts.Priority = types.PriorityMedium
	}

	region := opts.Region
	if region == "" {
		region = c.health.Primary()
	}
	rec := c.health.Recommendation(region)
	status := c.health.StatusFor(region)

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.config.CircuitBreaker.Timeout
	}
	if rec.TimeoutMultiplier > 0 {
		timeout = time.Duration(float64(timeout) * rec.TimeoutMultiplier)
	}

	// unhealthy endpoints get a synthetic dedup key so concurrent callers
	// collapse onto one in-flight attempt instead of piling on
	dedupKey := opts.DeduplicationKey
	if dedupKey == "" && status == health.StatusUnhealthy {
		dedupKey = fmt.Sprintf("unhealthy:%s:%s", region, opts.Feature)
	}

	retryOpts := retry.Options{
		Priority:         opts.Priority,
		Timeout:          timeout,
		PayloadSize:      opts.PayloadSize,
		DeduplicationKey: dedupKey,
	}

	inner := func(ctx context.Context) (interface{}, error) {
		return c.retries.ExecuteWithRetry(ctx, opts.Feature, operation, retryOpts)
	}
	if opts.IdempotencyKey != "" {
		retryOp := inner
		inner = func(ctx context.Context) (interface{}, error) {
			return c.idem.ExecuteIdempotent(ctx, opts.IdempotencyKey, retryOp, idempotency.RequestMeta{
				BypassCache: opts.BypassCache,
			})
		}
	}

	start := time.Now()
	result, err := c.breakers.Execute(ctx, opts.Feature, inner, nil)
	elapsed := time.Since(start)

	c.recordSample(elapsed, err == nil)
	if c.metrics != nil {
		c.metrics.RecordRequest(opts.Feature, string(opts.Priority), err == nil, elapsed)
	}

	if err != nil {
		c.storeFailure(ctx, opts, err)
		return nil, err
	}
	return result, nil
}

// storeFailure queues a terminal failure for later sync. Only non-critical
// requests failing with retryable transport classes qualify; critical
// failures always surface loudly to the caller.
func (c *Coordinator) storeFailure(ctx context.Context, opts types.RequestOptions, err error) {
	if opts.Priority == types.PriorityCritical {
		return
	}

	appErr, ok := errors.AsAppError(err)
	if !ok {
		return
	}
	switch appErr.Type {
	case errors.ErrorTypeNetwork, errors.ErrorTypeTimeout, errors.ErrorTypeServer:
	default:
		return
	}

	failed := types.FailedRequest{
		Feature:   opts.Feature,
		Options:   opts,
		ErrorType: string(appErr.Type),
		ErrorCode: appErr.Code,
		Message:   appErr.Message,
		FailedAt:  time.Now(),
	}
	data, merr := json.Marshal(failed)
	if merr != nil {
		c.logger.Warn("Failed to serialize failed request", "feature", opts.Feature, "error", merr.Error())
		return
	}

	dataType := opts.DataType
	if !dataType.Valid() {
		dataType = types.DataTypeNetwork
	}

	id, serr := c.store.Store(ctx, dataType, data, storage.StoreOptions{
		Priority: opts.Priority,
	})
	if serr != nil {
		c.logger.Warn("Failed to queue failed request",
			"feature", opts.Feature,
			"error", serr.Error(),
		)
		return
	}

	c.mu.Lock()
	c.storedFailures++
	c.mu.Unlock()

	c.logger.Info("Queued failed request for later sync",
		"id", id,
		"feature", opts.Feature,
		"error_type", string(appErr.Type),
	)
}

func (c *Coordinator) recordSample(duration time.Duration, success bool) {
	now := time.Now()
	cutoff := now.Add(-c.config.Performance.SampleRetention)

	c.mu.Lock()
	c.samples = append(c.samples, perfSample{at: now, duration: duration, success: success})
	trim := 0
	for trim < len(c.samples) && c.samples[trim].at.Before(cutoff) {
		trim++
	}
	c.samples = c.samples[trim:]
	c.mu.Unlock()
}

// Mode returns the current adaptive mode
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Stats returns a read-only aggregate of every subsystem
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	mode := c.mode
	modeChanges := c.modeChanges
	lastChange := c.lastModeChange
	storedFailures := c.storedFailures
	c.mu.Unlock()

	return Stats{
		Mode:           string(mode),
		ModeChanges:    modeChanges,
		LastModeChange: lastChange,
		StoredFailures: storedFailures,
		Retry:          c.retries.Stats(),
		Breakers:       c.breakers.Stats(),
		Idempotency:    c.idem.Stats(),
		Storage:        c.store.Stats(),
		Health:         c.health.Snapshot(),
		Failovers:      c.health.FailoverHistory(),
	}
}

// ResetStats clears all subsystem counters, for test harnesses
func (c *Coordinator) ResetStats() {
	c.mu.Lock()
	c.samples = nil
	c.modeChanges = 0
	c.lastModeChange = time.Time{}
	c.storedFailures = 0
	c.mu.Unlock()

	c.retries.ResetStats()
	c.breakers.Reset()
	c.idem.ResetStats()
}
