package coordinator

import (
	"time"

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
)

// Mode is the coordinator's global adaptive state
type Mode string

const (
	ModeNormal    Mode = "normal"
	ModeDegraded  Mode = "degraded"
	ModeEmergency Mode = "emergency"
)

func (m Mode) level() float64 {
	switch m {
	case ModeDegraded:
		return 1
	case ModeEmergency:
		return 2
	default:
		return 0
	}
}

// evaluationLoop re-derives the adaptive mode on a fixed interval from the
// rolling performance window
func (c *Coordinator) evaluationLoop() {
	defer c.wg.Done()

	interval := c.config.Performance.EvaluationInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.evaluateMode()
			c.publishMetrics()
		}
	}
}

// publishMetrics pushes subsystem gauges and counter deltas to prometheus.
// Gauges are overwritten; counters advance by the delta since the last pass.
func (c *Coordinator) publishMetrics() {
	if c.metrics == nil {
		return
	}

	breakerStats := c.breakers.Stats()
	for feature, bm := range breakerStats.Features {
		c.metrics.SetBreakerState(feature, breakerStateLevel(bm.State))
	}
	c.metrics.SetBreakerState("_global", breakerStateLevel(breakerStats.Global.State))
	c.metrics.DegradedGauge.Set(float64(len(breakerStats.DegradedFeatures)))

	for tier, ts := range c.store.Stats().Tiers {
		c.metrics.UpdateStorageTier(tier, ts.Items, ts.UsedBytes)
	}

	retryStats := c.retries.Stats()
	idemStats := c.idem.Stats()

	c.mu.Lock()
	retryDelta := retryStats.TotalRetries - c.published.retries
	denialDelta := retryStats.BudgetDenials - c.published.denials
	hitDelta := idemStats.CacheHits - c.published.cacheHits
	missDelta := idemStats.CacheMisses - c.published.cacheMisses
	c.published.retries = retryStats.TotalRetries
	c.published.denials = retryStats.BudgetDenials
	c.published.cacheHits = idemStats.CacheHits
	c.published.cacheMisses = idemStats.CacheMisses
	c.mu.Unlock()

	// stats can move backwards across a ResetStats call
	if retryDelta > 0 {
		c.metrics.RetriesTotal.WithLabelValues("_all").Add(float64(retryDelta))
	}
	if denialDelta > 0 {
		c.metrics.BudgetDenials.Add(float64(denialDelta))
	}
	if hitDelta > 0 {
		c.metrics.IdempotencyHits.WithLabelValues("hit").Add(float64(hitDelta))
	}
	if missDelta > 0 {
		c.metrics.IdempotencyHits.WithLabelValues("miss").Add(float64(missDelta))
	}
}

func breakerStateLevel(state string) float64 {
	switch state {
	case "OPEN":
		return 1
	case "HALF_OPEN":
		return 2
	default:
		return 0
	}
}

func (c *Coordinator) evaluateMode() {
	c.mu.Lock()
	var failures int
	var total time.Duration
	for _, s := range c.samples {
		if !s.success {
			failures++
		}
		total += s.duration
	}
	count := len(c.samples)
	c.mu.Unlock()

	if count == 0 {
		return
	}
	errorRate := float64(failures) / float64(count)
	meanDuration := total / time.Duration(count)

	perf := c.config.Performance
	next := ModeNormal
	switch {
	case errorRate >= perf.CriticalErrorRate:
		next = ModeEmergency
	case errorRate >= perf.HighErrorRate || meanDuration >= perf.VerySlowRequest:
		next = ModeDegraded
	}

	c.mu.Lock()
	current := c.mode
	if next != current {
		c.mode = next
		c.modeChanges++
		c.lastModeChange = time.Now()
	}
	c.mu.Unlock()

	if next == current {
		return
	}

	c.logger.Warn("Adaptive mode changed",
		"from", string(current),
		"to", string(next),
		"error_rate", errorRate,
		"mean_duration_ms", meanDuration.Milliseconds(),
	)
	if c.metrics != nil {
		c.metrics.SetAdaptiveMode(next.level())
	}

	c.retries.UpdateConfig(c.retryConfigFor(next))
	c.breakers.UpdateConfig(c.breakerConfigFor(next))
}

// retryConfigFor tightens retry attempts and budget as severity increases
func (c *Coordinator) retryConfigFor(mode Mode) config.RetryConfig {
	cfg := c.config.Retry
	switch mode {
	case ModeDegraded:
		if cfg.MaxAttempts > 3 {
			cfg.MaxAttempts = 3
		}
		cfg.RetryBudget /= 2
	case ModeEmergency:
		cfg.MaxAttempts = 1
		cfg.RetryBudget /= 4
	}
	if cfg.RetryBudget < 1 {
		cfg.RetryBudget = 1
	}
	return cfg
}

// breakerConfigFor lowers trip thresholds as severity increases so circuits
// open sooner under systemic stress
func (c *Coordinator) breakerConfigFor(mode Mode) config.CircuitBreakerConfig {
	cfg := c.config.CircuitBreaker
	switch mode {
	case ModeDegraded:
		if cfg.FailureThreshold > 3 {
			cfg.FailureThreshold = 3
		}
		cfg.MaxFailureRate *= 0.8
	case ModeEmergency:
		cfg.FailureThreshold = 2
		cfg.MaxFailureRate *= 0.6
	}
	return cfg
}
