package health

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/metrics"
)

// Status is the derived health class of an endpoint
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// Trend compares recent probe outcomes against the preceding window
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendStable    Trend = "stable"
	TrendDegrading Trend = "degrading"
)

// trendWindow is how many recent probes each side of the trend comparison uses
const trendWindow = 5

// trendDelta is the success-rate difference that counts as a real trend
const trendDelta = 0.1

// ProbeFunc issues one health request against an endpoint and reports its
// latency. Injectable for tests; the default performs an HTTP GET.
type ProbeFunc func(ctx context.Context, endpoint string) (time.Duration, error)

type sample struct {
	success      bool
	responseTime time.Duration
	at           time.Time
}

// Metrics is a snapshot of an endpoint's rolling probe statistics
type Metrics struct {
	SuccessRate          float64       `json:"success_rate"`
	ErrorRate            float64       `json:"error_rate"`
	Availability         float64       `json:"availability"`
	MeanResponseTime     time.Duration `json:"mean_response_time"`
	P95ResponseTime      time.Duration `json:"p95_response_time"`
	P99ResponseTime      time.Duration `json:"p99_response_time"`
	ConsecutiveFailures  int           `json:"consecutive_failures"`
	ConsecutiveSuccesses int           `json:"consecutive_successes"`
	TotalRequests        int64         `json:"total_requests"`
	TotalErrors          int64         `json:"total_errors"`
}

// RegionalHealth is the externally visible state of one registered region
type RegionalHealth struct {
	Region       string     `json:"region"`
	Endpoint     string     `json:"endpoint"`
	Status       Status     `json:"status"`
	Trend        Trend      `json:"trend"`
	Confidence   float64    `json:"confidence"`
	Primary      bool       `json:"primary"`
	Metrics      Metrics    `json:"metrics"`
	LastFailover *time.Time `json:"last_failover,omitempty"`
}

// FailoverEvent records one primary transition
type FailoverEvent struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

type endpoint struct {
	region   string
	url      string
	samples  []sample
	status   Status
	trend    Trend
	lastFail *time.Time

	consecutiveFailures  int
	consecutiveSuccesses int
	totalRequests        int64
	totalErrors          int64
}

// Monitor probes every registered endpoint on an independent loop, derives
// per-region health status and trend, and fails the primary region over to
// the best alternative when it becomes unhealthy.
type Monitor struct {
	mu        sync.Mutex
	config    config.HealthMonitorConfig
	endpoints map[string]*endpoint
	primary   string
	failovers []FailoverEvent
	adaptive  *adaptiveEngine
	probe     ProbeFunc
	metrics   *metrics.Metrics
	logger    *logging.Logger

	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor; probing starts with Start, not registration
func NewMonitor(cfg config.HealthMonitorConfig) *Monitor {
	if cfg.SampleWindow <= 0 {
		cfg.SampleWindow = 50
	}
	m := &Monitor{
		config:    cfg,
		endpoints: make(map[string]*endpoint),
		adaptive:  newAdaptiveEngine(),
		logger:    logging.GetLogger(),
		stopCh:    make(chan struct{}),
	}
	m.probe = m.httpProbe
	return m
}

// SetProbe overrides the probe implementation. Must be called before Start.
func (m *Monitor) SetProbe(probe ProbeFunc) {
	m.probe = probe
}

// SetMetrics attaches probe and failover collectors. Must be called before
// Start.
func (m *Monitor) SetMetrics(collectors *metrics.Metrics) {
	m.metrics = collectors
}

// Register adds a region. The first registered region becomes primary.
func (m *Monitor) Register(region, url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.endpoints[region]; exists {
		return errors.NewValidationError(fmt.Sprintf("region %s already registered", region))
	}

	m.endpoints[region] = &endpoint{
		region: region,
		url:    url,
		status: StatusUnknown,
		trend:  TrendStable,
	}
	if m.primary == "" {
		m.primary = region
	}

	if m.started {
		m.wg.Add(1)
		go m.probeLoop(region)
	}
	return nil
}

// Start launches one probe loop per registered endpoint
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return
	}
	m.started = true
	for region := range m.endpoints {
		m.wg.Add(1)
		go m.probeLoop(region)
	}
}

// Stop terminates all probe loops and waits for them to exit
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Monitor) probeLoop(region string) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.probeOnce(region)
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.probeOnce(region)
		}
	}
}

// probeOnce issues one health request with bounded exponential-backoff
// retries and records the outcome
func (m *Monitor) probeOnce(region string) {
	m.mu.Lock()
	ep, ok := m.endpoints[region]
	if !ok {
		m.mu.Unlock()
		return
	}
	url := ep.url
	m.mu.Unlock()

	var latency time.Duration
	var err error
	for attempt := 0; attempt <= m.config.ProbeRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * 500 * time.Millisecond
			select {
			case <-m.stopCh:
				return
			case <-time.After(backoff):
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
		latency, err = m.probe(ctx, url)
		cancel()
		if err == nil {
			break
		}
	}

	if m.metrics != nil {
		m.metrics.RecordProbe(region, err == nil, latency)
	}
	m.record(region, err == nil, latency)
}

// httpProbe is the default probe: a GET expecting a 2xx/3xx response
func (m *Monitor) httpProbe(ctx context.Context, url string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return elapsed, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return elapsed, fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return elapsed, nil
}

// record folds one probe outcome into the endpoint window and re-derives
// status, trend, and failover state
func (m *Monitor) record(region string, success bool, responseTime time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ep, ok := m.endpoints[region]
	if !ok {
		return
	}

	ep.samples = append(ep.samples, sample{success: success, responseTime: responseTime, at: time.Now()})
	if len(ep.samples) > m.config.SampleWindow {
		ep.samples = ep.samples[len(ep.samples)-m.config.SampleWindow:]
	}

	ep.totalRequests++
	if success {
		ep.consecutiveSuccesses++
		ep.consecutiveFailures = 0
	} else {
		ep.totalErrors++
		ep.consecutiveFailures++
		ep.consecutiveSuccesses = 0
	}

	previous := ep.status
	ep.status = m.deriveStatusLocked(ep)
	ep.trend = deriveTrend(ep.samples)

	m.adaptive.record(region, ep.status, m.metricsLocked(ep), len(ep.samples), m.config.SampleWindow)

	if previous != ep.status {
		m.logger.Info("Region health changed",
			"region", region,
			"from", string(previous),
			"to", string(ep.status),
			"consecutive_failures", ep.consecutiveFailures,
		)
	}

	if region == m.primary && ep.status == StatusUnhealthy && previous != StatusUnhealthy {
		m.failoverLocked(region)
	}
}

func (m *Monitor) deriveStatusLocked(ep *endpoint) Status {
	switch {
	case ep.consecutiveFailures >= m.config.FailureThreshold:
		return StatusUnhealthy
	case errorRate(ep.samples) > m.config.DegradationThreshold && len(ep.samples) >= trendWindow:
		return StatusDegraded
	case ep.consecutiveSuccesses >= m.config.RecoveryThreshold:
		return StatusHealthy
	default:
		return StatusUnknown
	}
}

// failoverLocked moves the primary to the best remaining endpoint: healthy
// beats degraded, ties broken by lowest mean response time
func (m *Monitor) failoverLocked(from string) {
	type candidate struct {
		region string
		status Status
		mean   time.Duration
	}
	var candidates []candidate
	for region, ep := range m.endpoints {
		if region == from {
			continue
		}
		if ep.status != StatusHealthy && ep.status != StatusDegraded {
			continue
		}
		candidates = append(candidates, candidate{
			region: region,
			status: ep.status,
			mean:   meanResponseTime(ep.samples),
		})
	}
	if len(candidates) == 0 {
		m.logger.Warn("Primary region unhealthy but no failover candidate available", "region", from)
		return
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].status != candidates[j].status {
			return candidates[i].status == StatusHealthy
		}
		return candidates[i].mean < candidates[j].mean
	})

	target := candidates[0].region
	now := time.Now()
	event := FailoverEvent{
		ID:        uuid.New().String(),
		From:      from,
		To:        target,
		Timestamp: now,
		Reason:    fmt.Sprintf("primary %s unhealthy after %d consecutive failures", from, m.endpoints[from].consecutiveFailures),
	}
	m.failovers = append(m.failovers, event)
	m.primary = target
	m.endpoints[from].lastFail = &now
	if m.metrics != nil {
		m.metrics.RecordFailover()
	}

	m.logger.Warn("Failed over primary region",
		"from", from,
		"to", target,
		"reason", event.Reason,
	)
}

// Primary returns the currently designated primary region
func (m *Monitor) Primary() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// StatusFor returns the derived status of a region, StatusUnknown for
// unregistered regions
func (m *Monitor) StatusFor(region string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ep, ok := m.endpoints[region]; ok {
		return ep.status
	}
	return StatusUnknown
}

// Snapshot returns the health of every registered region
func (m *Monitor) Snapshot() []RegionalHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RegionalHealth, 0, len(m.endpoints))
	for region, ep := range m.endpoints {
		out = append(out, RegionalHealth{
			Region:       region,
			Endpoint:     ep.url,
			Status:       ep.status,
			Trend:        ep.trend,
			Confidence:   confidence(len(ep.samples), m.config.SampleWindow),
			Primary:      region == m.primary,
			Metrics:      m.metricsLocked(ep),
			LastFailover: ep.lastFail,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out
}

// FailoverHistory returns the append-only failover log
func (m *Monitor) FailoverHistory() []FailoverEvent {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]FailoverEvent, len(m.failovers))
	copy(history, m.failovers)
	return history
}

// Recommendation returns the adaptive tuning advice for a region
func (m *Monitor) Recommendation(region string) Recommendation {
	return m.adaptive.recommendation(region)
}

func (m *Monitor) metricsLocked(ep *endpoint) Metrics {
	successRate := 1.0
	if len(ep.samples) > 0 {
		successRate = 1 - errorRate(ep.samples)
	}
	availability := 1.0
	if ep.totalRequests > 0 {
		availability = 1 - float64(ep.totalErrors)/float64(ep.totalRequests)
	}
	return Metrics{
		SuccessRate:          successRate,
		ErrorRate:            1 - successRate,
		Availability:         availability,
		MeanResponseTime:     meanResponseTime(ep.samples),
		P95ResponseTime:      percentileResponseTime(ep.samples, 0.95),
		P99ResponseTime:      percentileResponseTime(ep.samples, 0.99),
		ConsecutiveFailures:  ep.consecutiveFailures,
		ConsecutiveSuccesses: ep.consecutiveSuccesses,
		TotalRequests:        ep.totalRequests,
		TotalErrors:          ep.totalErrors,
	}
}

func errorRate(samples []sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	failures := 0
	for _, s := range samples {
		if !s.success {
			failures++
		}
	}
	return float64(failures) / float64(len(samples))
}

func meanResponseTime(samples []sample) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s.responseTime
	}
	return total / time.Duration(len(samples))
}

func percentileResponseTime(samples []sample, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	times := make([]time.Duration, len(samples))
	for i, s := range samples {
		times[i] = s.responseTime
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	idx := int(math.Ceil(p*float64(len(times)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(times) {
		idx = len(times) - 1
	}
	return times[idx]
}

// deriveTrend compares the mean success rate of the most recent probes
// against the preceding window
func deriveTrend(samples []sample) Trend {
	if len(samples) < 2*trendWindow {
		return TrendStable
	}
	recent := samples[len(samples)-trendWindow:]
	prior := samples[len(samples)-2*trendWindow : len(samples)-trendWindow]

	diff := (1 - errorRate(recent)) - (1 - errorRate(prior))
	switch {
	case diff > trendDelta:
		return TrendImproving
	case diff < -trendDelta:
		return TrendDegrading
	default:
		return TrendStable
	}
}

func confidence(sampleCount, window int) float64 {
	if window <= 0 {
		return 0
	}
	c := float64(sampleCount) / float64(window)
	if c > 1 {
		c = 1
	}
	return c
}
