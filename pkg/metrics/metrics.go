package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the relay
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RetriesTotal    *prometheus.CounterVec
	BudgetDenials   prometheus.Counter

	BreakerState    *prometheus.GaugeVec
	BreakerTrips    *prometheus.CounterVec
	DegradedGauge   prometheus.Gauge
	AdaptiveMode    prometheus.Gauge
	FailoversTotal  prometheus.Counter
	StorageItems    *prometheus.GaugeVec
	StorageBytes    *prometheus.GaugeVec
	SyncedTotal     *prometheus.CounterVec
	IdempotencyHits *prometheus.CounterVec
	ProbeDuration   *prometheus.HistogramVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all relay collectors on a private
// registry so multiple instances can coexist in tests
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_requests_total",
				Help: "Total resilient requests by feature, priority, and outcome",
			},
			[]string{"feature", "priority", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_request_duration_seconds",
				Help:    "Resilient request duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"feature"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_retries_total",
				Help: "Total retry attempts by feature",
			},
			[]string{"feature"},
		),
		BudgetDenials: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_retry_budget_denials_total",
				Help: "Retries denied by the global retry budget",
			},
		),
		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_breaker_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"feature"},
		),
		BreakerTrips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_breaker_trips_total",
				Help: "Circuit breaker open transitions by feature",
			},
			[]string{"feature"},
		),
		DegradedGauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_degraded_features",
				Help: "Number of features currently degraded",
			},
		),
		AdaptiveMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_adaptive_mode",
				Help: "Adaptive mode (0 normal, 1 degraded, 2 emergency)",
			},
		),
		FailoversTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_failovers_total",
				Help: "Primary region failover events",
			},
		),
		StorageItems: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_storage_items",
				Help: "Stored items per tier",
			},
			[]string{"tier"},
		),
		StorageBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "relay_storage_bytes",
				Help: "Stored bytes per tier",
			},
			[]string{"tier"},
		),
		SyncedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_synced_items_total",
				Help: "Stored items drained by the sync manager, by outcome",
			},
			[]string{"outcome"},
		),
		IdempotencyHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_idempotency_lookups_total",
				Help: "Idempotency cache lookups by result",
			},
			[]string{"result"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_probe_duration_seconds",
				Help:    "Health probe duration in seconds by region and outcome",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"region", "outcome"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_http_requests_total",
				Help: "Admin API requests by method, path, and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RetriesTotal,
		m.BudgetDenials,
		m.BreakerState,
		m.BreakerTrips,
		m.DegradedGauge,
		m.AdaptiveMode,
		m.FailoversTotal,
		m.StorageItems,
		m.StorageBytes,
		m.SyncedTotal,
		m.IdempotencyHits,
		m.ProbeDuration,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// RecordRequest records one resilient request outcome
func (m *Metrics) RecordRequest(feature, priority string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.RequestsTotal.WithLabelValues(feature, priority, status).Inc()
	m.RequestDuration.WithLabelValues(feature).Observe(duration.Seconds())
}

// SetBreakerState updates a breaker state gauge
func (m *Metrics) SetBreakerState(feature string, state float64) {
	m.BreakerState.WithLabelValues(feature).Set(state)
}

// RecordBreakerTrip counts an open transition
func (m *Metrics) RecordBreakerTrip(feature string) {
	m.BreakerTrips.WithLabelValues(feature).Inc()
}

// SetAdaptiveMode updates the adaptive-mode gauge
func (m *Metrics) SetAdaptiveMode(level float64) {
	m.AdaptiveMode.Set(level)
}

// RecordFailover counts one primary failover
func (m *Metrics) RecordFailover() {
	m.FailoversTotal.Inc()
}

// UpdateStorageTier updates the per-tier usage gauges
func (m *Metrics) UpdateStorageTier(tier string, items int, bytes int64) {
	m.StorageItems.WithLabelValues(tier).Set(float64(items))
	m.StorageBytes.WithLabelValues(tier).Set(float64(bytes))
}

// RecordSynced counts drained items by outcome
func (m *Metrics) RecordSynced(outcome string, count int) {
	if count > 0 {
		m.SyncedTotal.WithLabelValues(outcome).Add(float64(count))
	}
}

// RecordProbe records one health probe result
func (m *Metrics) RecordProbe(region string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	m.ProbeDuration.WithLabelValues(region, outcome).Observe(duration.Seconds())
}

// GinMiddleware records admin API request metrics
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape handler for this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
