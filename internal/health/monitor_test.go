package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
)

func testMonitorConfig() config.HealthMonitorConfig {
	return config.HealthMonitorConfig{
		Interval:             50 * time.Millisecond,
		Timeout:              time.Second,
		FailureThreshold:     3,
		RecoveryThreshold:    3,
		DegradationThreshold: 0.1,
		ProbeRetries:         0,
		SampleWindow:         20,
	}
}

func TestMonitor_RegisterAndPrimary(t *testing.T) {
	m := NewMonitor(testMonitorConfig())
	defer m.Stop()

	require.NoError(t, m.Register("us-east", "https://us.example.com/health"))
	require.NoError(t, m.Register("eu-west", "https://eu.example.com/health"))
	assert.Error(t, m.Register("us-east", "https://dup.example.com/health"))

	// first registered region is the initial primary
	assert.Equal(t, "us-east", m.Primary())
	assert.Equal(t, StatusUnknown, m.StatusFor("us-east"))
	assert.Equal(t, StatusUnknown, m.StatusFor("unregistered"))
}

func TestMonitor_StatusDerivation(t *testing.T) {
	m := NewMonitor(testMonitorConfig())
	defer m.Stop()
	require.NoError(t, m.Register("us-east", "https://us.example.com/health"))

	// consecutive successes past the recovery threshold mark healthy
	for i := 0; i < 3; i++ {
		m.record("us-east", true, 10*time.Millisecond)
	}
	assert.Equal(t, StatusHealthy, m.StatusFor("us-east"))

	// consecutive failures past the failure threshold mark unhealthy
	for i := 0; i < 3; i++ {
		m.record("us-east", false, 0)
	}
	assert.Equal(t, StatusUnhealthy, m.StatusFor("us-east"))
}

func TestMonitor_DegradedOnErrorRate(t *testing.T) {
	m := NewMonitor(testMonitorConfig())
	defer m.Stop()
	require.NoError(t, m.Register("us-east", "https://us.example.com/health"))

	// scattered failures keep consecutive counts low but push the error
	// rate above the degradation threshold
	for i := 0; i < 10; i++ {
		m.record("us-east", i%4 != 0, 10*time.Millisecond)
	}
	assert.Equal(t, StatusDegraded, m.StatusFor("us-east"))
}

func TestMonitor_FailoverToHealthyRegion(t *testing.T) {
	m := NewMonitor(testMonitorConfig())
	defer m.Stop()
	require.NoError(t, m.Register("us-east", "https://us.example.com/health"))
	require.NoError(t, m.Register("eu-west", "https://eu.example.com/health"))
	require.NoError(t, m.Register("ap-south", "https://ap.example.com/health"))

	// eu-west healthy and fast, ap-south healthy but slower
	for i := 0; i < 5; i++ {
		m.record("eu-west", true, 10*time.Millisecond)
		m.record("ap-south", true, 100*time.Millisecond)
	}

	for i := 0; i < 3; i++ {
		m.record("us-east", false, 0)
	}

	assert.Equal(t, "eu-west", m.Primary())

	history := m.FailoverHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "us-east", history[0].From)
	assert.Equal(t, "eu-west", history[0].To)

	// further failures on the old primary do not produce more events
	for i := 0; i < 3; i++ {
		m.record("us-east", false, 0)
	}
	assert.Len(t, m.FailoverHistory(), 1)
}

func TestMonitor_FailoverPrefersHealthyOverDegraded(t *testing.T) {
	m := NewMonitor(testMonitorConfig())
	defer m.Stop()
	require.NoError(t, m.Register("us-east", "https://us.example.com/health"))
	require.NoError(t, m.Register("eu-west", "https://eu.example.com/health"))
	require.NoError(t, m.Register("ap-south", "https://ap.example.com/health"))

	// eu-west degraded but fast, ap-south healthy but slow
	for i := 0; i < 10; i++ {
		m.record("eu-west", i%4 != 0, 5*time.Millisecond)
	}
	require.Equal(t, StatusDegraded, m.StatusFor("eu-west"))
	for i := 0; i < 5; i++ {
		m.record("ap-south", true, 200*time.Millisecond)
	}
	require.Equal(t, StatusHealthy, m.StatusFor("ap-south"))

	for i := 0; i < 3; i++ {
		m.record("us-east", false, 0)
	}

	assert.Equal(t, "ap-south", m.Primary())
}

func TestMonitor_NoFailoverCandidate(t *testing.T) {
	m := NewMonitor(testMonitorConfig())
	defer m.Stop()
	require.NoError(t, m.Register("us-east", "https://us.example.com/health"))

	for i := 0; i < 3; i++ {
		m.record("us-east", false, 0)
	}

	// nothing to fail over to; primary stays put, no event recorded
	assert.Equal(t, "us-east", m.Primary())
	assert.Empty(t, m.FailoverHistory())
}

func TestDeriveTrend(t *testing.T) {
	mk := func(outcomes ...bool) []sample {
		samples := make([]sample, len(outcomes))
		for i, ok := range outcomes {
			samples[i] = sample{success: ok}
		}
		return samples
	}

	assert.Equal(t, TrendStable, deriveTrend(mk(true, true, true)))
	assert.Equal(t, TrendStable, deriveTrend(mk(true, true, true, true, true, true, true, true, true, true)))
	assert.Equal(t, TrendImproving, deriveTrend(mk(false, false, false, false, false, true, true, true, true, true)))
	assert.Equal(t, TrendDegrading, deriveTrend(mk(true, true, true, true, true, false, false, false, false, false)))
}

func TestPercentileResponseTime(t *testing.T) {
	samples := make([]sample, 100)
	for i := range samples {
		samples[i] = sample{responseTime: time.Duration(i+1) * time.Millisecond}
	}
	assert.Equal(t, 95*time.Millisecond, percentileResponseTime(samples, 0.95))
	assert.Equal(t, 99*time.Millisecond, percentileResponseTime(samples, 0.99))
	assert.Equal(t, time.Duration(0), percentileResponseTime(nil, 0.95))
}

func TestMonitor_ProbeLoopAgainstHTTPServer(t *testing.T) {
	var healthy int32 = 1
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthy) == 1 {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testMonitorConfig()
	cfg.Interval = 20 * time.Millisecond
	m := NewMonitor(cfg)
	require.NoError(t, m.Register("local", server.URL))
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.StatusFor("local") == StatusHealthy
	}, 2*time.Second, 10*time.Millisecond)

	atomic.StoreInt32(&healthy, 0)
	require.Eventually(t, func() bool {
		return m.StatusFor("local") == StatusUnhealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitor_CustomProbe(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.Interval = 20 * time.Millisecond
	m := NewMonitor(cfg)

	var probes int32
	m.SetProbe(func(ctx context.Context, endpoint string) (time.Duration, error) {
		atomic.AddInt32(&probes, 1)
		return 5 * time.Millisecond, nil
	})
	require.NoError(t, m.Register("fake", "fake://endpoint"))
	m.Start()
	defer m.Stop()

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&probes) >= 3
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, StatusHealthy, m.StatusFor("fake"))
}

func TestRecommendation_TightensWithPoorHealth(t *testing.T) {
	m := NewMonitor(testMonitorConfig())
	defer m.Stop()
	require.NoError(t, m.Register("us-east", "https://us.example.com/health"))

	// no history yet: defaults with zero confidence
	rec := m.Recommendation("us-east")
	assert.Equal(t, float64(0), rec.Confidence)

	for i := 0; i < 5; i++ {
		m.record("us-east", true, 10*time.Millisecond)
	}
	healthyRec := m.Recommendation("us-east")
	assert.Equal(t, 5, healthyRec.MaxRetries)
	assert.Equal(t, 1.0, healthyRec.TimeoutMultiplier)
	assert.Greater(t, healthyRec.Confidence, float64(0))

	for i := 0; i < 3; i++ {
		m.record("us-east", false, 0)
	}
	unhealthyRec := m.Recommendation("us-east")
	assert.Equal(t, 1, unhealthyRec.MaxRetries)
	assert.Greater(t, unhealthyRec.TimeoutMultiplier, healthyRec.TimeoutMultiplier)
	assert.Less(t, unhealthyRec.BatchSize, healthyRec.BatchSize)
	assert.Greater(t, unhealthyRec.UploadInterval, healthyRec.UploadInterval)
}

func TestSnapshot(t *testing.T) {
	m := NewMonitor(testMonitorConfig())
	defer m.Stop()
	require.NoError(t, m.Register("us-east", "https://us.example.com/health"))
	require.NoError(t, m.Register("eu-west", "https://eu.example.com/health"))

	for i := 0; i < 4; i++ {
		m.record("us-east", true, 10*time.Millisecond)
	}

	snapshot := m.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, "eu-west", snapshot[0].Region)
	assert.Equal(t, "us-east", snapshot[1].Region)
	for _, rh := range snapshot {
		if rh.Region == "us-east" {
			assert.True(t, rh.Primary)
			assert.Equal(t, StatusHealthy, rh.Status)
			assert.Equal(t, int64(4), rh.Metrics.TotalRequests)
		}
	}
}
