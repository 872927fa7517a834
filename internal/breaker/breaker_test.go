package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
)

func testBreakerConfig() Config {
	return Config{
		Name:             "test",
		FailureThreshold: 3,
		RecoveryTime:     50 * time.Millisecond,
		SuccessThreshold: 2,
		MaxFailureRate:   0.9,
		MinRequests:      3,
		WindowSize:       time.Minute,
	}
}

func failingOp(ctx context.Context) (interface{}, error) {
	return nil, errors.NewServerError(500, "unavailable")
}

func succeedingOp(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(testBreakerConfig())

	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), failingOp, nil)
		require.Error(t, err)
	}
	assert.Equal(t, StateOpen, b.State())

	// the 4th call is rejected without invoking the operation
	invoked := false
	_, err := b.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked = true
		return "ok", nil
	}, nil)

	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))
	assert.False(t, invoked)
}

func TestBreaker_StaysClosedBelowMinRequests(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.MinRequests = 5
	b := New(cfg)

	for i := 0; i < 4; i++ {
		_, _ = b.Execute(context.Background(), failingOp, nil)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_TripsOnFailureRate(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.FailureThreshold = 100
	cfg.MaxFailureRate = 0.5
	cfg.MinRequests = 4
	b := New(cfg)

	_, _ = b.Execute(context.Background(), succeedingOp, nil)
	_, _ = b.Execute(context.Background(), succeedingOp, nil)
	_, _ = b.Execute(context.Background(), failingOp, nil)
	assert.Equal(t, StateClosed, b.State())

	// 2 failures out of 4 hits the 50% rate
	_, _ = b.Execute(context.Background(), failingOp, nil)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_HalfOpenSingleTrial(t *testing.T) {
	b := New(testBreakerConfig())
	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failingOp, nil)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, b.State())

	// one trial slot; a second concurrent caller is rejected
	require.NoError(t, b.Allow())
	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeCircuitOpen))

	// trial failure reopens immediately
	b.Record(false, time.Millisecond)
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_ReleaseFreesHalfOpenTrial(t *testing.T) {
	b := New(testBreakerConfig())
	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failingOp, nil)
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, b.Allow())
	require.Error(t, b.Allow())

	// an abandoned trial frees the slot without recording an outcome
	b.Release()
	assert.Equal(t, StateHalfOpen, b.State())
	assert.NoError(t, b.Allow())
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b := New(testBreakerConfig())
	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failingOp, nil)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, b.State())

	// SuccessThreshold=2 trial successes close the breaker
	_, err := b.Execute(context.Background(), succeedingOp, nil)
	require.NoError(t, err)
	assert.Equal(t, StateHalfOpen, b.State())

	_, err = b.Execute(context.Background(), succeedingOp, nil)
	require.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_FallbackWhileOpen(t *testing.T) {
	b := New(testBreakerConfig())
	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failingOp, nil)
	}
	require.Equal(t, StateOpen, b.State())

	result, err := b.Execute(context.Background(), failingOp, func(ctx context.Context) (interface{}, error) {
		return "fallback", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
}

func TestBreaker_TimeoutCountsAsFailure(t *testing.T) {
	cfg := testBreakerConfig()
	cfg.Timeout = 10 * time.Millisecond
	b := New(cfg)

	slow := func(ctx context.Context) (interface{}, error) {
		time.Sleep(100 * time.Millisecond)
		return "late", nil
	}
	for i := 0; i < 3; i++ {
		_, err := b.Execute(context.Background(), slow, nil)
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeTimeout))
	}
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	cfg := testBreakerConfig()
	cfg.OnStateChange = func(name string, from, to State) {
		transitions = append(transitions, from.String()+"->"+to.String())
	}
	b := New(cfg)

	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failingOp, nil)
	}
	require.Equal(t, []string{"CLOSED->OPEN"}, transitions)
}

func TestBreaker_Reset(t *testing.T) {
	b := New(testBreakerConfig())
	for i := 0; i < 3; i++ {
		_, _ = b.Execute(context.Background(), failingOp, nil)
	}
	require.Equal(t, StateOpen, b.State())

	b.Reset()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Metrics().Requests)
}

func TestBreaker_MetricsSnapshot(t *testing.T) {
	b := New(testBreakerConfig())
	_, _ = b.Execute(context.Background(), succeedingOp, nil)
	_, _ = b.Execute(context.Background(), failingOp, nil)

	m := b.Metrics()
	assert.Equal(t, 2, m.Requests)
	assert.Equal(t, 1, m.Failures)
	assert.Equal(t, 1, m.Successes)
	assert.InDelta(t, 0.5, m.FailureRate, 1e-9)
	assert.Equal(t, "CLOSED", m.State)
}
