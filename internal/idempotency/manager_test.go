package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
)

func testIdemConfig() config.IdempotencyConfig {
	return config.IdempotencyConfig{
		KeyTTL:                time.Minute,
		ResponseCacheTTL:      time.Second,
		MaxConcurrentRequests: 5,
		MaxStoredKeys:         100,
		PurgeInterval:         time.Minute,
	}
}

func TestExecuteIdempotent_CachesSuccess(t *testing.T) {
	m := NewManager(testIdemConfig())
	defer m.Stop()

	calls := 0
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return "x", nil
	}

	result, err := m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "x", result)

	// second call within the cache TTL serves the cached response
	result, err = m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "x", result)
	assert.Equal(t, 1, calls)
	assert.Equal(t, int64(1), m.Stats().CacheHits)
}

func TestExecuteIdempotent_CacheExpiry(t *testing.T) {
	cfg := testIdemConfig()
	cfg.ResponseCacheTTL = 50 * time.Millisecond
	m := NewManager(cfg)
	defer m.Stop()

	calls := 0
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}

	first, err := m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 1, first)

	time.Sleep(80 * time.Millisecond)

	second, err := m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, 2, second)
	assert.Equal(t, 2, calls)
}

func TestExecuteIdempotent_BypassCache(t *testing.T) {
	m := NewManager(testIdemConfig())
	defer m.Stop()

	calls := 0
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		return calls, nil
	}

	_, err := m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{})
	require.NoError(t, err)

	result, err := m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{BypassCache: true})
	require.NoError(t, err)
	assert.Equal(t, 2, result)
	assert.Equal(t, 2, calls)
}

func TestExecuteIdempotent_CoalescesConcurrentCallers(t *testing.T) {
	m := NewManager(testIdemConfig())
	defer m.Stop()

	var invocations int32
	release := make(chan struct{})
	op := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&invocations, 1)
		<-release
		return "shared", nil
	}

	const callers = 8
	results := make([]interface{}, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&invocations))
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
	assert.Equal(t, int64(callers-1), m.Stats().Coalesced)
}

func TestExecuteIdempotent_FailuresNotCached(t *testing.T) {
	m := NewManager(testIdemConfig())
	defer m.Stop()

	calls := 0
	op := func(ctx context.Context) (interface{}, error) {
		calls++
		if calls == 1 {
			return nil, errors.NewServerError(500, "unavailable")
		}
		return "recovered", nil
	}

	_, err := m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{})
	require.Error(t, err)

	// a failed key is re-drivable; the second caller re-invokes
	result, err := m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result)
	assert.Equal(t, 2, calls)
}

func TestExecuteIdempotent_FailedKeyEvictedAfterMaxAttempts(t *testing.T) {
	m := NewManager(testIdemConfig())
	defer m.Stop()

	calls := 0
	failing := func(ctx context.Context) (interface{}, error) {
		calls++
		return nil, errors.NewServerError(500, "unavailable")
	}

	// maxAttemptsPerKey failures burn the entry, then the next caller starts
	// a fresh one
	for i := 0; i < maxAttemptsPerKey+1; i++ {
		_, err := m.ExecuteIdempotent(context.Background(), "key", failing, RequestMeta{})
		require.Error(t, err)
	}

	assert.Equal(t, maxAttemptsPerKey+1, calls)
	assert.GreaterOrEqual(t, m.Stats().Evictions, int64(1))
}

func TestExecuteIdempotent_ConcurrencyLimit(t *testing.T) {
	cfg := testIdemConfig()
	cfg.MaxConcurrentRequests = 2
	m := NewManager(cfg)
	defer m.Stop()

	release := make(chan struct{})
	blocking := func(ctx context.Context) (interface{}, error) {
		<-release
		return "ok", nil
	}

	var wg sync.WaitGroup
	for _, key := range []string{"a", "b"} {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _ = m.ExecuteIdempotent(context.Background(), key, blocking, RequestMeta{})
		}(key)
	}
	time.Sleep(50 * time.Millisecond)

	// both slots are pending; a third distinct key is rejected outright
	_, err := m.ExecuteIdempotent(context.Background(), "c", blocking, RequestMeta{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConcurrencyLimit))
	assert.Equal(t, int64(1), m.Stats().Rejections)

	close(release)
	wg.Wait()
}

func TestExecuteIdempotent_OverflowEvictsOldest(t *testing.T) {
	cfg := testIdemConfig()
	cfg.MaxStoredKeys = 3
	m := NewManager(cfg)
	defer m.Stop()

	op := func(ctx context.Context) (interface{}, error) { return "ok", nil }

	for _, key := range []string{"a", "b", "c", "d"} {
		_, err := m.ExecuteIdempotent(context.Background(), key, op, RequestMeta{})
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	stats := m.Stats()
	assert.LessOrEqual(t, stats.StoredKeys, 3)
	assert.GreaterOrEqual(t, stats.Evictions, int64(1))
}

func TestPurgeExpired(t *testing.T) {
	cfg := testIdemConfig()
	cfg.KeyTTL = 10 * time.Millisecond
	m := NewManager(cfg)
	defer m.Stop()

	op := func(ctx context.Context) (interface{}, error) { return "ok", nil }
	_, err := m.ExecuteIdempotent(context.Background(), "key", op, RequestMeta{})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	m.purgeExpired()
	assert.Equal(t, 0, m.Stats().StoredKeys)
}
