package syncer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/telemetry-relay/internal/storage"
	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

func newTestStore(t *testing.T) *storage.Storage {
	t.Helper()
	s := storage.New(config.StorageConfig{
		HotMaxSize:    64 * 1024,
		WarmMaxSize:   64 * 1024,
		ColdMaxSize:   64 * 1024,
		HotRetention:  time.Hour,
		WarmRetention: time.Hour,
		ColdRetention: time.Hour,
		SweepInterval: time.Hour,
	}, nil, nil)
	t.Cleanup(s.Stop)
	return s
}

func storeItems(t *testing.T, s *storage.Storage, dataType types.DataType, priority types.Priority, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := s.Store(context.Background(), dataType, []byte(`{"event":"test"}`), storage.StoreOptions{Priority: priority})
		require.NoError(t, err)
	}
}

// recordingOp captures every batch it is handed and fails according to
// the configured error plan
type recordingOp struct {
	mu      sync.Mutex
	batches [][]*storage.StoredItem
	failFor map[string]int // item id -> remaining failures
}

func newRecordingOp() *recordingOp {
	return &recordingOp{failFor: make(map[string]int)}
}

func (r *recordingOp) op(ctx context.Context, items []*storage.StoredItem) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
	for _, item := range items {
		if remaining, ok := r.failFor[item.ID]; ok && remaining > 0 {
			r.failFor[item.ID] = remaining - 1
			return errors.New("delivery failed")
		}
	}
	return nil
}

func (r *recordingOp) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestSync_DrainsAndRemovesItems(t *testing.T) {
	store := newTestStore(t)
	storeItems(t, store, types.DataTypeError, types.PriorityMedium, 3)

	op := newRecordingOp()
	m := NewManager(store, op.op, nil)

	result, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Synced)
	assert.Equal(t, 0, result.Failed)

	// synced items are gone from storage
	remaining, err := store.GetAllByType(context.Background(), types.DataTypeError)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.Runs)
	assert.Equal(t, int64(3), stats.ItemsSynced)
	assert.False(t, stats.LastRun.IsZero())
}

func TestSync_EmptyStoreIsNoOp(t *testing.T) {
	store := newTestStore(t)
	op := newRecordingOp()
	m := NewManager(store, op.op, nil)

	result, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Result{}, result)
	assert.Equal(t, 0, op.calls())
}

func TestSync_BatchSizeBoundsDeliveries(t *testing.T) {
	store := newTestStore(t)
	storeItems(t, store, types.DataTypeSession, types.PriorityMedium, 5)

	op := newRecordingOp()
	m := NewManager(store, op.op, []types.DataType{types.DataTypeSession})
	m.SetBatchSize(types.PriorityMedium, 2)

	result, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, result.Synced)

	// 5 items at batch size 2 means batches of 2, 2, 1
	require.Equal(t, 3, op.calls())
	assert.Len(t, op.batches[0], 2)
	assert.Len(t, op.batches[1], 2)
	assert.Len(t, op.batches[2], 1)
}

func TestSync_BatchFailureFallsBackToIndividualRetries(t *testing.T) {
	store := newTestStore(t)
	storeItems(t, store, types.DataTypeError, types.PriorityMedium, 3)

	items, err := store.GetAllByType(context.Background(), types.DataTypeError)
	require.NoError(t, err)
	require.Len(t, items, 3)

	// one poison item fails the batch delivery once, then succeeds on
	// its individual retry
	op := newRecordingOp()
	op.failFor[items[0].ID] = 1

	m := NewManager(store, op.op, []types.DataType{types.DataTypeError})
	result, err := m.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Synced)
	assert.Equal(t, 0, result.Failed)

	remaining, err := store.GetAllByType(context.Background(), types.DataTypeError)
	require.NoError(t, err)
	assert.Empty(t, remaining)

	assert.Equal(t, int64(1), m.Stats().BatchFailures)
}

func TestSync_PersistentFailureLeavesItemStored(t *testing.T) {
	store := newTestStore(t)
	storeItems(t, store, types.DataTypeError, types.PriorityMedium, 2)

	items, err := store.GetAllByType(context.Background(), types.DataTypeError)
	require.NoError(t, err)
	require.Len(t, items, 2)

	// enough failures to exhaust the batch attempt plus every
	// individual retry
	op := newRecordingOp()
	op.failFor[items[0].ID] = 100

	m := NewManager(store, op.op, []types.DataType{types.DataTypeError})
	result, err := m.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, result.Synced)
	assert.Equal(t, 1, result.Failed)

	remaining, err := store.GetAllByType(context.Background(), types.DataTypeError)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, items[0].ID, remaining[0].ID)
	// failed item carries its retry count for operator visibility
	assert.Equal(t, 1, remaining[0].RetryCount)

	stats := m.Stats()
	assert.Equal(t, int64(1), stats.ItemsFailed)
	assert.Equal(t, "delivery failed", stats.LastError)
}

func TestSync_DrainsHigherPriorityFirst(t *testing.T) {
	store := newTestStore(t)
	storeItems(t, store, types.DataTypeError, types.PriorityLow, 2)
	storeItems(t, store, types.DataTypeError, types.PriorityCritical, 2)

	op := newRecordingOp()
	m := NewManager(store, op.op, []types.DataType{types.DataTypeError})

	_, err := m.Sync(context.Background())
	require.NoError(t, err)

	require.GreaterOrEqual(t, op.calls(), 2)
	assert.Equal(t, types.PriorityCritical, op.batches[0][0].Priority)
	last := op.batches[len(op.batches)-1]
	assert.Equal(t, types.PriorityLow, last[0].Priority)
}

func TestSync_CanceledContextStopsPass(t *testing.T) {
	store := newTestStore(t)
	storeItems(t, store, types.DataTypeError, types.PriorityMedium, 4)

	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(store, func(ctx context.Context, items []*storage.StoredItem) error {
		cancel()
		return nil
	}, []types.DataType{types.DataTypeError})
	m.SetBatchSize(types.PriorityMedium, 1)

	_, err := m.Sync(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	remaining, rerr := store.GetAllByType(context.Background(), types.DataTypeError)
	require.NoError(t, rerr)
	assert.NotEmpty(t, remaining)
}

func TestStartStop_BackgroundLoopDrains(t *testing.T) {
	store := newTestStore(t)
	storeItems(t, store, types.DataTypeError, types.PriorityMedium, 2)

	op := newRecordingOp()
	m := NewManager(store, op.op, nil)
	m.Start(func() time.Duration { return 10 * time.Millisecond })
	defer m.Stop()

	require.Eventually(t, func() bool {
		return m.Stats().ItemsSynced == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestResetStats(t *testing.T) {
	store := newTestStore(t)
	storeItems(t, store, types.DataTypeError, types.PriorityMedium, 1)

	op := newRecordingOp()
	m := NewManager(store, op.op, nil)
	_, err := m.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Stats().Runs)

	m.ResetStats()
	assert.Equal(t, Stats{}, m.Stats())
}
