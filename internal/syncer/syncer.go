package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/NikhilSetiya/telemetry-relay/internal/storage"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/metrics"
	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

// maxItemRetries is how many individual retries a failed batch item gets
// before being left in storage for the next pass
const maxItemRetries = 2

// Operation delivers one batch of stored items to the backend
type Operation func(ctx context.Context, items []*storage.StoredItem) error

// IntervalFunc supplies the delay before the next background sync pass,
// letting health recommendations stretch the cadence under degradation
type IntervalFunc func() time.Duration

// Result summarizes one sync pass
type Result struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// Stats is a snapshot of the sync counters
type Stats struct {
	Runs          int64     `json:"runs"`
	ItemsSynced   int64     `json:"items_synced"`
	ItemsFailed   int64     `json:"items_failed"`
	BatchFailures int64     `json:"batch_failures"`
	LastRun       time.Time `json:"last_run"`
	LastError     string    `json:"last_error,omitempty"`
}

// Manager drains stored items in priority-ordered batches through a
// caller-supplied delivery operation, removing items once synced
type Manager struct {
	mu        sync.Mutex
	store     *storage.Storage
	op        Operation
	dataTypes []types.DataType
	batchSize map[types.Priority]int
	metrics   *metrics.Metrics
	logger    *logging.Logger

	stats    Stats
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a sync manager draining the given data types
func NewManager(store *storage.Storage, op Operation, dataTypes []types.DataType) *Manager {
	if len(dataTypes) == 0 {
		dataTypes = []types.DataType{types.DataTypeError, types.DataTypeSession, types.DataTypeNetwork}
	}
	return &Manager{
		store:     store,
		op:        op,
		dataTypes: dataTypes,
		batchSize: map[types.Priority]int{
			types.PriorityCritical: 10,
			types.PriorityHigh:     25,
			types.PriorityMedium:   50,
			types.PriorityLow:      100,
		},
		logger: logging.GetLogger(),
		stopCh: make(chan struct{}),
	}
}

// SetMetrics attaches drain counters. Must be called before Start.
func (m *Manager) SetMetrics(collectors *metrics.Metrics) {
	m.metrics = collectors
}

// Start launches the background drain loop. The interval function is
// consulted before each pass so the cadence adapts to current health.
func (m *Manager) Start(interval IntervalFunc) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-m.stopCh:
				return
			case <-time.After(interval()):
				if _, err := m.Sync(context.Background()); err != nil {
					m.logger.Warn("Background sync pass failed", "error", err.Error())
				}
			}
		}
	}()
}

// Stop terminates the background loop and waits for it to exit
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

// Sync runs one drain pass: pending items grouped by priority into bounded
// batches, failed batches retried item by item up to a small cap
func (m *Manager) Sync(ctx context.Context) (Result, error) {
	var result Result
	var lastErr error

	for _, dataType := range m.dataTypes {
		items, err := m.store.GetAllByType(ctx, dataType)
		if err != nil {
			lastErr = err
			continue
		}
		if len(items) == 0 {
			continue
		}

		byPriority := make(map[types.Priority][]*storage.StoredItem)
		for _, item := range items {
			byPriority[item.Priority] = append(byPriority[item.Priority], item)
		}

		// GetAllByType already sorts by priority then age; drain in that order
		for _, priority := range []types.Priority{types.PriorityCritical, types.PriorityHigh, types.PriorityMedium, types.PriorityLow} {
			pending := byPriority[priority]
			limit := m.batchSize[priority]

			for len(pending) > 0 {
				batch := pending
				if len(batch) > limit {
					batch = batch[:limit]
				}
				pending = pending[len(batch):]

				synced, failed, err := m.syncBatch(ctx, batch)
				result.Synced += synced
				result.Failed += failed
				if err != nil {
					lastErr = err
				}

				select {
				case <-ctx.Done():
					m.finishPass(result, ctx.Err())
					return result, ctx.Err()
				default:
				}
			}
		}
	}

	m.finishPass(result, lastErr)
	return result, lastErr
}

// syncBatch delivers one batch; on batch failure each item is retried
// individually so one poison item cannot block the rest
func (m *Manager) syncBatch(ctx context.Context, batch []*storage.StoredItem) (synced, failed int, lastErr error) {
	if err := m.op(ctx, batch); err == nil {
		for _, item := range batch {
			if rerr := m.store.Remove(ctx, item.ID); rerr != nil {
				m.logger.Warn("Failed to remove synced item", "id", item.ID, "error", rerr.Error())
			}
		}
		return len(batch), 0, nil
	}

	m.mu.Lock()
	m.stats.BatchFailures++
	m.mu.Unlock()

	for _, item := range batch {
		var itemErr error
		for attempt := 0; attempt <= maxItemRetries; attempt++ {
			itemErr = m.op(ctx, []*storage.StoredItem{item})
			if itemErr == nil {
				break
			}
		}
		if itemErr == nil {
			if rerr := m.store.Remove(ctx, item.ID); rerr != nil {
				m.logger.Warn("Failed to remove synced item", "id", item.ID, "error", rerr.Error())
			}
			synced++
			continue
		}

		// left in storage for the next pass
		m.store.IncrementRetryCount(item.ID)
		failed++
		lastErr = itemErr
	}
	return synced, failed, lastErr
}

func (m *Manager) finishPass(result Result, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stats.Runs++
	m.stats.ItemsSynced += int64(result.Synced)
	m.stats.ItemsFailed += int64(result.Failed)
	m.stats.LastRun = time.Now()
	if err != nil {
		m.stats.LastError = err.Error()
	} else {
		m.stats.LastError = ""
	}

	if m.metrics != nil {
		m.metrics.RecordSynced("synced", result.Synced)
		m.metrics.RecordSynced("failed", result.Failed)
	}

	if result.Synced > 0 || result.Failed > 0 {
		m.logger.Info("Sync pass completed",
			"synced", result.Synced,
			"failed", result.Failed,
		)
	}
}

// SetBatchSize overrides the batch bound for one priority
func (m *Manager) SetBatchSize(priority types.Priority, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size > 0 {
		m.batchSize[priority] = size
	}
}

// Stats returns a snapshot of the sync counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// ResetStats clears the sync counters
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = Stats{}
}
