package storage

import (
	"context"
	"sync"
	"time"

	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

// Backend stores encoded payload bytes keyed by item id. Quota accounting
// lives in the storage index; backends that can also persist the index
// metadata implement RecordBackend.
type Backend interface {
	Put(ctx context.Context, id string, data []byte, ttl time.Duration) error
	Get(ctx context.Context, id string) ([]byte, bool, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) error
	Name() string
}

// ItemRecord is the index metadata persisted alongside a payload so the
// index can be rebuilt after a restart
type ItemRecord struct {
	Type       types.DataType
	Priority   types.Priority
	Tier       TierName
	Timestamp  time.Time
	Size       int64
	Compressed bool
	Encrypted  bool
	RetryCount int
	Checksum   string
}

// RecordBackend is a Backend that persists item metadata, not just bytes
type RecordBackend interface {
	Backend
	PutRecord(ctx context.Context, id string, data []byte, ttl time.Duration, rec ItemRecord) error
}

// putPayload writes through the metadata-aware path when the backend has one
func putPayload(ctx context.Context, b Backend, id string, data []byte, ttl time.Duration, rec ItemRecord) error {
	if rb, ok := b.(RecordBackend); ok {
		return rb.PutRecord(ctx, id, data, ttl, rec)
	}
	return b.Put(ctx, id, data, ttl)
}

// memoryBackend is the in-process backend used for the hot tier and as the
// fallback when a persistent backend is not configured
type memoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryBackend creates an in-memory backend
func NewMemoryBackend() Backend {
	return &memoryBackend{data: make(map[string][]byte)}
}

func (b *memoryBackend) Put(ctx context.Context, id string, data []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	b.data[id] = stored
	return nil
}

func (b *memoryBackend) Get(ctx context.Context, id string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.data[id]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (b *memoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, id)
	return nil
}

func (b *memoryBackend) Clear(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make(map[string][]byte)
	return nil
}

func (b *memoryBackend) Name() string {
	return "memory"
}
