package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

// maxAttemptsPerKey bounds how many times a failing key may be re-driven
// before its entry is evicted and the next caller starts fresh
const maxAttemptsPerKey = 3

// Status is the lifecycle state of an idempotent request
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// RequestMeta carries the request identity used for fingerprinting
type RequestMeta struct {
	Fingerprint Fingerprint
	BypassCache bool
}

// request tracks one idempotency key's lifecycle
type request struct {
	key          string
	fingerprint  Fingerprint
	status       Status
	response     interface{}
	err          error
	attempts     int
	createdAt    time.Time
	lastAttempt  time.Time
	completedAt  time.Time
	cacheExpires time.Time
	done         chan struct{}
}

// Stats is a snapshot of the manager's counters
type Stats struct {
	StoredKeys  int   `json:"stored_keys"`
	Pending     int   `json:"pending"`
	CacheHits   int64 `json:"cache_hits"`
	CacheMisses int64 `json:"cache_misses"`
	Coalesced   int64 `json:"coalesced"`
	Evictions   int64 `json:"evictions"`
	Rejections  int64 `json:"rejections"`
}

// Manager deduplicates concurrent and repeated logical requests by key and
// optionally caches successful responses
type Manager struct {
	mu     sync.Mutex
	config config.IdempotencyConfig
	logger *logging.Logger

	requests map[string]*request

	cacheHits   int64
	cacheMisses int64
	coalesced   int64
	evictions   int64
	rejections  int64

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates an idempotency manager and starts its TTL purge loop
func NewManager(cfg config.IdempotencyConfig) *Manager {
	if cfg.KeyTTL <= 0 {
		cfg.KeyTTL = 5 * time.Minute
	}
	if cfg.MaxConcurrentRequests <= 0 {
		cfg.MaxConcurrentRequests = 10
	}
	if cfg.MaxStoredKeys <= 0 {
		cfg.MaxStoredKeys = 1000
	}
	if cfg.PurgeInterval <= 0 {
		cfg.PurgeInterval = 30 * time.Second
	}

	m := &Manager{
		config:   cfg,
		logger:   logging.GetLogger(),
		requests: make(map[string]*request),
		stopCh:   make(chan struct{}),
	}
	go m.purgeLoop()
	return m
}

// Stop terminates the background purge loop
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// ExecuteIdempotent runs the operation under the idempotency key. Concurrent
// callers with the same key await a single execution; cached successful
// responses are served until the response cache TTL expires.
func (m *Manager) ExecuteIdempotent(ctx context.Context, key string, operation types.Operation, meta RequestMeta) (interface{}, error) {
	for {
		m.mu.Lock()
		req, exists := m.requests[key]
		now := time.Now()

		if !exists {
			if m.pendingLocked() >= m.config.MaxConcurrentRequests {
				m.rejections++
				m.mu.Unlock()
				return nil, errors.NewConcurrencyLimitError("too many pending idempotent requests")
			}
			m.evictOverflowLocked()
			req = &request{
				key:         key,
				fingerprint: meta.Fingerprint,
				status:      StatusPending,
				attempts:    1,
				createdAt:   now,
				lastAttempt: now,
				done:        make(chan struct{}),
			}
			m.requests[key] = req
			m.cacheMisses++
			m.mu.Unlock()
			return m.runAsOwner(ctx, req, operation)
		}

		switch req.status {
		case StatusCompleted:
			cacheable := m.config.ResponseCacheTTL > 0 && now.Before(req.cacheExpires)
			if cacheable && !meta.BypassCache {
				m.cacheHits++
				response := req.response
				m.mu.Unlock()
				return response, nil
			}
			// Expired or bypassed: evict and start fresh.
			delete(m.requests, key)
			m.mu.Unlock()

		case StatusFailed:
			if req.attempts < maxAttemptsPerKey {
				req.attempts++
				req.status = StatusPending
				req.lastAttempt = now
				req.done = make(chan struct{})
				m.mu.Unlock()
				return m.runAsOwner(ctx, req, operation)
			}
			m.evictions++
			delete(m.requests, key)
			m.mu.Unlock()

		case StatusPending:
			m.coalesced++
			done := req.done
			m.mu.Unlock()

			select {
			case <-done:
				m.mu.Lock()
				// The entry may have been purged between settle and wake-up.
				settled, still := m.requests[key]
				if still && settled == req && req.status == StatusCompleted {
					response := req.response
					m.mu.Unlock()
					return response, nil
				}
				m.mu.Unlock()
				// Failed or evicted: loop to retry or start fresh.
			case <-ctx.Done():
				return nil, errors.Classify(0, ctx.Err())
			}
		}
	}
}

// runAsOwner executes the operation for the entry this caller owns and
// settles the entry for any waiters
func (m *Manager) runAsOwner(ctx context.Context, req *request, operation types.Operation) (interface{}, error) {
	result, err := operation(ctx)

	m.mu.Lock()
	now := time.Now()
	if err == nil {
		req.status = StatusCompleted
		req.response = result
		req.completedAt = now
		req.cacheExpires = now.Add(m.config.ResponseCacheTTL)
	} else {
		// Failures are never cached.
		req.status = StatusFailed
		req.err = err
	}
	close(req.done)
	m.mu.Unlock()

	return result, err
}

// pendingLocked counts in-flight entries; caller holds the lock
func (m *Manager) pendingLocked() int {
	pending := 0
	for _, req := range m.requests {
		if req.status == StatusPending {
			pending++
		}
	}
	return pending
}

// evictOverflowLocked drops the oldest entries (by creation time) until there
// is room for one more key; caller holds the lock
func (m *Manager) evictOverflowLocked() {
	for len(m.requests) >= m.config.MaxStoredKeys {
		var oldestKey string
		var oldestAt time.Time
		for key, req := range m.requests {
			if req.status == StatusPending {
				continue
			}
			if oldestKey == "" || req.createdAt.Before(oldestAt) {
				oldestKey = key
				oldestAt = req.createdAt
			}
		}
		if oldestKey == "" {
			return
		}
		delete(m.requests, oldestKey)
		m.evictions++
	}
}

// purgeLoop drops entries past the key TTL on a fixed interval
func (m *Manager) purgeLoop() {
	ticker := time.NewTicker(m.config.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.purgeExpired()
		}
	}
}

func (m *Manager) purgeExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-m.config.KeyTTL)
	purged := 0
	for key, req := range m.requests {
		if req.status != StatusPending && req.createdAt.Before(cutoff) {
			delete(m.requests, key)
			purged++
		}
	}
	if purged > 0 {
		m.logger.Debug("Purged expired idempotency keys", "count", purged)
	}
}

// Stats returns a snapshot of the manager's counters
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Stats{
		StoredKeys:  len(m.requests),
		Pending:     m.pendingLocked(),
		CacheHits:   m.cacheHits,
		CacheMisses: m.cacheMisses,
		Coalesced:   m.coalesced,
		Evictions:   m.evictions,
		Rejections:  m.rejections,
	}
}

// ResetStats clears counters and stored entries for test harnesses
func (m *Manager) ResetStats() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = make(map[string]*request)
	m.cacheHits = 0
	m.cacheMisses = 0
	m.coalesced = 0
	m.evictions = 0
	m.rejections = 0
}
