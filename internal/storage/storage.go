package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/telemetry-relay/pkg/config"
	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
	"github.com/NikhilSetiya/telemetry-relay/pkg/logging"
	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

// promotionAccessCount is how many reads of a warm/cold item trigger
// promotion to the hot tier
const promotionAccessCount = 3

// tier is one durability class with its own backend and quota
type tier struct {
	name        TierName
	maxSize     int64
	compression bool
	encryption  bool
	retention   time.Duration
	backend     Backend
	usedBytes   int64
}

// meta is the in-memory index entry for one stored item
type meta struct {
	id          string
	dataType    types.DataType
	priority    types.Priority
	timestamp   time.Time
	size        int64
	compressed  bool
	encrypted   bool
	retryCount  int
	tier        TierName
	expiresAt   time.Time
	checksum    string
	accessCount int
}

// record returns the persistable metadata for the entry
func (m *meta) record() ItemRecord {
	return ItemRecord{
		Type:       m.dataType,
		Priority:   m.priority,
		Tier:       m.tier,
		Timestamp:  m.timestamp,
		Size:       m.size,
		Compressed: m.compressed,
		Encrypted:  m.encrypted,
		RetryCount: m.retryCount,
		Checksum:   m.checksum,
	}
}

// TierStats is a snapshot of one tier's usage
type TierStats struct {
	Items     int    `json:"items"`
	UsedBytes int64  `json:"used_bytes"`
	MaxBytes  int64  `json:"max_bytes"`
	Backend   string `json:"backend"`
}

// Stats is a snapshot of the storage counters
type Stats struct {
	Tiers       map[string]TierStats `json:"tiers"`
	TotalItems  int                  `json:"total_items"`
	Stored      int64                `json:"stored"`
	Evictions   int64                `json:"evictions"`
	Expired     int64                `json:"expired"`
	Corruptions int64                `json:"corruptions"`
	Promotions  int64                `json:"promotions"`
}

// Storage is the tiered, quota-bounded durable buffer for payloads that
// could not be delivered and must be retried later.
//
// The item index is held in memory; the cold tier additionally persists each
// item's index metadata. TODO: rehydrate the index from the cold-tier table on
// startup so a restarted process can resume draining previously stored items.
type Storage struct {
	mu     sync.Mutex
	tiers  map[TierName]*tier
	index  map[string]*meta
	codec  *codec
	logger *logging.Logger

	stored      int64
	evictions   int64
	expired     int64
	corruptions int64
	promotions  int64

	sweepInterval time.Duration
	stopOnce      sync.Once
	stopCh        chan struct{}
}

// New creates tiered storage. Nil warm/cold backends fall back to in-memory
// storage; the cold tier encrypts only when an encryption key is configured.
func New(cfg config.StorageConfig, warm, cold Backend) *Storage {
	if warm == nil {
		warm = NewMemoryBackend()
	}
	if cold == nil {
		cold = NewMemoryBackend()
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	logger := logging.GetLogger()
	encryptCold := cfg.EncryptionKey != ""
	if !encryptCold {
		logger.Warn("Cold tier encryption disabled: no encryption key configured")
	}

	s := &Storage{
		tiers: map[TierName]*tier{
			TierHot: {
				name:      TierHot,
				maxSize:   cfg.HotMaxSize,
				retention: cfg.HotRetention,
				backend:   NewMemoryBackend(),
			},
			TierWarm: {
				name:        TierWarm,
				maxSize:     cfg.WarmMaxSize,
				compression: true,
				retention:   cfg.WarmRetention,
				backend:     warm,
			},
			TierCold: {
				name:        TierCold,
				maxSize:     cfg.ColdMaxSize,
				compression: true,
				encryption:  encryptCold,
				retention:   cfg.ColdRetention,
				backend:     cold,
			},
		},
		index:         make(map[string]*meta),
		codec:         newCodec(cfg.EncryptionKey),
		logger:        logger,
		sweepInterval: cfg.SweepInterval,
		stopCh:        make(chan struct{}),
	}

	go s.sweepLoop()
	return s
}

// Stop terminates the background sweep loop
func (s *Storage) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
}

// Store buffers a payload, selecting the tier from priority, size, and the
// force-sync flag, and evicting lower-priority items if the tier is full.
// Returns the generated item id.
func (s *Storage) Store(ctx context.Context, dataType types.DataType, data []byte, opts StoreOptions) (string, error) {
	if !opts.Priority.Valid() {
		opts.Priority = types.PriorityMedium
	}

	tierName := selectTier(opts.Priority, len(data), opts.ForceSync)
	t := s.tiers[tierName]

	size := int64(len(data))
	if size > t.maxSize {
		return "", errors.NewValidationError(fmt.Sprintf(
			"item of %d bytes exceeds %s tier capacity of %d bytes", size, tierName, t.maxSize))
	}

	encoded, err := s.codec.encode(data, t.compression, t.encryption)
	if err != nil {
		return "", err
	}

	ttl := t.retention
	if opts.TTL > 0 && opts.TTL < t.retention {
		ttl = opts.TTL
	}

	id := newItemID(dataType)
	now := time.Now()
	entry := &meta{
		id:         id,
		dataType:   dataType,
		priority:   opts.Priority,
		timestamp:  now,
		size:       size,
		compressed: t.compression,
		encrypted:  t.encryption,
		tier:       tierName,
		expiresAt:  now.Add(ttl),
		checksum:   checksum(data),
	}

	s.mu.Lock()
	if err := s.ensureCapacityLocked(ctx, t, size); err != nil {
		s.mu.Unlock()
		return "", err
	}
	t.usedBytes += size
	s.index[id] = entry
	s.stored++
	s.mu.Unlock()

	if err := putPayload(ctx, t.backend, id, encoded, ttl, entry.record()); err != nil {
		s.mu.Lock()
		t.usedBytes -= size
		delete(s.index, id)
		s.mu.Unlock()
		return "", err
	}

	s.logger.Debug("Item stored",
		"id", id,
		"tier", string(tierName),
		"size", size,
		"priority", string(opts.Priority),
	)
	return id, nil
}

// Retrieve returns the decoded item or nil when it is missing, expired, or
// corrupt. A checksum mismatch discards the item rather than returning it.
func (s *Storage) Retrieve(ctx context.Context, id string) (*StoredItem, error) {
	s.mu.Lock()
	entry, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		s.removeLocked(ctx, entry)
		s.expired++
		s.mu.Unlock()
		return nil, nil
	}
	snapshot := *entry
	t := s.tiers[entry.tier]
	s.mu.Unlock()

	encoded, found, err := t.backend.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !found {
		s.mu.Lock()
		if cur, still := s.index[id]; still {
			s.tiers[cur.tier].usedBytes -= cur.size
			delete(s.index, id)
		}
		s.mu.Unlock()
		return nil, nil
	}

	data, err := s.codec.decode(encoded, snapshot.compressed, snapshot.encrypted)
	if err != nil {
		s.discardCorrupt(ctx, id, err.Error())
		return nil, nil
	}

	if checksum(data) != snapshot.checksum {
		s.discardCorrupt(ctx, id, "checksum mismatch")
		return nil, nil
	}

	s.mu.Lock()
	entry, ok = s.index[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	entry.accessCount++
	item := s.itemFromMetaLocked(entry, data)
	promote := entry.tier != TierHot &&
		(entry.priority == types.PriorityCritical || entry.accessCount >= promotionAccessCount)
	s.mu.Unlock()

	if promote {
		s.promote(ctx, id, data)
	}

	return item, nil
}

// GetAllByType returns all live items of a type sorted by priority then age
func (s *Storage) GetAllByType(ctx context.Context, dataType types.DataType) ([]*StoredItem, error) {
	s.mu.Lock()
	ids := make([]string, 0)
	for id, entry := range s.index {
		if entry.dataType == dataType {
			ids = append(ids, id)
		}
	}
	index := s.index
	sort.Slice(ids, func(i, j int) bool {
		a, b := index[ids[i]], index[ids[j]]
		if a.priority.Rank() != b.priority.Rank() {
			return a.priority.Rank() < b.priority.Rank()
		}
		return a.timestamp.Before(b.timestamp)
	})
	s.mu.Unlock()

	items := make([]*StoredItem, 0, len(ids))
	for _, id := range ids {
		item, err := s.Retrieve(ctx, id)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, item)
		}
	}
	return items, nil
}

// Remove deletes an item from storage
func (s *Storage) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	entry, ok := s.index[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	s.removeLocked(ctx, entry)
	s.mu.Unlock()
	return nil
}

// IncrementRetryCount bumps the replay counter of a stored item
func (s *Storage) IncrementRetryCount(id string) {
	s.mu.Lock()
	if entry, ok := s.index[id]; ok {
		entry.retryCount++
	}
	s.mu.Unlock()
}

// Clear removes all items from all tiers
func (s *Storage) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tiers {
		if err := t.backend.Clear(ctx); err != nil {
			return err
		}
		t.usedBytes = 0
	}
	s.index = make(map[string]*meta)
	return nil
}

// ensureCapacityLocked frees quota in the tier: expired items first, then
// low-priority/oldest items. Caller holds the lock.
func (s *Storage) ensureCapacityLocked(ctx context.Context, t *tier, needed int64) error {
	if t.usedBytes+needed <= t.maxSize {
		return nil
	}

	now := time.Now()
	for _, entry := range s.index {
		if entry.tier == t.name && now.After(entry.expiresAt) {
			s.removeLocked(ctx, entry)
			s.expired++
		}
	}

	for t.usedBytes+needed > t.maxSize {
		victim := s.victimLocked(t.name)
		if victim == nil {
			return errors.NewInternalError(fmt.Sprintf(
				"cannot free %d bytes in %s tier", needed, t.name))
		}
		s.removeLocked(ctx, victim)
		s.evictions++
		s.logger.Debug("Evicted item to free quota",
			"id", victim.id,
			"tier", string(t.name),
			"priority", string(victim.priority),
		)
	}
	return nil
}

// victimLocked picks the eviction victim: lowest priority first, oldest
// first among ties. Caller holds the lock.
func (s *Storage) victimLocked(tierName TierName) *meta {
	var victim *meta
	for _, entry := range s.index {
		if entry.tier != tierName {
			continue
		}
		if victim == nil {
			victim = entry
			continue
		}
		if entry.priority.Rank() > victim.priority.Rank() ||
			(entry.priority.Rank() == victim.priority.Rank() && entry.timestamp.Before(victim.timestamp)) {
			victim = entry
		}
	}
	return victim
}

// removeLocked drops an item from the index and deletes its payload.
// Backend delete failures are logged, not surfaced; the sweep retries later.
func (s *Storage) removeLocked(ctx context.Context, entry *meta) {
	t := s.tiers[entry.tier]
	t.usedBytes -= entry.size
	if t.usedBytes < 0 {
		t.usedBytes = 0
	}
	delete(s.index, entry.id)

	if err := t.backend.Delete(ctx, entry.id); err != nil {
		s.logger.Warn("Failed to delete item payload",
			"id", entry.id,
			"tier", string(entry.tier),
			"error", err.Error(),
		)
	}
}

// discardCorrupt drops an item that failed decoding or checksum validation
func (s *Storage) discardCorrupt(ctx context.Context, id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.index[id]
	if !ok {
		return
	}
	s.removeLocked(ctx, entry)
	s.corruptions++
	s.logger.Warn("Discarded corrupt item", "id", id, "reason", reason)
}

// promote moves a frequently-accessed or critical item into the hot tier
func (s *Storage) promote(ctx context.Context, id string, data []byte) {
	s.mu.Lock()
	entry, ok := s.index[id]
	if !ok || entry.tier == TierHot {
		s.mu.Unlock()
		return
	}

	hot := s.tiers[TierHot]
	if err := s.ensureCapacityLocked(ctx, hot, entry.size); err != nil {
		s.mu.Unlock()
		return
	}

	from := s.tiers[entry.tier]
	from.usedBytes -= entry.size
	if from.usedBytes < 0 {
		from.usedBytes = 0
	}
	hot.usedBytes += entry.size

	prevTier := entry.tier
	entry.tier = TierHot
	entry.compressed = false
	entry.encrypted = false
	ttl := time.Until(entry.expiresAt)
	rec := entry.record()
	s.promotions++
	s.mu.Unlock()

	if err := putPayload(ctx, hot.backend, id, data, ttl, rec); err != nil {
		s.logger.Warn("Failed to promote item", "id", id, "error", err.Error())
		return
	}
	if err := from.backend.Delete(ctx, id); err != nil {
		s.logger.Warn("Failed to remove item from source tier after promotion",
			"id", id,
			"tier", string(prevTier),
			"error", err.Error(),
		)
	}

	s.logger.Debug("Item promoted to hot tier", "id", id, "from", string(prevTier))
}

// sweepLoop purges tier-expired items on a fixed interval, independent of
// read/write pressure
func (s *Storage) sweepLoop() {
	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep(context.Background())
		}
	}
}

func (s *Storage) sweep(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	purged := 0
	for _, entry := range s.index {
		if now.After(entry.expiresAt) {
			s.removeLocked(ctx, entry)
			s.expired++
			purged++
		}
	}
	if purged > 0 {
		s.logger.Debug("Sweep purged expired items", "count", purged)
	}
}

func (s *Storage) itemFromMetaLocked(entry *meta, data []byte) *StoredItem {
	return &StoredItem{
		ID:         entry.id,
		Type:       entry.dataType,
		Data:       data,
		Priority:   entry.priority,
		Timestamp:  entry.timestamp,
		Size:       entry.size,
		Compressed: entry.compressed,
		Encrypted:  entry.encrypted,
		RetryCount: entry.retryCount,
		Tier:       entry.tier,
		ExpiresAt:  entry.expiresAt,
		Checksum:   entry.checksum,
	}
}

// Stats returns a snapshot of storage usage and counters
func (s *Storage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{
		Tiers:       make(map[string]TierStats, len(s.tiers)),
		TotalItems:  len(s.index),
		Stored:      s.stored,
		Evictions:   s.evictions,
		Expired:     s.expired,
		Corruptions: s.corruptions,
		Promotions:  s.promotions,
	}

	counts := make(map[TierName]int)
	for _, entry := range s.index {
		counts[entry.tier]++
	}
	for name, t := range s.tiers {
		stats.Tiers[string(name)] = TierStats{
			Items:     counts[name],
			UsedBytes: t.usedBytes,
			MaxBytes:  t.maxSize,
			Backend:   t.backend.Name(),
		}
	}
	return stats
}
