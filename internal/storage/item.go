package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/NikhilSetiya/telemetry-relay/pkg/types"
)

// TierName identifies a storage tier
type TierName string

const (
	TierHot  TierName = "hot"
	TierWarm TierName = "warm"
	TierCold TierName = "cold"
)

// smallPayloadBytes routes small non-critical items to the warm tier
const smallPayloadBytes = 10 * 1024

// StoredItem is one buffered payload with its durability metadata
type StoredItem struct {
	ID         string         `json:"id"`
	Type       types.DataType `json:"type"`
	Data       []byte         `json:"data"`
	Priority   types.Priority `json:"priority"`
	Timestamp  time.Time      `json:"timestamp"`
	Size       int64          `json:"size"`
	Compressed bool           `json:"compressed"`
	Encrypted  bool           `json:"encrypted"`
	RetryCount int            `json:"retry_count"`
	Tier       TierName       `json:"tier"`
	ExpiresAt  time.Time      `json:"expires_at"`
	Checksum   string         `json:"checksum"`
}

// StoreOptions configures a single store call
type StoreOptions struct {
	Priority types.Priority
	TTL      time.Duration
	// ForceSync pins the item to the hot tier for immediate replay
	ForceSync bool
}

// newItemID generates an id namespaced by data type, e.g. "error_<uuid>"
func newItemID(dataType types.DataType) string {
	return fmt.Sprintf("%s_%s", dataType, uuid.New().String())
}

// selectTier maps (priority, size, forceSync) to a tier. Pure function; the
// caller applies quota checks separately.
func selectTier(priority types.Priority, size int, forceSync bool) TierName {
	if priority == types.PriorityCritical || forceSync {
		return TierHot
	}
	if priority == types.PriorityHigh || size < smallPayloadBytes {
		return TierWarm
	}
	return TierCold
}
