package model

import "time"

// Tier identifies one of the three in-memory cache tiers.
type Tier string

const (
	TierL1 Tier = "L1"
	TierL2 Tier = "L2"
	TierL3 Tier = "L3"
)

// EvictionStrategy defines how a full tier ranks entries for eviction
type EvictionStrategy string

const (
	EvictionLRU    EvictionStrategy = "lru"
	EvictionLFU    EvictionStrategy = "lfu"
	EvictionFIFO   EvictionStrategy = "fifo"
	EvictionTTL    EvictionStrategy = "ttl"
	EvictionSize   EvictionStrategy = "size"
	EvictionHybrid EvictionStrategy = "hybrid"
)

// WriteMode defines how mutations reach the backing store. WriteThrough
// persists synchronously inside the mutating call; WriteBack buffers
// mutations and flushes them on an interval.
type WriteMode string

const (
	WriteThrough WriteMode = "write-through"
	WriteBack    WriteMode = "write-back"
)

// CacheEntry represents a single cached value and its bookkeeping.
// Entries cross package boundaries by value: callers always receive
// clones, never pointers into live tier state.
type CacheEntry struct {
	Key            string     `json:"key"`
	Value          []byte     `json:"value"`
	Tier           Tier       `json:"tier"`
	Size           int64      `json:"size"`
	Hits           int64      `json:"hits"`
	Misses         int64      `json:"misses"` // lookups that found the entry expired
	CreatedAt      time.Time  `json:"created_at"`
	LastAccessedAt time.Time  `json:"last_accessed_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"` // nil means no expiry
	Frequency      int64      `json:"frequency"`
	InsertionOrder uint64     `json:"insertion_order"`
	Promotions     int64      `json:"promotions"`
	Demotions      int64      `json:"demotions"`
}

// Clone returns a deep copy of the entry.
func (e *CacheEntry) Clone() *CacheEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Value != nil {
		c.Value = make([]byte, len(e.Value))
		copy(c.Value, e.Value)
	}
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// Expired reports whether the entry's TTL has elapsed at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// BatchItem is a single key-value pair in a batch set operation
type BatchItem struct {
	Key   string        `json:"key"`
	Value []byte        `json:"value"`
	TTL   time.Duration `json:"ttl,omitempty"`  // 0 means default TTL
	Size  int64         `json:"size,omitempty"` // 0 means estimate from lengths
}
