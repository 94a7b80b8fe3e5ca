package service

import (
	"time"

	"github.com/stratakv/strata/internal/model"
)

// cacheTier is one capacity-bounded map-backed level (L2 or L3). L1 is
// library-backed LRU owned by CacheService. Tiers carry no lock of
// their own; the owning CacheService serializes access.
type cacheTier struct {
	name    model.Tier
	maxSize int
	entries map[string]*model.CacheEntry
	bytes   int64
}

func newCacheTier(name model.Tier, maxSize int) *cacheTier {
	return &cacheTier{
		name:    name,
		maxSize: maxSize,
		entries: make(map[string]*model.CacheEntry),
	}
}

func (t *cacheTier) get(key string) (*model.CacheEntry, bool) {
	entry, ok := t.entries[key]
	return entry, ok
}

func (t *cacheTier) put(entry *model.CacheEntry) {
	if prior, ok := t.entries[entry.Key]; ok {
		t.bytes -= prior.Size
	}
	entry.Tier = t.name
	t.entries[entry.Key] = entry
	t.bytes += entry.Size
}

func (t *cacheTier) remove(key string) (*model.CacheEntry, bool) {
	entry, ok := t.entries[key]
	if !ok {
		return nil, false
	}
	delete(t.entries, key)
	t.bytes -= entry.Size
	return entry, true
}

func (t *cacheTier) len() int {
	return len(t.entries)
}

func (t *cacheTier) clear() {
	t.entries = make(map[string]*model.CacheEntry)
	t.bytes = 0
}

// overflow returns the entries that must leave to bring the tier back
// to capacity, lowest-ranked first per the strategy.
func (t *cacheTier) overflow(strategy model.EvictionStrategy, now time.Time) []*model.CacheEntry {
	excess := len(t.entries) - t.maxSize
	if excess <= 0 {
		return nil
	}

	candidates := make([]*model.CacheEntry, 0, len(t.entries))
	for _, entry := range t.entries {
		candidates = append(candidates, entry)
	}
	rankForEviction(candidates, strategy, now)

	return candidates[:excess]
}
