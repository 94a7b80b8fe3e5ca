package service

import (
	"sort"
	"time"

	"github.com/stratakv/strata/internal/model"
)

// hybridScore combines access frequency with recency age in seconds.
// Lower scores are evicted first.
func hybridScore(e *model.CacheEntry, now time.Time) float64 {
	frequency := float64(e.Frequency)
	recencyAge := now.Sub(e.LastAccessedAt).Seconds()
	return 0.5*frequency - 0.5*recencyAge
}

// evictionLess returns the comparator for the given strategy. Entries
// for which it reports "less" rank lower and are evicted first. Ties
// fall back to insertion order so eviction is deterministic.
func evictionLess(strategy model.EvictionStrategy, now time.Time) func(a, b *model.CacheEntry) bool {
	byInsertion := func(a, b *model.CacheEntry) bool {
		return a.InsertionOrder < b.InsertionOrder
	}

	switch strategy {
	case model.EvictionLFU:
		return func(a, b *model.CacheEntry) bool {
			if a.Frequency != b.Frequency {
				return a.Frequency < b.Frequency
			}
			return byInsertion(a, b)
		}
	case model.EvictionFIFO:
		return byInsertion
	case model.EvictionTTL:
		return func(a, b *model.CacheEntry) bool {
			// Entries without expiry sort last.
			switch {
			case a.ExpiresAt == nil && b.ExpiresAt == nil:
				return byInsertion(a, b)
			case a.ExpiresAt == nil:
				return false
			case b.ExpiresAt == nil:
				return true
			case !a.ExpiresAt.Equal(*b.ExpiresAt):
				return a.ExpiresAt.Before(*b.ExpiresAt)
			}
			return byInsertion(a, b)
		}
	case model.EvictionSize:
		return func(a, b *model.CacheEntry) bool {
			if a.Size != b.Size {
				return a.Size > b.Size
			}
			return byInsertion(a, b)
		}
	case model.EvictionHybrid:
		return func(a, b *model.CacheEntry) bool {
			sa, sb := hybridScore(a, now), hybridScore(b, now)
			if sa != sb {
				return sa < sb
			}
			return byInsertion(a, b)
		}
	default:
		// LRU and anything unrecognized: oldest access first.
		return func(a, b *model.CacheEntry) bool {
			if !a.LastAccessedAt.Equal(b.LastAccessedAt) {
				return a.LastAccessedAt.Before(b.LastAccessedAt)
			}
			return byInsertion(a, b)
		}
	}
}

// rankForEviction sorts entries so the eviction candidates come first.
func rankForEviction(entries []*model.CacheEntry, strategy model.EvictionStrategy, now time.Time) {
	less := evictionLess(strategy, now)
	sort.Slice(entries, func(i, j int) bool {
		return less(entries[i], entries[j])
	})
}
