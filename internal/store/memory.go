package store

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore implements BackingStore with an in-memory map. It is the
// default backend for single-process deployments and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string]*memoryItem
	logger   *zap.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryItem struct {
	value     []byte
	size      int64
	expiresAt time.Time // zero means no expiry
}

func (i *memoryItem) expired(now time.Time) bool {
	return !i.expiresAt.IsZero() && now.After(i.expiresAt)
}

// NewMemoryStore creates a new in-memory store. janitorInterval
// controls how often expired entries are swept; zero disables the
// sweeper and expiry happens lazily on reads.
func NewMemoryStore(janitorInterval time.Duration, logger *zap.Logger) *MemoryStore {
	s := &MemoryStore{
		data:   make(map[string]*memoryItem),
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if janitorInterval > 0 {
		go s.janitor(janitorInterval)
	}

	return s
}

// Get retrieves a value, treating expired entries as absent.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	item, exists := s.data[key]
	s.mu.RUnlock()

	if !exists || item.expired(time.Now()) {
		return nil, ErrNotFound
	}

	out := make([]byte, len(item.value))
	copy(out, item.value)
	return out, nil
}

// Set stores a value with an optional TTL.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, size int64, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)

	item := &memoryItem{value: stored, size: size}
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.data[key] = item
	s.mu.Unlock()
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

// Clear removes every entry.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	s.data = make(map[string]*memoryItem)
	s.mu.Unlock()
	return nil
}

// Stats reports live entry count and total stored bytes.
func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var st Stats
	for _, item := range s.data {
		if item.expired(now) {
			continue
		}
		st.TotalEntries++
		st.TotalCompressedSize += item.size
	}
	return st, nil
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	return nil
}

// janitor periodically removes expired entries
func (s *MemoryStore) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *MemoryStore) sweep() {
	now := time.Now()

	s.mu.Lock()
	removed := 0
	for key, item := range s.data {
		if item.expired(now) {
			delete(s.data, key)
			removed++
		}
	}
	s.mu.Unlock()

	if removed > 0 && s.logger != nil {
		s.logger.Debug("Swept expired entries", zap.Int("removed", removed))
	}
}
