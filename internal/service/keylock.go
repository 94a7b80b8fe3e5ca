package service

import (
	"sync"
	"sync/atomic"
)

const lockShards = 32

// keyLock is one per-key mutex plus the number of goroutines holding
// or waiting on it, so the shard can reclaim it after the last release.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

type lockShard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// LockRegistry hands out per-key mutexes so at most one miss-path
// computation per key is in flight at a time. Locks are created on
// demand and reclaimed once the last waiter releases; acquisition
// never fails, it only awaits.
type LockRegistry struct {
	shards    [lockShards]lockShard
	acquired  atomic.Uint64
	released  atomic.Uint64
	contended atomic.Uint64
}

// LockStats holds lock registry counters
type LockStats struct {
	Acquired  uint64 `json:"acquired"`
	Released  uint64 `json:"released"`
	Contended uint64 `json:"contended"`
	Active    int    `json:"active"`
}

// NewLockRegistry creates an empty lock registry
func NewLockRegistry() *LockRegistry {
	r := &LockRegistry{}
	for i := range r.shards {
		r.shards[i].locks = make(map[string]*keyLock)
	}
	return r
}

// Lock acquires the mutex for key, blocking while another goroutine
// holds it. The returned release function is idempotent and must be
// called on every exit path.
func (r *LockRegistry) Lock(key string) func() {
	shard := &r.shards[shardIndex(key)]

	shard.mu.Lock()
	l, ok := shard.locks[key]
	if !ok {
		l = &keyLock{}
		shard.locks[key] = l
	} else {
		r.contended.Add(1)
	}
	l.refs++
	shard.mu.Unlock()

	l.mu.Lock()
	r.acquired.Add(1)

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			r.released.Add(1)

			shard.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(shard.locks, key)
			}
			shard.mu.Unlock()
		})
	}
}

// Stats returns current lock registry counters
func (r *LockRegistry) Stats() LockStats {
	active := 0
	for i := range r.shards {
		r.shards[i].mu.Lock()
		active += len(r.shards[i].locks)
		r.shards[i].mu.Unlock()
	}

	return LockStats{
		Acquired:  r.acquired.Load(),
		Released:  r.released.Load(),
		Contended: r.contended.Load(),
		Active:    active,
	}
}

// shardIndex hashes key into a shard slot (FNV-1a).
func shardIndex(key string) int {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	h := uint64(offset64)
	for i := 0; i < len(key); i++ {
		h ^= uint64(key[i])
		h *= prime64
	}
	return int(h % lockShards)
}
