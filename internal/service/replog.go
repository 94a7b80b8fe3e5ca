package service

import (
	"sort"
	"sync"
	"time"

	"github.com/stratakv/strata/internal/model"
	"github.com/stratakv/strata/internal/util"
)

// replicationLog is the append-only, version-ordered record of local
// mutations. Entries are immutable once appended. The latest index maps
// each key to its newest entry for conflict checks against incoming
// remote writes.
type replicationLog struct {
	mu      sync.RWMutex
	entries []*model.ReplicationEntry
	latest  map[string]*model.ReplicationEntry
	head    uint64
	floor   uint64 // versions at or below floor have been compacted away
}

func newReplicationLog() *replicationLog {
	return &replicationLog{
		latest: make(map[string]*model.ReplicationEntry),
	}
}

// append records one local mutation stamped with the node's current
// vector clock and returns the new entry.
func (l *replicationLog) append(op model.OpType, key string, value []byte, clock model.VectorClock, nodeID string) *model.ReplicationEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.head++
	entry := &model.ReplicationEntry{
		Key:         key,
		Value:       append([]byte(nil), value...),
		Op:          op,
		Timestamp:   time.Now().UnixMilli(),
		Version:     l.head,
		VectorClock: clock.Clone(),
		NodeID:      nodeID,
		Checksum:    util.ComputeChecksum(value),
	}

	l.entries = append(l.entries, entry)
	l.latest[key] = entry

	return entry
}

// record registers an already-resolved entry (a conflict winner) as the
// key's latest without extending the shippable log.
func (l *replicationLog) record(entry *model.ReplicationEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest[entry.Key] = entry.Clone()
}

// tail returns entries with versions strictly greater than from.
// Returned entries are shared and must be treated as read-only.
func (l *replicationLog) tail(from uint64) []*model.ReplicationEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from >= l.head {
		return nil
	}

	out := make([]*model.ReplicationEntry, 0, l.head-from)
	for _, entry := range l.entries {
		if entry.Version > from {
			out = append(out, entry)
		}
	}
	return out
}

// latestFor returns the newest logged entry for key.
func (l *replicationLog) latestFor(key string) (*model.ReplicationEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.latest[key]
	return entry, ok
}

// latestEntries returns the newest entry per key sorted by version. It
// substitutes for tail when a peer has fallen behind the compaction
// floor and the contiguous history is gone.
func (l *replicationLog) latestEntries() []*model.ReplicationEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*model.ReplicationEntry, 0, len(l.latest))
	for _, entry := range l.latest {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out
}

// firstAfter returns the oldest retained entry with a version strictly
// greater than v, used to measure how stale a peer is.
func (l *replicationLog) firstAfter(v uint64) (*model.ReplicationEntry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, entry := range l.entries {
		if entry.Version > v {
			return entry, true
		}
	}
	return nil, false
}

// version returns the current head version.
func (l *replicationLog) version() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// oldest returns the lowest version still retained.
func (l *replicationLog) oldest() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.floor
}

// size returns the number of retained entries.
func (l *replicationLog) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// compactBelow drops entries with versions at or below upTo. The latest
// index keeps its references so conflict detection still sees the
// newest write per key.
func (l *replicationLog) compactBelow(upTo uint64) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	if upTo <= l.floor {
		return 0
	}

	kept := l.entries[:0]
	dropped := 0
	for _, entry := range l.entries {
		if entry.Version > upTo {
			kept = append(kept, entry)
		} else {
			dropped++
		}
	}
	l.entries = kept
	l.floor = upTo

	return dropped
}

// reset discards the log and re-seeds the head version, used when a
// snapshot restore replaces local state wholesale.
func (l *replicationLog) reset(version uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries = nil
	l.latest = make(map[string]*model.ReplicationEntry)
	l.head = version
	l.floor = version
}
