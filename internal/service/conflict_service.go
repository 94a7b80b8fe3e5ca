package service

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/strata/internal/algorithm"
	"github.com/stratakv/strata/internal/errors"
	"github.com/stratakv/strata/internal/model"
	"github.com/stratakv/strata/internal/util"
)

// ConflictService detects concurrent writes and resolves them per the
// configured strategy. Unresolved conflicts stay pending until a
// resolve pass or a strategy change clears them.
type ConflictService struct {
	vcOps  *algorithm.VectorClockOps
	logger *zap.Logger

	mu       sync.Mutex
	strategy model.ConflictStrategy
	resolver model.ConflictResolver
	pending  map[string]*model.Conflict
}

// NewConflictService creates a conflict service using the given
// strategy. resolver is only consulted under the custom strategy.
func NewConflictService(strategy model.ConflictStrategy, resolver model.ConflictResolver, logger *zap.Logger) *ConflictService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConflictService{
		vcOps:    algorithm.NewVectorClockOps(),
		logger:   logger,
		strategy: strategy,
		resolver: resolver,
		pending:  make(map[string]*model.Conflict),
	}
}

// Configure swaps the active strategy and resolver.
func (s *ConflictService) Configure(strategy model.ConflictStrategy, resolver model.ConflictResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategy = strategy
	s.resolver = resolver
}

// Detect compares a remote entry against the local latest for its key.
// Concurrent clocks yield a pending conflict; ordered clocks yield nil
// with an indication of whether the remote entry supersedes local
// state.
func (s *ConflictService) Detect(local, remote *model.ReplicationEntry) (*model.Conflict, model.VectorClockComparison) {
	cmp := s.vcOps.Compare(remote.VectorClock, local.VectorClock)
	if cmp != model.Concurrent {
		return nil, cmp
	}

	conflict := &model.Conflict{
		Key:        remote.Key,
		Local:      local.Clone(),
		Remote:     remote.Clone(),
		DetectedAt: time.Now().UnixMilli(),
	}

	s.mu.Lock()
	s.pending[conflict.Key] = conflict
	s.mu.Unlock()

	s.logger.Debug("Conflict detected",
		zap.String("key", conflict.Key),
		zap.String("local_node", local.NodeID),
		zap.String("remote_node", remote.NodeID))

	return conflict, cmp
}

// Resolve picks a winner for the conflict, merges both vector clocks
// into it and stamps the conflict with the outcome. The resolved entry
// carries the union clock so both lineages are dominated.
func (s *ConflictService) Resolve(conflict *model.Conflict) (*model.ReplicationEntry, error) {
	s.mu.Lock()
	strategy := s.strategy
	resolver := s.resolver
	s.mu.Unlock()

	var winner *model.ReplicationEntry
	switch strategy {
	case model.LastWriteWins:
		winner = laterOf(conflict.Local, conflict.Remote)
	case model.FirstWriteWins:
		winner = earlierOf(conflict.Local, conflict.Remote)
	case model.VectorClockWins:
		winner = s.resolveByClock(conflict.Local, conflict.Remote)
	case model.MergeValues:
		winner = mergeEntries(conflict.Local, conflict.Remote)
	case model.CustomResolution:
		if resolver == nil {
			return nil, errors.ConflictUnresolved(conflict.Key)
		}
		winner = resolver(conflict.Local, conflict.Remote)
		if winner == nil {
			return nil, errors.ConflictUnresolved(conflict.Key)
		}
	default:
		winner = laterOf(conflict.Local, conflict.Remote)
	}

	resolution := winner.Clone()
	resolution.VectorClock = s.vcOps.Merge(conflict.Local.VectorClock, conflict.Remote.VectorClock)
	// Merged or resolver-built values no longer match the winner's
	// checksum; restamp so the commit-side verification holds.
	resolution.Checksum = util.ComputeChecksum(resolution.Value)

	conflict.Resolution = resolution
	conflict.Strategy = strategy

	s.mu.Lock()
	delete(s.pending, conflict.Key)
	s.mu.Unlock()

	s.logger.Debug("Conflict resolved",
		zap.String("key", conflict.Key),
		zap.String("strategy", string(strategy)),
		zap.String("winner_node", resolution.NodeID))

	return resolution, nil
}

// Pending returns the conflicts awaiting resolution.
func (s *ConflictService) Pending() []*model.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Conflict, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, c)
	}
	return out
}

// PendingCount returns the number of unresolved conflicts.
func (s *ConflictService) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Reset discards every pending conflict. Used when local state is
// replaced wholesale, such as a snapshot restore.
func (s *ConflictService) Reset() {
	s.mu.Lock()
	s.pending = make(map[string]*model.Conflict)
	s.mu.Unlock()
}

// resolveByClock prefers causal order and falls back to timestamps
// when the clocks are concurrent.
func (s *ConflictService) resolveByClock(local, remote *model.ReplicationEntry) *model.ReplicationEntry {
	switch s.vcOps.Compare(local.VectorClock, remote.VectorClock) {
	case model.Before:
		return remote
	case model.After:
		return local
	default:
		return laterOf(local, remote)
	}
}

// mergeEntries shallow-merges two JSON object values, remote keys
// winning. Values that are not both objects fall back to
// last-write-wins.
func mergeEntries(local, remote *model.ReplicationEntry) *model.ReplicationEntry {
	var localObj, remoteObj map[string]interface{}
	if json.Unmarshal(local.Value, &localObj) != nil || localObj == nil ||
		json.Unmarshal(remote.Value, &remoteObj) != nil || remoteObj == nil {
		return laterOf(local, remote)
	}

	for k, v := range remoteObj {
		localObj[k] = v
	}
	merged, err := json.Marshal(localObj)
	if err != nil {
		return laterOf(local, remote)
	}

	out := laterOf(local, remote).Clone()
	out.Value = merged
	return out
}

// laterOf returns the entry with the higher timestamp, exact ties
// broken by node id so every replica picks the same winner.
func laterOf(local, remote *model.ReplicationEntry) *model.ReplicationEntry {
	if local.Timestamp != remote.Timestamp {
		if local.Timestamp > remote.Timestamp {
			return local
		}
		return remote
	}
	if local.NodeID > remote.NodeID {
		return local
	}
	return remote
}

// earlierOf returns the entry with the lower timestamp, ties broken by
// node id so every replica picks the same winner.
func earlierOf(local, remote *model.ReplicationEntry) *model.ReplicationEntry {
	if local.Timestamp != remote.Timestamp {
		if local.Timestamp < remote.Timestamp {
			return local
		}
		return remote
	}
	if local.NodeID < remote.NodeID {
		return local
	}
	return remote
}
