package service

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stratakv/strata/internal/errors"
	"github.com/stratakv/strata/internal/model"
	"github.com/stratakv/strata/internal/util"
)

// SnapshotConfig controls capture and retention behavior.
type SnapshotConfig struct {
	NodeID            string
	RetentionPeriod   time.Duration // snapshots older than this are pruned
	MaxSnapshots      int           // newest N snapshots survive pruning
	CompressThreshold int           // payloads above this many bytes are compressed
}

// SnapshotService captures point-in-time images of cache and
// replication state and retains them in memory for restore. Payloads
// are checksummed before storage and verified before decode, so a
// corrupted snapshot is rejected rather than restored.
type SnapshotService struct {
	cfg    SnapshotConfig
	logger *zap.Logger

	mu        sync.RWMutex
	snapshots map[string]*model.Snapshot
}

// NewSnapshotService builds a snapshot store with the given retention
// policy.
func NewSnapshotService(cfg SnapshotConfig, logger *zap.Logger) *SnapshotService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 10
	}
	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = 24 * time.Hour
	}
	return &SnapshotService{
		cfg:       cfg,
		logger:    logger,
		snapshots: make(map[string]*model.Snapshot),
	}
}

// Capture serializes state into a new retained snapshot. The checksum
// covers the uncompressed JSON encoding; compression happens after, so
// verification always runs against the decoded bytes.
func (s *SnapshotService) Capture(state *model.SnapshotState) (*model.Snapshot, error) {
	if state == nil || state.Cache == nil {
		return nil, errors.InvalidArgument("snapshot state is empty", nil)
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, errors.InternalError("encode snapshot", err)
	}
	checksum := util.ComputeChecksum(raw)

	payload := raw
	compressed := false
	if s.cfg.CompressThreshold > 0 && len(raw) > s.cfg.CompressThreshold {
		payload = util.Compress(raw)
		compressed = true
	}

	snap := &model.Snapshot{
		Metadata: model.SnapshotMetadata{
			ID:         uuid.New().String(),
			Version:    state.Version,
			Timestamp:  time.Now(),
			NodeID:     s.cfg.NodeID,
			EntryCount: len(state.Cache.Entries),
			Size:       int64(len(payload)),
			Compressed: compressed,
			Checksum:   checksum,
		},
		Payload: payload,
	}

	s.mu.Lock()
	s.snapshots[snap.Metadata.ID] = snap
	pruned := s.pruneLocked(time.Now())
	s.mu.Unlock()

	s.logger.Info("Snapshot captured",
		zap.String("snapshot_id", snap.Metadata.ID),
		zap.Uint64("version", snap.Metadata.Version),
		zap.Int("entries", snap.Metadata.EntryCount),
		zap.Int64("size_bytes", snap.Metadata.Size),
		zap.Bool("compressed", compressed),
		zap.Int("pruned", pruned))

	return snap, nil
}

// Decode verifies and deserializes the snapshot with the given id. The
// checksum is validated before any bytes are interpreted.
func (s *SnapshotService) Decode(id string) (*model.SnapshotState, error) {
	snap, err := s.Get(id)
	if err != nil {
		return nil, err
	}

	raw := snap.Payload
	if snap.Metadata.Compressed {
		raw, err = util.Decompress(raw)
		if err != nil {
			return nil, errors.MalformedPayload("decompress snapshot", err)
		}
	}

	if actual := util.ComputeChecksum(raw); actual != snap.Metadata.Checksum {
		return nil, errors.ChecksumFailed(snap.Metadata.Checksum, actual)
	}

	var state model.SnapshotState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, errors.MalformedPayload("decode snapshot", err)
	}
	if state.Cache == nil {
		return nil, errors.MalformedPayload("decode snapshot", errors.New("missing cache payload"))
	}
	return &state, nil
}

// Get returns the retained snapshot with the given id.
func (s *SnapshotService) Get(id string) (*model.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return nil, errors.SnapshotNotFound(id)
	}
	return snap, nil
}

// List returns metadata for every retained snapshot, newest first.
func (s *SnapshotService) List() []model.SnapshotMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.SnapshotMetadata, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap.Metadata)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out
}

// Count returns the number of retained snapshots.
func (s *SnapshotService) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots)
}

// Delete removes one snapshot by id.
func (s *SnapshotService) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[id]; !ok {
		return errors.SnapshotNotFound(id)
	}
	delete(s.snapshots, id)
	return nil
}

// Prune applies the retention policy as of now and returns how many
// snapshots were dropped.
func (s *SnapshotService) Prune(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneLocked(now)
}

// pruneLocked drops snapshots past the retention period, then trims the
// remainder to the newest MaxSnapshots. Callers hold mu.
func (s *SnapshotService) pruneLocked(now time.Time) int {
	dropped := 0
	cutoff := now.Add(-s.cfg.RetentionPeriod)
	for id, snap := range s.snapshots {
		if snap.Metadata.Timestamp.Before(cutoff) {
			delete(s.snapshots, id)
			dropped++
		}
	}

	if len(s.snapshots) <= s.cfg.MaxSnapshots {
		return dropped
	}

	metas := make([]model.SnapshotMetadata, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		metas = append(metas, snap.Metadata)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Timestamp.After(metas[j].Timestamp) })
	for _, meta := range metas[s.cfg.MaxSnapshots:] {
		delete(s.snapshots, meta.ID)
		dropped++
	}
	return dropped
}
