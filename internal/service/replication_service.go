package service

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stratakv/strata/internal/algorithm"
	"github.com/stratakv/strata/internal/errors"
	"github.com/stratakv/strata/internal/metrics"
	"github.com/stratakv/strata/internal/model"
	"github.com/stratakv/strata/internal/transport"
	"github.com/stratakv/strata/internal/util"
	"github.com/stratakv/strata/internal/util/workerpool"
)

// logCompactionMinEntries is the retained-entry count below which the
// replication log is never compacted.
const logCompactionMinEntries = 1024

// ReplicationConfig holds the coordinator's runtime settings. NodeID,
// Region and Endpoint identify the local node and are fixed at
// construction; everything else can change through Configure.
type ReplicationConfig struct {
	NodeID   string
	Region   string
	Endpoint string

	Mode             model.ReplicationMode
	Consistency      model.ConsistencyLevel
	ConflictStrategy model.ConflictStrategy

	SyncInterval        time.Duration
	HeartbeatInterval   time.Duration
	HealthCheckInterval time.Duration
	SnapshotInterval    time.Duration // 0 disables the snapshot loop

	WriteQuorum       int
	ReadQuorum        int
	MaxLag            time.Duration
	CompressThreshold int // delta bytes above which payloads are compressed
	RequestTimeout    time.Duration
}

func normalizeReplicationConfig(cfg *ReplicationConfig) {
	if cfg.Mode == "" {
		cfg.Mode = model.PrimaryReplica
	}
	if cfg.Consistency == "" {
		cfg.Consistency = model.ConsistencyEventual
	}
	if cfg.ConflictStrategy == "" {
		cfg.ConflictStrategy = model.LastWriteWins
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.WriteQuorum <= 0 {
		cfg.WriteQuorum = 1
	}
	if cfg.ReadQuorum <= 0 {
		cfg.ReadQuorum = 1
	}
	if cfg.MaxLag <= 0 {
		cfg.MaxLag = 30 * time.Second
	}
	if cfg.CompressThreshold <= 0 {
		cfg.CompressThreshold = 1024
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
}

func validateReplicationConfig(cfg *ReplicationConfig) error {
	switch cfg.Mode {
	case model.PrimaryReplica, model.MultiPrimary:
	default:
		return errors.InvalidArgument("unknown replication mode "+string(cfg.Mode), nil)
	}
	switch cfg.Consistency {
	case model.ConsistencyEventual, model.ConsistencyStrong, model.ConsistencyCausal:
	default:
		return errors.InvalidArgument("unknown consistency level "+string(cfg.Consistency), nil)
	}
	switch cfg.ConflictStrategy {
	case model.LastWriteWins, model.FirstWriteWins, model.VectorClockWins,
		model.MergeValues, model.CustomResolution:
	default:
		return errors.InvalidArgument("unknown conflict strategy "+string(cfg.ConflictStrategy), nil)
	}
	return nil
}

// ReplicationStats is a point-in-time snapshot of coordinator state.
type ReplicationStats struct {
	NodeID            string                   `json:"node_id"`
	Mode              model.ReplicationMode    `json:"mode"`
	Consistency       model.ConsistencyLevel   `json:"consistency"`
	ConflictStrategy  model.ConflictStrategy   `json:"conflict_strategy"`
	Nodes             int                      `json:"nodes"`
	NodesByHealth     map[model.NodeHealth]int `json:"nodes_by_health"`
	PrimaryID         string                   `json:"primary_id,omitempty"`
	CurrentVersion    uint64                   `json:"current_version"`
	OldestVersion     uint64                   `json:"oldest_version"`
	LogSize           int                      `json:"log_size"`
	PendingConflicts  int                      `json:"pending_conflicts"`
	ConflictsDetected uint64                   `json:"conflicts_detected"`
	ConflictsResolved uint64                   `json:"conflicts_resolved"`
	Failovers         uint64                   `json:"failovers"`
	SyncsAttempted    uint64                   `json:"syncs_attempted"`
	SyncsFailed       uint64                   `json:"syncs_failed"`
	EntriesShipped    uint64                   `json:"entries_shipped"`
	EntriesApplied    uint64                   `json:"entries_applied"`
	Snapshots         int                      `json:"snapshots"`
	CausalBuffered    int                      `json:"causal_buffered"`
}

// nodeActivity accumulates per-node sync counters between health
// passes. Guarded by the coordinator mutex.
type nodeActivity struct {
	attempts uint64
	failures uint64
	shipped  uint64
	since    time.Time
}

// ReplicationService coordinates a replica set around the local cache:
// it records local mutations into a version-ordered log, ships deltas
// to peers, applies inbound deltas with conflict resolution, tracks
// node health and owns snapshots. It implements MutationRecorder for
// the cache and transport.DeltaHandler for inbound traffic.
type ReplicationService struct {
	nodeID    string
	cache     *CacheService
	transport transport.Transport
	conflicts *ConflictService
	snapshots *SnapshotService
	pool      *workerpool.Pool
	ownPool   bool
	vcOps     *algorithm.VectorClockOps
	quorum    *algorithm.QuorumCalculator
	metrics   *metrics.Metrics
	events    ReplicationEvents
	logger    *zap.Logger

	log *replicationLog

	mu       sync.RWMutex
	cfg      ReplicationConfig
	resolver model.ConflictResolver
	health   *HealthService
	nodes    map[string]*model.ReplicaNode
	clock    model.VectorClock
	// applied holds, per origin node, the highest contiguously applied
	// log version. It is a fast duplicate filter; per-key conflict
	// checks remain the correctness backstop for out-of-order arrivals.
	applied map[string]uint64
	// buffers holds causally premature entries per origin, keyed by the
	// origin's clock counter so redelivery overwrites instead of piling up.
	buffers  map[string]map[uint64]*model.ReplicationEntry
	activity map[string]*nodeActivity
	started  bool
	stopCh   chan struct{}

	loops sync.WaitGroup

	syncsAttempted    atomic.Uint64
	syncsFailed       atomic.Uint64
	entriesShipped    atomic.Uint64
	entriesApplied    atomic.Uint64
	conflictsDetected atomic.Uint64
	conflictsResolved atomic.Uint64
	failovers         atomic.Uint64
}

// NewReplicationService creates the coordinator and registers it as the
// cache's mutation recorder. conflicts, snapshots, pool, m and events
// may be nil; nil values get service-owned defaults. tr must route to
// a registry the local node is (or will be) registered in.
func NewReplicationService(cfg ReplicationConfig, cache *CacheService, tr transport.Transport, conflicts *ConflictService, snapshots *SnapshotService, pool *workerpool.Pool, m *metrics.Metrics, events ReplicationEvents, logger *zap.Logger) (*ReplicationService, error) {
	if cfg.NodeID == "" {
		return nil, errors.InvalidArgument("node id must not be empty", nil)
	}
	if cache == nil {
		return nil, errors.InvalidArgument("cache service is required", nil)
	}
	if tr == nil {
		return nil, errors.InvalidArgument("transport is required", nil)
	}
	normalizeReplicationConfig(&cfg)
	if err := validateReplicationConfig(&cfg); err != nil {
		return nil, err
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = NopReplicationEvents{}
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry(), cfg.NodeID)
	}
	if conflicts == nil {
		conflicts = NewConflictService(cfg.ConflictStrategy, nil, logger)
	}
	if snapshots == nil {
		snapshots = NewSnapshotService(SnapshotConfig{
			NodeID:            cfg.NodeID,
			CompressThreshold: cfg.CompressThreshold,
		}, logger)
	}
	ownPool := false
	if pool == nil {
		pool = workerpool.NewPool("replication", 2, 32, logger)
		ownPool = true
	}

	s := &ReplicationService{
		nodeID:    cfg.NodeID,
		cache:     cache,
		transport: tr,
		conflicts: conflicts,
		snapshots: snapshots,
		pool:      pool,
		ownPool:   ownPool,
		vcOps:     algorithm.NewVectorClockOps(),
		quorum:    algorithm.NewQuorumCalculator(),
		metrics:   m,
		events:    events,
		logger:    logger,
		log:       newReplicationLog(),
		cfg:       cfg,
		health: NewHealthService(&HealthConfig{
			HeartbeatInterval: cfg.HeartbeatInterval,
			MaxLag:            cfg.MaxLag,
		}, logger),
		nodes:    make(map[string]*model.ReplicaNode),
		clock:    model.VectorClock{},
		applied:  make(map[string]uint64),
		buffers:  make(map[string]map[uint64]*model.ReplicationEntry),
		activity: make(map[string]*nodeActivity),
	}

	s.nodes[cfg.NodeID] = &model.ReplicaNode{
		ID:            cfg.NodeID,
		Region:        cfg.Region,
		Endpoint:      cfg.Endpoint,
		IsPrimary:     cfg.Mode == model.PrimaryReplica,
		Health:        model.NodeHealthy,
		LastHeartbeat: time.Now(),
		VectorClock:   model.VectorClock{},
		Weight:        1,
	}

	cache.SetMutationRecorder(s)

	logger.Info("Replication coordinator created",
		zap.String("node_id", cfg.NodeID),
		zap.String("mode", string(cfg.Mode)),
		zap.String("consistency", string(cfg.Consistency)),
		zap.String("conflict_strategy", string(cfg.ConflictStrategy)))

	return s, nil
}

// SetConflictResolver installs the resolver consulted under the custom
// strategy.
func (s *ReplicationService) SetConflictResolver(r model.ConflictResolver) {
	s.mu.Lock()
	s.resolver = r
	strategy := s.cfg.ConflictStrategy
	s.mu.Unlock()
	s.conflicts.Configure(strategy, r)
}

// Start launches the sync, heartbeat, health and snapshot loops.
func (s *ReplicationService) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	cfg := s.cfg
	s.mu.Unlock()

	s.loops.Add(3)
	go s.syncLoop(cfg.SyncInterval, stopCh)
	go s.heartbeatLoop(cfg.HeartbeatInterval, stopCh)
	go s.healthLoop(cfg.HealthCheckInterval, stopCh)
	if cfg.SnapshotInterval > 0 {
		s.loops.Add(1)
		go s.snapshotLoop(cfg.SnapshotInterval, stopCh)
	}

	s.logger.Info("Replication loops started",
		zap.Duration("sync_interval", cfg.SyncInterval),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval),
		zap.Duration("health_check_interval", cfg.HealthCheckInterval),
		zap.Duration("snapshot_interval", cfg.SnapshotInterval))
}

// Stop halts the loops and waits for them to exit. The coordinator can
// be restarted afterwards.
func (s *ReplicationService) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	close(s.stopCh)
	s.mu.Unlock()

	s.loops.Wait()
	if s.ownPool {
		_ = s.pool.Stop(5 * time.Second)
	}
	s.logger.Info("Replication loops stopped")
}

// Configure applies new runtime settings, restarting the loops when
// they were running. The local identity fields are preserved.
func (s *ReplicationService) Configure(next ReplicationConfig) error {
	if next.NodeID != "" && next.NodeID != s.nodeID {
		return errors.InvalidArgument("node id cannot change at runtime", nil)
	}

	s.mu.RLock()
	next.NodeID = s.cfg.NodeID
	if next.Region == "" {
		next.Region = s.cfg.Region
	}
	if next.Endpoint == "" {
		next.Endpoint = s.cfg.Endpoint
	}
	s.mu.RUnlock()

	normalizeReplicationConfig(&next)
	if err := validateReplicationConfig(&next); err != nil {
		return err
	}

	s.mu.Lock()
	running := s.started
	s.mu.Unlock()
	if running {
		s.Stop()
	}

	s.mu.Lock()
	s.cfg = next
	resolver := s.resolver
	s.health = NewHealthService(&HealthConfig{
		HeartbeatInterval: next.HeartbeatInterval,
		MaxLag:            next.MaxLag,
	}, s.logger)
	s.mu.Unlock()

	s.conflicts.Configure(next.ConflictStrategy, resolver)

	if running {
		s.Start()
	}

	s.logger.Info("Replication reconfigured",
		zap.String("mode", string(next.Mode)),
		zap.String("consistency", string(next.Consistency)),
		zap.String("conflict_strategy", string(next.ConflictStrategy)),
		zap.Int("write_quorum", next.WriteQuorum),
		zap.Int("read_quorum", next.ReadQuorum))
	return nil
}

func (s *ReplicationService) configSnapshot() ReplicationConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// RecordSet logs a committed local write. Part of MutationRecorder.
func (s *ReplicationService) RecordSet(key string, value []byte) {
	s.recordMutation(model.OpSet, key, value)
}

// RecordDelete logs a committed local delete. Part of MutationRecorder.
func (s *ReplicationService) RecordDelete(key string) {
	s.recordMutation(model.OpDelete, key, nil)
}

func (s *ReplicationService) recordMutation(op model.OpType, key string, value []byte) {
	s.mu.Lock()
	s.clock = s.vcOps.Increment(s.clock, s.nodeID)
	entry := s.log.append(op, key, value, s.clock, s.nodeID)
	if local, ok := s.nodes[s.nodeID]; ok {
		local.Version = entry.Version
		local.VectorClock = s.clock.Clone()
	}
	s.mu.Unlock()
}

// AddReplica registers a peer. The new node starts healthy with a fresh
// heartbeat and receives a full bootstrap sync in the background. In
// primary-replica mode an incoming primary claim is dropped when a
// primary already exists.
func (s *ReplicationService) AddReplica(ctx context.Context, node *model.ReplicaNode) error {
	if node == nil || node.ID == "" {
		return errors.InvalidArgument("replica node id must not be empty", nil)
	}

	n := node.Clone()
	n.Health = model.NodeHealthy
	n.LastHeartbeat = time.Now()
	if n.Weight <= 0 {
		n.Weight = 1
	}
	if n.VectorClock == nil {
		n.VectorClock = model.VectorClock{}
	}

	s.mu.Lock()
	if _, exists := s.nodes[n.ID]; exists {
		s.mu.Unlock()
		return errors.NodeExists(n.ID)
	}
	if n.IsPrimary {
		switch {
		case s.cfg.Mode == model.MultiPrimary:
			n.IsPrimary = false
		case s.primaryLocked() != nil:
			n.IsPrimary = false
			s.logger.Warn("Dropping primary claim, a primary already exists",
				zap.String("node_id", n.ID))
		}
	}
	s.nodes[n.ID] = n
	total, healthy := s.peerCountsLocked()
	s.mu.Unlock()

	s.metrics.UpdatePeerStats(total, healthy)
	s.logger.Info("Replica added",
		zap.String("node_id", n.ID),
		zap.String("region", n.Region),
		zap.String("endpoint", n.Endpoint))

	task := workerpool.Task{
		ID: "bootstrap-sync-" + n.ID,
		Fn: func(taskCtx context.Context) error {
			return s.syncNode(taskCtx, n.ID, true, false)
		},
	}
	if err := s.pool.Submit(task); err != nil {
		s.logger.Warn("Bootstrap sync not scheduled, periodic sync will cover it",
			zap.String("node_id", n.ID), zap.Error(err))
	}
	return nil
}

// RemoveReplica unregisters a peer. The primary and the local node
// cannot be removed.
func (s *ReplicationService) RemoveReplica(nodeID string) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return errors.NodeNotFound(nodeID)
	}
	if node.IsPrimary {
		s.mu.Unlock()
		return errors.PrimaryRemoval(nodeID)
	}
	if nodeID == s.nodeID {
		s.mu.Unlock()
		return errors.InvalidArgument("cannot remove the local node", nil)
	}
	delete(s.nodes, nodeID)
	delete(s.buffers, nodeID)
	delete(s.applied, nodeID)
	delete(s.activity, nodeID)
	total, healthy := s.peerCountsLocked()
	s.mu.Unlock()

	s.metrics.UpdatePeerStats(total, healthy)
	s.logger.Info("Replica removed", zap.String("node_id", nodeID))
	return nil
}

// PromoteReplica makes the target node primary. In primary-replica mode
// exactly the previous primary is demoted. Counts as a failover.
func (s *ReplicationService) PromoteReplica(nodeID string) error {
	s.mu.Lock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.Unlock()
		return errors.NodeNotFound(nodeID)
	}
	if node.IsPrimary {
		s.mu.Unlock()
		return nil
	}

	previousID := ""
	if s.cfg.Mode == model.PrimaryReplica {
		if previous := s.primaryLocked(); previous != nil {
			previous.IsPrimary = false
			previousID = previous.ID
		}
	}
	node.IsPrimary = true
	s.mu.Unlock()

	s.failovers.Add(1)
	s.metrics.RecordFailover()
	s.events.OnPrimaryChanged(previousID, nodeID)
	s.logger.Info("Replica promoted to primary",
		zap.String("node_id", nodeID),
		zap.String("previous_primary", previousID))
	return nil
}

// Nodes returns a clone of every known node, sorted by id.
func (s *ReplicationService) Nodes() []*model.ReplicaNode {
	s.mu.RLock()
	out := make([]*model.ReplicaNode, 0, len(s.nodes))
	for _, node := range s.nodes {
		out = append(out, node.Clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Primary returns a clone of the current primary, if any.
func (s *ReplicationService) Primary() (*model.ReplicaNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p := s.primaryLocked(); p != nil {
		return p.Clone(), true
	}
	return nil, false
}

func (s *ReplicationService) primaryLocked() *model.ReplicaNode {
	for _, node := range s.nodes {
		if node.IsPrimary {
			return node
		}
	}
	return nil
}

func (s *ReplicationService) peerCountsLocked() (total, healthy int) {
	total = len(s.nodes)
	for _, node := range s.nodes {
		if node.Health == model.NodeHealthy {
			healthy++
		}
	}
	return total, healthy
}

func (s *ReplicationService) remoteIDs() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		if id != s.nodeID {
			out = append(out, id)
		}
	}
	s.mu.RUnlock()

	sort.Strings(out)
	return out
}

// NodeJoined registers a gossiped peer, or refreshes contact when it is
// already known. Part of the cluster membership sink.
func (s *ReplicationService) NodeJoined(node *model.ReplicaNode) {
	if node == nil || node.ID == s.nodeID {
		return
	}
	if err := s.AddReplica(context.Background(), node); err != nil {
		if errors.CodeOf(err) == errors.ErrCodeNodeExists {
			s.refreshNodeMeta(node)
			return
		}
		s.logger.Warn("Gossiped node rejected", zap.String("node_id", node.ID), zap.Error(err))
	}
}

// NodeLeft marks a departed peer offline immediately. Membership is
// kept so the node resumes where it left off if it returns.
func (s *ReplicationService) NodeLeft(nodeID string) {
	if nodeID == s.nodeID {
		return
	}
	var from model.NodeHealth
	changed := false
	s.mu.Lock()
	if node, ok := s.nodes[nodeID]; ok && node.Health != model.NodeOffline {
		from = node.Health
		node.Health = model.NodeOffline
		changed = true
	}
	total, healthy := s.peerCountsLocked()
	s.mu.Unlock()

	if changed {
		s.metrics.UpdatePeerStats(total, healthy)
		s.metrics.UpdateNodeHealth(nodeID, model.NodeOffline.Severity())
		s.events.OnNodeHealthChanged(nodeID, from, model.NodeOffline)
		s.logger.Info("Node left the cluster", zap.String("node_id", nodeID))
	}
}

// NodeUpdated merges refreshed gossip metadata for a known peer.
func (s *ReplicationService) NodeUpdated(node *model.ReplicaNode) {
	if node == nil || node.ID == s.nodeID {
		return
	}
	s.refreshNodeMeta(node)
}

// refreshNodeMeta updates mutable peer attributes and counts the
// contact. Renewed contact recovers an offline node to healthy.
func (s *ReplicationService) refreshNodeMeta(meta *model.ReplicaNode) {
	var from model.NodeHealth
	changed := false
	s.mu.Lock()
	node, ok := s.nodes[meta.ID]
	if ok {
		if meta.Endpoint != "" {
			node.Endpoint = meta.Endpoint
		}
		if meta.Region != "" {
			node.Region = meta.Region
		}
		if meta.Capacity > 0 {
			node.Capacity = meta.Capacity
		}
		node.Used = meta.Used
		node.LastHeartbeat = time.Now()
		if node.Health == model.NodeOffline {
			from = node.Health
			node.Health = model.NodeHealthy
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.metrics.UpdateNodeHealth(meta.ID, model.NodeHealthy.Severity())
		s.events.OnNodeHealthChanged(meta.ID, from, model.NodeHealthy)
	}
}

// Write stores a value through the local cache and, under strong
// consistency, synchronously replicates it until the write quorum acks.
// A quorum shortfall returns QUORUM_NOT_REACHED; the local apply is
// kept and background sync finishes the fan-out.
func (s *ReplicationService) Write(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.cache.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return s.afterLocalMutation(ctx, key)
}

// DeleteReplicated removes a key through the local cache and replicates
// the tombstone. Reports whether any tier held the key locally.
func (s *ReplicationService) DeleteReplicated(ctx context.Context, key string) (bool, error) {
	found, err := s.cache.Delete(ctx, key)
	if err != nil {
		return found, err
	}
	return found, s.afterLocalMutation(ctx, key)
}

func (s *ReplicationService) afterLocalMutation(ctx context.Context, key string) error {
	cfg := s.configSnapshot()
	if cfg.Consistency != model.ConsistencyStrong {
		return nil
	}
	entry, ok := s.log.latestFor(key)
	if !ok {
		return nil
	}
	return s.replicateEntry(ctx, cfg, entry.Clone())
}

// replicateEntry ships one entry to every remote and enforces the write
// quorum, counting the local apply as the first ack.
func (s *ReplicationService) replicateEntry(ctx context.Context, cfg ReplicationConfig, entry *model.ReplicationEntry) error {
	start := time.Now()
	remotes := s.remoteIDs()
	required := s.quorum.RequiredAcks(model.ConsistencyStrong, len(remotes)+1, cfg.WriteQuorum)

	acks := 1
	if len(remotes) > 0 && required > 1 {
		delta, err := s.buildDelta(entry.Version-1, entry.Version, []*model.ReplicationEntry{entry})
		if err != nil {
			return err
		}

		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, nodeID := range remotes {
			nodeID := nodeID
			g.Go(func() error {
				cctx, cancel := context.WithTimeout(gctx, cfg.RequestTimeout)
				defer cancel()

				s.noteSyncAttempt(nodeID)
				ack, err := s.transport.SendDelta(cctx, nodeID, delta)
				if err != nil {
					s.noteSyncFailure(nodeID, err)
					return nil
				}
				s.noteSyncSuccess(nodeID, ack, 1, delta.Size)

				mu.Lock()
				acks++
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	s.metrics.RecordQuorumWrite(time.Since(start).Seconds())
	if !s.quorum.IsQuorumReached(acks, required) {
		return errors.QuorumNotReached(acks, required)
	}
	return nil
}

// Read returns the value for key. Under strong consistency it gathers
// the read quorum across peers and serves the causally freshest entry;
// otherwise it reads the local cache.
func (s *ReplicationService) Read(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, errors.InvalidArgument("key must not be empty", nil)
	}

	cfg := s.configSnapshot()
	if cfg.Consistency != model.ConsistencyStrong {
		return s.readLocal(ctx, key)
	}

	remotes := s.remoteIDs()
	required := s.quorum.RequiredAcks(model.ConsistencyStrong, len(remotes)+1, cfg.ReadQuorum)

	var best *model.ReplicationEntry
	if entry, ok := s.log.latestFor(key); ok {
		best = entry.Clone()
	}
	acks := 1

	if len(remotes) > 0 && required > 1 {
		var mu sync.Mutex
		g, gctx := errgroup.WithContext(ctx)
		for _, nodeID := range remotes {
			nodeID := nodeID
			g.Go(func() error {
				cctx, cancel := context.WithTimeout(gctx, cfg.RequestTimeout)
				defer cancel()

				entry, err := s.transport.FetchEntry(cctx, nodeID, key)
				if err != nil {
					s.logger.Debug("Fetch failed",
						zap.String("node_id", nodeID), zap.Error(err))
					return nil
				}

				// A nil entry is a definitive "not here" and still acks.
				mu.Lock()
				acks++
				best = s.fresherOf(best, entry)
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	if !s.quorum.IsQuorumReached(acks, required) {
		return nil, false, errors.QuorumNotReached(acks, required)
	}
	if best == nil {
		// Never replicated anywhere; fall back to unreplicated local state.
		return s.readLocal(ctx, key)
	}
	if best.Op == model.OpDelete {
		return nil, false, nil
	}
	return append([]byte(nil), best.Value...), true, nil
}

func (s *ReplicationService) readLocal(ctx context.Context, key string) ([]byte, bool, error) {
	entry, found, err := s.cache.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	return entry.Value, true, nil
}

// fresherOf picks the causally newer entry, falling back to timestamps
// for concurrent or identical clocks.
func (s *ReplicationService) fresherOf(a, b *model.ReplicationEntry) *model.ReplicationEntry {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	switch s.vcOps.Compare(a.VectorClock, b.VectorClock) {
	case model.After:
		return a
	case model.Before:
		return b
	default:
		return laterOf(a, b)
	}
}

// Sync ships pending log entries to every remote node. force ships an
// empty delta when a node is already caught up; deltaOnly=false pushes
// the full latest-per-key state instead of the tail. Per-node failures
// degrade the node and do not abort the pass.
func (s *ReplicationService) Sync(ctx context.Context, force, deltaOnly bool) error {
	for _, nodeID := range s.remoteIDs() {
		if err := ctx.Err(); err != nil {
			return err
		}
		_ = s.syncNode(ctx, nodeID, force, deltaOnly)
	}
	return nil
}

// syncNode ships one node everything past its acked version. Nodes
// behind the compaction floor (and explicit full syncs) receive the
// latest entry per key instead of a contiguous tail.
func (s *ReplicationService) syncNode(ctx context.Context, nodeID string, force, deltaOnly bool) error {
	s.mu.RLock()
	node, ok := s.nodes[nodeID]
	if !ok {
		s.mu.RUnlock()
		return errors.NodeNotFound(nodeID)
	}
	from := node.Version
	s.mu.RUnlock()

	var entries []*model.ReplicationEntry
	if !deltaOnly || from == 0 || from < s.log.oldest() {
		entries = s.log.latestEntries()
		from = 0
	} else {
		entries = s.log.tail(from)
	}
	if len(entries) == 0 && !force {
		return nil
	}
	to := s.log.version()

	delta, err := s.buildDelta(from, to, entries)
	if err != nil {
		return err
	}

	s.noteSyncAttempt(nodeID)
	cfg := s.configSnapshot()
	cctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
	ack, err := s.transport.SendDelta(cctx, nodeID, delta)
	cancel()
	if err != nil {
		s.noteSyncFailure(nodeID, err)
		return err
	}

	s.noteSyncSuccess(nodeID, ack, len(entries), delta.Size)
	s.logger.Debug("Node synced",
		zap.String("node_id", nodeID),
		zap.Uint64("from", from),
		zap.Uint64("to", to),
		zap.Int("entries", len(entries)),
		zap.Int("conflicts", ack.Conflicts))
	return nil
}

// buildDelta serializes entries into a shippable delta. The checksum
// covers the serialized entries; payloads above the compress threshold
// ship zstd compressed.
func (s *ReplicationService) buildDelta(from, to uint64, entries []*model.ReplicationEntry) (*model.SyncDelta, error) {
	delta := &model.SyncDelta{FromVersion: from, ToVersion: to}
	if len(entries) == 0 {
		return delta, nil
	}

	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, errors.InternalError("encode sync delta", err)
	}
	delta.Checksum = util.ComputeChecksum(raw)
	delta.Size = int64(len(raw))

	threshold := s.configSnapshot().CompressThreshold
	if threshold > 0 && len(raw) > threshold {
		delta.Payload = util.Compress(raw)
		delta.Compressed = true
		delta.Size = int64(len(delta.Payload))
	} else {
		delta.Entries = entries
	}
	return delta, nil
}

// decodeDelta verifies the delta checksum and returns its entries.
// Nothing is decoded before the checksum passes.
func decodeDelta(delta *model.SyncDelta) ([]*model.ReplicationEntry, error) {
	if delta.Compressed {
		raw, err := util.Decompress(delta.Payload)
		if err != nil {
			return nil, errors.MalformedPayload("decompress sync delta", err)
		}
		if actual := util.ComputeChecksum(raw); actual != delta.Checksum {
			return nil, errors.ChecksumFailed(delta.Checksum, actual)
		}
		var entries []*model.ReplicationEntry
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, errors.MalformedPayload("decode sync delta", err)
		}
		return entries, nil
	}

	if len(delta.Entries) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(delta.Entries)
	if err != nil {
		return nil, errors.MalformedPayload("encode sync delta for verification", err)
	}
	if actual := util.ComputeChecksum(raw); actual != delta.Checksum {
		return nil, errors.ChecksumFailed(delta.Checksum, actual)
	}
	return delta.Entries, nil
}

// ApplyDelta ingests a batch of entries from a peer. The checksum is
// verified before anything is applied; a mismatch applies nothing.
// Stale entries are skipped, concurrent ones go through conflict
// resolution, and under causal consistency entries with unseen
// predecessors wait in per-origin buffers. Part of transport.DeltaHandler.
func (s *ReplicationService) ApplyDelta(ctx context.Context, from string, delta *model.SyncDelta) (*model.SyncAck, error) {
	if delta == nil {
		return nil, errors.InvalidArgument("sync delta must not be nil", nil)
	}
	entries, err := decodeDelta(delta)
	if err != nil {
		s.logger.Warn("Rejected sync delta",
			zap.String("from", from), zap.Error(err))
		return nil, err
	}

	s.mu.Lock()
	applied, conflicted := 0, 0
	for _, entry := range entries {
		a, c := s.ingestLocked(ctx, entry)
		applied += a
		conflicted += c
	}
	a, c := s.drainBuffersLocked(ctx)
	applied += a
	conflicted += c

	if sender, ok := s.nodes[from]; ok {
		sender.LastHeartbeat = time.Now()
	}
	buffered := s.bufferedLocked()
	s.mu.Unlock()

	if applied > 0 {
		s.entriesApplied.Add(uint64(applied))
		s.metrics.RecordEntriesApplied(applied)
	}
	s.metrics.UpdateCausalBuffer(buffered)
	s.metrics.UpdatePendingConflicts(s.conflicts.PendingCount())

	s.logger.Debug("Applied sync delta",
		zap.String("from", from),
		zap.Uint64("to_version", delta.ToVersion),
		zap.Int("entries", len(entries)),
		zap.Int("applied", applied),
		zap.Int("conflicts", conflicted),
		zap.Int("buffered", buffered))

	return &model.SyncAck{
		NodeID:         s.nodeID,
		AppliedVersion: delta.ToVersion,
		Conflicts:      conflicted,
	}, nil
}

// FetchLocal returns the newest replicated entry for key, or (nil, nil)
// when nothing was ever logged for it. Part of transport.DeltaHandler.
func (s *ReplicationService) FetchLocal(ctx context.Context, key string) (*model.ReplicationEntry, error) {
	if entry, ok := s.log.latestFor(key); ok {
		return entry.Clone(), nil
	}
	return nil, nil
}

// PingAck refreshes the sender's contact time. Part of
// transport.DeltaHandler.
func (s *ReplicationService) PingAck(ctx context.Context, from string) error {
	s.touchContact(from)
	return nil
}

// ingestLocked routes one inbound entry: drop echoes and duplicates,
// buffer causally premature entries, apply the rest.
func (s *ReplicationService) ingestLocked(ctx context.Context, entry *model.ReplicationEntry) (applied, conflicted int) {
	if entry == nil || entry.Key == "" {
		return 0, 0
	}
	origin := entry.NodeID
	if origin == "" || origin == s.nodeID {
		return 0, 0
	}
	if entry.Version > 0 && entry.Version <= s.applied[origin] {
		return 0, 0
	}
	if s.cfg.Consistency == model.ConsistencyCausal && !s.causallyReadyLocked(entry) {
		s.bufferLocked(entry)
		return 0, 0
	}
	return s.applyEntryLocked(ctx, entry)
}

// applyEntryLocked conflict-checks entry against the key's local latest
// and commits the winner to the cache and log.
func (s *ReplicationService) applyEntryLocked(ctx context.Context, entry *model.ReplicationEntry) (applied, conflicted int) {
	origin := entry.NodeID
	toApply := entry

	if local, ok := s.log.latestFor(entry.Key); ok {
		conflict, cmp := s.conflicts.Detect(local, entry)
		switch cmp {
		case model.Identical, model.Before:
			// Local state already covers this entry.
			s.markAppliedLocked(origin, entry.Version)
			return 0, 0
		case model.Concurrent:
			s.conflictsDetected.Add(1)
			s.metrics.RecordConflictDetected()
			s.events.OnConflictDetected(conflict)

			resolution, err := s.conflicts.Resolve(conflict)
			if err != nil {
				// No resolver; the conflict stays pending and the entry
				// is not applied.
				s.markAppliedLocked(origin, entry.Version)
				s.logger.Warn("Conflict left pending",
					zap.String("key", entry.Key), zap.Error(err))
				return 0, 1
			}
			s.conflictsResolved.Add(1)
			s.metrics.RecordConflictResolved(string(conflict.Strategy))
			s.events.OnConflictResolved(conflict)
			toApply = resolution
			conflicted = 1
		}
	}

	if err := s.commitLocked(ctx, toApply); err != nil {
		// Not marked applied: a redelivery retries the commit.
		s.logger.Error("Replicated entry not applied",
			zap.String("key", toApply.Key),
			zap.String("origin", origin),
			zap.Error(err))
		return 0, conflicted
	}

	s.markAppliedLocked(origin, entry.Version)
	s.clock = s.vcOps.Merge(s.clock, toApply.VectorClock)
	if node, ok := s.nodes[origin]; ok {
		node.VectorClock = s.vcOps.Merge(node.VectorClock, entry.VectorClock)
	}
	return 1, conflicted
}

// commitLocked applies a winning entry to the cache and records it as
// the key's latest.
func (s *ReplicationService) commitLocked(ctx context.Context, entry *model.ReplicationEntry) error {
	if entry.Op == model.OpDelete {
		if err := s.cache.applyReplicatedDelete(ctx, entry.Key); err != nil {
			return err
		}
	} else {
		if entry.Checksum != 0 {
			if actual := util.ComputeChecksum(entry.Value); actual != entry.Checksum {
				return errors.ChecksumFailed(entry.Checksum, actual)
			}
		}
		if err := s.cache.applyReplicatedSet(ctx, entry.Key, entry.Value); err != nil {
			return err
		}
	}
	s.log.record(entry)
	return nil
}

// markAppliedLocked advances the origin's duplicate-filter watermark.
// Only contiguous advancement is safe: a higher out-of-order version
// must not shadow unseen versions below it.
func (s *ReplicationService) markAppliedLocked(origin string, version uint64) {
	if version == s.applied[origin]+1 {
		s.applied[origin] = version
	}
}

// causallyReadyLocked reports whether every predecessor of the entry
// has been seen: the origin's counter must be exactly next, and no
// third-party counter may be ahead of the local clock.
func (s *ReplicationService) causallyReadyLocked(entry *model.ReplicationEntry) bool {
	c := entry.VectorClock
	if len(c) == 0 {
		return true
	}
	origin := entry.NodeID
	if c[origin] > s.clock[origin]+1 {
		return false
	}
	for id, counter := range c {
		if id == origin {
			continue
		}
		if counter > s.clock[id] {
			return false
		}
	}
	return true
}

func (s *ReplicationService) bufferLocked(entry *model.ReplicationEntry) {
	origin := entry.NodeID
	byCounter, ok := s.buffers[origin]
	if !ok {
		byCounter = make(map[uint64]*model.ReplicationEntry)
		s.buffers[origin] = byCounter
	}
	byCounter[entry.VectorClock[origin]] = entry.Clone()
}

// drainBuffersLocked applies buffered entries that became ready,
// repeating until a full pass makes no progress.
func (s *ReplicationService) drainBuffersLocked(ctx context.Context) (applied, conflicted int) {
	for {
		progressed := false
		for origin, byCounter := range s.buffers {
			for counter, entry := range byCounter {
				if entry.Version > 0 && entry.Version <= s.applied[origin] {
					delete(byCounter, counter)
					progressed = true
					continue
				}
				if !s.causallyReadyLocked(entry) {
					continue
				}
				delete(byCounter, counter)
				a, c := s.applyEntryLocked(ctx, entry)
				applied += a
				conflicted += c
				progressed = true
			}
			if len(byCounter) == 0 {
				delete(s.buffers, origin)
			}
		}
		if !progressed {
			return applied, conflicted
		}
	}
}

func (s *ReplicationService) bufferedLocked() int {
	n := 0
	for _, byCounter := range s.buffers {
		n += len(byCounter)
	}
	return n
}

// ResolveConflicts resolves the given conflicts, or every pending one
// when none are given, and applies each resolution locally. Conflicts
// the strategy cannot settle stay pending.
func (s *ReplicationService) ResolveConflicts(ctx context.Context, conflicts ...*model.Conflict) (int, error) {
	if len(conflicts) == 0 {
		conflicts = s.conflicts.Pending()
	}

	resolved := 0
	var firstErr error
	for _, conflict := range conflicts {
		resolution, err := s.conflicts.Resolve(conflict)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		s.mu.Lock()
		err = s.commitLocked(ctx, resolution)
		if err == nil {
			s.clock = s.vcOps.Merge(s.clock, resolution.VectorClock)
			a, c := s.drainBuffersLocked(ctx)
			resolved++
			s.conflictsResolved.Add(uint64(1 + c))
			if a > 0 {
				s.entriesApplied.Add(uint64(a))
			}
		}
		s.mu.Unlock()

		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.metrics.RecordConflictResolved(string(conflict.Strategy))
		s.events.OnConflictResolved(conflict)
	}

	s.metrics.UpdatePendingConflicts(s.conflicts.PendingCount())
	return resolved, firstErr
}

// HealthCheck re-evaluates every node against heartbeat age, lag and
// capacity thresholds and returns per-node diagnostics sorted by id.
func (s *ReplicationService) HealthCheck() []model.NodeDiagnostics {
	now := time.Now()

	type healthChange struct {
		id       string
		from, to model.NodeHealth
	}
	var changes []healthChange

	s.mu.Lock()
	if local, ok := s.nodes[s.nodeID]; ok {
		local.LastHeartbeat = now
		local.Version = s.log.version()
		local.VectorClock = s.clock.Clone()
	}

	out := make([]model.NodeDiagnostics, 0, len(s.nodes))
	for id, node := range s.nodes {
		activity := NodeActivity{}
		if a, ok := s.activity[id]; ok {
			activity = NodeActivity{
				Attempts: a.attempts,
				Failures: a.failures,
				Shipped:  a.shipped,
				Window:   now.Sub(a.since),
			}
			a.attempts, a.failures, a.shipped = 0, 0, 0
			a.since = now
		}

		diag := s.health.Evaluate(node, activity, now)
		if diag.Health != node.Health {
			changes = append(changes, healthChange{id: id, from: node.Health, to: diag.Health})
			node.Health = diag.Health
		}
		out = append(out, diag)
	}
	total, healthy := s.peerCountsLocked()
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })

	for _, c := range changes {
		s.events.OnNodeHealthChanged(c.id, c.from, c.to)
	}
	for _, diag := range out {
		s.metrics.UpdateNodeHealth(diag.NodeID, diag.Health.Severity())
		s.metrics.UpdateNodeLag(diag.NodeID, diag.Lag.Seconds())
	}
	s.metrics.UpdatePeerStats(total, healthy)
	return out
}

// Snapshot captures the full cache state plus the replication head and
// retains it in the snapshot store.
func (s *ReplicationService) Snapshot(ctx context.Context) (*model.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload := s.cache.capturePayload()
	s.mu.RLock()
	state := &model.SnapshotState{
		Cache:       payload,
		Version:     s.log.version(),
		VectorClock: s.clock.Clone(),
	}
	s.mu.RUnlock()

	snap, err := s.snapshots.Capture(state)
	if err != nil {
		return nil, err
	}
	s.metrics.RecordSnapshot()
	s.events.OnSnapshotCreated(snap.Metadata)
	return snap, nil
}

// Restore replaces local state with the given snapshot. The payload is
// verified and decoded before any mutation; a corrupt snapshot leaves
// state untouched. Remote acked versions reset so the next sync pass
// pushes the restored state.
func (s *ReplicationService) Restore(ctx context.Context, snapshotID string) error {
	state, err := s.snapshots.Decode(snapshotID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.cache.ApplyPayload(state.Cache); err != nil {
		s.mu.Unlock()
		return err
	}
	s.log.reset(state.Version)
	if state.VectorClock != nil {
		s.clock = state.VectorClock.Clone()
	} else {
		s.clock = model.VectorClock{}
	}
	s.applied = make(map[string]uint64)
	s.buffers = make(map[string]map[uint64]*model.ReplicationEntry)
	for id, node := range s.nodes {
		if id == s.nodeID {
			node.Version = state.Version
			node.VectorClock = s.clock.Clone()
			continue
		}
		node.Version = 0
	}
	s.mu.Unlock()

	s.conflicts.Reset()
	s.metrics.RecordRestore()
	s.metrics.UpdateCausalBuffer(0)
	s.metrics.UpdatePendingConflicts(0)
	s.logger.Info("Restored from snapshot",
		zap.String("snapshot_id", snapshotID),
		zap.Uint64("version", state.Version),
		zap.Int("entries", len(state.Cache.Entries)))
	return nil
}

// Snapshots lists retained snapshot metadata, newest first.
func (s *ReplicationService) Snapshots() []model.SnapshotMetadata {
	return s.snapshots.List()
}

// Rebalance recomputes non-primary node weights in proportion to free
// capacity, normalized to sum one. Nodes without capacity figures get
// equal weights when nothing else is known.
func (s *ReplicationService) Rebalance() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*model.ReplicaNode, 0, len(s.nodes))
	totalFree := 0.0
	for _, node := range s.nodes {
		if node.IsPrimary {
			continue
		}
		candidates = append(candidates, node)
		if node.Capacity > 0 {
			totalFree += float64(node.Capacity) * (1 - node.CapacityRatio())
		}
	}

	out := make(map[string]float64, len(candidates))
	if len(candidates) == 0 {
		return out
	}
	for _, node := range candidates {
		weight := 0.0
		switch {
		case totalFree > 0 && node.Capacity > 0:
			weight = float64(node.Capacity) * (1 - node.CapacityRatio()) / totalFree
		case totalFree == 0:
			weight = 1 / float64(len(candidates))
		}
		node.Weight = weight
		out[node.ID] = weight
	}

	s.logger.Info("Replica weights rebalanced", zap.Int("nodes", len(out)))
	return out
}

// Stats returns a point-in-time view of coordinator state.
func (s *ReplicationService) Stats() ReplicationStats {
	s.mu.RLock()
	stats := ReplicationStats{
		NodeID:           s.nodeID,
		Mode:             s.cfg.Mode,
		Consistency:      s.cfg.Consistency,
		ConflictStrategy: s.cfg.ConflictStrategy,
		Nodes:            len(s.nodes),
		NodesByHealth:    make(map[model.NodeHealth]int),
		CausalBuffered:   s.bufferedLocked(),
	}
	for _, node := range s.nodes {
		stats.NodesByHealth[node.Health]++
	}
	if p := s.primaryLocked(); p != nil {
		stats.PrimaryID = p.ID
	}
	s.mu.RUnlock()

	stats.CurrentVersion = s.log.version()
	stats.OldestVersion = s.log.oldest()
	stats.LogSize = s.log.size()
	stats.PendingConflicts = s.conflicts.PendingCount()
	stats.ConflictsDetected = s.conflictsDetected.Load()
	stats.ConflictsResolved = s.conflictsResolved.Load()
	stats.Failovers = s.failovers.Load()
	stats.SyncsAttempted = s.syncsAttempted.Load()
	stats.SyncsFailed = s.syncsFailed.Load()
	stats.EntriesShipped = s.entriesShipped.Load()
	stats.EntriesApplied = s.entriesApplied.Load()
	stats.Snapshots = s.snapshots.Count()
	return stats
}

func (s *ReplicationService) noteSyncAttempt(nodeID string) {
	s.syncsAttempted.Add(1)
	s.mu.Lock()
	if a := s.activityLocked(nodeID); a != nil {
		a.attempts++
	}
	s.mu.Unlock()
}

func (s *ReplicationService) noteSyncFailure(nodeID string, err error) {
	s.syncsFailed.Add(1)
	s.metrics.RecordSync(false, 0, 0)

	var from, to model.NodeHealth
	changed := false
	s.mu.Lock()
	if a := s.activityLocked(nodeID); a != nil {
		a.failures++
	}
	if node, ok := s.nodes[nodeID]; ok {
		from = node.Health
		to = worseOf(node.Health, model.NodeDegraded)
		if to != from {
			node.Health = to
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.metrics.UpdateNodeHealth(nodeID, to.Severity())
		s.events.OnNodeHealthChanged(nodeID, from, to)
	}
	s.logger.Warn("Delta ship failed",
		zap.String("node_id", nodeID), zap.Error(err))
}

func (s *ReplicationService) noteSyncSuccess(nodeID string, ack *model.SyncAck, entries int, bytes int64) {
	now := time.Now()
	var lag time.Duration
	var from, to model.NodeHealth
	changed := false

	s.mu.Lock()
	if a := s.activityLocked(nodeID); a != nil {
		a.shipped += uint64(entries)
	}
	if node, ok := s.nodes[nodeID]; ok {
		if ack.AppliedVersion > node.Version {
			node.Version = ack.AppliedVersion
		}
		node.LastHeartbeat = now
		if first, ok := s.log.firstAfter(node.Version); ok {
			node.Lag = now.Sub(time.UnixMilli(first.Timestamp))
		} else {
			node.Lag = 0
		}
		lag = node.Lag
		if node.Health == model.NodeOffline {
			from, to = node.Health, model.NodeHealthy
			node.Health = to
			changed = true
		}
	}
	s.mu.Unlock()

	if entries > 0 {
		s.entriesShipped.Add(uint64(entries))
	}
	s.metrics.RecordSync(true, entries, bytes)
	s.metrics.UpdateNodeLag(nodeID, lag.Seconds())
	if changed {
		s.metrics.UpdateNodeHealth(nodeID, to.Severity())
		s.events.OnNodeHealthChanged(nodeID, from, to)
	}
	s.events.OnNodeSynced(nodeID, ack.AppliedVersion, entries)
}

// activityLocked returns the counters for a known node, creating them
// on first use. Unknown nodes are not tracked.
func (s *ReplicationService) activityLocked(nodeID string) *nodeActivity {
	if _, ok := s.nodes[nodeID]; !ok {
		return nil
	}
	a, ok := s.activity[nodeID]
	if !ok {
		a = &nodeActivity{since: time.Now()}
		s.activity[nodeID] = a
	}
	return a
}

// touchContact refreshes a node's heartbeat. Renewed contact recovers
// an offline node straight to healthy.
func (s *ReplicationService) touchContact(nodeID string) {
	var from model.NodeHealth
	changed := false
	s.mu.Lock()
	if node, ok := s.nodes[nodeID]; ok {
		node.LastHeartbeat = time.Now()
		if node.Health == model.NodeOffline {
			from = node.Health
			node.Health = model.NodeHealthy
			changed = true
		}
	}
	s.mu.Unlock()

	if changed {
		s.metrics.UpdateNodeHealth(nodeID, model.NodeHealthy.Severity())
		s.events.OnNodeHealthChanged(nodeID, from, model.NodeHealthy)
	}
}

func (s *ReplicationService) syncLoop(interval time.Duration, stopCh <-chan struct{}) {
	defer s.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			_ = s.Sync(ctx, false, true)
			cancel()
			s.maybeCompact()
		case <-stopCh:
			return
		}
	}
}

func (s *ReplicationService) heartbeatLoop(interval time.Duration, stopCh <-chan struct{}) {
	defer s.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.heartbeatPass(context.Background())
		case <-stopCh:
			return
		}
	}
}

func (s *ReplicationService) healthLoop(interval time.Duration, stopCh <-chan struct{}) {
	defer s.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.HealthCheck()
		case <-stopCh:
			return
		}
	}
}

func (s *ReplicationService) snapshotLoop(interval time.Duration, stopCh <-chan struct{}) {
	defer s.loops.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := s.Snapshot(context.Background()); err != nil {
				s.logger.Warn("Scheduled snapshot failed", zap.Error(err))
			}
			s.snapshots.Prune(time.Now())
		case <-stopCh:
			return
		}
	}
}

func (s *ReplicationService) heartbeatPass(ctx context.Context) {
	cfg := s.configSnapshot()
	for _, nodeID := range s.remoteIDs() {
		cctx, cancel := context.WithTimeout(ctx, cfg.RequestTimeout)
		err := s.transport.Ping(cctx, nodeID)
		cancel()

		s.metrics.RecordHeartbeat(err == nil)
		if err != nil {
			s.logger.Debug("Heartbeat failed",
				zap.String("node_id", nodeID), zap.Error(err))
			continue
		}
		s.touchContact(nodeID)
	}
}

// maybeCompact drops log entries every non-offline remote has acked,
// once the log is big enough to bother. Nodes that fall behind the
// floor get a latest-per-key full sync instead of a tail.
func (s *ReplicationService) maybeCompact() {
	if s.log.size() < logCompactionMinEntries {
		return
	}

	s.mu.RLock()
	minAcked := s.log.version()
	for id, node := range s.nodes {
		if id == s.nodeID || node.Health == model.NodeOffline {
			continue
		}
		if node.Version < minAcked {
			minAcked = node.Version
		}
	}
	s.mu.RUnlock()

	if dropped := s.log.compactBelow(minAcked); dropped > 0 {
		s.logger.Debug("Compacted replication log",
			zap.Uint64("up_to", minAcked),
			zap.Int("dropped", dropped))
	}
}
