package service

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratakv/strata/internal/errors"
	"github.com/stratakv/strata/internal/model"
	"github.com/stratakv/strata/internal/transport"
	"github.com/stratakv/strata/internal/util"
	"github.com/stratakv/strata/internal/util/workerpool"
)

// replicaFixture wires several coordinators over one in-process
// loopback. Background loops stay off and the bootstrap pool is
// pre-stopped, so replication happens only when a test drives it.
type replicaFixture struct {
	lb     *transport.Loopback
	svcs   map[string]*ReplicationService
	caches map[string]*CacheService
}

func newReplicaFixture(t *testing.T, cfg ReplicationConfig, ids ...string) *replicaFixture {
	t.Helper()

	pool := workerpool.NewPool("fixture", 1, 1, zap.NewNop())
	require.NoError(t, pool.Stop(time.Second))

	f := &replicaFixture{
		lb:     transport.NewLoopback(),
		svcs:   make(map[string]*ReplicationService),
		caches: make(map[string]*CacheService),
	}

	for _, id := range ids {
		cache := newTestCache(t, &CacheConfig{
			L1MaxSize: 4096,
			L2MaxSize: 4096,
			L3MaxSize: 4096,
		}, nil)

		nodeCfg := cfg
		nodeCfg.NodeID = id
		svc, err := NewReplicationService(nodeCfg, cache, f.lb.Transport(id), nil, nil, pool, nil, nil, zap.NewNop())
		require.NoError(t, err)

		f.lb.Register(id, svc)
		f.svcs[id] = svc
		f.caches[id] = cache
	}

	ctx := context.Background()
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			require.NoError(t, f.svcs[a].AddReplica(ctx, &model.ReplicaNode{ID: b}))
		}
	}
	return f
}

func (f *replicaFixture) get(t *testing.T, nodeID, key string) ([]byte, bool) {
	t.Helper()
	entry, found, err := f.caches[nodeID].Get(context.Background(), key)
	require.NoError(t, err)
	if !found {
		return nil, false
	}
	return entry.Value, true
}

func TestReplicationSyncPropagatesWrite(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1", "n2")
	ctx := context.Background()

	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("v"), 0))

	_, found := f.get(t, "n2", "k")
	require.False(t, found, "eventual writes stay local until a sync pass")

	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))

	value, found := f.get(t, "n2", "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)

	stats := f.svcs["n1"].Stats()
	assert.Equal(t, uint64(1), stats.CurrentVersion)
	assert.Equal(t, uint64(1), stats.EntriesShipped)
	assert.Equal(t, uint64(1), f.svcs["n2"].Stats().EntriesApplied)
}

func TestReplicationSyncSkipsCaughtUpPeer(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1", "n2")
	ctx := context.Background()

	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))

	attempts := f.svcs["n1"].Stats().SyncsAttempted
	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))
	assert.Equal(t, attempts, f.svcs["n1"].Stats().SyncsAttempted,
		"a caught-up peer gets no delta without force")

	// force ships an empty delta that still refreshes contact.
	require.NoError(t, f.svcs["n1"].Sync(ctx, true, true))
	assert.Equal(t, attempts+1, f.svcs["n1"].Stats().SyncsAttempted)
}

func TestReplicationDeletePropagates(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1", "n2")
	ctx := context.Background()

	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))
	_, found := f.get(t, "n2", "k")
	require.True(t, found)

	found, err := f.svcs["n1"].DeleteReplicated(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))

	_, found = f.get(t, "n2", "k")
	assert.False(t, found, "tombstone must remove the peer's copy")

	found, err = f.svcs["n1"].DeleteReplicated(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReplicationIgnoresEchoedEntries(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1", "n2")
	ctx := context.Background()

	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))

	// n2 now knows n1's entry; syncing back must not re-apply it on n1.
	require.NoError(t, f.svcs["n2"].Sync(ctx, false, true))

	stats := f.svcs["n1"].Stats()
	assert.Zero(t, stats.EntriesApplied)
	assert.Zero(t, stats.ConflictsDetected)
	assert.Equal(t, uint64(1), stats.CurrentVersion)

	value, found := f.get(t, "n1", "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestReplicationDuplicateDeltaSkipped(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1", "n2")
	ctx := context.Background()

	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("v"), 0))
	entries := f.svcs["n1"].log.tail(0)
	require.Len(t, entries, 1)
	delta, err := f.svcs["n1"].buildDelta(0, 1, entries)
	require.NoError(t, err)

	ack, err := f.svcs["n2"].ApplyDelta(ctx, "n1", delta)
	require.NoError(t, err)
	assert.Equal(t, "n2", ack.NodeID)
	assert.Equal(t, uint64(1), ack.AppliedVersion)
	require.Equal(t, uint64(1), f.svcs["n2"].Stats().EntriesApplied)

	// Redelivery of an already-applied version is a no-op.
	_, err = f.svcs["n2"].ApplyDelta(ctx, "n1", delta)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), f.svcs["n2"].Stats().EntriesApplied)

	value, found := f.get(t, "n2", "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestReplicationLastWriteWinsConvergence(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{
		Mode:             model.MultiPrimary,
		ConflictStrategy: model.LastWriteWins,
	}, "n1", "n2")
	ctx := context.Background()

	// Concurrent writes to the same key, n2's strictly later.
	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("from-n1"), 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.caches["n2"].Set(ctx, "k", []byte("from-n2"), 0))

	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))
	require.NoError(t, f.svcs["n2"].Sync(ctx, false, true))

	for _, id := range []string{"n1", "n2"} {
		value, found := f.get(t, id, "k")
		require.True(t, found, id)
		assert.Equal(t, []byte("from-n2"), value, id)
	}

	n2 := f.svcs["n2"].Stats()
	assert.Equal(t, uint64(1), n2.ConflictsDetected)
	assert.Equal(t, uint64(1), n2.ConflictsResolved)
	assert.Zero(t, n2.PendingConflicts)
}

func TestReplicationCustomConflictManualResolve(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{
		Mode:             model.MultiPrimary,
		ConflictStrategy: model.CustomResolution,
	}, "n1", "n2")
	ctx := context.Background()

	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("from-n1"), 0))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, f.caches["n2"].Set(ctx, "k", []byte("from-n2"), 0))

	// Without a resolver the conflict parks and the entry is not applied.
	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))
	n2 := f.svcs["n2"]
	assert.Equal(t, 1, n2.Stats().PendingConflicts)
	value, found := f.get(t, "n2", "k")
	require.True(t, found)
	assert.Equal(t, []byte("from-n2"), value)

	n2.SetConflictResolver(func(local, remote *model.ReplicationEntry) *model.ReplicationEntry {
		out := local.Clone()
		out.Value = []byte("merged")
		return out
	})

	resolved, err := n2.ResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Zero(t, n2.Stats().PendingConflicts)

	value, found = f.get(t, "n2", "k")
	require.True(t, found)
	assert.Equal(t, []byte("merged"), value)
}

func TestReplicationStrongWriteQuorum(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{
		Consistency: model.ConsistencyStrong,
		WriteQuorum: 2,
	}, "n1", "n2")
	ctx := context.Background()

	// With the peer reachable the write replicates before returning.
	require.NoError(t, f.svcs["n1"].Write(ctx, "k1", []byte("v1"), 0))
	value, found := f.get(t, "n2", "k1")
	require.True(t, found)
	assert.Equal(t, []byte("v1"), value)

	// Partition the peer; the quorum write fails but the local apply stays.
	f.lb.SetDown("n2", true)
	err := f.svcs["n1"].Write(ctx, "k2", []byte("v2"), 0)
	assert.Equal(t, errors.ErrCodeQuorumNotReached, errors.CodeOf(err))

	value, found = f.get(t, "n1", "k2")
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)
	_, found = f.get(t, "n2", "k2")
	assert.False(t, found)

	for _, node := range f.svcs["n1"].Nodes() {
		if node.ID == "n2" {
			assert.Equal(t, model.NodeDegraded, node.Health, "failed ship degrades the peer")
		}
	}

	// Once the partition heals, background sync finishes the fan-out.
	f.lb.SetDown("n2", false)
	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))
	value, found = f.get(t, "n2", "k2")
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)
}

func TestReplicationEventualWriteIgnoresPartitions(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1", "n2")
	ctx := context.Background()

	f.lb.SetDown("n2", true)
	require.NoError(t, f.svcs["n1"].Write(ctx, "k", []byte("v"), 0))

	value, found := f.get(t, "n1", "k")
	require.True(t, found)
	assert.Equal(t, []byte("v"), value)
}

func TestReplicationStrongRead(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{
		Consistency: model.ConsistencyStrong,
		WriteQuorum: 1,
		ReadQuorum:  2,
	}, "n1", "n2")
	ctx := context.Background()

	// The value exists only on n2; a strong read on n1 must find it.
	require.NoError(t, f.caches["n2"].Set(ctx, "k", []byte("v2"), 0))

	value, found, err := f.svcs["n1"].Read(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v2"), value)

	// A replicated delete is authoritative.
	_, err = f.caches["n2"].Delete(ctx, "k")
	require.NoError(t, err)
	_, found, err = f.svcs["n1"].Read(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	// A key no peer has logged falls back to unreplicated local state.
	require.NoError(t, f.caches["n1"].applyReplicatedSet(ctx, "ghost", []byte("local-only")))
	value, found, err = f.svcs["n1"].Read(ctx, "ghost")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("local-only"), value)

	_, found, err = f.svcs["n1"].Read(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	// Short of the read quorum the read fails outright.
	f.lb.SetDown("n2", true)
	_, _, err = f.svcs["n1"].Read(ctx, "k")
	assert.Equal(t, errors.ErrCodeQuorumNotReached, errors.CodeOf(err))
}

func TestReplicationCausalBuffering(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{
		Consistency: model.ConsistencyCausal,
	}, "n1", "n2")
	ctx := context.Background()

	require.NoError(t, f.caches["n1"].Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, f.caches["n1"].Set(ctx, "b", []byte("2"), 0))
	entries := f.svcs["n1"].log.tail(0)
	require.Len(t, entries, 2)

	// Deliver the second write first; it must wait for its predecessor.
	second, err := f.svcs["n1"].buildDelta(1, 2, entries[1:])
	require.NoError(t, err)
	_, err = f.svcs["n2"].ApplyDelta(ctx, "n1", second)
	require.NoError(t, err)

	_, found := f.get(t, "n2", "b")
	assert.False(t, found, "causally premature entry must not apply")
	assert.Equal(t, 1, f.svcs["n2"].Stats().CausalBuffered)

	first, err := f.svcs["n1"].buildDelta(0, 1, entries[:1])
	require.NoError(t, err)
	_, err = f.svcs["n2"].ApplyDelta(ctx, "n1", first)
	require.NoError(t, err)

	// The predecessor unblocks the buffered entry in the same pass.
	for _, key := range []string{"a", "b"} {
		_, found := f.get(t, "n2", key)
		assert.True(t, found, key)
	}
	stats := f.svcs["n2"].Stats()
	assert.Zero(t, stats.CausalBuffered)
	assert.Equal(t, uint64(2), stats.EntriesApplied)
}

func TestReplicationApplyDeltaRejectsCorruptPayload(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1", "n2")
	ctx := context.Background()

	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("v"), 0))
	delta, err := f.svcs["n1"].buildDelta(0, 1, f.svcs["n1"].log.tail(0))
	require.NoError(t, err)
	delta.Checksum++

	_, err = f.svcs["n2"].ApplyDelta(ctx, "n1", delta)
	assert.Equal(t, errors.ErrCodeChecksumFailed, errors.CodeOf(err))

	_, found := f.get(t, "n2", "k")
	assert.False(t, found, "a rejected delta applies nothing")
	assert.Zero(t, f.svcs["n2"].Stats().EntriesApplied)

	_, err = f.svcs["n2"].ApplyDelta(ctx, "n1", nil)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
}

func TestReplicationCompressedDelta(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{CompressThreshold: 64}, "n1", "n2")
	ctx := context.Background()

	big := bytes.Repeat([]byte("strata"), 128)
	require.NoError(t, f.caches["n1"].Set(ctx, "k", big, 0))

	delta, err := f.svcs["n1"].buildDelta(0, 1, f.svcs["n1"].log.tail(0))
	require.NoError(t, err)
	assert.True(t, delta.Compressed)
	assert.Nil(t, delta.Entries)
	assert.True(t, util.IsCompressed(delta.Payload))

	decoded, err := decodeDelta(delta)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.Equal(t, big, decoded[0].Value)

	// And over the wire.
	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))
	value, found := f.get(t, "n2", "k")
	require.True(t, found)
	assert.Equal(t, big, value)
}

func TestReplicationSnapshotRestore(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1")
	ctx := context.Background()
	svc, cache := f.svcs["n1"], f.caches["n1"]

	require.NoError(t, cache.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, cache.Set(ctx, "b", []byte("2"), 0))

	snap, err := svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), snap.Metadata.Version)
	assert.Equal(t, 1, svc.Stats().Snapshots)

	// Diverge from the captured state.
	require.NoError(t, cache.Set(ctx, "c", []byte("3"), 0))
	_, err = cache.Delete(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, svc.Restore(ctx, snap.Metadata.ID))

	value, found := f.get(t, "n1", "a")
	require.True(t, found, "deleted key returns with the snapshot")
	assert.Equal(t, []byte("1"), value)
	_, found = f.get(t, "n1", "b")
	assert.True(t, found)
	_, found = f.get(t, "n1", "c")
	assert.False(t, found, "post-snapshot writes are gone")

	// The log head is re-seeded at the snapshot version.
	assert.Equal(t, uint64(2), svc.Stats().CurrentVersion)
	require.NoError(t, cache.Set(ctx, "d", []byte("4"), 0))
	assert.Equal(t, uint64(3), svc.Stats().CurrentVersion)

	err = svc.Restore(ctx, "missing")
	assert.Equal(t, errors.ErrCodeSnapshotNotFound, errors.CodeOf(err))
}

func TestReplicationPromoteFailover(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{Mode: model.PrimaryReplica}, "n1", "n2")
	svc := f.svcs["n1"]

	primary, ok := svc.Primary()
	require.True(t, ok)
	assert.Equal(t, "n1", primary.ID, "the local node starts as primary")

	require.NoError(t, svc.PromoteReplica("n2"))
	primary, ok = svc.Primary()
	require.True(t, ok)
	assert.Equal(t, "n2", primary.ID)
	assert.Equal(t, uint64(1), svc.Stats().Failovers)

	// Promoting the current primary is a no-op, not another failover.
	require.NoError(t, svc.PromoteReplica("n2"))
	assert.Equal(t, uint64(1), svc.Stats().Failovers)

	err := svc.PromoteReplica("ghost")
	assert.Equal(t, errors.ErrCodeNodeNotFound, errors.CodeOf(err))

	err = svc.RemoveReplica("n2")
	assert.Equal(t, errors.ErrCodePrimaryRemoval, errors.CodeOf(err))

	err = svc.RemoveReplica("n1")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err), "the local node is not removable")
}

func TestReplicationAddRemoveReplica(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{Mode: model.PrimaryReplica}, "n1", "n2")
	svc := f.svcs["n1"]
	ctx := context.Background()

	err := svc.AddReplica(ctx, &model.ReplicaNode{ID: "n2"})
	assert.Equal(t, errors.ErrCodeNodeExists, errors.CodeOf(err))

	err = svc.AddReplica(ctx, &model.ReplicaNode{})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))

	// A joining node cannot claim primary while one exists.
	require.NoError(t, svc.AddReplica(ctx, &model.ReplicaNode{ID: "n3", IsPrimary: true}))
	for _, node := range svc.Nodes() {
		if node.ID == "n3" {
			assert.False(t, node.IsPrimary)
		}
	}

	require.NoError(t, svc.RemoveReplica("n3"))
	assert.Len(t, svc.Nodes(), 2)

	err = svc.RemoveReplica("n3")
	assert.Equal(t, errors.ErrCodeNodeNotFound, errors.CodeOf(err))
}

func TestReplicationRebalanceWeights(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{Mode: model.PrimaryReplica}, "n1")
	svc := f.svcs["n1"]
	ctx := context.Background()

	require.NoError(t, svc.AddReplica(ctx, &model.ReplicaNode{ID: "r1", Capacity: 100, Used: 50}))
	require.NoError(t, svc.AddReplica(ctx, &model.ReplicaNode{ID: "r2", Capacity: 100, Used: 0}))
	require.NoError(t, svc.AddReplica(ctx, &model.ReplicaNode{ID: "r3"}))

	weights := svc.Rebalance()
	require.Len(t, weights, 3, "the primary is excluded")
	assert.InDelta(t, 50.0/150.0, weights["r1"], 0.001)
	assert.InDelta(t, 100.0/150.0, weights["r2"], 0.001)
	assert.Zero(t, weights["r3"], "no capacity figures, no share while others report free space")

	// With no capacity figures at all, replicas share equally.
	g := newReplicaFixture(t, ReplicationConfig{Mode: model.PrimaryReplica}, "m1", "m2", "m3")
	weights = g.svcs["m1"].Rebalance()
	require.Len(t, weights, 2)
	assert.InDelta(t, 0.5, weights["m2"], 0.001)
	assert.InDelta(t, 0.5, weights["m3"], 0.001)
}

func TestReplicationHealthCheckFlagsSilentPeer(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{
		HeartbeatInterval: 50 * time.Millisecond,
	}, "n1", "n2")
	svc := f.svcs["n1"]

	time.Sleep(180 * time.Millisecond)

	diags := svc.HealthCheck()
	require.Len(t, diags, 2)
	assert.Equal(t, "n1", diags[0].NodeID)
	assert.Equal(t, model.NodeHealthy, diags[0].Health, "the local node heartbeats itself")
	assert.Equal(t, "n2", diags[1].NodeID)
	assert.Equal(t, model.NodeOffline, diags[1].Health)

	// Renewed contact brings it straight back.
	require.NoError(t, svc.PingAck(context.Background(), "n2"))
	diags = svc.HealthCheck()
	assert.Equal(t, model.NodeHealthy, diags[1].Health)
}

func TestReplicationHeartbeatPassRecoversPeer(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1", "n2")
	svc := f.svcs["n1"]
	ctx := context.Background()

	svc.NodeLeft("n2")
	for _, node := range svc.Nodes() {
		if node.ID == "n2" {
			require.Equal(t, model.NodeOffline, node.Health)
		}
	}

	// While partitioned, pings fail and the node stays offline.
	f.lb.SetDown("n2", true)
	svc.heartbeatPass(ctx)
	for _, node := range svc.Nodes() {
		if node.ID == "n2" {
			assert.Equal(t, model.NodeOffline, node.Health)
		}
	}

	f.lb.SetDown("n2", false)
	svc.heartbeatPass(ctx)
	for _, node := range svc.Nodes() {
		if node.ID == "n2" {
			assert.Equal(t, model.NodeHealthy, node.Health)
		}
	}
}

func TestReplicationMembershipSink(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1")
	svc := f.svcs["n1"]

	svc.NodeJoined(&model.ReplicaNode{ID: "g1", Endpoint: "10.0.0.1:7000", Region: "eu"})
	require.Len(t, svc.Nodes(), 2)

	// Re-announcement refreshes metadata instead of erroring.
	svc.NodeJoined(&model.ReplicaNode{ID: "g1", Endpoint: "10.0.0.2:7000"})
	for _, node := range svc.Nodes() {
		if node.ID == "g1" {
			assert.Equal(t, "10.0.0.2:7000", node.Endpoint)
			assert.Equal(t, "eu", node.Region)
		}
	}

	svc.NodeLeft("g1")
	for _, node := range svc.Nodes() {
		if node.ID == "g1" {
			assert.Equal(t, model.NodeOffline, node.Health)
		}
	}

	svc.NodeUpdated(&model.ReplicaNode{ID: "g1", Used: 42})
	for _, node := range svc.Nodes() {
		if node.ID == "g1" {
			assert.Equal(t, model.NodeHealthy, node.Health, "renewed gossip recovers the node")
			assert.Equal(t, int64(42), node.Used)
		}
	}

	// Self-announcements are ignored.
	svc.NodeJoined(&model.ReplicaNode{ID: "n1"})
	svc.NodeLeft("n1")
	assert.Len(t, svc.Nodes(), 2)
	for _, node := range svc.Nodes() {
		if node.ID == "n1" {
			assert.Equal(t, model.NodeHealthy, node.Health)
		}
	}
}

func TestReplicationConfigure(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{Region: "eu-west"}, "n1")
	svc := f.svcs["n1"]

	err := svc.Configure(ReplicationConfig{NodeID: "other"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))

	err = svc.Configure(ReplicationConfig{Mode: "bogus"})
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))

	require.NoError(t, svc.Configure(ReplicationConfig{
		Consistency: model.ConsistencyStrong,
		WriteQuorum: 2,
	}))

	stats := svc.Stats()
	assert.Equal(t, model.ConsistencyStrong, stats.Consistency)
	assert.Equal(t, "eu-west", svc.configSnapshot().Region, "identity fields survive reconfiguration")
	assert.Equal(t, 2, svc.configSnapshot().WriteQuorum)
}

func TestReplicationLogCompaction(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1", "n2")
	svc := f.svcs["n1"]
	ctx := context.Background()

	total := logCompactionMinEntries + 50
	for i := 0; i < total; i++ {
		require.NoError(t, f.caches["n1"].Set(ctx, fmt.Sprintf("k%04d", i), []byte("v"), 0))
	}

	// Below a full ack nothing can be dropped.
	svc.maybeCompact()
	require.Equal(t, total, svc.Stats().LogSize)

	require.NoError(t, svc.Sync(ctx, false, true))
	svc.maybeCompact()

	stats := svc.Stats()
	assert.Zero(t, stats.LogSize, "everything acked is compacted away")
	assert.Equal(t, uint64(total), stats.OldestVersion)
	assert.Equal(t, uint64(total), stats.CurrentVersion)

	// Incremental syncs continue above the floor.
	require.NoError(t, f.caches["n1"].Set(ctx, "after", []byte("v"), 0))
	require.NoError(t, svc.Sync(ctx, false, true))
	_, found := f.get(t, "n2", "after")
	assert.True(t, found)

	// A peer behind the floor gets the latest state per key instead.
	cache3 := newTestCache(t, &CacheConfig{L1MaxSize: 4096, L2MaxSize: 4096, L3MaxSize: 4096}, nil)
	cfg3 := ReplicationConfig{NodeID: "n3"}
	svc3, err := NewReplicationService(cfg3, cache3, f.lb.Transport("n3"), nil, nil, svc.pool, nil, nil, zap.NewNop())
	require.NoError(t, err)
	f.lb.Register("n3", svc3)
	require.NoError(t, svc.AddReplica(ctx, &model.ReplicaNode{ID: "n3"}))

	require.NoError(t, svc.Sync(ctx, false, true))
	for _, key := range []string{"k0000", fmt.Sprintf("k%04d", total-1), "after"} {
		_, found, err := cache3.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found, key)
	}
}

func TestReplicationFetchLocal(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{}, "n1")
	ctx := context.Background()

	entry, err := f.svcs["n1"].FetchLocal(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, entry, "unknown keys are a definitive nil")

	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("v"), 0))
	entry, err = f.svcs["n1"].FetchLocal(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("v"), entry.Value)
	assert.Equal(t, "n1", entry.NodeID)
}

func TestReplicationStats(t *testing.T) {
	f := newReplicaFixture(t, ReplicationConfig{Mode: model.PrimaryReplica}, "n1", "n2")
	ctx := context.Background()

	require.NoError(t, f.caches["n1"].Set(ctx, "k", []byte("v"), 0))
	require.NoError(t, f.svcs["n1"].Sync(ctx, false, true))

	stats := f.svcs["n1"].Stats()
	assert.Equal(t, "n1", stats.NodeID)
	assert.Equal(t, model.PrimaryReplica, stats.Mode)
	assert.Equal(t, "n1", stats.PrimaryID)
	assert.Equal(t, 2, stats.Nodes)
	assert.Equal(t, 2, stats.NodesByHealth[model.NodeHealthy])
	assert.Equal(t, uint64(1), stats.CurrentVersion)
	assert.Equal(t, 1, stats.LogSize)
	assert.Equal(t, uint64(1), stats.SyncsAttempted)
	assert.Zero(t, stats.SyncsFailed)
}
