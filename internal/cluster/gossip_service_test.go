package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratakv/strata/internal/model"
)

// gossipStub answers replication traffic with canned replies.
type gossipStub struct {
	deltas []*model.SyncDelta
	froms  []string
	pings  []string
	entry  *model.ReplicationEntry
	fail   error
}

func (h *gossipStub) ApplyDelta(ctx context.Context, from string, delta *model.SyncDelta) (*model.SyncAck, error) {
	if h.fail != nil {
		return nil, h.fail
	}
	h.deltas = append(h.deltas, delta)
	h.froms = append(h.froms, from)
	return &model.SyncAck{NodeID: "stub", AppliedVersion: delta.ToVersion}, nil
}

func (h *gossipStub) FetchLocal(ctx context.Context, key string) (*model.ReplicationEntry, error) {
	if h.fail != nil {
		return nil, h.fail
	}
	if h.entry != nil && h.entry.Key == key {
		return h.entry, nil
	}
	return nil, nil
}

func (h *gossipStub) PingAck(ctx context.Context, from string) error {
	if h.fail != nil {
		return h.fail
	}
	h.pings = append(h.pings, from)
	return nil
}

func newGossipService(t *testing.T, id string) *GossipService {
	t.Helper()
	svc, err := NewGossipService(GossipConfig{RequestTimeout: time.Second},
		&model.ReplicaNode{ID: id}, zap.NewNop())
	require.NoError(t, err)
	return svc
}

// wireGossipPair connects two services through their swappable send
// hooks, so envelopes flow without a real memberlist cluster.
func wireGossipPair(t *testing.T) (a, b *GossipService, sa, sb *gossipStub) {
	t.Helper()
	a, b = newGossipService(t, "a"), newGossipService(t, "b")
	sa, sb = &gossipStub{}, &gossipStub{}
	a.SetHandler(sa)
	b.SetHandler(sb)

	peers := map[string]*GossipService{"a": a, "b": b}
	deliver := func(nodeID string, data []byte) error {
		peer, ok := peers[nodeID]
		if !ok {
			return fmt.Errorf("no route to %s", nodeID)
		}
		peer.handleMessage(data)
		return nil
	}
	a.send = deliver
	b.send = deliver
	return a, b, sa, sb
}

func TestGossipRequestReplyRoundTrip(t *testing.T) {
	a, _, _, sb := wireGossipPair(t)
	ctx := context.Background()

	ack, err := a.SendDelta(ctx, "b", &model.SyncDelta{ToVersion: 9})
	require.NoError(t, err)
	assert.Equal(t, uint64(9), ack.AppliedVersion)
	require.Len(t, sb.deltas, 1)
	assert.Equal(t, []string{"a"}, sb.froms, "the handler sees the requester's id")

	sb.entry = &model.ReplicationEntry{Key: "k", Value: []byte("v"), NodeID: "b"}
	entry, err := a.FetchEntry(ctx, "b", "k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, []byte("v"), entry.Value)

	// A peer that has never seen the key answers definitively empty.
	entry, err = a.FetchEntry(ctx, "b", "missing")
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, a.Ping(ctx, "b"))
	assert.Equal(t, []string{"a"}, sb.pings)
}

func TestGossipHandlerErrorsPropagate(t *testing.T) {
	a, _, _, sb := wireGossipPair(t)
	ctx := context.Background()
	sb.fail = assert.AnError

	_, err := a.SendDelta(ctx, "b", &model.SyncDelta{})
	assert.ErrorContains(t, err, "rejected delta")

	_, err = a.FetchEntry(ctx, "b", "k")
	assert.ErrorContains(t, err, "rejected fetch")

	err = a.Ping(ctx, "b")
	assert.ErrorContains(t, err, "rejected ping")
}

func TestGossipHandlerNotReady(t *testing.T) {
	a := newGossipService(t, "a")
	b := newGossipService(t, "b")
	a.SetHandler(&gossipStub{})
	// b never binds a handler.

	peers := map[string]*GossipService{"a": a, "b": b}
	deliver := func(nodeID string, data []byte) error {
		peers[nodeID].handleMessage(data)
		return nil
	}
	a.send = deliver
	b.send = deliver

	_, err := a.SendDelta(context.Background(), "b", &model.SyncDelta{})
	assert.ErrorContains(t, err, "handler not ready")
}

func TestGossipRequestTimesOutWithoutReply(t *testing.T) {
	svc, err := NewGossipService(GossipConfig{RequestTimeout: 30 * time.Millisecond},
		&model.ReplicaNode{ID: "a"}, zap.NewNop())
	require.NoError(t, err)
	svc.send = func(string, []byte) error { return nil }

	_, err = svc.SendDelta(context.Background(), "b", &model.SyncDelta{})
	assert.ErrorContains(t, err, "did not reply")
}

func TestGossipRequestSendFailure(t *testing.T) {
	svc := newGossipService(t, "a")
	svc.send = func(string, []byte) error { return fmt.Errorf("wire cut") }

	_, err := svc.SendDelta(context.Background(), "b", &model.SyncDelta{})
	assert.ErrorContains(t, err, "wire cut")
}

func TestGossipRequestHonorsContext(t *testing.T) {
	svc := newGossipService(t, "a")
	svc.send = func(string, []byte) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.SendDelta(ctx, "b", &model.SyncDelta{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGossipUnstartedTransport(t *testing.T) {
	svc := newGossipService(t, "a")

	err := svc.Ping(context.Background(), "b")
	assert.ErrorContains(t, err, "not started")
	assert.Zero(t, svc.NumMembers())
	assert.NoError(t, svc.Close())
}

func TestGossipCloseUnblocksWaiters(t *testing.T) {
	svc := newGossipService(t, "a")
	svc.send = func(string, []byte) error { return nil }

	done := make(chan error, 1)
	go func() {
		_, err := svc.SendDelta(context.Background(), "b", &model.SyncDelta{})
		done <- err
	}()

	require.Eventually(t, func() bool {
		svc.mu.RLock()
		defer svc.mu.RUnlock()
		return len(svc.waiters) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Close())
	assert.ErrorContains(t, <-done, "shutting down")
}

func TestGossipDropsMalformedMessages(t *testing.T) {
	svc := newGossipService(t, "a")
	svc.SetHandler(&gossipStub{})

	// None of these may panic or produce traffic.
	svc.handleMessage([]byte("{not json"))
	svc.handleMessage([]byte(`{"kind":"bogus","id":"x"}`))
	svc.handleMessage([]byte(`{"kind":"delta-ack","id":"no-waiter"}`))
}

func TestGossipMetaRoundTrip(t *testing.T) {
	node := &model.ReplicaNode{
		ID:        "n1",
		Region:    "eu-west",
		Endpoint:  "10.0.0.1:7946",
		IsPrimary: true,
		Capacity:  1 << 30,
		Used:      1 << 20,
		Weight:    2.5,
	}

	meta := metaFromNode(node)
	got := meta.toNode()
	assert.Equal(t, node, got)
}

func TestGossipNodeMetaHonorsLimit(t *testing.T) {
	svc := newGossipService(t, "a")

	assert.Nil(t, svc.NodeMeta(4), "meta over the limit is omitted, not truncated")
	assert.Equal(t, svc.LocalState(false), svc.NodeMeta(512))
}

func TestGossipUpdateLocalNodeBeforeStart(t *testing.T) {
	svc := newGossipService(t, "a")

	require.NoError(t, svc.UpdateLocalNode(&model.ReplicaNode{ID: "a", Region: "ap-south"}))
	assert.Contains(t, string(svc.LocalState(false)), "ap-south")
}

func TestGossipEventsForwardToSink(t *testing.T) {
	svc := newGossipService(t, "local")
	sink := &recordingSink{}
	svc.SetSink(sink)
	events := &gossipEvents{service: svc}

	meta, err := json.Marshal(gossipMeta{ID: "n2", Region: "eu", Capacity: 100})
	require.NoError(t, err)
	peer := &memberlist.Node{Name: "n2", Addr: net.ParseIP("10.0.0.5"), Port: 7946, Meta: meta}

	events.NotifyJoin(peer)
	require.Len(t, sink.joined, 1)
	assert.Equal(t, "n2", sink.joined[0].ID)
	assert.Equal(t, "eu", sink.joined[0].Region)
	assert.Equal(t, int64(100), sink.joined[0].Capacity)
	assert.Equal(t, "10.0.0.5:7946", sink.joined[0].Endpoint,
		"the observed address wins over gossiped metadata")

	events.NotifyUpdate(peer)
	require.Len(t, sink.updated, 1)

	events.NotifyLeave(peer)
	assert.Equal(t, []string{"n2"}, sink.left)

	// A peer without metadata still joins under its member name.
	bare := &memberlist.Node{Name: "n3", Addr: net.ParseIP("10.0.0.6"), Port: 7946}
	events.NotifyJoin(bare)
	require.Len(t, sink.joined, 2)
	assert.Equal(t, "n3", sink.joined[1].ID)
	assert.Equal(t, "10.0.0.6:7946", sink.joined[1].Endpoint)

	// Self events never reach the sink.
	self := &memberlist.Node{Name: "local", Addr: net.ParseIP("127.0.0.1"), Port: 7946}
	events.NotifyJoin(self)
	events.NotifyUpdate(self)
	events.NotifyLeave(self)
	assert.Len(t, sink.joined, 2)
	assert.Len(t, sink.updated, 1)
	assert.Len(t, sink.left, 1)
}

func TestGossipMergeRemoteState(t *testing.T) {
	svc := newGossipService(t, "local")
	sink := &recordingSink{}
	svc.SetSink(sink)

	buf, err := json.Marshal(gossipMeta{ID: "n2", Used: 7})
	require.NoError(t, err)
	svc.MergeRemoteState(buf, true)
	require.Len(t, sink.updated, 1)
	assert.Equal(t, int64(7), sink.updated[0].Used)

	// Own state and garbage are ignored.
	own, err := json.Marshal(gossipMeta{ID: "local"})
	require.NoError(t, err)
	svc.MergeRemoteState(own, false)
	svc.MergeRemoteState([]byte("junk"), false)
	svc.MergeRemoteState(nil, false)
	assert.Len(t, sink.updated, 1)
}

func TestGossipRequiresLocalID(t *testing.T) {
	_, err := NewGossipService(GossipConfig{}, nil, zap.NewNop())
	require.Error(t, err)

	_, err = NewGossipService(GossipConfig{}, &model.ReplicaNode{}, zap.NewNop())
	require.Error(t, err)
}

type recordingSink struct {
	joined  []*model.ReplicaNode
	left    []string
	updated []*model.ReplicaNode
}

func (r *recordingSink) NodeJoined(n *model.ReplicaNode)  { r.joined = append(r.joined, n) }
func (r *recordingSink) NodeLeft(id string)               { r.left = append(r.left, id) }
func (r *recordingSink) NodeUpdated(n *model.ReplicaNode) { r.updated = append(r.updated, n) }
