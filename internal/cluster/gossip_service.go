package cluster

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/stratakv/strata/internal/model"
	"github.com/stratakv/strata/internal/transport"
)

// GossipConfig holds gossip membership configuration.
type GossipConfig struct {
	BindAddr       string
	BindPort       int
	AdvertiseAddr  string
	AdvertisePort  int
	SeedNodes      []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	ProbeTimeout   time.Duration
	RequestTimeout time.Duration
}

// MembershipSink receives membership changes discovered over gossip.
type MembershipSink interface {
	NodeJoined(node *model.ReplicaNode)
	NodeLeft(nodeID string)
	NodeUpdated(node *model.ReplicaNode)
}

// gossipMeta is the node metadata carried in memberlist. It stays well
// under the memberlist meta size limit, so vector clocks and health
// never ride along; those travel in sync deltas.
type gossipMeta struct {
	ID        string  `json:"id"`
	Region    string  `json:"region,omitempty"`
	Endpoint  string  `json:"endpoint,omitempty"`
	IsPrimary bool    `json:"is_primary,omitempty"`
	Capacity  int64   `json:"capacity,omitempty"`
	Used      int64   `json:"used,omitempty"`
	Weight    float64 `json:"weight,omitempty"`
}

func metaFromNode(node *model.ReplicaNode) gossipMeta {
	return gossipMeta{
		ID:        node.ID,
		Region:    node.Region,
		Endpoint:  node.Endpoint,
		IsPrimary: node.IsPrimary,
		Capacity:  node.Capacity,
		Used:      node.Used,
		Weight:    node.Weight,
	}
}

func (m gossipMeta) toNode() *model.ReplicaNode {
	return &model.ReplicaNode{
		ID:        m.ID,
		Region:    m.Region,
		Endpoint:  m.Endpoint,
		IsPrimary: m.IsPrimary,
		Capacity:  m.Capacity,
		Used:      m.Used,
		Weight:    m.Weight,
	}
}

// Replication traffic rides memberlist's reliable TCP channel as JSON
// envelopes. Requests carry a correlation id the response echoes back.
const (
	msgDelta    = "delta"
	msgDeltaAck = "delta-ack"
	msgFetch    = "fetch"
	msgFetchAck = "fetch-ack"
	msgPing     = "ping"
	msgPong     = "pong"
)

type envelope struct {
	ID    string                  `json:"id"`
	Kind  string                  `json:"kind"`
	From  string                  `json:"from"`
	Key   string                  `json:"key,omitempty"`
	Delta *model.SyncDelta        `json:"delta,omitempty"`
	Ack   *model.SyncAck          `json:"ack,omitempty"`
	Entry *model.ReplicationEntry `json:"entry,omitempty"`
	Found bool                    `json:"found,omitempty"`
	Error string                  `json:"error,omitempty"`
}

// GossipService joins the node into a memberlist cluster and carries
// replication traffic between members. Membership changes flow to the
// sink; inbound deltas flow to the handler. It implements
// transport.Transport for outbound traffic.
type GossipService struct {
	config GossipConfig
	nodeID string
	logger *zap.Logger

	mu      sync.RWMutex
	meta    []byte
	sink    MembershipSink
	handler transport.DeltaHandler
	list    *memberlist.Memberlist
	waiters map[string]chan *envelope

	// send is swappable so message routing is testable without a
	// real cluster.
	send func(nodeID string, data []byte) error
}

// NewGossipService prepares the service for the given local node.
// SetSink and SetHandler must be called before Start.
func NewGossipService(cfg GossipConfig, local *model.ReplicaNode, logger *zap.Logger) (*GossipService, error) {
	if local == nil || local.ID == "" {
		return nil, fmt.Errorf("gossip: local node id must not be empty")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meta, err := json.Marshal(metaFromNode(local))
	if err != nil {
		return nil, fmt.Errorf("gossip: encode node meta: %w", err)
	}

	s := &GossipService{
		config:  cfg,
		nodeID:  local.ID,
		logger:  logger,
		meta:    meta,
		waiters: make(map[string]chan *envelope),
	}
	s.send = s.sendReliable
	return s, nil
}

// SetSink binds the membership consumer.
func (s *GossipService) SetSink(sink MembershipSink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// SetHandler binds the consumer of inbound replication traffic.
func (s *GossipService) SetHandler(h transport.DeltaHandler) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

// Start creates the memberlist and joins the seed nodes. Partial seed
// failures are tolerated; gossip converges from whoever answered.
func (s *GossipService) Start() error {
	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = s.nodeID
	if s.config.BindAddr != "" {
		mlConfig.BindAddr = s.config.BindAddr
	}
	if s.config.BindPort > 0 {
		mlConfig.BindPort = s.config.BindPort
	}
	if s.config.AdvertiseAddr != "" {
		mlConfig.AdvertiseAddr = s.config.AdvertiseAddr
	}
	if s.config.AdvertisePort > 0 {
		mlConfig.AdvertisePort = s.config.AdvertisePort
	}
	if s.config.GossipInterval > 0 {
		mlConfig.GossipInterval = s.config.GossipInterval
	}
	if s.config.ProbeInterval > 0 {
		mlConfig.ProbeInterval = s.config.ProbeInterval
	}
	if s.config.ProbeTimeout > 0 {
		mlConfig.ProbeTimeout = s.config.ProbeTimeout
	}
	mlConfig.Delegate = s
	mlConfig.Events = &gossipEvents{service: s}
	mlConfig.LogOutput = &memberlistLogAdapter{logger: s.logger}

	list, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("gossip: create memberlist: %w", err)
	}

	s.mu.Lock()
	s.list = list
	s.mu.Unlock()

	if len(s.config.SeedNodes) > 0 {
		contacted, err := list.Join(s.config.SeedNodes)
		if err != nil {
			s.logger.Warn("Some seed nodes unreachable", zap.Error(err))
		}
		s.logger.Info("Joined gossip cluster",
			zap.Int("contacted", contacted),
			zap.Strings("seeds", s.config.SeedNodes))
	}

	s.logger.Info("Gossip started",
		zap.String("node_id", s.nodeID),
		zap.String("bind", fmt.Sprintf("%s:%d", mlConfig.BindAddr, mlConfig.BindPort)))
	return nil
}

// UpdateLocalNode re-gossips refreshed local metadata, such as new
// capacity figures or a primary change.
func (s *GossipService) UpdateLocalNode(node *model.ReplicaNode) error {
	meta, err := json.Marshal(metaFromNode(node))
	if err != nil {
		return fmt.Errorf("gossip: encode node meta: %w", err)
	}

	s.mu.Lock()
	s.meta = meta
	list := s.list
	s.mu.Unlock()

	if list == nil {
		return nil
	}
	return list.UpdateNode(10 * time.Second)
}

// NumMembers returns the live member count, local node included.
func (s *GossipService) NumMembers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.list == nil {
		return 0
	}
	return s.list.NumMembers()
}

// SendDelta ships a delta and waits for the ack. Part of
// transport.Transport.
func (s *GossipService) SendDelta(ctx context.Context, nodeID string, delta *model.SyncDelta) (*model.SyncAck, error) {
	reply, err := s.request(ctx, nodeID, &envelope{Kind: msgDelta, Delta: delta})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("gossip: node %s rejected delta: %s", nodeID, reply.Error)
	}
	if reply.Ack == nil {
		return nil, fmt.Errorf("gossip: node %s sent an ack-less reply", nodeID)
	}
	return reply.Ack, nil
}

// FetchEntry asks a peer for its newest entry for key. A (nil, nil)
// return means the peer definitively has nothing. Part of
// transport.Transport.
func (s *GossipService) FetchEntry(ctx context.Context, nodeID string, key string) (*model.ReplicationEntry, error) {
	reply, err := s.request(ctx, nodeID, &envelope{Kind: msgFetch, Key: key})
	if err != nil {
		return nil, err
	}
	if reply.Error != "" {
		return nil, fmt.Errorf("gossip: node %s rejected fetch: %s", nodeID, reply.Error)
	}
	if !reply.Found {
		return nil, nil
	}
	return reply.Entry, nil
}

// Ping round-trips a liveness probe through the replication channel,
// confirming the peer's handler is serving and not just its gossip
// layer. Part of transport.Transport.
func (s *GossipService) Ping(ctx context.Context, nodeID string) error {
	reply, err := s.request(ctx, nodeID, &envelope{Kind: msgPing})
	if err != nil {
		return err
	}
	if reply.Error != "" {
		return fmt.Errorf("gossip: node %s rejected ping: %s", nodeID, reply.Error)
	}
	return nil
}

// Close leaves the cluster gracefully. Part of transport.Transport.
func (s *GossipService) Close() error {
	s.mu.Lock()
	list := s.list
	s.list = nil
	for id, ch := range s.waiters {
		close(ch)
		delete(s.waiters, id)
	}
	s.mu.Unlock()

	if list == nil {
		return nil
	}
	if err := list.Leave(5 * time.Second); err != nil {
		s.logger.Warn("Gossip leave failed", zap.Error(err))
	}
	return list.Shutdown()
}

// request sends an envelope and waits for the correlated reply.
func (s *GossipService) request(ctx context.Context, nodeID string, env *envelope) (*envelope, error) {
	env.ID = uuid.New().String()
	env.From = s.nodeID

	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("gossip: encode %s: %w", env.Kind, err)
	}

	ch := make(chan *envelope, 1)
	s.mu.Lock()
	s.waiters[env.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.waiters, env.ID)
		s.mu.Unlock()
	}()

	if err := s.send(nodeID, data); err != nil {
		return nil, err
	}

	timeout := s.config.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("gossip: shutting down")
		}
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("gossip: node %s did not reply to %s within %s", nodeID, env.Kind, timeout)
	}
}

func (s *GossipService) sendReliable(nodeID string, data []byte) error {
	s.mu.RLock()
	list := s.list
	s.mu.RUnlock()
	if list == nil {
		return fmt.Errorf("gossip: not started")
	}

	for _, member := range list.Members() {
		if member.Name == nodeID {
			return list.SendReliable(member, data)
		}
	}
	return fmt.Errorf("gossip: node %s is not a cluster member", nodeID)
}

// handleMessage routes one inbound envelope: requests run through the
// handler and produce a reply, replies wake the matching waiter.
func (s *GossipService) handleMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.logger.Warn("Dropping undecodable gossip message", zap.Error(err))
		return
	}

	switch env.Kind {
	case msgDelta, msgFetch, msgPing:
		s.serveRequest(&env)
	case msgDeltaAck, msgFetchAck, msgPong:
		s.mu.RLock()
		ch, ok := s.waiters[env.ID]
		s.mu.RUnlock()
		if ok {
			select {
			case ch <- &env:
			default:
			}
		}
	default:
		s.logger.Warn("Dropping gossip message of unknown kind",
			zap.String("kind", env.Kind), zap.String("from", env.From))
	}
}

func (s *GossipService) serveRequest(req *envelope) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	reply := &envelope{ID: req.ID, From: s.nodeID}
	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	defer cancel()

	switch {
	case handler == nil:
		reply.Error = "handler not ready"
		switch req.Kind {
		case msgDelta:
			reply.Kind = msgDeltaAck
		case msgFetch:
			reply.Kind = msgFetchAck
		default:
			reply.Kind = msgPong
		}

	case req.Kind == msgDelta:
		reply.Kind = msgDeltaAck
		ack, err := handler.ApplyDelta(ctx, req.From, req.Delta)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.Ack = ack
		}

	case req.Kind == msgFetch:
		reply.Kind = msgFetchAck
		entry, err := handler.FetchLocal(ctx, req.Key)
		if err != nil {
			reply.Error = err.Error()
		} else if entry != nil {
			reply.Entry = entry
			reply.Found = true
		}

	default:
		reply.Kind = msgPong
		if err := handler.PingAck(ctx, req.From); err != nil {
			reply.Error = err.Error()
		}
	}

	data, err := json.Marshal(reply)
	if err != nil {
		s.logger.Error("Encode gossip reply failed", zap.Error(err))
		return
	}
	if err := s.send(req.From, data); err != nil {
		s.logger.Warn("Gossip reply not delivered",
			zap.String("to", req.From), zap.Error(err))
	}
}

// NodeMeta implements memberlist.Delegate.
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.meta) > limit {
		s.logger.Warn("Node meta exceeds gossip limit, omitting",
			zap.Int("size", len(s.meta)), zap.Int("limit", limit))
		return nil
	}
	return s.meta
}

// NotifyMsg implements memberlist.Delegate. It must not block, so
// handling happens on its own goroutine with a copied payload.
func (s *GossipService) NotifyMsg(data []byte) {
	if len(data) == 0 {
		return
	}
	msg := make([]byte, len(data))
	copy(msg, data)
	go s.handleMessage(msg)
}

// GetBroadcasts implements memberlist.Delegate. Replication traffic is
// point to point, nothing piggybacks on gossip packets.
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate.
func (s *GossipService) LocalState(join bool) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}

// MergeRemoteState implements memberlist.Delegate.
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {
	if len(buf) == 0 {
		return
	}
	var meta gossipMeta
	if err := json.Unmarshal(buf, &meta); err != nil || meta.ID == "" || meta.ID == s.nodeID {
		return
	}

	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink.NodeUpdated(meta.toNode())
	}
}

// gossipEvents forwards memberlist events to the membership sink.
type gossipEvents struct {
	service *GossipService
}

func (e *gossipEvents) NotifyJoin(node *memberlist.Node) {
	s := e.service
	if node.Name == s.nodeID {
		return
	}
	s.logger.Info("Node joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))

	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink == nil {
		return
	}

	replica := decodeMeta(node)
	replica.Endpoint = node.Address()
	sink.NodeJoined(replica)
}

func (e *gossipEvents) NotifyLeave(node *memberlist.Node) {
	s := e.service
	if node.Name == s.nodeID {
		return
	}
	s.logger.Info("Node left", zap.String("node_id", node.Name))

	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink.NodeLeft(node.Name)
	}
}

func (e *gossipEvents) NotifyUpdate(node *memberlist.Node) {
	s := e.service
	if node.Name == s.nodeID {
		return
	}
	s.logger.Debug("Node updated", zap.String("node_id", node.Name))

	s.mu.RLock()
	sink := s.sink
	s.mu.RUnlock()
	if sink != nil {
		sink.NodeUpdated(decodeMeta(node))
	}
}

// decodeMeta rebuilds a replica node from gossiped metadata, falling
// back to the member name and address when the meta is absent.
func decodeMeta(node *memberlist.Node) *model.ReplicaNode {
	var meta gossipMeta
	if len(node.Meta) > 0 {
		if err := json.Unmarshal(node.Meta, &meta); err == nil && meta.ID != "" {
			return meta.toNode()
		}
	}
	return &model.ReplicaNode{ID: node.Name, Endpoint: node.Address()}
}

// memberlistLogAdapter funnels memberlist's internal log lines to zap
// at debug level.
type memberlistLogAdapter struct {
	logger *zap.Logger
}

func (l *memberlistLogAdapter) Write(p []byte) (int, error) {
	l.logger.Debug("memberlist", zap.ByteString("line", p))
	return len(p), nil
}
