package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/stratakv/strata/internal/model"
)

// Loopback routes replication traffic between handlers registered in
// the same process. It backs single-node deployments, where the only
// registered handler is the local node, and multi-node tests, where
// several coordinators share one registry and partitions are injected
// with SetDown.
type Loopback struct {
	mu       sync.RWMutex
	handlers map[string]DeltaHandler
	down     map[string]bool
}

// NewLoopback returns an empty registry.
func NewLoopback() *Loopback {
	return &Loopback{
		handlers: make(map[string]DeltaHandler),
		down:     make(map[string]bool),
	}
}

// Transport returns the outbound view nodeID should send through. The
// node's own handler can be registered later; outbound traffic only
// needs the destination registered.
func (l *Loopback) Transport(nodeID string) Transport {
	return &loopbackTransport{registry: l, nodeID: nodeID}
}

// Register binds the handler receiving traffic addressed to nodeID.
func (l *Loopback) Register(nodeID string, handler DeltaHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[nodeID] = handler
}

// SetDown marks nodeID unreachable (or reachable again). Traffic to or
// from a down node fails as if the network dropped it.
func (l *Loopback) SetDown(nodeID string, down bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down[nodeID] = down
}

func (l *Loopback) route(from, to string) (DeltaHandler, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.down[from] {
		return nil, fmt.Errorf("loopback: node %s is partitioned", from)
	}
	if l.down[to] {
		return nil, fmt.Errorf("loopback: node %s is unreachable", to)
	}
	handler, ok := l.handlers[to]
	if !ok {
		return nil, fmt.Errorf("loopback: no handler registered for node %s", to)
	}
	return handler, nil
}

// loopbackTransport is one node's outbound view of the shared registry.
type loopbackTransport struct {
	registry *Loopback
	nodeID   string
}

func (t *loopbackTransport) SendDelta(ctx context.Context, nodeID string, delta *model.SyncDelta) (*model.SyncAck, error) {
	handler, err := t.registry.route(t.nodeID, nodeID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return handler.ApplyDelta(ctx, t.nodeID, delta)
}

func (t *loopbackTransport) FetchEntry(ctx context.Context, nodeID string, key string) (*model.ReplicationEntry, error) {
	handler, err := t.registry.route(t.nodeID, nodeID)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return handler.FetchLocal(ctx, key)
}

func (t *loopbackTransport) Ping(ctx context.Context, nodeID string) error {
	handler, err := t.registry.route(t.nodeID, nodeID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return handler.PingAck(ctx, t.nodeID)
}

func (t *loopbackTransport) Close() error { return nil }
