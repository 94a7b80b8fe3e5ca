package transport

import (
	"context"

	"github.com/stratakv/strata/internal/model"
)

// Transport ships replication traffic to peer nodes, addressed by node
// id. Implementations must be safe for concurrent use and respect ctx
// cancellation.
type Transport interface {
	// SendDelta delivers a batch of replication entries to the target
	// node and returns its acknowledgement.
	SendDelta(ctx context.Context, nodeID string, delta *model.SyncDelta) (*model.SyncAck, error)

	// FetchEntry asks the target node for its newest replicated state
	// of key. A nil entry with a nil error means the peer definitively
	// has no record of the key.
	FetchEntry(ctx context.Context, nodeID string, key string) (*model.ReplicationEntry, error)

	// Ping probes the target node for liveness.
	Ping(ctx context.Context, nodeID string) error

	// Close releases transport resources.
	Close() error
}

// DeltaHandler is the receiving side of a Transport. The replication
// coordinator implements it; transports dispatch inbound traffic to it.
type DeltaHandler interface {
	// ApplyDelta applies a batch of entries originating from node from.
	ApplyDelta(ctx context.Context, from string, delta *model.SyncDelta) (*model.SyncAck, error)

	// FetchLocal returns the newest local replicated state of key, or
	// (nil, nil) when the key has never been written here.
	FetchLocal(ctx context.Context, key string) (*model.ReplicationEntry, error)

	// PingAck acknowledges a liveness probe from node from.
	PingAck(ctx context.Context, from string) error
}
