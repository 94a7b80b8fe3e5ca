package model

import "time"

// NodeHealth defines the operational health of a replica node
type NodeHealth string

const (
	NodeHealthy   NodeHealth = "healthy"
	NodeDegraded  NodeHealth = "degraded"
	NodeUnhealthy NodeHealth = "unhealthy"
	NodeOffline   NodeHealth = "offline"
)

// Severity orders health states from best (0) to worst (3).
func (h NodeHealth) Severity() int {
	switch h {
	case NodeHealthy:
		return 0
	case NodeDegraded:
		return 1
	case NodeUnhealthy:
		return 2
	case NodeOffline:
		return 3
	default:
		return 3
	}
}

// WorseThan reports whether h is a more severe state than other.
func (h NodeHealth) WorseThan(other NodeHealth) bool {
	return h.Severity() > other.Severity()
}

// ReplicaNode represents one member of the replica set.
type ReplicaNode struct {
	ID            string        `json:"id"`
	Region        string        `json:"region,omitempty"`
	Endpoint      string        `json:"endpoint"`
	IsPrimary     bool          `json:"is_primary"`
	Health        NodeHealth    `json:"health"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Lag           time.Duration `json:"lag"`     // replication lag behind the local log
	Version       uint64        `json:"version"` // last log version acked by the node
	VectorClock   VectorClock   `json:"vector_clock,omitempty"`
	Weight        float64       `json:"weight"`
	Capacity      int64         `json:"capacity"` // bytes the node can hold, 0 if unknown
	Used          int64         `json:"used"`     // bytes currently held
}

// Clone returns an independent copy of the node record.
func (n *ReplicaNode) Clone() *ReplicaNode {
	if n == nil {
		return nil
	}
	c := *n
	c.VectorClock = n.VectorClock.Clone()
	return &c
}

// CapacityRatio returns used/capacity, or 0 when capacity is unknown.
func (n *ReplicaNode) CapacityRatio() float64 {
	if n.Capacity <= 0 {
		return 0
	}
	return float64(n.Used) / float64(n.Capacity)
}

// NodeDiagnostics is the per-node result of a health check pass.
type NodeDiagnostics struct {
	NodeID        string        `json:"node_id"`
	Health        NodeHealth    `json:"health"`
	HeartbeatAge  time.Duration `json:"heartbeat_age"`
	Lag           time.Duration `json:"lag"`
	CapacityRatio float64       `json:"capacity_ratio"`
	Throughput    float64       `json:"throughput"` // entries replicated per second
	ErrorRate     float64       `json:"error_rate"` // failed syncs / attempted syncs
	Errors        []string      `json:"errors,omitempty"`
	Warnings      []string      `json:"warnings,omitempty"`
}
