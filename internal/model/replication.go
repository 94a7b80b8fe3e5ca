package model

// ReplicationMode defines the write topology of the replica set
type ReplicationMode string

const (
	// PrimaryReplica allows exactly one primary; replicas receive deltas
	PrimaryReplica ReplicationMode = "primary-replica"
	// MultiPrimary lets every node accept writes; conflicts are resolved on apply
	MultiPrimary ReplicationMode = "multi-primary"
)

// ConsistencyLevel defines the read/write acknowledgement contract
type ConsistencyLevel string

const (
	ConsistencyEventual ConsistencyLevel = "eventual"
	ConsistencyStrong   ConsistencyLevel = "strong"
	ConsistencyCausal   ConsistencyLevel = "causal"
)

// ConflictStrategy defines how concurrent writes to the same key are resolved
type ConflictStrategy string

const (
	LastWriteWins    ConflictStrategy = "last-write-wins"
	FirstWriteWins   ConflictStrategy = "first-write-wins"
	VectorClockWins  ConflictStrategy = "vector-clock"
	MergeValues      ConflictStrategy = "merge"
	CustomResolution ConflictStrategy = "custom"
)

// OpType defines the kind of mutation carried by a replication entry
type OpType string

const (
	OpSet    OpType = "set"
	OpDelete OpType = "delete"
)

// ReplicationEntry is one mutation in the replication log.
type ReplicationEntry struct {
	Key         string      `json:"key"`
	Value       []byte      `json:"value,omitempty"` // nil for deletes
	Op          OpType      `json:"op"`
	Timestamp   int64       `json:"timestamp"` // unix milliseconds at origin
	Version     uint64      `json:"version"`   // origin log version
	VectorClock VectorClock `json:"vector_clock"`
	NodeID      string      `json:"node_id"` // origin node
	Checksum    uint32      `json:"checksum"`
}

// Clone returns a deep copy of the entry.
func (e *ReplicationEntry) Clone() *ReplicationEntry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Value != nil {
		c.Value = make([]byte, len(e.Value))
		copy(c.Value, e.Value)
	}
	c.VectorClock = e.VectorClock.Clone()
	return &c
}

// SyncDelta carries a contiguous slice of the replication log between nodes.
// When Compressed is set, Payload holds the zstd-compressed JSON encoding of
// the entries and Entries is empty; Checksum always covers the serialized
// entries before compression.
type SyncDelta struct {
	FromVersion uint64              `json:"from_version"`
	ToVersion   uint64              `json:"to_version"`
	Entries     []*ReplicationEntry `json:"entries,omitempty"`
	Payload     []byte              `json:"payload,omitempty"`
	Compressed  bool                `json:"compressed"`
	Size        int64               `json:"size"`
	Checksum    uint32              `json:"checksum"`
}

// SyncAck acknowledges an applied delta.
type SyncAck struct {
	NodeID         string `json:"node_id"`
	AppliedVersion uint64 `json:"applied_version"`
	Conflicts      int    `json:"conflicts"`
}

// Conflict pairs a local and a remote entry for the same key whose vector
// clocks are concurrent.
type Conflict struct {
	Key        string            `json:"key"`
	Local      *ReplicationEntry `json:"local"`
	Remote     *ReplicationEntry `json:"remote"`
	DetectedAt int64             `json:"detected_at"` // unix milliseconds
	Resolution *ReplicationEntry `json:"resolution,omitempty"`
	Strategy   ConflictStrategy  `json:"strategy,omitempty"`
}

// ConflictResolver is a user-supplied resolution function for the custom
// strategy. It returns the winning entry, which may be a new entry derived
// from both inputs. Returning nil leaves the conflict pending.
type ConflictResolver func(local, remote *ReplicationEntry) *ReplicationEntry
