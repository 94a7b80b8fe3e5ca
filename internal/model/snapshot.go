package model

import "time"

// PayloadMode distinguishes full-state payloads from incremental ones
type PayloadMode string

const (
	PayloadFull  PayloadMode = "full"
	PayloadDelta PayloadMode = "delta"
)

// CachePayload is the serialized form of cache state used by export,
// import and snapshots. Entries are clones; Deleted lists tombstoned
// keys for delta payloads.
type CachePayload struct {
	Mode     PayloadMode   `json:"mode"`
	Entries  []*CacheEntry `json:"entries"`
	Deleted  []string      `json:"deleted,omitempty"`
	TakenAt  time.Time     `json:"taken_at"`
	Checksum uint32        `json:"checksum"` // covers the serialized entries
}

// SnapshotMetadata describes one retained snapshot.
type SnapshotMetadata struct {
	ID         string    `json:"id"`
	Version    uint64    `json:"version"` // replication log version at capture
	Timestamp  time.Time `json:"timestamp"`
	NodeID     string    `json:"node_id"`
	EntryCount int       `json:"entry_count"`
	Size       int64     `json:"size"` // payload bytes as stored
	Compressed bool      `json:"compressed"`
	Checksum   uint32    `json:"checksum"`
}

// Snapshot bundles metadata with the captured payload bytes. Payload is
// the JSON encoding of a CachePayload plus the replication head, zstd
// compressed when Compressed is set.
type Snapshot struct {
	Metadata SnapshotMetadata `json:"metadata"`
	Payload  []byte           `json:"payload"`
}

// SnapshotState is the decoded snapshot payload: the full cache state
// and the replication head needed to re-seed the log on restore.
type SnapshotState struct {
	Cache       *CachePayload `json:"cache"`
	Version     uint64        `json:"version"`
	VectorClock VectorClock   `json:"vector_clock"`
}
