package service

import (
	"github.com/stratakv/strata/internal/model"
)

// Events receives notifications about cache lifecycle transitions.
// Callbacks run synchronously on the mutating goroutine, sometimes
// with the cache's internal lock held, so implementations must return
// quickly and must not call back into the cache.
type Events interface {
	// OnEvict fires when an entry leaves the cache entirely.
	OnEvict(entry *model.CacheEntry)
	// OnPromote fires after an entry moves to a hotter tier.
	OnPromote(entry *model.CacheEntry, from, to model.Tier)
	// OnDemote fires after an entry moves to a colder tier.
	OnDemote(entry *model.CacheEntry, from, to model.Tier)
	// OnExpire fires when an expired entry is removed on access or sweep.
	OnExpire(entry *model.CacheEntry)
}

// NopEvents ignores every notification. Use this when no observer is
// configured.
type NopEvents struct{}

// OnEvict ignores the notification.
func (NopEvents) OnEvict(*model.CacheEntry) {}

// OnPromote ignores the notification.
func (NopEvents) OnPromote(*model.CacheEntry, model.Tier, model.Tier) {}

// OnDemote ignores the notification.
func (NopEvents) OnDemote(*model.CacheEntry, model.Tier, model.Tier) {}

// OnExpire ignores the notification.
func (NopEvents) OnExpire(*model.CacheEntry) {}

// ReplicationEvents receives notifications about cluster-level
// transitions. The same synchronous contract as Events applies.
type ReplicationEvents interface {
	// OnNodeSynced fires after a delta ships successfully to a peer.
	OnNodeSynced(nodeID string, appliedVersion uint64, entries int)
	// OnNodeHealthChanged fires when a peer moves between health states.
	OnNodeHealthChanged(nodeID string, from, to model.NodeHealth)
	// OnPrimaryChanged fires after a failover or manual promotion.
	OnPrimaryChanged(previousID, newID string)
	// OnConflictDetected fires when concurrent writes to a key are found.
	OnConflictDetected(conflict *model.Conflict)
	// OnConflictResolved fires once a detected conflict has a winner.
	OnConflictResolved(conflict *model.Conflict)
	// OnSnapshotCreated fires after a snapshot is captured and stored.
	OnSnapshotCreated(meta model.SnapshotMetadata)
}

// NopReplicationEvents ignores every cluster notification.
type NopReplicationEvents struct{}

// OnNodeSynced ignores the notification.
func (NopReplicationEvents) OnNodeSynced(string, uint64, int) {}

// OnNodeHealthChanged ignores the notification.
func (NopReplicationEvents) OnNodeHealthChanged(string, model.NodeHealth, model.NodeHealth) {}

// OnPrimaryChanged ignores the notification.
func (NopReplicationEvents) OnPrimaryChanged(string, string) {}

// OnConflictDetected ignores the notification.
func (NopReplicationEvents) OnConflictDetected(*model.Conflict) {}

// OnConflictResolved ignores the notification.
func (NopReplicationEvents) OnConflictResolved(*model.Conflict) {}

// OnSnapshotCreated ignores the notification.
func (NopReplicationEvents) OnSnapshotCreated(model.SnapshotMetadata) {}
