package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a strata node
type Metrics struct {
	// Cache operation metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheSetsTotal      prometheus.Counter
	CacheDeletesTotal   prometheus.Counter
	CacheExpiredTotal   prometheus.Counter
	CacheEvictionsTotal prometheus.CounterVec
	PromotionsTotal     prometheus.CounterVec
	DemotionsTotal      prometheus.CounterVec
	StampedeSuppressed  prometheus.Counter
	OpDuration          prometheus.HistogramVec

	// Tier state metrics
	TierEntries prometheus.GaugeVec
	TierBytes   prometheus.GaugeVec

	// Write-back metrics
	WriteBackQueueDepth prometheus.Gauge
	WriteBackFlushes    prometheus.Counter
	WriteBackFailures   prometheus.Counter

	// Replication metrics
	SyncsTotal          prometheus.Counter
	SyncFailuresTotal   prometheus.Counter
	EntriesShippedTotal prometheus.Counter
	EntriesAppliedTotal prometheus.Counter
	DeltaBytes          prometheus.Histogram
	ConflictsDetected   prometheus.Counter
	ConflictsResolved   prometheus.CounterVec
	PendingConflicts    prometheus.Gauge
	CausalBufferDepth   prometheus.Gauge
	FailoversTotal      prometheus.Counter
	SnapshotsTotal      prometheus.Counter
	RestoresTotal       prometheus.Counter
	QuorumWriteDuration prometheus.Histogram

	// Membership metrics
	PeersTotal    prometheus.Gauge
	PeersHealthy  prometheus.Gauge
	NodeHealth    prometheus.GaugeVec
	NodeLagSecs   prometheus.GaugeVec
	HeartbeatsOK  prometheus.Counter
	HeartbeatsBad prometheus.Counter

	// System metrics
	MemoryUsageBytes prometheus.Gauge
	GoroutinesTotal  prometheus.Gauge
}

// NewMetrics creates all metrics on the given registerer. Production
// code passes prometheus.DefaultRegisterer; tests pass a fresh
// prometheus.NewRegistry so parallel constructions never collide.
func NewMetrics(reg prometheus.Registerer, nodeID string) *Metrics {
	labels := prometheus.Labels{"node_id": nodeID}
	factory := promauto.With(reg)

	return &Metrics{
		CacheHitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "hits_total",
			Help:        "Total number of cache hits across all tiers",
			ConstLabels: labels,
		}),
		CacheMissesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "misses_total",
			Help:        "Total number of cache misses",
			ConstLabels: labels,
		}),
		CacheSetsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "sets_total",
			Help:        "Total number of set operations",
			ConstLabels: labels,
		}),
		CacheDeletesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "deletes_total",
			Help:        "Total number of delete operations",
			ConstLabels: labels,
		}),
		CacheExpiredTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "expired_total",
			Help:        "Total number of entries found expired on access",
			ConstLabels: labels,
		}),
		CacheEvictionsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "evictions_total",
			Help:        "Total number of evictions by tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		PromotionsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "promotions_total",
			Help:        "Total number of promotions by destination tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		DemotionsTotal: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "demotions_total",
			Help:        "Total number of demotions by destination tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		StampedeSuppressed: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "stampede_suppressed_total",
			Help:        "Loader executions avoided by in-flight deduplication",
			ConstLabels: labels,
		}),
		OpDuration: *factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "op_duration_seconds",
			Help:        "Histogram of operation durations by operation",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
		TierEntries: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "tier_entries",
			Help:        "Current entry count by tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		TierBytes: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "tier_bytes",
			Help:        "Current stored bytes by tier",
			ConstLabels: labels,
		}, []string{"tier"}),
		WriteBackQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "writeback_queue_depth",
			Help:        "Mutations waiting for the next write-back flush",
			ConstLabels: labels,
		}),
		WriteBackFlushes: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "writeback_flushes_total",
			Help:        "Total number of write-back flush cycles",
			ConstLabels: labels,
		}),
		WriteBackFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "cache",
			Name:        "writeback_failures_total",
			Help:        "Write-back operations that failed and were requeued",
			ConstLabels: labels,
		}),

		SyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "syncs_total",
			Help:        "Total number of delta shipments attempted",
			ConstLabels: labels,
		}),
		SyncFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "sync_failures_total",
			Help:        "Delta shipments that failed",
			ConstLabels: labels,
		}),
		EntriesShippedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "entries_shipped_total",
			Help:        "Replication entries shipped to peers",
			ConstLabels: labels,
		}),
		EntriesAppliedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "entries_applied_total",
			Help:        "Replication entries applied from peers",
			ConstLabels: labels,
		}),
		DeltaBytes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "delta_bytes",
			Help:        "Histogram of shipped delta payload sizes",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(256, 4, 8), // 256B to 4MB
		}),
		ConflictsDetected: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "conflicts_detected_total",
			Help:        "Concurrent writes detected during delta apply",
			ConstLabels: labels,
		}),
		ConflictsResolved: *factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "conflicts_resolved_total",
			Help:        "Conflicts resolved by strategy",
			ConstLabels: labels,
		}, []string{"strategy"}),
		PendingConflicts: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "pending_conflicts",
			Help:        "Conflicts awaiting resolution",
			ConstLabels: labels,
		}),
		CausalBufferDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "causal_buffer_depth",
			Help:        "Deltas buffered waiting for causal predecessors",
			ConstLabels: labels,
		}),
		FailoversTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "failovers_total",
			Help:        "Primary promotions performed",
			ConstLabels: labels,
		}),
		SnapshotsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "snapshots_total",
			Help:        "Snapshots captured",
			ConstLabels: labels,
		}),
		RestoresTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "restores_total",
			Help:        "Snapshots restored",
			ConstLabels: labels,
		}),
		QuorumWriteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "quorum_write_duration_seconds",
			Help:        "Histogram of quorum write round trips",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),

		PeersTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "peers_total",
			Help:        "Known replica nodes including the local one",
			ConstLabels: labels,
		}),
		PeersHealthy: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "peers_healthy",
			Help:        "Replica nodes currently healthy",
			ConstLabels: labels,
		}),
		NodeHealth: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "node_health",
			Help:        "Health severity per node (0 healthy, 1 degraded, 2 unhealthy, 3 offline)",
			ConstLabels: labels,
		}, []string{"node"}),
		NodeLagSecs: *factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "node_lag_seconds",
			Help:        "Replication lag per node",
			ConstLabels: labels,
		}, []string{"node"}),
		HeartbeatsOK: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "heartbeats_ok_total",
			Help:        "Heartbeat probes that succeeded",
			ConstLabels: labels,
		}),
		HeartbeatsBad: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "strata",
			Subsystem:   "replication",
			Name:        "heartbeats_failed_total",
			Help:        "Heartbeat probes that failed",
			ConstLabels: labels,
		}),

		MemoryUsageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "system",
			Name:        "memory_usage_bytes",
			Help:        "Current heap allocation",
			ConstLabels: labels,
		}),
		GoroutinesTotal: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "strata",
			Subsystem:   "system",
			Name:        "goroutines_total",
			Help:        "Current goroutine count",
			ConstLabels: labels,
		}),
	}
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordCacheSet records a set operation
func (m *Metrics) RecordCacheSet() {
	m.CacheSetsTotal.Inc()
}

// RecordCacheDelete records a delete operation
func (m *Metrics) RecordCacheDelete() {
	m.CacheDeletesTotal.Inc()
}

// RecordExpired records an entry found expired on access
func (m *Metrics) RecordExpired() {
	m.CacheExpiredTotal.Inc()
}

// RecordEviction records an eviction from the given tier
func (m *Metrics) RecordEviction(tier string) {
	m.CacheEvictionsTotal.WithLabelValues(tier).Inc()
}

// RecordPromotion records a promotion into the given tier
func (m *Metrics) RecordPromotion(tier string) {
	m.PromotionsTotal.WithLabelValues(tier).Inc()
}

// RecordDemotion records a demotion into the given tier
func (m *Metrics) RecordDemotion(tier string) {
	m.DemotionsTotal.WithLabelValues(tier).Inc()
}

// RecordStampedeSuppressed records a deduplicated loader execution
func (m *Metrics) RecordStampedeSuppressed() {
	m.StampedeSuppressed.Inc()
}

// RecordOp records an operation duration in seconds
func (m *Metrics) RecordOp(op string, seconds float64) {
	m.OpDuration.WithLabelValues(op).Observe(seconds)
}

// UpdateTierStats updates per-tier entry and byte gauges
func (m *Metrics) UpdateTierStats(tier string, entries int, bytes int64) {
	m.TierEntries.WithLabelValues(tier).Set(float64(entries))
	m.TierBytes.WithLabelValues(tier).Set(float64(bytes))
}

// UpdateWriteBackQueue updates the pending flush gauge
func (m *Metrics) UpdateWriteBackQueue(depth int) {
	m.WriteBackQueueDepth.Set(float64(depth))
}

// RecordWriteBackFlush records one flush cycle and its failures
func (m *Metrics) RecordWriteBackFlush(failures int) {
	m.WriteBackFlushes.Inc()
	if failures > 0 {
		m.WriteBackFailures.Add(float64(failures))
	}
}

// RecordSync records a delta shipment attempt
func (m *Metrics) RecordSync(ok bool, entries int, bytes int64) {
	m.SyncsTotal.Inc()
	if !ok {
		m.SyncFailuresTotal.Inc()
		return
	}
	m.EntriesShippedTotal.Add(float64(entries))
	m.DeltaBytes.Observe(float64(bytes))
}

// RecordEntriesApplied records entries applied from a peer delta
func (m *Metrics) RecordEntriesApplied(n int) {
	m.EntriesAppliedTotal.Add(float64(n))
}

// RecordConflictDetected records a detected conflict
func (m *Metrics) RecordConflictDetected() {
	m.ConflictsDetected.Inc()
}

// RecordConflictResolved records a resolved conflict by strategy
func (m *Metrics) RecordConflictResolved(strategy string) {
	m.ConflictsResolved.WithLabelValues(strategy).Inc()
}

// UpdatePendingConflicts updates the unresolved conflict gauge
func (m *Metrics) UpdatePendingConflicts(n int) {
	m.PendingConflicts.Set(float64(n))
}

// UpdateCausalBuffer updates the buffered delta gauge
func (m *Metrics) UpdateCausalBuffer(n int) {
	m.CausalBufferDepth.Set(float64(n))
}

// RecordFailover records a primary promotion
func (m *Metrics) RecordFailover() {
	m.FailoversTotal.Inc()
}

// RecordSnapshot records a captured snapshot
func (m *Metrics) RecordSnapshot() {
	m.SnapshotsTotal.Inc()
}

// RecordRestore records a restored snapshot
func (m *Metrics) RecordRestore() {
	m.RestoresTotal.Inc()
}

// RecordQuorumWrite records a quorum write round trip
func (m *Metrics) RecordQuorumWrite(seconds float64) {
	m.QuorumWriteDuration.Observe(seconds)
}

// UpdatePeerStats updates membership gauges
func (m *Metrics) UpdatePeerStats(total, healthy int) {
	m.PeersTotal.Set(float64(total))
	m.PeersHealthy.Set(float64(healthy))
}

// UpdateNodeHealth updates a node's health severity gauge
func (m *Metrics) UpdateNodeHealth(nodeID string, severity int) {
	m.NodeHealth.WithLabelValues(nodeID).Set(float64(severity))
}

// UpdateNodeLag updates a node's replication lag gauge
func (m *Metrics) UpdateNodeLag(nodeID string, seconds float64) {
	m.NodeLagSecs.WithLabelValues(nodeID).Set(seconds)
}

// RecordHeartbeat records a heartbeat probe result
func (m *Metrics) RecordHeartbeat(ok bool) {
	if ok {
		m.HeartbeatsOK.Inc()
		return
	}
	m.HeartbeatsBad.Inc()
}

// UpdateSystemStats updates runtime gauges
func (m *Metrics) UpdateSystemStats(memoryBytes uint64, goroutines int) {
	m.MemoryUsageBytes.Set(float64(memoryBytes))
	m.GoroutinesTotal.Set(float64(goroutines))
}
