package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/stratakv/strata/internal/errors"
	"github.com/stratakv/strata/internal/metrics"
	"github.com/stratakv/strata/internal/model"
	"github.com/stratakv/strata/internal/store"
	"github.com/stratakv/strata/internal/telemetry"
	"github.com/stratakv/strata/internal/util"
)

// CacheConfig holds cache service configuration
type CacheConfig struct {
	EvictionStrategy  model.EvictionStrategy
	WriteMode         model.WriteMode
	L1MaxSize         int
	L2MaxSize         int
	L3MaxSize         int
	DefaultTTL        time.Duration
	FlushInterval     time.Duration
	CompressThreshold int
	Promotion         PromotionConfig
}

// PromotionConfig holds the per-strategy hotness thresholds that move
// an entry one tier up on read.
type PromotionConfig struct {
	LFUMinFrequency     int64
	LRURecencyWindow    time.Duration
	HybridMinFrequency  int64
	HybridRecencyWindow time.Duration
	DefaultMinHits      int64
}

// LoaderFunc computes a missing value for GetOrLoad. It returns the
// value and its TTL; a zero TTL applies the configured default.
type LoaderFunc func(ctx context.Context) ([]byte, time.Duration, error)

// MutationRecorder observes committed local mutations. The replication
// coordinator registers itself here to feed its log; replicated applies
// bypass it so remote writes never echo back.
type MutationRecorder interface {
	RecordSet(key string, value []byte)
	RecordDelete(key string)
}

// CacheService implements the three-tier cache. L1 is a library-backed
// LRU whose overflow demotes into L2; L2 and L3 are map tiers ranked by
// the configured eviction strategy. All tier state is guarded by mu;
// per-key locks serialize the miss path.
type CacheService struct {
	config *CacheConfig
	logger *zap.Logger

	mu sync.RWMutex
	l1 *lru.Cache[string, *model.CacheEntry]
	l2 *cacheTier
	l3 *cacheTier
	// suppressDemotion disables the L1 eviction callback around
	// deliberate removals. Guarded by mu.
	suppressDemotion bool

	backing   store.BackingStore
	queue     *writeBackQueue
	locks     *LockRegistry
	flight    singleflight.Group
	events    Events
	metrics   *metrics.Metrics
	collector telemetry.Collector
	recorder  MutationRecorder

	insertionSeq atomic.Uint64
	hits         atomic.Int64
	misses       atomic.Int64
	evictions    atomic.Int64
	promotions   atomic.Int64
	demotions    atomic.Int64
	expirations  atomic.Int64

	// Delta export bookkeeping. Guarded by mu.
	lastExport time.Time
	tombstones map[string]struct{}

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCacheService creates a new cache service. backing, m, collector
// and events may be nil; nil values disable persistence and wire no-op
// observers.
func NewCacheService(cfg *CacheConfig, backing store.BackingStore, m *metrics.Metrics, collector telemetry.Collector, events Events, logger *zap.Logger) (*CacheService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if events == nil {
		events = NopEvents{}
	}
	if collector == nil {
		collector = telemetry.NewNopCollector()
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry(), "local")
	}

	s := &CacheService{
		config:     cfg,
		logger:     logger,
		l2:         newCacheTier(model.TierL2, cfg.L2MaxSize),
		l3:         newCacheTier(model.TierL3, cfg.L3MaxSize),
		backing:    backing,
		queue:      newWriteBackQueue(),
		locks:      NewLockRegistry(),
		events:     events,
		metrics:    m,
		collector:  collector,
		tombstones: make(map[string]struct{}),
		stopChan:   make(chan struct{}),
	}

	l1, err := lru.NewWithEvict[string, *model.CacheEntry](cfg.L1MaxSize, s.onL1Evict)
	if err != nil {
		return nil, errors.InvalidArgument("l1 size must be positive", err)
	}
	s.l1 = l1

	return s, nil
}

// SetMutationRecorder registers the observer fed by committed local
// mutations. Must be set before the cache sees concurrent traffic.
func (s *CacheService) SetMutationRecorder(r MutationRecorder) {
	s.recorder = r
}

// Start launches the write-back flush loop. No-op under write-through.
func (s *CacheService) Start() {
	if s.config.WriteMode != model.WriteBack || s.backing == nil {
		return
	}

	interval := s.config.FlushInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s.wg.Add(1)
	go s.flushLoop(interval)

	s.logger.Info("Write-back flush loop started", zap.Duration("interval", interval))
}

// Stop stops background work and flushes any buffered writes.
func (s *CacheService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}

// Get returns the entry for key, checking L1 then L2 then L3 and
// finally the backing store. A per-key mutex serializes the miss path
// so concurrent callers for one key rendezvous on a single fetch. A
// miss returns found false with a nil error.
func (s *CacheService) Get(ctx context.Context, key string) (*model.CacheEntry, bool, error) {
	start := time.Now()
	var hit bool
	var opErr error
	defer func() { s.observe("get", start, opErr == nil, hit) }()

	if key == "" {
		opErr = errors.InvalidArgument("key must not be empty", nil)
		return nil, false, opErr
	}

	release := s.locks.Lock(key)
	defer release()

	now := time.Now()
	s.mu.Lock()
	if entry, ok := s.lookupLocked(key, now); ok {
		s.touchLocked(entry, now)
		clone := entry.Clone()
		s.mu.Unlock()

		hit = true
		s.hits.Add(1)
		s.metrics.RecordCacheHit()
		return clone, true, nil
	}
	s.mu.Unlock()

	s.misses.Add(1)
	s.metrics.RecordCacheMiss()

	if s.backing == nil {
		return nil, false, nil
	}

	value, err := s.backing.Get(ctx, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, nil
		}
		opErr = errors.StoreUnavailable("backing store get failed", err)
		return nil, false, opErr
	}

	// Hydrate the store hit into L1. Not a new logical mutation, so it
	// is never recorded for replication.
	s.mu.Lock()
	entry := s.buildEntry(key, value, s.config.DefaultTTL, now)
	s.insertIntoTierLocked(entry, model.TierL1, now)
	clone := entry.Clone()
	s.mu.Unlock()

	return clone, true, nil
}

// GetOrLoad returns the cached value or computes it with loader. At
// most one loader runs per key across concurrent callers; the rest
// share its result.
func (s *CacheService) GetOrLoad(ctx context.Context, key string, loader LoaderFunc) ([]byte, error) {
	if entry, found, err := s.Get(ctx, key); err != nil {
		return nil, err
	} else if found {
		return entry.Value, nil
	}

	value, err, shared := s.flight.Do(key, func() (interface{}, error) {
		// A concurrent caller may have populated the key while this
		// call waited.
		if entry, found, err := s.Get(ctx, key); err != nil {
			return nil, err
		} else if found {
			return entry.Value, nil
		}

		data, ttl, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Set(ctx, key, data, ttl); err != nil {
			return nil, err
		}
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.metrics.RecordStampedeSuppressed()
	}
	return value.([]byte), nil
}

// Set stores value under key in L1. A zero ttl applies the configured
// default; a negative ttl disables expiry.
func (s *CacheService) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.setTier(ctx, key, value, ttl, model.TierL1, true)
}

// SetToTier stores value directly into the given tier.
func (s *CacheService) SetToTier(ctx context.Context, key string, value []byte, ttl time.Duration, tier model.Tier) error {
	return s.setTier(ctx, key, value, ttl, tier, true)
}

func (s *CacheService) setTier(ctx context.Context, key string, value []byte, ttl time.Duration, tier model.Tier, record bool) error {
	start := time.Now()
	var opErr error
	defer func() { s.observe("set", start, opErr == nil, false) }()

	if err := validateKeyValue(key, value); err != nil {
		opErr = err
		return err
	}
	switch tier {
	case model.TierL1, model.TierL2, model.TierL3:
	default:
		opErr = errors.InvalidArgument(fmt.Sprintf("unknown tier %q", tier), nil)
		return opErr
	}

	release := s.locks.Lock(key)
	defer release()

	switch {
	case ttl == 0:
		ttl = s.config.DefaultTTL
	case ttl < 0:
		ttl = 0
	}

	// Write-through persists before the memory insert so a store
	// failure leaves no mutation behind.
	if err := s.persist(ctx, key, value, ttl); err != nil {
		opErr = err
		return err
	}

	now := time.Now()
	s.mu.Lock()
	if prior, ok := s.findLocked(key); ok {
		s.removeFromTierLocked(key, prior.Tier)
	}
	entry := s.buildEntry(key, value, ttl, now)
	s.insertIntoTierLocked(entry, tier, now)
	delete(s.tombstones, key)
	s.mu.Unlock()

	// The recorder runs with no key lock held; replicated applies take
	// key locks while inside the coordinator.
	release()
	if record && s.recorder != nil {
		s.recorder.RecordSet(key, value)
	}
	s.metrics.RecordCacheSet()

	return nil
}

// Delete removes key from whichever tier holds it and from the backing
// store, reporting whether any tier held it.
func (s *CacheService) Delete(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	var opErr error
	defer func() { s.observe("delete", start, opErr == nil, false) }()

	if key == "" {
		opErr = errors.InvalidArgument("key must not be empty", nil)
		return false, opErr
	}

	release := s.locks.Lock(key)
	defer release()

	found, err := s.deleteInternal(ctx, key)
	if err != nil {
		opErr = err
		return found, err
	}

	// Same ordering as setTier: key lock released before the recorder.
	release()
	if s.recorder != nil {
		s.recorder.RecordDelete(key)
	}
	return found, nil
}

func (s *CacheService) deleteInternal(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	var found bool
	if entry, ok := s.findLocked(key); ok {
		s.removeFromTierLocked(key, entry.Tier)
		found = true
	}
	s.tombstones[key] = struct{}{}
	s.mu.Unlock()

	if err := s.persistDelete(ctx, key); err != nil {
		return found, err
	}

	s.metrics.RecordCacheDelete()

	return found, nil
}

// Clear empties every tier, the write-back queue and the backing store.
func (s *CacheService) Clear(ctx context.Context) error {
	start := time.Now()
	var opErr error
	defer func() { s.observe("clear", start, opErr == nil, false) }()

	s.mu.Lock()
	for _, key := range s.l1.Keys() {
		s.tombstones[key] = struct{}{}
	}
	for key := range s.l2.entries {
		s.tombstones[key] = struct{}{}
	}
	for key := range s.l3.entries {
		s.tombstones[key] = struct{}{}
	}
	s.suppressDemotion = true
	s.l1.Purge()
	s.suppressDemotion = false
	s.l2.clear()
	s.l3.clear()
	s.mu.Unlock()

	s.queue.clear()
	s.metrics.UpdateWriteBackQueue(0)

	if s.backing != nil {
		if err := s.backing.Clear(ctx); err != nil {
			opErr = errors.StoreUnavailable("backing store clear failed", err)
			return opErr
		}
	}

	return nil
}

// batchSnapshot captures one key's pre-batch entry and tier so a
// failed batch can restore it exactly, wherever it lived.
type batchSnapshot struct {
	key     string
	entry   *model.CacheEntry
	existed bool
}

// BatchSet applies all items or none of them, as observed by reads
// after the call returns. On failure every touched key is restored to
// its pre-batch entry and tier. Backing-store writes already issued are
// not unwound; a partial persistence failure surfaces as the returned
// error.
func (s *CacheService) BatchSet(ctx context.Context, items []model.BatchItem) error {
	start := time.Now()
	var opErr error
	defer func() { s.observe("batch_set", start, opErr == nil, false) }()

	// Validate everything before mutating anything.
	for i, item := range items {
		if err := validateKeyValue(item.Key, item.Value); err != nil {
			opErr = errors.InvalidArgument(fmt.Sprintf("batch item %d invalid", i), err)
			return opErr
		}
	}

	// Snapshot the prior state of every key the batch touches.
	s.mu.Lock()
	snapshots := make([]batchSnapshot, 0, len(items))
	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.Key]; dup {
			continue
		}
		seen[item.Key] = struct{}{}

		snap := batchSnapshot{key: item.Key}
		if prior, ok := s.findLocked(item.Key); ok {
			snap.entry = prior.Clone()
			snap.existed = true
		}
		snapshots = append(snapshots, snap)
	}
	s.mu.Unlock()

	for i, item := range items {
		ttl := item.TTL
		if ttl == 0 {
			ttl = s.config.DefaultTTL
		}

		if err := s.persist(ctx, item.Key, item.Value, ttl); err != nil {
			s.rollbackBatch(snapshots)
			opErr = errors.StoreUnavailable(fmt.Sprintf("batch set failed at item %d, rolled back", i), err)
			return opErr
		}

		now := time.Now()
		s.mu.Lock()
		if prior, ok := s.findLocked(item.Key); ok {
			s.removeFromTierLocked(item.Key, prior.Tier)
		}
		entry := s.buildEntry(item.Key, item.Value, ttl, now)
		if item.Size > 0 {
			entry.Size = item.Size
		}
		s.insertIntoTierLocked(entry, model.TierL1, now)
		delete(s.tombstones, item.Key)
		s.mu.Unlock()
	}

	// Record only after the whole batch committed so rolled-back
	// writes never replicate.
	if s.recorder != nil {
		for _, item := range items {
			s.recorder.RecordSet(item.Key, item.Value)
		}
	}
	s.metrics.CacheSetsTotal.Add(float64(len(items)))

	return nil
}

// rollbackBatch restores the pre-batch state captured in snapshots.
func (s *CacheService) rollbackBatch(snapshots []batchSnapshot) {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snapshots {
		if current, ok := s.findLocked(snap.key); ok {
			s.removeFromTierLocked(snap.key, current.Tier)
		}
		if snap.existed {
			restored := snap.entry.Clone()
			s.insertIntoTierLocked(restored, restored.Tier, now)
		}
	}
}

// Promote moves key toward L1, one tier at a time, stopping at target.
// An empty target means one tier up. No-op when the key already sits
// at or above the target.
func (s *CacheService) Promote(key string, target model.Tier) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.findLocked(key)
	if !ok {
		return errors.KeyNotFound(key)
	}

	if target == "" {
		target = tierAbove(entry.Tier)
	}

	for tierRank(entry.Tier) > tierRank(target) {
		s.promoteLocked(entry, now)
	}
	return nil
}

// Demote moves key toward L3, one tier at a time, stopping at target.
// An empty target means one tier down. No-op when the key already sits
// at or below the target.
func (s *CacheService) Demote(key string, target model.Tier) error {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.findLocked(key)
	if !ok {
		return errors.KeyNotFound(key)
	}

	if target == "" {
		target = tierBelow(entry.Tier)
	}

	for tierRank(entry.Tier) < tierRank(target) {
		s.demoteLocked(entry, now)
	}
	return nil
}

// Export serializes cache state for transfer or backup. Delta mode
// carries only entries created since the previous export plus
// tombstones for keys deleted since. Output larger than the compression
// threshold is zstd compressed.
func (s *CacheService) Export(ctx context.Context, mode model.PayloadMode) ([]byte, error) {
	start := time.Now()
	var opErr error
	defer func() { s.observe("export", start, opErr == nil, false) }()

	payload := s.BuildPayload(mode)

	data, err := json.Marshal(payload)
	if err != nil {
		opErr = errors.InternalError("encode export payload", err)
		return nil, opErr
	}

	if s.config.CompressThreshold > 0 && len(data) > s.config.CompressThreshold {
		data = util.Compress(data)
	}
	return data, nil
}

// Import applies an exported payload, transparently decompressing it.
// Full payloads replace all tier state; delta payloads upsert entries
// and apply tombstones. The backing store is not touched.
func (s *CacheService) Import(ctx context.Context, data []byte) error {
	start := time.Now()
	var opErr error
	defer func() { s.observe("import", start, opErr == nil, false) }()

	if util.IsCompressed(data) {
		raw, err := util.Decompress(data)
		if err != nil {
			opErr = errors.MalformedPayload("decompress import payload", err)
			return opErr
		}
		data = raw
	}

	var payload model.CachePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		opErr = errors.MalformedPayload("decode import payload", err)
		return opErr
	}

	opErr = s.ApplyPayload(&payload)
	return opErr
}

// BuildPayload captures the current entry set, or the delta since the
// last export, with a checksum over the serialized content. Delta
// bookkeeping resets on every call.
func (s *CacheService) BuildPayload(mode model.PayloadMode) *model.CachePayload {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	payload := &model.CachePayload{Mode: mode, TakenAt: now}

	include := func(entry *model.CacheEntry) bool {
		if entry.Expired(now) {
			return false
		}
		if mode == model.PayloadDelta && !s.lastExport.IsZero() && !entry.CreatedAt.After(s.lastExport) {
			return false
		}
		return true
	}

	for _, key := range s.l1.Keys() {
		if entry, ok := s.l1.Peek(key); ok && include(entry) {
			payload.Entries = append(payload.Entries, entry.Clone())
		}
	}
	for _, entry := range s.l2.entries {
		if include(entry) {
			payload.Entries = append(payload.Entries, entry.Clone())
		}
	}
	for _, entry := range s.l3.entries {
		if include(entry) {
			payload.Entries = append(payload.Entries, entry.Clone())
		}
	}

	if mode == model.PayloadDelta {
		for key := range s.tombstones {
			payload.Deleted = append(payload.Deleted, key)
		}
		sort.Strings(payload.Deleted)
	}

	payload.Checksum = payloadChecksum(payload)

	s.lastExport = now
	s.tombstones = make(map[string]struct{})

	return payload
}

// capturePayload builds a full payload without consuming the delta
// export cursor. Snapshots use this so they never mask deletes from the
// next delta export.
func (s *CacheService) capturePayload() *model.CachePayload {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	payload := &model.CachePayload{Mode: model.PayloadFull, TakenAt: now}

	for _, key := range s.l1.Keys() {
		if entry, ok := s.l1.Peek(key); ok && !entry.Expired(now) {
			payload.Entries = append(payload.Entries, entry.Clone())
		}
	}
	for _, entry := range s.l2.entries {
		if !entry.Expired(now) {
			payload.Entries = append(payload.Entries, entry.Clone())
		}
	}
	for _, entry := range s.l3.entries {
		if !entry.Expired(now) {
			payload.Entries = append(payload.Entries, entry.Clone())
		}
	}

	payload.Checksum = payloadChecksum(payload)
	return payload
}

// ApplyPayload verifies the payload checksum and applies it to tier
// state. Validation failures leave prior state untouched.
func (s *CacheService) ApplyPayload(payload *model.CachePayload) error {
	if payload.Checksum != 0 {
		if sum := payloadChecksum(payload); sum != payload.Checksum {
			return errors.ChecksumFailed(payload.Checksum, sum)
		}
	}

	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if payload.Mode == model.PayloadFull {
		s.suppressDemotion = true
		s.l1.Purge()
		s.suppressDemotion = false
		s.l2.clear()
		s.l3.clear()
	}

	maxOrder := s.insertionSeq.Load()
	for _, imported := range payload.Entries {
		entry := imported.Clone()
		if current, ok := s.findLocked(entry.Key); ok {
			s.removeFromTierLocked(entry.Key, current.Tier)
		}
		tier := entry.Tier
		if tier == "" {
			tier = model.TierL1
		}
		s.insertIntoTierLocked(entry, tier, now)
		if entry.InsertionOrder > maxOrder {
			maxOrder = entry.InsertionOrder
		}
	}

	// Keep the local sequence ahead of imported insertion orders.
	for {
		current := s.insertionSeq.Load()
		if current >= maxOrder || s.insertionSeq.CompareAndSwap(current, maxOrder) {
			break
		}
	}

	for _, key := range payload.Deleted {
		if current, ok := s.findLocked(key); ok {
			s.removeFromTierLocked(key, current.Tier)
		}
	}

	return nil
}

// CacheStats aggregates tier occupancy, hit counters and lock counters
type CacheStats struct {
	Hits           int64                `json:"hits"`
	Misses         int64                `json:"misses"`
	HitRate        float64              `json:"hit_rate"`
	Evictions      int64                `json:"evictions"`
	Promotions     int64                `json:"promotions"`
	Demotions      int64                `json:"demotions"`
	Expirations    int64                `json:"expirations"`
	TierEntries    map[model.Tier]int   `json:"tier_entries"`
	TierBytes      map[model.Tier]int64 `json:"tier_bytes"`
	WriteBackDepth int                  `json:"write_back_depth"`
	Locks          LockStats            `json:"locks"`
	Store          *store.Stats         `json:"store,omitempty"`
}

// Stats returns a point-in-time view of cache statistics and refreshes
// the per-tier gauges.
func (s *CacheService) Stats(ctx context.Context) CacheStats {
	s.mu.RLock()
	l1Entries := s.l1.Len()
	var l1Bytes int64
	for _, key := range s.l1.Keys() {
		if entry, ok := s.l1.Peek(key); ok {
			l1Bytes += entry.Size
		}
	}
	l2Entries, l2Bytes := s.l2.len(), s.l2.bytes
	l3Entries, l3Bytes := s.l3.len(), s.l3.bytes
	s.mu.RUnlock()

	hits, misses := s.hits.Load(), s.misses.Load()

	stats := CacheStats{
		Hits:        hits,
		Misses:      misses,
		Evictions:   s.evictions.Load(),
		Promotions:  s.promotions.Load(),
		Demotions:   s.demotions.Load(),
		Expirations: s.expirations.Load(),
		TierEntries: map[model.Tier]int{
			model.TierL1: l1Entries,
			model.TierL2: l2Entries,
			model.TierL3: l3Entries,
		},
		TierBytes: map[model.Tier]int64{
			model.TierL1: l1Bytes,
			model.TierL2: l2Bytes,
			model.TierL3: l3Bytes,
		},
		WriteBackDepth: s.queue.depth(),
		Locks:          s.locks.Stats(),
	}
	if hits+misses > 0 {
		stats.HitRate = float64(hits) / float64(hits+misses)
	}

	s.metrics.UpdateTierStats(string(model.TierL1), l1Entries, l1Bytes)
	s.metrics.UpdateTierStats(string(model.TierL2), l2Entries, l2Bytes)
	s.metrics.UpdateTierStats(string(model.TierL3), l3Entries, l3Bytes)

	if s.backing != nil {
		if st, err := s.backing.Stats(ctx); err == nil {
			stats.Store = &st
		}
	}

	return stats
}

// applyReplicatedSet installs a remote write without feeding it back
// into the mutation recorder.
func (s *CacheService) applyReplicatedSet(ctx context.Context, key string, value []byte) error {
	return s.setTier(ctx, key, value, 0, model.TierL1, false)
}

// applyReplicatedDelete removes a key on behalf of a remote delete.
func (s *CacheService) applyReplicatedDelete(ctx context.Context, key string) error {
	release := s.locks.Lock(key)
	defer release()

	_, err := s.deleteInternal(ctx, key)
	return err
}

// findLocked locates key in any tier, ignoring expiry.
func (s *CacheService) findLocked(key string) (*model.CacheEntry, bool) {
	if entry, ok := s.l1.Peek(key); ok {
		return entry, true
	}
	if entry, ok := s.l2.get(key); ok {
		return entry, true
	}
	return s.l3.get(key)
}

// lookupLocked locates the live entry for key, removing it and
// reporting absence when expired.
func (s *CacheService) lookupLocked(key string, now time.Time) (*model.CacheEntry, bool) {
	entry, ok := s.findLocked(key)
	if !ok {
		return nil, false
	}
	if entry.Expired(now) {
		entry.Misses++
		s.removeFromTierLocked(key, entry.Tier)
		s.expirations.Add(1)
		s.metrics.RecordExpired()
		s.events.OnExpire(entry)
		return nil, false
	}
	return entry, true
}

// touchLocked updates access statistics on a hit, refreshes a sliding
// TTL and promotes the entry when it crosses the hotness threshold.
func (s *CacheService) touchLocked(entry *model.CacheEntry, now time.Time) {
	prevAccess := entry.LastAccessedAt
	entry.Hits++
	entry.Frequency++
	entry.LastAccessedAt = now

	// Sliding TTL: refresh when less than half the default window
	// remains.
	if entry.ExpiresAt != nil && s.config.DefaultTTL > 0 {
		if entry.ExpiresAt.Sub(now) < s.config.DefaultTTL/2 {
			exp := now.Add(s.config.DefaultTTL)
			entry.ExpiresAt = &exp
		}
	}

	if entry.Tier == model.TierL1 {
		s.l1.Get(entry.Key) // refresh the library's recency order
		return
	}

	if s.shouldPromote(entry, prevAccess, now) {
		s.promoteLocked(entry, now)
	}
}

// shouldPromote applies the active strategy's hotness threshold.
// prevAccess is the access time before the current hit, so a read
// cannot satisfy its own recency window.
func (s *CacheService) shouldPromote(entry *model.CacheEntry, prevAccess, now time.Time) bool {
	p := s.config.Promotion
	switch s.config.EvictionStrategy {
	case model.EvictionLFU:
		return entry.Frequency > p.LFUMinFrequency
	case model.EvictionLRU:
		return now.Sub(prevAccess) <= p.LRURecencyWindow
	case model.EvictionHybrid:
		return entry.Frequency > p.HybridMinFrequency && now.Sub(prevAccess) <= p.HybridRecencyWindow
	default:
		return entry.Hits > p.DefaultMinHits
	}
}

// promoteLocked moves the entry one tier hotter.
func (s *CacheService) promoteLocked(entry *model.CacheEntry, now time.Time) {
	from := entry.Tier
	to := tierAbove(from)
	if to == from {
		return
	}

	s.removeFromTierLocked(entry.Key, from)
	entry.Promotions++
	s.promotions.Add(1)
	s.insertIntoTierLocked(entry, to, now)

	s.metrics.RecordPromotion(string(to))
	s.events.OnPromote(entry, from, to)
}

// demoteLocked moves the entry one tier colder.
func (s *CacheService) demoteLocked(entry *model.CacheEntry, now time.Time) {
	from := entry.Tier
	to := tierBelow(from)
	if to == from {
		return
	}

	s.removeFromTierLocked(entry.Key, from)
	entry.Demotions++
	s.demotions.Add(1)
	s.insertIntoTierLocked(entry, to, now)

	s.metrics.RecordDemotion(string(to))
	s.events.OnDemote(entry, from, to)
}

// removeFromTierLocked detaches key from the given tier without side
// effects. L1 removals suppress the demotion callback.
func (s *CacheService) removeFromTierLocked(key string, tier model.Tier) (*model.CacheEntry, bool) {
	switch tier {
	case model.TierL1:
		entry, ok := s.l1.Peek(key)
		if !ok {
			return nil, false
		}
		s.suppressDemotion = true
		s.l1.Remove(key)
		s.suppressDemotion = false
		return entry, true
	case model.TierL2:
		return s.l2.remove(key)
	default:
		return s.l3.remove(key)
	}
}

// insertIntoTierLocked places the entry into a tier and enforces that
// tier's capacity. Inserting into L1 may displace its LRU victim into
// L2 via the eviction callback.
func (s *CacheService) insertIntoTierLocked(entry *model.CacheEntry, tier model.Tier, now time.Time) {
	entry.Tier = tier
	switch tier {
	case model.TierL1:
		s.l1.Add(entry.Key, entry)
	case model.TierL2:
		s.l2.put(entry)
		s.enforceTierLocked(s.l2, now)
	default:
		s.l3.put(entry)
		s.enforceTierLocked(s.l3, now)
	}
}

// enforceTierLocked evicts a tier back to capacity. L2 victims demote
// into L3, cascading enforcement there; L3 victims are dropped.
func (s *CacheService) enforceTierLocked(tier *cacheTier, now time.Time) {
	victims := tier.overflow(s.config.EvictionStrategy, now)
	for _, victim := range victims {
		tier.remove(victim.Key)
		s.evictions.Add(1)
		s.metrics.RecordEviction(string(tier.name))

		if tier.name == model.TierL2 {
			victim.Tier = model.TierL3
			victim.Demotions++
			s.demotions.Add(1)
			s.l3.put(victim)
			s.metrics.RecordDemotion(string(model.TierL3))
			s.events.OnDemote(victim, model.TierL2, model.TierL3)
		} else {
			s.events.OnEvict(victim)
			s.logger.Debug("Evicted cache entry",
				zap.String("key", victim.Key),
				zap.String("tier", string(tier.name)))
		}
	}

	if tier.name == model.TierL2 && len(victims) > 0 {
		s.enforceTierLocked(s.l3, now)
	}
}

// onL1Evict demotes entries displaced from L1 into L2. The LRU library
// invokes it synchronously inside an L1 mutation, so mu is already held
// by the caller.
func (s *CacheService) onL1Evict(key string, entry *model.CacheEntry) {
	if s.suppressDemotion {
		return
	}

	now := time.Now()
	s.evictions.Add(1)
	s.metrics.RecordEviction(string(model.TierL1))

	entry.Tier = model.TierL2
	entry.Demotions++
	s.demotions.Add(1)
	s.l2.put(entry)

	s.metrics.RecordDemotion(string(model.TierL2))
	s.events.OnDemote(entry, model.TierL1, model.TierL2)

	s.enforceTierLocked(s.l2, now)
}

// buildEntry constructs a fresh entry with the next insertion order.
func (s *CacheService) buildEntry(key string, value []byte, ttl time.Duration, now time.Time) *model.CacheEntry {
	entry := &model.CacheEntry{
		Key:            key,
		Value:          append([]byte(nil), value...),
		Size:           int64(len(key) + len(value)),
		CreatedAt:      now,
		LastAccessedAt: now,
		Frequency:      1,
		InsertionOrder: s.insertionSeq.Add(1),
	}
	if ttl > 0 {
		exp := now.Add(ttl)
		entry.ExpiresAt = &exp
	}
	return entry
}

// persist applies a set to the backing store per the write mode.
func (s *CacheService) persist(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.backing == nil {
		return nil
	}

	size := int64(len(key) + len(value))
	if s.config.WriteMode == model.WriteBack {
		s.queue.enqueue(&writeBackOp{
			key:   key,
			value: append([]byte(nil), value...),
			size:  size,
			ttl:   ttl,
		})
		s.metrics.UpdateWriteBackQueue(s.queue.depth())
		return nil
	}

	if err := s.backing.Set(ctx, key, value, size, ttl); err != nil {
		return errors.StoreUnavailable("backing store set failed", err)
	}
	return nil
}

// persistDelete applies a delete to the backing store per the write
// mode.
func (s *CacheService) persistDelete(ctx context.Context, key string) error {
	if s.backing == nil {
		return nil
	}

	if s.config.WriteMode == model.WriteBack {
		s.queue.enqueue(&writeBackOp{key: key, remove: true})
		s.metrics.UpdateWriteBackQueue(s.queue.depth())
		return nil
	}

	if err := s.backing.Delete(ctx, key); err != nil {
		return errors.StoreUnavailable("backing store delete failed", err)
	}
	return nil
}

func (s *CacheService) flushLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			s.flushWriteBack(ctx)
			cancel()
		case <-s.stopChan:
			// Final flush so buffered writes survive shutdown.
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			s.flushWriteBack(ctx)
			cancel()
			return
		}
	}
}

// flushWriteBack drains the queue into the backing store. Failed ops
// are requeued for the next cycle unless a newer write superseded them.
func (s *CacheService) flushWriteBack(ctx context.Context) {
	ops := s.queue.takeAll()
	if len(ops) == 0 {
		return
	}

	failures := 0
	for _, op := range ops {
		var err error
		if op.remove {
			err = s.backing.Delete(ctx, op.key)
		} else {
			err = s.backing.Set(ctx, op.key, op.value, op.size, op.ttl)
		}
		if err != nil {
			failures++
			s.queue.requeue(op)
			s.logger.Warn("Write-back flush failed, requeued",
				zap.String("key", op.key),
				zap.Int("retries", op.retries),
				zap.Error(err))
		}
	}

	s.metrics.RecordWriteBackFlush(failures)
	s.metrics.UpdateWriteBackQueue(s.queue.depth())
}

// observe emits one telemetry sample per completed operation.
func (s *CacheService) observe(op string, start time.Time, success, cacheHit bool) {
	s.collector.Record(telemetry.Sample{
		Op:       op,
		Duration: time.Since(start),
		Success:  success,
		CacheHit: cacheHit,
	})
}

// payloadChecksum covers the serialized entries and tombstones.
func payloadChecksum(p *model.CachePayload) uint32 {
	data, err := json.Marshal(struct {
		Entries []*model.CacheEntry `json:"entries"`
		Deleted []string            `json:"deleted"`
	}{p.Entries, p.Deleted})
	if err != nil {
		return 0
	}
	return util.ComputeChecksum(data)
}

func validateKeyValue(key string, value []byte) error {
	if key == "" {
		return errors.InvalidArgument("key must not be empty", nil)
	}
	if value == nil {
		return errors.InvalidArgument("value must not be nil", nil)
	}
	return nil
}

func tierRank(tier model.Tier) int {
	switch tier {
	case model.TierL1:
		return 0
	case model.TierL2:
		return 1
	default:
		return 2
	}
}

func tierAbove(tier model.Tier) model.Tier {
	switch tier {
	case model.TierL3:
		return model.TierL2
	case model.TierL2:
		return model.TierL1
	default:
		return model.TierL1
	}
}

func tierBelow(tier model.Tier) model.Tier {
	switch tier {
	case model.TierL1:
		return model.TierL2
	case model.TierL2:
		return model.TierL3
	default:
		return model.TierL3
	}
}
