package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stratakv/strata/internal/errors"
	"github.com/stratakv/strata/internal/model"
	"github.com/stratakv/strata/internal/store"
)

func newTestCache(t *testing.T, cfg *CacheConfig, backing store.BackingStore) *CacheService {
	t.Helper()
	if cfg.L1MaxSize <= 0 {
		cfg.L1MaxSize = 8
	}
	if cfg.L2MaxSize <= 0 {
		cfg.L2MaxSize = 8
	}
	if cfg.L3MaxSize <= 0 {
		cfg.L3MaxSize = 8
	}
	svc, err := NewCacheService(cfg, backing, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func tierOf(s *CacheService, key string) (model.Tier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.findLocked(key)
	if !ok {
		return "", false
	}
	return entry.Tier, true
}

// flakyStore is an in-memory BackingStore that fails writes for chosen
// keys.
type flakyStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	failSet map[string]bool
}

func newFlakyStore(failKeys ...string) *flakyStore {
	f := &flakyStore{
		data:    make(map[string][]byte),
		failSet: make(map[string]bool),
	}
	for _, k := range failKeys {
		f.failSet[k] = true
	}
	return f
}

func (f *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	value, ok := f.data[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (f *flakyStore) Set(ctx context.Context, key string, value []byte, size int64, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSet[key] {
		return assert.AnError
	}
	f.data[key] = append([]byte(nil), value...)
	return nil
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return nil
}

func (f *flakyStore) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data = make(map[string][]byte)
	return nil
}

func (f *flakyStore) Stats(ctx context.Context) (store.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.Stats{TotalEntries: int64(len(f.data))}, nil
}

func (f *flakyStore) Ping(ctx context.Context) error { return nil }
func (f *flakyStore) Close() error                   { return nil }

func (f *flakyStore) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

func TestCacheSetGet(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k1", []byte("v1"), 0))

	entry, found, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v1"), entry.Value)
	assert.Equal(t, model.TierL1, entry.Tier)

	_, found, err = s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCacheRejectsEmptyKey(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	err := s.Set(ctx, "", []byte("v"), 0)
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))

	_, _, err = s.Get(ctx, "")
	assert.Equal(t, errors.ErrCodeInvalidArgument, errors.CodeOf(err))
}

func TestCacheFIFOEvictionDemotesOldest(t *testing.T) {
	s := newTestCache(t, &CacheConfig{
		EvictionStrategy: model.EvictionFIFO,
		L2MaxSize:        2,
	}, nil)
	ctx := context.Background()

	require.NoError(t, s.SetToTier(ctx, "a", []byte("1"), 0, model.TierL2))
	require.NoError(t, s.SetToTier(ctx, "b", []byte("2"), 0, model.TierL2))
	require.NoError(t, s.SetToTier(ctx, "c", []byte("3"), 0, model.TierL2))

	// First inserted leaves first, landing one tier down.
	tier, ok := tierOf(s, "a")
	require.True(t, ok)
	assert.Equal(t, model.TierL3, tier)

	for _, key := range []string{"b", "c"} {
		tier, ok := tierOf(s, key)
		require.True(t, ok, key)
		assert.Equal(t, model.TierL2, tier, key)
	}

	stats := s.Stats(ctx)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, 2, stats.TierEntries[model.TierL2])
	assert.Equal(t, 1, stats.TierEntries[model.TierL3])
}

func TestCacheL3EvictionDropsEntry(t *testing.T) {
	s := newTestCache(t, &CacheConfig{
		EvictionStrategy: model.EvictionFIFO,
		L3MaxSize:        1,
	}, nil)
	ctx := context.Background()

	require.NoError(t, s.SetToTier(ctx, "old", []byte("1"), 0, model.TierL3))
	require.NoError(t, s.SetToTier(ctx, "new", []byte("2"), 0, model.TierL3))

	// There is no tier below L3, the victim is gone.
	_, ok := tierOf(s, "old")
	assert.False(t, ok)
	tier, ok := tierOf(s, "new")
	require.True(t, ok)
	assert.Equal(t, model.TierL3, tier)
}

func TestCacheLazyExpiry(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 30*time.Millisecond))
	time.Sleep(60 * time.Millisecond)

	// The entry is still resident until a lookup notices the expiry.
	_, resident := tierOf(s, "k")
	assert.True(t, resident)

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	_, resident = tierOf(s, "k")
	assert.False(t, resident)
	assert.Equal(t, int64(1), s.Stats(ctx).Expirations)
}

func TestCacheSlidingTTLRefreshOnHit(t *testing.T) {
	s := newTestCache(t, &CacheConfig{DefaultTTL: 600 * time.Millisecond}, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))

	// Read inside the second half of the window refreshes the expiry.
	time.Sleep(350 * time.Millisecond)
	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	// Past the original expiry, alive only because of the refresh.
	time.Sleep(350 * time.Millisecond)
	_, found, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestCachePromotionOneTierPerRead(t *testing.T) {
	s := newTestCache(t, &CacheConfig{
		EvictionStrategy: model.EvictionLFU,
		Promotion:        PromotionConfig{LFUMinFrequency: 1},
	}, nil)
	ctx := context.Background()

	require.NoError(t, s.SetToTier(ctx, "k", []byte("v"), 0, model.TierL3))

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	tier, _ := tierOf(s, "k")
	assert.Equal(t, model.TierL2, tier, "first hot read moves exactly one tier")

	_, _, err = s.Get(ctx, "k")
	require.NoError(t, err)
	tier, _ = tierOf(s, "k")
	assert.Equal(t, model.TierL1, tier, "second hot read reaches the top")

	assert.Equal(t, int64(2), s.Stats(ctx).Promotions)
}

func TestCachePromotionBelowThresholdStays(t *testing.T) {
	s := newTestCache(t, &CacheConfig{
		EvictionStrategy: model.EvictionLFU,
		Promotion:        PromotionConfig{LFUMinFrequency: 100},
	}, nil)
	ctx := context.Background()

	require.NoError(t, s.SetToTier(ctx, "k", []byte("v"), 0, model.TierL3))

	_, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)

	tier, _ := tierOf(s, "k")
	assert.Equal(t, model.TierL3, tier)
}

func TestCacheTierExclusivity(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	countResidency := func(key string) int {
		s.mu.RLock()
		defer s.mu.RUnlock()
		n := 0
		if _, ok := s.l1.Peek(key); ok {
			n++
		}
		if _, ok := s.l2.get(key); ok {
			n++
		}
		if _, ok := s.l3.get(key); ok {
			n++
		}
		return n
	}

	require.NoError(t, s.Set(ctx, "k", []byte("v1"), 0))
	assert.Equal(t, 1, countResidency("k"))

	// Re-setting into a colder tier moves the single residency.
	require.NoError(t, s.SetToTier(ctx, "k", []byte("v2"), 0, model.TierL3))
	assert.Equal(t, 1, countResidency("k"))
	tier, _ := tierOf(s, "k")
	assert.Equal(t, model.TierL3, tier)

	require.NoError(t, s.Promote("k", ""))
	assert.Equal(t, 1, countResidency("k"))
	tier, _ = tierOf(s, "k")
	assert.Equal(t, model.TierL2, tier)
}

func TestCachePromoteDemoteTargets(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, s.SetToTier(ctx, "k", []byte("v"), 0, model.TierL3))

	require.NoError(t, s.Promote("k", model.TierL1))
	tier, _ := tierOf(s, "k")
	assert.Equal(t, model.TierL1, tier)

	require.NoError(t, s.Demote("k", model.TierL3))
	tier, _ = tierOf(s, "k")
	assert.Equal(t, model.TierL3, tier)

	err := s.Promote("missing", "")
	assert.Equal(t, errors.ErrCodeKeyNotFound, errors.CodeOf(err))
}

func TestCacheBatchSetRollback(t *testing.T) {
	backing := newFlakyStore("bad")
	s := newTestCache(t, &CacheConfig{WriteMode: model.WriteThrough}, backing)
	ctx := context.Background()

	require.NoError(t, s.SetToTier(ctx, "k1", []byte("v0"), 0, model.TierL2))

	err := s.BatchSet(ctx, []model.BatchItem{
		{Key: "k1", Value: []byte("v1")},
		{Key: "k2", Value: []byte("v2")},
		{Key: "bad", Value: []byte("x")},
	})
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStoreUnavailable, errors.CodeOf(err))

	// k1 is back in its pre-batch tier with its pre-batch value.
	s.mu.RLock()
	entry, ok := s.findLocked("k1")
	s.mu.RUnlock()
	require.True(t, ok)
	assert.Equal(t, []byte("v0"), entry.Value)
	assert.Equal(t, model.TierL2, entry.Tier)

	// Keys the batch introduced are not readable.
	_, ok = tierOf(s, "k2")
	assert.False(t, ok)
	_, ok = tierOf(s, "bad")
	assert.False(t, ok)

	// Store writes issued before the failure are not unwound.
	assert.True(t, backing.has("k2"))
}

func TestCacheBatchSetCommits(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, s.BatchSet(ctx, []model.BatchItem{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("2"), TTL: time.Minute},
	}))

	for _, key := range []string{"a", "b"} {
		_, found, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.True(t, found, key)
	}
}

func TestCacheGetOrLoadDedupesLoader(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	var calls atomic.Int32
	loader := func(ctx context.Context) ([]byte, time.Duration, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return []byte("loaded"), 0, nil
	}

	const goroutines = 10
	var wg sync.WaitGroup
	start := make(chan struct{})
	results := make([][]byte, goroutines)
	errs := make([]error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = s.GetOrLoad(ctx, "k", loader)
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, []byte("loaded"), results[i])
	}
	assert.Equal(t, int32(1), calls.Load(), "loader must run once across concurrent callers")
}

func TestCacheGetOrLoadSkipsLoaderOnHit(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("cached"), 0))

	value, err := s.GetOrLoad(ctx, "k", func(ctx context.Context) ([]byte, time.Duration, error) {
		t.Fatal("loader must not run for a cached key")
		return nil, 0, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), value)
}

func TestCacheDeleteReportsPresence(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))

	found, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)

	_, hit, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCacheWriteBackDefersStoreWrites(t *testing.T) {
	backing := newFlakyStore()
	s := newTestCache(t, &CacheConfig{WriteMode: model.WriteBack}, backing)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))
	assert.False(t, backing.has("k"), "write-back must not hit the store synchronously")
	assert.Equal(t, 1, s.queue.depth())

	s.flushWriteBack(ctx)
	assert.True(t, backing.has("k"))
	assert.Equal(t, 0, s.queue.depth())

	_, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, backing.has("k"))
	s.flushWriteBack(ctx)
	assert.False(t, backing.has("k"))
}

func TestCacheWriteThroughFailureLeavesNoEntry(t *testing.T) {
	backing := newFlakyStore("k")
	s := newTestCache(t, &CacheConfig{WriteMode: model.WriteThrough}, backing)
	ctx := context.Background()

	err := s.Set(ctx, "k", []byte("v"), 0)
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeStoreUnavailable, errors.CodeOf(err))

	_, resident := tierOf(s, "k")
	assert.False(t, resident)
}

func TestCacheHydratesFromBackingStore(t *testing.T) {
	backing := newFlakyStore()
	require.NoError(t, backing.Set(context.Background(), "k", []byte("stored"), 6, 0))

	s := newTestCache(t, &CacheConfig{}, backing)
	ctx := context.Background()

	entry, found, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("stored"), entry.Value)

	tier, ok := tierOf(s, "k")
	require.True(t, ok)
	assert.Equal(t, model.TierL1, tier)
}

func TestCacheClear(t *testing.T) {
	backing := newFlakyStore()
	s := newTestCache(t, &CacheConfig{}, backing)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, s.SetToTier(ctx, "b", []byte("2"), 0, model.TierL3))

	require.NoError(t, s.Clear(ctx))

	stats := s.Stats(ctx)
	assert.Equal(t, 0, stats.TierEntries[model.TierL1])
	assert.Equal(t, 0, stats.TierEntries[model.TierL2])
	assert.Equal(t, 0, stats.TierEntries[model.TierL3])
	assert.False(t, backing.has("a"))
	assert.False(t, backing.has("b"))
}

func TestCacheExportImportRoundTrip(t *testing.T) {
	src := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, src.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, src.SetToTier(ctx, "b", []byte("2"), 0, model.TierL3))

	data, err := src.Export(ctx, model.PayloadFull)
	require.NoError(t, err)

	dst := newTestCache(t, &CacheConfig{}, nil)
	require.NoError(t, dst.Import(ctx, data))

	entry, found, err := dst.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("1"), entry.Value)

	// Tier placement survives the transfer.
	tier, ok := tierOf(dst, "b")
	require.True(t, ok)
	assert.Equal(t, model.TierL3, tier)
}

func TestCacheDeltaExportCarriesTombstones(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "keep", []byte("1"), 0))
	s.BuildPayload(model.PayloadDelta) // reset the delta cursor
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, s.Set(ctx, "fresh", []byte("2"), 0))
	_, err := s.Delete(ctx, "keep")
	require.NoError(t, err)

	payload := s.BuildPayload(model.PayloadDelta)
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, "fresh", payload.Entries[0].Key)
	assert.Equal(t, []string{"keep"}, payload.Deleted)
}

func TestCacheApplyPayloadRejectsChecksumMismatch(t *testing.T) {
	src := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()
	require.NoError(t, src.Set(ctx, "a", []byte("1"), 0))

	payload := src.BuildPayload(model.PayloadFull)
	payload.Checksum++

	dst := newTestCache(t, &CacheConfig{}, nil)
	require.NoError(t, dst.Set(ctx, "existing", []byte("x"), 0))

	err := dst.ApplyPayload(payload)
	assert.Equal(t, errors.ErrCodeChecksumFailed, errors.CodeOf(err))

	// Prior state is untouched by the rejected payload.
	_, found, err := dst.Get(ctx, "existing")
	require.NoError(t, err)
	assert.True(t, found)
	_, found, err = dst.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, found)
}

// recordingRecorder captures mutations the cache reports for
// replication.
type recordingRecorder struct {
	mu      sync.Mutex
	sets    []string
	deletes []string
}

func (r *recordingRecorder) RecordSet(key string, value []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, key)
}

func (r *recordingRecorder) RecordDelete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, key)
}

func TestCacheRecorderSeesLocalMutationsOnly(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	rec := &recordingRecorder{}
	s.SetMutationRecorder(rec)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "local", []byte("v"), 0))
	_, err := s.Delete(ctx, "local")
	require.NoError(t, err)

	// Replicated applies must not echo back into the recorder.
	require.NoError(t, s.applyReplicatedSet(ctx, "remote", []byte("v")))
	require.NoError(t, s.applyReplicatedDelete(ctx, "remote"))

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, []string{"local"}, rec.sets)
	assert.Equal(t, []string{"local"}, rec.deletes)
}

func TestCacheFailedBatchRecordsNothing(t *testing.T) {
	backing := newFlakyStore("bad")
	s := newTestCache(t, &CacheConfig{WriteMode: model.WriteThrough}, backing)
	rec := &recordingRecorder{}
	s.SetMutationRecorder(rec)
	ctx := context.Background()

	err := s.BatchSet(ctx, []model.BatchItem{
		{Key: "a", Value: []byte("1")},
		{Key: "bad", Value: []byte("2")},
	})
	require.Error(t, err)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Empty(t, rec.sets)
}

func TestCacheStats(t *testing.T) {
	s := newTestCache(t, &CacheConfig{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 0))

	_, _, err := s.Get(ctx, "k")
	require.NoError(t, err)
	_, _, err = s.Get(ctx, "missing")
	require.NoError(t, err)

	stats := s.Stats(ctx)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.001)
	assert.Equal(t, 1, stats.TierEntries[model.TierL1])
	assert.Equal(t, int64(2), stats.TierBytes[model.TierL1]) // len("k")+len("v")
}
