package assetcache

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mb-dev/assetcache-go/internal/stats"
	"github.com/1mb-dev/assetcache-go/pkg/cacheerr"
	"github.com/1mb-dev/assetcache-go/pkg/metrics"
	"github.com/1mb-dev/assetcache-go/pkg/provider"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingProvider returns "payload:<address>" and counts fetches per address. Addresses in
// fail return failErr.
type countingProvider struct {
	mu      sync.Mutex
	fetches map[string]int
	fail    map[string]error
	order   []string
	delay   time.Duration
}

func newCountingProvider() *countingProvider {
	return &countingProvider{fetches: make(map[string]int), fail: make(map[string]error)}
}

func (p *countingProvider) Fetch(ctx context.Context, address, _ string) (any, error) {
	p.mu.Lock()
	p.fetches[address]++
	p.order = append(p.order, address)
	err := p.fail[address]
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return "payload:" + address, nil
}

func (p *countingProvider) count(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fetches[address]
}

func (p *countingProvider) setFail(address string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, address)
		return
	}
	p.fail[address] = err
}

// testConfig disables the background sweeps so tests drive release explicitly.
func testConfig() *Config {
	return NewDefaultConfig().
		WithLoadTimeout(TestLoadTimeout).
		WithCleanupInterval(0).
		WithMemoryMonitor(0, nil)
}

func newTestService(t *testing.T, p provider.Provider, config *Config) *Service {
	t.Helper()
	s, err := New(p, config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRejectsInvalidInput(t *testing.T) {
	_, err := New(nil, testConfig())
	require.Error(t, err)
	assert.Equal(t, cacheerr.CodeNotInitialized, cacheerr.Code(err))

	_, err = New(newCountingProvider(), testConfig().WithMaxEntries(0))
	require.Error(t, err)
	assert.Equal(t, errors.CodeInvalidConfig, cacheerr.Code(err))

	s, err := New(newCountingProvider(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestLoadAsyncCachesAndCountsHits(t *testing.T) {
	p := newCountingProvider()
	s := newTestService(t, p, testConfig())
	ctx := context.Background()

	payload, err := s.LoadAsync(ctx, "tex/grass", "Texture")
	require.NoError(t, err)
	assert.Equal(t, "payload:tex/grass", payload)

	payload, err = s.LoadAsync(ctx, "tex/grass", "Texture")
	require.NoError(t, err)
	assert.Equal(t, "payload:tex/grass", payload)

	assert.Equal(t, 1, p.count("tex/grass"))
	assert.True(t, s.Has("tex/grass"))

	st := s.Stats()
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, int64(1), st.Loads)
	assert.Equal(t, int64(1), st.Fetches)
	assert.Equal(t, 1, st.Entries)
	assert.Equal(t, 1, st.TrackedAssets)
	assert.InDelta(t, 50.0, st.HitRate(), 0.001)

	info, ok := s.ReleaseInfo("tex/grass")
	require.True(t, ok)
	assert.Equal(t, 0, info.RefCount, "loads take no reference")
	assert.Equal(t, int64(2), info.AccessCount)
	assert.Equal(t, "Texture", info.TypeTag)

	as, ok := s.AssetStats("tex/grass")
	require.True(t, ok)
	assert.Equal(t, int64(1), as.Loads)
	assert.Equal(t, int64(1), as.Hits)
	assert.Equal(t, int64(1), as.Misses)
	assert.Equal(t, "Texture", as.TypeTag)
}

func TestLoadAsyncCoalescesConcurrentCallers(t *testing.T) {
	gate := make(chan struct{})
	var fetches atomic.Int32
	p := provider.Func(func(_ context.Context, address, _ string) (any, error) {
		fetches.Add(1)
		<-gate
		return "mesh:" + address, nil
	})
	s := newTestService(t, p, testConfig())

	const callers = 10
	results := make([]any, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.LoadAsync(context.Background(), "mesh/rock", "Mesh")
		}(i)
	}

	require.Eventually(t, func() bool { return s.loader.Pending() == callers }, time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, int32(1), fetches.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "mesh:mesh/rock", results[i])
	}
	assert.Equal(t, int64(1), s.Stats().Loads)
}

func TestLoadFailureIsNotCached(t *testing.T) {
	p := newCountingProvider()
	p.setFail("snd/boom", stderrors.New("disk read error"))

	var failed atomic.Int32
	hooks := NewHooks()
	hooks.AddOnLoadFailed(func(_ context.Context, address string, err error) {
		failed.Add(1)
	})
	s := newTestService(t, p, testConfig().WithHooks(hooks))
	ctx := context.Background()

	_, err := s.LoadAsync(ctx, "snd/boom", "Audio")
	require.Error(t, err)
	assert.True(t, cacheerr.IsRetryable(err))
	assert.False(t, s.Has("snd/boom"))
	_, tracked := s.ReleaseInfo("snd/boom")
	assert.False(t, tracked)
	assert.Equal(t, int32(1), failed.Load())

	p.setFail("snd/boom", nil)
	payload, err := s.LoadAsync(ctx, "snd/boom", "Audio")
	require.NoError(t, err)
	assert.Equal(t, "payload:snd/boom", payload)
	assert.Equal(t, 2, p.count("snd/boom"))

	st := s.Stats()
	assert.Equal(t, int64(2), st.Loads)
	assert.Equal(t, int64(1), st.LoadFailures)

	alerts := s.Alerts()
	require.NotEmpty(t, alerts)
	assert.Equal(t, stats.AlertLoadFailure, alerts[0].Kind)
}

func TestLoadNotFoundIsPermanent(t *testing.T) {
	p := newCountingProvider()
	p.setFail("missing", cacheerr.ErrNotFound)
	s := newTestService(t, p, testConfig())

	_, err := s.LoadAsync(context.Background(), "missing", "Texture")
	require.Error(t, err)
	assert.True(t, cacheerr.IsNotFound(err))
	assert.False(t, cacheerr.IsRetryable(err))
}

func TestLoadAsyncTimeout(t *testing.T) {
	p := provider.Func(func(ctx context.Context, _, _ string) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := newTestService(t, p, testConfig().WithLoadTimeout(TestShortTimeout))

	_, err := s.LoadAsync(context.Background(), "slow", "Texture")
	require.Error(t, err)
	assert.True(t, cacheerr.IsTimeout(err))
	assert.True(t, cacheerr.IsRetryable(err))
	assert.False(t, s.Has("slow"))
}

func TestLoadCallerCancellation(t *testing.T) {
	gate := make(chan struct{})
	p := provider.Func(func(_ context.Context, address, _ string) (any, error) {
		<-gate
		return address, nil
	})
	s := newTestService(t, p, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.LoadAsync(ctx, "shared", "Texture")
		done <- err
	}()
	require.Eventually(t, func() bool { return s.loader.Pending() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, cacheerr.IsCancelled(err))

	// The shared fetch keeps running and still caches the asset
	close(gate)
	require.Eventually(t, func() bool { return s.Has("shared") }, time.Second, time.Millisecond)
}

func TestLoadTooLargeIsReturnedUncached(t *testing.T) {
	p := newCountingProvider()
	config := testConfig().
		WithMaxMemoryBytes(50).
		WithSizeEstimator(func(any) int64 { return 100 })
	s := newTestService(t, p, config)

	payload, err := s.LoadAsync(context.Background(), "huge", "Texture")
	require.NoError(t, err)
	assert.Equal(t, "payload:huge", payload)
	assert.False(t, s.Has("huge"))
	_, tracked := s.ReleaseInfo("huge")
	assert.False(t, tracked)

	err = s.Put("other", "x", "Texture")
	require.Error(t, err)
	assert.True(t, cacheerr.IsInsufficientMemory(err))
	assert.Equal(t, int64(2), s.Stats().FailedPuts)
}

func TestPutAndGet(t *testing.T) {
	var cached []string
	var mu sync.Mutex
	hooks := NewHooks()
	hooks.AddOnCached(func(_ context.Context, address string, _ any) {
		mu.Lock()
		cached = append(cached, address)
		mu.Unlock()
	})
	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))

	_, ok := s.Get("font/main")
	assert.False(t, ok)

	require.NoError(t, s.Put("font/main", "glyphs", "Font"))
	require.NoError(t, s.Put("font/main", "ignored", "Font"))

	payload, ok := s.Get("font/main")
	require.True(t, ok)
	assert.Equal(t, "glyphs", payload)

	info, ok := s.ReleaseInfo("font/main")
	require.True(t, ok)
	assert.Equal(t, 0, info.RefCount)

	mu.Lock()
	assert.Equal(t, []string{"font/main"}, cached)
	mu.Unlock()

	assert.True(t, s.Remove("font/main"))
	assert.False(t, s.Remove("font/main"))
	_, tracked := s.ReleaseInfo("font/main")
	assert.False(t, tracked)
	assert.Equal(t, int64(0), s.Stats().Evictions)
}

func TestAcquireAndRelease(t *testing.T) {
	s := newTestService(t, newCountingProvider(), testConfig())
	ctx := context.Background()

	_, err := s.Acquire(ctx, "model/ship", "Model")
	require.NoError(t, err)
	info, _ := s.ReleaseInfo("model/ship")
	assert.Equal(t, 1, info.RefCount)
	assert.Empty(t, s.PendingRelease())

	assert.True(t, s.Release("model/ship"))
	assert.False(t, s.Release("model/ship"))

	info, _ = s.ReleaseInfo("model/ship")
	assert.Equal(t, 0, info.RefCount)
	assert.Equal(t, []string{"model/ship"}, s.PendingRelease())

	assert.True(t, s.Protect("model/ship"))
	assert.Empty(t, s.PendingRelease())
	assert.True(t, s.Unprotect("model/ship"))
	assert.Equal(t, []string{"model/ship"}, s.PendingRelease())
}

func TestAcquireTakesOneReferenceOnHitAndMiss(t *testing.T) {
	clock := newFakeClock()
	s := newTestService(t, newCountingProvider(), testConfig().WithClock(clock.Now))
	ctx := context.Background()

	// Miss: the acquire triggers the fetch
	_, err := s.Acquire(ctx, "miss", "Texture")
	require.NoError(t, err)
	info, _ := s.ReleaseInfo("miss")
	assert.Equal(t, 1, info.RefCount)

	// Hit: the asset was already cached by a plain load
	_, err = s.LoadAsync(ctx, "hit", "Texture")
	require.NoError(t, err)
	_, err = s.Acquire(ctx, "hit", "Texture")
	require.NoError(t, err)
	info, _ = s.ReleaseInfo("hit")
	assert.Equal(t, 1, info.RefCount)

	assert.True(t, s.Release("miss"))
	assert.True(t, s.Release("hit"))

	clock.Advance(time.Hour)
	summary := s.ReleaseUnused()
	assert.Equal(t, []string{"hit", "miss"}, summary.Keys)
	assert.Equal(t, 0, summary.Skipped)
	assert.Equal(t, 0, s.Len())
}

func TestCapacityEvictionForgetsTracking(t *testing.T) {
	var reasons []EvictReason
	var mu sync.Mutex
	hooks := NewHooks()
	hooks.AddOnEvict(func(_ context.Context, _ string, _ any, reason EvictReason) {
		mu.Lock()
		reasons = append(reasons, reason)
		mu.Unlock()
	})
	s := newTestService(t, newCountingProvider(), testConfig().WithMaxEntries(2).WithHooks(hooks))
	ctx := context.Background()

	for _, address := range []string{"a", "b", "c"} {
		_, err := s.LoadAsync(ctx, address, "Texture")
		require.NoError(t, err)
	}

	assert.False(t, s.Has("a"))
	assert.True(t, s.Has("b"))
	assert.True(t, s.Has("c"))
	_, tracked := s.ReleaseInfo("a")
	assert.False(t, tracked)
	assert.Equal(t, 2, s.Stats().TrackedAssets)
	assert.Equal(t, int64(1), s.Stats().Evictions)

	mu.Lock()
	assert.Equal(t, []EvictReason{EvictReasonCapacity}, reasons)
	mu.Unlock()
}

func TestReleaseAsset(t *testing.T) {
	s := newTestService(t, newCountingProvider(), testConfig())
	ctx := context.Background()

	err := s.ReleaseAsset("unknown", false)
	assert.ErrorIs(t, err, cacheerr.ErrNotFound)

	_, err = s.LoadAsync(ctx, "ui/atlas", "Texture")
	require.NoError(t, err)
	s.Protect("ui/atlas")

	err = s.ReleaseAsset("ui/atlas", false)
	require.Error(t, err)
	assert.Equal(t, cacheerr.CodeProtectedReleaseDenied, cacheerr.Code(err))
	assert.True(t, s.Has("ui/atlas"))

	require.NoError(t, s.ReleaseAsset("ui/atlas", true))
	assert.False(t, s.Has("ui/atlas"))
	_, tracked := s.ReleaseInfo("ui/atlas")
	assert.False(t, tracked)

	st := s.Stats()
	assert.Equal(t, int64(1), st.Releases)
	assert.Equal(t, int64(0), st.Evictions)
}

func TestReleaseUnusedHonorsTypePolicies(t *testing.T) {
	clock := newFakeClock()
	config := testConfig().
		WithClock(clock.Now).
		WithUnusedAssetTimeout(10*time.Minute).
		WithTypePolicy("Texture", time.Minute).
		WithTypeHierarchy("NormalMap", "Texture")

	var summaries []CleanupSummary
	hooks := NewHooks()
	hooks.AddOnCleanupComplete(func(_ context.Context, summary CleanupSummary) {
		summaries = append(summaries, summary)
	})
	s := newTestService(t, newCountingProvider(), config.WithHooks(hooks))
	ctx := context.Background()

	loads := map[string]string{
		"tex/grass":   "Texture",
		"tex/normal":  "NormalMap",
		"audio/theme": "Audio",
		"tex/held":    "Texture",
	}
	for address, tag := range loads {
		if address == "tex/held" {
			_, err := s.Acquire(ctx, address, tag)
			require.NoError(t, err)
			continue
		}
		_, err := s.LoadAsync(ctx, address, tag)
		require.NoError(t, err)
	}
	assert.Equal(t, time.Minute, s.PolicyFor("NormalMap"))

	clock.Advance(2 * time.Minute)
	summary := s.ReleaseUnused()

	assert.Equal(t, []string{"tex/grass", "tex/normal"}, summary.Keys)
	assert.Equal(t, 2, summary.Released)
	assert.Equal(t, 1, summary.Skipped)
	assert.False(t, s.Has("tex/grass"))
	assert.True(t, s.Has("audio/theme"))
	assert.True(t, s.Has("tex/held"))

	require.Len(t, summaries, 1)
	assert.Equal(t, int64(2), s.Stats().Releases)

	require.NoError(t, s.SetPolicy("Audio", time.Minute))
	summary = s.ReleaseUnused()
	assert.Equal(t, []string{"audio/theme"}, summary.Keys)

	assert.True(t, s.RemovePolicy("Audio"))
	assert.Equal(t, 10*time.Minute, s.PolicyFor("Audio"))
}

func TestReleaseLeastRecentlyUsed(t *testing.T) {
	clock := newFakeClock()
	s := newTestService(t, newCountingProvider(), testConfig().WithClock(clock.Now))
	ctx := context.Background()

	for _, address := range []string{"first", "second", "third"} {
		_, err := s.LoadAsync(ctx, address, "Texture")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	// Touch "first" so "second" becomes the oldest
	_, err := s.LoadAsync(ctx, "first", "Texture")
	require.NoError(t, err)

	summary := s.ReleaseLeastRecentlyUsed(1)
	assert.Equal(t, []string{"second"}, summary.Keys)
	assert.True(t, s.Has("first"))
	assert.True(t, s.Has("third"))
}

func TestReleaseAll(t *testing.T) {
	s := newTestService(t, newCountingProvider(), testConfig())
	ctx := context.Background()

	for _, address := range []string{"a", "b", "c"} {
		_, err := s.LoadAsync(ctx, address, "Texture")
		require.NoError(t, err)
	}
	s.Protect("b")

	summary := s.ReleaseAll(false)
	assert.Equal(t, []string{"a", "c"}, summary.Keys)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, []string{"b"}, s.Keys())

	summary = s.ReleaseAll(true)
	assert.Equal(t, []string{"b"}, summary.Keys)
	assert.Equal(t, 0, s.Len())
}

func TestCheckMemoryReleasesUnreferenced(t *testing.T) {
	var usage atomic.Uint64
	usage.Store(100)

	var pressure atomic.Int32
	hooks := NewHooks()
	hooks.AddOnMemoryPressure(func(_ context.Context, _, threshold uint64) {
		assert.Equal(t, uint64(1000), threshold)
		pressure.Add(1)
	})
	config := testConfig().
		WithMemoryPressureThreshold(1000).
		WithMemoryMonitor(0, usage.Load).
		WithHooks(hooks)
	s := newTestService(t, newCountingProvider(), config)
	ctx := context.Background()

	_, err := s.LoadAsync(ctx, "idle", "Texture")
	require.NoError(t, err)
	_, err = s.Acquire(ctx, "used", "Texture")
	require.NoError(t, err)

	_, over := s.CheckMemory()
	assert.False(t, over)
	assert.True(t, s.Has("idle"))

	usage.Store(2000)
	got, over := s.CheckMemory()
	assert.True(t, over)
	assert.Equal(t, uint64(2000), got)
	assert.Equal(t, int32(1), pressure.Load())
	assert.False(t, s.Has("idle"))
	assert.True(t, s.Has("used"))
}

func TestClear(t *testing.T) {
	var cleared atomic.Int32
	hooks := NewHooks()
	hooks.AddOnEvict(func(_ context.Context, _ string, _ any, reason EvictReason) {
		if reason == EvictReasonCleared {
			cleared.Add(1)
		}
	})
	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))

	require.NoError(t, s.Put("a", 1, "Data"))
	require.NoError(t, s.Put("b", 2, "Data"))

	assert.Equal(t, 2, s.Clear())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.Stats().TrackedAssets)
	assert.Equal(t, int32(2), cleared.Load())

	assert.Equal(t, 0, s.Clear())
}

func TestPreloadAndRetry(t *testing.T) {
	p := newCountingProvider()
	p.setFail("bad", stderrors.New("connection reset"))
	s := newTestService(t, p, testConfig())
	ctx := context.Background()

	result := s.Preload(ctx, []string{"a", "b", "bad"}, "Texture", PriorityHigh)
	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 2, result.Succeeded)
	assert.Equal(t, 1, result.Failed)
	assert.True(t, result.Success)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "bad", result.Failures[0].Address)
	assert.True(t, result.Failures[0].Retryable)
	assert.True(t, s.Has("a"))
	assert.True(t, s.Has("b"))

	last, ok := s.LastPreloadResult()
	require.True(t, ok)
	assert.Equal(t, result.RunID, last.RunID)

	p.setFail("bad", nil)
	retry := s.RetryFailedPreload(ctx)
	assert.Equal(t, 1, retry.Total)
	assert.Equal(t, 1, retry.Succeeded)
	assert.True(t, s.Has("bad"))
}

func TestPreloadedAssetsAreReleasedWhenIdle(t *testing.T) {
	clock := newFakeClock()
	config := testConfig().
		WithClock(clock.Now).
		WithUnusedAssetTimeout(time.Minute)
	s := newTestService(t, newCountingProvider(), config)
	ctx := context.Background()

	result := s.Preload(ctx, []string{"a", "b", "c"}, "Texture", PriorityNormal)
	require.Equal(t, 3, result.Succeeded)
	errs := s.LoadMany(ctx, []string{"d"}, "Texture")
	require.NoError(t, errs["d"])

	info, ok := s.ReleaseInfo("a")
	require.True(t, ok)
	assert.Equal(t, 0, info.RefCount)

	clock.Advance(24 * time.Hour)
	summary := s.Cleanup()
	assert.Equal(t, 4, summary.Released)
	assert.Equal(t, 0, summary.Skipped)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, summary.Keys)
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, 0, s.Stats().TrackedAssets)
}

func TestClearReportsEntriesPutConcurrently(t *testing.T) {
	var evicted atomic.Int32
	hooks := NewHooks()
	hooks.AddOnEvict(func(_ context.Context, _ string, _ any, reason EvictReason) {
		if reason == EvictReasonCleared {
			evicted.Add(1)
		}
	})
	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))

	var wg sync.WaitGroup
	var cleared atomic.Int32
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			_ = s.Put(fmt.Sprintf("k%d", i), i, "Data")
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			cleared.Add(int32(s.Clear()))
		}
	}()
	wg.Wait()
	cleared.Add(int32(s.Clear()))

	// Every cleared entry was reported and forgotten
	assert.Equal(t, cleared.Load(), evicted.Load())
	assert.Equal(t, 0, s.Stats().TrackedAssets)
}

func TestPreloadListSequentialOrder(t *testing.T) {
	p := newCountingProvider()
	s := newTestService(t, p, testConfig())

	list := NewPreloadList()
	list.Add("music", "Audio", PriorityLow)
	list.Add("ui", "Texture", PriorityCritical)
	list.Add("level", "Mesh", PriorityNormal)

	opts := DefaultPreloadOptions()
	opts.Strategy = PreloadSequential
	result := s.PreloadList(context.Background(), list, opts)
	require.True(t, result.Success)

	p.mu.Lock()
	assert.Equal(t, []string{"ui", "level", "music"}, p.order)
	p.mu.Unlock()
}

func TestLoadMany(t *testing.T) {
	p := newCountingProvider()
	p.setFail("broken", stderrors.New("checksum mismatch"))
	s := newTestService(t, p, testConfig())

	errs := s.LoadMany(context.Background(), []string{"a", "b", "broken"}, "Texture")
	require.Len(t, errs, 3)
	assert.NoError(t, errs["a"])
	assert.NoError(t, errs["b"])
	assert.Error(t, errs["broken"])
	assert.Equal(t, 2, s.Len())
}

func TestPerformanceAlertHook(t *testing.T) {
	p := newCountingProvider()
	p.delay = 30 * time.Millisecond

	alerts := make(chan PerformanceAlert, 4)
	hooks := NewHooks()
	hooks.AddOnPerformanceAlert(func(_ context.Context, alert PerformanceAlert) {
		alerts <- alert
	})
	config := testConfig().
		WithAlertThresholds(AlertThresholds{SlowLoad: 5 * time.Millisecond, VerySlowLoad: TestLoadTimeout}).
		WithHooks(hooks)
	s := newTestService(t, p, config)

	_, err := s.LoadAsync(context.Background(), "slow/tex", "Texture")
	require.NoError(t, err)

	select {
	case alert := <-alerts:
		assert.Equal(t, stats.AlertSlowLoad, alert.Kind)
		assert.Equal(t, "slow/tex", alert.Address)
		assert.NotEmpty(t, alert.ID)
	default:
		t.Fatal("expected a slow load alert")
	}

	slowest := s.SlowestAssets(1)
	require.Len(t, slowest, 1)
	assert.Equal(t, "slow/tex", slowest[0].Address)

	types := s.TypeStats()
	require.Len(t, types, 1)
	assert.Equal(t, "Texture", types[0].TypeTag)

	s.ResetStatistics()
	assert.Empty(t, s.Alerts())
	_, ok := s.AssetStats("slow/tex")
	assert.False(t, ok)
}

func TestSetBudgetAndEvictionType(t *testing.T) {
	s := newTestService(t, newCountingProvider(), testConfig())
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(fmt.Sprintf("k%d", i), i, "Data"))
	}

	s.SetBudget(2, DefaultMaxMemoryBytes)
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, s.Stats().TrackedAssets)

	require.NoError(t, s.SetEvictionType(EvictionFIFO))
	assert.Equal(t, EvictionFIFO, s.Stats().EvictionType)
	assert.Error(t, s.SetEvictionType("MRU"))
}

func TestCloseRejectsLoads(t *testing.T) {
	s, err := New(newCountingProvider(), testConfig())
	require.NoError(t, err)

	_, err = s.LoadAsync(context.Background(), "a", "Texture")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err = s.LoadAsync(context.Background(), "b", "Texture")
	require.Error(t, err)
	assert.Equal(t, cacheerr.CodeNotInitialized, cacheerr.Code(err))

	payload, ok := s.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "payload:a", payload)
}

// recordingExporter captures exported samples.
type recordingExporter struct {
	metrics.NoOpExporter

	mu         sync.Mutex
	snapshots  []metrics.Stats
	operations map[metrics.Operation][]metrics.Labels
	closed     bool
}

func newRecordingExporter() *recordingExporter {
	return &recordingExporter{operations: make(map[metrics.Operation][]metrics.Labels)}
}

func (r *recordingExporter) ExportStats(s metrics.Stats, _ metrics.Labels) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *recordingExporter) RecordCacheOperation(op metrics.Operation, _ time.Duration, labels metrics.Labels) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.operations[op] = append(r.operations[op], labels)
	return nil
}

func (r *recordingExporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func TestMetricsExport(t *testing.T) {
	exporter := newRecordingExporter()
	config := testConfig().WithMetrics(&MetricsConfig{
		Exporter:          exporter,
		Enabled:           true,
		CacheName:         "level-assets",
		Labels:            metrics.Labels{"env": "test"},
		ReportingInterval: TestMetricsReportInterval,
	})
	s, err := New(newCountingProvider(), config)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = s.LoadAsync(ctx, "a", "Texture")
	require.NoError(t, err)
	_, err = s.LoadAsync(ctx, "a", "Texture")
	require.NoError(t, err)

	require.NoError(t, s.Close())

	exporter.mu.Lock()
	defer exporter.mu.Unlock()

	assert.True(t, exporter.closed)
	require.NotEmpty(t, exporter.snapshots)
	final := exporter.snapshots[len(exporter.snapshots)-1]
	assert.Equal(t, int64(1), final.Loads())
	assert.Equal(t, int64(1), final.Hits())
	assert.Equal(t, int64(1), final.Entries())

	loads := exporter.operations[metrics.OperationLoad]
	require.Len(t, loads, 2)
	assert.Equal(t, "level-assets", loads[0][metrics.LabelCacheName])
	assert.Equal(t, "test", loads[0]["env"])
	assert.Equal(t, string(metrics.ResultSuccess), loads[0][metrics.LabelResult])
	assert.Equal(t, string(metrics.ResultHit), loads[1][metrics.LabelResult])
}
