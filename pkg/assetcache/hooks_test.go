package assetcache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHookExecution(t *testing.T) {
	var hitCount, missCount, cachedCount, evictCount atomic.Int32

	hooks := NewHooks()
	hooks.AddOnHit(func(_ context.Context, _ string, _ any) { hitCount.Add(1) })
	hooks.AddOnMiss(func(_ context.Context, _ string) { missCount.Add(1) })
	hooks.AddOnCached(func(_ context.Context, _ string, _ any) { cachedCount.Add(1) })
	hooks.AddOnEvict(func(_ context.Context, _ string, _ any, _ EvictReason) { evictCount.Add(1) })

	s := newTestService(t, newCountingProvider(), testConfig().WithMaxEntries(2).WithHooks(hooks))
	ctx := context.Background()

	_, found := s.Get("nonexistent")
	assert.False(t, found)
	assert.Equal(t, int32(1), missCount.Load())

	_, err := s.LoadAsync(ctx, "key1", "Texture")
	require.NoError(t, err)
	assert.Equal(t, int32(2), missCount.Load())
	assert.Equal(t, int32(1), cachedCount.Load())

	_, found = s.Get("key1")
	assert.True(t, found)
	assert.Equal(t, int32(1), hitCount.Load())

	_, _ = s.LoadAsync(ctx, "key2", "Texture")
	_, _ = s.LoadAsync(ctx, "key3", "Texture") // evicts key1 (LRU)
	assert.Equal(t, int32(1), evictCount.Load())
	assert.Equal(t, int32(3), cachedCount.Load())
}

func TestHookParameters(t *testing.T) {
	var mu sync.Mutex
	var hitAddresses []string
	var hitPayloads []any
	var evicted []string

	hooks := NewHooks()
	hooks.AddOnHit(func(_ context.Context, address string, payload any) {
		mu.Lock()
		hitAddresses = append(hitAddresses, address)
		hitPayloads = append(hitPayloads, payload)
		mu.Unlock()
	})
	hooks.AddOnEvict(func(_ context.Context, address string, payload any, reason EvictReason) {
		mu.Lock()
		evicted = append(evicted, fmt.Sprintf("%s=%v (%s)", address, payload, reason))
		mu.Unlock()
	})

	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))
	require.NoError(t, s.Put("sprite/hero", "frames", "Sprite"))
	s.Get("sprite/hero")
	require.NoError(t, s.ReleaseAsset("sprite/hero", false))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"sprite/hero"}, hitAddresses)
	assert.Equal(t, []any{"frames"}, hitPayloads)
	assert.Equal(t, []string{"sprite/hero=frames (" + EvictReasonReleased.String() + ")"}, evicted)
}

func TestHookConcurrency(t *testing.T) {
	var hits atomic.Int64

	hooks := NewHooks()
	hooks.AddOnHit(func(_ context.Context, _ string, _ any) { hits.Add(1) })
	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))
	require.NoError(t, s.Put("shared", "v", "Data"))

	const goroutines = 20
	const perGoroutine = 50
	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				s.Get("shared")
			}
		}()
	}
	// Registering while hooks run must be safe
	for i := 0; i < 10; i++ {
		hooks.AddOnMiss(func(_ context.Context, _ string) {})
	}
	wg.Wait()

	assert.Equal(t, int64(goroutines*perGoroutine), hits.Load())
}

func TestEmptyHooks(t *testing.T) {
	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(NewHooks()))
	assert.NotPanics(t, func() {
		_, _ = s.LoadAsync(context.Background(), "a", "Texture")
		s.Get("a")
		s.Clear()
	})
}

func TestHookPanicIsContained(t *testing.T) {
	var after atomic.Int32

	hooks := NewHooks()
	hooks.AddOnHit(func(_ context.Context, _ string, _ any) {
		panic("hook panic")
	}, WithPriority(10))
	hooks.AddOnHit(func(_ context.Context, _ string, _ any) {
		after.Add(1)
	})

	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))
	require.NoError(t, s.Put("a", 1, "Data"))

	var found bool
	assert.NotPanics(t, func() { _, found = s.Get("a") })
	assert.True(t, found)
	assert.Equal(t, int32(1), after.Load())
}

func TestHookPriority(t *testing.T) {
	var executionOrder []int
	var mu sync.Mutex
	record := func(n int) func(context.Context, string, any) {
		return func(context.Context, string, any) {
			mu.Lock()
			executionOrder = append(executionOrder, n)
			mu.Unlock()
		}
	}

	hooks := NewHooks()
	hooks.AddOnHit(record(1), WithPriority(10))
	hooks.AddOnHit(record(2), WithPriority(100))
	hooks.AddOnHit(record(3), WithPriority(50))
	hooks.AddOnHit(record(4), WithPriority(50))

	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))
	require.NoError(t, s.Put("key1", "value1", "Data"))
	s.Get("key1")

	mu.Lock()
	defer mu.Unlock()
	// Equal priorities keep registration order
	assert.Equal(t, []int{2, 3, 4, 1}, executionOrder)
}

func TestHookCondition(t *testing.T) {
	var calls atomic.Int32

	hooks := NewHooks()
	hooks.AddOnHit(func(_ context.Context, _ string, _ any) {
		calls.Add(1)
	}, WithCondition(func(_ context.Context, address string) bool {
		return strings.HasPrefix(address, "ui/")
	}))

	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))
	require.NoError(t, s.Put("ui/button", "v", "Texture"))
	require.NoError(t, s.Put("level/rock", "v", "Mesh"))

	s.Get("ui/button")
	assert.Equal(t, int32(1), calls.Load())

	s.Get("level/rock")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHookPriorityAndCondition(t *testing.T) {
	var executionOrder []int
	var mu sync.Mutex

	hooks := NewHooks()
	hooks.AddOnHit(func(_ context.Context, _ string, _ any) {
		mu.Lock()
		executionOrder = append(executionOrder, 1)
		mu.Unlock()
	}, WithPriority(100), WithCondition(func(_ context.Context, address string) bool {
		return address == "special"
	}))
	hooks.AddOnHit(func(_ context.Context, _ string, _ any) {
		mu.Lock()
		executionOrder = append(executionOrder, 2)
		mu.Unlock()
	}, WithPriority(10))

	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))
	require.NoError(t, s.Put("special", "value1", "Data"))
	require.NoError(t, s.Put("regular", "value2", "Data"))

	s.Get("special")
	mu.Lock()
	assert.Equal(t, []int{1, 2}, executionOrder)
	executionOrder = nil
	mu.Unlock()

	s.Get("regular")
	mu.Lock()
	assert.Equal(t, []int{2}, executionOrder)
	mu.Unlock()
}

func TestCleanupHooksSeeEmptyAddress(t *testing.T) {
	var addresses []string
	hooks := NewHooks()
	hooks.AddOnCleanupComplete(func(_ context.Context, summary CleanupSummary) {
		addresses = append(addresses, summary.Keys...)
	}, WithCondition(func(_ context.Context, address string) bool {
		return address == ""
	}))

	s := newTestService(t, newCountingProvider(), testConfig().WithHooks(hooks))
	require.NoError(t, s.Put("a", 1, "Data"))

	summary := s.ReleaseLeastRecentlyUsed(5)
	assert.Equal(t, 1, summary.Released)
	assert.Equal(t, []string{"a"}, addresses)
}
