package assetcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/1mb-dev/assetcache-go/internal/eviction"
	"github.com/1mb-dev/assetcache-go/internal/loader"
	"github.com/1mb-dev/assetcache-go/internal/log"
	"github.com/1mb-dev/assetcache-go/internal/preload"
	"github.com/1mb-dev/assetcache-go/internal/release"
	"github.com/1mb-dev/assetcache-go/internal/stats"
	"github.com/1mb-dev/assetcache-go/internal/store"
	"github.com/1mb-dev/assetcache-go/pkg/cacheerr"
	"github.com/1mb-dev/assetcache-go/pkg/metrics"
	"github.com/1mb-dev/assetcache-go/pkg/provider"
)

const loggerComponentName = "AssetService"

// Service is the asset cache: a budgeted store fed by a deduplicating loader, with reference
// tracking, timed release, preloading and usage statistics.
type Service struct {
	config   *Config
	store    *store.Store
	loader   *loader.Engine
	release  *release.Manager
	stats    *stats.Collector
	preload  *preload.Executor
	hooks    *Hooks
	provider provider.Provider
	logger   *log.Logger

	// Metrics
	metricsExporter metrics.Exporter
	metricsLabels   metrics.Labels
	metricsStop     chan struct{}
	metricsWg       sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
}

// New creates a Service loading assets from p.
func New(p provider.Provider, config *Config) (*Service, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if p == nil {
		return nil, cacheerr.NotInitialized("resource provider")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	s := &Service{
		config:   config,
		hooks:    config.Hooks,
		provider: p,
		logger:   log.GetLogger().With(log.String(log.LoggerKeyComponentName, loggerComponentName)),
	}
	if s.hooks == nil {
		s.hooks = NewHooks()
	}

	s.initializeMetrics()

	policies, err := buildPolicies(config)
	if err != nil {
		return nil, err
	}

	statsOpts := []stats.Option{
		stats.WithThresholds(config.AlertThresholds),
		stats.WithHistorySize(config.HistorySize),
		stats.WithListener(stats.Listener{OnAlert: s.onAlert}),
	}
	if s.metricsEnabled() {
		statsOpts = append(statsOpts,
			stats.WithExporter(s.metricsExporter, config.Metrics.Namespace, s.metricsLabels),
			stats.WithAssetSizes(config.Metrics.IncludeAssetSizes))
	}

	storeOpts := []store.Option{
		store.WithMaxEntries(config.MaxEntries),
		store.WithMaxMemoryBytes(config.MaxMemoryBytes),
		store.WithEvictionType(config.EvictionType),
		store.WithListener(store.Listener{
			OnCached:  s.onCached,
			OnEvicted: s.onEvicted,
		}),
	}
	if config.SizeEstimator != nil {
		storeOpts = append(storeOpts, store.WithSizeEstimator(config.SizeEstimator))
	}

	releaseOpts := []release.Option{
		release.WithPolicies(policies),
		release.WithMaxTracked(config.MaxTrackedAssets),
		release.WithCleanupInterval(config.CleanupInterval),
		release.WithMemoryThreshold(config.MemoryPressureThreshold),
		release.WithMemoryCheckInterval(config.MemoryCheckInterval),
		release.WithListener(release.Listener{
			OnCleanupComplete: s.onCleanupComplete,
			OnMemoryPressure:  s.onMemoryPressure,
		}),
	}
	if config.MemoryReader != nil {
		releaseOpts = append(releaseOpts, release.WithMemoryReader(config.MemoryReader))
	}

	loaderOpts := []loader.Option{
		loader.WithMaxConcurrentLoads(config.MaxConcurrentLoads),
		loader.WithDefaultTimeout(config.LoadTimeout),
		loader.WithListener(loader.Listener{
			OnLoaded: s.onLoaded,
			OnFailed: s.onLoadFailed,
		}),
	}
	if config.TracerProvider != nil {
		loaderOpts = append(loaderOpts, loader.WithTracerProvider(config.TracerProvider))
	}

	if config.Clock != nil {
		statsOpts = append(statsOpts, stats.WithClock(config.Clock))
		storeOpts = append(storeOpts, store.WithClock(config.Clock))
		releaseOpts = append(releaseOpts, release.WithClock(config.Clock))
	}

	s.stats = stats.New(statsOpts...)
	s.store = store.New(storeOpts...)
	s.release = release.New(s.store, releaseOpts...)
	s.loader = loader.New(p, loaderOpts...)
	s.preload = preload.NewExecutor(preload.LoaderFunc(s.load))

	s.release.Start()
	s.startMetricsReporter()

	s.logger.Debug("Asset service initialized",
		log.Int("maxEntries", config.MaxEntries),
		log.Int64("maxMemoryBytes", config.MaxMemoryBytes),
		log.String("evictionType", string(config.EvictionType)),
		log.Int("maxConcurrentLoads", config.MaxConcurrentLoads))

	return s, nil
}

func buildPolicies(config *Config) (*release.Registry, error) {
	policies := release.NewRegistry(config.UnusedAssetTimeout)
	for tag, age := range config.TypePolicies {
		if err := policies.SetPolicy(tag, age); err != nil {
			return nil, err
		}
	}
	for tag, parents := range config.TypeHierarchy {
		if err := policies.SetSupertypes(tag, parents...); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

// Get returns the cached payload for address without loading it.
// For context-aware hooks, use GetContext instead
func (s *Service) Get(address string) (any, bool) {
	return s.GetContext(context.Background(), address)
}

// GetContext returns the cached payload for address; ctx is passed to the hit and miss hooks.
func (s *Service) GetContext(ctx context.Context, address string) (any, bool) {
	start := time.Now()
	payload, ok := s.store.Get(address)
	if ok {
		s.hit(ctx, address, "", payload)
		s.recordCacheOperation(metrics.OperationGet, metrics.ResultHit, time.Since(start))
		return payload, true
	}
	s.miss(ctx, address, "")
	s.recordCacheOperation(metrics.OperationGet, metrics.ResultMiss, time.Since(start))
	return nil, false
}

// Put caches payload under address and tracks it without a reference; use Acquire to hold it.
// Putting an address that is already cached counts as an access and keeps the cached payload.
func (s *Service) Put(address string, payload any, typeTag string) error {
	start := time.Now()
	size := s.store.EstimateSize(payload)
	if !s.store.Put(address, payload, typeTag, size) {
		s.recordCacheOperation(metrics.OperationPut, metrics.ResultError, time.Since(start))
		budget := s.store.Budget()
		s.logger.Warn("Asset does not fit in the cache",
			log.String("address", address), log.Int64("size", size), log.Int64("maxMemoryBytes", budget.MaxMemoryBytes))
		return cacheerr.InsufficientMemory(address, size, budget.MaxMemoryBytes)
	}
	s.observe(address, typeTag)
	s.recordCacheOperation(metrics.OperationPut, metrics.ResultSuccess, time.Since(start))
	return nil
}

// Remove drops address from the cache and from release tracking.
func (s *Service) Remove(address string) bool {
	start := time.Now()
	removed := s.store.Remove(address)
	if !removed {
		s.release.Forget(address)
	}
	s.recordCacheOperation(metrics.OperationRemove, metrics.ResultSuccess, time.Since(start))
	return removed
}

// Clear empties the cache and forgets every tracked asset. Each removed asset is reported to
// the evict hooks with EvictReasonCleared. It returns the number of assets removed; clearing an
// empty cache is a no-op.
func (s *Service) Clear() int {
	return s.store.Clear()
}

// LoadAsync returns the payload for address, from the cache when present and otherwise from
// the provider. Concurrent loads of one address share a single fetch. A freshly loaded asset
// is cached and tracked without a reference, so the release sweeps may reclaim it once idle.
//
// ctx bounds only this caller's wait. When the asset cannot be cached for lack of memory it is
// still returned.
func (s *Service) LoadAsync(ctx context.Context, address, typeTag string) (any, error) {
	return s.load(ctx, address, typeTag, 0)
}

// LoadAsyncWithTimeout is LoadAsync with an explicit fetch timeout.
func (s *Service) LoadAsyncWithTimeout(ctx context.Context, address, typeTag string, timeout time.Duration) (any, error) {
	return s.load(ctx, address, typeTag, timeout)
}

func (s *Service) load(ctx context.Context, address, typeTag string, timeout time.Duration) (any, error) {
	if s.closed.Load() {
		return nil, cacheerr.NotInitialized("asset service")
	}

	start := time.Now()
	if payload, ok := s.store.Get(address); ok {
		s.hit(ctx, address, typeTag, payload)
		s.recordCacheOperation(metrics.OperationLoad, metrics.ResultHit, time.Since(start))
		return payload, nil
	}
	s.miss(ctx, address, typeTag)

	payload, err := s.loader.LoadAsync(ctx, address, typeTag, timeout)
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
	}
	s.recordCacheOperation(metrics.OperationLoad, result, time.Since(start))
	return payload, err
}

// LoadMany loads several assets concurrently through the same concurrency gate and returns the
// error of each address; failures do not stop the batch.
func (s *Service) LoadMany(ctx context.Context, addresses []string, typeTag string) map[string]error {
	out := make(map[string]error, len(addresses))
	var mu sync.Mutex

	g := new(errgroup.Group)
	g.SetLimit(s.config.MaxConcurrentLoads)
	for _, address := range addresses {
		g.Go(func() error {
			_, err := s.load(ctx, address, typeTag, 0)
			mu.Lock()
			out[address] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// Acquire loads address and adds exactly one reference to it, whether it was cached or
// fetched. Give the reference back with Release.
func (s *Service) Acquire(ctx context.Context, address, typeTag string) (any, error) {
	payload, err := s.LoadAsync(ctx, address, typeTag)
	if err != nil {
		return nil, err
	}
	s.release.IncRef(address)
	return payload, nil
}

// Release drops one reference to address. An unprotected asset without references becomes
// eligible for the release sweeps.
func (s *Service) Release(address string) bool {
	return s.release.DecRef(address)
}

// ReleaseAsset removes address from the cache now, regardless of references. Protected
// assets are only released with force.
func (s *Service) ReleaseAsset(address string, force bool) error {
	info, ok := s.release.Info(address)
	if !ok {
		return fmt.Errorf("asset %q is not tracked: %w", address, cacheerr.ErrNotFound)
	}
	if info.Protected && !force {
		s.logger.Warn("Release of protected asset denied", log.String("address", address))
		return cacheerr.ProtectedReleaseDenied(address)
	}

	start := time.Now()
	if s.release.ReleaseOne(address, force) {
		s.stats.RecordRelease(1)
	}
	s.recordCacheOperation(metrics.OperationRelease, metrics.ResultSuccess, time.Since(start))
	return nil
}

// Protect exempts address from every release sweep.
func (s *Service) Protect(address string) bool {
	return s.release.Protect(address)
}

// Unprotect makes address subject to the release sweeps again.
func (s *Service) Unprotect(address string) bool {
	return s.release.Unprotect(address)
}

// SetPolicy sets the max unused age of assets tagged typeTag.
func (s *Service) SetPolicy(typeTag string, maxAge time.Duration) error {
	return s.release.Policies().SetPolicy(typeTag, maxAge)
}

// RemovePolicy drops the policy of typeTag so lookups fall back to its supertypes.
func (s *Service) RemovePolicy(typeTag string) bool {
	return s.release.Policies().RemovePolicy(typeTag)
}

// SetTypeHierarchy declares the supertypes of typeTag for policy lookup.
func (s *Service) SetTypeHierarchy(typeTag string, supertypes ...string) error {
	return s.release.Policies().SetSupertypes(typeTag, supertypes...)
}

// PolicyFor returns the max unused age applied to typeTag.
func (s *Service) PolicyFor(typeTag string) time.Duration {
	return s.release.Policies().MaxAge(typeTag)
}

// ReleaseInfo returns the tracking record of address.
func (s *Service) ReleaseInfo(address string) (ReleaseInfo, bool) {
	return s.release.Info(address)
}

// PendingRelease returns the addresses eligible for release.
func (s *Service) PendingRelease() []string {
	return s.release.Pending()
}

// Cleanup runs the periodic sweep now.
func (s *Service) Cleanup() CleanupSummary {
	return s.timedSweep(s.release.RunCleanup)
}

// ReleaseUnused releases every eligible asset older than its type's max age.
func (s *Service) ReleaseUnused() CleanupSummary {
	return s.timedSweep(func() CleanupSummary { return s.release.ReleaseAged(s.now()) })
}

// ReleaseLeastRecentlyUsed releases up to maxCount eligible assets, oldest access first.
func (s *Service) ReleaseLeastRecentlyUsed(maxCount int) CleanupSummary {
	return s.timedSweep(func() CleanupSummary { return s.release.ReleaseLRU(maxCount) })
}

// ReleaseAll releases every tracked asset, including protected ones when asked.
func (s *Service) ReleaseAll(includeProtected bool) CleanupSummary {
	return s.timedSweep(func() CleanupSummary { return s.release.ReleaseAll(includeProtected) })
}

// CheckMemory samples process memory and runs the aggressive sweep when over the threshold.
func (s *Service) CheckMemory() (usage uint64, pressure bool) {
	return s.release.CheckMemory()
}

func (s *Service) timedSweep(sweep func() CleanupSummary) CleanupSummary {
	start := time.Now()
	summary := sweep()
	s.recordCacheOperation(metrics.OperationCleanup, metrics.ResultSuccess, time.Since(start))
	return summary
}

// Preload loads addresses with one priority using the default preload options and the
// configured load timeout per item.
func (s *Service) Preload(ctx context.Context, addresses []string, typeTag string, priority Priority) PreloadResult {
	assets := make([]PreloadAsset, len(addresses))
	now := s.now()
	for i, address := range addresses {
		assets[i] = PreloadAsset{Address: address, TypeTag: typeTag, Priority: priority, AddedTime: now}
	}
	opts := DefaultPreloadOptions()
	opts.MaxConcurrency = s.config.MaxConcurrentLoads
	opts.PerItemTimeout = s.config.LoadTimeout
	return s.ExecutePreload(ctx, assets, opts)
}

// PreloadList loads the entries of list in priority order.
func (s *Service) PreloadList(ctx context.Context, list *PreloadList, opts PreloadOptions) PreloadResult {
	return s.ExecutePreload(ctx, list.Sorted(), opts)
}

// ExecutePreload loads assets as one batch. Cancelling ctx does not stop the batch; use
// CancelPreloads.
func (s *Service) ExecutePreload(ctx context.Context, assets []PreloadAsset, opts PreloadOptions) PreloadResult {
	start := time.Now()
	result := s.preload.Execute(ctx, assets, opts)
	s.recordPreload(result, time.Since(start))
	return result
}

// RetryFailedPreload reruns the retryable failures of the last preload batch.
func (s *Service) RetryFailedPreload(ctx context.Context) PreloadResult {
	start := time.Now()
	result := s.preload.RetryFailed(ctx)
	s.recordPreload(result, time.Since(start))
	return result
}

// LastPreloadResult returns the result of the most recent preload batch.
func (s *Service) LastPreloadResult() (PreloadResult, bool) {
	return s.preload.LastResult()
}

// CancelPreloads stops every running preload batch and returns how many were running.
func (s *Service) CancelPreloads() int {
	return s.preload.CancelAll()
}

func (s *Service) recordPreload(result PreloadResult, elapsed time.Duration) {
	outcome := metrics.ResultSuccess
	if !result.Success {
		outcome = metrics.ResultError
	}
	s.recordCacheOperation(metrics.OperationPreload, outcome, elapsed)
}

// Has reports whether address is cached without recording an access.
func (s *Service) Has(address string) bool {
	return s.store.Has(address)
}

// Keys returns the cached addresses.
func (s *Service) Keys() []string {
	return s.store.Keys()
}

// Len returns the number of cached assets.
func (s *Service) Len() int {
	return s.store.Len()
}

// SetBudget replaces the cache limits, evicting down to them immediately.
func (s *Service) SetBudget(maxEntries int, maxMemoryBytes int64) {
	s.store.SetBudget(maxEntries, maxMemoryBytes)
}

// SetEvictionType switches the eviction order, keeping entry metadata.
func (s *Service) SetEvictionType(t EvictionType) error {
	if _, ok := eviction.ParseType(string(t)); !ok {
		return invalidConfig("unknown eviction type %q", t)
	}
	s.store.SetStrategy(t)
	return nil
}

// Hooks returns the hook registry. Hooks added after New take effect immediately.
func (s *Service) Hooks() *Hooks {
	return s.hooks
}

// AssetStats returns the usage statistics of address.
func (s *Service) AssetStats(address string) (AssetUsageStats, bool) {
	return s.stats.Asset(address)
}

// TypeStats returns usage statistics per type tag.
func (s *Service) TypeStats() []TypeUsageStats {
	return s.stats.Types()
}

// SlowestAssets returns up to n assets ordered by average load time.
func (s *Service) SlowestAssets(n int) []AssetUsageStats {
	return s.stats.TopSlowest(n)
}

// Alerts returns the retained performance alerts, oldest first.
func (s *Service) Alerts() []PerformanceAlert {
	return s.stats.Alerts()
}

// Trend analyses the load samples of the last window.
func (s *Service) Trend(window time.Duration) TrendReport {
	return s.stats.Trend(window)
}

// ResetStatistics clears usage statistics, history and alerts.
func (s *Service) ResetStatistics() {
	s.stats.Reset()
}

// Close stops background work, cancels running preloads and closes the metrics exporter.
// Cached assets stay readable; loads fail with a NOT_INITIALIZED error.
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.preload.CancelAll()
		s.release.Stop()
		s.loader.Close()

		if s.metricsStop != nil {
			close(s.metricsStop)
			s.metricsWg.Wait()
		}
		if s.metricsExporter != nil {
			err = s.metricsExporter.Close()
		}
		s.logger.Debug("Asset service closed")
	})
	return err
}

func (s *Service) now() time.Time {
	if s.config.Clock != nil {
		return s.config.Clock()
	}
	return time.Now()
}

// observe tracks a freshly cached asset. An eviction that ran between the insert and Observe
// has already called Forget, so the record is dropped again when the entry is gone.
func (s *Service) observe(address, typeTag string) {
	s.release.Observe(address, typeTag)
	if !s.store.Has(address) {
		s.release.Forget(address)
	}
}

func (s *Service) hit(ctx context.Context, address, typeTag string, payload any) {
	s.release.Touch(address)
	s.stats.RecordHit(address, typeTag)
	s.hooks.invokeOnHit(ctx, address, payload)
}

func (s *Service) miss(ctx context.Context, address, typeTag string) {
	s.stats.RecordMiss(address, typeTag)
	s.hooks.invokeOnMiss(ctx, address)
}

// onLoaded caches a freshly fetched payload. It runs once per provider fetch, before the
// result reaches the waiting callers.
func (s *Service) onLoaded(address, typeTag string, payload any, elapsed time.Duration) {
	size := s.store.EstimateSize(payload)
	s.stats.RecordLoad(address, typeTag, elapsed, size, nil)

	if !s.store.Put(address, payload, typeTag, size) {
		s.logger.Warn("Loaded asset does not fit in the cache, returning it uncached",
			log.String("address", address), log.Int64("size", size))
		return
	}
	s.observe(address, typeTag)
}

func (s *Service) onLoadFailed(address, typeTag string, err error, elapsed time.Duration) {
	s.stats.RecordLoad(address, typeTag, elapsed, 0, err)
	s.hooks.invokeOnLoadFailed(context.Background(), address, err)
}

func (s *Service) onCached(e store.Entry) {
	s.hooks.invokeOnCached(context.Background(), e.Key, e.Payload)
}

func (s *Service) onEvicted(e store.Entry, reason store.EvictReason) {
	s.release.Forget(e.Key)
	switch reason {
	case store.EvictReasonCapacity, store.EvictReasonMemory, store.EvictReasonExpired:
		s.stats.RecordEviction()
	}
	s.hooks.invokeOnEvict(context.Background(), e.Key, e.Payload, reason)
}

func (s *Service) onCleanupComplete(summary CleanupSummary) {
	if summary.Released > 0 {
		s.stats.RecordRelease(summary.Released)
	}
	s.hooks.invokeOnCleanupComplete(context.Background(), summary)
}

func (s *Service) onMemoryPressure(usage, threshold uint64) {
	s.hooks.invokeOnMemoryPressure(context.Background(), usage, threshold)
}

func (s *Service) onAlert(alert PerformanceAlert) {
	s.hooks.invokeOnPerformanceAlert(context.Background(), alert)
}
