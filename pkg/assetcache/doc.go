// Package assetcache provides an in-process asset cache and loader: a memory- and count-bounded
// store fed by a deduplicating, concurrency-limited loader, with reference tracking, timed and
// pressure-driven release, prioritized preloading and usage statistics.
//
// # Overview
//
// A Service sits between an application and a resource provider (a database, Redis, a file
// system or any provider.Provider). Assets are addressed by string and tagged with a type.
// Loading an address that is already cached is a hit; otherwise the provider is asked once,
// however many callers are waiting, and the result is cached for the next caller.
//
// # Basic Usage
//
//	p := provider.Func(func(ctx context.Context, address, typeTag string) (any, error) {
//	    return os.ReadFile(filepath.Join("assets", address))
//	})
//
//	svc, err := assetcache.New(p, assetcache.NewDefaultConfig())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	tex, err := svc.Acquire(ctx, "textures/grass.png", "Texture")
//	if err != nil {
//	    log.Printf("load failed: %v", err)
//	}
//
//	// Hand the reference back when done so the asset can be released
//	svc.Release("textures/grass.png")
//
// # Configuration
//
//	config := assetcache.NewDefaultConfig().
//	    WithMaxEntries(5000).
//	    WithMaxMemoryBytes(512 << 20).
//	    WithEvictionType(assetcache.EvictionLFU).
//	    WithMaxConcurrentLoads(8).
//	    WithLoadTimeout(10 * time.Second).
//	    WithTypePolicy("Texture", 2*time.Minute).
//	    WithTypeHierarchy("NormalMap", "Texture")
//
// # Release
//
// Every cached asset is tracked with a reference count. Loads, preloads and Put take no
// reference; Acquire adds exactly one and Release hands it back. Unreferenced, unprotected assets
// are released once unused for longer than their type's max age, by the periodic sweep or on
// demand with ReleaseUnused, ReleaseLeastRecentlyUsed and ReleaseAll. Protect exempts an asset
// from every sweep. When process memory crosses the configured threshold the service runs an
// aggressive sweep on its own.
//
// # Preloading
//
//	list := assetcache.NewPreloadList()
//	list.Add("ui/atlas.png", "Texture", assetcache.PriorityCritical)
//	list.Add("music/theme.ogg", "Audio", assetcache.PriorityLow)
//
//	result := svc.PreloadList(ctx, list, assetcache.DefaultPreloadOptions())
//	if !result.Success {
//	    retry := svc.RetryFailedPreload(ctx)
//	    log.Printf("retried %d assets", retry.Total)
//	}
//
// # Hooks
//
//	hooks := assetcache.NewHooks()
//	hooks.AddOnEvict(func(ctx context.Context, address string, payload any, reason assetcache.EvictReason) {
//	    log.Printf("evicted %s (%s)", address, reason)
//	})
//	hooks.AddOnPerformanceAlert(func(ctx context.Context, alert assetcache.PerformanceAlert) {
//	    log.Printf("%s: %s", alert.Kind, alert.Message)
//	}, assetcache.WithPriority(10))
//
//	svc, _ := assetcache.New(p, assetcache.NewDefaultConfig().WithHooks(hooks))
//
// # Metrics Integration
//
//	exporter, _ := metrics.NewPrometheusExporter(metrics.NewDefaultConfig(), &metrics.PrometheusConfig{
//	    Registry: prometheus.DefaultRegisterer,
//	})
//	config := assetcache.NewDefaultConfig().
//	    WithMetrics(&assetcache.MetricsConfig{
//	        Exporter:          exporter,
//	        Enabled:           true,
//	        CacheName:         "level-assets",
//	        ReportingInterval: 15 * time.Second,
//	    })
//
// # Thread Safety
//
// All Service methods may be called concurrently. Hooks run synchronously on the goroutine
// that triggered them and never under an internal lock; a panicking hook is logged and skipped.
//
// # Error Handling
//
// Errors carry a classification from pkg/cacheerr. Use cacheerr.IsRetryable to decide whether
// a failed load is worth retrying and cacheerr.IsTimeout, IsCancelled and IsNotFound for
// specific conditions.
package assetcache
