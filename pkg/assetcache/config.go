package assetcache

import (
	"time"

	"github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/1mb-dev/assetcache-go/internal/eviction"
	"github.com/1mb-dev/assetcache-go/internal/loader"
	"github.com/1mb-dev/assetcache-go/internal/release"
	"github.com/1mb-dev/assetcache-go/internal/stats"
	"github.com/1mb-dev/assetcache-go/internal/store"
	"github.com/1mb-dev/assetcache-go/pkg/metrics"
)

// Default configuration values.
const (
	DefaultMaxEntries               = store.DefaultMaxEntries
	DefaultMaxMemoryBytes           = store.DefaultMaxMemoryBytes
	DefaultMaxConcurrentLoads       = loader.DefaultMaxConcurrentLoads
	DefaultLoadTimeout              = loader.DefaultTimeout
	DefaultCleanupInterval          = release.DefaultCleanupInterval
	DefaultUnusedAssetTimeout       = release.DefaultMaxAge
	DefaultMaxTrackedAssets         = release.DefaultMaxTracked
	DefaultMemoryPressureThreshold  = release.DefaultMemoryThreshold
	DefaultMemoryCheckInterval      = release.DefaultMemoryCheckInterval
	DefaultMetricsReportingInterval = 30 * time.Second
	defaultCacheName                = "default"
)

// MetricsConfig connects the service to a metrics exporter.
type MetricsConfig struct {
	// Exporter receives snapshots, operation timings, load times and alert counts
	Exporter metrics.Exporter

	// Enabled turns metrics on; a nil Exporter disables them regardless
	Enabled bool

	// CacheName is added to every sample as the "cache" label
	CacheName string

	// Namespace prefixes custom metric names such as load durations
	Namespace string

	// Labels are added to every sample
	Labels metrics.Labels

	// IncludeAssetSizes exports the size of every loaded payload as a histogram
	IncludeAssetSizes bool

	// ReportingInterval is how often snapshots are exported; zero disables the reporter
	ReportingInterval time.Duration
}

// Config configures a Service.
type Config struct {
	// CacheStore budget and eviction order
	MaxEntries     int
	MaxMemoryBytes int64
	EvictionType   EvictionType
	SizeEstimator  SizeEstimator

	// LoadingEngine
	MaxConcurrentLoads int
	LoadTimeout        time.Duration
	TracerProvider     trace.TracerProvider

	// ReleaseManager
	CleanupInterval         time.Duration
	UnusedAssetTimeout      time.Duration
	MaxTrackedAssets        int
	MemoryPressureThreshold uint64
	MemoryCheckInterval     time.Duration
	MemoryReader            MemoryReader
	TypePolicies            map[string]time.Duration
	TypeHierarchy           map[string][]string

	// StatisticsCollector
	AlertThresholds AlertThresholds
	HistorySize     int

	Hooks   *Hooks
	Metrics *MetricsConfig

	// Clock overrides the time source of the store, release manager and statistics
	Clock func() time.Time
}

// NewDefaultConfig returns a configuration with the documented defaults.
func NewDefaultConfig() *Config {
	return &Config{
		MaxEntries:              DefaultMaxEntries,
		MaxMemoryBytes:          DefaultMaxMemoryBytes,
		EvictionType:            eviction.LRU,
		MaxConcurrentLoads:      DefaultMaxConcurrentLoads,
		LoadTimeout:             DefaultLoadTimeout,
		CleanupInterval:         DefaultCleanupInterval,
		UnusedAssetTimeout:      DefaultUnusedAssetTimeout,
		MaxTrackedAssets:        DefaultMaxTrackedAssets,
		MemoryPressureThreshold: DefaultMemoryPressureThreshold,
		MemoryCheckInterval:     DefaultMemoryCheckInterval,
		TypePolicies:            make(map[string]time.Duration),
		TypeHierarchy:           make(map[string][]string),
		AlertThresholds:         stats.DefaultThresholds(),
		HistorySize:             stats.DefaultHistorySize,
	}
}

// WithMaxEntries sets the maximum number of cached assets
func (c *Config) WithMaxEntries(n int) *Config {
	c.MaxEntries = n
	return c
}

// WithMaxMemoryBytes sets the memory budget of the cache
func (c *Config) WithMaxMemoryBytes(bytes int64) *Config {
	c.MaxMemoryBytes = bytes
	return c
}

// WithEvictionType sets the eviction order
func (c *Config) WithEvictionType(t EvictionType) *Config {
	c.EvictionType = t
	return c
}

// WithSizeEstimator overrides the payload size estimator
func (c *Config) WithSizeEstimator(fn SizeEstimator) *Config {
	c.SizeEstimator = fn
	return c
}

// WithMaxConcurrentLoads sets how many provider fetches may run at once
func (c *Config) WithMaxConcurrentLoads(n int) *Config {
	c.MaxConcurrentLoads = n
	return c
}

// WithLoadTimeout sets the provider fetch timeout
func (c *Config) WithLoadTimeout(d time.Duration) *Config {
	c.LoadTimeout = d
	return c
}

// WithTracerProvider sets the OpenTelemetry tracer provider used for fetch spans
func (c *Config) WithTracerProvider(tp trace.TracerProvider) *Config {
	c.TracerProvider = tp
	return c
}

// WithCleanupInterval sets the periodic release sweep interval; zero disables the sweep
func (c *Config) WithCleanupInterval(d time.Duration) *Config {
	c.CleanupInterval = d
	return c
}

// WithUnusedAssetTimeout sets the default max age of unreferenced assets
func (c *Config) WithUnusedAssetTimeout(d time.Duration) *Config {
	c.UnusedAssetTimeout = d
	return c
}

// WithMaxTrackedAssets sets the tracked-asset ceiling enforced by the periodic sweep
func (c *Config) WithMaxTrackedAssets(n int) *Config {
	c.MaxTrackedAssets = n
	return c
}

// WithMemoryPressureThreshold sets the process memory level that triggers aggressive release
func (c *Config) WithMemoryPressureThreshold(bytes uint64) *Config {
	c.MemoryPressureThreshold = bytes
	return c
}

// WithMemoryMonitor sets the memory sampling interval and reader; zero disables sampling
func (c *Config) WithMemoryMonitor(interval time.Duration, reader MemoryReader) *Config {
	c.MemoryCheckInterval = interval
	c.MemoryReader = reader
	return c
}

// WithTypePolicy sets the max age of unreferenced assets of typeTag
func (c *Config) WithTypePolicy(typeTag string, maxAge time.Duration) *Config {
	if c.TypePolicies == nil {
		c.TypePolicies = make(map[string]time.Duration)
	}
	c.TypePolicies[typeTag] = maxAge
	return c
}

// WithTypeHierarchy declares the supertypes consulted, in order, when typeTag has no policy
func (c *Config) WithTypeHierarchy(typeTag string, supertypes ...string) *Config {
	if c.TypeHierarchy == nil {
		c.TypeHierarchy = make(map[string][]string)
	}
	c.TypeHierarchy[typeTag] = supertypes
	return c
}

// WithAlertThresholds sets the performance alert thresholds
func (c *Config) WithAlertThresholds(t AlertThresholds) *Config {
	c.AlertThresholds = t
	return c
}

// WithHistorySize sets the number of performance samples kept for trend analysis
func (c *Config) WithHistorySize(n int) *Config {
	c.HistorySize = n
	return c
}

// WithHooks sets the notification hooks
func (c *Config) WithHooks(hooks *Hooks) *Config {
	c.Hooks = hooks
	return c
}

// WithMetrics sets the metrics configuration
func (c *Config) WithMetrics(m *MetricsConfig) *Config {
	c.Metrics = m
	return c
}

// WithClock overrides the time source
func (c *Config) WithClock(now func() time.Time) *Config {
	c.Clock = now
	return c
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.MaxEntries <= 0:
		return invalidConfig("max entries must be positive, got %d", c.MaxEntries)
	case c.MaxMemoryBytes <= 0:
		return invalidConfig("max memory bytes must be positive, got %d", c.MaxMemoryBytes)
	case c.MaxConcurrentLoads <= 0:
		return invalidConfig("max concurrent loads must be positive, got %d", c.MaxConcurrentLoads)
	case c.LoadTimeout <= 0:
		return invalidConfig("load timeout must be positive, got %s", c.LoadTimeout)
	case c.CleanupInterval < 0:
		return invalidConfig("cleanup interval must not be negative, got %s", c.CleanupInterval)
	case c.UnusedAssetTimeout <= 0:
		return invalidConfig("unused asset timeout must be positive, got %s", c.UnusedAssetTimeout)
	case c.MaxTrackedAssets <= 0:
		return invalidConfig("max tracked assets must be positive, got %d", c.MaxTrackedAssets)
	case c.MemoryCheckInterval < 0:
		return invalidConfig("memory check interval must not be negative, got %s", c.MemoryCheckInterval)
	}
	if _, ok := eviction.ParseType(string(c.EvictionType)); !ok {
		return invalidConfig("unknown eviction type %q", c.EvictionType)
	}
	for tag, age := range c.TypePolicies {
		if tag == "" || age <= 0 {
			return invalidConfig("invalid policy for type %q: max age %s", tag, age)
		}
	}
	t := c.AlertThresholds
	if t.SlowLoad > 0 && t.VerySlowLoad > 0 && t.SlowLoad >= t.VerySlowLoad {
		return invalidConfig("slow load threshold %s must be below very slow threshold %s", t.SlowLoad, t.VerySlowLoad)
	}
	if c.Metrics != nil && c.Metrics.ReportingInterval < 0 {
		return invalidConfig("metrics reporting interval must not be negative, got %s", c.Metrics.ReportingInterval)
	}
	return nil
}

func invalidConfig(format string, args ...interface{}) error {
	return errors.Newf(errors.CodeInvalidConfig, format, args...)
}
