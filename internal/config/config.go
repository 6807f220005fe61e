// Package config loads the asset cache configuration from a YAML file with environment
// overrides.
package config

import (
	stderrors "errors"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"

	"github.com/1mb-dev/assetcache-go/internal/eviction"
	"github.com/1mb-dev/assetcache-go/internal/preload"
	"github.com/1mb-dev/assetcache-go/pkg/assetcache"
	"github.com/1mb-dev/assetcache-go/pkg/compression"
	"github.com/1mb-dev/assetcache-go/pkg/metrics"
	"github.com/1mb-dev/assetcache-go/pkg/provider"
)

// EnvPrefix prefixes every environment override, e.g. ASSETCACHE_CACHE_MAX_ENTRIES.
const EnvPrefix = "ASSETCACHE_"

// Provider kinds.
const (
	ProviderSQL   = "sql"
	ProviderRedis = "redis"
)

// Config is the file and environment configuration of an asset cache deployment.
type Config struct {
	Cache    CacheConfig    `yaml:"cache" envPrefix:"CACHE_"`
	Loader   LoaderConfig   `yaml:"loader" envPrefix:"LOADER_"`
	Release  ReleaseConfig  `yaml:"release" envPrefix:"RELEASE_"`
	Stats    StatsConfig    `yaml:"stats" envPrefix:"STATS_"`
	Preload  PreloadConfig  `yaml:"preload" envPrefix:"PRELOAD_"`
	Provider ProviderConfig `yaml:"provider" envPrefix:"PROVIDER_"`
	Metrics  MetricsConfig  `yaml:"metrics" envPrefix:"METRICS_"`
}

// CacheConfig holds the store budget.
type CacheConfig struct {
	MaxEntries     int    `yaml:"max_entries" env:"MAX_ENTRIES"`
	MaxMemoryBytes int64  `yaml:"max_memory_bytes" env:"MAX_MEMORY_BYTES"`
	EvictionType   string `yaml:"eviction_type" env:"EVICTION_TYPE"`
}

// LoaderConfig holds the loading engine settings.
type LoaderConfig struct {
	MaxConcurrentLoads int           `yaml:"max_concurrent_loads" env:"MAX_CONCURRENT_LOADS"`
	Timeout            time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// ReleaseConfig holds the release manager settings.
type ReleaseConfig struct {
	CleanupInterval         time.Duration            `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	UnusedAssetTimeout      time.Duration            `yaml:"unused_asset_timeout" env:"UNUSED_ASSET_TIMEOUT"`
	MaxTrackedAssets        int                      `yaml:"max_tracked_assets" env:"MAX_TRACKED_ASSETS"`
	MemoryPressureThreshold uint64                   `yaml:"memory_pressure_threshold" env:"MEMORY_PRESSURE_THRESHOLD"`
	MemoryCheckInterval     time.Duration            `yaml:"memory_check_interval" env:"MEMORY_CHECK_INTERVAL"`
	TypePolicies            map[string]time.Duration `yaml:"type_policies"`
	TypeHierarchy           map[string][]string      `yaml:"type_hierarchy"`
}

// StatsConfig holds the statistics collector settings.
type StatsConfig struct {
	SlowLoad        time.Duration `yaml:"slow_load" env:"SLOW_LOAD"`
	VerySlowLoad    time.Duration `yaml:"very_slow_load" env:"VERY_SLOW_LOAD"`
	HighMemoryBytes int64         `yaml:"high_memory_bytes" env:"HIGH_MEMORY_BYTES"`
	HistorySize     int           `yaml:"history_size" env:"HISTORY_SIZE"`
}

// PreloadConfig describes the preload batch run at startup.
type PreloadConfig struct {
	Strategy          string        `yaml:"strategy" env:"STRATEGY"`
	MaxConcurrency    int           `yaml:"max_concurrency" env:"MAX_CONCURRENCY"`
	PerItemTimeout    time.Duration `yaml:"per_item_timeout" env:"PER_ITEM_TIMEOUT"`
	ContinueOnFailure bool          `yaml:"continue_on_failure" env:"CONTINUE_ON_FAILURE"`
	TolerantSuccess   bool          `yaml:"tolerant_success" env:"TOLERANT_SUCCESS"`
	Assets            []PreloadItem `yaml:"assets"`
}

// PreloadItem is one asset of the preload list.
type PreloadItem struct {
	Address  string `yaml:"address"`
	Type     string `yaml:"type"`
	Priority string `yaml:"priority"`
}

// ProviderConfig selects and configures the resource provider.
type ProviderConfig struct {
	Kind string `yaml:"kind" env:"KIND"`

	// SQL
	Driver string `yaml:"driver" env:"DRIVER"`
	DSN    string `yaml:"dsn" env:"DSN"`
	Table  string `yaml:"table" env:"TABLE"`

	// Redis
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
	KeyPrefix     string `yaml:"key_prefix" env:"KEY_PREFIX"`

	// Codec is the compression applied to stored blobs: none, gzip or deflate
	Codec string `yaml:"codec" env:"CODEC"`

	// Format is how stored bytes are decoded: raw, string or json
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	Enabled           bool              `yaml:"enabled" env:"ENABLED"`
	Addr              string            `yaml:"addr" env:"ADDR"`
	CacheName         string            `yaml:"cache_name" env:"CACHE_NAME"`
	Namespace         string            `yaml:"namespace" env:"NAMESPACE"`
	ReportingInterval time.Duration     `yaml:"reporting_interval" env:"REPORTING_INTERVAL"`
	Labels            map[string]string `yaml:"labels"`

	// DetailedTimings records per-operation duration histograms
	DetailedTimings bool `yaml:"detailed_timings" env:"DETAILED_TIMINGS"`

	// AssetSizes records the size of every loaded payload
	AssetSizes bool `yaml:"asset_sizes" env:"ASSET_SIZES"`

	// OpenTelemetry also publishes through the global OpenTelemetry meter provider
	OpenTelemetry bool `yaml:"opentelemetry" env:"OPENTELEMETRY"`
}

// Default returns the configuration used when neither the file nor the environment sets a
// value.
func Default() *Config {
	svc := assetcache.NewDefaultConfig()
	opts := assetcache.DefaultPreloadOptions()
	return &Config{
		Cache: CacheConfig{
			MaxEntries:     svc.MaxEntries,
			MaxMemoryBytes: svc.MaxMemoryBytes,
			EvictionType:   string(svc.EvictionType),
		},
		Loader: LoaderConfig{
			MaxConcurrentLoads: svc.MaxConcurrentLoads,
			Timeout:            svc.LoadTimeout,
		},
		Release: ReleaseConfig{
			CleanupInterval:         svc.CleanupInterval,
			UnusedAssetTimeout:      svc.UnusedAssetTimeout,
			MaxTrackedAssets:        svc.MaxTrackedAssets,
			MemoryPressureThreshold: svc.MemoryPressureThreshold,
			MemoryCheckInterval:     svc.MemoryCheckInterval,
		},
		Stats: StatsConfig{
			SlowLoad:        svc.AlertThresholds.SlowLoad,
			VerySlowLoad:    svc.AlertThresholds.VerySlowLoad,
			HighMemoryBytes: svc.AlertThresholds.HighMemoryBytes,
			HistorySize:     svc.HistorySize,
		},
		Preload: PreloadConfig{
			Strategy:          string(opts.Strategy),
			MaxConcurrency:    opts.MaxConcurrency,
			PerItemTimeout:    opts.PerItemTimeout,
			ContinueOnFailure: opts.ContinueOnFailure,
			TolerantSuccess:   opts.TolerantSuccess,
		},
		Provider: ProviderConfig{
			Kind:   ProviderSQL,
			Driver: "sqlite",
			Table:  "assets",
			Codec:  string(compression.CompressorNone),
			Format: provider.FormatRaw,
		},
		Metrics: MetricsConfig{
			CacheName:         "default",
			Namespace:         metrics.DefaultNamespace,
			ReportingInterval: assetcache.DefaultMetricsReportingInterval,
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalidConfig, "parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, errors.CodeInvalidConfig, "open config %s", path)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !stderrors.Is(err, io.EOF) {
		return errors.Wrapf(err, errors.CodeInvalidConfig, "decode config %s", path)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if err := c.ToServiceConfig().Validate(); err != nil {
		return err
	}
	if _, ok := eviction.ParseType(c.Cache.EvictionType); !ok {
		return invalid("unknown eviction type %q", c.Cache.EvictionType)
	}
	if _, err := preload.ParseStrategy(c.Preload.Strategy); err != nil {
		return invalid("%v", err)
	}
	if c.Preload.MaxConcurrency <= 0 {
		return invalid("preload max concurrency must be positive, got %d", c.Preload.MaxConcurrency)
	}
	if c.Preload.PerItemTimeout < 0 {
		return invalid("preload item timeout must not be negative, got %s", c.Preload.PerItemTimeout)
	}
	seen := make(map[string]bool, len(c.Preload.Assets))
	for i, item := range c.Preload.Assets {
		if item.Address == "" {
			return invalid("preload asset %d has no address", i)
		}
		if _, err := preload.ParsePriority(item.Priority); err != nil {
			return invalid("preload asset %q: %v", item.Address, err)
		}
		if seen[item.Address] {
			return invalid("preload asset %q listed twice", item.Address)
		}
		seen[item.Address] = true
	}
	return c.Provider.validate()
}

func (p ProviderConfig) validate() error {
	switch p.Kind {
	case ProviderSQL:
		if p.Driver == "" || p.DSN == "" {
			return invalid("sql provider requires driver and dsn")
		}
	case ProviderRedis:
		if p.RedisAddr == "" {
			return invalid("redis provider requires redis_addr")
		}
	default:
		return invalid("unknown provider kind %q", p.Kind)
	}
	if _, err := compression.ParseCompressorType(p.Codec); err != nil {
		return invalid("%v", err)
	}
	if _, err := provider.ParseDecoder(p.Format); err != nil {
		return invalid("%v", err)
	}
	return nil
}

// ToServiceConfig converts the file configuration into a service configuration. Hooks, the
// metrics exporter and the tracer provider are left for the caller to attach.
func (c *Config) ToServiceConfig() *assetcache.Config {
	sc := assetcache.NewDefaultConfig().
		WithMaxEntries(c.Cache.MaxEntries).
		WithMaxMemoryBytes(c.Cache.MaxMemoryBytes).
		WithEvictionType(assetcache.EvictionType(c.Cache.EvictionType)).
		WithMaxConcurrentLoads(c.Loader.MaxConcurrentLoads).
		WithLoadTimeout(c.Loader.Timeout).
		WithCleanupInterval(c.Release.CleanupInterval).
		WithUnusedAssetTimeout(c.Release.UnusedAssetTimeout).
		WithMaxTrackedAssets(c.Release.MaxTrackedAssets).
		WithMemoryPressureThreshold(c.Release.MemoryPressureThreshold).
		WithMemoryMonitor(c.Release.MemoryCheckInterval, nil).
		WithAlertThresholds(assetcache.AlertThresholds{
			SlowLoad:        c.Stats.SlowLoad,
			VerySlowLoad:    c.Stats.VerySlowLoad,
			HighMemoryBytes: c.Stats.HighMemoryBytes,
		}).
		WithHistorySize(c.Stats.HistorySize)

	for tag, age := range c.Release.TypePolicies {
		sc.WithTypePolicy(tag, age)
	}
	for tag, parents := range c.Release.TypeHierarchy {
		sc.WithTypeHierarchy(tag, parents...)
	}
	return sc
}

// ServiceMetrics returns the service metrics configuration for exporter, or nil when metrics
// are disabled.
func (c *Config) ServiceMetrics(exporter metrics.Exporter) *assetcache.MetricsConfig {
	if !c.Metrics.Enabled || exporter == nil {
		return nil
	}
	return &assetcache.MetricsConfig{
		Exporter:          exporter,
		Enabled:           true,
		CacheName:         c.Metrics.CacheName,
		Namespace:         c.Metrics.Namespace,
		Labels:            c.Metrics.Labels,
		ReportingInterval: c.Metrics.ReportingInterval,
		IncludeAssetSizes: c.Metrics.AssetSizes,
	}
}

// PreloadList builds the prioritized preload list.
func (c *Config) PreloadList() *assetcache.PreloadList {
	list := assetcache.NewPreloadList()
	for _, item := range c.Preload.Assets {
		priority, _ := preload.ParsePriority(item.Priority)
		list.Add(item.Address, item.Type, priority)
	}
	return list
}

// PreloadOptions returns the batch options of the preload run.
func (c *Config) PreloadOptions() assetcache.PreloadOptions {
	strategy, _ := preload.ParseStrategy(c.Preload.Strategy)
	return assetcache.PreloadOptions{
		Strategy:          strategy,
		MaxConcurrency:    c.Preload.MaxConcurrency,
		PerItemTimeout:    c.Preload.PerItemTimeout,
		ContinueOnFailure: c.Preload.ContinueOnFailure,
		TolerantSuccess:   c.Preload.TolerantSuccess,
	}
}

// Compressor builds the blob codec of the provider.
func (p ProviderConfig) Compressor() (compression.Compressor, error) {
	algorithm, err := compression.ParseCompressorType(p.Codec)
	if err != nil {
		return nil, err
	}
	return compression.NewCompressor(compression.NewDefaultConfig().
		WithEnabled(algorithm != compression.CompressorNone).
		WithAlgorithm(algorithm))
}

func invalid(format string, args ...interface{}) error {
	return errors.Newf(errors.CodeInvalidConfig, format, args...)
}
