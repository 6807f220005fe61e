// Package metrics exports asset cache statistics to external monitoring systems.
//
// The Exporter interface is implemented by a Prometheus exporter, an OpenTelemetry exporter,
// a no-op exporter, and a fan-out MultiExporter.
package metrics

import (
	"errors"
	"time"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "assetcache"

// Labels are key/value dimensions attached to a metric sample.
type Labels map[string]string

// Operation identifies a cache operation.
type Operation string

const (
	OperationGet     Operation = "get"
	OperationPut     Operation = "put"
	OperationRemove  Operation = "remove"
	OperationLoad    Operation = "load"
	OperationEvict   Operation = "evict"
	OperationRelease Operation = "release"
	OperationCleanup Operation = "cleanup"
	OperationPreload Operation = "preload"
)

// Result is the outcome label of an operation.
type Result string

const (
	ResultHit     Result = "hit"
	ResultMiss    Result = "miss"
	ResultSuccess Result = "success"
	ResultError   Result = "error"
)

// Label keys shared by the exporters.
const (
	LabelCacheName = "cache"
	LabelOperation = "operation"
	LabelResult    = "result"
	LabelAssetType = "asset_type"
	LabelAlertKind = "alert_kind"
)

// Stats is the statistics snapshot an exporter publishes.
type Stats interface {
	Hits() int64
	Misses() int64
	Evictions() int64
	Releases() int64
	Entries() int64
	MemoryBytes() int64
	InFlight() int64
	Loads() int64
	LoadFailures() int64
	HitRate() float64
}

// Exporter publishes cache metrics.
type Exporter interface {
	// ExportStats publishes a full statistics snapshot.
	ExportStats(stats Stats, labels Labels) error

	// RecordCacheOperation records one operation and its duration.
	RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error

	IncrementCounter(name string, labels Labels) error
	RecordHistogram(name string, value float64, labels Labels) error
	SetGauge(name string, value float64, labels Labels) error

	// Close releases exporter resources.
	Close() error
}

// Config holds exporter-independent metrics settings.
type Config struct {
	Enabled                bool
	Namespace              string
	Labels                 Labels
	ReportingInterval      time.Duration
	IncludeDetailedTimings bool
	IncludeAssetSizes      bool
}

// NewDefaultConfig returns a Config with metrics enabled and a 30s reporting interval.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:           true,
		Namespace:         DefaultNamespace,
		Labels:            make(Labels),
		ReportingInterval: 30 * time.Second,
	}
}

// WithNamespace sets the metric name prefix.
func (c *Config) WithNamespace(namespace string) *Config {
	c.Namespace = namespace
	return c
}

// WithLabels sets constant labels added to every sample.
func (c *Config) WithLabels(labels Labels) *Config {
	c.Labels = labels
	return c
}

// WithReportingInterval sets how often snapshots are exported.
func (c *Config) WithReportingInterval(interval time.Duration) *Config {
	c.ReportingInterval = interval
	return c
}

// WithDetailedTimings enables per-operation duration histograms.
func (c *Config) WithDetailedTimings(enabled bool) *Config {
	c.IncludeDetailedTimings = enabled
	return c
}

// WithAssetSizes enables asset size histograms.
func (c *Config) WithAssetSizes(enabled bool) *Config {
	c.IncludeAssetSizes = enabled
	return c
}

// MetricNames lists the names of the standard metrics.
type MetricNames struct {
	HitsTotal         string
	MissesTotal       string
	EvictionsTotal    string
	ReleasesTotal     string
	LoadsTotal        string
	LoadFailuresTotal string
	OperationsTotal   string
	AlertsTotal       string
	OperationDuration string
	LoadDuration      string
	AssetSize         string
	EntriesCount      string
	MemoryBytes       string
	InFlightLoads     string
	HitRate           string
}

// DefaultMetricNames returns the standard metric names in the default namespace.
func DefaultMetricNames() MetricNames {
	return MetricNamesFor(DefaultNamespace)
}

// MetricNamesFor returns the standard metric names prefixed with namespace.
func MetricNamesFor(namespace string) MetricNames {
	p := func(name string) string {
		if namespace == "" {
			return name
		}
		return namespace + "_" + name
	}
	return MetricNames{
		HitsTotal:         p("hits_total"),
		MissesTotal:       p("misses_total"),
		EvictionsTotal:    p("evictions_total"),
		ReleasesTotal:     p("releases_total"),
		LoadsTotal:        p("loads_total"),
		LoadFailuresTotal: p("load_failures_total"),
		OperationsTotal:   p("operations_total"),
		AlertsTotal:       p("alerts_total"),
		OperationDuration: p("operation_duration_seconds"),
		LoadDuration:      p("load_duration_seconds"),
		AssetSize:         p("asset_size_bytes"),
		EntriesCount:      p("entries_count"),
		MemoryBytes:       p("memory_bytes"),
		InFlightLoads:     p("inflight_loads"),
		HitRate:           p("hit_rate"),
	}
}

// NoOpExporter discards everything.
type NoOpExporter struct{}

// NewNoOpExporter creates a no-op exporter.
func NewNoOpExporter() *NoOpExporter {
	return &NoOpExporter{}
}

func (n *NoOpExporter) ExportStats(Stats, Labels) error                            { return nil }
func (n *NoOpExporter) RecordCacheOperation(Operation, time.Duration, Labels) error { return nil }
func (n *NoOpExporter) IncrementCounter(string, Labels) error                      { return nil }
func (n *NoOpExporter) RecordHistogram(string, float64, Labels) error              { return nil }
func (n *NoOpExporter) SetGauge(string, float64, Labels) error                     { return nil }
func (n *NoOpExporter) Close() error                                               { return nil }

// MultiExporter fans every call out to several exporters. Every exporter is called even when
// an earlier one fails; the errors are joined.
type MultiExporter struct {
	exporters []Exporter
}

// NewMultiExporter creates a fan-out exporter.
func NewMultiExporter(exporters ...Exporter) *MultiExporter {
	return &MultiExporter{exporters: exporters}
}

func (m *MultiExporter) each(fn func(Exporter) error) error {
	var errs []error
	for _, e := range m.exporters {
		if err := fn(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *MultiExporter) ExportStats(stats Stats, labels Labels) error {
	return m.each(func(e Exporter) error { return e.ExportStats(stats, labels) })
}

func (m *MultiExporter) RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error {
	return m.each(func(e Exporter) error { return e.RecordCacheOperation(operation, duration, labels) })
}

func (m *MultiExporter) IncrementCounter(name string, labels Labels) error {
	return m.each(func(e Exporter) error { return e.IncrementCounter(name, labels) })
}

func (m *MultiExporter) RecordHistogram(name string, value float64, labels Labels) error {
	return m.each(func(e Exporter) error { return e.RecordHistogram(name, value, labels) })
}

func (m *MultiExporter) SetGauge(name string, value float64, labels Labels) error {
	return m.each(func(e Exporter) error { return e.SetGauge(name, value, labels) })
}

func (m *MultiExporter) Close() error {
	return m.each(func(e Exporter) error { return e.Close() })
}

// mergeLabels returns base overlaid with extra.
func mergeLabels(base, extra Labels) Labels {
	out := make(Labels, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
