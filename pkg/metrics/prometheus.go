package metrics

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusConfig holds Prometheus-specific settings.
type PrometheusConfig struct {
	// Registry receives the collectors. Defaults to prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// Buckets for duration histograms. Defaults to prometheus.DefBuckets.
	Buckets []float64
}

// PrometheusExporter publishes metrics through the Prometheus client library.
//
// Snapshot counters (hits, misses, ...) are exported as counters advanced by the delta since
// the previous snapshot of the same label set.
type PrometheusExporter struct {
	config   *Config
	registry prometheus.Registerer
	buckets  []float64
	names    MetricNames

	hits         *prometheus.CounterVec
	misses       *prometheus.CounterVec
	evictions    *prometheus.CounterVec
	releases     *prometheus.CounterVec
	loads        *prometheus.CounterVec
	loadFailures *prometheus.CounterVec
	operations   *prometheus.CounterVec
	opDuration   *prometheus.HistogramVec
	entries      *prometheus.GaugeVec
	memory       *prometheus.GaugeVec
	inFlight     *prometheus.GaugeVec
	hitRate      *prometheus.GaugeVec

	mu         sync.Mutex
	last       map[string]float64
	custom     map[string]customCollector
	collectors []prometheus.Collector
}

type customCollector struct {
	collector  prometheus.Collector
	labelNames []string
}

// NewPrometheusExporter creates and registers the standard collectors.
func NewPrometheusExporter(config *Config, promConfig *PrometheusConfig) (*PrometheusExporter, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	if promConfig == nil {
		promConfig = &PrometheusConfig{}
	}

	p := &PrometheusExporter{
		config:   config,
		registry: promConfig.Registry,
		buckets:  promConfig.Buckets,
		names:    MetricNamesFor(config.Namespace),
		last:     make(map[string]float64),
		custom:   make(map[string]customCollector),
	}
	if p.registry == nil {
		p.registry = prometheus.DefaultRegisterer
	}
	if len(p.buckets) == 0 {
		p.buckets = prometheus.DefBuckets
	}

	constLabels := prometheus.Labels(config.Labels)
	statLabels := []string{LabelCacheName}
	counter := func(name, help string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: constLabels}, statLabels)
	}
	gauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: constLabels}, statLabels)
	}

	p.hits = counter(p.names.HitsTotal, "Total number of asset cache hits")
	p.misses = counter(p.names.MissesTotal, "Total number of asset cache misses")
	p.evictions = counter(p.names.EvictionsTotal, "Total number of evicted assets")
	p.releases = counter(p.names.ReleasesTotal, "Total number of released assets")
	p.loads = counter(p.names.LoadsTotal, "Total number of provider loads")
	p.loadFailures = counter(p.names.LoadFailuresTotal, "Total number of failed provider loads")
	p.entries = gauge(p.names.EntriesCount, "Current number of cached assets")
	p.memory = gauge(p.names.MemoryBytes, "Estimated memory held by cached assets")
	p.inFlight = gauge(p.names.InFlightLoads, "Provider loads currently in flight")
	p.hitRate = gauge(p.names.HitRate, "Cache hit rate percentage")
	p.operations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name:        p.names.OperationsTotal,
		Help:        "Total number of cache operations",
		ConstLabels: constLabels,
	}, []string{LabelCacheName, LabelOperation, LabelResult})
	p.opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:        p.names.OperationDuration,
		Help:        "Duration of cache operations in seconds",
		ConstLabels: constLabels,
		Buckets:     p.buckets,
	}, []string{LabelCacheName, LabelOperation})

	for _, c := range []prometheus.Collector{
		p.hits, p.misses, p.evictions, p.releases, p.loads, p.loadFailures,
		p.operations, p.opDuration, p.entries, p.memory, p.inFlight, p.hitRate,
	} {
		if err := p.registry.Register(c); err != nil {
			p.unregisterAll()
			return nil, fmt.Errorf("register prometheus collector: %w", err)
		}
		p.collectors = append(p.collectors, c)
	}

	return p, nil
}

// ExportStats publishes a snapshot.
func (p *PrometheusExporter) ExportStats(stats Stats, labels Labels) error {
	cache := labels[LabelCacheName]

	p.mu.Lock()
	defer p.mu.Unlock()

	p.advance(p.hits, p.names.HitsTotal, cache, float64(stats.Hits()))
	p.advance(p.misses, p.names.MissesTotal, cache, float64(stats.Misses()))
	p.advance(p.evictions, p.names.EvictionsTotal, cache, float64(stats.Evictions()))
	p.advance(p.releases, p.names.ReleasesTotal, cache, float64(stats.Releases()))
	p.advance(p.loads, p.names.LoadsTotal, cache, float64(stats.Loads()))
	p.advance(p.loadFailures, p.names.LoadFailuresTotal, cache, float64(stats.LoadFailures()))

	p.entries.WithLabelValues(cache).Set(float64(stats.Entries()))
	p.memory.WithLabelValues(cache).Set(float64(stats.MemoryBytes()))
	p.inFlight.WithLabelValues(cache).Set(float64(stats.InFlight()))
	p.hitRate.WithLabelValues(cache).Set(stats.HitRate())
	return nil
}

// advance adds the growth of a cumulative value since the last snapshot. A value that went
// backwards (after a reset) restarts the baseline.
func (p *PrometheusExporter) advance(vec *prometheus.CounterVec, name, cache string, value float64) {
	key := name + "\xff" + cache
	if delta := value - p.last[key]; delta > 0 {
		vec.WithLabelValues(cache).Add(delta)
	}
	p.last[key] = value
}

// RecordCacheOperation counts the operation and, with detailed timings enabled, observes its
// duration.
func (p *PrometheusExporter) RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error {
	cache := labels[LabelCacheName]
	result := labels[LabelResult]
	if result == "" {
		result = string(ResultSuccess)
	}

	p.operations.WithLabelValues(cache, string(operation), result).Inc()
	if p.config.IncludeDetailedTimings {
		p.opDuration.WithLabelValues(cache, string(operation)).Observe(duration.Seconds())
	}
	return nil
}

// IncrementCounter increments a custom counter, creating it on first use.
func (p *PrometheusExporter) IncrementCounter(name string, labels Labels) error {
	c, values, err := p.customMetric(name, labels, func(labelNames []string) prometheus.Collector {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: name, Help: "Custom counter " + name, ConstLabels: prometheus.Labels(p.config.Labels),
		}, labelNames)
	})
	if err != nil {
		return err
	}
	vec, ok := c.(*prometheus.CounterVec)
	if !ok {
		return fmt.Errorf("metric %q is not a counter", name)
	}
	vec.WithLabelValues(values...).Inc()
	return nil
}

// RecordHistogram observes value on a custom histogram, creating it on first use.
func (p *PrometheusExporter) RecordHistogram(name string, value float64, labels Labels) error {
	c, values, err := p.customMetric(name, labels, func(labelNames []string) prometheus.Collector {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: name, Help: "Custom histogram " + name, ConstLabels: prometheus.Labels(p.config.Labels),
			Buckets: p.buckets,
		}, labelNames)
	})
	if err != nil {
		return err
	}
	vec, ok := c.(*prometheus.HistogramVec)
	if !ok {
		return fmt.Errorf("metric %q is not a histogram", name)
	}
	vec.WithLabelValues(values...).Observe(value)
	return nil
}

// SetGauge sets a custom gauge, creating it on first use.
func (p *PrometheusExporter) SetGauge(name string, value float64, labels Labels) error {
	c, values, err := p.customMetric(name, labels, func(labelNames []string) prometheus.Collector {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: name, Help: "Custom gauge " + name, ConstLabels: prometheus.Labels(p.config.Labels),
		}, labelNames)
	})
	if err != nil {
		return err
	}
	vec, ok := c.(*prometheus.GaugeVec)
	if !ok {
		return fmt.Errorf("metric %q is not a gauge", name)
	}
	vec.WithLabelValues(values...).Set(value)
	return nil
}

// customMetric returns the collector registered under name and the label values for labels.
// The label names of a custom metric are fixed by its first use.
func (p *PrometheusExporter) customMetric(name string, labels Labels, create func([]string) prometheus.Collector) (prometheus.Collector, []string, error) {
	labelNames := make([]string, 0, len(labels))
	for k := range labels {
		labelNames = append(labelNames, k)
	}
	sort.Strings(labelNames)

	p.mu.Lock()
	defer p.mu.Unlock()

	existing, ok := p.custom[name]
	if !ok {
		c := create(labelNames)
		if err := p.registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return nil, nil, fmt.Errorf("register metric %q: %w", name, err)
			}
			c = are.ExistingCollector
		} else {
			p.collectors = append(p.collectors, c)
		}
		existing = customCollector{collector: c, labelNames: labelNames}
		p.custom[name] = existing
	}

	if strings.Join(existing.labelNames, ",") != strings.Join(labelNames, ",") {
		return nil, nil, fmt.Errorf("metric %q uses labels %v, got %v", name, existing.labelNames, labelNames)
	}

	values := make([]string, len(labelNames))
	for i, k := range labelNames {
		values[i] = labels[k]
	}
	return existing.collector, values, nil
}

// Close unregisters every collector created by the exporter.
func (p *PrometheusExporter) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unregisterAll()
	return nil
}

func (p *PrometheusExporter) unregisterAll() {
	for _, c := range p.collectors {
		p.registry.Unregister(c)
	}
	p.collectors = nil
	p.custom = make(map[string]customCollector)
}
