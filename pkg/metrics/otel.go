package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/1mb-dev/assetcache-go/pkg/metrics"

// OpenTelemetryConfig holds OpenTelemetry-specific settings.
type OpenTelemetryConfig struct {
	// Meter records the instruments. Defaults to the global meter provider.
	Meter metric.Meter
}

// OpenTelemetryExporter publishes metrics through an OpenTelemetry meter. Instruments are
// created on first use and reused afterwards.
type OpenTelemetryExporter struct {
	config *Config
	meter  metric.Meter
	names  MetricNames

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Float64Gauge
	last       map[string]float64
}

// NewOpenTelemetryExporter creates an exporter on otelConfig.Meter.
func NewOpenTelemetryExporter(config *Config, otelConfig *OpenTelemetryConfig) (*OpenTelemetryExporter, error) {
	if config == nil {
		config = NewDefaultConfig()
	}
	var meter metric.Meter
	if otelConfig != nil {
		meter = otelConfig.Meter
	}
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(instrumentationName)
	}

	return &OpenTelemetryExporter{
		config:     config,
		meter:      meter,
		names:      MetricNamesFor(config.Namespace),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Float64Gauge),
		last:       make(map[string]float64),
	}, nil
}

// ExportStats publishes a snapshot. Cumulative values advance their counters by the delta since
// the previous snapshot.
func (o *OpenTelemetryExporter) ExportStats(stats Stats, labels Labels) error {
	attrs := o.attributes(labels)
	key := attrs.Encoded(attribute.DefaultEncoder())

	cumulative := []struct {
		name  string
		value int64
	}{
		{o.names.HitsTotal, stats.Hits()},
		{o.names.MissesTotal, stats.Misses()},
		{o.names.EvictionsTotal, stats.Evictions()},
		{o.names.ReleasesTotal, stats.Releases()},
		{o.names.LoadsTotal, stats.Loads()},
		{o.names.LoadFailuresTotal, stats.LoadFailures()},
	}
	for _, c := range cumulative {
		counter, err := o.counter(c.name)
		if err != nil {
			return err
		}
		if delta := o.delta(c.name+"\xff"+key, float64(c.value)); delta > 0 {
			counter.Add(context.Background(), delta, metric.WithAttributeSet(attrs))
		}
	}

	current := []struct {
		name  string
		value float64
	}{
		{o.names.EntriesCount, float64(stats.Entries())},
		{o.names.MemoryBytes, float64(stats.MemoryBytes())},
		{o.names.InFlightLoads, float64(stats.InFlight())},
		{o.names.HitRate, stats.HitRate()},
	}
	for _, g := range current {
		gauge, err := o.gauge(g.name)
		if err != nil {
			return err
		}
		gauge.Record(context.Background(), g.value, metric.WithAttributeSet(attrs))
	}
	return nil
}

// RecordCacheOperation counts the operation and, with detailed timings enabled, records its
// duration.
func (o *OpenTelemetryExporter) RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error {
	opLabels := mergeLabels(labels, Labels{LabelOperation: string(operation)})
	if opLabels[LabelResult] == "" {
		opLabels[LabelResult] = string(ResultSuccess)
	}
	if err := o.IncrementCounter(o.names.OperationsTotal, opLabels); err != nil {
		return err
	}
	if !o.config.IncludeDetailedTimings {
		return nil
	}
	return o.RecordHistogram(o.names.OperationDuration, duration.Seconds(), opLabels)
}

func (o *OpenTelemetryExporter) IncrementCounter(name string, labels Labels) error {
	counter, err := o.counter(name)
	if err != nil {
		return err
	}
	counter.Add(context.Background(), 1, metric.WithAttributeSet(o.attributes(labels)))
	return nil
}

func (o *OpenTelemetryExporter) RecordHistogram(name string, value float64, labels Labels) error {
	o.mu.Lock()
	h, ok := o.histograms[name]
	if !ok {
		var err error
		h, err = o.meter.Float64Histogram(name)
		if err != nil {
			o.mu.Unlock()
			return fmt.Errorf("create histogram %q: %w", name, err)
		}
		o.histograms[name] = h
	}
	o.mu.Unlock()

	h.Record(context.Background(), value, metric.WithAttributeSet(o.attributes(labels)))
	return nil
}

func (o *OpenTelemetryExporter) SetGauge(name string, value float64, labels Labels) error {
	g, err := o.gauge(name)
	if err != nil {
		return err
	}
	g.Record(context.Background(), value, metric.WithAttributeSet(o.attributes(labels)))
	return nil
}

// Close is a no-op; the meter provider owns the instruments.
func (o *OpenTelemetryExporter) Close() error {
	return nil
}

func (o *OpenTelemetryExporter) counter(name string) (metric.Float64Counter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if c, ok := o.counters[name]; ok {
		return c, nil
	}
	c, err := o.meter.Float64Counter(name)
	if err != nil {
		return nil, fmt.Errorf("create counter %q: %w", name, err)
	}
	o.counters[name] = c
	return c, nil
}

func (o *OpenTelemetryExporter) gauge(name string) (metric.Float64Gauge, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if g, ok := o.gauges[name]; ok {
		return g, nil
	}
	g, err := o.meter.Float64Gauge(name)
	if err != nil {
		return nil, fmt.Errorf("create gauge %q: %w", name, err)
	}
	o.gauges[name] = g
	return g, nil
}

func (o *OpenTelemetryExporter) delta(key string, value float64) float64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	d := value - o.last[key]
	o.last[key] = value
	return d
}

// attributes merges the constant labels with labels into a sorted attribute set.
func (o *OpenTelemetryExporter) attributes(labels Labels) attribute.Set {
	merged := mergeLabels(o.config.Labels, labels)
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		kvs = append(kvs, attribute.String(k, merged[k]))
	}
	return attribute.NewSet(kvs...)
}
