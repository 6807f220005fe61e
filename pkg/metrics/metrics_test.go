package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
)

type mockStats struct {
	hits, misses, evictions, releases int64
	entries, memory, inFlight         int64
	loads, loadFailures               int64
	hitRate                           float64
}

func (m *mockStats) Hits() int64         { return m.hits }
func (m *mockStats) Misses() int64       { return m.misses }
func (m *mockStats) Evictions() int64    { return m.evictions }
func (m *mockStats) Releases() int64     { return m.releases }
func (m *mockStats) Entries() int64      { return m.entries }
func (m *mockStats) MemoryBytes() int64  { return m.memory }
func (m *mockStats) InFlight() int64     { return m.inFlight }
func (m *mockStats) Loads() int64        { return m.loads }
func (m *mockStats) LoadFailures() int64 { return m.loadFailures }
func (m *mockStats) HitRate() float64    { return m.hitRate }

type mockExporter struct {
	exportStatsCalls int
	recordOpCalls    int
	counterCalls     int
	histogramCalls   int
	gaugeCalls       int
	closeCalls       int
	shouldError      bool
	lastOperation    Operation
	lastDuration     time.Duration
	lastLabels       Labels
}

func (m *mockExporter) result() error {
	if m.shouldError {
		return errors.New("mock error")
	}
	return nil
}

func (m *mockExporter) ExportStats(_ Stats, labels Labels) error {
	m.exportStatsCalls++
	m.lastLabels = labels
	return m.result()
}

func (m *mockExporter) RecordCacheOperation(operation Operation, duration time.Duration, labels Labels) error {
	m.recordOpCalls++
	m.lastOperation = operation
	m.lastDuration = duration
	m.lastLabels = labels
	return m.result()
}

func (m *mockExporter) IncrementCounter(_ string, labels Labels) error {
	m.counterCalls++
	m.lastLabels = labels
	return m.result()
}

func (m *mockExporter) RecordHistogram(_ string, _ float64, labels Labels) error {
	m.histogramCalls++
	m.lastLabels = labels
	return m.result()
}

func (m *mockExporter) SetGauge(_ string, _ float64, labels Labels) error {
	m.gaugeCalls++
	m.lastLabels = labels
	return m.result()
}

func (m *mockExporter) Close() error {
	m.closeCalls++
	return m.result()
}

func TestNewDefaultConfig(t *testing.T) {
	config := NewDefaultConfig()

	assert.True(t, config.Enabled)
	assert.Equal(t, "assetcache", config.Namespace)
	assert.NotNil(t, config.Labels)
	assert.Equal(t, 30*time.Second, config.ReportingInterval)
	assert.False(t, config.IncludeDetailedTimings)
	assert.False(t, config.IncludeAssetSizes)
}

func TestConfigBuilder(t *testing.T) {
	config := NewDefaultConfig().
		WithNamespace("game").
		WithLabels(Labels{"env": "test"}).
		WithReportingInterval(time.Minute).
		WithDetailedTimings(true).
		WithAssetSizes(true)

	assert.Equal(t, "game", config.Namespace)
	assert.Equal(t, "test", config.Labels["env"])
	assert.Equal(t, time.Minute, config.ReportingInterval)
	assert.True(t, config.IncludeDetailedTimings)
	assert.True(t, config.IncludeAssetSizes)
}

func TestMetricNames(t *testing.T) {
	names := DefaultMetricNames()

	tests := []struct {
		got, want string
	}{
		{names.HitsTotal, "assetcache_hits_total"},
		{names.MissesTotal, "assetcache_misses_total"},
		{names.EvictionsTotal, "assetcache_evictions_total"},
		{names.ReleasesTotal, "assetcache_releases_total"},
		{names.LoadsTotal, "assetcache_loads_total"},
		{names.LoadFailuresTotal, "assetcache_load_failures_total"},
		{names.OperationsTotal, "assetcache_operations_total"},
		{names.AlertsTotal, "assetcache_alerts_total"},
		{names.OperationDuration, "assetcache_operation_duration_seconds"},
		{names.LoadDuration, "assetcache_load_duration_seconds"},
		{names.AssetSize, "assetcache_asset_size_bytes"},
		{names.EntriesCount, "assetcache_entries_count"},
		{names.MemoryBytes, "assetcache_memory_bytes"},
		{names.InFlightLoads, "assetcache_inflight_loads"},
		{names.HitRate, "assetcache_hit_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}

	assert.Equal(t, "hits_total", MetricNamesFor("").HitsTotal)
}

func TestNoOpExporter(t *testing.T) {
	exporter := NewNoOpExporter()
	labels := Labels{"test": "value"}

	assert.NoError(t, exporter.ExportStats(&mockStats{hits: 100}, labels))
	assert.NoError(t, exporter.RecordCacheOperation(OperationGet, time.Millisecond, labels))
	assert.NoError(t, exporter.IncrementCounter("test", labels))
	assert.NoError(t, exporter.RecordHistogram("test", 1.5, labels))
	assert.NoError(t, exporter.SetGauge("test", 42, labels))
	assert.NoError(t, exporter.Close())
}

func TestMultiExporterFansOut(t *testing.T) {
	m1, m2 := &mockExporter{}, &mockExporter{}
	multi := NewMultiExporter(m1, m2)
	labels := Labels{"env": "test"}

	require.NoError(t, multi.ExportStats(&mockStats{}, labels))
	require.NoError(t, multi.RecordCacheOperation(OperationLoad, 5*time.Millisecond, labels))
	require.NoError(t, multi.IncrementCounter("c", labels))
	require.NoError(t, multi.RecordHistogram("h", 1, labels))
	require.NoError(t, multi.SetGauge("g", 1, labels))
	require.NoError(t, multi.Close())

	for _, m := range []*mockExporter{m1, m2} {
		assert.Equal(t, 1, m.exportStatsCalls)
		assert.Equal(t, 1, m.recordOpCalls)
		assert.Equal(t, 1, m.counterCalls)
		assert.Equal(t, 1, m.histogramCalls)
		assert.Equal(t, 1, m.gaugeCalls)
		assert.Equal(t, 1, m.closeCalls)
		assert.Equal(t, OperationLoad, m.lastOperation)
		assert.Equal(t, 5*time.Millisecond, m.lastDuration)
	}
}

func TestMultiExporterJoinsErrors(t *testing.T) {
	m1, m2, m3 := &mockExporter{shouldError: true}, &mockExporter{}, &mockExporter{shouldError: true}
	multi := NewMultiExporter(m1, m2, m3)

	err := multi.ExportStats(&mockStats{}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, m2.exportStatsCalls, "later exporters still run after a failure")
	assert.Equal(t, 1, m3.exportStatsCalls)
}

// gathered sums the samples of one metric family: counter and gauge values, histogram counts.
func gathered(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		var total float64
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				total += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				total += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				total += float64(m.GetHistogram().GetSampleCount())
			}
		}
		return total
	}
	t.Fatalf("metric %s not gathered", name)
	return 0
}

func TestPrometheusExporterStatsDeltas(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter, err := NewPrometheusExporter(NewDefaultConfig(), &PrometheusConfig{Registry: reg})
	require.NoError(t, err)
	names := DefaultMetricNames()
	labels := Labels{LabelCacheName: "assets"}

	require.NoError(t, exporter.ExportStats(&mockStats{hits: 10, misses: 2, entries: 5, hitRate: 83.3}, labels))
	require.NoError(t, exporter.ExportStats(&mockStats{hits: 15, misses: 2, entries: 3, hitRate: 88.2}, labels))

	assert.Equal(t, 15.0, gathered(t, reg, names.HitsTotal))
	assert.Equal(t, 2.0, gathered(t, reg, names.MissesTotal))
	assert.Equal(t, 3.0, gathered(t, reg, names.EntriesCount))
	assert.InDelta(t, 88.2, gathered(t, reg, names.HitRate), 0.001)

	require.NoError(t, exporter.ExportStats(&mockStats{hits: 4}, labels))
	require.NoError(t, exporter.ExportStats(&mockStats{hits: 6}, labels))
	assert.Equal(t, 17.0, gathered(t, reg, names.HitsTotal), "a reset restarts the baseline")
}

func TestPrometheusExporterOperationsAndCustomMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	exporter, err := NewPrometheusExporter(NewDefaultConfig().WithDetailedTimings(true), &PrometheusConfig{Registry: reg})
	require.NoError(t, err)
	names := DefaultMetricNames()

	require.NoError(t, exporter.RecordCacheOperation(OperationLoad, 20*time.Millisecond, Labels{LabelResult: string(ResultError)}))
	require.NoError(t, exporter.RecordCacheOperation(OperationGet, time.Millisecond, nil))
	assert.Equal(t, 2.0, gathered(t, reg, names.OperationsTotal))
	assert.Equal(t, 2.0, gathered(t, reg, names.OperationDuration))

	require.NoError(t, exporter.IncrementCounter(names.AlertsTotal, Labels{LabelAlertKind: "slow_load"}))
	require.NoError(t, exporter.IncrementCounter(names.AlertsTotal, Labels{LabelAlertKind: "load_failure"}))
	assert.Equal(t, 2.0, gathered(t, reg, names.AlertsTotal))

	require.NoError(t, exporter.RecordHistogram(names.LoadDuration, 0.25, Labels{LabelAssetType: "Texture"}))
	assert.Equal(t, 1.0, gathered(t, reg, names.LoadDuration))

	require.NoError(t, exporter.SetGauge("assetcache_tracked_assets", 7, nil))
	assert.Equal(t, 7.0, gathered(t, reg, "assetcache_tracked_assets"))

	assert.Error(t, exporter.IncrementCounter(names.AlertsTotal, Labels{"other": "x"}), "label names are fixed by first use")
	assert.Error(t, exporter.SetGauge(names.AlertsTotal, 1, Labels{LabelAlertKind: "x"}), "type mismatch")

	require.NoError(t, exporter.Close())
	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families)
}

func TestPrometheusExporterDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusExporter(nil, &PrometheusConfig{Registry: reg})
	require.NoError(t, err)

	_, err = NewPrometheusExporter(nil, &PrometheusConfig{Registry: reg})
	assert.Error(t, err)

	require.NoError(t, first.Close())
	second, err := NewPrometheusExporter(nil, &PrometheusConfig{Registry: reg})
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestOpenTelemetryExporter(t *testing.T) {
	meter := noop.NewMeterProvider().Meter("test")
	exporter, err := NewOpenTelemetryExporter(NewDefaultConfig().WithDetailedTimings(true), &OpenTelemetryConfig{Meter: meter})
	require.NoError(t, err)
	labels := Labels{LabelCacheName: "assets"}

	assert.NoError(t, exporter.ExportStats(&mockStats{hits: 3, loads: 2}, labels))
	assert.NoError(t, exporter.ExportStats(&mockStats{hits: 5, loads: 2}, labels))
	assert.NoError(t, exporter.RecordCacheOperation(OperationPreload, time.Second, labels))
	assert.NoError(t, exporter.IncrementCounter("custom_total", labels))
	assert.NoError(t, exporter.RecordHistogram("custom_seconds", 0.5, labels))
	assert.NoError(t, exporter.SetGauge("custom_gauge", 1, labels))
	assert.NoError(t, exporter.Close())

	assert.Len(t, exporter.counters, 8)
	assert.Len(t, exporter.histograms, 2)
	assert.Len(t, exporter.gauges, 5)
}

func TestOpenTelemetryExporterDefaultsToGlobalMeter(t *testing.T) {
	exporter, err := NewOpenTelemetryExporter(nil, nil)
	require.NoError(t, err)
	assert.NotNil(t, exporter.meter)
	assert.NoError(t, exporter.SetGauge("g", 1, nil))
}

func TestInterfaceImplementation(t *testing.T) {
	var _ Exporter = (*MultiExporter)(nil)
	var _ Exporter = (*NoOpExporter)(nil)
	var _ Exporter = (*PrometheusExporter)(nil)
	var _ Exporter = (*OpenTelemetryExporter)(nil)
	var _ Stats = (*mockStats)(nil)
}
