// Package stats records per-asset and per-type usage, keeps a ring of recent load samples for
// trend analysis, and raises threshold-based performance alerts.
package stats

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/1mb-dev/assetcache-go/internal/log"
	"github.com/1mb-dev/assetcache-go/pkg/metrics"
)

const (
	loggerComponentName = "StatisticsCollector"

	// DefaultHistorySize is the capacity of the performance sample ring.
	DefaultHistorySize = 1000

	// DefaultMovingWindow is the number of recent loads averaged per asset.
	DefaultMovingWindow = 10

	// DefaultMaxAlerts is the number of recent alerts retained.
	DefaultMaxAlerts = 100
)

// AlertKind classifies a performance alert.
type AlertKind string

const (
	AlertSlowLoad     AlertKind = "slow_load"
	AlertVerySlowLoad AlertKind = "very_slow_load"
	AlertLoadFailure  AlertKind = "load_failure"
	AlertHighMemory   AlertKind = "high_memory"
)

// Thresholds configure when alerts fire. A zero threshold disables its alert.
type Thresholds struct {
	SlowLoad        time.Duration `yaml:"slow_load"`
	VerySlowLoad    time.Duration `yaml:"very_slow_load"`
	HighMemoryBytes int64         `yaml:"high_memory_bytes"`
}

// DefaultThresholds returns 200ms slow, 1s very slow, and 64 MiB high memory.
func DefaultThresholds() Thresholds {
	return Thresholds{
		SlowLoad:        200 * time.Millisecond,
		VerySlowLoad:    time.Second,
		HighMemoryBytes: 64 << 20,
	}
}

// PerformanceAlert is raised when a load crosses a threshold or fails.
type PerformanceAlert struct {
	ID        string
	Kind      AlertKind
	Address   string
	TypeTag   string
	Value     float64
	Threshold float64
	Message   string
	Time      time.Time
}

// PerformanceSample is one entry of the load history ring.
type PerformanceSample struct {
	Time        time.Time
	Address     string
	LoadTime    time.Duration
	Success     bool
	MemoryBytes int64
}

// AssetUsageStats aggregates the activity of one address.
type AssetUsageStats struct {
	Address         string
	TypeTag         string
	Loads           int64
	Failures        int64
	Hits            int64
	Misses          int64
	TotalLoadTime   time.Duration
	AverageLoadTime time.Duration
	RecentLoadTime  time.Duration
	LastLoad        time.Time
	LastSize        int64
}

// TypeUsageStats aggregates the activity of one type tag.
type TypeUsageStats struct {
	TypeTag         string
	Loads           int64
	Failures        int64
	Hits            int64
	Misses          int64
	TotalLoadTime   time.Duration
	AverageLoadTime time.Duration
	TotalBytes      int64
}

// Totals are collector-wide counters.
type Totals struct {
	Loads     int64
	Failures  int64
	Hits      int64
	Misses    int64
	Evictions int64
	Releases  int64
}

// TrendReport compares the first and second half of the samples in a window.
//
// LoadTimeChange and MemoryChange are relative changes of the half averages (0.5 means 50%
// higher in the second half). SuccessRateChange is the difference of the half success rates.
type TrendReport struct {
	Window            time.Duration
	Samples           int
	LoadTimeChange    float64
	MemoryChange      float64
	SuccessRateChange float64
}

// Listener observes alerts. Panics in the callback are recovered.
type Listener struct {
	OnAlert func(PerformanceAlert)
}

type assetRecord struct {
	stats  AssetUsageStats
	recent *MovingAverage
}

// Option configures a Collector.
type Option func(*Collector)

// WithThresholds sets the alert thresholds.
func WithThresholds(t Thresholds) Option {
	return func(c *Collector) { c.thresholds = t }
}

// WithHistorySize sets the sample ring capacity.
func WithHistorySize(n int) Option {
	return func(c *Collector) { c.historySize = n }
}

// WithMovingWindow sets the per-asset moving average window.
func WithMovingWindow(n int) Option {
	return func(c *Collector) { c.window = n }
}

// WithMaxAlerts sets how many recent alerts are retained.
func WithMaxAlerts(n int) Option {
	return func(c *Collector) { c.maxAlerts = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithListener registers the alert observer.
func WithListener(l Listener) Option {
	return func(c *Collector) { c.listener = l }
}

// WithExporter forwards load durations and alert counts to exporter.
func WithExporter(exporter metrics.Exporter, namespace string, labels metrics.Labels) Option {
	return func(c *Collector) {
		c.exporter = exporter
		c.names = metrics.MetricNamesFor(namespace)
		c.labels = labels
	}
}

// WithAssetSizes also exports the size of every loaded payload. It has no effect without an
// exporter.
func WithAssetSizes(enabled bool) Option {
	return func(c *Collector) { c.assetSizes = enabled }
}

// Collector is safe for concurrent use. Recording never fails and never blocks on observers
// beyond their own run time.
type Collector struct {
	mu sync.Mutex

	assets map[string]*assetRecord
	types  map[string]*TypeUsageStats
	totals Totals

	history     []PerformanceSample
	historyNext int
	historyLen  int

	alerts []PerformanceAlert

	thresholds  Thresholds
	historySize int
	window      int
	maxAlerts   int
	now         func() time.Time
	listener    Listener

	exporter   metrics.Exporter
	names      metrics.MetricNames
	labels     metrics.Labels
	assetSizes bool

	logger *log.Logger
}

// New creates a Collector.
func New(opts ...Option) *Collector {
	c := &Collector{
		assets:      make(map[string]*assetRecord),
		types:       make(map[string]*TypeUsageStats),
		thresholds:  DefaultThresholds(),
		historySize: DefaultHistorySize,
		window:      DefaultMovingWindow,
		maxAlerts:   DefaultMaxAlerts,
		now:         time.Now,
		logger:      log.GetLogger().With(log.String(log.LoggerKeyComponentName, loggerComponentName)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.historySize <= 0 {
		c.historySize = DefaultHistorySize
	}
	if c.window <= 0 {
		c.window = DefaultMovingWindow
	}
	if c.maxAlerts <= 0 {
		c.maxAlerts = DefaultMaxAlerts
	}
	c.history = make([]PerformanceSample, c.historySize)

	return c
}

// RecordLoad records one provider load. size is the estimated payload size for successful
// loads; err is nil on success.
func (c *Collector) RecordLoad(address, typeTag string, elapsed time.Duration, size int64, err error) {
	now := c.now()
	success := err == nil

	c.mu.Lock()
	rec := c.assetLocked(address, typeTag)
	ts := c.typeLocked(rec.stats.TypeTag)

	rec.stats.Loads++
	ts.Loads++
	c.totals.Loads++
	if success {
		rec.stats.TotalLoadTime += elapsed
		rec.stats.AverageLoadTime = rec.stats.TotalLoadTime / time.Duration(rec.stats.Loads-rec.stats.Failures)
		rec.recent.Add(float64(elapsed))
		rec.stats.RecentLoadTime = time.Duration(rec.recent.Average())
		rec.stats.LastSize = size

		ts.TotalLoadTime += elapsed
		ts.AverageLoadTime = ts.TotalLoadTime / time.Duration(ts.Loads-ts.Failures)
		ts.TotalBytes += size
	} else {
		rec.stats.Failures++
		ts.Failures++
		c.totals.Failures++
	}
	rec.stats.LastLoad = now

	c.pushSampleLocked(PerformanceSample{
		Time:        now,
		Address:     address,
		LoadTime:    elapsed,
		Success:     success,
		MemoryBytes: size,
	})

	alerts := c.checkLocked(address, rec.stats.TypeTag, elapsed, size, err, now)
	c.mu.Unlock()

	if success {
		c.export(func(e metrics.Exporter) error {
			return e.RecordHistogram(c.names.LoadDuration, elapsed.Seconds(),
				c.withLabels(metrics.LabelAssetType, typeTag))
		})
		if c.assetSizes {
			c.export(func(e metrics.Exporter) error {
				return e.RecordHistogram(c.names.AssetSize, float64(size),
					c.withLabels(metrics.LabelAssetType, typeTag))
			})
		}
	}
	for _, a := range alerts {
		c.raise(a)
	}
}

// RecordHit records a cache hit for address.
func (c *Collector) RecordHit(address, typeTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.assetLocked(address, typeTag)
	rec.stats.Hits++
	c.typeLocked(rec.stats.TypeTag).Hits++
	c.totals.Hits++
}

// RecordMiss records a cache miss for address.
func (c *Collector) RecordMiss(address, typeTag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec := c.assetLocked(address, typeTag)
	rec.stats.Misses++
	c.typeLocked(rec.stats.TypeTag).Misses++
	c.totals.Misses++
}

// RecordEviction counts a store eviction.
func (c *Collector) RecordEviction() {
	c.mu.Lock()
	c.totals.Evictions++
	c.mu.Unlock()
}

// RecordRelease counts released assets.
func (c *Collector) RecordRelease(n int) {
	c.mu.Lock()
	c.totals.Releases += int64(n)
	c.mu.Unlock()
}

func (c *Collector) assetLocked(address, typeTag string) *assetRecord {
	rec, ok := c.assets[address]
	if !ok {
		rec = &assetRecord{
			stats:  AssetUsageStats{Address: address, TypeTag: typeTag},
			recent: NewMovingAverage(c.window),
		}
		c.assets[address] = rec
	} else if rec.stats.TypeTag == "" && typeTag != "" {
		rec.stats.TypeTag = typeTag
	}
	return rec
}

func (c *Collector) typeLocked(typeTag string) *TypeUsageStats {
	ts, ok := c.types[typeTag]
	if !ok {
		ts = &TypeUsageStats{TypeTag: typeTag}
		c.types[typeTag] = ts
	}
	return ts
}

func (c *Collector) pushSampleLocked(s PerformanceSample) {
	c.history[c.historyNext] = s
	c.historyNext = (c.historyNext + 1) % len(c.history)
	if c.historyLen < len(c.history) {
		c.historyLen++
	}
}

func (c *Collector) checkLocked(address, typeTag string, elapsed time.Duration, size int64, err error, now time.Time) []PerformanceAlert {
	var alerts []PerformanceAlert
	add := func(kind AlertKind, value, threshold float64, msg string) {
		a := PerformanceAlert{
			ID:        uuid.NewString(),
			Kind:      kind,
			Address:   address,
			TypeTag:   typeTag,
			Value:     value,
			Threshold: threshold,
			Message:   msg,
			Time:      now,
		}
		alerts = append(alerts, a)
		c.alerts = append(c.alerts, a)
	}

	th := c.thresholds
	if err != nil {
		add(AlertLoadFailure, 1, 0, fmt.Sprintf("load %q failed: %v", address, err))
	} else {
		switch {
		case th.VerySlowLoad > 0 && elapsed > th.VerySlowLoad:
			add(AlertVerySlowLoad, elapsed.Seconds(), th.VerySlowLoad.Seconds(),
				fmt.Sprintf("load %q took %s", address, elapsed))
		case th.SlowLoad > 0 && elapsed > th.SlowLoad:
			add(AlertSlowLoad, elapsed.Seconds(), th.SlowLoad.Seconds(),
				fmt.Sprintf("load %q took %s", address, elapsed))
		}
		if th.HighMemoryBytes > 0 && size > th.HighMemoryBytes {
			add(AlertHighMemory, float64(size), float64(th.HighMemoryBytes),
				fmt.Sprintf("asset %q uses %d bytes", address, size))
		}
	}

	if over := len(c.alerts) - c.maxAlerts; over > 0 {
		c.alerts = append([]PerformanceAlert(nil), c.alerts[over:]...)
	}
	return alerts
}

func (c *Collector) raise(a PerformanceAlert) {
	c.logger.Warn("Performance alert",
		log.String("kind", string(a.Kind)),
		log.String("address", a.Address),
		log.Any("value", a.Value),
		log.Any("threshold", a.Threshold))

	c.export(func(e metrics.Exporter) error {
		return e.IncrementCounter(c.names.AlertsTotal, c.withLabels(metrics.LabelAlertKind, string(a.Kind)))
	})

	if c.listener.OnAlert == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Alert listener panicked", log.Any("panic", r))
		}
	}()
	c.listener.OnAlert(a)
}

func (c *Collector) export(fn func(metrics.Exporter) error) {
	if c.exporter == nil {
		return
	}
	if err := fn(c.exporter); err != nil && c.logger.IsDebugEnabled() {
		c.logger.Debug("Metrics export failed", log.Error(err))
	}
}

func (c *Collector) withLabels(key, value string) metrics.Labels {
	out := make(metrics.Labels, len(c.labels)+1)
	for k, v := range c.labels {
		out[k] = v
	}
	out[key] = value
	return out
}

// Asset returns the usage of address.
func (c *Collector) Asset(address string) (AssetUsageStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.assets[address]
	if !ok {
		return AssetUsageStats{}, false
	}
	return rec.stats, true
}

// Type returns the usage of typeTag.
func (c *Collector) Type(typeTag string) (TypeUsageStats, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ts, ok := c.types[typeTag]
	if !ok {
		return TypeUsageStats{}, false
	}
	return *ts, true
}

// Types returns the usage of every type, sorted by tag.
func (c *Collector) Types() []TypeUsageStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TypeUsageStats, 0, len(c.types))
	for _, ts := range c.types {
		out = append(out, *ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeTag < out[j].TypeTag })
	return out
}

// Totals returns the collector-wide counters.
func (c *Collector) Totals() Totals {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totals
}

// TopSlowest returns up to n assets with the highest average load time.
func (c *Collector) TopSlowest(n int) []AssetUsageStats {
	c.mu.Lock()
	out := make([]AssetUsageStats, 0, len(c.assets))
	for _, rec := range c.assets {
		if rec.stats.Loads > rec.stats.Failures {
			out = append(out, rec.stats)
		}
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AverageLoadTime == out[j].AverageLoadTime {
			return out[i].Address < out[j].Address
		}
		return out[i].AverageLoadTime > out[j].AverageLoadTime
	})
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// History returns the retained samples, oldest first.
func (c *Collector) History() []PerformanceSample {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLocked()
}

func (c *Collector) historyLocked() []PerformanceSample {
	out := make([]PerformanceSample, 0, c.historyLen)
	start := (c.historyNext - c.historyLen + len(c.history)) % len(c.history)
	for i := 0; i < c.historyLen; i++ {
		out = append(out, c.history[(start+i)%len(c.history)])
	}
	return out
}

// Alerts returns the retained alerts, oldest first.
func (c *Collector) Alerts() []PerformanceAlert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PerformanceAlert(nil), c.alerts...)
}

// Trend compares the first and second half of the samples recorded within window of now.
// Fewer than two samples yield a report with zero changes.
func (c *Collector) Trend(window time.Duration) TrendReport {
	now := c.now()

	c.mu.Lock()
	all := c.historyLocked()
	c.mu.Unlock()

	samples := all[:0]
	for _, s := range all {
		if window <= 0 || now.Sub(s.Time) <= window {
			samples = append(samples, s)
		}
	}

	report := TrendReport{Window: window, Samples: len(samples)}
	if len(samples) < 2 {
		return report
	}

	mid := len(samples) / 2
	first, second := summarize(samples[:mid]), summarize(samples[mid:])
	report.LoadTimeChange = relativeChange(first.loadTime, second.loadTime)
	report.MemoryChange = relativeChange(first.memory, second.memory)
	report.SuccessRateChange = second.successRate - first.successRate
	return report
}

type halfSummary struct {
	loadTime    float64
	memory      float64
	successRate float64
}

func summarize(samples []PerformanceSample) halfSummary {
	var h halfSummary
	var succeeded int
	for _, s := range samples {
		if s.Success {
			succeeded++
			h.loadTime += float64(s.LoadTime)
			h.memory += float64(s.MemoryBytes)
		}
	}
	if succeeded > 0 {
		h.loadTime /= float64(succeeded)
		h.memory /= float64(succeeded)
	}
	h.successRate = float64(succeeded) / float64(len(samples))
	return h
}

func relativeChange(before, after float64) float64 {
	if before == 0 {
		if after == 0 {
			return 0
		}
		return 1
	}
	return (after - before) / before
}

// Reset drops every aggregate, sample, and alert.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.assets = make(map[string]*assetRecord)
	c.types = make(map[string]*TypeUsageStats)
	c.totals = Totals{}
	c.history = make([]PerformanceSample, c.historySize)
	c.historyNext, c.historyLen = 0, 0
	c.alerts = nil
}
