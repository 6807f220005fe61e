package assetcache

import (
	"time"

	"github.com/1mb-dev/assetcache-go/internal/log"
	"github.com/1mb-dev/assetcache-go/pkg/metrics"
)

// Stats is a point-in-time view of the service counters.
type Stats struct {
	Entries         int
	MaxEntries      int
	MemoryBytes     int64
	MaxMemoryBytes  int64
	EvictionType    EvictionType
	Hits            int64
	Misses          int64
	Evictions       int64
	Releases        int64
	FailedPuts      int64
	Loads           int64
	LoadFailures    int64
	Fetches         int64
	InFlight        int64
	WaitingLoads    int64
	TrackedAssets   int
	ProtectedAssets int
	RunningPreloads int
}

// HitRate returns hits as a percentage of lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Stats returns a snapshot of the service counters. Hits and misses come from the cache
// store. Evictions count only budget and age driven removals; released assets are counted in
// Releases.
func (s *Service) Stats() Stats {
	st := s.store.Stats()
	totals := s.stats.Totals()

	protected := 0
	keys := s.store.Keys()
	for _, key := range keys {
		if info, ok := s.release.Info(key); ok && info.Protected {
			protected++
		}
	}

	return Stats{
		Entries:         st.Entries,
		MaxEntries:      st.MaxEntries,
		MemoryBytes:     st.MemoryBytes,
		MaxMemoryBytes:  st.MaxMemoryBytes,
		EvictionType:    st.Strategy,
		Hits:            st.Hits,
		Misses:          st.Misses,
		Evictions:       totals.Evictions,
		Releases:        totals.Releases,
		FailedPuts:      st.FailedPuts,
		Loads:           totals.Loads,
		LoadFailures:    totals.Failures,
		Fetches:         s.loader.Fetches(),
		InFlight:        s.loader.InFlight(),
		WaitingLoads:    s.loader.Waiting(),
		TrackedAssets:   s.release.Tracked(),
		ProtectedAssets: protected,
		RunningPreloads: s.preload.Running(),
	}
}

// statsSnapshot adapts Stats to metrics.Stats.
type statsSnapshot struct{ s Stats }

func (v statsSnapshot) Hits() int64         { return v.s.Hits }
func (v statsSnapshot) Misses() int64       { return v.s.Misses }
func (v statsSnapshot) Evictions() int64    { return v.s.Evictions }
func (v statsSnapshot) Releases() int64     { return v.s.Releases }
func (v statsSnapshot) Entries() int64      { return int64(v.s.Entries) }
func (v statsSnapshot) MemoryBytes() int64  { return v.s.MemoryBytes }
func (v statsSnapshot) InFlight() int64     { return v.s.InFlight }
func (v statsSnapshot) Loads() int64        { return v.s.Loads }
func (v statsSnapshot) LoadFailures() int64 { return v.s.LoadFailures }
func (v statsSnapshot) HitRate() float64    { return v.s.HitRate() }

// initializeMetrics sets up metrics collection if enabled
func (s *Service) initializeMetrics() {
	if !s.metricsEnabled() {
		s.metricsExporter = metrics.NewNoOpExporter()
		return
	}

	s.metricsExporter = s.config.Metrics.Exporter

	// Prepare metrics labels with cache name
	s.metricsLabels = make(metrics.Labels)
	if s.config.Metrics.CacheName != "" {
		s.metricsLabels[metrics.LabelCacheName] = s.config.Metrics.CacheName
	} else {
		s.metricsLabels[metrics.LabelCacheName] = defaultCacheName
	}

	// Add any additional labels from config
	for k, v := range s.config.Metrics.Labels {
		s.metricsLabels[k] = v
	}
}

func (s *Service) metricsEnabled() bool {
	m := s.config.Metrics
	return m != nil && m.Enabled && m.Exporter != nil
}

// startMetricsReporter starts automatic stats reporting if an interval is configured
func (s *Service) startMetricsReporter() {
	if !s.metricsEnabled() || s.config.Metrics.ReportingInterval <= 0 {
		return
	}
	s.metricsStop = make(chan struct{})
	s.metricsWg.Add(1)
	go s.metricsReporter()
}

// metricsReporter periodically exports service statistics
func (s *Service) metricsReporter() {
	defer s.metricsWg.Done()

	ticker := time.NewTicker(s.config.Metrics.ReportingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.exportCurrentStats()
		case <-s.metricsStop:
			// Final stats export before shutting down
			s.exportCurrentStats()
			return
		}
	}
}

// exportCurrentStats exports the current statistics to metrics
func (s *Service) exportCurrentStats() {
	if err := s.metricsExporter.ExportStats(statsSnapshot{s.Stats()}, s.metricsLabels); err != nil {
		s.logger.Warn("Failed to export statistics", log.Error(err))
	}
}

// recordCacheOperation records an operation with its outcome and timing
func (s *Service) recordCacheOperation(operation metrics.Operation, result metrics.Result, duration time.Duration) {
	if !s.metricsEnabled() {
		return
	}
	labels := make(metrics.Labels, len(s.metricsLabels)+1)
	for k, v := range s.metricsLabels {
		labels[k] = v
	}
	labels[metrics.LabelResult] = string(result)
	_ = s.metricsExporter.RecordCacheOperation(operation, duration, labels) //nolint:errcheck // exporters log their own failures
}
