package assetcache

import (
	"github.com/1mb-dev/assetcache-go/internal/eviction"
	"github.com/1mb-dev/assetcache-go/internal/preload"
	"github.com/1mb-dev/assetcache-go/internal/release"
	"github.com/1mb-dev/assetcache-go/internal/stats"
	"github.com/1mb-dev/assetcache-go/internal/store"
)

// EvictionType selects the order in which entries are evicted.
type EvictionType = eviction.EvictionType

// Eviction orders.
const (
	EvictionLRU    = eviction.LRU
	EvictionLFU    = eviction.LFU
	EvictionFIFO   = eviction.FIFO
	EvictionRandom = eviction.Random
)

// EvictReason indicates why an asset left the cache.
type EvictReason = store.EvictReason

// Eviction reasons.
const (
	EvictReasonCapacity = store.EvictReasonCapacity
	EvictReasonMemory   = store.EvictReasonMemory
	EvictReasonExpired  = store.EvictReasonExpired
	EvictReasonReleased = store.EvictReasonReleased
	EvictReasonRemoved  = store.EvictReasonRemoved
	EvictReasonCleared  = store.EvictReasonCleared
)

// SizeEstimator maps a payload to its estimated size in bytes.
type SizeEstimator = store.SizeEstimator

// Sizer is implemented by payloads that know their own size.
type Sizer = store.Sizer

// ReleaseInfo is the tracking record of a loaded asset.
type ReleaseInfo = release.Info

// CleanupSummary reports the outcome of one release sweep.
type CleanupSummary = release.CleanupSummary

// MemoryReader samples process memory for the memory pressure monitor.
type MemoryReader = release.MemoryReader

// PerformanceAlert is raised when a load crosses a configured threshold.
type PerformanceAlert = stats.PerformanceAlert

// AlertThresholds configures when performance alerts fire.
type AlertThresholds = stats.Thresholds

// TrendReport compares the two halves of a recent time window.
type TrendReport = stats.TrendReport

// AssetUsageStats aggregates usage of one address.
type AssetUsageStats = stats.AssetUsageStats

// TypeUsageStats aggregates usage of one type tag.
type TypeUsageStats = stats.TypeUsageStats

// Priority orders preload items.
type Priority = preload.Priority

// Preload priorities.
const (
	PriorityLow      = preload.PriorityLow
	PriorityNormal   = preload.PriorityNormal
	PriorityHigh     = preload.PriorityHigh
	PriorityCritical = preload.PriorityCritical
)

// PreloadAsset is one entry of a preload batch.
type PreloadAsset = preload.Asset

// PreloadList is a prioritized set of addresses to preload.
type PreloadList = preload.List

// PreloadOptions tune one preload batch.
type PreloadOptions = preload.Options

// PreloadResult summarizes a preload batch.
type PreloadResult = preload.Result

// PreloadFailure describes one item that did not load.
type PreloadFailure = preload.Failure

// PreloadProgress reports one finished preload item.
type PreloadProgress = preload.Progress

// PreloadStrategy selects parallel or sequential preloading.
type PreloadStrategy = preload.Strategy

// Preload strategies.
const (
	PreloadParallel   = preload.StrategyParallel
	PreloadSequential = preload.StrategySequential
)

// NewPreloadList creates an empty preload list.
func NewPreloadList() *PreloadList {
	return preload.NewList()
}

// DefaultPreloadOptions returns parallel loading with tolerant continue-on-failure semantics.
func DefaultPreloadOptions() PreloadOptions {
	return preload.DefaultOptions()
}
