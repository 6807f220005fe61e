package assetcache

import "time"

// Test and example constants for consistent usage across the codebase.
const (
	// TestLoadTimeout is the standard load timeout used in test cases
	TestLoadTimeout = time.Second

	// TestShortTimeout is used for tests that need a load to time out quickly
	TestShortTimeout = 20 * time.Millisecond

	// TestSlowLoad simulates a slow provider
	TestSlowLoad = 100 * time.Millisecond

	// TestMetricsReportInterval for fast metrics reporting in tests
	TestMetricsReportInterval = 30 * time.Millisecond

	// ExampleUnusedAssetTimeout for documentation examples
	ExampleUnusedAssetTimeout = 2 * time.Minute
)
