package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1mb-dev/assetcache-go/pkg/assetcache"
	"github.com/1mb-dev/assetcache-go/pkg/provider/sqlprovider"
)

func seedDatabase(t *testing.T, assets map[string]string) string {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "assets.db")

	ctx := context.Background()
	p, err := sqlprovider.Open(ctx, sqlprovider.Config{Driver: sqlprovider.DriverSQLite, DSN: dsn})
	require.NoError(t, err)
	defer func() { require.NoError(t, p.Close()) }()

	require.NoError(t, p.EnsureSchema(ctx))
	for address, payload := range assets {
		require.NoError(t, p.Save(ctx, address, "Texture", []byte(payload), 0))
	}
	return dsn
}

func writeConfig(t *testing.T, dsn, extra string) string {
	t.Helper()
	content := fmt.Sprintf(`
release:
  cleanup_interval: 0s
  memory_check_interval: 0s
preload:
  strategy: sequential
  continue_on_failure: true
  tolerant_success: false
  assets:
    - address: ui/atlas.png
      type: Texture
      priority: critical
    - address: ui/font.png
      type: Texture
provider:
  kind: sql
  driver: sqlite
  dsn: %q
  format: string
%s`, dsn, extra)
	path := filepath.Join(t.TempDir(), "assetcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRunPreloadsEveryAsset(t *testing.T) {
	dsn := seedDatabase(t, map[string]string{"ui/atlas.png": "atlas", "ui/font.png": "font"})

	var out bytes.Buffer
	ok, err := run(context.Background(), options{configPath: writeConfig(t, dsn, ""), verbose: true}, &out)
	require.NoError(t, err)
	assert.True(t, ok)

	report := out.String()
	assert.Contains(t, report, "[1/2] ui/atlas.png: ok")
	assert.Contains(t, report, "[2/2] ui/font.png: ok")
	assert.Contains(t, report, "Preload succeeded: 2/2 loaded, 0 failed")
	assert.Regexp(t, `entries\s+2/`, report)
}

func TestRunReportsFailures(t *testing.T) {
	dsn := seedDatabase(t, map[string]string{"ui/atlas.png": "atlas"})

	var out bytes.Buffer
	ok, err := run(context.Background(), options{configPath: writeConfig(t, dsn, "")}, &out)
	require.NoError(t, err)
	assert.False(t, ok)

	report := out.String()
	assert.Contains(t, report, "Preload failed: 1/2 loaded, 1 failed")
	assert.Contains(t, report, "  ui/font.png: ")
	assert.NotContains(t, report, "(retryable)", "missing assets are permanent failures")
}

func TestRunWithMetrics(t *testing.T) {
	dsn := seedDatabase(t, map[string]string{"ui/atlas.png": "atlas", "ui/font.png": "font"})
	extra := `metrics:
  enabled: true
  namespace: preload_test
  reporting_interval: 10ms
  detailed_timings: true
  asset_sizes: true
  opentelemetry: true
`

	var out bytes.Buffer
	ok, err := run(context.Background(), options{configPath: writeConfig(t, dsn, extra)}, &out)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assetcache.yaml")
	require.NoError(t, os.WriteFile(path, []byte("provider:\n  kind: s3\n"), 0o600))

	_, err := run(context.Background(), options{configPath: path}, &bytes.Buffer{})
	require.Error(t, err)
}

func TestWriteReport(t *testing.T) {
	var out bytes.Buffer
	writeReport(&out, assetcache.PreloadResult{
		Total:     3,
		Succeeded: 2,
		Failed:    1,
		Elapsed:   1500 * time.Microsecond,
		Failures: []assetcache.PreloadFailure{
			{Address: "a", Reason: "timeout", Retryable: true},
		},
	}, assetcache.Stats{Entries: 2, MaxEntries: 10, EvictionType: assetcache.EvictionLRU})

	report := out.String()
	assert.Contains(t, report, "Preload failed: 2/3 loaded, 1 failed in 2ms")
	assert.Contains(t, report, "  a: timeout (retryable)")
	assert.Regexp(t, `entries\s+2/10`, report)
}
