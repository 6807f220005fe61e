package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/1mb-dev/assetcache-go/internal/config"
	"github.com/1mb-dev/assetcache-go/internal/log"
	"github.com/1mb-dev/assetcache-go/pkg/assetcache"
	"github.com/1mb-dev/assetcache-go/pkg/metrics"
	"github.com/1mb-dev/assetcache-go/pkg/provider"
	"github.com/1mb-dev/assetcache-go/pkg/provider/redisprovider"
	"github.com/1mb-dev/assetcache-go/pkg/provider/sqlprovider"
)

const shutdownTimeout = 5 * time.Second

type options struct {
	configPath  string
	metricsAddr string
	verbose     bool
}

// closableProvider is a provider that owns a connection.
type closableProvider interface {
	provider.Provider
	Close() error
}

// run preloads the configured assets and writes the report to out. It returns whether the
// batch was successful.
func run(ctx context.Context, opts options, out io.Writer) (bool, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return false, err
	}

	addr := opts.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		cfg.Metrics.Enabled = true
	}

	logger := log.GetLogger().With(log.String(log.LoggerKeyComponentName, "AssetPreload"))

	p, err := openProvider(ctx, cfg.Provider)
	if err != nil {
		return false, err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("Failed to close provider", log.Error(err))
		}
	}()

	var exporter metrics.Exporter
	if cfg.Metrics.Enabled {
		exporterConfig := metrics.NewDefaultConfig().
			WithNamespace(cfg.Metrics.Namespace).
			WithReportingInterval(cfg.Metrics.ReportingInterval).
			WithDetailedTimings(cfg.Metrics.DetailedTimings).
			WithAssetSizes(cfg.Metrics.AssetSizes)

		registry := prometheus.NewRegistry()
		promExporter, err := metrics.NewPrometheusExporter(exporterConfig, &metrics.PrometheusConfig{Registry: registry})
		if err != nil {
			return false, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		exporter = promExporter

		if cfg.Metrics.OpenTelemetry {
			otelExporter, err := metrics.NewOpenTelemetryExporter(exporterConfig, nil)
			if err != nil {
				return false, fmt.Errorf("failed to create OpenTelemetry exporter: %w", err)
			}
			exporter = metrics.NewMultiExporter(promExporter, otelExporter)
		}

		if addr != "" {
			srv := serveMetrics(addr, registry, logger)
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warn("Failed to stop metrics server", log.Error(err))
				}
			}()
		}
	}

	svc, err := assetcache.New(p, cfg.ToServiceConfig().WithMetrics(cfg.ServiceMetrics(exporter)))
	if err != nil {
		return false, err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("Failed to close asset service", log.Error(err))
		}
	}()

	stop := context.AfterFunc(ctx, func() { svc.CancelPreloads() })
	defer stop()

	preloadOpts := cfg.PreloadOptions()
	if opts.verbose {
		preloadOpts.Progress = func(pr assetcache.PreloadProgress) {
			status := "ok"
			if pr.Err != nil {
				status = pr.Err.Error()
			}
			fmt.Fprintf(out, "[%d/%d] %s: %s\n", pr.Completed, pr.Total, pr.Address, status)
		}
	}

	result := svc.PreloadList(ctx, cfg.PreloadList(), preloadOpts)
	writeReport(out, result, svc.Stats())
	return result.Success, nil
}

func openProvider(ctx context.Context, pc config.ProviderConfig) (closableProvider, error) {
	compressor, err := pc.Compressor()
	if err != nil {
		return nil, err
	}
	decoder, err := provider.ParseDecoder(pc.Format)
	if err != nil {
		return nil, err
	}

	switch pc.Kind {
	case config.ProviderRedis:
		return redisprovider.New(ctx, redisprovider.Config{
			Addr:       pc.RedisAddr,
			Password:   pc.RedisPassword,
			DB:         pc.RedisDB,
			KeyPrefix:  pc.KeyPrefix,
			Compressor: compressor,
			Decoder:    decoder,
		})
	case config.ProviderSQL:
		p, err := sqlprovider.Open(ctx, sqlprovider.Config{
			Driver:     pc.Driver,
			DSN:        pc.DSN,
			Table:      pc.Table,
			Compressor: compressor,
			Decoder:    decoder,
		})
		if err != nil {
			return nil, err
		}
		if err := p.EnsureSchema(ctx); err != nil {
			_ = p.Close()
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported provider kind %q", pc.Kind)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *log.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", log.String("addr", addr), log.Error(err))
		}
	}()
	logger.Info("Serving metrics", log.String("addr", addr))
	return srv
}

func writeReport(out io.Writer, result assetcache.PreloadResult, st assetcache.Stats) {
	status := "succeeded"
	switch {
	case result.Cancelled:
		status = "cancelled"
	case !result.Success:
		status = "failed"
	}
	fmt.Fprintf(out, "Preload %s: %d/%d loaded, %d failed in %s\n",
		status, result.Succeeded, result.Total, result.Failed, result.Elapsed.Round(time.Millisecond))

	for _, f := range result.Failures {
		retry := ""
		if f.Retryable {
			retry = " (retryable)"
		}
		fmt.Fprintf(out, "  %s: %s%s\n", f.Address, f.Reason, retry)
	}

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "entries\t%d/%d\n", st.Entries, st.MaxEntries)
	fmt.Fprintf(tw, "memory\t%d/%d bytes\n", st.MemoryBytes, st.MaxMemoryBytes)
	fmt.Fprintf(tw, "eviction\t%s\n", st.EvictionType)
	fmt.Fprintf(tw, "fetches\t%d\n", st.Fetches)
	fmt.Fprintf(tw, "load failures\t%d\n", st.LoadFailures)
	fmt.Fprintf(tw, "evictions\t%d\n", st.Evictions)
	fmt.Fprintf(tw, "tracked\t%d\n", st.TrackedAssets)
	_ = tw.Flush()
}
