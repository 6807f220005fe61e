// Command assetpreload warms an asset cache from a YAML preload list and reports the outcome.
//
// Usage:
//
//	assetpreload -config assetcache.yaml [-metrics-addr :9090] [-v]
//
// The exit code is 1 when the batch is not successful or the configuration cannot be used.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	opts := options{}
	flag.StringVar(&opts.configPath, "config", "", "Path to the YAML configuration (environment variables override it)")
	flag.StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (defaults to metrics.addr)")
	flag.BoolVar(&opts.verbose, "v", false, "Print every finished item")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "Interrupted, cancelling preload")
		cancel()
	}()

	ok, err := run(ctx, opts, os.Stdout)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !ok {
		os.Exit(1)
	}
}
