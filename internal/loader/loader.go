// Package loader fetches assets from the backing provider with request coalescing, a bounded
// FIFO concurrency gate, per-fetch timeouts and per-caller cancellation.
package loader

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/1mb-dev/assetcache-go/internal/log"
	"github.com/1mb-dev/assetcache-go/pkg/cacheerr"
	"github.com/1mb-dev/assetcache-go/pkg/provider"
)

const (
	loggerComponentName = "LoadingEngine"
	tracerName          = "github.com/1mb-dev/assetcache-go/internal/loader"

	// DefaultMaxConcurrentLoads is the gate size used when none is configured.
	DefaultMaxConcurrentLoads = 4

	// DefaultTimeout bounds a provider fetch when the caller passes no timeout.
	DefaultTimeout = 30 * time.Second
)

// Listener observes completed fetches. It is called once per provider fetch, not once per
// coalesced caller. Panics raised by listener callbacks are recovered and logged.
type Listener struct {
	OnLoaded func(address, typeTag string, payload any, elapsed time.Duration)
	OnFailed func(address, typeTag string, err error, elapsed time.Duration)
}

// Request names one asset to load.
type Request struct {
	Address string
	TypeTag string
	Timeout time.Duration
}

// Result is the outcome of one load.
type Result struct {
	Address string
	Payload any
	Err     error

	// Shared is true when the result came from a fetch started by another caller.
	Shared  bool
	Elapsed time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithMaxConcurrentLoads sets the gate size.
func WithMaxConcurrentLoads(n int) Option {
	return func(e *Engine) { e.maxConcurrent = int64(n) }
}

// WithDefaultTimeout sets the fetch timeout used when a caller passes none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) { e.defaultTimeout = d }
}

// WithListener registers fetch observers.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listener = l }
}

// WithTracerProvider overrides the global OpenTelemetry tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(tracerName) }
}

// Engine performs provider fetches.
type Engine struct {
	provider       provider.Provider
	gate           *semaphore.Weighted
	group          singleflight.Group
	maxConcurrent  int64
	defaultTimeout time.Duration
	listener       Listener
	tracer         trace.Tracer
	logger         *log.Logger

	baseCtx context.Context
	cancel  context.CancelFunc
	closed  atomic.Bool

	inFlight atomic.Int64
	waiting  atomic.Int64
	pending  atomic.Int64
	fetches  atomic.Int64
}

// New creates an Engine over p.
func New(p provider.Provider, opts ...Option) *Engine {
	e := &Engine{
		provider:       p,
		maxConcurrent:  DefaultMaxConcurrentLoads,
		defaultTimeout: DefaultTimeout,
		tracer:         otel.Tracer(tracerName),
		logger:         log.GetLogger().With(log.String(log.LoggerKeyComponentName, loggerComponentName)),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxConcurrent <= 0 {
		e.maxConcurrent = DefaultMaxConcurrentLoads
	}
	if e.defaultTimeout <= 0 {
		e.defaultTimeout = DefaultTimeout
	}
	e.gate = semaphore.NewWeighted(e.maxConcurrent)
	e.baseCtx, e.cancel = context.WithCancel(context.Background())

	return e
}

// LoadAsync returns the payload for address, fetching it at most once across concurrent callers.
//
// ctx only bounds this caller's wait: cancelling it returns a Cancelled error while the shared
// fetch continues for the other callers. timeout bounds the provider fetch itself and is taken
// from the caller that starts the fetch; zero means the engine default.
func (e *Engine) LoadAsync(ctx context.Context, address, typeTag string, timeout time.Duration) (any, error) {
	res := e.load(ctx, address, typeTag, timeout)
	return res.Payload, res.Err
}

func (e *Engine) load(ctx context.Context, address, typeTag string, timeout time.Duration) Result {
	start := time.Now()
	if e.provider == nil || e.closed.Load() {
		return Result{Address: address, Err: cacheerr.NotInitialized("loading engine"), Elapsed: time.Since(start)}
	}
	if err := ctx.Err(); err != nil {
		return Result{Address: address, Err: cacheerr.Cancelled(address, err), Elapsed: time.Since(start)}
	}

	ch := e.group.DoChan(address, func() (any, error) {
		return e.fetch(address, typeTag, timeout)
	})
	e.pending.Add(1)
	defer e.pending.Add(-1)

	select {
	case res := <-ch:
		return Result{
			Address: address,
			Payload: res.Val,
			Err:     res.Err,
			Shared:  res.Shared,
			Elapsed: time.Since(start),
		}
	case <-ctx.Done():
		return Result{Address: address, Err: cacheerr.Cancelled(address, ctx.Err()), Elapsed: time.Since(start)}
	}
}

// fetch runs once per in-flight address: it takes a gate slot, calls the provider, and
// always gives the slot back.
func (e *Engine) fetch(address, typeTag string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	e.waiting.Add(1)
	err := e.gate.Acquire(e.baseCtx, 1)
	e.waiting.Add(-1)
	if err != nil {
		return nil, cacheerr.NotInitialized("loading engine")
	}
	defer e.gate.Release(1)

	e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	e.fetches.Add(1)

	ctx, cancel := context.WithTimeout(e.baseCtx, timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "assetcache.fetch", trace.WithAttributes(
		attribute.String("asset.address", address),
		attribute.String("asset.type", typeTag),
	))
	defer span.End()

	start := time.Now()
	payload, err := e.callProvider(ctx, address, typeTag, timeout)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Warn("Asset load failed", log.String("address", address), log.Duration("elapsed", elapsed),
			log.Error(err))
		e.notifyFailed(address, typeTag, err, elapsed)
		return nil, err
	}

	if e.logger.IsDebugEnabled() {
		e.logger.Debug("Asset loaded", log.String("address", address), log.Duration("elapsed", elapsed))
	}
	e.notifyLoaded(address, typeTag, payload, elapsed)
	return payload, nil
}

type fetchResult struct {
	payload any
	err     error
}

// callProvider runs the provider in its own goroutine so a provider that ignores ctx can be
// abandoned when the timeout fires. Provider errors and panics become typed errors here.
func (e *Engine) callProvider(ctx context.Context, address, typeTag string, timeout time.Duration) (any, error) {
	done := make(chan fetchResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fetchResult{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		payload, err := e.provider.Fetch(ctx, address, typeTag)
		done <- fetchResult{payload: payload, err: err}
	}()

	select {
	case res := <-done:
		switch {
		case res.err != nil && stderrors.Is(res.err, context.DeadlineExceeded) && ctx.Err() != nil:
			return nil, e.timeoutError(address, timeout)
		case res.err != nil:
			return nil, cacheerr.LoadFailed(address, res.err)
		case res.payload == nil:
			return nil, cacheerr.LoadFailed(address, nil)
		default:
			return res.payload, nil
		}
	case <-ctx.Done():
		return nil, e.timeoutError(address, timeout)
	}
}

func (e *Engine) timeoutError(address string, timeout time.Duration) error {
	if e.baseCtx.Err() != nil {
		return cacheerr.NotInitialized("loading engine")
	}
	return cacheerr.Timeout(address, timeout)
}

// LoadMany loads every request concurrently and returns one Result per request, in order.
// A failing address never aborts the others.
func (e *Engine) LoadMany(ctx context.Context, requests []Request) []Result {
	results := make([]Result, len(requests))

	g := new(errgroup.Group)
	g.SetLimit(int(e.maxConcurrent))
	for i, req := range requests {
		g.Go(func() error {
			results[i] = e.load(ctx, req.Address, req.TypeTag, req.Timeout)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// InFlight returns the number of provider fetches currently holding a gate slot.
func (e *Engine) InFlight() int64 {
	return e.inFlight.Load()
}

// Waiting returns the number of fetches queued for a gate slot.
func (e *Engine) Waiting() int64 {
	return e.waiting.Load()
}

// Pending returns the number of callers waiting on a load result, coalesced callers included.
func (e *Engine) Pending() int64 {
	return e.pending.Load()
}

// Fetches returns the total number of provider fetches issued.
func (e *Engine) Fetches() int64 {
	return e.fetches.Load()
}

// MaxConcurrentLoads returns the gate size.
func (e *Engine) MaxConcurrentLoads() int {
	return int(e.maxConcurrent)
}

// Close stops accepting loads and fails queued fetches. Fetches already running are abandoned.
func (e *Engine) Close() {
	if e.closed.Swap(true) {
		return
	}
	e.cancel()
	e.logger.Debug("Loading engine closed")
}

func (e *Engine) notifyLoaded(address, typeTag string, payload any, elapsed time.Duration) {
	if e.listener.OnLoaded == nil {
		return
	}
	defer e.recoverListener(address)
	e.listener.OnLoaded(address, typeTag, payload, elapsed)
}

func (e *Engine) notifyFailed(address, typeTag string, err error, elapsed time.Duration) {
	if e.listener.OnFailed == nil {
		return
	}
	defer e.recoverListener(address)
	e.listener.OnFailed(address, typeTag, err, elapsed)
}

func (e *Engine) recoverListener(address string) {
	if r := recover(); r != nil {
		e.logger.Error("Load listener panicked", log.String("address", address), log.Any("panic", r))
	}
}
