// Package preload loads a prioritized set of assets in bulk, in parallel or one at a time,
// collecting per-item failures.
package preload

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/1mb-dev/assetcache-go/internal/log"
	"github.com/1mb-dev/assetcache-go/pkg/cacheerr"
)

const loggerComponentName = "PreloadExecutor"

// Strategy selects how a batch is dispatched.
type Strategy string

const (
	StrategyParallel   Strategy = "parallel"
	StrategySequential Strategy = "sequential"
)

// ParseStrategy converts a configuration string into a Strategy. The empty string is parallel.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyParallel:
		return StrategyParallel, nil
	case StrategySequential:
		return StrategySequential, nil
	default:
		return "", fmt.Errorf("unknown preload strategy %q", s)
	}
}

// ErrSkipped marks items that never ran because the batch stopped after a failure.
var ErrSkipped = stderrors.New("preload stopped before item ran")

// Loader loads one asset.
type Loader interface {
	LoadAsync(ctx context.Context, address, typeTag string, timeout time.Duration) (any, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, address, typeTag string, timeout time.Duration) (any, error)

// LoadAsync calls f.
func (f LoaderFunc) LoadAsync(ctx context.Context, address, typeTag string, timeout time.Duration) (any, error) {
	return f(ctx, address, typeTag, timeout)
}

// Options tune one batch.
type Options struct {
	Strategy       Strategy
	MaxConcurrency int
	PerItemTimeout time.Duration

	// ContinueOnFailure keeps the batch running after a failed item. When false the batch
	// stops at the first failure and the remaining items are recorded as skipped.
	ContinueOnFailure bool

	// TolerantSuccess, together with ContinueOnFailure, reports a batch as successful when at
	// least one item loaded.
	TolerantSuccess bool

	// Progress is called after every item, serialized.
	Progress func(Progress)
}

// DefaultOptions returns parallel loading with 4 workers, a 30s item timeout, and tolerant
// continue-on-failure semantics.
func DefaultOptions() Options {
	return Options{
		Strategy:          StrategyParallel,
		MaxConcurrency:    4,
		PerItemTimeout:    30 * time.Second,
		ContinueOnFailure: true,
		TolerantSuccess:   true,
	}
}

// Failure describes one item that did not load.
type Failure struct {
	Address   string
	Reason    string
	Err       error
	Retryable bool
}

// Result summarizes a batch. Succeeded+Failed always equals Total.
type Result struct {
	RunID     string
	Success   bool
	Total     int
	Succeeded int
	Failed    int
	Failures  []Failure
	Elapsed   time.Duration
	Cancelled bool
}

// Progress reports one finished item.
type Progress struct {
	RunID     string
	Completed int
	Total     int
	Address   string
	Err       error
}

// Executor runs preload batches.
type Executor struct {
	loader Loader
	logger *log.Logger

	mu          sync.Mutex
	running     map[string]context.CancelFunc
	lastAssets  map[string]Asset
	lastOptions Options
	lastResult  *Result
}

// NewExecutor creates an Executor over loader.
func NewExecutor(loader Loader) *Executor {
	return &Executor{
		loader:  loader,
		running: make(map[string]context.CancelFunc),
		logger:  log.GetLogger().With(log.String(log.LoggerKeyComponentName, loggerComponentName)),
	}
}

type batch struct {
	runID string
	opts  Options
	total int

	mu        sync.Mutex
	completed int
	result    Result
}

func (b *batch) record(address string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.completed++
	if err == nil {
		b.result.Succeeded++
	} else {
		b.result.Failed++
		b.result.Failures = append(b.result.Failures, Failure{
			Address:   address,
			Reason:    err.Error(),
			Err:       err,
			Retryable: isRetryable(err),
		})
	}

	if b.opts.Progress != nil {
		b.opts.Progress(Progress{
			RunID:     b.runID,
			Completed: b.completed,
			Total:     b.total,
			Address:   address,
			Err:       err,
		})
	}
}

func isRetryable(err error) bool {
	if stderrors.Is(err, ErrSkipped) {
		return true
	}
	return !cacheerr.IsCancelled(err) && cacheerr.IsRetryable(err)
}

// Execute loads assets and returns once every item has finished, failed, or been cancelled.
//
// Cancelling ctx does not stop the batch; use CancelAll. Values carried by ctx are passed to
// the loader.
func (e *Executor) Execute(ctx context.Context, assets []Asset, opts Options) Result {
	start := time.Now()
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = 1
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyParallel
	}

	ordered := append([]Asset(nil), assets...)
	SortByPriority(ordered)

	b := &batch{runID: uuid.NewString(), opts: opts, total: len(ordered)}
	b.result.RunID = b.runID
	b.result.Total = len(ordered)

	base := context.WithoutCancel(ctx)
	runCtx, cancel := context.WithCancel(base)
	e.register(b.runID, cancel)
	defer e.unregister(b.runID)
	defer cancel()

	e.logger.Info("Preload started",
		log.String("run_id", b.runID),
		log.String("strategy", string(opts.Strategy)),
		log.Int("total", len(ordered)))

	cancelled := false
	if opts.Strategy == StrategySequential {
		cancelled = e.runSequential(base, runCtx, b, ordered)
	} else {
		cancelled = e.runParallel(base, runCtx, cancel, b, ordered)
	}

	result := b.result
	result.Cancelled = cancelled
	result.Success = successful(result, opts)
	result.Elapsed = time.Since(start)

	e.remember(ordered, opts, result)

	e.logger.Info("Preload finished",
		log.String("run_id", b.runID),
		log.Bool("success", result.Success),
		log.Int("succeeded", result.Succeeded),
		log.Int("failed", result.Failed),
		log.Duration("elapsed", result.Elapsed))

	return result
}

// successful applies the batch success policy: no failures, or with tolerant
// continue-on-failure, at least one success.
func successful(r Result, opts Options) bool {
	if r.Failed == 0 {
		return true
	}
	if opts.ContinueOnFailure && opts.TolerantSuccess {
		return r.Succeeded > 0
	}
	return false
}

func (e *Executor) runSequential(base, runCtx context.Context, b *batch, assets []Asset) bool {
	for i, a := range assets {
		if runCtx.Err() != nil {
			for _, rest := range assets[i:] {
				b.record(rest.Address, cacheerr.Cancelled(rest.Address, context.Canceled))
			}
			return true
		}

		err := e.loadOne(base, a, b.opts.PerItemTimeout)
		b.record(a.Address, err)

		if err != nil && !b.opts.ContinueOnFailure {
			for _, rest := range assets[i+1:] {
				b.record(rest.Address, fmt.Errorf("%s: %w", rest.Address, ErrSkipped))
			}
			return false
		}
	}
	return false
}

func (e *Executor) runParallel(base, runCtx context.Context, cancel context.CancelFunc, b *batch, assets []Asset) bool {
	var stopped sync.Once
	var failedFast bool

	g := new(errgroup.Group)
	g.SetLimit(b.opts.MaxConcurrency)
	for _, a := range assets {
		g.Go(func() error {
			if runCtx.Err() != nil {
				b.mu.Lock()
				skip := failedFast
				b.mu.Unlock()
				if skip {
					b.record(a.Address, fmt.Errorf("%s: %w", a.Address, ErrSkipped))
				} else {
					b.record(a.Address, cacheerr.Cancelled(a.Address, context.Canceled))
				}
				return nil
			}

			err := e.loadOne(base, a, b.opts.PerItemTimeout)
			if err != nil && !b.opts.ContinueOnFailure {
				stopped.Do(func() {
					b.mu.Lock()
					failedFast = true
					b.mu.Unlock()
					cancel()
				})
			}
			b.record(a.Address, err)
			return nil
		})
	}
	_ = g.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	return runCtx.Err() != nil && !failedFast
}

// loadOne loads a single asset under the per-item timeout.
func (e *Executor) loadOne(base context.Context, a Asset, timeout time.Duration) error {
	ctx := base
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, timeout)
		defer cancel()
	}

	_, err := e.loader.LoadAsync(ctx, a.Address, a.TypeTag, timeout)
	if err != nil && stderrors.Is(ctx.Err(), context.DeadlineExceeded) && !cacheerr.IsTimeout(err) {
		return cacheerr.Timeout(a.Address, timeout)
	}
	return err
}

// RetryFailed reruns the retryable failures of the most recent batch with the same options.
// Cancelled items are never retried.
func (e *Executor) RetryFailed(ctx context.Context) Result {
	e.mu.Lock()
	last := e.lastResult
	opts := e.lastOptions
	var retry []Asset
	if last != nil {
		for _, f := range last.Failures {
			if !f.Retryable {
				continue
			}
			if a, ok := e.lastAssets[f.Address]; ok {
				retry = append(retry, a)
			}
		}
	}
	e.mu.Unlock()

	if len(retry) == 0 {
		return Result{RunID: uuid.NewString(), Success: true}
	}

	e.logger.Info("Retrying failed preload items", log.Int("count", len(retry)))
	return e.Execute(ctx, retry, opts)
}

// LastResult returns the result of the most recent batch.
func (e *Executor) LastResult() (Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastResult == nil {
		return Result{}, false
	}
	return *e.lastResult, true
}

// CancelAll stops every running batch. Items already loading finish; items not yet started are
// recorded as cancelled failures.
func (e *Executor) CancelAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, cancel := range e.running {
		cancel()
	}
	if n := len(e.running); n > 0 {
		e.logger.Info("Cancelled preload batches", log.Int("count", n))
	}
	return len(e.running)
}

// Running returns the number of batches in progress.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Executor) register(runID string, cancel context.CancelFunc) {
	e.mu.Lock()
	e.running[runID] = cancel
	e.mu.Unlock()
}

func (e *Executor) unregister(runID string) {
	e.mu.Lock()
	delete(e.running, runID)
	e.mu.Unlock()
}

func (e *Executor) remember(assets []Asset, opts Options, result Result) {
	byAddress := make(map[string]Asset, len(assets))
	for _, a := range assets {
		byAddress[a.Address] = a
	}

	e.mu.Lock()
	e.lastAssets = byAddress
	e.lastOptions = opts
	e.lastResult = &result
	e.mu.Unlock()
}
