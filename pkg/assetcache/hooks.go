package assetcache

import (
	"context"
	"sort"
	"sync"

	"github.com/1mb-dev/assetcache-go/internal/log"
)

// Hook defines a service notification hook with optional priority and condition
type Hook struct {
	// Priority determines execution order (higher values execute first)
	// Default: 0 (hooks with equal priority run in registration order)
	Priority int

	// Condition optionally filters hook execution by address
	// If nil, hook always executes
	// If returns false, hook is skipped
	// Cleanup and memory pressure hooks are evaluated with an empty address
	Condition func(ctx context.Context, address string) bool

	// Handler is the actual hook function
	// Set exactly one of the handlers below
	OnHit              func(ctx context.Context, address string, payload any)
	OnMiss             func(ctx context.Context, address string)
	OnCached           func(ctx context.Context, address string, payload any)
	OnEvict            func(ctx context.Context, address string, payload any, reason EvictReason)
	OnLoadFailed       func(ctx context.Context, address string, err error)
	OnCleanupComplete  func(ctx context.Context, summary CleanupSummary)
	OnMemoryPressure   func(ctx context.Context, usage, threshold uint64)
	OnPerformanceAlert func(ctx context.Context, alert PerformanceAlert)
}

// Hooks contains all registered service hooks. Hooks may be added while the service runs.
type Hooks struct {
	mu                 sync.RWMutex
	onHit              []Hook
	onMiss             []Hook
	onCached           []Hook
	onEvict            []Hook
	onLoadFailed       []Hook
	onCleanupComplete  []Hook
	onMemoryPressure   []Hook
	onPerformanceAlert []Hook
}

// NewHooks creates a new Hooks instance
func NewHooks() *Hooks {
	return &Hooks{}
}

// HookOption configures a hook
type HookOption func(*Hook)

// WithPriority sets the hook execution priority (higher values execute first)
func WithPriority(priority int) HookOption {
	return func(h *Hook) {
		h.Priority = priority
	}
}

// WithCondition sets a condition that must be true for the hook to execute
func WithCondition(condition func(ctx context.Context, address string) bool) HookOption {
	return func(h *Hook) {
		h.Condition = condition
	}
}

func (h *Hooks) add(list *[]Hook, hook Hook, opts []HookOption) {
	for _, opt := range opts {
		opt(&hook)
	}
	h.mu.Lock()
	*list = append(*list, hook)
	h.mu.Unlock()
}

// AddOnHit registers a hook that executes on cache hits
func (h *Hooks) AddOnHit(fn func(ctx context.Context, address string, payload any), opts ...HookOption) {
	h.add(&h.onHit, Hook{OnHit: fn}, opts)
}

// AddOnMiss registers a hook that executes on cache misses
func (h *Hooks) AddOnMiss(fn func(ctx context.Context, address string), opts ...HookOption) {
	h.add(&h.onMiss, Hook{OnMiss: fn}, opts)
}

// AddOnCached registers a hook that executes when an asset enters the cache
func (h *Hooks) AddOnCached(fn func(ctx context.Context, address string, payload any), opts ...HookOption) {
	h.add(&h.onCached, Hook{OnCached: fn}, opts)
}

// AddOnEvict registers a hook that executes when an asset leaves the cache
func (h *Hooks) AddOnEvict(fn func(ctx context.Context, address string, payload any, reason EvictReason), opts ...HookOption) {
	h.add(&h.onEvict, Hook{OnEvict: fn}, opts)
}

// AddOnLoadFailed registers a hook that executes once per failed provider fetch
func (h *Hooks) AddOnLoadFailed(fn func(ctx context.Context, address string, err error), opts ...HookOption) {
	h.add(&h.onLoadFailed, Hook{OnLoadFailed: fn}, opts)
}

// AddOnCleanupComplete registers a hook that executes after every release sweep
func (h *Hooks) AddOnCleanupComplete(fn func(ctx context.Context, summary CleanupSummary), opts ...HookOption) {
	h.add(&h.onCleanupComplete, Hook{OnCleanupComplete: fn}, opts)
}

// AddOnMemoryPressure registers a hook that executes when process memory crosses the threshold
func (h *Hooks) AddOnMemoryPressure(fn func(ctx context.Context, usage, threshold uint64), opts ...HookOption) {
	h.add(&h.onMemoryPressure, Hook{OnMemoryPressure: fn}, opts)
}

// AddOnPerformanceAlert registers a hook that executes for every performance alert
func (h *Hooks) AddOnPerformanceAlert(fn func(ctx context.Context, alert PerformanceAlert), opts ...HookOption) {
	h.add(&h.onPerformanceAlert, Hook{OnPerformanceAlert: fn}, opts)
}

func (h *Hooks) invokeOnHit(ctx context.Context, address string, payload any) {
	h.invokeHooks(ctx, address, &h.onHit, func(hook Hook) { hook.OnHit(ctx, address, payload) })
}

func (h *Hooks) invokeOnMiss(ctx context.Context, address string) {
	h.invokeHooks(ctx, address, &h.onMiss, func(hook Hook) { hook.OnMiss(ctx, address) })
}

func (h *Hooks) invokeOnCached(ctx context.Context, address string, payload any) {
	h.invokeHooks(ctx, address, &h.onCached, func(hook Hook) { hook.OnCached(ctx, address, payload) })
}

func (h *Hooks) invokeOnEvict(ctx context.Context, address string, payload any, reason EvictReason) {
	h.invokeHooks(ctx, address, &h.onEvict, func(hook Hook) { hook.OnEvict(ctx, address, payload, reason) })
}

func (h *Hooks) invokeOnLoadFailed(ctx context.Context, address string, err error) {
	h.invokeHooks(ctx, address, &h.onLoadFailed, func(hook Hook) { hook.OnLoadFailed(ctx, address, err) })
}

func (h *Hooks) invokeOnCleanupComplete(ctx context.Context, summary CleanupSummary) {
	h.invokeHooks(ctx, "", &h.onCleanupComplete, func(hook Hook) { hook.OnCleanupComplete(ctx, summary) })
}

func (h *Hooks) invokeOnMemoryPressure(ctx context.Context, usage, threshold uint64) {
	h.invokeHooks(ctx, "", &h.onMemoryPressure, func(hook Hook) { hook.OnMemoryPressure(ctx, usage, threshold) })
}

func (h *Hooks) invokeOnPerformanceAlert(ctx context.Context, alert PerformanceAlert) {
	h.invokeHooks(ctx, alert.Address, &h.onPerformanceAlert, func(hook Hook) { hook.OnPerformanceAlert(ctx, alert) })
}

// invokeHooks executes hooks in priority order (highest priority first). A panicking hook is
// logged and skipped.
func (h *Hooks) invokeHooks(ctx context.Context, address string, list *[]Hook, execute func(Hook)) {
	h.mu.RLock()
	if len(*list) == 0 {
		h.mu.RUnlock()
		return
	}
	hooks := make([]Hook, len(*list))
	copy(hooks, *list)
	h.mu.RUnlock()

	if len(hooks) > 1 {
		sort.SliceStable(hooks, func(i, j int) bool {
			return hooks[i].Priority > hooks[j].Priority
		})
	}

	for _, hook := range hooks {
		if hook.Condition != nil && !hook.Condition(ctx, address) {
			continue
		}
		runHook(address, hook, execute)
	}
}

func runHook(address string, hook Hook, execute func(Hook)) {
	defer func() {
		if r := recover(); r != nil {
			log.GetLogger().With(log.String(log.LoggerKeyComponentName, loggerComponentName)).
				Error("Hook panicked", log.String("address", address), log.Any("panic", r))
		}
	}()
	execute(hook)
}
