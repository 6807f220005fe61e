// Package release tracks reference counts and protection for cached assets and releases
// unused ones from the store, periodically or under memory pressure.
package release

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/1mb-dev/assetcache-go/internal/log"
	"github.com/1mb-dev/assetcache-go/internal/store"
)

const (
	loggerComponentName = "ReleaseManager"

	// DefaultCleanupInterval is the period of the automatic cleanup sweep.
	DefaultCleanupInterval = 60 * time.Second

	// DefaultMaxTracked is the tracked-entry ceiling enforced by the periodic sweep.
	DefaultMaxTracked = 500

	// DefaultMemoryThreshold is the heap size above which memory pressure is reported.
	DefaultMemoryThreshold uint64 = 512 << 20

	// DefaultMemoryCheckInterval is the period of the memory pressure check.
	DefaultMemoryCheckInterval = 10 * time.Second
)

// Trigger names what started a cleanup.
type Trigger string

const (
	TriggerManual         Trigger = "manual"
	TriggerAged           Trigger = "aged"
	TriggerLRU            Trigger = "lru"
	TriggerPeriodic       Trigger = "periodic"
	TriggerMemoryPressure Trigger = "memory_pressure"
	TriggerReleaseAll     Trigger = "release_all"
)

// Info is the tracking record of one asset.
type Info struct {
	Key           string
	TypeTag       string
	TrackingStart time.Time
	LastAccess    time.Time
	AccessCount   int64
	RefCount      int
	Protected     bool
}

// Eligible reports whether automatic sweeps may release the asset.
func (i Info) Eligible() bool {
	return !i.Protected && i.RefCount == 0
}

// CleanupSummary describes one cleanup run.
type CleanupSummary struct {
	Trigger  Trigger
	Released int
	Skipped  int
	Keys     []string
	Elapsed  time.Duration
}

func (s *CleanupSummary) merge(other CleanupSummary) {
	s.Released += other.Released
	s.Skipped += other.Skipped
	s.Keys = append(s.Keys, other.Keys...)
}

// Target is the store surface the manager releases entries from.
type Target interface {
	Evict(key string, reason store.EvictReason) bool
}

// MemoryReader reports current process memory usage in bytes.
type MemoryReader func() uint64

// HeapMemoryReader reads the live heap size from the Go runtime.
func HeapMemoryReader() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Listener observes cleanup activity.
type Listener struct {
	OnCleanupComplete func(CleanupSummary)
	OnMemoryPressure  func(usage, threshold uint64)
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicies sets the max-age policy registry.
func WithPolicies(r *Registry) Option {
	return func(m *Manager) { m.policies = r }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxTracked sets the tracked-entry ceiling.
func WithMaxTracked(n int) Option {
	return func(m *Manager) { m.maxTracked = n }
}

// WithCleanupInterval sets the automatic cleanup period. Zero disables the periodic sweep.
func WithCleanupInterval(d time.Duration) Option {
	return func(m *Manager) { m.cleanupInterval = d }
}

// WithMemoryThreshold sets the memory pressure threshold in bytes.
func WithMemoryThreshold(bytes uint64) Option {
	return func(m *Manager) { m.memoryThreshold = bytes }
}

// WithMemoryReader overrides the memory usage source.
func WithMemoryReader(r MemoryReader) Option {
	return func(m *Manager) { m.readMemory = r }
}

// WithMemoryCheckInterval sets the memory check period. Zero disables the monitor.
func WithMemoryCheckInterval(d time.Duration) Option {
	return func(m *Manager) { m.memoryInterval = d }
}

// WithListener registers cleanup observers.
func WithListener(l Listener) Option {
	return func(m *Manager) { m.listener = l }
}

// Manager tracks release state for cached assets.
//
// The tracking map is guarded by mu. Store evictions happen outside mu so store notifications
// may call back into the manager.
type Manager struct {
	mu      sync.Mutex
	tracked map[string]*Info

	target   Target
	policies *Registry
	now      func() time.Time
	listener Listener
	logger   *log.Logger

	maxTracked      int
	cleanupInterval time.Duration
	memoryThreshold uint64
	memoryInterval  time.Duration
	readMemory      MemoryReader

	stopCh    chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a Manager releasing entries from target.
func New(target Target, opts ...Option) *Manager {
	m := &Manager{
		tracked:         make(map[string]*Info),
		target:          target,
		now:             time.Now,
		maxTracked:      DefaultMaxTracked,
		cleanupInterval: DefaultCleanupInterval,
		memoryThreshold: DefaultMemoryThreshold,
		memoryInterval:  DefaultMemoryCheckInterval,
		readMemory:      HeapMemoryReader,
		stopCh:          make(chan struct{}),
		logger:          log.GetLogger().With(log.String(log.LoggerKeyComponentName, loggerComponentName)),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.policies == nil {
		m.policies = NewRegistry(DefaultMaxAge)
	}
	if m.maxTracked <= 0 {
		m.maxTracked = DefaultMaxTracked
	}

	return m
}

// Policies returns the max-age policy registry.
func (m *Manager) Policies() *Registry {
	return m.policies
}

// Track begins tracking key with one reference. Tracking an already tracked key adds a
// reference and counts as an access.
func (m *Manager) Track(key, typeTag string) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.tracked[key]; ok {
		info.RefCount++
		info.LastAccess = now
		info.AccessCount++
		if typeTag != "" {
			info.TypeTag = typeTag
		}
		return
	}

	m.tracked[key] = &Info{
		Key:           key,
		TypeTag:       typeTag,
		TrackingStart: now,
		LastAccess:    now,
		AccessCount:   1,
		RefCount:      1,
	}
}

// Observe tracks key without taking a reference, so a cached asset nobody holds is subject to
// the sweeps from the start. An already tracked key only records an access.
func (m *Manager) Observe(key, typeTag string) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if info, ok := m.tracked[key]; ok {
		info.LastAccess = now
		info.AccessCount++
		if typeTag != "" {
			info.TypeTag = typeTag
		}
		return
	}

	m.tracked[key] = &Info{
		Key:           key,
		TypeTag:       typeTag,
		TrackingStart: now,
		LastAccess:    now,
		AccessCount:   1,
	}
}

// Touch records an access to key.
func (m *Manager) Touch(key string) bool {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.tracked[key]
	if !ok {
		return false
	}
	info.LastAccess = now
	info.AccessCount++
	return true
}

// IncRef adds a reference to key.
func (m *Manager) IncRef(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.tracked[key]
	if !ok {
		return false
	}
	info.RefCount++
	return true
}

// DecRef drops a reference to key. A key whose count reaches zero while unprotected becomes
// eligible for release by the sweeps. The count never goes below zero.
func (m *Manager) DecRef(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.tracked[key]
	if !ok || info.RefCount == 0 {
		return false
	}
	info.RefCount--
	if info.RefCount == 0 && !info.Protected && m.logger.IsDebugEnabled() {
		m.logger.Debug("Asset queued for release", log.String("key", key))
	}
	return true
}

// Protect exempts key from every sweep.
func (m *Manager) Protect(key string) bool {
	return m.setProtected(key, true)
}

// Unprotect clears the protection flag of key.
func (m *Manager) Unprotect(key string) bool {
	return m.setProtected(key, false)
}

func (m *Manager) setProtected(key string, protected bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.tracked[key]
	if !ok {
		return false
	}
	info.Protected = protected
	return true
}

// Forget stops tracking key without touching the store. It is used when the store has already
// dropped the entry.
func (m *Manager) Forget(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.tracked[key]
	delete(m.tracked, key)
	return ok
}

// Info returns a copy of the tracking record for key.
func (m *Manager) Info(key string) (Info, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, ok := m.tracked[key]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Tracked returns the number of tracked keys.
func (m *Manager) Tracked() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tracked)
}

// Pending returns the keys queued for release: unreferenced and unprotected.
func (m *Manager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0)
	for key, info := range m.tracked {
		if info.Eligible() {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// ReleaseOne releases key from the store and from tracking. It returns false when key is not
// tracked, or when it is protected and force is not set. References do not block an explicit
// release.
func (m *Manager) ReleaseOne(key string, force bool) bool {
	return m.release(key, func(info *Info) bool { return force || !info.Protected })
}

// release untracks key when allow accepts its current record, then evicts it from the store.
func (m *Manager) release(key string, allow func(*Info) bool) bool {
	m.mu.Lock()
	info, ok := m.tracked[key]
	if !ok || !allow(info) {
		m.mu.Unlock()
		return false
	}
	delete(m.tracked, key)
	m.mu.Unlock()

	if m.target != nil && !m.target.Evict(key, store.EvictReasonReleased) && m.logger.IsDebugEnabled() {
		m.logger.Debug("Released asset was no longer cached", log.String("key", key))
	}
	return true
}

// ReleaseAged releases every eligible key whose time since last access exceeds its type's
// max age.
func (m *Manager) ReleaseAged(now time.Time) CleanupSummary {
	start := time.Now()
	summary := m.releaseAged(now)
	summary.Elapsed = time.Since(start)
	m.complete(summary)
	return summary
}

func (m *Manager) releaseAged(now time.Time) CleanupSummary {
	summary := CleanupSummary{Trigger: TriggerAged}

	expired := func(info *Info) bool {
		return now.Sub(info.LastAccess) > m.policies.MaxAge(info.TypeTag)
	}

	m.mu.Lock()
	candidates := make([]string, 0)
	for key, info := range m.tracked {
		if !expired(info) {
			continue
		}
		if !info.Eligible() {
			summary.Skipped++
			continue
		}
		candidates = append(candidates, key)
	}
	m.mu.Unlock()

	sort.Strings(candidates)
	for _, key := range candidates {
		if m.release(key, func(info *Info) bool { return info.Eligible() && expired(info) }) {
			summary.Released++
			summary.Keys = append(summary.Keys, key)
		} else {
			summary.Skipped++
		}
	}
	return summary
}

// ReleaseLRU releases up to maxCount eligible keys, least recently accessed first.
func (m *Manager) ReleaseLRU(maxCount int) CleanupSummary {
	start := time.Now()
	summary := m.releaseLRU(maxCount)
	summary.Elapsed = time.Since(start)
	m.complete(summary)
	return summary
}

func (m *Manager) releaseLRU(maxCount int) CleanupSummary {
	summary := CleanupSummary{Trigger: TriggerLRU}
	if maxCount <= 0 {
		return summary
	}

	m.mu.Lock()
	candidates := make([]Info, 0, len(m.tracked))
	for _, info := range m.tracked {
		if info.Eligible() {
			candidates = append(candidates, *info)
		} else {
			summary.Skipped++
		}
	}
	m.mu.Unlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastAccess.Equal(candidates[j].LastAccess) {
			return candidates[i].Key < candidates[j].Key
		}
		return candidates[i].LastAccess.Before(candidates[j].LastAccess)
	})

	for _, c := range candidates {
		if summary.Released >= maxCount {
			break
		}
		if m.release(c.Key, (*Info).Eligible) {
			summary.Released++
			summary.Keys = append(summary.Keys, c.Key)
		}
	}
	return summary
}

// ReleaseAll releases every tracked key regardless of references. Protected keys are kept
// unless includeProtected is set.
func (m *Manager) ReleaseAll(includeProtected bool) CleanupSummary {
	start := time.Now()
	summary := CleanupSummary{Trigger: TriggerReleaseAll}

	m.mu.Lock()
	keys := make([]string, 0, len(m.tracked))
	for key := range m.tracked {
		keys = append(keys, key)
	}
	m.mu.Unlock()
	sort.Strings(keys)

	for _, key := range keys {
		if m.release(key, func(info *Info) bool { return includeProtected || !info.Protected }) {
			summary.Released++
			summary.Keys = append(summary.Keys, key)
		} else {
			summary.Skipped++
		}
	}

	summary.Elapsed = time.Since(start)
	m.complete(summary)
	return summary
}

// ReleaseUnreferenced releases every eligible key. It is the aggressive sweep run on memory
// pressure.
func (m *Manager) ReleaseUnreferenced() CleanupSummary {
	start := time.Now()
	summary := CleanupSummary{Trigger: TriggerMemoryPressure}

	for _, key := range m.Pending() {
		if m.release(key, (*Info).Eligible) {
			summary.Released++
			summary.Keys = append(summary.Keys, key)
		}
	}
	summary.Skipped = m.Tracked()

	summary.Elapsed = time.Since(start)
	m.complete(summary)
	return summary
}

// RunCleanup performs the periodic sweep: the LRU excess over the tracked ceiling is released
// first, then aged keys.
func (m *Manager) RunCleanup() CleanupSummary {
	start := time.Now()
	summary := CleanupSummary{Trigger: TriggerPeriodic}

	if excess := m.Tracked() - m.maxTracked; excess > 0 {
		lru := m.releaseLRU(excess)
		summary.Released += lru.Released
		summary.Keys = append(summary.Keys, lru.Keys...)
	}
	summary.merge(m.releaseAged(m.now()))

	summary.Elapsed = time.Since(start)
	m.complete(summary)
	return summary
}

// CheckMemory reads current memory usage and, when it exceeds the threshold, reports memory
// pressure and runs the aggressive sweep.
func (m *Manager) CheckMemory() (usage uint64, pressure bool) {
	if m.readMemory == nil || m.memoryThreshold == 0 {
		return 0, false
	}

	usage = m.readMemory()
	if usage <= m.memoryThreshold {
		return usage, false
	}

	m.logger.Warn("Memory pressure detected",
		log.Any("usage", usage), log.Any("threshold", m.memoryThreshold))
	if m.listener.OnMemoryPressure != nil {
		m.safely(func() { m.listener.OnMemoryPressure(usage, m.memoryThreshold) })
	}
	m.ReleaseUnreferenced()
	return usage, true
}

// Start launches the background cleanup and memory monitor. It is a no-op after the first call.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		if m.cleanupInterval <= 0 && m.memoryInterval <= 0 {
			return
		}
		m.wg.Add(1)
		go m.run()
	})
}

func (m *Manager) run() {
	defer m.wg.Done()

	var cleanupC, memoryC <-chan time.Time
	if m.cleanupInterval > 0 {
		t := time.NewTicker(m.cleanupInterval)
		defer t.Stop()
		cleanupC = t.C
	}
	if m.memoryInterval > 0 {
		t := time.NewTicker(m.memoryInterval)
		defer t.Stop()
		memoryC = t.C
	}

	for {
		select {
		case <-cleanupC:
			m.RunCleanup()
		case <-memoryC:
			m.CheckMemory()
		case <-m.stopCh:
			return
		}
	}
}

// Stop halts the background goroutine and waits for it to exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	m.wg.Wait()
}

func (m *Manager) complete(summary CleanupSummary) {
	if summary.Released > 0 {
		m.logger.Info("Cleanup complete",
			log.String("trigger", string(summary.Trigger)),
			log.Int("released", summary.Released),
			log.Int("skipped", summary.Skipped),
			log.Duration("elapsed", summary.Elapsed))
	}
	if m.listener.OnCleanupComplete != nil {
		m.safely(func() { m.listener.OnCleanupComplete(summary) })
	}
}

func (m *Manager) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Release listener panicked", log.Any("panic", r))
		}
	}()
	fn()
}
