// Package store implements the keyed, budgeted cache store with pluggable eviction order.
package store

import (
	"sync"
	"time"

	"github.com/1mb-dev/assetcache-go/internal/eviction"
	"github.com/1mb-dev/assetcache-go/internal/log"
)

const (
	loggerComponentName = "CacheStore"

	// DefaultMaxEntries is the entry limit used when none is configured.
	DefaultMaxEntries = 1000

	// DefaultMaxMemoryBytes is the memory limit used when none is configured.
	DefaultMaxMemoryBytes int64 = 256 << 20
)

// Option configures a Store.
type Option func(*Store)

// WithMaxEntries sets the entry limit.
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// WithMaxMemoryBytes sets the memory limit.
func WithMaxMemoryBytes(n int64) Option {
	return func(s *Store) { s.maxMemory = n }
}

// WithEvictionType selects the eviction order.
func WithEvictionType(t eviction.EvictionType) Option {
	return func(s *Store) { s.evictionConfig.Type = t }
}

// WithRandomSeed seeds the Random eviction order.
func WithRandomSeed(seed uint64) Option {
	return func(s *Store) { s.evictionConfig.Seed = seed }
}

// WithSizeEstimator overrides the payload size estimator.
func WithSizeEstimator(fn SizeEstimator) Option {
	return func(s *Store) { s.estimate = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithListener registers the notification listener.
func WithListener(l Listener) Option {
	return func(s *Store) { s.listener = l }
}

// Store holds cached entries under an entry and memory budget.
//
// Every mutation goes through link/unlink under mu, which keeps currentMemory equal to the sum
// of live entry sizes.
type Store struct {
	mu             sync.Mutex
	entries        map[string]*Entry
	strategy       eviction.Strategy
	evictionConfig eviction.Config
	maxEntries     int
	maxMemory      int64
	currentMemory  int64

	hits       int64
	misses     int64
	evictions  int64
	failedPuts int64

	estimate SizeEstimator
	now      func() time.Time
	listener Listener
	logger   *log.Logger
}

// event is a notification collected under the lock and dispatched after it is released.
type event struct {
	kind    int
	entry   Entry
	reason  EvictReason
	removed int
}

const (
	eventCached = iota
	eventEvicted
	eventCleared
)

// New creates a Store.
func New(opts ...Option) *Store {
	s := &Store{
		entries:        make(map[string]*Entry),
		evictionConfig: eviction.Config{Type: eviction.LRU},
		maxEntries:     DefaultMaxEntries,
		maxMemory:      DefaultMaxMemoryBytes,
		estimate:       DefaultSizeEstimator,
		now:            time.Now,
		logger:         log.GetLogger().With(log.String(log.LoggerKeyComponentName, loggerComponentName)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.maxEntries <= 0 {
		s.maxEntries = DefaultMaxEntries
	}
	if s.maxMemory <= 0 {
		s.maxMemory = DefaultMaxMemoryBytes
	}
	s.strategy = eviction.NewStrategy(s.evictionConfig)

	s.logger.Debug("Initializing cache store",
		log.String("evictionType", string(s.strategy.Type())),
		log.Int("maxEntries", s.maxEntries),
		log.Int64("maxMemoryBytes", s.maxMemory))

	return s
}

// EstimateSize returns the configured size estimate for payload.
func (s *Store) EstimateSize(payload any) int64 {
	size := s.estimate(payload)
	if size < 0 {
		return DefaultSizeEstimate
	}
	return size
}

// Put inserts payload under key, or records an access if key is already cached.
//
// A new entry that cannot fit even in an empty store is rejected before anything is evicted,
// so a failed Put never leaves the store partially drained.
func (s *Store) Put(key string, payload any, typeTag string, size int64) bool {
	if size < 0 {
		size = s.EstimateSize(payload)
	}

	var events []event
	ok := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		now := s.now()
		if existing, found := s.entries[key]; found {
			existing.touch(now)
			s.strategy.Touch(key, existing.meta())
			s.hits++
			return true
		}

		if size > s.maxMemory {
			s.failedPuts++
			s.logger.Warn("Entry larger than the memory budget",
				log.String("key", key), log.Int64("size", size), log.Int64("maxMemoryBytes", s.maxMemory))
			return false
		}

		if need := s.currentMemory + size - s.maxMemory; need > 0 {
			if !s.evictToFitLocked(need, &events) {
				s.failedPuts++
				return false
			}
		}

		for len(s.entries) >= s.maxEntries {
			if !s.evictVictimLocked(EvictReasonCapacity, &events) {
				break
			}
		}

		entry := &Entry{
			Key:         key,
			Payload:     payload,
			TypeTag:     typeTag,
			Size:        size,
			CacheTime:   now,
			LastAccess:  now,
			AccessCount: 1,
		}
		s.link(entry)
		events = append(events, event{kind: eventCached, entry: *entry})
		return true
	}()

	s.dispatch(events)
	return ok
}

// Get returns the payload cached under key and records the access.
func (s *Store) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false
	}

	entry.touch(s.now())
	s.strategy.Touch(key, entry.meta())
	s.hits++
	return entry.Payload, true
}

// Peek returns a copy of the entry under key without recording an access.
func (s *Store) Peek(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Has reports whether key is cached without recording an access.
func (s *Store) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	return ok
}

// Remove deletes key. It returns false if key was not cached.
func (s *Store) Remove(key string) bool {
	return s.Evict(key, EvictReasonRemoved)
}

// Evict deletes key, reporting reason to the listener.
func (s *Store) Evict(key string, reason EvictReason) bool {
	var events []event
	ok := func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()

		entry, found := s.entries[key]
		if !found {
			return false
		}
		s.unlink(entry)
		if reason != EvictReasonRemoved {
			s.evictions++
		}
		events = append(events, event{kind: eventEvicted, entry: *entry, reason: reason})
		return true
	}()

	s.dispatch(events)
	return ok
}

// Clear removes every entry, reporting each one as evicted with EvictReasonCleared before the
// cleared summary. Clearing an empty store is a no-op and emits nothing.
func (s *Store) Clear() int {
	var events []event
	removed := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()

		n := len(s.entries)
		if n == 0 {
			return 0
		}
		for _, entry := range s.entries {
			s.unlink(entry)
			events = append(events, event{kind: eventEvicted, entry: *entry, reason: EvictReasonCleared})
		}
		s.strategy.Clear()
		events = append(events, event{kind: eventCleared, removed: n})
		return n
	}()

	if removed > 0 {
		s.logger.Debug("Cleared all entries in the store", log.Int("count", removed))
	}
	s.dispatch(events)
	return removed
}

// EvictExpired removes entries idle for longer than maxAge at now and returns how many.
func (s *Store) EvictExpired(maxAge time.Duration, now time.Time) int {
	var events []event
	removed := func() int {
		s.mu.Lock()
		defer s.mu.Unlock()

		n := 0
		for _, entry := range s.entries {
			if now.Sub(entry.LastAccess) > maxAge {
				s.unlink(entry)
				s.evictions++
				events = append(events, event{kind: eventEvicted, entry: *entry, reason: EvictReasonExpired})
				n++
			}
		}
		return n
	}()

	if removed > 0 {
		s.logger.Debug("Expired entries evicted", log.Int("count", removed))
	}
	s.dispatch(events)
	return removed
}

// EvictToFit evicts entries in strategy order until at least bytes have been freed.
// It reports whether the target was met.
func (s *Store) EvictToFit(bytes int64) bool {
	var events []event
	s.mu.Lock()
	ok := s.evictToFitLocked(bytes, &events)
	s.mu.Unlock()

	s.dispatch(events)
	return ok
}

// SetBudget replaces the limits and evicts down to them immediately.
func (s *Store) SetBudget(maxEntries int, maxMemoryBytes int64) {
	var events []event
	func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if maxEntries > 0 {
			s.maxEntries = maxEntries
		}
		if maxMemoryBytes > 0 {
			s.maxMemory = maxMemoryBytes
		}

		for len(s.entries) > s.maxEntries {
			if !s.evictVictimLocked(EvictReasonCapacity, &events) {
				break
			}
		}
		if over := s.currentMemory - s.maxMemory; over > 0 {
			s.evictToFitLocked(over, &events)
		}
	}()

	s.dispatch(events)
}

// SetStrategy switches the eviction order, rebuilding it from the live entries.
func (s *Store) SetStrategy(t eviction.EvictionType) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.strategy.Type() == t {
		return
	}

	s.evictionConfig.Type = t
	next := eviction.NewStrategy(s.evictionConfig)
	items := make([]eviction.Item, 0, len(s.entries))
	for key, entry := range s.entries {
		items = append(items, eviction.Item{Key: key, Meta: entry.meta()})
	}
	eviction.Seed(next, items)
	s.strategy = next

	s.logger.Debug("Eviction strategy changed", log.String("evictionType", string(t)))
}

// EvictionOrder returns the keys in the order they would be evicted.
func (s *Store) EvictionOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.strategy.Order()
}

// Keys returns all cached keys.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys
}

// Len returns the number of cached entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Budget returns the current limits and memory usage.
func (s *Store) Budget() Budget {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Budget{
		MaxEntries:         s.maxEntries,
		MaxMemoryBytes:     s.maxMemory,
		CurrentMemoryBytes: s.currentMemory,
	}
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Entries:        len(s.entries),
		MaxEntries:     s.maxEntries,
		MemoryBytes:    s.currentMemory,
		MaxMemoryBytes: s.maxMemory,
		Hits:           s.hits,
		Misses:         s.misses,
		Evictions:      s.evictions,
		FailedPuts:     s.failedPuts,
		Strategy:       s.strategy.Type(),
	}
}

// evictToFitLocked walks the eviction order freeing entries until bytes are freed.
func (s *Store) evictToFitLocked(bytes int64, events *[]event) bool {
	if bytes <= 0 {
		return true
	}

	var freed int64
	for _, key := range s.strategy.Order() {
		if freed >= bytes {
			break
		}
		entry, ok := s.entries[key]
		if !ok {
			continue
		}
		freed += entry.Size
		s.unlink(entry)
		s.evictions++
		*events = append(*events, event{kind: eventEvicted, entry: *entry, reason: EvictReasonMemory})
		s.logger.Debug("Entry evicted to free memory", log.String("key", key), log.Int64("size", entry.Size))
	}
	return freed >= bytes
}

// evictVictimLocked evicts the strategy's next victim.
func (s *Store) evictVictimLocked(reason EvictReason, events *[]event) bool {
	key, ok := s.strategy.Victim()
	if !ok {
		return false
	}
	entry, found := s.entries[key]
	if !found {
		// Order and entries diverged; drop the stale key and let the caller retry.
		s.strategy.Remove(key)
		return true
	}
	s.unlink(entry)
	s.evictions++
	*events = append(*events, event{kind: eventEvicted, entry: *entry, reason: reason})
	s.logger.Debug("Entry evicted", log.String("key", key), log.String("reason", reason.String()))
	return true
}

// link is the only path that adds an entry.
func (s *Store) link(entry *Entry) {
	s.entries[entry.Key] = entry
	s.currentMemory += entry.Size
	s.strategy.Add(entry.Key, entry.meta())
}

// unlink is the only path that removes an entry.
func (s *Store) unlink(entry *Entry) {
	delete(s.entries, entry.Key)
	s.strategy.Remove(entry.Key)
	s.currentMemory -= entry.Size
	if s.currentMemory < 0 {
		s.logger.Error("Memory accounting went negative", log.String("key", entry.Key),
			log.Int64("currentMemoryBytes", s.currentMemory))
		s.currentMemory = 0
	}
}

func (s *Store) dispatch(events []event) {
	for _, ev := range events {
		switch ev.kind {
		case eventCached:
			if s.listener.OnCached != nil {
				s.listener.OnCached(ev.entry)
			}
		case eventEvicted:
			if s.listener.OnEvicted != nil {
				s.listener.OnEvicted(ev.entry, ev.reason)
			}
		case eventCleared:
			if s.listener.OnCleared != nil {
				s.listener.OnCleared(ev.removed)
			}
		}
	}
}
