package eviction

import (
	"sort"
	"time"
)

// Meta is the per-entry bookkeeping a strategy may order by.
type Meta struct {
	CacheTime   time.Time
	LastAccess  time.Time
	AccessCount int64
}

// Item pairs a key with its metadata, used to seed a strategy from live entries.
type Item struct {
	Key  string
	Meta Meta
}

// Strategy defines the interface for eviction strategies.
//
// A strategy only maintains an order over keys; entry payloads and sizes live in the store.
// Strategies are not safe for concurrent use: the owning store serializes every call.
type Strategy interface {
	// Add starts tracking a newly inserted key
	Add(key string, meta Meta)

	// Touch records an access to key and updates its position in the eviction order
	Touch(key string, meta Meta)

	// Remove stops tracking key
	Remove(key string) bool

	// Contains checks if a key is tracked
	Contains(key string) bool

	// Victim returns the key that would be evicted next without removing it
	Victim() (string, bool)

	// Order returns every tracked key, first victim first
	Order() []string

	// Len returns the number of tracked keys
	Len() int

	// Clear removes all keys from the strategy
	Clear()

	// Type reports which eviction order this strategy implements
	Type() EvictionType
}

// EvictionType represents the type of eviction strategy
type EvictionType string

const (
	// LRU - Least Recently Used eviction
	LRU EvictionType = "lru"

	// LFU - Least Frequently Used eviction
	LFU EvictionType = "lfu"

	// FIFO - First In, First Out eviction
	FIFO EvictionType = "fifo"

	// Random - arbitrary shuffled order
	Random EvictionType = "random"
)

// ParseType maps a configuration string onto an EvictionType.
func ParseType(s string) (EvictionType, bool) {
	switch EvictionType(s) {
	case LRU, LFU, FIFO, Random:
		return EvictionType(s), true
	case "":
		return LRU, true
	default:
		return LRU, false
	}
}

// Config holds configuration for eviction strategies
type Config struct {
	Type EvictionType

	// Seed drives the Random strategy. Zero picks a time based seed.
	Seed uint64
}

// NewStrategy creates a new eviction strategy based on the given config
func NewStrategy(config Config) Strategy {
	switch config.Type {
	case LRU:
		return NewLRUStrategy()
	case LFU:
		return NewLFUStrategy()
	case FIFO:
		return NewFIFOStrategy()
	case Random:
		return NewRandomStrategy(config.Seed)
	default:
		// Default to LRU
		return NewLRUStrategy()
	}
}

// Seed adds items to s in the order that reproduces their history: recency for LRU,
// insertion time for everything else.
func Seed(s Strategy, items []Item) {
	sorted := make([]Item, len(items))
	copy(sorted, items)

	if s.Type() == LRU {
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Meta.LastAccess.Before(sorted[j].Meta.LastAccess)
		})
	} else {
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Meta.CacheTime.Before(sorted[j].Meta.CacheTime)
		})
	}

	for _, item := range sorted {
		s.Add(item.Key, item.Meta)
	}
}
