package store

import (
	"time"

	"github.com/1mb-dev/assetcache-go/internal/eviction"
)

// Entry is a cached payload with its accounting metadata.
type Entry struct {
	Key         string
	Payload     any
	TypeTag     string
	Size        int64
	CacheTime   time.Time
	LastAccess  time.Time
	AccessCount int64
}

func (e *Entry) meta() eviction.Meta {
	return eviction.Meta{
		CacheTime:   e.CacheTime,
		LastAccess:  e.LastAccess,
		AccessCount: e.AccessCount,
	}
}

// touch records an access at now.
func (e *Entry) touch(now time.Time) {
	e.LastAccess = now
	e.AccessCount++
}

// EvictReason indicates why an entry left the store
type EvictReason int

const (
	// EvictReasonCapacity means the entry count limit forced the eviction
	EvictReasonCapacity EvictReason = iota

	// EvictReasonMemory means the memory budget forced the eviction
	EvictReasonMemory

	// EvictReasonExpired means the entry was idle longer than the allowed age
	EvictReasonExpired

	// EvictReasonReleased means the release manager reclaimed the entry
	EvictReasonReleased

	// EvictReasonRemoved means a caller removed the entry explicitly
	EvictReasonRemoved

	// EvictReasonCleared means the whole store was cleared
	EvictReasonCleared
)

func (r EvictReason) String() string {
	switch r {
	case EvictReasonCapacity:
		return "Capacity"
	case EvictReasonMemory:
		return "Memory"
	case EvictReasonExpired:
		return "Expired"
	case EvictReasonReleased:
		return "Released"
	case EvictReasonRemoved:
		return "Removed"
	case EvictReasonCleared:
		return "Cleared"
	default:
		return "Unknown"
	}
}

// Budget is the entry/memory limit of a store together with its current usage.
type Budget struct {
	MaxEntries         int
	MaxMemoryBytes     int64
	CurrentMemoryBytes int64
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Entries        int
	MaxEntries     int
	MemoryBytes    int64
	MaxMemoryBytes int64
	Hits           int64
	Misses         int64
	Evictions      int64
	FailedPuts     int64
	Strategy       eviction.EvictionType
}

// HitRate returns hits / (hits + misses) as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Listener receives store notifications. Any field may be nil.
//
// Callbacks run after the store lock is released, in the order the mutations happened.
type Listener struct {
	OnCached  func(e Entry)
	OnEvicted func(e Entry, reason EvictReason)
	OnCleared func(removed int)
}
