package eviction

import (
	"math"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRUStrategy implements the LRU (Least Recently Used) eviction strategy
type LRUStrategy struct {
	order *simplelru.LRU[string, struct{}]
}

// NewLRUStrategy creates a new LRU eviction strategy.
//
// Capacity is enforced by the store, so the underlying list is sized so that it never evicts
// on its own.
func NewLRUStrategy() *LRUStrategy {
	order, err := simplelru.NewLRU[string, struct{}](math.MaxInt32, nil)
	if err != nil {
		// This should not happen with valid capacity
		panic("failed to create LRU order: " + err.Error())
	}
	return &LRUStrategy{order: order}
}

// Add adds a key as the most recently used
func (l *LRUStrategy) Add(key string, _ Meta) {
	l.order.Add(key, struct{}{})
}

// Touch marks key as recently used
func (l *LRUStrategy) Touch(key string, _ Meta) {
	l.order.Get(key)
}

// Remove removes a key from the LRU tracker
func (l *LRUStrategy) Remove(key string) bool {
	return l.order.Remove(key)
}

// Contains checks if a key exists in the LRU tracker
func (l *LRUStrategy) Contains(key string) bool {
	return l.order.Contains(key)
}

// Victim returns the least recently used key
func (l *LRUStrategy) Victim() (string, bool) {
	key, _, ok := l.order.GetOldest()
	return key, ok
}

// Order returns keys from least to most recently used
func (l *LRUStrategy) Order() []string {
	return l.order.Keys()
}

// Len returns the number of entries currently tracked
func (l *LRUStrategy) Len() int {
	return l.order.Len()
}

// Clear removes all entries from the LRU tracker
func (l *LRUStrategy) Clear() {
	l.order.Purge()
}

// Type returns LRU
func (l *LRUStrategy) Type() EvictionType {
	return LRU
}
