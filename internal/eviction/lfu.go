package eviction

import (
	"container/heap"
	"sort"
	"time"
)

// lfuItem is a heap node ordered by access count, then by last access.
type lfuItem struct {
	key         string
	accessCount int64
	lastAccess  time.Time
	seq         uint64
	index       int
}

type lfuHeap []*lfuItem

func (h lfuHeap) Len() int { return len(h) }

func (h lfuHeap) Less(i, j int) bool {
	return lfuLess(h[i], h[j])
}

func (h lfuHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *lfuHeap) Push(x any) {
	item := x.(*lfuItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *lfuHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

func lfuLess(a, b *lfuItem) bool {
	if a.accessCount != b.accessCount {
		return a.accessCount < b.accessCount
	}
	if !a.lastAccess.Equal(b.lastAccess) {
		return a.lastAccess.Before(b.lastAccess)
	}
	return a.seq < b.seq
}

// LFUStrategy implements the LFU (Least Frequently Used) eviction strategy
type LFUStrategy struct {
	items map[string]*lfuItem
	heap  lfuHeap
	seq   uint64
}

// NewLFUStrategy creates a new LFU eviction strategy
func NewLFUStrategy() *LFUStrategy {
	return &LFUStrategy{items: make(map[string]*lfuItem)}
}

// Add tracks key with the access count carried in meta
func (l *LFUStrategy) Add(key string, meta Meta) {
	if item, ok := l.items[key]; ok {
		l.update(item, meta)
		return
	}
	l.seq++
	item := &lfuItem{
		key:         key,
		accessCount: meta.AccessCount,
		lastAccess:  meta.LastAccess,
		seq:         l.seq,
	}
	heap.Push(&l.heap, item)
	l.items[key] = item
}

// Touch refreshes the access count of key
func (l *LFUStrategy) Touch(key string, meta Meta) {
	if item, ok := l.items[key]; ok {
		l.update(item, meta)
	}
}

func (l *LFUStrategy) update(item *lfuItem, meta Meta) {
	item.accessCount = meta.AccessCount
	item.lastAccess = meta.LastAccess
	heap.Fix(&l.heap, item.index)
}

// Remove removes a key from the LFU tracker
func (l *LFUStrategy) Remove(key string) bool {
	item, ok := l.items[key]
	if !ok {
		return false
	}
	heap.Remove(&l.heap, item.index)
	delete(l.items, key)
	return true
}

// Contains checks if a key exists in the LFU tracker
func (l *LFUStrategy) Contains(key string) bool {
	_, ok := l.items[key]
	return ok
}

// Victim returns the least frequently used key
func (l *LFUStrategy) Victim() (string, bool) {
	if len(l.heap) == 0 {
		return "", false
	}
	return l.heap[0].key, true
}

// Order returns keys from least to most frequently used
func (l *LFUStrategy) Order() []string {
	sorted := make([]*lfuItem, len(l.heap))
	copy(sorted, l.heap)
	sort.Slice(sorted, func(i, j int) bool { return lfuLess(sorted[i], sorted[j]) })

	keys := make([]string, len(sorted))
	for i, item := range sorted {
		keys[i] = item.key
	}
	return keys
}

// Len returns the number of entries currently tracked
func (l *LFUStrategy) Len() int {
	return len(l.heap)
}

// Clear removes all entries from the LFU tracker
func (l *LFUStrategy) Clear() {
	l.items = make(map[string]*lfuItem)
	l.heap = nil
}

// Type returns LFU
func (l *LFUStrategy) Type() EvictionType {
	return LFU
}
