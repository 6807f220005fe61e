package eviction

import "container/list"

// FIFOStrategy evicts in insertion order regardless of access patterns
type FIFOStrategy struct {
	queue    *list.List
	elements map[string]*list.Element
}

// NewFIFOStrategy creates a new FIFO eviction strategy
func NewFIFOStrategy() *FIFOStrategy {
	return &FIFOStrategy{
		queue:    list.New(),
		elements: make(map[string]*list.Element),
	}
}

// Add appends key to the back of the queue
func (f *FIFOStrategy) Add(key string, _ Meta) {
	if _, ok := f.elements[key]; ok {
		return
	}
	f.elements[key] = f.queue.PushBack(key)
}

// Touch is a no-op: accesses do not change insertion order
func (f *FIFOStrategy) Touch(string, Meta) {}

// Remove removes a key from the queue
func (f *FIFOStrategy) Remove(key string) bool {
	el, ok := f.elements[key]
	if !ok {
		return false
	}
	f.queue.Remove(el)
	delete(f.elements, key)
	return true
}

// Contains checks if a key is queued
func (f *FIFOStrategy) Contains(key string) bool {
	_, ok := f.elements[key]
	return ok
}

// Victim returns the oldest inserted key
func (f *FIFOStrategy) Victim() (string, bool) {
	front := f.queue.Front()
	if front == nil {
		return "", false
	}
	return front.Value.(string), true
}

// Order returns keys from oldest to newest insertion
func (f *FIFOStrategy) Order() []string {
	keys := make([]string, 0, f.queue.Len())
	for el := f.queue.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(string))
	}
	return keys
}

// Len returns the number of queued keys
func (f *FIFOStrategy) Len() int {
	return f.queue.Len()
}

// Clear empties the queue
func (f *FIFOStrategy) Clear() {
	f.queue.Init()
	f.elements = make(map[string]*list.Element)
}

// Type returns FIFO
func (f *FIFOStrategy) Type() EvictionType {
	return FIFO
}
