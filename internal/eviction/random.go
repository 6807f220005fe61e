package eviction

import (
	"math/rand/v2"
	"time"
)

// RandomStrategy evicts keys in an arbitrary shuffled order
type RandomStrategy struct {
	keys  []string
	index map[string]int
	r     *rand.Rand
}

// NewRandomStrategy creates a random eviction strategy. A zero seed uses the current time.
func NewRandomStrategy(seed uint64) *RandomStrategy {
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	return &RandomStrategy{
		index: make(map[string]int),
		r:     rand.New(rand.NewPCG(seed, seed>>1|1)),
	}
}

// Add adds a key to the candidate set
func (s *RandomStrategy) Add(key string, _ Meta) {
	if _, ok := s.index[key]; ok {
		return
	}
	s.index[key] = len(s.keys)
	s.keys = append(s.keys, key)
}

// Touch is a no-op for random eviction
func (s *RandomStrategy) Touch(string, Meta) {}

// Remove swaps key with the last element and truncates
func (s *RandomStrategy) Remove(key string) bool {
	i, ok := s.index[key]
	if !ok {
		return false
	}
	last := len(s.keys) - 1
	s.keys[i] = s.keys[last]
	s.index[s.keys[i]] = i
	s.keys = s.keys[:last]
	delete(s.index, key)
	return true
}

// Contains checks if a key is a candidate
func (s *RandomStrategy) Contains(key string) bool {
	_, ok := s.index[key]
	return ok
}

// Victim returns a random key
func (s *RandomStrategy) Victim() (string, bool) {
	if len(s.keys) == 0 {
		return "", false
	}
	return s.keys[s.r.IntN(len(s.keys))], true
}

// Order returns a fresh shuffle of every key
func (s *RandomStrategy) Order() []string {
	keys := make([]string, len(s.keys))
	copy(keys, s.keys)
	s.r.Shuffle(len(keys), func(i, j int) { keys[i], keys[j] = keys[j], keys[i] })
	return keys
}

// Len returns the number of candidate keys
func (s *RandomStrategy) Len() int {
	return len(s.keys)
}

// Clear removes all candidates
func (s *RandomStrategy) Clear() {
	s.keys = nil
	s.index = make(map[string]int)
}

// Type returns Random
func (s *RandomStrategy) Type() EvictionType {
	return Random
}
