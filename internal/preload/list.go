package preload

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Priority orders preload items. Higher priorities load first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority converts a configuration string into a Priority. The empty string is Normal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown preload priority %q", s)
	}
}

// UnmarshalText lets priorities be read from YAML and environment values.
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText renders the priority name.
func (p Priority) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// Asset is one entry of a preload list.
type Asset struct {
	Address   string
	TypeTag   string
	Priority  Priority
	AddedTime time.Time

	seq uint64
}

// SortByPriority orders assets Critical first, ties kept in their current order.
func SortByPriority(assets []Asset) {
	sort.SliceStable(assets, func(i, j int) bool {
		return assets[i].Priority > assets[j].Priority
	})
}

// List is a prioritized set of addresses to preload. It is safe for concurrent use.
type List struct {
	mu    sync.Mutex
	items map[string]Asset
	seq   uint64
	now   func() time.Time
}

// NewList creates an empty preload list.
func NewList() *List {
	return &List{items: make(map[string]Asset), now: time.Now}
}

// Add inserts address or updates its type and priority. An update keeps the original
// insertion position for tie breaking.
func (l *List) Add(address, typeTag string, priority Priority) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.items[address]; ok {
		existing.TypeTag = typeTag
		existing.Priority = priority
		l.items[address] = existing
		return
	}

	l.seq++
	l.items[address] = Asset{
		Address:   address,
		TypeTag:   typeTag,
		Priority:  priority,
		AddedTime: l.now(),
		seq:       l.seq,
	}
}

// Remove deletes address. It reports whether it was present.
func (l *List) Remove(address string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.items[address]
	delete(l.items, address)
	return ok
}

// Len returns the number of entries.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Sorted returns the entries Critical first, ties broken by insertion order.
func (l *List) Sorted() []Asset {
	l.mu.Lock()
	out := make([]Asset, 0, len(l.items))
	for _, a := range l.items {
		out = append(out, a)
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}
