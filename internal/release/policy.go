package release

import (
	"sync"
	"time"

	"github.com/1mb-dev/assetcache-go/pkg/cacheerr"
)

// DefaultMaxAge is the fallback policy used when no type policy matches.
const DefaultMaxAge = 300 * time.Second

// PolicySource describes how a max age was resolved.
type PolicySource string

const (
	PolicySourceExact     PolicySource = "exact"
	PolicySourceSupertype PolicySource = "supertype"
	PolicySourceDefault   PolicySource = "default"
)

// Registry maps type tags to maximum unused ages.
//
// Lookup checks the exact tag, then its declared supertypes breadth-first (nearest first, in
// declaration order), then the default. The supertype relation is plain data registered with
// SetSupertypes; cycles are tolerated.
type Registry struct {
	mu         sync.RWMutex
	policies   map[string]time.Duration
	supertypes map[string][]string
	defaultAge time.Duration
}

// NewRegistry creates a registry with the given default max age.
func NewRegistry(defaultMaxAge time.Duration) *Registry {
	if defaultMaxAge <= 0 {
		defaultMaxAge = DefaultMaxAge
	}
	return &Registry{
		policies:   make(map[string]time.Duration),
		supertypes: make(map[string][]string),
		defaultAge: defaultMaxAge,
	}
}

// SetPolicy registers or replaces the max age for typeTag.
func (r *Registry) SetPolicy(typeTag string, maxAge time.Duration) error {
	if typeTag == "" {
		return cacheerr.InvalidPolicy("type tag must not be empty")
	}
	if maxAge <= 0 {
		return cacheerr.InvalidPolicy("max age for %q must be positive, got %s", typeTag, maxAge)
	}

	r.mu.Lock()
	r.policies[typeTag] = maxAge
	r.mu.Unlock()
	return nil
}

// RemovePolicy drops the policy for typeTag. It reports whether one existed.
func (r *Registry) RemovePolicy(typeTag string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.policies[typeTag]
	delete(r.policies, typeTag)
	return ok
}

// SetSupertypes declares the ordered supertypes of typeTag, replacing earlier declarations.
func (r *Registry) SetSupertypes(typeTag string, supertypes ...string) error {
	if typeTag == "" {
		return cacheerr.InvalidPolicy("type tag must not be empty")
	}
	for _, s := range supertypes {
		if s == "" || s == typeTag {
			return cacheerr.InvalidPolicy("invalid supertype %q for %q", s, typeTag)
		}
	}

	r.mu.Lock()
	r.supertypes[typeTag] = append([]string(nil), supertypes...)
	r.mu.Unlock()
	return nil
}

// SetDefault replaces the fallback max age.
func (r *Registry) SetDefault(maxAge time.Duration) error {
	if maxAge <= 0 {
		return cacheerr.InvalidPolicy("default max age must be positive, got %s", maxAge)
	}
	r.mu.Lock()
	r.defaultAge = maxAge
	r.mu.Unlock()
	return nil
}

// MaxAge returns the max age that applies to typeTag.
func (r *Registry) MaxAge(typeTag string) time.Duration {
	age, _ := r.Resolve(typeTag)
	return age
}

// Resolve returns the max age for typeTag and where it came from.
func (r *Registry) Resolve(typeTag string) (time.Duration, PolicySource) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if age, ok := r.policies[typeTag]; ok {
		return age, PolicySourceExact
	}

	visited := map[string]bool{typeTag: true}
	queue := append([]string(nil), r.supertypes[typeTag]...)
	for len(queue) > 0 {
		tag := queue[0]
		queue = queue[1:]
		if visited[tag] {
			continue
		}
		visited[tag] = true

		if age, ok := r.policies[tag]; ok {
			return age, PolicySourceSupertype
		}
		queue = append(queue, r.supertypes[tag]...)
	}

	return r.defaultAge, PolicySourceDefault
}
