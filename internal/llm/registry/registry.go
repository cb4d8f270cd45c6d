package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/kubilitics/kubilitics-anomaly/internal/llm/provider"
)

// Package registry holds the ordered, read-only list of inference providers.
//
// The registry is built once at startup and never mutated afterwards, so
// request paths read it without locking. Providers are ordered by ascending
// priority; registration order breaks ties.

// Descriptor binds a provider to its place in the fallback order.
type Descriptor struct {
	Name     string
	Priority int
	Timeout  time.Duration
	Provider provider.Provider
}

// Registry is an immutable, priority-ordered provider list.
type Registry struct {
	descriptors []Descriptor
	byName      map[string]int
}

// New validates the descriptors and orders them by priority.
func New(descs ...Descriptor) (*Registry, error) {
	ordered := make([]Descriptor, len(descs))
	copy(ordered, descs)

	seen := make(map[string]bool, len(ordered))
	for i, d := range ordered {
		if d.Provider == nil {
			return nil, fmt.Errorf("registry: descriptor %d has no provider", i)
		}
		if d.Name == "" {
			ordered[i].Name = d.Provider.Name()
			d = ordered[i]
		}
		if seen[d.Name] {
			return nil, fmt.Errorf("registry: duplicate provider name %q", d.Name)
		}
		seen[d.Name] = true
		if d.Priority < 0 {
			return nil, fmt.Errorf("registry: provider %q has negative priority %d", d.Name, d.Priority)
		}
		if d.Timeout <= 0 {
			return nil, fmt.Errorf("registry: provider %q needs a positive timeout", d.Name)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority < ordered[j].Priority
	})

	byName := make(map[string]int, len(ordered))
	for i, d := range ordered {
		byName[d.Name] = i
	}
	return &Registry{descriptors: ordered, byName: byName}, nil
}

// Providers returns the descriptors in fallback order.
func (r *Registry) Providers() []Descriptor {
	out := make([]Descriptor, len(r.descriptors))
	copy(out, r.descriptors)
	return out
}

// Len returns the number of registered providers.
func (r *Registry) Len() int { return len(r.descriptors) }

// Lookup finds a provider by name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	i, ok := r.byName[name]
	if !ok {
		return Descriptor{}, false
	}
	return r.descriptors[i], true
}
