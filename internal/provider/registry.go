package provider

import (
	"fmt"
	"sort"
	"strings"
)

// Registry resolves provider names to adapters. It is built once at startup and
// never mutated, so lookups need no locking.
type Registry struct {
	adapters map[Name]Adapter
}

// NewRegistry indexes adapters by their Name. Registering the same name twice
// is a programming error.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[Name]Adapter, len(adapters))}
	for _, a := range adapters {
		if a == nil {
			continue
		}
		if _, dup := r.adapters[a.Name()]; dup {
			return nil, fmt.Errorf("provider %q registered twice", a.Name())
		}
		r.adapters[a.Name()] = a
	}
	return r, nil
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name Name) (Adapter, error) {
	if r != nil {
		if a, ok := r.adapters[name]; ok {
			return a, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
}

// Lookup parses a user-supplied provider name and returns its adapter.
func (r *Registry) Lookup(raw string) (Adapter, error) {
	return r.Get(Name(strings.ToLower(strings.TrimSpace(raw))))
}

// Names lists the registered providers in stable order.
func (r *Registry) Names() []Name {
	if r == nil {
		return nil
	}
	names := make([]Name, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
