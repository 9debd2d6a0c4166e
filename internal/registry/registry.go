// Package registry holds the static provider descriptors known to the engine.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"creatorpay/internal/payments"
)

// Registry is a concurrency-safe set of provider descriptors.
// Descriptors are immutable once registered.
type Registry struct {
	mu          sync.RWMutex
	descriptors map[string]payments.ProviderDescriptor
}

// New creates a registry pre-populated with descriptors.
func New(descriptors ...payments.ProviderDescriptor) (*Registry, error) {
	r := &Registry{descriptors: make(map[string]payments.ProviderDescriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a descriptor. Registering an id twice is an error.
func (r *Registry) Register(d payments.ProviderDescriptor) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("registering provider: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.descriptors[d.ID]; exists {
		return fmt.Errorf("provider %s is already registered", d.ID)
	}
	r.descriptors[d.ID] = d.Clone()
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (payments.ProviderDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[id]
	if !ok {
		return payments.ProviderDescriptor{}, false
	}
	return d.Clone(), true
}

// List returns descriptors of the given kind sorted by id. An empty kind lists all.
func (r *Registry) List(kind payments.ProviderKind) []payments.ProviderDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]payments.ProviderDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		if kind == "" || d.Kind == kind {
			out = append(out, d.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
