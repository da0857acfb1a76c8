package provider

import (
	"fmt"
	"sync"

	"github.com/blueberrycongee/relaymux/pkg/account"
)

// Registry maps account variants to the adapter that speaks their wire protocol.
type Registry struct {
	mu       sync.RWMutex
	adapters map[account.Variant]Adapter
}

// NewRegistry creates a registry with the given adapters.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	r := &Registry{adapters: make(map[account.Variant]Adapter)}
	for _, a := range adapters {
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds an adapter for each of its variants. A variant may only be
// registered once.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range a.Variants() {
		if existing, ok := r.adapters[v]; ok {
			return fmt.Errorf("variant %q already served by adapter %q", v, existing.Name())
		}
	}
	for _, v := range a.Variants() {
		r.adapters[v] = a
	}
	return nil
}

// Lookup returns the adapter for variant.
func (r *Registry) Lookup(v account.Variant) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[v]
	return a, ok
}

// Variants returns every registered variant.
func (r *Registry) Variants() []account.Variant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]account.Variant, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	return out
}
