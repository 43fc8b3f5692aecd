package providers

import (
	"sync"
	"time"
)

// Registry holds the configured adapters keyed by provider slug, plus the
// per-provider timeout table.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	timeouts map[string]time.Duration
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		timeouts: make(map[string]time.Duration),
	}
}

// Register adds an adapter under its own name. Re-registering replaces.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Name()] = a
}

// Get returns the adapter for a slug, or (nil, false).
func (r *Registry) Get(slug string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[slug]
	return a, ok
}

// Slugs returns the registered provider slugs.
func (r *Registry) Slugs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for s := range r.adapters {
		out = append(out, s)
	}
	return out
}

// All returns every registered adapter keyed by slug.
func (r *Registry) All() map[string]Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Adapter, len(r.adapters))
	for s, a := range r.adapters {
		out[s] = a
	}
	return out
}

// SetTimeout installs a per-provider deadline override. Slow inference
// providers get a longer budget than the default.
func (r *Registry) SetTimeout(slug string, d time.Duration) {
	if d <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts[slug] = d
}

// Timeout returns the per-attempt deadline for a provider.
func (r *Registry) Timeout(slug string) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if d, ok := r.timeouts[slug]; ok {
		return d
	}
	return DefaultTimeout
}
