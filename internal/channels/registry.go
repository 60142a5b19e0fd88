package channels

import (
	"fmt"
	"sync"
)

// Registry holds the active channel plugins. It is an explicit value passed
// by reference into the dispatcher and action runner, never a package-level
// global. Iteration order is registration order.
type Registry struct {
	mu      sync.RWMutex
	order   []string
	plugins map[string]*Plugin
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// Register adds a plugin. Duplicate ids and empty ids are errors.
func (r *Registry) Register(p *Plugin) error {
	if p == nil || p.ID == "" {
		return fmt.Errorf("registry: plugin must have an id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.ID]; exists {
		return fmt.Errorf("registry: channel %q already registered", p.ID)
	}
	r.plugins[p.ID] = p
	r.order = append(r.order, p.ID)
	return nil
}

// Get returns the plugin for a channel id.
func (r *Registry) Get(id string) (*Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[id]
	return p, ok
}

// IDs returns the registered channel ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}
