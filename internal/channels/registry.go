package channels

import (
	"fmt"
	"sort"
	"sync"
)

// Registry owns the adapter set for the gateway's lifetime. It never retries
// on an adapter's behalf; adapter outcomes reach the caller verbatim.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]*Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]*Adapter)}
}

// Register adds an adapter. Registering a duplicate id or an invalid
// delivery mode is an error.
func (r *Registry) Register(a *Adapter) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("adapter id is required")
	}
	switch a.DeliveryMode {
	case DeliveryDirect, DeliveryGateway, DeliveryHybrid:
	default:
		return fmt.Errorf("adapter %s: invalid delivery mode %q", a.ID, a.DeliveryMode)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.ID]; exists {
		return fmt.Errorf("adapter %s already registered", a.ID)
	}
	r.adapters[a.ID] = a
	return nil
}

// Get returns the adapter for a channel id.
func (r *Registry) Get(channelID string) (*Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[channelID]
	return a, ok
}

// List returns all adapters sorted by id.
func (r *Registry) List() []*Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns the registered channel ids sorted.
func (r *Registry) IDs() []string {
	adapters := r.List()
	ids := make([]string, len(adapters))
	for i, a := range adapters {
		ids[i] = a.ID
	}
	return ids
}
