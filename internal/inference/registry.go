package inference

import (
	"sort"
	"sync"
)

type registered struct {
	provider Provider
	pluginID string
}

// Registry maps provider ids to implementations, remembering which plugin
// registered each.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]registered)}
}

// Register adds or replaces a provider owned by pluginID.
func (r *Registry) Register(pluginID string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = registered{provider: p, pluginID: pluginID}
}

func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.providers, id)
}

// UnregisterByPlugin removes every provider owned by pluginID.
func (r *Registry) UnregisterByPlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, entry := range r.providers {
		if entry.pluginID == pluginID {
			delete(r.providers, id)
		}
	}
}

func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.providers[id]
	return entry.provider, ok
}

// List returns registered providers sorted by id.
func (r *Registry) List() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for _, entry := range r.providers {
		out = append(out, entry.provider)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
