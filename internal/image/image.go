// Package image holds image-generation providers registered by plugins.
package image

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/internal/files"
	"github.com/user/scout/internal/types"
)

// Request describes an image to generate.
type Request struct {
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
	Count  int    `json:"count,omitempty"`
	Model  string `json:"model,omitempty"`
}

// Result lists the generated files, already saved to the file store.
type Result struct {
	Files []types.FileReference `json:"files"`
}

// Env is what a provider may use while generating.
type Env struct {
	Files  *files.Store
	Auth   *auth.Store
	Logger *slog.Logger
}

// Provider generates images.
type Provider interface {
	ID() string
	Label() string
	Generate(ctx context.Context, req Request, env Env) (*Result, error)
}

type registered struct {
	provider Provider
	pluginID string
}

// Registry maps provider ids to implementations with plugin ownership.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]registered
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]registered)}
}

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

// List returns providers sorted by id.
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
