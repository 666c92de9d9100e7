// internal/connector/registry.go
package connector

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/user/scout/internal/types"
)

// Status is the outcome of a registry operation.
type Status string

const (
	StatusLoaded        Status = "loaded"
	StatusAlreadyLoaded Status = "already-loaded"
	StatusUnloaded      Status = "unloaded"
	StatusNotLoaded     Status = "not-loaded"
)

// Options wires the registry to the engine.
type Options struct {
	// OnMessage receives every inbound message tagged with its connector id.
	OnMessage func(source string, msg types.ConnectorMessage, mctx types.MessageContext)
	// OnFatal is told about unrecoverable connector failures.
	OnFatal func(source, reason string, err error)
	Logger  *slog.Logger
}

// ConnectorStatus is a listing entry.
type ConnectorStatus struct {
	ID       string    `json:"id"`
	LoadedAt time.Time `json:"loadedAt"`
}

type managed struct {
	connector   Connector
	unsubscribe func()
	loadedAt    time.Time
}

// Registry holds active connectors by id.
type Registry struct {
	opts   Options
	logger *slog.Logger

	mu    sync.RWMutex
	byID  map[string]*managed
	order []string
}

// NewRegistry creates an empty connector registry.
func NewRegistry(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "connectors.registry")
	}
	return &Registry{
		opts:   opts,
		logger: logger,
		byID:   make(map[string]*managed),
	}
}

// Register adds c under id and subscribes to its messages. Registering an
// id twice returns StatusAlreadyLoaded without subscribing again.
func (r *Registry) Register(id string, c Connector) Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		return StatusAlreadyLoaded
	}

	unsubscribe := c.OnMessage(func(msg types.ConnectorMessage, mctx types.MessageContext) {
		if r.opts.OnMessage != nil {
			r.opts.OnMessage(id, msg, mctx)
		}
	})
	r.byID[id] = &managed{connector: c, unsubscribe: unsubscribe, loadedAt: time.Now()}
	r.order = append(r.order, id)
	r.logger.Info("connector registered", "connector", id)
	return StatusLoaded
}

// Unregister unsubscribes from the connector, shuts it down and removes it.
// Shutdown errors are logged, not returned.
func (r *Registry) Unregister(ctx context.Context, id, reason string) Status {
	r.mu.Lock()
	entry, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return StatusNotLoaded
	}
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	r.mu.Unlock()

	if entry.unsubscribe != nil {
		entry.unsubscribe()
	}
	if s, ok := entry.connector.(Shutdowner); ok {
		if err := s.Shutdown(ctx, reason); err != nil {
			r.logger.Warn("connector shutdown failed", "connector", id, "error", err)
		}
	}
	r.logger.Info("connector unregistered", "connector", id, "reason", reason)
	return StatusUnloaded
}

// UnregisterAll removes every connector one at a time in registration order.
func (r *Registry) UnregisterAll(ctx context.Context, reason string) {
	for _, id := range r.List() {
		r.Unregister(ctx, id, reason)
	}
}

// Get returns the connector registered under id.
func (r *Registry) Get(id string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return entry.connector, true
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// List returns connector ids in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

func (r *Registry) ListStatus() []ConnectorStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConnectorStatus, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, ConnectorStatus{ID: id, LoadedAt: r.byID[id].loadedAt})
	}
	return out
}

// ReportFatal forwards an unrecoverable connector failure to OnFatal.
func (r *Registry) ReportFatal(id, reason string, err error) {
	r.logger.Error("connector reported fatal error", "connector", id, "reason", reason, "error", err)
	if r.opts.OnFatal != nil {
		r.opts.OnFatal(id, reason, err)
	}
}
