package plugin

import (
	"context"
	"slices"
	"sync"

	"github.com/user/scout/internal/connector"
	"github.com/user/scout/internal/image"
	"github.com/user/scout/internal/inference"
	"github.com/user/scout/internal/tool"
)

// Registries are the capability maps plugins write into.
type Registries struct {
	Connectors *connector.Registry
	Inference  *inference.Registry
	Images     *image.Registry
	Tools      *tool.Resolver
}

// Registrar is scoped to one plugin instance. It remembers every id the
// instance registered so UnregisterAll removes exactly those.
type Registrar struct {
	instanceID string
	reg        Registries

	mu         sync.Mutex
	connectors []string
	providers  []string
	images     []string
	tools      []string
}

// NewRegistrar creates a registrar owned by instanceID.
func (r Registries) NewRegistrar(instanceID string) *Registrar {
	return &Registrar{instanceID: instanceID, reg: r}
}

// InstanceID returns the owning plugin instance.
func (r *Registrar) InstanceID() string {
	return r.instanceID
}

func (r *Registrar) RegisterConnector(id string, c connector.Connector) connector.Status {
	status := r.reg.Connectors.Register(id, c)
	if status == connector.StatusLoaded {
		r.mu.Lock()
		r.connectors = appendUnique(r.connectors, id)
		r.mu.Unlock()
	}
	return status
}

func (r *Registrar) UnregisterConnector(ctx context.Context, id string) connector.Status {
	r.mu.Lock()
	r.connectors = slices.DeleteFunc(r.connectors, func(s string) bool { return s == id })
	r.mu.Unlock()
	return r.reg.Connectors.Unregister(ctx, id, "unregister")
}

// ReportConnectorFatal forwards an unrecoverable connector failure to the
// engine.
func (r *Registrar) ReportConnectorFatal(id, reason string, err error) {
	r.reg.Connectors.ReportFatal(id, reason, err)
}

func (r *Registrar) RegisterInferenceProvider(p inference.Provider) {
	r.reg.Inference.Register(r.instanceID, p)
	r.mu.Lock()
	r.providers = appendUnique(r.providers, p.ID())
	r.mu.Unlock()
}

func (r *Registrar) UnregisterInferenceProvider(id string) {
	r.mu.Lock()
	r.providers = slices.DeleteFunc(r.providers, func(s string) bool { return s == id })
	r.mu.Unlock()
	r.reg.Inference.Unregister(id)
}

func (r *Registrar) RegisterImageProvider(p image.Provider) {
	r.reg.Images.Register(r.instanceID, p)
	r.mu.Lock()
	r.images = appendUnique(r.images, p.ID())
	r.mu.Unlock()
}

func (r *Registrar) UnregisterImageProvider(id string) {
	r.mu.Lock()
	r.images = slices.DeleteFunc(r.images, func(s string) bool { return s == id })
	r.mu.Unlock()
	r.reg.Images.Unregister(id)
}

func (r *Registrar) RegisterTool(t tool.Tool) error {
	if err := r.reg.Tools.Register(r.instanceID, t); err != nil {
		return err
	}
	r.mu.Lock()
	r.tools = appendUnique(r.tools, t.Name())
	r.mu.Unlock()
	return nil
}

func (r *Registrar) UnregisterTool(name string) {
	r.mu.Lock()
	r.tools = slices.DeleteFunc(r.tools, func(s string) bool { return s == name })
	r.mu.Unlock()
	r.reg.Tools.Unregister(name)
}

// UnregisterAll removes everything this registrar added: connectors first,
// then inference providers, image providers and tools.
func (r *Registrar) UnregisterAll(ctx context.Context) {
	r.mu.Lock()
	connectors, providers, images, tools := r.connectors, r.providers, r.images, r.tools
	r.connectors, r.providers, r.images, r.tools = nil, nil, nil, nil
	r.mu.Unlock()

	for _, id := range connectors {
		r.reg.Connectors.Unregister(ctx, id, "plugin-unload")
	}
	for _, id := range providers {
		r.reg.Inference.Unregister(id)
	}
	for _, id := range images {
		r.reg.Images.Unregister(id)
	}
	for _, name := range tools {
		r.reg.Tools.Unregister(name)
	}
}

// Registered reports how many capabilities of each kind are held.
func (r *Registrar) Registered() (connectors, providers, images, tools int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.connectors), len(r.providers), len(r.images), len(r.tools)
}

func appendUnique(list []string, id string) []string {
	if slices.Contains(list, id) {
		return list
	}
	return append(list, id)
}
