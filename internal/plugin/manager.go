package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/internal/config"
	"github.com/user/scout/internal/events"
	"github.com/user/scout/internal/files"
)

type ManagerOptions struct {
	Catalog      Catalog
	Registries   Registries
	Auth         *auth.Store
	Files        *files.Store
	DataDir      string
	Events       *events.PluginQueue
	EngineEvents *events.Bus
	Mode         Mode
	Logger       *slog.Logger
}

type loadedPlugin struct {
	config    config.PluginInstance
	module    Module
	instance  Instance
	registrar *Registrar
	dataDir   string
	loadedAt  time.Time
}

// LoadedInfo is a listing entry for a running instance.
type LoadedInfo struct {
	InstanceID string    `json:"instanceId"`
	PluginID   string    `json:"pluginId"`
	DataDir    string    `json:"dataDir"`
	LoadedAt   time.Time `json:"loadedAt"`
}

// Manager owns the set of loaded plugin instances. Lifecycle operations
// are serialized.
type Manager struct {
	opts   ManagerOptions
	logger *slog.Logger

	mu       sync.Mutex
	loaded   map[string]*loadedPlugin
	order    []string
	settings *config.Settings
}

func NewManager(opts ManagerOptions) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Mode == "" {
		opts.Mode = ModeRuntime
	}
	return &Manager{
		opts:     opts,
		logger:   logger.With("component", "plugins.manager"),
		loaded:   make(map[string]*loadedPlugin),
		settings: &config.Settings{},
	}
}

// Load creates and starts one instance. Loading an instance id that is
// already loaded does nothing. If the load hook fails, everything the
// instance registered before failing is removed and the instance is not
// recorded as loaded.
func (m *Manager) Load(ctx context.Context, cfg config.PluginInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(ctx, cfg)
}

// Unload stops one instance. Its registrations are removed even when the
// unload hook fails; the hook error is still returned.
func (m *Manager) Unload(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.unloadLocked(ctx, instanceID)
}

// SyncWithSettings reconciles loaded instances with the enabled instances
// in s. Instances that disappeared, changed plugin id or changed settings
// are unloaded; new ones are loaded; unchanged ones only get their stored
// config replaced.
func (m *Manager) SyncWithSettings(ctx context.Context, s *config.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = s
	desired := s.EnabledPlugins()
	desiredByID := make(map[string]config.PluginInstance, len(desired))
	for _, p := range desired {
		desiredByID[p.InstanceID] = p
	}

	var errs []error
	for _, id := range append([]string(nil), m.order...) {
		entry := m.loaded[id]
		next, ok := desiredByID[id]
		if !ok {
			m.logger.Info("unloading plugin (disabled)", "instance", id)
			if err := m.unloadLocked(ctx, id); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if next.PluginID != entry.config.PluginID || !settingsEqual(next.Settings, entry.config.Settings) {
			m.logger.Info("reloading plugin (settings changed)", "instance", id, "plugin", entry.config.PluginID)
			if err := m.unloadLocked(ctx, id); err != nil {
				errs = append(errs, err)
			}
		}
	}

	for _, p := range desired {
		if entry, ok := m.loaded[p.InstanceID]; ok {
			entry.config = p
			continue
		}
		if err := m.loadLocked(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LoadEnabled loads every enabled instance in configured order. A failing
// instance does not stop the others; all failures are returned together.
func (m *Manager) LoadEnabled(ctx context.Context, s *config.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.settings = s
	var errs []error
	for _, p := range s.EnabledPlugins() {
		if err := m.loadLocked(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UnloadAll unloads every instance in load order.
func (m *Manager) UnloadAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, id := range append([]string(nil), m.order...) {
		if err := m.unloadLocked(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// UpdateSettings replaces the engine settings handed to instances loaded
// from now on.
func (m *Manager) UpdateSettings(s *config.Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings = s
}

// Validate parses cfg's settings against its module schema without
// creating an instance.
func (m *Manager) Validate(cfg config.PluginInstance) error {
	module, ok := m.opts.Catalog[cfg.PluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, cfg.PluginID)
	}
	_, err := parseSettings(module, cfg)
	return err
}

// ListLoaded returns running instances in load order.
func (m *Manager) ListLoaded() []LoadedInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LoadedInfo, 0, len(m.order))
	for _, id := range m.order {
		entry := m.loaded[id]
		out = append(out, LoadedInfo{
			InstanceID: id,
			PluginID:   entry.config.PluginID,
			DataDir:    entry.dataDir,
			LoadedAt:   entry.loadedAt,
		})
	}
	return out
}

// ListAvailable returns the catalog sorted by id.
func (m *Manager) ListAvailable() []ModuleInfo {
	return m.opts.Catalog.List()
}

// IsLoaded reports whether instanceID is running.
func (m *Manager) IsLoaded(instanceID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loaded[instanceID]
	return ok
}

// Config returns the stored config of a running instance.
func (m *Manager) Config(instanceID string) (config.PluginInstance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.loaded[instanceID]
	if !ok {
		return config.PluginInstance{}, false
	}
	return entry.config, true
}

func (m *Manager) loadLocked(ctx context.Context, cfg config.PluginInstance) error {
	if _, ok := m.loaded[cfg.InstanceID]; ok {
		return nil
	}
	module, ok := m.opts.Catalog[cfg.PluginID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlugin, cfg.PluginID)
	}

	settings, err := parseSettings(module, cfg)
	if err != nil {
		return err
	}

	dataDir := filepath.Join(m.opts.DataDir, "plugins", cfg.InstanceID)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create plugin dir %s: %w", cfg.InstanceID, err)
	}

	registrar := m.opts.Registries.NewRegistrar(cfg.InstanceID)
	source := events.Source{PluginID: cfg.PluginID, InstanceID: cfg.InstanceID}
	api := &API{
		Instance:       cfg,
		Settings:       settings,
		EngineSettings: m.settings,
		Logger:         slog.Default().With("component", "plugin."+cfg.InstanceID),
		Auth:           m.opts.Auth,
		DataDir:        dataDir,
		Registrar:      registrar,
		Files:          m.opts.Files,
		Mode:           m.opts.Mode,
		EngineEvents:   m.opts.EngineEvents,
	}
	api.emit = func(in events.PluginEventInput) {
		if m.opts.Events != nil {
			m.opts.Events.Emit(source, in)
		}
	}

	instance, err := startInstance(ctx, module, api)
	if err != nil {
		registrar.UnregisterAll(ctx)
		return err
	}

	m.loaded[cfg.InstanceID] = &loadedPlugin{
		config:    cfg,
		module:    module,
		instance:  instance,
		registrar: registrar,
		dataDir:   dataDir,
		loadedAt:  time.Now(),
	}
	m.order = append(m.order, cfg.InstanceID)
	m.logger.Info("plugin loaded", "instance", cfg.InstanceID, "plugin", cfg.PluginID)
	m.opts.EngineEvents.Emit(events.TypePluginLoaded, map[string]string{
		"instanceId": cfg.InstanceID,
		"pluginId":   cfg.PluginID,
	})
	return nil
}

// startInstance runs the module's Create and Load hooks, turning a panic
// in either into an error.
func startInstance(ctx context.Context, module Module, api *API) (instance Instance, err error) {
	stage := "create"
	defer func() {
		if p := recover(); p != nil {
			instance = nil
			err = fmt.Errorf("%s plugin %s: panic: %v", stage, api.Instance.InstanceID, p)
		}
	}()

	instance, err = module.Create(api)
	if err != nil {
		return nil, fmt.Errorf("create plugin %s: %w", api.Instance.InstanceID, err)
	}
	stage = "load"
	if err := instance.Load(ctx); err != nil {
		return nil, fmt.Errorf("load plugin %s: %w", api.Instance.InstanceID, err)
	}
	return instance, nil
}

func (m *Manager) unloadLocked(ctx context.Context, instanceID string) (err error) {
	entry, ok := m.loaded[instanceID]
	if !ok {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("unload plugin %s: panic: %v", instanceID, p)
		}
		entry.registrar.UnregisterAll(ctx)
		delete(m.loaded, instanceID)
		m.removeOrder(instanceID)
		m.logger.Info("plugin unloaded", "instance", instanceID, "plugin", entry.config.PluginID)
		m.opts.EngineEvents.Emit(events.TypePluginUnloaded, map[string]string{
			"instanceId": instanceID,
			"pluginId":   entry.config.PluginID,
		})
	}()

	if err := entry.instance.Unload(ctx); err != nil {
		return fmt.Errorf("unload plugin %s: %w", instanceID, err)
	}
	return nil
}

func (m *Manager) removeOrder(instanceID string) {
	for i, id := range m.order {
		if id == instanceID {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func parseSettings(module Module, cfg config.PluginInstance) (any, error) {
	if module.Settings == nil {
		return cfg.Settings, nil
	}
	settings, err := module.Settings.Parse(cfg.Settings)
	if err != nil {
		return nil, &ValidationError{PluginID: cfg.PluginID, InstanceID: cfg.InstanceID, Err: err}
	}
	return settings, nil
}

// settingsEqual compares settings by their JSON encoding; nil and empty
// are the same.
func settingsEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}

