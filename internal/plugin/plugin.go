// Package plugin instantiates compiled-in plugin modules and keeps the
// loaded set in step with settings.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/internal/config"
	"github.com/user/scout/internal/events"
	"github.com/user/scout/internal/files"
	"github.com/user/scout/internal/schema"
)

// ErrUnknownPlugin is returned when a settings entry names a plugin id the
// catalog does not contain.
var ErrUnknownPlugin = errors.New("unknown plugin")

// Mode tells a plugin whether it is being run or only checked.
type Mode string

const (
	ModeRuntime  Mode = "runtime"
	ModeValidate Mode = "validate"
)

// Instance is what a module's Create returns. Load runs once after
// creation, Unload once before the instance is discarded.
type Instance interface {
	Load(ctx context.Context) error
	Unload(ctx context.Context) error
}

// Hooks adapts optional functions to Instance.
type Hooks struct {
	OnLoad   func(ctx context.Context) error
	OnUnload func(ctx context.Context) error
}

func (h Hooks) Load(ctx context.Context) error {
	if h.OnLoad == nil {
		return nil
	}
	return h.OnLoad(ctx)
}

func (h Hooks) Unload(ctx context.Context) error {
	if h.OnUnload == nil {
		return nil
	}
	return h.OnUnload(ctx)
}

// SettingsSchema turns an instance's raw settings map into the typed value
// the module expects.
type SettingsSchema interface {
	Parse(raw map[string]any) (any, error)
	JSONSchema() json.RawMessage
}

type typedSchema[T any] struct {
	raw    json.RawMessage
	schema *schema.Schema
}

// NewSchema validates settings against jsonSchema and decodes them into T.
// It panics if jsonSchema does not compile, so it belongs in package-level
// module definitions.
func NewSchema[T any](pluginID, jsonSchema string) SettingsSchema {
	return &typedSchema[T]{
		raw:    json.RawMessage(jsonSchema),
		schema: schema.MustCompile("plugin-"+pluginID, jsonSchema),
	}
}

func (s *typedSchema[T]) Parse(raw map[string]any) (any, error) {
	if raw == nil {
		raw = map[string]any{}
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	var out T
	if err := s.schema.Decode(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *typedSchema[T]) JSONSchema() json.RawMessage {
	return s.raw
}

// ValidationError reports settings rejected by a module's schema.
type ValidationError struct {
	PluginID   string
	InstanceID string
	Err        error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid settings for plugin %s (instance %s): %v", e.PluginID, e.InstanceID, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Onboarding runs interactive setup for a new instance. It is only used by
// setup tooling, never by the engine.
type Onboarding func(ctx context.Context, api *OnboardingAPI) (map[string]any, error)

// Prompter asks the operator for input during onboarding. A nil string
// result with a nil error means the operator cancelled.
type Prompter interface {
	Input(message, defaultValue string) (*string, error)
	Confirm(message string, defaultValue bool) (*bool, error)
	Note(message string)
}

type OnboardingAPI struct {
	InstanceID string
	PluginID   string
	Auth       *auth.Store
	Prompt     Prompter
}

// Module is one compiled-in plugin implementation.
type Module struct {
	ID          string
	Name        string
	Description string
	Settings    SettingsSchema
	Create      func(api *API) (Instance, error)
	Onboarding  Onboarding
}

// Catalog maps plugin ids to modules.
type Catalog map[string]Module

// NewCatalog indexes modules by id.
func NewCatalog(modules ...Module) Catalog {
	c := make(Catalog, len(modules))
	for _, m := range modules {
		c[m.ID] = m
	}
	return c
}

// ModuleInfo is a catalog listing entry.
type ModuleInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// List returns the catalog sorted by id.
func (c Catalog) List() []ModuleInfo {
	out := make([]ModuleInfo, 0, len(c))
	for _, m := range c {
		out = append(out, ModuleInfo{ID: m.ID, Name: m.Name, Description: m.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// API is everything a plugin instance may touch.
type API struct {
	Instance       config.PluginInstance
	Settings       any
	EngineSettings *config.Settings
	Logger         *slog.Logger
	Auth           *auth.Store
	DataDir        string
	Registrar      *Registrar
	Files          *files.Store
	Mode           Mode
	EngineEvents   *events.Bus

	emit func(events.PluginEventInput)
}

// Emit publishes a plugin event tagged with this instance.
func (a *API) Emit(in events.PluginEventInput) {
	if a.emit != nil {
		a.emit(in)
	}
}

// SettingsAs returns the parsed settings as T.
func SettingsAs[T any](api *API) (T, error) {
	v, ok := api.Settings.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("plugin %s: settings have type %T", api.Instance.InstanceID, api.Settings)
	}
	return v, nil
}
