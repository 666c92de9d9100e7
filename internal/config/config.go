// Package config reads and writes the engine settings file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/user/scout/internal/cron"
	"github.com/user/scout/internal/fsutil"
	"github.com/user/scout/internal/inference"
)

const (
	DefaultLogLevel      = "info"
	DefaultMaxConcurrent = 4
	DefaultContextTokens = 128000
	DefaultAssistantName = "Scout"
	SocketName           = "scout.sock"
)

// PluginInstance is one configured plugin. Several instances may share a
// plugin id; the instance id is what the engine keys them by.
type PluginInstance struct {
	InstanceID string         `json:"instanceId" yaml:"instanceId"`
	PluginID   string         `json:"pluginId" yaml:"pluginId"`
	Enabled    *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Settings   map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// IsEnabled reports whether the instance should be loaded. Instances are
// enabled unless explicitly disabled.
func (p PluginInstance) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type EngineSettings struct {
	DataDir       string `json:"dataDir,omitempty" yaml:"dataDir,omitempty"`
	SocketPath    string `json:"socketPath,omitempty" yaml:"socketPath,omitempty"`
	LogLevel      string `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	MaxConcurrent int    `json:"maxConcurrent,omitempty" yaml:"maxConcurrent,omitempty"`
	ContextTokens int    `json:"contextTokens,omitempty" yaml:"contextTokens,omitempty"`
}

type AssistantSettings struct {
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
}

type InferenceSettings struct {
	Providers []inference.ProviderConfig `json:"providers,omitempty" yaml:"providers,omitempty"`
}

type CronSettings struct {
	Tasks []cron.Task `json:"tasks,omitempty" yaml:"tasks,omitempty"`
}

// Settings is the whole settings document.
type Settings struct {
	Engine    EngineSettings    `json:"engine" yaml:"engine"`
	Assistant AssistantSettings `json:"assistant,omitempty" yaml:"assistant,omitempty"`
	Plugins   []PluginInstance  `json:"plugins,omitempty" yaml:"plugins,omitempty"`
	Inference InferenceSettings `json:"inference,omitempty" yaml:"inference,omitempty"`
	Cron      CronSettings      `json:"cron,omitempty" yaml:"cron,omitempty"`
}

// DefaultDataDir is ~/.scout.
func DefaultDataDir() string {
	return filepath.Join(os.Getenv("HOME"), ".scout")
}

// DefaultPath is the settings file inside the default data dir.
func DefaultPath() string {
	return filepath.Join(DefaultDataDir(), "settings.json")
}

// Defaults returns the settings used when no file exists.
func Defaults() *Settings {
	return &Settings{
		Engine: EngineSettings{
			DataDir:       DefaultDataDir(),
			LogLevel:      DefaultLogLevel,
			MaxConcurrent: DefaultMaxConcurrent,
			ContextTokens: DefaultContextTokens,
		},
		Assistant: AssistantSettings{Name: DefaultAssistantName},
	}
}

// Load reads the settings file, writing defaults when it does not exist,
// then applies environment overrides (highest precedence).
func Load(path string) (*Settings, error) {
	s := Defaults()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, s); err != nil {
			return nil, err
		}
	} else if os.IsNotExist(err) {
		if err := writeDefaults(path, s); err != nil {
			return nil, err
		}
	}

	if dataDir := os.Getenv("SCOUT_DATA_DIR"); dataDir != "" {
		s.Engine.DataDir = dataDir
	}
	if level := os.Getenv("SCOUT_LOG_LEVEL"); level != "" {
		s.Engine.LogLevel = level
	}
	s.normalize()
	return s, nil
}

// Parse decodes settings from data, choosing YAML or JSON (comments
// allowed) by the extension of path.
func Parse(path string, data []byte) (*Settings, error) {
	s := Defaults()
	if err := decode(path, data, s); err != nil {
		return nil, err
	}
	s.normalize()
	return s, nil
}

// Save writes settings atomically. The file may hold plugin settings, so
// it is only readable by the owner.
func Save(path string, s *Settings) error {
	data, err := encode(path, s)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

// Update loads the file, applies fn and saves the result.
func Update(path string, fn func(*Settings) error) (*Settings, error) {
	s := Defaults()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(path, data, s); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	if err := Save(path, s); err != nil {
		return nil, err
	}
	s.normalize()
	return s, nil
}

// Clone returns a deep copy. Running components hold the old value while
// the engine swaps in the new one.
func (s *Settings) Clone() *Settings {
	data, err := json.Marshal(s)
	if err != nil {
		panic(fmt.Sprintf("clone settings: %v", err))
	}
	out := &Settings{}
	if err := json.Unmarshal(data, out); err != nil {
		panic(fmt.Sprintf("clone settings: %v", err))
	}
	return out
}

// EnabledPlugins returns the plugin instances not explicitly disabled, in
// configured order.
func (s *Settings) EnabledPlugins() []PluginInstance {
	out := make([]PluginInstance, 0, len(s.Plugins))
	for _, p := range s.Plugins {
		if p.IsEnabled() {
			out = append(out, p)
		}
	}
	return out
}

// Plugin returns the configured instance with the given id.
func (s *Settings) Plugin(instanceID string) (PluginInstance, bool) {
	for _, p := range s.Plugins {
		if p.InstanceID == instanceID {
			return p, true
		}
	}
	return PluginInstance{}, false
}

// UpsertPlugin replaces the instance with the same id, or appends it.
// A replaced instance moves to the end of the list.
func (s *Settings) UpsertPlugin(entry PluginInstance) {
	s.RemovePlugin(entry.InstanceID)
	s.Plugins = append(s.Plugins, entry)
}

// RemovePlugin drops the instance with the given id and reports whether
// it was present.
func (s *Settings) RemovePlugin(instanceID string) bool {
	out := s.Plugins[:0]
	removed := false
	for _, p := range s.Plugins {
		if p.InstanceID == instanceID {
			removed = true
			continue
		}
		out = append(out, p)
	}
	s.Plugins = out
	return removed
}

func (s *Settings) normalize() {
	if s.Engine.DataDir == "" {
		s.Engine.DataDir = DefaultDataDir()
	}
	if s.Engine.SocketPath == "" {
		s.Engine.SocketPath = filepath.Join(s.Engine.DataDir, SocketName)
	}
	if s.Engine.LogLevel == "" {
		s.Engine.LogLevel = DefaultLogLevel
	}
	if s.Engine.MaxConcurrent <= 0 {
		s.Engine.MaxConcurrent = DefaultMaxConcurrent
	}
	if s.Engine.ContextTokens < 0 {
		s.Engine.ContextTokens = 0
	}
	if s.Assistant.Name == "" {
		s.Assistant.Name = DefaultAssistantName
	}
	for i := range s.Plugins {
		if s.Plugins[i].InstanceID == "" {
			s.Plugins[i].InstanceID = s.Plugins[i].PluginID
		}
	}
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func decode(path string, data []byte, out any) error {
	if isYAML(path) {
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse settings %s: %w", path, err)
		}
		return nil
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := json.Unmarshal(jsonc.ToJSON(data), out); err != nil {
		return fmt.Errorf("parse settings %s: %w", path, err)
	}
	return nil
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		data, err := yaml.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal settings: %w", err)
		}
		return data, nil
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	return append(data, '\n'), nil
}

func writeDefaults(path string, s *Settings) error {
	data, err := encode(path, s)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("write default settings: %w", err)
	}
	return nil
}
