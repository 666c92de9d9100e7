package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/user/scout/internal/cron"
	"github.com/user/scout/internal/inference"
	"github.com/user/scout/internal/types"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "settings.json")
}

func writeTestConfig(t *testing.T, path string, s *Settings) {
	t.Helper()
	if err := Save(path, s); err != nil {
		t.Fatalf("failed to write test settings: %v", err)
	}
}

func sampleSettings() *Settings {
	return &Settings{
		Engine: EngineSettings{
			DataDir:       "/tmp/test-data",
			LogLevel:      "debug",
			MaxConcurrent: 8,
		},
		Assistant: AssistantSettings{Name: "Pip", SystemPrompt: "Be brief."},
		Plugins: []PluginInstance{
			{InstanceID: "telegram", PluginID: "telegram", Settings: map[string]any{"token": "123:abc"}},
			{InstanceID: "openai", PluginID: "openai", Enabled: types.Ptr(false)},
		},
		Inference: InferenceSettings{Providers: []inference.ProviderConfig{
			{ID: "openai", Model: "gpt-4o-mini"},
		}},
		Cron: CronSettings{Tasks: []cron.Task{
			{ID: "daily", EveryMs: 86400000, Message: types.Ptr("good morning"), ChannelID: "42"},
		}},
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)
	original := sampleSettings()
	writeTestConfig(t, path, original)

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.Engine.DataDir != original.Engine.DataDir {
		t.Errorf("DataDir mismatch: %v != %v", loaded.Engine.DataDir, original.Engine.DataDir)
	}
	if loaded.Engine.LogLevel != "debug" {
		t.Errorf("LogLevel mismatch: %v", loaded.Engine.LogLevel)
	}
	if loaded.Engine.MaxConcurrent != 8 {
		t.Errorf("MaxConcurrent mismatch: %v", loaded.Engine.MaxConcurrent)
	}
	if loaded.Engine.SocketPath != filepath.Join("/tmp/test-data", SocketName) {
		t.Errorf("SocketPath should default under the data dir, got %v", loaded.Engine.SocketPath)
	}
	if loaded.Assistant.Name != "Pip" {
		t.Errorf("Assistant.Name mismatch: %v", loaded.Assistant.Name)
	}
	if len(loaded.Plugins) != 2 || loaded.Plugins[0].Settings["token"] != "123:abc" {
		t.Errorf("Plugins mismatch: %+v", loaded.Plugins)
	}
	if len(loaded.Inference.Providers) != 1 || loaded.Inference.Providers[0].Model != "gpt-4o-mini" {
		t.Errorf("Providers mismatch: %+v", loaded.Inference.Providers)
	}
	if len(loaded.Cron.Tasks) != 1 || *loaded.Cron.Tasks[0].Message != "good morning" {
		t.Errorf("Cron tasks mismatch: %+v", loaded.Cron.Tasks)
	}
}

func TestSave_FileMode(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, sampleSettings())

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not remain after Save")
	}
}

func TestLoad_WritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "settings.json")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Engine.LogLevel != DefaultLogLevel {
		t.Errorf("expected default log level, got %v", s.Engine.LogLevel)
	}
	if s.Engine.MaxConcurrent != DefaultMaxConcurrent {
		t.Errorf("expected default max concurrent, got %v", s.Engine.MaxConcurrent)
	}
	if s.Assistant.Name != DefaultAssistantName {
		t.Errorf("expected default assistant name, got %v", s.Assistant.Name)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("defaults file should exist: %v", err)
	}
}

func TestLoad_JSONWithComments(t *testing.T) {
	path := tempConfigPath(t)
	content := `{
  // engine tuning
  "engine": {"logLevel": "warn", "maxConcurrent": 2},
  "plugins": [
    {"pluginId": "shell"}, /* instance id defaults to plugin id */
  ],
}
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Engine.LogLevel != "warn" || s.Engine.MaxConcurrent != 2 {
		t.Errorf("engine mismatch: %+v", s.Engine)
	}
	if len(s.Plugins) != 1 || s.Plugins[0].InstanceID != "shell" {
		t.Errorf("plugins mismatch: %+v", s.Plugins)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `engine:
  logLevel: debug
plugins:
  - instanceId: tg-main
    pluginId: telegram
    settings:
      polling: true
inference:
  providers:
    - id: openai
      model: gpt-4o
cron:
  tasks:
    - everyMs: 60000
      message: hello
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Engine.LogLevel != "debug" {
		t.Errorf("LogLevel mismatch: %v", s.Engine.LogLevel)
	}
	if len(s.Plugins) != 1 || s.Plugins[0].InstanceID != "tg-main" || s.Plugins[0].Settings["polling"] != true {
		t.Errorf("plugins mismatch: %+v", s.Plugins)
	}
	if len(s.Inference.Providers) != 1 || s.Inference.Providers[0].Model != "gpt-4o" {
		t.Errorf("providers mismatch: %+v", s.Inference.Providers)
	}
	if len(s.Cron.Tasks) != 1 || s.Cron.Tasks[0].EveryMs != 60000 {
		t.Errorf("cron mismatch: %+v", s.Cron.Tasks)
	}

	if err := Save(path, s); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if strings.HasPrefix(strings.TrimSpace(string(data)), "{") {
		t.Errorf("yaml settings should be saved as yaml, got:\n%s", data)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, sampleSettings())

	t.Setenv("SCOUT_DATA_DIR", "/srv/scout")
	t.Setenv("SCOUT_LOG_LEVEL", "error")

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Engine.DataDir != "/srv/scout" {
		t.Errorf("expected env data dir, got %v", s.Engine.DataDir)
	}
	if s.Engine.LogLevel != "error" {
		t.Errorf("expected env log level, got %v", s.Engine.LogLevel)
	}
}

func TestEnabledPlugins(t *testing.T) {
	s := sampleSettings()
	enabled := s.EnabledPlugins()
	if len(enabled) != 1 || enabled[0].InstanceID != "telegram" {
		t.Errorf("expected only telegram enabled, got %+v", enabled)
	}
}

func TestUpsertAndRemovePlugin(t *testing.T) {
	s := sampleSettings()
	s.UpsertPlugin(PluginInstance{InstanceID: "telegram", PluginID: "telegram", Settings: map[string]any{"token": "new"}})
	if len(s.Plugins) != 2 {
		t.Fatalf("upsert should replace, got %d plugins", len(s.Plugins))
	}
	if s.Plugins[1].InstanceID != "telegram" || s.Plugins[1].Settings["token"] != "new" {
		t.Errorf("replaced entry should move to the end: %+v", s.Plugins)
	}

	if !s.RemovePlugin("openai") {
		t.Error("expected openai to be removed")
	}
	if s.RemovePlugin("openai") {
		t.Error("second remove should report false")
	}
	if _, ok := s.Plugin("openai"); ok {
		t.Error("openai should be gone")
	}
}

func TestUpdate(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, sampleSettings())

	updated, err := Update(path, func(s *Settings) error {
		s.UpsertPlugin(PluginInstance{InstanceID: "web", PluginID: "web-fetch"})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := updated.Plugin("web"); !ok {
		t.Fatal("updated settings should contain web")
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.Plugins) != 3 {
		t.Errorf("expected 3 plugins on disk, got %d", len(reloaded.Plugins))
	}
}

func TestClone_Independent(t *testing.T) {
	s := sampleSettings()
	c := s.Clone()
	c.Plugins[0].Settings["token"] = "changed"
	c.Engine.LogLevel = "error"

	if s.Plugins[0].Settings["token"] != "123:abc" {
		t.Error("clone shares plugin settings with the original")
	}
	if s.Engine.LogLevel != "debug" {
		t.Error("clone shares engine settings with the original")
	}
}

func TestListValues_WithMask(t *testing.T) {
	flat, err := ListValues(sampleSettings(), true)
	if err != nil {
		t.Fatalf("ListValues failed: %v", err)
	}
	if flat["plugins.0.settings.token"] != "***:abc" {
		t.Errorf("expected masked token, got %v", flat["plugins.0.settings.token"])
	}
	if flat["engine.logLevel"] != "debug" {
		t.Errorf("expected engine.logLevel=debug, got %v", flat["engine.logLevel"])
	}

	flat, err = ListValues(sampleSettings(), false)
	if err != nil {
		t.Fatal(err)
	}
	if flat["plugins.0.settings.token"] != "123:abc" {
		t.Errorf("expected unmasked token, got %v", flat["plugins.0.settings.token"])
	}
}

func TestGetValue_ExistingKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, sampleSettings())

	v, err := GetValue(path, "engine.logLevel")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "debug" {
		t.Errorf("expected debug, got %v", v)
	}

	v, err = GetValue(path, "plugins.0.pluginId")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	if v != "telegram" {
		t.Errorf("expected telegram, got %v", v)
	}

	v, err = GetValue(path, "engine.maxConcurrent")
	if err != nil {
		t.Fatalf("GetValue failed: %v", err)
	}
	// JSON numbers are float64
	if v != float64(8) {
		t.Errorf("expected 8, got %v (%T)", v, v)
	}
}

func TestGetValue_UnknownKey(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, sampleSettings())

	_, err := GetValue(path, "nonexistent.key")
	if err == nil {
		t.Fatal("expected error for unknown key, got nil")
	}
	expected := "unknown config key: nonexistent.key"
	if err.Error() != expected {
		t.Errorf("expected error %q, got %q", expected, err.Error())
	}
}

func TestGetValue_NonexistentFile(t *testing.T) {
	path := tempConfigPath(t)

	v, err := GetValue(path, "engine.logLevel")
	if err != nil {
		t.Fatalf("GetValue on new settings failed: %v", err)
	}
	if v != "info" {
		t.Errorf("expected default info, got %v", v)
	}
}

func TestSetValue(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, sampleSettings())

	if err := SetValue(path, "engine.logLevel", "warn"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "engine.maxConcurrent", "16"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "plugins.1.enabled", "true"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}
	if err := SetValue(path, "custom.setting", "value"); err != nil {
		t.Fatalf("SetValue failed: %v", err)
	}

	s, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if s.Engine.LogLevel != "warn" || s.Engine.MaxConcurrent != 16 {
		t.Errorf("engine mismatch: %+v", s.Engine)
	}
	if !s.Plugins[1].IsEnabled() {
		t.Error("plugins.1 should be enabled")
	}
	v, err := GetValue(path, "custom.setting")
	if err != nil || v != "value" {
		t.Errorf("expected custom.setting preserved, got %v, %v", v, err)
	}
	if v, _ := GetValue(path, "plugins.0.settings.token"); v != "123:abc" {
		t.Errorf("other values should be preserved, got %v", v)
	}
}

func TestSetValue_IndexOutOfRange(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, sampleSettings())

	if err := SetValue(path, "plugins.9.enabled", "false"); err == nil {
		t.Fatal("expected error for missing array element")
	}
}

func TestSetValue_NonexistentFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "does-not-exist", "settings.json")
	if err := SetValue(path, "engine.logLevel", "debug"); err == nil {
		t.Fatal("expected error for nonexistent file, got nil")
	}
}
