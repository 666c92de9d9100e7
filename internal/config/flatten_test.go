package config

import (
	"testing"
)

func TestFlatten_Nested(t *testing.T) {
	m := map[string]any{
		"engine": map[string]any{
			"logLevel": "info",
			"dataDir":  "/tmp/scout",
		},
		"version": 1.0,
	}
	got := Flatten(m)
	if got["engine.logLevel"] != "info" {
		t.Errorf("expected engine.logLevel=info, got %v", got["engine.logLevel"])
	}
	if got["engine.dataDir"] != "/tmp/scout" {
		t.Errorf("expected engine.dataDir=/tmp/scout, got %v", got["engine.dataDir"])
	}
	if got["version"] != 1.0 {
		t.Errorf("expected version=1, got %v", got["version"])
	}
	if len(got) != 3 {
		t.Errorf("expected 3 keys, got %d", len(got))
	}
}

func TestFlatten_Arrays(t *testing.T) {
	m := map[string]any{
		"plugins": []any{
			map[string]any{"instanceId": "telegram", "settings": map[string]any{"token": "123:abc"}},
			map[string]any{"instanceId": "openai"},
		},
	}
	got := Flatten(m)
	if got["plugins.0.instanceId"] != "telegram" {
		t.Errorf("expected plugins.0.instanceId=telegram, got %v", got["plugins.0.instanceId"])
	}
	if got["plugins.0.settings.token"] != "123:abc" {
		t.Errorf("expected plugins.0.settings.token, got %v", got["plugins.0.settings.token"])
	}
	if got["plugins.1.instanceId"] != "openai" {
		t.Errorf("expected plugins.1.instanceId=openai, got %v", got["plugins.1.instanceId"])
	}
}

func TestFlatten_EmptyNestedMap(t *testing.T) {
	m := map[string]any{
		"a": map[string]any{},
		"b": []any{},
	}
	got := Flatten(m)
	if len(got) != 0 {
		t.Errorf("expected 0 keys (empty containers produce nothing), got %d", len(got))
	}
}

func TestUnflatten_Nested(t *testing.T) {
	flat := map[string]any{
		"engine.logLevel":   "debug",
		"assistant.name":    "Scout",
		"assistant.enabled": true,
	}
	got := Unflatten(flat)
	engine, ok := got["engine"].(map[string]any)
	if !ok {
		t.Fatalf("expected engine to be map, got %T", got["engine"])
	}
	if engine["logLevel"] != "debug" {
		t.Errorf("expected engine.logLevel=debug, got %v", engine["logLevel"])
	}
	assistant := got["assistant"].(map[string]any)
	if assistant["name"] != "Scout" || assistant["enabled"] != true {
		t.Errorf("unexpected assistant map: %v", assistant)
	}
}

func TestRoundTrip_FlattenUnflatten(t *testing.T) {
	original := map[string]any{
		"engine": map[string]any{
			"dataDir":  "/home/test/.scout",
			"logLevel": "debug",
		},
		"assistant": map[string]any{
			"name": "Scout",
		},
	}

	restored := Unflatten(Flatten(original))

	engine := restored["engine"].(map[string]any)
	if engine["dataDir"] != "/home/test/.scout" {
		t.Errorf("engine.dataDir mismatch: %v", engine["dataDir"])
	}
	if engine["logLevel"] != "debug" {
		t.Errorf("engine.logLevel mismatch: %v", engine["logLevel"])
	}
	if restored["assistant"].(map[string]any)["name"] != "Scout" {
		t.Errorf("assistant.name mismatch: %v", restored["assistant"])
	}
}

func TestIsSecretKey(t *testing.T) {
	secrets := []string{
		"plugins.0.settings.token",
		"plugins.1.settings.apiKey",
		"plugins.1.settings.api_key",
		"x.clientSecret",
		"db.password",
	}
	for _, key := range secrets {
		if !IsSecretKey(key) {
			t.Errorf("expected %s to be secret", key)
		}
	}
	plain := []string{"engine.logLevel", "engine.contextTokens", "plugins.0.pluginId", "inference.providers.0.model"}
	for _, key := range plain {
		if IsSecretKey(key) {
			t.Errorf("expected %s not to be secret", key)
		}
	}
}

func TestMaskSecrets(t *testing.T) {
	flat := map[string]any{
		"plugins.0.pluginId":        "telegram",
		"plugins.0.settings.token":  "123456:ABCdefGHIjkl",
		"plugins.1.settings.apiKey": "sk-test123456",
		"engine.logLevel":           "info",
	}
	got := MaskSecrets(flat)

	if got["plugins.0.pluginId"] != "telegram" {
		t.Errorf("expected pluginId unchanged, got %v", got["plugins.0.pluginId"])
	}
	if got["engine.logLevel"] != "info" {
		t.Errorf("expected engine.logLevel=info, got %v", got["engine.logLevel"])
	}
	if got["plugins.0.settings.token"] != "***Ijkl" {
		t.Errorf("expected token=***Ijkl, got %v", got["plugins.0.settings.token"])
	}
	if got["plugins.1.settings.apiKey"] != "***3456" {
		t.Errorf("expected apiKey=***3456, got %v", got["plugins.1.settings.apiKey"])
	}
}

func TestMaskSecrets_EmptySecret(t *testing.T) {
	got := MaskSecrets(map[string]any{"x.token": ""})
	if got["x.token"] != "" {
		t.Errorf("expected empty string to remain empty, got %v", got["x.token"])
	}
}

func TestMaskSecrets_ShortSecret(t *testing.T) {
	got := MaskSecrets(map[string]any{"x.token": "ab", "y.token": "abcd"})
	if got["x.token"] != "***ab" {
		t.Errorf("expected ***ab for short secret, got %v", got["x.token"])
	}
	if got["y.token"] != "***abcd" {
		t.Errorf("expected ***abcd for 4-char secret, got %v", got["y.token"])
	}
}

func TestParseValue(t *testing.T) {
	if v := ParseValue("16"); v != float64(16) {
		t.Errorf("expected 16, got %v (%T)", v, v)
	}
	if v := ParseValue("true"); v != true {
		t.Errorf("expected true, got %v (%T)", v, v)
	}
	if v := ParseValue("gpt-4o"); v != "gpt-4o" {
		t.Errorf("expected string, got %v (%T)", v, v)
	}
	if v, ok := ParseValue(`{"a":1}`).(map[string]any); !ok || v["a"] != float64(1) {
		t.Errorf("expected object, got %v", v)
	}
}
