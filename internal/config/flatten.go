package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/user/scout/internal/fsutil"
)

// secretSuffixes marks keys whose values should be masked, matched
// case-insensitively against the last key segment.
var secretSuffixes = []string{"token", "apikey", "api_key", "secret", "password"}

// IsSecretKey returns true if the given dot-separated key is a secret.
func IsSecretKey(key string) bool {
	last := key
	if i := strings.LastIndex(key, "."); i >= 0 {
		last = key[i+1:]
	}
	last = strings.ToLower(last)
	for _, suffix := range secretSuffixes {
		if strings.HasSuffix(last, suffix) {
			return true
		}
	}
	return false
}

// Flatten converts a nested map into a flat map with dot-separated keys.
// Array elements are keyed by index, so {"plugins": [{"pluginId": "x"}]}
// becomes {"plugins.0.pluginId": "x"}.
func Flatten(m map[string]any) map[string]any {
	out := make(map[string]any)
	flatten("", m, out)
	return out
}

func flatten(prefix string, v any, out map[string]any) {
	switch node := v.(type) {
	case map[string]any:
		for k, child := range node {
			flatten(joinKey(prefix, k), child, out)
		}
	case []any:
		for i, child := range node {
			flatten(joinKey(prefix, strconv.Itoa(i)), child, out)
		}
	default:
		out[prefix] = v
	}
}

func joinKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Unflatten converts a flat map with dot-separated keys back into a nested map.
// For example, {"engine.logLevel": "info"} becomes {"engine": {"logLevel": "info"}}.
func Unflatten(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range flat {
		parts := strings.Split(k, ".")
		current := out
		for i, part := range parts {
			if i == len(parts)-1 {
				current[part] = v
			} else {
				next, ok := current[part]
				if !ok {
					next = make(map[string]any)
					current[part] = next
				}
				m, ok := next.(map[string]any)
				if !ok {
					m = make(map[string]any)
					current[part] = m
				}
				current = m
			}
		}
	}
	return out
}

// MaskSecrets returns a copy of the flat map with secret values masked as
// "***xxxx" where xxxx is the last 4 characters of the value. Empty values
// are left empty.
func MaskSecrets(flat map[string]any) map[string]any {
	out := make(map[string]any, len(flat))
	for k, v := range flat {
		s, ok := v.(string)
		if !IsSecretKey(k) || !ok || s == "" {
			out[k] = v
			continue
		}
		if len(s) <= 4 {
			out[k] = "***" + s
		} else {
			out[k] = "***" + s[len(s)-4:]
		}
	}
	return out
}

// ToMap converts settings to the generic map form their JSON encoding has.
func ToMap(s *Settings) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", err)
	}
	return m, nil
}

// ListValues flattens settings, masking secrets when mask is set.
func ListValues(s *Settings, mask bool) (map[string]any, error) {
	m, err := ToMap(s)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue reads one dot-separated key from the settings file, creating
// the file with defaults if needed. Keys the engine does not know about are
// still readable.
func GetValue(path, key string) (any, error) {
	if _, err := Load(path); err != nil {
		return nil, err
	}
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	v, ok := lookup(raw, strings.Split(key, "."))
	if !ok {
		return nil, fmt.Errorf("unknown config key: %s", key)
	}
	return v, nil
}

// SetValue writes one dot-separated key into an existing settings file.
// The value is decoded as JSON when it parses (numbers, booleans, objects)
// and stored as a string otherwise. Unknown keys are preserved.
func SetValue(path, key, value string) error {
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	if err := assign(raw, strings.Split(key, "."), ParseValue(value)); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	data, err := encode(path, raw)
	if err != nil {
		return err
	}
	return writeRaw(path, data)
}

// ParseValue interprets a command-line value.
func ParseValue(value string) any {
	var v any
	if err := json.Unmarshal([]byte(value), &v); err == nil {
		return v
	}
	return value
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings: %w", err)
	}
	raw := make(map[string]any)
	if err := decode(path, data, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func writeRaw(path string, data []byte) error {
	if err := fsutil.WriteFileAtomic(path, data, 0o600); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

func lookup(node any, parts []string) (any, bool) {
	if len(parts) == 0 {
		return node, true
	}
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[parts[0]]
		if !ok {
			return nil, false
		}
		return lookup(child, parts[1:])
	case []any:
		i, err := strconv.Atoi(parts[0])
		if err != nil || i < 0 || i >= len(n) {
			return nil, false
		}
		return lookup(n[i], parts[1:])
	default:
		return nil, false
	}
}

func assign(node map[string]any, parts []string, value any) error {
	head := parts[0]
	if len(parts) == 1 {
		node[head] = value
		return nil
	}
	switch child := node[head].(type) {
	case map[string]any:
		return assign(child, parts[1:], value)
	case []any:
		i, err := strconv.Atoi(parts[1])
		if err != nil || i < 0 || i >= len(child) {
			return fmt.Errorf("index %q out of range", parts[1])
		}
		if len(parts) == 2 {
			child[i] = value
			return nil
		}
		elem, ok := child[i].(map[string]any)
		if !ok {
			return fmt.Errorf("element %d is not an object", i)
		}
		return assign(elem, parts[2:], value)
	default:
		next := make(map[string]any)
		node[head] = next
		return assign(next, parts[1:], value)
	}
}
