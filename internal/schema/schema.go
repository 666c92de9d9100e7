// Package schema validates JSON documents against JSON Schema definitions
// declared by tools and plugins.
package schema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON Schema.
type Schema struct {
	name     string
	compiled *jsonschema.Schema
}

// Compile parses raw as a JSON Schema. name identifies the schema in
// error messages and must be unique per compile.
func Compile(name string, raw json.RawMessage) (*Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{"type":"object"}`)
	}
	compiled, err := jsonschema.CompileString(resourceName(name), string(raw))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, compiled: compiled}, nil
}

// MustCompile is Compile for schemas known at build time.
func MustCompile(name string, raw string) *Schema {
	s, err := Compile(name, json.RawMessage(raw))
	if err != nil {
		panic(err)
	}
	return s
}

func resourceName(name string) string {
	r := strings.NewReplacer("/", "_", " ", "_", ":", "_")
	return r.Replace(name) + ".schema.json"
}

// Validate checks a raw JSON document.
func (s *Schema) Validate(doc json.RawMessage) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return s.compiled.Validate(v)
}

// ValidateValue checks an already decoded value. The value is normalized
// through JSON first so YAML-decoded maps and Go integers validate the
// same way JSON input does.
func (s *Schema) ValidateValue(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	return s.Validate(data)
}

// Decode validates doc and unmarshals it into out.
func (s *Schema) Decode(doc json.RawMessage, out any) error {
	if err := s.Validate(doc); err != nil {
		return err
	}
	return json.Unmarshal(doc, out)
}
