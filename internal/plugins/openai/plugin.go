// Package openai registers an OpenAI-compatible chat completions backend as
// an inference provider.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/user/scout/internal/inference"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/pkg/llm"
	llmopenai "github.com/user/scout/pkg/llm/openai"
)

// PluginID is the catalog id of the OpenAI provider.
const PluginID = "openai"

const (
	apiKeyKey    = "apiKey"
	defaultModel = "gpt-4o-mini"
)

// Settings is the per-instance configuration. Provider options in the
// inference list override these per entry.
type Settings struct {
	BaseURL     string  `json:"baseUrl"`
	Model       string  `json:"model"`
	MaxTokens   int     `json:"maxTokens"`
	Temperature float32 `json:"temperature"`
	Label       string  `json:"label"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"baseUrl": {"type": "string", "minLength": 1},
		"model": {"type": "string", "minLength": 1},
		"maxTokens": {"type": "integer", "minimum": 1},
		"temperature": {"type": "number", "minimum": 0, "maximum": 2},
		"label": {"type": "string"}
	},
	"additionalProperties": false
}`

// Module is the openai plugin definition.
var Module = plugin.Module{
	ID:          PluginID,
	Name:        "OpenAI",
	Description: "OpenAI-compatible chat completions provider.",
	Settings:    plugin.NewSchema[Settings](PluginID, settingsSchema),
	Create:      create,
	Onboarding:  onboard,
}

func onboard(_ context.Context, api *plugin.OnboardingAPI) (map[string]any, error) {
	key, err := api.Prompt.Input("OpenAI API key", "")
	if err != nil || key == nil {
		return nil, err
	}
	if *key == "" {
		api.Prompt.Note("An API key is required to continue.")
		return nil, nil
	}
	if err := api.Auth.Set(api.InstanceID, apiKeyKey, *key); err != nil {
		return nil, err
	}
	model, err := api.Prompt.Input("Default model", defaultModel)
	if err != nil || model == nil {
		return nil, err
	}
	return map[string]any{"model": *model}, nil
}

func create(api *plugin.API) (plugin.Instance, error) {
	settings, err := plugin.SettingsAs[Settings](api)
	if err != nil {
		return nil, err
	}
	p := &Provider{id: api.Instance.InstanceID, settings: settings}
	return plugin.Hooks{
		OnLoad: func(context.Context) error {
			api.Registrar.RegisterInferenceProvider(p)
			return nil
		},
		OnUnload: func(context.Context) error {
			api.Registrar.UnregisterInferenceProvider(p.id)
			return nil
		},
	}, nil
}

// Provider builds chat clients for one plugin instance. The API key is
// read from the auth store under the instance id on every NewClient call.
type Provider struct {
	id       string
	settings Settings
}

func (p *Provider) ID() string {
	return p.id
}

func (p *Provider) Label() string {
	if p.settings.Label != "" {
		return p.settings.Label
	}
	return "OpenAI"
}

// NewClient fails when no API key is stored so the router can fall back to
// the next provider.
func (p *Provider) NewClient(_ context.Context, opts inference.ClientOptions) (inference.Client, error) {
	if opts.Auth == nil {
		return nil, errors.New("auth store unavailable")
	}
	key, err := opts.Auth.Get(p.id, apiKeyKey)
	if err != nil {
		return nil, fmt.Errorf("read api key: %w", err)
	}
	if key == "" {
		return nil, fmt.Errorf("missing %s apiKey in auth store", p.id)
	}

	cfg := &llm.Config{
		BaseURL:     p.settings.BaseURL,
		APIKey:      key,
		Model:       firstNonEmpty(opts.Model, p.settings.Model, defaultModel),
		MaxTokens:   p.settings.MaxTokens,
		Temperature: p.settings.Temperature,
	}
	if v, ok := opts.Options["baseUrl"].(string); ok && v != "" {
		cfg.BaseURL = v
	}
	if v, ok := number(opts.Options["maxTokens"]); ok && v > 0 {
		cfg.MaxTokens = int(v)
	}
	if v, ok := number(opts.Options["temperature"]); ok {
		cfg.Temperature = float32(v)
	}
	return &inference.LLMClient{Model: cfg.Model, Provider: llmopenai.New(cfg)}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// number accepts the numeric types JSON and YAML decoding produce.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
