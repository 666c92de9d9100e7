// Package gptimage registers the OpenAI images API as an image provider.
package gptimage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/user/scout/internal/image"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/types"
	"github.com/user/scout/pkg/llm"
	llmopenai "github.com/user/scout/pkg/llm/openai"
)

// PluginID is the catalog id of the image provider.
const PluginID = "gpt-image"

const (
	apiKeyKey    = "apiKey"
	defaultModel = "gpt-image-1"
	defaultSize  = "1024x1024"
)

// Settings is the per-instance configuration. Model and quality pin every
// request; size is only a default.
type Settings struct {
	Model   string `json:"model"`
	Size    string `json:"size"`
	Quality string `json:"quality"`
	BaseURL string `json:"baseUrl"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"model": {"type": "string", "minLength": 1},
		"size": {"type": "string", "minLength": 1},
		"quality": {"enum": ["standard", "hd", "low", "medium", "high", "auto"]},
		"baseUrl": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// Module is the gpt-image plugin definition.
var Module = plugin.Module{
	ID:          PluginID,
	Name:        "GPT Image",
	Description: "OpenAI image generation provider.",
	Settings:    plugin.NewSchema[Settings](PluginID, settingsSchema),
	Create:      create,
	Onboarding:  onboard,
}

func onboard(_ context.Context, api *plugin.OnboardingAPI) (map[string]any, error) {
	key, err := api.Prompt.Input("OpenAI API key", "")
	if err != nil || key == nil || *key == "" {
		return nil, err
	}
	if err := api.Auth.Set(api.InstanceID, apiKeyKey, *key); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func create(api *plugin.API) (plugin.Instance, error) {
	settings, err := plugin.SettingsAs[Settings](api)
	if err != nil {
		return nil, err
	}
	p := &Provider{id: api.Instance.InstanceID, settings: settings, now: time.Now}
	return plugin.Hooks{
		OnLoad: func(context.Context) error {
			api.Registrar.RegisterImageProvider(p)
			return nil
		},
		OnUnload: func(context.Context) error {
			api.Registrar.UnregisterImageProvider(p.id)
			return nil
		},
	}, nil
}

// Provider generates PNG images and saves them to the file store.
type Provider struct {
	id       string
	settings Settings
	now      func() time.Time
}

func (p *Provider) ID() string    { return p.id }
func (p *Provider) Label() string { return p.id }

func (p *Provider) Generate(ctx context.Context, req image.Request, env image.Env) (*image.Result, error) {
	if env.Auth == nil || env.Files == nil {
		return nil, errors.New("image environment incomplete")
	}
	key, err := env.Auth.Get(p.id, apiKeyKey)
	if err != nil {
		return nil, fmt.Errorf("read api key: %w", err)
	}
	if key == "" {
		return nil, fmt.Errorf("missing %s apiKey in auth store", p.id)
	}

	model := p.settings.Model
	if model == "" {
		model = req.Model
	}
	if model == "" {
		model = defaultModel
	}
	size := req.Size
	if size == "" {
		size = p.settings.Size
	}
	if size == "" {
		size = defaultSize
	}

	client := llmopenai.New(&llm.Config{BaseURL: p.settings.BaseURL, APIKey: key, Model: model})
	images, err := client.GenerateImages(ctx, llmopenai.ImageRequest{
		Prompt:  req.Prompt,
		Size:    size,
		Quality: p.settings.Quality,
		N:       max(req.Count, 1),
	})
	if err != nil {
		return nil, fmt.Errorf("openai image generation failed: %w", err)
	}

	stamp := p.now().UnixMilli()
	result := &image.Result{Files: make([]types.FileReference, 0, len(images))}
	for i, data := range images {
		name := fmt.Sprintf("gpt-image-%d-%d.png", stamp, i+1)
		stored, err := env.Files.SaveBuffer(name, "image/png", p.id, data)
		if err != nil {
			return nil, err
		}
		result.Files = append(result.Files, stored.Reference())
	}
	return result, nil
}
