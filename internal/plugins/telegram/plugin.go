package telegram

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/scout/internal/connector"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/retry"
)

// PluginID is the catalog id of the telegram connector.
const PluginID = "telegram"

const tokenKey = "token"

// RetrySettings tunes polling backoff.
type RetrySettings struct {
	MinDelayMs int      `json:"minDelayMs"`
	MaxDelayMs int      `json:"maxDelayMs"`
	Factor     float64  `json:"factor"`
	Jitter     *float64 `json:"jitter"`
}

// Settings is the per-instance configuration. A nil StatePath keeps the
// offset in the instance data dir; an empty one disables persistence.
type Settings struct {
	Polling      *bool          `json:"polling"`
	ClearWebhook *bool          `json:"clearWebhook"`
	StatePath    *string        `json:"statePath"`
	APIEndpoint  string         `json:"apiEndpoint"`
	Retry        *RetrySettings `json:"retry"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"polling": {"type": "boolean"},
		"clearWebhook": {"type": "boolean"},
		"statePath": {"type": ["string", "null"]},
		"apiEndpoint": {"type": "string", "minLength": 1},
		"retry": {
			"type": "object",
			"properties": {
				"minDelayMs": {"type": "integer", "minimum": 0},
				"maxDelayMs": {"type": "integer", "minimum": 0},
				"factor": {"type": "number", "minimum": 1},
				"jitter": {"type": "number", "minimum": 0, "maximum": 1}
			},
			"additionalProperties": false
		}
	}
}`

// Module is the telegram plugin definition.
var Module = plugin.Module{
	ID:          PluginID,
	Name:        "Telegram",
	Description: "Telegram bot connector (long polling).",
	Settings:    plugin.NewSchema[Settings](PluginID, settingsSchema),
	Create:      create,
	Onboarding:  onboard,
}

func onboard(_ context.Context, api *plugin.OnboardingAPI) (map[string]any, error) {
	token, err := api.Prompt.Input("Telegram bot token", "")
	if err != nil || token == nil {
		return nil, err
	}
	if *token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	if err := api.Auth.Set(api.InstanceID, tokenKey, *token); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func create(api *plugin.API) (plugin.Instance, error) {
	settings, err := plugin.SettingsAs[Settings](api)
	if err != nil {
		return nil, err
	}
	connectorID := api.Instance.InstanceID
	var conn *Connector

	return plugin.Hooks{
		OnLoad: func(ctx context.Context) error {
			token, err := api.Auth.Get(connectorID, tokenKey)
			if err != nil {
				return fmt.Errorf("read telegram token: %w", err)
			}
			if token == "" {
				return errors.New("missing telegram token in auth store")
			}
			if api.Mode == plugin.ModeValidate {
				return nil
			}

			endpoint := settings.APIEndpoint
			if endpoint == "" {
				endpoint = tgbotapi.APIEndpoint
			}
			bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
			if err != nil {
				return fmt.Errorf("connect telegram bot: %w", err)
			}

			conn = newConnector(bot, connectorOptions(api, settings))
			if status := api.Registrar.RegisterConnector(connectorID, conn); status != connector.StatusLoaded {
				return fmt.Errorf("register connector %s: %s", connectorID, status)
			}
			conn.Start()
			api.Logger.Info("telegram connector loaded", "bot", bot.Self.UserName)
			return nil
		},
		OnUnload: func(ctx context.Context) error {
			if conn == nil {
				return nil
			}
			api.Registrar.UnregisterConnector(ctx, connectorID)
			return nil
		},
	}, nil
}

func connectorOptions(api *plugin.API, s Settings) Options {
	opts := Options{
		Polling:      s.Polling == nil || *s.Polling,
		ClearWebhook: s.ClearWebhook == nil || *s.ClearWebhook,
		StatePath:    filepath.Join(api.DataDir, "telegram-offset.json"),
		Retry: retry.Policy{
			InitialDelay: time.Second,
			Multiplier:   2,
			MaxDelay:     30 * time.Second,
			Jitter:       0.2,
		},
		Files:  api.Files,
		Logger: api.Logger,
		OnFatal: func(reason string, err error) {
			api.Logger.Warn("telegram connector fatal", "reason", reason, "error", err)
			api.Registrar.ReportConnectorFatal(api.Instance.InstanceID, reason, err)
		},
	}
	if s.StatePath != nil {
		opts.StatePath = *s.StatePath
	}
	if r := s.Retry; r != nil {
		if r.MinDelayMs > 0 {
			opts.Retry.InitialDelay = time.Duration(r.MinDelayMs) * time.Millisecond
		}
		if r.MaxDelayMs > 0 {
			opts.Retry.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
		}
		if r.Factor > 0 {
			opts.Retry.Multiplier = r.Factor
		}
		if r.Jitter != nil {
			opts.Retry.Jitter = *r.Jitter
		}
	}
	return opts
}
