// Package memory records conversation text into a SQLite store and exposes
// tools to save, search and delete entries.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/user/scout/internal/events"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/tool"
	"github.com/user/scout/internal/types"
)

// PluginID is the catalog id of the memory plugin.
const PluginID = "memory"

// Settings is the per-instance configuration. BasePath defaults to
// <dataDir>/memory; MaxEntries 0 keeps everything.
type Settings struct {
	BasePath   string `json:"basePath"`
	MaxEntries int    `json:"maxEntries"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"basePath": {"type": "string", "minLength": 1},
		"maxEntries": {"type": "integer", "minimum": 0}
	}
}`

// Module is the memory plugin definition.
var Module = plugin.Module{
	ID:          PluginID,
	Name:        "Memory",
	Description: "Searchable conversation memory backed by SQLite.",
	Settings:    plugin.NewSchema[Settings](PluginID, settingsSchema),
	Create:      create,
}

func create(api *plugin.API) (plugin.Instance, error) {
	settings, err := plugin.SettingsAs[Settings](api)
	if err != nil {
		return nil, err
	}
	basePath := settings.BasePath
	if basePath == "" {
		basePath = filepath.Join(api.DataDir, "memory")
	}
	logger := api.Logger
	if logger == nil {
		logger = slog.Default().With("component", "plugin.memory")
	}

	var (
		store       *Store
		unsubscribe func()
	)
	return plugin.Hooks{
		OnLoad: func(context.Context) error {
			if api.Mode == plugin.ModeValidate {
				return nil
			}
			s, err := OpenStore(basePath, settings.MaxEntries)
			if err != nil {
				return fmt.Errorf("open memory store: %w", err)
			}
			store = s
			for _, t := range tools(store) {
				if err := api.Registrar.RegisterTool(t); err != nil {
					store.Close()
					return err
				}
			}
			if api.EngineEvents != nil {
				unsubscribe = api.EngineEvents.Subscribe(func(ev events.Event) {
					recordEvent(store, logger, ev)
				})
			}
			return nil
		},
		OnUnload: func(context.Context) error {
			if unsubscribe != nil {
				unsubscribe()
				unsubscribe = nil
			}
			for _, name := range toolNames {
				api.Registrar.UnregisterTool(name)
			}
			if store == nil {
				return nil
			}
			err := store.Close()
			store = nil
			return err
		},
	}, nil
}

var toolNames = []string{"memory_save", "memory_search", "memory_delete"}

func tools(store *Store) []tool.Tool {
	return []tool.Tool{&saveTool{store: store}, &searchTool{store: store}, &deleteTool{store: store}}
}

// recordEvent stores inbound user text and outbound replies. Entries with
// neither text nor files are skipped.
func recordEvent(store *Store, logger *slog.Logger, ev events.Event) {
	payload, ok := ev.Payload.(map[string]any)
	if !ok {
		return
	}
	var (
		role Role
		msg  types.ConnectorMessage
	)
	switch ev.Type {
	case events.TypeSessionUpdated:
		entry, ok := payload["entry"].(*types.SessionMessage)
		if !ok || entry == nil {
			return
		}
		role, msg = RoleUser, entry.Message
	case events.TypeSessionOutgoing:
		m, ok := payload["message"].(types.ConnectorMessage)
		if !ok {
			return
		}
		role, msg = RoleAssistant, m
	default:
		return
	}

	text := ""
	if msg.Text != nil {
		text = *msg.Text
	}
	if text == "" && len(msg.Files) == 0 {
		return
	}
	source, _ := payload["source"].(string)
	_, err := store.Record(Entry{
		SessionID: fmt.Sprint(payload["sessionId"]),
		Source:    source,
		Role:      role,
		Text:      text,
		Files:     msg.Files,
	})
	if err != nil {
		logger.Warn("failed to record memory", "event", ev.Type, "error", err)
	}
}
