// Package shell registers a tool that runs bash commands on the host.
package shell

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/tool"
)

// PluginID is the catalog id of the shell plugin.
const PluginID = "shell"

const (
	defaultTimeout   = 120 * time.Second
	defaultMaxOutput = 20000
)

// Settings is the per-instance configuration.
type Settings struct {
	WorkingDir     string `json:"workingDir"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	MaxOutputChars int    `json:"maxOutputChars"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"workingDir": {"type": "string", "minLength": 1},
		"timeoutSeconds": {"type": "integer", "minimum": 1},
		"maxOutputChars": {"type": "integer", "minimum": 1}
	},
	"additionalProperties": false
}`

// Module is the shell plugin definition.
var Module = plugin.Module{
	ID:          PluginID,
	Name:        "Shell",
	Description: "Run bash commands on the host machine.",
	Settings:    plugin.NewSchema[Settings](PluginID, settingsSchema),
	Create:      create,
}

func create(api *plugin.API) (plugin.Instance, error) {
	settings, err := plugin.SettingsAs[Settings](api)
	if err != nil {
		return nil, err
	}
	b := NewBash(settings)
	return plugin.Hooks{
		OnLoad: func(context.Context) error {
			return api.Registrar.RegisterTool(b)
		},
		OnUnload: func(context.Context) error {
			api.Registrar.UnregisterTool(b.Name())
			return nil
		},
	}, nil
}

// Bash executes shell commands on the host.
type Bash struct {
	dir       string
	timeout   time.Duration
	maxOutput int
}

// NewBash creates a Bash tool, applying defaults for unset settings.
func NewBash(s Settings) *Bash {
	b := &Bash{dir: s.WorkingDir, timeout: defaultTimeout, maxOutput: defaultMaxOutput}
	if s.TimeoutSeconds > 0 {
		b.timeout = time.Duration(s.TimeoutSeconds) * time.Second
	}
	if s.MaxOutputChars > 0 {
		b.maxOutput = s.MaxOutputChars
	}
	return b
}

func (b *Bash) Name() string        { return "bash" }
func (b *Bash) Description() string { return "Execute a bash command on the host machine" }
func (b *Bash) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "minLength": 1, "description": "The command to execute"},
			"timeout_seconds": {"type": "integer", "minimum": 1, "description": "Timeout in seconds (default: 120)"}
		},
		"required": ["command"],
		"additionalProperties": false
	}`)
}

func (b *Bash) Execute(ctx context.Context, args json.RawMessage, ec *tool.ExecutionContext) (*tool.Result, error) {
	var params struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if params.Command == "" {
		return nil, fmt.Errorf("command is required")
	}

	timeout := b.timeout
	if params.TimeoutSeconds > 0 {
		timeout = time.Duration(params.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "bash", "-c", params.Command)
	cmd.Dir = b.dir
	cmd.WaitDelay = time.Second
	if ec != nil && ec.Logger != nil {
		ec.Logger.Info("running command", "command", params.Command, "dir", b.dir)
	}
	output, err := cmd.CombinedOutput()
	out := b.truncate(string(output))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("command timed out after %s\nOutput: %s", timeout, out)
		}
		return nil, fmt.Errorf("command failed: %w\nOutput: %s", err, out)
	}
	return tool.Text(out), nil
}

func (b *Bash) truncate(s string) string {
	if len(s) <= b.maxOutput {
		return s
	}
	return s[:b.maxOutput] + "\n\n[Output truncated]"
}
