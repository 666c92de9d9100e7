package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/scout/internal/cron"
	"github.com/user/scout/internal/events"
	"github.com/user/scout/internal/image"
	"github.com/user/scout/internal/tool"
	"github.com/user/scout/internal/types"
)

func (e *Engine) registerCoreTools() error {
	for _, t := range []tool.Tool{&addCronTool{engine: e}, &generateImageTool{images: e.images}} {
		if err := e.tools.Register(coreOwner, t); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) scheduler() *cron.Scheduler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cron
}

// AddCronTask schedules task and persists it so it survives restarts.
func (e *Engine) AddCronTask(task cron.Task) (cron.Task, error) {
	sched := e.scheduler()
	if sched == nil {
		return cron.Task{}, errors.New("cron scheduler unavailable")
	}
	added, err := sched.AddTask(task)
	if err != nil {
		return cron.Task{}, err
	}
	if err := e.cronStore.Add(added); err != nil {
		e.logger.Warn("failed to persist cron task", "task_id", added.ID, "error", err)
	}
	e.bus.Emit(events.TypeCronTaskAdded, map[string]any{"task": added})
	return added, nil
}

// RemoveCronTask cancels a task and forgets it if it was persisted.
func (e *Engine) RemoveCronTask(id string) error {
	sched := e.scheduler()
	if sched == nil {
		return errors.New("cron scheduler unavailable")
	}
	if err := sched.RemoveTask(id); err != nil {
		return err
	}
	if err := e.cronStore.Remove(id); err != nil && !errors.Is(err, cron.ErrTaskNotFound) {
		return fmt.Errorf("forget cron task: %w", err)
	}
	return nil
}

// addCronTool lets the model schedule a message back to the current chat.
type addCronTool struct {
	engine *Engine
}

type addCronArgs struct {
	ID         string  `json:"id"`
	EveryMs    int64   `json:"everyMs"`
	Schedule   string  `json:"schedule"`
	Message    string  `json:"message"`
	RunOnStart bool    `json:"runOnStart"`
	Once       *bool   `json:"once"`
	ChannelID  string  `json:"channelId"`
	SessionID  string  `json:"sessionId"`
	UserID     *string `json:"userId"`
	Source     string  `json:"source"`
}

func (t *addCronTool) Name() string { return "add_cron" }
func (t *addCronTool) Description() string {
	return "Schedule a cron task that sends a message to the current chat. Defaults to a one-shot timer unless once=false."
}

func (t *addCronTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1},
			"everyMs": {"type": "integer", "minimum": 1, "description": "Interval in milliseconds"},
			"schedule": {"type": "string", "minLength": 1, "description": "Cron expression, used instead of everyMs"},
			"message": {"type": "string", "minLength": 1},
			"runOnStart": {"type": "boolean"},
			"once": {"type": "boolean", "description": "Fire a single time (default true)"},
			"channelId": {"type": "string", "minLength": 1},
			"sessionId": {"type": "string", "minLength": 1},
			"userId": {"type": ["string", "null"], "minLength": 1},
			"source": {"type": "string", "minLength": 1}
		},
		"required": ["message"],
		"additionalProperties": false
	}`)
}

func (t *addCronTool) Execute(_ context.Context, args json.RawMessage, ec *tool.ExecutionContext) (*tool.Result, error) {
	var p addCronArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if p.EveryMs <= 0 && p.Schedule == "" {
		return nil, errors.New("everyMs or schedule is required")
	}
	if p.EveryMs > cron.MaxEveryMs {
		return nil, fmt.Errorf("everyMs must not exceed %d", cron.MaxEveryMs)
	}
	if p.Schedule != "" {
		if err := cron.ValidateSchedule(p.Schedule); err != nil {
			return nil, err
		}
	}
	if ec.Connectors == nil {
		return nil, errors.New("connector registry unavailable")
	}
	source := p.Source
	if source == "" {
		source = ec.Source
	}
	if !ec.Connectors.Has(source) {
		return nil, fmt.Errorf("connector not loaded: %s", source)
	}

	once := true
	if p.Once != nil {
		once = *p.Once
	}
	task := cron.Task{
		ID:         p.ID,
		EveryMs:    p.EveryMs,
		Schedule:   p.Schedule,
		Message:    types.Ptr(p.Message),
		RunOnStart: p.RunOnStart,
		Once:       once,
		ChannelID:  p.ChannelID,
		SessionID:  p.SessionID,
		UserID:     p.UserID,
		Action:     sendMessageAction,
		Source:     source,
	}
	if task.ChannelID == "" {
		task.ChannelID = ec.MessageContext.ChannelID
	}
	if task.SessionID == "" && ec.MessageContext.SessionID != nil {
		task.SessionID = *ec.MessageContext.SessionID
	}
	if task.UserID == nil {
		task.UserID = ec.MessageContext.UserID
	}

	added, err := t.engine.AddCronTask(task)
	if err != nil {
		return nil, err
	}
	suffix := ""
	if added.Once {
		suffix = " (once)"
	}
	if added.Schedule != "" {
		return tool.Text(fmt.Sprintf("Scheduled cron task %s on %q%s.", added.ID, added.Schedule, suffix)), nil
	}
	return tool.Text(fmt.Sprintf("Scheduled cron task %s every %dms%s.", added.ID, added.EveryMs, suffix)), nil
}

// generateImageTool forwards prompts to a registered image provider.
type generateImageTool struct {
	images *image.Registry
}

type generateImageArgs struct {
	Prompt   string `json:"prompt"`
	Provider string `json:"provider"`
	Size     string `json:"size"`
	Count    int    `json:"count"`
	Model    string `json:"model"`
}

func (t *generateImageTool) Name() string { return "generate_image" }
func (t *generateImageTool) Description() string {
	return "Generate one or more images using the configured image provider."
}

func (t *generateImageTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "minLength": 1},
			"provider": {"type": "string", "minLength": 1},
			"size": {"type": "string", "minLength": 1},
			"count": {"type": "integer", "minimum": 1, "maximum": 4},
			"model": {"type": "string", "minLength": 1}
		},
		"required": ["prompt"],
		"additionalProperties": false
	}`)
}

func (t *generateImageTool) Execute(ctx context.Context, args json.RawMessage, ec *tool.ExecutionContext) (*tool.Result, error) {
	var p generateImageArgs
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}

	providers := t.images.List()
	if len(providers) == 0 {
		return nil, errors.New("no image generation providers available")
	}
	providerID := p.Provider
	if providerID == "" {
		if len(providers) > 1 {
			return nil, errors.New("multiple image providers available; specify provider")
		}
		providerID = providers[0].ID()
	}
	provider, ok := t.images.Get(providerID)
	if !ok {
		return nil, fmt.Errorf("unknown image provider: %s", providerID)
	}

	res, err := provider.Generate(ctx, image.Request{
		Prompt: p.Prompt,
		Size:   p.Size,
		Count:  p.Count,
		Model:  p.Model,
	}, image.Env{Files: ec.Files, Auth: ec.Auth, Logger: ec.Logger})
	if err != nil {
		return nil, fmt.Errorf("generate image: %w", err)
	}
	return &tool.Result{
		Content: fmt.Sprintf("Generated %d image(s) with %s.", len(res.Files), providerID),
		Files:   res.Files,
	}, nil
}
