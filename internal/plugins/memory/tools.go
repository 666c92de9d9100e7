package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/user/scout/internal/tool"
)

// saveTool stores a note the model wants to keep.
type saveTool struct {
	store *Store
}

func (t *saveTool) Name() string { return "memory_save" }
func (t *saveTool) Description() string {
	return "Save a note to long-term memory so it can be found later with memory_search."
}

func (t *saveTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"text": {"type": "string", "minLength": 1, "description": "What to remember"}
		},
		"required": ["text"],
		"additionalProperties": false
	}`)
}

func (t *saveTool) Execute(_ context.Context, args json.RawMessage, ec *tool.ExecutionContext) (*tool.Result, error) {
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	entry, err := t.store.Record(Entry{
		SessionID: string(ec.SessionID),
		Source:    ec.Source,
		Role:      RoleNote,
		Text:      p.Text,
	})
	if err != nil {
		return nil, err
	}
	return tool.Text(fmt.Sprintf("Saved memory %s.", entry.ID)), nil
}

// searchTool finds entries by keyword.
type searchTool struct {
	store *Store
}

func (t *searchTool) Name() string { return "memory_search" }
func (t *searchTool) Description() string {
	return "Search memory entries by keyword."
}

func (t *searchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 50}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

func (t *searchTool) Execute(_ context.Context, args json.RawMessage, _ *tool.ExecutionContext) (*tool.Result, error) {
	var p struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	entries, err := t.store.Search(p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	return tool.Text(formatEntries(entries)), nil
}

func formatEntries(entries []Entry) string {
	if len(entries) == 0 {
		return "No memory matches."
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		label := e.SessionID
		if label == "" {
			label = string(e.Role)
		}
		lines = append(lines, fmt.Sprintf("[%s] %s (id: %s)", label, e.Text, e.ID))
	}
	return strings.Join(lines, "\n")
}

// deleteTool forgets one entry.
type deleteTool struct {
	store *Store
}

func (t *deleteTool) Name() string { return "memory_delete" }
func (t *deleteTool) Description() string {
	return "Delete a memory entry by the id shown in memory_search results."
}

func (t *deleteTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"id": {"type": "string", "minLength": 1}
		},
		"required": ["id"],
		"additionalProperties": false
	}`)
}

func (t *deleteTool) Execute(_ context.Context, args json.RawMessage, _ *tool.ExecutionContext) (*tool.Result, error) {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if err := t.store.Delete(p.ID); err != nil {
		if errors.Is(err, ErrNotFound) {
			return &tool.Result{Content: fmt.Sprintf("No memory with id %s.", p.ID), IsError: true}, nil
		}
		return nil, err
	}
	return tool.Text(fmt.Sprintf("Deleted memory %s.", p.ID)), nil
}
