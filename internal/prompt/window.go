// Package prompt renders the system prompt and fits conversation history
// into the model's context window.
package prompt

import (
	"bytes"
	"fmt"
	"log/slog"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/scout/pkg/llm"
)

// Data feeds the system prompt template.
type Data struct {
	Name         string
	Time         string
	SessionID    string
	Source       string
	Tools        []string
	Instructions string
}

// Window assembles token-budgeted conversations.
type Window struct {
	tmpl   *template.Template
	count  func(string) int
	budget int
}

// New creates a window with the given input token budget. A budget of 0
// disables trimming and skips loading a tokenizer. model selects the
// tokenizer; when no encoding can be loaded, tokens are estimated at four
// characters each.
func New(model string, budget int, promptTemplate string) (*Window, error) {
	if budget < 0 {
		return nil, fmt.Errorf("negative token budget %d", budget)
	}
	if promptTemplate == "" {
		promptTemplate = DefaultTemplate
	}
	tmpl, err := template.New("system").Parse(promptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse prompt template: %w", err)
	}
	count := estimateTokens
	if budget > 0 {
		count = tokenCounter(model)
	}
	return &Window{tmpl: tmpl, count: count, budget: budget}, nil
}

func tokenCounter(model string) func(string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil {
		slog.Default().With("component", "prompt").Warn("tokenizer unavailable, estimating", "model", model, "error", err)
		return estimateTokens
	}
	return func(text string) int {
		return len(enc.Encode(text, nil, nil))
	}
}

func estimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// System renders the system prompt.
func (w *Window) System(data Data) (string, error) {
	if data.Time == "" {
		data.Time = time.Now().Format(time.RFC3339)
	}
	var buf bytes.Buffer
	if err := w.tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// Budget returns the input token budget.
func (w *Window) Budget() int {
	return w.budget
}

// Build renders the system prompt and keeps the newest history that fits
// the budget alongside it.
func (w *Window) Build(data Data, history []llm.Message, tools []llm.Tool) (*llm.Conversation, error) {
	system, err := w.System(data)
	if err != nil {
		return nil, err
	}
	return &llm.Conversation{
		System:   system,
		Messages: w.Fit(system, history),
		Tools:    tools,
	}, nil
}

// Fit drops the oldest messages until the rest fit in the budget. The
// window never opens on a tool result whose call was dropped, and the
// newest message is always kept.
func (w *Window) Fit(system string, history []llm.Message) []llm.Message {
	if w.budget <= 0 || len(history) == 0 {
		return history
	}

	remaining := w.budget - w.count(system)
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := w.messageTokens(history[i])
		if cost > remaining && i < len(history)-1 {
			break
		}
		remaining -= cost
		start = i
	}
	for start < len(history)-1 && history[start].Role == llm.RoleTool {
		start++
	}
	return history[start:]
}

func (w *Window) messageTokens(msg llm.Message) int {
	n := w.count(msg.Content) + 4
	for _, tc := range msg.ToolCalls {
		n += w.count(tc.Function.Name)
		n += w.count(string(tc.Function.Arguments))
	}
	return n
}
