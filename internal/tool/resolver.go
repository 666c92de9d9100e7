package tool

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/user/scout/internal/schema"
	"github.com/user/scout/internal/types"
	"github.com/user/scout/pkg/llm"
)

type registered struct {
	tool     Tool
	schema   *schema.Schema
	pluginID string
}

// ExecutionResult is the tool message to append to the conversation plus
// any files the tool produced.
type ExecutionResult struct {
	Message *llm.Message
	Files   []types.FileReference
}

// Resolver holds registered tools keyed by name and executes calls
// against them. Failures never escape Execute; they become error-tagged
// tool results the model can react to.
type Resolver struct {
	mu     sync.RWMutex
	tools  map[string]registered
	logger *slog.Logger
}

// NewResolver creates an empty tool resolver.
func NewResolver() *Resolver {
	return &Resolver{
		tools:  make(map[string]registered),
		logger: slog.Default().With("component", "tools.registry"),
	}
}

// Register adds or replaces a tool owned by pluginID. The tool's parameter
// schema is compiled up front so a broken schema fails registration.
func (r *Resolver) Register(pluginID string, t Tool) error {
	s, err := schema.Compile("tool-"+t.Name(), t.Parameters())
	if err != nil {
		return fmt.Errorf("register tool %s: %w", t.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = registered{tool: t, schema: s, pluginID: pluginID}
	return nil
}

func (r *Resolver) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// UnregisterByPlugin removes every tool owned by pluginID.
func (r *Resolver) UnregisterByPlugin(pluginID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, entry := range r.tools {
		if entry.pluginID == pluginID {
			delete(r.tools, name)
		}
	}
}

// Names returns registered tool names, sorted.
func (r *Resolver) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTools converts registered tools to the LLM provider format, sorted
// by name.
func (r *Resolver) ListTools() []llm.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.Tool, 0, len(r.tools))
	for _, entry := range r.tools {
		out = append(out, llm.Tool{
			Type: "function",
			Function: llm.Function{
				Name:        entry.tool.Name(),
				Description: entry.tool.Description(),
				Parameters:  entry.tool.Parameters(),
			},
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Function.Name < out[j].Function.Name })
	return out
}

// Execute runs one tool call.
func (r *Resolver) Execute(ctx context.Context, call llm.ToolCall, ec *ExecutionContext) *ExecutionResult {
	name := call.Function.Name
	r.mu.RLock()
	entry, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return errorResult(call, fmt.Sprintf("Unknown tool: %s", name))
	}

	args := call.Function.DecodedArguments()
	if err := entry.schema.Validate(args); err != nil {
		r.logger.Warn("tool arguments rejected", "tool", name, "error", err)
		return errorResult(call, fmt.Sprintf("Invalid arguments for %s: %v", name, err))
	}

	res, err := r.run(ctx, entry.tool, args, ec)
	if err != nil {
		r.logger.Warn("tool execution failed", "tool", name, "error", err)
		return errorResult(call, err.Error())
	}
	if res == nil {
		res = &Result{}
	}
	return &ExecutionResult{
		Message: llm.NewToolResult(call, res.Content, res.IsError),
		Files:   res.Files,
	}
}

func (r *Resolver) run(ctx context.Context, t Tool, args []byte, ec *ExecutionContext) (res *Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	if ec == nil {
		ec = &ExecutionContext{}
	}
	if ec.Logger == nil {
		ec.Logger = r.logger.With("tool", t.Name())
	}
	return t.Execute(ctx, args, ec)
}

func errorResult(call llm.ToolCall, text string) *ExecutionResult {
	return &ExecutionResult{Message: llm.NewToolResult(call, text, true)}
}
