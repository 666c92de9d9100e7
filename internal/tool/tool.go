// Package tool holds model-callable tools and executes tool calls.
package tool

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/internal/connector"
	"github.com/user/scout/internal/files"
	"github.com/user/scout/internal/types"
)

// Tool defines the interface for an executable tool.
type Tool interface {
	Name() string
	Description() string
	// Parameters is the JSON Schema the call arguments must satisfy.
	Parameters() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage, ec *ExecutionContext) (*Result, error)
}

// Result is what a tool hands back to the model. Files are attached to the
// next reply sent to the user.
type Result struct {
	Content string
	Files   []types.FileReference
	IsError bool
}

// Text is a convenience constructor for a plain successful result.
func Text(content string) *Result {
	return &Result{Content: content}
}

// ExecutionContext describes who a tool is running on behalf of.
type ExecutionContext struct {
	Connectors     *connector.Registry
	Files          *files.Store
	Auth           *auth.Store
	Logger         *slog.Logger
	SessionID      types.SessionKey
	Source         string
	MessageContext types.MessageContext
}
