// Package inference routes completion requests across configured model
// providers.
package inference

import (
	"context"
	"log/slog"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/pkg/llm"
)

// Client performs completions against one provider/model pair.
type Client interface {
	ModelID() string
	Complete(ctx context.Context, conv *llm.Conversation, sessionID string) (*llm.Message, error)
}

// ClientOptions is what a provider receives when asked for a client.
type ClientOptions struct {
	Model   string
	Options map[string]any
	Auth    *auth.Store
	Logger  *slog.Logger
}

// Provider creates clients. NewClient may fail, e.g. when credentials are
// missing; the router treats that as a reason to try the next provider.
type Provider interface {
	ID() string
	Label() string
	NewClient(ctx context.Context, opts ClientOptions) (Client, error)
}

// ProviderConfig is one entry of the ordered fallback list.
type ProviderConfig struct {
	ID      string         `json:"id" yaml:"id"`
	Model   string         `json:"model,omitempty" yaml:"model,omitempty"`
	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// LLMClient adapts an llm.Provider to Client.
type LLMClient struct {
	Model    string
	Provider llm.Provider
}

func (c *LLMClient) ModelID() string {
	return c.Model
}

func (c *LLMClient) Complete(ctx context.Context, conv *llm.Conversation, _ string) (*llm.Message, error) {
	resp, err := c.Provider.Complete(ctx, conv)
	if err != nil {
		return nil, err
	}
	return resp.Message(), nil
}
