package llm

import (
	"context"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, conv *Conversation) (*Response, error)
}

func (m *MockProvider) Complete(ctx context.Context, conv *Conversation) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, conv)
	}
	return &Response{Content: "mock response"}, nil
}

func TestProviderInterface(t *testing.T) {
	var provider Provider = &MockProvider{}
	conv := &Conversation{Messages: []Message{{Role: RoleUser, Content: "test"}}}

	resp, err := provider.Complete(context.Background(), conv)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content == "" {
		t.Error("expected non-empty content")
	}
}

func TestResponseMessage(t *testing.T) {
	resp := &Response{
		Content: "",
		ToolCalls: []ToolCall{
			{ID: "call_1", Type: "function", Function: FunctionCall{Name: "bash", Arguments: []byte(`{"command":"ls"}`)}},
		},
		Usage: Usage{InputTokens: 3, OutputTokens: 2, TotalTokens: 5},
	}
	msg := resp.Message()
	if msg.Role != RoleAssistant {
		t.Errorf("expected assistant role, got %s", msg.Role)
	}
	if len(msg.ToolCalls) != 1 || msg.ToolCalls[0].Function.Name != "bash" {
		t.Errorf("unexpected tool calls: %+v", msg.ToolCalls)
	}
	if msg.Usage == nil || msg.Usage.TotalTokens != 5 {
		t.Errorf("unexpected usage: %+v", msg.Usage)
	}
}

func TestNewToolResult(t *testing.T) {
	call := ToolCall{ID: "c1", Function: FunctionCall{Name: "read_url"}}
	msg := NewToolResult(call, "boom", true)
	if msg.Role != RoleTool || msg.ToolCallID != "c1" || msg.ToolName != "read_url" || !msg.IsError {
		t.Errorf("unexpected tool result: %+v", msg)
	}
}
