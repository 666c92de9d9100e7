package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/scout/pkg/llm"
)

// chatServer answers every chat completion with reply after handing the
// decoded request body to inspect.
func chatServer(t *testing.T, inspect func(r *http.Request, body map[string]any), reply map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if inspect != nil {
			inspect(r, body)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": reply}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
}

func TestOpenAIClientCompleteText(t *testing.T) {
	server := chatServer(t, func(r *http.Request, body map[string]any) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected json content type, got %q", r.Header.Get("Content-Type"))
		}
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected /v1/chat/completions, got %q", r.URL.Path)
		}
		if body["model"] != "gpt-4o-mini" {
			t.Errorf("expected model gpt-4o-mini, got %v", body["model"])
		}
		messages, _ := body["messages"].([]any)
		if len(messages) != 2 {
			t.Errorf("expected system + user message, got %v", body["messages"])
			return
		}
		if first := messages[0].(map[string]any); first["role"] != "system" || first["content"] != "be brief" {
			t.Errorf("expected leading system prompt, got %v", first)
		}
	}, map[string]any{"role": "assistant", "content": "hi there"})
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL + "/v1", APIKey: "test-key", Model: "gpt-4o-mini"})
	resp, err := client.Complete(context.Background(), &llm.Conversation{
		System:   "be brief",
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hi there" {
		t.Errorf("expected 'hi there', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 || resp.Usage.TotalTokens != 15 {
		t.Errorf("expected usage 10/5/15, got %+v", resp.Usage)
	}
}

func TestOpenAIClientToolCalls(t *testing.T) {
	server := chatServer(t, func(r *http.Request, body map[string]any) {
		tools, _ := body["tools"].([]any)
		if len(tools) != 1 {
			t.Errorf("expected 1 tool, got %v", body["tools"])
		}
	}, map[string]any{
		"role":    "assistant",
		"content": "",
		"tool_calls": []map[string]any{{
			"id":       "call_7",
			"type":     "function",
			"function": map[string]any{"name": "memory_search", "arguments": `{"query":"coffee"}`},
		}},
	})
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4o"})
	resp, err := client.Complete(context.Background(), &llm.Conversation{
		Messages: []llm.Message{{Role: "user", Content: "what do I drink in the morning?"}},
		Tools: []llm.Tool{{
			Type: "function",
			Function: llm.Function{
				Name:        "memory_search",
				Description: "Search memory",
				Parameters:  json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
			},
		}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(resp.ToolCalls))
	}
	call := resp.ToolCalls[0]
	if call.ID != "call_7" || call.Function.Name != "memory_search" {
		t.Errorf("expected memory_search call_7, got %+v", call)
	}
	if args := string(call.Function.DecodedArguments()); args != `{"query":"coffee"}` {
		t.Errorf("expected decoded arguments, got %s", args)
	}
}

func TestOpenAIClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "bad-key", Model: "gpt-4o"})
	_, err := client.Complete(context.Background(), &llm.Conversation{
		Messages: []llm.Message{{Role: "user", Content: "hello"}},
	})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
	if !strings.Contains(err.Error(), "401") {
		t.Errorf("expected status in error, got %v", err)
	}
}

var _ llm.Provider = (*Client)(nil)

func TestOpenAIClientToolResultAndImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqBody struct {
			Messages []map[string]any `json:"messages"`
		}
		json.Unmarshal(body, &reqBody)

		if len(reqBody.Messages) != 2 {
			t.Errorf("expected 2 messages, got %d", len(reqBody.Messages))
			return
		}
		parts, ok := reqBody.Messages[0]["content"].([]any)
		if !ok || len(parts) != 2 {
			t.Errorf("expected text + image parts, got %v", reqBody.Messages[0]["content"])
		}
		if reqBody.Messages[1]["tool_call_id"] != "call_1" {
			t.Errorf("expected tool_call_id call_1, got %v", reqBody.Messages[1]["tool_call_id"])
		}

		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": "done"}}},
		})
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4o"})
	_, err := client.Complete(context.Background(), &llm.Conversation{
		Messages: []llm.Message{
			{Role: "user", Content: "what is this", Images: []string{"data:image/png;base64,AAAA"}},
			{Role: "tool", Content: "result", ToolCallID: "call_1", ToolName: "bash"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenAIClientGenerateImages(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req ImageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "gpt-image-1" || req.N != 2 {
			t.Errorf("expected default model and n=2, got %+v", req)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"b64_json": "aGVsbG8="}, {"url": "https://example.com/x.png"}, {"b64_json": "d29ybGQ="}},
		})
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-image-1"})
	images, err := client.GenerateImages(context.Background(), ImageRequest{Prompt: "a cat", Size: "1024x1024", N: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(images) != 2 || string(images[0]) != "hello" || string(images[1]) != "world" {
		t.Errorf("expected decoded bytes, got %q", images)
	}
}
