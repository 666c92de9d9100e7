package webfetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/user/scout/internal/config"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/tool"
)

func fetch(t *testing.T, r *ReadURL, url string) (*tool.Result, error) {
	t.Helper()
	args, _ := json.Marshal(map[string]string{"url": url})
	return r.Execute(context.Background(), args, nil)
}

func TestReadURLConvertsHTML(t *testing.T) {
	var gotAgent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAgent = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		w.Write([]byte(`<html><body><h1>Hello World</h1><p>This is a test.</p></body></html>`))
	}))
	defer server.Close()

	result, err := fetch(t, NewReadURL(Settings{}), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(result.Content, "# Hello World") {
		t.Errorf("expected markdown heading in result, got %q", result.Content)
	}
	if !strings.Contains(result.Content, "This is a test") {
		t.Errorf("expected 'This is a test' in result, got %q", result.Content)
	}
	if gotAgent != defaultUserAgent {
		t.Errorf("expected user agent %q, got %q", defaultUserAgent, gotAgent)
	}
}

func TestReadURLPassesPlainText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"a":"<b>"}`))
	}))
	defer server.Close()

	result, err := fetch(t, NewReadURL(Settings{}), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	if result.Content != `{"a":"<b>"}` {
		t.Errorf("expected body unchanged, got %q", result.Content)
	}
}

func TestReadURLTruncation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(strings.Repeat("x", 200)))
	}))
	defer server.Close()

	result, err := fetch(t, NewReadURL(Settings{MaxChars: 100}), server.URL)
	if err != nil {
		t.Fatal(err)
	}
	want := strings.Repeat("x", 100) + "\n\n[Content truncated]"
	if result.Content != want {
		t.Errorf("expected truncated content, got length %d", len(result.Content))
	}
}

func TestReadURLHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	_, err := fetch(t, NewReadURL(Settings{}), server.URL)
	if err == nil || !strings.Contains(err.Error(), "status 404") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestReadURLMissingURL(t *testing.T) {
	_, err := NewReadURL(Settings{}).Execute(context.Background(), json.RawMessage(`{}`), nil)
	if err == nil {
		t.Fatal("expected error for missing URL")
	}
}

func TestPluginRegistersReadURL(t *testing.T) {
	resolver := tool.NewResolver()
	api := &plugin.API{
		Instance:  config.PluginInstance{InstanceID: "web-fetch", PluginID: PluginID},
		Settings:  Settings{},
		Registrar: plugin.Registries{Tools: resolver}.NewRegistrar("web-fetch"),
	}
	instance, err := Module.Create(api)
	if err != nil {
		t.Fatal(err)
	}
	if err := instance.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if names := resolver.Names(); len(names) != 1 || names[0] != "read_url" {
		t.Errorf("expected read_url registered, got %v", names)
	}
}
