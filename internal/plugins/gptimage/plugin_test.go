package gptimage

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/internal/files"
	"github.com/user/scout/internal/image"
)

func testEnv(t *testing.T) image.Env {
	t.Helper()
	dir := t.TempDir()
	return image.Env{
		Files: files.NewStore(filepath.Join(dir, "files")),
		Auth:  auth.NewStore(filepath.Join(dir, "auth.json")),
	}
}

func TestGenerateRequiresAPIKey(t *testing.T) {
	p := &Provider{id: "gpt-image", now: time.Now}

	_, err := p.Generate(context.Background(), image.Request{Prompt: "a fox"}, testEnv(t))
	if err == nil || !strings.Contains(err.Error(), "missing gpt-image apiKey") {
		t.Fatalf("expected missing key error, got %v", err)
	}
}

func TestGenerateSavesImages(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{{"b64_json": "cG5nMQ=="}, {"b64_json": "cG5nMg=="}},
		})
	}))
	defer server.Close()

	env := testEnv(t)
	if err := env.Auth.Set("gpt-image", "apiKey", "sk-test"); err != nil {
		t.Fatal(err)
	}
	p := &Provider{
		id:       "gpt-image",
		settings: Settings{BaseURL: server.URL, Size: "512x512", Quality: "hd"},
		now:      func() time.Time { return time.UnixMilli(1700000000000) },
	}

	res, err := p.Generate(context.Background(), image.Request{Prompt: "a fox", Count: 2}, env)
	if err != nil {
		t.Fatal(err)
	}
	if got["model"] != defaultModel || got["size"] != "512x512" || got["quality"] != "hd" {
		t.Errorf("unexpected request %v", got)
	}
	if got["n"] != float64(2) {
		t.Errorf("expected n=2, got %v", got["n"])
	}
	if len(res.Files) != 2 {
		t.Fatalf("expected 2 files, got %d", len(res.Files))
	}
	if res.Files[0].Name != "gpt-image-1700000000000-1.png" || res.Files[0].MimeType != "image/png" {
		t.Errorf("unexpected file reference %+v", res.Files[0])
	}
	data, err := os.ReadFile(res.Files[1].Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "png2" {
		t.Errorf("expected decoded bytes, got %q", data)
	}
}

func TestGenerateSurfacesAPIErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad prompt"}}`, http.StatusBadRequest)
	}))
	defer server.Close()

	env := testEnv(t)
	env.Auth.Set("gpt-image", "apiKey", "sk-test")
	p := &Provider{id: "gpt-image", settings: Settings{BaseURL: server.URL}, now: time.Now}

	_, err := p.Generate(context.Background(), image.Request{Prompt: "x"}, env)
	if err == nil || !strings.Contains(err.Error(), "status 400") {
		t.Errorf("expected API status in error, got %v", err)
	}
}
