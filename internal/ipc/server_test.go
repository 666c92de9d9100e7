package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/user/scout/internal/config"
	"github.com/user/scout/internal/engine"
	"github.com/user/scout/internal/events"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/tool"
)

type greeterSettings struct {
	Greeting string `json:"greeting"`
}

type greetTool struct {
	greeting string
}

func (t *greetTool) Name() string                { return "greet" }
func (t *greetTool) Description() string         { return "Greet someone" }
func (t *greetTool) Parameters() json.RawMessage { return json.RawMessage(`{"type": "object"}`) }

func (t *greetTool) Execute(_ context.Context, args json.RawMessage, _ *tool.ExecutionContext) (*tool.Result, error) {
	var p struct {
		Name string `json:"name"`
	}
	json.Unmarshal(args, &p)
	return tool.Text(t.greeting + " " + p.Name), nil
}

func greeterModule() plugin.Module {
	return plugin.Module{
		ID:   "greeter",
		Name: "Greeter",
		Settings: plugin.NewSchema[greeterSettings]("greeter", `{
			"type": "object",
			"properties": {"greeting": {"type": "string", "minLength": 1}},
			"additionalProperties": false
		}`),
		Create: func(api *plugin.API) (plugin.Instance, error) {
			s, err := plugin.SettingsAs[greeterSettings](api)
			if err != nil {
				return nil, err
			}
			if s.Greeting == "" {
				s.Greeting = "hello"
			}
			return plugin.Hooks{
				OnLoad: func(context.Context) error {
					return api.Registrar.RegisterTool(&greetTool{greeting: s.Greeting})
				},
			}, nil
		},
	}
}

type testEnv struct {
	engine       *engine.Engine
	server       *Server
	settingsPath string
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	settingsPath := filepath.Join(dir, "settings.json")
	settings := config.Defaults()
	settings.Engine.DataDir = filepath.Join(dir, "data")
	settings.Engine.ContextTokens = 0
	if err := config.Save(settingsPath, settings); err != nil {
		t.Fatal(err)
	}

	e, err := engine.New(engine.Options{
		Settings:     settings,
		SettingsPath: settingsPath,
		Catalog:      plugin.NewCatalog(greeterModule()),
		Clock:        clockwork.NewFakeClock(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { e.Shutdown(context.Background()) })
	return &testEnv{engine: e, server: NewServer(e), settingsPath: settingsPath}
}

func (env *testEnv) do(t *testing.T, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	env.server.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode %s %s: %v (body %q)", method, path, err, w.Body.String())
	}
	return w, resp
}

func TestStatusEndpoint(t *testing.T) {
	env := setupServer(t)

	w, resp := env.do(t, http.MethodGet, "/v1/engine/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if resp["ok"] != true {
		t.Errorf("expected ok true, got %v", resp["ok"])
	}
	status, ok := resp["status"].(map[string]any)
	if !ok {
		t.Fatalf("expected status object, got %T", resp["status"])
	}
	tools, _ := status["tools"].([]any)
	if len(tools) != 2 {
		t.Errorf("expected core tools only, got %v", tools)
	}
}

func TestPluginLoadAndUnload(t *testing.T) {
	env := setupServer(t)

	w, resp := env.do(t, http.MethodPost, "/v1/engine/plugins/load", `{"pluginId":"greeter","settings":{"greeting":"hi"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %v", w.Code, resp)
	}
	if !env.engine.PluginManager().IsLoaded("greeter") {
		t.Fatal("expected greeter instance to be loaded")
	}

	saved, err := config.Load(env.settingsPath)
	if err != nil {
		t.Fatal(err)
	}
	entry, ok := saved.Plugin("greeter")
	if !ok || !entry.IsEnabled() {
		t.Fatalf("expected enabled greeter entry in settings file, got %+v", saved.Plugins)
	}

	w, resp = env.do(t, http.MethodPost, "/v1/engine/tools/greet", `{"args":{"name":"ada"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %v", w.Code, resp)
	}
	if resp["result"] != "hi ada" {
		t.Errorf("expected 'hi ada', got %v", resp["result"])
	}

	w, _ = env.do(t, http.MethodPost, "/v1/engine/plugins/unload", `{"id":"greeter"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if env.engine.PluginManager().IsLoaded("greeter") {
		t.Error("expected greeter instance to be unloaded")
	}
	saved, err = config.Load(env.settingsPath)
	if err != nil {
		t.Fatal(err)
	}
	if entry, ok := saved.Plugin("greeter"); !ok || entry.IsEnabled() {
		t.Errorf("expected disabled greeter entry, got %+v", saved.Plugins)
	}

	w, _ = env.do(t, http.MethodPost, "/v1/engine/tools/greet", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 after unload, got %d", w.Code)
	}
}

func TestPluginLoadRejectsInvalidSettings(t *testing.T) {
	env := setupServer(t)

	w, resp := env.do(t, http.MethodPost, "/v1/engine/plugins/load", `{"pluginId":"greeter","settings":{"volume":11}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", w.Code)
	}
	if msg, _ := resp["error"].(string); !strings.Contains(msg, "greeter") {
		t.Errorf("expected error naming the plugin, got %q", msg)
	}

	saved, err := config.Load(env.settingsPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(saved.Plugins) != 0 {
		t.Errorf("expected settings file untouched, got %+v", saved.Plugins)
	}
}

func TestPluginLoadUnknownPlugin(t *testing.T) {
	env := setupServer(t)

	w, _ := env.do(t, http.MethodPost, "/v1/engine/plugins/load", `{"pluginId":"nope"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
	w, _ = env.do(t, http.MethodPost, "/v1/engine/plugins/load", `{}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400 without ids, got %d", w.Code)
	}
}

func TestPluginsListing(t *testing.T) {
	env := setupServer(t)

	_, resp := env.do(t, http.MethodGet, "/v1/engine/plugins", "")
	available, _ := resp["available"].([]any)
	if len(available) != 1 {
		t.Fatalf("expected 1 available module, got %v", resp["available"])
	}
	if loaded, _ := resp["loaded"].([]any); len(loaded) != 0 {
		t.Errorf("expected nothing loaded, got %v", loaded)
	}
}

func TestRemoveUnknownCronTask(t *testing.T) {
	env := setupServer(t)

	w, _ := env.do(t, http.MethodDelete, "/v1/engine/cron/tasks/missing", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", w.Code)
	}
}

func TestSessionsEmpty(t *testing.T) {
	env := setupServer(t)

	w, resp := env.do(t, http.MethodGet, "/v1/engine/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	sessions, ok := resp["sessions"].([]any)
	if !ok || len(sessions) != 0 {
		t.Errorf("expected empty sessions list, got %v", resp["sessions"])
	}
}

func TestAuthRequiresFields(t *testing.T) {
	env := setupServer(t)

	w, _ := env.do(t, http.MethodPost, "/v1/engine/auth", `{"id":"openai","key":"apiKey"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}

	w, _ = env.do(t, http.MethodPost, "/v1/engine/auth", `{"id":"openai","key":"apiKey","value":"sk-test"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	got, err := env.engine.Auth().Get("openai", "apiKey")
	if err != nil {
		t.Fatal(err)
	}
	if got != "sk-test" {
		t.Errorf("expected stored key, got %q", got)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	env := setupServer(t)

	w, _ := env.do(t, http.MethodPost, "/v1/engine/plugins/load", `{not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func listen(t *testing.T, env *testEnv) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "engine.sock")
	if err := env.server.Listen(socketPath); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		env.server.Close(ctx)
	})
	return socketPath
}

func TestClientOverSocket(t *testing.T) {
	env := setupServer(t)
	client := NewClient(listen(t, env))
	ctx := context.Background()

	status, err := client.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(status.Tools) != 2 {
		t.Errorf("expected 2 tools, got %v", status.Tools)
	}

	if err := client.LoadPlugin(ctx, PluginLoadRequest{ID: "greeter"}); err != nil {
		t.Fatal(err)
	}
	res, err := client.ExecuteTool(ctx, "greet", json.RawMessage(`{"name":"bob"}`), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.Result != "hello bob" {
		t.Errorf("expected 'hello bob', got %q", res.Result)
	}

	if err := client.RemoveCronTask(ctx, "missing"); err == nil {
		t.Error("expected error removing unknown task")
	}
}

func TestClientEventStream(t *testing.T) {
	env := setupServer(t)
	client := NewClient(listen(t, env))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var got []events.Event
	done := make(chan error, 1)
	go func() {
		done <- client.Events(ctx, func(ev events.Event) error {
			got = append(got, ev)
			if ev.Type == events.TypeInit {
				env.engine.Bus().Emit("test.ping", map[string]string{"hello": "world"})
				return nil
			}
			if ev.Type == "test.ping" {
				return errStop
			}
			return nil
		})
	}()

	if err := <-done; !errors.Is(err, errStop) {
		t.Fatalf("expected stream to end with errStop, got %v", err)
	}
	if len(got) < 2 {
		t.Fatalf("expected init and ping events, got %d", len(got))
	}
	if got[0].Type != events.TypeInit {
		t.Errorf("expected first event init, got %s", got[0].Type)
	}
	if got[len(got)-1].Type != "test.ping" {
		t.Errorf("expected last event test.ping, got %s", got[len(got)-1].Type)
	}
}

var errStop = errors.New("stop")

func TestClientNotRunning(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))

	_, err := client.Status(context.Background())
	if !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}
