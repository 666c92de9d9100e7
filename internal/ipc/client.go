// internal/ipc/client.go
package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/scout/internal/config"
	"github.com/user/scout/internal/cron"
	"github.com/user/scout/internal/engine"
	"github.com/user/scout/internal/events"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/session"
	"github.com/user/scout/internal/types"
)

// ErrNotRunning is returned when nothing is listening on the socket.
var ErrNotRunning = errors.New("engine is not running")

// baseURL is a placeholder host; every request is dialed to the socket.
const baseURL = "http://engine"

// Client talks to a running engine over its unix socket.
type Client struct {
	socketPath string
	http       *http.Client
}

// NewClient returns a client for the engine listening on socketPath.
func NewClient(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: &http.Transport{DialContext: dial},
			Timeout:   2 * time.Minute,
		},
	}
}

// PluginsResponse lists running, configured and compiled-in plugins.
type PluginsResponse struct {
	Loaded     []plugin.LoadedInfo     `json:"loaded"`
	Configured []config.PluginInstance `json:"configured"`
	Available  []plugin.ModuleInfo     `json:"available"`
}

// ToolResponse is the outcome of a tool run through the engine.
type ToolResponse struct {
	Result string                `json:"result"`
	Files  []types.FileReference `json:"files,omitempty"`
}

// Status returns the engine's registry snapshot.
func (c *Client) Status(ctx context.Context) (*engine.Status, error) {
	var out struct {
		Status engine.Status `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/engine/status", nil, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// CronTasks returns the armed cron tasks.
func (c *Client) CronTasks(ctx context.Context) ([]cron.Task, error) {
	var out struct {
		Tasks []cron.Task `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/engine/cron/tasks", nil, &out)
	return out.Tasks, err
}

// RemoveCronTask cancels a cron task by id.
func (c *Client) RemoveCronTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/engine/cron/tasks/"+url.PathEscape(id), nil, nil)
}

// Sessions lists stored sessions.
func (c *Client) Sessions(ctx context.Context) ([]session.Summary, error) {
	var out struct {
		Sessions []session.Summary `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/engine/sessions", nil, &out)
	return out.Sessions, err
}

// SessionEntries returns the raw log of one stored session.
func (c *Client) SessionEntries(ctx context.Context, storageID string) ([]session.Entry, error) {
	var out struct {
		Entries []session.Entry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/engine/sessions/"+url.PathEscape(storageID), nil, &out)
	return out.Entries, err
}

// MemorySearch runs the memory_search tool.
func (c *Client) MemorySearch(ctx context.Context, query string) (string, error) {
	var out struct {
		Results string `json:"results"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/engine/memory/search?query="+url.QueryEscape(query), nil, &out)
	return out.Results, err
}

// Plugins lists plugin instances.
func (c *Client) Plugins(ctx context.Context) (*PluginsResponse, error) {
	var out PluginsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/engine/plugins", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PluginEvents drains the plugin event queue.
func (c *Client) PluginEvents(ctx context.Context) ([]events.PluginEvent, error) {
	var out struct {
		Events []events.PluginEvent `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/engine/plugin-events", nil, &out)
	return out.Events, err
}

// LoadPlugin enables a plugin instance and persists it to settings.
func (c *Client) LoadPlugin(ctx context.Context, req PluginLoadRequest) error {
	return c.do(ctx, http.MethodPost, "/v1/engine/plugins/load", req, nil)
}

// UnloadPlugin disables a plugin instance and persists it to settings.
func (c *Client) UnloadPlugin(ctx context.Context, instanceID string) error {
	return c.do(ctx, http.MethodPost, "/v1/engine/plugins/unload", PluginUnloadRequest{InstanceID: instanceID}, nil)
}

// SetAuth stores a credential for a plugin.
func (c *Client) SetAuth(ctx context.Context, id, key, value string) error {
	return c.do(ctx, http.MethodPost, "/v1/engine/auth", AuthRequest{ID: id, Key: key, Value: value}, nil)
}

// Reload makes the engine re-read its settings file.
func (c *Client) Reload(ctx context.Context) (*engine.Status, error) {
	var out struct {
		Status engine.Status `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/engine/reload", nil, &out); err != nil {
		return nil, err
	}
	return &out.Status, nil
}

// ExecuteTool runs a registered tool outside any conversation.
func (c *Client) ExecuteTool(ctx context.Context, name string, args json.RawMessage, mctx *types.MessageContext) (*ToolResponse, error) {
	var out ToolResponse
	req := ToolRequest{Args: args, Context: mctx}
	if err := c.do(ctx, http.MethodPost, "/v1/engine/tools/"+url.PathEscape(name), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Events streams engine events to fn until ctx is cancelled or the engine
// closes the stream. The first event is always the init snapshot.
func (c *Client) Events(ctx context.Context, fn func(events.Event) error) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.DialContext(ctx, "ws://engine/v1/engine/events", nil)
	if err != nil {
		return wrapDialError(err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev events.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("read event: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return wrapDialError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("engine: %s", apiErr.Error)
		}
		return fmt.Errorf("engine: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func wrapDialError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return fmt.Errorf("%w: %v", ErrNotRunning, err)
	}
	return err
}
