// Package webfetch registers a tool that fetches a URL and returns its
// content as markdown.
package webfetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/tool"
)

// PluginID is the catalog id of the fetch plugin.
const PluginID = "web-fetch"

const (
	defaultMaxChars  = 50000
	defaultTimeout   = 30 * time.Second
	defaultUserAgent = "Scout/1.0"
	maxBodyBytes     = 5 << 20
)

// Settings is the per-instance configuration.
type Settings struct {
	MaxChars       int    `json:"maxChars"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	UserAgent      string `json:"userAgent"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"maxChars": {"type": "integer", "minimum": 1},
		"timeoutSeconds": {"type": "integer", "minimum": 1},
		"userAgent": {"type": "string", "minLength": 1}
	},
	"additionalProperties": false
}`

// Module is the web-fetch plugin definition.
var Module = plugin.Module{
	ID:          PluginID,
	Name:        "Web Fetch",
	Description: "Fetch web pages as markdown.",
	Settings:    plugin.NewSchema[Settings](PluginID, settingsSchema),
	Create:      create,
}

func create(api *plugin.API) (plugin.Instance, error) {
	settings, err := plugin.SettingsAs[Settings](api)
	if err != nil {
		return nil, err
	}
	r := NewReadURL(settings)
	return plugin.Hooks{
		OnLoad: func(context.Context) error {
			return api.Registrar.RegisterTool(r)
		},
		OnUnload: func(context.Context) error {
			api.Registrar.UnregisterTool(r.Name())
			return nil
		},
	}, nil
}

// ReadURL fetches a URL and converts its HTML content to markdown. Plain
// text and JSON bodies are returned as-is.
type ReadURL struct {
	client    *http.Client
	maxChars  int
	userAgent string
}

// NewReadURL creates a ReadURL tool, applying defaults for unset settings.
func NewReadURL(s Settings) *ReadURL {
	timeout := defaultTimeout
	if s.TimeoutSeconds > 0 {
		timeout = time.Duration(s.TimeoutSeconds) * time.Second
	}
	r := &ReadURL{
		client:    &http.Client{Timeout: timeout},
		maxChars:  s.MaxChars,
		userAgent: s.UserAgent,
	}
	if r.maxChars <= 0 {
		r.maxChars = defaultMaxChars
	}
	if r.userAgent == "" {
		r.userAgent = defaultUserAgent
	}
	return r
}

func (r *ReadURL) Name() string        { return "read_url" }
func (r *ReadURL) Description() string { return "Fetch a URL and return its content as markdown" }
func (r *ReadURL) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"url": {"type": "string", "minLength": 1, "description": "The URL to fetch"}
		},
		"required": ["url"],
		"additionalProperties": false
	}`)
}

func (r *ReadURL) Execute(ctx context.Context, args json.RawMessage, _ *tool.ExecutionContext) (*tool.Result, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if params.URL == "" {
		return nil, fmt.Errorf("url is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, params.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	content := string(body)
	if isHTML(resp.Header.Get("Content-Type")) {
		content, err = htmltomarkdown.ConvertString(content)
		if err != nil {
			return nil, fmt.Errorf("convert to markdown: %w", err)
		}
	}

	if len(content) > r.maxChars {
		content = content[:r.maxChars] + "\n\n[Content truncated]"
	}
	return tool.Text(content), nil
}

// isHTML treats a missing content type as HTML.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
