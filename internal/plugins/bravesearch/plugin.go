// Package bravesearch registers a web search tool backed by the Brave
// Search API.
package bravesearch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/tool"
)

// PluginID is the catalog id of the search plugin.
const PluginID = "brave-search"

const (
	apiKeyKey       = "apiKey"
	defaultToolName = "web_search"
	defaultBaseURL  = "https://api.search.brave.com/res/v1/web/search"
	defaultCount    = 5
)

// Settings is the per-instance configuration.
type Settings struct {
	ToolName string `json:"toolName"`
	BaseURL  string `json:"baseUrl"`
}

const settingsSchema = `{
	"type": "object",
	"properties": {
		"toolName": {"type": "string", "minLength": 1},
		"baseUrl": {"type": "string", "minLength": 1}
	}
}`

// Module is the brave-search plugin definition.
var Module = plugin.Module{
	ID:          PluginID,
	Name:        "Brave Search",
	Description: "Web search tool using the Brave Search API.",
	Settings:    plugin.NewSchema[Settings](PluginID, settingsSchema),
	Create:      create,
	Onboarding:  onboard,
}

func onboard(_ context.Context, api *plugin.OnboardingAPI) (map[string]any, error) {
	key, err := api.Prompt.Input("Brave Search API key", "")
	if err != nil || key == nil || *key == "" {
		return nil, err
	}
	if err := api.Auth.Set(api.InstanceID, apiKeyKey, *key); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func create(api *plugin.API) (plugin.Instance, error) {
	settings, err := plugin.SettingsAs[Settings](api)
	if err != nil {
		return nil, err
	}
	search := &Search{
		name:       settings.ToolName,
		instanceID: api.Instance.InstanceID,
		baseURL:    settings.BaseURL,
		auth:       api.Auth,
		client:     &http.Client{Timeout: 15 * time.Second},
	}
	if search.name == "" {
		search.name = defaultToolName
	}
	if search.baseURL == "" {
		search.baseURL = defaultBaseURL
	}
	return plugin.Hooks{
		OnLoad: func(context.Context) error {
			return api.Registrar.RegisterTool(search)
		},
		OnUnload: func(context.Context) error {
			api.Registrar.UnregisterTool(search.name)
			return nil
		},
	}, nil
}

// Search searches the web via Brave Search. The API key is looked up on
// every call so a key added later takes effect without a reload.
type Search struct {
	name       string
	instanceID string
	baseURL    string
	auth       *auth.Store
	client     *http.Client
}

func (s *Search) Name() string { return s.name }
func (s *Search) Description() string {
	return "Search the web using Brave Search and return concise results."
}

func (s *Search) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "minLength": 1, "description": "Search query"},
			"count": {"type": "integer", "minimum": 1, "maximum": 10, "description": "Number of results (default: 5)"},
			"country": {"type": "string", "minLength": 2},
			"language": {"type": "string", "minLength": 2},
			"safeSearch": {"type": "boolean"}
		},
		"required": ["query"],
		"additionalProperties": false
	}`)
}

type searchArgs struct {
	Query      string `json:"query"`
	Count      int    `json:"count"`
	Country    string `json:"country"`
	Language   string `json:"language"`
	SafeSearch *bool  `json:"safeSearch"`
}

type braveResponse struct {
	Web struct {
		Results []braveResult `json:"results"`
	} `json:"web"`
}

type braveResult struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func (s *Search) Execute(ctx context.Context, args json.RawMessage, _ *tool.ExecutionContext) (*tool.Result, error) {
	var params searchArgs
	if err := json.Unmarshal(args, &params); err != nil {
		return nil, fmt.Errorf("parse args: %w", err)
	}
	if params.Count <= 0 {
		params.Count = defaultCount
	}

	if s.auth == nil {
		return nil, errors.New("auth store unavailable")
	}
	key, err := s.auth.Get(s.instanceID, apiKeyKey)
	if err != nil {
		return nil, fmt.Errorf("read api key: %w", err)
	}
	if key == "" {
		return nil, errors.New("missing brave-search apiKey in auth store")
	}

	u, err := url.Parse(s.baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("q", params.Query)
	q.Set("count", strconv.Itoa(params.Count))
	if params.Country != "" {
		q.Set("country", params.Country)
	}
	if params.Language != "" {
		q.Set("search_lang", params.Language)
	}
	if params.SafeSearch != nil {
		if *params.SafeSearch {
			q.Set("safesearch", "moderate")
		} else {
			q.Set("safesearch", "off")
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", key)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("brave search failed (status %d): %s", resp.StatusCode, string(body))
	}

	var result braveResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	return tool.Text(formatResults(result.Web.Results, params.Count)), nil
}

func formatResults(results []braveResult, limit int) string {
	if len(results) > limit {
		results = results[:limit]
	}
	if len(results) == 0 {
		return "No results found."
	}
	blocks := make([]string, 0, len(results))
	for i, r := range results {
		title := r.Title
		if title == "" {
			title = "Untitled"
		}
		block := fmt.Sprintf("%d. %s\n%s\n%s", i+1, title, r.URL, r.Description)
		blocks = append(blocks, strings.TrimSpace(block))
	}
	return strings.Join(blocks, "\n\n")
}
