package inference

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/pkg/llm"
)

// ErrNoProvider means no configured provider produced a client.
var ErrNoProvider = errors.New("no inference provider available")

// ErrEmptyResponse means a client returned neither a message nor an error.
var ErrEmptyResponse = errors.New("empty inference response")

// Hooks observe a single Complete call. Each hook fires at most once per
// provider attempt.
type Hooks struct {
	OnAttempt  func(providerID, modelID string)
	OnFallback func(providerID string, err error)
	OnSuccess  func(providerID, modelID string, msg *llm.Message)
	OnFailure  func(providerID string, err error)
}

// Result is a completed inference.
type Result struct {
	Message    *llm.Message
	ProviderID string
	ModelID    string
}

// Router tries providers strictly in configured order. Client construction
// failures fall through to the next provider; a failure of the request
// itself is returned without trying further providers.
type Router struct {
	registry *Registry
	auth     *auth.Store
	logger   *slog.Logger

	mu        sync.RWMutex
	providers []ProviderConfig
}

func NewRouter(providers []ProviderConfig, registry *Registry, authStore *auth.Store) *Router {
	return &Router{
		registry:  registry,
		auth:      authStore,
		logger:    slog.Default().With("component", "inference.router"),
		providers: providers,
	}
}

// UpdateProviders replaces the fallback list.
func (r *Router) UpdateProviders(providers []ProviderConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers = providers
}

func (r *Router) Providers() []ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]ProviderConfig(nil), r.providers...)
}

// Complete runs one completion request.
func (r *Router) Complete(ctx context.Context, conv *llm.Conversation, sessionID string, hooks Hooks) (*Result, error) {
	var lastErr error

	for _, cfg := range r.Providers() {
		provider, ok := r.registry.Get(cfg.ID)
		if !ok {
			r.logger.Warn("missing inference provider", "provider", cfg.ID)
			continue
		}

		client, err := provider.NewClient(ctx, ClientOptions{
			Model:   cfg.Model,
			Options: cfg.Options,
			Auth:    r.auth,
			Logger:  r.logger.With("provider", cfg.ID),
		})
		if err != nil {
			lastErr = err
			r.logger.Warn("inference provider unavailable, falling back", "provider", cfg.ID, "error", err)
			if hooks.OnFallback != nil {
				hooks.OnFallback(cfg.ID, err)
			}
			continue
		}

		modelID := client.ModelID()
		if hooks.OnAttempt != nil {
			hooks.OnAttempt(cfg.ID, modelID)
		}
		msg, err := client.Complete(ctx, conv, sessionID)
		if err == nil && msg == nil {
			err = ErrEmptyResponse
		}
		if err != nil {
			if hooks.OnFailure != nil {
				hooks.OnFailure(cfg.ID, err)
			}
			return nil, fmt.Errorf("inference via %s: %w", cfg.ID, err)
		}
		if hooks.OnSuccess != nil {
			hooks.OnSuccess(cfg.ID, modelID, msg)
		}
		return &Result{Message: msg, ProviderID: cfg.ID, ModelID: modelID}, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoProvider, lastErr)
	}
	return nil, ErrNoProvider
}
