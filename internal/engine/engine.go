// Package engine is the composition root. It wires connectors, sessions,
// plugins, inference, tools and cron into the message pipeline.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/user/scout/internal/auth"
	"github.com/user/scout/internal/config"
	"github.com/user/scout/internal/connector"
	"github.com/user/scout/internal/cron"
	"github.com/user/scout/internal/events"
	"github.com/user/scout/internal/files"
	"github.com/user/scout/internal/image"
	"github.com/user/scout/internal/inference"
	"github.com/user/scout/internal/plugin"
	"github.com/user/scout/internal/prompt"
	"github.com/user/scout/internal/session"
	"github.com/user/scout/internal/tool"
	"github.com/user/scout/internal/types"
	"github.com/user/scout/pkg/llm"
)

const (
	// maxToolIterations bounds inference calls per inbound message.
	maxToolIterations = 5

	defaultTokenizerModel = "gpt-4o"
	coreOwner             = "core"
	sendMessageAction     = "send-message"
	defaultCronSource     = "telegram"
)

// SessionState is what the engine keeps per conversation.
type SessionState struct {
	Messages []llm.Message `json:"messages"`
}

// ConnectorMessage is the payload of a connector.message plugin event.
type ConnectorMessage struct {
	Source  string                 `json:"source"`
	Message types.ConnectorMessage `json:"message"`
	Context types.MessageContext   `json:"context"`
}

type Options struct {
	Settings *config.Settings
	// SettingsPath is where runtime changes (plugin load/unload) are saved.
	// Empty disables saving.
	SettingsPath string
	// DataDir defaults to Settings.Engine.DataDir.
	DataDir string
	// AuthPath defaults to <DataDir>/auth.json.
	AuthPath string
	Catalog  plugin.Catalog
	Bus      *events.Bus
	Clock    clockwork.Clock
}

// Status is a snapshot of what is running.
type Status struct {
	Plugins            []plugin.LoadedInfo         `json:"plugins"`
	Connectors         []connector.ConnectorStatus `json:"connectors"`
	InferenceProviders []ProviderInfo              `json:"inferenceProviders"`
	ImageProviders     []ProviderInfo              `json:"imageProviders"`
	Tools              []string                    `json:"tools"`
}

type ProviderInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// Engine owns every long-lived component of the daemon.
type Engine struct {
	opts    Options
	dataDir string
	logger  *slog.Logger
	clock   clockwork.Clock

	settings atomic.Pointer[config.Settings]
	window   atomic.Pointer[prompt.Window]

	bus          *events.Bus
	pluginEvents *events.PluginQueue
	auth         *auth.Store
	files        *files.Store
	connectors   *connector.Registry
	providers    *inference.Registry
	images       *image.Registry
	tools        *tool.Resolver
	router       *inference.Router
	store        *session.Store[SessionState]
	sessions     *session.Manager[SessionState]
	plugins      *plugin.Manager
	cronStore    *cron.TaskStore

	mu          sync.Mutex
	cron        *cron.Scheduler
	stopRouting func()
	started     bool
	stopped     bool
}

// New builds an engine. Nothing runs until Start.
func New(opts Options) (*Engine, error) {
	if opts.Settings == nil {
		opts.Settings = config.Defaults()
	}
	if opts.DataDir == "" {
		opts.DataDir = opts.Settings.Engine.DataDir
	}
	if opts.DataDir == "" {
		return nil, errors.New("engine: data dir is required")
	}
	if opts.AuthPath == "" {
		opts.AuthPath = filepath.Join(opts.DataDir, "auth.json")
	}
	if opts.Bus == nil {
		opts.Bus = events.New()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}

	e := &Engine{
		opts:         opts,
		dataDir:      opts.DataDir,
		logger:       slog.Default().With("component", "engine"),
		clock:        opts.Clock,
		bus:          opts.Bus,
		pluginEvents: events.NewPluginQueue(0),
		auth:         auth.NewStore(opts.AuthPath),
		files:        files.NewStore(filepath.Join(opts.DataDir, "files")),
		providers:    inference.NewRegistry(),
		images:       image.NewRegistry(),
		tools:        tool.NewResolver(),
		store:        session.NewStore[SessionState](filepath.Join(opts.DataDir, "sessions")),
		cronStore:    cron.NewTaskStore(filepath.Join(opts.DataDir, "cron-tasks.json")),
	}
	e.settings.Store(opts.Settings)

	window, err := newWindow(opts.Settings)
	if err != nil {
		return nil, err
	}
	e.window.Store(window)

	e.connectors = connector.NewRegistry(connector.Options{
		OnMessage: func(source string, msg types.ConnectorMessage, mctx types.MessageContext) {
			e.pluginEvents.Emit(events.Source{PluginID: source, InstanceID: source}, events.PluginEventInput{
				Type:    events.TypeConnectorMessage,
				Payload: ConnectorMessage{Source: source, Message: msg, Context: mctx},
			})
		},
		OnFatal: e.handleConnectorFatal,
	})

	e.router = inference.NewRouter(opts.Settings.Inference.Providers, e.providers, e.auth)

	e.sessions = session.NewManager(session.ManagerOptions[SessionState]{
		Store:         e.store,
		MaxConcurrent: int64(opts.Settings.Engine.MaxConcurrent),
		NewState:      func() SessionState { return SessionState{} },
		OnSessionCreated: func(sess *session.Session[SessionState], source string, mctx types.MessageContext) {
			e.bus.Emit(events.TypeSessionCreated, map[string]any{
				"sessionId": sess.ID,
				"source":    source,
				"context":   mctx,
			})
		},
		OnSessionUpdated: func(sess *session.Session[SessionState], entry *types.SessionMessage, source string) {
			e.bus.Emit(events.TypeSessionUpdated, map[string]any{
				"sessionId": sess.ID,
				"source":    source,
				"messageId": entry.ID,
				"entry":     entry,
			})
		},
		OnError: func(err error, sess *session.Session[SessionState], _ *types.SessionMessage) {
			e.logger.Warn("session handler failed", "session_id", string(sess.ID), "error", err)
		},
	})

	e.plugins = plugin.NewManager(plugin.ManagerOptions{
		Catalog: opts.Catalog,
		Registries: plugin.Registries{
			Connectors: e.connectors,
			Inference:  e.providers,
			Images:     e.images,
			Tools:      e.tools,
		},
		Auth:         e.auth,
		Files:        e.files,
		DataDir:      opts.DataDir,
		Events:       e.pluginEvents,
		EngineEvents: e.bus,
	})
	return e, nil
}

func newWindow(s *config.Settings) (*prompt.Window, error) {
	return prompt.New(tokenizerModel(s), s.Engine.ContextTokens, "")
}

func tokenizerModel(s *config.Settings) string {
	for _, p := range s.Inference.Providers {
		if p.Model != "" {
			return p.Model
		}
	}
	return defaultTokenizerModel
}

// Start restores sessions, loads plugins and starts cron. Plugin load
// failures are logged; the engine runs with whatever did load. Event
// routing starts before plugins load so no early message is missed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	if e.stopped {
		return errors.New("engine: already shut down")
	}
	settings := e.Settings()

	if err := e.registerCoreTools(); err != nil {
		return fmt.Errorf("register core tools: %w", err)
	}
	interrupted := e.restoreSessions()

	e.stopRouting = e.pluginEvents.OnEvent(e.routePluginEvent)
	if err := e.plugins.LoadEnabled(ctx, settings); err != nil {
		e.logger.Warn("some plugins failed to load", "error", err)
	}

	tasks, err := e.cronTasks(settings)
	if err != nil {
		e.logger.Warn("failed to read persisted cron tasks", "error", err)
	}
	e.cron = cron.New(cron.Options{
		Tasks: tasks,
		OnMessage: func(_ context.Context, msg types.ConnectorMessage, mctx types.MessageContext, _ cron.Task) {
			if _, err := e.sessions.HandleMessage("cron", msg, mctx, e.sessionHandler("cron")); err != nil {
				e.logger.Warn("cron message rejected", "error", err)
			}
		},
		Actions: map[string]cron.Action{
			sendMessageAction: e.sendCronMessage,
		},
		OnError: func(err error, task cron.Task) {
			e.logger.Warn("cron task failed", "task_id", task.ID, "error", err)
		},
		Clock: e.clock,
	})

	e.notifyInterrupted(ctx, interrupted)

	e.cron.Start()
	e.bus.Emit(events.TypeCronStarted, map[string]any{"tasks": e.cron.ListTasks()})
	e.started = true
	e.logger.Info("engine started", "data_dir", e.dataDir, "plugins", len(e.plugins.ListLoaded()))
	return nil
}

// cronTasks merges configured tasks with those added at runtime. A
// configured task wins over a persisted one with the same id.
func (e *Engine) cronTasks(settings *config.Settings) ([]cron.Task, error) {
	tasks := append([]cron.Task(nil), settings.Cron.Tasks...)
	seen := make(map[string]bool, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			t.ID = fmt.Sprintf("task-%d", i+1)
			tasks[i] = t
		}
		seen[t.ID] = true
	}
	persisted, err := e.cronStore.List()
	if err != nil {
		return tasks, err
	}
	for _, t := range persisted {
		if seen[t.ID] {
			e.logger.Warn("persisted cron task shadowed by settings", "task_id", t.ID)
			continue
		}
		seen[t.ID] = true
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// Shutdown stops connectors, cron, event routing and plugins, then waits
// for in-flight session handlers.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return nil
	}
	e.stopped = true
	sched, stopRouting := e.cron, e.stopRouting
	e.mu.Unlock()

	e.connectors.UnregisterAll(ctx, "shutdown")
	if sched != nil {
		sched.Stop()
	}
	if stopRouting != nil {
		stopRouting()
	}
	e.sessions.Stop()
	err := e.plugins.UnloadAll(ctx)
	e.logger.Info("engine stopped")
	return err
}

// Status reports loaded plugins, connectors, providers and tools.
func (e *Engine) Status() Status {
	st := Status{
		Plugins:            e.plugins.ListLoaded(),
		Connectors:         e.connectors.ListStatus(),
		InferenceProviders: []ProviderInfo{},
		ImageProviders:     []ProviderInfo{},
		Tools:              e.tools.Names(),
	}
	for _, p := range e.providers.List() {
		st.InferenceProviders = append(st.InferenceProviders, ProviderInfo{ID: p.ID(), Label: p.Label()})
	}
	for _, p := range e.images.List() {
		st.ImageProviders = append(st.ImageProviders, ProviderInfo{ID: p.ID(), Label: p.Label()})
	}
	return st
}

// CronTasks lists scheduled tasks. It is empty before Start.
func (e *Engine) CronTasks() []cron.Task {
	e.mu.Lock()
	sched := e.cron
	e.mu.Unlock()
	if sched == nil {
		return []cron.Task{}
	}
	return sched.ListTasks()
}

func (e *Engine) SessionStore() *session.Store[SessionState] {
	return e.store
}

func (e *Engine) PluginManager() *plugin.Manager {
	return e.plugins
}

func (e *Engine) Bus() *events.Bus {
	return e.bus
}

func (e *Engine) PluginEvents() *events.PluginQueue {
	return e.pluginEvents
}

func (e *Engine) Auth() *auth.Store {
	return e.auth
}

// Settings returns the current settings. The value is shared and must not
// be modified; use Clone and UpdateSettings instead.
func (e *Engine) Settings() *config.Settings {
	return e.settings.Load()
}

// SettingsPath is where the engine persists settings changes.
func (e *Engine) SettingsPath() string {
	return e.opts.SettingsPath
}

// UpdateSettings swaps in new settings, reconciles loaded plugins and the
// inference fallback list. Settings that cannot produce a prompt window are
// rejected before anything changes. Plugin reconciliation errors are
// returned after the rest has been applied.
func (e *Engine) UpdateSettings(ctx context.Context, s *config.Settings) error {
	prev := e.settings.Load()
	var window *prompt.Window
	if prev == nil || prev.Engine.ContextTokens != s.Engine.ContextTokens || tokenizerModel(prev) != tokenizerModel(s) {
		w, err := newWindow(s)
		if err != nil {
			return fmt.Errorf("apply settings: %w", err)
		}
		window = w
	}
	e.settings.Store(s)
	if window != nil {
		e.window.Store(window)
	}
	err := e.plugins.SyncWithSettings(ctx, s)
	e.router.UpdateProviders(s.Inference.Providers)
	return err
}

// SaveSettings persists s to SettingsPath and applies it.
func (e *Engine) SaveSettings(ctx context.Context, s *config.Settings) error {
	if e.opts.SettingsPath != "" {
		if err := config.Save(e.opts.SettingsPath, s); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
	}
	return e.UpdateSettings(ctx, s)
}

// ExecuteTool runs one tool outside any conversation. Without a message
// context the call is attributed to a system:<name> session.
func (e *Engine) ExecuteTool(ctx context.Context, name string, args []byte, mctx *types.MessageContext) (*tool.ExecutionResult, error) {
	sessionID := "system:" + name
	if mctx != nil && mctx.SessionID != nil && *mctx.SessionID != "" {
		sessionID = *mctx.SessionID
	}
	msgCtx := types.MessageContext{ChannelID: sessionID, SessionID: types.Ptr(sessionID)}
	if mctx != nil {
		msgCtx = *mctx
		if msgCtx.ChannelID == "" {
			msgCtx.ChannelID = sessionID
		}
	}
	if len(args) == 0 {
		args = []byte(`{}`)
	}

	call := llm.ToolCall{
		ID:       "system-" + string(types.NewMessageID()),
		Type:     "function",
		Function: llm.FunctionCall{Name: name, Arguments: args},
	}
	result := e.tools.Execute(ctx, call, e.executionContext(types.SessionKey(sessionID), "system", msgCtx))
	if result.Message.IsError {
		return result, fmt.Errorf("tool %s: %s", name, result.Message.Content)
	}
	return result, nil
}

func (e *Engine) executionContext(sessionID types.SessionKey, source string, mctx types.MessageContext) *tool.ExecutionContext {
	return &tool.ExecutionContext{
		Connectors:     e.connectors,
		Files:          e.files,
		Auth:           e.auth,
		Logger:         e.logger.With("session_id", string(sessionID)),
		SessionID:      sessionID,
		Source:         source,
		MessageContext: mctx,
	}
}

// routePluginEvent forwards every plugin event to observers and hands
// connector messages to their session.
func (e *Engine) routePluginEvent(ev events.PluginEvent) {
	e.bus.Publish(events.Event{
		Type:       events.TypePluginEvent,
		Payload:    ev,
		PluginID:   ev.PluginID,
		InstanceID: ev.InstanceID,
		Timestamp:  ev.Timestamp,
	})
	if ev.Type != events.TypeConnectorMessage {
		return
	}
	in, ok := ev.Payload.(ConnectorMessage)
	if !ok {
		e.logger.Warn("malformed connector message event", "plugin_id", ev.PluginID)
		return
	}
	if _, err := e.sessions.HandleMessage(in.Source, in.Message, in.Context, e.sessionHandler(in.Source)); err != nil {
		e.logger.Warn("message rejected", "source", in.Source, "error", err)
	}
}

func (e *Engine) sessionHandler(source string) session.Handler[SessionState] {
	return func(ctx context.Context, sess *session.Session[SessionState], entry *types.SessionMessage) error {
		return e.handleSessionMessage(ctx, sess, entry, source)
	}
}

// handleConnectorFatal drops a connector that cannot recover. Unregister
// runs on its own goroutine because the connector may report from inside
// the loop its shutdown waits on.
func (e *Engine) handleConnectorFatal(source, reason string, err error) {
	e.logger.Warn("disabling connector after fatal error", "connector", source, "reason", reason, "error", err)
	go e.connectors.Unregister(context.Background(), source, "fatal")
}

// sendCronMessage delivers a task's message straight to its connector
// without involving inference.
func (e *Engine) sendCronMessage(ctx context.Context, task cron.Task, mctx types.MessageContext) error {
	if task.Once {
		if err := e.cronStore.Remove(task.ID); err != nil && !errors.Is(err, cron.ErrTaskNotFound) {
			e.logger.Warn("failed to forget fired cron task", "task_id", task.ID, "error", err)
		}
	}
	source := task.Source
	if source == "" {
		source = defaultCronSource
	}
	conn, ok := e.connectors.Get(source)
	if !ok {
		e.logger.Warn("cron send-message skipped, connector not loaded", "task_id", task.ID, "connector", source)
		return nil
	}
	if task.Message == nil || *task.Message == "" {
		e.logger.Warn("cron send-message skipped, empty message", "task_id", task.ID)
		return nil
	}
	if err := conn.SendMessage(ctx, mctx.ChannelID, types.ConnectorMessage{Text: types.Ptr(*task.Message)}); err != nil {
		return fmt.Errorf("send to %s: %w", source, err)
	}
	return nil
}

type interruptedSession struct {
	session *session.Session[SessionState]
	source  string
	context types.MessageContext
}

// restoreSessions rehydrates every logged session and returns those whose
// log ends on an unanswered message, i.e. that crashed mid-turn.
func (e *Engine) restoreSessions() []interruptedSession {
	restored, err := e.store.LoadSessions()
	if err != nil {
		e.logger.Warn("failed to load sessions", "error", err)
		return nil
	}
	var interrupted []interruptedSession
	for _, r := range restored {
		sess := e.sessions.RestoreSession(r.SessionID, r.StorageID, r.State, r.CreatedAt, r.UpdatedAt)
		if r.LastEntryType == session.EntryIncoming {
			interrupted = append(interrupted, interruptedSession{session: sess, source: r.Source, context: r.Context})
		}
	}
	e.logger.Info("sessions restored", "count", len(restored), "interrupted", len(interrupted))
	return interrupted
}

// notifyInterrupted sends one generic error to each interrupted session and
// closes its log with that reply, so the next restart stays quiet.
func (e *Engine) notifyInterrupted(ctx context.Context, interrupted []interruptedSession) {
	for _, in := range interrupted {
		logger := e.logger.With("session_id", string(in.session.ID), "connector", in.source)
		conn, ok := e.connectors.Get(in.source)
		if !ok {
			logger.Warn("cannot report interrupted session, connector not loaded")
			continue
		}
		msg := types.ConnectorMessage{Text: types.Ptr(internalErrorText)}
		if err := conn.SendMessage(ctx, in.context.ChannelID, msg); err != nil {
			logger.Warn("failed to report interrupted session", "error", err)
			continue
		}
		if err := e.store.RecordOutgoing(ctx, in.session, types.NewMessageID(), in.source, in.context, msg); err != nil {
			logger.Warn("failed to persist outgoing message", "error", err)
		}
	}
}
