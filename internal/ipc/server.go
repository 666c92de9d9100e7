// Package ipc exposes the engine to local clients over HTTP on a unix
// socket: status and listings, plugin and cron control, tool execution and
// a websocket event stream.
package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
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

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
)

// Server is the HTTP handler for the engine control API.
type Server struct {
	engine   *engine.Engine
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu         sync.Mutex
	httpServer *http.Server
	socketPath string
	done       chan struct{}
}

// NewServer creates a Server for e.
func NewServer(e *engine.Engine) *Server {
	s := &Server{
		engine: e,
		mux:    http.NewServeMux(),
		logger: slog.Default().With("component", "engine.server"),
		done:   make(chan struct{}),
	}
	s.mux.HandleFunc("GET /v1/engine/status", s.handleStatus)
	s.mux.HandleFunc("GET /v1/engine/cron/tasks", s.handleCronTasks)
	s.mux.HandleFunc("DELETE /v1/engine/cron/tasks/{id}", s.handleCronRemove)
	s.mux.HandleFunc("GET /v1/engine/sessions", s.handleSessions)
	s.mux.HandleFunc("GET /v1/engine/sessions/{storageId}", s.handleSessionEntries)
	s.mux.HandleFunc("GET /v1/engine/memory/search", s.handleMemorySearch)
	s.mux.HandleFunc("GET /v1/engine/plugins", s.handlePlugins)
	s.mux.HandleFunc("GET /v1/engine/plugin-events", s.handlePluginEvents)
	s.mux.HandleFunc("POST /v1/engine/plugins/load", s.handlePluginLoad)
	s.mux.HandleFunc("POST /v1/engine/plugins/unload", s.handlePluginUnload)
	s.mux.HandleFunc("POST /v1/engine/auth", s.handleAuth)
	s.mux.HandleFunc("POST /v1/engine/reload", s.handleReload)
	s.mux.HandleFunc("POST /v1/engine/tools/{name}", s.handleTool)
	s.mux.HandleFunc("GET /v1/engine/events", s.handleEvents)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Listen binds socketPath, replacing a stale socket file, and serves in
// the background until Close.
func (s *Server) Listen(socketPath string) error {
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket dir: %w", err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("chmod socket: %w", err)
	}

	srv := &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.httpServer = srv
	s.socketPath = socketPath
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("engine server error", "error", err)
		}
	}()
	s.logger.Info("engine server ready", "socket", socketPath)
	return nil
}

// Close stops the listener, ends event streams and removes the socket.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	srv, socketPath := s.httpServer, s.socketPath
	s.httpServer = nil
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if rmErr := os.Remove(socketPath); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"ok": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"status": s.engine.Status()})
}

func (s *Server) handleCronTasks(w http.ResponseWriter, r *http.Request) {
	writeOK(w, map[string]any{"tasks": s.engine.CronTasks()})
}

func (s *Server) handleCronRemove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.engine.RemoveCronTask(id); err != nil {
		if errors.Is(err, cron.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		s.logger.Error("remove cron task failed", "task_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.engine.SessionStore().ListSessions()
	if err != nil {
		s.logger.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []session.Summary{}
	}
	writeOK(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleSessionEntries(w http.ResponseWriter, r *http.Request) {
	storageID := r.PathValue("storageId")
	if storageID == "" || filepath.Base(storageID) != storageID || storageID == ".." {
		writeError(w, http.StatusBadRequest, "invalid storage id")
		return
	}
	entries, err := s.engine.SessionStore().ReadEntries(types.StorageID(storageID))
	if err != nil {
		s.logger.Error("read session failed", "storage_id", storageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if entries == nil {
		entries = []session.Entry{}
	}
	writeOK(w, map[string]any{"entries": entries})
}

func (s *Server) handleMemorySearch(w http.ResponseWriter, r *http.Request) {
	args, _ := json.Marshal(map[string]string{"query": r.URL.Query().Get("query")})
	res, err := s.engine.ExecuteTool(r.Context(), "memory_search", args, nil)
	if err != nil {
		writeError(w, http.StatusBadRequest, "memory tool unavailable")
		return
	}
	writeOK(w, map[string]any{"results": res.Message.Content})
}

func (s *Server) handlePlugins(w http.ResponseWriter, r *http.Request) {
	manager := s.engine.PluginManager()
	configured := s.engine.Settings().Plugins
	if configured == nil {
		configured = []config.PluginInstance{}
	}
	writeOK(w, map[string]any{
		"loaded":     manager.ListLoaded(),
		"configured": configured,
		"available":  manager.ListAvailable(),
	})
}

func (s *Server) handlePluginEvents(w http.ResponseWriter, r *http.Request) {
	drained := s.engine.PluginEvents().Drain()
	if drained == nil {
		drained = []events.PluginEvent{}
	}
	writeOK(w, map[string]any{"events": drained})
}

// PluginLoadRequest asks for a plugin instance to be enabled. Missing ids
// default to each other.
type PluginLoadRequest struct {
	PluginID   string         `json:"pluginId,omitempty"`
	InstanceID string         `json:"instanceId,omitempty"`
	ID         string         `json:"id,omitempty"`
	Settings   map[string]any `json:"settings,omitempty"`
}

func (s *Server) handlePluginLoad(w http.ResponseWriter, r *http.Request) {
	var req PluginLoadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pluginID := firstNonEmpty(req.PluginID, req.ID, req.InstanceID)
	instanceID := firstNonEmpty(req.InstanceID, req.ID, pluginID)
	if pluginID == "" {
		writeError(w, http.StatusBadRequest, "pluginId or instanceId required")
		return
	}
	s.logger.Info("plugin load requested", "plugin_id", pluginID, "instance_id", instanceID)

	current, ok := s.engine.Settings().Plugin(instanceID)
	entry := config.PluginInstance{InstanceID: instanceID, PluginID: pluginID}
	if ok {
		entry = current
	}
	entry.Enabled = types.Ptr(true)
	if req.Settings != nil {
		entry.Settings = req.Settings
	}
	if err := s.engine.PluginManager().Validate(entry); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	err := s.updateSettings(r.Context(), func(st *config.Settings) error {
		st.UpsertPlugin(entry)
		return nil
	})
	if err != nil {
		s.writeUpdateError(w, err)
		return
	}
	if !s.engine.PluginManager().IsLoaded(instanceID) {
		writeError(w, http.StatusInternalServerError, "plugin did not load")
		return
	}
	writeOK(w, nil)
}

// PluginUnloadRequest asks for a plugin instance to be disabled.
type PluginUnloadRequest struct {
	InstanceID string `json:"instanceId,omitempty"`
	ID         string `json:"id,omitempty"`
}

func (s *Server) handlePluginUnload(w http.ResponseWriter, r *http.Request) {
	var req PluginUnloadRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	instanceID := firstNonEmpty(req.InstanceID, req.ID)
	if instanceID == "" {
		writeError(w, http.StatusBadRequest, "instanceId required")
		return
	}
	s.logger.Info("plugin unload requested", "instance_id", instanceID)

	err := s.updateSettings(r.Context(), func(st *config.Settings) error {
		entry, ok := st.Plugin(instanceID)
		if !ok {
			entry = config.PluginInstance{InstanceID: instanceID, PluginID: instanceID}
		}
		entry.Enabled = types.Ptr(false)
		st.UpsertPlugin(entry)
		return nil
	})
	if err != nil {
		s.writeUpdateError(w, err)
		return
	}
	writeOK(w, nil)
}

// AuthRequest stores one credential.
type AuthRequest struct {
	ID    string `json:"id"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var req AuthRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID == "" || req.Key == "" || req.Value == "" {
		writeError(w, http.StatusBadRequest, "id, key and value are required")
		return
	}
	if err := s.engine.Auth().Set(req.ID, req.Key, req.Value); err != nil {
		s.logger.Error("store credential failed", "plugin_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeOK(w, nil)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	path := s.engine.SettingsPath()
	if path == "" {
		writeError(w, http.StatusBadRequest, "engine has no settings file")
		return
	}
	next, err := config.Load(path)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.engine.UpdateSettings(r.Context(), next); err != nil {
		s.writeUpdateError(w, err)
		return
	}
	s.logger.Info("settings reloaded", "path", path)
	writeOK(w, map[string]any{"status": s.engine.Status()})
}

// ToolRequest runs one tool outside a conversation.
type ToolRequest struct {
	Args    json.RawMessage       `json:"args,omitempty"`
	Context *types.MessageContext `json:"context,omitempty"`
}

func (s *Server) handleTool(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req ToolRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.engine.ExecuteTool(r.Context(), name, req.Args, req.Context)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeOK(w, map[string]any{"result": res.Message.Content, "files": res.Files})
}

// handleEvents streams engine events over a websocket: an init snapshot
// first, then every bus event until either side closes.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch, cancel := s.engine.Bus().Channel(eventBuffer)
	defer cancel()

	init := events.Event{
		Type: events.TypeInit,
		Payload: map[string]any{
			"status": s.engine.Status(),
			"cron":   s.engine.CronTasks(),
		},
		Timestamp: time.Now(),
	}
	if err := writeEvent(conn, init); err != nil {
		return
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-ch:
			if err := writeEvent(conn, ev); err != nil {
				s.logger.Debug("event stream closed", "error", err)
				return
			}
		case <-closed:
			return
		case <-s.done:
			conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
			return
		}
	}
}

func writeEvent(conn *websocket.Conn, ev events.Event) error {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(ev)
}

func (s *Server) updateSettings(ctx context.Context, fn func(*config.Settings) error) error {
	var next *config.Settings
	if path := s.engine.SettingsPath(); path != "" {
		updated, err := config.Update(path, fn)
		if err != nil {
			return err
		}
		next = updated
	} else {
		next = s.engine.Settings().Clone()
		if err := fn(next); err != nil {
			return err
		}
	}
	return s.engine.UpdateSettings(ctx, next)
}

func (s *Server) writeUpdateError(w http.ResponseWriter, err error) {
	var verr *plugin.ValidationError
	if errors.As(err, &verr) || errors.Is(err, plugin.ErrUnknownPlugin) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("settings update failed", "error", err)
	writeError(w, http.StatusInternalServerError, err.Error())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
