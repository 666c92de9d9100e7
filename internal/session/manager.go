// internal/session/manager.go
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/user/scout/internal/types"
)

// ErrQueueFull is returned when a session lane cannot accept more messages.
var ErrQueueFull = errors.New("session queue full")

// ErrStopped is returned by HandleMessage after Stop.
var ErrStopped = errors.New("session manager stopped")

const laneBuffer = 100

// Handler runs business logic for one accepted message.
type Handler[S any] func(ctx context.Context, sess *Session[S], entry *types.SessionMessage) error

// ManagerOptions configures a Manager. All callbacks are optional.
type ManagerOptions[S any] struct {
	Store *Store[S]
	// MaxConcurrent caps handlers running at once across all sessions.
	MaxConcurrent int64
	// NewState returns the initial state of a fresh session.
	NewState func() S

	OnSessionCreated func(sess *Session[S], source string, mctx types.MessageContext)
	OnSessionUpdated func(sess *Session[S], entry *types.SessionMessage, source string)
	OnError          func(err error, sess *Session[S], entry *types.SessionMessage)
	Logger           *slog.Logger
}

type job[S any] struct {
	create  bool
	source  string
	mctx    types.MessageContext
	entry   *types.SessionMessage
	handler Handler[S]
}

type lane[S any] struct {
	sess *Session[S]
	jobs chan job[S]
}

// Manager owns in-memory sessions keyed by (source, session or channel id).
// Each session gets its own FIFO lane so handlers for one session never
// overlap, while the semaphore bounds parallelism across sessions.
type Manager[S any] struct {
	opts   ManagerOptions[S]
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	lanes   map[types.SessionKey]*lane[S]
	stopped bool

	pending atomic.Int64
	closing atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager creates a Manager. MaxConcurrent defaults to 4.
func NewManager[S any](opts ManagerOptions[S]) *Manager[S] {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "sessions.manager")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager[S]{
		opts:   opts,
		logger: logger,
		sem:    semaphore.NewWeighted(opts.MaxConcurrent),
		lanes:  make(map[types.SessionKey]*lane[S]),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Key returns the session key a message from source with mctx maps to.
func Key(source string, mctx types.MessageContext) types.SessionKey {
	return types.NewSessionKey(source, mctx.ConversationID())
}

// HandleMessage routes msg to its session, creating the session on first
// contact, and queues handler behind any earlier work for that session.
// It returns once the message is queued; the handler runs asynchronously.
func (m *Manager[S]) HandleMessage(source string, msg types.ConnectorMessage, mctx types.MessageContext, handler Handler[S]) (*Session[S], error) {
	entry := &types.SessionMessage{
		ID:         types.NewMessageID(),
		Message:    msg,
		Context:    mctx,
		ReceivedAt: time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return nil, ErrStopped
	}

	key := Key(source, mctx)
	l, ok := m.lanes[key]
	if !ok {
		now := time.Now()
		var state S
		if m.opts.NewState != nil {
			state = m.opts.NewState()
		}
		l = m.startLane(newSession(key, types.NewStorageID(), now, now, state))
		// The creation record is the lane's first job so it always precedes
		// the first incoming entry in the log.
		m.enqueueLocked(l, job[S]{create: true, source: source, mctx: mctx})
	}

	if err := m.enqueueLocked(l, job[S]{source: source, mctx: mctx, entry: entry, handler: handler}); err != nil {
		return l.sess, err
	}
	return l.sess, nil
}

// RestoreSession rehydrates a session from replayed log data. It persists
// nothing and fires no callbacks.
func (m *Manager[S]) RestoreSession(id types.SessionKey, storageID types.StorageID, state S, createdAt, updatedAt time.Time) *Session[S] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.lanes[id]; ok {
		return l.sess
	}
	return m.startLane(newSession(id, storageID, createdAt, updatedAt, state)).sess
}

// Get returns the session for key, if present.
func (m *Manager[S]) Get(key types.SessionKey) (*Session[S], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lanes[key]
	if !ok {
		return nil, false
	}
	return l.sess, true
}

// List returns metadata for every in-memory session, newest activity first.
func (m *Manager[S]) List() []Info {
	m.mu.Lock()
	infos := make([]Info, 0, len(m.lanes))
	for _, l := range m.lanes {
		infos = append(infos, l.sess.Info())
	}
	m.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos
}

// startLane registers a session and its worker. Caller must hold m.mu.
func (m *Manager[S]) startLane(sess *Session[S]) *lane[S] {
	l := &lane[S]{sess: sess, jobs: make(chan job[S], laneBuffer)}
	m.lanes[sess.ID] = l
	m.wg.Add(1)
	go m.processLane(l)
	return l
}

// enqueueLocked adds a job to a lane. Caller must hold m.mu.
func (m *Manager[S]) enqueueLocked(l *lane[S], j job[S]) error {
	m.pending.Add(1)
	select {
	case l.jobs <- j:
		return nil
	default:
		m.pending.Add(-1)
		return fmt.Errorf("%w: %s", ErrQueueFull, l.sess.ID)
	}
}

func (m *Manager[S]) processLane(l *lane[S]) {
	defer m.wg.Done()
	for j := range l.jobs {
		if m.closing.Load() {
			m.pending.Add(-1)
			continue
		}
		if err := m.sem.Acquire(m.ctx, 1); err != nil {
			m.pending.Add(-1)
			continue
		}
		m.run(l.sess, j)
		m.sem.Release(1)
		m.pending.Add(-1)
	}
}

func (m *Manager[S]) run(sess *Session[S], j job[S]) {
	ctx := m.ctx
	if j.create {
		if m.opts.Store != nil {
			if err := m.opts.Store.RecordSessionCreated(ctx, sess, j.source, j.mctx); err != nil {
				m.logger.Warn("failed to persist session creation", "session_id", string(sess.ID), "error", err)
			}
		}
		if m.opts.OnSessionCreated != nil {
			m.opts.OnSessionCreated(sess, j.source, j.mctx)
		}
		return
	}

	sess.Touch(j.entry.ReceivedAt)
	if m.opts.Store != nil {
		if err := m.opts.Store.RecordIncoming(ctx, sess, j.entry, j.source); err != nil {
			m.logger.Warn("failed to persist incoming message", "session_id", string(sess.ID), "error", err)
		}
	}
	if m.opts.OnSessionUpdated != nil {
		m.opts.OnSessionUpdated(sess, j.entry, j.source)
	}

	if err := m.invoke(ctx, sess, j); err != nil {
		m.logger.Error("session handler failed", "session_id", string(sess.ID), "error", err)
		if m.opts.OnError != nil {
			m.opts.OnError(err, sess, j.entry)
		}
	}
}

func (m *Manager[S]) invoke(ctx context.Context, sess *Session[S], j job[S]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session handler panic: %v", r)
		}
	}()
	if j.handler == nil {
		return nil
	}
	return j.handler(ctx, sess, j.entry)
}

// WaitIdle blocks until every queued job has finished, or the timeout
// expires. Returns true if idle, false if timed out.
func (m *Manager[S]) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.pending.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// Stop rejects new messages, discards queued work and waits for in-flight
// handlers to return.
func (m *Manager[S]) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.closing.Store(true)
	for _, l := range m.lanes {
		close(l.jobs)
	}
	m.mu.Unlock()

	m.wg.Wait()
	m.cancel()
}
