// internal/session/store.go
package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/user/scout/internal/types"
)

// Store is a JSONL-backed append-only session log.
// Each session is stored in <dir>/<storageId>.jsonl.
type Store[S any] struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[types.StorageID]*sync.Mutex
}

// NewStore creates a file-backed Store rooted at dir.
func NewStore[S any](dir string) *Store[S] {
	return &Store[S]{
		dir:    dir,
		logger: slog.Default().With("component", "sessions.store"),
		locks:  make(map[types.StorageID]*sync.Mutex),
	}
}

// Dir returns the directory holding the session logs.
func (s *Store[S]) Dir() string {
	return s.dir
}

func (s *Store[S]) getLock(id types.StorageID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[id] = lock
	return lock
}

func (s *Store[S]) logPath(id types.StorageID) string {
	return filepath.Join(s.dir, string(id)+".jsonl")
}

// RecordSessionCreated appends the session_created entry.
func (s *Store[S]) RecordSessionCreated(ctx context.Context, sess *Session[S], source string, mctx types.MessageContext) error {
	createdAt := sess.CreatedAt
	return s.append(ctx, &Entry{
		Type:      EntrySessionCreated,
		SessionID: sess.ID,
		StorageID: sess.StorageID,
		Source:    source,
		Context:   &mctx,
		CreatedAt: &createdAt,
	})
}

// RecordIncoming appends an incoming message.
func (s *Store[S]) RecordIncoming(ctx context.Context, sess *Session[S], msg *types.SessionMessage, source string) error {
	receivedAt := msg.ReceivedAt
	mctx := msg.Context
	return s.append(ctx, &Entry{
		Type:       EntryIncoming,
		SessionID:  sess.ID,
		StorageID:  sess.StorageID,
		Source:     source,
		MessageID:  msg.ID,
		Context:    &mctx,
		Text:       msg.Message.Text,
		Files:      msg.Message.Files,
		ReceivedAt: &receivedAt,
	})
}

// RecordOutgoing appends a reply sent on behalf of the session.
func (s *Store[S]) RecordOutgoing(ctx context.Context, sess *Session[S], messageID types.MessageID, source string, mctx types.MessageContext, msg types.ConnectorMessage) error {
	sentAt := time.Now()
	return s.append(ctx, &Entry{
		Type:      EntryOutgoing,
		SessionID: sess.ID,
		StorageID: sess.StorageID,
		Source:    source,
		MessageID: messageID,
		Context:   &mctx,
		Text:      msg.Text,
		Files:     msg.Files,
		SentAt:    &sentAt,
	})
}

// RecordState appends a snapshot of the session state. Must be called from
// the session's handler.
func (s *Store[S]) RecordState(ctx context.Context, sess *Session[S]) error {
	state, err := json.Marshal(sess.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	updatedAt := sess.UpdatedAt()
	return s.append(ctx, &Entry{
		Type:      EntryState,
		SessionID: sess.ID,
		StorageID: sess.StorageID,
		UpdatedAt: &updatedAt,
		State:     state,
	})
}

func (s *Store[S]) append(_ context.Context, entry *Entry) error {
	lock := s.getLock(entry.StorageID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	f, err := os.OpenFile(s.logPath(entry.StorageID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write entry: %w", err)
	}
	return nil
}

// ReadEntries returns every parseable entry of a session log in file order.
// Malformed lines are skipped. A missing log yields no entries.
func (s *Store[S]) ReadEntries(id types.StorageID) ([]Entry, error) {
	if strings.ContainsAny(string(id), `/\`) {
		return nil, fmt.Errorf("invalid storage id %q", id)
	}
	lock := s.getLock(id)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.logPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session log: %w", err)
	}

	var entries []Entry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			s.logger.Warn("skipping malformed session entry", "storage_id", string(id), "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan session log: %w", err)
	}
	return entries, nil
}

func (s *Store[S]) storageIDs() ([]types.StorageID, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}
	var ids []types.StorageID
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		ids = append(ids, types.StorageID(strings.TrimSuffix(e.Name(), ".jsonl")))
	}
	return ids, nil
}

// LoadSessions replays every session log. Logs that never name a source
// and context are skipped. Absent state decodes to the zero value of S.
func (s *Store[S]) LoadSessions() ([]Restored[S], error) {
	ids, err := s.storageIDs()
	if err != nil {
		return nil, err
	}

	var restored []Restored[S]
	for _, id := range ids {
		entries, err := s.ReadEntries(id)
		if err != nil {
			s.logger.Warn("skipping unreadable session log", "storage_id", string(id), "error", err)
			continue
		}
		r, ok := s.fold(id, entries)
		if ok {
			restored = append(restored, r)
		}
	}
	return restored, nil
}

func (s *Store[S]) fold(id types.StorageID, entries []Entry) (Restored[S], bool) {
	r := Restored[S]{StorageID: id}
	var (
		haveContext bool
		state       json.RawMessage
	)
	for _, e := range entries {
		if e.SessionID == "" {
			continue
		}
		r.SessionID = e.SessionID

		switch e.Type {
		case EntrySessionCreated:
			r.Source = e.Source
			if e.Context != nil {
				r.Context, haveContext = *e.Context, true
			}
			if e.CreatedAt != nil {
				r.CreatedAt = *e.CreatedAt
			}
		case EntryIncoming, EntryOutgoing:
			r.Source = e.Source
			if e.Context != nil {
				r.Context, haveContext = *e.Context, true
			}
			r.LastEntryType = e.Type
			if e.Type == EntryIncoming && e.ReceivedAt != nil {
				r.UpdatedAt = *e.ReceivedAt
			}
			if e.Type == EntryOutgoing && e.SentAt != nil {
				r.UpdatedAt = *e.SentAt
			}
		case EntryState:
			state = e.State
			if e.UpdatedAt != nil {
				r.UpdatedAt = *e.UpdatedAt
			}
		}
	}

	if r.SessionID == "" || r.Source == "" || !haveContext {
		return r, false
	}
	if len(state) > 0 && string(state) != "null" {
		if err := json.Unmarshal(state, &r.State); err != nil {
			s.logger.Warn("discarding undecodable session state", "storage_id", string(id), "error", err)
		}
	}
	return r, true
}

// ListSessions summarizes every restorable session, most recently updated
// first.
func (s *Store[S]) ListSessions() ([]Summary, error) {
	ids, err := s.storageIDs()
	if err != nil {
		return nil, err
	}

	var summaries []Summary
	for _, id := range ids {
		entries, err := s.ReadEntries(id)
		if err != nil {
			continue
		}
		r, ok := s.fold(id, entries)
		if !ok {
			continue
		}
		sum := Summary{
			SessionID: r.SessionID,
			StorageID: r.StorageID,
			Source:    r.Source,
			Context:   r.Context,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
		for i := len(entries) - 1; i >= 0; i-- {
			if entries[i].Type == EntryIncoming || entries[i].Type == EntryOutgoing {
				sum.LastMessage = entries[i].Text
				sum.LastFiles = entries[i].Files
				break
			}
		}
		summaries = append(summaries, sum)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}
