package memory

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/user/scout/internal/types"
)

// ErrNotFound is returned by Delete for an unknown entry id.
var ErrNotFound = errors.New("memory entry not found")

// Role tags who produced an entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleNote      Role = "note"
)

// Entry is one remembered piece of text.
type Entry struct {
	ID        string                `json:"id"`
	SessionID string                `json:"sessionId,omitempty"`
	Source    string                `json:"source,omitempty"`
	Role      Role                  `json:"role"`
	Text      string                `json:"text"`
	Files     []types.FileReference `json:"files,omitempty"`
	CreatedAt time.Time             `json:"createdAt"`
}

// timeLayout has fixed width so created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store keeps entries in a SQLite database and optionally caps how many
// are retained, dropping the oldest first.
type Store struct {
	db         *sql.DB
	maxEntries int
	now        func() time.Time
}

// OpenStore opens (or creates) memory.db under dir.
func OpenStore(dir string, maxEntries int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dir, "memory.db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, maxEntries: maxEntries, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			text TEXT NOT NULL,
			files TEXT,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record stores a new entry and prunes past the retention cap.
func (s *Store) Record(e Entry) (Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("generate id: %w", err)
	}
	e.ID = id.String()
	e.CreatedAt = s.now().UTC()

	var files sql.NullString
	if len(e.Files) > 0 {
		data, err := json.Marshal(e.Files)
		if err != nil {
			return Entry{}, fmt.Errorf("encode files: %w", err)
		}
		files = sql.NullString{String: string(data), Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO memories (id, session_id, source, role, text, files, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.SessionID, e.Source, string(e.Role), e.Text, files, e.CreatedAt.Format(timeLayout))
	if err != nil {
		return Entry{}, fmt.Errorf("insert: %w", err)
	}

	if s.maxEntries > 0 {
		if err := s.prune(); err != nil {
			return Entry{}, fmt.Errorf("prune: %w", err)
		}
	}
	return e, nil
}

// prune keeps the newest maxEntries rows. Rowid breaks ties between
// entries recorded within the same clock tick.
func (s *Store) prune() error {
	_, err := s.db.Exec(`
		DELETE FROM memories WHERE id NOT IN (
			SELECT id FROM memories ORDER BY created_at DESC, rowid DESC LIMIT ?
		)
	`, s.maxEntries)
	return err
}

// Search returns up to limit entries whose text contains query, case
// insensitively, oldest first. An empty query returns the latest entries.
func (s *Store) Search(query string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 10
	}
	needle := strings.TrimSpace(query)

	var (
		rows *sql.Rows
		err  error
	)
	if needle == "" {
		rows, err = s.db.Query(`
			SELECT id, session_id, source, role, text, files, created_at FROM memories
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		`, limit)
	} else {
		rows, err = s.db.Query(`
			SELECT id, session_id, source, role, text, files, created_at FROM memories
			WHERE text LIKE ? ESCAPE '\'
			ORDER BY created_at DESC, rowid DESC LIMIT ?
		`, "%"+escapeLike(needle)+"%", limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			role    string
			files   sql.NullString
			created string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Source, &role, &e.Text, &files, &created); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		e.Role = Role(role)
		if files.Valid && files.String != "" {
			if err := json.Unmarshal([]byte(files.String), &e.Files); err != nil {
				return nil, fmt.Errorf("decode files: %w", err)
			}
		}
		e.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Rows come newest first so LIMIT keeps the latest matches.
	slices.Reverse(out)
	return out, nil
}

// Delete removes one entry.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM memories WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Count returns the number of stored entries.
func (s *Store) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM memories`).Scan(&n)
	return n, err
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
