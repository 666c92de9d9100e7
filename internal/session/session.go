// internal/session/session.go
package session

import (
	"sync"
	"time"

	"github.com/user/scout/internal/types"
)

// Session is one ongoing conversation. State is owned by the session's
// handler: only the single in-flight handler may read or write it.
type Session[S any] struct {
	ID        types.SessionKey
	StorageID types.StorageID
	CreatedAt time.Time
	State     S

	mu        sync.Mutex
	updatedAt time.Time
}

func newSession[S any](id types.SessionKey, storageID types.StorageID, createdAt, updatedAt time.Time, state S) *Session[S] {
	return &Session[S]{
		ID:        id,
		StorageID: storageID,
		CreatedAt: createdAt,
		State:     state,
		updatedAt: updatedAt,
	}
}

// UpdatedAt returns the last time the session was touched.
func (s *Session[S]) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Touch records activity on the session.
func (s *Session[S]) Touch(at time.Time) {
	s.mu.Lock()
	s.updatedAt = at
	s.mu.Unlock()
}

// Info is a race-free snapshot of session metadata.
type Info struct {
	ID        types.SessionKey `json:"id"`
	StorageID types.StorageID  `json:"storageId"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

func (s *Session[S]) Info() Info {
	return Info{ID: s.ID, StorageID: s.StorageID, CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt()}
}
