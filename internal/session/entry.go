// internal/session/entry.go
package session

import (
	"encoding/json"
	"time"

	"github.com/user/scout/internal/types"
)

// EntryType discriminates session log records.
type EntryType string

const (
	EntrySessionCreated EntryType = "session_created"
	EntryIncoming       EntryType = "incoming"
	EntryOutgoing       EntryType = "outgoing"
	EntryState          EntryType = "state"
)

// Entry is one line of a session log. Fields not relevant to Type are
// omitted on write and ignored on read.
type Entry struct {
	Type       EntryType             `json:"type"`
	SessionID  types.SessionKey      `json:"sessionId"`
	StorageID  types.StorageID       `json:"storageId"`
	Source     string                `json:"source,omitempty"`
	MessageID  types.MessageID       `json:"messageId,omitempty"`
	Context    *types.MessageContext `json:"context,omitempty"`
	Text       *string               `json:"text,omitempty"`
	Files      []types.FileReference `json:"files,omitempty"`
	CreatedAt  *time.Time            `json:"createdAt,omitempty"`
	ReceivedAt *time.Time            `json:"receivedAt,omitempty"`
	SentAt     *time.Time            `json:"sentAt,omitempty"`
	UpdatedAt  *time.Time            `json:"updatedAt,omitempty"`
	State      json.RawMessage       `json:"state,omitempty"`
}

// Restored is the fold of one session log.
type Restored[S any] struct {
	SessionID     types.SessionKey
	StorageID     types.StorageID
	Source        string
	Context       types.MessageContext
	State         S
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastEntryType EntryType
}

// Summary describes a stored session for listings.
type Summary struct {
	SessionID   types.SessionKey      `json:"sessionId"`
	StorageID   types.StorageID       `json:"storageId"`
	Source      string                `json:"source"`
	Context     types.MessageContext  `json:"context"`
	CreatedAt   time.Time             `json:"createdAt,omitzero"`
	UpdatedAt   time.Time             `json:"updatedAt,omitzero"`
	LastMessage *string               `json:"lastMessage,omitempty"`
	LastFiles   []types.FileReference `json:"lastFiles,omitempty"`
}
