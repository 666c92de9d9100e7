// internal/types/models.go
package types

import "time"

// MessageContext addresses an inbound or outbound message.
type MessageContext struct {
	ChannelID string  `json:"channelId"`
	UserID    *string `json:"userId,omitempty"`
	SessionID *string `json:"sessionId,omitempty"`
}

// ConversationID returns the pre-assigned session id when present, the
// channel id otherwise.
func (c MessageContext) ConversationID() string {
	if c.SessionID != nil && *c.SessionID != "" {
		return *c.SessionID
	}
	return c.ChannelID
}

// FileReference points at a blob held by the file store.
type FileReference struct {
	ID       FileID `json:"id"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Path     string `json:"path"`
}

// ConnectorMessage is what connectors deliver and send: text, files, or both.
type ConnectorMessage struct {
	Text  *string         `json:"text,omitempty"`
	Files []FileReference `json:"files,omitempty"`
}

func (m ConnectorMessage) TextOrEmpty() string {
	if m.Text == nil {
		return ""
	}
	return *m.Text
}

// SessionMessage is one inbound message after it has been accepted by a
// session. It is never mutated once created.
type SessionMessage struct {
	ID         MessageID        `json:"id"`
	Message    ConnectorMessage `json:"message"`
	Context    MessageContext   `json:"context"`
	ReceivedAt time.Time        `json:"receivedAt"`
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
