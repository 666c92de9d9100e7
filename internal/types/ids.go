// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

// SessionKey is the stable logical id of a conversation: source plus
// session or channel id joined with ":".
type SessionKey string

// StorageID names a session's log file. It is distinct from SessionKey so
// logs can rotate without renaming the conversation.
type StorageID string

type MessageID string
type FileID string

func NewStorageID() StorageID {
	return StorageID(uuid.New().String())
}

func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

func NewFileID() FileID {
	return FileID(uuid.New().String())
}

func NewSessionKey(parts ...string) SessionKey {
	return SessionKey(strings.Join(parts, ":"))
}
