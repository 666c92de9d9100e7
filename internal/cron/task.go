// Package cron fires messages and actions on fixed intervals or cron
// expressions.
package cron

import (
	"maps"
	"math"
	"time"

	"github.com/user/scout/internal/types"
)

// Task describes one scheduled job. A task with Action set invokes the
// named action; otherwise Message is delivered through the scheduler's
// OnMessage callback.
type Task struct {
	ID         string         `json:"id,omitempty" yaml:"id,omitempty"`
	EveryMs    int64          `json:"everyMs,omitempty" yaml:"everyMs,omitempty"`
	Schedule   string         `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Message    *string        `json:"message,omitempty" yaml:"message,omitempty"`
	ChannelID  string         `json:"channelId,omitempty" yaml:"channelId,omitempty"`
	SessionID  string         `json:"sessionId,omitempty" yaml:"sessionId,omitempty"`
	UserID     *string        `json:"userId,omitempty" yaml:"userId,omitempty"`
	Source     string         `json:"source,omitempty" yaml:"source,omitempty"`
	Enabled    *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	RunOnStart bool           `json:"runOnStart,omitempty" yaml:"runOnStart,omitempty"`
	Once       bool           `json:"once,omitempty" yaml:"once,omitempty"`
	Action     string         `json:"action,omitempty" yaml:"action,omitempty"`
	Payload    map[string]any `json:"payload,omitempty" yaml:"payload,omitempty"`
}

// IsEnabled reports whether the task should be armed. Tasks are enabled
// unless explicitly disabled.
func (t Task) IsEnabled() bool {
	return t.Enabled == nil || *t.Enabled
}

// MaxEveryMs is the largest interval that fits in a time.Duration.
const MaxEveryMs = int64(math.MaxInt64 / int64(time.Millisecond))

// Interval returns EveryMs as a duration.
func (t Task) Interval() time.Duration {
	return time.Duration(t.EveryMs) * time.Millisecond
}

// MessageContext builds the address a firing task is delivered to. The
// channel falls back to the session id, then to "cron:<id>".
func (t Task) MessageContext() types.MessageContext {
	channelID := t.ChannelID
	if channelID == "" {
		channelID = t.SessionID
	}
	if channelID == "" {
		channelID = "cron:" + t.ID
	}
	mctx := types.MessageContext{ChannelID: channelID}
	if t.UserID != nil {
		mctx.UserID = types.Ptr(*t.UserID)
	}
	if t.SessionID != "" {
		mctx.SessionID = types.Ptr(t.SessionID)
	}
	return mctx
}

func (t Task) clone() Task {
	out := t
	if t.Payload != nil {
		out.Payload = maps.Clone(t.Payload)
	}
	return out
}
