// Package events is the in-process publish/subscribe hub tying the engine
// together. Delivery is synchronous and in subscription order. The bus is
// nil-safe: Emit on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Event types emitted by the engine.
const (
	TypeInit            = "init"
	TypeSessionCreated  = "session.created"
	TypeSessionUpdated  = "session.updated"
	TypeSessionOutgoing = "session.outgoing"
	TypeCronStarted     = "cron.started"
	TypeCronTaskAdded   = "cron.task.added"
	TypePluginLoaded    = "plugin.loaded"
	TypePluginUnloaded  = "plugin.unloaded"
	TypePluginEvent     = "plugin.event"

	// TypeConnectorMessage is queued on the plugin queue for every inbound
	// connector message.
	TypeConnectorMessage = "connector.message"
)

// Event is one bus message. PluginID and InstanceID are set when a plugin
// instance is the publisher.
type Event struct {
	Type       string    `json:"type"`
	Payload    any       `json:"payload,omitempty"`
	PluginID   string    `json:"pluginId,omitempty"`
	InstanceID string    `json:"instanceId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Handler receives events. It runs on the publisher's goroutine and must
// not block.
type Handler func(Event)

type subscriber struct {
	id uint64
	fn Handler
}

// Bus fans out events to subscribers synchronously.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscriber
	nextID uint64
	now    func() time.Time
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe registers fn and returns a function that removes it. Calling
// the returned function more than once is safe.
func (b *Bus) Subscribe(fn Handler) func() {
	if b == nil {
		return func() {}
	}
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit stamps and publishes an event.
func (b *Bus) Emit(eventType string, payload any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: eventType, Payload: payload})
}

// Publish delivers ev to every current subscriber. A zero timestamp is
// filled in.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now()
	}
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(ev)
	}
}

// Channel adapts the bus to a buffered channel for consumers on their own
// goroutine (websocket streams). Slow consumers miss events instead of
// blocking publishers. The returned cancel func unsubscribes; the channel
// is never closed.
func (b *Bus) Channel(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)
	cancel := b.Subscribe(func(ev Event) {
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, cancel
}
