package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultQueueLimit bounds the drainable buffer. The oldest events are
// dropped once it is reached.
const DefaultQueueLimit = 1000

// Source identifies the plugin instance that emitted an event.
type Source struct {
	PluginID   string `json:"pluginId"`
	InstanceID string `json:"instanceId"`
}

// PluginEventInput is what a plugin hands to its emitter.
type PluginEventInput struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// PluginEvent is a plugin-originated event as stored in the queue.
type PluginEvent struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Payload    any       `json:"payload,omitempty"`
	PluginID   string    `json:"pluginId"`
	InstanceID string    `json:"instanceId"`
	Timestamp  time.Time `json:"timestamp"`
}

// PluginQueue buffers plugin events for polling consumers and fans them out
// live to listeners. Both see the same stream in the same order.
type PluginQueue struct {
	mu        sync.Mutex
	buf       []PluginEvent
	limit     int
	listeners []*queueListener
}

type queueListener struct {
	fn func(PluginEvent)
}

// NewPluginQueue creates a queue holding at most limit undrained events.
// A non-positive limit uses DefaultQueueLimit.
func NewPluginQueue(limit int) *PluginQueue {
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &PluginQueue{limit: limit}
}

// Emit records an event from source and notifies listeners.
func (q *PluginQueue) Emit(source Source, in PluginEventInput) PluginEvent {
	ev := PluginEvent{
		ID:         uuid.New().String(),
		Type:       in.Type,
		Payload:    in.Payload,
		PluginID:   source.PluginID,
		InstanceID: source.InstanceID,
		Timestamp:  time.Now(),
	}
	q.Enqueue(ev)
	return ev
}

// Enqueue appends a prepared event and notifies listeners.
func (q *PluginQueue) Enqueue(ev PluginEvent) {
	q.mu.Lock()
	q.buf = append(q.buf, ev)
	if over := len(q.buf) - q.limit; over > 0 {
		q.buf = append([]PluginEvent(nil), q.buf[over:]...)
	}
	listeners := make([]*queueListener, len(q.listeners))
	copy(listeners, q.listeners)
	q.mu.Unlock()

	for _, l := range listeners {
		l.fn(ev)
	}
}

// Drain returns and clears all buffered events.
func (q *PluginQueue) Drain() []PluginEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.buf
	q.buf = nil
	return out
}

// Size reports the number of undrained events.
func (q *PluginQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// OnEvent registers a live listener and returns its unsubscribe func.
func (q *PluginQueue) OnEvent(fn func(PluginEvent)) func() {
	l := &queueListener{fn: fn}
	q.mu.Lock()
	q.listeners = append(q.listeners, l)
	q.mu.Unlock()

	return func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		for i, existing := range q.listeners {
			if existing == l {
				q.listeners = append(q.listeners[:i:i], q.listeners[i+1:]...)
				return
			}
		}
	}
}
