// Package events is a publish/subscribe bus for turn progress. The agent
// loop publishes, and the websocket stream and MQTT mirror subscribe.
// Publish on a nil *Bus is a no-op, so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceSession identifies events from the session store janitor
	// and reset handling.
	SourceSession = "session"
	// SourceWatch identifies dependency health transitions.
	SourceWatch = "connwatch"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a turn.
	// Data: turn_id, conversation_id.
	KindTurnStart = "turn_start"
	// KindModelCall signals the start of a model call.
	// Data: turn_id, conversation_id, round.
	KindModelCall = "model_call"
	// KindToolCall signals the start of a tool execution.
	// Data: turn_id, conversation_id, tool, progress.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: turn_id, conversation_id, tool, ok, duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete signals the end of a turn.
	// Data: turn_id, conversation_id, state, reason, rounds,
	// basket_lines, tokens_in, tokens_out, elapsed_ms.
	KindTurnComplete = "turn_complete"

	// KindSessionReset signals a conversation was reset.
	// Data: conversation_id.
	KindSessionReset = "session_reset"
	// KindSessionsExpired signals idle sessions were swept.
	// Data: count.
	KindSessionsExpired = "sessions_expired"

	// KindServiceReady signals a dependency became reachable.
	// Data: service.
	KindServiceReady = "service_ready"
	// KindServiceDown signals a dependency stopped responding.
	// Data: service, error.
	KindServiceDown = "service_down"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Subscribers receive events on
// buffered channels; a full subscriber misses events instead of
// blocking the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to the caller back
	// to the channel stored in subs so Unsubscribe can close it.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends e to all subscribers, stamping the time if unset.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events. Call Unsubscribe
// when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
