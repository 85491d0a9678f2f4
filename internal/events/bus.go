// Package events is the in-process broadcast bus behind the /v1/events
// stream. Agents, the chat loop, the front-end server and the MQTT
// clients publish; WebSocket handlers subscribe. Publish on a nil *Bus
// is a no-op so components may be wired without one.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent    = "agent"
	SourceChat     = "chat"
	SourceFrontend = "frontend"
	SourceMQTT     = "mqtt"
)

// Kinds.
const (
	// KindAgentStarted: agent, agent_id.
	KindAgentStarted = "agent_started"
	// KindAgentFailed: agent, error.
	KindAgentFailed = "agent_failed"
	// KindMessageReceived: agent, room_id (when known).
	KindMessageReceived = "message_received"
	// KindMessageReplied: agent, room_id, action.
	KindMessageReplied = "message_replied"
	// KindTurnComplete: agent, history.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed: agent, error.
	KindTurnFailed = "turn_failed"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus fans events out to buffered subscriber channels. A full
// subscriber misses events instead of stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// Subscribe hands out receive-only channels; this maps them back so
	// Unsubscribe can close the underlying channel.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room for it. A zero
// Timestamp is set to now.
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

// Subscribe registers a subscriber with the given buffer size. Callers
// must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown channels are
// ignored.
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

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
