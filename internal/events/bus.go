// Package events is a small broadcast bus for operational events.
// Reminder ticks, link polls, job runs and service health changes
// publish here; the WebSocket
// endpoint and the MQTT publisher subscribe. A nil *Bus accepts
// publishes and drops them, so components need no guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceReminder = "reminder"
	SourceLinker   = "linker"
	SourceJobs     = "jobs"
	SourceHealth   = "health"
)

// Kinds, grouped by source.
const (
	// KindReminderSent: habit_id, user_id, chat_id.
	KindReminderSent = "reminder_sent"
	// KindReminderFailed: habit_id, user_id, chat_id, error or rejected=true.
	KindReminderFailed = "reminder_failed"
	// KindTickComplete: due, sent, skipped, rejected, failed, elapsed_ms.
	KindTickComplete = "tick_complete"

	// KindChatLinked: chat_id, user_id.
	KindChatLinked = "chat_linked"
	// KindUnknownAccount: chat_id.
	KindUnknownAccount = "unknown_account"
	// KindPollComplete: messages, linked, unknown, already_linked, ignored, cursor.
	KindPollComplete = "poll_complete"

	// KindJobFired: job, trigger (schedule or manual).
	KindJobFired = "job_fired"
	// KindJobComplete: job, status, duration_ms, error.
	KindJobComplete = "job_complete"

	// KindServiceUp: service, state, from.
	KindServiceUp = "service_up"
	// KindServiceDown: service, state (unavailable or rejected), from, error.
	KindServiceDown = "service_down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus delivers each event to every subscriber's buffered channel.
// A subscriber whose buffer is full misses the event; publishers never
// block.
type Bus struct {
	mu sync.RWMutex
	// keyed by the receive-only view handed to the subscriber
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to all subscribers. A zero Timestamp is set to
// the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with the given
// buffer size. Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel.
// Unknown channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
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
