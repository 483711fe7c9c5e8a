// Package notify fans out orchestration notifications to subscribers.
package notify

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names a notification.
type Kind string

const (
	MessageAppended         Kind = "message-appended"
	StateChanged            Kind = "state-changed"
	ParticipantsChanged     Kind = "participants-changed"
	UsageUpdated            Kind = "usage-updated"
	HistoryEntryAdded       Kind = "history-entry-added"
	ParticipantStateChanged Kind = "participant-state-changed"
	SessionStateChanged     Kind = "session-state-changed"
	QueueChanged            Kind = "queue-changed"
	BatchUpdated            Kind = "batch-updated"
)

// Notification is scoped to one chat or session id.
type Notification struct {
	Kind      Kind      `json:"kind"`
	Scope     string    `json:"scope"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const defaultSubscriberBufCap = 256

// Bus delivers notifications to every subscriber without blocking the
// publisher. A subscriber whose buffer is full misses the notification.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]chan Notification
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]chan Notification)}
}

// Publish sends a notification of kind for scope.
func (b *Bus) Publish(kind Kind, scope string, payload any) {
	if b == nil {
		return
	}
	n := Notification{
		Kind:      kind,
		Scope:     scope,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- n:
		default:
		}
	}
}

// Subscribe returns a subscription id and its channel.
func (b *Bus) Subscribe() (string, <-chan Notification) {
	id := uuid.New().String()
	ch := make(chan Notification, defaultSubscriberBufCap)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()
	return id, ch
}

// Unsubscribe closes and removes the subscription.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Close removes every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
