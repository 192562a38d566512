// Package bus implements the fan-out of state-change events to dashboard
// observers. Delivery is best effort: a slow or disconnected observer simply
// misses events and is expected to heal through a full resync.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a single published state change.
type Event struct {
	Topic     string    `json:"topic"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus fans events out to all current subscribers.
type Bus struct {
	mu          sync.Mutex
	subscribers []chan Event
	logger      *slog.Logger
}

// New creates a bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "bus")}
}

// Subscribe registers an observer. Returns the event channel and an
// unsubscribe function that closes it.
func (b *Bus) Subscribe() (chan Event, func()) {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers = append(b.subscribers, ch)
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, sub := range b.subscribers {
			if sub == ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// Publish sends the event to every subscriber without blocking. Observers
// with a full buffer drop the event.
func (b *Bus) Publish(topic string, payload any) {
	evt := Event{Topic: topic, Payload: payload, Timestamp: time.Now()}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.logger.Warn("observer buffer full, dropping event", "topic", topic)
		}
	}
}

// SubscriberCount returns the number of connected observers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
