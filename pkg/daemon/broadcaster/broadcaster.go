// Package broadcaster manages subscribers and distributes task events.
package broadcaster

import (
	"sync"

	"github.com/google/uuid"
	"github.com/jamesainslie/reelfarm/pkg/reelfarm/types"
)

// Subscriber represents a client subscribed to task events. An empty TaskID
// receives every task.
type Subscriber struct {
	ID     string
	TaskID string
	Events chan types.TaskRecord
}

// Broadcaster fans task state changes out to subscribers. Slow subscribers
// lose events rather than block the dispatcher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	closed      bool
	buffer      int
}

// New creates a new Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		buffer:      100,
	}
}

// Subscribe creates a new subscription. It returns nil after Close.
func (b *Broadcaster) Subscribe(taskID string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}

	sub := &Subscriber{
		ID:     uuid.New().String(),
		TaskID: taskID,
		Events: make(chan types.TaskRecord, b.buffer),
	}

	b.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscription.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subscribers[id]; ok {
		close(sub.Events)
		delete(b.subscribers, id)
	}
}

// Notify sends rec to all matching subscribers.
func (b *Broadcaster) Notify(rec types.TaskRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, sub := range b.subscribers {
		if sub.TaskID != "" && sub.TaskID != rec.ID {
			continue
		}
		select {
		case sub.Events <- rec:
		default:
			// Channel full, event dropped
		}
	}
}

// Close closes the broadcaster and all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true
	for _, sub := range b.subscribers {
		close(sub.Events)
	}
	b.subscribers = make(map[string]*Subscriber)
}

// SubscriberCount returns the number of active subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
