// Package bus is an in-process pub/sub used to tell interested parties that a
// task record changed. Events are re-read triggers, not a data source.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
)

// subscriberBuffer bounds how far a slow subscriber may lag before it starts
// missing notifications.
const subscriberBuffer = 64

// Event is one task notification. It marshals to the websocket wire form.
type Event struct {
	Topic string `json:"topic"`
	TaskChangedEvent
}

// Filter selects the events a subscription receives. Zero fields match
// everything.
type Filter struct {
	TopicPrefix string
	TaskID      string
}

func (f Filter) matches(ev Event) bool {
	if f.TopicPrefix != "" && !strings.HasPrefix(ev.Topic, f.TopicPrefix) {
		return false
	}
	return f.TaskID == "" || f.TaskID == ev.TaskID
}

// Subscription is a buffered feed of matching events. Its channel is closed
// by Unsubscribe or Close.
type Subscription struct {
	id     uint64
	filter Filter
	ch     chan Event
}

// Ch returns the receive side of the subscription.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus fans task notifications out to subscribers.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	lastID  uint64
	closed  bool
	dropped atomic.Int64
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*Subscription)}
}

// Subscribe registers a subscription for events matching f. On a closed bus
// the returned subscription's channel is already closed.
func (b *Bus) Subscribe(f Filter) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastID++
	sub := &Subscription{id: b.lastID, filter: f, ch: make(chan Event, subscriberBuffer)}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes sub and closes its channel. It is safe to call twice.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish delivers a notification to every matching subscriber without
// blocking. Deliveries to a full buffer are dropped and counted.
func (b *Bus) Publish(topic string, change TaskChangedEvent) {
	if b == nil {
		return
	}
	ev := Event{Topic: topic, TaskChangedEvent: change}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.filter.matches(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Close ends every subscription and makes later Subscribe calls return closed
// feeds. Publishing after Close is a no-op.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	return nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
