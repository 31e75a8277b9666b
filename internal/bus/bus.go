// Package bus is the in-process publish/subscribe fabric connecting the
// connection manager to its observers. The message store and the roster
// subscribe independently and never talk to each other.
package bus

import (
	"strings"
	"sync"
	"time"
)

// Event is a domain event delivered to subscribers.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

type subscriber struct {
	prefix string
	ch     chan Event
}

// Bus fans events out to subscribers by kind prefix. Delivery is
// non-blocking: a subscriber that falls behind loses events rather than
// stalling the publisher.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*subscriber)}
}

// Publish delivers an event of the given kind to every subscriber whose
// prefix matches.
func (b *Bus) Publish(kind string, payload any) {
	evt := Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if strings.HasPrefix(kind, sub.prefix) {
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Subscribe registers interest in all kinds sharing the given prefix and
// returns the delivery channel plus an unsubscribe function.
func (b *Bus) Subscribe(prefix string, buf int) (<-chan Event, func()) {
	ch := make(chan Event, buf)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = &subscriber{prefix: prefix, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Close drops all subscribers and makes further publishes no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int]*subscriber)
}
