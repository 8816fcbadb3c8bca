package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is one message carried on a sidechannel.
type Event struct {
	Channel string
	Payload []byte
	// From identifies the publishing peer; empty for local publishers.
	From string
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with channel prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
	size   int
	closed bool
}

// New creates a new Bus.
func New() *Bus {
	return NewWithBuffer(defaultBufferSize)
}

// NewWithBuffer creates a Bus whose subscriptions buffer size events.
func NewWithBuffer(size int) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &Bus{
		subs: make(map[int]*Subscription),
		size: size,
	}
}

// Subscribe creates a subscription for events matching the given channel prefix.
// An empty prefix matches all channels.
// Slow consumers will miss events once their buffer is full (non-blocking send).
func (b *Bus) Subscribe(channelPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: channelPrefix,
		ch:     make(chan Event, b.size),
	}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
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

// Publish sends an event to all matching subscribers and reports how many
// accepted it. Delivery is non-blocking: if a subscriber's buffer is full,
// the event is dropped for that subscriber.
func (b *Bus) Publish(ev Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(ev.Channel, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
			delivered++
		default:
			// Buffer full, drop event for this subscriber.
		}
	}
	return delivered
}

// Close unsubscribes everyone. Later subscriptions are returned closed.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.closed = true
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
