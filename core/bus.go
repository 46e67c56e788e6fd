package core

import (
	"sync"
	"time"
)

// EventType identifies the kind of notification published on the Bus.
type EventType string

const (
	// EventAgentCreated is published for each agent added to the pool.
	EventAgentCreated EventType = "agent_created"
	// EventAgentRemoved is published for each agent removed from the pool.
	EventAgentRemoved EventType = "agent_removed"
	// EventScaling is published when a scaling decision was applied.
	EventScaling EventType = "scaling"
	// EventAlert is published for every alert the monitor raises.
	EventAlert EventType = "alert"
	// EventStatus is published on the periodic status broadcast.
	EventStatus EventType = "status"
)

// Event is a notification with an arbitrary payload. Events are immutable
// once published.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(t EventType, payload any) Event {
	return Event{Type: t, Timestamp: time.Now(), Payload: payload}
}

// Bus is a small in-process publish/subscribe broker. It replaces ad-hoc
// callback registration so listeners can be added and removed
// deterministically and tested in isolation.
//
// Publish never blocks: an event is dropped for a subscriber whose buffer is
// full. Subscribers therefore see a best-effort stream, which is acceptable
// for notifications (alerts and status snapshots are re-derivable).
type Bus struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewBus returns an empty broker.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a listener with the given channel buffer size and
// returns the receive channel plus a cancel function. Cancel is idempotent
// and closes the channel.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}

	return ch, cancel
}

// Publish delivers the event to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber buffer full; drop rather than block the publisher.
		}
	}
}

// Close terminates the bus, closing all subscriber channels. Idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
