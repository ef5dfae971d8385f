// Package event provides the ordered pub/sub bus carrying core state-change
// notifications to external consumers (compiler diagnostics, editor tooling,
// verification layers).
//
// Delivery contract: events are assigned a global sequence number under the
// bus lock, so every subscriber observes events in the order the underlying
// mutations were linearized. A subscriber whose buffer is full has events
// dropped (counted, visible in diagnostics) rather than blocking publishers
// or other subscribers.
package event

import (
	"sync"
	"time"
)

// Class identifies one of the four event classes the core emits.
type Class string

const (
	ClassHandleState  Class = "handle.state"
	ClassEntanglement Class = "entanglement.changed"
	ClassDecoherence  Class = "decoherence.crossed"
	ClassLedger       Class = "ledger.depleted"
)

// Event is a single state-change notification.
type Event struct {
	Seq      uint64                 `json:"seq"`
	Class    Class                  `json:"class"`
	Kind     string                 `json:"kind"` // created, transferred, measured, released, entangled, broken, collapsed, crossed, depleted
	At       time.Time              `json:"at"`
	HandleID string                 `json:"handle_id,omitempty"`
	SystemID string                 `json:"system_id,omitempty"`
	Session  string                 `json:"session,omitempty"`
	Detail   map[string]interface{} `json:"detail,omitempty"`
}

// Subscription is one consumer's ordered event feed.
type Subscription struct {
	id      int
	ch      chan Event
	bus     *Bus
	classes map[Class]bool // nil means all classes; guarded by bus.mu
	dropped uint64         // guarded by bus.mu
}

// C returns the channel events are delivered on. The channel is closed when
// the subscription or the bus is closed.
func (s *Subscription) C() <-chan Event {
	return s.ch
}

// Dropped returns how many events were discarded because this subscriber's
// buffer was full.
func (s *Subscription) Dropped() uint64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Close unsubscribes and closes the delivery channel.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Bus fans events out to subscribers.
type Bus struct {
	mu      sync.Mutex
	seq     uint64
	buffer  int
	nextID  int
	subs    map[int]*Subscription
	dropped uint64
	closed  bool
}

// NewBus creates a bus with the given per-subscriber buffer capacity.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	return &Bus{
		buffer: buffer,
		subs:   make(map[int]*Subscription),
	}
}

// Subscribe registers a new consumer. With no arguments the subscription
// receives every class; otherwise only the named classes are delivered.
// Events published after Subscribe returns are guaranteed to be delivered
// (or counted as dropped).
func (b *Bus) Subscribe(classes ...Class) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		id:  b.nextID,
		ch:  make(chan Event, b.buffer),
		bus: b,
	}
	if len(classes) > 0 {
		sub.classes = make(map[Class]bool, len(classes))
		for _, c := range classes {
			sub.classes[c] = true
		}
	}
	b.nextID++
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub.id] = sub
	return sub
}

// Publish assigns the event a sequence number and timestamp (if unset) and
// delivers it to every subscriber without blocking. Safe to call while the
// publisher holds its own table lock; delivery never performs I/O.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	ev.Seq = b.seq
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	for _, sub := range b.subs {
		if sub.classes != nil && !sub.classes[ev.Class] {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped++
			b.dropped++
		}
	}
}

// Dropped returns the total number of events dropped across all subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close shuts the bus down and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(sub.ch)
	}
}
