package mqtt

import (
	"context"
	"fmt"
	"sync"
)

// Direction tells whether an event came from the broker or was sent by us.
type Direction int

const (
	Incoming Direction = iota
	Outgoing
)

func (d Direction) String() string {
	if d == Outgoing {
		return "outgoing"
	}
	return "incoming"
}

// Kind identifies the MQTT packet an event represents.
type Kind int

const (
	KindOther Kind = iota
	KindConnAck
	KindPublish
	KindSubscribe
	KindDisconnect
)

func (k Kind) String() string {
	switch k {
	case KindConnAck:
		return "connack"
	case KindPublish:
		return "publish"
	case KindSubscribe:
		return "subscribe"
	case KindDisconnect:
		return "disconnect"
	default:
		return "other"
	}
}

// Event is one item produced by Engine.Poll and handed to the application
// handler by the dispatch loop.
type Event struct {
	Direction Direction
	Kind      Kind

	// SessionPresent is set on incoming ConnAck events when the broker
	// resumed an existing session.
	SessionPresent bool

	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool

	// Reason carries the broker's reason string on incoming Disconnect events.
	Reason string
}

// IsConnAck reports whether e is an incoming ConnAck.
func (e Event) IsConnAck() bool {
	return e.Direction == Incoming && e.Kind == KindConnAck
}

// IsPublish reports whether e is an incoming application message.
func (e Event) IsPublish() bool {
	return e.Direction == Incoming && e.Kind == KindPublish
}

func (e Event) String() string {
	switch e.Kind {
	case KindConnAck:
		return fmt.Sprintf("%s connack session_present=%t", e.Direction, e.SessionPresent)
	case KindPublish, KindSubscribe:
		return fmt.Sprintf("%s %s topic=%s qos=%d", e.Direction, e.Kind, e.Topic, e.QoS)
	default:
		return fmt.Sprintf("%s %s", e.Direction, e.Kind)
	}
}

// EventHandler receives every event the dispatch loop polls, in order.
// It runs on the dispatch goroutine and must not block for long.
type EventHandler func(Event)

// polled is one buffered Poll result.
type polled struct {
	ev  Event
	err error
}

// eventBuffer is an unbounded FIFO between library callbacks and Poll.
// Library callbacks push without blocking; a single poller drains it.
type eventBuffer struct {
	mu     sync.Mutex
	items  []polled
	closed bool
	notify chan struct{}
}

func newEventBuffer() *eventBuffer {
	return &eventBuffer{notify: make(chan struct{}, 1)}
}

func (b *eventBuffer) push(ev Event) {
	b.put(polled{ev: ev})
}

func (b *eventBuffer) pushErr(err error) {
	b.put(polled{err: err})
}

func (b *eventBuffer) put(p polled) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.items = append(b.items, p)
	b.mu.Unlock()
	b.wake()
}

func (b *eventBuffer) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// next blocks until an item is available, the buffer is closed or ctx ends.
// Items queued before close are still returned.
func (b *eventBuffer) next(ctx context.Context) (Event, error) {
	for {
		b.mu.Lock()
		if len(b.items) > 0 {
			p := b.items[0]
			b.items[0] = polled{}
			b.items = b.items[1:]
			b.mu.Unlock()
			return p.ev, p.err
		}
		closed := b.closed
		b.mu.Unlock()

		if closed {
			return Event{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-b.notify:
		}
	}
}

func (b *eventBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

func (b *eventBuffer) close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wake()
}
