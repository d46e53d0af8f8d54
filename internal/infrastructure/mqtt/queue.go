package mqtt

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// PendingMessage is an outbound message waiting in, or being delivered
// from, the publish queue.
type PendingMessage struct {
	// ID is assigned at enqueue time and strictly increases.
	ID      uint64
	Topic   string
	Payload []byte
	QoS     byte

	// Retries counts failed attempts that were followed by another try.
	Retries int

	EnqueuedAt time.Time
}

// Attempts is the number of publish attempts made so far, counting the
// one in progress when called from a drop callback.
func (p PendingMessage) Attempts() int {
	return p.Retries + 1
}

// publishQueue is a bounded FIFO of pending messages.
//
// A message holds one slot from enqueue until it is published or dropped,
// so a retried message can always be put back at the tail without
// blocking: the channel never holds more messages than there are slots.
type publishQueue struct {
	items  chan *PendingMessage
	slots  chan struct{}
	reject bool

	// mu keeps ID order and channel order the same.
	mu     sync.Mutex
	nextID atomic.Uint64

	done chan struct{}
}

func newPublishQueue(capacity int, reject bool) *publishQueue {
	return &publishQueue{
		items:  make(chan *PendingMessage, capacity),
		slots:  make(chan struct{}, capacity),
		reject: reject,
		done:   make(chan struct{}),
	}
}

// enqueue reserves a slot, assigns the next ID and appends the message.
// Under the block policy it waits for a free slot until ctx ends or the
// queue is closed.
func (q *publishQueue) enqueue(ctx context.Context, topic string, payload []byte, qos byte) (*PendingMessage, error) {
	select {
	case <-q.done:
		return nil, ErrClosed
	default:
	}

	if q.reject {
		select {
		case q.slots <- struct{}{}:
		default:
			return nil, ErrQueueFull
		}
	} else {
		select {
		case q.slots <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, ErrClosed
		}
	}

	q.mu.Lock()
	msg := &PendingMessage{
		ID:         q.nextID.Add(1),
		Topic:      topic,
		Payload:    payload,
		QoS:        qos,
		EnqueuedAt: time.Now(),
	}
	q.items <- msg
	q.mu.Unlock()

	return msg, nil
}

// requeue appends a message that still holds its slot to the tail.
func (q *publishQueue) requeue(msg *PendingMessage) {
	q.mu.Lock()
	q.items <- msg
	q.mu.Unlock()
}

// release frees the slot of a message that left the queue for good.
func (q *publishQueue) release() {
	<-q.slots
}

// len is the number of messages waiting for delivery.
func (q *publishQueue) len() int {
	return len(q.items)
}

// pending is the number of messages not yet published or dropped,
// including the one being delivered.
func (q *publishQueue) pending() int {
	return len(q.slots)
}

func (q *publishQueue) close() {
	close(q.done)
}

// sleepContext waits for d or until ctx ends. It reports whether the full
// duration elapsed.
func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
