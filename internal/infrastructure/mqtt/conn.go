package mqtt

import (
	"context"
	"fmt"
	"sync"
)

// connState tracks whether an engine holds a broker connection and lets
// Publish and Subscribe wait for one. The engine connects on demand from
// Poll, so a request issued before the first ConnAck, or during an outage,
// parks here until the connection is back, ctx ends or the engine closes.
type connState struct {
	mu sync.Mutex
	up bool
	// ready is closed while up and replaced by a fresh channel on every drop.
	ready chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func newConnState() *connState {
	return &connState{
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

func (c *connState) set(up bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if up == c.up {
		return
	}
	c.up = up
	if up {
		close(c.ready)
	} else {
		c.ready = make(chan struct{})
	}
}

func (c *connState) isUp() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.up
}

// wait returns once the connection is up.
func (c *connState) wait(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotConnected, ctx.Err())
	}
}

// close releases every waiter with ErrClosed.
func (c *connState) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.up {
			c.up = false
			c.ready = make(chan struct{})
		}
		c.mu.Unlock()
		close(c.done)
	})
}
