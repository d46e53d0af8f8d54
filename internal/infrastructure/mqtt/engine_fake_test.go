package mqtt

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
)

// fakeEngine is a scripted Engine. Poll returns whatever the test feeds
// into polls; Publish and Subscribe wait for the connection like the real
// engines do, then consult the configured error funcs. A ConnAck returned
// from Poll marks the engine connected.
type fakeEngine struct {
	polls chan polled

	conn   *connState
	closed atomic.Bool

	mu         sync.Mutex
	publishes  []publishCall
	subscribes []subscribeCall
	trace      []string
	attempts   map[string]int

	// publishErr returns the error for the n-th attempt (1-based) on topic.
	publishErr   func(topic string, attempt int) error
	subscribeErr func(topic string) error
}

type publishCall struct {
	Topic string
	QoS   byte
	At    time.Time
}

type subscribeCall struct {
	Topic string
	QoS   byte
}

func newFakeEngine() *fakeEngine {
	f := newOfflineFakeEngine()
	f.conn.set(true)
	return f
}

// newOfflineFakeEngine starts disconnected; feed a ConnAck to connect it.
func newOfflineFakeEngine() *fakeEngine {
	return &fakeEngine{
		polls:    make(chan polled, 64),
		conn:     newConnState(),
		attempts: make(map[string]int),
	}
}

func (f *fakeEngine) Poll(ctx context.Context) (Event, error) {
	select {
	case p := <-f.polls:
		if p.ev.IsConnAck() {
			f.conn.set(true)
		}
		return p.ev, p.err
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func (f *fakeEngine) Publish(ctx context.Context, topic string, _ []byte, qos byte) error {
	if err := f.conn.wait(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	f.attempts[topic]++
	attempt := f.attempts[topic]
	f.publishes = append(f.publishes, publishCall{Topic: topic, QoS: qos, At: time.Now()})
	fn := f.publishErr
	f.mu.Unlock()

	if fn != nil {
		return fn(topic, attempt)
	}
	return nil
}

func (f *fakeEngine) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := f.conn.wait(ctx); err != nil {
		return err
	}

	f.mu.Lock()
	f.subscribes = append(f.subscribes, subscribeCall{Topic: topic, QoS: qos})
	f.trace = append(f.trace, "subscribe "+topic)
	fn := f.subscribeErr
	f.mu.Unlock()

	if fn != nil {
		return fn(topic)
	}
	return nil
}

func (f *fakeEngine) IsConnected() bool { return f.conn.isUp() }

func (f *fakeEngine) Close() error {
	f.closed.Store(true)
	f.conn.close()
	return nil
}

func (f *fakeEngine) feed(ev Event) {
	f.polls <- polled{ev: ev}
}

func (f *fakeEngine) feedErr(err error) {
	f.polls <- polled{err: err}
}

func (f *fakeEngine) record(entry string) {
	f.mu.Lock()
	f.trace = append(f.trace, entry)
	f.mu.Unlock()
}

func (f *fakeEngine) publishCalls() []publishCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishCall(nil), f.publishes...)
}

func (f *fakeEngine) subscribeCalls() []subscribeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscribeCall(nil), f.subscribes...)
}

func (f *fakeEngine) resetCalls() {
	f.mu.Lock()
	f.subscribes = nil
	f.trace = nil
	f.mu.Unlock()
}

func (f *fakeEngine) traceSnapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.trace...)
}

var errFakeBroker = errors.New("fake broker failure")

// testConfig returns MQTT settings with delays shrunk for fast tests.
func testConfig() config.MQTTConfig {
	cfg := config.DefaultMQTTConfig()
	cfg.Queue.RetryDelay = time.Millisecond
	cfg.Queue.Throttle = 0
	cfg.EventLoop.ErrorBackoff = 10 * time.Millisecond
	cfg.Timeouts.Publish = time.Second
	cfg.Timeouts.Subscribe = time.Second
	return cfg
}

func newTestManager(t *testing.T, cfg config.MQTTConfig, engine Engine) *Manager {
	t.Helper()

	m, err := NewManager(cfg, engine)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(func() { m.Close() }) //nolint:errcheck // Test cleanup
	return m
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// eventRecorder collects events delivered to a handler.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}
