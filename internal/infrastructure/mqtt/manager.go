package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
)

// Logger interface for optional logging support.
// Compatible with logging.Logger and slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// DropFunc is called once for every message the queue gives up on, with the
// error of its last attempt.
type DropFunc func(msg PendingMessage, err error)

// Stats is a snapshot of delivery counters.
type Stats struct {
	Enqueued     uint64
	Published    uint64
	Retried      uint64
	Dropped      uint64
	Resubscribed uint64

	// QueueLength is the number of messages waiting for delivery.
	QueueLength   int
	Subscriptions int
	Connected     bool
}

type counters struct {
	enqueued     atomic.Uint64
	published    atomic.Uint64
	retried      atomic.Uint64
	dropped      atomic.Uint64
	resubscribed atomic.Uint64
}

// Manager keeps an MQTT connection useful across broker restarts and
// network drops.
//
// It owns the engine, the set of subscribed topics and a bounded publish
// queue. After Start two goroutines run: the dispatch loop, which polls
// the engine, restores subscriptions when the broker resumes a session and
// hands every event to the application handler; and the publisher, which
// drains the queue with retry and throttling.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Manager struct {
	cfg    config.MQTTConfig
	engine Engine
	subs   *subscriptionRegistry
	queue  *publishQueue
	stats  counters

	logger   Logger
	loggerMu sync.RWMutex

	onDrop DropFunc
	dropMu sync.RWMutex

	startMu sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and builds a manager with the engine for the
// configured protocol. No network activity happens until Start.
func New(cfg config.MQTTConfig) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	engine, err := newEngine(cfg)
	if err != nil {
		return nil, err
	}

	return NewManager(cfg, engine)
}

// NewManager builds a manager around an existing engine.
func NewManager(cfg config.MQTTConfig, engine Engine) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if engine == nil {
		return nil, fmt.Errorf("%w: engine cannot be nil", ErrInvalidConfig)
	}

	return &Manager{
		cfg:    cfg,
		engine: engine,
		subs:   newSubscriptionRegistry(),
		queue:  newPublishQueue(cfg.Queue.Capacity, cfg.Queue.FullPolicy == config.FullPolicyReject),
		logger: noopLogger{},
	}, nil
}

// SetLogger sets the logger. A nil logger silences output.
func (m *Manager) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	m.loggerMu.Lock()
	m.logger = logger
	m.loggerMu.Unlock()
}

func (m *Manager) log() Logger {
	m.loggerMu.RLock()
	defer m.loggerMu.RUnlock()
	return m.logger
}

// SetOnDrop sets the callback for messages dropped after exhausting retries.
func (m *Manager) SetOnDrop(fn DropFunc) {
	m.dropMu.Lock()
	m.onDrop = fn
	m.dropMu.Unlock()
}

// Subscribe sends a subscription request and, once the broker accepts it,
// records the topic for restoration. A failed request leaves the recorded
// set untouched.
func (m *Manager) Subscribe(ctx context.Context, topic string, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if m.closed.Load() {
		return ErrClosed
	}

	subCtx, cancel := withOptionalTimeout(ctx, m.cfg.Timeouts.Subscribe)
	defer cancel()

	if err := m.engine.Subscribe(subCtx, topic, qos); err != nil {
		m.log().Warn("mqtt subscribe failed", "topic", topic, "qos", qos, "error", err)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}

	m.subs.add(topic, qos)
	m.log().Info("mqtt subscribed", "topic", topic, "qos", qos)
	return nil
}

// EnqueuePublish validates the message and appends it to the publish
// queue, returning its ID. When the queue is full it blocks until space
// frees up or ctx ends, or fails with ErrQueueFull under the reject policy.
func (m *Manager) EnqueuePublish(ctx context.Context, topic string, payload []byte, qos byte) (uint64, error) {
	if err := validatePublish(topic, payload, qos); err != nil {
		return 0, err
	}
	if m.closed.Load() {
		return 0, ErrClosed
	}

	// The queue keeps the bytes beyond this call.
	body := make([]byte, len(payload))
	copy(body, payload)

	msg, err := m.queue.enqueue(ctx, topic, body, qos)
	if err != nil {
		return 0, err
	}

	m.stats.enqueued.Add(1)
	m.log().Debug("mqtt message queued", "id", msg.ID, "topic", topic, "size", len(body))
	return msg.ID, nil
}

// Start launches the dispatch loop and the publisher. handler receives every
// event in poll order; it may be nil. Start returns immediately.
func (m *Manager) Start(ctx context.Context, handler EventHandler) error {
	m.startMu.Lock()
	defer m.startMu.Unlock()

	if m.closed.Load() {
		return ErrClosed
	}
	if m.started {
		return ErrAlreadyStarted
	}
	m.started = true

	if handler == nil {
		handler = func(Event) {}
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.runEventLoop(runCtx, handler)
	}()
	go func() {
		defer m.wg.Done()
		m.runPublisher(runCtx)
	}()

	m.log().Info("mqtt manager started",
		"broker", m.cfg.BrokerAddress(),
		"client_id", m.cfg.Broker.ClientID,
		"protocol", m.cfg.Broker.Protocol,
	)
	return nil
}

// runEventLoop polls the engine until ctx ends. A poll error is logged and
// followed by the configured backoff.
func (m *Manager) runEventLoop(ctx context.Context, handler EventHandler) {
	for {
		ev, err := m.engine.Poll(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return
			}
			m.log().Warn("mqtt poll failed, backing off",
				"error", err,
				"backoff", m.cfg.EventLoop.ErrorBackoff,
			)
			if !sleepContext(ctx, m.cfg.EventLoop.ErrorBackoff) {
				return
			}
			continue
		}

		if ev.IsConnAck() {
			m.log().Info("mqtt connected", "session_present", ev.SessionPresent)
			if ev.SessionPresent {
				m.resubscribeAll(ctx)
			}
		}

		m.dispatch(handler, ev)
	}
}

// resubscribeAll re-sends every recorded subscription. A failure is logged
// and the remaining topics are still attempted; the topic stays recorded
// so the next resume tries it again.
func (m *Manager) resubscribeAll(ctx context.Context) {
	subs := m.subs.snapshot()
	if len(subs) == 0 {
		return
	}

	var failed int
	for _, sub := range subs {
		qos := byte(m.cfg.Resubscribe.QoS) // #nosec G115 -- validated 0..2
		if m.cfg.Resubscribe.PreserveQoS {
			qos = sub.QoS
		}

		subCtx, cancel := withOptionalTimeout(ctx, m.cfg.Timeouts.Subscribe)
		err := m.engine.Subscribe(subCtx, sub.Topic, qos)
		cancel()

		if err != nil {
			failed++
			m.log().Error("mqtt resubscribe failed", "topic", sub.Topic, "qos", qos, "error", err)
			continue
		}
		m.stats.resubscribed.Add(1)
	}

	m.log().Info("mqtt subscriptions restored", "total", len(subs), "failed", failed)
}

// dispatch hands ev to the handler, recovering from panics so one bad
// event cannot stop the loop.
func (m *Manager) dispatch(handler EventHandler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log().Error("mqtt event handler panic recovered",
				"event", ev.String(),
				"panic", r,
			)
		}
	}()

	handler(ev)
}

// runPublisher delivers queued messages one at a time until ctx ends.
func (m *Manager) runPublisher(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.queue.items:
			m.deliver(ctx, msg)
		}
	}
}

// deliver makes one publish attempt. On success it waits the throttle
// delay. On failure the message goes back to the tail of the queue after
// the retry delay, until MaxRetries retries have been spent; then it is
// dropped and reported to the drop callback.
func (m *Manager) deliver(ctx context.Context, msg *PendingMessage) {
	pubCtx, cancel := withOptionalTimeout(ctx, m.cfg.Timeouts.Publish)
	err := m.engine.Publish(pubCtx, msg.Topic, msg.Payload, msg.QoS)
	cancel()

	if err == nil {
		m.queue.release()
		m.stats.published.Add(1)
		m.log().Debug("mqtt message published",
			"id", msg.ID,
			"topic", msg.Topic,
			"attempts", msg.Attempts(),
		)
		sleepContext(ctx, m.cfg.Queue.Throttle)
		return
	}

	if ctx.Err() != nil {
		return
	}

	err = fmt.Errorf("%w: %w", ErrPublishFailed, err)

	if msg.Retries < m.cfg.Queue.MaxRetries {
		msg.Retries++
		m.stats.retried.Add(1)
		m.log().Warn("mqtt publish failed, will retry",
			"id", msg.ID,
			"topic", msg.Topic,
			"retry", msg.Retries,
			"max_retries", m.cfg.Queue.MaxRetries,
			"error", err,
		)
		if !sleepContext(ctx, m.cfg.Queue.RetryDelay) {
			return
		}
		m.queue.requeue(msg)
		return
	}

	m.queue.release()
	m.stats.dropped.Add(1)
	m.log().Error("mqtt message dropped after max retries",
		"id", msg.ID,
		"topic", msg.Topic,
		"attempts", msg.Attempts(),
		"error", err,
	)

	m.dropMu.RLock()
	onDrop := m.onDrop
	m.dropMu.RUnlock()
	if onDrop != nil {
		onDrop(*msg, err)
	}
}

// Close stops both loops, waits for them and closes the engine.
// Messages still queued are discarded. Close is idempotent.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		m.queue.close()

		m.startMu.Lock()
		cancel := m.cancel
		m.startMu.Unlock()
		if cancel != nil {
			cancel()
		}
		m.wg.Wait()

		if n := m.queue.pending(); n > 0 {
			m.log().Warn("mqtt manager closing with undelivered messages", "count", n)
		}

		if err := m.engine.Close(); err != nil {
			m.closeErr = fmt.Errorf("closing mqtt engine: %w", err)
		}
		m.log().Info("mqtt manager stopped")
	})
	return m.closeErr
}

// HealthCheck reports whether the engine currently holds a connection.
func (m *Manager) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("mqtt health check: %w", ctx.Err())
	default:
	}

	if m.closed.Load() {
		return ErrClosed
	}
	if !m.engine.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// IsConnected returns the engine's connection state.
func (m *Manager) IsConnected() bool {
	return m.engine.IsConnected()
}

// Stats returns a snapshot of the delivery counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Enqueued:      m.stats.enqueued.Load(),
		Published:     m.stats.published.Load(),
		Retried:       m.stats.retried.Load(),
		Dropped:       m.stats.dropped.Load(),
		Resubscribed:  m.stats.resubscribed.Load(),
		QueueLength:   m.queue.len(),
		Subscriptions: m.subs.len(),
		Connected:     m.engine.IsConnected(),
	}
}

// SubscriptionCount returns the number of recorded subscriptions.
func (m *Manager) SubscriptionCount() int {
	return m.subs.len()
}

// HasSubscription checks the exact topic string, not pattern matching.
func (m *Manager) HasSubscription(topic string) bool {
	return m.subs.has(topic)
}

// Subscriptions returns the recorded subscriptions sorted by topic.
func (m *Manager) Subscriptions() []Subscription {
	return m.subs.snapshot()
}

// QueueLength returns the number of messages waiting for delivery.
func (m *Manager) QueueLength() int {
	return m.queue.len()
}

// withOptionalTimeout applies d to ctx when d is positive.
func withOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
