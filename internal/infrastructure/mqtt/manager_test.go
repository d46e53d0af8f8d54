package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
)

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.DefaultMQTTConfig()
	cfg.Broker.Host = ""

	if _, err := New(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("New() error = %v, want ErrInvalidConfig", err)
	}
}

func TestNew_SelectsEngine(t *testing.T) {
	tests := []struct {
		protocol string
		check    func(Engine) bool
	}{
		{config.ProtocolV311, func(e Engine) bool { _, ok := e.(*pahoEngine); return ok }},
		{config.ProtocolV5, func(e Engine) bool { _, ok := e.(*autopahoEngine); return ok }},
	}

	for _, tt := range tests {
		t.Run(tt.protocol, func(t *testing.T) {
			cfg := config.DefaultMQTTConfig()
			cfg.Broker.Protocol = tt.protocol

			m, err := New(cfg)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			defer m.Close() //nolint:errcheck // Test cleanup

			if !tt.check(m.engine) {
				t.Errorf("New() engine = %T for protocol %s", m.engine, tt.protocol)
			}
			if m.IsConnected() {
				t.Error("IsConnected() = true before Start()")
			}
		})
	}
}

func TestNewManager_NilEngine(t *testing.T) {
	if _, err := NewManager(testConfig(), nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("NewManager(nil) error = %v, want ErrInvalidConfig", err)
	}
}

func TestSubscribe_RecordsOnSuccess(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)

	topic := Topics{}.AllSensorReadings()
	if err := m.Subscribe(context.Background(), topic, 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if !m.HasSubscription(topic) {
		t.Errorf("HasSubscription(%q) = false after successful Subscribe()", topic)
	}
	if got := m.SubscriptionCount(); got != 1 {
		t.Errorf("SubscriptionCount() = %d, want 1", got)
	}
}

func TestSubscribe_NotRecordedOnFailure(t *testing.T) {
	engine := newFakeEngine()
	engine.subscribeErr = func(string) error { return errFakeBroker }
	m := newTestManager(t, testConfig(), engine)

	topic := Topics{}.AllSensorReadings()
	err := m.Subscribe(context.Background(), topic, 1)
	if !errors.Is(err, ErrSubscribeFailed) || !errors.Is(err, errFakeBroker) {
		t.Errorf("Subscribe() error = %v, want ErrSubscribeFailed wrapping the broker error", err)
	}

	if m.HasSubscription(topic) {
		t.Errorf("HasSubscription(%q) = true after failed Subscribe()", topic)
	}
}

func TestSubscribe_NotConnected(t *testing.T) {
	engine := newFakeEngine()
	engine.subscribeErr = func(string) error { return ErrNotConnected }
	m := newTestManager(t, testConfig(), engine)

	err := m.Subscribe(context.Background(), "a/b", 1)
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe() error = %v, want ErrNotConnected", err)
	}
	if m.SubscriptionCount() != 0 {
		t.Error("failed Subscribe() should not be recorded")
	}
}

func TestSubscribe_Validation(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)

	if err := m.Subscribe(context.Background(), "", 1); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("Subscribe(\"\") error = %v, want ErrInvalidTopic", err)
	}
	if err := m.Subscribe(context.Background(), "a", 3); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("Subscribe(qos 3) error = %v, want ErrInvalidQoS", err)
	}
	if got := len(engine.subscribeCalls()); got != 0 {
		t.Errorf("engine Subscribe calls = %d, want 0", got)
	}
}

func TestSubscribe_DuplicateKeepsOneEntry(t *testing.T) {
	m := newTestManager(t, testConfig(), newFakeEngine())
	ctx := context.Background()

	for _, qos := range []byte{0, 2} {
		if err := m.Subscribe(ctx, "a/b", qos); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}

	subs := m.Subscriptions()
	if len(subs) != 1 {
		t.Fatalf("Subscriptions() = %v, want one entry", subs)
	}
	if subs[0].QoS != 2 {
		t.Errorf("Subscriptions()[0].QoS = %d, want latest QoS 2", subs[0].QoS)
	}
}

func TestEventLoop_ResubscribesBeforeHandlerOnSessionPresent(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)
	ctx := context.Background()

	topics := []string{"boilerline/sensor/+/ph", "boilerline/device/+/status"}
	for i, topic := range topics {
		if err := m.Subscribe(ctx, topic, byte(i*2)); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	engine.resetCalls()

	rec := &eventRecorder{}
	handler := func(ev Event) {
		engine.record("handler " + ev.Kind.String())
		rec.handle(ev)
	}
	if err := m.Start(ctx, handler); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	engine.feed(Event{Direction: Incoming, Kind: KindConnAck, SessionPresent: true})
	waitFor(t, "connack delivered", func() bool { return rec.count() == 1 })

	calls := engine.subscribeCalls()
	if len(calls) != len(topics) {
		t.Fatalf("resubscribe calls = %v, want one per topic", calls)
	}
	seen := map[string]int{}
	for _, c := range calls {
		seen[c.Topic]++
		if c.QoS != 1 {
			t.Errorf("resubscribe %s at QoS %d, want 1", c.Topic, c.QoS)
		}
	}
	for _, topic := range topics {
		if seen[topic] != 1 {
			t.Errorf("topic %s resubscribed %d times, want 1", topic, seen[topic])
		}
	}

	trace := engine.traceSnapshot()
	if last := trace[len(trace)-1]; last != "handler connack" {
		t.Errorf("trace = %v, want handler to see connack after every resubscribe", trace)
	}

	if got := m.Stats().Resubscribed; got != uint64(len(topics)) {
		t.Errorf("Stats().Resubscribed = %d, want %d", got, len(topics))
	}
}

func TestEventLoop_NoResubscribeOnCleanSession(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)
	ctx := context.Background()

	if err := m.Subscribe(ctx, "a/b", 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	engine.resetCalls()

	rec := &eventRecorder{}
	if err := m.Start(ctx, rec.handle); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	engine.feed(Event{Direction: Incoming, Kind: KindConnAck, SessionPresent: false})
	waitFor(t, "connack delivered", func() bool { return rec.count() == 1 })

	if calls := engine.subscribeCalls(); len(calls) != 0 {
		t.Errorf("subscribe calls = %v, want none for a fresh session", calls)
	}
	if !rec.snapshot()[0].IsConnAck() {
		t.Errorf("handler got %v, want the connack", rec.snapshot()[0])
	}
}

func TestEventLoop_ResubscribeFailureContinues(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)
	ctx := context.Background()

	for _, topic := range []string{"a", "b", "c"} {
		if err := m.Subscribe(ctx, topic, 1); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
	}
	engine.resetCalls()
	engine.mu.Lock()
	engine.subscribeErr = func(topic string) error {
		if topic == "b" {
			return errFakeBroker
		}
		return nil
	}
	engine.mu.Unlock()

	rec := &eventRecorder{}
	if err := m.Start(ctx, rec.handle); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	engine.feed(Event{Direction: Incoming, Kind: KindConnAck, SessionPresent: true})
	waitFor(t, "connack delivered", func() bool { return rec.count() == 1 })

	if got := len(engine.subscribeCalls()); got != 3 {
		t.Errorf("resubscribe calls = %d, want 3", got)
	}
	if got := m.Stats().Resubscribed; got != 2 {
		t.Errorf("Stats().Resubscribed = %d, want 2", got)
	}
	if !m.HasSubscription("b") {
		t.Error("a failed resubscribe should keep the topic recorded")
	}
}

func TestEventLoop_PreserveQoS(t *testing.T) {
	cfg := testConfig()
	cfg.Resubscribe.PreserveQoS = true
	engine := newFakeEngine()
	m := newTestManager(t, cfg, engine)
	ctx := context.Background()

	if err := m.Subscribe(ctx, "a", 2); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	engine.resetCalls()

	rec := &eventRecorder{}
	if err := m.Start(ctx, rec.handle); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	engine.feed(Event{Direction: Incoming, Kind: KindConnAck, SessionPresent: true})
	waitFor(t, "connack delivered", func() bool { return rec.count() == 1 })

	calls := engine.subscribeCalls()
	if len(calls) != 1 || calls[0].QoS != 2 {
		t.Errorf("resubscribe calls = %v, want topic a at QoS 2", calls)
	}
}

func TestEventLoop_EventOrder(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)

	rec := &eventRecorder{}
	if err := m.Start(context.Background(), rec.handle); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	want := []string{"s/1", "s/2", "s/3", "s/4", "s/5"}
	for _, topic := range want {
		engine.feed(Event{Direction: Incoming, Kind: KindPublish, Topic: topic})
	}
	waitFor(t, "all events delivered", func() bool { return rec.count() == len(want) })

	for i, ev := range rec.snapshot() {
		if ev.Topic != want[i] {
			t.Errorf("event %d topic = %q, want %q", i, ev.Topic, want[i])
		}
	}
}

func TestEventLoop_BacksOffAfterPollError(t *testing.T) {
	cfg := testConfig()
	cfg.EventLoop.ErrorBackoff = 60 * time.Millisecond
	engine := newFakeEngine()
	m := newTestManager(t, cfg, engine)

	rec := &eventRecorder{}
	engine.feedErr(ErrConnectionLost)
	engine.feed(Event{Direction: Incoming, Kind: KindConnAck})

	start := time.Now()
	if err := m.Start(context.Background(), rec.handle); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "connack after backoff", func() bool { return rec.count() == 1 })
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("event delivered after %v, want the loop to back off first", elapsed)
	}
}

func TestEventLoop_HandlerPanicRecovered(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)

	rec := &eventRecorder{}
	handler := func(ev Event) {
		if ev.Topic == "boom" {
			panic("handler exploded")
		}
		rec.handle(ev)
	}
	if err := m.Start(context.Background(), handler); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	engine.feed(Event{Direction: Incoming, Kind: KindPublish, Topic: "boom"})
	engine.feed(Event{Direction: Incoming, Kind: KindPublish, Topic: "after"})

	waitFor(t, "event after panic", func() bool { return rec.count() == 1 })
	if got := rec.snapshot()[0].Topic; got != "after" {
		t.Errorf("handler got %q, want %q", got, "after")
	}
}

func TestStart_Twice(t *testing.T) {
	m := newTestManager(t, testConfig(), newFakeEngine())

	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(context.Background(), nil); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestClose(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)
	ctx := context.Background()

	if err := m.Start(ctx, nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- m.Close() }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Close() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Close() did not return")
	}

	if !engine.closed.Load() {
		t.Error("Close() should close the engine")
	}
	if err := m.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := m.EnqueuePublish(ctx, "t", nil, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("EnqueuePublish() after Close() error = %v, want ErrClosed", err)
	}
	if err := m.Subscribe(ctx, "t", 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe() after Close() error = %v, want ErrClosed", err)
	}
	if err := m.Start(ctx, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("Start() after Close() error = %v, want ErrClosed", err)
	}
}

func TestClose_StopsRetryWait(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.RetryDelay = time.Hour
	engine := newFakeEngine()
	engine.publishErr = func(string, int) error { return errFakeBroker }
	m := newTestManager(t, cfg, engine)

	if _, err := m.EnqueuePublish(context.Background(), "t", nil, 1); err != nil {
		t.Fatalf("EnqueuePublish() error = %v", err)
	}
	if err := m.Start(context.Background(), nil); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, "first attempt", func() bool { return len(engine.publishCalls()) == 1 })

	start := time.Now()
	m.Close() //nolint:errcheck // fake engine never fails
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Close() took %v while a retry was pending", elapsed)
	}
}

func TestHealthCheck(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)

	if err := m.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() connected error = %v", err)
	}

	engine.conn.set(false)
	if err := m.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() disconnected error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() cancelled error = %v, want context.Canceled", err)
	}
}

func TestStats(t *testing.T) {
	engine := newFakeEngine()
	m := newTestManager(t, testConfig(), engine)
	ctx := context.Background()

	if err := m.Subscribe(ctx, "a", 1); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := m.EnqueuePublish(ctx, "t", nil, 1); err != nil {
			t.Fatalf("EnqueuePublish() error = %v", err)
		}
	}

	stats := m.Stats()
	if stats.Enqueued != 3 || stats.QueueLength != 3 || stats.Subscriptions != 1 || !stats.Connected {
		t.Errorf("Stats() = %+v, want 3 enqueued and queued, 1 subscription, connected", stats)
	}
}
