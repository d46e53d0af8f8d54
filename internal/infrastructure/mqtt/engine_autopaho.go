package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
)

// autopahoEngine speaks MQTT 5 through paho.golang's autopaho.
//
// autopaho owns the connection and reconnects on its own with a constant
// backoff. Its callbacks push ConnAck, Publish and error events into the
// buffer that Poll drains. The connection manager is created by the first
// Poll so that nothing touches the network before the dispatch loop runs.
type autopahoEngine struct {
	cfg    config.MQTTConfig
	events *eventBuffer

	// ctx bounds the connection manager's lifetime.
	ctx    context.Context
	cancel context.CancelFunc

	mu sync.Mutex
	cm *autopaho.ConnectionManager

	conn   *connState
	closed atomic.Bool
}

func newAutopahoEngine(cfg config.MQTTConfig) *autopahoEngine {
	ctx, cancel := context.WithCancel(context.Background())
	return &autopahoEngine{
		cfg:    cfg,
		events: newEventBuffer(),
		conn:   newConnState(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (e *autopahoEngine) Poll(ctx context.Context) (Event, error) {
	if e.closed.Load() {
		return Event{}, ErrClosed
	}
	if err := e.start(); err != nil {
		return Event{}, err
	}
	return e.events.next(ctx)
}

// start creates the connection manager once.
func (e *autopahoEngine) start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cm != nil {
		return nil
	}

	cm, err := autopaho.NewConnection(e.ctx, buildAutopahoConfig(e.cfg, e))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	e.cm = cm
	return nil
}

func (e *autopahoEngine) manager() *autopaho.ConnectionManager {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cm
}

// Publish waits until autopaho reports the connection up, bounded by ctx.
func (e *autopahoEngine) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	if err := e.conn.wait(ctx); err != nil {
		return err
	}
	cm := e.manager()
	if cm == nil {
		return ErrNotConnected
	}

	resp, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		QoS:     qos,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if resp != nil && resp.ReasonCode >= subackFailure {
		return fmt.Errorf("%w: reason code 0x%02x", errBrokerRejected, resp.ReasonCode)
	}

	e.events.push(Event{Direction: Outgoing, Kind: KindPublish, Topic: topic, QoS: qos})
	return nil
}

func (e *autopahoEngine) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := e.conn.wait(ctx); err != nil {
		return err
	}
	cm := e.manager()
	if cm == nil {
		return ErrNotConnected
	}

	suback, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: topic, QoS: qos},
		},
	})
	if err != nil {
		return err
	}
	if suback != nil {
		for _, code := range suback.Reasons {
			if code >= subackFailure {
				return fmt.Errorf("%w: reason code 0x%02x", errBrokerRejected, code)
			}
		}
	}

	e.events.push(Event{Direction: Outgoing, Kind: KindSubscribe, Topic: topic, QoS: qos})
	return nil
}

func (e *autopahoEngine) IsConnected() bool {
	return e.conn.isUp()
}

// Close publishes a graceful offline status, disconnects and stops autopaho.
func (e *autopahoEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	if cm := e.manager(); cm != nil && e.conn.isUp() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeouts.Publish)
		_, _ = cm.Publish(ctx, &paho.Publish{ //nolint:errcheck // best effort on shutdown
			Topic:   Topics{}.SystemStatus(),
			QoS:     statusQoS,
			Retain:  true,
			Payload: buildStatusPayload(e.cfg.Broker.ClientID, statusOffline, reasonGraceful),
		})
		_ = cm.Disconnect(ctx) //nolint:errcheck // connection may already be gone
		cancel()
	}

	e.conn.close()
	e.cancel()
	e.events.close()
	return nil
}

func (e *autopahoEngine) onConnectionUp(cm *autopaho.ConnectionManager, ack *paho.Connack) {
	e.conn.set(true)
	e.events.push(Event{Direction: Incoming, Kind: KindConnAck, SessionPresent: ack.SessionPresent})

	// Off the callback goroutine: autopaho is still finishing the handshake.
	go func() {
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.Timeouts.Publish)
		defer cancel()
		_, _ = cm.Publish(ctx, &paho.Publish{ //nolint:errcheck // presence is advisory
			Topic:   Topics{}.SystemStatus(),
			QoS:     statusQoS,
			Retain:  true,
			Payload: buildStatusPayload(e.cfg.Broker.ClientID, statusOnline, ""),
		})
	}()
}

func (e *autopahoEngine) onConnectError(err error) {
	e.conn.set(false)
	e.events.pushErr(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
}

func (e *autopahoEngine) onClientError(err error) {
	e.conn.set(false)
	e.events.pushErr(fmt.Errorf("%w: %w", ErrConnectionLost, err))
}

func (e *autopahoEngine) onServerDisconnect(d *paho.Disconnect) {
	e.conn.set(false)

	var reason string
	if d.Properties != nil {
		reason = d.Properties.ReasonString
	}
	e.events.push(Event{Direction: Incoming, Kind: KindDisconnect, Reason: reason})
}

func (e *autopahoEngine) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	e.events.push(Event{
		Direction: Incoming,
		Kind:      KindPublish,
		Topic:     pr.Packet.Topic,
		Payload:   pr.Packet.Payload,
		QoS:       pr.Packet.QoS,
		Retained:  pr.Packet.Retain,
	})
	return true, nil
}
