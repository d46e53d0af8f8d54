package mqtt

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
)

// pahoEngine speaks MQTT 3.1.1 through paho.mqtt.golang.
type pahoEngine struct {
	client pahomqtt.Client
	cfg    config.MQTTConfig
	events *eventBuffer
	conn   *connState
	closed atomic.Bool
}

func newPahoEngine(cfg config.MQTTConfig) *pahoEngine {
	e := &pahoEngine{
		cfg:    cfg,
		events: newEventBuffer(),
		conn:   newConnState(),
	}

	opts := buildClientOptions(cfg)
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		e.conn.set(false)
		e.events.pushErr(fmt.Errorf("%w: %w", ErrConnectionLost, err))
	})
	// Subscribe passes a nil callback, so every message lands here,
	// including ones the broker replays from a resumed session.
	opts.SetDefaultPublishHandler(func(_ pahomqtt.Client, msg pahomqtt.Message) {
		e.events.push(Event{
			Direction: Incoming,
			Kind:      KindPublish,
			Topic:     msg.Topic(),
			Payload:   msg.Payload(),
			QoS:       msg.Qos(),
			Retained:  msg.Retained(),
		})
	})

	e.client = pahomqtt.NewClient(opts)
	return e
}

// Poll connects when the connection is down, otherwise returns the next event.
func (e *pahoEngine) Poll(ctx context.Context) (Event, error) {
	if e.closed.Load() {
		return Event{}, ErrClosed
	}
	if !e.client.IsConnectionOpen() {
		e.conn.set(false)
		return e.connect(ctx)
	}
	return e.events.next(ctx)
}

func (e *pahoEngine) connect(ctx context.Context) (Event, error) {
	token := e.client.Connect()
	if err := waitToken(ctx, token, e.cfg.Timeouts.Connect); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	var sessionPresent bool
	if ct, ok := token.(*pahomqtt.ConnectToken); ok {
		sessionPresent = ct.SessionPresent()
	}

	// Overwrites the retained will left by a previous crash.
	e.client.Publish(Topics{}.SystemStatus(), statusQoS, true,
		buildStatusPayload(e.cfg.Broker.ClientID, statusOnline, ""))

	e.conn.set(true)
	return Event{Direction: Incoming, Kind: KindConnAck, SessionPresent: sessionPresent}, nil
}

// Publish waits for the connection Poll establishes, bounded by ctx.
func (e *pahoEngine) Publish(ctx context.Context, topic string, payload []byte, qos byte) error {
	if err := e.conn.wait(ctx); err != nil {
		return err
	}

	token := e.client.Publish(topic, qos, false, payload)
	if err := waitToken(ctx, token, 0); err != nil {
		return err
	}

	e.events.push(Event{Direction: Outgoing, Kind: KindPublish, Topic: topic, QoS: qos})
	return nil
}

// Subscribe waits for the connection like Publish.
func (e *pahoEngine) Subscribe(ctx context.Context, topic string, qos byte) error {
	if err := e.conn.wait(ctx); err != nil {
		return err
	}

	token := e.client.Subscribe(topic, qos, nil)
	if err := waitToken(ctx, token, 0); err != nil {
		return err
	}
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code >= subackFailure {
			return fmt.Errorf("%w: return code 0x%02x", errBrokerRejected, code)
		}
	}

	e.events.push(Event{Direction: Outgoing, Kind: KindSubscribe, Topic: topic, QoS: qos})
	return nil
}

func (e *pahoEngine) IsConnected() bool {
	return e.client.IsConnectionOpen()
}

// Close publishes a graceful offline status and disconnects.
func (e *pahoEngine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	if e.client.IsConnectionOpen() {
		token := e.client.Publish(Topics{}.SystemStatus(), statusQoS, true,
			buildStatusPayload(e.cfg.Broker.ClientID, statusOffline, reasonGraceful))
		token.WaitTimeout(e.cfg.Timeouts.Publish)
		e.client.Disconnect(defaultDisconnectQuiesce)
	}

	e.conn.close()
	e.events.close()
	return nil
}

// waitToken waits for a paho token, ctx or, when positive, timeout.
func waitToken(ctx context.Context, token pahomqtt.Token, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTimeout, ctx.Err())
	case <-expired:
		return fmt.Errorf("%w: after %v", ErrTimeout, timeout)
	}
}
