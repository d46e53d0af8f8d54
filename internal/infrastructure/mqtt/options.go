package mqtt

import (
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
)

const (
	// defaultDisconnectQuiesce is the time to wait for pending operations on disconnect.
	defaultDisconnectQuiesce = 1000 // milliseconds

	maxQoS = 2

	// maxPayloadSize bounds a single message (1MB).
	maxPayloadSize = 1 << 20

	// subackFailure is the SUBACK return code for a refused subscription.
	subackFailure = 0x80

	statusQoS = 1
)

// brokerURL returns the broker address as a URL for the given scheme.
func brokerURL(cfg config.MQTTConfig, scheme string) *url.URL {
	return &url.URL{
		Scheme: scheme,
		Host:   fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
	}
}

// buildClientOptions creates paho 3.1.1 options.
//
// Automatic reconnect is off: Poll owns reconnection so it can report the
// session-present flag of every ConnAck, which paho's reconnect callback
// does not expose.
func buildClientOptions(cfg config.MQTTConfig) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()

	opts.AddBroker(brokerURL(cfg, "tcp").String())
	opts.SetClientID(cfg.Broker.ClientID)

	// A persistent session keeps subscriptions and in-flight QoS>0
	// messages on the broker across reconnects.
	opts.SetCleanSession(!cfg.Session.Persistent)

	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)

	opts.SetConnectTimeout(cfg.Timeouts.Connect)
	opts.SetKeepAlive(cfg.GetKeepAlive())
	opts.SetOrderMatters(true)

	configureLWT(opts, cfg.Broker.ClientID)

	return opts
}

// configureLWT makes the broker publish a retained offline status if the
// connection drops without a DISCONNECT.
func configureLWT(opts *pahomqtt.ClientOptions, clientID string) {
	opts.SetBinaryWill(Topics{}.SystemStatus(), buildStatusPayload(clientID, statusOffline, reasonUnexpected), statusQoS, true)
}

// buildAutopahoConfig creates the MQTT 5 connection manager config.
// The callbacks feed the engine's event buffer.
func buildAutopahoConfig(cfg config.MQTTConfig, e *autopahoEngine) autopaho.ClientConfig {
	var expiry uint32
	if cfg.Session.Persistent {
		expiry = cfg.Session.ExpiryInterval
	}

	return autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL(cfg, "mqtt")},
		KeepAlive:                     uint16(cfg.KeepAlive), // #nosec G115 -- validated to fit
		CleanStartOnInitialConnection: !cfg.Session.Persistent,
		SessionExpiryInterval:         expiry,
		ReconnectBackoff:              autopaho.NewConstantBackoff(cfg.EventLoop.ErrorBackoff),
		ConnectTimeout:                cfg.Timeouts.Connect,
		WillMessage: &paho.WillMessage{
			Topic:   Topics{}.SystemStatus(),
			Payload: buildStatusPayload(cfg.Broker.ClientID, statusOffline, reasonUnexpected),
			QoS:     statusQoS,
			Retain:  true,
		},
		OnConnectionUp: e.onConnectionUp,
		OnConnectError: e.onConnectError,
		ClientConfig: paho.ClientConfig{
			ClientID:           cfg.Broker.ClientID,
			OnClientError:      e.onClientError,
			OnServerDisconnect: e.onServerDisconnect,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				e.onPublishReceived,
			},
		},
	}
}

// Presence states published on the system status topic.
const (
	statusOnline  = "online"
	statusOffline = "offline"

	reasonUnexpected = "unexpected_disconnect"
	reasonGraceful   = "graceful_shutdown"
)

type statusPayload struct {
	Status    string `json:"status"`
	ClientID  string `json:"client_id"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp"`
}

// buildStatusPayload creates the JSON presence message.
func buildStatusPayload(clientID, status, reason string) []byte {
	b, _ := json.Marshal(statusPayload{ //nolint:errcheck // plain struct of strings
		Status:    status,
		ClientID:  clientID,
		Reason:    reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
	return b
}

// validatePublish checks topic, QoS and payload size.
func validatePublish(topic string, payload []byte, qos byte) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds maximum %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	return nil
}
