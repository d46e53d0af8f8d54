package mqtt

import (
	"context"
	"fmt"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
)

// Engine is the protocol client underneath the Manager.
//
// Poll drives the connection: when the engine is disconnected it performs a
// connect attempt and returns the ConnAck, otherwise it returns the next
// buffered event. A connection failure is returned from Poll once; the next
// Poll tries again. Publish and Subscribe issued while disconnected wait
// for the connection Poll establishes, then for the broker's
// acknowledgement, all bounded by ctx; they fail with ErrNotConnected when
// ctx ends first.
//
// Implementations must allow Publish and Subscribe to run concurrently with
// a blocked Poll.
type Engine interface {
	Poll(ctx context.Context) (Event, error)
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	Subscribe(ctx context.Context, topic string, qos byte) error
	IsConnected() bool
	Close() error
}

// newEngine builds the engine for the configured protocol version.
func newEngine(cfg config.MQTTConfig) (Engine, error) {
	switch cfg.Broker.Protocol {
	case config.ProtocolV5:
		return newAutopahoEngine(cfg), nil
	case config.ProtocolV311, "":
		return newPahoEngine(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrInvalidConfig, cfg.Broker.Protocol)
	}
}
