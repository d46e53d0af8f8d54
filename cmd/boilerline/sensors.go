package main

import (
	"context"
	"sync"
	"time"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/mqtt"
)

type subscriber interface {
	Subscribe(ctx context.Context, topic string, qos byte) error
}

type warnLogger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// sensorSubscriber subscribes the configured sensor topics whenever the
// broker has no session for us: on the first connection and after any
// reconnect where the session was not resumed. Resumed sessions are
// restored by the manager itself.
type sensorSubscriber struct {
	sub     subscriber
	topics  []string
	qos     byte
	backoff time.Duration
	log     warnLogger

	trigger chan struct{}

	mu        sync.Mutex
	connected bool
}

func newSensorSubscriber(sub subscriber, topics []string, qos byte, backoff time.Duration, log warnLogger) *sensorSubscriber {
	return &sensorSubscriber{
		sub:     sub,
		topics:  topics,
		qos:     qos,
		backoff: backoff,
		log:     log,
		trigger: make(chan struct{}, 1),
	}
}

// onConnAck runs on the dispatch goroutine and must not block.
func (s *sensorSubscriber) onConnAck(ev mqtt.Event) {
	s.mu.Lock()
	first := !s.connected
	s.connected = true
	s.mu.Unlock()

	if !first && ev.SessionPresent {
		return
	}
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// run subscribes every topic each time it is triggered, retrying failed
// topics after the backoff until ctx ends.
func (s *sensorSubscriber) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.trigger:
		}

		pending := append([]string(nil), s.topics...)
		for len(pending) > 0 {
			pending = s.subscribe(ctx, pending)
			if len(pending) == 0 {
				break
			}
			timer := time.NewTimer(s.backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

// subscribe returns the topics that failed.
func (s *sensorSubscriber) subscribe(ctx context.Context, topics []string) []string {
	var failed []string
	for _, topic := range topics {
		if err := s.sub.Subscribe(ctx, topic, s.qos); err != nil {
			s.log.Warn("sensor subscription failed, will retry", "topic", topic, "error", err)
			failed = append(failed, topic)
			continue
		}
		s.log.Info("sensor topic subscribed", "topic", topic)
	}
	return failed
}
