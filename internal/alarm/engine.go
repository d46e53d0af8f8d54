package alarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/boilerline-core/internal/telemetry"
)

// alarmQoS is the delivery level for alarm messages.
const alarmQoS = 1

// DefaultCooldown applies when the configured cooldown is not positive.
const DefaultCooldown = time.Minute

// enqueueTimeout bounds the wait for a slot in a full publish queue.
// The alarm stays in the log when it expires.
const enqueueTimeout = 2 * time.Second

// Publisher queues an outgoing message. *mqtt.Manager satisfies it.
type Publisher interface {
	EnqueuePublish(ctx context.Context, topic string, payload []byte, qos byte) (uint64, error)
}

// Logger is the subset of slog.Logger the engine needs.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Engine raises alarms for readings that break a rule.
type Engine struct {
	rules     []Rule
	repo      Repository
	publisher Publisher
	logger    Logger
	cooldown  time.Duration
	now       func() time.Time

	enqueueTimeout time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewEngine creates an engine. publisher may be nil to only record alarms.
func NewEngine(rules []Rule, repo Repository, publisher Publisher, cooldown time.Duration, logger Logger) *Engine {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Engine{
		rules:     rules,
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		cooldown:  cooldown,
		now:       time.Now,
		limiters:  make(map[string]*rate.Limiter),

		enqueueTimeout: enqueueTimeout,
	}
}

// Rules returns the configured rules.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Evaluate checks the reading against every rule and raises an alarm for
// each one that holds and is outside its cooldown. It returns the alarms
// raised; failures for individual rules are joined into the error.
func (e *Engine) Evaluate(ctx context.Context, reading telemetry.Reading) ([]Log, error) {
	var raised []Log
	var errs []error

	for _, rule := range e.rules {
		if !rule.Matches(reading) {
			continue
		}
		if !e.allow(rule.Name, reading.DeviceID) {
			continue
		}

		log, err := e.raise(ctx, rule, reading)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %s: %w", rule.Name, err))
		}
		if log != nil {
			raised = append(raised, *log)
		}
	}

	return raised, errors.Join(errs...)
}

// HandleReading evaluates a reading and logs failures.
// It lets the engine sit behind the telemetry recorder.
func (e *Engine) HandleReading(ctx context.Context, reading telemetry.Reading) {
	if _, err := e.Evaluate(ctx, reading); err != nil {
		e.logger.Error("alarm evaluation failed",
			"device_id", reading.DeviceID,
			"parameter", string(reading.Parameter),
			"error", err,
		)
	}
}

// allow consumes the cooldown token for rule and device.
func (e *Engine) allow(rule, deviceID string) bool {
	key := rule + "|" + deviceID

	e.mu.Lock()
	defer e.mu.Unlock()

	lim, ok := e.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(e.cooldown), 1)
		e.limiters[key] = lim
	}
	return lim.AllowN(e.now(), 1)
}

// raise stores the alarm and queues its message. A stored alarm is
// returned even when queueing fails.
func (e *Engine) raise(ctx context.Context, rule Rule, reading telemetry.Reading) (*Log, error) {
	log := &Log{
		RuleName:     rule.Name,
		DeviceID:     reading.DeviceID,
		Parameter:    string(reading.Parameter),
		Condition:    rule.Condition,
		Threshold:    rule.Value,
		TriggerValue: reading.Value,
		TriggeredAt:  e.now().UTC(),
	}

	if err := e.repo.Create(ctx, log); err != nil {
		return nil, err
	}

	e.logger.Info("alarm raised",
		"id", log.ID,
		"rule", rule.Name,
		"device_id", reading.DeviceID,
		"value", reading.Value,
		"threshold", rule.Value,
	)

	if e.publisher == nil {
		return log, nil
	}

	payload, err := json.Marshal(log)
	if err != nil {
		return log, fmt.Errorf("marshalling alarm: %w", err)
	}
	topic := mqtt.Topics{}.Alarm(reading.DeviceID, rule.Name)
	pubCtx, cancel := context.WithTimeout(ctx, e.enqueueTimeout)
	defer cancel()
	if _, err := e.publisher.EnqueuePublish(pubCtx, topic, payload, alarmQoS); err != nil {
		return log, fmt.Errorf("queueing alarm: %w", err)
	}
	return log, nil
}
