package telemetry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/boilerline-core/internal/infrastructure/mqtt"
)

// MetricWriter stores time-series points. *influxdb.Client satisfies it.
type MetricWriter interface {
	WriteReading(deviceID, parameter string, value float64, unit string, ts time.Time)
	WritePoint(measurement string, tags map[string]string, fields map[string]interface{})
}

// ReadingHandler consumes parsed readings. The alarm engine satisfies it.
type ReadingHandler interface {
	HandleReading(ctx context.Context, r Reading)
}

// StatsSource provides delivery counters. *mqtt.Manager satisfies it.
type StatsSource interface {
	Stats() mqtt.Stats
}

// Logger is the subset of slog.Logger the recorder needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

// readingBacklog bounds readings waiting for the handler.
const readingBacklog = 256

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Recorder routes sensor messages to storage and alarm evaluation.
type Recorder struct {
	writer   MetricWriter
	handler  ReadingHandler
	logger   Logger
	clientID string
	now      func() time.Time

	// backlog decouples the handler from the MQTT dispatch goroutine.
	backlog chan Reading

	received atomic.Uint64
	rejected atomic.Uint64
	overflow atomic.Uint64
}

// NewRecorder creates a recorder. writer and handler may be nil when
// InfluxDB or alarms are disabled.
func NewRecorder(writer MetricWriter, handler ReadingHandler, logger Logger, clientID string) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{
		writer:   writer,
		handler:  handler,
		logger:   logger,
		clientID: clientID,
		now:      time.Now,
		backlog:  make(chan Reading, readingBacklog),
	}
}

// Run hands queued readings to the handler until ctx is done.
// HandleEvent never blocks on the handler, so Run must be running for
// readings to reach it.
func (r *Recorder) Run(ctx context.Context) {
	if r.handler == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case reading := <-r.backlog:
			r.handler.HandleReading(ctx, reading)
		}
	}
}

// HandleEvent processes one event from the MQTT dispatch loop without
// blocking it. Only incoming publishes on sensor topics are considered;
// malformed readings are logged and skipped, and readings that find the
// backlog full are counted and skipped.
func (r *Recorder) HandleEvent(ev mqtt.Event) {
	if !ev.IsPublish() {
		return
	}

	reading, err := ParseReading(ev.Topic, ev.Payload, r.now())
	if errors.Is(err, ErrNotSensorTopic) {
		return
	}
	if err != nil {
		r.rejected.Add(1)
		r.logger.Warn("discarding sensor reading",
			"topic", ev.Topic,
			"error", err,
		)
		return
	}
	r.received.Add(1)

	r.logger.Debug("sensor reading",
		"device_id", reading.DeviceID,
		"parameter", string(reading.Parameter),
		"value", reading.Value,
	)

	if r.writer != nil {
		r.writer.WriteReading(reading.DeviceID, string(reading.Parameter), reading.Value, reading.Unit, reading.Timestamp)
	}
	if r.handler == nil {
		return
	}
	select {
	case r.backlog <- reading:
	default:
		r.overflow.Add(1)
		r.logger.Warn("reading backlog full, skipping alarm evaluation",
			"device_id", reading.DeviceID,
			"parameter", string(reading.Parameter),
		)
	}
}

// Received returns the number of readings accepted so far.
func (r *Recorder) Received() uint64 {
	return r.received.Load()
}

// Rejected returns the number of malformed readings discarded so far.
func (r *Recorder) Rejected() uint64 {
	return r.rejected.Load()
}

// Overflowed returns the number of readings that found the backlog full.
func (r *Recorder) Overflowed() uint64 {
	return r.overflow.Load()
}

// RunStatsReporter writes an mqtt_delivery point every interval until ctx
// is done. It returns immediately if there is no writer or interval is not
// positive.
func (r *Recorder) RunStatsReporter(ctx context.Context, source StatsSource, interval time.Duration) {
	if r.writer == nil || source == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reportStats(source.Stats())
		}
	}
}

func (r *Recorder) reportStats(s mqtt.Stats) {
	connected := 0
	if s.Connected {
		connected = 1
	}

	r.writer.WritePoint(influxdb.MeasurementMQTTDelivery,
		map[string]string{"client_id": r.clientID},
		map[string]interface{}{
			"enqueued":          int64(s.Enqueued),     //nolint:gosec // counters stay far below MaxInt64
			"published":         int64(s.Published),    //nolint:gosec // counters stay far below MaxInt64
			"retried":           int64(s.Retried),      //nolint:gosec // counters stay far below MaxInt64
			"dropped":           int64(s.Dropped),      //nolint:gosec // counters stay far below MaxInt64
			"resubscribed":      int64(s.Resubscribed), //nolint:gosec // counters stay far below MaxInt64
			"queue_length":      s.QueueLength,
			"subscriptions":     s.Subscriptions,
			"connected":         connected,
			"readings_received": int64(r.received.Load()), //nolint:gosec // counters stay far below MaxInt64
			"readings_rejected": int64(r.rejected.Load()), //nolint:gosec // counters stay far below MaxInt64
			"readings_overflow": int64(r.overflow.Load()), //nolint:gosec // counters stay far below MaxInt64
		},
	)
}
