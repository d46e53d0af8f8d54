package telemetry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/boilerline-core/internal/infrastructure/mqtt"
)

type point struct {
	measurement string
	tags        map[string]string
	fields      map[string]interface{}
}

type fakeWriter struct {
	mu       sync.Mutex
	readings []Reading
	points   []point
}

func (w *fakeWriter) WriteReading(deviceID, parameter string, value float64, unit string, ts time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.readings = append(w.readings, Reading{
		DeviceID: deviceID, Parameter: Parameter(parameter), Value: value, Unit: unit, Timestamp: ts,
	})
}

func (w *fakeWriter) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, point{measurement, tags, fields})
}

func (w *fakeWriter) pointCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.points)
}

type fakeHandler struct {
	mu       sync.Mutex
	readings []Reading
}

func (h *fakeHandler) HandleReading(_ context.Context, r Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readings = append(h.readings, r)
}

func (h *fakeHandler) snapshot() []Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Reading(nil), h.readings...)
}

// blockingHandler stands in for an alarm engine stuck on a full publish queue.
type blockingHandler struct {
	release chan struct{}
}

func (h *blockingHandler) HandleReading(ctx context.Context, _ Reading) {
	select {
	case <-h.release:
	case <-ctx.Done():
	}
}

type fixedStats mqtt.Stats

func (s fixedStats) Stats() mqtt.Stats { return mqtt.Stats(s) }

func TestHandleEvent(t *testing.T) {
	w := &fakeWriter{}
	h := &fakeHandler{}
	r := NewRecorder(w, h, nil, "core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	r.HandleEvent(mqtt.Event{Direction: mqtt.Incoming, Kind: mqtt.KindPublish,
		Topic: "boilerline/sensor/boiler-01/ph", Payload: []byte("9.1")})
	r.HandleEvent(mqtt.Event{Direction: mqtt.Incoming, Kind: mqtt.KindPublish,
		Topic: "boilerline/sensor/boiler-01/ph", Payload: []byte("junk")})
	r.HandleEvent(mqtt.Event{Direction: mqtt.Incoming, Kind: mqtt.KindPublish,
		Topic: "boilerline/device/boiler-01/status", Payload: []byte("online")})
	r.HandleEvent(mqtt.Event{Direction: mqtt.Incoming, Kind: mqtt.KindConnAck})

	deadline := time.Now().Add(time.Second)
	for len(h.snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}

	if len(w.readings) != 1 || w.readings[0].Value != 9.1 || w.readings[0].DeviceID != "boiler-01" {
		t.Errorf("written readings = %+v, want one ph reading", w.readings)
	}
	if got := h.snapshot(); len(got) != 1 || got[0].Parameter != ParamPH {
		t.Errorf("handled readings = %+v, want one ph reading", got)
	}
	if r.Received() != 1 {
		t.Errorf("Received() = %d, want 1", r.Received())
	}
	if r.Rejected() != 1 {
		t.Errorf("Rejected() = %d, want 1", r.Rejected())
	}
}

func TestHandleEvent_NilSinks(t *testing.T) {
	r := NewRecorder(nil, nil, nil, "core")

	r.HandleEvent(mqtt.Event{Direction: mqtt.Incoming, Kind: mqtt.KindPublish,
		Topic: "boilerline/sensor/x/tds", Payload: []byte("300")})

	if r.Received() != 1 {
		t.Errorf("Received() = %d, want 1", r.Received())
	}
}

func TestRunStatsReporter(t *testing.T) {
	w := &fakeWriter{}
	r := NewRecorder(w, nil, nil, "core-7")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.RunStatsReporter(ctx, fixedStats{Published: 3, Dropped: 1, QueueLength: 2, Connected: true}, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for w.pointCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.points) == 0 {
		t.Fatal("no stats point written")
	}
	p := w.points[0]
	if p.measurement != influxdb.MeasurementMQTTDelivery {
		t.Errorf("measurement = %q, want %q", p.measurement, influxdb.MeasurementMQTTDelivery)
	}
	if p.tags["client_id"] != "core-7" {
		t.Errorf("client_id tag = %q", p.tags["client_id"])
	}
	if p.fields["published"] != int64(3) || p.fields["dropped"] != int64(1) {
		t.Errorf("fields = %v", p.fields)
	}
	if p.fields["queue_length"] != 2 || p.fields["connected"] != 1 {
		t.Errorf("fields = %v", p.fields)
	}
}

func TestRunStatsReporter_Disabled(t *testing.T) {
	r := NewRecorder(nil, nil, nil, "core")

	done := make(chan struct{})
	go func() {
		r.RunStatsReporter(context.Background(), fixedStats{}, time.Millisecond)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunStatsReporter() without a writer should return immediately")
	}
}

// TestHandleEvent_NeverBlocksOnHandler keeps the handler stuck and checks
// that HandleEvent still returns for every event and counts the overflow.
func TestHandleEvent_NeverBlocksOnHandler(t *testing.T) {
	h := &blockingHandler{release: make(chan struct{})}
	r := NewRecorder(nil, h, nil, "core")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)
	defer close(h.release)

	total := readingBacklog + 10
	done := make(chan struct{})
	go func() {
		for i := 0; i < total; i++ {
			r.HandleEvent(mqtt.Event{Direction: mqtt.Incoming, Kind: mqtt.KindPublish,
				Topic: "boilerline/sensor/b1/ph", Payload: []byte("10")})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HandleEvent() blocked behind a stuck handler")
	}

	if r.Received() != uint64(total) {
		t.Errorf("Received() = %d, want %d", r.Received(), total)
	}
	if r.Overflowed() == 0 {
		t.Error("Overflowed() = 0, want readings skipped once the backlog filled")
	}
}
