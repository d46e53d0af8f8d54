package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/mqtt"
)

// Parameter is a measured water-quality quantity.
type Parameter string

// Supported parameters.
const (
	ParamPH        Parameter = "ph"
	ParamTDS       Parameter = "tds"
	ParamTurbidity Parameter = "turbidity"
	ParamFlow      Parameter = "flow"
)

// DefaultUnit returns the unit assumed when a payload carries none.
func (p Parameter) DefaultUnit() string {
	switch p {
	case ParamPH:
		return "pH"
	case ParamTDS:
		return "ppm"
	case ParamTurbidity:
		return "NTU"
	case ParamFlow:
		return "L/min"
	default:
		return ""
	}
}

// Valid reports whether p is a supported parameter.
func (p Parameter) Valid() bool {
	return p.DefaultUnit() != ""
}

const maxPH = 14

// Errors returned by ParseReading.
var (
	ErrNotSensorTopic   = errors.New("not a sensor topic")
	ErrUnknownParameter = errors.New("unknown sensor parameter")
	ErrInvalidReading   = errors.New("invalid sensor reading")
)

// Reading is one sensor value.
type Reading struct {
	DeviceID  string    `json:"device_id"`
	Parameter Parameter `json:"parameter"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
}

type readingPayload struct {
	Value     *float64 `json:"value"`
	Unit      string   `json:"unit"`
	Timestamp string   `json:"timestamp"`
}

// ParseReading decodes a message received on a sensor topic.
// now stamps readings whose payload has no timestamp.
func ParseReading(topic string, payload []byte, now time.Time) (Reading, error) {
	if !mqtt.Match(mqtt.Topics{}.AllSensorReadings(), topic) {
		return Reading{}, fmt.Errorf("%w: %s", ErrNotSensorTopic, topic)
	}
	parts := strings.Split(topic, "/")
	deviceID, param := parts[2], Parameter(parts[3])

	if deviceID == "" {
		return Reading{}, fmt.Errorf("%w: empty device id in %s", ErrInvalidReading, topic)
	}
	if !param.Valid() {
		return Reading{}, fmt.Errorf("%w: %q", ErrUnknownParameter, param)
	}

	r := Reading{
		DeviceID:  deviceID,
		Parameter: param,
		Unit:      param.DefaultUnit(),
		Timestamp: now.UTC(),
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var p readingPayload
		if err := json.Unmarshal(trimmed, &p); err != nil {
			return Reading{}, fmt.Errorf("%w: %w", ErrInvalidReading, err)
		}
		if p.Value == nil {
			return Reading{}, fmt.Errorf("%w: missing value", ErrInvalidReading)
		}
		r.Value = *p.Value
		if p.Unit != "" {
			r.Unit = p.Unit
		}
		if p.Timestamp != "" {
			ts, err := time.Parse(time.RFC3339, p.Timestamp)
			if err != nil {
				return Reading{}, fmt.Errorf("%w: timestamp: %w", ErrInvalidReading, err)
			}
			r.Timestamp = ts.UTC()
		}
	} else {
		v, err := strconv.ParseFloat(string(trimmed), 64)
		if err != nil {
			return Reading{}, fmt.Errorf("%w: %w", ErrInvalidReading, err)
		}
		r.Value = v
	}

	if err := r.validate(); err != nil {
		return Reading{}, err
	}
	return r, nil
}

func (r Reading) validate() error {
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		return fmt.Errorf("%w: value is not finite", ErrInvalidReading)
	}
	if r.Value < 0 {
		return fmt.Errorf("%w: %s must not be negative", ErrInvalidReading, r.Parameter)
	}
	if r.Parameter == ParamPH && r.Value > maxPH {
		return fmt.Errorf("%w: ph %.2f outside 0-14", ErrInvalidReading, r.Value)
	}
	return nil
}
