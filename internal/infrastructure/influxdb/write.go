package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementSensorReadings = "sensor_readings"
	MeasurementMQTTDelivery   = "mqtt_delivery"
)

// WriteReading queues one water-quality reading, tagged by device, parameter
// and unit. A zero ts means now.
func (c *Client) WriteReading(deviceID, parameter string, value float64, unit string, ts time.Time) {
	if c.open() {
		c.writeAPI.WritePoint(readingPoint(deviceID, parameter, value, unit, ts))
	}
}

// WritePoint queues a point stamped with the current time.
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	if c.open() {
		c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, time.Now()))
	}
}

func readingPoint(deviceID, parameter string, value float64, unit string, ts time.Time) *write.Point {
	if ts.IsZero() {
		ts = time.Now()
	}
	tags := map[string]string{"device_id": deviceID, "parameter": parameter}
	if unit != "" {
		tags["unit"] = unit
	}
	return write.NewPoint(MeasurementSensorReadings, tags, map[string]interface{}{"value": value}, ts)
}
