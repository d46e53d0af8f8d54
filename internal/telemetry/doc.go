// Package telemetry turns incoming sensor messages into readings.
//
// Field devices publish one water-quality parameter per topic:
//
//	boilerline/sensor/{device_id}/{parameter}
//
// where parameter is one of ph, tds, turbidity or flow. The payload is either
// a JSON object or a bare number:
//
//	{"value": 7.1, "unit": "pH", "timestamp": "2026-10-19T09:00:00Z"}
//	7.1
//
// The Recorder parses each reading, writes it to InfluxDB and hands it to
// the alarm engine. It also reports MQTT delivery statistics on an interval.
package telemetry
