// Package influxdb provides InfluxDB connectivity for Boilerline Core.
//
// It stores time-series data for:
//   - Water-quality sensor readings (pH, TDS, turbidity, flow)
//   - MQTT delivery statistics (published, retried, dropped, queue depth)
//
// # Usage
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID, onError)
//	if errors.Is(err, influxdb.ErrDisabled) {
//	    // time-series storage switched off
//	}
//	defer client.Close()
//
//	client.WriteReading("boiler-01", "ph", 7.2, "pH", time.Now())
//
// Writes are non-blocking and batched per batch_size and flush_interval.
// Async write failures are delivered to the onError callback given to Connect.
package influxdb
