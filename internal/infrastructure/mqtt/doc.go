// Package mqtt keeps Boilerline Core's MQTT connection reliable.
//
// The plant's dosing controllers and water-quality sensors talk to core
// through a broker that restarts, and over links that drop. This package
// provides:
//   - A Manager that owns the connection, a bounded publish queue with
//     retry, and the set of subscribed topics
//   - Subscription restoration when the broker resumes a persistent session
//   - Ordered delivery of every connection event to one application handler
//   - Last Will and Testament on boilerline/system/status for presence
//
// # Architecture
//
//	EnqueuePublish -> queue -> publisher goroutine -> Engine.Publish
//	Engine.Poll -> dispatch goroutine -> (resubscribe on resume) -> handler
//
// Two engines implement the Engine interface: MQTT 3.1.1 over
// paho.mqtt.golang and MQTT 5 over paho.golang's autopaho. The broker
// protocol is chosen by mqtt.broker.protocol.
//
// # Delivery policy
//
// A message is attempted at most MaxRetries+1 times. A failed attempt waits
// RetryDelay and goes back to the tail of the queue, so it may be overtaken
// by later messages. After a success the publisher pauses for Throttle.
// Messages that exhaust their retries go to the drop callback.
//
// # Usage
//
//	mgr, err := mqtt.New(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close()
//
//	mgr.Start(ctx, func(ev mqtt.Event) {
//	    if ev.IsPublish() {
//	        log.Printf("received %s", ev.Topic)
//	    }
//	})
//
//	mgr.Subscribe(ctx, mqtt.Topics{}.AllSensorReadings(), 1)
//	mgr.EnqueuePublish(ctx, mqtt.Topics{}.DeviceCommand("dosing-pump-02"), []byte(`{"dose_ml":40}`), 1)
package mqtt
