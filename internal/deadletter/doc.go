// Package deadletter persists MQTT messages the publish queue gave up on.
//
// When a message exhausts its retry budget the MQTT manager calls its drop
// callback; Store.Handler adapts that callback so every dropped message lands
// in the dead_letters table with its final error and attempt count. Operators
// can inspect or replay them later.
package deadletter
