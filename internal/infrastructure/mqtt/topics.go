package mqtt

import (
	"fmt"
	"strings"
)

// Topic prefixes for the Boilerline MQTT hierarchy.
//
//	boilerline/sensor/{device_id}/{parameter}   readings from field devices
//	boilerline/device/{device_id}/status        device presence and health
//	boilerline/device/{device_id}/command       commands to field devices
//	boilerline/alarm/{device_id}/{rule}         threshold alarms raised by core
//	boilerline/system/status                    core presence (retained, LWT)
const (
	TopicPrefix       = "boilerline"
	TopicPrefixSensor = TopicPrefix + "/sensor"
	TopicPrefixDevice = TopicPrefix + "/device"
	TopicPrefixAlarm  = TopicPrefix + "/alarm"
	TopicPrefixSystem = TopicPrefix + "/system"
)

// Topics provides builders for Boilerline MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.SensorReading("boiler-01", "ph")
//	// Returns: "boilerline/sensor/boiler-01/ph"
type Topics struct{}

// SensorReading returns the topic a device publishes one parameter on.
//
// Example: boilerline/sensor/boiler-01/ph
func (Topics) SensorReading(deviceID, parameter string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixSensor, deviceID, parameter)
}

// AllSensorReadings matches every parameter of every device.
//
// Pattern: boilerline/sensor/+/+
func (Topics) AllSensorReadings() string {
	return TopicPrefixSensor + "/+/+"
}

// DeviceStatus returns the status topic of a device.
//
// Example: boilerline/device/boiler-01/status
func (Topics) DeviceStatus(deviceID string) string {
	return fmt.Sprintf("%s/%s/status", TopicPrefixDevice, deviceID)
}

// AllDeviceStatus matches every device status topic.
//
// Pattern: boilerline/device/+/status
func (Topics) AllDeviceStatus() string {
	return TopicPrefixDevice + "/+/status"
}

// DeviceCommand returns the command topic of a device.
//
// Example: boilerline/device/dosing-pump-02/command
func (Topics) DeviceCommand(deviceID string) string {
	return fmt.Sprintf("%s/%s/command", TopicPrefixDevice, deviceID)
}

// Alarm returns the topic an alarm for a device and rule is published on.
//
// Example: boilerline/alarm/boiler-01/ph_high
func (Topics) Alarm(deviceID, rule string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefixAlarm, deviceID, rule)
}

// AllAlarms matches every alarm topic.
//
// Pattern: boilerline/alarm/#
func (Topics) AllAlarms() string {
	return TopicPrefixAlarm + "/#"
}

// SystemStatus returns the core presence topic.
//
// Example: boilerline/system/status
func (Topics) SystemStatus() string {
	return TopicPrefixSystem + "/status"
}

// AllTopics matches the whole hierarchy.
//
// Pattern: boilerline/#
func (Topics) AllTopics() string {
	return TopicPrefix + "/#"
}

// Match reports whether topic matches filter, honouring the + and # wildcards.
func Match(filter, topic string) bool {
	fs := strings.Split(filter, "/")
	ts := strings.Split(topic, "/")

	for i, f := range fs {
		if f == "#" {
			// # must be last and also matches the parent level
			return i == len(fs)-1
		}
		if i >= len(ts) {
			return false
		}
		if f != "+" && f != ts[i] {
			return false
		}
	}
	return len(fs) == len(ts)
}
