// Package alarm evaluates threshold rules against sensor readings.
//
// Rules come from the alarms section of the configuration:
//
//	alarms:
//	  cooldown: 1m
//	  rules:
//	    - name: ph_high
//	      parameter: ph
//	      condition: gt
//	      value: 9.5
//
// When a reading satisfies a rule the engine writes an entry to the
// alarm_log table and publishes a JSON alarm on
// boilerline/alarm/{device_id}/{rule} at QoS 1 through the MQTT publish
// queue. A rule fires at most once per cooldown for each device.
package alarm
