// Package config handles loading and validating Boilerline Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// The MQTT section carries the delivery policy of the reliability manager
// (queue capacity, retry ceiling, retry delay, throttle, poll backoff) so
// plants with slow uplinks can tune it without a rebuild.
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Site.Name)
package config
