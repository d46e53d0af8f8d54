package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported MQTT protocol versions.
const (
	ProtocolV311 = "3.1.1"
	ProtocolV5   = "5"
)

// Queue full policies.
const (
	FullPolicyBlock  = "block"
	FullPolicyReject = "reject"
)

// MaxQueueRetries caps mqtt.queue.max_retries.
const MaxQueueRetries = 5

// Config is the root configuration structure for Boilerline Core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site      SiteConfig      `yaml:"site"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alarms    AlarmsConfig    `yaml:"alarms"`
}

// SiteConfig identifies the plant this core runs in.
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection and delivery settings.
type MQTTConfig struct {
	Broker MQTTBrokerConfig `yaml:"broker"`

	// KeepAlive is the keep-alive interval in seconds.
	KeepAlive int `yaml:"keep_alive"`

	// QoS is the default QoS for application publishes.
	QoS int `yaml:"qos"`

	Session     MQTTSessionConfig     `yaml:"session"`
	Queue       MQTTQueueConfig       `yaml:"queue"`
	EventLoop   MQTTEventLoopConfig   `yaml:"event_loop"`
	Resubscribe MQTTResubscribeConfig `yaml:"resubscribe"`
	Timeouts    MQTTTimeoutConfig     `yaml:"timeouts"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	ClientID string `yaml:"client_id"`

	// Protocol selects the wire protocol: "3.1.1" or "5".
	Protocol string `yaml:"protocol"`
}

// MQTTSessionConfig controls broker-side session persistence.
type MQTTSessionConfig struct {
	// Persistent requests a non-clean session so the broker keeps
	// subscriptions across reconnects.
	Persistent bool `yaml:"persistent"`

	// ExpiryInterval is the MQTT 5 session expiry in seconds.
	// Ignored for 3.1.1 where persistent sessions never expire.
	ExpiryInterval uint32 `yaml:"expiry_interval"`
}

// MQTTQueueConfig contains outbound publish queue settings.
type MQTTQueueConfig struct {
	// Capacity bounds the number of messages awaiting delivery.
	Capacity int `yaml:"capacity"`

	// MaxRetries is how many times a failed publish is retried before
	// the message is dropped. At most MaxQueueRetries.
	MaxRetries int `yaml:"max_retries"`

	// RetryDelay is the pause before a failed message is re-queued.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// Throttle is the pause after every successful publish.
	Throttle time.Duration `yaml:"throttle"`

	// FullPolicy is "block" (wait for space) or "reject" (fail fast).
	FullPolicy string `yaml:"full_policy"`
}

// MQTTEventLoopConfig contains event dispatch loop settings.
type MQTTEventLoopConfig struct {
	// ErrorBackoff is the pause after a failed poll before polling again.
	ErrorBackoff time.Duration `yaml:"error_backoff"`
}

// MQTTResubscribeConfig controls subscription replay after a session resume.
type MQTTResubscribeConfig struct {
	// PreserveQoS replays each topic with the QoS it was subscribed with.
	// When false every topic is replayed at QoS.
	PreserveQoS bool `yaml:"preserve_qos"`
	QoS         int  `yaml:"qos"`
}

// MQTTTimeoutConfig contains per-operation timeouts.
type MQTTTimeoutConfig struct {
	Connect   time.Duration `yaml:"connect"`
	Publish   time.Duration `yaml:"publish"`
	Subscribe time.Duration `yaml:"subscribe"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TelemetryConfig contains sensor ingestion settings.
type TelemetryConfig struct {
	// Topics are the subscription filters for sensor readings.
	Topics []string `yaml:"topics"`

	// QoS is the subscription QoS for sensor topics.
	QoS int `yaml:"qos"`

	// StatsInterval is how often delivery statistics are written.
	// Zero disables the stats reporter.
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// AlarmsConfig contains alarm rule settings.
type AlarmsConfig struct {
	// Cooldown is the minimum time between two alarms for the same
	// rule and device.
	Cooldown time.Duration     `yaml:"cooldown"`
	Rules    []AlarmRuleConfig `yaml:"rules"`
}

// AlarmRuleConfig defines one threshold rule.
type AlarmRuleConfig struct {
	Name      string  `yaml:"name"`
	Parameter string  `yaml:"parameter"`
	Condition string  `yaml:"condition"`
	Value     float64 `yaml:"value"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: BOILERLINE_SECTION_KEY
// For example: BOILERLINE_DATABASE_PATH, BOILERLINE_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "plant-001",
			Name: "Boilerline",
		},
		Database: DatabaseConfig{
			Path:        "./data/boilerline.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: DefaultMQTTConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Telemetry: TelemetryConfig{
			Topics:        []string{"boilerline/sensor/+/+"},
			QoS:           1,
			StatsInterval: time.Minute,
		},
		Alarms: AlarmsConfig{
			Cooldown: time.Minute,
		},
	}
}

// DefaultMQTTConfig returns the MQTT defaults: a persistent 3.1.1 session,
// a 100-message queue with five retries one second apart, a 50ms throttle
// and a five second poll error backoff.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Broker: MQTTBrokerConfig{
			Host:     "localhost",
			Port:     1883,
			ClientID: "boilerline-core",
			Protocol: ProtocolV311,
		},
		KeepAlive: 30,
		QoS:       1,
		Session: MQTTSessionConfig{
			Persistent:     true,
			ExpiryInterval: 86400,
		},
		Queue: MQTTQueueConfig{
			Capacity:   100,
			MaxRetries: 5,
			RetryDelay: time.Second,
			Throttle:   50 * time.Millisecond,
			FullPolicy: FullPolicyBlock,
		},
		EventLoop: MQTTEventLoopConfig{
			ErrorBackoff: 5 * time.Second,
		},
		Resubscribe: MQTTResubscribeConfig{
			QoS: 1,
		},
		Timeouts: MQTTTimeoutConfig{
			Connect:   10 * time.Second,
			Publish:   5 * time.Second,
			Subscribe: 10 * time.Second,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: BOILERLINE_SECTION_KEY
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("BOILERLINE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("BOILERLINE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("BOILERLINE_MQTT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("BOILERLINE_MQTT_PORT: %w", err)
		}
		cfg.MQTT.Broker.Port = port
	}
	if v := os.Getenv("BOILERLINE_MQTT_CLIENT_ID"); v != "" {
		cfg.MQTT.Broker.ClientID = v
	}

	if v := os.Getenv("BOILERLINE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("BOILERLINE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	errs = append(errs, c.MQTT.problems()...)

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Telemetry.QoS < 0 || c.Telemetry.QoS > 2 {
		errs = append(errs, "telemetry.qos must be 0, 1, or 2")
	}

	for i, r := range c.Alarms.Rules {
		if r.Name == "" {
			errs = append(errs, fmt.Sprintf("alarms.rules[%d].name is required", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// Validate checks the MQTT section on its own.
// The MQTT manager calls this before building a connection.
func (m MQTTConfig) Validate() error {
	if errs := m.problems(); len(errs) > 0 {
		return fmt.Errorf("mqtt configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}

// problems lists every MQTT configuration error.
func (m MQTTConfig) problems() []string {
	var errs []string

	if m.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required")
	}
	if m.Broker.Port < 1 || m.Broker.Port > 65535 {
		errs = append(errs, "mqtt.broker.port must be between 1 and 65535")
	}
	if m.Broker.ClientID == "" {
		errs = append(errs, "mqtt.broker.client_id is required")
	}
	switch m.Broker.Protocol {
	case ProtocolV311, ProtocolV5:
	default:
		errs = append(errs, `mqtt.broker.protocol must be "3.1.1" or "5"`)
	}

	// keep_alive is a 16-bit field on the wire
	if m.KeepAlive < 1 || m.KeepAlive > 65535 {
		errs = append(errs, "mqtt.keep_alive must be between 1 and 65535 seconds")
	}
	if m.QoS < 0 || m.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if m.Queue.Capacity < 1 {
		errs = append(errs, "mqtt.queue.capacity must be at least 1")
	}
	if m.Queue.MaxRetries < 0 || m.Queue.MaxRetries > MaxQueueRetries {
		errs = append(errs, fmt.Sprintf("mqtt.queue.max_retries must be between 0 and %d", MaxQueueRetries))
	}
	if m.Queue.RetryDelay < 0 || m.Queue.Throttle < 0 {
		errs = append(errs, "mqtt.queue delays cannot be negative")
	}
	switch m.Queue.FullPolicy {
	case FullPolicyBlock, FullPolicyReject:
	default:
		errs = append(errs, `mqtt.queue.full_policy must be "block" or "reject"`)
	}

	if m.EventLoop.ErrorBackoff < 0 {
		errs = append(errs, "mqtt.event_loop.error_backoff cannot be negative")
	}
	if m.Resubscribe.QoS < 0 || m.Resubscribe.QoS > 2 {
		errs = append(errs, "mqtt.resubscribe.qos must be 0, 1, or 2")
	}

	return errs
}

// GetKeepAlive returns the keep-alive interval as a Duration.
func (m MQTTConfig) GetKeepAlive() time.Duration {
	return time.Duration(m.KeepAlive) * time.Second
}

// BrokerAddress returns host:port for logging.
func (m MQTTConfig) BrokerAddress() string {
	return fmt.Sprintf("%s:%d", m.Broker.Host, m.Broker.Port)
}
