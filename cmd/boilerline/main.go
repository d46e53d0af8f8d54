// Boilerline Core - boiler and water-treatment telemetry backend
//
// This is the main entry point for the Boilerline Core service. It connects
// plant sensors to storage and alarms over MQTT:
//   - Sensor readings are written to InfluxDB
//   - Threshold alarms are logged to SQLite and published back over MQTT
//   - Outgoing messages go through a bounded, retrying publish queue
//   - Subscriptions are restored when the broker resumes a session
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/boilerline-core/migrations"

	"github.com/nerrad567/boilerline-core/internal/alarm"
	"github.com/nerrad567/boilerline-core/internal/deadletter"
	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
	"github.com/nerrad567/boilerline-core/internal/infrastructure/database"
	"github.com/nerrad567/boilerline-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/boilerline-core/internal/infrastructure/logging"
	"github.com/nerrad567/boilerline-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/boilerline-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
// It returns nil on clean shutdown.
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // linear startup sequence
	log := logging.Default()
	log.Info("starting Boilerline Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Alarm rules are checked before anything connects.
	rules, err := alarm.RulesFromConfig(cfg.Alarms.Rules)
	if err != nil {
		return fmt.Errorf("loading alarm rules: %w", err)
	}

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	deadLetters := deadletter.NewStore(db.DB, log.Component("deadletter"))
	if n, countErr := deadLetters.Count(ctx); countErr == nil && n > 0 {
		log.Warn("dead letters waiting for review", "count", n)
	}

	// InfluxDB is optional; the recorder skips writes without it.
	var influxClient *influxdb.Client
	var metrics telemetry.MetricWriter
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB, cfg.Site.ID, func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		metrics = influxClient
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	manager, err := mqtt.New(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("creating MQTT manager: %w", err)
	}
	defer func() {
		log.Info("closing MQTT manager", "queued", manager.QueueLength())
		if closeErr := manager.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttLog := log.Component("mqtt")
	manager.SetLogger(mqttLog)
	manager.SetOnDrop(deadLetters.Handler())

	alarms := alarm.NewEngine(rules, alarm.NewSQLiteRepository(db.DB), manager, cfg.Alarms.Cooldown, log.Component("alarm"))
	log.Info("alarm engine ready", "rules", len(rules), "cooldown", cfg.Alarms.Cooldown)

	recorder := telemetry.NewRecorder(metrics, alarms, log.Component("telemetry"), cfg.MQTT.Broker.ClientID)

	sensors := newSensorSubscriber(manager, cfg.Telemetry.Topics, byte(cfg.Telemetry.QoS), cfg.MQTT.EventLoop.ErrorBackoff, mqttLog) //nolint:gosec // validated 0-2

	if err := manager.Start(ctx, eventHandler(sensors, recorder, mqttLog)); err != nil {
		return fmt.Errorf("starting MQTT manager: %w", err)
	}

	go sensors.run(ctx)
	go recorder.Run(ctx)
	go recorder.RunStatsReporter(ctx, manager, cfg.Telemetry.StatsInterval)

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	stats := manager.Stats()
	log.Info("mqtt delivery totals",
		"enqueued", stats.Enqueued,
		"published", stats.Published,
		"retried", stats.Retried,
		"dropped", stats.Dropped,
		"resubscribed", stats.Resubscribed,
		"readings", recorder.Received(),
	)

	// Deferred closes run in reverse: MQTT, InfluxDB, database.
	log.Info("Boilerline Core stopped")
	return nil
}

func getConfigPath() string {
	if path := os.Getenv("BOILERLINE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies storage at startup. The MQTT connection is
// established lazily by the dispatch loop and reported by its own logs.
// eventHandler routes dispatched MQTT events. Connects are logged by the
// manager itself.
func eventHandler(sensors *sensorSubscriber, recorder *telemetry.Recorder, log eventLogger) mqtt.EventHandler {
	return func(ev mqtt.Event) {
		switch {
		case ev.IsConnAck():
			sensors.onConnAck(ev)
		case ev.Kind == mqtt.KindDisconnect:
			log.Warn("mqtt disconnected by broker", "reason", ev.Reason)
		case ev.IsPublish():
			recorder.HandleEvent(ev)
		default:
			log.Debug("mqtt event", "event", ev.String())
		}
	}
}

type eventLogger interface {
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
}

func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	return nil
}
