// Package database provides SQLite connectivity for Boilerline Core.
//
// The state database is small: dead-lettered MQTT messages and the alarm
// log. It runs in WAL mode with a single pooled connection and applies
// embedded, forward-only migrations at startup.
//
// Usage:
//
//	db, err := database.Open(ctx, cfg.Database)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
