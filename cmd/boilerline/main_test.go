package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes a config file and points BOILERLINE_CONFIG at it.
func writeConfig(t *testing.T, content string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	t.Setenv("BOILERLINE_CONFIG", path)
}

func TestRun_InvalidConfig(t *testing.T) {
	t.Setenv("BOILERLINE_CONFIG", "/nonexistent/path/config.yaml")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := run(ctx); err == nil {
		t.Fatal("run() should fail with invalid config path")
	}
}

func TestRun_InvalidMQTTConfig(t *testing.T) {
	writeConfig(t, `
site:
  id: test-site
database:
  path: ":memory:"
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1883
    client_id: "test-client"
  queue:
    capacity: 0
logging:
  level: error
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "mqtt.queue.capacity") {
		t.Errorf("run() error = %v, want queue capacity problem", err)
	}
}

func TestRun_InvalidAlarmRule(t *testing.T) {
	writeConfig(t, `
site:
  id: test-site
database:
  path: ":memory:"
alarms:
  rules:
    - name: ph_high
      parameter: ph
      condition: above
      value: 9.5
logging:
  level: error
`)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := run(ctx)
	if err == nil || !strings.Contains(err.Error(), "alarm rules") {
		t.Errorf("run() error = %v, want alarm rule problem", err)
	}
}

// TestRun_CleanShutdown starts against an unreachable broker and checks
// that run returns nil once the context ends.
func TestRun_CleanShutdown(t *testing.T) {
	writeConfig(t, `
site:
  id: test-site
database:
  path: ":memory:"
mqtt:
  broker:
    host: "127.0.0.1"
    port: 1
    client_id: "test-shutdown"
  timeouts:
    connect: 100ms
  event_loop:
    error_backoff: 50ms
telemetry:
  stats_interval: 0s
logging:
  level: error
`)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run() error = %v, want nil on shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run() did not return after the context ended")
	}
}

func TestGetConfigPath(t *testing.T) {
	t.Setenv("BOILERLINE_CONFIG", "")
	if got := getConfigPath(); got != defaultConfigPath {
		t.Errorf("getConfigPath() = %q, want %q", got, defaultConfigPath)
	}

	t.Setenv("BOILERLINE_CONFIG", "/etc/boilerline/config.yaml")
	if got := getConfigPath(); got != "/etc/boilerline/config.yaml" {
		t.Errorf("getConfigPath() = %q, want env override", got)
	}
}
