package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nerrad567/boilerline-core/internal/infrastructure/config"
)

// ServiceName is attached to every log entry.
const ServiceName = "boilerline"

var levels = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// Logger is a slog.Logger carrying the service and version fields.
// Safe for concurrent use.
type Logger struct {
	*slog.Logger
}

// New builds the process logger from cfg. Output "stderr" selects standard
// error; anything else writes to standard out.
func New(cfg config.LoggingConfig, version string) *Logger {
	var w io.Writer = os.Stdout
	if strings.EqualFold(cfg.Output, "stderr") {
		w = os.Stderr
	}
	return newLogger(w, cfg, version)
}

// Default is the logger used before the configuration has been read.
func Default() *Logger {
	return New(config.LoggingConfig{Level: "info", Format: "json"}, "dev")
}

func newLogger(w io.Writer, cfg config.LoggingConfig, version string) *Logger {
	opts := &slog.HandlerOptions{Level: levelOf(cfg.Level)}

	var h slog.Handler = slog.NewJSONHandler(w, opts)
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(w, opts)
	}

	return &Logger{Logger: slog.New(h).With("service", ServiceName, "version", version)}
}

// levelOf maps a configured level name to slog; unknown names mean info.
func levelOf(name string) slog.Level {
	if l, ok := levels[strings.ToLower(name)]; ok {
		return l
	}
	return slog.LevelInfo
}

// Component returns a child logger tagged with component=name.
//
//	mqttLog := log.Component("mqtt")
//	mqttLog.Info("connected") // component=mqtt
func (l *Logger) Component(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}
