package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Config holds the configuration of the logger.
type Config struct {
	Level  slog.Level
	Format string
	Output io.Writer
}

// Logger wraps slog.Logger.
type Logger struct {
	*slog.Logger
}

// New creates a new logger with the given config. Format "json" selects the
// JSON handler, anything else the tint text handler.
func New(config Config) *Logger {
	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	if config.Format == "json" {
		opts := &slog.HandlerOptions{
			Level: config.Level,
			ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.String(a.Key, a.Value.Time().Format(time.RFC3339Nano))
				}
				return a
			},
		}
		return &Logger{Logger: slog.New(slog.NewJSONHandler(out, opts))}
	}

	return &Logger{Logger: slog.New(tint.NewHandler(out, &tint.Options{
		Level:      config.Level,
		TimeFormat: "15:04:05.000",
	}))}
}

// FromConfig maps textual level and format settings to a Config.
func FromConfig(logLevel, logFormat string) Config {
	config := Config{
		Level:  slog.LevelInfo,
		Format: "text",
	}

	switch strings.ToLower(strings.TrimSpace(logLevel)) {
	case "debug":
		config.Level = slog.LevelDebug
	case "warn", "warning":
		config.Level = slog.LevelWarn
	case "error":
		config.Level = slog.LevelError
	}

	if f := strings.ToLower(strings.TrimSpace(logFormat)); f != "" {
		config.Format = f
	}
	return config
}

// WithComponent creates a new logger with a component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With(slog.String("component", component))}
}

// Nop returns a logger that discards everything. Used as the default when
// callers do not inject one.
func Nop() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 4}))}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return Nop()
	}
	return l
}
