// Package reporting contains MTAP's run artifacts: structured diagnostics
// logging, the append-only step-event log, the qualification report
// (rendered from the event log and the runner's results summary), and the
// JUnit export.
package reporting

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogFormat selects console or JSON diagnostics output.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

// LoggerConfig contains diagnostics logger configuration.
type LoggerConfig struct {
	Level  string // debug | info | warn | error (case-insensitive)
	Format LogFormat
	Output io.Writer
}

// Logger provides structured diagnostics logging for the server and runner.
// It is separate from the event log, whose schema is frozen.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a structured logger.
func NewLogger(cfg LoggerConfig) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var output io.Writer = cfg.Output
	if cfg.Format == LogFormatText {
		output = zerolog.ConsoleWriter{
			Out:        cfg.Output,
			TimeFormat: time.RFC3339,
		}
	}

	zlog := zerolog.New(output).With().Timestamp().Logger()

	switch strings.ToLower(cfg.Level) {
	case "debug":
		zlog = zlog.Level(zerolog.DebugLevel)
	case "warn", "warning":
		zlog = zlog.Level(zerolog.WarnLevel)
	case "error":
		zlog = zlog.Level(zerolog.ErrorLevel)
	default:
		zlog = zlog.Level(zerolog.InfoLevel)
	}

	return &Logger{logger: zlog}
}

// Debug logs a debug message with optional key-value fields.
func (l *Logger) Debug(msg string, fields ...any) {
	ev := l.logger.Debug()
	addFields(ev, fields...)
	ev.Msg(msg)
}

// Info logs an info message with optional key-value fields.
func (l *Logger) Info(msg string, fields ...any) {
	ev := l.logger.Info()
	addFields(ev, fields...)
	ev.Msg(msg)
}

// Warn logs a warning with optional key-value fields.
func (l *Logger) Warn(msg string, fields ...any) {
	ev := l.logger.Warn()
	addFields(ev, fields...)
	ev.Msg(msg)
}

// Error logs an error with optional key-value fields.
func (l *Logger) Error(msg string, fields ...any) {
	ev := l.logger.Error()
	addFields(ev, fields...)
	ev.Msg(msg)
}

// WithField creates a child logger carrying an additional field.
func (l *Logger) WithField(key string, value any) *Logger {
	return &Logger{logger: l.logger.With().Interface(key, value).Logger()}
}

func addFields(ev *zerolog.Event, fields ...any) {
	if len(fields)%2 != 0 {
		ev.Str("error", "odd number of fields")
		return
	}
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			ev.Str("error", fmt.Sprintf("field key at index %d is not a string", i))
			continue
		}
		ev.Interface(key, fields[i+1])
	}
}
