// Package logging provides structured logging for mailpulse services.
// It wraps zerolog behind a small Logger interface so that components can be
// handed a logger (or a no-op logger in tests) through their options.
package logging

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ContextKey type for context values to avoid collisions.
type ContextKey string

// Context keys picked up by WithContext.
const (
	TraceIDKey   ContextKey = "trace_id"
	RequestIDKey ContextKey = "request_id"
	TenantIDKey  ContextKey = "tenant_id"
	MessageIDKey ContextKey = "message_id"
)

var contextKeys = []ContextKey{TraceIDKey, RequestIDKey, TenantIDKey, MessageIDKey}

// Level represents logging severity levels.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel converts a user supplied string into a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// Config holds logger configuration.
type Config struct {
	// Level sets the minimum log level (debug, info, warn, error).
	Level Level

	// ServiceName is included in all log entries.
	ServiceName string

	// Environment is included in all log entries (e.g., "development", "production").
	Environment string

	// JSONFormat enables JSON output when true, human-readable when false.
	JSONFormat bool

	// Output sets the writer for logs (defaults to os.Stdout).
	Output io.Writer
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() *Config {
	return &Config{
		Level:       LevelInfo,
		ServiceName: "mailpulse",
		Environment: "development",
		Output:      os.Stdout,
	}
}

// Logger is the interface for structured logging.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	// With returns a new Logger with the given fields attached to all subsequent logs.
	With(fields ...Field) Logger

	// WithContext returns a new Logger carrying the trace, request, tenant and
	// message identifiers stored in ctx.
	WithContext(ctx context.Context) Logger

	// Zerolog returns the underlying zerolog.Logger for libraries that want one.
	Zerolog() zerolog.Logger
}

// Field represents a key-value pair for structured logging.
type Field struct {
	Key   string
	Value interface{}
}

// F creates a new Field with the given key and value.
func F(key string, value interface{}) Field {
	return Field{Key: key, Value: value}
}

// Err creates a Field for an error.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}

type logger struct {
	zl zerolog.Logger
}

// NewLogger creates a new Logger with the given configuration.
func NewLogger(cfg *Config) Logger {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONFormat {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(output).
		Level(zerologLevel(cfg.Level)).
		With().
		Timestamp().
		Str("service_name", cfg.ServiceName).
		Str("environment", cfg.Environment).
		Logger()

	return &logger{zl: zl}
}

func zerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *logger) Zerolog() zerolog.Logger { return l.zl }

func (l *logger) Debug(msg string, fields ...Field) { emit(l.zl.Debug(), msg, fields) }
func (l *logger) Info(msg string, fields ...Field)  { emit(l.zl.Info(), msg, fields) }
func (l *logger) Warn(msg string, fields ...Field)  { emit(l.zl.Warn(), msg, fields) }
func (l *logger) Error(msg string, fields ...Field) { emit(l.zl.Error(), msg, fields) }

func (l *logger) With(fields ...Field) Logger {
	zctx := l.zl.With()
	for _, f := range fields {
		zctx = withField(zctx, f)
	}
	return &logger{zl: zctx.Logger()}
}

func (l *logger) WithContext(ctx context.Context) Logger {
	zctx := l.zl.With()
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			zctx = zctx.Str(string(key), v)
		}
	}
	return &logger{zl: zctx.Logger()}
}

func emit(event *zerolog.Event, msg string, fields []Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case float64:
			event = event.Float64(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case time.Time:
			event = event.Time(f.Key, v)
		case []string:
			event = event.Strs(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}

func withField(zctx zerolog.Context, f Field) zerolog.Context {
	switch v := f.Value.(type) {
	case string:
		return zctx.Str(f.Key, v)
	case int:
		return zctx.Int(f.Key, v)
	case int64:
		return zctx.Int64(f.Key, v)
	case bool:
		return zctx.Bool(f.Key, v)
	case error:
		return zctx.AnErr(f.Key, v)
	default:
		return zctx.Interface(f.Key, v)
	}
}

// ContextWith returns a copy of ctx carrying the given identifier for WithContext.
func ContextWith(ctx context.Context, key ContextKey, value string) context.Context {
	return context.WithValue(ctx, key, value)
}

type nopLogger struct{}

func (n *nopLogger) Debug(msg string, fields ...Field)      {}
func (n *nopLogger) Info(msg string, fields ...Field)       {}
func (n *nopLogger) Warn(msg string, fields ...Field)       {}
func (n *nopLogger) Error(msg string, fields ...Field)      {}
func (n *nopLogger) With(fields ...Field) Logger            { return n }
func (n *nopLogger) WithContext(ctx context.Context) Logger { return n }
func (n *nopLogger) Zerolog() zerolog.Logger                { return zerolog.Nop() }

// NewNopLogger returns a logger that discards all output.
func NewNopLogger() Logger {
	return &nopLogger{}
}
