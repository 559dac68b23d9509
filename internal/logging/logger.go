package logging

import (
	"fmt"
	"io"
	"strings"

	charm "github.com/charmbracelet/log"
)

// Level represents a logging severity.
type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "info", "":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	default:
		return Level(0), fmt.Errorf("unsupported log level %q", s)
	}
}

// Format controls how log entries are rendered.
type Format int

const (
	Text Format = iota
	JSON
)

func (f Format) String() string {
	switch f {
	case Text:
		return "text"
	case JSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json":
		return JSON, nil
	case "text", "":
		return Text, nil
	default:
		return Format(0), fmt.Errorf("unsupported log format %q", s)
	}
}

// Field represents a structured log field.
type Field struct {
	Key   string
	Value any
}

// Logger defines leveled structured logging operations.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Default returns the process-wide logger.
func Default() Logger {
	if defaultLogger == nil {
		defaultLogger = New(Info, Text, io.Discard)
	}
	return defaultLogger
}

// SetDefault replaces the process-wide logger.
func SetDefault(l Logger) {
	if l != nil {
		defaultLogger = l
	}
}

var defaultLogger Logger

type baseLogger struct {
	underlying *charm.Logger
}

// New constructs a Logger with the given level, format, and output writer.
func New(level Level, format Format, out io.Writer) Logger {
	opts := charm.Options{
		ReportTimestamp: true,
		Level:           charmLevel(level),
	}
	if format == JSON {
		opts.Formatter = charm.JSONFormatter
	}
	return &baseLogger{underlying: charm.NewWithOptions(out, opts)}
}

func charmLevel(l Level) charm.Level {
	switch l {
	case Debug:
		return charm.DebugLevel
	case Warn:
		return charm.WarnLevel
	case Error:
		return charm.ErrorLevel
	default:
		return charm.InfoLevel
	}
}

func keyvals(fields []Field) []any {
	kv := make([]any, 0, 2*len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		kv = append(kv, f.Key, f.Value)
	}
	return kv
}

func (l *baseLogger) With(fields ...Field) Logger {
	return &baseLogger{underlying: l.underlying.With(keyvals(fields)...)}
}

func (l *baseLogger) Debug(msg string, fields ...Field) {
	l.underlying.Debug(msg, keyvals(fields)...)
}

func (l *baseLogger) Info(msg string, fields ...Field) {
	l.underlying.Info(msg, keyvals(fields)...)
}

func (l *baseLogger) Warn(msg string, fields ...Field) {
	l.underlying.Warn(msg, keyvals(fields)...)
}

func (l *baseLogger) Error(msg string, fields ...Field) {
	l.underlying.Error(msg, keyvals(fields)...)
}
