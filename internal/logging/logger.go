// Package logging emits JSON log lines with a fixed envelope (timestamp,
// level, message) followed by structured fields in the order they were added.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"wandersync/internal/config"
)

var (
	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level represents log verbosity ordering.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps a configured level name onto a Level. An empty name means info.
func ParseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	}
	for i, candidate := range levelNames {
		if candidate == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field represents a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// Typed field constructors.

func String(key, value string) Field { return Field{Key: key, Value: value} }
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Error renders err under the "error" key; a nil error renders as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Peer identifies the remote end of an observer connection.
func Peer(addr string) Field { return Field{Key: "peer", Value: addr} }

// Transport names the observer transport a line concerns ("websocket", "grpc").
func Transport(name string) Field { return Field{Key: "transport", Value: name} }

// Tick records the simulation step a line refers to.
func Tick(tick uint64) Field { return Field{Key: "tick", Value: tick} }

// Component tags every line of a derived logger with the subsystem emitting it.
func Component(name string) Field { return Field{Key: "component", Value: name} }

// Logger emits JSON-formatted structured logs with optional contextual fields.
// Derived loggers share the underlying writer and its lock.
type Logger struct {
	out    *output
	level  Level
	now    func() time.Time
	fields []Field
}

// output serialises writes from every logger derived from the same root.
type output struct {
	mu     sync.Mutex
	writer syncWriter
}

// syncWriter describes a writer that can flush to durable storage.
type syncWriter interface {
	io.Writer
	Sync() error
}

// teeWriter writes every line to each sink in order.
type teeWriter []syncWriter

func (t teeWriter) Write(p []byte) (int, error) {
	for _, w := range t {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t teeWriter) Sync() error {
	var firstErr error
	for _, w := range t {
		if err := w.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// New constructs a JSON logger for the named service and installs it as the
// global logger. Output goes to stdout and, when cfg.Path is set, to a
// size-rotated log file as well.
func New(cfg config.LoggingConfig, service string) (*Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var sinks teeWriter
	if strings.TrimSpace(cfg.Path) != "" {
		file, err := newRotatingWriter(cfg, time.Now)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, file)
	}
	if os.Stdout != nil {
		sinks = append(sinks, os.Stdout)
	}
	if len(sinks) == 0 {
		return nil, errors.New("logging requires a file path or stdout")
	}
	if strings.TrimSpace(service) == "" {
		service = "wandersync"
	}
	logger := &Logger{
		out:    &output{writer: sinks},
		level:  level,
		now:    time.Now,
		fields: []Field{String("service", service)},
	}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewWriterLogger returns a logger emitting to w at the given level.
func NewWriterLogger(w io.Writer, level Level) *Logger {
	return &Logger{out: &output{writer: nopSyncWriter{Writer: w}}, level: level, now: time.Now}
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return &Logger{out: &output{writer: nopSyncWriter{Writer: io.Discard}}, level: DebugLevel, now: time.Now}
}

// ReplaceGlobals swaps the fallback logger used when no context logger is present.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a logger that adds fields to every line. A key already present
// is overwritten in place so its position in the output is stable.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	clone := *l
	clone.fields = mergeFields(append([]Field(nil), l.fields...), fields)
	return &clone
}

// WithClock returns a logger stamping lines with now, for deterministic output.
func (l *Logger) WithClock(now func() time.Time) *Logger {
	clone := *l
	clone.now = now
	return &clone
}

// Field looks up a contextual field attached with With.
func (l *Logger) Field(key string) (any, bool) {
	for _, field := range l.fields {
		if field.Key == key {
			return field.Value, true
		}
	}
	return nil, false
}

// Enabled reports whether lines at level would be written.
func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

// Sync flushes buffered output to durable storage.
func (l *Logger) Sync() error {
	if l == nil || l.out == nil {
		return nil
	}
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	return l.out.writer.Sync()
}

func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields) }
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields) }
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields) }
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields) }

// Fatal logs at fatal level, flushes and exits the process.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields) }

func (l *Logger) log(level Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	if level < l.level {
		return
	}
	line := l.encode(level, message, mergeFields(append([]Field(nil), l.fields...), fields))
	l.out.mu.Lock()
	defer l.out.mu.Unlock()
	_, _ = l.out.writer.Write(line)
	if level == FatalLevel {
		_ = l.out.writer.Sync()
		os.Exit(1)
	}
}

// encode renders one line. Fields that fail to marshal are rendered as their
// fmt representation instead of dropping the whole line.
func (l *Logger) encode(level Level, message string, fields []Field) []byte {
	var buf bytes.Buffer
	buf.WriteByte('{')
	writePair(&buf, "timestamp", l.now().UTC().Format(time.RFC3339Nano), true)
	writePair(&buf, "level", level.String(), false)
	writePair(&buf, "message", message, false)
	for _, field := range fields {
		switch field.Key {
		case "timestamp", "level", "message":
			continue
		}
		writePair(&buf, field.Key, field.Value, false)
	}
	buf.WriteString("}\n")
	return buf.Bytes()
}

func writePair(buf *bytes.Buffer, key string, value any, first bool) {
	if !first {
		buf.WriteByte(',')
	}
	encodedKey, _ := json.Marshal(key)
	buf.Write(encodedKey)
	buf.WriteByte(':')
	encoded, err := json.Marshal(value)
	if err != nil {
		encoded, _ = json.Marshal(fmt.Sprint(value))
	}
	buf.Write(encoded)
}

func mergeFields(dst, extra []Field) []Field {
	for _, field := range extra {
		replaced := false
		for i := range dst {
			if dst[i].Key == field.Key {
				dst[i].Value = field.Value
				replaced = true
				break
			}
		}
		if !replaced {
			dst = append(dst, field)
		}
	}
	return dst
}

type nopSyncWriter struct {
	io.Writer
}

func (nopSyncWriter) Sync() error { return nil }
