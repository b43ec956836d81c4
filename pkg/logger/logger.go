// Package logger writes one JSON object per line for the progression server
// and CLI. Loggers are cheap to derive: With and WithRequestID return children
// that share the parent's writer, and WithContext/FromContext carry a
// request-scoped child through handlers.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level is a log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError

	levelOff
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR"}

func (l Level) String() string {
	if l < LevelDebug || l >= levelOff {
		return "UNKNOWN"
	}
	return levelNames[l]
}

// ParseLevel maps a config value such as "debug" or " WARNING " to a Level.
// Anything unrecognised is LevelInfo.
func ParseLevel(s string) Level {
	name := strings.ToUpper(strings.TrimSpace(s))
	if name == "WARNING" {
		return LevelWarn
	}
	for i, n := range levelNames {
		if n == name {
			return Level(i)
		}
	}
	return LevelInfo
}

// ─────────────────────────────────────────────────────────────────────────────
// Fields
// ─────────────────────────────────────────────────────────────────────────────

// Field is one key/value pair of an entry.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field  { return Field{Key: key, Value: value} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Err records err under "error"; a nil error logs null.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error"}
	}
	return Field{Key: "error", Value: err.Error()}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

func Time(key string, value time.Time) Field {
	return Field{Key: key, Value: value.UTC().Format(time.RFC3339)}
}

// RequestIDKey is the field carrying the HTTP request id.
const RequestIDKey = "request_id"

func UserID(id string) Field         { return String("user_id", id) }
func AchievementID(id string) Field  { return String("achievement_id", id) }
func BadgeID(id string) Field        { return String("badge_id", id) }
func StreakName(name string) Field   { return String("streak", name) }
func StoreKey(key string) Field      { return String("store_key", key) }
func XPAmount(xp int) Field          { return Int("xp_amount", xp) }
func CharacterLevel(level int) Field { return Int("level", level) }
func Component(name string) Field    { return String("component", name) }
func Operation(name string) Field    { return String("operation", name) }
func Latency(d time.Duration) Field  { return Duration("latency", d) }

// ─────────────────────────────────────────────────────────────────────────────
// Logger
// ─────────────────────────────────────────────────────────────────────────────

// LogEntry is the shape of one written line.
type LogEntry struct {
	Timestamp string         `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Caller    string         `json:"caller,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Options configure New. A nil Output means stdout.
type Options struct {
	Output io.Writer
	Level  Level
	// AddCaller records file:line of the logging call.
	AddCaller bool
}

// output is shared by a logger and all of its children.
type output struct {
	mu  sync.Mutex
	w   io.Writer
	now func() time.Time
}

func (o *output) write(entry LogEntry) {
	data, err := json.Marshal(entry)

	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		fmt.Fprintf(o.w, "%s [%s] %s (unencodable fields: %v)\n", entry.Timestamp, entry.Level, entry.Message, err)
		return
	}
	_, _ = o.w.Write(append(data, '\n'))
}

// Logger writes JSON entries at or above its level.
type Logger struct {
	out       *output
	level     Level
	addCaller bool
	fields    []Field
}

// New creates a root logger.
func New(opts Options) *Logger {
	w := opts.Output
	if w == nil {
		w = os.Stdout
	}
	return &Logger{
		out:       &output{w: w, now: time.Now},
		level:     opts.Level,
		addCaller: opts.AddCaller,
	}
}

// Default logs INFO and above to stdout with callers.
func Default() *Logger {
	return New(Options{Level: LevelInfo, AddCaller: true})
}

// Discard drops every entry.
func Discard() *Logger {
	return New(Options{Output: io.Discard, Level: levelOff})
}

// With returns a child that adds fields to every entry.
func (l *Logger) With(fields ...Field) *Logger {
	child := *l
	child.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return &child
}

// WithRequestID returns a child tagged with the request id.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.With(String(RequestIDKey, id))
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []Field) {
	if level < l.level {
		return
	}

	entry := LogEntry{
		Timestamp: l.out.now().UTC().Format(time.RFC3339Nano),
		Level:     level.String(),
		Message:   msg,
	}
	if l.addCaller {
		// log <- Info/Warn/... <- caller
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.Caller = fmt.Sprintf("%s:%d", filepath.Base(file), line)
		}
	}
	if n := len(l.fields) + len(fields); n > 0 {
		entry.Fields = make(map[string]any, n)
		for _, f := range l.fields {
			entry.Fields[f.Key] = f.Value
		}
		for _, f := range fields {
			entry.Fields[f.Key] = f.Value
		}
	}

	l.out.write(entry)
}

// ─────────────────────────────────────────────────────────────────────────────
// Context
// ─────────────────────────────────────────────────────────────────────────────

type ctxKey struct{}

// WithContext attaches l to ctx.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger attached by WithContext, or Default.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return Default()
}
