// Package logger wraps logrus with the conventions shared by every service:
// a component name on each entry, JSON or text output and trace ids carried
// through request contexts.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type contextKey string

const (
	// TraceIDKey is the context key holding the request trace id.
	TraceIDKey contextKey = "trace_id"
	// SessionIDKey is the context key holding the agent session id.
	SessionIDKey contextKey = "session_id"
)

// Logger is a named logrus entry.
type Logger struct {
	*logrus.Entry
	name string
}

// New builds a logger for the named component. Level accepts any logrus level
// name and falls back to info; format is "json" or "text".
func New(name, level, format string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	default:
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}

	return &Logger{Entry: base.WithField("component", name), name: name}
}

// NewDefault builds a logger using LOG_LEVEL and LOG_FORMAT from the environment.
func NewDefault(name string) *Logger {
	return New(name, os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// NewDiscard returns a logger that drops everything. Useful in tests.
func NewDiscard(name string) *Logger {
	l := New(name, "panic", "json")
	l.Logger.SetOutput(io.Discard)
	return l
}

// Name returns the component name.
func (l *Logger) Name() string { return l.name }

// Named derives a child logger for a sub-component sharing the same output.
func (l *Logger) Named(name string) *Logger {
	return &Logger{Entry: l.Entry.WithField("component", name), name: name}
}

// WithContext attaches the trace and session ids stored in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Entry
	if ctx == nil {
		return entry
	}
	if traceID := GetTraceID(ctx); traceID != "" {
		entry = entry.WithField("trace_id", traceID)
	}
	if sessionID := GetSessionID(ctx); sessionID != "" {
		entry = entry.WithField("session_id", sessionID)
	}
	return entry
}

// LogRequest records a completed HTTP request.
func (l *Logger) LogRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
	entry := l.WithContext(ctx).WithFields(logrus.Fields{
		"method":      method,
		"path":        path,
		"status":      status,
		"duration_ms": duration.Milliseconds(),
	})
	switch {
	case status >= 500:
		entry.Error("request failed")
	case status >= 400:
		entry.Warn("request rejected")
	default:
		entry.Debug("request served")
	}
}

// LogSecurityEvent records an event relevant to abuse or trust boundaries.
func (l *Logger) LogSecurityEvent(ctx context.Context, event string, fields map[string]interface{}) {
	l.WithContext(ctx).WithFields(fields).WithField("security_event", event).Warn("security event")
}

// NewTraceID generates a fresh trace id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTraceID stores traceID in ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// GetTraceID returns the trace id stored in ctx, if any.
func GetTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(TraceIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID stores the agent session id in ctx.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetSessionID returns the session id stored in ctx, if any.
func GetSessionID(ctx context.Context) string {
	if v, ok := ctx.Value(SessionIDKey).(string); ok {
		return v
	}
	return ""
}
