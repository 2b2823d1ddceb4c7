// Package logx provides the leveled logger used across pttvoice.
package logx

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Level is a logging severity. Messages below the configured level are dropped.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the lower-case name of the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ParseLevel maps "debug", "info", "warn"/"warning" and "error" to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger defines the interface for logging.
type Logger interface {
	Debug(format string, v ...interface{})
	Info(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Error(format string, v ...interface{})
	SetLevel(level Level)
}

// DefaultLogger provides a basic logger implementation using the standard log package.
type DefaultLogger struct {
	logger *log.Logger
	level  Level
	mu     sync.Mutex
}

// NewDefaultLogger creates a new logger writing to stderr with standard flags.
func NewDefaultLogger() *DefaultLogger {
	return NewLogger(os.Stderr, LevelInfo)
}

// NewLogger creates a logger writing to w that drops messages below level.
func NewLogger(w io.Writer, level Level) *DefaultLogger {
	return &DefaultLogger{
		logger: log.New(w, "[pttvoice] ", log.LstdFlags|log.Lmsgprefix),
		level:  level,
	}
}

func (l *DefaultLogger) enabled(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level >= l.level
}

func (l *DefaultLogger) Debug(format string, v ...interface{}) {
	if l.enabled(LevelDebug) {
		l.logger.Printf("DEBUG: "+format, v...)
	}
}

func (l *DefaultLogger) Info(format string, v ...interface{}) {
	if l.enabled(LevelInfo) {
		l.logger.Printf("INFO: "+format, v...)
	}
}

func (l *DefaultLogger) Warn(format string, v ...interface{}) {
	if l.enabled(LevelWarn) {
		l.logger.Printf("WARN: "+format, v...)
	}
}

func (l *DefaultLogger) Error(format string, v ...interface{}) {
	if l.enabled(LevelError) {
		l.logger.Printf("ERROR: "+format, v...)
	}
}

// SetLevel updates the logging level for the DefaultLogger.
func (l *DefaultLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Ensure interface compliance
var _ Logger = (*DefaultLogger)(nil)

// SlogAdapter adapts a *slog.Logger to the Logger interface. Messages are
// formatted before being handed to slog, so handlers see a plain message.
type SlogAdapter struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// NewSlogLogger wraps logger. A supplied logger's handler decides what is
// kept until SetLevel is called. A nil logger writes text records at info
// and above to stderr.
func NewSlogLogger(logger *slog.Logger) *SlogAdapter {
	lv := new(slog.LevelVar)
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
	} else {
		lv.Set(slog.LevelDebug)
	}
	return &SlogAdapter{logger: logger, level: lv}
}

func (a *SlogAdapter) log(level slog.Level, format string, v ...interface{}) {
	if level < a.level.Level() {
		return
	}
	a.logger.Log(context.Background(), level, fmt.Sprintf(format, v...))
}

// Debug logs a debug message
func (a *SlogAdapter) Debug(format string, v ...interface{}) { a.log(slog.LevelDebug, format, v...) }

// Info logs an info message
func (a *SlogAdapter) Info(format string, v ...interface{}) { a.log(slog.LevelInfo, format, v...) }

// Warn logs a warning message
func (a *SlogAdapter) Warn(format string, v ...interface{}) { a.log(slog.LevelWarn, format, v...) }

// Error logs an error message
func (a *SlogAdapter) Error(format string, v ...interface{}) { a.log(slog.LevelError, format, v...) }

// SetLevel sets the minimum level passed through to slog.
func (a *SlogAdapter) SetLevel(level Level) {
	switch level {
	case LevelDebug:
		a.level.Set(slog.LevelDebug)
	case LevelWarn:
		a.level.Set(slog.LevelWarn)
	case LevelError:
		a.level.Set(slog.LevelError)
	default:
		a.level.Set(slog.LevelInfo)
	}
}

var _ Logger = (*SlogAdapter)(nil)

// Output formats accepted by New.
const (
	FormatPlain = "plain"
	FormatText  = "text"
	FormatJSON  = "json"
)

// ParseFormat normalizes a log format name. "" means plain.
func ParseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "", FormatPlain:
		return FormatPlain, nil
	case FormatText, FormatJSON:
		return f, nil
	}
	return "", fmt.Errorf("unknown log format %q", s)
}

// New builds a logger writing to w. Plain output uses DefaultLogger; text
// and json go through log/slog handlers.
func New(w io.Writer, format string, level Level) (Logger, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}

	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var logger Logger
	switch f {
	case FormatText:
		logger = NewSlogLogger(slog.New(slog.NewTextHandler(w, opts)))
	case FormatJSON:
		logger = NewSlogLogger(slog.New(slog.NewJSONHandler(w, opts)))
	default:
		logger = NewLogger(w, level)
	}
	logger.SetLevel(level)
	return logger, nil
}

// NopLogger discards everything.
type NopLogger struct{}

func (NopLogger) Debug(string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
func (NopLogger) SetLevel(Level)               {}

var _ Logger = NopLogger{}
