// Package obs provides the small observability seams the client core
// reports through: a leveled logger used as the diagnostic sink for
// callback failures, and a meter for byte/request counters. Both default
// to no-ops so the core stays silent unless a host wires something in.
package obs

import (
	"io"
	"log"
	"strings"
)

// Level orders log severities.
type Level int

// Log levels.
const (
	Debug Level = iota
	Info
	Warn
	Error
)

// String returns the level name.
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

// ParseLevel maps a config string to a Level, defaulting to Info.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return Debug
	case "warn", "warning":
		return Warn
	case "error":
		return Error
	default:
		return Info
	}
}

// Logger is the minimal logging interface the core reports through.
type Logger interface {
	Logf(level Level, format string, args ...any)
}

// NopLogger discards all logs.
type NopLogger struct{}

// Logf implements Logger.
func (NopLogger) Logf(Level, string, ...any) {}

// StdLogger adapts the standard library logger with level filtering.
type StdLogger struct {
	L   *log.Logger
	Min Level
}

// NewStdLogger builds a StdLogger writing to w at the given minimum
// level.
func NewStdLogger(w io.Writer, min Level) StdLogger {
	return StdLogger{L: log.New(w, "", log.LstdFlags), Min: min}
}

// Logf implements Logger.
func (s StdLogger) Logf(level Level, format string, args ...any) {
	if s.L == nil || level < s.Min {
		return
	}
	s.L.Printf("[%s] "+format, append([]any{level.String()}, args...)...)
}
