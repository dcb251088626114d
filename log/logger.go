package log

import (
	"fmt"
	"os"
	"strings"
)

// LogLevel orders log severities. A logger emits the messages at or above its
// level.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	// LogLevelNone silences the logger.
	LogLevelNone
)

// level names as printed and as understood by golog
var levelNames = map[LogLevel][2]string{
	LogLevelDebug: {"DEBUG", "debug"},
	LogLevelInfo:  {"INFO", "info"},
	LogLevelWarn:  {"WARN", "warn"},
	LogLevelError: {"ERROR", "error"},
	LogLevelNone:  {"NONE", "disable"},
}

var levelAliases = map[string]LogLevel{
	"":        LogLevelInfo,
	"debug":   LogLevelDebug,
	"info":    LogLevelInfo,
	"warn":    LogLevelWarn,
	"warning": LogLevelWarn,
	"error":   LogLevelError,
	"none":    LogLevelNone,
	"off":     LogLevelNone,
	"disable": LogLevelNone,
}

func (l LogLevel) String() string {
	if names, ok := levelNames[l]; ok {
		return names[0]
	}
	return fmt.Sprintf("UNKNOWN(%d)", l)
}

func (l LogLevel) gologName() string {
	if names, ok := levelNames[l]; ok {
		return names[1]
	}
	return "info"
}

// ParseLevel converts a configured level name such as "warn" or "off" into a
// LogLevel. An empty name means info.
func ParseLevel(s string) (LogLevel, error) {
	if level, ok := levelAliases[strings.ToLower(strings.TrimSpace(s))]; ok {
		return level, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// Logger is the printf-style logger used by the engine and the watchdog.
type Logger interface {
	Debug(format string, v ...any)
	Info(format string, v ...any)
	Warn(format string, v ...any)
	Error(format string, v ...any)
}

// NoOpLogger drops every message.
type NoOpLogger struct{}

func (*NoOpLogger) Debug(string, ...any) {}
func (*NoOpLogger) Info(string, ...any) {}
func (*NoOpLogger) Warn(string, ...any) {}
func (*NoOpLogger) Error(string, ...any) {}

var defaultLogger Logger = New(os.Stderr, LogLevelInfo)

// SetDefaultLogger replaces the logger used by components built without one.
func SetDefaultLogger(logger Logger) {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	defaultLogger = logger
}

// GetDefaultLogger returns the package-level logger.
func GetDefaultLogger() Logger {
	return defaultLogger
}
