package log

import (
	"io"

	"github.com/kataras/golog"
)

const prefix = "[stateflow] "

// GologLogger forwards to a kataras/golog logger. Its own level gates every
// call before golog sees it.
type GologLogger struct {
	logger *golog.Logger
	level  LogLevel
}

var _ Logger = (*GologLogger)(nil)

// NewGologLogger wraps an existing golog.Logger at info level.
func NewGologLogger(logger *golog.Logger) *GologLogger {
	return &GologLogger{logger: logger, level: LogLevelInfo}
}

// New creates a logger writing to out with the stateflow prefix.
func New(out io.Writer, level LogLevel) *GologLogger {
	g := golog.New()
	g.SetOutput(out)
	g.SetPrefix(prefix)
	l := NewGologLogger(g)
	l.SetLevel(level)
	return l
}

func (l *GologLogger) logf(level LogLevel, emit func(string, ...any), format string, v []any) {
	if l.level <= level {
		emit(format, v...)
	}
}

// Debug logs at debug level.
func (l *GologLogger) Debug(format string, v ...any) {
	l.logf(LogLevelDebug, l.logger.Debugf, format, v)
}

func (l *GologLogger) Info(format string, v ...any) {
	l.logf(LogLevelInfo, l.logger.Infof, format, v)
}

func (l *GologLogger) Warn(format string, v ...any) {
	l.logf(LogLevelWarn, l.logger.Warnf, format, v)
}

// Error logs at error level.
func (l *GologLogger) Error(format string, v ...any) {
	l.logf(LogLevelError, l.logger.Errorf, format, v)
}

// SetLevel changes the level of both the wrapper and the golog logger.
func (l *GologLogger) SetLevel(level LogLevel) {
	l.level = level
	l.logger.SetLevel(level.gologName())
}

// GetLevel returns the current level.
func (l *GologLogger) GetLevel() LogLevel {
	return l.level
}
