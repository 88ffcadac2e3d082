package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// LevelTrace is where pion's trace output lands in slog terms. It sits below
// Debug so a handler at Debug still filters it out.
const LevelTrace = slog.LevelDebug - 4

// NewLoggerFactory routes pion's internal logging into log. A nil log falls
// back to slog.Default().
func NewLoggerFactory(log *slog.Logger) logging.LoggerFactory {
	if log == nil {
		log = slog.Default()
	}
	return &slogLoggerFactory{log: log}
}

type slogLoggerFactory struct {
	log *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("scope", scope)}
}

// slogLeveledLogger adapts a *slog.Logger to pion's LeveledLogger.
type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) logAt(level slog.Level, msg string) {
	l.log.Log(context.Background(), level, msg)
}

func (l *slogLeveledLogger) Trace(msg string) { l.logAt(LevelTrace, msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...interface{}) {
	l.logAt(LevelTrace, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Debug(msg string) { l.logAt(slog.LevelDebug, msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...interface{}) {
	l.logAt(slog.LevelDebug, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Info(msg string) { l.logAt(slog.LevelInfo, msg) }
func (l *slogLeveledLogger) Infof(format string, args ...interface{}) {
	l.logAt(slog.LevelInfo, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Warn(msg string) { l.logAt(slog.LevelWarn, msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...interface{}) {
	l.logAt(slog.LevelWarn, fmt.Sprintf(format, args...))
}

func (l *slogLeveledLogger) Error(msg string) { l.logAt(slog.LevelError, msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...interface{}) {
	l.logAt(slog.LevelError, fmt.Sprintf(format, args...))
}
