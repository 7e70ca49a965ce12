package sbm

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Logger is the interface for structured logging. Args are alternating
// key-value pairs, compatible with *slog.Logger from the standard library.
// Applications can provide their own implementation; the default is backed
// by logrus.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)
	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)
	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)
	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns a Logger backed by the logrus standard logger.
func defaultLogger() Logger {
	return &logrusLogger{l: logrus.StandardLogger()}
}

// NewLogrusLogger wraps a logrus logger in the Logger interface.
func NewLogrusLogger(l *logrus.Logger) Logger {
	return &logrusLogger{l: l}
}

type logrusLogger struct {
	l *logrus.Logger
}

func (x *logrusLogger) Debug(msg string, args ...any) { x.entry(args).Debug(msg) }
func (x *logrusLogger) Info(msg string, args ...any)  { x.entry(args).Info(msg) }
func (x *logrusLogger) Warn(msg string, args ...any)  { x.entry(args).Warn(msg) }
func (x *logrusLogger) Error(msg string, args ...any) { x.entry(args).Error(msg) }

func (x *logrusLogger) entry(args []any) *logrus.Entry {
	fields := make(logrus.Fields, len(args)/2)
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		fields[key] = args[i+1]
	}
	return x.l.WithFields(fields)
}
