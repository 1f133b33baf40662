// Package logging provides the narrow logger collaborator every layer in
// diskstack takes at construction time, wrapping logrus the way the rest of
// the stack's ambient logging does.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger is the collaborator surface every layer constructor accepts.
// Levels mirror the junk/info/warn/error taxonomy the layers use to decide
// what's worth a caller's attention versus background noise (e.g. a short
// read on a file backend, which is zero-padded and not fatal, logs at Warn).
type Logger interface {
	Junk(module, format string, args ...interface{})
	Info(module, format string, args ...interface{})
	Warn(module, format string, args ...interface{})
	Error(module, format string, args ...interface{})
}

type logrusLogger struct {
	l *logrus.Logger
}

// New wraps an existing *logrus.Logger as a Logger.
func New(l *logrus.Logger) Logger {
	return &logrusLogger{l: l}
}

func (lg *logrusLogger) entry(module string) *logrus.Entry {
	return lg.l.WithField("module", module)
}

func (lg *logrusLogger) Junk(module, format string, args ...interface{}) {
	lg.entry(module).Tracef(format, args...)
}

func (lg *logrusLogger) Info(module, format string, args ...interface{}) {
	lg.entry(module).Infof(format, args...)
}

func (lg *logrusLogger) Warn(module, format string, args ...interface{}) {
	lg.entry(module).Warnf(format, args...)
}

func (lg *logrusLogger) Error(module, format string, args ...interface{}) {
	lg.entry(module).Errorf(format, args...)
}

var std = New(logrus.StandardLogger())

// Default returns the package-level Logger used by layer constructors that
// are not given one explicitly.
func Default() Logger {
	return std
}

// SetDefault replaces the package-level default Logger, e.g. so a demo
// binary can install a differently-configured logrus instance.
func SetDefault(l Logger) {
	std = l
}
