// Package logrusadapter exposes a logrus logger as a dual_scope_limiter.Logger.
package logrusadapter

import (
	"github.com/sirupsen/logrus"

	"github.com/aryangodara/dual_scope_limiter"
)

var _ dual_scope_limiter.Logger = &LogrusLogger{}

// LogrusLogger implements dual_scope_limiter.Logger using logrus
type LogrusLogger struct {
	logger *logrus.Entry
}

// New creates a new LogrusLogger. If nil is passed, a fresh logrus.Logger is used.
func New(l *logrus.Logger) *LogrusLogger {
	if l == nil {
		l = logrus.New()
	}
	return &LogrusLogger{logger: l.WithField("component", "admission")}
}

func (l *LogrusLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l *LogrusLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}
