// Package zapadapter exposes a zap logger as a dual_scope_limiter.Logger.
package zapadapter

import (
	"go.uber.org/zap"

	"github.com/aryangodara/dual_scope_limiter"
)

var _ dual_scope_limiter.Logger = &ZapLogger{}

// ZapLogger logs through a zap.SugaredLogger.
type ZapLogger struct {
	logger *zap.SugaredLogger
}

// New wraps l. A nil l discards everything.
//
//	limiter, err := dual_scope_limiter.NewDualScopeLimiter(store, global, perClient,
//		dual_scope_limiter.WithLogger(zapadapter.New(logger)))
func New(l *zap.Logger, fields ...zap.Field) *ZapLogger {
	if l == nil {
		l = zap.NewNop()
	}
	return &ZapLogger{logger: l.With(fields...).Sugar()}
}

func (z *ZapLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debugf(format, args...)
}

func (z *ZapLogger) Errorf(format string, args ...interface{}) {
	z.logger.Errorf(format, args...)
}
