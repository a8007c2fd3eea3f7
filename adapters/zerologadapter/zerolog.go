// Package zerologadapter exposes a zerolog logger as a dual_scope_limiter.Logger.
package zerologadapter

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aryangodara/dual_scope_limiter"
)

var _ dual_scope_limiter.Logger = &ZerologLogger{}

// ZerologLogger implements dual_scope_limiter.Logger using zerolog
type ZerologLogger struct {
	logger zerolog.Logger
}

// New creates a new ZerologLogger. If nil is passed, uses zerolog's global logger.
func New(l *zerolog.Logger) *ZerologLogger {
	if l == nil {
		l = &log.Logger
	}
	return &ZerologLogger{logger: l.With().Str("component", "admission").Logger()}
}

func (z *ZerologLogger) Debugf(format string, args ...interface{}) {
	z.logger.Debug().Msgf(format, args...)
}

func (z *ZerologLogger) Errorf(format string, args ...interface{}) {
	z.logger.Error().Msgf(format, args...)
}
