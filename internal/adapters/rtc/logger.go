package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// zerologFactory routes pion's internal logs into zerolog. Each pion scope
// becomes the module field.
type zerologFactory struct {
	base  zerolog.Logger
	level zerolog.Level
}

// NewLoggerFactory returns a pion logging.LoggerFactory writing to base.
// Pion is chatty; records below minLevel are dropped.
func NewLoggerFactory(base zerolog.Logger, minLevel zerolog.Level) logging.LoggerFactory {
	return &zerologFactory{base: base, level: minLevel}
}

func (f *zerologFactory) NewLogger(scope string) logging.LeveledLogger {
	return &zerologLogger{z: f.base.Level(f.level).With().Str("module", "pion."+scope).Logger()}
}

type zerologLogger struct {
	z zerolog.Logger
}

func (l *zerologLogger) Trace(msg string) { l.z.Trace().Msg(msg) }
func (l *zerologLogger) Tracef(format string, args ...interface{}) {
	l.z.Trace().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *zerologLogger) Debugf(format string, args ...interface{}) {
	l.z.Debug().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Info(msg string) { l.z.Info().Msg(msg) }
func (l *zerologLogger) Infof(format string, args ...interface{}) {
	l.z.Info().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Warn(msg string) { l.z.Warn().Msg(msg) }
func (l *zerologLogger) Warnf(format string, args ...interface{}) {
	l.z.Warn().Msg(fmt.Sprintf(format, args...))
}
func (l *zerologLogger) Error(msg string) { l.z.Error().Msg(msg) }
func (l *zerologLogger) Errorf(format string, args ...interface{}) {
	l.z.Error().Msg(fmt.Sprintf(format, args...))
}
