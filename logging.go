package hal

import (
	"github.com/rs/zerolog"
)

// ZerologCallback returns a LogCallback that writes to logger. LogLevelNone
// messages are dropped.
func ZerologCallback(logger zerolog.Logger) LogCallback {
	return func(level LogLevel, message string) {
		var ev *zerolog.Event
		switch level {
		case LogLevelError:
			ev = logger.Error()
		case LogLevelWarning:
			ev = logger.Warn()
		case LogLevelInfo:
			ev = logger.Info()
		case LogLevelDebug:
			ev = logger.Debug()
		default:
			return
		}
		ev.Str("component", "pn54x").Msg(message)
	}
}
