package telemetry

import "github.com/rs/zerolog"

// Logger writes each measurement as a debug log event.
type Logger struct {
	log zerolog.Logger
}

// NewLogger creates a recorder logging through log.
func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log}
}

func (l *Logger) RecordDuration(name string, ms int64, labels Labels) {
	ev := l.log.Debug().Str("metric", name).Int64("duration_ms", ms)
	for _, label := range labels {
		ev = ev.Str(label.Key, label.Value)
	}
	ev.Msg("stage duration")
}
