// Package logx wires the process-wide zerolog logger and provides the
// single-line structured JSON event helper required by the runtime event
// log (startup, heartbeat, intent_processed, reconciliation_cycle, ...).
package logx

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger. Call once at process startup.
func Init(debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Event emits one structured JSON log line with {event, timestamp, ...fields}.
// fields maps each field name to its value (nil for none), mirroring the teacher's "one log call, many .Str/.Int chained fields" style
// collapsed into a single helper for the repeated event-record shape spec.md
// §6.4 requires everywhere in the codebase.
func Event(event string, fields map[string]any) {
	e := log.Info().Str("event", event).Int64("timestamp", time.Now().Unix())
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	e.Msg(event)
}

// Warnf logs a formatted warning, matching the teacher's logger.Warnf call-site texture.
func Warnf(format string, args ...any) {
	log.Warn().Msgf(format, args...)
}

// Errorf logs a formatted error, matching the teacher's logger.Errorf call-site texture.
func Errorf(format string, args ...any) {
	log.Error().Msgf(format, args...)
}

// Infof logs a formatted info line, matching the teacher's logger.Infof call-site texture.
func Infof(format string, args ...any) {
	log.Info().Msgf(format, args...)
}
