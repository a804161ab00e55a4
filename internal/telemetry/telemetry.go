// Package telemetry is the debug event channel for cache and timing
// instrumentation. Events are single-line JSON on stderr, emitted only when
// AGENT_SESSIONS_DEBUG is set, so provider ingestion stays side-effect free
// during normal operation.
package telemetry

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var truthy = map[string]struct{}{"1": {}, "true": {}, "yes": {}, "on": {}}

var logger = zerolog.New(os.Stderr).With().Timestamp().Logger()

func init() {
	zerolog.TimestampFieldName = "ts"
	zerolog.TimeFieldFormat = time.RFC3339Nano
}

// Enabled reports whether the debug channel is active.
func Enabled() bool {
	_, ok := truthy[strings.ToLower(strings.TrimSpace(os.Getenv("AGENT_SESSIONS_DEBUG")))]
	return ok
}

// Log emits a structured debug event with arbitrary fields.
func Log(event string, fields map[string]any) {
	if !Enabled() {
		return
	}
	logger.Log().Str("event", event).Fields(fields).Send()
}

// Warn emits a debug warning with an optional error.
func Warn(message string, err error) {
	if !Enabled() {
		return
	}
	entry := logger.Warn().Str("message", message)
	if err != nil {
		entry = entry.Err(err)
	}
	entry.Send()
}
