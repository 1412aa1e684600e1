package log

import "github.com/rs/zerolog"

// Audit writes a single structured audit line for event on the given
// logger, redacting details first. Managers call this at the points the
// original audit trail recorded: spawn/attach/kill, exec start/output/
// cancel/complete, fs mutations, as-root usage, and transfer/system
// events.
func Audit(logger zerolog.Logger, event EventType, details map[string]any) {
	evt := logger.Info().Str("event", string(event))
	for k, v := range RedactDetails(details) {
		evt = evt.Interface(k, v)
	}
	evt.Msg("audit")
}
