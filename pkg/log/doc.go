/*
Package log provides structured logging for ezstream using zerolog.

A single global Logger is configured once with Init and shared by every
package. Components derive child loggers carrying identifying fields:

	logger := log.WithComponent("reconciler")
	logger.Warn().
		Int64("node_id", nodeID).
		Int64("stream_id", streamID).
		Str("expected", "STREAMING").
		Str("observed", "absent").
		Msg("stream missing from agent heartbeat")

Divergences and forced transitions are always logged with the stream id, the
node id and the observed vs expected state, so the audit trail can be rebuilt
from logs alone.

Console output is meant for operators; JSON output for collectors. Setting
Config.File adds a lumberjack-rotated JSON file regardless of the console
format.
*/
package log
