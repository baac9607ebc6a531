package xdebug

import "os"

// Trace categories, grounded on original_source/controller/debug.hpp's
// independently toggled trace flags (ring, channel, replay, stage).
// Each is settable without a rebuild via RIPC_TRACE_<CATEGORY>=1.
type Category string

const (
	TraceRing    Category = "RING"
	TraceChannel Category = "CHANNEL"
	TraceReplay  Category = "REPLAY"
	TraceStage   Category = "STAGE"
)

// Enabled reports whether tracing is on for the given category.
func Enabled(c Category) bool {
	return os.Getenv("RIPC_TRACE_"+string(c)) != ""
}
