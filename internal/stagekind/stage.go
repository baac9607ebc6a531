// Package stagekind defines the Stage enum shared by the stage machine
// and the replay store. It is split out from internal/stage so the
// replay store (which only needs to read "what stage are we in", per
// spec.md §4.5) does not import the full stage-machine package and
// create a dependency cycle (the stage machine, in turn, drives replay
// via node_replay_one_msg/node_offline).
package stagekind

import "sync/atomic"

type Stage int32

const (
	BUILDUP Stage = iota
	RESTORE
	CONVERGE
	TEARDOWN
	END
)

func (s Stage) String() string {
	switch s {
	case BUILDUP:
		return "BUILDUP"
	case RESTORE:
		return "RESTORE"
	case CONVERGE:
		return "CONVERGE"
	case TEARDOWN:
		return "TEARDOWN"
	case END:
		return "END"
	default:
		return "UNKNOWN"
	}
}

// Var is the process-wide (per spec.md §5: "written only by the main
// thread, read by all") atomic stage cell.
type Var struct{ v int32 }

func (s *Var) Load() Stage    { return Stage(atomic.LoadInt32(&s.v)) }
func (s *Var) Store(st Stage) { atomic.StoreInt32(&s.v, int32(st)) }

// EventClock is a shared, lock-free "time of last message event"
// marker. Both the replay store (on every AddMsg) and the stage
// machine's remote handler (on every inbound KEEPBUSY) touch it; the stage machine
// reads it to detect RESTORE/CONVERGE quiescence (spec.md §4.6). Kept
// in this package, rather than internal/stage, so replay does not need
// to import the stage machine to report events into it.
type EventClock struct{ nanos int64 }

func (c *EventClock) Touch(now int64) { atomic.StoreInt64(&c.nanos, now) }

func (c *EventClock) LastEvent() int64 { return atomic.LoadInt64(&c.nanos) }
