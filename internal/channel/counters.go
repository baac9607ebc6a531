package channel

import "sync/atomic"

// Counters holds the shared synchronization variables the stage
// machine observes. Spec.md §9 calls out process-wide singletons
// (n_channel chief among them) as the one piece of the original design
// that should become a field on a single Engine context rather than a
// package-level global; Counters is that field, constructed once per
// Engine and threaded into every Registry.
type Counters struct {
	nChannel int32
}

// NChannel is the count of channels currently in BGPEstablished state.
// It is the stage machine's synchronization variable (spec.md §3).
func (c *Counters) NChannel() int32 { return atomic.LoadInt32(&c.nChannel) }

func (c *Counters) incEstablished() { atomic.AddInt32(&c.nChannel, 1) }
func (c *Counters) decEstablished() { atomic.AddInt32(&c.nChannel, -1) }
