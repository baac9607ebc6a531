// Package topo is the in-memory topology view described in spec.md §2
// and §3: the node graph, partitions, the cut, the local_nodes bitset,
// and the seen-nodes set that gates controller→cut connection
// attempts. It also owns the build-direction rule (spec.md §4.6) since
// that rule's "one is cut, one is normal" branch needs both the cut
// membership and the seen-nodes set to decide who initiates.
package topo

import "sync"

// NodeID is a positive integer; 0 is a sentinel (spec.md §3).
type NodeID = int32

// HostID is in [0, H).
type HostID = int32

// View is the static graph plus the dynamic seen-nodes set. The graph,
// partitions, cut, and host fanout are set once at construction
// (loaded by the external topology/partition loader collaborator,
// spec.md §1); only Seen mutates during a run.
type View struct {
	neighbors map[NodeID][]NodeID // directed: neighbors[u] = nodes u connects outward to
	partitions [][]NodeID         // non-cut partitions, in iteration order
	cut        map[NodeID]struct{}
	hostOf     map[NodeID]HostID
	selfHost   HostID

	mu   sync.RWMutex
	seen map[NodeID]struct{}
}

// New builds a View. partitions excludes the cut; cut is the
// distinguished, always-online partition (spec.md §3). hostOf is the
// static node→host fanout (spec.md §3).
func New(neighbors map[NodeID][]NodeID, partitions [][]NodeID, cut []NodeID, hostOf map[NodeID]HostID, selfHost HostID) *View {
	cutSet := make(map[NodeID]struct{}, len(cut))
	for _, n := range cut {
		cutSet[n] = struct{}{}
	}
	return &View{
		neighbors: neighbors,
		partitions: partitions,
		cut:        cutSet,
		hostOf:     hostOf,
		selfHost:   selfHost,
		seen:       make(map[NodeID]struct{}),
	}
}

func (v *View) Neighbors(n NodeID) []NodeID { return v.neighbors[n] }

func (v *View) IsCut(n NodeID) bool {
	_, ok := v.cut[n]
	return ok
}

func (v *View) NumPartitions() int { return len(v.partitions) }

func (v *View) Partition(idx int) []NodeID { return v.partitions[idx] }

func (v *View) Cut() []NodeID {
	out := make([]NodeID, 0, len(v.cut))
	for n := range v.cut {
		out = append(out, n)
	}
	return out
}

// IsLocal reports whether n is owned by this host (the local_nodes
// bitset of spec.md §3).
func (v *View) IsLocal(n NodeID) bool { return v.hostOf[n] == v.selfHost }

func (v *View) HostOf(n NodeID) HostID { return v.hostOf[n] }

// LocalNodes returns every node statically assigned to this host,
// across every partition and the cut — the reactor's fixed worker
// affinity set (spec.md §5: "self_id mod N, fixed at channel creation").
func (v *View) LocalNodes() []NodeID {
	out := make([]NodeID, 0, len(v.hostOf))
	for n, h := range v.hostOf {
		if h == v.selfHost {
			out = append(out, n)
		}
	}
	return out
}

// MarkSeen records that n has been part of at least one iteration's
// active partition (spec.md glossary: "seen node").
func (v *View) MarkSeen(n NodeID) {
	v.mu.Lock()
	v.seen[n] = struct{}{}
	v.mu.Unlock()
}

func (v *View) MarkSeenAll(nodes []NodeID) {
	v.mu.Lock()
	for _, n := range nodes {
		v.seen[n] = struct{}{}
	}
	v.mu.Unlock()
}

func (v *View) IsSeen(n NodeID) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.seen[n]
	return ok
}

// ShouldInitiate implements the build-direction rule of spec.md §4.6,
// chosen so each undirected edge is connected exactly once:
//
//   - both endpoints cut, or both normal: the lower-id endpoint initiates.
//   - one cut, one normal: the normal endpoint initiates, and only once
//     it has been seen (so unseen partitions don't prematurely connect
//     to the cut).
func (v *View) ShouldInitiate(self, peer NodeID) bool {
	selfCut, peerCut := v.IsCut(self), v.IsCut(peer)
	if selfCut == peerCut {
		return self < peer
	}
	// exactly one of self/peer is cut
	if selfCut {
		return false // self is cut, peer is normal: peer initiates
	}
	return v.IsSeen(self)
}
