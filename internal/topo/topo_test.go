package topo

import "testing"

func TestBuildDirectionUniqueness(t *testing.T) {
	neighbors := map[NodeID][]NodeID{1: {2}, 2: {1, 3}, 3: {2}, 5: {1, 2, 3}}
	hostOf := map[NodeID]HostID{1: 0, 2: 0, 3: 0, 5: 0}
	v := New(neighbors, [][]NodeID{{1, 2, 3}}, []NodeID{5}, hostOf, 0)

	edges := [][2]NodeID{{1, 2}, {2, 3}, {1, 5}, {2, 5}, {3, 5}}

	// before any node is seen: normal<->cut edges must not fire from
	// either side (peer is cut -> false; self is cut -> false), and
	// normal<->normal edges must fire from exactly one side.
	for _, e := range edges {
		a, b := e[0], e[1]
		initA := v.ShouldInitiate(a, b)
		initB := v.ShouldInitiate(b, a)
		if v.IsCut(a) || v.IsCut(b) {
			if initA || initB {
				t.Fatalf("edge (%d,%d) fired before either endpoint was seen", a, b)
			}
			continue
		}
		if initA == initB {
			t.Fatalf("edge (%d,%d): both sides agree (%v,%v), want exactly one initiator", a, b, initA, initB)
		}
	}

	v.MarkSeen(1)
	v.MarkSeen(2)
	v.MarkSeen(3)
	for _, e := range edges {
		a, b := e[0], e[1]
		initA := v.ShouldInitiate(a, b)
		initB := v.ShouldInitiate(b, a)
		if initA == initB {
			t.Fatalf("edge (%d,%d): both sides agree (%v,%v), want exactly one initiator", a, b, initA, initB)
		}
	}
}

func TestLowerIDInitiatesAmongNormalNodes(t *testing.T) {
	hostOf := map[NodeID]HostID{3: 0, 7: 0}
	v := New(nil, nil, nil, hostOf, 0)
	if !v.ShouldInitiate(3, 7) {
		t.Fatalf("lower id (3) should initiate against 7")
	}
	if v.ShouldInitiate(7, 3) {
		t.Fatalf("higher id (7) should not initiate against 3")
	}
}
