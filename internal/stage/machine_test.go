package stage

import (
	"testing"
	"time"

	"github.com/ripc-net/controller/internal/channel"
	"github.com/ripc-net/controller/internal/mono"
	"github.com/ripc-net/controller/internal/remote"
	"github.com/ripc-net/controller/internal/replay"
	"github.com/ripc-net/controller/internal/stagekind"
	"github.com/ripc-net/controller/internal/topo"
)

type fakeOps struct {
	started, restarted, stopped []topo.NodeID
}

func (f *fakeOps) Start(n topo.NodeID) error   { f.started = append(f.started, n); return nil }
func (f *fakeOps) Restart(n topo.NodeID) error { f.restarted = append(f.restarted, n); return nil }
func (f *fakeOps) Stop(n topo.NodeID) error    { f.stopped = append(f.stopped, n); return nil }
func (f *fakeOps) DumpRoutes(topo.NodeID, string) ([]byte, error) { return nil, nil }

// fakeDispatcher simulates a connect completing and the handshake
// immediately reaching BGP_ESTABLISHED, so tests can drive BUILDUP to
// completion without a real socket.
type fakeDispatcher struct {
	reg   *channel.Registry
	nextFD int
	calls  []edgePair
}

func (d *fakeDispatcher) DispatchConnect(self, peer topo.NodeID) error {
	d.calls = append(d.calls, canon(self, peer))
	d.nextFD--
	ch := d.reg.MakeEdge(d.nextFD, self, peer, channel.ChannelEstablished)
	ch.OnBGPEstablished()
	return nil
}

func newLineMachine(t *testing.T) (*Machine, *channel.Registry, *stagekind.Var, *stagekind.EventClock, *fakeOps, *fakeDispatcher) {
	t.Helper()
	neighbors := map[topo.NodeID][]topo.NodeID{1: {2}, 2: {1, 3}, 3: {2}}
	hostOf := map[topo.NodeID]topo.HostID{1: 0, 2: 0, 3: 0}
	view := topo.New(neighbors, [][]topo.NodeID{{1, 2, 3}}, nil, hostOf, 0)
	reg := channel.NewRegistry()
	sv := &stagekind.Var{}
	clock := &stagekind.EventClock{}
	clock.Touch(mono.NanoTime())
	hub := remote.NewHub(func(int32) int32 { return 0 })
	store := replay.NewStore(view, reg, sv, hub, clock)
	ops := &fakeOps{}
	disp := &fakeDispatcher{reg: reg}

	m, err := New(view, reg, store, hub, ops, disp, sv, clock, 1, 0, "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m, reg, sv, clock, ops, disp
}

func TestTargetChannelsCountsEachEdgeOnce(t *testing.T) {
	m, _, _, _, _, _ := newLineMachine(t)
	if got := m.targetChannels(); got != 2 {
		t.Fatalf("targetChannels() = %d, want 2", got)
	}
}

func TestSingleHostLineReachesConvergeThenEnd(t *testing.T) {
	m, reg, sv, clock, ops, disp := newLineMachine(t)

	for i := 0; i < 4 && sv.Load() != stagekind.CONVERGE; i++ {
		m.Tick()
	}
	if sv.Load() != stagekind.CONVERGE {
		t.Fatalf("stage = %s, want CONVERGE", sv.Load())
	}
	if n := reg.Counters.NChannel(); n != 2 {
		t.Fatalf("n_channel = %d, want 2", n)
	}
	if len(disp.calls) != 2 {
		t.Fatalf("dispatched %d connects, want 2", len(disp.calls))
	}

	// simulate quiescence: push the event clock into the past.
	clock.Touch(mono.NanoTime() - int64(4*time.Second))
	m.Tick()
	if sv.Load() != stagekind.TEARDOWN {
		t.Fatalf("stage = %s, want TEARDOWN", sv.Load())
	}
	if len(ops.stopped) != 3 {
		t.Fatalf("stopped %d nodes, want 3", len(ops.stopped))
	}

	// simulate the peer routers actually disconnecting.
	for _, c := range reg.Snapshot() {
		reg.Remove(c.FD)
	}
	m.Tick()
	if !m.Done() {
		t.Fatalf("expected machine to reach END")
	}
	if sv.Load() != stagekind.END {
		t.Fatalf("stage = %s, want END", sv.Load())
	}
}

func TestAdvanceIterationBoomerangSkipsIdle(t *testing.T) {
	neighbors := map[topo.NodeID][]topo.NodeID{}
	hostOf := map[topo.NodeID]topo.HostID{}
	view := topo.New(neighbors, [][]topo.NodeID{{1}, {2}, {3}}, nil, hostOf, 0)
	reg := channel.NewRegistry()
	sv := &stagekind.Var{}
	clock := &stagekind.EventClock{}
	hub := remote.NewHub(func(int32) int32 { return 0 })
	store := replay.NewStore(view, reg, sv, hub, clock)
	m, err := New(view, reg, store, hub, &fakeOps{}, &fakeDispatcher{reg: reg}, sv, clock, 1, 0, "", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.idleParts[1] = struct{}{} // partition 1 idle
	m.idx, m.delta = 0, 1
	m.advanceIteration()
	if m.idx != 2 {
		t.Fatalf("idx = %d, want 2 (skip idle partition 1)", m.idx)
	}
	m.advanceIteration() // past the last partition: flip, bump round
	if m.idx != 2 || m.delta != -1 || m.round != 1 {
		t.Fatalf("idx=%d delta=%d round=%d, want idx=2 delta=-1 round=1", m.idx, m.delta, m.round)
	}
}
