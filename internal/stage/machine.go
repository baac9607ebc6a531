// Package stage implements the global stage machine of spec.md §4.6:
// the BUILDUP -> (RESTORE?) -> CONVERGE -> TEARDOWN -> END cycle, its
// end-of-stage barrier across peer hosts, and the boomerang iteration
// sequencing across partitions.
//
// Grounded on the teacher's reb package for the shape of a
// stage-driven, single-writer state machine read by many goroutines
// (reb/status.go's atomic-stage-plus-RLock-for-detail pattern): here
// stagekind.Var is the atomic stage cell and Machine.mu serializes the
// handful of fields only the driving goroutine and the remote readers
// touch (n_ready_host, idle_parts, the iteration cursor).
package stage

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ripc-net/controller/internal/channel"
	"github.com/ripc-net/controller/internal/clog"
	"github.com/ripc-net/controller/internal/collab"
	"github.com/ripc-net/controller/internal/config"
	"github.com/ripc-net/controller/internal/metrics"
	"github.com/ripc-net/controller/internal/mono"
	"github.com/ripc-net/controller/internal/remote"
	"github.com/ripc-net/controller/internal/replay"
	"github.com/ripc-net/controller/internal/stagekind"
	"github.com/ripc-net/controller/internal/topo"
	"github.com/ripc-net/controller/internal/wire"
)

// Dispatcher hands an outbound local-channel connect off to whichever
// worker goroutine owns self (spec.md §4.7's ctrl_pipe command 0). The
// reactor package implements this; declaring it here (rather than
// importing internal/reactor) keeps the stage machine's dependency
// graph one-directional — the reactor depends on the stage machine to
// know which nodes are currently online, not the other way around.
type Dispatcher interface {
	DispatchConnect(self, peer topo.NodeID) error
}

// edgePair is a canonicalized unordered node pair, used to count and
// dedup the "one channel per undirected edge" rule.
type edgePair struct{ lo, hi topo.NodeID }

func canon(a, b topo.NodeID) edgePair {
	if a > b {
		a, b = b, a
	}
	return edgePair{a, b}
}

// Machine drives one host controller's stage transitions. It is built
// once per Engine and ticked by the main goroutine on the same
// cadence as the reactor (config.ReactorTick).
type Machine struct {
	topo     *topo.View
	reg      *channel.Registry
	store    *replay.Store
	hub      *remote.Hub
	ops      collab.RouterOps
	dispatch Dispatcher
	stageVar *stagekind.Var
	clock    *stagekind.EventClock

	numHosts    int
	maxRuntime  time.Duration
	startedAt   int64
	switchTS    *os.File
	convergeTS  *os.File

	mu sync.Mutex

	round int
	idx   int32 // atomic: read by reactor workers via OnlineNodes, written only inside Tick
	delta int

	idleParts map[int]struct{}
	tried     map[edgePair]struct{} // edges this host has already dispatched a connect for, this BUILDUP

	stageEnteredAt int64
	localStageEnd  bool
	pendingEpoch   int64
	epoch          int64
	nReadyHost     int32

	lastBuildupTry int64
	lastKeepBusy   int64

	forceTeardown int32
	done          int32
}

// New builds a Machine parked at BUILDUP of partition 0, round 0.
// switchTSPath and convergeTSPath name the two boundary-timestamp
// output files of spec.md §6; either may be empty to skip that output.
func New(t *topo.View, reg *channel.Registry, store *replay.Store, hub *remote.Hub, ops collab.RouterOps, dispatch Dispatcher, stageVar *stagekind.Var, clock *stagekind.EventClock, numHosts int, maxRuntime time.Duration, switchTSPath, convergeTSPath string) (*Machine, error) {
	m := &Machine{
		topo:       t,
		reg:        reg,
		store:      store,
		hub:        hub,
		ops:        ops,
		dispatch:   dispatch,
		stageVar:   stageVar,
		clock:      clock,
		numHosts:   numHosts,
		maxRuntime: maxRuntime,
		delta:      1,
		idleParts:  make(map[int]struct{}),
		tried:      make(map[edgePair]struct{}),
	}
	now := mono.NanoTime()
	m.startedAt = now
	m.stageEnteredAt = now
	m.clock.Touch(now)

	if switchTSPath != "" {
		f, err := os.OpenFile(switchTSPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		m.switchTS = f
	}
	if convergeTSPath != "" {
		f, err := os.OpenFile(convergeTSPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		m.convergeTS = f
	}
	return m, nil
}

// Done reports whether the machine has reached END.
func (m *Machine) Done() bool { return atomic.LoadInt32(&m.done) != 0 }

// ForceTeardown is the max-runtime/signal escape hatch (spec.md §7): on
// the next Tick, the current stage is abandoned in favor of TEARDOWN.
func (m *Machine) ForceTeardown() { atomic.StoreInt32(&m.forceTeardown, 1) }

// idxVal reads the current partition index. Safe for concurrent
// readers (reactor workers via OnlineNodes); only Tick's goroutine
// ever writes it.
func (m *Machine) idxVal() int { return int(atomic.LoadInt32(&m.idx)) }

// activeNodes is the current iteration's partition union the cut.
func (m *Machine) activeNodes() []topo.NodeID {
	nodes := append([]topo.NodeID{}, m.topo.Partition(m.idxVal())...)
	return append(nodes, m.topo.Cut()...)
}

// OnlineNodes reports the node set currently brought up (the active
// partition plus the cut), for the reactor's per-tick replay pass
// (spec.md §4.7: "for every node it manages that is currently online").
func (m *Machine) OnlineNodes() []topo.NodeID { return m.activeNodes() }

// targetChannels counts the distinct undirected edges touching a
// locally-owned node within the active node set — the expected
// BGP_ESTABLISHED count for this host this iteration (spec.md §4.6's
// partition_nchannel + cut_nchannel).
func (m *Machine) targetChannels() int {
	active := m.activeNodes()
	activeSet := make(map[topo.NodeID]struct{}, len(active))
	for _, n := range active {
		activeSet[n] = struct{}{}
	}
	seen := make(map[edgePair]struct{})
	target := 0
	for _, n := range active {
		if !m.topo.IsLocal(n) {
			continue
		}
		for _, p := range m.topo.Neighbors(n) {
			if _, ok := activeSet[p]; !ok {
				continue
			}
			key := canon(n, p)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			target++
		}
	}
	return target
}

// Tick advances the stage machine by one reactor cycle. Called by the
// engine's main goroutine only (spec.md §5: stage is written by the
// main thread alone).
func (m *Machine) Tick() {
	if atomic.LoadInt32(&m.done) != 0 {
		return
	}
	if m.maxRuntime > 0 && mono.Since(m.startedAt) > m.maxRuntime && m.stageVar.Load() != stagekind.TEARDOWN {
		clog.Warningf("stage: max runtime exceeded, forcing TEARDOWN")
		m.forceInto(stagekind.TEARDOWN)
		return
	}
	if atomic.CompareAndSwapInt32(&m.forceTeardown, 1, 0) {
		m.forceInto(stagekind.TEARDOWN)
		return
	}

	switch m.stageVar.Load() {
	case stagekind.BUILDUP:
		m.tickBuildup()
	case stagekind.RESTORE:
		m.tickQuiescence(stagekind.RESTORE)
	case stagekind.CONVERGE:
		m.tickConverge()
	case stagekind.TEARDOWN:
		m.tickTeardown()
	}
}

// forceInto skips straight to stage st, clearing any in-flight barrier
// state, without waiting for the normal local condition.
func (m *Machine) forceInto(st stagekind.Stage) {
	m.mu.Lock()
	m.localStageEnd = false
	atomic.StoreInt32(&m.nReadyHost, 0)
	m.mu.Unlock()
	m.transition(st)
}

func (m *Machine) tickBuildup() {
	now := mono.NanoTime()
	m.mu.Lock()
	due := now-m.lastBuildupTry >= config.BuildupTryInterval.Nanoseconds()
	m.mu.Unlock()
	if due {
		m.dispatchConnects()
		m.mu.Lock()
		m.lastBuildupTry = now
		m.mu.Unlock()
	}

	if int(m.reg.Counters.NChannel()) >= m.targetChannels() {
		m.declareLocalEnd(stagekind.BUILDUP)
	}
	m.checkBarrier(func() {
		if m.round == 0 {
			m.transition(stagekind.CONVERGE)
		} else {
			m.transition(stagekind.RESTORE)
		}
	})
}

// dispatchConnects issues, once per BUILDUP_TRY_INTERVAL, an outbound
// connect for every still-missing edge whose direction is this host's
// to dial, per the build-direction rule (spec.md §4.6).
func (m *Machine) dispatchConnects() {
	active := m.activeNodes()
	activeSet := make(map[topo.NodeID]struct{}, len(active))
	for _, n := range active {
		activeSet[n] = struct{}{}
	}
	for _, n := range active {
		if !m.topo.IsLocal(n) {
			continue
		}
		for _, p := range m.topo.Neighbors(n) {
			if _, ok := activeSet[p]; !ok {
				continue
			}
			if _, ok := m.reg.Get(n, p); ok {
				continue
			}
			key := canon(n, p)
			m.mu.Lock()
			_, tried := m.tried[key]
			m.mu.Unlock()
			if tried {
				continue
			}
			if !m.topo.ShouldInitiate(n, p) {
				continue
			}
			if err := m.dispatch.DispatchConnect(n, p); err != nil {
				clog.Warningf("stage: dispatch connect %d->%d: %v", n, p, err)
				continue
			}
			m.mu.Lock()
			m.tried[key] = struct{}{}
			m.mu.Unlock()
		}
	}
}

// tickQuiescence handles RESTORE, whose only local-end condition is
// the CONVERGE_TIMEOUT quiescence window.
func (m *Machine) tickQuiescence(st stagekind.Stage) {
	if mono.Since(m.clock.LastEvent()) >= config.ConvergeTimeout {
		m.declareLocalEnd(st)
	}
	m.checkBarrier(func() { m.transition(stagekind.CONVERGE) })
}

func (m *Machine) tickConverge() {
	now := mono.NanoTime()
	m.mu.Lock()
	dueKeepBusy := now-m.lastKeepBusy >= config.KeepBusyInterval.Nanoseconds()
	m.mu.Unlock()
	if dueKeepBusy && mono.Since(m.clock.LastEvent()) < config.ConvergeTimeout {
		m.hub.BroadcastKeepBusy()
		m.mu.Lock()
		m.lastKeepBusy = now
		m.mu.Unlock()
	}

	if mono.Since(m.clock.LastEvent()) >= config.ConvergeTimeout {
		m.declareLocalEnd(stagekind.CONVERGE)
	}
	m.checkBarrier(func() {
		idx := m.idxVal()
		if m.convergeTS != nil {
			m.convergeTS.WriteString(stampLine(m.startedAt))
		}
		m.mu.Lock()
		if m.store.HasNewMsg() {
			delete(m.idleParts, idx)
		} else {
			m.idleParts[idx] = struct{}{}
		}
		m.mu.Unlock()
		m.store.NewIteration()
		for _, n := range m.topo.Partition(idx) {
			if !m.topo.IsLocal(n) {
				continue
			}
			if err := m.ops.Stop(n); err != nil {
				clog.Warningf("stage: stop %d: %v", n, err)
			}
			m.store.NodeOffline(n)
		}
		m.transition(stagekind.TEARDOWN)
	})
}

func (m *Machine) tickTeardown() {
	if int(m.reg.Counters.NChannel()) <= m.cutChannels() {
		m.declareLocalEnd(stagekind.TEARDOWN)
	}
	m.checkBarrier(func() {
		if m.globallyConverged() {
			m.transition(stagekind.END)
			atomic.StoreInt32(&m.done, 1)
			m.closeOutputs()
			return
		}
		m.advanceIteration()
		if m.switchTS != nil {
			m.switchTS.WriteString(stampLine(m.startedAt))
		}
		idx := m.idxVal()
		m.topo.MarkSeenAll(m.topo.Partition(idx))
		for _, n := range m.topo.Partition(idx) {
			if !m.topo.IsLocal(n) {
				continue
			}
			var err error
			if m.round == 0 {
				err = m.ops.Start(n)
			} else {
				err = m.ops.Restart(n)
			}
			if err != nil {
				clog.Warningf("stage: bring up %d: %v", n, err)
			}
		}
		m.mu.Lock()
		m.tried = make(map[edgePair]struct{})
		m.mu.Unlock()
		m.transition(stagekind.BUILDUP)
	})
}

// cutChannels is the expected surviving channel count at TEARDOWN:
// every undirected edge touching a locally-owned cut node.
func (m *Machine) cutChannels() int {
	cut := m.topo.Cut()
	cutSet := make(map[topo.NodeID]struct{}, len(cut))
	for _, n := range cut {
		cutSet[n] = struct{}{}
	}
	seen := make(map[edgePair]struct{})
	count := 0
	for _, n := range cut {
		if !m.topo.IsLocal(n) {
			continue
		}
		for _, p := range m.topo.Neighbors(n) {
			if _, ok := cutSet[p]; !ok {
				continue
			}
			key := canon(n, p)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			count++
		}
	}
	return count
}

// globallyConverged reports whether every non-cut partition produced
// no new messages in its most recent CONVERGE (spec.md §3).
func (m *Machine) globallyConverged() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.idleParts) >= m.topo.NumPartitions()
}

// advanceIteration implements the boomerang sweep of spec.md §4.6:
// step iteration_idx by delta, flipping direction and bumping round at
// either end, skipping indices already marked idle.
func (m *Machine) advanceIteration() {
	n := m.topo.NumPartitions()
	idx := m.idxVal()
	for {
		idx += m.delta
		if idx >= n {
			idx = n - 1
			m.delta = -1
			m.round++
		} else if idx < 0 {
			idx = 0
			m.delta = 1
			m.round++
		}
		atomic.StoreInt32(&m.idx, int32(idx))
		m.mu.Lock()
		_, idle := m.idleParts[idx]
		m.mu.Unlock()
		if !idle || m.globallyConverged() {
			return
		}
	}
}

// declareLocalEnd sets the sticky local-end flag once and broadcasts
// ENDOFSTAGE, counting self toward the barrier (spec.md §4.6).
func (m *Machine) declareLocalEnd(stagekind.Stage) {
	m.mu.Lock()
	if m.localStageEnd {
		m.mu.Unlock()
		return
	}
	m.localStageEnd = true
	m.epoch++
	m.pendingEpoch = m.epoch
	atomic.StoreInt32(&m.nReadyHost, 1) // self
	epoch := m.epoch
	m.mu.Unlock()
	m.hub.BroadcastEOS(epoch)
}

// checkBarrier runs onComplete exactly once, the first tick after
// every peer host (plus self) has declared end-of-stage for the
// current epoch.
func (m *Machine) checkBarrier(onComplete func()) {
	m.mu.Lock()
	ready := m.localStageEnd && int(atomic.LoadInt32(&m.nReadyHost)) >= m.numHosts
	if ready {
		m.localStageEnd = false
		atomic.StoreInt32(&m.nReadyHost, 0)
	}
	m.mu.Unlock()
	if ready {
		onComplete()
	}
}

func (m *Machine) transition(to stagekind.Stage) {
	from := m.stageVar.Load()
	metrics.ObserveStageDuration(from.String(), mono.Since(m.stageEnteredAt))
	m.stageVar.Store(to)
	m.stageEnteredAt = mono.NanoTime()
	clog.Stage(from.String(), to.String(), m.round, m.idxVal(), mono.Since(m.startedAt))
}

func (m *Machine) closeOutputs() {
	if m.switchTS != nil {
		m.switchTS.Close()
	}
	if m.convergeTS != nil {
		m.convergeTS.Close()
	}
}

func stampLine(startedAt int64) string {
	return fmt.Sprintf("%.6f\n", mono.Seconds6dp(mono.Since(startedAt)))
}

// OnPayload, OnEndOfStage, and OnKeepBusy let a Machine act on behalf
// of remote.Handler for a single peer connection; HostHandler forwards
// a connection's calls to them.
func (m *Machine) OnPayload(frame []byte) {
	body := wire.DecodePayload(frame)
	m.store.AddMsg(frame, body.SrcID, body.DstID)
}

func (m *Machine) OnEndOfStage(epoch int64) {
	m.mu.Lock()
	match := epoch == m.pendingEpoch
	m.mu.Unlock()
	if match {
		atomic.AddInt32(&m.nReadyHost, 1)
	}
}

func (m *Machine) OnKeepBusy() {
	m.clock.Touch(mono.NanoTime())
}

// HostHandler adapts a Machine to remote.Handler for one connection.
// Declared here, rather than in internal/remote, because OnEndOfStage
// dispatches into Machine directly without needing to know which host
// the connection belongs to beyond forwarding the call.
type HostHandler struct {
	M *Machine
}

func (h HostHandler) OnPayload(frame []byte)   { h.M.OnPayload(frame) }
func (h HostHandler) OnEndOfStage(seq int64)   { h.M.OnEndOfStage(seq) }
func (h HostHandler) OnKeepBusy()              { h.M.OnKeepBusy() }
