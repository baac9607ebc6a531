// Package engine wires every subsystem (topology, channel registry,
// replay store, remote hub, stage machine, reactor) into one per-host
// controller context, per spec.md §9's design note that the handful of
// process-wide singletons the original keeps as globals (n_channel,
// the port allocator, the stage variable) should instead live as
// fields on a single constructed object. Grounded on the teacher's ais
// target/Tcoe-style "one struct owns every subsystem, constructed once
// in main" shape.
package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/ripc-net/controller/internal/channel"
	"github.com/ripc-net/controller/internal/clog"
	"github.com/ripc-net/controller/internal/collab"
	"github.com/ripc-net/controller/internal/config"
	"github.com/ripc-net/controller/internal/metrics"
	"github.com/ripc-net/controller/internal/reactor"
	"github.com/ripc-net/controller/internal/remote"
	"github.com/ripc-net/controller/internal/replay"
	"github.com/ripc-net/controller/internal/stage"
	"github.com/ripc-net/controller/internal/stagekind"
	"github.com/ripc-net/controller/internal/topo"
)

// Config collects everything the CLI layer (cmd/controller) gathers
// from flags, env vars, and the three JSON input files before an
// Engine can be built.
type Config struct {
	Image          collab.Image
	ConfDir        string
	BlueprintPath  string
	PartitionPath  string
	HostsPath      string
	LogPath        string
	NumWorkers     int
	MaxRuntime     time.Duration
	SwitchTSPath   string
	ConvergeTSPath string
	IOLogPath      string
	MetricsAddr    string
}

// machineHandle breaks the construction cycle between stage.Machine
// (needs a Dispatcher, implemented by *reactor.Reactor) and
// *reactor.Reactor (needs to query the machine's online-node set on
// every replay tick): the reactor is built first against this handle,
// the machine second, and the handle is pointed at the machine once it
// exists. Both sides only ever call through the handle after Engine's
// constructor returns.
type machineHandle struct{ m *stage.Machine }

func (h *machineHandle) OnlineNodes() []topo.NodeID { return h.m.OnlineNodes() }

// Engine is one host's fully wired controller.
type Engine struct {
	cfg Config

	topView *topo.View
	reg     *channel.Registry
	hub     *remote.Hub
	store   *replay.Store
	stageV  *stagekind.Var
	clock   *stagekind.EventClock
	machine *stage.Machine
	react   *reactor.Reactor
	ops     collab.RouterOps

	selfHost  topo.HostID
	peerAddrs map[topo.HostID]string
	listener  net.Listener
}

// New loads the topology/partition/hosts files, fans nodes out across
// hosts, and constructs every subsystem. It does not start any
// goroutines; call Run for that.
func New(cfg Config, loader collab.TopologyLoader) (*Engine, error) {
	neighbors, err := loader.LoadBlueprint(cfg.BlueprintPath)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	partitions, cut, err := loader.LoadPartitions(cfg.PartitionPath)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	selfHost, peerAddrs, err := loader.LoadHosts(cfg.HostsPath)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	hostOf := config.FanoutHosts(partitions, cut, len(peerAddrs))
	topView := topo.New(neighbors, partitions, cut, hostOf, selfHost)

	ops, err := collab.NewShellRouterOps(cfg.Image, cfg.ConfDir)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	experimentID := uuid.NewString()
	if err := clog.Init(cfg.LogPath, int(selfHost), experimentID); err != nil {
		return nil, fmt.Errorf("engine: clog.Init: %w", err)
	}

	reg := channel.NewRegistry()
	stageV := &stagekind.Var{}
	clock := &stagekind.EventClock{}
	hub := remote.NewHub(func(nodeID int32) int32 { return int32(topView.HostOf(nodeID)) })
	store := replay.NewStore(topView, reg, stageV, hub, clock)

	handle := &machineHandle{}
	numWorkers := cfg.NumWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	react, err := reactor.New(numWorkers, reg, topView, store, handle, config.ListenSocketPath, config.ClientPathPrefix)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	machine, err := stage.New(topView, reg, store, hub, ops, react, stageV, clock, len(peerAddrs), cfg.MaxRuntime, cfg.SwitchTSPath, cfg.ConvergeTSPath)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	handle.m = machine

	metrics.RegisterNChannel(reg.Counters.NChannel)

	return &Engine{
		cfg:       cfg,
		topView:   topView,
		reg:       reg,
		hub:       hub,
		store:     store,
		stageV:    stageV,
		clock:     clock,
		machine:   machine,
		react:     react,
		ops:       ops,
		selfHost:  selfHost,
		peerAddrs: peerAddrs,
	}, nil
}

// Run brings up the inter-host mesh, starts the reactor, and ticks the
// stage machine until it reaches END or ForceTeardown is called.
// Blocks until the machine is done.
func (e *Engine) Run() error {
	if err := e.listenHosts(); err != nil {
		return err
	}
	defer e.listener.Close()
	e.dialPeers()

	if e.cfg.MetricsAddr != "" {
		ms := metrics.NewServer(e.cfg.MetricsAddr)
		msErrs := ms.Start()
		go func() {
			if err := <-msErrs; err != nil {
				clog.Errorf("engine: metrics server: %v", err)
			}
		}()
		defer ms.Shutdown(context.Background())
	}

	e.react.Run()
	defer e.react.Stop()

	ticker := time.NewTicker(config.ReactorTick)
	defer ticker.Stop()
	for range ticker.C {
		e.machine.Tick()
		if e.machine.Done() {
			break
		}
	}
	if e.cfg.IOLogPath != "" {
		written, err := e.store.ExportIOLog(e.cfg.IOLogPath, config.DefaultIOLogFlushEvery)
		if err != nil {
			clog.Errorf("engine: export io.log: %v", err)
		} else {
			clog.Infof("engine: wrote %s", written)
		}
	}
	return nil
}

// ForceTeardown is the signal-handler entry point (spec.md §7): force
// the stage machine into TEARDOWN regardless of barrier state.
func (e *Engine) ForceTeardown() { e.machine.ForceTeardown() }

func (e *Engine) listenHosts() error {
	addr, ok := e.peerAddrs[e.selfHost]
	if !ok {
		return fmt.Errorf("engine: no address for self host %d in hosts file", e.selfHost)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("engine: listen %s: %w", addr, err)
	}
	e.listener = ln
	go e.acceptHosts()
	return nil
}

func (e *Engine) acceptHosts() {
	for {
		nc, err := e.listener.Accept()
		if err != nil {
			return // listener closed at shutdown
		}
		go e.handleInboundHost(nc)
	}
}

// handleInboundHost reads the one-shot host-id preamble a dialing peer
// sends immediately after connecting, then joins the hub.
func (e *Engine) handleInboundHost(nc net.Conn) {
	var hdr [4]byte
	if _, err := readFullConn(nc, hdr[:]); err != nil {
		clog.Warningf("engine: inbound host preamble: %v", err)
		nc.Close()
		return
	}
	peerHost := int32(hdr[0])<<24 | int32(hdr[1])<<16 | int32(hdr[2])<<8 | int32(hdr[3])
	e.joinHost(topo.HostID(peerHost), nc)
}

// dialPeers connects outward to every peer host with a numerically
// smaller id than self, per spec.md §6: "active side connects to peers
// with smaller host ids; passive side accepts from peers with larger
// host ids" — avoids a duplicate connection racing in from both
// directions for the same host pair.
func (e *Engine) dialPeers() {
	for host, addr := range e.peerAddrs {
		if host >= e.selfHost {
			continue
		}
		go e.dialHost(host, addr)
	}
}

func (e *Engine) dialHost(host topo.HostID, addr string) {
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		clog.Errorf("engine: dial host %d (%s): %v", host, addr, err)
		return
	}
	preamble := []byte{
		byte(e.selfHost >> 24), byte(e.selfHost >> 16), byte(e.selfHost >> 8), byte(e.selfHost),
	}
	if _, err := nc.Write(preamble); err != nil {
		clog.Errorf("engine: dial host %d: preamble: %v", host, err)
		nc.Close()
		return
	}
	e.joinHost(host, nc)
}

func (e *Engine) joinHost(host topo.HostID, nc net.Conn) {
	conn := remote.NewConn(int32(host), nc)
	e.hub.Add(conn)
	go conn.RunWriter()
	go conn.RunReader(&stage.HostHandler{M: e.machine})
}

func readFullConn(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
