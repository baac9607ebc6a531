package reactor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/ripc-net/controller/internal/channel"
	"github.com/ripc-net/controller/internal/remote"
	"github.com/ripc-net/controller/internal/replay"
	"github.com/ripc-net/controller/internal/stagekind"
	"github.com/ripc-net/controller/internal/topo"
	"github.com/ripc-net/controller/internal/wire"
)

// TestMain verifies no worker or acceptor goroutine outlives a test:
// every newTestReactor caller registers r.Stop via t.Cleanup, and
// goleak catches the case where Stop doesn't actually drain a loop.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type alwaysOnline struct{ nodes []topo.NodeID }

func (a alwaysOnline) OnlineNodes() []topo.NodeID { return a.nodes }

func newTestReactor(t *testing.T, view *topo.View, nodes []topo.NodeID) (*Reactor, *channel.Registry, *replay.Store) {
	t.Helper()
	dir := t.TempDir()
	reg := channel.NewRegistry()
	sv := &stagekind.Var{}
	sv.Store(stagekind.BUILDUP)
	clock := &stagekind.EventClock{}
	hub := remote.NewHub(func(int32) int32 { return 0 })
	store := replay.NewStore(view, reg, sv, hub, clock)

	r, err := New(1, reg, view, store, alwaysOnline{nodes}, filepath.Join(dir, "msg_manager_socket"), filepath.Join(dir, "emu-real-"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.Run()
	t.Cleanup(func() {
		r.Stop()
		<-r.acceptor.done
		for _, w := range r.workers {
			<-w.done
		}
	})
	return r, reg, store
}

// dialAs opens a non-blocking unix socket bound to the client path
// convention, connects it to the reactor's listening socket, and
// returns the fd for the caller to drive the handshake over.
func dialAs(t *testing.T, r *Reactor, self, peer int32) int {
	t.Helper()
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	name := r.clientPrefix + itoa(self) + "/" + itoa(peer)
	if err := osMkdirAll(filepath.Dir(name)); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(name), err)
	}
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: name}); err != nil {
		t.Fatalf("bind %s: %v", name, err)
	}
	err = unix.Connect(fd, &unix.SockaddrUnix{Name: r.listenPath})
	if err != nil && err != unix.EINPROGRESS {
		t.Fatalf("connect: %v", err)
	}
	return fd
}

func osMkdirAll(dir string) error { return os.MkdirAll(dir, 0o755) }

func itoa(n int32) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// TestAcceptedRouterHandshakeReachesChannelEstablished drives the
// accept-path half of spec.md §4.7: a router process (simulated here
// with a raw socket) binds its client path, connects in, sends a SYN,
// and expects the controller to answer with a SYNACK and leave the
// channel CHANNEL_ESTABLISHED.
func TestAcceptedRouterHandshakeReachesChannelEstablished(t *testing.T) {
	neighbors := map[topo.NodeID][]topo.NodeID{1: {2}, 2: {1}}
	hostOf := map[topo.NodeID]topo.HostID{1: 0, 2: 0}
	view := topo.New(neighbors, [][]topo.NodeID{{1, 2}}, nil, hostOf, 0)

	r, reg, _ := newTestReactor(t, view, []topo.NodeID{1, 2})

	fd := dialAs(t, r, 1, 2) // node 1 initiates toward node 2 (1 < 2)
	defer unix.Close(fd)

	waitFor(t, 2*time.Second, func() bool {
		_, ok := reg.Get(1, 2)
		return ok
	})

	unix.SetNonblock(fd, false)
	if err := writeFull(fd, wire.EncodeSyn(0, 1, 2, 0)); err != nil {
		t.Fatalf("write SYN: %v", err)
	}

	hdrBuf := make([]byte, wire.HeaderSize)
	if err := readFull(fd, hdrBuf); err != nil {
		t.Fatalf("read SYNACK header: %v", err)
	}
	hdr := wire.DecodeHeader(hdrBuf)
	if hdr.Type != wire.MsgSYNACK {
		t.Fatalf("got msg type %v, want SYNACK", hdr.Type)
	}
	body := make([]byte, hdr.Len-wire.HeaderSize)
	if err := readFull(fd, body); err != nil {
		t.Fatalf("read SYNACK body: %v", err)
	}
	if port := wire.DecodeSynAck(body); port == 0 {
		t.Fatalf("SYNACK cli_port=0, connection was rejected")
	}

	waitFor(t, 2*time.Second, func() bool {
		ch, ok := reg.Get(1, 2)
		return ok && ch.State() == channel.ChannelEstablished
	})
}

// TestAcceptorRejectsWrongDirection exercises the build-direction
// rejection branch: node 2 dialing in toward node 1 is the wrong
// direction for a same-category pair (2 > 1), so the acceptor must
// answer with cli_port=0 and never install a channel.
func TestAcceptorRejectsWrongDirection(t *testing.T) {
	neighbors := map[topo.NodeID][]topo.NodeID{1: {2}, 2: {1}}
	hostOf := map[topo.NodeID]topo.HostID{1: 0, 2: 0}
	view := topo.New(neighbors, [][]topo.NodeID{{1, 2}}, nil, hostOf, 0)

	r, reg, _ := newTestReactor(t, view, []topo.NodeID{1, 2})

	fd := dialAs(t, r, 2, 1) // node 2 initiating toward 1: wrong direction
	defer unix.Close(fd)
	unix.SetNonblock(fd, false)

	if err := writeFull(fd, wire.EncodeSyn(0, 2, 1, 0)); err != nil {
		t.Fatalf("write SYN: %v", err)
	}
	hdrBuf := make([]byte, wire.HeaderSize)
	if err := readFull(fd, hdrBuf); err != nil {
		t.Fatalf("read SYNACK header: %v", err)
	}
	hdr := wire.DecodeHeader(hdrBuf)
	body := make([]byte, hdr.Len-wire.HeaderSize)
	readFull(fd, body)
	if wire.DecodeSynAck(body) != 0 {
		t.Fatalf("expected cli_port=0 rejection")
	}
	if _, ok := reg.Get(2, 1); ok {
		t.Fatalf("rejected direction must not install a channel")
	}
}
