// Package channel implements the local channel (spec.md §4.2): one
// non-blocking stream connection between this host's controller and
// one emulated router, its framing, its SYN/SYNACK handshake, and its
// egress message queue. It also implements the channel registry
// (spec.md §4.3) and the deterministic per-peer-pair port allocator.
//
// Grounded on the teacher's transport package: Local is the
// controller's analogue of transport's per-session stream state
// machine (CONN_INPROGRESS/ACCEPTED/CHANNEL_ESTABLISHED/BGP_ESTABLISHED
// mirroring the teacher's session bring-up), and the ring-buffer-backed
// send path mirrors transport's PDU buffering (pdu.go) adapted from
// HTTP body streaming to a raw non-blocking socket.
package channel

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ripc-net/controller/internal/ring"
	"github.com/ripc-net/controller/internal/wire"
	"github.com/ripc-net/controller/internal/xdebug"
)

const initialRingSize = 4096

// Action is what pollerr asks the owner (the channel registry) to do;
// the destroy itself is deliberately not performed inside the channel
// so fd lifetime stays serialized against the single worker that owns
// it (spec.md §9 design note on pollerr/ctrl-pipe races).
type Action int

const (
	ActionNone Action = iota
	ActionDestroy
)

// Local is one directed-edge channel. Per spec.md §5, a Local is
// exclusively polled and mutated by exactly one worker goroutine for
// its lifetime (self_id mod N affinity) — no internal locking is
// needed for the rings or the egress queue.
type Local struct {
	FD      int
	SelfID  int32
	PeerID  int32

	ingress *ring.Buffer
	egress  *ring.Buffer
	outq    [][]byte // messages queued, awaiting space in egress

	state       State
	established bool // sticky; decremented exactly once in Destroy iff true

	interestWrite bool

	counters *Counters
}

// NewLocal installs a channel in the given initial state. initState is
// ConnInProgress for the active (outbound-connect) side, Accepted for
// the passive (acceptor handoff) side.
func NewLocal(fd int, selfID, peerID int32, initState State, counters *Counters) *Local {
	return &Local{
		FD:       fd,
		SelfID:   selfID,
		PeerID:   peerID,
		ingress:  ring.New(initialRingSize),
		egress:   ring.New(initialRingSize),
		state:    initState,
		counters: counters,
	}
}

func (c *Local) State() State   { return c.state }
func (c *Local) Established() bool { return c.established }

// OnConnectOK is called on the active side's first writable event:
// CONN_INPROGRESS -> CHANNEL_ESTABLISHED, and a SYN is enqueued.
func (c *Local) OnConnectOK(cliPort uint16) {
	xdebug.Assertf(c.state == ConnInProgress, "OnConnectOK from state %s", c.state)
	c.state = ChannelEstablished
	c.enqueue(wire.EncodeSyn(0, c.SelfID, c.PeerID, cliPort))
}

// OnReceiveSyn is called on the passive side's first full inbound
// message (expected SYN): ACCEPTED -> CHANNEL_ESTABLISHED, and a
// SYNACK is enqueued. rejected stamps cli_port=0 in the SYNACK.
func (c *Local) OnReceiveSyn(rejected bool, cliPort uint16) {
	xdebug.Assertf(c.state == Accepted, "OnReceiveSyn from state %s", c.state)
	c.state = ChannelEstablished
	port := cliPort
	if rejected {
		port = 0
	}
	c.enqueue(wire.EncodeSynAck(0, port))
}

// OnBGPEstablished is the first inbound BGP keepalive delivered through
// the replay path: CHANNEL_ESTABLISHED -> BGP_ESTABLISHED, incrementing
// the shared n_channel counter exactly once (sticky).
func (c *Local) OnBGPEstablished() {
	xdebug.Assertf(c.state == ChannelEstablished, "OnBGPEstablished from state %s", c.state)
	c.state = BGPEstablished
	if !c.established {
		c.established = true
		c.counters.incEstablished()
	}
}

// Destroy decrements n_channel exactly once iff this channel had
// reached BGPEstablished, and closes the fd. Idempotent.
func (c *Local) Destroy() {
	if c.established {
		c.established = false
		c.counters.decEstablished()
	}
	if c.FD >= 0 {
		unix.Close(c.FD)
		c.FD = -1
	}
}

// SendMsg arms the writable interest and enqueues frame at the tail;
// PollOut grows the egress ring to fit it when moving it into the ring.
// Never blocks.
func (c *Local) SendMsg(frame []byte) {
	c.enqueue(frame)
}

func (c *Local) enqueue(frame []byte) {
	c.outq = append(c.outq, frame)
	c.interestWrite = true
}

// WantWrite reports whether the writable interest should be armed on
// this channel's fd in the poller.
func (c *Local) WantWrite() bool { return c.interestWrite }

// PollIn pulls bytes from the fd into the ingress ring (expanding as
// needed to fit any message the header declares), peels off every
// complete frame, and returns them in stream order; partial messages
// stay in the ring.
func (c *Local) PollIn() ([][]byte, error) {
	if _, err := c.ingress.ReadFromFD(c.FD); err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		if c.ingress.Readable() < wire.HeaderSize {
			break
		}
		hdrBuf := make([]byte, wire.HeaderSize)
		c.ingress.Peek(hdrBuf)
		hdr := wire.DecodeHeader(hdrBuf)
		total := int(hdr.Len)
		if total < wire.HeaderSize {
			// programming invariant: a corrupt/garbage header. Fatal per
			// spec.md §7's "unexpected message type" class.
			xdebug.Assertf(false, "invalid frame length %d", total)
			return out, nil
		}
		c.ingress.EnsureWritable(total) // grow to fit the declared message
		if c.ingress.Readable() < total {
			break // partial message; wait for more bytes
		}
		frame := make([]byte, total)
		c.ingress.Get(frame)
		out = append(out, frame)
	}
	return out, nil
}

// PollOut drains as many queued messages as fit into the egress ring,
// then issues one scatter write. When both queue and ring go empty,
// the writable interest is disarmed.
func (c *Local) PollOut() error {
	for len(c.outq) > 0 {
		next := c.outq[0]
		if len(next) > c.egress.Writable() {
			c.egress.EnsureWritable(len(next))
		}
		if err := c.egress.Put(next); err != nil {
			break // shouldn't happen after EnsureWritable, but never block
		}
		c.outq = c.outq[1:]
	}
	if _, err := c.egress.WriteToFD(c.FD); err != nil {
		return err
	}
	if len(c.outq) == 0 && c.egress.Readable() == 0 {
		c.interestWrite = false
	}
	return nil
}

// PollErr returns ActionDestroy when the readiness mask contains
// hangup or error bits.
func PollErr(events uint32) Action {
	if events&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		return ActionDestroy
	}
	return ActionNone
}

// edgeKey identifies a directed edge for the by-edge index.
type edgeKey struct {
	Self, Peer int32
}

// Registry indexes channels by (self_id, peer_id) and by file
// descriptor, per spec.md §4.3.
type Registry struct {
	mu     sync.RWMutex
	byEdge map[edgeKey]*Local
	byFD   map[int]*Local

	Counters *Counters
	Ports    *PortStore
}

func NewRegistry() *Registry {
	return &Registry{
		byEdge: make(map[edgeKey]*Local),
		byFD:   make(map[int]*Local),
		Counters: &Counters{},
		Ports:    NewPortStore(),
	}
}

// Make installs fd as a channel for the directed edge (selfID, peerID)
// in the given initial state.
func (r *Registry) Make(fd int, selfID, peerID int32, initState State) *Local {
	c := NewLocal(fd, selfID, peerID, initState, r.Counters)
	r.mu.Lock()
	r.byEdge[edgeKey{selfID, peerID}] = c
	r.byFD[fd] = c
	r.mu.Unlock()
	return c
}

// MakeEdge installs fd as the single channel servicing an undirected
// edge {a, b}: both (a,b) and (b,a) resolve to the same *Local, since
// replay looks a destination's channel up as (dst_id, src_id)
// regardless of which side of the pair actually dialed (spec.md §4.6's
// "each edge connected exactly once").
func (r *Registry) MakeEdge(fd int, a, b int32, initState State) *Local {
	c := NewLocal(fd, a, b, initState, r.Counters)
	r.mu.Lock()
	r.byEdge[edgeKey{a, b}] = c
	r.byEdge[edgeKey{b, a}] = c
	r.byFD[fd] = c
	r.mu.Unlock()
	return c
}

func (r *Registry) Get(selfID, peerID int32) (*Local, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byEdge[edgeKey{selfID, peerID}]
	return c, ok
}

func (r *Registry) GetByFD(fd int) (*Local, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byFD[fd]
	return c, ok
}

// Remove unregisters and destroys the channel owning fd, if any.
func (r *Registry) Remove(fd int) {
	r.mu.Lock()
	c, ok := r.byFD[fd]
	if ok {
		delete(r.byFD, fd)
		delete(r.byEdge, edgeKey{c.SelfID, c.PeerID})
		delete(r.byEdge, edgeKey{c.PeerID, c.SelfID})
	}
	r.mu.Unlock()
	if ok {
		c.Destroy()
	}
}

// Snapshot returns every live channel, for TEARDOWN draining and test
// assertions.
func (r *Registry) Snapshot() []*Local {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Local, 0, len(r.byFD))
	for _, c := range r.byFD {
		out = append(out, c)
	}
	return out
}
