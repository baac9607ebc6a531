// Package remote implements the remote channel of spec.md §4.4: the
// single duplex TCP connection between two host controllers, carrying
// forwarded PAYLOAD frames and the ENDOFSTAGE/KEEPBUSY barrier
// messages. Unlike local channels (internal/channel), a remote
// connection has exactly one reader goroutine (spec.md §5: "the reader
// is the remote thread") and a mutex-guarded send queue because many
// workers forward PAYLOADs concurrently alongside the stage machine's
// own EOS/KEEPBUSY traffic.
package remote

import (
	"io"
	"net"
	"sync"

	"github.com/ripc-net/controller/internal/clog"
	"github.com/ripc-net/controller/internal/wire"
)

// Handler receives frames read off a remote connection, dispatched by
// type. PAYLOAD forwards into the local replay store for its
// destination; ENDOFSTAGE and KEEPBUSY drive the stage machine.
type Handler interface {
	OnPayload(frame []byte)
	OnEndOfStage(stage int64)
	OnKeepBusy()
}

// Conn is one host-to-host connection.
type Conn struct {
	HostID int32

	conn net.Conn

	mu   sync.Mutex
	outq [][]byte
	cond *sync.Cond

	closed bool
}

func NewConn(hostID int32, nc net.Conn) *Conn {
	c := &Conn{HostID: hostID, conn: nc}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// enqueue appends frame to the mutex-guarded send queue and wakes the
// writer goroutine. Never blocks the caller on I/O.
func (c *Conn) enqueue(frame []byte) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.outq = append(c.outq, frame)
	c.mu.Unlock()
	c.cond.Signal()
}

func (c *Conn) AddMsg(frame []byte) { c.enqueue(frame) }

func (c *Conn) SendEOS(stage int64) { c.enqueue(wire.EncodeEndOfStage(stage)) }

func (c *Conn) SendKeepBusy() { c.enqueue(wire.EncodeKeepBusy()) }

// Close shuts the connection down and wakes the writer goroutine so it
// can exit.
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.cond.Signal()
	return c.conn.Close()
}

// RunWriter drains the send queue in FIFO order until Close, one
// goroutine per connection (spec.md §4.4/§5).
func (c *Conn) RunWriter() {
	for {
		c.mu.Lock()
		for len(c.outq) == 0 && !c.closed {
			c.cond.Wait()
		}
		if c.closed && len(c.outq) == 0 {
			c.mu.Unlock()
			return
		}
		frame := c.outq[0]
		c.outq = c.outq[1:]
		c.mu.Unlock()

		if _, err := c.conn.Write(frame); err != nil {
			clog.Warningf("remote[%d]: write: %v", c.HostID, err)
			return
		}
	}
}

// RunReader is the sole reader of this connection (spec.md §5): it
// blocks on framed reads and dispatches every complete frame to h,
// until the connection closes or errors.
func (c *Conn) RunReader(h Handler) {
	hdrBuf := make([]byte, wire.HeaderSize)
	for {
		if _, err := io.ReadFull(c.conn, hdrBuf); err != nil {
			if err != io.EOF {
				clog.Warningf("remote[%d]: read header: %v", c.HostID, err)
			}
			return
		}
		hdr := wire.DecodeHeader(hdrBuf)
		frame := make([]byte, hdr.Len)
		copy(frame, hdrBuf)
		if hdr.Len > wire.HeaderSize {
			if _, err := io.ReadFull(c.conn, frame[wire.HeaderSize:]); err != nil {
				clog.Warningf("remote[%d]: read body: %v", c.HostID, err)
				return
			}
		}
		switch hdr.Type {
		case wire.MsgPAYLOAD:
			h.OnPayload(frame)
		case wire.MsgENDOFSTAGE:
			h.OnEndOfStage(hdr.Seq)
		case wire.MsgKEEPBUSY:
			h.OnKeepBusy()
		default:
			clog.Warningf("remote[%d]: unexpected message type %v on remote wire", c.HostID, hdr.Type)
		}
	}
}

// Hub indexes every remote connection by host id and implements
// replay.Forwarder by routing a PAYLOAD to the connection owning its
// destination's host.
type Hub struct {
	mu       sync.RWMutex
	conns    map[int32]*Conn
	hostOf   func(nodeID int32) int32
}

func NewHub(hostOf func(nodeID int32) int32) *Hub {
	return &Hub{conns: make(map[int32]*Conn), hostOf: hostOf}
}

func (h *Hub) Add(c *Conn) {
	h.mu.Lock()
	h.conns[c.HostID] = c
	h.mu.Unlock()
}

func (h *Hub) Get(hostID int32) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[hostID]
	return c, ok
}

// Forward implements replay.Forwarder.
func (h *Hub) Forward(dstID int32, frame []byte) bool {
	host := h.hostOf(dstID)
	c, ok := h.Get(host)
	if !ok {
		clog.Warningf("remote: no connection to host %d for dst %d, dropping", host, dstID)
		return false
	}
	c.AddMsg(frame)
	return true
}

// Broadcast sends frame to every known peer host, grounded on the
// original's channel_manager.hpp broadcast() used at TEARDOWN to flush
// a final KEEPBUSY before the barrier (SPEC_FULL.md supplement #4).
func (h *Hub) Broadcast(frame []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.enqueue(frame)
	}
}

// BroadcastEOS sends ENDOFSTAGE(stage) to every peer host.
func (h *Hub) BroadcastEOS(stage int64) { h.Broadcast(wire.EncodeEndOfStage(stage)) }

// BroadcastKeepBusy sends KEEPBUSY to every peer host.
func (h *Hub) BroadcastKeepBusy() { h.Broadcast(wire.EncodeKeepBusy()) }

// NumHosts returns the number of known peer connections (excludes self).
func (h *Hub) NumHosts() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
