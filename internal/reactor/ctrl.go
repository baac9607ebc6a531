// Package reactor implements the per-worker epoll event loop of
// spec.md §5: one acceptor goroutine owning the listening socket, N
// worker goroutines each polling a disjoint set of local channels
// (self_id mod N affinity), and the ctrl-pipe protocol the acceptor
// and the stage machine use to hand a freshly-dialed file descriptor
// to the worker that will own it.
//
// Grounded on the original_source's worker_main/acceptor_main
// (main.cpp) for the three-command ctrl-pipe protocol and the
// epoll-based event loop shape, reimplemented with
// golang.org/x/sys/unix's raw epoll bindings since no example repo in
// the pack drives a hand-rolled event loop of its own (the teacher's
// transport is an HTTP server built on net/http).
package reactor

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ripc-net/controller/internal/channel"
	"github.com/ripc-net/controller/internal/clog"
)

// cmdOp enumerates the ctrl-pipe command types, matching the
// original's cmd=0/1/2 convention.
type cmdOp byte

const (
	cmdActiveConnect cmdOp = iota // main -> worker: fd just connect()ed, install as ConnInProgress
	cmdPassiveAccept               // acceptor -> worker: fd just accept()ed, install as Accepted
	cmdTerminate                    // main -> worker: stop polling and exit
)

// cmdSize is the fixed wire size of one ctrl-pipe command:
// op(1) + fd(4) + self(4) + peer(4).
const cmdSize = 13

type ctrlCmd struct {
	op         cmdOp
	fd         int32
	self, peer int32
}

func encodeCmd(c ctrlCmd) []byte {
	buf := make([]byte, cmdSize)
	buf[0] = byte(c.op)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(c.fd))
	binary.LittleEndian.PutUint32(buf[5:9], uint32(c.self))
	binary.LittleEndian.PutUint32(buf[9:13], uint32(c.peer))
	return buf
}

func decodeCmd(buf []byte) ctrlCmd {
	return ctrlCmd{
		op:   cmdOp(buf[0]),
		fd:   int32(binary.LittleEndian.Uint32(buf[1:5])),
		self: int32(binary.LittleEndian.Uint32(buf[5:9])),
		peer: int32(binary.LittleEndian.Uint32(buf[9:13])),
	}
}

// ctrlPipe is one worker's inbound command channel: a non-blocking
// unix pipe, write end shared (mutex-guarded) between the main thread
// and the acceptor, read end owned exclusively by the worker's epoll
// loop. Grounded on the original's per-worker int ctrl_pipe[2] plus a
// global write mutex.
type ctrlPipe struct {
	readFD, writeFD int

	mu  sync.Mutex // guards writes from multiple senders (main + acceptor)
	buf []byte      // worker-side partial-command reassembly buffer
}

func newCtrlPipe() (*ctrlPipe, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, err
	}
	return &ctrlPipe{readFD: fds[0], writeFD: fds[1]}, nil
}

func (p *ctrlPipe) send(c ctrlCmd) error {
	buf := encodeCmd(c)
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(buf) > 0 {
		n, err := unix.Write(p.writeFD, buf)
		if err == unix.EAGAIN {
			continue // pipe buffer is 64KiB; a 13-byte command always fits eventually
		}
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// drain reads every available byte off the pipe and returns the
// complete commands found, carrying any partial tail into the next
// call.
func (p *ctrlPipe) drain() ([]ctrlCmd, error) {
	var chunk [256]byte
	for {
		n, err := unix.Read(p.readFD, chunk[:])
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		p.buf = append(p.buf, chunk[:n]...)
	}
	var out []ctrlCmd
	for len(p.buf) >= cmdSize {
		out = append(out, decodeCmd(p.buf[:cmdSize]))
		p.buf = p.buf[cmdSize:]
	}
	return out, nil
}

func (p *ctrlPipe) close() {
	unix.Close(p.readFD)
	unix.Close(p.writeFD)
}

// installFromCmd registers c's fd in reg under the appropriate initial
// state, logging and closing it on any inconsistency (a fd already
// registered for this edge is a programming invariant violation, not a
// runtime condition to recover from quietly).
func installFromCmd(reg *channel.Registry, c ctrlCmd) *channel.Local {
	var st channel.State
	switch c.op {
	case cmdActiveConnect:
		st = channel.ConnInProgress
	case cmdPassiveAccept:
		st = channel.Accepted
	default:
		clog.Warningf("reactor: installFromCmd: unexpected op %d", c.op)
		unix.Close(int(c.fd))
		return nil
	}
	return reg.MakeEdge(int(c.fd), c.self, c.peer, st)
}
