package reactor

import (
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/ripc-net/controller/internal/channel"
	"github.com/ripc-net/controller/internal/clog"
	"github.com/ripc-net/controller/internal/config"
	"github.com/ripc-net/controller/internal/topo"
	"github.com/ripc-net/controller/internal/wire"
)

// Acceptor owns the single listening Unix-domain socket of spec.md §6
// and dispatches every accepted connection to the worker that owns
// its self_id, or rejects it in place when the build-direction rule
// (topo.View.ShouldInitiate) says this direction of the edge must not
// exist. Grounded on the original's acceptor_main (main.cpp:767-861).
type Acceptor struct {
	listenFD int
	epFD     int

	reg          *channel.Registry
	topView      *topo.View
	workers      []*ctrlPipe
	listenPath   string
	clientPrefix string

	stop chan struct{}
	done chan struct{}
}

// NewAcceptor binds and listens on listenPath, removing any stale
// socket file left by a prior run. clientPrefix is the directory
// prefix a connecting client bound its own address under
// (config.ClientPathPrefix in production, a temp dir in tests).
func NewAcceptor(reg *channel.Registry, t *topo.View, workers []*ctrlPipe, listenPath, clientPrefix string) (*Acceptor, error) {
	_ = os.Remove(listenPath)

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("reactor: socket: %w", err)
	}
	sa := &unix.SockaddrUnix{Name: listenPath}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reactor: bind %s: %w", listenPath, err)
	}
	if err := os.Chmod(listenPath, config.ListenSocketPerm); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reactor: chmod: %w", err)
	}
	if err := unix.Listen(fd, 1024); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reactor: listen: %w", err)
	}

	epFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(epFD, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		unix.Close(fd)
		unix.Close(epFD)
		return nil, fmt.Errorf("reactor: epoll_ctl add listener: %w", err)
	}

	return &Acceptor{
		listenFD:     fd,
		epFD:         epFD,
		reg:          reg,
		topView:      t,
		workers:      workers,
		listenPath:   listenPath,
		clientPrefix: clientPrefix,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}, nil
}

// Stop interrupts Run at its next epoll wakeup.
func (a *Acceptor) Stop() { close(a.stop) }

// Run blocks accepting connections until Stop is called.
func (a *Acceptor) Run() {
	defer close(a.done)
	var events [32]unix.EpollEvent
	for {
		select {
		case <-a.stop:
			unix.Close(a.listenFD)
			unix.Close(a.epFD)
			os.Remove(a.listenPath)
			return
		default:
		}

		n, err := unix.EpollWait(a.epFD, events[:], int(config.ReactorTick.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			clog.Errorf("reactor: acceptor epoll_wait: %v", err)
			return
		}
		for i := 0; i < n; i++ {
			a.acceptAll()
		}
	}
}

// acceptAll drains every pending connection off the listening socket.
func (a *Acceptor) acceptAll() {
	for {
		fd, _, err := unix.Accept4(a.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err != unix.EAGAIN {
				clog.Warningf("reactor: accept4: %v", err)
			}
			return
		}
		a.handleAccept(fd)
	}
}

// handleAccept parses the connecting client's bound path
// (/ripc/emu-real-<self>/<peer>, spec.md §6) off the peer address and
// either hands the fd to its owning worker or rejects it in place.
func (a *Acceptor) handleAccept(fd int) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		clog.Warningf("reactor: getpeername: %v", err)
		unix.Close(fd)
		return
	}
	sun, ok := sa.(*unix.SockaddrUnix)
	if !ok {
		clog.Warningf("reactor: accepted connection has no bound client path")
		unix.Close(fd)
		return
	}
	var self, peer int32
	if _, err := fmt.Sscanf(sun.Name, a.clientPrefix+"%d/%d", &self, &peer); err != nil {
		clog.Warningf("reactor: unparseable client path %q: %v", sun.Name, err)
		unix.Close(fd)
		return
	}

	if _, exists := a.reg.Get(self, peer); exists || !a.topView.ShouldInitiate(self, peer) {
		a.reject(fd, self, peer)
		return
	}

	nthreads := len(a.workers)
	w := a.workers[int(self)%nthreads]
	if err := w.send(ctrlCmd{op: cmdPassiveAccept, fd: int32(fd), self: self, peer: peer}); err != nil {
		clog.Warningf("reactor: dispatch accepted fd to worker: %v", err)
		unix.Close(fd)
	}
}

// reject performs the SYN/SYNACK handshake with cli_port=0 so the
// connecting side observes a cleanly rejected session instead of a
// silently hung one, per spec.md §4.2's SYNACK rejection convention,
// then closes the connection.
func (a *Acceptor) reject(fd int, self, peer int32) {
	defer unix.Close(fd)

	if err := unix.SetNonblock(fd, false); err != nil {
		clog.Warningf("reactor: reject %d/%d: set blocking: %v", self, peer, err)
		return
	}

	hdrBuf := make([]byte, wire.HeaderSize)
	if err := readFull(fd, hdrBuf); err != nil {
		return
	}
	hdr := wire.DecodeHeader(hdrBuf)
	body := make([]byte, hdr.Len-wire.HeaderSize)
	if err := readFull(fd, body); err != nil {
		return
	}
	if hdr.Type != wire.MsgSYN {
		clog.Warningf("reactor: reject %d/%d: expected SYN, got %v", self, peer, hdr.Type)
		return
	}
	writeFull(fd, wire.EncodeSynAck(0, 0))
}

func readFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Read(fd, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		buf = buf[n:]
	}
	return nil
}

func writeFull(fd int, buf []byte) error {
	for len(buf) > 0 {
		n, err := unix.Write(fd, buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}
