package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ripc-net/controller/internal/channel"
	"github.com/ripc-net/controller/internal/config"
	"github.com/ripc-net/controller/internal/replay"
	"github.com/ripc-net/controller/internal/topo"
)

// Reactor wires one Acceptor and N Workers together and implements
// stage.Dispatcher, so the stage machine can ask it to originate an
// outbound connect without importing this package (spec.md §4.6/§4.7).
type Reactor struct {
	acceptor     *Acceptor
	workers      []*Worker
	pipes        []*ctrlPipe
	listenPath   string
	clientPrefix string

	// routerSocket resolves a local node id to its router process's
	// listening address; overridden by tests to avoid touching
	// config.RouterSocketPath's fixed filesystem location.
	routerSocket func(topo.NodeID) string
}

// New builds N workers and one acceptor sharing reg. stage supplies
// the live online-node set each worker consults on its replay tick.
// listenPath and clientPrefix are config.ListenSocketPath and
// config.ClientPathPrefix in production; tests supply temp-dir-scoped
// equivalents.
func New(numWorkers int, reg *channel.Registry, t *topo.View, store *replay.Store, stage onlineNodes, listenPath, clientPrefix string) (*Reactor, error) {
	if numWorkers < 1 {
		return nil, fmt.Errorf("reactor: numWorkers must be >= 1, got %d", numWorkers)
	}
	local := t.LocalNodes()

	workers := make([]*Worker, numWorkers)
	pipes := make([]*ctrlPipe, numWorkers)
	for i := 0; i < numWorkers; i++ {
		w, err := newWorker(i, reg, store, stage, local, numWorkers)
		if err != nil {
			for _, started := range workers[:i] {
				if started != nil {
					started.Stop()
				}
			}
			return nil, fmt.Errorf("reactor: worker %d: %w", i, err)
		}
		workers[i] = w
		pipes[i] = w.pipe
	}

	acc, err := NewAcceptor(reg, t, pipes, listenPath, clientPrefix)
	if err != nil {
		for _, w := range workers {
			w.Stop()
		}
		return nil, err
	}

	return &Reactor{
		acceptor:     acc,
		workers:      workers,
		pipes:        pipes,
		listenPath:   listenPath,
		clientPrefix: clientPrefix,
		routerSocket: config.RouterSocketPath,
	}, nil
}

// Run starts the acceptor and every worker goroutine. It returns
// immediately; call Stop to shut the reactor down.
func (r *Reactor) Run() {
	go r.acceptor.Run()
	for _, w := range r.workers {
		go w.Run()
	}
}

// Stop signals every worker and the acceptor to exit their loops.
func (r *Reactor) Stop() {
	r.acceptor.Stop()
	for _, w := range r.workers {
		w.Stop()
	}
}

// DispatchConnect implements stage.Dispatcher: it opens a non-blocking
// Unix-domain socket, connects it to self's locally-hosted router
// process (config.RouterSocketPath), and hands the resulting fd to the
// worker owning self (self mod N), mirroring the original's
// try_buildup issuing the connect() itself (main.cpp:330-399). self is
// always local to this host — dispatchConnects in internal/stage only
// calls this for locally-owned nodes.
func (r *Reactor) DispatchConnect(self, peer topo.NodeID) error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("reactor: dispatch connect %d/%d: socket: %w", self, peer, err)
	}

	err = unix.Connect(fd, &unix.SockaddrUnix{Name: r.routerSocket(self)})
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return fmt.Errorf("reactor: dispatch connect %d/%d: connect: %w", self, peer, err)
	}

	w := r.workers[int(self)%len(r.workers)]
	if err := w.pipe.send(ctrlCmd{op: cmdActiveConnect, fd: int32(fd), self: self, peer: peer}); err != nil {
		unix.Close(fd)
		return fmt.Errorf("reactor: dispatch connect %d/%d: ctrl pipe: %w", self, peer, err)
	}
	return nil
}
