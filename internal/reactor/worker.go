package reactor

import (
	"golang.org/x/sys/unix"

	"github.com/ripc-net/controller/internal/channel"
	"github.com/ripc-net/controller/internal/clog"
	"github.com/ripc-net/controller/internal/config"
	"github.com/ripc-net/controller/internal/replay"
	"github.com/ripc-net/controller/internal/topo"
	"github.com/ripc-net/controller/internal/wire"
)

// onlineNodes abstracts the stage machine's current active-node set so
// worker can query it without importing internal/stage directly
// (mirrors the Dispatcher inversion: the reactor is the one package
// allowed to depend on stage, this keeps worker's own surface small
// and unit-testable with a stub).
type onlineNodes interface {
	OnlineNodes() []topo.NodeID
}

// Worker owns one epoll instance, one ctrl pipe, and every local
// channel whose self_id mod N equals its id. Grounded on the
// original's worker_main (main.cpp:608-765): ctrl-pipe command
// dispatch, POLLIN/POLLOUT/POLLERR handling, and a per-tick replay
// pass over its locally managed nodes.
type Worker struct {
	id    int
	epFD  int
	pipe  *ctrlPipe
	reg   *channel.Registry
	store *replay.Store

	managed []topo.NodeID // this worker's static node-affinity subset
	stage   onlineNodes

	stop chan struct{}
	done chan struct{}
}

func newWorker(id int, reg *channel.Registry, store *replay.Store, stage onlineNodes, allLocal []topo.NodeID, numWorkers int) (*Worker, error) {
	pipe, err := newCtrlPipe()
	if err != nil {
		return nil, err
	}
	epFD, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		pipe.close()
		return nil, err
	}
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(pipe.readFD)}
	if err := unix.EpollCtl(epFD, unix.EPOLL_CTL_ADD, pipe.readFD, &ev); err != nil {
		pipe.close()
		unix.Close(epFD)
		return nil, err
	}

	var managed []topo.NodeID
	for _, n := range allLocal {
		if int(n)%numWorkers == id {
			managed = append(managed, n)
		}
	}

	return &Worker{
		id:      id,
		epFD:    epFD,
		pipe:    pipe,
		reg:     reg,
		store:   store,
		managed: managed,
		stage:   stage,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

func (w *Worker) Stop() { close(w.stop) }

// Run is the worker's event loop: one goroutine, until Stop.
func (w *Worker) Run() {
	defer close(w.done)
	var events [64]unix.EpollEvent
	for {
		select {
		case <-w.stop:
			unix.Close(w.epFD)
			w.pipe.close()
			return
		default:
		}

		n, err := unix.EpollWait(w.epFD, events[:], int(config.ReactorTick.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			clog.Errorf("reactor: worker %d epoll_wait: %v", w.id, err)
			return
		}
		for i := 0; i < n; i++ {
			ev := events[i]
			if int(ev.Fd) == w.pipe.readFD {
				w.handleCtrl()
				continue
			}
			w.handleChannelEvent(int(ev.Fd), ev.Events)
		}

		w.replayTick()
	}
}

func (w *Worker) handleCtrl() {
	cmds, err := w.pipe.drain()
	if err != nil {
		clog.Warningf("reactor: worker %d ctrl pipe: %v", w.id, err)
		return
	}
	for _, c := range cmds {
		if c.op == cmdTerminate {
			w.Stop()
			continue
		}
		ch := installFromCmd(w.reg, c)
		if ch == nil {
			continue
		}
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT, Fd: c.fd}
		if err := unix.EpollCtl(w.epFD, unix.EPOLL_CTL_ADD, int(c.fd), &ev); err != nil {
			clog.Warningf("reactor: worker %d epoll_ctl add %d: %v", w.id, c.fd, err)
			w.reg.Remove(int(c.fd))
		}
	}
}

func (w *Worker) handleChannelEvent(fd int, events uint32) {
	ch, ok := w.reg.GetByFD(fd)
	if !ok {
		return
	}

	if channel.PollErr(events) == channel.ActionDestroy {
		unix.EpollCtl(w.epFD, unix.EPOLL_CTL_DEL, fd, nil)
		w.reg.Remove(fd)
		return
	}

	if events&unix.EPOLLOUT != 0 {
		if ch.State() == channel.ConnInProgress {
			ch.OnConnectOK(w.reg.Ports.Allocate(ch.SelfID, ch.PeerID))
		}
		if err := ch.PollOut(); err != nil {
			unix.EpollCtl(w.epFD, unix.EPOLL_CTL_DEL, fd, nil)
			w.reg.Remove(fd)
			return
		}
	}

	if events&unix.EPOLLIN != 0 {
		frames, err := ch.PollIn()
		if err != nil {
			unix.EpollCtl(w.epFD, unix.EPOLL_CTL_DEL, fd, nil)
			w.reg.Remove(fd)
			return
		}
		for _, frame := range frames {
			w.dispatchFrame(ch, frame)
		}
	}

	w.rearm(fd, ch)
}

// rearm keeps EPOLLIN always armed and EPOLLOUT armed only while the
// channel has queued egress bytes, avoiding spurious writable wakeups.
func (w *Worker) rearm(fd int, ch *channel.Local) {
	mask := uint32(unix.EPOLLIN)
	if ch.WantWrite() {
		mask |= unix.EPOLLOUT
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	unix.EpollCtl(w.epFD, unix.EPOLL_CTL_MOD, fd, &ev)
}

// dispatchFrame implements spec.md §4.7's per-message dispatch on a
// local channel's inbound stream.
func (w *Worker) dispatchFrame(ch *channel.Local, frame []byte) {
	hdr := wire.DecodeHeader(frame)
	switch hdr.Type {
	case wire.MsgSYN:
		if ch.State() != channel.Accepted {
			clog.Warningf("reactor: worker %d: SYN on channel in state %s", w.id, ch.State())
			return
		}
		// The SYN's own cli_port is ignored; the SYNACK carries the
		// port allocated for this node pair, as on the active side.
		ch.OnReceiveSyn(false, w.reg.Ports.Allocate(ch.SelfID, ch.PeerID))
	case wire.MsgPAYLOAD:
		body := wire.DecodePayload(frame)
		w.store.AddMsg(frame, body.SrcID, body.DstID)
	case wire.MsgSYNACK:
		clog.Warningf("reactor: worker %d: unexpected SYNACK on local channel %d/%d", w.id, ch.SelfID, ch.PeerID)
	default:
		clog.Warningf("reactor: worker %d: unexpected message type %v on local channel", w.id, hdr.Type)
	}
}

// replayTick gives every currently-online, locally-managed node one
// replay attempt per reactor cycle, per spec.md §4.5/§4.7.
func (w *Worker) replayTick() {
	if len(w.managed) == 0 {
		return
	}
	online := make(map[topo.NodeID]struct{}, len(w.managed))
	for _, n := range w.stage.OnlineNodes() {
		online[n] = struct{}{}
	}
	for _, n := range w.managed {
		if _, ok := online[n]; !ok {
			continue
		}
		w.store.NodeReplayOneMsg(n)
	}
}
