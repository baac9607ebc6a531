// Package ring implements the single-producer/single-consumer bounded
// byte queue described in spec.md §4.1: a contiguous-view ring buffer
// over a file descriptor, backed by a growable []byte with
// monotonically increasing 64-bit read/write cursors modulo capacity.
//
// Grounded on the teacher's memsys slab-pooling idiom (a_test.go) for
// buffer reuse and on transport/pdu.go's roff/woff cursor pair for the
// read/write offset bookkeeping; expand() and the two-fd syscalls are
// the controller's own addition since the teacher's transport layer
// runs over net.Conn rather than raw non-blocking fds.
package ring

import (
	"errors"
	"io"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// ErrWouldOverflow is returned by Put when the buffer cannot hold len(src).
var ErrWouldOverflow = errors.New("ring: writable() < len(src)")

// expandCount is a process-wide tally of every Expand call across every
// Buffer, read by internal/metrics for the ring-buffer expand counter.
var expandCount int64

// ExpandCount returns the number of Expand calls across all buffers in
// this process since start.
func ExpandCount() int64 { return atomic.LoadInt64(&expandCount) }

// Buffer is NOT safe for concurrent use by more than one reader and one
// writer; Expand must never be called while another goroutine is
// reading or writing the same Buffer (spec.md §4.1).
type Buffer struct {
	buf  []byte
	r, w uint64 // cursors, monotonically increasing, never wrap themselves
}

// New allocates a ring with the given initial capacity. Per spec.md
// §3, local channels start both rings at 4 KiB.
func New(initialCapacity int) *Buffer {
	return &Buffer{buf: make([]byte, initialCapacity)}
}

func (b *Buffer) Capacity() int { return len(b.buf) }

func (b *Buffer) Readable() int { return int(b.w - b.r) }

func (b *Buffer) Writable() int { return len(b.buf) - b.Readable() }

func (b *Buffer) idx(cursor uint64) int { return int(cursor % uint64(len(b.buf))) }

// Put performs an all-or-nothing write: it either copies all of src in
// or mutates nothing and returns ErrWouldOverflow.
func (b *Buffer) Put(src []byte) error {
	if len(src) > b.Writable() {
		return ErrWouldOverflow
	}
	b.writeAt(b.w, src)
	b.w += uint64(len(src))
	return nil
}

func (b *Buffer) writeAt(cursor uint64, src []byte) {
	start := b.idx(cursor)
	n := copy(b.buf[start:], src)
	if n < len(src) {
		copy(b.buf, src[n:])
	}
}

// Peek copies up to len(dst) readable bytes into dst without advancing
// the read cursor. Returns the number of bytes copied.
func (b *Buffer) Peek(dst []byte) int {
	n := len(dst)
	if n > b.Readable() {
		n = b.Readable()
	}
	b.readAt(b.r, dst[:n])
	return n
}

// Get is Peek followed by advancing the read cursor by the bytes copied.
func (b *Buffer) Get(dst []byte) int {
	n := b.Peek(dst)
	b.r += uint64(n)
	return n
}

func (b *Buffer) readAt(cursor uint64, dst []byte) {
	start := b.idx(cursor)
	n := copy(dst, b.buf[start:])
	if n < len(dst) {
		copy(dst[n:], b.buf[:len(dst)-n])
	}
}

// freeWindows returns the (possibly two, when wrapped) contiguous
// writable spans, in write order, each ready to be handed to readv(2)
// or a plain Read.
func (b *Buffer) freeWindows() [][]byte {
	writable := b.Writable()
	if writable == 0 {
		return nil
	}
	start := b.idx(b.w)
	if start+writable <= len(b.buf) {
		return [][]byte{b.buf[start : start+writable]}
	}
	first := b.buf[start:]
	second := b.buf[:writable-len(first)]
	return [][]byte{first, second}
}

// readyWindows returns the (possibly two) contiguous readable spans,
// in read order, ready to be handed to writev(2).
func (b *Buffer) readyWindows() [][]byte {
	readable := b.Readable()
	if readable == 0 {
		return nil
	}
	start := b.idx(b.r)
	if start+readable <= len(b.buf) {
		return [][]byte{b.buf[start : start+readable]}
	}
	first := b.buf[start:]
	second := b.buf[:readable-len(first)]
	return [][]byte{first, second}
}

// ReadFromFD fills the free windows (possibly wrapping) via up to two
// non-blocking reads and advances the write cursor by the total bytes
// read. If the first read fails before any bytes are transferred, its
// errno is returned, except EAGAIN/EWOULDBLOCK, which yields (0, nil);
// end of stream with nothing read yields io.EOF. A partial transfer is
// never discarded.
func (b *Buffer) ReadFromFD(fd int) (int, error) {
	windows := b.freeWindows()
	total := 0
	for _, w := range windows {
		if len(w) == 0 {
			continue
		}
		n, err := unix.Read(fd, w)
		if n > 0 {
			total += n
			b.w += uint64(n)
		}
		if err != nil {
			if total > 0 {
				return total, nil
			}
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return 0, nil
			}
			return 0, err
		}
		if n == 0 {
			if total > 0 {
				return total, nil
			}
			return 0, io.EOF
		}
		if n < len(w) {
			// short read: fd ran dry, don't attempt the second window now
			break
		}
	}
	return total, nil
}

// WriteToFD flushes the readable windows via a single scatter write
// (writev) and advances the read cursor by
// the bytes actually transferred; callers must not assume a full
// flush.
func (b *Buffer) WriteToFD(fd int) (int, error) {
	windows := b.readyWindows()
	if len(windows) == 0 {
		return 0, nil
	}
	n, err := unix.Writev(fd, windows)
	if n > 0 {
		// a partial write leaves the rest for the next writable event
		b.r += uint64(n)
	}
	if err != nil {
		if n > 0 {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return 0, nil
		}
		return 0, err
	}
	return n, nil
}

// Expand doubles capacity, copying current contents to offset 0 and
// resetting cursors to (0, used). Data is never lost.
func (b *Buffer) Expand() {
	used := b.Readable()
	newCap := len(b.buf) * 2
	if newCap == 0 {
		newCap = 1
	}
	nb := make([]byte, newCap)
	b.Peek(nb[:used])
	b.buf = nb
	b.r, b.w = 0, uint64(used)
	atomic.AddInt64(&expandCount, 1)
}

// EnsureWritable grows the ring (doubling) until it can hold n more
// bytes without overflow.
func (b *Buffer) EnsureWritable(n int) {
	for b.Writable() < n {
		b.Expand()
	}
}
