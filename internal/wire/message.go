package wire

import "sync/atomic"

// Message is the reference-counted, variable-length framed byte buffer
// described in spec.md §3: owned by whichever path currently needs it,
// shared between the ingest path and the replay store once captured.
// Grounded on the teacher's transport.Obj ref-counting field
// (prc *atomic.Int64), generalized here into a small standalone type
// since the controller's messages are plain byte buffers, not streamed
// object readers.
type Message struct {
	Frame []byte // full frame: header + body, length == capacity in use
	refs  int32
}

// NewMessage takes ownership of frame without copying.
func NewMessage(frame []byte) *Message {
	return &Message{Frame: frame, refs: 1}
}

// Retain increments the reference count and returns the same message,
// for the second (and further) owner of a captured message (e.g. the
// replay store alongside the ingest path that just delivered it).
func (m *Message) Retain() *Message {
	atomic.AddInt32(&m.refs, 1)
	return m
}

// Release decrements the reference count; the caller must not touch
// Frame after a Release that drops the count to zero.
func (m *Message) Release() {
	atomic.AddInt32(&m.refs, -1)
}

func (m *Message) Header() Header { return DecodeHeader(m.Frame) }
func (m *Message) Len() int       { return len(m.Frame) }
