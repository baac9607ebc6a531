package ring

import (
	"bytes"
	"math/rand"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	b := New(8)
	if err := b.Put([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	out := make([]byte, 5)
	if n := b.Get(out); n != 5 {
		t.Fatalf("Get returned %d", n)
	}
	if string(out) != "hello" {
		t.Fatalf("got %q", out)
	}
}

func TestRoundTripAcrossWrapAndExpand(t *testing.T) {
	b := New(4)
	rng := rand.New(rand.NewSource(1))
	var sent, recvd bytes.Buffer
	for i := 0; i < 500; i++ {
		n := 1 + rng.Intn(6)
		chunk := make([]byte, n)
		rng.Read(chunk)
		b.EnsureWritable(n)
		if err := b.Put(chunk); err != nil {
			t.Fatalf("put: %v", err)
		}
		sent.Write(chunk)

		if rng.Intn(2) == 0 && b.Readable() > 0 {
			rn := 1 + rng.Intn(b.Readable())
			out := make([]byte, rn)
			got := b.Get(out)
			recvd.Write(out[:got])
		}
	}
	// drain remainder
	out := make([]byte, b.Readable())
	b.Get(out)
	recvd.Write(out)

	if !bytes.Equal(sent.Bytes(), recvd.Bytes()) {
		t.Fatalf("round trip mismatch: sent %d bytes, recvd %d bytes", sent.Len(), recvd.Len())
	}
}

func TestPutAtomicOnOverflow(t *testing.T) {
	b := New(4)
	if err := b.Put([]byte("ab")); err != nil {
		t.Fatal(err)
	}
	before := b.Readable()
	if err := b.Put([]byte("abcdefgh")); err != ErrWouldOverflow {
		t.Fatalf("expected ErrWouldOverflow, got %v", err)
	}
	if b.Readable() != before {
		t.Fatalf("Put mutated state on failure: before=%d after=%d", before, b.Readable())
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	b := New(8)
	b.Put([]byte("abcd"))
	out := make([]byte, 4)
	b.Peek(out)
	if b.Readable() != 4 {
		t.Fatalf("Peek advanced cursor: readable=%d", b.Readable())
	}
	b.Peek(out)
	if string(out) != "abcd" {
		t.Fatalf("second peek got different data: %q", out)
	}
}

func TestExpandPreservesContent(t *testing.T) {
	b := New(4)
	b.Put([]byte("ab"))
	b.Get(make([]byte, 1)) // advance r so w/r straddle the wrap point
	b.Put([]byte("cd"))
	b.Expand()
	if b.Capacity() != 8 {
		t.Fatalf("capacity = %d, want 8", b.Capacity())
	}
	out := make([]byte, b.Readable())
	b.Get(out)
	if string(out) != "bcd" {
		t.Fatalf("expand lost data: got %q", out)
	}
}
