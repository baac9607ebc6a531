package channel

import "testing"

func TestPortAllocationDeterminism(t *testing.T) {
	s := NewPortStore()

	p1a := s.Allocate(5, 3)
	p1b := s.Allocate(3, 5)
	if p1a != p1b {
		t.Fatalf("order-dependent allocation: (5,3)=%d (3,5)=%d", p1a, p1b)
	}
	if p1a != firstPort {
		t.Fatalf("first allocation = %d, want %d", p1a, firstPort)
	}

	p2a := s.Allocate(7, 3)
	p2b := s.Allocate(3, 7)
	if p2a != p2b {
		t.Fatalf("order-dependent allocation: (7,3)=%d (3,7)=%d", p2a, p2b)
	}
	if p2a != p1a+1 {
		t.Fatalf("second pair with same max endpoint should be p1+1: got %d, p1=%d", p2a, p1a)
	}

	// re-allocating returns the cached value
	if again := s.Allocate(5, 3); again != p1a {
		t.Fatalf("re-allocation changed value: %d != %d", again, p1a)
	}
}

func TestPortAllocationDistinctMaxEndpoints(t *testing.T) {
	s := NewPortStore()
	p1 := s.Allocate(1, 2)
	p2 := s.Allocate(1, 9)
	if p1 != p2 {
		t.Fatalf("distinct max endpoints should draw from independent counters: %d != %d", p1, p2)
	}
	if p1 != firstPort || p2 != firstPort {
		t.Fatalf("each distinct max endpoint should start at %d: got %d, %d", firstPort, p1, p2)
	}
}
