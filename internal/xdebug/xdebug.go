//go:build !debug

// Package xdebug provides build-tag gated assertions for the
// programming-invariant class of error described in spec §7: mismatched
// channel state, unexpected message type, failure of a fundamental
// syscall. Built without -tags debug, every call here is a no-op so the
// hot path (reactor tick, replay loop) pays nothing for them.
package xdebug

// On reports whether the debug build tag is active.
func On() bool { return false }

// Assert panics with msg if cond is false, when built with -tags debug.
func Assert(_ bool, _ ...any) {}

// Assertf is Assert with a format string.
func Assertf(_ bool, _ string, _ ...any) {}

// AssertNoErr asserts err == nil.
func AssertNoErr(_ error) {}
