package session

import (
	"sync"

	domainsession "github.com/emil45/phantom/domain/session"
)

// Scrollback is a bounded byte ring: single-producer (the PTY reader)
// writes, single-consumer (attach-time drain) reads a snapshot. It is
// explicitly lossy at the oldest end — per spec.md §9, "a ring, not a
// log" — and never guarantees more than its capacity of replay.
type Scrollback struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

// NewScrollback returns a ring bounded to capBytes (DefaultScrollbackBytes
// if capBytes <= 0).
func NewScrollback(capBytes int) *Scrollback {
	if capBytes <= 0 {
		capBytes = domainsession.DefaultScrollbackBytes
	}
	return &Scrollback{cap: capBytes}
}

// Write appends chunk, dropping the oldest bytes once the ring exceeds its
// capacity.
func (s *Scrollback) Write(chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf = append(s.buf, chunk...)
	if len(s.buf) > s.cap {
		s.buf = append([]byte(nil), s.buf[len(s.buf)-s.cap:]...)
	}
}

// Snapshot returns a copy of the currently retained tail.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]byte, len(s.buf))
	copy(out, s.buf)
	return out
}
