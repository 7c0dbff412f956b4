package session

import "sync"

// defaultScrollbackSize bounds how much shell output a detached session
// retains for replay (1 MiB).
const defaultScrollbackSize = 1024 * 1024

// Scrollback is a bounded byte buffer holding shell output produced while no
// client link is attached. When the buffer exceeds its cap, the oldest bytes
// are trimmed from the front.
type Scrollback struct {
	mu     sync.Mutex
	data   []byte
	maxLen int
}

// NewScrollback creates a buffer with the given cap; non-positive means the
// default.
func NewScrollback(maxLen int) *Scrollback {
	if maxLen <= 0 {
		maxLen = defaultScrollbackSize
	}
	return &Scrollback{maxLen: maxLen}
}

// Write appends p, trimming from the front past the cap.
func (s *Scrollback) Write(p []byte) {
	s.mu.Lock()
	s.data = append(s.data, p...)
	if len(s.data) > s.maxLen {
		s.data = s.data[len(s.data)-s.maxLen:]
	}
	s.mu.Unlock()
}

// Drain returns the buffered bytes and empties the buffer.
func (s *Scrollback) Drain() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.data
	s.data = nil
	return out
}

// Len reports the buffered byte count.
func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}
