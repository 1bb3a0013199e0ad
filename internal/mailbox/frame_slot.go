package mailbox

import (
	"sync"
	"sync/atomic"

	"asicast/internal/frame"
)

// FrameSlot is a single-slot mailbox holding the most recent frame.
// Publish overwrites, it never queues: only the latest frame matters.
type FrameSlot struct {
	mu     sync.Mutex
	frame  *frame.Frame
	hasNew bool

	publishes  atomic.Uint64
	consumes   atomic.Uint64
	overwrites atomic.Uint64
}

// SlotStats is a snapshot of FrameSlot counters
type SlotStats struct {
	Publishes  uint64 `json:"publishes"`
	Consumes   uint64 `json:"consumes"`
	Overwrites uint64 `json:"overwrites"` // publishes that replaced an unconsumed frame
}

// NewFrameSlot creates an empty slot
func NewFrameSlot() *FrameSlot {
	return &FrameSlot{}
}

// Publish replaces the held frame and marks it as new.
// The caller must not modify f afterwards.
func (s *FrameSlot) Publish(f *frame.Frame) {
	s.mu.Lock()
	if s.hasNew {
		s.overwrites.Add(1)
	}
	s.frame = f
	s.hasNew = true
	s.mu.Unlock()

	s.publishes.Add(1)
}

// ConsumeIfChanged returns the held frame and clears the new flag if a frame
// was published since the last consume. It is the only way to clear the flag.
func (s *FrameSlot) ConsumeIfChanged() (*frame.Frame, bool) {
	s.mu.Lock()
	if !s.hasNew {
		s.mu.Unlock()
		return nil, false
	}
	f := s.frame
	s.hasNew = false
	s.mu.Unlock()

	s.consumes.Add(1)
	return f, true
}

// Peek returns the most recent frame without touching the new flag
func (s *FrameSlot) Peek() *frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frame
}

// Stats returns the slot counters
func (s *FrameSlot) Stats() SlotStats {
	return SlotStats{
		Publishes:  s.publishes.Load(),
		Consumes:   s.consumes.Load(),
		Overwrites: s.overwrites.Load(),
	}
}
