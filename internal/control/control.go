package control

import (
	"fmt"
	"sort"

	"asicast/internal/mailbox"
)

// ID identifies a camera control parameter
type ID string

const (
	Gain      ID = "gain"
	Exposure  ID = "exposure" // microseconds
	WBRed     ID = "wb_r"
	WBBlue    ID = "wb_b"
	Bandwidth ID = "bandwidth"
)

// Known lists the controls in the order they are applied to a source
var Known = []ID{Gain, Exposure, WBRed, WBBlue, Bandwidth}

// Valid reports whether id is a known control
func (id ID) Valid() bool {
	for _, k := range Known {
		if k == id {
			return true
		}
	}
	return false
}

// Defaults are the values the camera is configured with when it opens
var Defaults = map[ID]int64{
	Gain:      300,
	Exposure:  100_000,
	WBRed:     45,
	WBBlue:    87,
	Bandwidth: 50,
}

// Set holds one exchange per control. The network side writes, the producer
// consumes and applies to the source.
type Set struct {
	exchanges map[ID]*mailbox.ScalarExchange[int64]
}

// NewSet creates exchanges for all known controls
func NewSet() *Set {
	s := &Set{exchanges: make(map[ID]*mailbox.ScalarExchange[int64], len(Known))}
	for _, id := range Known {
		s.exchanges[id] = &mailbox.ScalarExchange[int64]{}
	}
	return s
}

// Exchange returns the exchange for id, nil for unknown controls
func (s *Set) Exchange(id ID) *mailbox.ScalarExchange[int64] {
	return s.exchanges[id]
}

// Set stores a new value for id
func (s *Set) Set(id ID, value int64) error {
	x := s.exchanges[id]
	if x == nil {
		return fmt.Errorf("unknown control %q", id)
	}
	x.Set(value)
	return nil
}

// Seed stores every value in values, marking them pending so the producer
// pushes them to the source on its next iteration
func (s *Set) Seed(values map[ID]int64) {
	for id, v := range values {
		if x := s.exchanges[id]; x != nil {
			x.Set(v)
		}
	}
}

// Pending consumes every changed control and calls fn for each, in Known order
func (s *Set) Pending(fn func(id ID, value int64)) {
	for _, id := range Known {
		x := s.exchanges[id]
		if x.DidChange() {
			fn(id, x.Get())
		}
	}
}

// Snapshot returns the latest value of every control that has one
func (s *Set) Snapshot() map[ID]int64 {
	out := make(map[ID]int64, len(s.exchanges))
	for id, x := range s.exchanges {
		if v, ok := x.Last(); ok {
			out[id] = v
		}
	}
	return out
}

// IDs returns the control ids sorted by name
func IDs(values map[ID]int64) []ID {
	ids := make([]ID, 0, len(values))
	for id := range values {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
