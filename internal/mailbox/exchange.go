package mailbox

import "sync/atomic"

// ScalarExchange passes the latest value of a setting from one goroutine to
// another without a queue. Set is last-write-wins; Get consumes.
//
// Every Set stores a fresh cell in both pointers. Get swaps the pending cell
// out, so a consumed cell is never reported again and a Set that
// happened-before Get is always the one returned.
type ScalarExchange[T any] struct {
	pending atomic.Pointer[T]
	last    atomic.Pointer[T]
}

// Set stores v and marks the exchange dirty
func (x *ScalarExchange[T]) Set(v T) {
	p := &v
	x.last.Store(p)
	x.pending.Store(p)
}

// DidChange reports whether a value was set since the last Get
func (x *ScalarExchange[T]) DidChange() bool {
	return x.pending.Load() != nil
}

// Get clears the dirty flag and returns the stored value.
// Without a pending value it returns the last stored one (zero if never set).
func (x *ScalarExchange[T]) Get() T {
	if p := x.pending.Swap(nil); p != nil {
		return *p
	}
	if p := x.last.Load(); p != nil {
		return *p
	}
	var zero T
	return zero
}

// Last returns the latest stored value without consuming it
func (x *ScalarExchange[T]) Last() (T, bool) {
	if p := x.last.Load(); p != nil {
		return *p, true
	}
	var zero T
	return zero, false
}
