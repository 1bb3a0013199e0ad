package mailbox

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"asicast/internal/frame"
)

func testFrame(seq uint64) *frame.Frame {
	f := frame.New(2, 2, frame.OrderRGB)
	f.Seq = seq
	return f
}

func TestFrameSlotOnlyLastPublishIsReturned(t *testing.T) {
	s := NewFrameSlot()
	for i := uint64(1); i <= 5; i++ {
		s.Publish(testFrame(i))
	}

	f, ok := s.ConsumeIfChanged()
	require.True(t, ok)
	assert.Equal(t, uint64(5), f.Seq)

	stats := s.Stats()
	assert.Equal(t, uint64(5), stats.Publishes)
	assert.Equal(t, uint64(4), stats.Overwrites)
	assert.Equal(t, uint64(1), stats.Consumes)
}

func TestFrameSlotDrainIsIdempotent(t *testing.T) {
	s := NewFrameSlot()

	_, ok := s.ConsumeIfChanged()
	assert.False(t, ok, "empty slot must not report a frame")

	s.Publish(testFrame(1))
	f, ok := s.ConsumeIfChanged()
	require.True(t, ok)
	assert.Equal(t, uint64(1), f.Seq)

	f, ok = s.ConsumeIfChanged()
	assert.False(t, ok)
	assert.Nil(t, f)

	// Peek still sees the frame after it was consumed
	assert.Equal(t, uint64(1), s.Peek().Seq)
}

func TestFrameSlotConcurrentPublishConsume(t *testing.T) {
	s := NewFrameSlot()
	const n = 2000

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= n; i++ {
			s.Publish(testFrame(i))
		}
	}()

	var last uint64
	for last < n {
		if f, ok := s.ConsumeIfChanged(); ok {
			require.Greater(t, f.Seq, last, "consumer must never go back in time")
			last = f.Seq
		}
	}
	wg.Wait()

	_, ok := s.ConsumeIfChanged()
	assert.False(t, ok)
}

func TestScalarExchangeLastWriteWins(t *testing.T) {
	var x ScalarExchange[int]
	assert.False(t, x.DidChange())

	x.Set(3)
	x.Set(7)
	require.True(t, x.DidChange())
	assert.Equal(t, 7, x.Get())
	assert.False(t, x.DidChange())

	// A Get without a pending value returns the last one again
	assert.Equal(t, 7, x.Get())
	v, ok := x.Last()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestScalarExchangeZeroValue(t *testing.T) {
	var x ScalarExchange[int64]
	assert.Equal(t, int64(0), x.Get())
	_, ok := x.Last()
	assert.False(t, ok)
}

func TestScalarExchangeNoLostOrPhantomUpdates(t *testing.T) {
	var x ScalarExchange[int]
	const n = 10000

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= n; i++ {
			x.Set(i)
		}
	}()

	last := 0
	for {
		select {
		case <-done:
			if x.DidChange() {
				last = x.Get()
			}
			assert.Equal(t, n, last, "final value must not be lost")
			assert.False(t, x.DidChange())
			return
		default:
		}
		if x.DidChange() {
			v := x.Get()
			require.Greater(t, v, last, "a consumed value must never be observed again")
			last = v
		}
	}
}
