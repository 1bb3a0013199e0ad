package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	"asicast/internal/control"
	"asicast/internal/frame"
)

// SyntheticSource generates a moving test pattern. It honours gain and white
// balance so control round trips are visible without a camera attached.
//
// In video mode a frame is ready every 1/FPS. In exposure mode each frame
// needs one exposure of the configured length; an exposure that outlasts the
// acquire timeout keeps running and is picked up by the next call.
type SyntheticSource struct {
	name   string
	mode   Mode
	width  int
	height int
	period time.Duration

	mu        sync.Mutex
	opened    bool
	closed    bool
	streaming bool
	seq       uint64
	nextFrame time.Time // video mode: when the next frame is due
	exposing  bool
	exposeEnd time.Time // exposure mode: when the running exposure completes
	controls  map[control.ID]int64
}

// NewSyntheticSource creates a test-pattern source
func NewSyntheticSource(name string, mode Mode, width, height, fps int) *SyntheticSource {
	if fps <= 0 {
		fps = 30
	}
	return &SyntheticSource{
		name:     name,
		mode:     mode,
		width:    width,
		height:   height,
		period:   time.Second / time.Duration(fps),
		controls: make(map[control.ID]int64),
	}
}

func (s *SyntheticSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.width <= 0 || s.height <= 0 {
		return fmt.Errorf("invalid synthetic frame size %dx%d", s.width, s.height)
	}
	for id, v := range control.Defaults {
		s.controls[id] = v
	}
	s.opened = true
	return nil
}

func (s *SyntheticSource) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.opened {
		return fmt.Errorf("synthetic source %s is not open", s.name)
	}
	s.streaming = true
	s.nextFrame = time.Now().Add(s.period)
	return nil
}

func (s *SyntheticSource) StopStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streaming = false
	s.exposing = false
	return nil
}

func (s *SyntheticSource) AcquireFrame(ctx context.Context, buf *frame.Frame, timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.streaming {
		s.mu.Unlock()
		return ErrNotStreaming
	}

	now := time.Now()
	var due time.Time
	if s.mode == ModeExposure {
		if !s.exposing {
			s.exposing = true
			s.exposeEnd = now.Add(time.Duration(s.controls[control.Exposure]) * time.Microsecond)
		}
		due = s.exposeEnd
	} else {
		if s.nextFrame.Before(now) {
			// Behind schedule: deliver now and realign
			s.nextFrame = now
		}
		due = s.nextFrame
	}
	s.mu.Unlock()

	wait := time.Until(due)
	if wait > timeout {
		if err := sleepCtx(ctx, timeout); err != nil {
			return err
		}
		return ErrTimeout
	}
	if err := sleepCtx(ctx, wait); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.streaming {
		return ErrNotStreaming
	}
	s.seq++
	s.exposing = false
	s.nextFrame = due.Add(s.period)

	buf.Order = frame.OrderRGB
	buf.Resize(s.width, s.height)
	buf.Seq = s.seq
	buf.CapturedAt = time.Now()
	s.render(buf)
	return nil
}

func (s *SyntheticSource) SetControlValue(id control.ID, value int64) error {
	if !id.Valid() {
		return fmt.Errorf("%w: %s", ErrUnsupportedControl, id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.controls[id] = value
	return nil
}

// ControlValue returns the value last applied for id
func (s *SyntheticSource) ControlValue(id control.ID) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.controls[id]
}

func (s *SyntheticSource) Info() Info {
	return Info{
		Name:   s.name,
		Driver: "synthetic",
		Mode:   s.mode,
		Width:  s.width,
		Height: s.height,
		Order:  frame.OrderRGB,
	}
}

func (s *SyntheticSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.streaming = false
	return nil
}

// render draws diagonal color bands drifting with the sequence number.
// Called with s.mu held.
func (s *SyntheticSource) render(buf *frame.Frame) {
	gain := float64(s.controls[control.Gain]) / float64(control.Defaults[control.Gain])
	wbR := float64(s.controls[control.WBRed]) / float64(control.Defaults[control.WBRed])
	wbB := float64(s.controls[control.WBBlue]) / float64(control.Defaults[control.WBBlue])
	shift := int(s.seq * 4)

	for y := 0; y < buf.Height; y++ {
		row := buf.Pix[y*buf.Width*frame.Channels:]
		for x := 0; x < buf.Width; x++ {
			v := float64((x+y+shift)&0xff) * gain
			i := x * frame.Channels
			row[i] = clamp8(v * wbR)
			row[i+1] = clamp8(float64((x-y+shift)&0xff) * gain)
			row[i+2] = clamp8(v * wbB)
		}
	}
}

func clamp8(v float64) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
