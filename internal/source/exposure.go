package source

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"asicast/internal/control"
	"asicast/internal/frame"
)

// captureFunc runs one single-shot capture and returns the raw frame bytes
type captureFunc func(ctx context.Context, name string, args []string) ([]byte, error)

func captureOnce(ctx context.Context, name string, args []string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg capture failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

type exposureResult struct {
	pix []byte
	at  time.Time
	err error
}

// ExposureSource takes one exposure per frame with a single-shot ffmpeg run.
// An exposure that is still running when AcquireFrame times out is kept and
// collected by the next call instead of being restarted.
type ExposureSource struct {
	cfg      DeviceConfig
	logger   zerolog.Logger
	controls *deviceControls
	capture  captureFunc
	exposure atomic.Int64 // µs, used to bound each capture run

	mu        sync.Mutex
	opened    bool
	closed    bool
	streaming bool
	ctx       context.Context
	cancel    context.CancelFunc
	inflight  chan exposureResult
	seq       uint64
}

// NewExposureSource creates a single-shot ffmpeg capture source
func NewExposureSource(cfg DeviceConfig, logger zerolog.Logger) *ExposureSource {
	logger = logger.With().Str("component", "ExposureSource").Str("device", cfg.Device).Logger()
	s := &ExposureSource{
		cfg:      cfg,
		logger:   logger,
		controls: &deviceControls{cfg: cfg, run: runCommand, logger: logger},
		capture:  captureOnce,
	}
	s.exposure.Store(control.Defaults[control.Exposure])
	return s
}

func (s *ExposureSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.cfg.Width <= 0 || s.cfg.Height <= 0 {
		return fmt.Errorf("exposure source %s needs an explicit width and height", s.cfg.Name)
	}
	if _, err := exec.LookPath(s.cfg.ffmpegBin()); err != nil {
		return fmt.Errorf("ffmpeg not available: %w", err)
	}
	if err := deviceAccessible(s.cfg.Device); err != nil {
		return err
	}
	s.opened = true
	return nil
}

func (s *ExposureSource) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.opened {
		return fmt.Errorf("exposure source %s is not open", s.cfg.Name)
	}
	if s.streaming {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.streaming = true
	return nil
}

func (s *ExposureSource) StopStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.streaming {
		return nil
	}
	s.cancel()
	s.streaming = false
	s.inflight = nil
	return nil
}

func (s *ExposureSource) AcquireFrame(ctx context.Context, buf *frame.Frame, timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if !s.streaming {
		s.mu.Unlock()
		return ErrNotStreaming
	}
	if s.inflight == nil {
		s.inflight = make(chan exposureResult, 1)
		go s.expose(s.ctx, s.inflight)
	}
	inflight := s.inflight
	s.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var res exposureResult
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrTimeout
	case res = <-inflight:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight == inflight {
		s.inflight = nil
	}
	if res.err != nil {
		return res.err
	}

	s.seq++
	buf.Order = frame.OrderRGB
	buf.Resize(s.cfg.Width, s.cfg.Height)
	copy(buf.Pix, res.pix)
	buf.Seq = s.seq
	buf.CapturedAt = res.at
	return nil
}

// expose runs one capture and reports the result on ch
func (s *ExposureSource) expose(ctx context.Context, ch chan<- exposureResult) {
	exposure := time.Duration(s.exposure.Load()) * time.Microsecond
	ctx, cancel := context.WithTimeout(ctx, exposure+10*time.Second)
	defer cancel()

	start := time.Now()
	pix, err := s.capture(ctx, s.cfg.ffmpegBin(), s.cfg.captureArgs(1))
	if err == nil && len(pix) != s.cfg.Width*s.cfg.Height*frame.Channels {
		err = fmt.Errorf("capture returned %d bytes, want %d", len(pix), s.cfg.Width*s.cfg.Height*frame.Channels)
	}
	if err != nil {
		s.logger.Debug().Err(err).Dur("elapsed", time.Since(start)).Msg("exposure failed")
	}
	ch <- exposureResult{pix: pix, at: start, err: err}
}

func (s *ExposureSource) SetControlValue(id control.ID, value int64) error {
	if id == control.Exposure {
		s.exposure.Store(value)
	}
	return s.controls.set(id, value)
}

func (s *ExposureSource) Info() Info {
	return Info{
		Name:   s.cfg.Name,
		Driver: "ffmpeg",
		Mode:   ModeExposure,
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		Order:  frame.OrderRGB,
	}
}

func (s *ExposureSource) Close() error {
	err := s.StopStreaming()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
