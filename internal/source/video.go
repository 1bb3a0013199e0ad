package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"asicast/internal/control"
	"asicast/internal/frame"
)

// spawnFunc starts the capture process and returns its stdout and a wait func
type spawnFunc func(ctx context.Context, name string, args []string, logger zerolog.Logger) (io.ReadCloser, func() error, error)

func spawnProcess(ctx context.Context, name string, args []string, logger zerolog.Logger) (io.ReadCloser, func() error, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", name, err)
	}

	// Wait closes the stderr pipe, so the drain has to finish first
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		drainStderr(stderr, logger)
	}()
	wait := func() error {
		<-drained
		return cmd.Wait()
	}
	return stdout, wait, nil
}

const (
	restartBaseDelay = 500 * time.Millisecond
	restartMaxDelay  = 10 * time.Second
)

// restartDelay is the minimum gap before the next respawn after n
// consecutive restarts without a frame
func restartDelay(n int) time.Duration {
	if n >= 5 {
		return restartMaxDelay
	}
	return min(restartBaseDelay<<n, restartMaxDelay)
}

// VideoSource captures continuously through one long-running ffmpeg process
// emitting raw rgb24 frames. A reader goroutine keeps only the newest frame;
// AcquireFrame waits for a frame newer than the one it returned last. When
// ffmpeg exits, AcquireFrame reports the error and respawns it with backoff.
type VideoSource struct {
	cfg      DeviceConfig
	logger   zerolog.Logger
	controls *deviceControls
	spawn    spawnFunc

	mu        sync.Mutex
	opened    bool
	closed    bool
	streaming bool
	cancel    context.CancelFunc
	done      chan struct{}
	latest    []byte
	seq       uint64
	delivered uint64
	readErr   error
	ready     chan struct{}

	restarts    int
	lastRestart time.Time
}

// NewVideoSource creates a continuous ffmpeg capture source
func NewVideoSource(cfg DeviceConfig, logger zerolog.Logger) *VideoSource {
	logger = logger.With().Str("component", "VideoSource").Str("device", cfg.Device).Logger()
	return &VideoSource{
		cfg:      cfg,
		logger:   logger,
		controls: &deviceControls{cfg: cfg, run: runCommand, logger: logger},
		spawn:    spawnProcess,
		ready:    make(chan struct{}, 1),
	}
}

func (s *VideoSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if s.cfg.Width <= 0 || s.cfg.Height <= 0 {
		return fmt.Errorf("video source %s needs an explicit width and height", s.cfg.Name)
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

func (s *VideoSource) StartStreaming() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if !s.opened {
		return fmt.Errorf("video source %s is not open", s.cfg.Name)
	}
	if s.streaming {
		return nil
	}

	if err := s.spawnLocked(); err != nil {
		return err
	}
	s.streaming = true
	s.restarts = 0

	s.logger.Info().Int("width", s.cfg.Width).Int("height", s.cfg.Height).Int("fps", s.cfg.FPS).Msg("video capture started")
	return nil
}

// spawnLocked starts ffmpeg and a reader for it. Frames read before this
// call are never handed out.
func (s *VideoSource) spawnLocked() error {
	ctx, cancel := context.WithCancel(context.Background())
	stdout, wait, err := s.spawn(ctx, s.cfg.ffmpegBin(), s.cfg.captureArgs(0), s.logger)
	if err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.readErr = nil
	s.latest = nil
	s.delivered = s.seq
	go s.readLoop(stdout, wait, s.done)
	return nil
}

// restartLocked replaces an ffmpeg process that has exited
func (s *VideoSource) restartLocked() error {
	readErr := s.readErr
	s.cancel()
	s.restarts++
	s.lastRestart = time.Now()

	if err := s.spawnLocked(); err != nil {
		s.logger.Error().Err(err).Int("restarts", s.restarts).Msg("failed to restart video capture")
		return fmt.Errorf("%w (restart failed: %w)", readErr, err)
	}
	s.logger.Warn().Err(readErr).Int("restarts", s.restarts).Msg("video capture restarted")
	return nil
}

// readLoop reads fixed-size frames until the stream ends
func (s *VideoSource) readLoop(r io.ReadCloser, wait func() error, done chan struct{}) {
	defer close(done)
	defer r.Close()

	size := s.cfg.Width * s.cfg.Height * frame.Channels
	buf := make([]byte, size)

	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) {
				err = fmt.Errorf("truncated frame: %w", err)
			}
			if waitErr := wait(); waitErr != nil && !errors.Is(err, io.EOF) {
				err = fmt.Errorf("%v (ffmpeg: %w)", err, waitErr)
			} else if waitErr != nil {
				err = fmt.Errorf("ffmpeg exited: %w", waitErr)
			}
			s.mu.Lock()
			s.readErr = err
			s.mu.Unlock()
			s.notify()
			return
		}
		buf = s.deliver(buf)
	}
}

// deliver swaps buf in as the latest frame and returns a buffer to read into next
func (s *VideoSource) deliver(buf []byte) []byte {
	s.mu.Lock()
	s.latest, buf = buf, s.latest
	if buf == nil {
		buf = make([]byte, len(s.latest))
	}
	s.seq++
	s.restarts = 0
	s.mu.Unlock()

	s.notify()
	return buf
}

func (s *VideoSource) notify() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

func (s *VideoSource) AcquireFrame(ctx context.Context, buf *frame.Frame, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrClosed
		}
		if !s.streaming {
			s.mu.Unlock()
			return ErrNotStreaming
		}
		if s.seq > s.delivered {
			buf.Order = frame.OrderRGB
			buf.Resize(s.cfg.Width, s.cfg.Height)
			copy(buf.Pix, s.latest)
			buf.Seq = s.seq
			buf.CapturedAt = time.Now()
			s.delivered = s.seq
			s.mu.Unlock()
			return nil
		}
		if s.readErr != nil {
			if time.Since(s.lastRestart) < restartDelay(s.restarts) {
				err := s.readErr
				s.mu.Unlock()
				return err
			}
			if err := s.restartLocked(); err != nil {
				s.mu.Unlock()
				return err
			}
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return ErrTimeout
		case <-s.ready:
		}
	}
}

func (s *VideoSource) SetControlValue(id control.ID, value int64) error {
	return s.controls.set(id, value)
}

func (s *VideoSource) StopStreaming() error {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return nil
	}
	s.streaming = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info().Msg("video capture stopped")
	return nil
}

func (s *VideoSource) Info() Info {
	return Info{
		Name:   s.cfg.Name,
		Driver: "ffmpeg",
		Mode:   ModeVideo,
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		Order:  frame.OrderRGB,
	}
}

func (s *VideoSource) Close() error {
	err := s.StopStreaming()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}
