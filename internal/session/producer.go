package session

import (
	"context"
	"errors"
	"time"

	"asicast/internal/control"
	"asicast/internal/frame"
	"asicast/internal/source"
)

const maxBackoff = 2 * time.Second

// RunProducer acquires frames, applies pending control changes and publishes
// throttled frames into the slot until ctx is done. Source errors are logged
// and never end the loop.
func (s *Session) RunProducer(ctx context.Context) error {
	buf := &frame.Frame{}
	var lastPublish time.Time
	published := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		if s.onDemand && !s.syncStreaming(ctx) {
			continue
		}

		err := s.source.AcquireFrame(ctx, buf, s.acquireTimeout)

		// Applied after every attempt so a change can rescue a source that
		// keeps failing with the current settings
		s.applyControls()

		switch {
		case err == nil:
			s.stats.acquired.Add(1)
			s.stats.consecutiveFailures.Store(0)

			now := s.clock.Now()
			s.stats.lastFrameUnixNano.Store(now.UnixNano())
			if published && now.Sub(lastPublish) < s.PublishInterval() {
				s.stats.throttled.Add(1)
				continue
			}
			// The slot keeps the clone; buf is reused for the next capture
			s.slot.Publish(buf.Clone())
			s.stats.published.Add(1)
			lastPublish = now
			published = true

		case ctx.Err() != nil:
			return nil

		case errors.Is(err, source.ErrTimeout):
			s.stats.timeouts.Add(1)
			s.logger.Debug().Dur("timeout", s.acquireTimeout).Msg("no frame within timeout")

		default:
			s.stats.acquireErrors.Add(1)
			failures := s.stats.consecutiveFailures.Add(1)
			s.logger.Warn().Err(err).Uint64("consecutive", failures).Msg("frame acquisition failed")
			if !s.backoff(ctx, failures) {
				return nil
			}
		}
	}
}

// backoff waits before retrying a failing source. Returns false when ctx is done.
func (s *Session) backoff(ctx context.Context, failures uint64) bool {
	d := time.Duration(failures) * 100 * time.Millisecond
	if d > maxBackoff {
		d = maxBackoff
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-s.wake:
		// Control or subscriber change, retry right away
		return true
	case <-t.C:
		return true
	}
}

// applyControls pushes every changed control to the source
func (s *Session) applyControls() {
	s.controls.Pending(func(id control.ID, value int64) {
		if err := s.source.SetControlValue(id, value); err != nil {
			s.stats.controlErrors.Add(1)
			if errors.Is(err, source.ErrUnsupportedControl) {
				s.logger.Debug().Err(err).Str("control", string(id)).Msg("control not supported")
				return
			}
			s.logger.Warn().Err(err).Str("control", string(id)).Int64("value", value).Msg("failed to apply control")
			return
		}
		s.stats.controlsApplied.Add(1)
		s.logger.Info().Str("control", string(id)).Int64("value", value).Msg("control applied")
	})
}

// syncStreaming starts or stops the source to match the subscriber count.
// It blocks while nobody is watching and reports whether the caller should
// acquire a frame.
func (s *Session) syncStreaming(ctx context.Context) bool {
	if s.wantStreaming.DidChange() {
		want := s.wantStreaming.Get()
		switch {
		case want && !s.streaming.Load():
			if err := s.source.StartStreaming(); err != nil {
				s.logger.Error().Err(err).Msg("failed to start streaming")
				s.wantStreaming.Set(true)
				s.backoff(ctx, s.stats.acquireErrors.Add(1))
				return false
			}
			s.streaming.Store(true)
			s.logger.Info().Msg("streaming started for subscribers")
		case !want && s.streaming.Load():
			if err := s.source.StopStreaming(); err != nil {
				s.logger.Warn().Err(err).Msg("failed to stop streaming")
			}
			s.streaming.Store(false)
			s.logger.Info().Msg("streaming stopped, no subscribers")
		}
	}

	if s.streaming.Load() {
		return true
	}

	s.applyControls()
	select {
	case <-ctx.Done():
	case <-s.wake:
	}
	return false
}
