package session

import (
	"context"
	"time"
)

// RunBroadcaster publishes the newest frame on every tick until ctx is done
func (s *Session) RunBroadcaster(ctx context.Context) error {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.broadcastTick()
		}
	}
}

// broadcastTick encodes and publishes the slot frame if it changed since
// the last tick. It reports whether anything was published.
func (s *Session) broadcastTick() bool {
	f, ok := s.slot.ConsumeIfChanged()
	if !ok {
		return false
	}

	enc := s.preview
	if s.OutputMode() == OutputHistogram {
		enc = s.histogram
	}

	// Encoding runs outside the slot lock; the published frame is immutable
	data, err := enc.Encode(f)
	if err != nil {
		s.stats.encodeErrors.Add(1)
		s.logger.Warn().Err(err).Uint64("seq", f.Seq).Msg("failed to encode frame")
		return false
	}

	s.last.Store(&snapshot{data: data, seq: f.Seq, at: s.clock.Now()})
	for _, fn := range s.listeners {
		fn(data)
	}

	clients := s.broadcaster.Publish(s.topic, []byte(enc.TextSafe(data)))
	s.stats.broadcasts.Add(1)
	s.logger.Debug().Uint64("seq", f.Seq).Int("bytes", len(data)).Int("clients", clients).Msg("frame broadcast")
	return true
}
