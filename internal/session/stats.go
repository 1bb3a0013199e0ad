package session

import (
	"sync/atomic"
	"time"

	"asicast/internal/mailbox"
)

type counters struct {
	acquired            atomic.Uint64
	published           atomic.Uint64
	throttled           atomic.Uint64
	timeouts            atomic.Uint64
	acquireErrors       atomic.Uint64
	consecutiveFailures atomic.Uint64
	controlsApplied     atomic.Uint64
	controlErrors       atomic.Uint64
	broadcasts          atomic.Uint64
	encodeErrors        atomic.Uint64
	commands            atomic.Uint64
	badCommands         atomic.Uint64
	lastFrameUnixNano   atomic.Int64
}

// Stats is a point-in-time view of the session counters
type Stats struct {
	SessionID           string            `json:"session_id"`
	Streaming           bool              `json:"streaming"`
	OutputMode          string            `json:"output_mode"`
	PublishInterval     string            `json:"publish_interval"`
	FramesAcquired      uint64            `json:"frames_acquired"`
	FramesPublished     uint64            `json:"frames_published"`
	FramesThrottled     uint64            `json:"frames_throttled"`
	AcquireTimeouts     uint64            `json:"acquire_timeouts"`
	AcquireErrors       uint64            `json:"acquire_errors"`
	ConsecutiveFailures uint64            `json:"consecutive_failures"`
	ControlsApplied     uint64            `json:"controls_applied"`
	ControlErrors       uint64            `json:"control_errors"`
	Broadcasts          uint64            `json:"broadcasts"`
	EncodeErrors        uint64            `json:"encode_errors"`
	Commands            uint64            `json:"commands"`
	BadCommands         uint64            `json:"bad_commands"`
	LastFrameAt         *time.Time        `json:"last_frame_at,omitempty"`
	Slot                mailbox.SlotStats `json:"slot"`
}

// Stats returns the current counters
func (s *Session) Stats() Stats {
	st := Stats{
		SessionID:           s.id,
		Streaming:           s.Streaming(),
		OutputMode:          s.OutputMode().String(),
		PublishInterval:     s.PublishInterval().String(),
		FramesAcquired:      s.stats.acquired.Load(),
		FramesPublished:     s.stats.published.Load(),
		FramesThrottled:     s.stats.throttled.Load(),
		AcquireTimeouts:     s.stats.timeouts.Load(),
		AcquireErrors:       s.stats.acquireErrors.Load(),
		ConsecutiveFailures: s.stats.consecutiveFailures.Load(),
		ControlsApplied:     s.stats.controlsApplied.Load(),
		ControlErrors:       s.stats.controlErrors.Load(),
		Broadcasts:          s.stats.broadcasts.Load(),
		EncodeErrors:        s.stats.encodeErrors.Load(),
		Commands:            s.stats.commands.Load(),
		BadCommands:         s.stats.badCommands.Load(),
		Slot:                s.slot.Stats(),
	}
	if ns := s.stats.lastFrameUnixNano.Load(); ns != 0 {
		t := time.Unix(0, ns)
		st.LastFrameAt = &t
	}
	return st
}
