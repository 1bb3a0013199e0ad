package session

import (
	"context"
	"fmt"
	"time"

	"asicast/internal/control"
)

// HandleCommand applies a text command received from a subscriber.
// Malformed commands return a *control.ParseError and change nothing;
// unknown ones are ignored.
func (s *Session) HandleCommand(ctx context.Context, text string) error {
	cmd, err := control.Parse(text)
	if err != nil {
		s.stats.badCommands.Add(1)
		s.logger.Warn().Err(err).Msg("malformed command")
		return err
	}

	switch cmd.Kind {
	case control.KindSet:
		if err := s.controls.Set(cmd.Control, cmd.Value); err != nil {
			s.stats.badCommands.Add(1)
			return err
		}
		s.stats.commands.Add(1)
		s.logger.Debug().Str("control", string(cmd.Control)).Int64("value", cmd.Value).Msg("control requested")
		s.poke()
		s.persist(ctx, cmd.Control, cmd.Value)

	case control.KindSwitchOutput:
		s.stats.commands.Add(1)
		mode := s.ToggleOutput()
		s.logger.Info().Str("mode", mode.String()).Msg("output mode switched")

	case control.KindStartCapture:
		s.logger.Info().Int64("frames", cmd.Value).Msg("frame capture to disk is not supported, ignoring")

	default:
		s.logger.Debug().Str("message", cmd.Raw).Msg("ignoring unknown command")
	}
	return nil
}

// ResetControl returns id to its default value and forgets the value saved
// for it
func (s *Session) ResetControl(ctx context.Context, id control.ID) (int64, error) {
	value, ok := s.defaults[id]
	if !ok {
		return 0, fmt.Errorf("unknown control %q", id)
	}
	if err := s.controls.Set(id, value); err != nil {
		return 0, err
	}
	s.stats.commands.Add(1)
	s.logger.Info().Str("control", string(id)).Int64("value", value).Msg("control reset")
	s.poke()

	if s.store != nil {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.store.DeleteControl(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("control", string(id)).Msg("failed to forget saved control")
		}
	}
	return value, nil
}

func (s *Session) persist(ctx context.Context, id control.ID, value int64) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.SaveControl(ctx, id, value); err != nil {
		s.logger.Warn().Err(err).Str("control", string(id)).Msg("failed to persist control")
	}
}
