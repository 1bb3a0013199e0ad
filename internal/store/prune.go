package store

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule checks a prune schedule: a five field cron expression or a
// descriptor such as @hourly or @every 6h
func ParseSchedule(spec string) (cron.Schedule, error) {
	return scheduleParser.Parse(spec)
}

// Pruner deletes session history older than the retention window on a cron
// schedule
type Pruner struct {
	store     *Store
	retention time.Duration
	keep      string
	sched     cron.Schedule
	logger    zerolog.Logger
	now       func() time.Time
}

// NewPruner creates a pruner. The session with id keep is never removed.
func NewPruner(st *Store, schedule string, retention time.Duration, keep string, logger zerolog.Logger) (*Pruner, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	return &Pruner{
		store:     st,
		retention: retention,
		keep:      keep,
		sched:     sched,
		logger:    logger.With().Str("component", "Pruner").Logger(),
		now:       time.Now,
	}, nil
}

// Prune removes everything older than the retention window once
func (p *Pruner) Prune(ctx context.Context) (int64, error) {
	n, err := p.store.DeleteOldSessions(ctx, p.now().Add(-p.retention), p.keep)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to prune sessions")
		return 0, err
	}
	if n > 0 {
		p.logger.Info().Int64("deleted", n).Dur("retention", p.retention).Msg("pruned old sessions")
	}
	return n, nil
}

// Run prunes once at startup, then on the schedule until ctx is done
func (p *Pruner) Run(ctx context.Context) error {
	p.Prune(ctx)

	c := cron.New(cron.WithParser(scheduleParser))
	c.Schedule(p.sched, cron.FuncJob(func() {
		p.Prune(ctx)
	}))
	c.Start()
	p.logger.Debug().Time("next", p.sched.Next(p.now())).Msg("session pruning scheduled")

	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
