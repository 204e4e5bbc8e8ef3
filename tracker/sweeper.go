package tracker

import (
	"context"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSchedule runs the expiry sweep every minute
const DefaultSweepSchedule = "@every 1m"

// Sweeper runs ExpireStaleInvoices on a schedule
type Sweeper struct {
	tracker  *Tracker
	cron     *cron.Cron
	schedule string
}

// NewSweeper creates a sweeper with a cron schedule, e.g. "@every 30s". An
// empty schedule means DefaultSweepSchedule.
func NewSweeper(t *Tracker, schedule string) *Sweeper {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	return &Sweeper{
		tracker:  t,
		cron:     cron.New(cron.WithLogger(cron.DiscardLogger)),
		schedule: schedule,
	}
}

// Run sweeps on schedule until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		if _, err := s.tracker.ExpireStaleInvoices(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Error("Expiry sweep failed")
		}
	})
	if err != nil {
		return err
	}

	log.WithField("schedule", s.schedule).Info("Starting expiry sweeper")
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
