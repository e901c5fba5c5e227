package scheduler

import (
	"context"
	"time"
)

// Run drives Poll until ctx ends. The loop sleeps on a timer armed for the
// next pacing slot or closure deadline and wakes early when a submission may
// have completed the head tick.
func (s *Scheduler) Run(ctx context.Context) error {
	timer := time.NewTimer(s.cfg.TickInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.wake:
		case <-timer.C:
		}

		now := s.clock.Now()
		s.Poll(now)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.untilNextWake(now))
	}
}
