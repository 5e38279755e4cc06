package followup

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/FunnelPipe/internal/scheduler"
)

// DefaultSweepSchedule runs the sweep once a minute.
const DefaultSweepSchedule = "@every 1m"

// sweepTimeout bounds one sweep pass.
const sweepTimeout = 5 * time.Minute

// StartSweeping registers Sweep with the cron scheduler under expr.
func (s *Scheduler) StartSweeping(cron *scheduler.Scheduler, expr string) error {
	if expr == "" {
		expr = DefaultSweepSchedule
	}
	_, err := cron.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(s.ctx, sweepTimeout)
		defer cancel()
		if _, err := s.Sweep(ctx); err != nil {
			slog.Error("FollowUpScheduler.Sweep failed", "error", err)
		}
	})
	if err != nil {
		return err
	}
	slog.Info("FollowUpScheduler sweep registered", "schedule", expr)
	return nil
}
