package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweepable is anything with expired entries to drop.
type Sweepable interface {
	Sweep() int
	Len() int
}

// ParseSchedule validates a five-field cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	return sched, nil
}

// StartSweeper runs target.Sweep on every tick of the cron schedule until ctx is done.
// The returned channel closes when the loop exits. onSweep, when set, receives the live
// entry count after each pass.
func StartSweeper(ctx context.Context, expr string, target Sweepable, logger *slog.Logger, onSweep func(live int)) (<-chan struct{}, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			now := time.Now()
			next := sched.Next(now)
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}

			removed := target.Sweep()
			live := target.Len()
			if removed > 0 {
				logger.Info("expired sessions swept", slog.Int("removed", removed), slog.Int("live", live))
			}
			if onSweep != nil {
				onSweep(live)
			}
		}
	}()
	logger.Info("session sweeper scheduled", slog.String("cron", expr))
	return done, nil
}
