package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/RSNA/isn-edge-server-prepare-content/pkg/core"
)

// Schedule defines when work should run next.
type Schedule interface {
	Next(from time.Time) time.Time
}

// everySchedule runs at fixed intervals.
type everySchedule struct {
	interval time.Duration
}

// Every creates a schedule that runs at fixed intervals.
func Every(d time.Duration) Schedule {
	return &everySchedule{interval: d}
}

func (s *everySchedule) Next(from time.Time) time.Time {
	return from.Add(s.interval)
}

// cronSchedule wraps a cron expression.
type cronSchedule struct {
	schedule cron.Schedule
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Cron creates a schedule from a five-field cron expression or a descriptor
// such as "@hourly" or "@every 15m".
func Cron(expr string) (Schedule, error) {
	schedule, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return &cronSchedule{schedule: schedule}, nil
}

func (s *cronSchedule) Next(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Run calls fn at every time s yields until ctx is done. Runs do not
// overlap: the next time is computed after fn returns.
func Run(ctx context.Context, clock core.Clock, s Schedule, fn func(context.Context)) error {
	for {
		now := clock.Now()
		next := s.Next(now)
		if next.IsZero() {
			return fmt.Errorf("schedule has no next run after %s", now.Format(time.RFC3339))
		}
		if err := clock.Sleep(ctx, next.Sub(now)); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(ctx)
	}
}
