package node

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// monitor wraps a *cron.Cron that calls fn at >=10Hz, started and
// stopped alongside an archetype's run loop. The schedule is a fixed
// sub-100ms interval rather than a user-authored expression.
type monitor struct {
	c *cron.Cron
}

// everySchedule fires at a fixed interval. cron's own "@every" spec
// rounds anything under one second up to a second, so sub-second
// polling uses this Schedule instead.
type everySchedule time.Duration

func (d everySchedule) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// startMonitor registers fn to run every interval and starts the
// scheduler. An interval that is zero, negative or above 100ms is
// replaced by 50ms, so the poll rate never drops below 10Hz.
func startMonitor(ctx context.Context, interval time.Duration, logger *slog.Logger, name string, fn func(context.Context) error) *monitor {
	if interval <= 0 || interval > 100*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	c := cron.New(cron.WithSeconds())
	c.Schedule(everySchedule(interval), cron.FuncJob(func() {
		if err := fn(ctx); err != nil {
			logger.Warn("monitor tick error", "node", name, "err", err)
		}
	}))
	c.Start()
	return &monitor{c: c}
}

// stop drains the scheduler, blocking until any in-flight tick
// finishes.
func (m *monitor) stop() {
	if m.c == nil {
		return
	}
	ctx := m.c.Stop()
	<-ctx.Done()
}
