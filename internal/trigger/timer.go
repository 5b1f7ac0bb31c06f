package trigger

import (
	"context"
	"fmt"
	"time"
)

// Timer fires on a cron schedule or a fixed interval — exactly one of the
// two is set, matching graph.TriggerConfig's Cron/IntervalMinutes fields
// which are mutually exclusive by convention.
type Timer struct {
	schedule *cronSchedule
	interval time.Duration
	clock    func() time.Time // set by NewTimer; Run does not read it
}

// NewTimer builds a Timer from a graph.TriggerConfig's cron expression and
// interval-in-minutes; exactly one must be non-zero.
func NewTimer(cron string, intervalMinutes int) (*Timer, error) {
	switch {
	case cron != "" && intervalMinutes > 0:
		return nil, fmt.Errorf("trigger: timer cannot set both cron and intervalMinutes")
	case cron != "":
		sched, err := ParseCron(cron)
		if err != nil {
			return nil, err
		}
		return &Timer{schedule: sched, clock: time.Now}, nil
	case intervalMinutes > 0:
		return &Timer{interval: time.Duration(intervalMinutes) * time.Minute, clock: time.Now}, nil
	default:
		return nil, fmt.Errorf("trigger: timer needs either cron or intervalMinutes")
	}
}

// Run blocks, calling fire every time the schedule matches (cron, checked
// once a minute) or every interval, until ctx is cancelled.
func (t *Timer) Run(ctx context.Context, fire func()) {
	if t.schedule != nil {
		t.runCron(ctx, fire)
		return
	}
	t.runInterval(ctx, fire)
}

func (t *Timer) runCron(ctx context.Context, fire func()) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	lastFired := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			truncated := now.Truncate(time.Minute)
			if truncated.Equal(lastFired) {
				continue
			}
			if t.schedule.Matches(now) {
				lastFired = truncated
				fire()
			}
		}
	}
}

func (t *Timer) runInterval(ctx context.Context, fire func()) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fire()
		}
	}
}
