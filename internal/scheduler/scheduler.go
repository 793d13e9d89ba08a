package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	// DefaultMultiplier tolerates one missed tick before the next poll.
	DefaultMultiplier = 2
	// DefaultMargin absorbs source-side publishing delay and jitter.
	DefaultMargin = 10 * time.Second
)

// State holds the two most recently observed source timestamps.
type State struct {
	Previous time.Time
	Latest   time.Time
}

// Interval returns Latest - Previous.
func (s State) Interval() time.Duration {
	return s.Latest.Sub(s.Previous)
}

// IsZero reports whether the state was never initialised.
func (s State) IsZero() bool {
	return s.Previous.IsZero() && s.Latest.IsZero()
}

// Plan describes one computed wait.
type Plan struct {
	Now      time.Time
	Interval time.Duration
	Target   time.Time
	Delay    time.Duration
	// Overdue is set when the target already lies in the past: the source is
	// stale or the clocks disagree.
	Overdue bool
	// Degenerate is set when Latest does not follow Previous. No wait is performed.
	Degenerate bool
}

// Options tune scheduler behaviour.
type Options struct {
	Multiplier int
	Margin     time.Duration
	// Now overrides the clock, used by tests.
	Now func() time.Time
}

// Scheduler computes how long to suspend until the next sample is expected.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) *Scheduler {
	if opts.Multiplier <= 0 {
		opts.Multiplier = DefaultMultiplier
	}
	if opts.Margin < 0 {
		panic("scheduler margin must not be negative")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{opts: opts, logger: logger.With().Str("component", "scheduler").Logger()}
}

// Plan computes the wake-up target for state at now:
// target = latest + multiplier*(latest-previous) + margin, delay = max(0, target-now).
func (s *Scheduler) Plan(state State, now time.Time) Plan {
	now = now.UTC()
	interval := state.Interval()
	plan := Plan{Now: now, Interval: interval}

	if interval <= 0 {
		plan.Degenerate = true
		plan.Target = now
		return plan
	}

	plan.Target = state.Latest.UTC().Add(time.Duration(s.opts.Multiplier)*interval + s.opts.Margin)
	plan.Delay = plan.Target.Sub(now)
	if plan.Delay <= 0 {
		plan.Delay = 0
		plan.Overdue = true
	}
	return plan
}

// Wait blocks until the planned target, returning early with ctx.Err() on cancellation.
func (s *Scheduler) Wait(ctx context.Context, state State) (Plan, error) {
	plan := s.Plan(state, s.opts.Now())

	event := s.logger.Info()
	if plan.Degenerate || plan.Overdue {
		event = s.logger.Warn()
	}
	event.Time("previous", state.Previous).
		Time("latest", state.Latest).
		Time("now", plan.Now).
		Time("target", plan.Target).
		Dur("interval", plan.Interval).
		Dur("delay", plan.Delay).
		Bool("overdue", plan.Overdue).
		Bool("degenerate", plan.Degenerate).
		Msg(planMessage(plan))

	if err := Sleep(ctx, plan.Delay); err != nil {
		return plan, err
	}
	return plan, nil
}

func planMessage(plan Plan) string {
	switch {
	case plan.Degenerate:
		return "non-increasing source timestamps; proceeding without sleep"
	case plan.Overdue:
		return "target time already passed; proceeding without sleep"
	default:
		return "sleeping until next expected sample"
	}
}

// Sleep waits for d or until ctx is cancelled. Non-positive durations only check ctx.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
