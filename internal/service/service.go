package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"candle-sync/internal/alerting"
	"candle-sync/internal/fetcher"
	"candle-sync/internal/frame"
	"candle-sync/internal/scheduler"
	"candle-sync/internal/storage"
)

// Upserter persists frames. *storage.Pipeline satisfies it.
type Upserter interface {
	Upsert(ctx context.Context, f frame.Frame) (int, error)
}

// Options parameterise the sync loop.
type Options struct {
	Pair      string
	Timeframe string
	// Strategy is used to resolve Timeframe when it is empty.
	Strategy string
	Window   int
	// FetchBackoff is the fixed pause after a failed probe or fetch, or a fetch with
	// nothing new.
	FetchBackoff time.Duration
	// BootstrapAttempts bounds probe and initial fetch attempts. Zero retries forever.
	BootstrapAttempts int
}

// Service runs the Bootstrapping to Steady state machine.
type Service struct {
	source   fetcher.CandleSource
	resolver fetcher.TimeframeResolver
	sched    *scheduler.Scheduler
	pipeline Upserter
	notifier alerting.Notifier
	opts     Options
	logger   zerolog.Logger

	phase   Phase
	state   scheduler.State
	overdue bool
	sleep   func(ctx context.Context, d time.Duration) error
}

// New constructs the sync service. notifier may be nil.
func New(opts Options, source fetcher.CandleSource, sched *scheduler.Scheduler, pipeline Upserter, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	if opts.Window < 2 {
		opts.Window = 10
	}
	if opts.FetchBackoff <= 0 {
		opts.FetchBackoff = 5 * time.Second
	}
	var resolver fetcher.TimeframeResolver
	if r, ok := source.(fetcher.TimeframeResolver); ok {
		resolver = r
	}
	return &Service{
		source:   source,
		resolver: resolver,
		sched:    sched,
		pipeline: pipeline,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With().Str("component", "sync").Str("pair", opts.Pair).Logger(),
		phase:    PhaseBootstrapping,
		sleep:    scheduler.Sleep,
	}
}

// Phase reports the current state machine phase.
func (s *Service) Phase() Phase { return s.phase }

// State returns the last observed timestamp pair.
func (s *Service) State() scheduler.State { return s.state }

// Timeframe returns the configured or resolved timeframe.
func (s *Service) Timeframe() string { return s.opts.Timeframe }

// Run bootstraps and then cycles until ctx is cancelled or a fatal outcome occurs.
func (s *Service) Run(ctx context.Context) error {
	if s.sched == nil || s.source == nil || s.pipeline == nil {
		return fmt.Errorf("sync service not configured")
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res := s.Cycle(ctx)
		if res.Outcome == OutcomeFatal {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.notify(ctx, alerting.KindFatal, res, "sync loop stopped", nil)
			return res.Err
		}
	}
}

// Cycle performs one iteration. While bootstrapping it delegates to Bootstrap.
func (s *Service) Cycle(ctx context.Context) CycleResult {
	if s.phase != PhaseSteady {
		return s.Bootstrap(ctx)
	}

	res := CycleResult{Phase: PhaseSteady, State: s.state}

	plan, err := s.sched.Wait(ctx, s.state)
	res.Plan = plan
	if err != nil {
		res.Outcome, res.Stage, res.Err = OutcomeRecoverable, StageSchedule, err
		return res
	}
	s.trackOverdue(ctx, plan, res)

	fr, prev, latest, err := s.fetch(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Dur("backoff", s.opts.FetchBackoff).Msg("fetch failed; retrying after backoff")
		res.Outcome, res.Stage, res.Err = OutcomeRecoverable, StageFetch, err
		_ = s.sleep(ctx, s.opts.FetchBackoff)
		return res
	}

	if !latest.After(s.state.Latest) {
		s.logger.Debug().
			Time("latest", latest).
			Dur("backoff", s.opts.FetchBackoff).
			Msg("no newer sample yet; waiting")
		res.Outcome, res.Stage, res.Err = OutcomeRecoverable, StageFetch, ErrNoNewSample
		_ = s.sleep(ctx, s.opts.FetchBackoff)
		return res
	}

	s.state = scheduler.State{Previous: prev, Latest: latest}
	res.State = s.state

	last, err := fr.Last()
	if err != nil {
		res.Outcome, res.Stage, res.Err = OutcomeRecoverable, StageFetch, err
		return res
	}
	written, err := s.pipeline.Upsert(ctx, last)
	res.Written = written
	if err != nil {
		res.Outcome, res.Stage, res.Err = OutcomeRecoverable, StageUpsert, err
		s.reportUpsertFailure(ctx, res, 1)
		return res
	}

	s.logger.Info().
		Time("previous", prev).
		Time("latest", latest).
		Int("written", written).
		Msg("latest sample synced")
	res.Outcome, res.Stage = OutcomeSuccess, StageUpsert
	return res
}

// Bootstrap probes the source, fetches the initial window, seeds the state, and
// writes the window. A failed seed write is logged and the service still enters Steady.
func (s *Service) Bootstrap(ctx context.Context) CycleResult {
	res := CycleResult{Phase: PhaseBootstrapping}

	if err := s.retry(ctx, StageProbe, func(ctx context.Context) error {
		health, err := s.source.Probe(ctx)
		if err == nil {
			s.logger.Info().Str("status", health.Status).Dur("latency", health.Latency).Msg("source reachable")
		}
		return err
	}); err != nil {
		res.Outcome, res.Stage, res.Err = OutcomeFatal, StageProbe, err
		return res
	}

	if s.opts.Timeframe == "" {
		if s.resolver == nil || s.opts.Strategy == "" {
			res.Outcome, res.Stage = OutcomeFatal, StageResolve
			res.Err = errors.New("timeframe not configured and no strategy to resolve it from")
			return res
		}
		if err := s.retry(ctx, StageResolve, s.resolveTimeframe); err != nil {
			res.Outcome, res.Stage, res.Err = OutcomeFatal, StageResolve, err
			return res
		}
	}

	var fr frame.Frame
	if err := s.retry(ctx, StageFetch, func(ctx context.Context) error {
		f, prev, latest, err := s.fetch(ctx)
		if err != nil {
			return err
		}
		fr = f
		s.state = scheduler.State{Previous: prev, Latest: latest}
		return nil
	}); err != nil {
		res.Outcome, res.Stage, res.Err = OutcomeFatal, StageFetch, err
		return res
	}

	res.State = s.state
	s.phase = PhaseSteady

	written, err := s.pipeline.Upsert(ctx, fr)
	res.Written = written
	if err != nil {
		res.Outcome, res.Stage, res.Err = OutcomeRecoverable, StageUpsert, err
		s.reportUpsertFailure(ctx, res, fr.Len())
		return res
	}

	s.logger.Info().
		Str("timeframe", s.opts.Timeframe).
		Time("first", fr.First()).
		Time("previous", s.state.Previous).
		Time("latest", s.state.Latest).
		Int("written", written).
		Msg("bootstrap complete")
	res.Outcome, res.Stage = OutcomeSuccess, StageUpsert
	return res
}

func (s *Service) resolveTimeframe(ctx context.Context) error {
	tf, err := s.resolver.StrategyTimeframe(ctx, s.opts.Strategy)
	if err != nil {
		return err
	}
	s.opts.Timeframe = tf
	s.logger.Info().Str("strategy", s.opts.Strategy).Str("timeframe", tf).Msg("timeframe resolved from strategy")
	return nil
}

func (s *Service) fetch(ctx context.Context) (frame.Frame, time.Time, time.Time, error) {
	fr, err := s.source.FetchRecent(ctx, s.opts.Pair, s.opts.Timeframe, s.opts.Window)
	if err != nil {
		return frame.Frame{}, time.Time{}, time.Time{}, fmt.Errorf("fetch candles: %w", err)
	}
	prev, latest, err := fr.LastTwo()
	if err != nil {
		return frame.Frame{}, time.Time{}, time.Time{}, fmt.Errorf("derive state: %w", err)
	}
	return fr, prev, latest, nil
}

// retry runs fn until it succeeds, ctx ends, or BootstrapAttempts is exhausted.
func (s *Service) retry(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.opts.BootstrapAttempts > 0 && attempt >= s.opts.BootstrapAttempts {
			return fmt.Errorf("%s failed after %d attempts: %w", stage, attempt, err)
		}
		s.logger.Warn().Err(err).
			Str("stage", string(stage)).
			Int("attempt", attempt).
			Dur("backoff", s.opts.FetchBackoff).
			Msg("bootstrap step failed; retrying")
		if err := s.sleep(ctx, s.opts.FetchBackoff); err != nil {
			return err
		}
	}
}

func (s *Service) reportUpsertFailure(ctx context.Context, res CycleResult, attempted int) {
	var residual []string
	var partial *storage.PartialWriteError
	if errors.As(res.Err, &partial) {
		residual = partial.Keys
	}

	s.logger.Error().Err(res.Err).
		Str("phase", res.Phase.String()).
		Time("previous", res.State.Previous).
		Time("latest", res.State.Latest).
		Int("attempted", attempted).
		Int("written", res.Written).
		Int("residual", len(residual)).
		Msg("upsert failed; continuing")

	kind := alerting.KindPartialWrite
	switch {
	case errors.Is(res.Err, storage.ErrStoreUnavailable):
		kind = alerting.KindStoreDown
	case errors.Is(res.Err, storage.ErrRejected):
		kind = alerting.KindWriteRejected
	}
	summary := fmt.Sprintf("%d of %d items written", res.Written, attempted)
	s.notify(ctx, kind, res, summary, residual)
}

// trackOverdue notifies once when the schedule becomes overdue and logs recovery.
func (s *Service) trackOverdue(ctx context.Context, plan scheduler.Plan, res CycleResult) {
	if plan.Overdue == s.overdue {
		return
	}
	s.overdue = plan.Overdue
	if !plan.Overdue {
		s.logger.Info().Msg("schedule back on time")
		return
	}
	summary := fmt.Sprintf("expected sample by %s; source may be stale", plan.Target.UTC().Format(time.RFC3339))
	s.notify(ctx, alerting.KindScheduleOverdue, res, summary, nil)
}

func (s *Service) notify(ctx context.Context, kind string, res CycleResult, summary string, keys []string) {
	if s.notifier == nil {
		return
	}
	note := alerting.Notification{
		At:        time.Now().UTC(),
		Kind:      kind,
		Pair:      s.opts.Pair,
		Timeframe: s.opts.Timeframe,
		Stage:     string(res.Stage),
		Summary:   summary,
		Keys:      keys,
	}
	if res.Err != nil {
		note.Detail = res.Err.Error()
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("failed to dispatch incident")
	}
}
