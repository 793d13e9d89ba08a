package service

import (
	"errors"

	"candle-sync/internal/scheduler"
)

// ErrNoNewSample is reported when the source answers without a candle newer than the last one seen.
var ErrNoNewSample = errors.New("source has no newer sample")

// Phase of the sync state machine.
type Phase int

const (
	PhaseBootstrapping Phase = iota
	PhaseSteady
)

func (p Phase) String() string {
	switch p {
	case PhaseBootstrapping:
		return "bootstrapping"
	case PhaseSteady:
		return "steady"
	default:
		return "unknown"
	}
}

// Outcome classifies a cycle.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	// OutcomeRecoverable means the loop continues on the next cycle.
	OutcomeRecoverable
	// OutcomeFatal ends Run.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRecoverable:
		return "recoverable"
	case OutcomeFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Stage names the step a cycle ended in.
type Stage string

const (
	StageProbe    Stage = "probe"
	StageResolve  Stage = "resolve_timeframe"
	StageSchedule Stage = "schedule"
	StageFetch    Stage = "fetch"
	StageUpsert   Stage = "upsert"
)

// CycleResult reports what a Bootstrap or Cycle call did.
type CycleResult struct {
	Phase   Phase
	Outcome Outcome
	Stage   Stage
	State   scheduler.State
	Plan    scheduler.Plan
	Written int
	Err     error
}
