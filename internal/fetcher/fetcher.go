package fetcher

import (
	"context"
	"errors"
	"time"

	"candle-sync/internal/frame"
)

var (
	// ErrUnreachable covers network, auth and non-2xx failures talking to the source.
	ErrUnreachable = errors.New("source unreachable")
	// ErrMalformed indicates a response with an unexpected or empty shape.
	ErrMalformed = errors.New("source response malformed")
)

// Health is the result of a liveness probe.
type Health struct {
	Status  string
	Latency time.Duration
}

// CandleSource fetches the most recent samples of a series.
type CandleSource interface {
	Probe(ctx context.Context) (Health, error)
	FetchRecent(ctx context.Context, pair, timeframe string, count int) (frame.Frame, error)
}

// TimeframeResolver looks up the candle granularity a strategy runs on.
type TimeframeResolver interface {
	StrategyTimeframe(ctx context.Context, strategy string) (string, error)
}
