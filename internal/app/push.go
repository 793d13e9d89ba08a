package app

import (
	"context"
	"errors"
	"fmt"
)

// Push fetches one window from the source and upserts all of it.
func (a *App) Push(ctx context.Context, opts PushOptions) error {
	limit := opts.Limit
	if limit <= 0 {
		limit = a.Config.Source.Window
	}
	if limit < 2 || limit > 1000 {
		return errors.New("--limit must be between 2 and 1000")
	}

	source := a.newSource()
	if _, err := source.Probe(ctx); err != nil {
		return fmt.Errorf("probe source: %w", err)
	}

	timeframe, err := a.resolveTimeframe(ctx)
	if err != nil {
		return fmt.Errorf("resolve timeframe: %w", err)
	}

	fr, err := source.FetchRecent(ctx, a.Config.Source.Pair, timeframe, limit)
	if err != nil {
		return err
	}

	if opts.DryRun {
		a.Logger.Warn().
			Int("rows", fr.Len()).
			Time("first", fr.First()).
			Time("latest", fr.Latest()).
			Msg("push dry-run：不会写入存储")
		return nil
	}

	pipeline, closeStore, err := a.openPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	written, err := pipeline.Upsert(ctx, fr)
	a.Logger.Info().
		Str("pair", a.Config.Source.Pair).
		Str("timeframe", timeframe).
		Int("rows", fr.Len()).
		Int("written", written).
		Msg("push complete")
	if err != nil {
		return fmt.Errorf("upsert window: %w", err)
	}
	return nil
}
