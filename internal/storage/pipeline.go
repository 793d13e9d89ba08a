package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"candle-sync/internal/frame"
	"candle-sync/internal/scheduler"
)

// Upsert and read limits used when a backend does not advertise its own.
const (
	DefaultMaxBatchSize    = 25
	DefaultMaxGetBatchSize = 100
)

// Writer persists one batch. Items the store accepted but did not apply are
// returned as unprocessed; a non-nil error aborts the whole upsert.
type Writer interface {
	WriteBatch(ctx context.Context, items []Item) (unprocessed []Item, err error)
	MaxBatchSize() int
}

// Reader fetches one batch of keys. Missing keys are simply absent from found.
type Reader interface {
	GetBatch(ctx context.Context, keys []string) (found []Item, unprocessed []string, err error)
	MaxGetBatchSize() int
}

// Backend is a store that can both write and read items.
type Backend interface {
	Writer
	Reader
	Ping(ctx context.Context) error
	Close()
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// PipelineOptions bound resubmission of unprocessed items.
type PipelineOptions struct {
	KeyLayout   string
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// Sleep pauses between resubmissions. Defaults to scheduler.Sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Pipeline turns frames into batched, retried writes against a Backend.
type Pipeline struct {
	backend Backend
	keys    Keyer
	opts    PipelineOptions
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewPipeline wires a backend into a Pipeline.
func NewPipeline(backend Backend, opts PipelineOptions, logger zerolog.Logger) *Pipeline {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BaseBackoff < 0 {
		opts.BaseBackoff = 0
	}
	if opts.MaxBackoff < opts.BaseBackoff {
		opts.MaxBackoff = opts.BaseBackoff
	}
	if opts.Sleep == nil {
		opts.Sleep = scheduler.Sleep
	}
	return &Pipeline{
		backend: backend,
		keys:    NewKeyer(opts.KeyLayout),
		opts:    opts,
		logger:  logger.With().Str("component", "upsert_pipeline").Logger(),
		sleep:   opts.Sleep,
	}
}

// Keys exposes the key codec used by the pipeline.
func (p *Pipeline) Keys() Keyer {
	return p.keys
}

// Backend returns the underlying store.
func (p *Pipeline) Backend() Backend {
	return p.backend
}

// Upsert writes every sample of f and returns how many items the store acknowledged.
// Items still unprocessed after MaxAttempts surface as *PartialWriteError.
func (p *Pipeline) Upsert(ctx context.Context, f frame.Frame) (int, error) {
	if p == nil || p.backend == nil {
		return 0, ErrNotConfigured
	}
	items := p.keys.ItemsFromFrame(f)
	if len(items) == 0 {
		return 0, nil
	}

	size := p.backend.MaxBatchSize()
	if size <= 0 {
		size = DefaultMaxBatchSize
	}

	written := 0
	var residual []string
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		n, left, err := p.writeWithRetry(ctx, items[start:end])
		written += n
		if err != nil {
			return written, err
		}
		residual = append(residual, keysOf(left)...)
	}

	if len(residual) > 0 {
		return written, &PartialWriteError{Keys: residual, Attempts: p.opts.MaxAttempts, Written: written}
	}

	p.logger.Debug().
		Int("items", len(items)).
		Int("batch_size", size).
		Msg("upsert complete")
	return written, nil
}

func (p *Pipeline) writeWithRetry(ctx context.Context, batch []Item) (int, []Item, error) {
	written := 0
	pending := batch
	for attempt := 1; ; attempt++ {
		unprocessed, err := p.backend.WriteBatch(ctx, pending)
		if err != nil {
			return written, pending, fmt.Errorf("write batch (attempt %d): %w", attempt, err)
		}
		if len(unprocessed) > len(pending) {
			unprocessed = unprocessed[:len(pending)]
		}
		written += len(pending) - len(unprocessed)
		if len(unprocessed) == 0 {
			return written, nil, nil
		}
		if attempt >= p.opts.MaxAttempts {
			return written, unprocessed, nil
		}

		delay := p.backoff(attempt)
		p.logger.Warn().
			Int("attempt", attempt).
			Int("unprocessed", len(unprocessed)).
			Dur("backoff", delay).
			Msg("resubmitting unprocessed items")
		if err := p.sleep(ctx, delay); err != nil {
			return written, unprocessed, err
		}
		pending = unprocessed
	}
}

// Get fetches items by key, sorted by timestamp. Keys the store never returns
// after MaxAttempts surface as *PartialReadError alongside whatever was found.
func (p *Pipeline) Get(ctx context.Context, keys []string) ([]Item, error) {
	if p == nil || p.backend == nil {
		return nil, ErrNotConfigured
	}
	keys = dedupe(keys)
	if len(keys) == 0 {
		return nil, nil
	}

	size := p.backend.MaxGetBatchSize()
	if size <= 0 {
		size = DefaultMaxGetBatchSize
	}

	var found []Item
	var residual []string
	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		items, left, err := p.readWithRetry(ctx, keys[start:end])
		found = append(found, items...)
		if err != nil {
			return found, err
		}
		residual = append(residual, left...)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].Timestamp.Before(found[j].Timestamp) })
	if len(residual) > 0 {
		return found, &PartialReadError{Keys: residual, Attempts: p.opts.MaxAttempts}
	}
	return found, nil
}

func (p *Pipeline) readWithRetry(ctx context.Context, batch []string) ([]Item, []string, error) {
	var found []Item
	pending := batch
	for attempt := 1; ; attempt++ {
		items, unprocessed, err := p.backend.GetBatch(ctx, pending)
		if err != nil {
			return found, pending, fmt.Errorf("get batch (attempt %d): %w", attempt, err)
		}
		found = append(found, items...)
		if len(unprocessed) == 0 {
			return found, nil, nil
		}
		if attempt >= p.opts.MaxAttempts {
			return found, unprocessed, nil
		}

		delay := p.backoff(attempt)
		p.logger.Warn().
			Int("attempt", attempt).
			Int("unprocessed", len(unprocessed)).
			Dur("backoff", delay).
			Msg("resubmitting unprocessed keys")
		if err := p.sleep(ctx, delay); err != nil {
			return found, unprocessed, err
		}
		pending = unprocessed
	}
}

// backoff doubles BaseBackoff per attempt, capped at MaxBackoff.
func (p *Pipeline) backoff(attempt int) time.Duration {
	delay := p.opts.BaseBackoff
	for i := 1; i < attempt && delay < p.opts.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > p.opts.MaxBackoff {
		delay = p.opts.MaxBackoff
	}
	return delay
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
