package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"candle-sync/internal/alerting"
	"candle-sync/internal/config"
	"candle-sync/internal/fetcher"
	"candle-sync/internal/scheduler"
	"candle-sync/internal/service"
	"candle-sync/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	// openBackend is swapped by tests.
	openBackend func(ctx context.Context) (storage.Backend, error)
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	a := &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
	a.openBackend = func(ctx context.Context) (storage.Backend, error) {
		return storage.Open(ctx, a.Config.Store, a.Logger)
	}
	return a
}

func (a *App) newSource() *fetcher.Freqtrade {
	src := a.Config.Source
	return fetcher.NewFreqtrade(fetcher.FreqtradeOptions{
		BaseURL:        src.BaseURL,
		Username:       src.Username,
		Password:       src.Password,
		Timeout:        src.RequestTimeout,
		UserAgent:      src.UserAgent,
		DateColumn:     src.DateColumn,
		ExcludeColumns: src.ExcludeColumns,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// openPipeline opens the configured backend, pings it and wraps it in an upsert pipeline.
func (a *App) openPipeline(ctx context.Context) (*storage.Pipeline, func(), error) {
	pipeline, closeStore, err := a.connectPipeline(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := pipeline.Backend().Ping(ctx); err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("ping store: %w", err)
	}
	return pipeline, closeStore, nil
}

// connectPipeline opens the backend without checking that it is reachable.
func (a *App) connectPipeline(ctx context.Context) (*storage.Pipeline, func(), error) {
	backend, err := a.openBackend(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	pipeline := storage.NewPipeline(backend, storage.PipelineOptions{
		KeyLayout:   a.Config.Store.KeyLayout,
		MaxAttempts: a.Config.Upsert.MaxAttempts,
		BaseBackoff: a.Config.Upsert.BaseBackoff,
		MaxBackoff:  a.Config.Upsert.MaxBackoff,
	}, a.Logger)
	return pipeline, backend.Close, nil
}

func (a *App) newScheduler() *scheduler.Scheduler {
	return scheduler.New(scheduler.Options{
		Multiplier: a.Config.Scheduler.Multiplier,
		Margin:     a.Config.Scheduler.Margin,
	}, a.Logger)
}

// Run executes the long-running sync service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	pipeline, closeStore, err := a.connectPipeline(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	// An unreachable store only costs writes; each failed upsert is reported by the loop.
	if err := pipeline.Backend().Ping(ctx); err != nil {
		a.Logger.Warn().Err(err).Str("backend", a.Config.Store.Backend).Msg("store ping failed; starting anyway")
	}

	unlock, err := a.acquireLock(ctx, pipeline.Backend())
	if err != nil {
		return err
	}
	if unlock != nil {
		defer unlock()
	}

	src := a.Config.Source
	svc := service.New(service.Options{
		Pair:              src.Pair,
		Timeframe:         src.Timeframe,
		Strategy:          src.Strategy,
		Window:            src.Window,
		FetchBackoff:      a.Config.Sync.FetchBackoff,
		BootstrapAttempts: a.Config.Sync.BootstrapAttempts,
	}, a.newSource(), a.newScheduler(), pipeline, a.newNotifier(), a.Logger)

	a.Logger.Info().
		Str("pair", src.Pair).
		Str("backend", a.Config.Store.Backend).
		Msg("starting sync service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("sync service stopped")
	return nil
}

// acquireLock takes the configured advisory lock when the backend supports it.
func (a *App) acquireLock(ctx context.Context, backend storage.Backend) (func(), error) {
	key := a.Config.Sync.AdvisoryLockKey
	locker, ok := backend.(storage.AdvisoryLocker)
	if key == 0 || !ok {
		return nil, nil
	}
	unlock, acquired, err := locker.TryAdvisoryLock(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("advisory lock %d held by another instance", key)
	}
	return unlock, nil
}

// resolveTimeframe returns the configured timeframe or asks the source for the strategy's.
func (a *App) resolveTimeframe(ctx context.Context) (string, error) {
	if tf := a.Config.Source.Timeframe; tf != "" {
		return tf, nil
	}
	return a.newSource().StrategyTimeframe(ctx, a.Config.Source.Strategy)
}

// granularity picks the key spacing for reads: an explicit override or the series timeframe.
func (a *App) granularity(ctx context.Context, override time.Duration) (time.Duration, error) {
	if override > 0 {
		return override, nil
	}
	tf, err := a.resolveTimeframe(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve timeframe: %w", err)
	}
	return ParseTimeframe(tf)
}

// ParseTimeframe converts freqtrade timeframe notation ("1m", "4h", "1d", "1w") into a duration.
func ParseTimeframe(tf string) (time.Duration, error) {
	tf = strings.TrimSpace(tf)
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	var unit time.Duration
	switch tf[len(tf)-1] {
	case 's':
		unit = time.Second
	case 'm':
		unit = time.Minute
	case 'h':
		unit = time.Hour
	case 'd':
		unit = 24 * time.Hour
	case 'w':
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unsupported timeframe unit in %q", tf)
	}
	return time.Duration(n) * unit, nil
}

// PushOptions configure a one-shot window upload.
type PushOptions struct {
	Limit  int
	DryRun bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit       int
	To          *time.Time
	Granularity time.Duration
}

// ExportOptions hold parameters for exporting stored items.
type ExportOptions struct {
	From        *time.Time
	To          *time.Time
	Granularity time.Duration
	PNGPath     string
	CSVPath     string
	XLSXPath    string
	Columns     []string
	MaxPoints   int
}

// GenerateOptions configure synthetic data generation.
type GenerateOptions struct {
	End         time.Time
	Periods     int
	Granularity time.Duration
	Seed        int64
	DryRun      bool
}
