package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"candle-sync/internal/frame"
)

const (
	pingPath        = "/api/v1/ping"
	pairCandlesPath = "/api/v1/pair_candles"
	strategyPath    = "/api/v1/strategy/"

	defaultDateColumn = "date"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05-07:00",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// FreqtradeOptions parameterise the freqtrade REST client.
type FreqtradeOptions struct {
	BaseURL    string
	Username   string
	Password   string
	Timeout    time.Duration
	UserAgent  string
	DateColumn string
	// ExcludeColumns are dropped from every sample (e.g. freqtrade's __date_ts helper column).
	ExcludeColumns []string
}

// Freqtrade reads candles from a freqtrade bot's REST API.
type Freqtrade struct {
	opts    FreqtradeOptions
	client  *resty.Client
	logger  zerolog.Logger
	exclude map[string]struct{}
}

// NewFreqtrade constructs a freqtrade client.
func NewFreqtrade(opts FreqtradeOptions, logger zerolog.Logger) *Freqtrade {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	if opts.DateColumn == "" {
		opts.DateColumn = defaultDateColumn
	}

	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "candlesync/1.0"
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)
	if opts.Username != "" || opts.Password != "" {
		client.SetBasicAuth(opts.Username, opts.Password)
	}

	exclude := make(map[string]struct{}, len(opts.ExcludeColumns))
	for _, col := range opts.ExcludeColumns {
		exclude[col] = struct{}{}
	}

	return &Freqtrade{
		opts:    opts,
		client:  client,
		logger:  logger.With().Str("component", "freqtrade_fetcher").Logger(),
		exclude: exclude,
	}
}

// Probe calls /ping and expects "pong".
func (f *Freqtrade) Probe(ctx context.Context) (Health, error) {
	started := time.Now()
	resp, err := f.client.R().SetContext(ctx).Get(pingPath)
	if err != nil {
		return Health{}, fmt.Errorf("%w: ping: %w", ErrUnreachable, err)
	}
	if resp.IsError() {
		return Health{}, fmt.Errorf("%w: %w", ErrUnreachable, parseHTTPError(resp.StatusCode(), resp.Body()))
	}

	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return Health{}, fmt.Errorf("%w: decode ping: %w", ErrUnreachable, err)
	}
	if payload.Status != "pong" {
		return Health{}, fmt.Errorf("%w: unexpected ping status %q", ErrUnreachable, payload.Status)
	}

	health := Health{Status: payload.Status, Latency: time.Since(started)}
	f.logger.Debug().Dur("latency", health.Latency).Msg("source ping ok")
	return health, nil
}

// StrategyTimeframe returns the timeframe configured for strategy.
func (f *Freqtrade) StrategyTimeframe(ctx context.Context, strategy string) (string, error) {
	if strategy == "" {
		return "", errors.New("strategy name required")
	}
	resp, err := f.client.R().SetContext(ctx).Get(strategyPath + url.PathEscape(strategy))
	if err != nil {
		return "", fmt.Errorf("%w: strategy: %w", ErrUnreachable, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("%w: %w", ErrUnreachable, parseHTTPError(resp.StatusCode(), resp.Body()))
	}

	var payload struct {
		Timeframe string `json:"timeframe"`
	}
	if err := json.Unmarshal(resp.Body(), &payload); err != nil {
		return "", fmt.Errorf("%w: decode strategy: %w", ErrMalformed, err)
	}
	if payload.Timeframe == "" {
		return "", fmt.Errorf("%w: strategy %s has no timeframe", ErrMalformed, strategy)
	}
	return payload.Timeframe, nil
}

// FetchRecent retrieves the newest count candles ordered oldest to newest.
func (f *Freqtrade) FetchRecent(ctx context.Context, pair, timeframe string, count int) (frame.Frame, error) {
	if pair == "" || timeframe == "" {
		return frame.Frame{}, errors.New("pair and timeframe required")
	}
	if count <= 0 {
		return frame.Frame{}, errors.New("count must be greater than zero")
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"pair":      pair,
			"timeframe": timeframe,
			"limit":     strconv.Itoa(count),
		}).
		Get(pairCandlesPath)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: pair_candles: %w", ErrUnreachable, err)
	}
	if resp.IsError() {
		return frame.Frame{}, fmt.Errorf("%w: %w", ErrUnreachable, parseHTTPError(resp.StatusCode(), resp.Body()))
	}

	f.logger.Debug().Str("pair", pair).Str("timeframe", timeframe).Int("limit", count).Msg("candles received")

	fr, err := f.decodeCandles(resp.Body())
	if err != nil {
		return frame.Frame{}, err
	}
	if fr.Empty() {
		return frame.Frame{}, fmt.Errorf("%w: no candles for %s %s", ErrMalformed, pair, timeframe)
	}
	if count >= 2 && fr.Len() < 2 {
		return frame.Frame{}, fmt.Errorf("%w: need at least 2 candles, got %d", ErrMalformed, fr.Len())
	}
	return fr, nil
}

type candlesResponse struct {
	Columns []string `json:"columns"`
	Data    [][]any  `json:"data"`
}

func (f *Freqtrade) decodeCandles(body []byte) (frame.Frame, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var payload candlesResponse
	if err := dec.Decode(&payload); err != nil {
		return frame.Frame{}, fmt.Errorf("%w: decode candles: %w", ErrMalformed, err)
	}

	dateIdx := -1
	fields := make([]string, 0, len(payload.Columns))
	for i, col := range payload.Columns {
		if col == f.opts.DateColumn {
			dateIdx = i
			continue
		}
		if _, skip := f.exclude[col]; skip {
			continue
		}
		fields = append(fields, col)
	}
	if dateIdx < 0 {
		return frame.Frame{}, fmt.Errorf("%w: missing %q column", ErrMalformed, f.opts.DateColumn)
	}

	samples := make([]frame.Sample, 0, len(payload.Data))
	for rowIdx, row := range payload.Data {
		if len(row) != len(payload.Columns) {
			return frame.Frame{}, fmt.Errorf("%w: row %d has %d values, want %d", ErrMalformed, rowIdx, len(row), len(payload.Columns))
		}

		ts, err := parseTimestamp(row[dateIdx])
		if err != nil {
			return frame.Frame{}, fmt.Errorf("%w: row %d: %w", ErrMalformed, rowIdx, err)
		}

		values := make(map[string]frame.Value, len(fields))
		for colIdx, col := range payload.Columns {
			if colIdx == dateIdx {
				continue
			}
			if _, skip := f.exclude[col]; skip {
				continue
			}
			v, err := frame.ParseJSONValue(row[colIdx])
			if err != nil {
				return frame.Frame{}, fmt.Errorf("%w: row %d column %s: %w", ErrMalformed, rowIdx, col, err)
			}
			values[col] = v
		}
		samples = append(samples, frame.Sample{Timestamp: ts, Fields: values})
	}

	fr, err := frame.New(fields, samples)
	if err != nil {
		return frame.Frame{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return fr, nil
}

// parseTimestamp accepts the textual layouts freqtrade emits and epoch milliseconds.
func parseTimestamp(raw any) (time.Time, error) {
	switch x := raw.(type) {
	case string:
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, x); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognised timestamp %q", x)
	case json.Number:
		ms, err := x.Int64()
		if err != nil {
			return time.Time{}, fmt.Errorf("parse epoch %q: %w", x.String(), err)
		}
		return time.UnixMilli(ms).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

type errorResponse struct {
	Detail  string `json:"detail"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Detail != "" {
			return fmt.Errorf("freqtrade api error (%d): %s", status, apiErr.Detail)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("freqtrade api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Message != "" {
			return fmt.Errorf("freqtrade api error (%d): %s", status, apiErr.Message)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("freqtrade api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("freqtrade api error (%d)", status)
}

var (
	_ CandleSource      = (*Freqtrade)(nil)
	_ TimeframeResolver = (*Freqtrade)(nil)
)
