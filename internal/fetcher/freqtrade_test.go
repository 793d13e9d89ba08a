package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func newTestClient(url string) *Freqtrade {
	return NewFreqtrade(FreqtradeOptions{
		BaseURL:        url,
		Username:       "freqtrader",
		Password:       "secret",
		Timeout:        time.Second,
		UserAgent:      "test",
		ExcludeColumns: []string{"__date_ts"},
	}, noopLogger())
}

func TestProbePong(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != pingPath {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "freqtrader" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "pong"})
	}))
	defer srv.Close()

	health, err := newTestClient(srv.URL).Probe(context.Background())
	if err != nil {
		t.Fatalf("ping 应成功: %v", err)
	}
	if health.Status != "pong" {
		t.Fatalf("unexpected status %q", health.Status)
	}
}

func TestProbeUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Unauthorized"})
	}))
	defer srv.Close()

	_, err := newTestClient(srv.URL).Probe(context.Background())
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("401 应归类为 ErrUnreachable, 实际 %v", err)
	}
}

func TestFetchRecentSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("pair") != "BTC/USDT" || q.Get("timeframe") != "5m" || q.Get("limit") != "3" {
			t.Fatalf("unexpected query %s", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"pair": "BTC/USDT",
			"timeframe": "5m",
			"columns": ["date", "open", "close", "enter_long", "order_error", "__date_ts"],
			"data": [
				["2024-01-01 00:00:00+00:00", 42000.1, 42010.123456789012, null, "No error", 1704067200000],
				["2024-01-01 00:05:00+00:00", 42010.5, 42020, 1, "NaN", 1704067500000],
				["2024-01-01 00:10:00+00:00", 42020, 42030.75, 0, "Error A", 1704067800000]
			],
			"length": 3
		}`))
	}))
	defer srv.Close()

	fr, err := newTestClient(srv.URL).FetchRecent(context.Background(), "BTC/USDT", "5m", 3)
	if err != nil {
		t.Fatalf("成功响应不应报错: %v", err)
	}
	if fr.Len() != 3 {
		t.Fatalf("期望 3 行, 实际 %d", fr.Len())
	}

	cols := fr.Columns()
	for _, c := range cols {
		if c == "date" || c == "__date_ts" {
			t.Fatalf("column %s should not be a field", c)
		}
	}

	first := fr.At(0)
	if !first.Timestamp.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first timestamp %s", first.Timestamp)
	}
	if got := first.Field("close").String(); got != "42010.123456789012" {
		t.Fatalf("close should keep the literal digits, got %s", got)
	}
	if !first.Field("enter_long").IsAbsent() {
		t.Fatal("null should become absent")
	}
	if !fr.At(1).Field("order_error").IsAbsent() {
		t.Fatal("NaN string should become absent")
	}
	if _, ok := fr.At(2).Field("order_error").Text(); !ok {
		t.Fatal("labels should stay strings")
	}
}

func TestFetchRecentMalformed(t *testing.T) {
	bodies := map[string]string{
		"empty":     `{"columns":["date","close"],"data":[]}`,
		"single":    `{"columns":["date","close"],"data":[["2024-01-01 00:00:00",1]]}`,
		"no date":   `{"columns":["close"],"data":[[1],[2]]}`,
		"ragged":    `{"columns":["date","close"],"data":[["2024-01-01 00:00:00",1],["2024-01-01 00:01:00"]]}`,
		"unordered": `{"columns":["date","close"],"data":[["2024-01-01 00:01:00",1],["2024-01-01 00:00:00",2]]}`,
		"garbage":   `<html>`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			_, err := newTestClient(srv.URL).FetchRecent(context.Background(), "BTC/USDT", "1m", 10)
			if !errors.Is(err, ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestFetchRecentHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := newTestClient(srv.URL).FetchRecent(context.Background(), "BTC/USDT", "1m", 10); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("HTTP 502 应返回 ErrUnreachable, 实际 %v", err)
	}
}

func TestFetchRecentEpochDates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"columns":["date","close"],"data":[[1704067200000,1],[1704067260000,2]]}`))
	}))
	defer srv.Close()

	fr, err := newTestClient(srv.URL).FetchRecent(context.Background(), "BTC/USDT", "1m", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	prev, latest, _ := fr.LastTwo()
	if latest.Sub(prev) != time.Minute {
		t.Fatalf("unexpected spacing %s", latest.Sub(prev))
	}
}

func TestStrategyTimeframe(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != strategyPath+"SampleStrategy" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"strategy": "SampleStrategy", "timeframe": "5m"})
	}))
	defer srv.Close()

	tf, err := newTestClient(srv.URL).StrategyTimeframe(context.Background(), "SampleStrategy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tf != "5m" {
		t.Fatalf("期望 5m, 实际 %s", tf)
	}
}

func TestFetchRecentMissingArgs(t *testing.T) {
	f := NewFreqtrade(FreqtradeOptions{}, noopLogger())
	if _, err := f.FetchRecent(context.Background(), "", "1m", 10); err == nil {
		t.Fatal("缺少 pair 时应返回错误")
	}
}
