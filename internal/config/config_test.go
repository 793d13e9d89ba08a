package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("默认配置应可加载: %v", err)
	}
	if cfg.Store.Backend != BackendDynamoDB || cfg.Store.DynamoDB.Table != "TradingApp-table1" {
		t.Fatalf("unexpected store defaults %+v", cfg.Store)
	}
	if cfg.Store.DynamoDB.PartitionKey != "TradingApp-table1-partitionkey" || cfg.Store.DynamoDB.Region != "eu-west-2" {
		t.Fatalf("unexpected dynamodb defaults %+v", cfg.Store.DynamoDB)
	}
	if cfg.Scheduler.Multiplier != 2 || cfg.Scheduler.Margin != 10*time.Second {
		t.Fatalf("unexpected scheduler defaults %+v", cfg.Scheduler)
	}
	if cfg.Sync.FetchBackoff != 5*time.Second || cfg.Source.Window != 10 {
		t.Fatalf("unexpected sync defaults %+v / window %d", cfg.Sync, cfg.Source.Window)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CANDLESYNC_SOURCE_PAIR", "ETH/USDT")
	t.Setenv("CANDLESYNC_SOURCE_PASSWORD", "hunter2")
	t.Setenv("CANDLESYNC_SOURCE_EXCLUDE_COLUMNS", "__date_ts,enter_tag")
	t.Setenv("CANDLESYNC_UPSERT_BASE_BACKOFF", "250ms")
	t.Setenv("CANDLESYNC_STORE_BACKEND", "memory")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Source.Pair != "ETH/USDT" || cfg.Source.Password != "hunter2" {
		t.Fatalf("env overrides not applied: %+v", cfg.Source)
	}
	if len(cfg.Source.ExcludeColumns) != 2 || cfg.Source.ExcludeColumns[1] != "enter_tag" {
		t.Fatalf("unexpected exclude columns %v", cfg.Source.ExcludeColumns)
	}
	if cfg.Upsert.BaseBackoff != 250*time.Millisecond {
		t.Fatalf("duration hook not applied: %s", cfg.Upsert.BaseBackoff)
	}
	if cfg.Store.Backend != BackendMemory {
		t.Fatalf("backend = %s", cfg.Store.Backend)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "candlesync.yaml")
	body := strings.Join([]string{
		"source:",
		"  pair: SOL/USDT",
		"  timeframe: 5m",
		"  window: 50",
		"store:",
		"  backend: postgres",
		"  postgres:",
		"    dsn: postgres://localhost/candles",
		"scheduler:",
		"  margin: 30s",
	}, "\n")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Source.Timeframe != "5m" || cfg.Source.Window != 50 || cfg.Scheduler.Margin != 30*time.Second {
		t.Fatalf("file values not applied: %+v %+v", cfg.Source, cfg.Scheduler)
	}
	if cfg.Store.Postgres.Table != "candle_items" || cfg.Store.Postgres.BatchSize != 100 {
		t.Fatalf("postgres defaults lost: %+v", cfg.Store.Postgres)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Source:    SourceConfig{Pair: "BTC/USDT", Timeframe: "1m", Window: 10},
			Scheduler: SchedulerConfig{Multiplier: 2, Margin: 10 * time.Second},
			Store:     StoreConfig{Backend: BackendMemory, KeyLayout: "2006-01-02 15:04:05-07:00"},
			Upsert:    UpsertConfig{MaxAttempts: 3},
			Export:    ExportConfig{MaxDataPoints: 10},
		}
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("baseline should validate: %v", err)
	}

	cases := map[string]func(c *Config){
		"window too small":  func(c *Config) { c.Source.Window = 1 },
		"window too large":  func(c *Config) { c.Source.Window = 1001 },
		"no pair":           func(c *Config) { c.Source.Pair = "" },
		"no timeframe":      func(c *Config) { c.Source.Timeframe = "" },
		"negative margin":   func(c *Config) { c.Scheduler.Margin = -time.Second },
		"zero attempts":     func(c *Config) { c.Upsert.MaxAttempts = 0 },
		"unknown backend":   func(c *Config) { c.Store.Backend = "redis" },
		"postgres no dsn":   func(c *Config) { c.Store.Backend = BackendPostgres },
		"dynamo no table":   func(c *Config) { c.Store.Backend = BackendDynamoDB; c.Store.DynamoDB.Region = "eu-west-2" },
		"telegram no token": func(c *Config) { c.Alerting.Telegram.Enabled = true; c.Alerting.Telegram.ChatID = "1" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(c)
			if err := c.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestResolveMaxPoints(t *testing.T) {
	c := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	if c.ResolveMaxPoints(0) != 500 || c.ResolveMaxPoints(20) != 20 {
		t.Fatal("ResolveMaxPoints should prefer a positive override")
	}
}
