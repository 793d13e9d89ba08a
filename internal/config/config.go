package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"candle-sync/internal/logging"
)

// Store backends.
const (
	BackendDynamoDB = "dynamodb"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Source    SourceConfig    `mapstructure:"source"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Upsert    UpsertConfig    `mapstructure:"upsert"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SourceConfig covers the freqtrade REST API.
type SourceConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Strategy       string        `mapstructure:"strategy"`
	Pair           string        `mapstructure:"pair"`
	Timeframe      string        `mapstructure:"timeframe"`
	Window         int           `mapstructure:"window"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	DateColumn     string        `mapstructure:"date_column"`
	ExcludeColumns []string      `mapstructure:"exclude_columns"`
}

// SyncConfig governs the bootstrap and steady-state loop.
type SyncConfig struct {
	FetchBackoff time.Duration `mapstructure:"fetch_backoff"`
	// BootstrapAttempts bounds probe and initial fetch retries. Zero retries forever.
	BootstrapAttempts int   `mapstructure:"bootstrap_attempts"`
	AdvisoryLockKey   int64 `mapstructure:"advisory_lock_key"`
}

// SchedulerConfig tunes the adaptive wake-up heuristic.
type SchedulerConfig struct {
	Multiplier int           `mapstructure:"multiplier"`
	Margin     time.Duration `mapstructure:"margin"`
}

// StoreConfig selects and configures the key-value backend.
type StoreConfig struct {
	Backend   string         `mapstructure:"backend"`
	KeyLayout string         `mapstructure:"key_layout"`
	DynamoDB  DynamoDBConfig `mapstructure:"dynamodb"`
	Postgres  PostgresConfig `mapstructure:"postgres"`
}

// DynamoDBConfig encapsulates DynamoDB connectivity.
type DynamoDBConfig struct {
	Table              string `mapstructure:"table"`
	PartitionKey       string `mapstructure:"partition_key"`
	TimestampAttribute string `mapstructure:"timestamp_attribute"`
	Region             string `mapstructure:"region"`
	Endpoint           string `mapstructure:"endpoint"`
	AccessKeyID        string `mapstructure:"access_key_id"`
	SecretAccessKey    string `mapstructure:"secret_access_key"`
	ConsistentRead     bool   `mapstructure:"consistent_read"`
}

// PostgresConfig encapsulates PostgreSQL connectivity.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	BatchSize       int           `mapstructure:"batch_size"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// UpsertConfig bounds resubmission of unprocessed items.
type UpsertConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseBackoff time.Duration `mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `mapstructure:"max_backoff"`
}

// AlertingConfig defines incident routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, .env, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("CANDLESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// loadDotEnv exports variables from ./.env without overriding the real environment.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "candlesync")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("source.base_url", "http://127.0.0.1:8080")
	v.SetDefault("source.username", "")
	v.SetDefault("source.password", "")
	v.SetDefault("source.strategy", "SampleStrategy")
	v.SetDefault("source.pair", "BTC/USDT")
	v.SetDefault("source.timeframe", "")
	v.SetDefault("source.window", 10)
	v.SetDefault("source.request_timeout", "10s")
	v.SetDefault("source.user_agent", "candlesync/1.0")
	v.SetDefault("source.date_column", "date")
	v.SetDefault("source.exclude_columns", []string{})

	v.SetDefault("sync.fetch_backoff", "5s")
	v.SetDefault("sync.bootstrap_attempts", 0)
	v.SetDefault("sync.advisory_lock_key", int64(0))

	v.SetDefault("scheduler.multiplier", 2)
	v.SetDefault("scheduler.margin", "10s")

	v.SetDefault("store.backend", BackendDynamoDB)
	v.SetDefault("store.key_layout", "2006-01-02 15:04:05-07:00")
	v.SetDefault("store.dynamodb.table", "TradingApp-table1")
	v.SetDefault("store.dynamodb.partition_key", "TradingApp-table1-partitionkey")
	v.SetDefault("store.dynamodb.timestamp_attribute", "timestamp")
	v.SetDefault("store.dynamodb.region", "eu-west-2")
	v.SetDefault("store.dynamodb.endpoint", "")
	v.SetDefault("store.dynamodb.access_key_id", "")
	v.SetDefault("store.dynamodb.secret_access_key", "")
	v.SetDefault("store.dynamodb.consistent_read", false)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "candle_items")
	v.SetDefault("store.postgres.batch_size", 100)
	v.SetDefault("store.postgres.max_open_conns", 4)
	v.SetDefault("store.postgres.max_idle_conns", 1)
	v.SetDefault("store.postgres.conn_max_lifetime", "30m")

	v.SetDefault("upsert.max_attempts", 5)
	v.SetDefault("upsert.base_backoff", "100ms")
	v.SetDefault("upsert.max_backoff", "5s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Source.Pair == "" {
		return fmt.Errorf("source.pair must be configured")
	}
	if c.Source.Timeframe == "" && c.Source.Strategy == "" {
		return fmt.Errorf("either source.timeframe or source.strategy must be configured")
	}
	if c.Source.Window < 2 || c.Source.Window > 1000 {
		return fmt.Errorf("source.window must be between 2 and 1000")
	}
	if c.Sync.FetchBackoff < 0 {
		return fmt.Errorf("sync.fetch_backoff cannot be negative")
	}
	if c.Sync.BootstrapAttempts < 0 {
		return fmt.Errorf("sync.bootstrap_attempts cannot be negative")
	}
	if c.Scheduler.Multiplier < 1 {
		return fmt.Errorf("scheduler.multiplier must be at least 1")
	}
	if c.Scheduler.Margin < 0 {
		return fmt.Errorf("scheduler.margin cannot be negative")
	}
	if c.Upsert.MaxAttempts < 1 {
		return fmt.Errorf("upsert.max_attempts must be at least 1")
	}
	if c.Upsert.BaseBackoff < 0 || c.Upsert.MaxBackoff < 0 {
		return fmt.Errorf("upsert backoff values cannot be negative")
	}
	if c.Store.KeyLayout == "" {
		return fmt.Errorf("store.key_layout must be configured")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}

	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.Store.DynamoDB.Table == "" || c.Store.DynamoDB.PartitionKey == "" {
			return fmt.Errorf("store.dynamodb.table and store.dynamodb.partition_key are required")
		}
		if c.Store.DynamoDB.Region == "" {
			return fmt.Errorf("store.dynamodb.region is required")
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required")
		}
		if c.Store.Postgres.BatchSize <= 0 {
			return fmt.Errorf("store.postgres.batch_size must be greater than zero")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown store.backend %q", c.Store.Backend)
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns override when positive, otherwise the configured export cap.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
