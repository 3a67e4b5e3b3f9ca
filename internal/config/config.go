package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"market-sentry/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Collector CollectorConfig `mapstructure:"collector"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Push      PushConfig      `mapstructure:"push"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// BinanceConfig covers upstream market-data access.
type BinanceConfig struct {
	APIKey         string        `mapstructure:"api_key"`
	APISecret      string        `mapstructure:"api_secret"`
	BaseURL        string        `mapstructure:"base_url"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// CollectorConfig governs sampling cadences.
type CollectorConfig struct {
	PriceInterval         time.Duration `mapstructure:"price_interval"`
	OpenInterestInterval  time.Duration `mapstructure:"open_interest_interval"`
	SymbolRefreshInterval time.Duration `mapstructure:"symbol_refresh_interval"`
	FetchConcurrency      int           `mapstructure:"fetch_concurrency"`
}

// LedgerConfig governs snapshot retention.
type LedgerConfig struct {
	Retention          time.Duration `mapstructure:"retention"`
	GCInterval         time.Duration `mapstructure:"gc_interval"`
	CheckpointInterval time.Duration `mapstructure:"checkpoint_interval"`
}

// PushConfig tunes the dispatcher.
type PushConfig struct {
	TopN             int           `mapstructure:"top_n"`
	OITopN           int           `mapstructure:"oi_top_n"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
	ScheduleInterval time.Duration `mapstructure:"schedule_interval"`
	Trigger1h        time.Duration `mapstructure:"trigger_1h"`
	Trigger4h        time.Duration `mapstructure:"trigger_4h"`
	Trigger24h       time.Duration `mapstructure:"trigger_24h"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	APIBase  string `mapstructure:"api_base"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MARKETSENTRY")
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

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "marketsentry")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("binance.quote_asset", "USDT")
	v.SetDefault("binance.request_timeout", "10s")

	v.SetDefault("collector.price_interval", "1m")
	v.SetDefault("collector.open_interest_interval", "3m")
	v.SetDefault("collector.symbol_refresh_interval", "10m")
	v.SetDefault("collector.fetch_concurrency", 8)

	// Retention must reach past the longest ranking window (7d) plus margin.
	v.SetDefault("ledger.retention", "192h")
	v.SetDefault("ledger.gc_interval", "10m")
	v.SetDefault("ledger.checkpoint_interval", "5m")

	v.SetDefault("push.top_n", 10)
	v.SetDefault("push.oi_top_n", 10)
	v.SetDefault("push.cooldown", "1h")
	v.SetDefault("push.schedule_interval", "1m")
	v.SetDefault("push.trigger_1h", "3m")
	v.SetDefault("push.trigger_4h", "15m")
	v.SetDefault("push.trigger_24h", "30m")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
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
	if c.Collector.PriceInterval <= 0 {
		return fmt.Errorf("collector.price_interval must be greater than zero")
	}
	if c.Collector.OpenInterestInterval <= 0 {
		return fmt.Errorf("collector.open_interest_interval must be greater than zero")
	}
	if c.Ledger.Retention < 7*24*time.Hour {
		return fmt.Errorf("ledger.retention must cover the 7d ranking window")
	}
	if c.Push.TopN <= 0 {
		return fmt.Errorf("push.top_n must be greater than zero")
	}
	if c.Push.Cooldown <= 0 {
		return fmt.Errorf("push.cooldown must be greater than zero")
	}
	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token 必须配置")
	}
	return nil
}
