// Package config defines and loads candlepipe's configuration tree using
// nested structs with yaml tags, trimmed to exactly the environment
// inputs the pipeline declares.
package config

import (
	"fmt"

	"github.com/fotonphotos/candlepipe/internal/candle"
)

// Config is the root configuration tree.
type Config struct {
	Cache    CacheConfig    `yaml:"cache"`
	Stream   StreamConfig   `yaml:"stream"`
	Health   HealthConfig   `yaml:"health"`
	Backfill BackfillConfig `yaml:"backfill"`
	Symbols  []SymbolConfig `yaml:"symbols"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// ShutdownTimeoutMs bounds how long shutdown waits for in-flight
	// candle saves to settle before closing the event bus.
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms"`
}

type CacheConfig struct {
	MaxMemoryCandles int `yaml:"max_memory_candles"`
}

type StreamConfig struct {
	SpotWSBaseURL        string `yaml:"spot_ws_base_url"`
	FuturesWSBaseURL     string `yaml:"futures_ws_base_url"`
	ReconnectIntervalMs  int    `yaml:"reconnect_interval_ms"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"`
}

type HealthConfig struct {
	CheckIntervalMs int `yaml:"check_interval_ms"`
}

type BackfillConfig struct {
	SpotRESTBaseURL      string `yaml:"spot_rest_base_url"`
	FuturesRESTBaseURL   string `yaml:"futures_rest_base_url"`
	MaxCandlesPerRequest int    `yaml:"max_candles_per_request"`
	RequestDelayMs       int    `yaml:"request_delay_ms"`
	BatchSize            int    `yaml:"batch_size"`
	MaxRetries           int    `yaml:"max_retries"`
}

type SymbolConfig struct {
	Symbol string        `yaml:"symbol"`
	Market candle.Market `yaml:"market"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"` // overridable via CANDLEPIPE_POSTGRES_DSN
}

type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"` // overridable via CANDLEPIPE_REDIS_PASSWORD
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// defaultMonitoredSymbols mirrors "10 major pairs" from the documented
// default.
var defaultMonitoredSymbols = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT",
	"ADAUSDT", "DOGEUSDT", "AVAXUSDT", "DOTUSDT", "LINKUSDT",
}

// applyDefaults fills every documented default for a zero-valued field.
func (c *Config) applyDefaults() {
	if c.Cache.MaxMemoryCandles == 0 {
		c.Cache.MaxMemoryCandles = 200
	}
	if c.Stream.ReconnectIntervalMs == 0 {
		c.Stream.ReconnectIntervalMs = 5000
	}
	if c.Stream.MaxReconnectAttempts == 0 {
		c.Stream.MaxReconnectAttempts = 5
	}
	if c.Stream.SpotWSBaseURL == "" {
		c.Stream.SpotWSBaseURL = "wss://stream.binance.com:9443"
	}
	if c.Stream.FuturesWSBaseURL == "" {
		c.Stream.FuturesWSBaseURL = "wss://fstream.binance.com"
	}
	if c.Health.CheckIntervalMs == 0 {
		c.Health.CheckIntervalMs = 60000
	}
	if c.Backfill.MaxCandlesPerRequest == 0 {
		c.Backfill.MaxCandlesPerRequest = 1500
	}
	if c.Backfill.RequestDelayMs == 0 {
		c.Backfill.RequestDelayMs = 200
	}
	if c.Backfill.BatchSize == 0 {
		c.Backfill.BatchSize = 500
	}
	if c.Backfill.MaxRetries == 0 {
		c.Backfill.MaxRetries = 3
	}
	if c.Backfill.SpotRESTBaseURL == "" {
		c.Backfill.SpotRESTBaseURL = "https://api.binance.com/api/v3"
	}
	if c.Backfill.FuturesRESTBaseURL == "" {
		c.Backfill.FuturesRESTBaseURL = "https://fapi.binance.com/fapi/v1"
	}
	if len(c.Symbols) == 0 {
		for _, s := range defaultMonitoredSymbols {
			c.Symbols = append(c.Symbols, SymbolConfig{Symbol: s, Market: candle.Futures})
		}
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.ShutdownTimeoutMs == 0 {
		c.ShutdownTimeoutMs = 5000
	}
}

// Validate refuses to start on fatal configuration errors, per the
// error taxonomy's "fatal configuration" category.
func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol must be configured")
	}
	for _, s := range c.Symbols {
		if s.Symbol == "" {
			return fmt.Errorf("config: symbol entry missing Symbol field")
		}
	}
	return nil
}

// Keys flattens the symbol configuration into candle.Key values at the
// fixed 15m interval this service supports.
func (c *Config) Keys() []candle.Key {
	keys := make([]candle.Key, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		keys = append(keys, candle.Key{Symbol: s.Symbol, Market: s.Market, Interval: candle.Interval15m})
	}
	return keys
}
