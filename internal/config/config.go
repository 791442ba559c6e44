package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"stockbar/internal/engine"
	"stockbar/internal/market"
)

type Config struct {
	Server  ServerConfig  `yaml:"server" toml:"server"`
	Log     LogConfig     `yaml:"log" toml:"log"`
	Market  MarketConfig  `yaml:"market" toml:"market"`
	Backoff BackoffConfig `yaml:"backoff" toml:"backoff"`
	History HistoryConfig `yaml:"history" toml:"history"`
	Limits  LimitsConfig  `yaml:"limits" toml:"limits"`
	Display DisplayConfig `yaml:"display" toml:"display"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Redis   RedisConfig   `yaml:"redis" toml:"redis"`
	Push    PushConfig    `yaml:"push" toml:"push"`
	Alert   AlertConfig   `yaml:"alert" toml:"alert"`
}

type ServerConfig struct {
	Port int `yaml:"port" toml:"port"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

type MarketConfig struct {
	Symbols              []string `yaml:"symbols" toml:"symbols"`
	IntervalSec          int      `yaml:"interval_sec" toml:"interval_sec"`
	FetchTimeoutMs       int      `yaml:"fetch_timeout_ms" toml:"fetch_timeout_ms"`
	MinRequestIntervalMs int      `yaml:"min_request_interval_ms" toml:"min_request_interval_ms"`
	Providers            []string `yaml:"providers" toml:"providers"`
	ProviderTimeoutMs    int      `yaml:"provider_timeout_ms" toml:"provider_timeout_ms"`
	ShutdownGraceMs      int      `yaml:"shutdown_grace_ms" toml:"shutdown_grace_ms"`
}

type BackoffConfig struct {
	BaseMs   int `yaml:"base_ms" toml:"base_ms"`
	CapMs    int `yaml:"cap_ms" toml:"cap_ms"`
	JitterMs int `yaml:"jitter_ms" toml:"jitter_ms"`
}

type HistoryConfig struct {
	GraceSec int `yaml:"grace_sec" toml:"grace_sec"`
}

// LimitsConfig overrides the board limit table, in percent.
type LimitsConfig struct {
	Boards  map[string]float64 `yaml:"boards" toml:"boards"`
	Default float64            `yaml:"default" toml:"default"`
}

// DisplayConfig is carried for the renderer only.
type DisplayConfig struct {
	ShowChart            bool    `yaml:"show_chart" toml:"show_chart" json:"show_chart"`
	ShowPrice            bool    `yaml:"show_price" toml:"show_price" json:"show_price"`
	ChartFixedPercentage bool    `yaml:"chart_fixed_percentage" toml:"chart_fixed_percentage" json:"chart_fixed_percentage"`
	ChartMaxPercentage   float64 `yaml:"chart_max_percentage" toml:"chart_max_percentage" json:"chart_max_percentage"`
	ChartHeight          int     `yaml:"chart_height" toml:"chart_height" json:"chart_height"`
}

type StoreConfig struct {
	Sqlite SqliteConfig `yaml:"sqlite" toml:"sqlite"`
}

type SqliteConfig struct {
	Path string `yaml:"path" toml:"path"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" toml:"addr"`
	Password string `yaml:"password" toml:"password"`
	DB       int    `yaml:"db" toml:"db"`
	Prefix   string `yaml:"prefix" toml:"prefix"`
	TTLSec   int    `yaml:"ttl_sec" toml:"ttl_sec"`
}

type PushConfig struct {
	Dingtalk DingtalkConfig `yaml:"dingtalk" toml:"dingtalk"`
}

type DingtalkConfig struct {
	Webhook   string `yaml:"webhook" toml:"webhook"`
	Secret    string `yaml:"secret" toml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms" toml:"timeout_ms"`
}

type AlertConfig struct {
	Enabled   bool            `yaml:"enabled" toml:"enabled"`
	RateLimit RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	QueueSize int             `yaml:"queue_size" toml:"queue_size"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute" toml:"per_minute"`
	Burst     int `yaml:"burst" toml:"burst"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Log:    LogConfig{Level: "info"},
		Market: MarketConfig{
			Symbols:              []string{"002624", "000001"},
			IntervalSec:          3,
			MinRequestIntervalMs: 500,
			Providers:            []string{"eastmoney", "sina"},
			ProviderTimeoutMs:    5000,
			ShutdownGraceMs:      2000,
		},
		Backoff: BackoffConfig{BaseMs: 1000, CapMs: 60000, JitterMs: 500},
		History: HistoryConfig{GraceSec: 600},
		Limits:  LimitsConfig{Default: 10},
		Display: DisplayConfig{
			ShowChart:            true,
			ShowPrice:            true,
			ChartFixedPercentage: true,
			ChartMaxPercentage:   10,
			ChartHeight:          120,
		},
		Store: StoreConfig{
			Sqlite: SqliteConfig{Path: "data/stockbar.db"},
		},
		Redis: RedisConfig{Prefix: "stockbar", TTLSec: 86400},
		Push: PushConfig{
			Dingtalk: DingtalkConfig{TimeoutMs: 5000},
		},
		Alert: AlertConfig{
			RateLimit: RateLimitConfig{PerMinute: 20, Burst: 5},
			QueueSize: 64,
		},
	}
}

// Load reads a YAML file, or TOML when the path ends in .toml, over the
// defaults, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return fmt.Errorf("invalid PORT: %q", v)
		}
		cfg.Server.Port = p
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("STOCKBAR_SYMBOLS"); v != "" {
		cfg.Market.Symbols = splitList(v)
	}
	if v := os.Getenv("STOCKBAR_INTERVAL_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid STOCKBAR_INTERVAL_SEC: %q", v)
		}
		cfg.Market.IntervalSec = n
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("DINGTALK_WEBHOOK"); v != "" {
		cfg.Push.Dingtalk.Webhook = v
	}
	if v := os.Getenv("DINGTALK_SECRET"); v != "" {
		cfg.Push.Dingtalk.Secret = v
	}
	return nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	for _, p := range c.Market.Providers {
		switch strings.ToLower(p) {
		case "eastmoney", "sina":
		default:
			return fmt.Errorf("invalid market.providers: unknown provider %q", p)
		}
	}
	if len(c.Market.Providers) == 0 {
		return fmt.Errorf("invalid market.providers: at least one provider is required")
	}
	_, err := c.Engine()
	return err
}

// Engine converts the market section into an engine config. Symbol and
// interval problems come back as *engine.ConfigurationError.
func (c *Config) Engine() (engine.Config, error) {
	syms, err := market.ParseSymbols(c.Market.Symbols)
	if err != nil {
		return engine.Config{}, &engine.ConfigurationError{Field: "symbols", Reason: err.Error()}
	}
	cfg := engine.Config{
		Symbols:      syms,
		Interval:     time.Duration(c.Market.IntervalSec) * time.Second,
		FetchTimeout: time.Duration(c.Market.FetchTimeoutMs) * time.Millisecond,
		// validated against the fetch timeout so the limiter can always fire
		MinRequestInterval: time.Duration(c.Market.MinRequestIntervalMs) * time.Millisecond,
		Backoff: engine.Backoff{
			Base:   time.Duration(c.Backoff.BaseMs) * time.Millisecond,
			Cap:    time.Duration(c.Backoff.CapMs) * time.Millisecond,
			Jitter: time.Duration(c.Backoff.JitterMs) * time.Millisecond,
		},
		HistoryGrace:  time.Duration(c.History.GraceSec) * time.Second,
		ShutdownGrace: time.Duration(c.Market.ShutdownGraceMs) * time.Millisecond,
	}
	if err := cfg.Validate(); err != nil {
		return engine.Config{}, err
	}
	return cfg, nil
}

func (c *Config) LimitTable() market.LimitTable {
	return market.LimitTableFromPercents(c.Limits.Boards, c.Limits.Default)
}

func (c *Config) FetcherConfig() market.FetcherConfig {
	return market.FetcherConfig{
		MinRequestInterval: time.Duration(c.Market.MinRequestIntervalMs) * time.Millisecond,
	}
}

// Provider builds the configured provider chain.
func (c *Config) Provider() market.Provider {
	timeout := time.Duration(c.Market.ProviderTimeoutMs) * time.Millisecond
	providers := make([]market.Provider, 0, len(c.Market.Providers))
	for _, name := range c.Market.Providers {
		switch strings.ToLower(name) {
		case "eastmoney":
			providers = append(providers, market.NewEastmoneyProvider(timeout))
		case "sina":
			providers = append(providers, market.NewSinaProvider(timeout))
		}
	}
	if len(providers) == 1 {
		return providers[0]
	}
	return market.NewMultiProvider(providers...)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
