package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"stock-rise-monitor/internal/engine"
)

const DefaultBaseURL = "https://quant.10jqka.com.cn"

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Log         LogConfig         `yaml:"log"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Market      MarketConfig      `yaml:"market"`
	Engine      EngineConfig      `yaml:"engine"`
	Store       StoreConfig       `yaml:"store"`
	Push        PushConfig        `yaml:"push"`
	Alert       AlertConfig       `yaml:"alert"`
	DigestAgent DigestAgentConfig `yaml:"digest_agent"`
}

type ServerConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type SchedulerConfig struct {
	IntervalSec    int    `yaml:"interval_sec"`
	TopN           int    `yaml:"top_n"`
	Save           bool   `yaml:"save"`
	OutputDir      string `yaml:"output_dir"`
	FailureBackoff bool   `yaml:"failure_backoff"`
}

type MarketConfig struct {
	// Provider is one of ths, sina, eastmoney or synthetic.
	Provider     string   `yaml:"provider"`
	BaseURL      string   `yaml:"base_url"`
	Token        string   `yaml:"token"`
	TimeoutMs    int      `yaml:"timeout_ms"`
	BatchSize    int      `yaml:"batch_size"`
	BatchPauseMs int      `yaml:"batch_pause_ms"`
	Symbols      []string `yaml:"symbols"`
}

type EngineConfig struct {
	ElapsedClock string `yaml:"elapsed_clock"`
}

type StoreConfig struct {
	Sqlite SqliteConfig `yaml:"sqlite"`
}

type SqliteConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type PushConfig struct {
	Dingtalk DingtalkConfig `yaml:"dingtalk"`
}

type DingtalkConfig struct {
	Webhook   string `yaml:"webhook"`
	Secret    string `yaml:"secret"`
	TimeoutMs int    `yaml:"timeout_ms"`
}

type AlertConfig struct {
	Enabled       bool            `yaml:"enabled"`
	MinRiseSpeed  float64         `yaml:"min_rise_speed"`
	HighRiseSpeed float64         `yaml:"high_rise_speed"`
	TopK          int             `yaml:"top_k"`
	RateLimit     RateLimitConfig `yaml:"rate_limit"`
	Dedup         DedupConfig     `yaml:"dedup"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	Burst     int `yaml:"burst"`
}

type DedupConfig struct {
	WindowSec int `yaml:"window_sec"`
}

type DigestAgentConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Model      string `yaml:"model"`
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	ByAzure    bool   `yaml:"by_azure"`
	APIVersion string `yaml:"api_version"`
	TimeoutMs  int    `yaml:"timeout_ms"`
}

func Default() Config {
	return Config{
		Server: ServerConfig{Enabled: false, Port: 8080},
		Log:    LogConfig{Level: "info", Format: "text", MaxSizeMB: 100, MaxAgeDays: 7},
		Scheduler: SchedulerConfig{
			IntervalSec: 60,
			TopN:        100,
			Save:        true,
			OutputDir:   ".",
		},
		Market: MarketConfig{
			Provider:     "ths",
			BaseURL:      DefaultBaseURL,
			TimeoutMs:    30000,
			BatchSize:    50,
			BatchPauseMs: 100,
		},
		Engine: EngineConfig{ElapsedClock: string(engine.ClockWall)},
		Store: StoreConfig{
			Sqlite: SqliteConfig{Enabled: false, Path: "data/monitor.db"},
		},
		Push: PushConfig{
			Dingtalk: DingtalkConfig{TimeoutMs: 5000},
		},
		Alert: AlertConfig{
			Enabled:      false,
			MinRiseSpeed: 1.0,
			TopK:         5,
			RateLimit:    RateLimitConfig{PerMinute: 20, Burst: 5},
			Dedup:        DedupConfig{WindowSec: 300},
		},
		DigestAgent: DigestAgentConfig{
			Enabled:   false,
			Model:     "gpt-4.1-mini",
			TimeoutMs: 10000,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path or a missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
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
	if v := os.Getenv("MONITOR_TOKEN"); v != "" {
		cfg.Market.Token = v
	}
	if v := os.Getenv("MONITOR_BASE_URL"); v != "" {
		cfg.Market.BaseURL = v
	}
	if v := os.Getenv("MONITOR_INTERVAL_SEC"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MONITOR_INTERVAL_SEC: %q", v)
		}
		cfg.Scheduler.IntervalSec = n
	}
	if v := os.Getenv("MONITOR_TOP_N"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MONITOR_TOP_N: %q", v)
		}
		cfg.Scheduler.TopN = n
	}
	if v := os.Getenv("MONITOR_SAVE"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid MONITOR_SAVE: %q", v)
		}
		cfg.Scheduler.Save = b
	}
	if v := os.Getenv("DINGTALK_WEBHOOK"); v != "" {
		cfg.Push.Dingtalk.Webhook = v
	}
	if v := os.Getenv("DINGTALK_SECRET"); v != "" {
		cfg.Push.Dingtalk.Secret = v
	}
	return nil
}

// Validate rejects settings the monitor cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Scheduler.IntervalSec <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.interval_sec must be positive, got %d", c.Scheduler.IntervalSec))
	}
	if c.Scheduler.TopN <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.top_n must be positive, got %d", c.Scheduler.TopN))
	}
	switch strings.ToLower(c.Market.Provider) {
	case "ths", "sina", "eastmoney", "synthetic":
	default:
		errs = append(errs, fmt.Errorf("market.provider %q is not one of ths, sina, eastmoney, synthetic", c.Market.Provider))
	}
	if strings.EqualFold(c.Market.Provider, "ths") && c.Market.BaseURL == "" {
		errs = append(errs, fmt.Errorf("market.base_url is required for the ths provider"))
	}
	if c.Market.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("market.batch_size must be positive, got %d", c.Market.BatchSize))
	}
	if c.Market.BatchPauseMs < 0 {
		errs = append(errs, fmt.Errorf("market.batch_pause_ms must not be negative, got %d", c.Market.BatchPauseMs))
	}
	if c.Market.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("market.timeout_ms must be positive, got %d", c.Market.TimeoutMs))
	}
	if c.Push.Dingtalk.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("push.dingtalk.timeout_ms must be positive, got %d", c.Push.Dingtalk.TimeoutMs))
	}
	if _, err := engine.ParseElapsedClock(c.Engine.ElapsedClock); err != nil {
		errs = append(errs, fmt.Errorf("engine.elapsed_clock: %w", err))
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Alert.Enabled {
		if c.Push.Dingtalk.Webhook == "" {
			errs = append(errs, fmt.Errorf("alert.enabled requires push.dingtalk.webhook"))
		}
		if c.Alert.HighRiseSpeed != 0 && c.Alert.HighRiseSpeed < c.Alert.MinRiseSpeed {
			errs = append(errs, fmt.Errorf("alert.high_rise_speed %.2f is below alert.min_rise_speed %.2f", c.Alert.HighRiseSpeed, c.Alert.MinRiseSpeed))
		}
	}
	return errors.Join(errs...)
}
