package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"wacast/internal/pacing"
	"wacast/internal/storage"
	"wacast/internal/vcache"
	logx "wacast/pkg/logx"
)

// Config is the full daemon configuration. Duration fields are strings
// in Go syntax ("30s", "24h") so they read naturally in YAML.
type Config struct {
	Log     LogConfig     `json:"log"`
	Storage StorageConfig `json:"storage"`
	Channel ChannelConfig `json:"channel"`
	Server  ServerConfig  `json:"server"`
	Cache   CacheConfig   `json:"cache"`
	Pacing  PacingConfig  `json:"pacing"`
}

type LogConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LogFileConfig `json:"file"`
}

type LogFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type ChannelConfig struct {
	Driver   string         `json:"driver"` // "bridge" (default) or "telegram"
	Bridge   BridgeConfig   `json:"bridge"`
	Telegram TelegramConfig `json:"telegram"`
}

type BridgeConfig struct {
	BaseURL    string `json:"base_url"`
	Timeout    string `json:"timeout"`
	RatePerSec int    `json:"rate_per_sec"`
}

type TelegramConfig struct {
	Token string `json:"token"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type CacheConfig struct {
	TTL           string `json:"ttl"`
	SweepSchedule string `json:"sweep_schedule"`
}

// PacingConfig overrides the stock tier table. Leave empty for defaults.
type PacingConfig struct {
	Tiers      []PacingTier `json:"tiers"`
	BatchSize  int          `json:"batch_size"`
	BatchPause string       `json:"batch_pause"`
}

type PacingTier struct {
	Mode          string `json:"mode"`
	MaxRecipients int    `json:"max_recipients"`
	MinDelay      string `json:"min_delay"`
	MaxDelay      string `json:"max_delay"`
}

// Default returns a runnable local configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Console: true},
		Storage: StorageConfig{
			Driver:      "sqlite",
			Path:        "./data/wacast.db",
			BusyTimeout: "5s",
		},
		Channel: ChannelConfig{
			Driver: "bridge",
			Bridge: BridgeConfig{BaseURL: "http://127.0.0.1:8811", Timeout: "60s", RatePerSec: 5},
		},
		Server: ServerConfig{Addr: "127.0.0.1:8820"},
		Cache:  CacheConfig{TTL: "24h", SweepSchedule: "@every 1h"},
	}
}

// Validate rejects configs the daemon cannot start with.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	switch strings.ToLower(strings.TrimSpace(c.Channel.Driver)) {
	case "", "bridge":
		if strings.TrimSpace(c.Channel.Bridge.BaseURL) == "" {
			return errors.New("channel.bridge.base_url is required")
		}
	case "telegram":
		if strings.TrimSpace(c.Channel.Telegram.Token) == "" {
			return errors.New("channel.telegram.token is required")
		}
	default:
		return fmt.Errorf("channel.driver: unknown driver %q", c.Channel.Driver)
	}
	if _, err := c.StorageConfig(); err != nil {
		return err
	}
	if _, err := c.CacheConfig(); err != nil {
		return err
	}
	if _, err := c.PacingPolicy(); err != nil {
		return err
	}
	return nil
}

// LogxConfig converts to the logging service config.
func (c *Config) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Log.Level,
		Console: c.Log.Console,
		File:    logx.FileConfig{Enabled: c.Log.File.Enabled, Path: c.Log.File.Path},
	}
}

// StorageConfig converts to the store config.
func (c *Config) StorageConfig() (storage.Config, error) {
	busy, err := ParseDurationOrDefault("storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

// CacheConfig converts to the validation cache config.
func (c *Config) CacheConfig() (vcache.Config, error) {
	ttl, err := ParseDurationOrDefault("cache.ttl", c.Cache.TTL, vcache.DefaultTTL)
	if err != nil {
		return vcache.Config{}, err
	}
	return vcache.Config{TTL: ttl, SweepSchedule: c.Cache.SweepSchedule}, nil
}

// PacingPolicy builds the pacing policy; an empty tier list keeps the
// stock table.
func (c *Config) PacingPolicy() (pacing.Policy, error) {
	if len(c.Pacing.Tiers) == 0 && c.Pacing.BatchSize == 0 && c.Pacing.BatchPause == "" {
		return pacing.Default(), nil
	}
	tiers := make([]pacing.Tier, 0, len(c.Pacing.Tiers))
	for i, t := range c.Pacing.Tiers {
		prefix := fmt.Sprintf("pacing.tiers[%d]", i)
		minD, err := ParseDurationField(prefix+".min_delay", t.MinDelay)
		if err != nil {
			return pacing.Policy{}, err
		}
		maxD, err := ParseDurationField(prefix+".max_delay", t.MaxDelay)
		if err != nil {
			return pacing.Policy{}, err
		}
		if maxD < minD {
			return pacing.Policy{}, fmt.Errorf("%s: max_delay below min_delay", prefix)
		}
		tiers = append(tiers, pacing.Tier{
			Mode:          pacing.Mode(t.Mode),
			MaxRecipients: t.MaxRecipients,
			MinDelay:      minD,
			MaxDelay:      maxD,
		})
	}
	pause, err := ParseDurationField("pacing.batch_pause", c.Pacing.BatchPause)
	if err != nil {
		return pacing.Policy{}, err
	}
	if len(tiers) == 0 {
		// Batch knobs alone: keep the stock tiers.
		tiers = pacing.DefaultTiers()
	}
	return pacing.New(tiers, c.Pacing.BatchSize, pause), nil
}
