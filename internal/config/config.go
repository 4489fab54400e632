// Package config loads memvault configuration from TOML, the environment and
// .env files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/lazypower/memvault/internal/meter"
)

// Config holds all memvault configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Crypto   CryptoConfig   `toml:"crypto"`
	Pricing  PricingConfig  `toml:"pricing"`
	Limits   LimitsConfig   `toml:"limits"`
	Reaper   ReaperConfig   `toml:"reaper"`
	Billing  BillingConfig  `toml:"billing"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

type DatabaseConfig struct {
	Path string `toml:"path"` // empty = store.DefaultDBPath()
}

type CryptoConfig struct {
	MasterKey    string `toml:"master_key"`     // base64, at least 32 bytes decoded
	KeyCacheSize int64  `toml:"key_cache_size"` // derived agent keys kept in memory
}

// PricingConfig is in US dollars. Deletes are always free.
type PricingConfig struct {
	Store  float64 `toml:"store"`
	Get    float64 `toml:"get"`
	Search float64 `toml:"search"`
}

type LimitsConfig struct {
	MaxRecords          int `toml:"max_records"`
	MaxPayloadBytes     int `toml:"max_payload_bytes"`
	MaxTags             int `toml:"max_tags"`
	MaxTagLength        int `toml:"max_tag_length"`
	EmbeddingDimensions int `toml:"embedding_dimensions"`
	MaxTopK             int `toml:"max_top_k"`
	FlatSearchLimit     int `toml:"flat_search_limit"` // per-agent vectors scanned exactly before HNSW
}

type ReaperConfig struct {
	Interval    time.Duration `toml:"interval"`
	Concurrency int           `toml:"concurrency"`
}

type BillingConfig struct {
	Enabled       bool          `toml:"enabled"`
	RedisAddr     string        `toml:"redis_addr"`
	RedisPassword string        `toml:"redis_password"`
	RedisDB       int           `toml:"redis_db"`
	Stream        string        `toml:"stream"`
	Interval      time.Duration `toml:"interval"`
	Batch         int           `toml:"batch"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json, console
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Bind: "127.0.0.1",
			Port: 37780,
		},
		Crypto: CryptoConfig{
			KeyCacheSize: 10_000,
		},
		Pricing: PricingConfig{
			Store:  0.001,
			Get:    0.001,
			Search: 0.005,
		},
		Limits: LimitsConfig{
			MaxRecords:      1_000_000,
			MaxPayloadBytes: 1 << 20,
			MaxTags:         32,
			MaxTagLength:    64,
			MaxTopK:         100,
			FlatSearchLimit: 4096,
		},
		Reaper: ReaperConfig{
			Interval:    time.Minute,
			Concurrency: 4,
		},
		Billing: BillingConfig{
			RedisAddr: "127.0.0.1:6379",
			Stream:    "memvault:usage",
			Interval:  5 * time.Second,
			Batch:     500,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// DefaultPath returns ~/.memvault/config.toml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".memvault", "config.toml"), nil
}

// Load reads path over the defaults and applies MEMVAULT_* environment
// overrides. An empty path means DefaultPath, which may be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	md, err := toml.DecodeFile(path, &cfg)
	switch {
	case errors.Is(err, os.ErrNotExist) && !explicit:
		// no config file; defaults plus environment
	case err != nil:
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	default:
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return cfg, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	str := func(name string, dst *string) {
		if v, ok := os.LookupEnv(name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := os.LookupEnv(name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = n
		return nil
	}

	str("MEMVAULT_BIND", &c.Server.Bind)
	str("MEMVAULT_DB", &c.Database.Path)
	str("MEMVAULT_MASTER_KEY", &c.Crypto.MasterKey)
	str("MEMVAULT_REDIS_ADDR", &c.Billing.RedisAddr)
	str("MEMVAULT_REDIS_PASSWORD", &c.Billing.RedisPassword)
	str("MEMVAULT_LOG_LEVEL", &c.Log.Level)
	str("MEMVAULT_LOG_FORMAT", &c.Log.Format)

	if err := num("MEMVAULT_PORT", &c.Server.Port); err != nil {
		return err
	}
	if err := num("MEMVAULT_MAX_RECORDS", &c.Limits.MaxRecords); err != nil {
		return err
	}
	if v, ok := os.LookupEnv("MEMVAULT_BILLING_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("MEMVAULT_BILLING_ENABLED: %w", err)
		}
		c.Billing.Enabled = b
	}
	if v, ok := os.LookupEnv("MEMVAULT_REAPER_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MEMVAULT_REAPER_INTERVAL: %w", err)
		}
		c.Reaper.Interval = d
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Pricing.Store < 0 || c.Pricing.Get < 0 || c.Pricing.Search < 0 {
		errs = append(errs, errors.New("pricing must not be negative"))
	}
	if c.Limits.MaxRecords < 0 || c.Limits.MaxPayloadBytes < 0 || c.Limits.MaxTags < 0 ||
		c.Limits.MaxTagLength < 0 || c.Limits.EmbeddingDimensions < 0 || c.Limits.MaxTopK < 0 {
		errs = append(errs, errors.New("limits must not be negative"))
	}
	if c.Reaper.Interval <= 0 {
		errs = append(errs, errors.New("reaper.interval must be positive"))
	}
	if c.Crypto.KeyCacheSize < 1 {
		errs = append(errs, errors.New("crypto.key_cache_size must be at least 1"))
	}
	if c.Billing.Enabled {
		if c.Billing.Interval <= 0 {
			errs = append(errs, errors.New("billing.interval must be positive"))
		}
		if c.Billing.Batch < 1 {
			errs = append(errs, errors.New("billing.batch must be at least 1"))
		}
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ListenAddr returns the bind:port address string.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Bind, c.Server.Port)
}

// MeterPricing converts the dollar price list.
func (c *Config) MeterPricing() meter.Pricing {
	return meter.Pricing{
		Store:  meter.CostFromDollars(c.Pricing.Store),
		Get:    meter.CostFromDollars(c.Pricing.Get),
		Search: meter.CostFromDollars(c.Pricing.Search),
	}
}
