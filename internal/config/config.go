package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	Env           string        `mapstructure:"KV_ENV"`
	Addr          string        `mapstructure:"KV_ADDR"`
	Shards        int           `mapstructure:"KV_SHARDS"`
	SweepInterval time.Duration `mapstructure:"KV_SWEEP_INTERVAL"`
	MaxFrameBytes int           `mapstructure:"KV_MAX_FRAME_BYTES"`
	IdleTimeout   time.Duration `mapstructure:"KV_IDLE_TIMEOUT"`
	RateLimit     float64       `mapstructure:"KV_RATE_LIMIT"` // requests/s per connection, 0 = unlimited
	RateBurst     int           `mapstructure:"KV_RATE_BURST"`
	HTTPAddr      string        `mapstructure:"KV_HTTP_ADDR"`

	Archive ArchiveConfig `mapstructure:",squash"`
}

// ArchiveConfig controls where expired entries are recorded. An empty Dir
// disables the archive; Bucket additionally mirrors the file to GCS.
type ArchiveConfig struct {
	Dir    string `mapstructure:"KV_ARCHIVE_DIR"`
	Fsync  bool   `mapstructure:"KV_ARCHIVE_FSYNC"`
	Bucket string `mapstructure:"KV_ARCHIVE_BUCKET"`
	Object string `mapstructure:"KV_ARCHIVE_OBJECT"`
}

// FlagKeys maps command-line flag names onto config keys.
var FlagKeys = map[string]string{
	"env":            "KV_ENV",
	"addr":           "KV_ADDR",
	"shards":         "KV_SHARDS",
	"sweep-interval": "KV_SWEEP_INTERVAL",
	"max-frame":      "KV_MAX_FRAME_BYTES",
	"idle-timeout":   "KV_IDLE_TIMEOUT",
	"rate-limit":     "KV_RATE_LIMIT",
	"rate-burst":     "KV_RATE_BURST",
	"http-addr":      "KV_HTTP_ADDR",
	"archive-dir":    "KV_ARCHIVE_DIR",
	"archive-fsync":  "KV_ARCHIVE_FSYNC",
	"archive-bucket": "KV_ARCHIVE_BUCKET",
	"archive-object": "KV_ARCHIVE_OBJECT",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("KV_ENV", "dev")
	v.SetDefault("KV_ADDR", "127.0.0.1:7379")
	v.SetDefault("KV_SHARDS", 16)
	v.SetDefault("KV_SWEEP_INTERVAL", "1s")
	v.SetDefault("KV_MAX_FRAME_BYTES", 16<<20)
	v.SetDefault("KV_IDLE_TIMEOUT", "0s")
	v.SetDefault("KV_RATE_LIMIT", 0)
	v.SetDefault("KV_RATE_BURST", 0)
	v.SetDefault("KV_HTTP_ADDR", "")
	v.SetDefault("KV_ARCHIVE_DIR", "")
	v.SetDefault("KV_ARCHIVE_FSYNC", false)
	v.SetDefault("KV_ARCHIVE_BUCKET", "")
	v.SetDefault("KV_ARCHIVE_OBJECT", "expired.log")
}

func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		_ = gotenv.Load(".env") // variables already set take precedence
	}
}

// Load reads defaults, .env, the environment and, when fs is non-nil, any
// flags named in FlagKeys that were set explicitly.
func Load(fs *pflag.FlagSet) (*Config, error) {
	loadDotEnv()

	v := viper.New()
	v.SetConfigType("env")
	v.AutomaticEnv()
	setDefaults(v)

	if fs != nil {
		for name, key := range FlagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if cfg.RateBurst <= 0 && cfg.RateLimit > 0 {
		cfg.RateBurst = int(cfg.RateLimit)
		if cfg.RateBurst < 1 {
			cfg.RateBurst = 1
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return fmt.Errorf("KV_ADDR is required")
	}
	if c.Shards <= 0 {
		return fmt.Errorf("KV_SHARDS must be positive, got %d", c.Shards)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("KV_SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	if c.MaxFrameBytes < 64 || c.MaxFrameBytes > 1<<30 {
		return fmt.Errorf("KV_MAX_FRAME_BYTES must be between 64 and %d, got %d", 1<<30, c.MaxFrameBytes)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("KV_IDLE_TIMEOUT must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("KV_RATE_LIMIT must not be negative")
	}
	if c.Archive.Bucket != "" && c.Archive.Dir == "" {
		return fmt.Errorf("KV_ARCHIVE_BUCKET requires KV_ARCHIVE_DIR")
	}
	switch c.Env {
	case "dev", "prod":
	default:
		return fmt.Errorf("invalid KV_ENV %q (must be dev or prod)", c.Env)
	}
	return nil
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}
