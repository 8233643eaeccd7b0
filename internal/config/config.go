// Package config loads engine configuration from STORYGUARD_* environment variables.
package config

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
	StoreRedis  = "redis"
)

// Config is the runtime configuration shared by the CLI and the server.
type Config struct {
	LogLevel           string        `env:"STORYGUARD_LOG_LEVEL"           envDefault:"info"`
	StaleAfter         time.Duration `env:"STORYGUARD_STALE_AFTER"         envDefault:"45s"`
	BackstoryThreshold int           `env:"STORYGUARD_BACKSTORY_THRESHOLD" envDefault:"2"`
	MaxVisits          int           `env:"STORYGUARD_MAX_VISITS"          envDefault:"3"`

	Store       string        `env:"STORYGUARD_STORE"        envDefault:"memory"`
	StoreDir    string        `env:"STORYGUARD_STORE_DIR"    envDefault:".storyguard"`
	RedisAddr   string        `env:"STORYGUARD_REDIS_ADDR"   envDefault:"localhost:6379"`
	RedisPrefix string        `env:"STORYGUARD_REDIS_PREFIX" envDefault:"storyguard"`
	SessionTTL  time.Duration `env:"STORYGUARD_SESSION_TTL"  envDefault:"24h"`

	// SnapshotKey is a base64 AES-256 key. When set, saved sessions are encrypted.
	SnapshotKey          string   `env:"STORYGUARD_SNAPSHOT_KEY"`
	SnapshotFallbackKeys []string `env:"STORYGUARD_SNAPSHOT_FALLBACK_KEYS" envSeparator:","`

	HTTPAddr      string `env:"STORYGUARD_HTTP_ADDR"      envDefault:":8080"`
	SweepSchedule string `env:"STORYGUARD_SWEEP_SCHEDULE" envDefault:"@every 30s"`

	ContentDir string `env:"STORYGUARD_CONTENT_DIR" envDefault:"content"`
}

// Load reads the process environment.
func Load() (Config, error) {
	return parse(env.Options{})
}

// LoadFrom reads the given environment instead of the process one.
func LoadFrom(environ map[string]string) (Config, error) {
	return parse(env.Options{Environment: environ})
}

func parse(opts env.Options) (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values the environment parser cannot.
func (c Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreFile, StoreRedis:
	default:
		return fmt.Errorf("unknown store %q (want memory, file or redis)", c.Store)
	}
	if c.StaleAfter <= 0 {
		return fmt.Errorf("stale-after must be positive, got %s", c.StaleAfter)
	}
	if c.MaxVisits <= 0 {
		return fmt.Errorf("max-visits must be positive, got %d", c.MaxVisits)
	}
	if _, _, err := c.SnapshotKeys(); err != nil {
		return err
	}
	return nil
}

// SnapshotKeys decodes the snapshot encryption keys. A nil active key means
// encryption is off.
func (c Config) SnapshotKeys() (active []byte, fallback [][]byte, err error) {
	if c.SnapshotKey == "" {
		if len(c.SnapshotFallbackKeys) > 0 {
			return nil, nil, fmt.Errorf("snapshot fallback keys need an active snapshot key")
		}
		return nil, nil, nil
	}
	if active, err = decodeKey(c.SnapshotKey); err != nil {
		return nil, nil, fmt.Errorf("snapshot key: %w", err)
	}
	for i, k := range c.SnapshotFallbackKeys {
		key, err := decodeKey(k)
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot fallback key #%d: %w", i+1, err)
		}
		fallback = append(fallback, key)
	}
	return active, fallback, nil
}

func decodeKey(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("not base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(key))
	}
	return key, nil
}
