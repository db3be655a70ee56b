// Package config loads runtime settings from an optional YAML file and the
// environment, then validates them before anything starts.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every runtime setting of the expertflow binary.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	Scanner  ScannerConfig  `mapstructure:"scanner"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig is optional; without a URL the live feed is disabled.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ScannerConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

type SweeperConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Schedule   string `mapstructure:"schedule"`
	BatchSize  int    `mapstructure:"batch_size"`
	MaxBatches int    `mapstructure:"max_batches"`
}

type OutboxConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Jitter         float64       `mapstructure:"jitter"`
}

// EnvPrefix namespaces environment overrides: EXPERTFLOW_HTTP_ADDR, ...
const EnvPrefix = "EXPERTFLOW"

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("database.url", "")
	v.SetDefault("redis.url", "")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("scanner.interval", 30*time.Second)
	v.SetDefault("sweeper.enabled", true)
	v.SetDefault("sweeper.schedule", "@every 1m")
	v.SetDefault("sweeper.batch_size", 100)
	v.SetDefault("sweeper.max_batches", 50)
	v.SetDefault("outbox.poll_interval", 2*time.Second)
	v.SetDefault("outbox.batch_size", 20)
	v.SetDefault("outbox.max_attempts", 8)
	v.SetDefault("outbox.initial_backoff", 5*time.Second)
	v.SetDefault("outbox.max_backoff", 10*time.Minute)
	v.SetDefault("outbox.jitter", 0.2)
}

// Load reads path (when non-empty) and the environment. Bare DATABASE_URL,
// REDIS_URL and JWT_SECRET are honoured alongside the prefixed names.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, bare := range map[string]string{
		"database.url":    "DATABASE_URL",
		"redis.url":       "REDIS_URL",
		"auth.jwt_secret": "JWT_SECRET",
	} {
		if err := v.BindEnv(key, EnvPrefix+"_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), bare); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings needed to serve. inMemory relaxes the
// database requirement.
func (c *Config) Validate(inMemory bool) error {
	var errs []error
	if !inMemory && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url (DATABASE_URL) is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret (JWT_SECRET) is required"))
	}
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr must not be empty"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if c.Scanner.Interval <= 0 {
		errs = append(errs, errors.New("scanner.interval must be positive"))
	}
	if c.Sweeper.BatchSize <= 0 || c.Sweeper.MaxBatches <= 0 {
		errs = append(errs, errors.New("sweeper.batch_size and sweeper.max_batches must be positive"))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, errors.New("outbox.max_attempts must be positive"))
	}
	if c.Outbox.Jitter < 0 || c.Outbox.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("outbox.jitter must be in [0, 1), got %v", c.Outbox.Jitter))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ParseLevel maps debug|info|warn|error to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log.level: unknown level %q", s)
	}
	return lvl, nil
}
