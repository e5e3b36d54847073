// Package config loads crawler settings from crawler.yaml and the
// environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/rcong315/channelcrawler/internal/accounts"
	"github.com/rcong315/channelcrawler/internal/crawler"
)

// EnvPrefix prefixes environment overrides, e.g. CRAWLER_BATCH_SIZE.
const EnvPrefix = "CRAWLER"

// Config holds every crawler setting.
type Config struct {
	Accounts []accounts.Account `mapstructure:"accounts"`

	BatchSize           int           `mapstructure:"batch_size"`
	RequestDelay        time.Duration `mapstructure:"request_delay"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	MaxRotations        int           `mapstructure:"max_rotations"`
	LowYieldThreshold   int           `mapstructure:"low_yield_threshold"`
	LowYieldStreak      int           `mapstructure:"low_yield_streak"`
	NotFoundStreak      int           `mapstructure:"not_found_streak"`
	SpamBanWindow       time.Duration `mapstructure:"spam_ban_window"`
	ProgressLogInterval time.Duration `mapstructure:"progress_log_interval"`

	SafetyBuffer    time.Duration `mapstructure:"safety_buffer"`
	MaxUnlockWait   time.Duration `mapstructure:"max_unlock_wait"`
	WaitLogInterval time.Duration `mapstructure:"wait_log_interval"`

	Schedule string `mapstructure:"schedule"`

	Gateway GatewayConfig `mapstructure:"gateway"`
	Admin   AdminConfig   `mapstructure:"admin"`
	Redis   RedisConfig   `mapstructure:"redis"`
	NATS    NATSConfig    `mapstructure:"nats"`
}

type GatewayConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type AdminConfig struct {
	Port   string `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// RedisConfig enables the cross-process crawl lock when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockKey  string        `mapstructure:"lock_key"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// NATSConfig enables discovery events when URL is set.
type NATSConfig struct {
	URL     string `mapstructure:"url"`
	Subject string `mapstructure:"subject"`
}

// Load reads the config file at path, or crawler.yaml from the working
// directory or ./config when path is empty, and applies environment
// overrides. A missing default file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("crawler")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("batch_size", crawler.DefaultBatchSize)
	v.SetDefault("request_delay", crawler.DefaultRequestDelay)
	v.SetDefault("max_retries", crawler.DefaultMaxRetries)
	v.SetDefault("retry_delay", crawler.DefaultRetryDelay)
	v.SetDefault("max_rotations", crawler.DefaultMaxRotations)
	v.SetDefault("low_yield_threshold", crawler.DefaultLowYieldThreshold)
	v.SetDefault("low_yield_streak", crawler.DefaultLowYieldStreak)
	v.SetDefault("not_found_streak", crawler.DefaultNotFoundStreak)
	v.SetDefault("spam_ban_window", crawler.DefaultSpamBanWindow)
	v.SetDefault("progress_log_interval", crawler.DefaultProgressLogInterval)

	v.SetDefault("safety_buffer", accounts.DefaultSafetyBuffer)
	v.SetDefault("max_unlock_wait", 15*time.Minute)
	v.SetDefault("wait_log_interval", accounts.DefaultWaitLogInterval)

	v.SetDefault("schedule", crawler.DefaultSchedule)

	v.SetDefault("gateway.url", "http://localhost:8081")
	v.SetDefault("gateway.timeout", 30*time.Second)
	v.SetDefault("admin.port", "8080")
	v.SetDefault("admin.api_key", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_key", "channelcrawler:pass")
	v.SetDefault("redis.lock_ttl", 2*time.Minute)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject", "channels.discovered")
}

// bindEnv accepts the unprefixed variable names shared with other services.
func bindEnv(v *viper.Viper) {
	_ = v.BindEnv("admin.api_key", "CRAWLER_ADMIN_API_KEY", "ADMIN_API_KEY")
	_ = v.BindEnv("admin.port", "CRAWLER_ADMIN_PORT", "PORT")
	_ = v.BindEnv("redis.addr", "CRAWLER_REDIS_ADDR", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "CRAWLER_REDIS_PASSWORD", "REDIS_PASSWORD")
	_ = v.BindEnv("nats.url", "CRAWLER_NATS_URL", "NATS_URL")
	_ = v.BindEnv("gateway.url", "CRAWLER_GATEWAY_URL", "GATEWAY_URL")
}

// Validate checks that the configuration can run a crawl.
func (c *Config) Validate() error {
	var errs []error
	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("at least one account is required"))
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, acc := range c.Accounts {
		if acc.Name == "" {
			errs = append(errs, fmt.Errorf("account %d: name is required", i))
			continue
		}
		if _, dup := seen[acc.Name]; dup {
			errs = append(errs, fmt.Errorf("account %s: duplicate name", acc.Name))
		}
		seen[acc.Name] = struct{}{}
		if acc.APIID <= 0 || acc.APIHash == "" {
			errs = append(errs, fmt.Errorf("account %s: api_id and api_hash are required", acc.Name))
		}
	}

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}
	if c.MaxRetries < 0 || c.MaxRotations < 0 {
		errs = append(errs, errors.New("max_retries and max_rotations cannot be negative"))
	}
	if c.LowYieldThreshold < 0 || c.LowYieldStreak < 0 || c.NotFoundStreak <= 0 {
		errs = append(errs, errors.New("low-yield settings cannot be negative and not_found_streak must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"request_delay":   c.RequestDelay,
		"retry_delay":     c.RetryDelay,
		"spam_ban_window": c.SpamBanWindow,
		"safety_buffer":   c.SafetyBuffer,
		"max_unlock_wait": c.MaxUnlockWait,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s cannot be negative", name))
		}
	}
	if c.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway.url is required"))
	}
	return errors.Join(errs...)
}

// EngineConfig returns the crawl engine settings.
func (c *Config) EngineConfig(logger *zap.Logger) crawler.Config {
	return crawler.Config{
		BatchSize:           c.BatchSize,
		RequestDelay:        c.RequestDelay,
		MaxRetries:          c.MaxRetries,
		RetryDelay:          c.RetryDelay,
		MaxRotations:        c.MaxRotations,
		LowYieldThreshold:   c.LowYieldThreshold,
		LowYieldStreak:      c.LowYieldStreak,
		NotFoundStreak:      c.NotFoundStreak,
		SpamBanWindow:       c.SpamBanWindow,
		ProgressLogInterval: c.ProgressLogInterval,
		Logger:              logger,
	}
}

// PoolConfig returns the account pool settings. store may be nil.
func (c *Config) PoolConfig(store accounts.FloodWaitStore, logger *zap.Logger) accounts.PoolConfig {
	return accounts.PoolConfig{
		SafetyBuffer:    c.SafetyBuffer,
		MaxUnlockWait:   c.MaxUnlockWait,
		WaitLogInterval: c.WaitLogInterval,
		Store:           store,
		Logger:          logger,
	}
}
