package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/habbes/quickbyte-sub000/internal/progress"
	"github.com/habbes/quickbyte-sub000/internal/provider"
	"github.com/habbes/quickbyte-sub000/internal/provider/s3multipart"
	"github.com/habbes/quickbyte-sub000/internal/recovery"
	"github.com/habbes/quickbyte-sub000/internal/retry"
)

// Config defines configuration for the quickbyte CLI.
type Config struct {
	Provider     string        `yaml:"provider"`
	Bucket       string        `yaml:"bucket"`
	Region       string        `yaml:"region"`
	Endpoint     string        `yaml:"endpoint"`
	AccessKey    string        `yaml:"access_key"`
	SecretKey    string        `yaml:"secret_key"`
	UsePathStyle bool          `yaml:"use_path_style"`
	Recovery     string        `yaml:"recovery"`
	Workers      int           `yaml:"workers"`
	Concurrency  int           `yaml:"concurrency"`
	BlockSize    int64         `yaml:"block_size"`
	Policy       string        `yaml:"policy"`
	Verify       bool          `yaml:"verify"`
	Progress     bool          `yaml:"progress"`
	BatchSize    int           `yaml:"batch_size"`
	FlushEvery   time.Duration `yaml:"flush_interval"`
	LogLevel     string        `yaml:"log_level"`
	LogFormat    string        `yaml:"log_format"`
	MetricsAddr  string        `yaml:"metrics_addr"`
	Retry        RetryConfig   `yaml:"retry"`
}

// RetryConfig defines retry behavior. Zero attempts retries network
// failures until the operation succeeds or is interrupted.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	return Config{
		Provider:    string(provider.KindBlob),
		Recovery:    "quickbyte.db",
		Workers:     4,
		Concurrency: 16,
		BlockSize:   8 * 1024 * 1024, // 8MiB
		Policy:      "auto",
		BatchSize:   5,
		FlushEvery:  5 * time.Second,
		LogLevel:    "info",
		LogFormat:   "text",
		Retry: RetryConfig{
			Attempts:   0,
			Backoff:    time.Second,
			MaxBackoff: 30 * time.Second,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Provider     string          `yaml:"provider"`
	Bucket       string          `yaml:"bucket"`
	Region       string          `yaml:"region"`
	Endpoint     string          `yaml:"endpoint"`
	AccessKey    string          `yaml:"access_key"`
	SecretKey    string          `yaml:"secret_key"`
	UsePathStyle bool            `yaml:"use_path_style"`
	Recovery     string          `yaml:"recovery"`
	Workers      int             `yaml:"workers"`
	Concurrency  int             `yaml:"concurrency"`
	BlockSize    string          `yaml:"block_size"`
	Policy       string          `yaml:"policy"`
	Verify       bool            `yaml:"verify"`
	Progress     bool            `yaml:"progress"`
	BatchSize    int             `yaml:"batch_size"`
	FlushEvery   string          `yaml:"flush_interval"`
	LogLevel     string          `yaml:"log_level"`
	LogFormat    string          `yaml:"log_format"`
	MetricsAddr  string          `yaml:"metrics_addr"`
	Retry        yamlRetryConfig `yaml:"retry"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()
	setString(&cfg.Provider, yc.Provider)
	setString(&cfg.Bucket, yc.Bucket)
	setString(&cfg.Region, yc.Region)
	setString(&cfg.Endpoint, yc.Endpoint)
	setString(&cfg.AccessKey, yc.AccessKey)
	setString(&cfg.SecretKey, yc.SecretKey)
	setString(&cfg.Recovery, yc.Recovery)
	setString(&cfg.Policy, yc.Policy)
	setString(&cfg.LogLevel, yc.LogLevel)
	setString(&cfg.LogFormat, yc.LogFormat)
	setString(&cfg.MetricsAddr, yc.MetricsAddr)
	cfg.UsePathStyle = yc.UsePathStyle
	cfg.Verify = yc.Verify
	cfg.Progress = yc.Progress

	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.Concurrency != 0 {
		cfg.Concurrency = yc.Concurrency
	}
	if yc.BatchSize != 0 {
		cfg.BatchSize = yc.BatchSize
	}
	if yc.BlockSize != "" {
		size, err := progress.ParseBytes(yc.BlockSize)
		if err != nil {
			return Config{}, fmt.Errorf("parse block_size: %w", err)
		}
		cfg.BlockSize = size
	}
	if yc.FlushEvery != "" {
		d, err := time.ParseDuration(yc.FlushEvery)
		if err != nil {
			return Config{}, fmt.Errorf("parse flush_interval: %w", err)
		}
		cfg.FlushEvery = d
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		cfg.Retry.Backoff = d
	}
	if yc.Retry.MaxBackoff != "" {
		d, err := time.ParseDuration(yc.Retry.MaxBackoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.max_backoff: %w", err)
		}
		cfg.Retry.MaxBackoff = d
	}

	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

const envPrefix = "QUICKBYTE_"

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the QUICKBYTE_ prefix.
func (c *Config) LoadFromEnv() error {
	strs := map[string]*string{
		"PROVIDER":     &c.Provider,
		"BUCKET":       &c.Bucket,
		"REGION":       &c.Region,
		"ENDPOINT":     &c.Endpoint,
		"ACCESS_KEY":   &c.AccessKey,
		"SECRET_KEY":   &c.SecretKey,
		"RECOVERY":     &c.Recovery,
		"POLICY":       &c.Policy,
		"LOG_LEVEL":    &c.LogLevel,
		"LOG_FORMAT":   &c.LogFormat,
		"METRICS_ADDR": &c.MetricsAddr,
	}
	for name, dst := range strs {
		setString(dst, os.Getenv(envPrefix+name))
	}

	bools := map[string]*bool{
		"USE_PATH_STYLE": &c.UsePathStyle,
		"VERIFY":         &c.Verify,
		"PROGRESS":       &c.Progress,
	}
	for name, dst := range bools {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v == "true" || v == "1"
		}
	}

	ints := map[string]*int{
		"WORKERS":        &c.Workers,
		"CONCURRENCY":    &c.Concurrency,
		"BATCH_SIZE":     &c.BatchSize,
		"RETRY_ATTEMPTS": &c.Retry.Attempts,
	}
	for name, dst := range ints {
		if v := os.Getenv(envPrefix + name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"FLUSH_INTERVAL":    &c.FlushEvery,
		"RETRY_BACKOFF":     &c.Retry.Backoff,
		"RETRY_MAX_BACKOFF": &c.Retry.MaxBackoff,
	}
	for name, dst := range durations {
		if v := os.Getenv(envPrefix + name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", envPrefix, name, err)
			}
			*dst = d
		}
	}

	if v := os.Getenv(envPrefix + "BLOCK_SIZE"); v != "" {
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse %sBLOCK_SIZE: %w", envPrefix, err)
		}
		c.BlockSize = size
	}

	return nil
}

// Validate validates the configuration. The provider must be registered,
// so the packages of the back ends in use must be imported first.
func (c *Config) Validate() error {
	if err := provider.Validate(provider.Kind(c.Provider)); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Bucket == "" {
		return errors.New("config: bucket is required")
	}
	if c.Recovery == "" {
		return errors.New("config: recovery is required")
	}
	if c.Workers <= 0 {
		return errors.New("config: workers must be positive")
	}
	if c.Concurrency <= 0 {
		return errors.New("config: concurrency must be positive")
	}
	if c.BlockSize <= 0 {
		return errors.New("config: block_size must be positive")
	}
	if provider.Kind(c.Provider) == provider.KindS3 {
		if err := s3multipart.CheckBlockSize(c.BlockSize); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	if c.BatchSize <= 0 {
		return errors.New("config: batch_size must be positive")
	}
	if c.FlushEvery <= 0 {
		return errors.New("config: flush_interval must be positive")
	}
	switch c.Policy {
	case "", "auto", "fixed", "max":
	default:
		return fmt.Errorf("config: unknown policy %q", c.Policy)
	}
	if c.Retry.Attempts < 0 {
		return errors.New("config: retry.attempts must not be negative")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	setString(&c.Provider, override.Provider)
	setString(&c.Bucket, override.Bucket)
	setString(&c.Region, override.Region)
	setString(&c.Endpoint, override.Endpoint)
	setString(&c.AccessKey, override.AccessKey)
	setString(&c.SecretKey, override.SecretKey)
	setString(&c.Recovery, override.Recovery)
	setString(&c.Policy, override.Policy)
	setString(&c.LogLevel, override.LogLevel)
	setString(&c.LogFormat, override.LogFormat)
	setString(&c.MetricsAddr, override.MetricsAddr)
	if override.UsePathStyle {
		c.UsePathStyle = true
	}
	if override.Verify {
		c.Verify = true
	}
	if override.Progress {
		c.Progress = true
	}
	if override.Workers != 0 {
		c.Workers = override.Workers
	}
	if override.Concurrency != 0 {
		c.Concurrency = override.Concurrency
	}
	if override.BlockSize != 0 {
		c.BlockSize = override.BlockSize
	}
	if override.BatchSize != 0 {
		c.BatchSize = override.BatchSize
	}
	if override.FlushEvery != 0 {
		c.FlushEvery = override.FlushEvery
	}
	if override.Retry.Attempts != 0 {
		c.Retry.Attempts = override.Retry.Attempts
	}
	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.Retry.MaxBackoff != 0 {
		c.Retry.MaxBackoff = override.Retry.MaxBackoff
	}
	return c
}

// ProviderConfig returns the settings for provider.Open.
func (c Config) ProviderConfig() provider.Config {
	return provider.Config{
		Bucket:       c.Bucket,
		Region:       c.Region,
		Endpoint:     c.Endpoint,
		AccessKey:    c.AccessKey,
		SecretKey:    c.SecretKey,
		UsePathStyle: c.UsePathStyle,
	}
}

// RetryOptions returns the retry settings for transfers.
func (c Config) RetryOptions() retry.Options {
	return retry.Options{
		Backoff:     c.Retry.Backoff,
		MaxBackoff:  c.Retry.MaxBackoff,
		MaxAttempts: uint64(c.Retry.Attempts),
	}
}

// RecoveryOptions returns the recovery store batching settings.
func (c Config) RecoveryOptions() recovery.Options {
	return recovery.Options{
		BatchSize:     c.BatchSize,
		FlushInterval: c.FlushEvery,
	}
}

// RecoveryIsBucket reports whether Recovery names a blob bucket URL rather
// than a SQLite database path.
func (c Config) RecoveryIsBucket() bool {
	return strings.Contains(c.Recovery, "://")
}
