/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package fetchguard

import (
	"fmt"
	"time"

	"github.com/acronis/go-appkit/config"
)

const cfgDefaultKeyPrefix = "fetchGuard"

const (
	cfgKeyRateLimitSustainedLimit  = "rateLimit.sustained.limit"
	cfgKeyRateLimitSustainedWindow = "rateLimit.sustained.window"
	cfgKeyRateLimitBurstLimit      = "rateLimit.burst.limit"
	cfgKeyRateLimitBurstWindow     = "rateLimit.burst.window"
	cfgKeyRateLimitCleanupInterval = "rateLimit.cleanupInterval"
	cfgKeyCacheMaxEntries          = "cache.maxEntries"
	cfgKeyCacheTTL                 = "cache.ttl"
	cfgKeyCacheCleanupInterval     = "cache.cleanupInterval"
	cfgKeyQueueConcurrency         = "queue.concurrency"
	cfgKeyQueueMaxRetries          = "queue.maxRetries"
	cfgKeyQueueRetryDelay          = "queue.retryDelay"
	cfgKeyQueueDeduplication       = "queue.deduplication"
)

const (
	defaultRateLimitSustainedLimit  = 100
	defaultRateLimitSustainedWindow = time.Minute
	defaultRateLimitBurstLimit      = 10
	defaultRateLimitBurstWindow     = time.Second
	defaultRateLimitCleanupInterval = time.Minute

	defaultCacheMaxEntries      = 1000
	defaultCacheTTL             = time.Minute * 5
	defaultCacheCleanupInterval = time.Minute

	defaultQueueConcurrency = 10
	defaultQueueMaxRetries  = 3
	defaultQueueRetryDelay  = time.Second
)

// RateConfig describes a request count bound within a sliding window.
type RateConfig struct {
	Limit  int                 `mapstructure:"limit" yaml:"limit" json:"limit"`
	Window config.TimeDuration `mapstructure:"window" yaml:"window" json:"window"`
}

// RateLimitConfig represents configuration parameters for the admission gate.
type RateLimitConfig struct {
	Sustained       RateConfig          `mapstructure:"sustained" yaml:"sustained" json:"sustained"`
	Burst           RateConfig          `mapstructure:"burst" yaml:"burst" json:"burst"`
	CleanupInterval config.TimeDuration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`
}

// CacheConfig represents configuration parameters for the result cache.
type CacheConfig struct {
	MaxEntries      int                 `mapstructure:"maxEntries" yaml:"maxEntries" json:"maxEntries"`
	TTL             config.TimeDuration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	CleanupInterval config.TimeDuration `mapstructure:"cleanupInterval" yaml:"cleanupInterval" json:"cleanupInterval"`
}

// QueueConfig represents configuration parameters for the fetch queue.
type QueueConfig struct {
	Concurrency   int                 `mapstructure:"concurrency" yaml:"concurrency" json:"concurrency"`
	MaxRetries    int                 `mapstructure:"maxRetries" yaml:"maxRetries" json:"maxRetries"`
	RetryDelay    config.TimeDuration `mapstructure:"retryDelay" yaml:"retryDelay" json:"retryDelay"`
	Deduplication bool                `mapstructure:"deduplication" yaml:"deduplication" json:"deduplication"`
}

// Config represents a set of configuration parameters for the Guard.
// Configuration can be loaded in different formats (YAML, JSON) using config.Loader, viper,
// or with json.Unmarshal/yaml.Unmarshal functions directly.
type Config struct {
	RateLimit RateLimitConfig `mapstructure:"rateLimit" yaml:"rateLimit" json:"rateLimit"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache" json:"cache"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue" json:"queue"`

	keyPrefix string
}

var _ config.Config = (*Config)(nil)
var _ config.KeyPrefixProvider = (*Config)(nil)

// ConfigOption is a type for functional options for the Config.
type ConfigOption func(*configOptions)

type configOptions struct {
	keyPrefix string
}

// WithKeyPrefix returns a ConfigOption that sets a key prefix for parsing configuration parameters.
// This prefix will be used by config.Loader.
func WithKeyPrefix(keyPrefix string) ConfigOption {
	return func(o *configOptions) {
		o.keyPrefix = keyPrefix
	}
}

// NewConfig creates a new instance of the Config.
func NewConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{keyPrefix: opts.keyPrefix}
}

// NewDefaultConfig creates a new instance of the Config with default values.
func NewDefaultConfig(options ...ConfigOption) *Config {
	opts := configOptions{keyPrefix: cfgDefaultKeyPrefix}
	for _, opt := range options {
		opt(&opts)
	}
	return &Config{
		keyPrefix: opts.keyPrefix,
		RateLimit: RateLimitConfig{
			Sustained: RateConfig{
				Limit:  defaultRateLimitSustainedLimit,
				Window: config.TimeDuration(defaultRateLimitSustainedWindow),
			},
			Burst: RateConfig{
				Limit:  defaultRateLimitBurstLimit,
				Window: config.TimeDuration(defaultRateLimitBurstWindow),
			},
			CleanupInterval: config.TimeDuration(defaultRateLimitCleanupInterval),
		},
		Cache: CacheConfig{
			MaxEntries:      defaultCacheMaxEntries,
			TTL:             config.TimeDuration(defaultCacheTTL),
			CleanupInterval: config.TimeDuration(defaultCacheCleanupInterval),
		},
		Queue: QueueConfig{
			Concurrency:   defaultQueueConcurrency,
			MaxRetries:    defaultQueueMaxRetries,
			RetryDelay:    config.TimeDuration(defaultQueueRetryDelay),
			Deduplication: true,
		},
	}
}

// KeyPrefix returns a key prefix with which all configuration parameters should be presented.
// Implements config.KeyPrefixProvider interface.
func (c *Config) KeyPrefix() string {
	if c.keyPrefix == "" {
		return cfgDefaultKeyPrefix
	}
	return c.keyPrefix
}

// SetProviderDefaults sets default configuration values for the Guard in the provided data provider.
// Implements config.Config interface.
func (c *Config) SetProviderDefaults(dp config.DataProvider) {
	dp.SetDefault(cfgKeyRateLimitSustainedLimit, defaultRateLimitSustainedLimit)
	dp.SetDefault(cfgKeyRateLimitSustainedWindow, defaultRateLimitSustainedWindow)
	dp.SetDefault(cfgKeyRateLimitBurstLimit, defaultRateLimitBurstLimit)
	dp.SetDefault(cfgKeyRateLimitBurstWindow, defaultRateLimitBurstWindow)
	dp.SetDefault(cfgKeyRateLimitCleanupInterval, defaultRateLimitCleanupInterval)
	dp.SetDefault(cfgKeyCacheMaxEntries, defaultCacheMaxEntries)
	dp.SetDefault(cfgKeyCacheTTL, defaultCacheTTL)
	dp.SetDefault(cfgKeyCacheCleanupInterval, defaultCacheCleanupInterval)
	dp.SetDefault(cfgKeyQueueConcurrency, defaultQueueConcurrency)
	dp.SetDefault(cfgKeyQueueMaxRetries, defaultQueueMaxRetries)
	dp.SetDefault(cfgKeyQueueRetryDelay, defaultQueueRetryDelay)
	dp.SetDefault(cfgKeyQueueDeduplication, true)
}

// Set sets Guard configuration values from the provided data provider.
// Implements config.Config interface.
func (c *Config) Set(dp config.DataProvider) error {
	var err error

	if err = c.setRateLimit(dp); err != nil {
		return err
	}

	if c.Cache.MaxEntries, err = dp.GetInt(cfgKeyCacheMaxEntries); err != nil {
		return err
	}
	if c.Cache.MaxEntries <= 0 {
		return dp.WrapKeyErr(cfgKeyCacheMaxEntries, fmt.Errorf("must be positive"))
	}
	var d time.Duration
	if d, err = dp.GetDuration(cfgKeyCacheTTL); err != nil {
		return err
	}
	c.Cache.TTL = config.TimeDuration(d)
	if d, err = dp.GetDuration(cfgKeyCacheCleanupInterval); err != nil {
		return err
	}
	c.Cache.CleanupInterval = config.TimeDuration(d)

	if c.Queue.Concurrency, err = dp.GetInt(cfgKeyQueueConcurrency); err != nil {
		return err
	}
	if c.Queue.Concurrency <= 0 {
		return dp.WrapKeyErr(cfgKeyQueueConcurrency, fmt.Errorf("must be positive"))
	}
	if c.Queue.MaxRetries, err = dp.GetInt(cfgKeyQueueMaxRetries); err != nil {
		return err
	}
	if c.Queue.MaxRetries < 0 {
		return dp.WrapKeyErr(cfgKeyQueueMaxRetries, fmt.Errorf("must not be negative"))
	}
	if d, err = dp.GetDuration(cfgKeyQueueRetryDelay); err != nil {
		return err
	}
	c.Queue.RetryDelay = config.TimeDuration(d)
	if c.Queue.Deduplication, err = dp.GetBool(cfgKeyQueueDeduplication); err != nil {
		return err
	}

	return nil
}

func (c *Config) setRateLimit(dp config.DataProvider) error {
	var err error

	if c.RateLimit.Sustained.Limit, err = dp.GetInt(cfgKeyRateLimitSustainedLimit); err != nil {
		return err
	}
	if c.RateLimit.Sustained.Limit <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitSustainedLimit, fmt.Errorf("must be positive"))
	}
	var d time.Duration
	if d, err = dp.GetDuration(cfgKeyRateLimitSustainedWindow); err != nil {
		return err
	}
	if d <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitSustainedWindow, fmt.Errorf("must be positive"))
	}
	c.RateLimit.Sustained.Window = config.TimeDuration(d)

	if c.RateLimit.Burst.Limit, err = dp.GetInt(cfgKeyRateLimitBurstLimit); err != nil {
		return err
	}
	if c.RateLimit.Burst.Limit <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitBurstLimit, fmt.Errorf("must be positive"))
	}
	if d, err = dp.GetDuration(cfgKeyRateLimitBurstWindow); err != nil {
		return err
	}
	if d <= 0 {
		return dp.WrapKeyErr(cfgKeyRateLimitBurstWindow, fmt.Errorf("must be positive"))
	}
	c.RateLimit.Burst.Window = config.TimeDuration(d)

	if d, err = dp.GetDuration(cfgKeyRateLimitCleanupInterval); err != nil {
		return err
	}
	c.RateLimit.CleanupInterval = config.TimeDuration(d)

	return nil
}
