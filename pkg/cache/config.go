package cache

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config controls the cache manager. Capability flags are fixed per level
// (see level.go); everything configurable here layers on top: enablement,
// TTL overrides, capacity budgets, warming pacing, and validation targets.
type Config struct {
	Levels     map[string]LevelConfig `mapstructure:"levels"`
	Warming    WarmingConfig          `mapstructure:"warming"`
	Validation ValidationConfig       `mapstructure:"validation"`
	Operations OperationsConfig       `mapstructure:"operations"`
}

// LevelConfig holds the per-level tunables.
type LevelConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// DefaultTTL overrides the level's built-in default when positive.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`
	// MaxTTL overrides the level's built-in ceiling when positive.
	MaxTTL time.Duration `mapstructure:"max_ttl"`
	// CapacityBudget is the byte budget driving capacity validation.
	CapacityBudget int64 `mapstructure:"capacity_budget"`
}

// WarmingConfig paces proactive cache population.
type WarmingConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	InterBatchDelay time.Duration `mapstructure:"inter_batch_delay"`
	ItemTimeout     time.Duration `mapstructure:"item_timeout"`
	// Concurrency bounds in-flight producers within a batch.
	Concurrency int `mapstructure:"concurrency"`
}

// ValidationConfig holds the SLA targets the validation service asserts.
type ValidationConfig struct {
	// TargetRPM is the sustained request rate the throughput and
	// concurrency checks must achieve.
	TargetRPM int `mapstructure:"target_rpm"`
	// TargetHitRatio is the minimum acceptable hit ratio percentage.
	TargetHitRatio float64 `mapstructure:"target_hit_ratio"`
	// LoadDuration is how long synthetic throughput runs last.
	LoadDuration time.Duration `mapstructure:"load_duration"`
	// ConcurrencyWorkers is the simulated caller count.
	ConcurrencyWorkers int `mapstructure:"concurrency_workers"`
	// TotalCapacityBudget caps the byte usage across all levels.
	TotalCapacityBudget int64 `mapstructure:"total_capacity_budget"`
	// WarningThreshold and CriticalThreshold are capacity usage
	// percentages: usage above warning (inclusive of 75.0) degrades the
	// status, strictly above critical makes it critical.
	WarningThreshold  float64 `mapstructure:"warning_threshold"`
	CriticalThreshold float64 `mapstructure:"critical_threshold"`
}

// OperationsConfig tunes the operation service.
type OperationsConfig struct {
	// CoalesceRemember enables per-key in-flight coalescing for Remember.
	// Off by default: the stock behavior lets concurrent misses invoke
	// the producer independently, and some producers rely on that.
	CoalesceRemember bool `mapstructure:"coalesce_remember"`
	// ResponseTimeSamples bounds the rolling response-time window.
	ResponseTimeSamples int `mapstructure:"response_time_samples"`
}

// DefaultConfig returns the production defaults: all levels enabled,
// 8GB/2GB memory/database budgets inside a 10GB total, 50-item warming
// batches paced 10ms apart with a 30s producer timeout, and SLA targets of
// 10k RPM and an 85% hit ratio.
func DefaultConfig() *Config {
	return &Config{
		Levels: map[string]LevelConfig{
			LevelRequest.String(): {
				Enabled:        true,
				CapacityBudget: 64 * 1024 * 1024,
			},
			LevelMemory.String(): {
				Enabled:        true,
				CapacityBudget: 8 * 1024 * 1024 * 1024,
			},
			LevelDatabase.String(): {
				Enabled:        true,
				CapacityBudget: 2 * 1024 * 1024 * 1024,
			},
		},
		Warming: WarmingConfig{
			BatchSize:       50,
			InterBatchDelay: 10 * time.Millisecond,
			ItemTimeout:     30 * time.Second,
			Concurrency:     10,
		},
		Validation: ValidationConfig{
			TargetRPM:           10000,
			TargetHitRatio:      85,
			LoadDuration:        3 * time.Second,
			ConcurrencyWorkers:  10,
			TotalCapacityBudget: 10 * 1024 * 1024 * 1024,
			WarningThreshold:    75,
			CriticalThreshold:   90,
		},
		Operations: OperationsConfig{
			CoalesceRemember:    false,
			ResponseTimeSamples: 1000,
		},
	}
}

// LoadConfigFromViper loads cache configuration from viper under the
// "cache" key, applying defaults for anything unset.
func LoadConfigFromViper() (*Config, error) {
	config := DefaultConfig()

	if err := viper.UnmarshalKey("cache", config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cache config: %w", err)
	}

	return config, nil
}

// Validate rejects configurations the manager cannot run with.
func (c *Config) Validate() error {
	for name := range c.Levels {
		if _, err := ParseLevel(name); err != nil {
			return err
		}
	}
	if c.Warming.BatchSize <= 0 {
		return fmt.Errorf("warming batch_size must be positive")
	}
	if c.Warming.ItemTimeout <= 0 {
		return fmt.Errorf("warming item_timeout must be positive")
	}
	if c.Validation.TargetRPM <= 0 {
		return fmt.Errorf("validation target_rpm must be positive")
	}
	if c.Validation.WarningThreshold <= 0 || c.Validation.CriticalThreshold <= c.Validation.WarningThreshold {
		return fmt.Errorf("capacity thresholds must satisfy 0 < warning < critical")
	}
	return nil
}

// Clone returns a copy safe to mutate independently of the original.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Levels = make(map[string]LevelConfig, len(c.Levels))
	for name, lc := range c.Levels {
		clone.Levels[name] = lc
	}
	return &clone
}

// LevelConfigFor returns the level's config, zero-valued when unset.
func (c *Config) LevelConfigFor(level Level) LevelConfig {
	return c.Levels[level.String()]
}

// ClampTTL applies the config-aware TTL clamp for a level: configured
// overrides first, the fixed capability table as the fallback.
func (c *Config) ClampTTL(level Level, requested time.Duration) time.Duration {
	caps := level.Capabilities()
	lc := c.LevelConfigFor(level)

	defaultTTL := caps.DefaultTTL
	if lc.DefaultTTL > 0 {
		defaultTTL = lc.DefaultTTL
	}
	maxTTL := caps.MaxTTL
	if lc.MaxTTL > 0 {
		maxTTL = lc.MaxTTL
	}

	if requested == 0 {
		requested = defaultTTL
	}
	if requested < time.Second {
		return time.Second
	}
	if requested > maxTTL {
		return maxTTL
	}
	return requested
}
