// Package config loads memory settings from a file and the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/becomeliminal/nim-memory/memory"
	"github.com/becomeliminal/nim-memory/memory/maintenance"
)

// EnvPrefix prefixes every environment override, e.g.
// NIM_MEMORY_CAPACITY_MAX_INDEXED_EPISODES.
const EnvPrefix = "NIM_MEMORY"

// Config is the full configuration file.
type Config struct {
	Memory      memory.Config      `mapstructure:",squash"`
	Maintenance maintenance.Config `mapstructure:",squash"`

	// LogLevel is a zerolog level name. Default "info".
	LogLevel string `mapstructure:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Memory:      memory.DefaultConfig(),
		Maintenance: maintenance.Config{Schedule: maintenance.DefaultSchedule},
		LogLevel:    "info",
	}
}

// Loader reads configuration.
type Loader struct {
	path string
	out  io.Writer
}

// NewLoader creates a loader for path. An empty path loads defaults and
// environment overrides only.
func NewLoader(path string) *Loader {
	return &Loader{path: path, out: os.Stderr}
}

// Load reads the file, applies environment overrides and validates the
// result. A missing file is not an error.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	v := viper.New()
	setDefaults(v, cfg)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.path != "" {
		v.SetConfigFile(l.path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return Config{}, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	logger := zerolog.New(l.out).Level(level).With().Timestamp().Logger()
	cfg.Memory.Logger = logger
	cfg.Memory.Index.Logger = logger
	cfg.Memory.Capacity.Logger = logger
	cfg.Maintenance.Logger = logger

	if err := cfg.Memory.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load is shorthand for NewLoader(path).Load().
func Load(path string) (Config, error) {
	return NewLoader(path).Load()
}

// setDefaults registers every key so AutomaticEnv can override keys that
// the file does not mention.
func setDefaults(v *viper.Viper, cfg Config) {
	m := cfg.Memory
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("maintenance_schedule", cfg.Maintenance.Schedule)
	v.SetDefault("maintenance_timeout", cfg.Maintenance.Timeout)

	v.SetDefault("rerank_factor", m.RerankFactor)
	v.SetDefault("freshness_window", m.FreshnessWindow)
	v.SetDefault("default_quality", m.DefaultQuality)
	v.SetDefault("diversity_lambda", m.DiversityLambda)
	v.SetDefault("default_limit", m.DefaultLimit)
	v.SetDefault("provider_timeout", m.ProviderTimeout)
	v.SetDefault("embed_retry.max_attempts", m.EmbedRetry.MaxAttempts)
	v.SetDefault("embed_retry.initial_interval", m.EmbedRetry.InitialInterval)
	v.SetDefault("embed_retry.max_interval", m.EmbedRetry.MaxInterval)
	v.SetDefault("result_cache.max_entries", m.ResultCache.MaxEntries)
	v.SetDefault("result_cache.ttl", m.ResultCache.TTL)
	v.SetDefault("result_cache.time_resolution", m.ResultCache.TimeResolution)

	ix := m.Index
	v.SetDefault("index.spatial_metric", string(ix.Metric))
	v.SetDefault("index.dimensions", ix.Dimensions)
	v.SetDefault("index.leaf_size", ix.LeafSize)
	v.SetDefault("index.balance", ix.Balance)
	v.SetDefault("index.overfetch_factor", ix.OverfetchFactor)
	v.SetDefault("index.weight_spatial", ix.WeightSpatial)
	v.SetDefault("index.weight_temporal", ix.WeightTemporal)
	v.SetDefault("index.weight_quality", ix.WeightQuality)
	v.SetDefault("index.temporal_half_life", ix.TemporalHalfLife)

	c := m.Capacity
	v.SetDefault("capacity.max_indexed_episodes", c.MaxEpisodes)
	v.SetDefault("capacity.max_bytes", c.MaxBytes)
	v.SetDefault("capacity.eviction_policy", string(c.Policy))
	v.SetDefault("capacity.eviction_weights.quality", c.Weights.Quality)
	v.SetDefault("capacity.eviction_weights.recency", c.Weights.Recency)
	v.SetDefault("capacity.eviction_weights.frequency", c.Weights.Frequency)
	v.SetDefault("capacity.recency_half_life", c.RecencyHalfLife)
	v.SetDefault("capacity.eviction_batch_size", c.BatchSize)
}
