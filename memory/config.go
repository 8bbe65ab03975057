package memory

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory/capacity"
	"github.com/becomeliminal/nim-memory/memory/index"
)

// RetryConfig bounds retries of embedding provider calls.
type RetryConfig struct {
	// MaxAttempts includes the first call. 1 disables retries.
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// Config configures a Manager.
type Config struct {
	Index    index.Config    `mapstructure:"index"`
	Capacity capacity.Config `mapstructure:"capacity"`

	// RerankFactor multiplies the limit when fetching candidates from the
	// index, so quality refreshes can reorder beyond the final cut. Default 2.
	RerankFactor int `mapstructure:"rerank_factor"`

	// FreshnessWindow is how long an assessed quality stays valid before
	// retrieval re-scores it. Zero never re-scores.
	FreshnessWindow time.Duration `mapstructure:"freshness_window"`

	// DefaultQuality is used when no assessor is set or the assessor fails
	// with no previous score.
	DefaultQuality float64 `mapstructure:"default_quality"`

	// DiversityLambda in (0, 1) enables MMR reranking; 0 disables it. Higher
	// values favor relevance over diversity.
	DiversityLambda float64 `mapstructure:"diversity_lambda"`

	// DefaultLimit applies when a retrieval asks for no limit.
	DefaultLimit int `mapstructure:"default_limit"`

	// ProviderTimeout bounds each embedder and assessor call. Zero is unbounded.
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`

	EmbedRetry RetryConfig `mapstructure:"embed_retry"`

	ResultCache ResultCacheConfig `mapstructure:"result_cache"`

	Logger zerolog.Logger `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Index:           index.DefaultConfig(),
		Capacity:        capacity.DefaultConfig(),
		RerankFactor:    2,
		FreshnessWindow: 24 * time.Hour,
		DefaultQuality:  0.5,
		DefaultLimit:    5,
		ProviderTimeout: 10 * time.Second,
		EmbedRetry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 200 * time.Millisecond,
			MaxInterval:     2 * time.Second,
		},
		ResultCache: ResultCacheConfig{
			MaxEntries:     10_000,
			TTL:            time.Minute,
			TimeResolution: time.Second,
		},
		Logger: zerolog.Nop(),
	}
}

// Validate checks the configuration, including the nested index and
// capacity sections.
func (c Config) Validate() error {
	if err := c.Index.Validate(); err != nil {
		return err
	}
	if err := c.Capacity.Validate(); err != nil {
		return err
	}
	if c.RerankFactor < 1 {
		return core.Invalid("rerank_factor", "must be at least 1")
	}
	if c.FreshnessWindow < 0 {
		return core.Invalid("freshness_window", "must not be negative")
	}
	if c.DefaultQuality < 0 || c.DefaultQuality > 1 {
		return core.Invalid("default_quality", "must be in [0, 1]")
	}
	if c.DiversityLambda < 0 || c.DiversityLambda >= 1 {
		return core.Invalid("diversity_lambda", "must be in [0, 1)")
	}
	if c.DefaultLimit < 1 {
		return core.Invalid("default_limit", "must be at least 1")
	}
	if c.ProviderTimeout < 0 {
		return core.Invalid("provider_timeout", "must not be negative")
	}
	if c.EmbedRetry.MaxAttempts < 1 {
		return core.Invalid("embed_retry.max_attempts", "must be at least 1")
	}
	if c.EmbedRetry.InitialInterval < 0 || c.EmbedRetry.MaxInterval < 0 {
		return core.Invalid("embed_retry", "intervals must not be negative")
	}
	if c.ResultCache.MaxEntries < 0 {
		return core.Invalid("result_cache.max_entries", "must not be negative")
	}
	if c.ResultCache.TTL < 0 || c.ResultCache.TimeResolution < 0 {
		return core.Invalid("result_cache", "durations must not be negative")
	}
	return nil
}
