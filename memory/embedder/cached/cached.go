// Package cached puts a ristretto cache in front of an embedder so repeated
// query texts skip the provider.
package cached

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-memory/memory"
)

// Config configures the cache.
type Config struct {
	// MaxBytes bounds the cached vectors. Default 64 MiB.
	MaxBytes int64

	// TTL of an entry. Zero keeps entries until evicted by size.
	TTL time.Duration
}

// Embedder caches the vectors of an inner embedder by text.
type Embedder struct {
	inner memory.Embedder
	cache *ristretto.Cache
	ttl   time.Duration
}

// New wraps inner.
func New(inner memory.Embedder, cfg Config) (*Embedder, error) {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 20
	}
	// ~4 KiB per 1024-dim vector; ten counters per expected entry
	counters := max(cfg.MaxBytes/4096*10, 1000)
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: counters,
		MaxCost:     cfg.MaxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Embedder{inner: inner, cache: cache, ttl: cfg.TTL}, nil
}

// Embed returns the cached vector for text or computes and caches it.
// Failures are never cached.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		return append([]float32(nil), v.([]float32)...), nil
	}
	vec, err := e.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	stored := append([]float32(nil), vec...)
	cost := int64(len(stored) * 4)
	if e.ttl > 0 {
		e.cache.SetWithTTL(text, stored, cost, e.ttl)
	} else {
		e.cache.Set(text, stored, cost)
	}
	return vec, nil
}

// Dimensions returns the inner embedder's size.
func (e *Embedder) Dimensions() int {
	return e.inner.Dimensions()
}

// Wait blocks until pending cache writes are applied.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close stops the cache's background goroutines.
func (e *Embedder) Close() {
	e.cache.Close()
}
