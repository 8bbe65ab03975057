package memory

import (
	"encoding/binary"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/ristretto"

	"github.com/becomeliminal/nim-memory/core"
)

// ResultCacheConfig configures the retrieval result cache.
type ResultCacheConfig struct {
	// MaxEntries bounds the cached results. Zero disables the cache.
	MaxEntries int64 `mapstructure:"max_entries"`

	// TTL of an entry. Zero keeps entries until evicted by size or
	// invalidated by a write.
	TTL time.Duration `mapstructure:"ttl"`

	// TimeResolution truncates the retrieval reference time, so queries made
	// within the same window share an entry. Zero keys on the exact time.
	TimeResolution time.Duration `mapstructure:"time_resolution"`
}

type cachedHit struct {
	id         core.EpisodeID
	score      float64
	similarity float64
	proximity  float64
	distance   float64
}

func toCached(hits []Hit) []cachedHit {
	out := make([]cachedHit, len(hits))
	for i, h := range hits {
		out[i] = cachedHit{
			id:         h.Episode.ID,
			score:      h.Score,
			similarity: h.Similarity,
			proximity:  h.Proximity,
			distance:   h.Distance,
		}
	}
	return out
}

// resultCache holds ranked hits by query. Every write that can change a
// ranking bumps the generation, which is part of each key, so entries from
// earlier generations are never read again and age out of ristretto.
type resultCache struct {
	cache *ristretto.Cache
	ttl   time.Duration
	gen   atomic.Uint64
}

func newResultCache(cfg ResultCacheConfig) (*resultCache, error) {
	if cfg.MaxEntries <= 0 {
		return nil, nil
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.MaxEntries * 10,
		MaxCost:     cfg.MaxEntries,
		BufferItems: 64,
		// cost counts entries
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &resultCache{cache: cache, ttl: cfg.TTL}, nil
}

// generation returns the current generation. A nil cache has none.
func (c *resultCache) generation() uint64 {
	if c == nil {
		return 0
	}
	return c.gen.Load()
}

// invalidate drops every cached result.
func (c *resultCache) invalidate() {
	if c == nil {
		return
	}
	c.gen.Add(1)
}

func (c *resultCache) get(key string) ([]cachedHit, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	return v.([]cachedHit), true
}

// put stores hits and waits for the write to apply, so the next identical
// query sees it.
func (c *resultCache) put(key string, hits []Hit) {
	if c == nil {
		return
	}
	if c.ttl > 0 {
		c.cache.SetWithTTL(key, toCached(hits), 1, c.ttl)
	} else {
		c.cache.Set(key, toCached(hits), 1)
	}
	c.cache.Wait()
}

func (c *resultCache) close() {
	if c == nil {
		return
	}
	c.cache.Close()
}

// resultKey identifies a retrieval by generation, query vector, reference
// time, limit and filters.
func resultKey(gen uint64, vec []float32, at time.Time, limit int, req RetrievalRequest) string {
	h := xxhash.New()
	var buf [4]byte
	for _, f := range vec {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(f))
		_, _ = h.Write(buf[:])
	}

	tags := core.NormalizeTags(req.Tags)
	key := make([]byte, 0, 96)
	key = strconv.AppendUint(key, gen, 36)
	key = append(key, '|')
	key = strconv.AppendUint(key, h.Sum64(), 36)
	key = append(key, '|')
	key = strconv.AppendInt(key, unixOrZero(at), 36)
	key = append(key, '|')
	key = strconv.AppendInt(key, int64(limit), 36)
	key = append(key, '|')
	key = strconv.AppendQuote(key, req.Domain)
	for _, t := range tags {
		key = append(key, ',')
		key = strconv.AppendQuote(key, t)
	}
	key = append(key, '|')
	key = strconv.AppendInt(key, unixOrZero(req.Since), 36)
	key = append(key, '|')
	key = strconv.AppendInt(key, unixOrZero(req.Until), 36)
	return string(key)
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
