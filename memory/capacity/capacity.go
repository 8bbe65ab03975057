// Package capacity keeps the indexed episode population inside a count or byte
// budget by evicting the episodes least worth keeping.
package capacity

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-memory/core"
)

// Policy selects how eviction victims are ranked.
type Policy string

const (
	// PolicyRelevance ranks by weighted quality, recency and access frequency.
	PolicyRelevance Policy = "relevance"

	// PolicyLRU evicts the least recently used episode first.
	PolicyLRU Policy = "lru"
)

// Weights are the retention score coefficients (alpha, beta, gamma).
type Weights struct {
	Quality   float64 `mapstructure:"quality"`
	Recency   float64 `mapstructure:"recency"`
	Frequency float64 `mapstructure:"frequency"`
}

// Config configures a Manager.
type Config struct {
	// MaxEpisodes caps the indexed population. Zero disables the count budget.
	MaxEpisodes int `mapstructure:"max_indexed_episodes"`

	// MaxBytes caps the summed episode size. Zero disables the byte budget.
	MaxBytes int64 `mapstructure:"max_bytes"`

	Policy  Policy  `mapstructure:"eviction_policy"`
	Weights Weights `mapstructure:"eviction_weights"`

	// RecencyHalfLife is the idle time after which the recency term halves.
	RecencyHalfLife time.Duration `mapstructure:"recency_half_life"`

	// BatchSize > 1 evicts extra episodes once over budget so the next
	// inserts don't each trigger an eviction.
	BatchSize int `mapstructure:"eviction_batch_size"`

	Logger zerolog.Logger   `mapstructure:"-"`
	Clock  func() time.Time `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxEpisodes:     10000,
		Policy:          PolicyRelevance,
		Weights:         Weights{Quality: 0.5, Recency: 0.3, Frequency: 0.2},
		RecencyHalfLife: 7 * 24 * time.Hour,
		BatchSize:       1,
		Logger:          zerolog.Nop(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxEpisodes < 0 {
		return core.Invalid("max_indexed_episodes", "must not be negative")
	}
	if c.MaxBytes < 0 {
		return core.Invalid("max_bytes", "must not be negative")
	}
	switch c.Policy {
	case PolicyRelevance, PolicyLRU:
	default:
		return core.Invalid("eviction_policy", "must be relevance or lru")
	}
	w := c.Weights
	if w.Quality < 0 || w.Recency < 0 || w.Frequency < 0 {
		return core.Invalid("eviction_weights", "must not be negative")
	}
	if c.RecencyHalfLife <= 0 {
		return core.Invalid("recency_half_life", "must be positive")
	}
	if c.BatchSize < 1 {
		return core.Invalid("eviction_batch_size", "must be at least 1")
	}
	return nil
}

// Entry is the eviction-relevant view of an indexed episode.
type Entry struct {
	ID           core.EpisodeID
	Quality      float64
	Timestamp    time.Time
	LastAccessed time.Time
	AccessCount  uint64
	SizeBytes    int64
}

func (e Entry) lastUse() time.Time {
	if e.LastAccessed.After(e.Timestamp) {
		return e.LastAccessed
	}
	return e.Timestamp
}

// Source exposes the indexed population.
type Source interface {
	Len() int
	TotalBytes() int64
	Candidates() []Entry
}

// Evictor removes one episode from the index and marks it evicted.
type Evictor interface {
	Evict(ctx context.Context, id core.EpisodeID) error
}

// Report describes one MaybeEvict pass.
type Report struct {
	Evicted    []core.EpisodeID
	Population int
	Bytes      int64
}

// Manager enforces the capacity budgets.
type Manager struct {
	cfg Config
	src Source
	ev  Evictor
	now func() time.Time
	log zerolog.Logger

	// serializes eviction passes
	mu sync.Mutex
}

// New creates a Manager over src that evicts through ev.
func New(cfg Config, src Source, ev Evictor) (*Manager, error) {
	if cfg.Policy == "" {
		cfg.Policy = PolicyRelevance
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 1
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if src == nil || ev == nil {
		return nil, errors.New("capacity: source and evictor are required")
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		cfg: cfg,
		src: src,
		ev:  ev,
		now: now,
		log: cfg.Logger.With().Str("component", "capacity").Logger(),
	}, nil
}

// Config returns the manager configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// RetentionScore is alpha*quality + beta*recency + gamma*log(1+accesses).
// Higher means more worth keeping.
func (m *Manager) RetentionScore(e Entry, now time.Time) float64 {
	w := m.cfg.Weights
	return w.Quality*e.Quality +
		w.Recency*m.recencyDecay(e.lastUse(), now) +
		w.Frequency*math.Log1p(float64(e.AccessCount))
}

// EvictionPriority is the negated retention score; the lowest retention
// (highest priority) is evicted first.
func (m *Manager) EvictionPriority(e Entry, now time.Time) float64 {
	return -m.RetentionScore(e, now)
}

func (m *Manager) recencyDecay(t, now time.Time) float64 {
	age := now.Sub(t)
	if age < 0 {
		age = 0
	}
	return math.Exp2(-float64(age) / float64(m.cfg.RecencyHalfLife))
}

type ranked struct {
	Entry
	key float64
}

// before reports whether a should be evicted before b.
func before(a, b ranked) bool {
	if a.key != b.key {
		return a.key < b.key
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return a.ID < b.ID
}

func compareRanked(a, b ranked) int {
	switch {
	case before(a, b):
		return -1
	case before(b, a):
		return 1
	}
	return 0
}

func (m *Manager) rank(e Entry, now time.Time) ranked {
	if m.cfg.Policy == PolicyLRU {
		return ranked{Entry: e, key: float64(e.lastUse().UnixNano())}
	}
	return ranked{Entry: e, key: m.RetentionScore(e, now)}
}

// keepHeap holds the current victim set with the least deserving victim on top.
type keepHeap []ranked

func (h keepHeap) Len() int           { return len(h) }
func (h keepHeap) Less(i, j int) bool { return before(h[j], h[i]) }
func (h keepHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *keepHeap) Push(x any)        { *h = append(*h, x.(ranked)) }
func (h *keepHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// Victims returns the n entries to evict first, in eviction order.
func (m *Manager) Victims(entries []Entry, n int, now time.Time) []Entry {
	if n <= 0 {
		return nil
	}
	h := make(keepHeap, 0, min(n, len(entries)))
	for _, e := range entries {
		r := m.rank(e, now)
		if len(h) < n {
			heap.Push(&h, r)
			continue
		}
		if before(r, h[0]) {
			h[0] = r
			heap.Fix(&h, 0)
		}
	}
	slices.SortFunc(h, compareRanked)
	out := make([]Entry, len(h))
	for i, r := range h {
		out[i] = r.Entry
	}
	return out
}

// MaybeEvict evicts until both budgets hold. It returns at the first evictor
// failure other than core.ErrNotFound, reporting what was evicted so far.
func (m *Manager) MaybeEvict(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pop, bytes := m.src.Len(), m.src.TotalBytes()
	countOver := m.cfg.MaxEpisodes > 0 && pop > m.cfg.MaxEpisodes
	bytesOver := m.cfg.MaxBytes > 0 && bytes > m.cfg.MaxBytes
	if !countOver && !bytesOver {
		return Report{Population: pop, Bytes: bytes}, nil
	}

	now := m.now()
	entries := m.src.Candidates()
	var victims []Entry
	if countOver {
		n := len(entries) - m.cfg.MaxEpisodes + m.cfg.BatchSize - 1
		victims = m.Victims(entries, min(n, len(entries)), now)
	}
	if m.cfg.MaxBytes > 0 {
		victims = m.fitBytes(entries, victims, now)
	}

	rep := Report{Population: len(entries), Bytes: sumBytes(entries)}
	for _, v := range victims {
		if err := m.ev.Evict(ctx, v.ID); err != nil {
			if errors.Is(err, core.ErrNotFound) {
				continue
			}
			m.log.Error().Err(err).Str("episode_id", v.ID.String()).Msg("eviction failed")
			return rep, err
		}
		rep.Evicted = append(rep.Evicted, v.ID)
		rep.Population--
		rep.Bytes -= v.SizeBytes
	}

	m.log.Info().Int("evicted", len(rep.Evicted)).Int("population", rep.Population).
		Int64("bytes", rep.Bytes).Str("policy", string(m.cfg.Policy)).Msg("capacity eviction")
	return rep, nil
}

// fitBytes extends victims until the remaining population fits MaxBytes.
func (m *Manager) fitBytes(entries, victims []Entry, now time.Time) []Entry {
	chosen := make(map[core.EpisodeID]bool, len(victims))
	remaining := sumBytes(entries)
	for _, v := range victims {
		chosen[v.ID] = true
		remaining -= v.SizeBytes
	}
	if remaining <= m.cfg.MaxBytes {
		return victims
	}

	rest := make([]ranked, 0, len(entries)-len(victims))
	for _, e := range entries {
		if !chosen[e.ID] {
			rest = append(rest, m.rank(e, now))
		}
	}
	slices.SortFunc(rest, compareRanked)
	for _, r := range rest {
		if remaining <= m.cfg.MaxBytes {
			break
		}
		victims = append(victims, r.Entry)
		remaining -= r.SizeBytes
	}
	return victims
}

func sumBytes(entries []Entry) int64 {
	var n int64
	for _, e := range entries {
		n += e.SizeBytes
	}
	return n
}
