package capacity

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

var epoch = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type fakePool struct {
	entries map[core.EpisodeID]Entry
	evicted []core.EpisodeID
	failOn  core.EpisodeID
}

func newFakePool() *fakePool {
	return &fakePool{entries: make(map[core.EpisodeID]Entry)}
}

func (p *fakePool) Len() int { return len(p.entries) }

func (p *fakePool) TotalBytes() int64 {
	var n int64
	for _, e := range p.entries {
		n += e.SizeBytes
	}
	return n
}

func (p *fakePool) Candidates() []Entry {
	out := make([]Entry, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e)
	}
	return out
}

func (p *fakePool) Evict(_ context.Context, id core.EpisodeID) error {
	if id == p.failOn {
		return errors.New("store unavailable")
	}
	if _, ok := p.entries[id]; !ok {
		return core.ErrNotFound
	}
	delete(p.entries, id)
	p.evicted = append(p.evicted, id)
	return nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestMaybeEvict_KeepsHighestRetention(t *testing.T) {
	r := rand.New(rand.NewPCG(100, 50))
	now := epoch.Add(200 * time.Hour)
	cfg := DefaultConfig()
	cfg.MaxEpisodes = 50
	cfg.RecencyHalfLife = 24 * time.Hour
	cfg.Clock = fixedClock(now)

	pool := newFakePool()
	m, err := New(cfg, pool, pool)
	require.NoError(t, err)

	var all []Entry
	for i := range 100 {
		e := Entry{
			ID:          core.EpisodeID(fmt.Sprintf("ep-%03d", i)),
			Quality:     r.Float64(),
			Timestamp:   epoch.Add(time.Duration(i) * time.Hour),
			AccessCount: uint64(r.IntN(5)),
			SizeBytes:   100,
		}
		all = append(all, e)
		pool.entries[e.ID] = e

		_, err := m.MaybeEvict(context.Background())
		require.NoError(t, err)
		require.LessOrEqual(t, pool.Len(), 50)
	}
	require.Equal(t, 50, pool.Len())

	// Recompute retention independently and keep the top 50.
	score := func(e Entry) float64 {
		age := now.Sub(e.Timestamp).Hours()
		return 0.5*e.Quality + 0.3*math.Pow(2, -age/24) + 0.2*math.Log(1+float64(e.AccessCount))
	}
	sort.Slice(all, func(i, j int) bool { return score(all[i]) > score(all[j]) })
	var want []core.EpisodeID
	for _, e := range all[:50] {
		want = append(want, e.ID)
	}
	var got []core.EpisodeID
	for id := range pool.entries {
		got = append(got, id)
	}
	assert.ElementsMatch(t, want, got)
}

func TestMaybeEvict_UnderBudgetIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEpisodes = 10
	pool := newFakePool()
	m, err := New(cfg, pool, pool)
	require.NoError(t, err)
	pool.entries["a"] = Entry{ID: "a", Timestamp: epoch}

	rep, err := m.MaybeEvict(context.Background())
	require.NoError(t, err)
	assert.Empty(t, rep.Evicted)
	assert.Equal(t, 1, rep.Population)
}

func TestMaybeEvict_Batch(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEpisodes = 10
	cfg.BatchSize = 4
	cfg.Clock = fixedClock(epoch.Add(time.Hour))
	pool := newFakePool()
	m, err := New(cfg, pool, pool)
	require.NoError(t, err)

	for i := range 11 {
		id := core.EpisodeID(fmt.Sprintf("ep-%02d", i))
		pool.entries[id] = Entry{ID: id, Quality: float64(i) / 10, Timestamp: epoch}
	}
	rep, err := m.MaybeEvict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []core.EpisodeID{"ep-00", "ep-01", "ep-02", "ep-03"}, rep.Evicted)
	assert.Equal(t, 7, pool.Len())
	assert.Equal(t, 7, rep.Population)
}

func TestMaybeEvict_ByteBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEpisodes = 0
	cfg.MaxBytes = 250
	cfg.Clock = fixedClock(epoch)
	pool := newFakePool()
	m, err := New(cfg, pool, pool)
	require.NoError(t, err)

	pool.entries["low"] = Entry{ID: "low", Quality: 0.1, Timestamp: epoch, SizeBytes: 100}
	pool.entries["mid"] = Entry{ID: "mid", Quality: 0.5, Timestamp: epoch, SizeBytes: 100}
	pool.entries["high"] = Entry{ID: "high", Quality: 0.9, Timestamp: epoch, SizeBytes: 100}

	rep, err := m.MaybeEvict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []core.EpisodeID{"low"}, rep.Evicted)
	assert.Equal(t, int64(200), rep.Bytes)
	assert.LessOrEqual(t, pool.TotalBytes(), cfg.MaxBytes)
}

func TestMaybeEvict_LRU(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEpisodes = 2
	cfg.Policy = PolicyLRU
	pool := newFakePool()
	m, err := New(cfg, pool, pool)
	require.NoError(t, err)

	pool.entries["accessed"] = Entry{ID: "accessed", Quality: 0, Timestamp: epoch, LastAccessed: epoch.Add(3 * time.Hour)}
	pool.entries["early"] = Entry{ID: "early", Quality: 1, Timestamp: epoch.Add(time.Hour)}
	pool.entries["late"] = Entry{ID: "late", Quality: 1, Timestamp: epoch.Add(2 * time.Hour)}

	rep, err := m.MaybeEvict(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []core.EpisodeID{"early"}, rep.Evicted)
}

func TestMaybeEvict_EvictorFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxEpisodes = 1
	cfg.Clock = fixedClock(epoch)
	pool := newFakePool()
	m, err := New(cfg, pool, pool)
	require.NoError(t, err)
	pool.entries["a"] = Entry{ID: "a", Quality: 0.1, Timestamp: epoch}
	pool.entries["b"] = Entry{ID: "b", Quality: 0.9, Timestamp: epoch}
	pool.failOn = "a"

	_, err = m.MaybeEvict(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 2, pool.Len())
}

func TestVictims_TieBreak(t *testing.T) {
	cfg := DefaultConfig()
	pool := newFakePool()
	m, err := New(cfg, pool, pool)
	require.NoError(t, err)

	entries := []Entry{
		{ID: "b", Quality: 0.5, Timestamp: epoch},
		{ID: "a", Quality: 0.5, Timestamp: epoch},
		{ID: "c", Quality: 0.5, Timestamp: epoch.Add(-time.Nanosecond)},
		{ID: "d", Quality: 0.9, Timestamp: epoch},
	}
	// A clock behind every timestamp pins recency at 1, so a, b and c tie on score.
	got := m.Victims(entries, 3, epoch.Add(-time.Hour))
	ids := make([]core.EpisodeID, len(got))
	for i, e := range got {
		ids[i] = e.ID
	}
	assert.Equal(t, []core.EpisodeID{"c", "a", "b"}, ids)
	assert.Empty(t, m.Victims(entries, 0, epoch))
	assert.Len(t, m.Victims(entries, 10, epoch), 4)
}

func TestRetentionScore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Weights = Weights{Quality: 1, Recency: 1, Frequency: 1}
	cfg.RecencyHalfLife = time.Hour
	pool := newFakePool()
	m, err := New(cfg, pool, pool)
	require.NoError(t, err)

	now := epoch.Add(2 * time.Hour)
	e := Entry{Quality: 0.4, Timestamp: epoch, LastAccessed: epoch.Add(time.Hour), AccessCount: 3}
	want := 0.4 + 0.5 + math.Log(4)
	assert.InDelta(t, want, m.RetentionScore(e, now), 1e-12)
	assert.InDelta(t, -want, m.EvictionPriority(e, now), 1e-12)

	// Clock skew never yields recency above 1.
	assert.InDelta(t, 0.4+1+math.Log(4), m.RetentionScore(e, epoch), 1e-12)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative max", func(c *Config) { c.MaxEpisodes = -1 }},
		{"unknown policy", func(c *Config) { c.Policy = "fifo" }},
		{"negative weight", func(c *Config) { c.Weights.Recency = -1 }},
		{"zero half-life", func(c *Config) { c.RecencyHalfLife = 0 }},
		{"zero batch", func(c *Config) { c.BatchSize = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), core.ErrValidation)
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}
