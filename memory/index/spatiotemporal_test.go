package index

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

type mapCatalog struct {
	mu    sync.RWMutex
	attrs map[core.EpisodeID]Attributes
}

func newMapCatalog() *mapCatalog {
	return &mapCatalog{attrs: make(map[core.EpisodeID]Attributes)}
}

func (c *mapCatalog) set(id core.EpisodeID, a Attributes) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[id] = a
}

func (c *mapCatalog) Attributes(id core.EpisodeID) (Attributes, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	a, ok := c.attrs[id]
	return a, ok
}

func newTestIndex(t *testing.T, mutate func(*Config)) (*SpatiotemporalIndex, *mapCatalog) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	cat := newMapCatalog()
	x, err := New(cfg, cat)
	require.NoError(t, err)
	return x, cat
}

func TestSpatiotemporalIndex_EmptyQuery(t *testing.T) {
	x, _ := newTestIndex(t, nil)
	res, err := x.Query(context.Background(), Query{Vector: []float32{1, 0}, Time: epoch, Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	assert.False(t, res.Partial)
}

func TestSpatiotemporalIndex_RecencyWinsOnIdenticalEmbeddings(t *testing.T) {
	x, cat := newTestIndex(t, func(c *Config) {
		c.WeightSpatial, c.WeightTemporal, c.WeightQuality = 0.1, 0.8, 0.1
		c.TemporalHalfLife = time.Minute
	})
	vec := []float32{0.3, 0.4, 0.5}
	older, newer := epoch, epoch.Add(time.Hour)

	require.NoError(t, x.Insert("older", vec, older))
	require.NoError(t, x.Insert("newer", vec, newer))
	cat.set("older", Attributes{Quality: 0.5})
	cat.set("newer", Attributes{Quality: 0.5})

	res, err := x.Query(context.Background(), Query{Vector: vec, Time: newer, Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, core.EpisodeID("newer"), res.Candidates[0].ID)
	assert.Greater(t, res.Candidates[0].Score, res.Candidates[1].Score)
}

func TestSpatiotemporalIndex_ZeroDeadlineIsPartial(t *testing.T) {
	x, cat := newTestIndex(t, nil)
	r := rand.New(rand.NewPCG(1, 1))
	for i := range 500 {
		id := core.EpisodeID(fmt.Sprintf("ep-%03d", i))
		require.NoError(t, x.Insert(id, randVec(r, 16), epoch.Add(time.Duration(i)*time.Second)))
		cat.set(id, Attributes{Quality: 0.5})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()

	start := time.Now()
	res, err := x.Query(ctx, Query{Vector: randVec(r, 16), Time: epoch, Limit: 10})
	require.NoError(t, err)
	assert.True(t, res.Partial)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestSpatiotemporalIndex_InsertRemoveKeepsSubIndexesInStep(t *testing.T) {
	x, cat := newTestIndex(t, func(c *Config) { c.LeafSize = 4 })
	r := rand.New(rand.NewPCG(5, 8))

	model := make(map[core.EpisodeID]bool)
	var ids []core.EpisodeID
	for i := range 1500 {
		if len(ids) > 0 && r.IntN(3) == 0 {
			j := r.IntN(len(ids))
			id := ids[j]
			ids = slices.Delete(ids, j, j+1)
			require.NoError(t, x.Remove(id))
			delete(model, id)
		} else {
			id := core.EpisodeID(fmt.Sprintf("ep-%05d", i))
			require.NoError(t, x.Insert(id, randVec(r, 8), epoch.Add(time.Duration(r.IntN(3600))*time.Second)))
			cat.set(id, Attributes{Quality: r.Float64()})
			model[id] = true
			ids = append(ids, id)
		}
		if i%100 == 0 {
			require.NoError(t, x.Consistent())
		}
	}
	require.NoError(t, x.Consistent())
	assert.Equal(t, len(model), x.Len())
	assert.Equal(t, len(model), x.temporal.Len())
	for id := range model {
		assert.True(t, x.Contains(id))
	}
}

func TestSpatiotemporalIndex_InsertIsAtomic(t *testing.T) {
	x, _ := newTestIndex(t, func(c *Config) { c.Dimensions = 3 })

	err := x.Insert("bad", []float32{1, 2}, epoch)
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.False(t, x.spatial.Contains("bad"))
	assert.False(t, x.temporal.Contains("bad"))

	err = x.Insert("nots", []float32{1, 2, 3}, time.Time{})
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Zero(t, x.Len())

	// An id already bound temporally must not end up half inserted.
	require.NoError(t, x.temporal.Insert("half", epoch))
	err = x.Insert("half", []float32{1, 2, 3}, epoch)
	assert.ErrorIs(t, err, core.ErrIndexInvariant)
	assert.False(t, x.spatial.Contains("half"))

	require.NoError(t, x.temporal.Remove("half"))
	require.NoError(t, x.Consistent())
}

func TestSpatiotemporalIndex_DuplicateID(t *testing.T) {
	x, _ := newTestIndex(t, nil)
	require.NoError(t, x.Insert("a", []float32{1, 0}, epoch))

	err := x.Insert("a", []float32{0, 1}, epoch.Add(time.Minute))
	assert.ErrorIs(t, err, core.ErrIndexInvariant)
	assert.Equal(t, 1, x.Len())
	ts, _ := x.temporal.Timestamp("a")
	assert.True(t, ts.Equal(epoch))
}

func TestSpatiotemporalIndex_RemoveUnknown(t *testing.T) {
	x, _ := newTestIndex(t, nil)
	assert.ErrorIs(t, x.Remove("missing"), core.ErrNotFound)
}

func TestSpatiotemporalIndex_Filters(t *testing.T) {
	x, cat := newTestIndex(t, nil)
	base := []float32{1, 0, 0}
	eps := []struct {
		id     core.EpisodeID
		vec    []float32
		ts     time.Time
		tags   []string
		domain string
	}{
		{"a", []float32{1, 0.01, 0}, epoch, []string{"go", "sql"}, "backend"},
		{"b", []float32{1, 0.02, 0}, epoch.Add(time.Hour), []string{"go"}, "backend"},
		{"c", []float32{1, 0.03, 0}, epoch.Add(2 * time.Hour), []string{"sql"}, "frontend"},
		{"d", []float32{0, 1, 0}, epoch.Add(3 * time.Hour), []string{"go", "sql"}, "backend"},
	}
	for _, e := range eps {
		require.NoError(t, x.Insert(e.id, e.vec, e.ts))
		cat.set(e.id, Attributes{Quality: 0.5, Tags: core.NormalizeTags(e.tags), Domain: e.domain})
	}

	ids := func(res Result) []core.EpisodeID {
		out := make([]core.EpisodeID, len(res.Candidates))
		for i, c := range res.Candidates {
			out[i] = c.ID
		}
		slices.Sort(out)
		return out
	}

	tests := []struct {
		name string
		q    Query
		want []core.EpisodeID
	}{
		{"tags", Query{Tags: []string{"Go", "SQL"}}, []core.EpisodeID{"a", "d"}},
		{"domain", Query{Domain: "Frontend"}, []core.EpisodeID{"c"}},
		{"since", Query{Since: epoch.Add(90 * time.Minute)}, []core.EpisodeID{"c", "d"}},
		{"until", Query{Until: epoch.Add(time.Hour)}, []core.EpisodeID{"a", "b"}},
		{"combined", Query{Tags: []string{"go"}, Domain: "backend", Since: epoch.Add(time.Minute)}, []core.EpisodeID{"b", "d"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := tt.q
			q.Vector = base
			q.Time = epoch
			q.Limit = 10
			res, err := x.Query(context.Background(), q)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(res))
		})
	}
}

func TestSpatiotemporalIndex_FilterWidensCandidateSet(t *testing.T) {
	x, cat := newTestIndex(t, func(c *Config) { c.OverfetchFactor = 2 })
	// Ten untagged near matches crowd out two tagged far ones until the
	// candidate set widens.
	for i := range 10 {
		id := core.EpisodeID(fmt.Sprintf("near-%02d", i))
		require.NoError(t, x.Insert(id, []float32{1, float32(i) * 0.001, 0}, epoch))
		cat.set(id, Attributes{Quality: 0.5})
	}
	for i := range 2 {
		id := core.EpisodeID(fmt.Sprintf("far-%d", i))
		require.NoError(t, x.Insert(id, []float32{0, 1, float32(i) * 0.001}, epoch))
		cat.set(id, Attributes{Quality: 0.5, Tags: []string{"rare"}})
	}

	res, err := x.Query(context.Background(), Query{Vector: []float32{1, 0, 0}, Limit: 2, Tags: []string{"rare"}})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, core.EpisodeID("far-0"), res.Candidates[0].ID)
}

func TestSpatiotemporalIndex_OrderingAndLimit(t *testing.T) {
	x, cat := newTestIndex(t, nil)
	vec := []float32{1, 1}
	for _, id := range []core.EpisodeID{"c", "a", "b"} {
		require.NoError(t, x.Insert(id, vec, epoch))
		cat.set(id, Attributes{Quality: 0.5})
	}
	require.NoError(t, x.Insert("far", []float32{1, -1}, epoch))
	cat.set("far", Attributes{Quality: 0.5})

	res, err := x.Query(context.Background(), Query{Vector: vec, Time: epoch, Limit: 3})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 3)
	assert.Equal(t, []core.EpisodeID{"a", "b", "c"}, []core.EpisodeID{res.Candidates[0].ID, res.Candidates[1].ID, res.Candidates[2].ID})
}

func TestSpatiotemporalIndex_NoQueryTimeIgnoresRecency(t *testing.T) {
	x, cat := newTestIndex(t, func(c *Config) {
		c.WeightSpatial, c.WeightTemporal, c.WeightQuality = 0.2, 0.7, 0.1
		c.TemporalHalfLife = time.Minute
	})
	require.NoError(t, x.Insert("close-old", []float32{1, 0}, epoch))
	require.NoError(t, x.Insert("far-new", []float32{0.6, 0.8}, epoch.Add(24*time.Hour)))
	cat.set("close-old", Attributes{Quality: 0.5})
	cat.set("far-new", Attributes{Quality: 0.5})

	res, err := x.Query(context.Background(), Query{Vector: []float32{1, 0}, Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, core.EpisodeID("close-old"), res.Candidates[0].ID)
	assert.Zero(t, res.Candidates[0].Proximity)

	// With a query time at the newer episode recency dominates.
	res, err = x.Query(context.Background(), Query{Vector: []float32{1, 0}, Time: epoch.Add(24 * time.Hour), Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, core.EpisodeID("far-new"), res.Candidates[0].ID)
}

func TestSpatiotemporalIndex_Helpers(t *testing.T) {
	x, _ := newTestIndex(t, nil)
	for i := range 5 {
		require.NoError(t, x.Insert(core.EpisodeID(fmt.Sprint(i)), []float32{1, float32(i)}, epoch.Add(time.Duration(i)*time.Minute)))
	}
	assert.Equal(t, []core.EpisodeID{"4", "3"}, x.MostRecent(2))
	assert.Equal(t, []core.EpisodeID{"1", "2", "3"}, slices.Collect(x.Between(epoch.Add(time.Minute), epoch.Add(3*time.Minute))))

	x.Rebuild()
	require.NoError(t, x.Consistent())
	assert.Equal(t, 5, x.Len())
}

func TestNew_Validation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WeightSpatial = 0.9
	_, err := New(cfg, newMapCatalog())
	assert.ErrorIs(t, err, core.ErrValidation)

	cfg = DefaultConfig()
	cfg.OverfetchFactor = 0
	_, err = New(cfg, newMapCatalog())
	assert.ErrorIs(t, err, core.ErrValidation)

	_, err = New(DefaultConfig(), nil)
	assert.Error(t, err)

	x, _ := newTestIndex(t, nil)
	_, err = x.Query(context.Background(), Query{Vector: []float32{1}, Limit: 0})
	assert.ErrorIs(t, err, core.ErrValidation)
}
