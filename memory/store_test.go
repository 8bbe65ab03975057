package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

func TestEpisodeStoreLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewEpisodeStore(func() time.Time { return now })

	require.ErrorIs(t, s.Begin(&core.Episode{ID: "a"}), core.ErrValidation)
	require.NoError(t, s.Begin(&core.Episode{ID: "a", TaskDescription: "t", Tags: []string{"B", "a", "b"}}))
	require.ErrorIs(t, s.Begin(&core.Episode{ID: "a", TaskDescription: "t"}), core.ErrValidation)

	ep, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, core.StatePending, ep.State)
	assert.Equal(t, []string{"a", "b"}, ep.Tags)
	assert.Equal(t, now, ep.CreatedAt)

	_, ok = s.Attributes("a")
	assert.False(t, ok, "pending episodes are invisible to the index")

	_, err := s.Complete(&core.Episode{ID: "a", TaskDescription: "t"})
	require.ErrorIs(t, err, core.ErrValidation, "embedding required")

	done, err := s.Complete(&core.Episode{ID: "a", TaskDescription: "t", Embedding: []float32{1}, Quality: 0.7})
	require.NoError(t, err)
	assert.Equal(t, core.StateCompleted, done.State)
	assert.Equal(t, now, done.Timestamp)
	assert.EqualValues(t, 1, done.Sequence)

	attrs, ok := s.Attributes("a")
	require.True(t, ok)
	assert.InDelta(t, 0.7, attrs.Quality, 1e-9)

	assert.Equal(t, Stats{Indexed: 1, Bytes: done.SizeBytes()}, s.Stats())
	assert.Equal(t, 1, s.Len())
	assert.Equal(t, done.SizeBytes(), s.TotalBytes())

	_, err = s.Complete(&core.Episode{ID: "missing", Embedding: []float32{1}})
	assert.ErrorIs(t, err, core.ErrNotFound)

	evicted, changed, err := s.MarkEvicted("a")
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, core.StateEvicted, evicted.State)
	_, changed, err = s.MarkEvicted("a")
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Equal(t, Stats{Evicted: 1}, s.Stats())
	assert.Empty(t, s.Candidates())
}

func TestEpisodeStoreMonotonicTimestamps(t *testing.T) {
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewEpisodeStore(func() time.Time { return fixed })

	var last time.Time
	for i, id := range []core.EpisodeID{"a", "b", "c"} {
		require.NoError(t, s.Begin(&core.Episode{ID: id, TaskDescription: "t"}))
		ep, err := s.Complete(&core.Episode{ID: id, TaskDescription: "t", Embedding: []float32{1}})
		require.NoError(t, err)
		assert.True(t, ep.Timestamp.After(last), "timestamps strictly increase under a frozen clock")
		assert.EqualValues(t, i+1, ep.Sequence)
		last = ep.Timestamp
	}
}

func TestEpisodeStoreRevertAndDiscard(t *testing.T) {
	s := NewEpisodeStore(nil)
	require.NoError(t, s.Begin(&core.Episode{ID: "a", TaskDescription: "t"}))
	_, err := s.Complete(&core.Episode{ID: "a", TaskDescription: "t", Embedding: []float32{1}})
	require.NoError(t, err)

	s.Revert("a")
	ep, _ := s.Get("a")
	assert.Equal(t, core.StatePending, ep.State)
	assert.Empty(t, ep.Embedding)
	assert.Zero(t, ep.Sequence)
	assert.Equal(t, Stats{Pending: 1}, s.Stats())

	s.Discard("a")
	_, ok := s.Get("a")
	assert.False(t, ok)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestEpisodeStoreAccessAndQuality(t *testing.T) {
	s := NewEpisodeStore(nil)
	for _, id := range []core.EpisodeID{"a", "b"} {
		require.NoError(t, s.Begin(&core.Episode{ID: id, TaskDescription: "t"}))
		_, err := s.Complete(&core.Episode{ID: id, TaskDescription: "t", Embedding: []float32{1}})
		require.NoError(t, err)
	}
	require.NoError(t, s.Begin(&core.Episode{ID: "p", TaskDescription: "t"}))

	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	got := s.RecordAccess([]core.EpisodeID{"b", "p", "missing", "a"}, at)
	require.Len(t, got, 2)
	assert.Equal(t, core.EpisodeID("b"), got[0].ID)
	assert.Equal(t, core.EpisodeID("a"), got[1].ID)
	assert.EqualValues(t, 1, got[0].AccessCount)
	assert.Equal(t, at, got[0].LastAccessed)

	// older access times never move LastAccessed back
	s.RecordAccess([]core.EpisodeID{"a"}, at.Add(-time.Hour))
	ep, _ := s.Get("a")
	assert.EqualValues(t, 2, ep.AccessCount)
	assert.Equal(t, at, ep.LastAccessed)

	_, err := s.UpdateQuality("a", 0.9, at)
	require.NoError(t, err)
	_, err = s.UpdateQuality("p", 0.9, at)
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = s.UpdateQuality("missing", 0.9, at)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = s.UpdateQuality("a", -1, at)
	assert.ErrorIs(t, err, core.ErrValidation)

	cands := s.Candidates()
	require.Len(t, cands, 2)
}

func TestEpisodeStoreRestore(t *testing.T) {
	s := NewEpisodeStore(nil)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.ErrorIs(t, s.Restore(&core.Episode{ID: "x", State: core.StateCompleted}), core.ErrValidation)
	require.NoError(t, s.Restore(&core.Episode{
		ID: "a", TaskDescription: "t", State: core.StateCompleted,
		Embedding: []float32{1}, Timestamp: ts, Sequence: 41,
	}))
	require.ErrorIs(t, s.Restore(&core.Episode{ID: "a"}), core.ErrValidation)

	require.NoError(t, s.Begin(&core.Episode{ID: "b", TaskDescription: "t"}))
	ep, err := s.Complete(&core.Episode{ID: "b", TaskDescription: "t", Embedding: []float32{1}, Timestamp: ts})
	require.NoError(t, err)
	assert.EqualValues(t, 42, ep.Sequence)

	assert.Len(t, s.Snapshot(core.StateCompleted), 2)
}

func TestEpisodeStoreRejectsEarlierTimestamp(t *testing.T) {
	s := NewEpisodeStore(nil)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Begin(&core.Episode{ID: "a", TaskDescription: "t"}))
	_, err := s.Complete(&core.Episode{ID: "a", TaskDescription: "t", Embedding: []float32{1}, Timestamp: ts})
	require.NoError(t, err)

	require.NoError(t, s.Begin(&core.Episode{ID: "b", TaskDescription: "t"}))
	_, err = s.Complete(&core.Episode{ID: "b", TaskDescription: "t", Embedding: []float32{1}, Timestamp: ts.Add(-time.Second)})
	require.ErrorIs(t, err, core.ErrValidation)

	b, ok := s.Get("b")
	require.True(t, ok)
	assert.Equal(t, core.StatePending, b.State)

	// an assigned timestamp still follows the latest one
	ep, err := s.Complete(&core.Episode{ID: "b", TaskDescription: "t", Embedding: []float32{1}})
	require.NoError(t, err)
	assert.True(t, ep.Timestamp.After(ts))
	assert.EqualValues(t, 2, ep.Sequence)
}
