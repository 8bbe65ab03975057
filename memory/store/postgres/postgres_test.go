package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-memory/core"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("NIM_MEMORY_TEST_PG_URL")
	if url == "" {
		t.Skip("set NIM_MEMORY_TEST_PG_URL to run postgres tests")
	}
	ctx := context.Background()
	s, err := Open(ctx, url, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Init(ctx))
	t.Cleanup(func() {
		s.pool.Exec(context.Background(), "DELETE FROM memory_episodes WHERE id LIKE 'test-%'")
		s.Close()
	})
	return s
}

func TestPersistAndLoad(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	ts := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	completed := &core.Episode{
		ID:              "test-completed",
		TaskDescription: "index rebuild",
		Embedding:       []float32{0.25, -0.5, 1},
		Timestamp:       ts,
		Sequence:        1,
		Quality:         0.8,
		State:           core.StateCompleted,
	}
	pending := &core.Episode{ID: "test-pending", TaskDescription: "still running", State: core.StatePending}
	require.NoError(t, s.Persist(ctx, completed))
	require.NoError(t, s.Persist(ctx, pending))

	completed.State = core.StateEvicted
	require.NoError(t, s.Persist(ctx, completed))

	got, err := s.LoadAll(ctx)
	require.NoError(t, err)
	m := make(map[core.EpisodeID]*core.Episode)
	for _, ep := range got {
		m[ep.ID] = ep
	}
	require.Contains(t, m, core.EpisodeID("test-completed"))
	require.Contains(t, m, core.EpisodeID("test-pending"))
	assert.Equal(t, []float32{0.25, -0.5, 1}, m["test-completed"].Embedding)
	assert.Equal(t, core.StateEvicted, m["test-completed"].State)
	assert.Empty(t, m["test-pending"].Embedding)
}
