package index

import (
	"fmt"
	"iter"
	"math"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/becomeliminal/nim-memory/core"
)

type temporalKey struct {
	at int64
	id core.EpisodeID
}

func lessTemporal(a, b temporalKey) bool {
	if a.at != b.at {
		return a.at < b.at
	}
	return a.id < b.id
}

// TemporalIndex orders episodes by (timestamp, id). It is safe for concurrent use.
type TemporalIndex struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[temporalKey]
	byID map[core.EpisodeID]time.Time
}

// NewTemporalIndex creates an empty index.
func NewTemporalIndex() *TemporalIndex {
	return &TemporalIndex{
		tree: btree.NewG(32, lessTemporal),
		byID: make(map[core.EpisodeID]time.Time),
	}
}

// Insert adds id at time ts. Duplicate ids are rejected.
func (t *TemporalIndex) Insert(id core.EpisodeID, ts time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(id, ts)
}

func (t *TemporalIndex) insertLocked(id core.EpisodeID, ts time.Time) error {
	if _, exists := t.byID[id]; exists {
		return &core.InvariantError{ID: id, Op: "temporal insert", Reason: "duplicate id"}
	}
	if ts.IsZero() {
		return core.Invalid("timestamp", "must be set")
	}
	t.tree.ReplaceOrInsert(temporalKey{at: ts.UnixNano(), id: id})
	t.byID[id] = ts
	return nil
}

// Remove deletes id. Unknown ids return core.ErrNotFound.
func (t *TemporalIndex) Remove(id core.EpisodeID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.removeLocked(id) {
		return fmt.Errorf("temporal remove %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (t *TemporalIndex) removeLocked(id core.EpisodeID) bool {
	ts, ok := t.byID[id]
	if !ok {
		return false
	}
	t.tree.Delete(temporalKey{at: ts.UnixNano(), id: id})
	delete(t.byID, id)
	return true
}

// Range yields the ids with timestamps in [t0, t1], oldest first. A zero bound
// is open on that side. The read lock is held while iterating, so the loop
// body must not mutate the index.
func (t *TemporalIndex) Range(t0, t1 time.Time) iter.Seq[core.EpisodeID] {
	return func(yield func(core.EpisodeID) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		t.rangeLocked(t0, t1, yield)
	}
}

func (t *TemporalIndex) rangeLocked(t0, t1 time.Time, yield func(core.EpisodeID) bool) {
	lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
	if !t0.IsZero() {
		lo = t0.UnixNano()
	}
	if !t1.IsZero() {
		hi = t1.UnixNano()
	}
	t.tree.AscendGreaterOrEqual(temporalKey{at: lo}, func(k temporalKey) bool {
		if k.at > hi {
			return false
		}
		return yield(k.id)
	})
}

// All yields every id, oldest first, under the same rules as Range.
func (t *TemporalIndex) All() iter.Seq[core.EpisodeID] {
	return func(yield func(core.EpisodeID) bool) {
		t.mu.RLock()
		defer t.mu.RUnlock()
		t.tree.Ascend(func(k temporalKey) bool {
			return yield(k.id)
		})
	}
}

// MostRecent returns up to n ids, newest first.
func (t *TemporalIndex) MostRecent(n int) []core.EpisodeID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mostRecentLocked(n)
}

func (t *TemporalIndex) mostRecentLocked(n int) []core.EpisodeID {
	if n <= 0 {
		return nil
	}
	out := make([]core.EpisodeID, 0, min(n, t.tree.Len()))
	t.tree.Descend(func(k temporalKey) bool {
		out = append(out, k.id)
		return len(out) < n
	})
	return out
}

// Timestamp returns the temporal key of id.
func (t *TemporalIndex) Timestamp(id core.EpisodeID) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ts, ok := t.byID[id]
	return ts, ok
}

// Len returns the number of indexed ids.
func (t *TemporalIndex) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byID)
}

// Contains reports whether id is indexed.
func (t *TemporalIndex) Contains(id core.EpisodeID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byID[id]
	return ok
}
