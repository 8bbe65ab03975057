package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory/capacity"
	"github.com/becomeliminal/nim-memory/memory/index"
)

// Stats is a snapshot of the episode population.
type Stats struct {
	Indexed int   `json:"indexed"`
	Pending int   `json:"pending"`
	Evicted int   `json:"evicted"`
	Bytes   int64 `json:"bytes"`
}

// EpisodeStore owns the canonical episode records and their lifecycle.
// Records handed out are copies; callers never share memory with the store.
//
// EpisodeStore never calls into the index, so the index may read from it
// (as its Catalog) while holding index locks.
type EpisodeStore struct {
	mu       sync.RWMutex
	episodes map[core.EpisodeID]*core.Episode
	seq      uint64
	lastTS   time.Time
	stats    Stats
	now      func() time.Time
}

// NewEpisodeStore creates an empty store. A nil clock uses time.Now.
func NewEpisodeStore(clock func() time.Time) *EpisodeStore {
	if clock == nil {
		clock = time.Now
	}
	return &EpisodeStore{
		episodes: make(map[core.EpisodeID]*core.Episode),
		now:      clock,
	}
}

func (s *EpisodeStore) count(st core.State, ep *core.Episode, delta int) {
	switch st {
	case core.StatePending:
		s.stats.Pending += delta
	case core.StateCompleted:
		s.stats.Indexed += delta
		s.stats.Bytes += int64(delta) * ep.SizeBytes()
	case core.StateEvicted:
		s.stats.Evicted += delta
	}
}

func (s *EpisodeStore) transition(ep *core.Episode, to core.State) {
	s.count(ep.State, ep, -1)
	ep.State = to
	s.count(to, ep, 1)
}

// Begin registers ep as a pending episode.
func (s *EpisodeStore) Begin(ep *core.Episode) error {
	if ep.ID == "" {
		return core.Invalid("id", "must be set")
	}
	if ep.TaskDescription == "" {
		return core.Invalid("task_description", "must be set")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.episodes[ep.ID]; exists {
		return core.Invalid("id", fmt.Sprintf("duplicate episode id %s", ep.ID))
	}
	c := ep.Clone()
	c.Tags = core.NormalizeTags(c.Tags)
	c.State = core.StatePending
	c.Embedding = nil
	c.Timestamp = time.Time{}
	c.Sequence = 0
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now()
	}
	s.episodes[c.ID] = c
	s.count(core.StatePending, c, 1)
	return nil
}

// Get returns a copy of the episode.
func (s *EpisodeStore) Get(id core.EpisodeID) (*core.Episode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, false
	}
	return ep.Clone(), true
}

// Complete transitions a pending episode to completed, taking its content,
// embedding and quality from ep. The timestamp is assigned here unless ep
// carries one, which must not be earlier than any previous completion; the
// sequence number is always assigned here.
func (s *EpisodeStore) Complete(ep *core.Episode) (*core.Episode, error) {
	if len(ep.Embedding) == 0 {
		return nil, core.Invalid("embedding", "missing")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.episodes[ep.ID]
	if !ok {
		return nil, fmt.Errorf("complete %s: %w", ep.ID, core.ErrNotFound)
	}
	if cur.State != core.StatePending {
		return nil, core.Invalid("id", fmt.Sprintf("episode %s is already %s", ep.ID, cur.State))
	}

	if !ep.Timestamp.IsZero() && ep.Timestamp.Before(s.lastTS) {
		return nil, core.Invalid("timestamp", fmt.Sprintf("%s is before the latest completion at %s",
			ep.Timestamp.Format(time.RFC3339Nano), s.lastTS.Format(time.RFC3339Nano)))
	}

	next := ep.Clone()
	next.Tags = core.NormalizeTags(next.Tags)
	next.CreatedAt = cur.CreatedAt
	next.AccessCount = 0
	next.LastAccessed = time.Time{}
	if next.Timestamp.IsZero() {
		ts := s.now()
		if !ts.After(s.lastTS) {
			ts = s.lastTS.Add(time.Nanosecond)
		}
		next.Timestamp = ts
	}
	if next.Timestamp.After(s.lastTS) {
		s.lastTS = next.Timestamp
	}
	s.seq++
	next.Sequence = s.seq
	next.State = core.StatePending

	s.count(core.StatePending, cur, -1)
	s.episodes[next.ID] = next
	s.count(core.StatePending, next, 1)
	s.transition(next, core.StateCompleted)
	return next.Clone(), nil
}

// Revert returns a completed episode to pending after a failed completion.
func (s *EpisodeStore) Revert(id core.EpisodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok || ep.State != core.StateCompleted {
		return
	}
	s.count(core.StateCompleted, ep, -1)
	ep.Embedding = nil
	ep.Timestamp = time.Time{}
	ep.Sequence = 0
	ep.State = core.StatePending
	s.count(core.StatePending, ep, 1)
}

// Discard drops a pending episode that never completed.
func (s *EpisodeStore) Discard(id core.EpisodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok || ep.State == core.StateEvicted {
		return
	}
	s.count(ep.State, ep, -1)
	delete(s.episodes, id)
}

// MarkEvicted marks a completed episode evicted. It reports false if the
// episode was already evicted.
func (s *EpisodeStore) MarkEvicted(id core.EpisodeID) (*core.Episode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, false, fmt.Errorf("evict %s: %w", id, core.ErrNotFound)
	}
	switch ep.State {
	case core.StateEvicted:
		return ep.Clone(), false, nil
	case core.StatePending:
		return nil, false, core.Invalid("id", fmt.Sprintf("episode %s is pending", id))
	}
	s.transition(ep, core.StateEvicted)
	return ep.Clone(), true, nil
}

// RecordAccess bumps the access bookkeeping of every completed episode in ids
// and returns their copies in the same order. Episodes no longer completed are
// skipped.
func (s *EpisodeStore) RecordAccess(ids []core.EpisodeID, at time.Time) []*core.Episode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Episode, 0, len(ids))
	for _, id := range ids {
		ep, ok := s.episodes[id]
		if !ok || ep.State != core.StateCompleted {
			continue
		}
		ep.AccessCount++
		if at.After(ep.LastAccessed) {
			ep.LastAccessed = at
		}
		out = append(out, ep.Clone())
	}
	return out
}

// UpdateQuality sets the quality of a completed episode.
func (s *EpisodeStore) UpdateQuality(id core.EpisodeID, q float64, at time.Time) (*core.Episode, error) {
	if q < 0 || q > 1 {
		return nil, core.Invalid("quality", "must be in [0, 1]")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ep, ok := s.episodes[id]
	if !ok {
		return nil, fmt.Errorf("update quality %s: %w", id, core.ErrNotFound)
	}
	if ep.State != core.StateCompleted {
		return nil, core.Invalid("id", fmt.Sprintf("episode %s is %s", id, ep.State))
	}
	ep.Quality = q
	ep.QualityAssessedAt = at
	return ep.Clone(), nil
}

// Restore inserts a record loaded from durable storage as-is.
func (s *EpisodeStore) Restore(ep *core.Episode) error {
	if ep.ID == "" {
		return core.Invalid("id", "must be set")
	}
	if ep.State == core.StateCompleted && len(ep.Embedding) == 0 {
		return core.Invalid("embedding", fmt.Sprintf("completed episode %s has no embedding", ep.ID))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.episodes[ep.ID]; exists {
		return core.Invalid("id", fmt.Sprintf("duplicate episode id %s", ep.ID))
	}
	c := ep.Clone()
	c.Tags = core.NormalizeTags(c.Tags)
	s.episodes[c.ID] = c
	s.count(c.State, c, 1)
	if c.Sequence > s.seq {
		s.seq = c.Sequence
	}
	if c.Timestamp.After(s.lastTS) {
		s.lastTS = c.Timestamp
	}
	return nil
}

// Snapshot returns copies of every episode in state st.
func (s *EpisodeStore) Snapshot(st core.State) []*core.Episode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*core.Episode
	for _, ep := range s.episodes {
		if ep.State == st {
			out = append(out, ep.Clone())
		}
	}
	return out
}

// Stats returns population counters.
func (s *EpisodeStore) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Attributes implements index.Catalog for completed episodes.
func (s *EpisodeStore) Attributes(id core.EpisodeID) (index.Attributes, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ep, ok := s.episodes[id]
	if !ok || ep.State != core.StateCompleted {
		return index.Attributes{}, false
	}
	return index.Attributes{Quality: ep.Quality, Tags: ep.Tags, Domain: ep.Domain}, true
}

// Len returns the number of completed episodes. Together with TotalBytes and
// Candidates it makes the store a capacity.Source.
func (s *EpisodeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.Indexed
}

// TotalBytes returns the summed size of completed episodes.
func (s *EpisodeStore) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats.Bytes
}

// Candidates returns the eviction view of every completed episode.
func (s *EpisodeStore) Candidates() []capacity.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capacity.Entry, 0, s.stats.Indexed)
	for _, ep := range s.episodes {
		if ep.State != core.StateCompleted {
			continue
		}
		out = append(out, capacity.Entry{
			ID:           ep.ID,
			Quality:      ep.Quality,
			Timestamp:    ep.Timestamp,
			LastAccessed: ep.LastAccessed,
			AccessCount:  ep.AccessCount,
			SizeBytes:    ep.SizeBytes(),
		})
	}
	return out
}
