package memory

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-memory/core"
	"github.com/becomeliminal/nim-memory/memory/capacity"
	"github.com/becomeliminal/nim-memory/memory/index"
	"github.com/becomeliminal/nim-memory/memory/metrics"
)

// refreshConcurrency bounds parallel quality re-assessments per retrieval.
const refreshConcurrency = 8

// Manager is the entry point of the memory system. It completes episodes into
// the index and retrieves the most relevant ones for a query.
//
// The index is a required constructor dependency: every completion and
// retrieval goes through it.
type Manager struct {
	cfg      Config
	episodes *EpisodeStore
	idx      *index.SpatiotemporalIndex
	capacity *capacity.Manager
	embedder Embedder
	assessor Assessor
	durable  Store
	results  *resultCache
	metrics  *metrics.Metrics
	now      func() time.Time
	log      zerolog.Logger

	// writeMu serializes the mutating sections of completion, eviction,
	// loading and maintenance. Readers never take it.
	writeMu sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithAssessor sets the quality assessor. Without one, episodes get
// Config.DefaultQuality unless the completion record carries a score.
func WithAssessor(a Assessor) Option {
	return func(m *Manager) {
		m.assessor = a
	}
}

// WithDurableStore sets the write-through backend.
func WithDurableStore(s Store) Option {
	return func(m *Manager) {
		m.durable = s
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = mt
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// New builds an EpisodeStore and SpatiotemporalIndex from cfg and wires them
// into a Manager. embedder may be nil if every completion and query carries
// its own vector.
func New(cfg Config, embedder Embedder, opts ...Option) (*Manager, error) {
	probe := &Manager{now: time.Now}
	for _, opt := range opts {
		opt(probe)
	}
	episodes := NewEpisodeStore(probe.now)
	icfg := cfg.Index
	icfg.Logger = cfg.Logger
	idx, err := index.New(icfg, episodes)
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return NewManager(episodes, idx, embedder, cfg, opts...)
}

// NewManager wires a Manager over episodes and idx. idx must have been
// created with episodes as its catalog.
func NewManager(episodes *EpisodeStore, idx *index.SpatiotemporalIndex, embedder Embedder, cfg Config, opts ...Option) (*Manager, error) {
	if episodes == nil || idx == nil {
		return nil, errors.New("memory: episode store and index are required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		episodes: episodes,
		idx:      idx,
		embedder: embedder,
		now:      time.Now,
		log:      cfg.Logger.With().Str("component", "memory").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}

	ccfg := cfg.Capacity
	ccfg.Logger = cfg.Logger
	if ccfg.Clock == nil {
		ccfg.Clock = m.now
	}
	cm, err := capacity.New(ccfg, episodes, capacityEvictor{m})
	if err != nil {
		return nil, fmt.Errorf("create capacity manager: %w", err)
	}
	m.capacity = cm

	if m.results, err = newResultCache(cfg.ResultCache); err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return m, nil
}

// Index returns the spatiotemporal index.
func (m *Manager) Index() *index.SpatiotemporalIndex {
	return m.idx
}

// Episodes returns the episode store.
func (m *Manager) Episodes() *EpisodeStore {
	return m.episodes
}

// Stats returns a population snapshot of the episode store. Indexed matches
// Index().Len() whenever no completion is in flight; during one, the episode
// counts as indexed shortly before its index insert lands.
func (m *Manager) Stats() Stats {
	return m.episodes.Stats()
}

// Close releases the result cache and closes the durable store, if any.
func (m *Manager) Close() error {
	m.results.close()
	if m.durable == nil {
		return nil
	}
	return m.durable.Close()
}

// BeginOptions carries the optional fields of a new pending episode.
type BeginOptions struct {
	// ID is assigned if empty.
	ID       core.EpisodeID
	Domain   string
	Tags     []string
	Metadata map[string]string
}

// BeginEpisode registers a pending episode for a task that is still running.
// Pending episodes are not indexed.
func (m *Manager) BeginEpisode(task string, opts BeginOptions) (core.EpisodeID, error) {
	id := opts.ID
	if id == "" {
		id = core.NewEpisodeID()
	}
	ep := &core.Episode{
		ID:              id,
		TaskDescription: strings.TrimSpace(task),
		Domain:          opts.Domain,
		Tags:            opts.Tags,
		Metadata:        opts.Metadata,
	}
	if err := m.episodes.Begin(ep); err != nil {
		return "", err
	}
	m.log.Debug().Str("episode_id", id.String()).Msg("episode started")
	return id, nil
}

// CompletionRecord is the finished form of an episode.
type CompletionRecord struct {
	// ID of a pending episode from BeginEpisode. Empty, or an id never seen,
	// completes a new episode directly.
	ID core.EpisodeID

	// TaskDescription is required unless the pending episode has one.
	TaskDescription string
	Content         string
	Domain          string
	Outcome         core.Outcome
	Tags            []string
	Metadata        map[string]string

	// Embedding, if set, is used as-is instead of calling the embedder.
	Embedding []float32

	// Quality, if set, is used instead of calling the assessor.
	Quality *float64

	// Timestamp is assigned at completion if zero. A caller-supplied value
	// earlier than the latest completion fails with core.ErrValidation.
	Timestamp time.Time
}

// prepare merges rec with its pending episode and validates the result
// without mutating anything.
func (m *Manager) prepare(rec CompletionRecord) (ep *core.Episode, created bool, err error) {
	ep = &core.Episode{ID: rec.ID}
	if rec.ID == "" {
		ep.ID = core.NewEpisodeID()
		created = true
	} else if cur, ok := m.episodes.Get(rec.ID); ok {
		if cur.State != core.StatePending {
			return nil, false, core.Invalid("id", fmt.Sprintf("duplicate episode id %s", rec.ID))
		}
		ep = cur
	} else {
		created = true
	}

	if s := strings.TrimSpace(rec.TaskDescription); s != "" {
		ep.TaskDescription = s
	}
	if rec.Content != "" {
		ep.Content = rec.Content
	}
	if rec.Domain != "" {
		ep.Domain = rec.Domain
	}
	ep.Outcome = rec.Outcome
	if len(rec.Tags) > 0 {
		ep.Tags = core.NormalizeTags(append(ep.Tags, rec.Tags...))
	}
	for k, v := range rec.Metadata {
		if ep.Metadata == nil {
			ep.Metadata = make(map[string]string, len(rec.Metadata))
		}
		ep.Metadata[k] = v
	}
	ep.Embedding = slices.Clone(rec.Embedding)
	ep.Timestamp = rec.Timestamp

	if ep.TaskDescription == "" {
		return nil, false, core.Invalid("task_description", "must be set")
	}
	switch ep.Outcome {
	case core.OutcomeUnknown, core.OutcomeSuccess, core.OutcomePartial, core.OutcomeFailure:
	default:
		return nil, false, core.Invalid("outcome", fmt.Sprintf("unknown outcome %q", ep.Outcome))
	}
	if rec.Quality != nil && (*rec.Quality < 0 || *rec.Quality > 1) {
		return nil, false, core.Invalid("quality", "must be in [0, 1]")
	}
	if len(ep.Embedding) == 0 && m.embedder == nil {
		return nil, false, core.Invalid("embedding", "missing and no embedder is configured")
	}
	if err := m.checkDimensions(ep.Embedding); err != nil {
		return nil, false, err
	}
	return ep, created, nil
}

func (m *Manager) checkDimensions(vec []float32) error {
	if len(vec) == 0 {
		return nil
	}
	if d := m.idx.Dimensions(); d != 0 && len(vec) != d {
		return core.Invalid("embedding", fmt.Sprintf("dimension %d, index expects %d", len(vec), d))
	}
	return nil
}

// CompleteEpisode embeds, scores, persists and indexes an episode, then
// enforces capacity. Invalid records fail with core.ErrValidation before any
// mutation; embedding failures that outlast the retry policy fail with
// core.ErrProvider. A failure after the episode reached the store rolls it
// back to pending.
func (m *Manager) CompleteEpisode(ctx context.Context, rec CompletionRecord) (core.EpisodeID, error) {
	ep, created, err := m.prepare(rec)
	if err != nil {
		m.metrics.RecordCompletion("invalid")
		return "", err
	}
	log := m.log.With().Str("episode_id", ep.ID.String()).Logger()

	if len(ep.Embedding) == 0 {
		vec, err := m.embed(ctx, ep.Text())
		if err != nil {
			m.metrics.RecordCompletion("provider_error")
			log.Error().Err(err).Msg("episode not completed: embedding failed")
			return "", fmt.Errorf("complete episode %s: %w", ep.ID, err)
		}
		if err := m.checkDimensions(vec); err != nil {
			m.metrics.RecordCompletion("provider_error")
			return "", fmt.Errorf("complete episode %s: %w", ep.ID,
				core.NewProviderError("embedder", "embed", core.ProviderInvalidInput, err))
		}
		ep.Embedding = vec
	}

	switch {
	case rec.Quality != nil:
		ep.Quality, ep.QualityAssessedAt = *rec.Quality, m.now()
	default:
		if q, ok := m.assess(ctx, ep); ok {
			ep.Quality, ep.QualityAssessedAt = q, m.now()
		} else {
			// zero QualityAssessedAt lets retrieval retry the assessment
			ep.Quality, ep.QualityAssessedAt = m.cfg.DefaultQuality, time.Time{}
		}
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if created {
		if err := m.episodes.Begin(ep); err != nil {
			m.metrics.RecordCompletion("invalid")
			return "", err
		}
	}
	done, err := m.episodes.Complete(ep)
	if err != nil {
		if created {
			m.episodes.Discard(ep.ID)
		}
		m.metrics.RecordCompletion("invalid")
		return "", err
	}

	if m.durable != nil {
		if err := m.durable.Persist(ctx, done); err != nil {
			m.rollback(done.ID, created, false)
			m.metrics.RecordCompletion("persist_error")
			log.Error().Err(err).Msg("episode not completed: persist failed")
			return "", fmt.Errorf("persist episode %s: %w", done.ID, err)
		}
	}

	if err := m.idx.Insert(done.ID, done.Embedding, done.Timestamp); err != nil {
		m.rollback(done.ID, created, m.durable != nil)
		m.metrics.RecordCompletion("index_error")
		log.Error().Err(err).Msg("episode not completed: index insert rolled back")
		return "", fmt.Errorf("index episode %s: %w", done.ID, err)
	}
	m.results.invalidate()

	if rep, err := m.capacity.MaybeEvict(ctx); err != nil {
		log.Warn().Err(err).Int("evicted", len(rep.Evicted)).Msg("capacity enforcement incomplete")
	}

	m.metrics.RecordCompletion("ok")
	m.metrics.SetIndexed(m.idx.Len())
	log.Info().Float64("quality", done.Quality).Uint64("sequence", done.Sequence).
		Int("population", m.idx.Len()).Msg("episode completed")
	return done.ID, nil
}

// rollback undoes a completion that reached the store. Episodes created by
// the completion itself are discarded unless their record was persisted.
func (m *Manager) rollback(id core.EpisodeID, created, persisted bool) {
	if created && !persisted {
		m.episodes.Discard(id)
		return
	}
	m.episodes.Revert(id)
	if !persisted {
		return
	}
	// put the durable record back in step with memory
	if ep, ok := m.episodes.Get(id); ok {
		if err := m.durable.Persist(context.Background(), ep); err != nil {
			m.log.Warn().Err(err).Str("episode_id", id.String()).Msg("persisting rolled back episode failed")
		}
	}
}

// RetrievalRequest asks for the episodes most relevant to a query.
type RetrievalRequest struct {
	// Query text is embedded together with Context unless Vector is set.
	Query   string
	Context string
	Vector  []float32

	// Time is the reference point for recency. Zero disables the temporal term.
	Time time.Time

	// Limit of zero uses Config.DefaultLimit.
	Limit int

	Tags   []string
	Domain string
	Since  time.Time
	Until  time.Time
}

// Hit is one retrieved episode with its final scores.
type Hit struct {
	Episode    *core.Episode
	Score      float64
	Similarity float64
	Proximity  float64
	Distance   float64
}

// RetrievalResult holds ranked hits. Partial reports the deadline passed
// before the search or the quality refresh completed.
type RetrievalResult struct {
	Hits    []Hit
	Partial bool
}

// IDs returns the hit ids in rank order.
func (r RetrievalResult) IDs() []core.EpisodeID {
	ids := make([]core.EpisodeID, len(r.Hits))
	for i, h := range r.Hits {
		ids[i] = h.Episode.ID
	}
	return ids
}

// Retrieve ranks indexed episodes for req. Every returned episode has its
// access count and last access time updated. With the result cache enabled,
// a repeated retrieval is answered from the cache until a completion,
// eviction or quality change.
func (m *Manager) Retrieve(ctx context.Context, req RetrievalRequest) (RetrievalResult, error) {
	start := time.Now()
	limit := req.Limit
	switch {
	case limit == 0:
		limit = m.cfg.DefaultLimit
	case limit < 0:
		return RetrievalResult{}, core.Invalid("limit", "must not be negative")
	}

	vec := req.Vector
	if len(vec) == 0 {
		text := strings.TrimSpace(strings.TrimSpace(req.Query) + "\n" + strings.TrimSpace(req.Context))
		if text == "" {
			return RetrievalResult{}, core.Invalid("query", "query text or vector is required")
		}
		if m.embedder == nil {
			return RetrievalResult{}, core.Invalid("query", "no embedder is configured, pass a vector")
		}
		var err error
		if vec, err = m.embed(ctx, text); err != nil {
			return RetrievalResult{}, fmt.Errorf("embed query: %w", err)
		}
	}

	at := req.Time
	var key string
	if m.results != nil {
		if step := m.cfg.ResultCache.TimeResolution; step > 0 && !at.IsZero() {
			at = at.Truncate(step)
		}
		// the generation is read before the index, so a concurrent write can
		// only orphan this entry
		key = resultKey(m.results.generation(), vec, at, limit, req)
		if cached, ok := m.results.get(key); ok {
			m.metrics.RecordCacheLookup(true)
			out := RetrievalResult{Hits: m.access(cached)}
			m.metrics.RecordRetrieval(time.Since(start), len(out.Hits), false)
			m.log.Debug().Int("hits", len(out.Hits)).Bool("cached", true).
				Dur("elapsed", time.Since(start)).Msg("retrieval")
			return out, nil
		}
		m.metrics.RecordCacheLookup(false)
	}

	res, err := m.idx.Query(ctx, index.Query{
		Vector: vec,
		Time:   at,
		Limit:  limit * m.cfg.RerankFactor,
		Tags:   req.Tags,
		Domain: req.Domain,
		Since:  req.Since,
		Until:  req.Until,
	})
	if err != nil {
		return RetrievalResult{}, fmt.Errorf("query index: %w", err)
	}

	hits := m.refresh(ctx, res.Candidates)
	m.rerank(hits, at)
	if m.cfg.DiversityLambda > 0 {
		hits = diversify(hits, limit, m.cfg.DiversityLambda, m.idx.Scorer())
	} else if len(hits) > limit {
		hits = hits[:limit]
	}

	out := RetrievalResult{Partial: res.Partial || ctx.Err() != nil}
	if !out.Partial {
		m.results.put(key, hits)
	}
	out.Hits = m.access(toCached(hits))

	m.metrics.RecordRetrieval(time.Since(start), len(out.Hits), out.Partial)
	ev := m.log.Debug()
	if out.Partial {
		ev = m.log.Warn()
	}
	ev.Int("hits", len(out.Hits)).Int("candidates", len(res.Candidates)).
		Bool("partial", out.Partial).Dur("elapsed", time.Since(start)).Msg("retrieval")
	return out, nil
}

// access records an access on every hit and resolves it to the current
// episode. Episodes evicted since ranking drop out.
func (m *Manager) access(ranked []cachedHit) []Hit {
	if len(ranked) == 0 {
		return nil
	}
	ids := make([]core.EpisodeID, len(ranked))
	byID := make(map[core.EpisodeID]cachedHit, len(ranked))
	for i, h := range ranked {
		ids[i] = h.id
		byID[h.id] = h
	}
	accessed := m.episodes.RecordAccess(ids, m.now())
	hits := make([]Hit, 0, len(accessed))
	for _, ep := range accessed {
		h := byID[ep.ID]
		hits = append(hits, Hit{
			Episode:    ep,
			Score:      h.score,
			Similarity: h.similarity,
			Proximity:  h.proximity,
			Distance:   h.distance,
		})
	}
	return hits
}

// refresh resolves candidates to episodes and re-assesses qualities older
// than the freshness window. A failed re-assessment keeps the last score.
func (m *Manager) refresh(ctx context.Context, cands []index.Candidate) []Hit {
	hits := make([]Hit, 0, len(cands))
	for _, c := range cands {
		ep, ok := m.episodes.Get(c.ID)
		if !ok || ep.State != core.StateCompleted {
			continue
		}
		hits = append(hits, Hit{Episode: ep, Similarity: c.Similarity, Proximity: c.Proximity, Distance: c.Distance})
	}
	if m.assessor == nil || m.cfg.FreshnessWindow <= 0 || ctx.Err() != nil {
		return hits
	}

	now := m.now()
	var g errgroup.Group
	g.SetLimit(refreshConcurrency)
	for i := range hits {
		ep := hits[i].Episode
		if now.Sub(ep.QualityAssessedAt) <= m.cfg.FreshnessWindow {
			continue
		}
		g.Go(func() error {
			q, ok := m.assess(ctx, ep)
			if !ok {
				m.metrics.RecordQualityRefresh("fallback")
				return nil
			}
			updated, err := m.episodes.UpdateQuality(ep.ID, q, now)
			if err != nil {
				// evicted meanwhile
				m.metrics.RecordQualityRefresh("fallback")
				return nil
			}
			hits[i].Episode = updated
			m.results.invalidate()
			m.metrics.RecordQualityRefresh("ok")
			m.persistBestEffort(ctx, updated)
			return nil
		})
	}
	_ = g.Wait()
	return hits
}

// rerank recomputes composite scores with current qualities.
func (m *Manager) rerank(hits []Hit, queryTime time.Time) {
	scorer := m.idx.Scorer()
	for i := range hits {
		h := &hits[i]
		h.Score = scorer.Combine(h.Similarity, h.Proximity, h.Episode.Quality, !queryTime.IsZero())
	}
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Episode.ID, b.Episode.ID)
	})
}

// Scored is an episode id with its retrieval score.
type Scored struct {
	ID    core.EpisodeID `json:"id"`
	Score float64        `json:"score"`
}

// RetrieveRelevantContext returns up to limit episode ids relevant to query
// and its surrounding context, ranked against the current time.
func (m *Manager) RetrieveRelevantContext(ctx context.Context, query, taskContext string, limit int) ([]Scored, error) {
	res, err := m.Retrieve(ctx, RetrievalRequest{Query: query, Context: taskContext, Time: m.now(), Limit: limit})
	if err != nil {
		return nil, err
	}
	out := make([]Scored, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = Scored{ID: h.Episode.ID, Score: h.Score}
	}
	return out, nil
}

// RetrieveFormatted retrieves episodes for query and renders them for prompt
// injection within maxLength characters (0 uses the default budget).
func (m *Manager) RetrieveFormatted(ctx context.Context, query string, maxLength int) (string, error) {
	res, err := m.Retrieve(ctx, RetrievalRequest{Query: query, Time: m.now()})
	if err != nil {
		return "", err
	}
	return Format(res.Hits, FormatContext{Query: query, MaxLength: maxLength}), nil
}

// Evict removes an episode from the index and marks it evicted. Evicting an
// evicted episode is a no-op; unknown ids fail with core.ErrNotFound.
func (m *Manager) Evict(ctx context.Context, id core.EpisodeID) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_, err := m.evictLocked(ctx, id, "manual")
	return err
}

// capacityEvictor lets the capacity manager evict through the Manager. It is
// only invoked while writeMu is held.
type capacityEvictor struct {
	m *Manager
}

func (e capacityEvictor) Evict(ctx context.Context, id core.EpisodeID) error {
	_, err := e.m.evictLocked(ctx, id, "capacity")
	return err
}

// evictLocked removes id from the index before marking the store record, so
// no query can return it once eviction starts.
func (m *Manager) evictLocked(ctx context.Context, id core.EpisodeID, reason string) (bool, error) {
	ep, ok := m.episodes.Get(id)
	if !ok {
		return false, fmt.Errorf("evict %s: %w", id, core.ErrNotFound)
	}
	switch ep.State {
	case core.StateEvicted:
		return false, nil
	case core.StatePending:
		return false, core.Invalid("id", fmt.Sprintf("episode %s is pending", id))
	}

	if err := m.idx.Remove(id); err != nil {
		if !errors.Is(err, core.ErrNotFound) {
			return false, fmt.Errorf("evict %s: %w", id, err)
		}
		m.log.Warn().Str("episode_id", id.String()).Msg("completed episode was missing from the index")
	}
	m.results.invalidate()
	evicted, changed, err := m.episodes.MarkEvicted(id)
	if err != nil {
		return false, err
	}
	if changed {
		m.persistBestEffort(ctx, evicted)
		m.metrics.RecordEviction(reason)
		m.metrics.SetIndexed(m.idx.Len())
		m.log.Debug().Str("episode_id", id.String()).Str("reason", reason).Msg("episode evicted")
	}
	return changed, nil
}

// UpdateQuality sets the quality of a completed episode after the fact.
func (m *Manager) UpdateQuality(ctx context.Context, id core.EpisodeID, quality float64) error {
	ep, err := m.episodes.UpdateQuality(id, quality, m.now())
	if err != nil {
		return err
	}
	m.results.invalidate()
	m.persistBestEffort(ctx, ep)
	return nil
}

func (m *Manager) persistBestEffort(ctx context.Context, ep *core.Episode) {
	if m.durable == nil {
		return
	}
	if err := m.durable.Persist(ctx, ep); err != nil {
		m.log.Warn().Err(err).Str("episode_id", ep.ID.String()).Msg("write-through persist failed")
	}
}

// Load rebuilds the store and index from the durable backend, then enforces
// capacity. It only runs on an empty Manager. Completed records that fail to
// index are marked evicted.
func (m *Manager) Load(ctx context.Context) (Stats, error) {
	if m.durable == nil {
		return Stats{}, errors.New("memory: no durable store configured")
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if s := m.episodes.Stats(); s.Indexed+s.Pending+s.Evicted > 0 {
		return Stats{}, core.Invalid("load", "manager already holds episodes")
	}

	start := time.Now()
	records, err := m.durable.LoadAll(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("load episodes: %w", err)
	}
	slices.SortFunc(records, func(a, b *core.Episode) int {
		return cmp.Compare(a.Sequence, b.Sequence)
	})

	var skipped int
	for _, ep := range records {
		if err := m.episodes.Restore(ep); err != nil {
			skipped++
			m.log.Warn().Err(err).Str("episode_id", ep.ID.String()).Msg("skipped unloadable episode")
			continue
		}
		if ep.State != core.StateCompleted {
			continue
		}
		if err := m.idx.Insert(ep.ID, ep.Embedding, ep.Timestamp); err != nil {
			skipped++
			m.log.Error().Err(err).Str("episode_id", ep.ID.String()).Msg("loaded episode not indexable, marking evicted")
			if _, _, err := m.episodes.MarkEvicted(ep.ID); err != nil {
				return Stats{}, err
			}
		}
	}

	if rep, err := m.capacity.MaybeEvict(ctx); err != nil {
		m.log.Warn().Err(err).Int("evicted", len(rep.Evicted)).Msg("capacity enforcement after load incomplete")
	}

	m.results.invalidate()
	stats := m.episodes.Stats()
	m.metrics.SetIndexed(stats.Indexed)
	m.log.Info().Int("records", len(records)).Int("skipped", skipped).Int("indexed", stats.Indexed).
		Dur("elapsed", time.Since(start)).Msg("loaded episodes")
	return stats, nil
}

// Maintain fully rebuilds the spatial tree, reconciles the index with the
// store and enforces capacity. It returns the consistency violation found
// before reconciling, if any.
func (m *Manager) Maintain(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	inconsistent := m.idx.Consistent()
	if inconsistent != nil {
		m.log.Error().Err(inconsistent).Msg("index inconsistency detected, reconciling")
	}

	for _, id := range m.idx.IDs() {
		if ep, ok := m.episodes.Get(id); !ok || ep.State != core.StateCompleted {
			if err := m.idx.Remove(id); err != nil && !errors.Is(err, core.ErrNotFound) {
				m.log.Error().Err(err).Str("episode_id", id.String()).Msg("removing stray index entry")
			}
		}
	}
	for _, ep := range m.episodes.Snapshot(core.StateCompleted) {
		if m.idx.Contains(ep.ID) {
			continue
		}
		if err := m.idx.Insert(ep.ID, ep.Embedding, ep.Timestamp); err != nil {
			m.log.Error().Err(err).Str("episode_id", ep.ID.String()).Msg("re-indexing failed, marking evicted")
			if _, _, err := m.episodes.MarkEvicted(ep.ID); err != nil {
				return err
			}
		}
	}

	m.idx.Rebuild()
	m.results.invalidate()

	if rep, err := m.capacity.MaybeEvict(ctx); err != nil {
		m.log.Warn().Err(err).Int("evicted", len(rep.Evicted)).Msg("capacity enforcement incomplete")
	}
	m.metrics.SetIndexed(m.idx.Len())
	return inconsistent
}
