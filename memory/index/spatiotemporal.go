package index

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/becomeliminal/nim-memory/core"
)

// maxWiden bounds how many times a filtered query re-fetches a larger spatial
// candidate set before settling for fewer results.
const maxWiden = 2

// Config configures a SpatiotemporalIndex.
type Config struct {
	// Metric is the spatial distance function. Default cosine.
	Metric Metric `mapstructure:"spatial_metric"`

	// Dimensions of every embedding. Zero means it is taken from the first insert.
	Dimensions int `mapstructure:"dimensions"`

	LeafSize int     `mapstructure:"leaf_size"`
	Balance  float64 `mapstructure:"balance"`

	// OverfetchFactor multiplies the requested result size when querying
	// the spatial index, leaving room for filters. Default 4.
	OverfetchFactor int `mapstructure:"overfetch_factor"`

	// Composite score weights; they must sum to 1.
	WeightSpatial  float64 `mapstructure:"weight_spatial"`
	WeightTemporal float64 `mapstructure:"weight_temporal"`
	WeightQuality  float64 `mapstructure:"weight_quality"`

	// TemporalHalfLife is the age gap at which temporal proximity halves.
	TemporalHalfLife time.Duration `mapstructure:"temporal_half_life"`

	Logger zerolog.Logger `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Metric:           MetricCosine,
		LeafSize:         16,
		Balance:          0.75,
		OverfetchFactor:  4,
		WeightSpatial:    0.6,
		WeightTemporal:   0.2,
		WeightQuality:    0.2,
		TemporalHalfLife: 24 * time.Hour,
		Logger:           zerolog.Nop(),
	}
}

// Weights returns the configured score weights.
func (c Config) Weights() Weights {
	return Weights{Spatial: c.WeightSpatial, Temporal: c.WeightTemporal, Quality: c.WeightQuality}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if _, err := ParseMetric(string(c.Metric)); err != nil {
		return err
	}
	if c.OverfetchFactor < 1 {
		return core.Invalid("overfetch_factor", "must be at least 1")
	}
	if c.TemporalHalfLife <= 0 {
		return core.Invalid("temporal_half_life", "must be positive")
	}
	return c.Weights().validate()
}

// Attributes are the mutable episode fields a query filters and scores on.
type Attributes struct {
	Quality float64
	Tags    []string
	Domain  string
}

// Catalog resolves the current attributes of an indexed episode. It is called
// while index read locks are held and must not call back into the index.
type Catalog interface {
	Attributes(id core.EpisodeID) (Attributes, bool)
}

// Query selects episodes relevant to a vector at a point in time.
type Query struct {
	Vector []float32

	// Time is the reference point for temporal proximity. Zero makes the
	// temporal term neutral.
	Time time.Time

	Limit int

	// Tags that every result must carry.
	Tags []string

	// Domain, if set, must match the episode domain (case-insensitive).
	Domain string

	// Since and Until bound episode timestamps. Zero is unbounded.
	Since time.Time
	Until time.Time
}

func (q Query) filtered() bool {
	return len(q.Tags) > 0 || q.Domain != "" || !q.Since.IsZero() || !q.Until.IsZero()
}

// Candidate is a scored query hit.
type Candidate struct {
	ID         core.EpisodeID
	Distance   float64
	Similarity float64
	Proximity  float64
	Quality    float64
	Score      float64
	Timestamp  time.Time
}

// Result is the outcome of a query. Partial reports that the deadline passed
// before the search completed.
type Result struct {
	Candidates []Candidate
	Partial    bool
}

// SpatiotemporalIndex composes a SpatialIndex and a TemporalIndex. Both hold
// the same id set at all times. Locks are always taken spatial first.
type SpatiotemporalIndex struct {
	cfg      Config
	scorer   Scorer
	spatial  *SpatialIndex
	temporal *TemporalIndex
	catalog  Catalog
	log      zerolog.Logger
}

// New creates an empty index that scores against catalog.
func New(cfg Config, catalog Catalog) (*SpatiotemporalIndex, error) {
	if catalog == nil {
		return nil, errors.New("index: catalog is required")
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	spatial, err := NewSpatialIndex(SpatialConfig{
		Metric:     cfg.Metric,
		Dimensions: cfg.Dimensions,
		LeafSize:   cfg.LeafSize,
		Balance:    cfg.Balance,
	})
	if err != nil {
		return nil, err
	}
	return &SpatiotemporalIndex{
		cfg:      cfg,
		scorer:   Scorer{Metric: cfg.Metric, Weights: cfg.Weights(), HalfLife: cfg.TemporalHalfLife},
		spatial:  spatial,
		temporal: NewTemporalIndex(),
		catalog:  catalog,
		log:      cfg.Logger.With().Str("component", "spatiotemporal_index").Logger(),
	}, nil
}

// Scorer returns the scorer used to rank candidates.
func (x *SpatiotemporalIndex) Scorer() Scorer {
	return x.scorer
}

func (x *SpatiotemporalIndex) lock() {
	x.spatial.mu.Lock()
	x.temporal.mu.Lock()
}

func (x *SpatiotemporalIndex) unlock() {
	x.temporal.mu.Unlock()
	x.spatial.mu.Unlock()
}

func (x *SpatiotemporalIndex) rlock() {
	x.spatial.mu.RLock()
	x.temporal.mu.RLock()
}

func (x *SpatiotemporalIndex) runlock() {
	x.temporal.mu.RUnlock()
	x.spatial.mu.RUnlock()
}

// Insert binds id to its embedding and timestamp in both sub-indexes, or in
// neither. Duplicates fail with core.ErrIndexInvariant, malformed input with
// core.ErrValidation.
func (x *SpatiotemporalIndex) Insert(id core.EpisodeID, vec []float32, ts time.Time) error {
	if id == "" {
		return core.Invalid("id", "must be set")
	}
	if ts.IsZero() {
		return core.Invalid("timestamp", "must be set")
	}

	x.lock()
	defer x.unlock()

	_, inSpatial := x.spatial.slots[id]
	_, inTemporal := x.temporal.byID[id]
	if inSpatial || inTemporal {
		x.log.Error().Str("episode_id", id.String()).Msg("rejected duplicate insert")
		return &core.InvariantError{ID: id, Op: "insert", Reason: "duplicate id"}
	}

	if err := x.spatial.insertLocked(id, vec); err != nil {
		return err
	}
	if err := x.temporal.insertLocked(id, ts); err != nil {
		x.spatial.removeLocked(id)
		x.log.Error().Err(err).Str("episode_id", id.String()).Msg("temporal insert failed, rolled back spatial insert")
		return &core.InvariantError{ID: id, Op: "insert", Reason: "temporal insert failed: " + err.Error()}
	}
	return nil
}

// Remove unbinds id from both sub-indexes. Unknown ids return core.ErrNotFound.
func (x *SpatiotemporalIndex) Remove(id core.EpisodeID) error {
	x.lock()
	defer x.unlock()

	inSpatial := x.spatial.removeLocked(id)
	inTemporal := x.temporal.removeLocked(id)
	switch {
	case !inSpatial && !inTemporal:
		return fmt.Errorf("remove %s: %w", id, core.ErrNotFound)
	case inSpatial != inTemporal:
		x.log.Error().Str("episode_id", id.String()).
			Bool("spatial", inSpatial).Bool("temporal", inTemporal).
			Msg("removed half-indexed episode")
		return &core.InvariantError{ID: id, Op: "remove", Reason: "episode was indexed in one sub-index only"}
	}
	return nil
}

// Query returns up to q.Limit candidates ranked by composite score.
func (x *SpatiotemporalIndex) Query(ctx context.Context, q Query) (Result, error) {
	if q.Limit <= 0 {
		return Result{}, core.Invalid("limit", "must be positive")
	}
	tags := core.NormalizeTags(q.Tags)
	start := time.Now()

	x.rlock()
	defer x.runlock()

	pop := len(x.spatial.slots)
	k := q.Limit * x.cfg.OverfetchFactor
	var res Result
	for widen := 0; ; widen++ {
		ns, partial, err := x.spatial.kNearestLocked(ctx, q.Vector, min(k, pop))
		if err != nil {
			return Result{}, err
		}
		res.Partial = partial
		res.Candidates = x.candidatesLocked(ns, q, tags)
		if partial || len(res.Candidates) >= q.Limit || k >= pop || !q.filtered() || widen == maxWiden {
			break
		}
		k *= max(x.cfg.OverfetchFactor, 2)
	}

	SortCandidates(res.Candidates)
	if len(res.Candidates) > q.Limit {
		res.Candidates = res.Candidates[:q.Limit]
	}

	ev := x.log.Debug()
	if res.Partial {
		ev = x.log.Warn()
	}
	ev.Int("population", pop).Int("results", len(res.Candidates)).
		Bool("partial", res.Partial).Dur("elapsed", time.Since(start)).
		Msg("query")
	return res, nil
}

func (x *SpatiotemporalIndex) candidatesLocked(ns []Neighbor, q Query, tags []string) []Candidate {
	out := make([]Candidate, 0, len(ns))
	for _, n := range ns {
		ts, ok := x.temporal.byID[n.ID]
		if !ok {
			x.log.Error().Str("episode_id", n.ID.String()).Msg("spatial hit missing from temporal index")
			continue
		}
		if !q.Since.IsZero() && ts.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && ts.After(q.Until) {
			continue
		}
		attrs, ok := x.catalog.Attributes(n.ID)
		if !ok {
			continue
		}
		if q.Domain != "" && !strings.EqualFold(attrs.Domain, q.Domain) {
			continue
		}
		if !core.ContainsAllTags(attrs.Tags, tags) {
			continue
		}
		c := Candidate{ID: n.ID, Distance: n.Distance, Quality: attrs.Quality, Timestamp: ts}
		x.scorer.Score(&c, q.Time)
		out = append(out, c)
	}
	return out
}

// MostRecent returns up to n ids, newest first.
func (x *SpatiotemporalIndex) MostRecent(n int) []core.EpisodeID {
	return x.temporal.MostRecent(n)
}

// Between yields the ids with timestamps in [t0, t1], oldest first.
func (x *SpatiotemporalIndex) Between(t0, t1 time.Time) iter.Seq[core.EpisodeID] {
	return x.temporal.Range(t0, t1)
}

// Metric returns the spatial metric.
func (x *SpatiotemporalIndex) Metric() Metric {
	return x.cfg.Metric
}

// Dimensions returns the embedding dimension, or 0 before the first insert
// when it was not configured.
func (x *SpatiotemporalIndex) Dimensions() int {
	return x.spatial.Dimensions()
}

// IDs returns every indexed id, oldest first.
func (x *SpatiotemporalIndex) IDs() []core.EpisodeID {
	return slices.Collect(x.temporal.All())
}

// Len returns the indexed population.
func (x *SpatiotemporalIndex) Len() int {
	return x.spatial.Len()
}

// Contains reports whether id is indexed.
func (x *SpatiotemporalIndex) Contains(id core.EpisodeID) bool {
	return x.spatial.Contains(id)
}

// Rebuild fully rebuilds the spatial tree. The temporal B-tree needs no
// maintenance.
func (x *SpatiotemporalIndex) Rebuild() {
	start := time.Now()
	x.spatial.Rebuild()
	x.log.Info().Int("population", x.Len()).Dur("elapsed", time.Since(start)).Msg("rebuilt spatial index")
}

// Consistent verifies that both sub-indexes hold exactly the same ids.
func (x *SpatiotemporalIndex) Consistent() error {
	x.rlock()
	defer x.runlock()

	if n := x.spatial.tree.len(); n != len(x.spatial.slots) {
		return &core.InvariantError{Op: "consistency", Reason: "spatial tree size disagrees with its id table"}
	}
	for id := range x.spatial.slots {
		if _, ok := x.temporal.byID[id]; !ok {
			return &core.InvariantError{ID: id, Op: "consistency", Reason: "indexed spatially but not temporally"}
		}
	}
	for id := range x.temporal.byID {
		if _, ok := x.spatial.slots[id]; !ok {
			return &core.InvariantError{ID: id, Op: "consistency", Reason: "indexed temporally but not spatially"}
		}
	}
	return nil
}
