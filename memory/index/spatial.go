package index

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/becomeliminal/nim-memory/core"
)

// Metric is the distance function of a spatial index.
type Metric string

const (
	// MetricCosine is cosine distance, 1 - cos(a, b), in [0, 2].
	MetricCosine Metric = "cosine"

	// MetricEuclidean is L2 distance.
	MetricEuclidean Metric = "euclidean"
)

// ParseMetric parses a metric name. The empty string selects cosine.
func ParseMetric(s string) (Metric, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cosine":
		return MetricCosine, nil
	case "euclidean", "l2":
		return MetricEuclidean, nil
	default:
		return "", core.Invalid("spatial_metric", fmt.Sprintf("unknown metric %q", s))
	}
}

// Neighbor is a search hit.
type Neighbor struct {
	ID       core.EpisodeID
	Distance float64
}

// SpatialConfig configures a SpatialIndex.
type SpatialConfig struct {
	// Metric is fixed for the lifetime of the index.
	Metric Metric

	// Dimensions of every vector. Zero means it is taken from the first insert.
	Dimensions int

	// LeafSize is the bucket size at which leaves split. Default 16.
	LeafSize int

	// Balance is the largest share of a node's points one child may hold
	// before the node is rebuilt. Default 0.75.
	Balance float64
}

// SpatialIndex answers exact nearest-neighbor and radius queries over
// embedding vectors. It is safe for concurrent use.
type SpatialIndex struct {
	mu     sync.RWMutex
	metric Metric
	dims   int
	tree   *vpTree
	slots  map[core.EpisodeID]int32
}

// NewSpatialIndex creates an empty index.
func NewSpatialIndex(cfg SpatialConfig) (*SpatialIndex, error) {
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}
	if cfg.LeafSize == 0 {
		cfg.LeafSize = 16
	}
	if cfg.Balance == 0 {
		cfg.Balance = 0.75
	}
	if _, err := ParseMetric(string(cfg.Metric)); err != nil {
		return nil, err
	}
	if cfg.Dimensions < 0 {
		return nil, core.Invalid("dimensions", "must not be negative")
	}
	if cfg.LeafSize < 2 {
		return nil, core.Invalid("leaf_size", "must be at least 2")
	}
	if cfg.Balance <= 0.5 || cfg.Balance >= 1 {
		return nil, core.Invalid("balance", "must be in (0.5, 1)")
	}
	return &SpatialIndex{
		metric: cfg.Metric,
		dims:   cfg.Dimensions,
		tree:   newVPTree(cfg.LeafSize, cfg.Balance),
		slots:  make(map[core.EpisodeID]int32),
	}, nil
}

// Metric returns the index metric.
func (s *SpatialIndex) Metric() Metric {
	return s.metric
}

// Dimensions returns the vector dimension, or 0 if not yet fixed.
func (s *SpatialIndex) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dims
}

// prepare validates vec and returns the copy the tree stores or searches with.
// Under cosine the copy is unit length, so tree distance is the chord length
// sqrt(2 * cosine distance), a true metric with the same ordering.
func (s *SpatialIndex) prepare(vec []float32) ([]float32, error) {
	if len(vec) == 0 {
		return nil, core.Invalid("embedding", "empty vector")
	}
	if s.dims != 0 && len(vec) != s.dims {
		return nil, core.Invalid("embedding", fmt.Sprintf("dimension %d, index expects %d", len(vec), s.dims))
	}
	out := make([]float32, len(vec))
	var norm float64
	for i, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, core.Invalid("embedding", "non-finite component")
		}
		norm += f * f
		out[i] = v
	}
	if s.metric == MetricCosine {
		if norm == 0 {
			return nil, core.Invalid("embedding", "zero vector has no direction under cosine")
		}
		inv := 1 / math.Sqrt(norm)
		for i := range out {
			out[i] = float32(float64(out[i]) * inv)
		}
	}
	return out, nil
}

// report converts a tree distance to the metric's distance.
func (s *SpatialIndex) report(d float64) float64 {
	if s.metric != MetricCosine {
		return d
	}
	return min(d*d/2, 2)
}

// Insert adds a vector under id. Duplicate ids are rejected.
func (s *SpatialIndex) Insert(id core.EpisodeID, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(id, vec)
}

func (s *SpatialIndex) insertLocked(id core.EpisodeID, vec []float32) error {
	if _, exists := s.slots[id]; exists {
		return &core.InvariantError{ID: id, Op: "spatial insert", Reason: "duplicate id"}
	}
	p, err := s.prepare(vec)
	if err != nil {
		return err
	}
	if s.dims == 0 {
		s.dims = len(p)
	}
	slot := s.tree.alloc(id, p)
	s.tree.insert(slot)
	s.slots[id] = slot
	return nil
}

// Remove deletes id. Unknown ids return core.ErrNotFound.
func (s *SpatialIndex) Remove(id core.EpisodeID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(id) {
		return fmt.Errorf("spatial remove %s: %w", id, core.ErrNotFound)
	}
	return nil
}

func (s *SpatialIndex) removeLocked(id core.EpisodeID) bool {
	slot, ok := s.slots[id]
	if !ok {
		return false
	}
	delete(s.slots, id)
	return s.tree.remove(slot)
}

// KNearest returns up to k neighbors of vec sorted by distance then id. If ctx
// ends during the search, the neighbors gathered so far are returned with
// partial set.
func (s *SpatialIndex) KNearest(ctx context.Context, vec []float32, k int) (ns []Neighbor, partial bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kNearestLocked(ctx, vec, k)
}

func (s *SpatialIndex) kNearestLocked(ctx context.Context, vec []float32, k int) ([]Neighbor, bool, error) {
	if k <= 0 || s.tree.len() == 0 {
		return nil, false, nil
	}
	q, err := s.prepare(vec)
	if err != nil {
		return nil, false, err
	}
	if ctx.Err() != nil {
		return nil, true, nil
	}
	ns, partial := s.tree.knn(ctx, q, k)
	for i := range ns {
		ns[i].Distance = s.report(ns[i].Distance)
	}
	return ns, partial, nil
}

// WithinRadius returns every neighbor of vec at distance <= r, sorted by
// distance then id. Partial results follow the KNearest rules.
func (s *SpatialIndex) WithinRadius(ctx context.Context, vec []float32, r float64) ([]Neighbor, bool, error) {
	if r < 0 || math.IsNaN(r) {
		return nil, false, core.Invalid("radius", "must be a non-negative number")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.tree.len() == 0 {
		return nil, false, nil
	}
	q, err := s.prepare(vec)
	if err != nil {
		return nil, false, err
	}
	if ctx.Err() != nil {
		return nil, true, nil
	}
	tr := r
	if s.metric == MetricCosine {
		tr = math.Sqrt(2*r) + boundaryEps
	}
	ns, partial := s.tree.within(ctx, q, tr)
	out := ns[:0]
	for _, n := range ns {
		n.Distance = s.report(n.Distance)
		if n.Distance <= r+boundaryEps {
			out = append(out, n)
		}
	}
	return out, partial, nil
}

// Len returns the number of indexed vectors.
func (s *SpatialIndex) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slots)
}

// Contains reports whether id is indexed.
func (s *SpatialIndex) Contains(id core.EpisodeID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.slots[id]
	return ok
}

// Rebuild rebuilds the whole tree, clearing tombstones. Queries are blocked
// for its duration.
func (s *SpatialIndex) Rebuild() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.rebuild()
}

// Distance computes the metric distance between two equal-length vectors.
// Zero vectors are at distance 1 from everything under cosine.
func Distance(m Metric, a, b []float32) float64 {
	if m != MetricCosine {
		return euclidean(a, b)
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return min(max(1-dot/math.Sqrt(na*nb), 0), 2)
}
