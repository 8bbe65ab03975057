package index

import (
	"cmp"
	"container/heap"
	"context"
	"math"
	"slices"

	"github.com/becomeliminal/nim-memory/core"
)

const (
	// ctx is polled once per this many node visits
	checkEvery = 16

	// slack for float comparisons at partition boundaries
	boundaryEps = 1e-9
)

// vpNode is either a leaf bucket of points or an internal node that splits
// its points around a vantage point at the median distance.
type vpNode struct {
	leaf  bool
	items []int32
	limit int

	vantage int32
	dead    bool
	radius  float64 // inside: d < radius, outside: d >= radius
	inside  *vpNode
	outside *vpNode

	size  int // live points in subtree
	tombs int // tombstoned vantage points in subtree
	mods  int // mutations since the subtree was last built
}

// vpTree is a vantage-point tree over Euclidean distance. Points live in an
// arena addressed by slot; nodes reference slots only.
type vpTree struct {
	leafSize int
	balance  float64

	vecs [][]float32
	ids  []core.EpisodeID
	free []int32
	root *vpNode
}

// ranked pairs a slot with its distance from some reference point.
type ranked struct {
	slot int32
	d    float64
}

func newVPTree(leafSize int, balance float64) *vpTree {
	t := &vpTree{leafSize: leafSize, balance: balance}
	t.root = t.newLeaf(nil)
	return t
}

func (t *vpTree) newLeaf(items []int32) *vpNode {
	return &vpNode{leaf: true, items: items, limit: t.leafSize, size: len(items)}
}

func (t *vpTree) len() int {
	return t.root.size
}

func (t *vpTree) alloc(id core.EpisodeID, vec []float32) int32 {
	if n := len(t.free); n > 0 {
		s := t.free[n-1]
		t.free = t.free[:n-1]
		t.vecs[s] = vec
		t.ids[s] = id
		return s
	}
	t.vecs = append(t.vecs, vec)
	t.ids = append(t.ids, id)
	return int32(len(t.vecs) - 1)
}

func (t *vpTree) release(s int32) {
	t.vecs[s] = nil
	t.ids[s] = ""
	t.free = append(t.free, s)
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// distTo is the distance from the vantage in slot v to vector x. Build and
// routing always use this argument order so partitions stay reproducible.
func (t *vpTree) distTo(v int32, x []float32) float64 {
	return euclidean(t.vecs[v], x)
}

// build constructs a subtree over items.
func (t *vpTree) build(items []int32) *vpNode {
	if len(items) <= t.leafSize {
		return t.newLeaf(slices.Clone(items))
	}

	// Spread heuristic: the point farthest from an arbitrary one is near the hull.
	vi, far := 0, -1.0
	base := t.vecs[items[0]]
	for i, s := range items {
		if d := euclidean(base, t.vecs[s]); d > far {
			vi, far = i, d
		}
	}
	vantage := items[vi]

	rest := make([]ranked, 0, len(items)-1)
	for i, s := range items {
		if i != vi {
			rest = append(rest, ranked{slot: s, d: t.distTo(vantage, t.vecs[s])})
		}
	}
	slices.SortFunc(rest, func(a, b ranked) int { return cmp.Compare(a.d, b.d) })

	mid := len(rest) / 2
	radius := rest[mid].d
	if radius == rest[0].d {
		j := mid + 1
		for j < len(rest) && rest[j].d == radius {
			j++
		}
		if j == len(rest) {
			// Every point is equidistant from the vantage, nothing separates them.
			leaf := t.newLeaf(slices.Clone(items))
			leaf.limit = 2 * len(items)
			return leaf
		}
		radius = rest[j].d
	}

	cut, _ := slices.BinarySearchFunc(rest, radius, func(r ranked, target float64) int {
		return cmp.Compare(r.d, target)
	})
	in := make([]int32, 0, cut)
	out := make([]int32, 0, len(rest)-cut)
	for i, r := range rest {
		if i < cut {
			in = append(in, r.slot)
		} else {
			out = append(out, r.slot)
		}
	}

	return &vpNode{
		vantage: vantage,
		radius:  radius,
		inside:  t.build(in),
		outside: t.build(out),
		size:    len(items),
	}
}

// collect gathers the live slots of a subtree and the slots of its tombstoned vantages.
func (t *vpTree) collect(n *vpNode, live, dead []int32) ([]int32, []int32) {
	if n.leaf {
		return append(live, n.items...), dead
	}
	if n.dead {
		dead = append(dead, n.vantage)
	} else {
		live = append(live, n.vantage)
	}
	live, dead = t.collect(n.inside, live, dead)
	return t.collect(n.outside, live, dead)
}

// rebuildNode rebuilds n from its live points and returns the number of
// tombstoned slots it released.
func (t *vpTree) rebuildNode(n *vpNode) (*vpNode, int) {
	live, dead := t.collect(n, make([]int32, 0, n.size), nil)
	for _, s := range dead {
		t.release(s)
	}
	return t.build(live), len(dead)
}

// rebuild discards every tombstone and rebuilds the tree from its live points.
func (t *vpTree) rebuild() {
	t.root, _ = t.rebuildNode(t.root)
}

func (t *vpTree) unbalanced(n *vpNode) bool {
	if n.tombs > n.size {
		return true
	}
	if n.size < 2*t.leafSize || n.mods*4 <= n.size {
		return false
	}
	big := max(n.inside.size, n.outside.size)
	return float64(big) > t.balance*float64(n.size)
}

// rebalance rebuilds the highest node on path that has gone out of balance.
// Ancestors of the rebuilt node no longer hold the tombstones it released.
func (t *vpTree) rebalance(path []**vpNode) {
	for i, link := range path {
		n := *link
		if n.leaf {
			return
		}
		if t.unbalanced(n) {
			var released int
			*link, released = t.rebuildNode(n)
			for _, up := range path[:i] {
				(*up).tombs -= released
			}
			return
		}
	}
}

func (t *vpTree) insert(slot int32) {
	vec := t.vecs[slot]
	var path []**vpNode
	link := &t.root
	for {
		n := *link
		path = append(path, link)
		n.size++
		n.mods++
		if n.leaf {
			n.items = append(n.items, slot)
			if len(n.items) > n.limit {
				*link = t.build(n.items)
			}
			break
		}
		if t.distTo(n.vantage, vec) < n.radius {
			link = &n.inside
		} else {
			link = &n.outside
		}
	}
	t.rebalance(path)
}

// remove deletes slot from the tree. Leaf points are dropped and their slot is
// released; vantage points are tombstoned until their subtree is rebuilt.
func (t *vpTree) remove(slot int32) bool {
	vec := t.vecs[slot]
	var path []**vpNode
	link := &t.root
	for {
		n := *link
		path = append(path, link)
		if n.leaf {
			i := slices.Index(n.items, slot)
			if i < 0 {
				return false
			}
			n.items = slices.Delete(n.items, i, i+1)
			for _, l := range path {
				(*l).size--
				(*l).mods++
			}
			t.release(slot)
			break
		}
		if n.vantage == slot {
			if n.dead {
				return false
			}
			n.dead = true
			for _, l := range path {
				(*l).size--
				(*l).tombs++
				(*l).mods++
			}
			break
		}
		if t.distTo(n.vantage, vec) < n.radius {
			link = &n.inside
		} else {
			link = &n.outside
		}
	}
	t.rebalance(path)
	return true
}

// neighborHeap is a max-heap ordered so the worst neighbor sits on top.
type neighborHeap []Neighbor

func worse(a, b Neighbor) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.ID > b.ID
}

func (h neighborHeap) Len() int           { return len(h) }
func (h neighborHeap) Less(i, j int) bool { return worse(h[i], h[j]) }
func (h neighborHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(x any)        { *h = append(*h, x.(Neighbor)) }
func (h *neighborHeap) Pop() any {
	old := *h
	n := old[len(old)-1]
	*h = old[:len(old)-1]
	return n
}

type search struct {
	t       *vpTree
	ctx     context.Context
	q       []float32
	visits  int
	partial bool
}

func (s *search) enter(n *vpNode) bool {
	if s.partial || n.size == 0 {
		return false
	}
	s.visits++
	if s.visits%checkEvery == 0 && s.ctx.Err() != nil {
		s.partial = true
		return false
	}
	return true
}

type knnSearch struct {
	search
	k    int
	best neighborHeap
}

func (s *knnSearch) tau() float64 {
	if len(s.best) < s.k {
		return math.Inf(1)
	}
	return s.best[0].Distance
}

func (s *knnSearch) consider(slot int32, d float64) {
	nb := Neighbor{ID: s.t.ids[slot], Distance: d}
	if len(s.best) < s.k {
		heap.Push(&s.best, nb)
		return
	}
	if worse(s.best[0], nb) {
		s.best[0] = nb
		heap.Fix(&s.best, 0)
	}
}

func (s *knnSearch) visit(n *vpNode) {
	if !s.enter(n) {
		return
	}
	if n.leaf {
		for _, slot := range n.items {
			s.consider(slot, euclidean(s.q, s.t.vecs[slot]))
		}
		return
	}
	d := s.t.distTo(n.vantage, s.q)
	if !n.dead {
		s.consider(n.vantage, d)
	}
	if d < n.radius {
		s.visit(n.inside)
		if d+s.tau() >= n.radius-boundaryEps {
			s.visit(n.outside)
		}
	} else {
		s.visit(n.outside)
		if d-s.tau() < n.radius+boundaryEps {
			s.visit(n.inside)
		}
	}
}

// knn returns up to k nearest points sorted by distance then id, and whether
// the search was cut short by ctx.
func (t *vpTree) knn(ctx context.Context, q []float32, k int) ([]Neighbor, bool) {
	s := &knnSearch{search: search{t: t, ctx: ctx, q: q}, k: k}
	s.visit(t.root)
	out := []Neighbor(s.best)
	sortNeighbors(out)
	return out, s.partial
}

type rangeSearch struct {
	search
	r   float64
	out []Neighbor
}

func (s *rangeSearch) visit(n *vpNode) {
	if !s.enter(n) {
		return
	}
	if n.leaf {
		for _, slot := range n.items {
			if d := euclidean(s.q, s.t.vecs[slot]); d <= s.r {
				s.out = append(s.out, Neighbor{ID: s.t.ids[slot], Distance: d})
			}
		}
		return
	}
	d := s.t.distTo(n.vantage, s.q)
	if !n.dead && d <= s.r {
		s.out = append(s.out, Neighbor{ID: s.t.ids[n.vantage], Distance: d})
	}
	if d-s.r < n.radius+boundaryEps {
		s.visit(n.inside)
	}
	if d+s.r >= n.radius-boundaryEps {
		s.visit(n.outside)
	}
}

// within returns every point at distance <= r from q.
func (t *vpTree) within(ctx context.Context, q []float32, r float64) ([]Neighbor, bool) {
	s := &rangeSearch{search: search{t: t, ctx: ctx, q: q}, r: r}
	s.visit(t.root)
	sortNeighbors(s.out)
	return s.out, s.partial
}

func sortNeighbors(ns []Neighbor) {
	slices.SortFunc(ns, func(a, b Neighbor) int {
		if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
