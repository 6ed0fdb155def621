// Package hnsw implements an in-memory hierarchical navigable small world
// graph: a multi-layer proximity index used to answer approximate nearest
// neighbor queries over the vectors a collection has committed to storage.
// At startup the graph is either loaded from the warm-start snapshot written
// by Save (format.go) or rebuilt by replaying a collection's segment (see
// internal/collection and internal/manager), and kept in sync with
// subsequent inserts.
package hnsw

import (
	"container/heap"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"vecengine/internal/collection"
	"vecengine/internal/common"
)

// Config carries the tunables fixed at collection creation time (spec
// §4.5's M / ef_construction / ef_search / max_layer).
type Config struct {
	Metric         collection.DistanceMetric
	Dimension      int
	M              int
	EfConstruction int
	EfSearch       int
	MaxLayer       int
}

func (c Config) withDefaults() Config {
	if c.M <= 0 {
		c.M = 16
	}
	if c.EfConstruction <= 0 {
		c.EfConstruction = 200
	}
	if c.EfSearch <= 0 {
		c.EfSearch = 50
	}
	if c.MaxLayer <= 0 {
		c.MaxLayer = 16
	}
	return c
}

// Graph is a single collection's in-memory index. Inserts are serialized by
// mu (single writer per collection, matching the manager's write-lock
// contract); searches never take mu, only the read side of nodesMu for
// each node lookup plus the atomics that guard node publication and
// neighbor-list snapshots, so an in-flight insert blocks them only for the
// brief write-locked append in publish.
type Graph struct {
	cfg Config

	mu  sync.Mutex // serializes Insert/Delete; readers never take it
	rng *rand.Rand

	nodesMu sync.RWMutex
	nodes   []atomic.Pointer[node] // index == internal id; grows only at the end
	idMap   map[uuid.UUID]uint32

	entryPoint atomic.Uint32 // internal id of the current entry point, or noEntryPoint
	count      atomic.Int64
}

// New builds an empty graph. seed makes layer sampling reproducible across
// restarts when the caller wants that (tests, deterministic replay); pass 0
// for time-seeded behavior from the caller.
func New(cfg Config, seed int64) *Graph {
	cfg = cfg.withDefaults()
	g := &Graph{
		cfg:   cfg,
		rng:   rand.New(rand.NewSource(seed)),
		idMap: make(map[uuid.UUID]uint32),
	}
	g.entryPoint.Store(noEntryPoint)
	return g
}

func (g *Graph) Len() int64 { return g.count.Load() }

// sampleLevel draws a layer per the standard HNSW geometric distribution,
// floor(-ln(U(0,1)) / ln(M)), capped at the configured max layer.
func (g *Graph) sampleLevel() int {
	u := g.rng.Float64()
	for u == 0 {
		u = g.rng.Float64()
	}
	mL := 1.0 / math.Log(float64(g.cfg.M))
	level := int(math.Floor(-math.Log(u) * mL))
	if level > g.cfg.MaxLayer {
		level = g.cfg.MaxLayer
	}
	return level
}

func (g *Graph) getNode(idx uint32) *node {
	g.nodesMu.RLock()
	defer g.nodesMu.RUnlock()
	if int(idx) >= len(g.nodes) {
		return nil
	}
	return g.nodes[idx].Load()
}

func (g *Graph) distanceTo(idx uint32, query []float32) float32 {
	n := g.getNode(idx)
	if n == nil {
		return float32(math.Inf(1))
	}
	return Distance(g.cfg.Metric, query, n.vector)
}

// Insert adds id/vector to the graph. It is the caller's responsibility to
// have already durably logged and stored the vector; Insert only maintains
// the in-memory proximity structure.
func (g *Graph) Insert(id uuid.UUID, vector []float32) error {
	if len(vector) != g.cfg.Dimension {
		return common.NewError(common.ErrInvalidInput, "vector dimension does not match index")
	}
	for _, f := range vector {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return common.NewError(common.ErrInvalidInput, "vector contains non-finite values")
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.idMap[id]; exists {
		return common.NewError(common.ErrAlreadyExists, "vector id already indexed")
	}

	level := g.sampleLevel()
	newIdx := uint32(len(g.nodes))
	newNodeObj := newNode(id, vector, level)

	ep := g.entryPoint.Load()
	if ep == noEntryPoint {
		g.publish(newIdx, newNodeObj)
		g.idMap[id] = newIdx
		g.entryPoint.Store(newIdx)
		g.count.Add(1)
		return nil
	}

	epNode := g.getNode(ep)
	cur := ep
	curDist := Distance(g.cfg.Metric, vector, epNode.vector)

	// Greedy descent from the entry point's top layer down to level+1: at
	// each layer, walk toward the single closest neighbor only.
	for lvl := epNode.topLevel; lvl > level; lvl-- {
		cur, curDist = g.greedyDescend(cur, curDist, vector, lvl)
	}

	// From min(level, epNode.topLevel) down to 0, run a bounded best-first
	// search for construction candidates, pick neighbors with the
	// diversity heuristic, and connect bidirectionally.
	startLvl := level
	if epNode.topLevel < startLvl {
		startLvl = epNode.topLevel
	}
	for lvl := startLvl; lvl >= 0; lvl-- {
		results := g.searchLayer(cur, vector, g.cfg.EfConstruction, lvl, nil)
		maxLinks := g.cfg.M
		if lvl == 0 {
			maxLinks = 2 * g.cfg.M
		}
		selected := g.selectNeighborsHeuristic(vector, results, maxLinks)
		newNodeObj.setLinks(lvl, selected)
		if len(selected) > 0 {
			cur = selected[0]
		}
	}

	g.publish(newIdx, newNodeObj)
	g.idMap[id] = newIdx
	g.count.Add(1)

	// Reverse edges: connect each selected neighbor back to the new node,
	// pruning to capacity with the same heuristic if that overflows it.
	for lvl := startLvl; lvl >= 0; lvl-- {
		maxLinks := g.cfg.M
		if lvl == 0 {
			maxLinks = 2 * g.cfg.M
		}
		for _, nb := range newNodeObj.links(lvl) {
			g.addReverseLink(nb, newIdx, lvl, maxLinks)
		}
	}

	if level > epNode.topLevel {
		g.entryPoint.Store(newIdx)
	}
	return nil
}

// publish stores n at idx, growing the arena if needed. Node construction
// (vector, all forward neighbor lists) is complete before this call, so a
// concurrent reader can never observe a partially-linked node.
func (g *Graph) publish(idx uint32, n *node) {
	g.nodesMu.Lock()
	defer g.nodesMu.Unlock()
	if int(idx) == len(g.nodes) {
		g.nodes = append(g.nodes, atomic.Pointer[node]{})
	}
	g.nodes[idx].Store(n)
}

func (g *Graph) greedyDescend(cur uint32, curDist float32, query []float32, layer int) (uint32, float32) {
	improved := true
	for improved {
		improved = false
		n := g.getNode(cur)
		if n == nil {
			break
		}
		for _, nb := range n.links(layer) {
			d := g.distanceTo(nb, query)
			if d < curDist {
				curDist = d
				cur = nb
				improved = true
			}
		}
	}
	return cur, curDist
}

// searchLayer runs bounded best-first search at layer starting from
// entry, keeping a working set of size ef. filter, if non-nil, restricts
// which external ids may appear in the final result set (but not which
// nodes may be traversed through, so filtering never disconnects search).
func (g *Graph) searchLayer(entry uint32, query []float32, ef int, layer int, filter func(uuid.UUID) bool) []candidate {
	visited := map[uint32]bool{entry: true}
	entryDist := g.distanceTo(entry, query)

	candidates := &minHeap{{idx: entry, dist: entryDist}}
	heap.Init(candidates)
	results := &maxHeap{}
	if accept(g, entry, filter) {
		heap.Push(results, candidate{idx: entry, dist: entryDist})
	}

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(candidate)
		if results.Len() >= ef {
			worst := (*results)[0]
			if c.dist > worst.dist {
				break
			}
		}
		n := g.getNode(c.idx)
		if n == nil {
			continue
		}
		for _, nb := range n.links(layer) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			d := g.distanceTo(nb, query)
			if results.Len() < ef {
				heap.Push(candidates, candidate{idx: nb, dist: d})
				if accept(g, nb, filter) {
					heap.Push(results, candidate{idx: nb, dist: d})
				}
			} else if d < (*results)[0].dist {
				heap.Push(candidates, candidate{idx: nb, dist: d})
				if accept(g, nb, filter) {
					heap.Push(results, candidate{idx: nb, dist: d})
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]candidate, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(candidate)
	}
	return out
}

func accept(g *Graph, idx uint32, filter func(uuid.UUID) bool) bool {
	n := g.getNode(idx)
	if n == nil || n.deleted.Load() {
		return false
	}
	if filter == nil {
		return true
	}
	return filter(n.externalID)
}

// selectNeighborsHeuristic keeps up to maxLinks candidates nearest to target
// first, discarding any candidate that a closer-to-target already-selected
// neighbor dominates (is itself nearer to the candidate than target is),
// which favors spreading connections across directions instead of
// clustering them all on one side. If the heuristic discards too many, the
// remaining capacity is filled by plain ascending distance so a node is
// never left under-connected.
func (g *Graph) selectNeighborsHeuristic(target []float32, results []candidate, maxLinks int) []uint32 {
	sorted := append([]candidate(nil), results...)
	sortByDist(sorted)

	selected := make([]candidate, 0, maxLinks)
	leftover := make([]candidate, 0, len(sorted))
	for _, c := range sorted {
		if len(selected) >= maxLinks {
			leftover = append(leftover, c)
			continue
		}
		good := true
		for _, s := range selected {
			if g.distanceTo(s.idx, g.vectorOf(c.idx)) < c.dist {
				good = false
				break
			}
		}
		if good {
			selected = append(selected, c)
		} else {
			leftover = append(leftover, c)
		}
	}
	for _, c := range leftover {
		if len(selected) >= maxLinks {
			break
		}
		selected = append(selected, c)
	}

	ids := make([]uint32, len(selected))
	for i, c := range selected {
		ids[i] = c.idx
	}
	return ids
}

func (g *Graph) vectorOf(idx uint32) []float32 {
	n := g.getNode(idx)
	if n == nil {
		return nil
	}
	return n.vector
}

func sortByDist(c []candidate) {
	// insertion sort: candidate lists here are at most a few hundred long
	// (ef_construction / M bound), so this stays cheap and avoids pulling
	// in sort.Slice's reflection-based comparator for a hot path.
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && c[j].dist < c[j-1].dist; j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

// addReverseLink adds newIdx to target's neighbor list at layer, pruning
// back to maxLinks with the same diversity heuristic if that would overflow it.
func (g *Graph) addReverseLink(target uint32, newIdx uint32, layer int, maxLinks int) {
	n := g.getNode(target)
	if n == nil || layer > n.topLevel {
		return
	}
	existing := n.links(layer)
	for _, e := range existing {
		if e == newIdx {
			return
		}
	}
	if len(existing) < maxLinks {
		n.setLinks(layer, append(append([]uint32(nil), existing...), newIdx))
		return
	}
	cands := make([]candidate, 0, len(existing)+1)
	for _, e := range existing {
		cands = append(cands, candidate{idx: e, dist: g.distanceTo(e, n.vector)})
	}
	cands = append(cands, candidate{idx: newIdx, dist: g.distanceTo(newIdx, n.vector)})
	n.setLinks(layer, g.selectNeighborsHeuristic(n.vector, cands, maxLinks))
}

// Delete marks id as tombstoned: it is skipped by future search results
// and by future neighbor selection, but its edges are left in place so
// graph connectivity around it is not disturbed (a physical removal would
// require re-linking every neighbor, which the manager instead does in
// bulk during a later rebuild).
func (g *Graph) Delete(id uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx, ok := g.idMap[id]
	if !ok {
		return common.NewError(common.ErrNotFound, "vector id not indexed")
	}
	n := g.getNode(idx)
	if n == nil {
		return common.NewError(common.ErrNotFound, "vector id not indexed")
	}
	n.deleted.Store(true)
	delete(g.idMap, id)
	g.count.Add(-1)
	return nil
}
