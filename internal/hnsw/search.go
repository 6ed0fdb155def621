package hnsw

import (
	"math"

	"github.com/google/uuid"

	"vecengine/internal/common"
)

// Result is one ranked match: the external vector id, its distance to the
// query under the index's configured metric, and its internal index (used
// only to break exact distance ties deterministically).
type Result struct {
	ID       uuid.UUID
	Distance float32
	internal uint32
}

// filterExpansion is how much larger the layer-0 working set grows when a
// filter is present, since a filtered search has to look past more
// rejected candidates to fill k accepted ones. filterCap bounds how far
// that expansion can run so a highly selective filter can't turn a search
// into a full scan.
const (
	filterExpansion = 3
	filterCap       = 10000
)

// sortResults orders by ascending distance, breaking exact ties by
// ascending internal index so repeated identical queries return a stable
// order.
func sortResults(c []candidate) {
	for i := 1; i < len(c); i++ {
		for j := i; j > 0 && less(c[j], c[j-1]); j-- {
			c[j], c[j-1] = c[j-1], c[j]
		}
	}
}

func less(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.idx < b.idx
}

// Search returns up to k nearest neighbors of query. ef is the layer-0
// working set size; effective ef is max(ef, k). filter, if non-nil, is
// consulted only at layer 0 and only restricts which ids may appear in the
// final list — it never prunes graph traversal, so a filter matching zero
// nodes returns an empty result rather than blocking the search.
func (g *Graph) Search(query []float32, k int, ef int, filter func(uuid.UUID) bool) ([]Result, error) {
	if len(query) != g.cfg.Dimension {
		return nil, common.NewError(common.ErrInvalidInput, "query dimension does not match index")
	}
	for _, f := range query {
		if math.IsNaN(float64(f)) || math.IsInf(float64(f), 0) {
			return nil, common.NewError(common.ErrInvalidInput, "query contains non-finite values")
		}
	}
	if k <= 0 {
		return nil, common.NewError(common.ErrInvalidInput, "k must be positive")
	}

	ep := g.entryPoint.Load()
	if ep == noEntryPoint {
		return nil, nil
	}

	epNode := g.getNode(ep)
	cur := ep
	curDist := Distance(g.cfg.Metric, query, epNode.vector)
	for lvl := epNode.topLevel; lvl > 0; lvl-- {
		cur, curDist = g.greedyDescend(cur, curDist, query, lvl)
	}

	effEf := ef
	if k > effEf {
		effEf = k
	}
	if filter != nil {
		effEf *= filterExpansion
		if effEf > filterCap {
			effEf = filterCap
		}
	}

	results := g.searchLayer(cur, query, effEf, 0, filter)
	sortResults(results)

	if len(results) > k {
		results = results[:k]
	}
	out := make([]Result, len(results))
	for i, c := range results {
		n := g.getNode(c.idx)
		out[i] = Result{ID: n.externalID, Distance: c.dist, internal: c.idx}
	}
	return out, nil
}
