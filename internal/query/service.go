// Package query implements the read-side operations layered on top of a
// collection manager: nearest-neighbor search with metadata filtering,
// recommend, discover, cursor-based scroll, count, and batched search.
package query

import (
	"context"
	"encoding/json"
	"math"
	"sort"

	"github.com/google/uuid"

	"vecengine/internal/common"
	"vecengine/internal/filter"
	"vecengine/internal/hnsw"
	"vecengine/internal/manager"
	"vecengine/internal/record"
)

// Service answers read operations against a *manager.Manager. It holds no
// state of its own beyond the manager reference, so a Service is cheap to
// construct per request or keep long-lived.
type Service struct {
	mgr *manager.Manager
}

func New(mgr *manager.Manager) *Service {
	return &Service{mgr: mgr}
}

// Match is one ranked result: the vector id, its distance under the
// collection's metric, and its metadata (for callers that want to avoid a
// second Get round-trip).
type Match struct {
	ID       uuid.UUID
	Distance float32
	Metadata json.RawMessage
}

// wrapFilter turns a metadata predicate into an id predicate by looking up
// each candidate's current metadata through the manager; this runs only
// for ids the index's traversal actually visits, not the whole collection.
func (s *Service) wrapFilter(collectionName string, pred filter.Predicate) func(uuid.UUID) bool {
	if pred == nil {
		return nil
	}
	return func(id uuid.UUID) bool {
		v, err := s.mgr.Get(collectionName, id)
		if err != nil {
			return false
		}
		return pred(v.Metadata)
	}
}

// effectiveEf floors a caller-supplied ef at k: a beam narrower than the
// requested result count can never fill it, regardless of what the
// caller asked for.
func effectiveEf(ef, k int) int {
	if ef <= 0 {
		return ef
	}
	return common.Max(ef, k)
}

// NearestNeighbor runs a k-NN query, optionally restricted by a metadata
// filter clause.
func (s *Service) NearestNeighbor(ctx context.Context, collectionName string, queryVector []float32, k int, ef int, clause *filter.Clause) ([]Match, error) {
	ef = effectiveEf(ef, k)
	pred, err := filter.Compile(clause)
	if err != nil {
		return nil, err
	}
	results, err := s.mgr.Search(ctx, collectionName, queryVector, k, ef, s.wrapFilter(collectionName, pred))
	if err != nil {
		return nil, err
	}
	return s.toMatches(collectionName, results), nil
}

func (s *Service) toMatches(collectionName string, results []hnsw.Result) []Match {
	out := make([]Match, 0, len(results))
	for _, r := range results {
		var meta json.RawMessage
		if v, err := s.mgr.Get(collectionName, r.ID); err == nil {
			meta = v.Metadata
		}
		out = append(out, Match{ID: r.ID, Distance: r.Distance, Metadata: meta})
	}
	return out
}

// RecommendStrategy selects how positive/negative reference vectors are
// combined into a single query direction.
type RecommendStrategy string

const (
	// AverageVector queries with twice the mean of the positive examples
	// minus the mean of the negative ones, then searches that single point.
	AverageVector RecommendStrategy = "average_vector"
	// BestScore searches from every positive example independently and
	// ranks candidates by their best (smallest) distance to any positive
	// example, excluding anything closer to a negative example.
	BestScore RecommendStrategy = "best_score"
)

// Recommend finds vectors similar to a set of positive examples and
// dissimilar to a set of negative ones, identified by id within the same
// collection.
func (s *Service) Recommend(ctx context.Context, collectionName string, positive, negative []uuid.UUID, strategy RecommendStrategy, k int, ef int, clause *filter.Clause) ([]Match, error) {
	if len(positive) == 0 {
		return nil, common.NewError(common.ErrInvalidInput, "recommend requires at least one positive example")
	}
	ef = effectiveEf(ef, k)
	pred, err := filter.Compile(clause)
	if err != nil {
		return nil, err
	}
	exclude := make(map[uuid.UUID]bool, len(positive)+len(negative))
	for _, id := range positive {
		exclude[id] = true
	}
	for _, id := range negative {
		exclude[id] = true
	}
	idFilter := s.wrapFilter(collectionName, pred)
	combinedFilter := func(id uuid.UUID) bool {
		if exclude[id] {
			return false
		}
		return idFilter == nil || idFilter(id)
	}

	switch strategy {
	case BestScore:
		return s.recommendBestScore(ctx, collectionName, positive, negative, k, ef, combinedFilter)
	default:
		return s.recommendAverage(ctx, collectionName, positive, negative, k, ef, combinedFilter)
	}
}

func (s *Service) recommendAverage(ctx context.Context, collectionName string, positive, negative []uuid.UUID, k, ef int, idFilter func(uuid.UUID) bool) ([]Match, error) {
	query, err := s.averageDirection(collectionName, positive, negative)
	if err != nil {
		return nil, err
	}
	results, err := s.mgr.Search(ctx, collectionName, query, k, ef, idFilter)
	if err != nil {
		return nil, err
	}
	return s.toMatches(collectionName, results), nil
}

// averageDirection implements target = 2*mean(positive) - mean(negative):
// twice the positive centroid, pulled away from the negative centroid.
func (s *Service) averageDirection(collectionName string, positive, negative []uuid.UUID) ([]float32, error) {
	var sumPos []float32
	for _, id := range positive {
		v, err := s.mgr.Get(collectionName, id)
		if err != nil {
			return nil, err
		}
		sumPos = addInto(sumPos, v.Data, 1)
	}
	meanPos := make([]float32, len(sumPos))
	nPos := float32(len(positive))
	for i, f := range sumPos {
		meanPos[i] = 2 * f / nPos
	}
	if len(negative) == 0 {
		return meanPos, nil
	}

	var sumNeg []float32
	for _, id := range negative {
		v, err := s.mgr.Get(collectionName, id)
		if err != nil {
			return nil, err
		}
		sumNeg = addInto(sumNeg, v.Data, 1)
	}
	nNeg := float32(len(negative))
	target := make([]float32, len(meanPos))
	for i := range target {
		target[i] = meanPos[i] - sumNeg[i]/nNeg
	}
	return target, nil
}

func addInto(sum, v []float32, sign float32) []float32 {
	if sum == nil {
		sum = make([]float32, len(v))
	}
	for i, f := range v {
		sum[i] += sign * f
	}
	return sum
}

// recommendBestScore searches outward from every positive example, scores
// each surfaced candidate by its closest positive distance, and discards
// any candidate nearer to a negative example than to its best positive.
func (s *Service) recommendBestScore(ctx context.Context, collectionName string, positive, negative []uuid.UUID, k, ef int, idFilter func(uuid.UUID) bool) ([]Match, error) {
	cfg, err := s.mgr.CollectionConfig(collectionName)
	if err != nil {
		return nil, err
	}
	if ef <= 0 {
		ef = cfg.IndexConfig.EfSearch
	}

	candidates := map[uuid.UUID]float32{}
	for _, pid := range positive {
		pv, err := s.mgr.Get(collectionName, pid)
		if err != nil {
			return nil, err
		}
		results, err := s.mgr.Search(ctx, collectionName, pv.Data, k+len(positive)+len(negative), ef, idFilter)
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if best, ok := candidates[r.ID]; !ok || r.Distance < best {
				candidates[r.ID] = r.Distance
			}
		}
	}

	negVectors := make([][]float32, 0, len(negative))
	for _, nid := range negative {
		nv, err := s.mgr.Get(collectionName, nid)
		if err != nil {
			return nil, err
		}
		negVectors = append(negVectors, nv.Data)
	}

	type scored struct {
		id   uuid.UUID
		dist float32
	}
	scoredList := make([]scored, 0, len(candidates))
	for id, dist := range candidates {
		v, err := s.mgr.Get(collectionName, id)
		if err != nil {
			continue
		}
		tooCloseToNegative := false
		for _, nv := range negVectors {
			if hnsw.Distance(cfg.DistanceMetric, nv, v.Data) < dist {
				tooCloseToNegative = true
				break
			}
		}
		if !tooCloseToNegative {
			scoredList = append(scoredList, scored{id: id, dist: dist})
		}
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].dist < scoredList[j].dist })
	if len(scoredList) > k {
		scoredList = scoredList[:k]
	}

	results := make([]hnsw.Result, len(scoredList))
	for i, sc := range scoredList {
		results[i] = hnsw.Result{ID: sc.id, Distance: sc.dist}
	}
	return s.toMatches(collectionName, results), nil
}

// ContextPair steers a discover search toward Positive and away from
// Negative, in addition to the primary Target.
type ContextPair struct {
	Positive uuid.UUID
	Negative uuid.UUID
}

// Discover searches near Target, biased along the direction formed by
// summing (positive_i - negative_i) across the context pairs: the query
// vector becomes target + alpha*direction, with alpha scaled so the bias
// has comparable magnitude to target itself. With no context pairs this
// degenerates to a plain nearest-neighbor search on Target.
func (s *Service) Discover(ctx context.Context, collectionName string, target uuid.UUID, contextPairs []ContextPair, k int, ef int, clause *filter.Clause) ([]Match, error) {
	ef = effectiveEf(ef, k)
	pred, err := filter.Compile(clause)
	if err != nil {
		return nil, err
	}
	idFilter := s.wrapFilter(collectionName, pred)

	tv, err := s.mgr.Get(collectionName, target)
	if err != nil {
		return nil, err
	}

	query := tv.Data
	if len(contextPairs) > 0 {
		direction := make([]float32, len(tv.Data))
		for _, pair := range contextPairs {
			pv, err := s.mgr.Get(collectionName, pair.Positive)
			if err != nil {
				return nil, err
			}
			nv, err := s.mgr.Get(collectionName, pair.Negative)
			if err != nil {
				return nil, err
			}
			for i := range direction {
				direction[i] += pv.Data[i] - nv.Data[i]
			}
		}
		query = biasTowardDirection(tv.Data, direction)
	}

	results, err := s.mgr.Search(ctx, collectionName, query, k, ef, idFilter)
	if err != nil {
		return nil, err
	}
	return s.toMatches(collectionName, results), nil
}

// biasTowardDirection returns target + alpha*direction, with alpha scaled
// so the added bias has the same L2 magnitude as target; a zero direction
// or zero target leaves target unperturbed.
func biasTowardDirection(target, direction []float32) []float32 {
	targetNorm := l2Norm(target)
	dirNorm := l2Norm(direction)
	out := make([]float32, len(target))
	if targetNorm == 0 || dirNorm == 0 {
		copy(out, target)
		return out
	}
	alpha := targetNorm / dirNorm
	for i := range out {
		out[i] = target[i] + alpha*direction[i]
	}
	return out
}

func l2Norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// ScrollPage is one page of a cursor-walked export of a collection.
type ScrollPage struct {
	Vectors    []*record.Vector
	NextOffset int64
	Done       bool
}

// Scroll returns up to limit active vectors in insertion order after
// afterOffset (0 to start from the beginning), optionally restricted by a
// metadata filter clause, for bulk export without holding a query-sized
// result set in memory at once. Done reports whether the underlying scan
// window was exhausted, not whether limit matching vectors were found: a
// restrictive filter can legitimately return fewer than limit vectors on a
// page that is not yet Done.
func (s *Service) Scroll(collectionName string, afterOffset int64, limit int, clause *filter.Clause) (*ScrollPage, error) {
	pred, err := filter.Compile(clause)
	if err != nil {
		return nil, err
	}
	var out []*record.Vector
	scanned := 0
	last, err := s.mgr.ScanActive(collectionName, afterOffset, limit, func(offset int64, v *record.Vector) bool {
		scanned++
		if pred(v.Metadata) {
			out = append(out, v)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return &ScrollPage{Vectors: out, NextOffset: last, Done: scanned < limit}, nil
}

// countScanBatch bounds each page of the exact-count scan loop.
const countScanBatch = 10000

// Count returns the number of active vectors in a collection, optionally
// restricted by a metadata filter clause. With exact false (and no
// filter to honor), it answers from the manager's maintained counter in
// constant time; with exact true, it walks every active vector and
// applies clause itself, which is the only way to answer a filtered
// count or to correct for any drift in the cached counter.
func (s *Service) Count(collectionName string, clause *filter.Clause, exact bool) (int64, error) {
	if !exact && clause == nil {
		return s.mgr.Count(collectionName)
	}
	pred, err := filter.Compile(clause)
	if err != nil {
		return 0, err
	}
	var count int64
	afterOffset := int64(0)
	for {
		scanned := 0
		last, err := s.mgr.ScanActive(collectionName, afterOffset, countScanBatch, func(offset int64, v *record.Vector) bool {
			scanned++
			if pred(v.Metadata) {
				count++
			}
			return true
		})
		if err != nil {
			return 0, err
		}
		if scanned < countScanBatch {
			break
		}
		afterOffset = last
	}
	return count, nil
}

// BatchRequest is one query within a BatchSearch call.
type BatchRequest struct {
	Vector []float32
	K      int
	Ef     int
	Filter *filter.Clause
}

// BatchSearch runs every request against the same collection. Requests
// are independent: one failing does not abort the others, and its error
// is reported at its own index.
func (s *Service) BatchSearch(ctx context.Context, collectionName string, requests []BatchRequest) ([][]Match, []error) {
	matches := make([][]Match, len(requests))
	errs := make([]error, len(requests))
	for i, req := range requests {
		m, err := s.NearestNeighbor(ctx, collectionName, req.Vector, req.K, req.Ef, req.Filter)
		matches[i] = m
		errs[i] = err
	}
	return matches, errs
}
