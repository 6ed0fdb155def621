package query

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vecengine/internal/collection"
	"vecengine/internal/config"
	"vecengine/internal/filter"
	"vecengine/internal/manager"
)

func testService(t *testing.T) (*Service, *manager.Manager) {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{DataDir: t.TempDir()},
		Storage: config.StorageConfig{SegmentInitialBytes: 64 * 1024, SegmentGrowthBytes: 64 * 1024},
		WAL:     config.WALConfig{SyncPolicy: "every_write", FlushThresholdBytes: 4096, FlushIntervalMs: 50, MaxBufferedBytes: 1 << 20},
		Limits:  config.LimitsConfig{InsertTimeoutMs: 5000, BatchInsertTimeoutMs: 5000, QueryTimeoutMs: 5000, SoftDeleteRetentionHours: 24, MaxCollections: 10, MaxVectorsPerCollection: 1000},
	}
	m, err := manager.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return New(m), m
}

func TestNearestNeighborFiltersByMetadata(t *testing.T) {
	svc, mgr := testService(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 2, DistanceMetric: collection.Euclidean}))

	redID := uuid.New()
	blueID := uuid.New()
	require.NoError(t, mgr.Insert(ctx, "c", redID, []float32{0, 0}, json.RawMessage(`{"color":"red"}`)))
	require.NoError(t, mgr.Insert(ctx, "c", blueID, []float32{1, 0}, json.RawMessage(`{"color":"blue"}`)))

	clause := &filter.Clause{Match: &filter.MatchClause{Field: "color", Value: "blue"}}
	matches, err := svc.NearestNeighbor(ctx, "c", []float32{0, 0}, 5, 16, clause)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, blueID, matches[0].ID)
}

func TestRecommendAverageVector(t *testing.T) {
	svc, mgr := testService(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 2, DistanceMetric: collection.Euclidean}))

	p1 := uuid.New()
	p2 := uuid.New()
	target := uuid.New()
	far := uuid.New()
	require.NoError(t, mgr.Insert(ctx, "c", p1, []float32{0, 0}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", p2, []float32{2, 0}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", target, []float32{1, 0}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", far, []float32{100, 100}, nil))

	matches, err := svc.Recommend(ctx, "c", []uuid.UUID{p1, p2}, nil, AverageVector, 1, 16, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, target, matches[0].ID)
}

func TestRecommendRequiresPositiveExample(t *testing.T) {
	svc, mgr := testService(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 2, DistanceMetric: collection.Euclidean}))

	_, err := svc.Recommend(ctx, "c", nil, nil, AverageVector, 1, 16, nil)
	assert.Error(t, err)
}

func TestDiscoverBiasesTowardContextDirection(t *testing.T) {
	svc, mgr := testService(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 2, DistanceMetric: collection.Euclidean}))

	target := uuid.New()
	positive := uuid.New()
	negative := uuid.New()
	agree := uuid.New()
	disagree := uuid.New()
	require.NoError(t, mgr.Insert(ctx, "c", target, []float32{1, 0}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", positive, []float32{2, 1}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", negative, []float32{2, -1}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", agree, []float32{1.1, 0.9}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", disagree, []float32{1, -1}, nil))

	matches, err := svc.Discover(ctx, "c", target, []ContextPair{{Positive: positive, Negative: negative}}, 1, 16, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, agree, matches[0].ID)
}

func TestDiscoverWithNoContextIsPlainNearestNeighbor(t *testing.T) {
	svc, mgr := testService(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 2, DistanceMetric: collection.Euclidean}))

	target := uuid.New()
	closest := uuid.New()
	require.NoError(t, mgr.Insert(ctx, "c", target, []float32{0, 0}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", closest, []float32{1, 0}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{10, 10}, nil))

	matches, err := svc.Discover(ctx, "c", target, nil, 1, 16, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, target, matches[0].ID)
}

func TestScrollPaginatesInOrder(t *testing.T) {
	svc, mgr := testService(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))

	for i := 0; i < 5; i++ {
		require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{float32(i)}, nil))
	}

	page, err := svc.Scroll("c", 0, 2, nil)
	require.NoError(t, err)
	assert.Len(t, page.Vectors, 2)
	assert.False(t, page.Done)

	page2, err := svc.Scroll("c", page.NextOffset, 2, nil)
	require.NoError(t, err)
	assert.Len(t, page2.Vectors, 2)
}

func TestCountReflectsInserts(t *testing.T) {
	svc, mgr := testService(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))
	require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{1}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{2}, nil))

	count, err := svc.Count("c", nil, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	exact, err := svc.Count("c", nil, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), exact)
}

func TestCountExactAppliesFilter(t *testing.T) {
	svc, mgr := testService(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))
	require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{1}, json.RawMessage(`{"kind":"a"}`)))
	require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{2}, json.RawMessage(`{"kind":"b"}`)))

	clause := &filter.Clause{Match: &filter.MatchClause{Field: "kind", Value: "a"}}
	count, err := svc.Count("c", clause, true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestBatchSearchRunsIndependently(t *testing.T) {
	svc, mgr := testService(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))
	id := uuid.New()
	require.NoError(t, mgr.Insert(ctx, "c", id, []float32{5}, nil))

	reqs := []BatchRequest{
		{Vector: []float32{5}, K: 1, Ef: 16},
		{Vector: []float32{5, 5}, K: 1, Ef: 16},
	}
	matches, errs := svc.BatchSearch(ctx, "c", reqs)
	require.NoError(t, errs[0])
	require.Len(t, matches[0], 1)
	assert.Equal(t, id, matches[0][0].ID)
	assert.Error(t, errs[1])
}
