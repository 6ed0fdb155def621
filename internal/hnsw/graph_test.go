package hnsw

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vecengine/internal/collection"
)

func testConfig(dim int) Config {
	return Config{
		Metric:         collection.Euclidean,
		Dimension:      dim,
		M:              8,
		EfConstruction: 32,
		EfSearch:       16,
		MaxLayer:       8,
	}
}

func TestInsertAndSearchFindsExactMatch(t *testing.T) {
	g := New(testConfig(3), 1)

	ids := make([]uuid.UUID, 0, 50)
	for i := 0; i < 50; i++ {
		id := uuid.New()
		ids = append(ids, id)
		v := []float32{float32(i), float32(i) * 2, float32(i) * 3}
		require.NoError(t, g.Insert(id, v))
	}
	assert.Equal(t, int64(50), g.Len())

	target := 25
	query := []float32{float32(target), float32(target) * 2, float32(target) * 3}
	results, err := g.Search(query, 1, 16, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, ids[target], results[0].ID)
	assert.InDelta(t, 0, results[0].Distance, 1e-4)
}

func TestSearchRespectsK(t *testing.T) {
	g := New(testConfig(2), 2)
	for i := 0; i < 30; i++ {
		require.NoError(t, g.Insert(uuid.New(), []float32{float32(i), 0}))
	}
	results, err := g.Search([]float32{0, 0}, 5, 16, nil)
	require.NoError(t, err)
	assert.Len(t, results, 5)
	for i := 1; i < len(results); i++ {
		assert.LessOrEqual(t, results[i-1].Distance, results[i].Distance)
	}
}

func TestSearchOnEmptyGraphReturnsNoResults(t *testing.T) {
	g := New(testConfig(4), 3)
	results, err := g.Search([]float32{1, 2, 3, 4}, 5, 16, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearchRejectsDimensionMismatch(t *testing.T) {
	g := New(testConfig(4), 4)
	require.NoError(t, g.Insert(uuid.New(), []float32{1, 2, 3, 4}))
	_, err := g.Search([]float32{1, 2, 3}, 1, 16, nil)
	assert.Error(t, err)
}

func TestInsertRejectsNonFiniteVector(t *testing.T) {
	g := New(testConfig(2), 5)
	err := g.Insert(uuid.New(), []float32{1, float32(0) / float32(0)})
	assert.Error(t, err)
}

func TestFilteredSearchSkipsRejectedIDs(t *testing.T) {
	g := New(testConfig(2), 6)
	var blocked uuid.UUID
	for i := 0; i < 20; i++ {
		id := uuid.New()
		if i == 0 {
			blocked = id
		}
		require.NoError(t, g.Insert(id, []float32{float32(i), 0}))
	}
	filter := func(id uuid.UUID) bool { return id != blocked }
	results, err := g.Search([]float32{0, 0}, 1, 16, filter)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.NotEqual(t, blocked, results[0].ID)
}

func TestDeleteRemovesFromSearchResults(t *testing.T) {
	g := New(testConfig(2), 7)
	id := uuid.New()
	require.NoError(t, g.Insert(id, []float32{0, 0}))
	for i := 1; i < 10; i++ {
		require.NoError(t, g.Insert(uuid.New(), []float32{float32(i), 0}))
	}
	require.NoError(t, g.Delete(id))
	assert.Equal(t, int64(9), g.Len())

	results, err := g.Search([]float32{0, 0}, 10, 32, nil)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, id, r.ID)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	g := New(testConfig(3), 8)
	for i := 0; i < 25; i++ {
		require.NoError(t, g.Insert(uuid.New(), []float32{float32(i), float32(i) + 1, float32(i) + 2}))
	}

	var buf bytes.Buffer
	require.NoError(t, g.Save(&buf))

	g2 := New(testConfig(3), 9)
	require.NoError(t, g2.Load(&buf))
	assert.Equal(t, g.Len(), g2.Len())

	results, err := g2.Search([]float32{10, 11, 12}, 1, 16, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.InDelta(t, 0, results[0].Distance, 1e-4)
}
