package hnsw

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"vecengine/internal/collection"
)

func TestDistanceCosineIdenticalVectors(t *testing.T) {
	v := []float32{1, 2, 3}
	assert.InDelta(t, 0, Distance(collection.Cosine, v, v), 1e-6)
}

func TestDistanceCosineZeroVector(t *testing.T) {
	zero := []float32{0, 0, 0}
	v := []float32{1, 2, 3}
	assert.Equal(t, float32(1), Distance(collection.Cosine, zero, v))
}

func TestDistanceEuclidean(t *testing.T) {
	q := []float32{0, 0}
	v := []float32{3, 4}
	assert.InDelta(t, 5, Distance(collection.Euclidean, q, v), 1e-6)
}

func TestDistanceDotIsNegated(t *testing.T) {
	q := []float32{1, 1}
	v := []float32{1, 1}
	assert.Equal(t, float32(-2), Distance(collection.Dot, q, v))
}

func TestDistanceManhattan(t *testing.T) {
	q := []float32{0, 0}
	v := []float32{3, -4}
	assert.Equal(t, float32(7), Distance(collection.Manhattan, q, v))
}
