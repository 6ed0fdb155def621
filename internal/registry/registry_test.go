package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestPutGetListCollection(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.PutCollection(CollectionEntry{Name: "c", ManifestPath: "c/metadata.json", Dimension: 3, DistanceMetric: "cosine"}))

	list, err := r.ListCollections()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].Name)
	assert.Equal(t, 3, list[0].Dimension)
}

func TestDeleteCollectionRemovesEntry(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.PutCollection(CollectionEntry{Name: "c", Dimension: 1}))
	require.NoError(t, r.DeleteCollection("c"))

	list, err := r.ListCollections()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestUpdateWatermarkAdvancesSequence(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.PutCollection(CollectionEntry{Name: "c", Dimension: 1}))
	require.NoError(t, r.UpdateWatermark("c", 42))

	list, err := r.ListCollections()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, uint64(42), list[0].CommittedSequence)
}

func TestUpdateWatermarkOnMissingCollectionIsNoop(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.UpdateWatermark("ghost", 1))
}

func TestQuarantineEntriesListAndDelete(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.PutQuarantine(QuarantineEntry{QuarantinedName: "c_100", OriginalName: "c", DeletedAtUnixNano: 100}))

	list, err := r.ListQuarantine()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].OriginalName)

	require.NoError(t, r.DeleteQuarantine("c_100"))
	list, err = r.ListQuarantine()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCollectionAndQuarantinePrefixesDoNotCollide(t *testing.T) {
	r := testRegistry(t)
	require.NoError(t, r.PutCollection(CollectionEntry{Name: "c", Dimension: 1}))
	require.NoError(t, r.PutQuarantine(QuarantineEntry{QuarantinedName: "c_1", OriginalName: "c"}))

	cols, err := r.ListCollections()
	require.NoError(t, err)
	require.Len(t, cols, 1)

	quarantined, err := r.ListQuarantine()
	require.NoError(t, err)
	require.Len(t, quarantined, 1)
}
