package manager

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vecengine/internal/collection"
	"vecengine/internal/config"
)

func testManager(t *testing.T) *Manager {
	t.Helper()
	cfg := &config.Config{
		Server:  config.ServerConfig{DataDir: t.TempDir()},
		Storage: config.StorageConfig{SegmentInitialBytes: 64 * 1024, SegmentGrowthBytes: 64 * 1024},
		WAL:     config.WALConfig{SyncPolicy: "every_write", FlushThresholdBytes: 4096, FlushIntervalMs: 50, MaxBufferedBytes: 1 << 20},
		Limits:  config.LimitsConfig{InsertTimeoutMs: 5000, BatchInsertTimeoutMs: 5000, QueryTimeoutMs: 5000, SoftDeleteRetentionHours: 24, MaxCollections: 10, MaxVectorsPerCollection: 1000},
	}
	m, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestCreateInsertGetDelete(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()

	man := &collection.Manifest{Name: "widgets", Dimension: 3, DistanceMetric: collection.Euclidean}
	require.NoError(t, m.CreateCollection(ctx, man))

	id := uuid.New()
	require.NoError(t, m.Insert(ctx, "widgets", id, []float32{1, 2, 3}, nil))

	got, err := m.Get("widgets", id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, got.Data)

	count, err := m.Count("widgets")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	require.NoError(t, m.Delete(ctx, "widgets", id, false))
	_, err = m.Get("widgets", id)
	assert.Error(t, err)

	count, err = m.Count("widgets")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestSearchReturnsNearest(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateCollection(ctx, &collection.Manifest{Name: "pts", Dimension: 2, DistanceMetric: collection.Euclidean}))

	var closest uuid.UUID
	for i := 0; i < 20; i++ {
		id := uuid.New()
		if i == 7 {
			closest = id
		}
		require.NoError(t, m.Insert(ctx, "pts", id, []float32{float32(i), 0}, nil))
	}

	results, err := m.Search(ctx, "pts", []float32{7, 0}, 1, 16, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, closest, results[0].ID)
}

func TestDeleteCollectionSoftDeletesDirectory(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateCollection(ctx, &collection.Manifest{Name: "temp", Dimension: 2, DistanceMetric: collection.Cosine}))
	require.NoError(t, m.DeleteCollection(ctx, "temp", false))

	_, err := m.Count("temp")
	assert.Error(t, err)

	matches, err := filepath.Glob(filepath.Join(m.DataDir(), ".deleted", "temp_*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	_, err = os.Stat(filepath.Join(m.DataDir(), "temp"))
	assert.True(t, os.IsNotExist(err))
}

func TestUpdateReplacesVector(t *testing.T) {
	m := testManager(t)
	ctx := context.Background()
	require.NoError(t, m.CreateCollection(ctx, &collection.Manifest{Name: "u", Dimension: 2, DistanceMetric: collection.Euclidean}))

	id := uuid.New()
	require.NoError(t, m.Insert(ctx, "u", id, []float32{0, 0}, nil))
	require.NoError(t, m.Update(ctx, "u", id, []float32{9, 9}, nil))

	got, err := m.Get("u", id)
	require.NoError(t, err)
	assert.Equal(t, []float32{9, 9}, got.Data)
}

func TestRebuildFromDiskSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Server:  config.ServerConfig{DataDir: dir},
		Storage: config.StorageConfig{SegmentInitialBytes: 64 * 1024, SegmentGrowthBytes: 64 * 1024},
		WAL:     config.WALConfig{SyncPolicy: "every_write", FlushThresholdBytes: 4096, FlushIntervalMs: 50, MaxBufferedBytes: 1 << 20},
		Limits:  config.LimitsConfig{InsertTimeoutMs: 5000, BatchInsertTimeoutMs: 5000, QueryTimeoutMs: 5000, SoftDeleteRetentionHours: 24, MaxCollections: 10, MaxVectorsPerCollection: 1000},
	}
	ctx := context.Background()

	m1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, m1.CreateCollection(ctx, &collection.Manifest{Name: "r", Dimension: 2, DistanceMetric: collection.Euclidean}))
	id := uuid.New()
	require.NoError(t, m1.Insert(ctx, "r", id, []float32{3, 4}, nil))
	require.NoError(t, m1.Close())

	m2, err := Open(cfg)
	require.NoError(t, err)
	defer m2.Close()

	got, err := m2.Get("r", id)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, got.Data)
}

func TestRebuildFromDiskWarmStartsIndexSnapshot(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Server:  config.ServerConfig{DataDir: dir},
		Storage: config.StorageConfig{SegmentInitialBytes: 64 * 1024, SegmentGrowthBytes: 64 * 1024},
		WAL:     config.WALConfig{SyncPolicy: "every_write", FlushThresholdBytes: 4096, FlushIntervalMs: 50, MaxBufferedBytes: 1 << 20},
		Limits:  config.LimitsConfig{InsertTimeoutMs: 5000, BatchInsertTimeoutMs: 5000, QueryTimeoutMs: 5000, SoftDeleteRetentionHours: 24, MaxCollections: 10, MaxVectorsPerCollection: 1000},
	}
	ctx := context.Background()

	m1, err := Open(cfg)
	require.NoError(t, err)
	require.NoError(t, m1.CreateCollection(ctx, &collection.Manifest{Name: "pts", Dimension: 2, DistanceMetric: collection.Euclidean}))

	var closest uuid.UUID
	for i := 0; i < 20; i++ {
		id := uuid.New()
		if i == 7 {
			closest = id
		}
		require.NoError(t, m1.Insert(ctx, "pts", id, []float32{float32(i), 0}, nil))
	}
	require.NoError(t, m1.Close())

	snapshotPath := filepath.Join(dir, "pts", indexSnapshotFile)
	_, err = os.Stat(snapshotPath)
	require.NoError(t, err, "Close should have written an index snapshot for warm-starting")

	m2, err := Open(cfg)
	require.NoError(t, err)
	defer m2.Close()

	results, err := m2.Search(ctx, "pts", []float32{7, 0}, 1, 16, nil)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, closest, results[0].ID)
}
