package recovery

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
	"vecengine/internal/manager"
)

func testManager(t *testing.T) *manager.Manager {
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
	return m
}

func TestListQuarantinedOnFreshManagerIsEmpty(t *testing.T) {
	mgr := testManager(t)
	svc := New(mgr)

	list, err := svc.ListQuarantined()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRestoreReproducesQuarantinedCollection(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))
	id := uuid.New()
	require.NoError(t, mgr.Insert(ctx, "c", id, []float32{1}, nil))

	require.NoError(t, mgr.DeleteCollection(ctx, "c", false))
	_, err := mgr.Count("c")
	assert.Error(t, err)

	svc := New(mgr)
	list, err := svc.ListQuarantined()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c", list[0].OriginalName)

	require.NoError(t, svc.Restore(list[0].QuarantinedName))

	count, err := mgr.Count("c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	got, err := mgr.Get("c", id)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, got.Data)
}

func TestRestoreRejectsNameAlreadyLive(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))
	require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{1}, nil))
	require.NoError(t, mgr.DeleteCollection(ctx, "c", false))

	svc := New(mgr)
	list, err := svc.ListQuarantined()
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))

	err = svc.Restore(list[0].QuarantinedName)
	assert.Error(t, err)
}

func TestHardDeleteBacksUpThenRemovesPermanently(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))
	require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{1}, nil))

	svc := New(mgr)
	require.NoError(t, svc.HardDelete(ctx, "c", 42))

	_, err := mgr.Count("c")
	assert.Error(t, err)

	backupPath := filepath.Join(mgr.BackupsDir(), "c_42", "vectors.bin")
	_, err = os.Stat(backupPath)
	assert.NoError(t, err)

	list, err := svc.ListQuarantined()
	require.NoError(t, err)
	assert.Empty(t, list, "hard delete must not leave a quarantined copy behind")
}

func TestImportRegistersExistingDirectoryWithSynthesizedManifest(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "src", Dimension: 1, DistanceMetric: collection.Euclidean}))
	id := uuid.New()
	require.NoError(t, mgr.Insert(ctx, "src", id, []float32{7}, nil))
	require.NoError(t, mgr.DeleteCollection(ctx, "src", false))

	list, err := New(mgr).ListQuarantined()
	require.NoError(t, err)
	require.Len(t, list, 1)

	quarantinedDir := filepath.Join(mgr.DeletedDir(), list[0].QuarantinedName)
	require.NoError(t, os.Remove(filepath.Join(quarantinedDir, "metadata.json")))

	svc := New(mgr)
	require.NoError(t, svc.Import("imported", quarantinedDir, &collection.Manifest{Dimension: 1, DistanceMetric: collection.Euclidean}))

	got, err := mgr.Get("imported", id)
	require.NoError(t, err)
	assert.Equal(t, []float32{7}, got.Data)
}

func TestImportWithoutManifestOrDefaultsFails(t *testing.T) {
	mgr := testManager(t)
	dir := t.TempDir()

	svc := New(mgr)
	err := svc.Import("orphan", dir, nil)
	assert.Error(t, err)
}
