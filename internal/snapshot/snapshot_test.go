package snapshot

import (
	"context"
	"encoding/json"
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

func fixedClock(t int64) func() int64 {
	return func() int64 { return t }
}

func TestCreateListGetDelete(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 2, DistanceMetric: collection.Euclidean}))
	require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{1, 2}, nil))

	svc := New(mgr, fixedClock(1000), nil)
	meta, err := svc.Create(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "c_1000", meta.Name)
	assert.NotEmpty(t, meta.Checksum)
	assert.True(t, meta.SizeBytes > 0)

	list, err := svc.List("c")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, meta.Name, list[0].Name)

	got, err := svc.Get("c", meta.Name)
	require.NoError(t, err)
	assert.Equal(t, meta.Checksum, got.Checksum)

	require.NoError(t, svc.Delete("c", meta.Name))
	list, err = svc.List("c")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestListOnCollectionWithNoSnapshotsReturnsEmpty(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 2, DistanceMetric: collection.Euclidean}))

	svc := New(mgr, fixedClock(1), nil)
	list, err := svc.List("c")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRestoreRevertsToSnapshotState(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))

	a, b := uuid.New(), uuid.New()
	require.NoError(t, mgr.Insert(ctx, "c", a, []float32{1}, nil))
	require.NoError(t, mgr.Insert(ctx, "c", b, []float32{2}, nil))

	svc := New(mgr, fixedClock(500), nil)
	meta, err := svc.Create(ctx, "c")
	require.NoError(t, err)

	extra := uuid.New()
	require.NoError(t, mgr.Insert(ctx, "c", extra, []float32{3}, nil))
	count, err := mgr.Count("c")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	require.NoError(t, svc.Restore("c", meta.Name))

	count, err = mgr.Count("c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	_, err = mgr.Get("c", extra)
	assert.Error(t, err)
	got, err := mgr.Get("c", a)
	require.NoError(t, err)
	assert.Equal(t, []float32{1}, got.Data)
}

func TestRestoreRejectsCorruptChecksum(t *testing.T) {
	mgr := testManager(t)
	ctx := context.Background()
	require.NoError(t, mgr.CreateCollection(ctx, &collection.Manifest{Name: "c", Dimension: 1, DistanceMetric: collection.Euclidean}))
	require.NoError(t, mgr.Insert(ctx, "c", uuid.New(), []float32{1}, nil))

	svc := New(mgr, fixedClock(1), nil)
	meta, err := svc.Create(ctx, "c")
	require.NoError(t, err)

	meta.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	sidecarPath := filepath.Join(svc.snapshotRoot("c"), meta.Name, metaSidecar)
	raw, err := json.Marshal(meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(sidecarPath, raw, 0644))

	err = svc.Restore("c", meta.Name)
	assert.Error(t, err)
}
