// Package manager orchestrates the write path (WAL, then per-collection
// storage, then the in-memory HNSW index) and owns every collection's
// lifecycle: creation, soft-deletion, and startup recovery.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vecengine/internal/collection"
	"vecengine/internal/common"
	"vecengine/internal/config"
	"vecengine/internal/feed"
	"vecengine/internal/hnsw"
	"vecengine/internal/record"
	"vecengine/internal/registry"
	"vecengine/internal/segment"
	"vecengine/internal/wal"
)

// Collection bundles one collection's durable storage with its live index
// and the in-memory bookkeeping the manager needs to answer get/count
// without a full segment scan.
type Collection struct {
	mu      sync.RWMutex
	name    string
	storage *collection.Storage
	index   *hnsw.Graph
	active  map[uuid.UUID]activeEntry // latest version + its segment offset, for every non-deleted vector
}

// activeEntry is the latest durable copy of a vector and the segment
// offset it was written at, used to tell apart a superseded update from
// the current version during a Scroll pass over the raw append log.
type activeEntry struct {
	offset int64
	vector *record.Vector
}

func (c *Collection) Manifest() *collection.Manifest {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.storage.Manifest()
}

// Manager is the single entry point for every collection operation. It
// holds one shared WAL across all collections (matching the on-disk
// layout's single `wal` file) and a write lock per collection so
// concurrent inserts into different collections never block each other.
type Manager struct {
	cfg     *config.Config
	dataDir string
	w       *wal.WAL
	reg     *registry.Registry
	feed    *feed.Publisher

	mu          sync.RWMutex
	collections map[string]*Collection

	stopSweep chan struct{}
	sweepDone chan struct{}
}

const (
	deletedDir   = ".deleted"
	backupsDir   = ".backups"
	snapshotsDir = ".snapshots"
	registryDir  = ".registry"
)

// Open resolves dataDir, opens the shared WAL, rebuilds every collection's
// index from its segment, replays any WAL tail not yet reflected in
// storage, and starts the soft-delete retention sweep.
func Open(cfg *config.Config) (*Manager, error) {
	dataDir := cfg.Server.DataDir
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, common.ErrIoError("manager: create data dir", err)
	}
	if err := os.MkdirAll(filepath.Join(dataDir, deletedDir), 0755); err != nil {
		return nil, common.ErrIoError("manager: create deleted dir", err)
	}

	w, err := wal.Open(cfg.ToWALConfig(dataDir))
	if err != nil {
		return nil, err
	}

	reg, err := registry.Open(filepath.Join(dataDir, registryDir))
	if err != nil {
		w.Close()
		return nil, err
	}

	fp, err := feed.New(cfg.Feed)
	if err != nil {
		reg.Close()
		w.Close()
		return nil, err
	}

	m := &Manager{
		cfg:         cfg,
		dataDir:     dataDir,
		w:           w,
		reg:         reg,
		feed:        fp,
		collections: make(map[string]*Collection),
		stopSweep:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}

	if err := m.rebuildFromDisk(); err != nil {
		reg.Close()
		w.Close()
		return nil, err
	}
	if err := m.replayWAL(); err != nil {
		reg.Close()
		w.Close()
		return nil, err
	}
	m.syncRegistryFromDisk()

	go m.sweepLoop()
	return m, nil
}

// syncRegistryFromDisk reconciles the registry catalog against the
// just-rebuilt in-memory collection set: it is the authority for what
// actually exists after rebuildFromDisk and WAL replay, so any registry
// entry without a matching live collection is stale (e.g. the process
// crashed between a directory move and its catalog update) and is
// dropped, and every live collection gets an up-to-date entry.
func (m *Manager) syncRegistryFromDisk() {
	known, err := m.reg.ListCollections()
	if err == nil {
		for _, e := range known {
			if _, live := m.collections[e.Name]; !live {
				_ = m.reg.DeleteCollection(e.Name)
			}
		}
	}
	for name, c := range m.collections {
		man := c.Manifest()
		_ = m.reg.PutCollection(registry.CollectionEntry{
			Name:              name,
			ManifestPath:      filepath.Join(m.dataDir, name, "metadata.json"),
			Dimension:         man.Dimension,
			DistanceMetric:    string(man.DistanceMetric),
			CommittedSequence: man.CommittedSequence,
		})
	}
}

// rebuildFromDisk loads every collection directory under dataDir and
// replays its segment into a fresh HNSW index. This is the authoritative
// recovery path; the WAL replay below only covers writes made after the
// last successful segment append.
func (m *Manager) rebuildFromDisk() error {
	entries, err := os.ReadDir(m.dataDir)
	if err != nil {
		return common.ErrIoError("manager: read data dir", err)
	}
	segOpts := segment.Options{
		InitialBytes: m.cfg.Storage.SegmentInitialBytes,
		GrowthBytes:  m.cfg.Storage.SegmentGrowthBytes,
	}
	for _, e := range entries {
		if !e.IsDir() || isReservedDir(e.Name()) {
			continue
		}
		st, err := collection.Load(m.dataDir, e.Name(), segOpts)
		if err != nil {
			return err
		}
		idx, active, err := rebuildIndex(st)
		if err != nil {
			return err
		}
		m.collections[e.Name()] = &Collection{
			name:    e.Name(),
			storage: st,
			index:   idx,
			active:  active,
		}
	}
	return nil
}

// isReservedDir reports whether a data-dir entry is one of the manager's
// own bookkeeping directories rather than a collection.
func isReservedDir(name string) bool {
	return name == deletedDir || name == backupsDir || name == snapshotsDir || name == registryDir
}

// replayWAL re-applies any operation whose sequence exceeds the target
// collection's committed watermark, covering writes that reached the WAL
// but not the segment before a crash.
func (m *Manager) replayWAL() error {
	_, err := m.w.Replay(func(e *wal.Entry) error {
		switch e.Op.Type {
		case wal.OpCreateCollection:
			if _, exists := m.collections[e.Op.Collection]; exists {
				return nil
			}
			var man collection.Manifest
			if err := json.Unmarshal(e.Op.ConfigJSON, &man); err != nil {
				return common.NewErrorWithCause(common.ErrWALReplayFailed, "manager: bad CreateCollection payload", err)
			}
			return m.createCollectionFromManifest(&man)
		case wal.OpDeleteCollection:
			delete(m.collections, e.Op.Collection)
			return nil
		case wal.OpInsertVector, wal.OpUpdateVector:
			c, ok := m.collections[e.Op.Collection]
			if !ok {
				return nil
			}
			if c.storage.Manifest().CommittedSequence >= e.Sequence {
				return nil
			}
			v := e.Op.ToVector()
			if _, exists := c.active[v.ID]; exists {
				_ = c.index.Delete(v.ID)
			}
			offset, err := c.storage.Insert(v)
			if err != nil {
				return err
			}
			c.active[v.ID] = activeEntry{offset: offset, vector: v}
			return c.index.Insert(v.ID, v.Data)
		case wal.OpDeleteVector:
			c, ok := m.collections[e.Op.Collection]
			if !ok {
				return nil
			}
			if c.storage.Manifest().CommittedSequence >= e.Sequence {
				return nil
			}
			delete(c.active, e.Op.VectorID)
			_ = c.index.Delete(e.Op.VectorID)
			return nil
		case wal.OpCheckpoint:
			return nil
		default:
			return nil
		}
	})
	return err
}

func (m *Manager) createCollectionFromManifest(man *collection.Manifest) error {
	st, err := collection.Create(m.dataDir, man)
	if err != nil {
		return err
	}
	idx := hnsw.New(hnsw.Config{
		Metric:         man.DistanceMetric,
		Dimension:      man.Dimension,
		M:              man.IndexConfig.MaxConnections,
		EfConstruction: man.IndexConfig.EfConstruction,
		EfSearch:       man.IndexConfig.EfSearch,
		MaxLayer:       man.IndexConfig.MaxLayer,
	}, 0)
	m.collections[man.Name] = &Collection{
		name:    man.Name,
		storage: st,
		index:   idx,
		active:  make(map[uuid.UUID]activeEntry),
	}
	if m.reg != nil {
		_ = m.reg.PutCollection(registry.CollectionEntry{
			Name:           man.Name,
			ManifestPath:   filepath.Join(st.Dir(), "metadata.json"),
			Dimension:      man.Dimension,
			DistanceMetric: string(man.DistanceMetric),
		})
	}
	return nil
}

// rebuildIndex scans st's segment in append order and builds the active-id
// bookkeeping, the same way rebuildFromDisk does for every collection at
// startup. The graph itself is warm-started from indexSnapshotFile when one
// is present and its node count matches the segment's active set exactly;
// otherwise (missing, corrupt, or stale relative to writes made since the
// last snapshot) it is rebuilt node-by-node from the scan, the expensive
// path this cache exists to avoid. Shared with Restore, which needs the
// same rebuild semantics for a single collection.
func rebuildIndex(st *collection.Storage) (*hnsw.Graph, map[uuid.UUID]activeEntry, error) {
	cfg := hnsw.Config{
		Metric:         st.Manifest().DistanceMetric,
		Dimension:      st.Manifest().Dimension,
		M:              st.Manifest().IndexConfig.MaxConnections,
		EfConstruction: st.Manifest().IndexConfig.EfConstruction,
		EfSearch:       st.Manifest().IndexConfig.EfSearch,
		MaxLayer:       st.Manifest().IndexConfig.MaxLayer,
	}

	warm := loadIndexSnapshot(st, cfg)

	// A plain map build is cheap regardless of whether the snapshot pans
	// out: map assignment already implements "last write for this id
	// wins", so no delete-then-insert bookkeeping is needed here the way
	// it is for the index itself.
	active := make(map[uuid.UUID]activeEntry)
	if err := st.Scan(func(offset int64, v *record.Vector) error {
		active[v.ID] = activeEntry{offset: offset, vector: v}
		return nil
	}); err != nil {
		return nil, nil, err
	}

	if warm != nil && warm.Len() == int64(len(active)) {
		return warm, active, nil
	}

	// No usable snapshot: pay for the full rebuild, inserting every active
	// vector into a fresh graph, in the active map's iteration order (not
	// the segment's append order).
	idx := hnsw.New(cfg, 0)
	for _, e := range active {
		if err := idx.Insert(e.vector.ID, e.vector.Data); err != nil {
			return nil, nil, err
		}
	}
	return idx, active, nil
}

// loadIndexSnapshot reads a collection's warm-start cache, if present and
// readable. Any failure (missing file, truncated write, dimension
// mismatch) is treated as a cache miss, not an error: rebuildIndex always
// has the segment scan as a correct, if slower, fallback.
func loadIndexSnapshot(st *collection.Storage, cfg hnsw.Config) *hnsw.Graph {
	f, err := os.Open(filepath.Join(st.Dir(), indexSnapshotFile))
	if err != nil {
		return nil
	}
	defer f.Close()
	idx := hnsw.New(cfg, 0)
	if err := idx.Load(f); err != nil {
		return nil
	}
	return idx
}

// CreateCollection durably records and applies a new collection.
func (m *Manager) CreateCollection(ctx context.Context, man *collection.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.collections) >= m.cfg.Limits.MaxCollections {
		return common.NewError(common.ErrInvalidInput, "max_collections limit reached")
	}
	if _, exists := m.collections[man.Name]; exists {
		return common.NewError(common.ErrAlreadyExists, "collection already exists")
	}
	if man.IndexConfig == (collection.IndexConfig{}) {
		man.IndexConfig = collection.DefaultIndexConfig()
	}

	cfgJSON, err := json.Marshal(man)
	if err != nil {
		return common.NewErrorWithCause(common.ErrInternal, "manager: marshal manifest", err)
	}
	if _, err := m.w.Append(ctx, &wal.Operation{Type: wal.OpCreateCollection, Collection: man.Name, ConfigJSON: cfgJSON}); err != nil {
		return err
	}
	return m.createCollectionFromManifest(man)
}

// DeleteCollection removes a collection. By default (hard=false) it is
// soft-deleted: the directory is atomically renamed under
// `.deleted/<name>_<unix-nanos>`, so a later Undelete or the retention
// sweep resolves it from there. With hard=true it is removed immediately
// and permanently, along with any quarantined copies left over from an
// earlier soft delete of the same name.
func (m *Manager) DeleteCollection(ctx context.Context, name string, hard bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[name]
	if !ok {
		return common.NewError(common.ErrNotFound, "collection not found")
	}
	if _, err := m.w.Append(ctx, &wal.Operation{Type: wal.OpDeleteCollection, Collection: name, HardDelete: hard}); err != nil {
		return err
	}

	c.mu.Lock()
	dir := c.storage.Dir()
	if err := c.storage.Close(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	if m.reg != nil {
		_ = m.reg.DeleteCollection(name)
	}

	if hard {
		if err := os.RemoveAll(dir); err != nil {
			return common.ErrIoError("manager: hard-delete collection", err)
		}
		if matches, err := filepath.Glob(filepath.Join(m.dataDir, deletedDir, name+"_*")); err == nil {
			for _, match := range matches {
				_ = os.RemoveAll(match)
				if m.reg != nil {
					_ = m.reg.DeleteQuarantine(filepath.Base(match))
				}
			}
		}
		delete(m.collections, name)
		return nil
	}

	quarantinedName := fmt.Sprintf("%s_%d", name, time.Now().UnixNano())
	dest := filepath.Join(m.dataDir, deletedDir, quarantinedName)
	if err := os.Rename(dir, dest); err != nil {
		return common.ErrIoError("manager: soft-delete collection", err)
	}
	delete(m.collections, name)
	if m.reg != nil {
		_ = m.reg.PutQuarantine(registry.QuarantineEntry{
			QuarantinedName:   quarantinedName,
			OriginalName:      name,
			DeletedAtUnixNano: time.Now().UnixNano(),
		})
	}
	go m.sweepDeleted()
	return nil
}

func (m *Manager) collection(name string) (*Collection, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, common.NewError(common.ErrNotFound, "collection not found")
	}
	return c, nil
}

func withTimeout(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

// Insert logs, stores, and indexes one vector.
func (m *Manager) Insert(ctx context.Context, collectionName string, id uuid.UUID, data []float32, metadata json.RawMessage) error {
	ctx, cancel := withTimeout(ctx, m.cfg.Limits.InsertTimeoutMs)
	defer cancel()

	c, err := m.collection(collectionName)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	op := &wal.Operation{
		Type: wal.OpInsertVector, Collection: collectionName, VectorID: id, Data: data, Metadata: metadata,
	}
	seq, err := m.w.Append(ctx, op)
	if err != nil {
		return err
	}
	v := &record.Vector{ID: id, Data: data, Metadata: metadata}
	offset, err := c.storage.Insert(v)
	if err != nil {
		return err
	}
	_, wasActive := c.active[id]
	if wasActive {
		_ = c.index.Delete(id)
	}
	if err := c.index.Insert(id, data); err != nil {
		m.poisonInsert(ctx, collectionName, c, id, wasActive)
		return err
	}
	c.active[id] = activeEntry{offset: offset, vector: v}
	m.advanceWatermark(collectionName, c, seq)
	m.publishFeed(collectionName, seq, op)
	return nil
}

// poisonInsert is called when an already-durable insert/update WAL entry and
// segment record could not be reflected in the index. It writes a
// compensating delete so replay converges on "not present" instead of
// resurrecting a vector the index never admitted, and drops any stale
// active-set entry left over from a pre-insert delete-for-update.
func (m *Manager) poisonInsert(ctx context.Context, collectionName string, c *Collection, id uuid.UUID, wasActive bool) {
	if wasActive {
		delete(c.active, id)
	}
	delSeq, err := m.w.Append(ctx, &wal.Operation{Type: wal.OpDeleteVector, Collection: collectionName, VectorID: id})
	if err != nil {
		return
	}
	m.advanceWatermark(collectionName, c, delSeq)
}

// BatchInsert applies Insert to each vector in order. It is not atomic: on
// a mid-batch failure, the vectors before it remain committed. The count
// of vectors durably applied before the error is returned alongside it.
func (m *Manager) BatchInsert(ctx context.Context, collectionName string, vectors []*record.Vector) (int, error) {
	ctx, cancel := withTimeout(ctx, m.cfg.Limits.BatchInsertTimeoutMs)
	defer cancel()
	for i, v := range vectors {
		if err := m.Insert(ctx, collectionName, v.ID, v.Data, v.Metadata); err != nil {
			return i, err
		}
	}
	return len(vectors), nil
}

// Get returns the current version of a vector, or NotFound if it was
// never inserted or has been deleted.
func (m *Manager) Get(collectionName string, id uuid.UUID) (*record.Vector, error) {
	c, err := m.collection(collectionName)
	if err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.active[id]
	if !ok {
		return nil, common.NewError(common.ErrNotFound, "vector not found")
	}
	return e.vector, nil
}

// Delete removes a vector from the index and from future query results.
// hardDelete only changes the WAL-logged intent; physical reclamation of
// segment bytes is left to a future compaction pass (out of scope here;
// see DESIGN.md), so both modes currently behave identically on disk.
func (m *Manager) Delete(ctx context.Context, collectionName string, id uuid.UUID, hardDelete bool) error {
	ctx, cancel := withTimeout(ctx, m.cfg.Limits.InsertTimeoutMs)
	defer cancel()

	c, err := m.collection(collectionName)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[id]; !ok {
		return common.NewError(common.ErrNotFound, "vector not found")
	}
	op := &wal.Operation{
		Type: wal.OpDeleteVector, Collection: collectionName, VectorID: id, HardDelete: hardDelete,
	}
	seq, err := m.w.Append(ctx, op)
	if err != nil {
		return err
	}
	if err := c.index.Delete(id); err != nil {
		return err
	}
	delete(c.active, id)
	m.advanceWatermark(collectionName, c, seq)
	m.publishFeed(collectionName, seq, op)
	return nil
}

// Update replaces a vector's data/metadata in place from the caller's
// point of view. HNSW has no true in-place update: the old node is
// tombstoned and a new one is built from the new vector, both logged as a
// single WAL entry so replay reconstructs the same end state.
func (m *Manager) Update(ctx context.Context, collectionName string, id uuid.UUID, data []float32, metadata json.RawMessage) error {
	ctx, cancel := withTimeout(ctx, m.cfg.Limits.InsertTimeoutMs)
	defer cancel()

	c, err := m.collection(collectionName)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.active[id]; !ok {
		return common.NewError(common.ErrNotFound, "vector not found")
	}
	op := &wal.Operation{
		Type: wal.OpUpdateVector, Collection: collectionName, VectorID: id, Data: data, Metadata: metadata,
	}
	seq, err := m.w.Append(ctx, op)
	if err != nil {
		return err
	}
	v := &record.Vector{ID: id, Data: data, Metadata: metadata}
	offset, err := c.storage.Insert(v)
	if err != nil {
		return err
	}
	if err := c.index.Delete(id); err != nil && !common.IsErrorCode(err, common.ErrNotFound) {
		return err
	}
	if err := c.index.Insert(id, data); err != nil {
		m.poisonInsert(ctx, collectionName, c, id, true)
		return err
	}
	c.active[id] = activeEntry{offset: offset, vector: v}
	m.advanceWatermark(collectionName, c, seq)
	m.publishFeed(collectionName, seq, op)
	return nil
}

// advanceWatermark persists the WAL sequence just committed for
// collectionName alongside its manifest, and mirrors it into the registry
// catalog, so a restart's replay can skip entries already reflected in
// storage. Both writes are best-effort: a missed watermark update only
// costs a few re-applied (idempotent) WAL entries on the next replay.
func (m *Manager) advanceWatermark(collectionName string, c *Collection, seq uint64) {
	_ = c.storage.SetCommittedSequence(seq)
	if m.reg != nil {
		_ = m.reg.UpdateWatermark(collectionName, seq)
	}
}

// publishFeed best-effort publishes a committed operation to the feed. A
// publish failure never fails the caller's write: the feed is a secondary
// replication hook, not part of the durability contract.
func (m *Manager) publishFeed(collectionName string, seq uint64, op *wal.Operation) {
	if m.feed != nil {
		_ = m.feed.Publish(collectionName, seq, op)
	}
}

// ListCollections returns the name of every currently live collection.
func (m *Manager) ListCollections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.collections))
	for name := range m.collections {
		names = append(names, name)
	}
	return names
}

// Count returns the number of currently active (non-deleted) vectors.
func (m *Manager) Count(collectionName string) (int64, error) {
	c, err := m.collection(collectionName)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(len(c.active)), nil
}

// Search runs a k-nearest-neighbor query against a collection's index.
func (m *Manager) Search(ctx context.Context, collectionName string, query []float32, k int, ef int, filter func(uuid.UUID) bool) ([]hnsw.Result, error) {
	// The derived deadline is not consulted: neither the collection lookup
	// nor the graph traversal checks it, so a search always runs to
	// completion and never returns Timeout.
	_, cancel := withTimeout(ctx, m.cfg.Limits.QueryTimeoutMs)
	defer cancel()

	c, err := m.collection(collectionName)
	if err != nil {
		return nil, err
	}
	if ef <= 0 {
		ef = c.storage.Manifest().IndexConfig.EfSearch
	}
	return c.index.Search(query, k, ef, filter)
}

// Vector exposes a collection's active vector snapshot by id, used by
// internal/query for recommend/discover reference lookups.
func (m *Manager) Vector(collectionName string, id uuid.UUID) (*record.Vector, error) {
	return m.Get(collectionName, id)
}

// CollectionConfig exposes a collection's manifest-derived index
// parameters for callers building their own search requests.
func (m *Manager) CollectionConfig(collectionName string) (*collection.Manifest, error) {
	c, err := m.collection(collectionName)
	if err != nil {
		return nil, err
	}
	return c.Manifest(), nil
}

// DataDir exposes the root data directory so internal/snapshot can lay out
// its own `.snapshots/<collection>/<name>/` tree alongside collections.
func (m *Manager) DataDir() string {
	return m.dataDir
}

// BeginSnapshot takes a brief read lease on a collection and returns its
// on-disk directory and a release func to call once the caller has
// finished copying files out of it. Writes to the collection block for
// the duration the lease is held, matching the spec's "take a read lease
// that blocks writers briefly" contract; queries are unaffected since
// they never take c.mu.
func (m *Manager) BeginSnapshot(collectionName string) (dir string, release func(), err error) {
	c, err := m.collection(collectionName)
	if err != nil {
		return "", nil, err
	}
	c.mu.RLock()
	if err := c.storage.Sync(); err != nil {
		c.mu.RUnlock()
		return "", nil, err
	}
	// Refresh the warm-start index cache alongside the segment: the RLock
	// held here blocks every Insert/Delete (they take c.mu for writing),
	// satisfying Graph.Save's no-concurrent-mutation requirement. A failed
	// write here only costs a slower cold rebuild later, never correctness,
	// so it is not allowed to fail the snapshot itself.
	_ = writeIndexSnapshot(c)
	return c.storage.Dir(), c.mu.RUnlock, nil
}

// indexSnapshotFile is the warm-start cache of a collection's HNSW graph,
// refreshed on every BeginSnapshot and consulted by rebuildIndex so a
// restart can skip re-inserting every vector one at a time.
const indexSnapshotFile = "index.hnsw"

func writeIndexSnapshot(c *Collection) error {
	tmp := filepath.Join(c.storage.Dir(), indexSnapshotFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return common.ErrIoError("manager: create index snapshot", err)
	}
	if err := c.index.Save(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return common.ErrIoError("manager: close index snapshot", err)
	}
	return os.Rename(tmp, filepath.Join(c.storage.Dir(), indexSnapshotFile))
}

// Restore replaces a collection's on-disk metadata.json/vectors.bin with
// the copies at srcDir (already integrity-checked by the caller) and
// rebuilds the in-memory index from the restored segment. It takes an
// exclusive lease for the duration, so no insert/search/delete is
// observed mid-restore.
func (m *Manager) Restore(collectionName string, srcDir string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.collections[collectionName]
	if !ok {
		return common.NewError(common.ErrNotFound, "collection not found")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dir := c.storage.Dir()
	if err := c.storage.Close(); err != nil {
		return err
	}
	for _, f := range []string{"metadata.json", "vectors.bin"} {
		if err := copyFile(filepath.Join(srcDir, f), filepath.Join(dir, f)); err != nil {
			return common.ErrIoError("manager: restore "+f, err)
		}
	}

	st, err := collection.Load(m.dataDir, collectionName, segment.Options{
		InitialBytes: m.cfg.Storage.SegmentInitialBytes,
		GrowthBytes:  m.cfg.Storage.SegmentGrowthBytes,
	})
	if err != nil {
		return err
	}
	idx, active, err := rebuildIndex(st)
	if err != nil {
		return err
	}
	c.storage = st
	c.index = idx
	c.active = active
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}

// DeletedDir exposes the quarantine root so internal/recovery can list and
// resolve soft-deleted collections without duplicating the layout constant.
func (m *Manager) DeletedDir() string { return filepath.Join(m.dataDir, deletedDir) }

// BackupsDir exposes the root used for backup-before-destroy copies taken
// ahead of a hard delete.
func (m *Manager) BackupsDir() string { return filepath.Join(m.dataDir, backupsDir) }

// loadAndRegisterLocked loads a collection directory already in place at
// m.dataDir/name, rebuilds its index, and adds it to the registry. Callers
// must hold m.mu for writing.
func (m *Manager) loadAndRegisterLocked(name string) error {
	if _, exists := m.collections[name]; exists {
		return common.NewError(common.ErrConflict, "collection already registered")
	}
	st, err := collection.Load(m.dataDir, name, segment.Options{
		InitialBytes: m.cfg.Storage.SegmentInitialBytes,
		GrowthBytes:  m.cfg.Storage.SegmentGrowthBytes,
	})
	if err != nil {
		return err
	}
	idx, active, err := rebuildIndex(st)
	if err != nil {
		return err
	}
	m.collections[name] = &Collection{name: name, storage: st, index: idx, active: active}
	if m.reg != nil {
		man := st.Manifest()
		_ = m.reg.PutCollection(registry.CollectionEntry{
			Name:              name,
			ManifestPath:      filepath.Join(st.Dir(), "metadata.json"),
			Dimension:         man.Dimension,
			DistanceMetric:    string(man.DistanceMetric),
			CommittedSequence: man.CommittedSequence,
		})
	}
	return nil
}

// originalNameFromQuarantine recovers the pre-delete collection name from a
// `.deleted/` directory name of the form "<name>_<unix-nanos>": the
// timestamp suffix is always a run of digits after the final underscore.
func originalNameFromQuarantine(quarantinedName string) (string, error) {
	idx := strings.LastIndexByte(quarantinedName, '_')
	if idx < 0 || idx == len(quarantinedName)-1 {
		return "", common.NewError(common.ErrInvalidInput, "not a quarantined collection directory name")
	}
	suffix := quarantinedName[idx+1:]
	for _, r := range suffix {
		if r < '0' || r > '9' {
			return "", common.NewError(common.ErrInvalidInput, "not a quarantined collection directory name")
		}
	}
	return quarantinedName[:idx], nil
}

// Undelete moves a quarantined collection directory back into the data
// directory and registers it under its original name, recovering it within
// the retention window before the sweep permanently removes it. Fails with
// Conflict if a live collection already occupies the original name.
func (m *Manager) Undelete(quarantinedName string) error {
	originalName, err := originalNameFromQuarantine(quarantinedName)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[originalName]; exists {
		return common.NewError(common.ErrConflict, "a live collection already occupies this name")
	}
	src := filepath.Join(m.dataDir, deletedDir, quarantinedName)
	if _, err := os.Stat(src); err != nil {
		return common.NewError(common.ErrNotFound, "quarantined collection not found")
	}
	dst := filepath.Join(m.dataDir, originalName)
	if err := os.Rename(src, dst); err != nil {
		return common.ErrIoError("manager: undelete collection", err)
	}
	if err := m.loadAndRegisterLocked(originalName); err != nil {
		return err
	}
	if m.reg != nil {
		_ = m.reg.DeleteQuarantine(quarantinedName)
	}
	return nil
}

// RegisterCollection loads a directory already placed at m.dataDir/name
// (for example by internal/recovery after linking an imported directory
// into place) and adds it to the registry.
func (m *Manager) RegisterCollection(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadAndRegisterLocked(name)
}

// ImportCollection links an existing directory (a segment and, optionally,
// a manifest) into the data directory under name. If the directory has no
// metadata.json, one is synthesized from defaults with Name overwritten to
// name. The index is then rebuilt from the segment and the collection
// registered, same as any other startup load.
func (m *Manager) ImportCollection(name string, srcDir string, defaults *collection.Manifest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.collections[name]; exists {
		return common.NewError(common.ErrAlreadyExists, "collection already exists")
	}
	dst := filepath.Join(m.dataDir, name)
	if _, err := os.Stat(dst); err == nil {
		return common.NewError(common.ErrAlreadyExists, "collection directory already exists")
	}

	manifestPath := filepath.Join(srcDir, "metadata.json")
	if _, err := os.Stat(manifestPath); os.IsNotExist(err) {
		if defaults == nil {
			return common.NewError(common.ErrInvalidInput, "import: manifest missing and no defaults supplied")
		}
		man := *defaults
		man.Name = name
		if man.IndexConfig == (collection.IndexConfig{}) {
			man.IndexConfig = collection.DefaultIndexConfig()
		}
		man.CreatedAt = common.Now()
		if err := man.Validate(); err != nil {
			return err
		}
		if err := collection.WriteManifest(srcDir, &man); err != nil {
			return err
		}
	}

	if err := os.Rename(srcDir, dst); err != nil {
		return common.ErrIoError("manager: import collection", err)
	}
	return m.loadAndRegisterLocked(name)
}

// ScanActive walks every currently active vector in insertion order,
// starting strictly after afterOffset, until fn returns false or limit
// vectors have been yielded. It returns the offset of the last vector
// yielded, for use as the next call's cursor.
func (m *Manager) ScanActive(collectionName string, afterOffset int64, limit int, fn func(offset int64, v *record.Vector) bool) (int64, error) {
	c, err := m.collection(collectionName)
	if err != nil {
		return 0, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	afterOffset = common.MaxInt64(afterOffset, 0)
	limit = common.Min(limit, maxScanPageSize)
	last := afterOffset
	yielded := 0
	scanErr := c.storage.Scan(func(offset int64, v *record.Vector) error {
		if offset <= afterOffset {
			return nil
		}
		// Scan walks every append, including records later superseded by
		// a delete or update; only yield the one that is still the
		// current version for its id.
		e, ok := c.active[v.ID]
		if !ok || e.offset != offset {
			return nil
		}
		if !fn(offset, v) {
			return errScanStop
		}
		last = offset
		yielded++
		if yielded >= limit {
			return errScanStop
		}
		return nil
	})
	if scanErr != nil && scanErr != errScanStop {
		return 0, scanErr
	}
	return last, nil
}

// errScanStop unwinds Storage.Scan early once ScanActive has yielded
// enough records or the caller's callback asked to stop; it is never
// returned to callers of ScanActive itself.
var errScanStop = fmt.Errorf("manager: scan stopped early")

// sweepInterval is how often the retention sweep wakes up to check for
// expired soft-deleted collections; it is independent of the retention
// window itself, which just sets the cutoff age.
const sweepInterval = time.Hour

// maxScanPageSize caps how many vectors a single ScanActive call yields,
// regardless of the limit a caller asks for, so a misbehaving export
// client can't force an unbounded in-memory page.
const maxScanPageSize = 10000

func (m *Manager) sweepLoop() {
	defer close(m.sweepDone)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.sweepDeleted()
		}
	}
}

// sweepDeleted permanently removes soft-deleted collection directories
// older than the configured retention window.
func (m *Manager) sweepDeleted() {
	cutoff := time.Now().Add(-time.Duration(m.cfg.Limits.SoftDeleteRetentionHours) * time.Hour)
	root := filepath.Join(m.dataDir, deletedDir)
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		// The "<name>_<unix-nanos>" suffix records the deletion time; the
		// directory's mtime only reflects its last write before that.
		deletedAt := info.ModTime()
		if i := strings.LastIndexByte(e.Name(), '_'); i >= 0 {
			var nanos int64
			if _, err := fmt.Sscanf(e.Name()[i+1:], "%d", &nanos); err == nil {
				deletedAt = time.Unix(0, nanos)
			}
		}
		if deletedAt.After(cutoff) {
			continue
		}
		_ = os.RemoveAll(filepath.Join(root, e.Name()))
	}
}

// Close flushes the WAL and closes every open collection.
func (m *Manager) Close() error {
	close(m.stopSweep)
	<-m.sweepDone

	m.mu.Lock()
	defer m.mu.Unlock()
	var firstErr error
	for _, c := range m.collections {
		c.mu.RLock()
		_ = writeIndexSnapshot(c)
		c.mu.RUnlock()
		if err := c.storage.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := m.w.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if m.reg != nil {
		if err := m.reg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if m.feed != nil {
		m.feed.Close()
	}
	return firstErr
}
