// Package snapshot implements point-in-time, checksummed copies of a
// collection directory under `.snapshots/<collection>/<name>/`, adapted
// from the teacher's catalog persistence numbered-backup idiom: instead of
// rotating a fixed count of numbered files, each snapshot gets its own
// timestamped directory that lives until explicitly deleted.
package snapshot

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"vecengine/internal/common"
	"vecengine/internal/manager"

	"github.com/pierrec/lz4/v4"
)

const (
	snapshotsDir = ".snapshots"
	manifestFile = "metadata.json"
	segmentFile  = "vectors.bin"
	archiveFile  = "vectors.bin.lz4"
	metaSidecar  = "snapshot.json"
)

// Metadata describes one snapshot artifact, persisted as its sidecar
// snapshot.json alongside the copied collection files.
type Metadata struct {
	Name       string `json:"name"`
	Collection string `json:"collection"`
	CreatedAt  int64  `json:"created_at"` // unix seconds, caller-supplied
	SizeBytes  int64  `json:"size_bytes"` // size of the segment before compression
	Checksum   string `json:"checksum"`   // hex SHA-256 of the uncompressed segment bytes
	Compressed bool   `json:"compressed"`
}

// Manager is the subset of *manager.Manager the snapshot package depends
// on, named explicitly so tests can substitute a fake.
type Manager interface {
	DataDir() string
	BeginSnapshot(collectionName string) (dir string, release func(), err error)
	Restore(collectionName string, srcDir string) error
}

var _ Manager = (*manager.Manager)(nil)

// Service creates, lists, restores, and deletes snapshots for any
// collection owned by the wrapped manager.
type Service struct {
	mgr Manager
	// nowUnix supplies the current time for snapshot names and metadata;
	// overridable in tests so names are deterministic.
	nowUnix func() int64
	// remote, if set, pushes a snapshot's compressed archive after it is
	// written locally. Optional: a nil remote leaves snapshots local-only.
	remote RemoteStore
}

// RemoteStore pushes/pulls a snapshot archive to/from an out-of-process
// store (e.g. S3). Implementations live in internal/remote.
type RemoteStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

func New(mgr Manager, nowUnix func() int64, remote RemoteStore) *Service {
	return &Service{mgr: mgr, nowUnix: nowUnix, remote: remote}
}

func (s *Service) snapshotRoot(collectionName string) string {
	return filepath.Join(s.mgr.DataDir(), snapshotsDir, collectionName)
}

// Create takes a brief read lease on the collection, copies its manifest
// and segment into a new timestamped snapshot directory, lz4-compresses
// the segment, records its SHA-256 (of the uncompressed bytes) and size,
// and optionally pushes the compressed archive to a configured remote
// store.
func (s *Service) Create(ctx context.Context, collectionName string) (*Metadata, error) {
	srcDir, release, err := s.mgr.BeginSnapshot(collectionName)
	if err != nil {
		return nil, err
	}
	defer release()

	segPath := filepath.Join(srcDir, segmentFile)
	raw, err := os.ReadFile(segPath)
	if err != nil {
		return nil, common.ErrIoError("snapshot: read segment", err)
	}
	manifestRaw, err := os.ReadFile(filepath.Join(srcDir, manifestFile))
	if err != nil {
		return nil, common.ErrIoError("snapshot: read manifest", err)
	}

	sum := sha256.Sum256(raw)
	checksum := hex.EncodeToString(sum[:])

	createdAt := s.nowUnix()
	name := fmt.Sprintf("%s_%d", collectionName, createdAt)
	destDir := filepath.Join(s.snapshotRoot(collectionName), name)
	if _, err := os.Stat(destDir); err == nil {
		return nil, common.NewError(common.ErrAlreadyExists, "snapshot: name collision, retry")
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return nil, common.ErrIoError("snapshot: mkdir", err)
	}

	if err := os.WriteFile(filepath.Join(destDir, manifestFile), manifestRaw, 0644); err != nil {
		return nil, common.ErrIoError("snapshot: write manifest copy", err)
	}
	compressed, err := compress(raw)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(destDir, archiveFile), compressed, 0644); err != nil {
		return nil, common.ErrIoError("snapshot: write archive", err)
	}

	meta := &Metadata{
		Name:       name,
		Collection: collectionName,
		CreatedAt:  createdAt,
		SizeBytes:  int64(len(raw)),
		Checksum:   checksum,
		Compressed: true,
	}
	metaRaw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrInternal, "snapshot: marshal metadata", err)
	}
	if err := os.WriteFile(filepath.Join(destDir, metaSidecar), metaRaw, 0644); err != nil {
		return nil, common.ErrIoError("snapshot: write metadata sidecar", err)
	}

	if s.remote != nil {
		f, err := os.Open(filepath.Join(destDir, archiveFile))
		if err != nil {
			return nil, common.ErrIoError("snapshot: reopen archive for remote push", err)
		}
		defer f.Close()
		if err := s.remote.Put(ctx, remoteKey(collectionName, name), f); err != nil {
			return nil, common.NewErrorWithCause(common.ErrUnavailable, "snapshot: remote push failed", err)
		}
	}

	return meta, nil
}

func remoteKey(collectionName, name string) string {
	return fmt.Sprintf("snapshots/%s/%s/%s", collectionName, name, archiveFile)
}

// List returns every snapshot recorded for a collection, newest first.
func (s *Service) List(collectionName string) ([]*Metadata, error) {
	root := s.snapshotRoot(collectionName)
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, common.ErrIoError("snapshot: list", err)
	}
	out := make([]*Metadata, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.readMetadata(collectionName, e.Name())
		if err != nil {
			continue
		}
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt > out[j].CreatedAt })
	return out, nil
}

// Get returns one snapshot's metadata.
func (s *Service) Get(collectionName, name string) (*Metadata, error) {
	return s.readMetadata(collectionName, name)
}

func (s *Service) readMetadata(collectionName, name string) (*Metadata, error) {
	name = common.SanitizePath(name)
	raw, err := os.ReadFile(filepath.Join(s.snapshotRoot(collectionName), name, metaSidecar))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NewError(common.ErrNotFound, "snapshot not found")
		}
		return nil, common.ErrIoError("snapshot: read metadata", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, common.NewErrorWithCause(common.ErrInternal, "snapshot: corrupt metadata sidecar", err)
	}
	return &meta, nil
}

// Delete removes a snapshot artifact. It is not an error to delete a
// snapshot that does not exist.
func (s *Service) Delete(collectionName, name string) error {
	dir := filepath.Join(s.snapshotRoot(collectionName), common.SanitizePath(name))
	if err := os.RemoveAll(dir); err != nil {
		return common.ErrIoError("snapshot: delete", err)
	}
	return nil
}

// Restore decompresses the archive, recomputes the checksum of the
// uncompressed segment and refuses on mismatch, then stages the files in a
// temporary directory and hands it to the manager's Restore, which swaps
// them into the live collection directory and rebuilds the index.
func (s *Service) Restore(collectionName, name string) error {
	name = common.SanitizePath(name)
	meta, err := s.readMetadata(collectionName, name)
	if err != nil {
		return err
	}
	snapDir := filepath.Join(s.snapshotRoot(collectionName), name)

	compressed, err := os.ReadFile(filepath.Join(snapDir, archiveFile))
	if err != nil {
		return common.ErrIoError("snapshot: read archive", err)
	}
	raw, err := decompress(compressed)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(raw)
	if hex.EncodeToString(sum[:]) != meta.Checksum {
		return common.NewError(common.ErrInvalidChecksum, "snapshot: checksum mismatch, refusing restore").
			WithContext("snapshot", name)
	}

	stagingDir, err := os.MkdirTemp("", "vecengine-restore-*")
	if err != nil {
		return common.ErrIoError("snapshot: create staging dir", err)
	}
	defer os.RemoveAll(stagingDir)

	manifestRaw, err := os.ReadFile(filepath.Join(snapDir, manifestFile))
	if err != nil {
		return common.ErrIoError("snapshot: read manifest copy", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, manifestFile), manifestRaw, 0644); err != nil {
		return common.ErrIoError("snapshot: stage manifest", err)
	}
	if err := os.WriteFile(filepath.Join(stagingDir, segmentFile), raw, 0644); err != nil {
		return common.ErrIoError("snapshot: stage segment", err)
	}

	return s.mgr.Restore(collectionName, stagingDir)
}

func compress(raw []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(raw)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(raw, dst)
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrInternal, "snapshot: lz4 compress", err)
	}
	buf := dst[:n]
	// Prefix with the uncompressed length so decompress can size its
	// output buffer without guessing.
	out := make([]byte, 8+len(buf))
	putUint64(out, uint64(len(raw)))
	copy(out[8:], buf)
	return out, nil
}

func decompress(data []byte) ([]byte, error) {
	if len(data) < 8 {
		return nil, common.NewError(common.ErrStorageCorrupted, "snapshot: archive too short")
	}
	rawLen := getUint64(data)
	dst := make([]byte, rawLen)
	n, err := lz4.UncompressBlock(data[8:], dst)
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrStorageCorrupted, "snapshot: lz4 decompress", err)
	}
	return dst[:n], nil
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
