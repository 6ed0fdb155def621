package collection

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"vecengine/internal/common"
	"vecengine/internal/record"
	"vecengine/internal/segment"
)

const segmentFile = "vectors.bin"

// Storage binds a manifest and a vector segment under one collection
// directory. It validates dimension/finiteness on insert and leaves
// indexing to the caller (the collection manager).
type Storage struct {
	mu       sync.RWMutex
	dir      string
	manifest *Manifest
	seg      *segment.Segment
	count    int64 // O(1) counter per spec's stats() contract
}

// Create makes the collection directory, writes metadata.json, and opens
// an empty segment.
func Create(rootDir string, m *Manifest) (*Storage, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	dir := filepath.Join(rootDir, m.Name)
	if _, err := os.Stat(dir); err == nil {
		return nil, common.NewError(common.ErrAlreadyExists, "collection directory already exists")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, common.ErrIoError("collection: mkdir", err)
	}
	m.CreatedAt = common.Now()
	if err := WriteManifest(dir, m); err != nil {
		return nil, err
	}
	seg, err := segment.Open(filepath.Join(dir, segmentFile), segment.Options{})
	if err != nil {
		return nil, err
	}
	return &Storage{dir: dir, manifest: m, seg: seg}, nil
}

// Load reads an existing collection directory: manifest then segment,
// computing the true end-of-data by scanning the segment.
func Load(rootDir, name string, opts segment.Options) (*Storage, error) {
	dir := filepath.Join(rootDir, name)
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	seg, err := segment.Open(filepath.Join(dir, segmentFile), opts)
	if err != nil {
		return nil, err
	}
	s := &Storage{dir: dir, manifest: m, seg: seg}
	var n int64
	_ = seg.IterRecords(func(offset int64, v *record.Vector) error {
		n++
		return nil
	}, nil)
	s.count = n
	return s, nil
}

func (s *Storage) Dir() string          { return s.dir }
func (s *Storage) Manifest() *Manifest  { return s.manifest }

// Insert validates dimension and finiteness, encodes, appends to the
// segment, and returns the committed byte offset.
func (s *Storage) Insert(v *record.Vector) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(v.Data) != s.manifest.Dimension {
		return 0, common.NewError(common.ErrInvalidInput, "vector dimension does not match collection").
			WithContext("expected", s.manifest.Dimension).WithContext("got", len(v.Data))
	}
	if err := record.Validate(v.Data); err != nil {
		return 0, err
	}
	frame, err := record.Encode(v)
	if err != nil {
		return 0, err
	}
	offset, err := s.seg.Append(frame)
	if err != nil {
		return 0, err
	}
	atomic.AddInt64(&s.count, 1)
	return offset, nil
}

// Scan iterates every record in the segment in append order, for index
// rebuild at startup.
func (s *Storage) Scan(fn func(offset int64, v *record.Vector) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seg.IterRecords(fn, nil)
}

type Stats struct {
	RecordCount int64
	BytesOnDisk int64
}

func (s *Storage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{RecordCount: atomic.LoadInt64(&s.count), BytesOnDisk: s.seg.LastOffset()}
}

// SetCommittedSequence persists the WAL watermark alongside the manifest,
// used by startup replay to skip entries already reflected in storage.
func (s *Storage) SetCommittedSequence(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.manifest.CommittedSequence = seq
	return WriteManifest(s.dir, s.manifest)
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seg.Close()
}

func (s *Storage) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seg.Sync()
}
