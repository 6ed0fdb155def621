// Package segment implements the append-only memory-mapped vector store
// (`vectors.bin`) described for a collection: records are framed by
// internal/record and appended past a scanned end-of-data offset, with the
// backing file grown by doubling when the mapped region fills up.
package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"vecengine/internal/common"
	"vecengine/internal/record"
)

const (
	headerMagic     = "VSEG"
	headerSize      = 32
	defaultInitial  = 1 * 1024 * 1024  // 1 MiB, per config default
	defaultGrowStep = 64 * 1024 * 1024 // 64 MiB minimum growth step
)

// header occupies the first headerSize bytes of the mapped file.
//
//	magic[4] | version uint32 | dataEnd uint64 | reserved[16]
type header struct {
	magic   [4]byte
	version uint32
	dataEnd uint64
}

// CorruptionEvent is surfaced to callers rebuilding an index from a segment
// when a record fails its checksum partway through the file, so the
// operator can choose between truncating or restoring from a snapshot.
type CorruptionEvent struct {
	Offset int64
	Err    error
}

// Segment is an append-only, memory-mapped, length-framed record log.
type Segment struct {
	mu         sync.RWMutex
	path       string
	file       *os.File
	data       []byte
	mappedSize int64
	dataEnd    int64
	growStep   int64
	closed     bool
}

// Options configures initial size and growth behavior; zero values take
// the spec's defaults (1 MiB initial, 64 MiB growth step).
type Options struct {
	InitialBytes int64
	GrowthBytes  int64
}

// Open mmaps path, creating it with Options.InitialBytes if absent, and
// scans from just past the header to find the true end of valid data. Any trailing
// partial frame is left in place and will be overwritten by the next
// Append; a checksum failure before the scanned end is fatal (Corruption).
func Open(path string, opts Options) (*Segment, error) {
	initial := opts.InitialBytes
	if initial <= 0 {
		initial = defaultInitial
	}
	growStep := opts.GrowthBytes
	if growStep <= 0 {
		growStep = defaultGrowStep
	}

	existed := true
	if _, err := os.Stat(path); os.IsNotExist(err) {
		existed = false
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, common.ErrIoError("segment: open file", err)
	}

	s := &Segment{path: path, file: f, growStep: growStep}

	if !existed {
		if err := f.Truncate(initial); err != nil {
			f.Close()
			return nil, common.ErrIoError("segment: truncate new file", err)
		}
		if err := s.mapRegion(initial); err != nil {
			f.Close()
			return nil, err
		}
		s.writeHeader(headerSize)
		s.dataEnd = headerSize
		return s, nil
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, common.ErrIoError("segment: stat file", err)
	}
	size := info.Size()
	if size < headerSize {
		f.Close()
		return nil, common.NewError(common.ErrStorageCorrupted, "segment: file smaller than header")
	}
	if err := s.mapRegion(size); err != nil {
		f.Close()
		return nil, err
	}

	hdr := s.readHeader()
	if string(hdr.magic[:]) != headerMagic {
		s.Close()
		return nil, common.NewError(common.ErrStorageCorrupted, "segment: bad magic, obsolete or foreign format").
			WithContext("path", path)
	}

	if err := s.scan(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Segment) mapRegion(size int64) error {
	data, err := unix.Mmap(int(s.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return common.ErrIoError("segment: mmap", err)
	}
	s.data = data
	s.mappedSize = size
	return nil
}

func (s *Segment) writeHeader(dataEnd int64) {
	copy(s.data[0:4], headerMagic)
	binary.LittleEndian.PutUint32(s.data[4:8], 1)
	binary.LittleEndian.PutUint64(s.data[8:16], uint64(dataEnd))
}

func (s *Segment) readHeader() header {
	var h header
	copy(h.magic[:], s.data[0:4])
	h.version = binary.LittleEndian.Uint32(s.data[4:8])
	h.dataEnd = binary.LittleEndian.Uint64(s.data[8:16])
	return h
}

// scan walks records from just past the header to the first Truncated or
// Corruption frame, establishing dataEnd as the true commit point. The file
// is preallocated with zeros, so a zero length prefix marks the unwritten
// space past the last append rather than a corrupt frame.
func (s *Segment) scan() error {
	offset := int64(headerSize)
	for offset < s.mappedSize {
		if offset+4 <= s.mappedSize && binary.LittleEndian.Uint32(s.data[offset:offset+4]) == 0 {
			break
		}
		r := bytes.NewReader(s.data[offset:])
		_, n, err := record.Decode(r)
		if err == record.ErrTruncated {
			break
		}
		if err != nil {
			return fmt.Errorf("segment: corruption at offset %d: %w", offset, err)
		}
		offset += int64(n)
	}
	s.dataEnd = offset
	return nil
}

// Append writes one pre-encoded frame, growing the mapping if needed, and
// returns the offset the frame was committed at.
func (s *Segment) Append(frame []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, common.NewError(common.ErrUnavailable, "segment: closed")
	}

	if err := s.ensureSpace(int64(len(frame))); err != nil {
		return 0, err
	}

	offset := s.dataEnd
	copy(s.data[offset:], frame)
	s.dataEnd += int64(len(frame))
	s.writeHeader(s.dataEnd)
	return offset, nil
}

func (s *Segment) ensureSpace(need int64) error {
	if s.dataEnd+need <= s.mappedSize {
		return nil
	}
	newSize := common.MaxInt64(s.mappedSize*2, s.mappedSize+s.growStep)
	for s.dataEnd+need > newSize {
		newSize *= 2
	}

	if err := unix.Munmap(s.data); err != nil {
		return common.ErrIoError("segment: munmap before grow", err)
	}
	if err := s.file.Truncate(newSize); err != nil {
		return common.NewErrorWithCause(common.ErrStorageFull, "segment: grow file", err)
	}
	data, err := unix.Mmap(int(s.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return common.ErrIoError("segment: remap after grow", err)
	}
	s.data = data
	s.mappedSize = newSize
	return nil
}

// IterRecords walks every committed record from the start of the segment,
// invoking fn with its offset. If fn returns an error iteration stops.
// A checksum failure encountered mid-walk is reported via onCorrupt (if
// non-nil) and also stops iteration, matching the fail-fast contract of
// index rebuild.
func (s *Segment) IterRecords(fn func(offset int64, v *record.Vector) error, onCorrupt func(CorruptionEvent)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	offset := int64(headerSize)
	for offset < s.dataEnd {
		r := bytes.NewReader(s.data[offset:s.dataEnd])
		v, n, err := record.Decode(r)
		if err != nil {
			if onCorrupt != nil {
				onCorrupt(CorruptionEvent{Offset: offset, Err: err})
			}
			return err
		}
		if err := fn(offset, v); err != nil {
			return err
		}
		offset += int64(n)
	}
	return nil
}

func (s *Segment) Size() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mappedSize
}

func (s *Segment) LastOffset() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dataEnd
}

func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.data != nil {
		_ = unix.Msync(s.data, unix.MS_SYNC)
		if err := unix.Munmap(s.data); err != nil {
			return common.ErrIoError("segment: munmap", err)
		}
		s.data = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return common.ErrIoError("segment: close file", err)
		}
	}
	return nil
}

// Sync flushes dirty mapped pages to disk. Policy over when to call it
// lives in the collection manager, matching the WAL's sync-policy split.
func (s *Segment) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	return unix.Msync(s.data, unix.MS_SYNC)
}
