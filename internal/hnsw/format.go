package hnsw

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"
	"sync/atomic"

	"github.com/google/uuid"

	"vecengine/internal/common"
)

// On-disk snapshot format for a graph, used purely as a warm-start cache:
// a collection always remains recoverable by rebuilding the index from its
// segment (internal/collection.Storage.Scan) and replaying the WAL tail, so
// a missing, truncated or version-mismatched snapshot file is never fatal,
// only slower to open. Layout, modeled on the pack's index file headers:
//
//	header:  magic(4) version(4) nodeCount(4) entryPoint(4) dim(4)
//	node:    id(16) topLevel(4) vector(dim*4) [layer: linkCount(4) links(linkCount*4)]*
const (
	snapshotMagic   uint32 = 0x484e5357 // "HNSW"
	snapshotVersion uint32 = 1
)

// Save writes the full graph state to w. It does not take g.mu, so callers
// should ensure no Insert/Delete runs concurrently (the manager does this
// by snapshotting only while holding its own per-collection lock, whose
// write side every Insert/Delete takes).
func (g *Graph) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)

	g.nodesMu.RLock()
	nodeCount := uint32(len(g.nodes))
	nodes := make([]*node, nodeCount)
	for i := range nodes {
		nodes[i] = g.nodes[i].Load()
	}
	g.nodesMu.RUnlock()

	header := make([]byte, 20)
	binary.LittleEndian.PutUint32(header[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:8], snapshotVersion)
	binary.LittleEndian.PutUint32(header[8:12], nodeCount)
	binary.LittleEndian.PutUint32(header[12:16], g.entryPoint.Load())
	binary.LittleEndian.PutUint32(header[16:20], uint32(g.cfg.Dimension))
	if _, err := bw.Write(header); err != nil {
		return common.ErrIoError("hnsw: write snapshot header", err)
	}

	var buf [4]byte
	for _, n := range nodes {
		if n == nil {
			continue
		}
		idBytes, _ := n.externalID.MarshalBinary()
		if _, err := bw.Write(idBytes); err != nil {
			return common.ErrIoError("hnsw: write node id", err)
		}
		binary.LittleEndian.PutUint32(buf[:], uint32(n.topLevel))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
		for _, f := range n.vector {
			binary.LittleEndian.PutUint32(buf[:], float32bits(f))
			if _, err := bw.Write(buf[:]); err != nil {
				return err
			}
		}
		for lvl := 0; lvl <= n.topLevel; lvl++ {
			links := n.links(lvl)
			binary.LittleEndian.PutUint32(buf[:], uint32(len(links)))
			if _, err := bw.Write(buf[:]); err != nil {
				return err
			}
			for _, l := range links {
				binary.LittleEndian.PutUint32(buf[:], l)
				if _, err := bw.Write(buf[:]); err != nil {
					return err
				}
			}
		}
	}
	return bw.Flush()
}

// Load replaces a freshly-constructed graph's contents with a snapshot
// written by Save. The graph's Config must already match the snapshot's
// dimension; a mismatch is reported as corruption rather than silently
// truncating vectors.
func (g *Graph) Load(r io.Reader) error {
	br := bufio.NewReader(r)
	header := make([]byte, 20)
	if _, err := io.ReadFull(br, header); err != nil {
		return common.NewErrorWithCause(common.ErrStorageCorrupted, "hnsw: truncated snapshot header", err)
	}
	if binary.LittleEndian.Uint32(header[0:4]) != snapshotMagic {
		return common.NewError(common.ErrStorageCorrupted, "hnsw: bad snapshot magic")
	}
	if binary.LittleEndian.Uint32(header[4:8]) != snapshotVersion {
		return common.NewError(common.ErrStorageCorrupted, "hnsw: unsupported snapshot version")
	}
	nodeCount := binary.LittleEndian.Uint32(header[8:12])
	entryPoint := binary.LittleEndian.Uint32(header[12:16])
	dim := int(binary.LittleEndian.Uint32(header[16:20]))
	if dim != g.cfg.Dimension {
		return common.NewError(common.ErrStorageCorrupted, "hnsw: snapshot dimension does not match collection")
	}

	nodes := make([]*node, nodeCount)
	idMap := make(map[uuid.UUID]uint32, nodeCount)
	buf := make([]byte, 4)

	for i := uint32(0); i < nodeCount; i++ {
		idBytes := make([]byte, 16)
		if _, err := io.ReadFull(br, idBytes); err != nil {
			return common.NewErrorWithCause(common.ErrStorageCorrupted, "hnsw: truncated node id", err)
		}
		id, err := uuid.FromBytes(idBytes)
		if err != nil {
			return common.NewErrorWithCause(common.ErrStorageCorrupted, "hnsw: invalid node id", err)
		}
		if _, err := io.ReadFull(br, buf); err != nil {
			return common.NewErrorWithCause(common.ErrStorageCorrupted, "hnsw: truncated top level", err)
		}
		topLevel := int(binary.LittleEndian.Uint32(buf))

		vector := make([]float32, dim)
		for j := 0; j < dim; j++ {
			if _, err := io.ReadFull(br, buf); err != nil {
				return common.NewErrorWithCause(common.ErrStorageCorrupted, "hnsw: truncated vector", err)
			}
			vector[j] = float32frombits(binary.LittleEndian.Uint32(buf))
		}

		n := newNode(id, vector, topLevel)
		for lvl := 0; lvl <= topLevel; lvl++ {
			if _, err := io.ReadFull(br, buf); err != nil {
				return common.NewErrorWithCause(common.ErrStorageCorrupted, "hnsw: truncated link count", err)
			}
			count := binary.LittleEndian.Uint32(buf)
			links := make([]uint32, count)
			for k := uint32(0); k < count; k++ {
				if _, err := io.ReadFull(br, buf); err != nil {
					return common.NewErrorWithCause(common.ErrStorageCorrupted, "hnsw: truncated link", err)
				}
				links[k] = binary.LittleEndian.Uint32(buf)
			}
			n.setLinks(lvl, links)
		}
		nodes[i] = n
		idMap[id] = i
	}

	g.nodesMu.Lock()
	g.nodes = make([]atomic.Pointer[node], nodeCount)
	for i, n := range nodes {
		g.nodes[i].Store(n)
	}
	g.nodesMu.Unlock()
	g.idMap = idMap
	g.entryPoint.Store(entryPoint)
	g.count.Store(int64(len(idMap)))
	return nil
}

func float32bits(f float32) uint32     { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }
