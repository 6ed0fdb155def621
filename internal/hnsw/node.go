package hnsw

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// noEntryPoint marks an empty graph's entry point field.
const noEntryPoint = ^uint32(0)

// node is one vertex in the arena. Its vector and external id are fixed at
// construction; neighbor lists are copy-on-write so a reader holding a
// snapshot slice never observes a half-updated list while the writer
// prunes or extends it (see the graph's concurrency contract).
type node struct {
	externalID uuid.UUID
	vector     []float32
	topLevel   int
	neighbors  []atomic.Pointer[[]uint32] // len == topLevel+1, one per layer
	deleted    atomic.Bool
}

func newNode(id uuid.UUID, vector []float32, topLevel int) *node {
	n := &node{
		externalID: id,
		vector:     vector,
		topLevel:   topLevel,
		neighbors:  make([]atomic.Pointer[[]uint32], topLevel+1),
	}
	return n
}

func (n *node) links(layer int) []uint32 {
	if layer > n.topLevel {
		return nil
	}
	p := n.neighbors[layer].Load()
	if p == nil {
		return nil
	}
	return *p
}

func (n *node) setLinks(layer int, links []uint32) {
	cp := append([]uint32(nil), links...)
	n.neighbors[layer].Store(&cp)
}
