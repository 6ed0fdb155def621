// Package feed optionally publishes committed WAL operations to NATS, the
// concrete realization of "an append log that could later feed
// replication": a future consumer subscribes to a collection's subject and
// mirrors the operation stream, but nothing in this repo reads it back.
// With no address configured, Publisher.Publish is a no-op.
package feed

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"vecengine/internal/common"
	"vecengine/internal/config"
	"vecengine/internal/wal"
)

// Publisher sends committed WAL entries to NATS, one subject per
// collection ("<subject-prefix>.<collection>"). A Publisher with no
// underlying connection (disabled in config) accepts every call silently.
type Publisher struct {
	conn          *nats.Conn
	subjectPrefix string

	mu sync.Mutex
}

// connHandlers centralizes the reconnect/error logging every NATS client
// in the pack wires up; kept here rather than duplicated per call site.
func connHandlers() []nats.Option {
	return []nats.Option{
		nats.ReconnectHandler(func(nc *nats.Conn) {
			fmt.Printf("📋 feed: reconnected to %s\n", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				fmt.Printf("🛑 feed: disconnected: %v\n", err)
			}
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			fmt.Printf("🛑 feed: async error: %v\n", err)
		}),
	}
}

// New connects to the configured NATS server and returns a live Publisher.
// If cfg.NatsAddress is empty, it returns a disabled Publisher whose
// Publish calls are no-ops; Close is always safe to call.
func New(cfg config.FeedConfig) (*Publisher, error) {
	if cfg.NatsAddress == "" {
		return &Publisher{subjectPrefix: cfg.Subject}, nil
	}
	nc, err := nats.Connect(cfg.NatsAddress, connHandlers()...)
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrUnavailable, "feed: connect", err)
	}
	subject := cfg.Subject
	if subject == "" {
		subject = "vecengine.ops"
	}
	return &Publisher{conn: nc, subjectPrefix: subject}, nil
}

// Entry is what gets published for one committed WAL operation: enough to
// reconstruct the write, namespaced by collection and carrying the
// committed sequence number for a downstream consumer to track its own
// watermark against.
type Entry struct {
	Collection string     `json:"collection"`
	Sequence   uint64     `json:"sequence"`
	Op         wal.OpType `json:"op"`
	VectorID   string     `json:"vector_id,omitempty"`
	HardDelete bool       `json:"hard_delete,omitempty"`
}

// Publish sends one committed operation's feed entry. A disabled
// Publisher (no connection) silently drops it.
func (p *Publisher) Publish(collection string, seq uint64, op *wal.Operation) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil
	}

	vectorID := ""
	if op.VectorID != [16]byte{} {
		vectorID = op.VectorID.String()
	}
	data, err := json.Marshal(Entry{
		Collection: collection,
		Sequence:   seq,
		Op:         op.Type,
		VectorID:   vectorID,
		HardDelete: op.HardDelete,
	})
	if err != nil {
		return common.NewErrorWithCause(common.ErrInternal, "feed: marshal entry", err)
	}
	subject := p.subjectPrefix + "." + collection
	if err := conn.Publish(subject, data); err != nil {
		return common.NewErrorWithCause(common.ErrUnavailable, "feed: publish", err)
	}
	return nil
}

// Close releases the underlying NATS connection, if any.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
