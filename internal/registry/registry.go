// Package registry is a durable collection catalog backed by badger,
// giving the manager a name -> manifest path / quarantine-timestamp /
// committed-sequence index it can consult without re-scanning the data
// directory on every lookup. It supplements rather than replaces the
// segment-rebuild recovery path in internal/manager: even with a missing
// or corrupted registry, rebuildFromDisk can always reconstruct every
// collection directly from its on-disk manifest and segment.
package registry

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v4"

	"vecengine/internal/common"
)

// CollectionEntry is the catalog record for one live collection.
type CollectionEntry struct {
	Name              string `json:"name"`
	ManifestPath      string `json:"manifest_path"`
	Dimension         int    `json:"dimension"`
	DistanceMetric    string `json:"distance_metric"`
	CommittedSequence uint64 `json:"committed_sequence"`
}

// QuarantineEntry is the catalog record for one soft-deleted collection. It
// is written on soft delete and removed on undelete or hard delete; the
// retention sweep removes the directory but not this entry.
type QuarantineEntry struct {
	QuarantinedName   string `json:"quarantined_name"`
	OriginalName      string `json:"original_name"`
	DeletedAtUnixNano int64  `json:"deleted_at_unix_nano"`
}

const (
	collectionPrefix = "col:"
	quarantinePrefix = "qtn:"
)

// Registry wraps an embedded badger store scoped to one data directory.
type Registry struct {
	db *badger.DB
}

// Open opens (creating if absent) the registry database at dir.
func Open(dir string) (*Registry, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrIo, "registry: open", err)
	}
	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	if err := r.db.Close(); err != nil {
		return common.ErrIoError("registry: close", err)
	}
	return nil
}

func (r *Registry) put(key string, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return common.NewErrorWithCause(common.ErrInternal, "registry: marshal", err)
	}
	if err := r.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), raw)
	}); err != nil {
		return common.NewErrorWithCause(common.ErrIo, "registry: put "+key, err)
	}
	return nil
}

func (r *Registry) delete(key string) error {
	err := r.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(key))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
	if err != nil {
		return common.NewErrorWithCause(common.ErrIo, "registry: delete "+key, err)
	}
	return nil
}

func listPrefix[T any](r *Registry, prefix string) ([]T, error) {
	var out []T
	err := r.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix([]byte(prefix)); it.Next() {
			var entry T
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, common.NewErrorWithCause(common.ErrIo, "registry: list "+prefix, err)
	}
	return out, nil
}

// PutCollection upserts a collection's catalog entry.
func (r *Registry) PutCollection(e CollectionEntry) error {
	return r.put(collectionPrefix+e.Name, e)
}

// DeleteCollection removes a collection's catalog entry.
func (r *Registry) DeleteCollection(name string) error {
	return r.delete(collectionPrefix + name)
}

// ListCollections returns the catalog entry for every live collection.
func (r *Registry) ListCollections() ([]CollectionEntry, error) {
	return listPrefix[CollectionEntry](r, collectionPrefix)
}

// UpdateWatermark advances a collection's committed-sequence field without
// touching the rest of its entry; a no-op if the collection has no entry
// yet (e.g. mid-import).
func (r *Registry) UpdateWatermark(name string, seq uint64) error {
	var e CollectionEntry
	found := false
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(collectionPrefix + name))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error { return json.Unmarshal(val, &e) })
	})
	if err != nil {
		return common.NewErrorWithCause(common.ErrIo, "registry: read for watermark update", err)
	}
	if !found {
		return nil
	}
	e.CommittedSequence = seq
	return r.PutCollection(e)
}

// PutQuarantine upserts a soft-deleted collection's catalog entry.
func (r *Registry) PutQuarantine(e QuarantineEntry) error {
	return r.put(quarantinePrefix+e.QuarantinedName, e)
}

// DeleteQuarantine removes a quarantined collection's catalog entry.
func (r *Registry) DeleteQuarantine(quarantinedName string) error {
	return r.delete(quarantinePrefix + quarantinedName)
}

// ListQuarantine returns the catalog entry for every quarantined collection.
func (r *Registry) ListQuarantine() ([]QuarantineEntry, error) {
	return listPrefix[QuarantineEntry](r, quarantinePrefix)
}
