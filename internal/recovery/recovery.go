// Package recovery implements the operations the component table calls
// "Recovery & soft-delete": listing and restoring soft-deleted collections
// within their retention window, backup-before-destroy on a hard delete,
// and importing a pre-existing directory as a new collection. Quarantine
// storage and the retention sweep itself live on *manager.Manager, since
// they share its locking with every other lifecycle operation; this
// package is the orchestration layer a caller (CLI, API) actually talks
// to, mirroring how internal/snapshot wraps the same manager.
package recovery

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"vecengine/internal/collection"
	"vecengine/internal/common"
	"vecengine/internal/manager"
)

// Manager is the subset of *manager.Manager this package depends on, named
// explicitly so tests can substitute a fake.
type Manager interface {
	DataDir() string
	DeletedDir() string
	BackupsDir() string
	DeleteCollection(ctx context.Context, name string, hard bool) error
	Undelete(quarantinedName string) error
	ImportCollection(name string, srcDir string, defaults *collection.Manifest) error
}

var _ Manager = (*manager.Manager)(nil)

// QuarantinedCollection describes one entry under `.deleted/`.
type QuarantinedCollection struct {
	QuarantinedName string // the directory name, "<original>_<unix-nanos>"
	OriginalName    string
	DeletedAtNanos  int64
}

// Service answers recovery operations against a wrapped manager.
type Service struct {
	mgr Manager
}

func New(mgr Manager) *Service {
	return &Service{mgr: mgr}
}

// ListQuarantined returns every soft-deleted collection whose directory is
// still present under `.deleted/`, newest deletion first; entries are not
// filtered by age against the retention window.
func (s *Service) ListQuarantined() ([]QuarantinedCollection, error) {
	entries, err := os.ReadDir(s.mgr.DeletedDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, common.ErrIoError("recovery: list quarantined", err)
	}
	out := make([]QuarantinedCollection, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		original, deletedAt, ok := parseQuarantineName(e.Name())
		if !ok {
			continue
		}
		out = append(out, QuarantinedCollection{
			QuarantinedName: e.Name(),
			OriginalName:    original,
			DeletedAtNanos:  deletedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAtNanos > out[j].DeletedAtNanos })
	return out, nil
}

// parseQuarantineName splits "<original>_<unix-nanos>" at its final
// underscore; the suffix after it is always a run of digits.
func parseQuarantineName(name string) (original string, deletedAtNanos int64, ok bool) {
	idx := strings.LastIndexByte(name, '_')
	if idx < 0 || idx == len(name)-1 {
		return "", 0, false
	}
	nanos, err := strconv.ParseInt(name[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return name[:idx], nanos, true
}

// Restore un-quarantines a soft-deleted collection, reproducing it under
// its original name exactly as it was at delete time. Fails with Conflict
// if a live collection already occupies that name.
func (s *Service) Restore(quarantinedName string) error {
	return s.mgr.Undelete(quarantinedName)
}

// HardDelete permanently removes a live collection. Ahead of the removal
// it copies the collection's current manifest and segment into
// `.backups/<name>_<unix-nanos>/` so the data is not immediately
// unrecoverable, then asks the manager to delete both the live directory
// and any quarantined copies from an earlier soft delete.
func (s *Service) HardDelete(ctx context.Context, name string, nowUnixNanos int64) error {
	srcDir := filepath.Join(s.mgr.DataDir(), name)
	if err := backupDir(srcDir, filepath.Join(s.mgr.BackupsDir(), name+"_"+strconv.FormatInt(nowUnixNanos, 10))); err != nil {
		return err
	}
	return s.mgr.DeleteCollection(ctx, name, true)
}

// backupDir copies metadata.json and vectors.bin from src into a fresh
// dest directory. It is a best-effort safety copy, not a checksummed
// artifact like internal/snapshot's; a missing source file (for instance a
// collection with no vectors yet written) is not an error.
func backupDir(src, dest string) error {
	if err := os.MkdirAll(dest, 0755); err != nil {
		return common.ErrIoError("recovery: create backup dir", err)
	}
	for _, f := range []string{"metadata.json", "vectors.bin"} {
		data, err := os.ReadFile(filepath.Join(src, f))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return common.ErrIoError("recovery: read "+f+" for backup", err)
		}
		if err := os.WriteFile(filepath.Join(dest, f), data, 0644); err != nil {
			return common.ErrIoError("recovery: write "+f+" backup copy", err)
		}
	}
	return nil
}

// Import registers an existing directory (a segment, optionally a
// manifest) as a new collection named name. When the directory has no
// metadata.json, one is synthesized from defaults.
func (s *Service) Import(name string, srcDir string, defaults *collection.Manifest) error {
	return s.mgr.ImportCollection(name, srcDir, defaults)
}
