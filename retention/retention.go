// retention/retention.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package retention bounds the number of historical versions kept for
// each backed-up path. When a path has more than the allowed number of
// versions, the oldest one is evicted: its entry is removed from the
// snapshot that stored it and its blob is deleted once nothing retained
// refers to it.
package retention

import (
	"errors"
	"io/fs"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
	"github.com/mmp/snapsafe/rdso"
	"github.com/mmp/snapsafe/snapshot"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// DefaultMaxVersions is the number of versions of each path that are
// retained if not otherwise configured.
const DefaultMaxVersions = 3

// SnapshotReference identifies one stored version of a path: its
// content hash and the snapshot that stored it.
type SnapshotReference struct {
	Hash     string `json:"hash"`
	Snapshot string `json:"snapshot"`
}

// Manager tracks the versions of every path backed up to one
// destination's blob store.
type Manager struct {
	// Newest first.
	VersionIndex map[string][]SnapshotReference `json:"version_index"`
	MaxVersions  int                            `json:"max_versions"`
	BlobsDir     string                         `json:"blobs_dir"`

	blobs storage.Backend
}

func NewManager(blobsDir string, maxVersions int) *Manager {
	return &Manager{
		VersionIndex: make(map[string][]SnapshotReference),
		MaxVersions:  max(maxVersions, 1),
		BlobsDir:     blobsDir,
	}
}

// Attach sets the blob store that evictions delete from. If none is
// attached, a disk backend for BlobsDir is used.
func (m *Manager) Attach(b storage.Backend) {
	m.blobs = b
}

func (m *Manager) backend() (storage.Backend, error) {
	if m.blobs == nil {
		b, err := storage.NewDisk(m.BlobsDir)
		if err != nil {
			return nil, err
		}
		m.blobs = b
	}
	return m.blobs, nil
}

// Versions returns the retained versions of path, newest first.
func (m *Manager) Versions(path string) []SnapshotReference {
	return m.VersionIndex[path]
}

// RegisterFile records that owningSnapshot stored contents with the
// given hash for path. Registering the hash that is already the newest
// version is a no-op. If the path then has too many versions, the
// oldest are evicted.
func (m *Manager) RegisterFile(path, hash, owningSnapshot string) error {
	return m.RegisterFiles(map[string]string{path: hash}, owningSnapshot)
}

// RegisterFiles is like RegisterFile for all of the path -> hash pairs
// stored by one snapshot. Every new version is recorded before any
// eviction, so contents the snapshot stores under one path are never
// deleted because an older version of another path is evicted.
func (m *Manager) RegisterFiles(files map[string]string, owningSnapshot string) error {
	if m.VersionIndex == nil {
		m.VersionIndex = make(map[string][]SnapshotReference)
	}
	paths := make([]string, 0, len(files))
	for path, hash := range files {
		refs := m.VersionIndex[path]
		if len(refs) == 0 || refs[0].Hash != hash {
			m.VersionIndex[path] = append([]SnapshotReference{{Hash: hash, Snapshot: owningSnapshot}}, refs...)
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	for _, path := range paths {
		if err := m.trim(path); err != nil {
			return err
		}
	}
	return nil
}

// SetMaxVersions changes the version limit, evicting versions of any
// path that now has too many.
func (m *Manager) SetMaxVersions(n int) error {
	n = max(n, 1)
	shrink := n < m.MaxVersions
	m.MaxVersions = n
	if !shrink {
		return nil
	}
	for path := range m.VersionIndex {
		if err := m.trim(path); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) trim(path string) error {
	if m.MaxVersions < 1 {
		m.MaxVersions = 1
	}
	for len(m.VersionIndex[path]) > m.MaxVersions {
		refs := m.VersionIndex[path]
		oldest := refs[len(refs)-1]
		if err := m.evict(path, oldest); err != nil {
			return err
		}
		m.VersionIndex[path] = refs[:len(refs)-1]
	}
	return nil
}

func (m *Manager) evict(path string, ref SnapshotReference) error {
	log.Verbose("%s: evicting version %s from %s", path, ref.Hash, filepath.Base(ref.Snapshot))

	// Drop the entry from the snapshot that stored it. That snapshot
	// must be readable; otherwise our records and the blob store would
	// diverge.
	if err := snapshot.Edit(ref.Snapshot, func(s *snapshot.Snapshot) bool {
		if fe, ok := s.Files[path]; ok && fe.Hash == ref.Hash {
			delete(s.Files, path)
			return true
		}
		return false
	}); err != nil {
		return u.WrapError(u.KindInvalidSnapshotLayout, err, "evict "+path)
	}

	if m.referenced(ref.Hash, path, ref.Snapshot) {
		// Another retained version (of this or some other path) has the
		// same contents.
		return nil
	}

	// Later snapshots may have carried the entry forward; they can't keep
	// referring to a blob that's about to go away.
	if err := m.dropCarried(ref.Hash); err != nil {
		return err
	}

	blobs, err := m.backend()
	if err != nil {
		return err
	}
	h, err := storage.ParseHash(ref.Hash)
	if err != nil {
		return u.WrapError(u.KindSerialization, err, path)
	}
	return blobs.Remove(h)
}

// Reports whether any retained reference other than the one identified
// by (path, owner) names hash.
func (m *Manager) referenced(hash, path, owner string) bool {
	for p, refs := range m.VersionIndex {
		for _, r := range refs {
			if r.Hash == hash && !(p == path && r.Snapshot == owner) {
				return true
			}
		}
	}
	return false
}

func (m *Manager) dropCarried(hash string) error {
	dir := snapshot.Dir(filepath.Dir(m.BlobsDir))
	paths, err := snapshot.List(dir)
	if err != nil {
		return err
	}
	for _, sp := range paths {
		if err := snapshot.Edit(sp, func(s *snapshot.Snapshot) bool {
			modified := false
			for p, fe := range s.Files {
				if fe.Hash == hash {
					log.Debug("%s: dropping %s from %s", p, hash, filepath.Base(sp))
					delete(s.Files, p)
					modified = true
				}
			}
			return modified
		}); err != nil {
			return err
		}
	}
	return nil
}

// ForgetSnapshot removes all references owned by the snapshot at
// snapshotPath, e.g. because it was deleted.
func (m *Manager) ForgetSnapshot(snapshotPath string) {
	for path, refs := range m.VersionIndex {
		kept := refs[:0]
		for _, r := range refs {
			if r.Snapshot != snapshotPath {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(m.VersionIndex, path)
		} else {
			m.VersionIndex[path] = kept
		}
	}
}

// References returns the set of hashes named by retained references.
func (m *Manager) References() map[string]struct{} {
	r := make(map[string]struct{})
	for _, refs := range m.VersionIndex {
		for _, ref := range refs {
			r[ref.Hash] = struct{}{}
		}
	}
	return r
}

///////////////////////////////////////////////////////////////////////////
// Index

// Index holds the Managers of all destinations on this machine, keyed
// by blob directory. It is persisted as a single JSON file.
type Index map[string]*Manager

// LoadIndex reads the index at path; a missing or empty file gives an
// empty index.
func LoadIndex(path string) (Index, error) {
	ix := make(Index)
	_, err := rdso.ReadRepaired(path, func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		return json.Unmarshal(b, &ix)
	}, log)
	var pe *fs.PathError
	if errors.Is(err, fs.ErrNotExist) {
		return make(Index), nil
	} else if errors.As(err, &pe) {
		return nil, u.WrapError(u.KindIO, err, path)
	} else if err != nil {
		return nil, u.WrapError(u.KindSerialization, err, path)
	}

	for dir, m := range ix {
		if m == nil {
			delete(ix, dir)
			continue
		}
		if m.VersionIndex == nil {
			m.VersionIndex = make(map[string][]SnapshotReference)
		}
		m.BlobsDir = dir
	}
	return ix, nil
}

// Save writes the index and its parity file.
func (ix Index) Save(path string) error {
	b, err := json.MarshalIndent(ix, "", "  ")
	if err != nil {
		return u.WrapError(u.KindSerialization, err, path)
	}
	if err := rdso.WriteWithParity(path, b); err != nil {
		return u.WrapError(u.KindIO, err, path)
	}
	return nil
}

// Manager returns the manager for blobsDir, creating it if necessary,
// with its limit set to maxVersions.
func (ix Index) Manager(blobsDir string, maxVersions int) (*Manager, error) {
	m, ok := ix[blobsDir]
	if !ok {
		m = NewManager(blobsDir, maxVersions)
		ix[blobsDir] = m
		return m, nil
	}
	return m, m.SetMaxVersions(maxVersions)
}

// UpdateIndex loads the index at path, calls fn, and saves the result,
// all while holding the index's lock. If fn fails, the index is still
// saved, since fn's evictions may already have modified blobs and
// snapshots; the error is returned.
func UpdateIndex(path string, fn func(ix Index) error) error {
	return u.WithFileLock(path, func() error {
		ix, err := LoadIndex(path)
		if err != nil {
			return err
		}
		ferr := fn(ix)
		if err := ix.Save(path); err != nil {
			return err
		}
		return ferr
	})
}
