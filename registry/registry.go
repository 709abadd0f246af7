// registry/registry.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package registry maintains the list of backup destinations known on
// this machine: where each one's contents came from, the password it is
// bound to, its compression algorithm, and how many snapshots it holds.
package registry

import (
	"errors"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/mmp/snapsafe/password"
	"github.com/mmp/snapsafe/rdso"
	u "github.com/mmp/snapsafe/util"
)

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

// FileName is the registry's name within the registry directory.
const FileName = "backup_registry.json"

// BackupEntry describes one source to destination backup relationship.
// BackupPath is unique across the registry.
type BackupEntry struct {
	ID                   string            `json:"id"`
	Timestamp            time.Time         `json:"timestamp"`
	OriginPath           string            `json:"origin_path"`
	BackupPath           string            `json:"backup_path"`
	Password             password.Password `json:"password"`
	SnapshotCount        int               `json:"snapshot_count"`
	CompressionAlgorithm string            `json:"compression_algorithm"`
}

// NewEntry returns an entry with a fresh ID for a destination's first
// snapshot.
func NewEntry(origin, dest string, pw password.Password, compression string) BackupEntry {
	return BackupEntry{
		ID:                   uuid.NewString(),
		Timestamp:            time.Now().UTC(),
		OriginPath:           origin,
		BackupPath:           dest,
		Password:             pw,
		SnapshotCount:        1,
		CompressionAlgorithm: compression,
	}
}

// Registry is the ordered collection of entries.
type Registry struct {
	Entries []BackupEntry
}

// Path returns the registry file's path within registryDir.
func Path(registryDir string) string {
	return filepath.Join(registryDir, FileName)
}

// Load reads the registry at path. A missing or empty file is an empty
// registry.
func Load(path string) (*Registry, error) {
	var r Registry
	_, err := rdso.ReadRepaired(path, func(b []byte) error {
		if len(b) == 0 {
			return nil
		}
		return json.Unmarshal(b, &r.Entries)
	}, log)
	var pe *fs.PathError
	if errors.Is(err, fs.ErrNotExist) {
		return &Registry{}, nil
	} else if errors.As(err, &pe) {
		return nil, u.WrapError(u.KindIO, err, path)
	} else if err != nil {
		return nil, u.WrapError(u.KindSerialization, err, path)
	}
	return &r, nil
}

// Save writes the registry and its parity file.
func (r *Registry) Save(path string) error {
	entries := r.Entries
	if entries == nil {
		entries = []BackupEntry{}
	}
	b, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return u.WrapError(u.KindSerialization, err, path)
	}
	if err := rdso.WriteWithParity(path, b); err != nil {
		return u.WrapError(u.KindIO, err, path)
	}
	return nil
}

// Update loads the registry at path, calls fn, and saves the result if
// fn succeeds, all while holding the registry's lock.
func Update(path string, fn func(r *Registry) error) error {
	return u.WithFileLock(path, func() error {
		r, err := Load(path)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		return r.Save(path)
	})
}

// FindEntry returns the entry for the given source and destination.
func (r *Registry) FindEntry(src, dest string) (BackupEntry, bool) {
	for _, e := range r.Entries {
		if e.OriginPath == src && e.BackupPath == dest {
			return e, true
		}
	}
	return BackupEntry{}, false
}

// FindEntryFromDest returns the entry for the given destination.
func (r *Registry) FindEntryFromDest(dest string) (BackupEntry, bool) {
	for _, e := range r.Entries {
		if e.BackupPath == dest {
			return e, true
		}
	}
	return BackupEntry{}, false
}

// AddBackup inserts e or replaces the entry with the same ID. An entry
// with no snapshots is removed instead.
func (r *Registry) AddBackup(e BackupEntry) {
	for i := range r.Entries {
		if r.Entries[i].ID == e.ID {
			if e.SnapshotCount <= 0 {
				r.Entries = append(r.Entries[:i], r.Entries[i+1:]...)
			} else {
				r.Entries[i] = e
			}
			return
		}
	}
	if e.SnapshotCount > 0 {
		r.Entries = append(r.Entries, e)
	}
}

// RemoveBackup removes the entry with e's ID, if present.
func (r *Registry) RemoveBackup(e BackupEntry) {
	for i := range r.Entries {
		if r.Entries[i].ID == e.ID {
			r.Entries = append(r.Entries[:i], r.Entries[i+1:]...)
			return
		}
	}
}
