// snapshot/snapshot.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package snapshot implements the per-backup index of a source tree: a
// Snapshot maps every backed-up file's relative path to the blob that
// holds its contents. Each backup run writes one snapshot as a JSON file
// in the destination's snapshot directory.
package snapshot

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mmp/snapsafe/rdso"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
)

var (
	ErrNoChanges = errors.New("no file changes; backup aborted")
	ErrCorrupt   = errors.New("snapshot file corrupt")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Snapshot

// FileEntry records where the contents of one file at one point in time
// are stored.
type FileEntry struct {
	// Hex-encoded hash of the compressed file contents; also the blob
	// name.
	Hash  string        `json:"hash"`
	Nonce storage.Nonce `json:"nonce"`
	// Modification time of the file when its contents were last stored.
	Modified time.Time `json:"modified"`
	// IsUpdated is true if this snapshot stored the contents (as
	// opposed to carrying the entry forward from the previous one).
	IsUpdated bool `json:"isupdated"`
}

// Snapshot is the complete index of a source tree at one point in time.
// Keys of Files are slash-separated paths relative to the source root.
type Snapshot struct {
	Timestamp time.Time            `json:"timestamp"`
	Files     map[string]FileEntry `json:"files"`

	// Blobs written by Create for this snapshot.
	stored []storage.Hash
}

// TimestampLayout is used for snapshot file names; it sorts
// lexically in chronological order.
const TimestampLayout = "2006-01-02T15-04-05.000000000Z"

const (
	Suffix       = ".json"
	paritySuffix = rdso.Suffix
)

// ParityPath returns the path of the Reed-Solomon parity file that
// accompanies the snapshot file at path.
func ParityPath(path string) string {
	return path + paritySuffix
}

// Dir returns the snapshot directory of a backup destination.
func Dir(dest string) string {
	return filepath.Join(dest, "snapshot")
}

// FileName returns the name the snapshot is saved under.
func (s *Snapshot) FileName() string {
	return s.Timestamp.UTC().Format(TimestampLayout) + Suffix
}

// Changed returns the paths whose contents were stored by this snapshot.
func (s *Snapshot) Changed() []string {
	var c []string
	for path, fe := range s.Files {
		if fe.IsUpdated {
			c = append(c, path)
		}
	}
	sort.Strings(c)
	return c
}

// Hashes returns the set of blob hashes that the snapshot references.
func (s *Snapshot) Hashes() map[string]struct{} {
	h := make(map[string]struct{}, len(s.Files))
	for _, fe := range s.Files {
		h[fe.Hash] = struct{}{}
	}
	return h
}

// Save writes the snapshot into dir along with its Reed-Solomon parity
// file and returns the snapshot's path. If a snapshot with the same
// timestamp already exists, the timestamp is advanced until the name is
// unique.
func (s *Snapshot) Save(dir string) (string, error) {
	if err := u.EnsureDir(dir); err != nil {
		return "", u.WrapError(u.KindIO, err, dir)
	}

	s.Timestamp = s.Timestamp.UTC()
	path := filepath.Join(dir, s.FileName())
	for u.FileExists(path) {
		s.Timestamp = s.Timestamp.Add(time.Nanosecond)
		path = filepath.Join(dir, s.FileName())
	}

	if err := write(path, s); err != nil {
		return "", err
	}
	log.Debug("%s: saved snapshot with %d files", path, len(s.Files))
	return path, nil
}

func write(path string, s *Snapshot) error {
	if s.Files == nil {
		s.Files = make(map[string]FileEntry)
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return u.WrapError(u.KindSerialization, err, path)
	}
	if err := rdso.WriteWithParity(path, b); err != nil {
		return u.WrapError(u.KindIO, err, path)
	}
	return nil
}

// Load reads the snapshot at path. If it doesn't parse, an attempt is
// made to repair it from its parity file first.
func Load(path string) (*Snapshot, error) {
	var s *Snapshot
	_, err := rdso.ReadRepaired(path, func(b []byte) (err error) {
		s, err = parse(b)
		return err
	}, log)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, u.WrapError(u.KindIO, err, "read snapshot")
	} else if err != nil {
		return nil, u.WrapError(u.KindInvalidSnapshotLayout, ErrCorrupt, path+": "+err.Error())
	}
	return s, nil
}

func parse(b []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, err
	}
	if s.Timestamp.IsZero() {
		return nil, errors.New("missing timestamp")
	}
	if s.Files == nil {
		s.Files = make(map[string]FileEntry)
	}
	for path, fe := range s.Files {
		if _, err := storage.ParseHash(fe.Hash); err != nil {
			return nil, errors.New(path + ": " + err.Error())
		}
	}
	return &s, nil
}

// Edit loads the snapshot at path, calls fn on it, and, if fn reports a
// modification, writes it back in place.
func Edit(path string, fn func(s *Snapshot) bool) error {
	s, err := Load(path)
	if err != nil {
		return err
	}
	if !fn(s) {
		return nil
	}
	return write(path, s)
}

// Remove deletes the snapshot file at path and its parity file.
func Remove(path string) error {
	if err := u.RemoveIfExists(path); err != nil {
		return u.WrapError(u.KindIO, err, path)
	}
	if err := u.RemoveIfExists(path + paritySuffix); err != nil {
		return u.WrapError(u.KindIO, err, path+paritySuffix)
	}
	return nil
}

// List returns the paths of the snapshots in dir, most recent first.
// A missing directory holds no snapshots.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, u.WrapError(u.KindIO, err, dir)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, Suffix) || strings.HasPrefix(name, ".") {
			continue
		}
		if _, err := time.Parse(TimestampLayout, strings.TrimSuffix(name, Suffix)); err != nil {
			log.Warning("%s: ignoring unexpected file in snapshot directory", name)
			continue
		}
		names = append(names, name)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
	}
	return paths, nil
}

// Latest returns the path of the most recent snapshot in dir, or the
// empty string if there are none.
func Latest(dir string) (string, error) {
	paths, err := List(dir)
	if err != nil || len(paths) == 0 {
		return "", err
	}
	return paths[0], nil
}
