// storage/disk.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	u "github.com/mmp/snapsafe/util"
)

type disk struct {
	blobsDir string

	bytesSaved   int64
	blobsSaved   int
	blobsRemoved int
}

// NewDisk returns a new storage.Backend that stores each blob as its own
// file, named by the hex encoding of its hash, in blobsDir. The directory
// is created if it doesn't exist.
func NewDisk(blobsDir string) (Backend, error) {
	if err := u.EnsureDir(blobsDir); err != nil {
		return nil, u.WrapError(u.KindIO, err, blobsDir)
	}

	// Make sure that the blobs directory is in fact a directory.
	stat, err := os.Stat(blobsDir)
	if err != nil {
		return nil, u.WrapError(u.KindIO, err, blobsDir)
	}
	if !stat.IsDir() {
		return nil, u.Errorf(u.KindInvalidSnapshotLayout, "%s: is a regular file", blobsDir)
	}

	return &disk{blobsDir: blobsDir}, nil
}

func (db *disk) blobPath(hash Hash) string {
	return filepath.Join(db.blobsDir, hash.String())
}

func (db *disk) String() string {
	return "disk: " + db.blobsDir
}

func (db *disk) LogStats() {
	if db.blobsSaved > 0 {
		log.Verbose("saved %s in %d blobs (avg %s / blob)",
			u.FmtBytes(db.bytesSaved), db.blobsSaved,
			u.FmtBytes(db.bytesSaved/int64(db.blobsSaved)))
	}
	if db.blobsRemoved > 0 {
		log.Verbose("removed %d blobs", db.blobsRemoved)
	}
}

func (db *disk) Write(hash Hash, data []byte) error {
	if err := u.WriteFileAtomic(db.blobPath(hash), data, 0600); err != nil {
		return u.WrapError(u.KindIO, err, "write blob "+hash.String())
	}

	// Update stats
	db.bytesSaved += int64(len(data))
	db.blobsSaved++
	return nil
}

func (db *disk) Read(hash Hash) ([]byte, error) {
	b, err := os.ReadFile(db.blobPath(hash))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", hash, ErrHashNotFound)
	} else if err != nil {
		return nil, u.WrapError(u.KindIO, err, "read blob "+hash.String())
	}
	return b, nil
}

func (db *disk) HashExists(hash Hash) bool {
	fi, err := os.Stat(db.blobPath(hash))
	return err == nil && fi.Mode().IsRegular()
}

func (db *disk) Remove(hash Hash) error {
	path := db.blobPath(hash)
	if !u.FileExists(path) {
		return nil
	}
	if err := u.RemoveIfExists(path); err != nil {
		return u.WrapError(u.KindIO, err, "remove blob "+hash.String())
	}
	db.blobsRemoved++
	log.Debug("%s: removed blob", hash)
	return nil
}

func (db *disk) Hashes() (map[Hash]struct{}, error) {
	entries, err := os.ReadDir(db.blobsDir)
	if err != nil {
		return nil, u.WrapError(u.KindIO, err, db.blobsDir)
	}

	m := make(map[Hash]struct{})
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		h, err := ParseHash(e.Name())
		if err != nil {
			log.Warning("%s: non-blob file in blobs directory", e.Name())
			continue
		}
		m[h] = struct{}{}
	}
	return m, nil
}
