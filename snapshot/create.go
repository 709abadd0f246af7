// snapshot/create.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package snapshot

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile is the name of the optional file in a source root listing
// gitignore-style patterns of paths not to back up.
const IgnoreFile = ".snapsafeignore"

// Options describes where and how Create stores file contents.
type Options struct {
	Blobs       storage.Backend
	Cipher      *storage.Cipher
	Compression storage.Compression

	// Previous is the destination's most recent snapshot, if any.
	Previous *Snapshot

	// Exclude holds additional gitignore-style patterns, and Skip
	// absolute paths (e.g. a destination nested inside the source)
	// that are never backed up.
	Exclude []string
	Skip    []string

	// Now returns the snapshot's timestamp; time.Now if nil.
	Now func() time.Time
}

type creator struct {
	opts    Options
	src     string
	ignore  *ignore.GitIgnore
	files   map[string]FileEntry
	written []storage.Hash
	nread   int64
	nstored int64
}

// Create walks the tree rooted at src and returns a snapshot of it,
// storing the contents of new and modified files as encrypted blobs.
// Files whose modification time or content hash match their entry in
// opts.Previous are carried forward without being stored again. If no
// file's contents needed storing, ErrNoChanges is returned. On any error
// the blobs written so far are removed and no snapshot is produced.
func Create(ctx context.Context, src string, opts Options) (*Snapshot, error) {
	src, err := filepath.Abs(src)
	if err != nil {
		return nil, u.WrapError(u.KindDirectoryTraversal, err, src)
	}
	if !u.DirExists(src) {
		return nil, u.Errorf(u.KindDirectoryTraversal, "%s: source is not a directory", src)
	}

	gi, err := compileIgnore(src, opts.Exclude)
	if err != nil {
		return nil, err
	}

	c := &creator{
		opts:   opts,
		src:    src,
		ignore: gi,
		files:  make(map[string]FileEntry),
	}
	if c.opts.Previous == nil {
		c.opts.Previous = &Snapshot{}
	}
	now := time.Now
	if opts.Now != nil {
		now = opts.Now
	}
	start := now()

	if err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return u.WrapError(u.KindDirectoryTraversal, err, path)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		return c.visit(path, d)
	}); err != nil {
		c.cleanup()
		return nil, err
	}

	nchanged := 0
	for _, fe := range c.files {
		if fe.IsUpdated {
			nchanged++
		}
	}
	if nchanged == 0 {
		return nil, u.WrapError(u.KindBackup, ErrNoChanges, "")
	}

	log.Verbose("%s: %d files, %d changed; read %s, stored %s", src, len(c.files),
		nchanged, u.FmtBytes(c.nread), u.FmtBytes(c.nstored))
	return &Snapshot{Timestamp: start.UTC(), Files: c.files, stored: c.written}, nil
}

func compileIgnore(src string, exclude []string) (*ignore.GitIgnore, error) {
	path := filepath.Join(src, IgnoreFile)
	if !u.FileExists(path) {
		return ignore.CompileIgnoreLines(exclude...), nil
	}
	gi, err := ignore.CompileIgnoreFileAndLines(path, exclude...)
	if err != nil {
		return nil, u.WrapError(u.KindIO, err, path)
	}
	return gi, nil
}

func (c *creator) excluded(path, rel string, isDir bool) bool {
	for _, s := range c.opts.Skip {
		if path == s {
			return true
		}
	}
	if isDir && c.ignore.MatchesPath(rel+"/") {
		return true
	}
	return c.ignore.MatchesPath(rel)
}

func (c *creator) visit(path string, d fs.DirEntry) error {
	if path == c.src {
		return nil
	}
	rel, err := filepath.Rel(c.src, path)
	if err != nil {
		return u.WrapError(u.KindDirectoryTraversal, err, path)
	}
	rel = filepath.ToSlash(rel)

	if c.excluded(path, rel, d.IsDir()) {
		log.Debug("%s: excluded", rel)
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}
	if d.IsDir() {
		return nil
	}
	if !d.Type().IsRegular() {
		log.Verbose("%s: skipping non-regular file", rel)
		return nil
	}

	info, err := d.Info()
	if err != nil {
		return u.WrapError(u.KindIO, err, path)
	}
	mtime := info.ModTime()

	prev, havePrev := c.opts.Previous.Files[rel]
	if havePrev && !c.blobExists(prev.Hash) {
		log.Warning("%s: blob %s for previous version is missing; storing again", rel, prev.Hash)
		havePrev = false
	}

	// An unchanged modification time means unchanged contents; don't
	// even read the file.
	if havePrev && mtime.Equal(prev.Modified) {
		c.carry(rel, prev)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return u.WrapError(u.KindIO, err, path)
	}
	c.nread += int64(len(data))
	comp, err := c.opts.Compression.Compress(data)
	if err != nil {
		return u.WrapError(u.KindInvalidCompressor, err, path)
	}
	hash := storage.HashBytes(comp)

	if havePrev && hash.String() == prev.Hash {
		log.Debug("%s: touched but unchanged", rel)
		c.carry(rel, prev)
		return nil
	}

	nonce, err := c.store(hash, comp)
	if err != nil {
		return u.WrapError(u.KindBackup, err, rel)
	}
	c.files[rel] = FileEntry{
		Hash:      hash.String(),
		Nonce:     nonce,
		Modified:  mtime.UTC(),
		IsUpdated: true,
	}
	log.Debug("%s: stored as %s", rel, hash)
	return nil
}

func (c *creator) carry(rel string, prev FileEntry) {
	prev.IsUpdated = false
	c.files[rel] = prev
}

func (c *creator) blobExists(hash string) bool {
	h, err := storage.ParseHash(hash)
	return err == nil && c.opts.Blobs.HashExists(h)
}

// Stores the compressed contents under hash, unless a blob for it is
// already present, in which case that blob's nonce is returned.
func (c *creator) store(hash storage.Hash, comp []byte) (storage.Nonce, error) {
	if c.opts.Blobs.HashExists(hash) {
		blob, err := c.opts.Blobs.Read(hash)
		if err != nil {
			return storage.Nonce{}, err
		}
		return storage.BlobNonce(blob)
	}

	blob, nonce, err := c.opts.Cipher.Seal(comp)
	if err != nil {
		return nonce, err
	}
	if err := c.opts.Blobs.Write(hash, blob); err != nil {
		return nonce, err
	}
	c.written = append(c.written, hash)
	c.nstored += int64(len(blob))
	return nonce, nil
}

func (c *creator) cleanup() {
	for _, h := range c.written {
		if err := c.opts.Blobs.Remove(h); err != nil {
			log.Warning("%s: %s", h, err)
		}
	}
	if len(c.written) > 0 {
		log.Verbose("removed %d blobs written before the failure", len(c.written))
	}
}

// DiscardBlobs removes the blobs that Create wrote for s, for use when
// a snapshot can't be saved. Blobs reused from earlier snapshots are left
// alone.
func (s *Snapshot) DiscardBlobs(blobs storage.Backend) {
	for _, h := range s.stored {
		if err := blobs.Remove(h); err != nil {
			log.Warning("%s: %s", h, err)
		}
	}
	s.stored = nil
}

// ReadFile returns the original contents of the file described by fe.
func ReadFile(blobs storage.Backend, cipher *storage.Cipher, compression storage.Compression,
	fe FileEntry) ([]byte, error) {
	hash, err := storage.ParseHash(fe.Hash)
	if err != nil {
		return nil, u.WrapError(u.KindInvalidSnapshotLayout, err, "")
	}
	blob, err := blobs.Read(hash)
	if err != nil {
		return nil, u.WrapError(u.KindRestore, err, "")
	}
	comp, err := cipher.Open(blob, fe.Nonce)
	if err != nil {
		return nil, err
	}
	if storage.HashBytes(comp) != hash {
		return nil, u.Errorf(u.KindEncryptDecrypt, "%s: contents don't match hash", fe.Hash)
	}
	return compression.Decompress(comp)
}

// RelPath converts a snapshot key into a native path below root,
// rejecting keys that would escape it.
func RelPath(root, key string) (string, error) {
	p := filepath.FromSlash(key)
	if filepath.IsAbs(p) || p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) ||
		filepath.Clean(p) != p {
		return "", u.Errorf(u.KindDirectoryTraversal, "%q: invalid path in snapshot", key)
	}
	return filepath.Join(root, p), nil
}
