// backup/restore.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/mmp/snapsafe/snapshot"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
	"golang.org/x/sync/errgroup"
)

// Maximum number of files restored concurrently.
const restoreParallelism = 16

// Restore writes the contents of the nth most recent snapshot at dest
// (n = 1 is the latest) into the directory out, creating it if needed.
// Restored files get the modification times they had when backed up.
func (e *Engine) Restore(ctx context.Context, n int, dest, out string) error {
	s, err := e.open(dest, u.KindRestore)
	if err != nil {
		return err
	}
	defer s.close()

	snap, _, err := s.nth(n, u.KindRestore)
	if err != nil {
		return err
	}
	cipher, err := s.cipher(s.pass, false)
	if err != nil {
		return err
	}
	blobs, err := storage.NewDisk(s.blobsDir())
	if err != nil {
		return u.WrapError(u.KindIO, err, s.blobsDir())
	}

	out, err = filepath.Abs(out)
	if err != nil {
		return u.WrapError(u.KindRestore, err, out)
	}
	if err := u.EnsureDir(out); err != nil {
		return u.WrapError(u.KindIO, err, out)
	}

	var nbytes atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreParallelism)
	for rel, fe := range snap.Files {
		rel, fe := rel, fe
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			target, err := snapshot.RelPath(out, rel)
			if err != nil {
				return err
			}
			data, err := snapshot.ReadFile(blobs, cipher, s.compression, fe)
			if err != nil {
				return u.WrapError(u.KindRestore, err, rel)
			}
			if err := u.EnsureDir(filepath.Dir(target)); err != nil {
				return u.WrapError(u.KindIO, err, target)
			}
			if err := u.WriteFileAtomic(target, data, 0644); err != nil {
				return u.WrapError(u.KindIO, err, target)
			}
			if err := os.Chtimes(target, fe.Modified, fe.Modified); err != nil {
				log.Warning("%s: %s", target, err)
			}
			nbytes.Add(int64(len(data)))
			log.Debug("%s: restored", rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	log.Verbose("%s: restored %d files (%s) from %s", out, len(snap.Files),
		u.FmtBytes(nbytes.Load()), snap.FileName())
	return nil
}

// nth loads the nth most recent snapshot, returning it and its path.
func (s *session) nth(n int, kind u.Kind) (*snapshot.Snapshot, string, error) {
	paths, err := snapshot.List(s.snapshotDir())
	if err != nil {
		return nil, "", err
	}
	if n < 1 || n > len(paths) {
		return nil, "", u.WrapError(kind, ErrNoBackup,
			fmt.Sprintf("%s: no snapshot %d (%d available)", s.dir, n, len(paths)))
	}
	snap, err := snapshot.Load(paths[n-1])
	if err != nil {
		return nil, "", err
	}
	return snap, paths[n-1], nil
}
