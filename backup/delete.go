// backup/delete.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"fmt"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/mmp/snapsafe/registry"
	"github.com/mmp/snapsafe/retention"
	"github.com/mmp/snapsafe/snapshot"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
)

// Delete removes the nth most recent snapshot at dest, along with the
// blobs that no other snapshot refers to. Unless force is set, the user
// is asked to confirm first; if they decline, Delete returns false and
// changes nothing. Deleting the last snapshot removes the destination
// from the registry.
func (e *Engine) Delete(ctx context.Context, n int, dest string, force bool) (bool, error) {
	s, err := e.open(dest, u.KindDelete)
	if err != nil {
		return false, err
	}
	defer s.close()

	snap, path, err := s.nth(n, u.KindDelete)
	if err != nil {
		return false, err
	}
	if !force {
		ok, err := e.prompt.Confirm(fmt.Sprintf("Delete snapshot %d (%s) of %s at %s?", n,
			snap.Timestamp.Local().Format("2006-01-02 15:04:05"), s.origin, s.dir))
		if err != nil {
			return false, u.WrapError(u.KindDelete, err, "")
		} else if !ok {
			return false, nil
		}
	}

	// Find the blobs that only this snapshot uses. All of the others
	// have to be readable to know that.
	paths, err := snapshot.List(s.snapshotDir())
	if err != nil {
		return false, err
	}
	others := mapset.NewThreadUnsafeSet[string]()
	for _, p := range paths {
		if p == path {
			continue
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		o, err := snapshot.Load(p)
		if err != nil {
			return false, u.WrapError(u.KindDelete, err, p)
		}
		for h := range o.Hashes() {
			others.Add(h)
		}
	}
	free := mapset.NewThreadUnsafeSetFromMapKeys(snap.Hashes()).Difference(others)

	blobs, err := storage.NewDisk(s.blobsDir())
	if err != nil {
		return false, u.WrapError(u.KindIO, err, s.blobsDir())
	}

	// Remove the snapshot before its blobs so that an interruption
	// leaves unreferenced blobs rather than dangling references.
	if err := snapshot.Remove(path); err != nil {
		return false, err
	}
	log.Verbose("%s: removed", filepath.Base(path))

	if err := retention.UpdateIndex(e.cfg.RetentionIndexPath(), func(ix retention.Index) error {
		if m, ok := ix[s.blobsDir()]; ok {
			m.ForgetSnapshot(path)
		}
		return nil
	}); err != nil {
		return false, err
	}

	for h := range free.Iter() {
		hash, err := storage.ParseHash(h)
		if err != nil {
			log.Warning("%s: %s", h, err)
			continue
		}
		if err := blobs.Remove(hash); err != nil {
			return false, u.WrapError(u.KindDelete, err, h)
		}
	}
	log.Verbose("%s: freed %d blobs", s.dir, free.Cardinality())

	count, err := s.count()
	if err != nil {
		return false, err
	}
	if count == 0 {
		if err := s.clear(blobs); err != nil {
			return false, err
		}
	}

	if err := registry.Update(e.cfg.RegistryPath(), func(r *registry.Registry) error {
		if ent, ok := r.FindEntryFromDest(s.dir); ok {
			ent.SnapshotCount = count
			r.AddBackup(ent)
		}
		return nil
	}); err != nil {
		return false, err
	}
	return true, nil
}

// clear removes what remains of a destination whose last snapshot has
// been deleted, so that it may be bound afresh by a later backup.
func (d destination) clear(blobs storage.Backend) error {
	hashes, err := blobs.Hashes()
	if err != nil {
		return err
	}
	for h := range hashes {
		if err := blobs.Remove(h); err != nil {
			return u.WrapError(u.KindDelete, err, h.String())
		}
	}
	if len(hashes) > 0 {
		log.Verbose("%s: removed %d unreferenced blobs", d.dir, len(hashes))
	}
	for _, f := range []string{bindingFile, saltFile} {
		if err := u.RemoveIfExists(filepath.Join(d.dir, f)); err != nil {
			return u.WrapError(u.KindIO, err, f)
		}
	}
	return nil
}
