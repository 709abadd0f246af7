// backup/maintenance.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/mmp/snapsafe/rdso"
	"github.com/mmp/snapsafe/registry"
	"github.com/mmp/snapsafe/snapshot"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
)

// List returns the registered backups. Problems reading the registry
// are logged and reported as there being no backups.
func (e *Engine) List() []registry.BackupEntry {
	r, err := registry.Load(e.cfg.RegistryPath())
	if err != nil {
		log.Warning("%s", err)
		return nil
	}
	return r.Entries
}

// Reconcile brings the registry in line with the destinations on disk:
// each entry's snapshot count is recomputed from the snapshot files
// present, and entries for destinations that are gone or empty are
// dropped. Destinations named in dests that aren't registered but hold
// a binding and snapshots are added. It returns a description of each
// change made.
func (e *Engine) Reconcile(dests ...string) ([]string, error) {
	var changes []string
	err := registry.Update(e.cfg.RegistryPath(), func(r *registry.Registry) error {
		changes = nil
		for _, ent := range append([]registry.BackupEntry(nil), r.Entries...) {
			d := destination{dir: ent.BackupPath}
			count := 0
			if u.DirExists(d.dir) {
				var err error
				if count, err = d.count(); err != nil {
					return err
				}
			}
			switch {
			case count == 0:
				r.RemoveBackup(ent)
				changes = append(changes, fmt.Sprintf("%s: no snapshots; removed from registry", d.dir))
			case count != ent.SnapshotCount:
				changes = append(changes, fmt.Sprintf("%s: snapshot count %d -> %d", d.dir,
					ent.SnapshotCount, count))
				ent.SnapshotCount = count
				r.AddBackup(ent)
			}
		}

		for _, dir := range dests {
			dir, err := filepath.Abs(dir)
			if err != nil {
				return u.WrapError(u.KindCommand, err, dir)
			}
			if _, ok := r.FindEntryFromDest(dir); ok {
				continue
			}
			d := destination{dir: dir}
			bd, err := d.loadBinding()
			if err != nil {
				return err
			} else if bd == nil {
				log.Warning("%s: no binding found; not a snapsafe destination?", dir)
				continue
			}
			count, err := d.count()
			if err != nil {
				return err
			} else if count == 0 {
				continue
			}
			ent := registry.NewEntry(bd.OriginPath, dir, bd.Password, bd.Compression)
			ent.Timestamp = bd.Created
			ent.SnapshotCount = count
			r.AddBackup(ent)
			changes = append(changes, fmt.Sprintf("%s: registered with %d snapshots", dir, count))
		}
		return nil
	})
	return changes, err
}

// FsckReport describes the state of a destination.
type FsckReport struct {
	Snapshots int
	Blobs     int
	// Snapshot files whose parity didn't match; Repaired lists those
	// that were fixed.
	Damaged  []string
	Repaired []string
	// "path: hash" for each file entry whose blob is missing.
	MissingBlobs []string
	// Blobs that no snapshot refers to.
	Unreferenced []storage.Hash
}

// OK reports whether no problems were found that remain unfixed.
// Unreferenced blobs waste space but aren't considered a problem.
func (r *FsckReport) OK() bool {
	return len(r.Damaged) == len(r.Repaired) && len(r.MissingBlobs) == 0
}

// Fsck checks the destination at dest: each snapshot's parity, the
// presence of every blob the snapshots refer to, and blobs nothing
// refers to. If repair is set, damaged snapshot files are restored from
// their parity and unreferenced blobs are removed. No password is
// needed, since nothing is decrypted.
func (e *Engine) Fsck(ctx context.Context, dest string, repair bool) (*FsckReport, error) {
	dest, err := filepath.Abs(dest)
	if err != nil {
		return nil, u.WrapError(u.KindCommand, err, dest)
	}
	if !u.DirExists(dest) {
		return nil, u.WrapError(u.KindCommand, ErrNoBackup, dest)
	}
	d := destination{dir: dest}
	unlock, err := d.lock(u.KindCommand)
	if err != nil {
		return nil, err
	}
	defer unlock()

	blobs, err := storage.NewDisk(d.blobsDir())
	if err != nil {
		return nil, u.WrapError(u.KindIO, err, d.blobsDir())
	}
	stored, err := blobs.Hashes()
	if err != nil {
		return nil, err
	}
	paths, err := snapshot.List(d.snapshotDir())
	if err != nil {
		return nil, err
	}

	report := &FsckReport{Snapshots: len(paths), Blobs: len(stored)}
	referenced := make(map[string]struct{})
	unreadable := 0
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := rdso.CheckFile(p, snapshot.ParityPath(p), log); err != nil {
			log.Warning("%s: %s", filepath.Base(p), err)
			report.Damaged = append(report.Damaged, p)
			if repair {
				if _, err := rdso.RestoreFile(p, snapshot.ParityPath(p), log); err != nil {
					log.Error("%s: %s", filepath.Base(p), err)
				} else {
					report.Repaired = append(report.Repaired, p)
				}
			}
		}

		s, err := snapshot.Load(p)
		if err != nil {
			log.Error("%s: %s", filepath.Base(p), err)
			unreadable++
			continue
		}
		for rel, fe := range s.Files {
			referenced[fe.Hash] = struct{}{}
			h, err := storage.ParseHash(fe.Hash)
			if err != nil || !blobs.HashExists(h) {
				report.MissingBlobs = append(report.MissingBlobs,
					fmt.Sprintf("%s: %s: %s", s.FileName(), rel, fe.Hash))
			}
		}
	}
	sort.Strings(report.MissingBlobs)

	for h := range stored {
		if _, ok := referenced[h.String()]; !ok {
			report.Unreferenced = append(report.Unreferenced, h)
		}
	}
	sort.Slice(report.Unreferenced, func(i, j int) bool {
		return report.Unreferenced[i].String() < report.Unreferenced[j].String()
	})
	if repair && unreadable > 0 {
		log.Warning("%d snapshots couldn't be read; not removing unreferenced blobs", unreadable)
	} else if repair {
		for _, h := range report.Unreferenced {
			if err := blobs.Remove(h); err != nil {
				return report, err
			}
		}
	}
	return report, nil
}
