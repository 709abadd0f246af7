// backup/backup.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package backup

import (
	"context"
	"path/filepath"

	"github.com/mmp/snapsafe/password"
	"github.com/mmp/snapsafe/registry"
	"github.com/mmp/snapsafe/retention"
	"github.com/mmp/snapsafe/snapshot"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
)

// Backup stores a new snapshot of src at dest. The first backup to a
// destination binds it to src, to the password given, and to the
// compression algorithm; later backups must use the same password and
// silently reuse the original compression. If nothing has changed since
// the last snapshot, an error wrapping snapshot.ErrNoChanges is returned
// and nothing is stored.
func (e *Engine) Backup(ctx context.Context, src, dest, compression string) error {
	src, err := filepath.Abs(src)
	if err != nil {
		return u.WrapError(u.KindBackup, err, src)
	}
	dest, err = filepath.Abs(dest)
	if err != nil {
		return u.WrapError(u.KindBackup, err, dest)
	}
	if !u.DirExists(src) {
		return u.Errorf(u.KindBackup, "%s: source is not a directory", src)
	}
	if within(src, dest) {
		return u.Errorf(u.KindBackup, "%s: source can't be inside the destination %s", src, dest)
	}

	d := destination{dir: dest}
	unlock, err := d.lock(u.KindBackup)
	if err != nil {
		return err
	}
	defer unlock()

	entry, registered, binding, err := e.lookup(d)
	if err != nil {
		return err
	}

	// Establish the password record and compression, either from the
	// existing binding or, for a new destination, from what we're given.
	var record password.Password
	compName := compression
	switch {
	case registered:
		record, compName = entry.Password, entry.CompressionAlgorithm
		if entry.OriginPath != src {
			return u.Errorf(u.KindBackup, "%s: destination holds backups of %s", dest, entry.OriginPath)
		}
	case binding != nil:
		record, compName = binding.Password, binding.Compression
		if binding.OriginPath != src {
			return u.Errorf(u.KindBackup, "%s: destination holds backups of %s", dest, binding.OriginPath)
		}
	case compName == "":
		compName = e.cfg.Compression
	}
	if compression != "" && compression != compName {
		log.Verbose("%s: using the destination's compression, %s, rather than %s", dest,
			compName, compression)
	}
	comp, err := storage.ParseCompression(compName)
	if err != nil {
		return err
	}

	first := !record.IsSet()
	if first {
		// Snapshots with no password record means the binding was lost;
		// a new password would derive a different key for the same blobs.
		if n, err := d.count(); err != nil {
			return err
		} else if n > 0 {
			return u.Errorf(u.KindBackup, "%s: holds %d snapshots but has no password binding; "+
				"restore its %s and run \"snapsafe reconcile %s\" before backing up", dest, n,
				bindingFile, dest)
		}
	}
	pw, err := e.prompt.Password(dest, first)
	if err != nil {
		return err
	}
	if first {
		var policy *password.Policy
		if e.cfg.EnforcePasswordPolicy {
			policy = password.DefaultPolicy()
		}
		if record, err = password.New(pw, policy); err != nil {
			return err
		}
	} else if err := record.Check(pw); err != nil {
		return err
	}

	cipher, err := d.cipher(pw, true)
	if err != nil {
		return err
	}
	blobs, err := storage.NewDisk(d.blobsDir())
	if err != nil {
		return u.WrapError(u.KindIO, err, d.blobsDir())
	}

	// The binding goes to disk before any snapshot can refer to blobs
	// encrypted with this password's key.
	if binding == nil {
		if err := d.saveBinding(&Binding{
			OriginPath:  src,
			Password:    record,
			Compression: comp.String(),
			Created:     e.Now().UTC(),
		}); err != nil {
			return err
		}
	}
	created := binding == nil && first
	unbind := func() {
		if created {
			if err := u.RemoveIfExists(filepath.Join(d.dir, bindingFile)); err != nil {
				log.Warning("%s: %s", d.dir, err)
			}
		}
	}

	var prev *snapshot.Snapshot
	latest, err := snapshot.Latest(d.snapshotDir())
	if err != nil {
		unbind()
		return err
	}
	if latest != "" {
		if prev, err = snapshot.Load(latest); err != nil {
			unbind()
			return err
		}
	}

	s, err := snapshot.Create(ctx, src, snapshot.Options{
		Blobs:       blobs,
		Cipher:      cipher,
		Compression: comp,
		Previous:    prev,
		Exclude:     e.cfg.Exclude,
		Skip:        []string{dest, e.cfg.RegistryDir},
		Now:         e.Now,
	})
	if err != nil {
		unbind()
		return err
	}
	path, err := s.Save(d.snapshotDir())
	if err != nil {
		s.DiscardBlobs(blobs)
		unbind()
		return err
	}
	log.Debug("%s: saved snapshot", path)

	// The snapshot is on disk; from here on failures leave the
	// destination consistent and are repaired by the next backup or by
	// Reconcile.
	if err := retention.UpdateIndex(e.cfg.RetentionIndexPath(), func(ix retention.Index) error {
		m, err := ix.Manager(d.blobsDir(), e.cfg.GCLimit)
		if err != nil {
			return err
		}
		m.Attach(blobs)
		changed := make(map[string]string)
		for _, p := range s.Changed() {
			changed[p] = s.Files[p].Hash
		}
		return m.RegisterFiles(changed, path)
	}); err != nil {
		return err
	}

	count, err := d.count()
	if err != nil {
		return err
	}
	if err := registry.Update(e.cfg.RegistryPath(), func(r *registry.Registry) error {
		ent, ok := r.FindEntryFromDest(dest)
		if !ok {
			ent = registry.NewEntry(src, dest, record, comp.String())
		}
		ent.SnapshotCount = count
		r.AddBackup(ent)
		return nil
	}); err != nil {
		return err
	}

	blobs.LogStats()
	log.Verbose("%s: %d snapshots", dest, count)
	return nil
}
