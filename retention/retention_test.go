// retention/retention_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mmp/snapsafe/snapshot"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t       *testing.T
	dest    string
	blobs   storage.Backend
	m       *Manager
	nextSec int
}

func newFixture(t *testing.T, maxVersions int) *fixture {
	dest := t.TempDir()
	blobsDir := filepath.Join(dest, "blobs")
	blobs, err := storage.NewDisk(blobsDir)
	require.NoError(t, err)
	m := NewManager(blobsDir, maxVersions)
	m.Attach(blobs)
	return &fixture{t: t, dest: dest, blobs: blobs, m: m}
}

// Stores a blob for contents and returns its hash.
func (f *fixture) blob(contents string) string {
	h := storage.HashBytes([]byte(contents))
	require.NoError(f.t, f.blobs.Write(h, []byte(contents)))
	return h.String()
}

// Saves a snapshot with the given path -> hash entries, marking those in
// updated as stored by it, and registers the updated ones.
func (f *fixture) backup(files map[string]string, updated ...string) string {
	s := &snapshot.Snapshot{
		Timestamp: time.Date(2024, 1, 1, 0, 0, f.nextSec, 0, time.UTC),
		Files:     make(map[string]snapshot.FileEntry),
	}
	f.nextSec++
	isUpdated := make(map[string]bool)
	for _, p := range updated {
		isUpdated[p] = true
	}
	for p, h := range files {
		s.Files[p] = snapshot.FileEntry{Hash: h, IsUpdated: isUpdated[p]}
	}
	path, err := s.Save(snapshot.Dir(f.dest))
	require.NoError(f.t, err)

	stored := make(map[string]string)
	for _, p := range updated {
		stored[p] = files[p]
	}
	require.NoError(f.t, f.m.RegisterFiles(stored, path))
	return path
}

func (f *fixture) load(path string) *snapshot.Snapshot {
	s, err := snapshot.Load(path)
	require.NoError(f.t, err)
	return s
}

func (f *fixture) exists(hash string) bool {
	h, err := storage.ParseHash(hash)
	require.NoError(f.t, err)
	return f.blobs.HashExists(h)
}

func TestEvictsOldest(t *testing.T) {
	const max, extra = 3, 2
	f := newFixture(t, max)

	var hashes, snaps []string
	for i := 0; i < max+extra; i++ {
		h := f.blob(fmt.Sprintf("version %d", i))
		hashes = append(hashes, h)
		snaps = append(snaps, f.backup(map[string]string{"file.txt": h}, "file.txt"))
	}

	refs := f.m.Versions("file.txt")
	require.Len(t, refs, max)
	for i, r := range refs {
		// Newest first.
		j := max + extra - 1 - i
		assert.Equal(t, hashes[j], r.Hash)
		assert.Equal(t, snaps[j], r.Snapshot)
	}

	for i := 0; i < extra; i++ {
		assert.False(t, f.exists(hashes[i]), "evicted blob %d still present", i)
		assert.NotContains(t, f.load(snaps[i]).Files, "file.txt")
	}
	for i := extra; i < max+extra; i++ {
		assert.True(t, f.exists(hashes[i]))
		assert.Contains(t, f.load(snaps[i]).Files, "file.txt")
	}
}

func TestSameHashRegisteredOnce(t *testing.T) {
	f := newFixture(t, 3)
	h := f.blob("unchanging")
	for i := 0; i < 5; i++ {
		f.backup(map[string]string{"a": h}, "a")
	}
	assert.Len(t, f.m.Versions("a"), 1)
	assert.True(t, f.exists(h))
}

func TestSharedBlobKept(t *testing.T) {
	f := newFixture(t, 1)
	shared := f.blob("shared")

	// Both paths store the same contents.
	f.backup(map[string]string{"a": shared, "b": shared}, "a", "b")

	// a moves on; its old version is evicted but b still uses the blob.
	h2 := f.blob("a2")
	s2 := f.backup(map[string]string{"a": h2, "b": shared}, "a")
	assert.True(t, f.exists(shared))
	assert.Equal(t, shared, f.load(s2).Files["b"].Hash)
}

func TestEvictedContentsReusedByNewPath(t *testing.T) {
	f := newFixture(t, 1)
	one := f.blob("one")
	s1 := f.backup(map[string]string{"a": one}, "a")

	// a's old contents turn up under a new path in the same snapshot
	// that evicts them from a.
	two := f.blob("two")
	s2 := f.backup(map[string]string{"a": two, "b": one}, "a", "b")
	assert.NotContains(t, f.load(s1).Files, "a")
	assert.True(t, f.exists(one))
	assert.Equal(t, one, f.load(s2).Files["b"].Hash)
	assert.Equal(t, one, f.m.Versions("b")[0].Hash)
}

func TestCarriedForwardEntriesDropped(t *testing.T) {
	f := newFixture(t, 1)
	a1, b1 := f.blob("a1"), f.blob("b1")
	s1 := f.backup(map[string]string{"a": a1, "b": b1}, "a", "b")

	// b changes; a is carried forward.
	b2 := f.blob("b2")
	s2 := f.backup(map[string]string{"a": a1, "b": b2}, "b")
	assert.False(t, f.exists(b1))
	assert.NotContains(t, f.load(s1).Files, "b")
	assert.Equal(t, a1, f.load(s2).Files["a"].Hash)

	// Now a changes; a1 goes away, including from s2, where it was
	// carried forward.
	a2 := f.blob("a2")
	f.backup(map[string]string{"a": a2, "b": b2}, "a")
	assert.False(t, f.exists(a1))
	assert.NotContains(t, f.load(s1).Files, "a")
	assert.NotContains(t, f.load(s2).Files, "a")
	assert.Contains(t, f.load(s2).Files, "b")
}

func TestMissingSnapshotIsFatal(t *testing.T) {
	f := newFixture(t, 1)
	h1 := f.blob("1")
	s1 := f.backup(map[string]string{"a": h1}, "a")
	require.NoError(t, os.Remove(s1))

	h2 := f.blob("2")
	s := &snapshot.Snapshot{Timestamp: time.Now(), Files: map[string]snapshot.FileEntry{
		"a": {Hash: h2, IsUpdated: true}}}
	p, err := s.Save(snapshot.Dir(f.dest))
	require.NoError(t, err)

	err = f.m.RegisterFile("a", h2, p)
	assert.Error(t, err)
	// Nothing was evicted.
	assert.True(t, f.exists(h1))
	assert.Len(t, f.m.Versions("a"), 2)
}

func TestEvictMissingBlobTolerated(t *testing.T) {
	f := newFixture(t, 1)
	h1 := f.blob("1")
	f.backup(map[string]string{"a": h1}, "a")
	hh, _ := storage.ParseHash(h1)
	require.NoError(t, f.blobs.Remove(hh))

	h2 := f.blob("2")
	f.backup(map[string]string{"a": h2}, "a")
	assert.Len(t, f.m.Versions("a"), 1)
}

func TestSetMaxVersions(t *testing.T) {
	f := newFixture(t, 3)
	var hashes []string
	for i := 0; i < 3; i++ {
		h := f.blob(fmt.Sprint(i))
		hashes = append(hashes, h)
		f.backup(map[string]string{"a": h}, "a")
	}
	require.NoError(t, f.m.SetMaxVersions(1))
	assert.Len(t, f.m.Versions("a"), 1)
	assert.False(t, f.exists(hashes[0]))
	assert.False(t, f.exists(hashes[1]))
	assert.True(t, f.exists(hashes[2]))

	// Zero is clamped to one.
	require.NoError(t, f.m.SetMaxVersions(0))
	assert.Equal(t, 1, f.m.MaxVersions)
}

func TestForgetSnapshot(t *testing.T) {
	f := newFixture(t, 3)
	s1 := f.backup(map[string]string{"a": f.blob("a1"), "b": f.blob("b1")}, "a", "b")
	f.backup(map[string]string{"a": f.blob("a2"), "b": f.blob("b1")}, "a")

	f.m.ForgetSnapshot(s1)
	assert.Len(t, f.m.Versions("a"), 1)
	assert.Empty(t, f.m.Versions("b"))
	assert.NotContains(t, f.m.VersionIndex, "b")
	assert.Len(t, f.m.References(), 1)
}

func TestIndexPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention_index.json")

	ix, err := LoadIndex(path)
	require.NoError(t, err)
	assert.Empty(t, ix)

	require.NoError(t, UpdateIndex(path, func(ix Index) error {
		m, err := ix.Manager("/dest/one/blobs", 3)
		if err != nil {
			return err
		}
		m.VersionIndex["x"] = []SnapshotReference{{Hash: "h", Snapshot: "/dest/one/snapshot/s.json"}}
		_, err = ix.Manager("/dest/two/blobs", 5)
		return err
	}))
	assert.FileExists(t, path+".rs")

	ix, err = LoadIndex(path)
	require.NoError(t, err)
	require.Len(t, ix, 2)
	one := ix["/dest/one/blobs"]
	assert.Equal(t, 3, one.MaxVersions)
	assert.Equal(t, "/dest/one/blobs", one.BlobsDir)
	assert.Equal(t, "h", one.Versions("x")[0].Hash)
	assert.Equal(t, 5, ix["/dest/two/blobs"].MaxVersions)

	// Raising the limit doesn't evict anything.
	m, err := ix.Manager("/dest/one/blobs", 10)
	require.NoError(t, err)
	assert.Equal(t, 10, m.MaxVersions)
}

func TestLoadIndexCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retention_index.json")
	require.NoError(t, os.WriteFile(path, []byte("[1,2"), 0600))
	_, err := LoadIndex(path)
	assert.Equal(t, u.KindSerialization, u.KindOf(err))
}
