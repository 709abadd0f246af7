// registry/registry_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package registry

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mmp/snapsafe/password"
	u "github.com/mmp/snapsafe/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingAndEmpty(t *testing.T) {
	dir := t.TempDir()

	r, err := Load(Path(dir))
	require.NoError(t, err)
	assert.Empty(t, r.Entries)

	require.NoError(t, os.WriteFile(Path(dir), nil, 0600))
	r, err = Load(Path(dir))
	require.NoError(t, err)
	assert.Empty(t, r.Entries)
}

func TestLoadCorrupt(t *testing.T) {
	path := Path(t.TempDir())
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0600))
	_, err := Load(path)
	assert.Equal(t, u.KindSerialization, u.KindOf(err))
}

func TestRepairFromParity(t *testing.T) {
	path := Path(t.TempDir())
	var r Registry
	r.AddBackup(NewEntry("/src", "/dest", password.Password{}, "zstd"))
	require.NoError(t, r.Save(path))
	assert.FileExists(t, path+".rs")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	b[0] = '#'
	require.NoError(t, os.WriteFile(path, b, 0600))

	r2, err := Load(path)
	require.NoError(t, err)
	require.Len(t, r2.Entries, 1)
	assert.Equal(t, "/dest", r2.Entries[0].BackupPath)
}

func TestSaveLoad(t *testing.T) {
	path := Path(t.TempDir())
	pw := password.Password{Hash: "$argon2id$v=19$m=19456,t=2,p=1$c2FsdA$aGFzaA"}

	var r Registry
	require.NoError(t, r.Save(path))
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(b))

	e := NewEntry("/src", "/dest", pw, "gzip")
	r.AddBackup(e)
	require.NoError(t, r.Save(path))

	r2, err := Load(path)
	require.NoError(t, err)
	require.Len(t, r2.Entries, 1)
	got := r2.Entries[0]
	assert.Equal(t, e.ID, got.ID)
	assert.Equal(t, "/src", got.OriginPath)
	assert.Equal(t, "/dest", got.BackupPath)
	assert.Equal(t, pw, got.Password)
	assert.Equal(t, 1, got.SnapshotCount)
	assert.Equal(t, "gzip", got.CompressionAlgorithm)
	assert.True(t, e.Timestamp.Equal(got.Timestamp))

	// The on-disk form uses the documented field names.
	b, err = os.ReadFile(path)
	require.NoError(t, err)
	for _, k := range []string{`"id"`, `"timestamp"`, `"origin_path"`, `"backup_path"`,
		`"password"`, `"hash"`, `"snapshot_count"`, `"compression_algorithm"`} {
		assert.Contains(t, string(b), k)
	}
}

func TestFind(t *testing.T) {
	var r Registry
	r.AddBackup(NewEntry("/a", "/d1", password.Password{}, "gzip"))
	r.AddBackup(NewEntry("/b", "/d2", password.Password{}, "zstd"))

	e, ok := r.FindEntry("/b", "/d2")
	assert.True(t, ok)
	assert.Equal(t, "zstd", e.CompressionAlgorithm)

	_, ok = r.FindEntry("/a", "/d2")
	assert.False(t, ok)

	e, ok = r.FindEntryFromDest("/d1")
	assert.True(t, ok)
	assert.Equal(t, "/a", e.OriginPath)

	_, ok = r.FindEntryFromDest("/d3")
	assert.False(t, ok)
}

func TestAddBackupUpserts(t *testing.T) {
	var r Registry
	e := NewEntry("/a", "/d", password.Password{}, "gzip")
	r.AddBackup(e)

	e.SnapshotCount = 2
	r.AddBackup(e)
	require.Len(t, r.Entries, 1)
	assert.Equal(t, 2, r.Entries[0].SnapshotCount)

	// Zero-count entries are dropped rather than stored.
	e.SnapshotCount = 0
	r.AddBackup(e)
	assert.Empty(t, r.Entries)

	r.AddBackup(e)
	assert.Empty(t, r.Entries)
}

func TestRemoveBackup(t *testing.T) {
	var r Registry
	e1 := NewEntry("/a", "/d1", password.Password{}, "gzip")
	e2 := NewEntry("/b", "/d2", password.Password{}, "gzip")
	r.AddBackup(e1)
	r.AddBackup(e2)

	r.RemoveBackup(e1)
	require.Len(t, r.Entries, 1)
	assert.Equal(t, e2.ID, r.Entries[0].ID)
	r.RemoveBackup(e1)
	assert.Len(t, r.Entries, 1)
}

func TestUpdate(t *testing.T) {
	path := Path(filepath.Join(t.TempDir(), "nested"))

	// Concurrent updaters don't lose each other's entries.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, Update(path, func(r *Registry) error {
				r.AddBackup(NewEntry("/src", filepath.Join("/dest", string(rune('a'+i))),
					password.Password{}, "gzip"))
				return nil
			}))
		}(i)
	}
	wg.Wait()

	r, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, r.Entries, 8)

	// A failing update leaves the file alone.
	boom := errors.New("boom")
	err = Update(path, func(r *Registry) error {
		r.Entries = nil
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	r, err = Load(path)
	require.NoError(t, err)
	assert.Len(t, r.Entries, 8)
}
