// storage/storage_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimple(t *testing.T) {
	for _, backend := range getStorage(t) {
		// Write something simple and get it back.
		simple := []byte{0, 1, 2, 3, 4, 5}
		hash := HashBytes(simple)
		require.NoError(t, backend.Write(hash, simple), "%s", backend)

		assert.True(t, backend.HashExists(hash),
			"%s: hash doesn't exist even though just written?", backend)

		b, err := backend.Read(hash)
		require.NoError(t, err, "%s", backend)
		assert.Equal(t, simple, b, "%s: bytes mismatch", backend)
	}
}

func TestMissing(t *testing.T) {
	for _, backend := range getStorage(t) {
		hash := HashBytes([]byte("never written"))
		assert.False(t, backend.HashExists(hash), "%s", backend)

		_, err := backend.Read(hash)
		assert.True(t, errors.Is(err, ErrHashNotFound), "%s: %v", backend, err)

		// Removing something that isn't there is fine.
		assert.NoError(t, backend.Remove(hash), "%s", backend)
	}
}

func TestRemove(t *testing.T) {
	for _, backend := range getStorage(t) {
		a, b := []byte("alpha"), []byte("beta")
		ha, hb := HashBytes(a), HashBytes(b)
		require.NoError(t, backend.Write(ha, a))
		require.NoError(t, backend.Write(hb, b))

		require.NoError(t, backend.Remove(ha))
		assert.False(t, backend.HashExists(ha), "%s", backend)
		assert.True(t, backend.HashExists(hb), "%s", backend)

		hashes, err := backend.Hashes()
		require.NoError(t, err)
		assert.Equal(t, map[Hash]struct{}{hb: {}}, hashes, "%s", backend)
	}
}

func TestManyRandom(t *testing.T) {
	for _, backend := range getStorage(t) {
		var hashes []Hash
		var blobs [][]byte
		const count = 500

		for i := 0; i < count; i++ {
			buf := genRandom(rand.Intn(32 * 1024))
			hash := HashBytes(buf)
			require.NoError(t, backend.Write(hash, buf))
			hashes = append(hashes, hash)
			blobs = append(blobs, buf)
		}

		perm := rand.Perm(count)
		for _, i := range perm {
			b, err := backend.Read(hashes[i])
			require.NoError(t, err, "%s: %d", backend, i)
			if !assert.Equal(t, blobs[i], b, "%s: %d: didn't get same bytes back!", backend, i) {
				break
			}
		}
	}
}

func TestDiskIgnoresStrayFiles(t *testing.T) {
	dir := t.TempDir()
	backend, err := NewDisk(dir)
	require.NoError(t, err)

	data := []byte("blob")
	require.NoError(t, backend.Write(HashBytes(data), data))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), nil, 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), nil, 0600))

	hashes, err := backend.Hashes()
	require.NoError(t, err)
	assert.Len(t, hashes, 1)
}

func TestDiskRejectsRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, nil, 0600))
	_, err := NewDisk(path)
	assert.Error(t, err)
}

func TestParseHash(t *testing.T) {
	h := HashBytes([]byte("hello"))
	p, err := ParseHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, p)
	assert.Len(t, h.String(), 2*HashSize)

	_, err = ParseHash("abc")
	assert.True(t, errors.Is(err, ErrHashInvalid))
	_, err = ParseHash("zz")
	assert.Error(t, err)
}

func TestHashIsDeterministic(t *testing.T) {
	assert.Equal(t, HashBytes([]byte("x")), HashBytes([]byte("x")))
	assert.NotEqual(t, HashBytes([]byte("x")), HashBytes([]byte("y")))
}

func genRandom(n int) []byte {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return b
}

func getStorage(t *testing.T) []Backend {
	var b []Backend

	b = append(b, NewMemory())

	for i := 0; i < 2; i++ {
		d, err := NewDisk(filepath.Join(t.TempDir(), "blobs"))
		require.NoError(t, err)
		b = append(b, d)
	}

	return b
}
