// storage/encrypted_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"errors"
	"testing"

	u "github.com/mmp/snapsafe/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCipher(t *testing.T, password string) *Cipher {
	salt := make([]byte, SaltSize)
	c, err := NewCipher(DeriveKey(password, salt))
	require.NoError(t, err)
	return c
}

func TestSealOpen(t *testing.T) {
	c := testCipher(t, "password")
	plain := []byte("This is a log in file2. What?")

	blob, nonce, err := c.Seal(plain)
	require.NoError(t, err)
	assert.Len(t, blob, NonceSize+len(plain)+16)
	assert.Equal(t, nonce[:], blob[:NonceSize])

	bn, err := BlobNonce(blob)
	require.NoError(t, err)
	assert.Equal(t, nonce, bn)

	out, err := c.Open(blob, nonce)
	require.NoError(t, err)
	assert.Equal(t, plain, out)
}

func TestSealUsesFreshNonces(t *testing.T) {
	c := testCipher(t, "password")
	_, n1, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	_, n2, err := c.Seal([]byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, n1, n2)
}

func TestOpenFailures(t *testing.T) {
	c := testCipher(t, "password")
	blob, nonce, err := c.Seal([]byte("secret"))
	require.NoError(t, err)

	// Wrong key.
	_, err = testCipher(t, "other").Open(blob, nonce)
	assert.True(t, errors.Is(err, ErrAuthFailed))
	assert.Equal(t, u.KindEncryptDecrypt, u.KindOf(err))

	// Nonce that doesn't match the blob.
	bad := nonce
	bad[0] ^= 1
	_, err = c.Open(blob, bad)
	assert.True(t, errors.Is(err, ErrAuthFailed))

	// Tampered ciphertext.
	tampered := append([]byte(nil), blob...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = c.Open(tampered, nonce)
	assert.True(t, errors.Is(err, ErrAuthFailed))

	// Truncated.
	_, err = c.Open(blob[:4], nonce)
	assert.True(t, errors.Is(err, ErrAuthFailed))
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("0123456789abcdef")
	k := DeriveKey("password", salt)
	assert.Len(t, k, KeySize)
	assert.Equal(t, k, DeriveKey("password", salt))
	assert.NotEqual(t, k, DeriveKey("password", []byte("fedcba9876543210")))
	assert.NotEqual(t, k, DeriveKey("Password", salt))

	s1, err := NewSalt()
	require.NoError(t, err)
	s2, err := NewSalt()
	require.NoError(t, err)
	assert.Len(t, s1, SaltSize)
	assert.NotEqual(t, s1, s2)
}

func TestNewCipherKeyLength(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	assert.Error(t, err)
}
