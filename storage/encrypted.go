// storage/encrypted.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	u "github.com/mmp/snapsafe/util"
	"golang.org/x/crypto/argon2"
)

var ErrAuthFailed = errors.New("message authentication failed")

const (
	// NonceSize is the length of the random nonce that prefixes every
	// stored blob.
	NonceSize = 12
	// SaltSize is the length of the per-destination key-derivation salt.
	SaltSize = 16
	// KeySize is the length of derived AES-256 keys.
	KeySize = 32
)

// Key derivation parameters: argon2id, 2 passes over 19 MiB.
const (
	kdfTime    = 2
	kdfMemory  = 19 * 1024
	kdfThreads = 1
)

// Nonce is the AES-GCM nonce used to encrypt a blob. It's recorded
// both in the snapshot entry for the file and as the first NonceSize
// bytes of the blob itself.
type Nonce [NonceSize]byte

// DeriveKey turns a password and a destination's salt into an AES-256
// key. The same inputs always yield the same key.
func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, kdfTime, kdfMemory, kdfThreads, KeySize)
}

// NewSalt returns SaltSize cryptographically random bytes.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, u.WrapError(u.KindEncryptDecrypt, err, "generate salt")
	}
	return salt, nil
}

// Cipher encrypts and decrypts blob contents with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, u.Errorf(u.KindEncryptDecrypt, "key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, u.WrapError(u.KindEncryptDecrypt, err, "aes")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, u.WrapError(u.KindEncryptDecrypt, err, "gcm")
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plain under a fresh random nonce and returns the stored
// form of the blob (nonce followed by ciphertext) along with the nonce.
func (c *Cipher) Seal(plain []byte) ([]byte, Nonce, error) {
	var nonce Nonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nonce, u.WrapError(u.KindEncryptDecrypt, err, "generate nonce")
	}
	blob := make([]byte, NonceSize, NonceSize+len(plain)+c.aead.Overhead())
	copy(blob, nonce[:])
	return c.aead.Seal(blob, nonce[:], plain, nil), nonce, nil
}

// Open authenticates and decrypts a blob produced by Seal. The nonce
// must match the one the blob was sealed with.
func (c *Cipher) Open(blob []byte, nonce Nonce) ([]byte, error) {
	stored, err := BlobNonce(blob)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(stored[:], nonce[:]) {
		return nil, u.WrapError(u.KindEncryptDecrypt, ErrAuthFailed, "nonce mismatch")
	}
	plain, err := c.aead.Open(nil, nonce[:], blob[NonceSize:], nil)
	if err != nil {
		return nil, u.WrapError(u.KindEncryptDecrypt, ErrAuthFailed, "decrypt")
	}
	return plain, nil
}

// BlobNonce returns the nonce a stored blob was sealed with.
func BlobNonce(blob []byte) (Nonce, error) {
	var nonce Nonce
	if len(blob) < NonceSize {
		return nonce, u.WrapError(u.KindEncryptDecrypt, ErrAuthFailed,
			fmt.Sprintf("blob too short (%d bytes)", len(blob)))
	}
	copy(nonce[:], blob[:NonceSize])
	return nonce, nil
}
