// storage/storage.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"encoding/hex"
	"errors"
	"fmt"

	u "github.com/mmp/snapsafe/util"
	"golang.org/x/crypto/sha3"
)

var (
	ErrHashNotFound = errors.New("hash not found")
	ErrHashInvalid  = errors.New("invalid hash")
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

///////////////////////////////////////////////////////////////////////////
// Hashing

// HashSize is the number of bytes in the hash values used to identify
// blobs.
const HashSize = 32

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

// ParseHash decodes a hexidecimal-encoded hash as produced by
// Hash.String.
func ParseHash(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != HashSize {
		return h, fmt.Errorf("%q: %w", s, ErrHashInvalid)
	}
	copy(h[:], b)
	return h, nil
}

// String returns the given Hash as a hexidecimal-encoded string.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

///////////////////////////////////////////////////////////////////////////
// Interface to storage backends

// Backend describes the content-addressed blob store of a backup
// destination. Each blob is named by the hash of the (compressed)
// plaintext it holds; the bytes actually stored are whatever the caller
// provides, normally ciphertext.
//
// Backends are not safe for concurrent mutation, though Read may be called
// from multiple goroutines as long as nothing is writing.
type Backend interface {
	// String returns the name of the Backend in the form of a string.
	String() string

	// LogStats reports any statistics that the Backend may have gathered
	// during the course of its operation.
	LogStats()

	// Write stores data under the given hash. Writing a hash that is
	// already present replaces its contents.
	Write(hash Hash, data []byte) error

	// Read returns the bytes stored for the given hash, or an error
	// wrapping ErrHashNotFound.
	Read(hash Hash) ([]byte, error)

	// HashExists reports whether a blob with the given hash exists.
	HashExists(hash Hash) bool

	// Remove deletes the blob for the given hash. Removing a hash that
	// isn't present is not an error.
	Remove(hash Hash) error

	// Hashes returns all of the hashes stored by the backend.
	Hashes() (map[Hash]struct{}, error)
}
