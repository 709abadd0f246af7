// rdso/rdso.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Simple APIs to apply Reed-Solomon encoding to files, based on
// github.com/klauspost/reedsolomon. Provides facilities to check the
// integrity of encoded files and to recover corrupt files.

package rdso

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/reedsolomon"
	u "github.com/mmp/snapsafe/util"
	"golang.org/x/crypto/sha3"
)

var (
	ErrFileCorrupt     = errors.New("file corrupt")
	ErrTooMuchDamage   = errors.New("too many corrupt shards to recover")
	ErrInvalidEncoding = errors.New("invalid Reed-Solomon encoding")
)

// Defaults used for snapshot sidecars; snapshots are small, so the hash
// rate is too.
const (
	DefaultDataShards   = 17
	DefaultParityShards = 3
	DefaultHashRate     = 4096
)

// HashSize is the number of bytes in the hash values returned to
// represent blobs of data.
const HashSize = 64

// Hash encodes a fixed-size secure hash of a collection of bytes.
type Hash [HashSize]byte

// HashBytes computes the SHAKE256 hash of the given byte slice.
func HashBytes(b []byte) Hash {
	var h Hash
	sha3.ShakeSum256(h[:], b)
	return h
}

type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

// Encode computes the Reed-Solomon parity information for data and
// returns it in serialized form.
func Encode(data []byte, nDataShards, nParityShards int, hashRate int64) ([]byte, error) {
	if nDataShards < 1 || nParityShards < 1 || hashRate < 1 {
		return nil, fmt.Errorf("%d data shards, %d parity, hash rate %d: %w",
			nDataShards, nParityShards, hashRate, ErrInvalidEncoding)
	}
	rs := ReedSolomonFile{
		FileSize:      int64(len(data)),
		NDataShards:   nDataShards,
		NParityShards: nParityShards,
		HashRate:      hashRate,
	}

	dataShards := shardData(data, rs.FileSize, nDataShards)

	// Allocate storage for the parity shards.
	for i := 0; i < nParityShards; i++ {
		rs.ParityShards = append(rs.ParityShards,
			make([]byte, len(dataShards[0])))
	}

	// Reed-Solomon encode the sharded file.
	enc, err := reedsolomon.New(nDataShards, nParityShards)
	if err != nil {
		return nil, err
	}
	allShards := append(dataShards, rs.ParityShards...)
	if err = enc.Encode(allShards); err != nil {
		return nil, err
	}

	// Sanity check the results.
	if ok, err := enc.Verify(allShards); !ok || err != nil {
		return nil, fmt.Errorf("parity verification failed: %v", err)
	}

	// Compute the hashes.
	for _, s := range allShards {
		rs.Hashes = append(rs.Hashes, hash(shard(s, hashRate)))
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rs); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Splits data into nshards equal-sized, zero-padded shards sized for a
// file of the given size. If data is shorter than size (e.g., it was
// truncated), the missing bytes are zeros; extra bytes are ignored.
func shardData(data []byte, size int64, nshards int) [][]byte {
	shardSize := (size + int64(nshards) - 1) / int64(nshards)
	if shardSize == 0 {
		shardSize = 1
	}
	// Allocate extra space so all shards can be the same size.
	buf := make([]byte, int64(nshards)*shardSize)
	copy(buf, data[:min(int64(len(data)), size)])
	return shard(buf, shardSize)
}

func shard(b []byte, size int64) (s [][]byte) {
	for {
		if int64(len(b)) > size {
			s = append(s, b[:size])
			b = b[size:]
		} else {
			s = append(s, b)
			return
		}
	}
}

func hash(b [][]byte) (hashes []Hash) {
	for _, s := range b {
		hashes = append(hashes, HashBytes(s))
	}
	return
}

// Check verifies data against its encoding and returns ErrFileCorrupt
// if any shard doesn't match.
func Check(data, encoding []byte, log *u.Logger) error {
	_, err := checkOrRestore(data, encoding, "", log, false)
	return err
}

// Restore returns data with any corruption repaired. It returns
// ErrTooMuchDamage if more shards are damaged than parity can cover.
func Restore(data, encoding []byte, log *u.Logger) ([]byte, error) {
	return checkOrRestore(data, encoding, "", log, true)
}

func checkOrRestore(data, encoding []byte, name string, log *u.Logger,
	restore bool) ([]byte, error) {
	rs, err := decodeEncoding(encoding)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "data"
	}

	dataShards := shardData(data, rs.FileSize, rs.NDataShards)
	if len(rs.ParityShards) != rs.NParityShards ||
		len(rs.Hashes) != rs.NDataShards+rs.NParityShards ||
		(rs.NParityShards > 0 && len(rs.ParityShards[0]) != len(dataShards[0])) {
		return nil, ErrInvalidEncoding
	}

	// First shard as for R-S, then shard for the hash chunk size
	var allShards [][][]byte
	for _, s := range dataShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}
	for _, s := range rs.ParityShards {
		allShards = append(allShards, shard(s, rs.HashRate))
	}

	// Loop over the hash chunks
	nerrors := 0
	nHashChunks := len(allShards[0]) // == len(allShards[*])
	for s := range allShards {
		if len(rs.Hashes[s]) != nHashChunks {
			return nil, ErrInvalidEncoding
		}
	}
	for hc := 0; hc < nHashChunks; hc++ {
		for s := 0; s < len(allShards); s++ {
			if HashBytes(allShards[s][hc]) != rs.Hashes[s][hc] {
				kind, idx := "data", s
				if s >= len(dataShards) {
					kind, idx = "parity", s-len(dataShards)
				}
				if restore {
					log.Warning("%s: %s shard %d hash %d mismatch", name, kind, idx, hc)
				} else {
					log.Error("%s: %s shard %d hash %d mismatch", name, kind, idx, hc)
				}
				nerrors++
				// nil it out (in case we're going to try and recover)
				allShards[s][hc] = nil
			}
		}
	}

	if nerrors == 0 {
		if int64(len(data)) != rs.FileSize {
			// The shards matched, so the size must have been wrong;
			// e.g. trailing garbage was appended.
			if !restore {
				return nil, ErrFileCorrupt
			}
			return join(dataShards, rs.FileSize), nil
		}
		return data, nil
	} else if !restore {
		return nil, ErrFileCorrupt
	}

	// Try to recover the file.
	enc, err := reedsolomon.New(rs.NDataShards, rs.NParityShards)
	if err != nil {
		return nil, err
	}

	for hc := 0; hc < nHashChunks; hc++ {
		// Recover this chunk, if needed.
		missing := 0
		var recon [][]byte
		for _, shard := range allShards {
			recon = append(recon, shard[hc])
			if shard[hc] == nil {
				missing++
			}
		}
		if missing == 0 {
			continue
		}
		if missing > rs.NParityShards {
			return nil, ErrTooMuchDamage
		}
		if err = enc.ReconstructData(recon); err != nil {
			return nil, fmt.Errorf("%v: %w", err, ErrTooMuchDamage)
		}

		for s := 0; s < len(dataShards); s++ {
			copy(dataShards[s][int64(hc)*rs.HashRate:], recon[s])
		}
	}

	return join(dataShards, rs.FileSize), nil
}

// Concatenates shards and truncates the result to the original size.
func join(shards [][]byte, size int64) []byte {
	out := make([]byte, 0, size)
	for _, s := range shards {
		out = append(out, s...)
	}
	return out[:size]
}

func decodeEncoding(encoding []byte) (ReedSolomonFile, error) {
	var rs ReedSolomonFile
	if err := gob.NewDecoder(bytes.NewReader(encoding)).Decode(&rs); err != nil {
		return rs, fmt.Errorf("%v: %w", err, ErrInvalidEncoding)
	}
	if rs.NDataShards < 1 || rs.NParityShards < 1 || rs.HashRate < 1 || rs.FileSize < 0 {
		return rs, ErrInvalidEncoding
	}
	return rs, nil
}

///////////////////////////////////////////////////////////////////////////
// Files

// EncodeFile writes the Reed-Solomon encoding of the file fn to rsfn.
func EncodeFile(fn, rsfn string, nDataShards int, nParityShards int,
	hashRate int64) error {
	data, err := os.ReadFile(fn)
	if err != nil {
		return err
	}
	enc, err := Encode(data, nDataShards, nParityShards, hashRate)
	if err != nil {
		return err
	}
	return u.WriteFileAtomic(rsfn, enc, 0600)
}

func CheckFile(fn, rsfn string, log *u.Logger) error {
	data, encoding, err := readPair(fn, rsfn)
	if err != nil {
		return err
	}
	_, err = checkOrRestore(data, encoding, fn, log, false)
	return err
}

// RestoreFile repairs fn in place if it is corrupt. It reports whether
// the file was rewritten.
func RestoreFile(fn, rsfn string, log *u.Logger) (bool, error) {
	data, encoding, err := readPair(fn, rsfn)
	if err != nil {
		return false, err
	}
	fixed, err := checkOrRestore(data, encoding, fn, log, true)
	if err != nil {
		return false, err
	}
	if bytes.Equal(fixed, data) {
		return false, nil
	}
	log.Warning("%s: recovered corrupt file from %s", fn, rsfn)
	return true, u.WriteFileAtomic(fn, fixed, 0600)
}

func readPair(fn, rsfn string) ([]byte, []byte, error) {
	encoding, err := os.ReadFile(rsfn)
	if err != nil {
		return nil, nil, err
	}
	// A missing data file is treated as all-zero and may be recoverable.
	data, err := os.ReadFile(fn)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, nil, err
	}
	return data, encoding, nil
}

///////////////////////////////////////////////////////////////////////////
// Files with sidecars

// Suffix is appended to a file's name to get its parity file's name.
const Suffix = ".rs"

// WriteWithParity atomically writes data to fn and a parity file for it
// to fn+Suffix, using the default encoding parameters.
func WriteWithParity(fn string, data []byte) error {
	enc, err := Encode(data, DefaultDataShards, DefaultParityShards, DefaultHashRate)
	if err != nil {
		return err
	}
	if err := u.WriteFileAtomic(fn, data, 0600); err != nil {
		return err
	}
	return u.WriteFileAtomic(fn+Suffix, enc, 0600)
}

// ReadRepaired returns the contents of fn. If valid rejects them and fn
// has a parity file, fn is repaired in place and read again. The error
// from valid is returned if the file can't be repaired.
func ReadRepaired(fn string, valid func([]byte) error, log *u.Logger) ([]byte, error) {
	data, err := os.ReadFile(fn)
	if err != nil {
		return nil, err
	}
	verr := valid(data)
	if verr == nil || !u.FileExists(fn+Suffix) {
		return data, verr
	}

	if fixed, err := RestoreFile(fn, fn+Suffix, log); err != nil || !fixed {
		return data, verr
	}
	if data, err = os.ReadFile(fn); err != nil {
		return nil, err
	}
	return data, valid(data)
}
