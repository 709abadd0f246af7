// cmd/snapsafe/format.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

var formatText = `

This document describes the way that snapsafe stores backups in enough
detail that (if ever necessary) a backup could be restored without the
snapsafe source code. We'll go bottom-up, from the files in a destination
directory to the machine-wide state that ties destinations together.

# Destination layout

A destination directory holds:

	key_salt           16 random bytes, created by the first backup
	binding.json       the origin path, password record and compression
	blobs/<hash>       one encrypted file payload per distinct content
	snapshot/<ts>.json one index per backup run
	snapshot/<ts>.json.rs  Reed-Solomon parity for that index
	.snapsafe.lock     advisory lock held while snapsafe is working

# Key derivation

The encryption key is 32 bytes of argon2id output (time 2, memory 19 MiB,
one thread) computed from the password and the contents of key_salt.

The password itself isn't stored. binding.json and the registry hold a
PHC-format argon2id record of it, like

	$argon2id$v=19$m=19456,t=2,p=1$<salt>$<hash>

with the salt and hash in unpadded base64. It's only used to check that
the password given is the one the destination was created with.

# Blobs

To store a file, its contents are first compressed with the destination's
algorithm: one of none, gzip, zlib, brotli, zstd or lzma. The name of the
blob is the hex encoding of the first 32 bytes of SHAKE256 of the
compressed bytes.

The compressed bytes are then encrypted with AES-256-GCM using a random
12-byte nonce and no additional data. A blob file consists of the nonce
followed by the ciphertext (which ends with GCM's 16-byte tag). The nonce
is also recorded in the snapshot entries that refer to the blob.

So to recover a file: read its blob, split off the nonce, decrypt, and
decompress. The SHAKE256 of the decrypted bytes must match the blob name.

# Snapshots

Each backup run writes one JSON file named for its UTC start time, in the
form 2006-01-02T15-04-05.000000000Z.json; sorting the names sorts the
snapshots chronologically. Its contents are:

	{
	  "timestamp": "<RFC 3339 time>",
	  "files": {
	    "<slash-separated path relative to the origin>": {
	      "hash": "<blob name>",
	      "nonce": [12 byte values],
	      "modified": "<RFC 3339 modification time>",
	      "isupdated": <true if this run stored the blob>
	    },
	    ...
	  }
	}

Every snapshot lists every file that was present when it was made, so any
single snapshot is enough to restore that point in time. Files that
hadn't changed are carried forward from the previous snapshot with
isupdated set to false.

When old versions of a file are discarded (see gc_limit below), their
entries are removed from the snapshots that refer to them and the
snapshot files are rewritten in place.

# Reed-Solomon encoding

Each snapshot file has a .rs file holding Reed-Solomon parity for it,
stored with Go's "gob" encoding:

const HashSize = 64
type Hash [HashSize]byte

type ReedSolomonFile struct {
	// Size of the original file
	FileSize                   int64
	NDataShards, NParityShards int
	HashRate                   int64
	Hashes                     [][]Hash // First the data hashes, then the parity hashes.
	ParityShards               [][]byte
}

The file is split into NDataShards equal shards (the last padded with
zeros) and each shard's SHAKE256 is recorded every HashRate bytes, so
damaged regions can be found and reconstructed from the parity shards.

# Machine-wide state

The registry directory (~/.snapsafe by default) holds:

	backup_registry.json   a JSON array of destinations: id, timestamp,
	                       origin_path, backup_path, password,
	                       snapshot_count, compression_algorithm
	retention_index.json   for each destination's blobs directory, the
	                       retained versions of each path, newest first
	snapsafe.toml          configuration

Both JSON files can be rebuilt: snapshot counts come from the snapshot
files on disk, and "snapsafe reconcile DEST" re-registers a destination
from its binding.json.

`
