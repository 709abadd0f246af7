// backup/engine.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

// Package backup ties the pieces together: it backs up a source
// directory to a destination, restores and deletes snapshots, and keeps
// the machine-wide registry and retention index consistent with what is
// on disk at each destination.
package backup

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/mmp/snapsafe/config"
	"github.com/mmp/snapsafe/password"
	"github.com/mmp/snapsafe/registry"
	"github.com/mmp/snapsafe/snapshot"
	"github.com/mmp/snapsafe/storage"
	u "github.com/mmp/snapsafe/util"
)

///////////////////////////////////////////////////////////////////////////
// Logging

var log *u.Logger

func SetLogger(l *u.Logger) {
	log = l
}

var (
	ErrNoBackup          = errors.New("no backup found")
	ErrDestinationLocked = errors.New("destination is in use by another snapsafe process")
)

// Prompter supplies passwords and answers yes/no questions, normally by
// asking the user.
type Prompter interface {
	// Password returns the password for the destination dest. When
	// confirm is set the password is being chosen for the first time.
	Password(dest string, confirm bool) (string, error)
	Confirm(question string) (bool, error)
}

// StaticPrompter answers every request with fixed values. It's used for
// non-interactive runs, where the password comes from the environment.
type StaticPrompter struct {
	Pass string
	Yes  bool
}

func (p StaticPrompter) Password(dest string, confirm bool) (string, error) {
	if p.Pass == "" {
		return "", u.Errorf(u.KindPassword, "no password available for %s", dest)
	}
	return p.Pass, nil
}

func (p StaticPrompter) Confirm(question string) (bool, error) {
	return p.Yes, nil
}

// Engine performs backup operations using the registry and retention
// index under its configuration's registry directory.
type Engine struct {
	cfg    *config.Config
	prompt Prompter
	// Now is used for the timestamps of new snapshots.
	Now func() time.Time
}

func New(cfg *config.Config, p Prompter) *Engine {
	return &Engine{cfg: cfg, prompt: p, Now: time.Now}
}

///////////////////////////////////////////////////////////////////////////
// destination

// A destination directory holds key_salt, blobs/, snapshot/,
// binding.json and a lock file.
type destination struct {
	dir string
}

const (
	saltFile    = "key_salt"
	bindingFile = "binding.json"
	lockFile    = ".snapsafe.lock"
	blobsSubdir = "blobs"
)

func (d destination) blobsDir() string    { return filepath.Join(d.dir, blobsSubdir) }
func (d destination) snapshotDir() string { return snapshot.Dir(d.dir) }

// lock takes the destination's lock, failing immediately if another
// process holds it.
func (d destination) lock(kind u.Kind) (func(), error) {
	unlock, err := u.TryLock(filepath.Join(d.dir, lockFile))
	if errors.Is(err, u.ErrLocked) {
		return nil, u.WrapError(kind, ErrDestinationLocked, d.dir)
	} else if err != nil {
		return nil, u.WrapError(kind, err, d.dir)
	}
	return unlock, nil
}

// salt returns the destination's key derivation salt, creating it if
// create is set and there isn't one yet.
func (d destination) salt(create bool) ([]byte, error) {
	path := filepath.Join(d.dir, saltFile)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		if !create {
			return nil, u.Errorf(u.KindEncryptDecrypt, "%s: key salt is missing", d.dir)
		}
		if b, err = storage.NewSalt(); err != nil {
			return nil, u.WrapError(u.KindEncryptDecrypt, err, "salt")
		}
		if err := u.WriteFileAtomic(path, b, 0600); err != nil {
			return nil, u.WrapError(u.KindIO, err, path)
		}
		return b, nil
	} else if err != nil {
		return nil, u.WrapError(u.KindIO, err, path)
	}
	if len(b) != storage.SaltSize {
		return nil, u.Errorf(u.KindEncryptDecrypt, "%s: expected %d bytes of salt, found %d",
			path, storage.SaltSize, len(b))
	}
	return b, nil
}

func (d destination) cipher(pw string, create bool) (*storage.Cipher, error) {
	salt, err := d.salt(create)
	if err != nil {
		return nil, err
	}
	c, err := storage.NewCipher(storage.DeriveKey(pw, salt))
	if err != nil {
		return nil, u.WrapError(u.KindEncryptDecrypt, err, "")
	}
	return c, nil
}

// count returns the number of snapshots stored at the destination.
func (d destination) count() (int, error) {
	paths, err := snapshot.List(d.snapshotDir())
	return len(paths), err
}

// Binding is the destination's own record of what it holds and the
// password it is bound to. It duplicates the registry entry so that a
// destination can be verified and re-registered without the registry.
type Binding struct {
	OriginPath  string            `json:"origin_path"`
	Password    password.Password `json:"password"`
	Compression string            `json:"compression"`
	Created     time.Time         `json:"created"`
}

// loadBinding returns nil if the destination has no binding file.
func (d destination) loadBinding() (*Binding, error) {
	path := filepath.Join(d.dir, bindingFile)
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, u.WrapError(u.KindIO, err, path)
	}
	var bd Binding
	if err := json.Unmarshal(b, &bd); err != nil {
		return nil, u.WrapError(u.KindSerialization, err, path)
	}
	return &bd, nil
}

func (d destination) saveBinding(bd *Binding) error {
	path := filepath.Join(d.dir, bindingFile)
	b, err := json.MarshalIndent(bd, "", "  ")
	if err != nil {
		return u.WrapError(u.KindSerialization, err, path)
	}
	if err := u.WriteFileAtomic(path, b, 0600); err != nil {
		return u.WrapError(u.KindIO, err, path)
	}
	return nil
}

///////////////////////////////////////////////////////////////////////////
// Opening existing destinations

// session is an existing destination that has been locked and whose
// password has been verified.
type session struct {
	destination
	unlock      func()
	entry       registry.BackupEntry
	registered  bool
	binding     *Binding
	record      password.Password
	origin      string
	compression storage.Compression
	pass        string
}

func (s *session) close() {
	if s.unlock != nil {
		s.unlock()
	}
}

// lookup finds what is known about the destination at dir, preferring
// the registry entry over the destination's binding file.
func (e *Engine) lookup(d destination) (entry registry.BackupEntry, registered bool, bd *Binding, err error) {
	r, err := registry.Load(e.cfg.RegistryPath())
	if err != nil {
		return
	}
	entry, registered = r.FindEntryFromDest(d.dir)
	bd, err = d.loadBinding()
	return
}

// open locks the destination at dir and verifies the user's password
// against its stored record. Destinations with no record at all give
// ErrNoBackup.
func (e *Engine) open(dir string, kind u.Kind) (*session, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, u.WrapError(kind, err, dir)
	}
	if !u.DirExists(dir) {
		return nil, u.WrapError(kind, ErrNoBackup, dir)
	}

	s := &session{destination: destination{dir: dir}}
	if s.unlock, err = s.lock(kind); err != nil {
		return nil, err
	}

	ok := false
	defer func() {
		if !ok {
			s.close()
		}
	}()

	if s.entry, s.registered, s.binding, err = e.lookup(s.destination); err != nil {
		return nil, err
	}
	var compression string
	switch {
	case s.registered:
		s.record, s.origin, compression = s.entry.Password, s.entry.OriginPath, s.entry.CompressionAlgorithm
	case s.binding != nil:
		s.record, s.origin, compression = s.binding.Password, s.binding.OriginPath, s.binding.Compression
	default:
		return nil, u.WrapError(kind, ErrNoBackup, dir)
	}
	if s.compression, err = storage.ParseCompression(compression); err != nil {
		return nil, err
	}

	if s.pass, err = e.prompt.Password(dir, false); err != nil {
		return nil, err
	}
	if err := s.record.Check(s.pass); err != nil {
		return nil, err
	}

	ok = true
	return s, nil
}

// within reports whether path is dir or lies below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
