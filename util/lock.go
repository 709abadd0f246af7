// util/lock.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"errors"
	"path/filepath"

	"github.com/gofrs/flock"
)

var ErrLocked = errors.New("locked by another process")

// WithFileLock runs fn while holding an exclusive advisory lock on
// path+".lock", blocking until the lock is available. It's used to make
// load-modify-save cycles on shared state files atomic with respect to
// other snapsafe processes.
func WithFileLock(path string, fn func() error) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return WrapError(KindIO, err, path)
	}
	fl := flock.New(path + ".lock")
	if err := fl.Lock(); err != nil {
		return WrapError(KindIO, err, "lock "+path)
	}
	defer fl.Unlock()

	return fn()
}

// TryLock takes an exclusive advisory lock on the file at path without
// blocking. If another process holds it, an error wrapping ErrLocked is
// returned. The returned function releases the lock.
func TryLock(path string) (func(), error) {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return nil, WrapError(KindIO, err, path)
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, WrapError(KindIO, err, "lock "+path)
	} else if !ok {
		return nil, WrapError(KindIO, ErrLocked, path)
	}
	return func() { fl.Unlock() }, nil
}
