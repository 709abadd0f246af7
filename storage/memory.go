// storage/memory.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package storage

import (
	"fmt"
	"sync"
)

type memory struct {
	mu    sync.RWMutex
	blobs map[Hash][]byte
}

// Duplicate the provided byte slice.
func dupe(src []byte) []byte {
	d := make([]byte, len(src))
	copy(d, src)
	return d
}

// NewMemory returns a storage.Backend that stores all blobs in RAM.
// It's really only useful for testing of code built on top of
// storage.Backend, where we may want to save the trouble of saving a
// bunch of stuff to disk.
func NewMemory() Backend {
	return &memory{blobs: make(map[Hash][]byte)}
}

func (m *memory) String() string {
	return "memory"
}

func (m *memory) LogStats() {
}

func (m *memory) Write(hash Hash, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[hash] = dupe(data)
	return nil
}

func (m *memory) Read(hash Hash) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("%s: %w", hash, ErrHashNotFound)
	}
	return dupe(b), nil
}

func (m *memory) HashExists(hash Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blobs[hash]
	return ok
}

func (m *memory) Remove(hash Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blobs, hash)
	return nil
}

func (m *memory) Hashes() (map[Hash]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ret := make(map[Hash]struct{}, len(m.blobs))
	for h := range m.blobs {
		ret[h] = struct{}{}
	}
	return ret, nil
}
