// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"fmt"
	"os"
	"sync"

	"github.com/zeebo/blake3"
)

// blockDomainKey separates block content digests from any other
// BLAKE3 use. The bytes are the ASCII domain name zero-padded to the
// 32-byte keyed-mode key size, readable in hex dumps.
var blockDomainKey = []byte{
	't', 'i', 'e', 'r', 's', 't', 'o', 'r', 'e', '.', 'b', 'l', 'o', 'c', 'k',
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

func newBlockHasher() *blake3.Hasher {
	hasher, err := blake3.NewKeyed(blockDomainKey)
	if err != nil {
		panic("localstore: keyed hasher initialization failed: " + err.Error())
	}
	return hasher
}

// contentDigest computes the block-domain digest of data in one shot.
func contentDigest(data []byte) []byte {
	hasher := newBlockHasher()
	hasher.Write(data)
	return hasher.Sum(nil)
}

// TempBlock is an in-progress promotion target. Bytes are appended by
// the UFS block reader's tee; the digest is computed incrementally as
// they arrive. Safe for one writer with concurrent discard from
// session cleanup.
type TempBlock struct {
	store *Store
	key   tempKey
	path  string
	size  int64

	mu        sync.Mutex
	file      *os.File
	hasher    *blake3.Hasher
	written   int64
	closed    bool
	discarded bool
}

func newTempBlock(store *Store, key tempKey, path string, size int64) (*TempBlock, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("localstore: creating temp block: %w", err)
	}
	return &TempBlock{
		store:  store,
		key:    key,
		path:   path,
		size:   size,
		file:   file,
		hasher: newBlockHasher(),
	}, nil
}

// Write appends p to the temp block. Writing past the allocated size
// fails: the block's length is known at allocation time.
func (b *TempBlock) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discarded {
		return 0, fmt.Errorf("localstore: temp block discarded")
	}
	if b.closed {
		return 0, fmt.Errorf("localstore: temp block closed")
	}
	if b.written+int64(len(p)) > b.size {
		return 0, fmt.Errorf("localstore: write exceeds allocation of %d bytes", b.size)
	}
	n, err := b.file.Write(p)
	b.written += int64(n)
	b.hasher.Write(p[:n])
	if err != nil {
		return n, fmt.Errorf("localstore: writing temp block: %w", err)
	}
	return n, nil
}

// Close finalizes the temp data without committing. The block stays
// on disk for a later CommitBlock. Idempotent.
func (b *TempBlock) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeLocked()
}

func (b *TempBlock) closeLocked() error {
	if b.closed || b.discarded {
		return nil
	}
	b.closed = true
	if err := b.file.Close(); err != nil {
		return fmt.Errorf("localstore: closing temp block: %w", err)
	}
	return nil
}

// Abort discards the temp block. Idempotent.
func (b *TempBlock) Abort() error {
	b.discard()
	return nil
}

// Written returns the bytes appended so far.
func (b *TempBlock) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// Size returns the allocated size.
func (b *TempBlock) Size() int64 { return b.size }

func (b *TempBlock) complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written == b.size
}

// finalize closes the temp file and returns its content and digest.
func (b *TempBlock) finalize() ([]byte, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.discarded {
		return nil, nil, fmt.Errorf("temp block discarded")
	}
	if err := b.closeLocked(); err != nil {
		return nil, nil, err
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return nil, nil, err
	}
	return data, b.hasher.Sum(nil), nil
}

// discard removes the temp data and deregisters the block.
func (b *TempBlock) discard() {
	b.mu.Lock()
	if b.discarded {
		b.mu.Unlock()
		return
	}
	b.discarded = true
	if !b.closed {
		b.file.Close()
		b.closed = true
	}
	b.mu.Unlock()

	os.Remove(b.path)
	b.store.removeTemp(b.key)
}
