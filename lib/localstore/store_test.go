// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package localstore

import (
	"bytes"
	"errors"
	"testing"
)

func newTestStore(t *testing.T, compression Compression) *Store {
	t.Helper()
	store, err := Open(Config{Path: t.TempDir(), Compression: compression, PoolSize: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func promote(t *testing.T, store *Store, sessionID, blockID int64, data []byte) {
	t.Helper()
	block, err := store.AllocateTempBlock(sessionID, blockID, int64(len(data)))
	if err != nil {
		t.Fatalf("AllocateTempBlock: %v", err)
	}
	if _, err := block.Write(data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := block.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := store.CommitBlock(sessionID, blockID); err != nil {
		t.Fatalf("CommitBlock: %v", err)
	}
}

func compressibleBytes(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i / 64)
	}
	return data
}

func TestCommitAndReadBack(t *testing.T) {
	for _, tag := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(tag.String(), func(t *testing.T) {
			store := newTestStore(t, tag)
			data := compressibleBytes(4096)
			promote(t, store, 1, 7, data)

			got, err := store.OpenBlock(7)
			if err != nil {
				t.Fatalf("OpenBlock: %v", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatal("read-back mismatch")
			}
			committed, err := store.IsCommitted(7)
			if err != nil || !committed {
				t.Fatalf("IsCommitted: (%v, %v)", committed, err)
			}
		})
	}
}

func TestIncompressibleBlockStoredRaw(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	// 200 distinct byte values with no repeats: LZ4 finds no matches
	// and the store must fall back to raw rather than grow the block.
	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i * 7)
	}
	promote(t, store, 1, 7, data)
	got, err := store.OpenBlock(7)
	if err != nil {
		t.Fatalf("OpenBlock: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("raw fallback read-back mismatch")
	}
}

func TestZeroLengthBlock(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	promote(t, store, 1, 7, nil)
	got, err := store.OpenBlock(7)
	if err != nil {
		t.Fatalf("OpenBlock: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("zero-length block read back %d bytes", len(got))
	}
}

func TestOpenBlockMissing(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	if _, err := store.OpenBlock(404); !errors.Is(err, ErrBlockNotCommitted) {
		t.Fatalf("OpenBlock missing: %v, want ErrBlockNotCommitted", err)
	}
}

func TestCommitIncompleteTempFails(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	block, err := store.AllocateTempBlock(1, 7, 100)
	if err != nil {
		t.Fatalf("AllocateTempBlock: %v", err)
	}
	if _, err := block.Write([]byte("short")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := store.CommitBlock(1, 7); !errors.Is(err, ErrTempIncomplete) {
		t.Fatalf("CommitBlock incomplete: %v, want ErrTempIncomplete", err)
	}
}

func TestCommitWithoutTempFails(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	if err := store.CommitBlock(1, 7); !errors.Is(err, ErrNoTempBlock) {
		t.Fatalf("CommitBlock: %v, want ErrNoTempBlock", err)
	}
}

func TestDuplicateAllocateFails(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	if _, err := store.AllocateTempBlock(1, 7, 10); err != nil {
		t.Fatalf("AllocateTempBlock: %v", err)
	}
	if _, err := store.AllocateTempBlock(1, 7, 10); !errors.Is(err, ErrTempBlockExists) {
		t.Fatalf("second allocate: %v, want ErrTempBlockExists", err)
	}
	// A different session may promote the same block concurrently.
	if _, err := store.AllocateTempBlock(2, 7, 10); err != nil {
		t.Fatalf("other session allocate: %v", err)
	}
}

func TestAllocateCommittedBlockFails(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	promote(t, store, 1, 7, []byte("data"))
	if _, err := store.AllocateTempBlock(2, 7, 4); !errors.Is(err, ErrAlreadyCommitted) {
		t.Fatalf("allocate committed: %v, want ErrAlreadyCommitted", err)
	}
}

func TestConcurrentPromotersConverge(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	data := []byte("shared block content")

	first, err := store.AllocateTempBlock(1, 7, int64(len(data)))
	if err != nil {
		t.Fatalf("allocate session 1: %v", err)
	}
	second, err := store.AllocateTempBlock(2, 7, int64(len(data)))
	if err != nil {
		t.Fatalf("allocate session 2: %v", err)
	}
	for _, block := range []*TempBlock{first, second} {
		if _, err := block.Write(data); err != nil {
			t.Fatalf("Write: %v", err)
		}
		block.Close()
	}

	if err := store.CommitBlock(1, 7); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	// The second commit is idempotent success, not a failure.
	if err := store.CommitBlock(2, 7); err != nil {
		t.Fatalf("second commit: %v", err)
	}
	got, err := store.OpenBlock(7)
	if err != nil {
		t.Fatalf("OpenBlock: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("converged block content mismatch")
	}
}

func TestAbortDiscardsTemp(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	block, err := store.AllocateTempBlock(1, 7, 4)
	if err != nil {
		t.Fatalf("AllocateTempBlock: %v", err)
	}
	block.Write([]byte("data"))
	if err := store.AbortBlock(1, 7); err != nil {
		t.Fatalf("AbortBlock: %v", err)
	}
	if err := store.CommitBlock(1, 7); !errors.Is(err, ErrNoTempBlock) {
		t.Fatalf("commit after abort: %v, want ErrNoTempBlock", err)
	}
	// Aborting again, or aborting a block with no temp, is silent.
	if err := store.AbortBlock(1, 7); err != nil {
		t.Fatalf("second AbortBlock: %v", err)
	}
	// The slot is free for a fresh allocation.
	if _, err := store.AllocateTempBlock(1, 7, 4); err != nil {
		t.Fatalf("allocate after abort: %v", err)
	}
}

func TestWriteBeyondAllocationFails(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	block, err := store.AllocateTempBlock(1, 7, 4)
	if err != nil {
		t.Fatalf("AllocateTempBlock: %v", err)
	}
	if _, err := block.Write([]byte("too many bytes")); err == nil {
		t.Fatal("overlong write succeeded")
	}
}

func TestInMemoryPercentage(t *testing.T) {
	store := newTestStore(t, CompressionNone)

	// Vacuously full for an empty block set.
	pct, err := store.InMemoryPercentage()
	if err != nil || pct != 100 {
		t.Fatalf("empty set: (%d, %v), want 100", pct, err)
	}

	promote(t, store, 1, 1, []byte("a"))
	promote(t, store, 1, 2, []byte("b"))

	pct, err = store.InMemoryPercentage(1, 2)
	if err != nil || pct != 100 {
		t.Fatalf("all committed: (%d, %v), want 100", pct, err)
	}
	pct, err = store.InMemoryPercentage(1, 2, 3, 4)
	if err != nil || pct != 50 {
		t.Fatalf("half committed: (%d, %v), want 50", pct, err)
	}
}

func TestCleanupSessionDiscardsTemps(t *testing.T) {
	store := newTestStore(t, CompressionNone)
	for block := int64(1); block <= 3; block++ {
		if _, err := store.AllocateTempBlock(9, block, 10); err != nil {
			t.Fatalf("allocate %d: %v", block, err)
		}
	}
	if _, err := store.AllocateTempBlock(8, 99, 10); err != nil {
		t.Fatalf("allocate other session: %v", err)
	}

	store.CleanupSession(9)

	for block := int64(1); block <= 3; block++ {
		if _, err := store.AllocateTempBlock(9, block, 10); err != nil {
			t.Errorf("block %d still allocated after session cleanup: %v", block, err)
		}
	}
	// The other session's temp block is untouched.
	if _, err := store.AllocateTempBlock(8, 99, 10); !errors.Is(err, ErrTempBlockExists) {
		t.Errorf("session 8 temp block lost: %v", err)
	}
}

func TestReopenFindsCommittedBlocks(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(Config{Path: dir, Compression: CompressionLZ4, PoolSize: 2})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	promote(t, store, 1, 7, compressibleBytes(1024))
	store.Close()

	reopened, err := Open(Config{Path: dir, Compression: CompressionLZ4, PoolSize: 2})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.OpenBlock(7)
	if err != nil {
		t.Fatalf("OpenBlock after reopen: %v", err)
	}
	if !bytes.Equal(got, compressibleBytes(1024)) {
		t.Fatal("persisted block mismatch")
	}
}
