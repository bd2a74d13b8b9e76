// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package dataserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tierstore/tierstore/lib/localstore"
	"github.com/tierstore/tierstore/lib/stream"
	"github.com/tierstore/tierstore/lib/transport"
	"github.com/tierstore/tierstore/lib/ufs"
	"github.com/tierstore/tierstore/lib/ufsstore"
	"github.com/tierstore/tierstore/lib/wire"
)

// harness wires a complete worker: UFS directory, local store,
// registry, data server, and a channel pool dialing loopback pairs
// into the server.
type harness struct {
	t        *testing.T
	root     string
	local    *localstore.Store
	registry *ufsstore.Registry
	server   *Server
	pool     *transport.Pool

	mu       sync.Mutex
	blocks   map[int64]ufsstore.OpenOptions
	sessions atomic.Int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()

	local, err := localstore.Open(localstore.Config{
		Path:        filepath.Join(root, "store"),
		Compression: localstore.CompressionLZ4,
		PoolSize:    4,
	})
	if err != nil {
		t.Fatalf("opening local store: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	h := &harness{
		t:      t,
		root:   root,
		local:  local,
		blocks: make(map[int64]ufsstore.OpenOptions),
	}

	fs := &ufs.Local{Root: filepath.Join(root, "ufs")}
	if err := os.MkdirAll(filepath.Join(root, "ufs"), 0o755); err != nil {
		t.Fatalf("creating UFS root: %v", err)
	}

	h.registry = ufsstore.NewRegistry(fs, &LocalTier{Store: local}, nil)
	h.server = New(h.registry, local, fs, h.resolve, Config{PacketSize: 100})
	h.pool = transport.NewPool(func(ctx context.Context, address string) (transport.Channel, error) {
		client, server := transport.Loopback(16)
		h.server.ServeChannel(server)
		return client, nil
	})
	t.Cleanup(h.pool.Close)
	return h
}

func (h *harness) resolve(blockID int64) (ufsstore.OpenOptions, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	options, ok := h.blocks[blockID]
	if !ok {
		return ufsstore.OpenOptions{}, fmt.Errorf("unknown block %d", blockID)
	}
	return options, nil
}

// addBlock registers a block backed by [offset, offset+length) of a
// UFS file.
func (h *harness) addBlock(blockID int64, path string, offset, length int64) {
	h.mu.Lock()
	h.blocks[blockID] = ufsstore.OpenOptions{
		UfsPath:      path,
		OffsetInFile: offset,
		Length:       length,
	}
	h.mu.Unlock()
}

// writeFile writes a file of n increasing bytes into the UFS and
// registers it as a single block under blockID.
func (h *harness) writeFile(blockID int64, n int) {
	h.t.Helper()
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i % 256)
	}
	name := fmt.Sprintf("file_%d", blockID)
	if err := os.WriteFile(filepath.Join(h.root, "ufs", name), data, 0o644); err != nil {
		h.t.Fatalf("writing UFS file: %v", err)
	}
	h.addBlock(blockID, name, 0, int64(n))
}

func (h *harness) newSession() int64 {
	return h.sessions.Add(1)
}

// openStream opens a tracked block stream for a fresh session and
// returns the stream plus a close func that ends the read
// (commit-if-pending + release).
func (h *harness) openStream(blockID, length int64, noCache bool) (*stream.BlockInStream, func(), error) {
	sessionID := h.newSession()
	if err := h.server.OpenUfsBlock(sessionID, blockID, noCache, 0); err != nil {
		return nil, nil, err
	}
	factory := stream.NewPooledReaderFactory(h.pool, "worker", uint64(blockID),
		wire.NoLockID, sessionID, stream.PacketReaderConfig{HighWater: 8, LowWater: 2})
	s := stream.NewBlockInStream(uint64(blockID), length, factory)
	closeFunc := func() {
		s.Close()
		h.server.CloseUfsBlock(sessionID, blockID)
	}
	return s, closeFunc, nil
}

// readFully drains a stream byte by byte, verifying the increasing
// pattern.
func readFully(t *testing.T, s *stream.BlockInStream, want int) {
	t.Helper()
	count := 0
	for {
		b, err := s.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadByte at %d: %v", count, err)
		}
		if b != byte(count%256) {
			t.Fatalf("byte %d is %d, want %d", count, b, count%256)
		}
		count++
	}
	if count != want {
		t.Fatalf("read %d bytes, want %d", count, want)
	}
}

func (h *harness) percentage(blockIDs ...int64) int {
	h.t.Helper()
	pct, err := h.local.InMemoryPercentage(blockIDs...)
	if err != nil {
		h.t.Fatalf("InMemoryPercentage: %v", err)
	}
	return pct
}

func TestEmptyBlockNoCache(t *testing.T) {
	h := newHarness(t)
	h.writeFile(1, 0)

	s, closeStream, err := h.openStream(1, 0, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := s.ReadByte(); err != io.EOF {
		t.Fatalf("ReadByte on empty block: %v, want io.EOF", err)
	}
	closeStream()

	// A zero-length file has no blocks to promote; it is vacuously
	// fully resident.
	if pct := h.percentage(); pct != 100 {
		t.Errorf("in-memory percentage %d, want 100", pct)
	}
}

func TestByteSequenceRoundTrip(t *testing.T) {
	for k := 0; k <= 231; k += 33 {
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			h := newHarness(t)
			blockID := int64(k + 1)
			h.writeFile(blockID, k)

			blockIDs := []int64{blockID}
			if k == 0 {
				blockIDs = nil // a zero-length file has no blocks
			}

			// Pass 1: NO_CACHE. Bytes come back, nothing promotes.
			s, closeStream, err := h.openStream(blockID, int64(k), true)
			if err != nil {
				t.Fatalf("open no-cache: %v", err)
			}
			readFully(t, s, k)
			closeStream()
			if k > 0 && h.percentage(blockIDs...) == 100 {
				t.Error("no-cache read promoted the block")
			}

			// Pass 2: CACHE_PROMOTE. Bytes come back and the block
			// lands in the local tier.
			s, closeStream, err = h.openStream(blockID, int64(k), false)
			if err != nil {
				t.Fatalf("open cached: %v", err)
			}
			readFully(t, s, k)
			closeStream()
			if pct := h.percentage(blockIDs...); pct != 100 {
				t.Fatalf("in-memory percentage %d after cached read, want 100", pct)
			}

			// Pass 3: read again with promotion requested; the
			// committed block stays intact.
			s, closeStream, err = h.openStream(blockID, int64(k), false)
			if err != nil {
				t.Fatalf("open cached again: %v", err)
			}
			readFully(t, s, k)
			closeStream()
			if pct := h.percentage(blockIDs...); pct != 100 {
				t.Fatalf("in-memory percentage %d after second cached read, want 100", pct)
			}
		})
	}
}

func TestSeekThenRead(t *testing.T) {
	const k = 99
	h := newHarness(t)
	h.writeFile(5, k)

	s, closeStream, err := h.openStream(5, k, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer closeStream()

	mustRead := func(want byte) {
		t.Helper()
		b, err := s.ReadByte()
		if err != nil {
			t.Fatalf("ReadByte: %v", err)
		}
		if b != want {
			t.Fatalf("read %d, want %d", b, want)
		}
	}

	mustRead(0)
	for _, target := range []int64{k / 3, k / 2, k / 4} {
		if err := s.SeekTo(target); err != nil {
			t.Fatalf("SeekTo(%d): %v", target, err)
		}
		mustRead(byte(target))
	}
}

func TestSkipThenRead(t *testing.T) {
	const k = 66
	h := newHarness(t)
	h.writeFile(6, k)

	s, closeStream, err := h.openStream(6, k, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if skipped, _ := s.Skip(k / 2); skipped != k/2 {
		t.Fatalf("skipped %d, want %d", skipped, k/2)
	}
	if b, err := s.ReadByte(); err != nil || b != k/2 {
		t.Fatalf("read (%d, %v), want %d", b, err, k/2)
	}
	closeStream()

	s, closeStream, err = h.openStream(6, k, false)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer closeStream()
	third := int64(k / 3)
	if skipped, _ := s.Skip(third); skipped != third {
		t.Fatalf("skipped %d, want %d", skipped, third)
	}
	if b, _ := s.ReadByte(); int64(b) != third {
		t.Fatalf("read %d, want %d", b, third)
	}
	if skipped, _ := s.Skip(third); skipped != third {
		t.Fatalf("second skip %d, want %d", skipped, third)
	}
	if b, _ := s.ReadByte(); int64(b) != 2*third+1 {
		t.Fatalf("read %d, want %d", b, 2*third+1)
	}
}

func TestMultiBlockFile(t *testing.T) {
	const blockSize = 10
	const numBlocks = 10
	h := newHarness(t)

	// One UFS file holding ten 10-byte blocks, byte n == n.
	data := make([]byte, blockSize*numBlocks)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(filepath.Join(h.root, "ufs", "multi"), data, 0o644); err != nil {
		t.Fatalf("writing UFS file: %v", err)
	}
	blockIDs := make([]int64, numBlocks)
	for i := 0; i < numBlocks; i++ {
		blockIDs[i] = int64(100 + i)
		h.addBlock(blockIDs[i], "multi", int64(i*blockSize), blockSize)
	}

	// Read the file sequentially through per-block streams.
	var got []byte
	for i := 0; i < numBlocks; i++ {
		s, closeStream, err := h.openStream(blockIDs[i], blockSize, false)
		if err != nil {
			t.Fatalf("open block %d: %v", i, err)
		}
		for {
			b, err := s.ReadByte()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("block %d: %v", i, err)
			}
			got = append(got, b)
		}
		closeStream()
	}
	if !bytes.Equal(got, data) {
		t.Fatal("multi-block sequential read mismatch")
	}
	if pct := h.percentage(blockIDs...); pct != 100 {
		t.Errorf("in-memory percentage %d after full pass, want 100", pct)
	}
}

func TestCancelMidStreamThenReread(t *testing.T) {
	const k = 4096
	h := newHarness(t)
	h.writeFile(9, k)

	s, closeStream, err := h.openStream(9, k, true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// A few bytes, then abandon: Close cancels the in-flight read and
	// drains the channel back to health.
	for i := 0; i < 5; i++ {
		if b, err := s.ReadByte(); err != nil || b != byte(i) {
			t.Fatalf("read (%d, %v), want %d", b, err, i)
		}
	}
	closeStream()

	// The same worker serves a full read afterwards.
	s, closeStream, err = h.openStream(9, k, true)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	readFully(t, s, k)
	closeStream()
}

func TestConcurrentCachedRead(t *testing.T) {
	const k = 255
	const readers = 100
	h := newHarness(t)
	h.writeFile(11, k)

	var successes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			time.Sleep(time.Duration(rng.Intn(20)) * time.Millisecond)

			for {
				// Once the block is resident, read the local tier.
				if committed, _ := h.local.IsCommitted(11); committed {
					data, err := h.local.OpenBlock(11)
					if err != nil {
						t.Errorf("OpenBlock: %v", err)
						return
					}
					if len(data) != k {
						t.Errorf("local block has %d bytes", len(data))
						return
					}
					for j, b := range data {
						if b != byte(j) {
							t.Errorf("local byte %d is %d", j, b)
							return
						}
					}
					successes.Add(1)
					return
				}

				s, closeStream, err := h.openStream(11, k, false)
				if errors.Is(err, ufsstore.ErrAccessTokenUnavailable) {
					// The per-block cap is doing its job; wait for a
					// token or for promotion to finish.
					time.Sleep(time.Duration(1+rng.Intn(5)) * time.Millisecond)
					continue
				}
				if err != nil {
					t.Errorf("open: %v", err)
					return
				}
				count := 0
				ok := true
				for {
					b, err := s.ReadByte()
					if err == io.EOF {
						break
					}
					if err != nil {
						t.Errorf("ReadByte: %v", err)
						ok = false
						break
					}
					if b != byte(count) {
						t.Errorf("byte %d is %d", count, b)
						ok = false
						break
					}
					count++
				}
				closeStream()
				if ok && count == k {
					successes.Add(1)
				}
				return
			}
		}(int64(i))
	}
	wg.Wait()

	if got := successes.Load(); got != readers {
		t.Errorf("%d successful reads, want %d", got, readers)
	}
	if pct := h.percentage(11); pct != 100 {
		t.Errorf("in-memory percentage %d after concurrent reads, want 100", pct)
	}
	if h.registry.SessionCount(11) != 0 {
		t.Errorf("registry still tracks %d sessions for the block", h.registry.SessionCount(11))
	}
}

func TestGenericFileRead(t *testing.T) {
	h := newHarness(t)
	h.writeFile(21, 500)

	factory := stream.NewPooledReaderFactory(h.pool, "worker", 21,
		wire.NoLockID, wire.NoSessionID, stream.PacketReaderConfig{})
	s := stream.NewBlockInStream(21, 500, factory)
	readFully(t, s, 500)

	// An untracked read never touches the registry or the local tier.
	if h.registry.SessionCount(21) != 0 {
		t.Error("generic read registered in the block registry")
	}
	if committed, _ := h.local.IsCommitted(21); committed {
		t.Error("generic read promoted the block")
	}
}

func TestStreamErrorForUnknownBlock(t *testing.T) {
	h := newHarness(t)

	factory := stream.NewPooledReaderFactory(h.pool, "worker", 404,
		wire.NoLockID, wire.NoSessionID, stream.PacketReaderConfig{})
	s := stream.NewBlockInStream(404, 100, factory)
	_, err := s.ReadByte()
	if err == nil || err == io.EOF {
		t.Fatalf("read of unknown block: %v, want server error", err)
	}
}

func TestTrackedReadWithoutOpenFails(t *testing.T) {
	h := newHarness(t)
	h.writeFile(31, 100)

	// A tracked request whose session never opened the block gets an
	// error response, not data.
	factory := stream.NewPooledReaderFactory(h.pool, "worker", 31,
		wire.NoLockID, 999, stream.PacketReaderConfig{})
	s := stream.NewBlockInStream(31, 100, factory)
	_, err := s.ReadByte()
	if err == nil || err == io.EOF {
		t.Fatalf("unopened tracked read: %v, want server error", err)
	}
}
