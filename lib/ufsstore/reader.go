// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package ufsstore

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/tierstore/tierstore/lib/ufs"
)

// BlockReader streams one block's bytes from the under file system,
// optionally teeing them into a local temp block so the block gets
// promoted into the worker's tier. Promotion requires one sequential
// pass from the block head: a non-sequential read abandons it, and
// the UFS read continues pass-through. The read must succeed
// regardless of the caching outcome.
//
// Not safe for concurrent use, matching the one-reader-per-token
// contract.
type BlockReader struct {
	meta   *BlockMeta
	file   ufs.File
	logger *slog.Logger

	// pos is the next block-relative offset of the sequential pass.
	pos int64

	local     TempBlockWriter
	teeActive bool

	closed atomic.Bool
}

// NewBlockReader opens the block's UFS file at offset. When caching
// is enabled and the read starts at the block head, a temp block is
// allocated in the local store; allocation failure degrades to
// pass-through rather than failing the read.
func NewBlockReader(meta *BlockMeta, offset int64, noCache bool,
	fs ufs.UnderFileSystem, local LocalStore, logger *slog.Logger) (*BlockReader, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if offset < 0 || offset > meta.Length {
		return nil, fmt.Errorf("block %d: read offset %d outside [0, %d]",
			meta.BlockID, offset, meta.Length)
	}
	file, err := fs.Open(meta.UfsPath)
	if err != nil {
		return nil, fmt.Errorf("opening UFS file for block %d: %w", meta.BlockID, err)
	}

	reader := &BlockReader{
		meta:   meta,
		file:   file,
		logger: logger,
		pos:    offset,
	}

	// Promotion only makes sense for a full sequential pass, so only
	// a read from the block head allocates a temp block.
	if !noCache && offset == 0 && local != nil {
		writer, err := local.AllocateTempBlock(meta.SessionID, meta.BlockID, meta.Length)
		if err != nil {
			logger.Warn("temp block allocation failed, reading pass-through",
				"block_id", meta.BlockID, "session_id", meta.SessionID, "error", err)
		} else {
			reader.local = writer
			reader.teeActive = true
		}
	}

	// A zero-length block with a temp writer is already fully
	// materialised.
	if meta.Length == 0 && reader.teeActive {
		meta.markCommitPending()
	}
	return reader, nil
}

// Read fills p with the next bytes of the sequential pass, mirroring
// them into the local temp block when promotion is active. Returns
// io.EOF once the block is exhausted.
func (r *BlockReader) Read(p []byte) (int, error) {
	if r.closed.Load() {
		return 0, ErrReaderClosed
	}
	remaining := r.meta.Length - r.pos
	if remaining == 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := r.file.ReadAt(p, r.meta.OffsetInFile+r.pos)
	if n > 0 {
		r.tee(p[:n])
		r.pos += int64(n)
		if r.pos == r.meta.Length && r.teeActive {
			r.meta.markCommitPending()
		}
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("reading block %d from UFS: %w", r.meta.BlockID, err)
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// ReadAt fills p starting at the block-relative offset off. A read
// that continues the sequential pass keeps promotion going; any jump
// abandons promotion (unless the block is already fully materialised)
// and repositions the pass.
func (r *BlockReader) ReadAt(p []byte, off int64) (int, error) {
	if r.closed.Load() {
		return 0, ErrReaderClosed
	}
	if off < 0 || off > r.meta.Length {
		return 0, fmt.Errorf("block %d: read offset %d outside [0, %d]",
			r.meta.BlockID, off, r.meta.Length)
	}
	if off != r.pos {
		r.abandonPromotion("non-sequential read")
		r.pos = off
	}
	return r.Read(p)
}

// tee mirrors delivered bytes into the local temp block. A write
// failure abandons promotion; the UFS read continues.
func (r *BlockReader) tee(p []byte) {
	if !r.teeActive {
		return
	}
	if _, err := r.local.Write(p); err != nil {
		r.logger.Warn("local tier write failed",
			"block_id", r.meta.BlockID, "session_id", r.meta.SessionID, "error", err)
		r.abandonPromotion("local write failure")
	}
}

// abandonPromotion stops teeing and discards the temp block. Once the
// block is fully materialised (commit-pending set) the temp data is
// kept: the commit decision already belongs to cleanup.
func (r *BlockReader) abandonPromotion(reason string) {
	if !r.teeActive {
		return
	}
	r.teeActive = false
	if r.meta.CommitPending() {
		return
	}
	r.logger.Debug("abandoning block promotion",
		"block_id", r.meta.BlockID, "reason", reason)
	if err := r.local.Abort(); err != nil {
		r.logger.Warn("temp block abort failed",
			"block_id", r.meta.BlockID, "error", err)
	}
	r.local = nil
}

// TransferTo streams up to n bytes of the sequential pass into w and
// returns the count moved. n < 0 transfers the rest of the block.
func (r *BlockReader) TransferTo(w io.Writer, n int64) (int64, error) {
	if n < 0 {
		n = r.meta.Length - r.pos
	}
	buffer := make([]byte, 64*1024)
	var moved int64
	for moved < n {
		chunk := buffer
		if rest := n - moved; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		read, err := r.Read(chunk)
		if read > 0 {
			if _, writeErr := w.Write(chunk[:read]); writeErr != nil {
				return moved, writeErr
			}
			moved += int64(read)
		}
		if err == io.EOF {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// Pos returns the next block-relative offset of the sequential pass.
func (r *BlockReader) Pos() int64 { return r.pos }

// Closed reports whether Close has been called. The registry forgets
// a closed reader and never reads from it again.
func (r *BlockReader) Closed() bool { return r.closed.Load() }

// Close closes the UFS handle and the temp block writer. It does not
// commit — the registry's cleanup inspects commit-pending and the
// store's CommitBlock runs afterwards. Idempotent.
func (r *BlockReader) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := r.file.Close()
	if r.local != nil {
		if closeErr := r.local.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	if err != nil {
		return fmt.Errorf("closing reader for block %d: %w", r.meta.BlockID, err)
	}
	return nil
}
