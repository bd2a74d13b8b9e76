// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package ufsstore

import (
	"fmt"
	"io"

	"github.com/tierstore/tierstore/lib/ufs"
)

// BlockWriter appends one block's bytes to a file in the under file
// system. Single writer per instance; not safe for concurrent use.
type BlockWriter struct {
	fs   ufs.UnderFileSystem
	path string
	out  io.WriteCloser
	pos  int64

	closed bool
}

// NewBlockWriter creates the UFS file and returns a writer positioned
// at its start.
func NewBlockWriter(fs ufs.UnderFileSystem, path string, options ufs.CreateOptions) (*BlockWriter, error) {
	out, err := fs.Create(path, options)
	if err != nil {
		return nil, fmt.Errorf("creating UFS block file: %w", err)
	}
	return &BlockWriter{fs: fs, path: path, out: out}, nil
}

// Append writes p to the end of the block and returns the number of
// bytes written.
func (w *BlockWriter) Append(p []byte) (int64, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	n, err := w.out.Write(p)
	w.pos += int64(n)
	if err != nil {
		return int64(n), fmt.Errorf("appending to %s: %w", w.path, err)
	}
	return int64(n), nil
}

// TransferFrom drains r into the UFS output and returns the number of
// bytes moved.
func (w *BlockWriter) TransferFrom(r io.Reader) (int64, error) {
	if w.closed {
		return 0, ErrWriterClosed
	}
	n, err := io.Copy(w.out, r)
	w.pos += n
	if err != nil {
		return n, fmt.Errorf("transferring into %s: %w", w.path, err)
	}
	return n, nil
}

// Position returns the number of bytes written so far.
func (w *BlockWriter) Position() int64 { return w.pos }

// Cancel closes the output and best-effort deletes the file.
//
// Known race: a client retry that recreates the file between our
// close and delete loses its data to this delete. Closing that window
// needs an atomic cancel in the under file system, which the
// UnderFileSystem contract does not promise.
func (w *BlockWriter) Cancel() error {
	if w.closed {
		return nil
	}
	w.closed = true
	closeErr := w.out.Close()
	if err := w.fs.Delete(w.path); err != nil && closeErr == nil {
		return fmt.Errorf("deleting cancelled block file: %w", err)
	}
	if closeErr != nil {
		return fmt.Errorf("closing cancelled block file: %w", closeErr)
	}
	return nil
}

// Close finishes the write. Idempotent.
func (w *BlockWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.out.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", w.path, err)
	}
	return nil
}
