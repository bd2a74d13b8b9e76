// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package ufsstore

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/tierstore/tierstore/lib/ufs"
)

func TestBlockWriterAppend(t *testing.T) {
	root := t.TempDir()
	fs := &ufs.Local{Root: root}

	writer, err := NewBlockWriter(fs, "dir/block_1", ufs.CreateOptions{EnsureParent: true})
	if err != nil {
		t.Fatalf("NewBlockWriter: %v", err)
	}
	n, err := writer.Append([]byte("hello "))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if n != 6 {
		t.Fatalf("appended %d bytes, want 6", n)
	}
	if _, err := writer.TransferFrom(bytes.NewReader([]byte("world"))); err != nil {
		t.Fatalf("TransferFrom: %v", err)
	}
	if writer.Position() != 11 {
		t.Fatalf("position %d, want 11", writer.Position())
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(root, "dir/block_1"))
	if err != nil {
		t.Fatalf("reading written file: %v", err)
	}
	if string(data) != "hello world" {
		t.Fatalf("file content %q", data)
	}
}

func TestBlockWriterAppendAfterClose(t *testing.T) {
	fs := &ufs.Local{Root: t.TempDir()}
	writer, err := NewBlockWriter(fs, "block_2", ufs.CreateOptions{})
	if err != nil {
		t.Fatalf("NewBlockWriter: %v", err)
	}
	writer.Close()
	if _, err := writer.Append([]byte("x")); !errors.Is(err, ErrWriterClosed) {
		t.Fatalf("Append after close: %v, want ErrWriterClosed", err)
	}
}

func TestBlockWriterCancelDeletes(t *testing.T) {
	root := t.TempDir()
	fs := &ufs.Local{Root: root}

	writer, err := NewBlockWriter(fs, "block_3", ufs.CreateOptions{})
	if err != nil {
		t.Fatalf("NewBlockWriter: %v", err)
	}
	if _, err := writer.Append([]byte("doomed")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := writer.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "block_3")); !os.IsNotExist(err) {
		t.Error("cancelled block file still exists")
	}
	// Cancel after cancel is a no-op.
	if err := writer.Cancel(); err != nil {
		t.Fatalf("second Cancel: %v", err)
	}
}
