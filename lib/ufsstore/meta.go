// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

// Package ufsstore manages delegated under-file-system block access on
// the worker: a registry of (session, block) read tokens with a
// per-block concurrency cap, the UFS block reader that streams backing
// bytes while optionally promoting them into the local tier, and a
// minimal append-only UFS block writer.
//
// Usage pattern for a read:
//
//	registry.AcquireAccess(sessionID, blockID, options)
//	reader, _ := registry.GetBlockReader(sessionID, blockID, offset, noCache)
//	... stream ...
//	commit, _ := registry.Cleanup(sessionID, blockID)
//	registry.ReleaseAccess(sessionID, blockID)
//
// If the client is lost before release, the session cleaner invokes
// CleanupSession.
package ufsstore

import (
	"io"
	"sync/atomic"
)

// DefaultMaxReadConcurrency bounds concurrent sessions streaming the
// same block from the UFS when the acquire options leave it unset.
const DefaultMaxReadConcurrency = 2

// OpenOptions locates a block in the UFS and carries the per-acquire
// policy.
type OpenOptions struct {
	// UfsPath is the backing file holding the block's bytes.
	UfsPath string

	// OffsetInFile is the block's byte offset within UfsPath.
	OffsetInFile int64

	// Length is the block length in bytes.
	Length int64

	// MountID identifies the UFS mount the path belongs to.
	MountID int64

	// NoCache disables promotion into the local tier for this
	// acquire.
	NoCache bool

	// MaxUfsReadConcurrency caps concurrent sessions reading this
	// block from the UFS. Zero or negative uses
	// DefaultMaxReadConcurrency. The cap is evaluated against the
	// value supplied by each acquire; the registry does not memoise
	// past caps.
	MaxUfsReadConcurrency int
}

// BlockMeta describes one (session, block) UFS read in flight.
// Immutable after construction except for the commit-pending flag,
// which the block reader flips once the block is fully materialised
// locally and the registry consumes (reads and clears) during cleanup.
type BlockMeta struct {
	SessionID    int64
	BlockID      int64
	UfsPath      string
	OffsetInFile int64
	Length       int64
	MountID      int64
	NoCache      bool

	commitPending atomic.Bool
}

func newBlockMeta(sessionID, blockID int64, options OpenOptions) *BlockMeta {
	return &BlockMeta{
		SessionID:    sessionID,
		BlockID:      blockID,
		UfsPath:      options.UfsPath,
		OffsetInFile: options.OffsetInFile,
		Length:       options.Length,
		MountID:      options.MountID,
		NoCache:      options.NoCache,
	}
}

// CommitPending reports whether the block was fully written to a local
// temp block and should be committed to the local store on cleanup.
func (m *BlockMeta) CommitPending() bool { return m.commitPending.Load() }

func (m *BlockMeta) markCommitPending() { m.commitPending.Store(true) }

// TempBlockWriter receives a block's bytes while it is promoted into
// the local tier. Close finalizes the temp data without committing —
// the commit decision is made by the registry's caller after Cleanup
// reports commit-pending. Abort discards the temp data.
type TempBlockWriter interface {
	io.Writer
	Close() error
	Abort() error
}

// LocalStore is the worker's local block tier as seen from this
// package: the registry and reader only allocate temp blocks.
// Committing and aborting flow through the store's own API, driven by
// the data server and the session cleaner.
type LocalStore interface {
	// AllocateTempBlock reserves space for promoting a block and
	// returns the writer for its bytes. Allocation failure is not
	// fatal to a read: the reader degrades to pass-through.
	AllocateTempBlock(sessionID, blockID, size int64) (TempBlockWriter, error)
}
