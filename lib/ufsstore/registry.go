// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package ufsstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emirpasic/gods/sets/hashset"

	"github.com/tierstore/tierstore/lib/ufs"
)

// Registry is the per-worker table of delegated UFS block reads. It
// admits concurrent readers up to a per-block concurrency cap, binds
// them to sessions, and cleans up after sessions that disappear.
//
// The mutex protects the three maps only. Once a blockInfo is fetched
// from the map, its reader/writer slots are updated under the info's
// own lock, so cleanup of one key never blocks acquires on another,
// and no I/O ever happens under the registry mutex. This leans on the
// contract that one session never opens two readers or writers on the
// same block; a misbehaving client sees failures but cannot crash the
// worker.
type Registry struct {
	fs     ufs.UnderFileSystem
	local  LocalStore
	logger *slog.Logger

	mu sync.Mutex
	// blocks maps (session, block) to its info.
	blocks map[blockKey]*blockInfo
	// blocksBySession and sessionsByBlock are the inverted index over
	// blocks, kept consistent under mu.
	blocksBySession map[int64]*hashset.Set
	sessionsByBlock map[int64]*hashset.Set
}

type blockKey struct {
	sessionID int64
	blockID   int64
}

// NewRegistry creates a registry reading from fs and promoting into
// local. local may be nil, in which case every read is pass-through.
func NewRegistry(fs ufs.UnderFileSystem, local LocalStore, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{
		fs:              fs,
		local:           local,
		logger:          logger,
		blocks:          make(map[blockKey]*blockInfo),
		blocksBySession: make(map[int64]*hashset.Set),
		sessionsByBlock: make(map[int64]*hashset.Set),
	}
}

// AcquireAccess admits sessionID as a reader of blockID. It fails
// with ErrBlockAlreadyExists if this session already holds the block,
// and with ErrAccessTokenUnavailable once
// options.MaxUfsReadConcurrency sessions hold it. The check and
// insert are atomic.
func (r *Registry) AcquireAccess(sessionID, blockID int64, options OpenOptions) error {
	maxConcurrency := options.MaxUfsReadConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxReadConcurrency
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := blockKey{sessionID, blockID}
	if _, ok := r.blocks[key]; ok {
		return fmt.Errorf("block %d (%s) session %d: %w",
			blockID, options.UfsPath, sessionID, ErrBlockAlreadyExists)
	}
	sessions := r.sessionsByBlock[blockID]
	if sessions != nil && sessions.Size() >= maxConcurrency {
		return fmt.Errorf("block %d (%s) already has %d readers: %w",
			blockID, options.UfsPath, sessions.Size(), ErrAccessTokenUnavailable)
	}
	if sessions == nil {
		sessions = hashset.New()
		r.sessionsByBlock[blockID] = sessions
	}
	sessions.Add(sessionID)

	r.blocks[key] = &blockInfo{meta: newBlockMeta(sessionID, blockID, options)}

	blocks := r.blocksBySession[sessionID]
	if blocks == nil {
		blocks = hashset.New()
		r.blocksBySession[sessionID] = blocks
	}
	blocks.Add(blockID)
	return nil
}

// GetBlockReader returns the reader for (sessionID, blockID),
// constructing one over the block's metadata at offset if none is
// attached or the attached one is closed. Construction happens
// outside the registry mutex so backing-store I/O never blocks other
// sessions. If two getters race in violation of the client contract,
// the last attach wins; the loser's reader is no longer tracked, and
// neither Cleanup nor CleanupSession closes it.
func (r *Registry) GetBlockReader(sessionID, blockID, offset int64, noCache bool) (*BlockReader, error) {
	r.mu.Lock()
	info, ok := r.blocks[blockKey{sessionID, blockID}]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("block %d session %d: %w", blockID, sessionID, ErrBlockDoesNotExist)
	}
	if reader := info.getReader(); reader != nil {
		r.mu.Unlock()
		return reader, nil
	}
	r.mu.Unlock()

	reader, err := NewBlockReader(info.meta, offset, noCache || info.meta.NoCache,
		r.fs, r.local, r.logger)
	if err != nil {
		return nil, err
	}
	info.setReader(reader)
	return reader, nil
}

// GetBlockWriter returns the writer for (sessionID, blockID),
// constructing one over the block's UFS path if none is attached.
func (r *Registry) GetBlockWriter(sessionID, blockID int64) (*BlockWriter, error) {
	r.mu.Lock()
	info, ok := r.blocks[blockKey{sessionID, blockID}]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("block %d session %d: %w", blockID, sessionID, ErrBlockDoesNotExist)
	}
	if writer := info.getWriter(); writer != nil {
		r.mu.Unlock()
		return writer, nil
	}
	r.mu.Unlock()

	writer, err := NewBlockWriter(r.fs, info.meta.UfsPath, ufs.CreateOptions{EnsureParent: true})
	if err != nil {
		return nil, err
	}
	info.setWriter(writer)
	return writer, nil
}

// Cleanup closes the reader and writer of (sessionID, blockID) and
// reports whether the block should be committed to the local store.
// Absent keys return (false, nil). Commit-pending is reported once:
// calling Cleanup twice is safe, and the second call finds the slots
// already empty and returns false.
func (r *Registry) Cleanup(sessionID, blockID int64) (bool, error) {
	r.mu.Lock()
	info, ok := r.blocks[blockKey{sessionID, blockID}]
	r.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := info.closeReaderAndWriter(); err != nil {
		return false, fmt.Errorf("cleaning up block %d session %d: %w", blockID, sessionID, err)
	}
	return info.meta.commitPending.Swap(false), nil
}

// ReleaseAccess removes (sessionID, blockID) from the registry,
// consuming the access token. Silent on absent keys.
func (r *Registry) ReleaseAccess(sessionID, blockID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.blocks, blockKey{sessionID, blockID})
	if blocks := r.blocksBySession[sessionID]; blocks != nil {
		blocks.Remove(blockID)
		if blocks.Size() == 0 {
			delete(r.blocksBySession, sessionID)
		}
	}
	if sessions := r.sessionsByBlock[blockID]; sessions != nil {
		sessions.Remove(sessionID)
		if sessions.Size() == 0 {
			delete(r.sessionsByBlock, blockID)
		}
	}
}

// CleanupSession cleans up and releases every block the session
// holds. Per-block failures are logged and the sweep continues, so
// one bad block cannot strand the rest of the session.
func (r *Registry) CleanupSession(sessionID int64) {
	r.mu.Lock()
	set := r.blocksBySession[sessionID]
	if set == nil {
		r.mu.Unlock()
		return
	}
	blockIDs := make([]int64, 0, set.Size())
	for _, v := range set.Values() {
		blockIDs = append(blockIDs, v.(int64))
	}
	r.mu.Unlock()

	for _, blockID := range blockIDs {
		if _, err := r.Cleanup(sessionID, blockID); err != nil {
			r.logger.Warn("failed to clean up UFS block",
				"block_id", blockID, "session_id", sessionID, "error", err)
		}
		r.ReleaseAccess(sessionID, blockID)
	}
}

// SessionCount returns the number of sessions currently holding
// blockID.
func (r *Registry) SessionCount(blockID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sessions := r.sessionsByBlock[blockID]; sessions != nil {
		return sessions.Size()
	}
	return 0
}

// Empty reports whether the registry holds no entries. The three maps
// shrink back to empty once every acquire has a matching release.
func (r *Registry) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.blocks) == 0 && len(r.blocksBySession) == 0 && len(r.sessionsByBlock) == 0
}

// blockInfo wraps one BlockMeta plus at most one active reader and
// one active writer. The slots have their own lock so slot updates
// never hold the registry mutex.
type blockInfo struct {
	meta *BlockMeta

	mu     sync.Mutex
	reader *BlockReader
	writer *BlockWriter
}

// getReader returns the attached reader, forgetting it first if it
// has been closed. A closed reader is never read from again.
func (info *blockInfo) getReader() *BlockReader {
	info.mu.Lock()
	defer info.mu.Unlock()
	if info.reader != nil && info.reader.Closed() {
		info.reader = nil
	}
	return info.reader
}

func (info *blockInfo) setReader(reader *BlockReader) {
	info.mu.Lock()
	info.reader = reader
	info.mu.Unlock()
}

func (info *blockInfo) getWriter() *BlockWriter {
	info.mu.Lock()
	defer info.mu.Unlock()
	return info.writer
}

func (info *blockInfo) setWriter(writer *BlockWriter) {
	info.mu.Lock()
	info.writer = writer
	info.mu.Unlock()
}

func (info *blockInfo) closeReaderAndWriter() error {
	info.mu.Lock()
	reader := info.reader
	writer := info.writer
	info.reader = nil
	info.writer = nil
	info.mu.Unlock()

	var errs []error
	if reader != nil {
		if err := reader.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
