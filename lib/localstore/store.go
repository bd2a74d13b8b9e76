// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

// Package localstore implements the worker's local block tier: the
// destination of UFS block promotion. A block arrives as a temp block
// bound to a (session, block) pair, is committed — optionally
// compressed, always digested — into the block directory, and is
// served back from memory-speed local storage afterwards.
//
// Committed blocks are indexed in SQLite; the row carries a CBOR
// sidecar record with the block's length, stored length, compression
// tag, and BLAKE3 digest. Reads verify the digest after
// decompression.
package localstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/tierstore/tierstore/lib/codec"
	"github.com/tierstore/tierstore/lib/sqlitepool"
)

// Store error kinds.
var (
	ErrBlockNotCommitted = errors.New("localstore: block not committed")
	ErrNoTempBlock       = errors.New("localstore: no temp block for session")
	ErrTempBlockExists   = errors.New("localstore: temp block already allocated")
	ErrAlreadyCommitted  = errors.New("localstore: block already committed")
	ErrTempIncomplete    = errors.New("localstore: temp block not fully written")
)

// Config configures a local block store.
type Config struct {
	// Path is the store root. Created if missing.
	Path string

	// Compression is the at-rest encoding for committed blocks.
	Compression Compression

	// PoolSize sizes the SQLite connection pool. Zero uses the pool
	// default.
	PoolSize int

	// Logger receives operational messages. Nil discards.
	Logger *slog.Logger
}

// blockRecord is the CBOR sidecar stored in the index row of a
// committed block.
type blockRecord struct {
	Length       int64  `cbor:"length"`
	StoredLength int64  `cbor:"stored_length"`
	Compression  uint8  `cbor:"compression"`
	Digest       []byte `cbor:"digest"`
	CommittedAt  int64  `cbor:"committed_at"`
}

// Store is the local block tier. Safe for concurrent use.
type Store struct {
	blocksDir   string
	tmpDir      string
	compression Compression
	logger      *slog.Logger
	pool        *sqlitepool.Pool

	mu   sync.Mutex
	temp map[tempKey]*TempBlock
}

type tempKey struct {
	sessionID int64
	blockID   int64
}

// Open creates (or reopens) a store at cfg.Path. Leftover temp blocks
// from a previous run are discarded.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("localstore: path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	blocksDir := filepath.Join(cfg.Path, "blocks")
	tmpDir := filepath.Join(cfg.Path, "tmp")
	if err := os.MkdirAll(blocksDir, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: creating block directory: %w", err)
	}
	// Temp blocks do not survive a restart: their sessions are gone.
	if err := os.RemoveAll(tmpDir); err != nil {
		return nil, fmt.Errorf("localstore: clearing temp directory: %w", err)
	}
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, fmt.Errorf("localstore: creating temp directory: %w", err)
	}

	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     filepath.Join(cfg.Path, "blocks.db"),
		PoolSize: cfg.PoolSize,
		Logger:   logger,
		OnConnect: func(conn *sqlite.Conn) error {
			return sqlitex.ExecuteTransient(conn,
				`CREATE TABLE IF NOT EXISTS blocks (
					block_id INTEGER PRIMARY KEY,
					meta     BLOB NOT NULL
				)`, nil)
		},
	})
	if err != nil {
		return nil, err
	}

	return &Store{
		blocksDir:   blocksDir,
		tmpDir:      tmpDir,
		compression: cfg.Compression,
		logger:      logger,
		pool:        pool,
		temp:        make(map[tempKey]*TempBlock),
	}, nil
}

// AllocateTempBlock reserves a temp block of the given size for
// promoting blockID on behalf of sessionID. Fails if this session
// already has a temp block for it, or the block is already committed
// (a committed block never needs re-promotion).
func (s *Store) AllocateTempBlock(sessionID, blockID, size int64) (*TempBlock, error) {
	if size < 0 {
		return nil, fmt.Errorf("localstore: negative temp block size %d", size)
	}
	committed, err := s.IsCommitted(blockID)
	if err != nil {
		return nil, err
	}
	if committed {
		return nil, fmt.Errorf("block %d: %w", blockID, ErrAlreadyCommitted)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := tempKey{sessionID, blockID}
	if _, ok := s.temp[key]; ok {
		return nil, fmt.Errorf("block %d session %d: %w", blockID, sessionID, ErrTempBlockExists)
	}

	path := filepath.Join(s.tmpDir, fmt.Sprintf("%d_%d.tmp", sessionID, blockID))
	block, err := newTempBlock(s, key, path, size)
	if err != nil {
		return nil, err
	}
	s.temp[key] = block
	return block, nil
}

// CommitBlock promotes sessionID's temp block for blockID into the
// committed tier. The temp block must be fully written. Committing a
// block that is already committed (a concurrent promoter won) is
// idempotent success; the loser's temp data is discarded.
func (s *Store) CommitBlock(sessionID, blockID int64) error {
	s.mu.Lock()
	block := s.temp[tempKey{sessionID, blockID}]
	s.mu.Unlock()

	if block == nil {
		committed, err := s.IsCommitted(blockID)
		if err != nil {
			return err
		}
		if committed {
			return nil
		}
		return fmt.Errorf("block %d session %d: %w", blockID, sessionID, ErrNoTempBlock)
	}
	if !block.complete() {
		return fmt.Errorf("block %d: %d of %d bytes written: %w",
			blockID, block.Written(), block.Size(), ErrTempIncomplete)
	}

	committed, err := s.IsCommitted(blockID)
	if err != nil {
		return err
	}
	if committed {
		block.discard()
		return nil
	}

	data, digest, err := block.finalize()
	if err != nil {
		return fmt.Errorf("finalizing temp block %d: %w", blockID, err)
	}

	tag := s.compression
	stored, err := compress(data, tag)
	if errors.Is(err, errIncompressible) {
		tag = CompressionNone
		stored = data
	} else if err != nil {
		return fmt.Errorf("compressing block %d: %w", blockID, err)
	}

	if err := s.writeBlockFile(blockID, stored); err != nil {
		return err
	}

	record := blockRecord{
		Length:       int64(len(data)),
		StoredLength: int64(len(stored)),
		Compression:  uint8(tag),
		Digest:       digest,
		CommittedAt:  time.Now().Unix(),
	}
	metaBytes, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding sidecar for block %d: %w", blockID, err)
	}

	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return err
	}
	defer s.pool.Put(conn)
	err = sqlitex.Execute(conn,
		`INSERT OR IGNORE INTO blocks (block_id, meta) VALUES (?, ?)`,
		&sqlitex.ExecOptions{Args: []any{blockID, metaBytes}})
	if err != nil {
		return fmt.Errorf("indexing block %d: %w", blockID, err)
	}

	block.discard()
	s.logger.Debug("block committed",
		"block_id", blockID, "length", record.Length,
		"stored_length", record.StoredLength, "compression", tag.String())
	return nil
}

// AbortBlock discards sessionID's temp block for blockID. Absent temp
// blocks are a no-op.
func (s *Store) AbortBlock(sessionID, blockID int64) error {
	s.mu.Lock()
	block := s.temp[tempKey{sessionID, blockID}]
	s.mu.Unlock()
	if block != nil {
		block.discard()
	}
	return nil
}

// OpenBlock returns a committed block's bytes, decompressed and
// digest-verified.
func (s *Store) OpenBlock(blockID int64) ([]byte, error) {
	record, err := s.record(blockID)
	if err != nil {
		return nil, err
	}
	stored, err := os.ReadFile(s.blockPath(blockID))
	if err != nil {
		return nil, fmt.Errorf("reading block %d: %w", blockID, err)
	}
	if int64(len(stored)) != record.StoredLength {
		return nil, fmt.Errorf("block %d file is %d bytes, index says %d",
			blockID, len(stored), record.StoredLength)
	}
	data, err := decompress(stored, Compression(record.Compression), int(record.Length))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", blockID, err)
	}
	if digest := contentDigest(data); !digestEqual(digest, record.Digest) {
		return nil, fmt.Errorf("block %d failed digest verification", blockID)
	}
	return data, nil
}

// IsCommitted reports whether blockID is in the committed tier.
func (s *Store) IsCommitted(blockID int64) (bool, error) {
	_, err := s.record(blockID)
	if errors.Is(err, ErrBlockNotCommitted) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// InMemoryPercentage reports how much of the given block set is
// committed, as an integer percentage. An empty set is vacuously
// fully resident.
func (s *Store) InMemoryPercentage(blockIDs ...int64) (int, error) {
	if len(blockIDs) == 0 {
		return 100, nil
	}
	committed := 0
	for _, blockID := range blockIDs {
		ok, err := s.IsCommitted(blockID)
		if err != nil {
			return 0, err
		}
		if ok {
			committed++
		}
	}
	return committed * 100 / len(blockIDs), nil
}

// CleanupSession discards every temp block the session still holds.
func (s *Store) CleanupSession(sessionID int64) {
	s.mu.Lock()
	var blocks []*TempBlock
	for key, block := range s.temp {
		if key.sessionID == sessionID {
			blocks = append(blocks, block)
		}
	}
	s.mu.Unlock()

	for _, block := range blocks {
		block.discard()
	}
}

// Close releases the index pool. Outstanding temp blocks stay on disk
// until the next Open clears them.
func (s *Store) Close() error {
	return s.pool.Close()
}

func (s *Store) blockPath(blockID int64) string {
	return filepath.Join(s.blocksDir, fmt.Sprintf("%d.blk", blockID))
}

// writeBlockFile writes the stored bytes atomically: temp file plus
// rename, so a concurrent OpenBlock never sees a partial block.
func (s *Store) writeBlockFile(blockID int64, stored []byte) error {
	file, err := os.CreateTemp(s.blocksDir, "commit-*.tmp")
	if err != nil {
		return fmt.Errorf("creating commit file for block %d: %w", blockID, err)
	}
	tmpPath := file.Name()
	if _, err := file.Write(stored); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing block %d: %w", blockID, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing block %d: %w", blockID, err)
	}
	if err := os.Rename(tmpPath, s.blockPath(blockID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming block %d into place: %w", blockID, err)
	}
	return nil
}

func (s *Store) record(blockID int64) (*blockRecord, error) {
	conn, err := s.pool.Take(context.Background())
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var metaBytes []byte
	err = sqlitex.Execute(conn,
		`SELECT meta FROM blocks WHERE block_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{blockID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				metaBytes = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, metaBytes)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("looking up block %d: %w", blockID, err)
	}
	if metaBytes == nil {
		return nil, fmt.Errorf("block %d: %w", blockID, ErrBlockNotCommitted)
	}
	var record blockRecord
	if err := codec.Unmarshal(metaBytes, &record); err != nil {
		return nil, fmt.Errorf("decoding sidecar for block %d: %w", blockID, err)
	}
	return &record, nil
}

func (s *Store) removeTemp(key tempKey) {
	s.mu.Lock()
	delete(s.temp, key)
	s.mu.Unlock()
}

func digestEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
