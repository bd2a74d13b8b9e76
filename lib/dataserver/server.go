// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

// Package dataserver implements the worker-side handler that block
// read requests flow through. Tracked requests (those carrying a
// session ID) are served through the UFS block registry so concurrent
// readers are capped and promotion into the local tier happens as a
// side effect of the stream; sentinel requests stream a generic file
// straight from the UFS.
//
// The control plane (opening a UFS block for a session, closing it,
// heartbeats) is exposed as methods on Server. The RPC transport that
// would carry those calls on a real deployment sits below this
// package's scope; the data path speaks the wire frame protocol.
package dataserver

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tierstore/tierstore/lib/localstore"
	"github.com/tierstore/tierstore/lib/transport"
	"github.com/tierstore/tierstore/lib/ufs"
	"github.com/tierstore/tierstore/lib/ufsstore"
	"github.com/tierstore/tierstore/lib/wire"
)

// DefaultPacketSize is the read buffer size when the config leaves it
// unset: 8 KiB.
const DefaultPacketSize = 8 * 1024

// BlockResolver maps a block ID to its UFS location. The filesystem
// namespace that owns this mapping is an external collaborator; tests
// supply a table.
type BlockResolver func(blockID int64) (ufsstore.OpenOptions, error)

// Config carries the server knobs.
type Config struct {
	// PacketSize bounds the payload of each response frame. Zero uses
	// DefaultPacketSize.
	PacketSize int

	// Logger receives per-stream warnings. Nil discards.
	Logger *slog.Logger
}

// Server serves block streams over transport channels.
type Server struct {
	registry *ufsstore.Registry
	local    *localstore.Store
	fs       ufs.UnderFileSystem
	resolve  BlockResolver

	packetSize int
	logger     *slog.Logger
}

// New creates a server. local may be nil to disable promotion and
// residency tracking entirely.
func New(registry *ufsstore.Registry, local *localstore.Store, fs ufs.UnderFileSystem,
	resolve BlockResolver, cfg Config) *Server {
	packetSize := cfg.PacketSize
	if packetSize <= 0 {
		packetSize = DefaultPacketSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		registry:   registry,
		local:      local,
		fs:         fs,
		resolve:    resolve,
		packetSize: packetSize,
		logger:     logger,
	}
}

// LocalTier adapts the local store to the registry's allocation
// contract. Wire it as the registry's LocalStore.
type LocalTier struct {
	Store *localstore.Store
}

// AllocateTempBlock implements ufsstore.LocalStore.
func (t *LocalTier) AllocateTempBlock(sessionID, blockID, size int64) (ufsstore.TempBlockWriter, error) {
	return t.Store.AllocateTempBlock(sessionID, blockID, size)
}

// OpenUfsBlock grants sessionID read access to blockID, resolving its
// UFS location and applying the caller's read policy. This is the
// control-plane call a client makes before streaming a tracked block.
func (s *Server) OpenUfsBlock(sessionID, blockID int64, noCache bool, maxConcurrency int) error {
	options, err := s.resolve(blockID)
	if err != nil {
		return fmt.Errorf("resolving block %d: %w", blockID, err)
	}
	options.NoCache = noCache
	if maxConcurrency > 0 {
		options.MaxUfsReadConcurrency = maxConcurrency
	}
	return s.registry.AcquireAccess(sessionID, blockID, options)
}

// CloseUfsBlock ends sessionID's read of blockID: the registry entry
// is cleaned up, the block is committed to the local tier if the
// stream fully materialised it, and the access token is released.
func (s *Server) CloseUfsBlock(sessionID, blockID int64) error {
	commit, err := s.registry.Cleanup(sessionID, blockID)
	if err != nil {
		s.registry.ReleaseAccess(sessionID, blockID)
		return err
	}
	if commit && s.local != nil {
		if err := s.local.CommitBlock(sessionID, blockID); err != nil {
			s.logger.Warn("block commit failed",
				"block_id", blockID, "session_id", sessionID, "error", err)
		}
	}
	s.registry.ReleaseAccess(sessionID, blockID)
	return nil
}

// CleanupSession releases everything a vanished session holds. Hook
// this (together with the local store's cleanup) into the session
// manager.
func (s *Server) CleanupSession(sessionID int64) {
	s.registry.CleanupSession(sessionID)
	if s.local != nil {
		s.local.CleanupSession(sessionID)
	}
}

// ServeChannel attaches a stream handler to an accepted channel. It
// returns immediately; frames drive the work.
func (s *Server) ServeChannel(channel transport.Channel) {
	channel.SetHandler(&serverStream{server: s, channel: channel})
}

// serverStream is the per-channel state: the in-flight request and
// the set of cancelled block IDs. Requests on one channel are served
// serially, matching the one-reader-per-channel client contract.
type serverStream struct {
	server  *Server
	channel transport.Channel

	mu        sync.Mutex
	cancelled map[uint64]bool

	serveMu sync.Mutex
}

// HandleMessage implements transport.Handler. Read requests are
// served on their own goroutine so the transport's dispatch loop
// stays free to deliver the cancel frames that interrupt them.
func (st *serverStream) HandleMessage(msg wire.Message) {
	switch m := msg.(type) {
	case *wire.ReadRequest:
		// A cancel recorded before this request was aimed at an earlier
		// request whose response had already been sent in full; drop it
		// so it cannot cancel this one.
		st.clearCancel(m.BlockID)
		go st.serve(m)
	case *wire.CancelRequest:
		st.mu.Lock()
		if st.cancelled == nil {
			st.cancelled = make(map[uint64]bool)
		}
		st.cancelled[m.BlockID] = true
		st.mu.Unlock()
	default:
		st.server.logger.Warn("unexpected frame on data channel", "type", fmt.Sprintf("%#x", byte(msg.Type())))
	}
}

// HandleFailure implements transport.Handler.
func (st *serverStream) HandleFailure(err error) {
	if !errors.Is(err, transport.ErrConnectionReset) {
		st.server.logger.Warn("data channel failed", "error", err)
	}
}

func (st *serverStream) isCancelled(blockID uint64) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.cancelled[blockID]
}

func (st *serverStream) clearCancel(blockID uint64) {
	st.mu.Lock()
	delete(st.cancelled, blockID)
	st.mu.Unlock()
}

func (st *serverStream) serve(request *wire.ReadRequest) {
	st.serveMu.Lock()
	defer st.serveMu.Unlock()
	defer st.clearCancel(request.BlockID)

	var err error
	if request.Tracked() {
		err = st.serveTracked(request)
	} else {
		err = st.serveFile(request)
	}
	if err != nil {
		st.server.logger.Warn("block stream failed",
			"block_id", request.BlockID, "session_id", request.SessionID, "error", err)
		st.channel.WriteMessage(wire.ErrorResponse(request.BlockID, err.Error()))
	}
}

// serveTracked streams a registry-tracked block. The session must
// have opened the block first; the registry's reader carries the
// promotion tee.
func (st *serverStream) serveTracked(request *wire.ReadRequest) error {
	reader, err := st.server.registry.GetBlockReader(
		request.SessionID, int64(request.BlockID), request.Offset, false)
	if err != nil {
		return err
	}
	return st.streamPackets(request, func(p []byte, off int64) (int, error) {
		return reader.ReadAt(p, off)
	})
}

// serveFile streams a generic (untracked) file region straight from
// the UFS.
func (st *serverStream) serveFile(request *wire.ReadRequest) error {
	options, err := st.server.resolve(int64(request.BlockID))
	if err != nil {
		return err
	}
	file, err := st.server.fs.Open(options.UfsPath)
	if err != nil {
		return err
	}
	defer file.Close()

	length := options.Length
	return st.streamPackets(request, func(p []byte, off int64) (int, error) {
		if off >= length {
			return 0, io.EOF
		}
		if rest := length - off; int64(len(p)) > rest {
			p = p[:rest]
		}
		return file.ReadAt(p, options.OffsetInFile+off)
	})
}

// streamPackets drives one read request: bounded packets in offset
// order, a cancel acknowledgement if the client gave up, and the
// empty-payload success frame at end of stream.
func (st *serverStream) streamPackets(request *wire.ReadRequest,
	readAt func(p []byte, off int64) (int, error)) error {
	buffer := make([]byte, st.server.packetSize)
	offset := request.Offset
	end := request.Offset + request.Length

	for offset < end {
		if st.isCancelled(request.BlockID) {
			return st.channel.WriteMessage(&wire.ReadResponse{
				BlockID: request.BlockID, Status: wire.StatusCancelled})
		}
		chunk := buffer
		if rest := end - offset; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		n, err := readAt(chunk, offset)
		if n > 0 {
			payload := make([]byte, n)
			copy(payload, chunk[:n])
			if writeErr := st.channel.WriteMessage(&wire.ReadResponse{
				BlockID: request.BlockID,
				Status:  wire.StatusSuccess,
				Payload: payload,
			}); writeErr != nil {
				return writeErr
			}
			offset += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return st.channel.WriteMessage(wire.EOFResponse(request.BlockID))
}
