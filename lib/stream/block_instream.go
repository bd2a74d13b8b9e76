// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"errors"
	"fmt"
	"io"
)

// PacketReaderFactory opens a packet reader over [offset,
// offset+length) of one block. The in-stream calls it lazily on the
// first read and again after every seek or skip.
type PacketReaderFactory func(offset, length int64) (PacketReader, error)

// BlockInStream is a positional input stream over one block. It turns
// a packet stream into a byte-addressable read/seek/skip surface and
// defers all transport work until a read actually needs bytes, so
// seeks and skips cost nothing but a fresh read request.
//
// Not safe for concurrent use. Operations on a closed stream return
// ErrClosed: that is a caller bug, not a recoverable condition.
type BlockInStream struct {
	blockID uint64
	length  int64

	pos     int64
	current []byte
	reader  PacketReader

	newReader PacketReaderFactory

	closed  bool
	eof     bool
	touched bool
}

// NewBlockInStream creates a stream over a block of the given length.
func NewBlockInStream(blockID uint64, length int64, factory PacketReaderFactory) *BlockInStream {
	return &BlockInStream{
		blockID:   blockID,
		length:    length,
		newReader: factory,
	}
}

// ReadByte returns the next byte of the block. At end of stream it
// closes the stream and returns io.EOF.
func (s *BlockInStream) ReadByte() (byte, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if err := s.ensurePacket(); err != nil {
		return 0, err
	}
	if s.eof {
		s.Close()
		return 0, io.EOF
	}
	b := s.current[0]
	s.current = s.current[1:]
	s.pos++
	s.touched = true
	return b, nil
}

// Read fills p from the current packet. It copies at most one
// packet's worth of bytes and never blocks waiting for a second
// packet within a single call. A zero-length p returns (0, nil) with
// no side effects.
func (s *BlockInStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	if err := s.ensurePacket(); err != nil {
		return 0, err
	}
	if s.eof {
		s.Close()
		return 0, io.EOF
	}
	n := copy(p, s.current)
	s.current = s.current[n:]
	s.pos += int64(n)
	s.touched = true
	return n, nil
}

// SeekTo repositions the stream to pos, which must lie in [0,
// length]. Seeking to the current position is a no-op; any other seek
// tears down the packet reader (cancelling its in-flight read) and
// the next read issues a fresh request. Seeking backward clears a
// previously observed end of stream.
func (s *BlockInStream) SeekTo(pos int64) error {
	if s.closed {
		return ErrClosed
	}
	if pos < 0 {
		return fmt.Errorf("seek to negative position %d", pos)
	}
	if pos > s.length {
		return fmt.Errorf("seek to %d past end of block %d (length %d)", pos, s.blockID, s.length)
	}
	if pos == s.pos {
		return nil
	}
	if pos < s.pos {
		s.eof = false
	}
	err := s.closePacketReader()
	s.pos = pos
	return err
}

// Seek implements io.Seeker over SeekTo.
func (s *BlockInStream) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = s.pos + offset
	case io.SeekEnd:
		target = s.length + offset
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}
	if err := s.SeekTo(target); err != nil {
		return 0, err
	}
	return s.pos, nil
}

// Skip advances the stream by up to n bytes and returns the count
// actually skipped (bounded by the remaining bytes; non-positive n
// skips nothing). Like a forward seek, it repositions lazily instead
// of discarding bytes one packet at a time.
func (s *BlockInStream) Skip(n int64) (int64, error) {
	if s.closed {
		return 0, ErrClosed
	}
	if n <= 0 {
		return 0, nil
	}
	toSkip := min(s.Remaining(), n)
	if toSkip == 0 {
		return 0, nil
	}
	err := s.closePacketReader()
	s.pos += toSkip
	return toSkip, err
}

// Remaining returns the bytes left to read, or 0 once end of stream
// has been observed.
func (s *BlockInStream) Remaining() int64 {
	if s.eof {
		return 0
	}
	return s.length - s.pos
}

// Pos returns the stream position relative to the start of the block.
func (s *BlockInStream) Pos() int64 { return s.pos }

// Touched reports whether the stream has delivered at least one byte.
// The file-level stream uses this to decide whether the block counts
// as accessed for cache accounting; a zero-length read never sets it.
func (s *BlockInStream) Touched() bool { return s.touched }

// Close releases the current packet and the packet reader.
// Idempotent.
func (s *BlockInStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.closePacketReader()
}

// ensurePacket makes the current packet non-empty or marks end of
// stream. It lazily constructs a packet reader covering [pos, length)
// on first use. Read-time failures close the stream before they
// surface; a cancelled packet reader converts silently to end of
// stream.
func (s *BlockInStream) ensurePacket() error {
	if s.reader == nil {
		reader, err := s.newReader(s.pos, s.length-s.pos)
		if err != nil {
			s.Close()
			return err
		}
		s.reader = reader
	}
	if s.current != nil && len(s.current) == 0 {
		s.current = nil
	}
	if s.current == nil {
		packet, err := s.reader.ReadPacket()
		switch {
		case err == nil:
			s.current = packet
		case err == io.EOF || errors.Is(err, ErrCancelled):
			s.current = nil
			s.eof = true
		default:
			s.Close()
			return err
		}
	}
	return nil
}

// closePacketReader releases the current packet and closes the packet
// reader, signalling cancel for an unfinished stream.
func (s *BlockInStream) closePacketReader() error {
	s.current = nil
	if s.reader == nil {
		return nil
	}
	err := s.reader.Close()
	s.reader = nil
	return err
}
