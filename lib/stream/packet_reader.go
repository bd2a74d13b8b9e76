// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

// Package stream implements the client side of block streaming: a
// packet reader that pulls bounded packets from a worker channel with
// flow control, and a positional input stream layered on top of it.
//
// Protocol, from the reader's point of view:
//
//  1. The reader sends a read request (blockId, offset, length).
//  2. The server streams packets; an empty packet ends the stream.
//  3. If the reader's queue reaches the high-water mark, it turns
//     autoread off and the server's sender eventually pauses; the
//     queue draining to the low-water mark resumes it.
//  4. Closing before end of stream sends a cancel request, then
//     drains the channel so it can be returned to the pool healthy.
//  5. Any channel error closes the channel.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tierstore/tierstore/lib/transport"
	"github.com/tierstore/tierstore/lib/wire"
)

// ErrClosed is returned by stream operations after Close. Using a
// closed stream is a programmer error and fails loudly.
var ErrClosed = errors.New("stream: closed")

// ErrCancelled reports a read that the server cancelled. The block
// in-stream converts it to a silent end of stream; it only escapes to
// callers using a packet reader directly.
var ErrCancelled = errors.New("stream: read cancelled")

// PacketReader pulls packets of one block region from a data server.
// Not safe for concurrent use.
type PacketReader interface {
	// ReadPacket blocks until a packet is available and returns it.
	// Returns (nil, io.EOF) at the natural end of the stream.
	ReadPacket() ([]byte, error)

	// Pos returns the offset of the next byte to be delivered.
	Pos() int64

	// Close releases the reader. If the stream was not exhausted it
	// cancels the in-flight read and drains remaining packets so the
	// channel stays healthy for reuse.
	Close() error
}

// PacketReaderConfig carries the flow-control knobs.
type PacketReaderConfig struct {
	// HighWater is the queue size at which the reader pauses the
	// transport. Default 8.
	HighWater int

	// LowWater is the queue size at which a paused reader resumes
	// the transport. Default 2.
	LowWater int

	// Logger receives drain warnings. Nil discards.
	Logger *slog.Logger
}

func (c PacketReaderConfig) withDefaults() PacketReaderConfig {
	if c.HighWater <= 0 {
		c.HighWater = 8
	}
	if c.LowWater <= 0 {
		c.LowWater = 2
	}
	if c.LowWater > c.HighWater {
		c.LowWater = c.HighWater
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	return c
}

// ChannelPacketReader reads packets from one transport channel. It is
// the channel's handler for the duration of the stream: ingress
// callbacks enqueue under the mutex and signal the not-empty-or-fail
// condition; ReadPacket waits on it.
type ChannelPacketReader struct {
	channel transport.Channel
	release func(transport.Channel)
	config  PacketReaderConfig

	blockID uint64

	mu             sync.Mutex
	notEmptyOrFail *sync.Cond
	// packets preserves arrival order; a nil entry is the
	// end-of-stream sentinel from an empty SUCCESS payload.
	packets  [][]byte
	err      error
	pos      int64
	paused   bool
	finished bool
	closed   bool
}

var _ transport.Handler = (*ChannelPacketReader)(nil)

// NewChannelPacketReader attaches to channel and requests [offset,
// offset+length) of the block. release is called exactly once when
// the reader is done with the channel (healthy or not); pass the pool
// release. LockID and sessionID use the wire sentinels for generic
// file reads.
func NewChannelPacketReader(channel transport.Channel, release func(transport.Channel),
	blockID uint64, offset, length, lockID, sessionID int64,
	config PacketReaderConfig) (*ChannelPacketReader, error) {
	r := &ChannelPacketReader{
		channel: channel,
		release: release,
		config:  config.withDefaults(),
		blockID: blockID,
		pos:     offset,
	}
	r.notEmptyOrFail = sync.NewCond(&r.mu)

	channel.SetHandler(r)
	request := &wire.ReadRequest{
		BlockID:   blockID,
		Offset:    offset,
		Length:    length,
		LockID:    lockID,
		SessionID: sessionID,
	}
	if err := channel.WriteMessage(request); err != nil {
		// The channel closed itself on the write failure; nothing to
		// drain.
		channel.SetHandler(nil)
		release(channel)
		return nil, fmt.Errorf("sending read request for block %d: %w", blockID, err)
	}
	return r, nil
}

// ReadPacket implements PacketReader. Buffered packets are delivered
// before a recorded channel error surfaces, so a spontaneous close
// never loses data that already arrived.
func (r *ChannelPacketReader) ReadPacket() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	return r.readPacketLocked()
}

func (r *ChannelPacketReader) readPacketLocked() ([]byte, error) {
	for {
		if len(r.packets) > 0 {
			packet := r.packets[0]
			r.packets[0] = nil
			r.packets = r.packets[1:]
			if packet == nil {
				r.finished = true
				return nil, io.EOF
			}
			r.pos += int64(len(packet))
			if r.paused && len(r.packets) <= r.config.LowWater {
				r.paused = false
				r.channel.SetAutoRead(true)
			}
			return packet, nil
		}
		if r.err != nil {
			return nil, r.err
		}
		r.notEmptyOrFail.Wait()
	}
}

// Pos implements PacketReader.
func (r *ChannelPacketReader) Pos() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

// HandleMessage implements transport.Handler. Runs on the transport's
// dispatch goroutine.
func (r *ChannelPacketReader) HandleMessage(msg wire.Message) {
	response, ok := msg.(*wire.ReadResponse)
	if !ok {
		r.HandleFailure(fmt.Errorf("unexpected %#x frame on read channel", byte(msg.Type())))
		return
	}

	switch response.Status {
	case wire.StatusSuccess:
		r.mu.Lock()
		if response.EOF() {
			r.packets = append(r.packets, nil)
		} else {
			r.packets = append(r.packets, response.Payload)
		}
		r.notEmptyOrFail.Signal()
		if len(r.packets) >= r.config.HighWater && !r.paused {
			r.paused = true
			r.channel.SetAutoRead(false)
		}
		r.mu.Unlock()

	case wire.StatusCancelled:
		r.recordError(ErrCancelled)

	case wire.StatusError:
		r.recordError(fmt.Errorf("block %d read failed on server: %s",
			response.BlockID, response.Message()))

	default:
		r.recordError(fmt.Errorf("block %d response carried unknown status %d",
			response.BlockID, uint16(response.Status)))
	}
}

// HandleFailure implements transport.Handler.
func (r *ChannelPacketReader) HandleFailure(err error) {
	r.recordError(err)
}

func (r *ChannelPacketReader) recordError(err error) {
	r.mu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.notEmptyOrFail.Signal()
	r.mu.Unlock()
}

// Close implements PacketReader. If the stream was not naturally
// exhausted it cancels the read and drains the channel; a drain
// failure closes the channel outright instead of returning it to the
// pool damaged.
func (r *ChannelPacketReader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	finished := r.finished
	r.mu.Unlock()

	if !finished && r.channel.IsOpen() {
		if err := r.channel.WriteMessage(&wire.CancelRequest{BlockID: r.blockID}); err != nil {
			// Write failure already closed the channel.
			r.config.Logger.Warn("cancel request failed, discarding channel",
				"block_id", r.blockID, "error", err)
		} else {
			r.drain()
		}
	}

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.channel.SetHandler(nil)
	r.channel.SetAutoRead(true)
	r.release(r.channel)
	return nil
}

// drain consumes packets until the server acknowledges the cancel,
// the stream ends naturally (cancel arrived after everything was
// enqueued), or the channel fails.
func (r *ChannelPacketReader) drain() {
	r.mu.Lock()
	if r.paused {
		r.paused = false
		r.channel.SetAutoRead(true)
	}
	for {
		packet, err := r.readPacketLocked()
		if packet != nil {
			continue
		}
		if err == io.EOF || errors.Is(err, ErrCancelled) {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()
		r.config.Logger.Warn("drain failed after cancel, closing channel",
			"block_id", r.blockID, "error", err)
		r.channel.Close()
		return
	}
}

// NewPooledReaderFactory returns a PacketReaderFactory that acquires
// a channel from pool for each packet reader and releases it back on
// close.
func NewPooledReaderFactory(pool *transport.Pool, address string, blockID uint64,
	lockID, sessionID int64, config PacketReaderConfig) PacketReaderFactory {
	return func(offset, length int64) (PacketReader, error) {
		channel, err := pool.Acquire(context.Background(), address)
		if err != nil {
			return nil, fmt.Errorf("acquiring channel to %s: %w", address, err)
		}
		release := func(ch transport.Channel) { pool.Release(address, ch) }
		return NewChannelPacketReader(channel, release, blockID, offset, length,
			lockID, sessionID, config)
	}
}
