// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the full-duplex frame channel beneath the
// block streaming protocol: a TCP implementation for production, an
// in-memory loopback pair for tests, and a process-wide channel pool.
//
// Channels deliver inbound frames to a Handler on a channel-owned
// goroutine. Flow control is two-sided: a receiver that turns autoread
// off stops draining inbound frames, and the peer's writes eventually
// block on the transport send window.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/tierstore/tierstore/lib/wire"
)

// ErrChannelClosed is returned by writes on a channel that has been
// closed locally.
var ErrChannelClosed = errors.New("transport: channel closed")

// ErrConnectionReset is delivered to the handler when the peer closes
// the channel.
var ErrConnectionReset = errors.New("transport: connection reset by peer")

// Error wraps a transport failure with its retry class. Dial failures
// are transient (the caller may retry at the stream level); failures
// on an established channel are fatal to that channel.
type Error struct {
	Op        string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	class := "fatal"
	if e.Transient {
		class = "transient"
	}
	return fmt.Sprintf("transport: %s (%s): %v", e.Op, class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transport error worth retrying
// at the stream level.
func IsTransient(err error) bool {
	var transportErr *Error
	return errors.As(err, &transportErr) && transportErr.Transient
}

// Handler consumes inbound traffic from one channel. Both callbacks
// run on the channel's read goroutine: they must not block on the
// channel's own writes, and they must not call into the block registry
// — they only touch their owning packet reader or server stream.
type Handler interface {
	// HandleMessage delivers one decoded inbound frame.
	HandleMessage(msg wire.Message)

	// HandleFailure reports a channel failure. The channel is closed
	// after HandleFailure returns; no further callbacks follow.
	HandleFailure(err error)
}

// Channel is a full-duplex frame stream. A channel carries at most one
// active packet reader at a time; SetHandler attaches the current
// owner and SetHandler(nil) detaches it before the channel is
// released back to the pool.
type Channel interface {
	// WriteMessage encodes and sends one frame. Any write failure
	// closes the channel before returning.
	WriteMessage(msg wire.Message) error

	// SetHandler attaches the inbound consumer. Frames arriving while
	// no handler is attached are dropped.
	SetHandler(h Handler)

	// SetAutoRead toggles inbound draining. With autoread off the
	// channel stops delivering frames; the peer eventually blocks on
	// its send window.
	SetAutoRead(enabled bool)

	// IsOpen reports whether the channel is still usable.
	IsOpen() bool

	// Close tears the channel down. Idempotent.
	Close() error
}

// DialFunc opens a new channel to a worker address. The channel pool
// takes a DialFunc rather than a concrete dialer so tests can supply
// loopback channels.
type DialFunc func(ctx context.Context, address string) (Channel, error)
