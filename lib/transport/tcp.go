// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/tierstore/tierstore/lib/wire"
)

// Compile-time interface check.
var _ Channel = (*TCPChannel)(nil)

// TCPChannel frames a net.Conn. Writes are serialized by an internal
// mutex; inbound frames are decoded on a read goroutine and handed to
// the attached handler. With autoread off the read goroutine parks
// and the kernel receive window fills, which eventually pauses the
// peer's sender.
type TCPChannel struct {
	conn net.Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	autoread bool
	gate     *sync.Cond
	handler  Handler
	closed   bool

	closedCh chan struct{}
}

// NewTCPChannel wraps an established connection and starts its read
// loop. The caller should attach a handler before the peer is
// expected to send.
func NewTCPChannel(conn net.Conn) *TCPChannel {
	c := &TCPChannel{
		conn:     conn,
		autoread: true,
		closedCh: make(chan struct{}),
	}
	c.gate = sync.NewCond(&c.mu)
	go c.readLoop()
	return c
}

// WriteMessage implements Channel. Any write failure closes the
// channel.
func (c *TCPChannel) WriteMessage(msg wire.Message) error {
	if !c.IsOpen() {
		return ErrChannelClosed
	}
	c.writeMu.Lock()
	err := wire.WriteFrame(c.conn, msg)
	c.writeMu.Unlock()
	if err != nil {
		c.Close()
		return &Error{Op: "write", Err: err}
	}
	return nil
}

// SetHandler implements Channel.
func (c *TCPChannel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetAutoRead implements Channel.
func (c *TCPChannel) SetAutoRead(enabled bool) {
	c.mu.Lock()
	c.autoread = enabled
	c.mu.Unlock()
	if enabled {
		c.gate.Broadcast()
	}
}

// IsOpen implements Channel.
func (c *TCPChannel) IsOpen() bool {
	select {
	case <-c.closedCh:
		return false
	default:
		return true
	}
}

// Close implements Channel. Idempotent.
func (c *TCPChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedCh)
	c.mu.Unlock()
	c.gate.Broadcast()
	return c.conn.Close()
}

func (c *TCPChannel) readLoop() {
	for {
		c.mu.Lock()
		for !c.autoread && !c.closed {
			c.gate.Wait()
		}
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		msg, err := wire.ReadFrame(c.conn)
		if err != nil {
			if !c.IsOpen() {
				// Local close raced the read; not a peer failure.
				return
			}
			if errors.Is(err, io.EOF) {
				err = ErrConnectionReset
			}
			c.mu.Lock()
			h := c.handler
			c.mu.Unlock()
			if h != nil {
				h.HandleFailure(err)
			}
			c.Close()
			return
		}

		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h.HandleMessage(msg)
		}
	}
}

// TCPDialer opens frame channels to worker data servers.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

// DialChannel opens a TCP connection to address and wraps it in a
// channel. Dial failures are transient: the caller may retry.
func (d *TCPDialer) DialChannel(ctx context.Context, address string) (Channel, error) {
	conn, err := (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &Error{Op: "dial " + address, Transient: true, Err: err}
	}
	return NewTCPChannel(conn), nil
}
