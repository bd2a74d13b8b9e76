// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"sync"

	"github.com/tierstore/tierstore/lib/wire"
)

// Compile-time interface check.
var _ Channel = (*LoopbackChannel)(nil)

// LoopbackChannel is one end of an in-memory channel pair. It models
// the TCP channel faithfully enough for protocol tests: frames arrive
// in order on a dispatcher goroutine, autoread-off parks the
// dispatcher, and a full send window blocks the writer. Frames
// already in flight when the peer closes are still delivered before
// the failure callback fires.
type LoopbackChannel struct {
	inbox chan wire.Message

	mu       sync.Mutex
	autoread bool
	gate     *sync.Cond
	handler  Handler
	closed   bool

	closedCh chan struct{}
	peer     *LoopbackChannel
}

// Loopback creates a connected channel pair with the given send
// window (frames buffered per direction before a writer blocks).
func Loopback(window int) (*LoopbackChannel, *LoopbackChannel) {
	if window < 1 {
		window = 1
	}
	a := newLoopbackChannel(window)
	b := newLoopbackChannel(window)
	a.peer, b.peer = b, a
	go a.dispatch()
	go b.dispatch()
	return a, b
}

func newLoopbackChannel(window int) *LoopbackChannel {
	c := &LoopbackChannel{
		inbox:    make(chan wire.Message, window),
		autoread: true,
		closedCh: make(chan struct{}),
	}
	c.gate = sync.NewCond(&c.mu)
	return c
}

// WriteMessage enqueues a frame into the peer's inbox. Blocks while
// the peer's window is full. A write against a closed pair closes
// this end and fails.
func (c *LoopbackChannel) WriteMessage(msg wire.Message) error {
	// Check for a closed pair first: select picks at random among
	// ready cases, and a free inbox slot must not win over a close.
	select {
	case <-c.closedCh:
		return ErrChannelClosed
	default:
	}
	select {
	case <-c.peer.closedCh:
		c.Close()
		return &Error{Op: "write", Err: ErrConnectionReset}
	default:
	}
	select {
	case <-c.closedCh:
		return ErrChannelClosed
	case <-c.peer.closedCh:
		c.Close()
		return &Error{Op: "write", Err: ErrConnectionReset}
	case c.peer.inbox <- msg:
		return nil
	}
}

// SetHandler implements Channel.
func (c *LoopbackChannel) SetHandler(h Handler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// SetAutoRead implements Channel.
func (c *LoopbackChannel) SetAutoRead(enabled bool) {
	c.mu.Lock()
	c.autoread = enabled
	c.mu.Unlock()
	if enabled {
		c.gate.Broadcast()
	}
}

// IsOpen implements Channel.
func (c *LoopbackChannel) IsOpen() bool {
	select {
	case <-c.closedCh:
		return false
	default:
		return true
	}
}

// Close implements Channel. Idempotent.
func (c *LoopbackChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.closedCh)
	c.mu.Unlock()
	c.gate.Broadcast()
	return nil
}

// dispatch delivers inbound frames to the handler, honoring the
// autoread gate. It drains frames in flight before reporting a peer
// close as a connection reset.
func (c *LoopbackChannel) dispatch() {
	for {
		if !c.waitReadable() {
			return
		}
		select {
		case msg := <-c.inbox:
			c.deliver(msg)
			continue
		default:
		}
		select {
		case msg := <-c.inbox:
			c.deliver(msg)
		case <-c.closedCh:
			return
		case <-c.peer.closedCh:
			// Peer closed. Deliver anything still buffered, then
			// surface the reset.
			for {
				select {
				case msg := <-c.inbox:
					c.deliver(msg)
					continue
				default:
				}
				break
			}
			c.failAndClose(ErrConnectionReset)
			return
		}
	}
}

// waitReadable blocks until autoread is on, returning false if the
// channel closed while waiting.
func (c *LoopbackChannel) waitReadable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for !c.autoread && !c.closed {
		c.gate.Wait()
	}
	return !c.closed
}

func (c *LoopbackChannel) deliver(msg wire.Message) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.HandleMessage(msg)
	}
}

func (c *LoopbackChannel) failAndClose(err error) {
	c.mu.Lock()
	h := c.handler
	c.mu.Unlock()
	if h != nil {
		h.HandleFailure(err)
	}
	c.Close()
}
