// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"sync"
)

// Pool keeps idle channels per worker address so consecutive block
// reads reuse connections. It is a dependency-injected handle, not a
// process singleton: tests construct one over loopback channels.
//
// Each channel carries at most one active packet reader at a time;
// the reader acquires on open and releases (or closes) on stream
// close.
type Pool struct {
	dial DialFunc

	mu     sync.Mutex
	idle   map[string][]Channel
	closed bool
}

// NewPool creates a pool that opens new channels with dial when no
// idle channel is available.
func NewPool(dial DialFunc) *Pool {
	return &Pool{
		dial: dial,
		idle: make(map[string][]Channel),
	}
}

// Acquire returns an open channel to address, reusing an idle one if
// possible. The caller owns the channel until Release.
func (p *Pool) Acquire(ctx context.Context, address string) (Channel, error) {
	p.mu.Lock()
	for {
		channels := p.idle[address]
		if p.closed || len(channels) == 0 {
			break
		}
		ch := channels[len(channels)-1]
		p.idle[address] = channels[:len(channels)-1]
		if ch.IsOpen() {
			p.mu.Unlock()
			return ch, nil
		}
		// Stale idle channel; drop it and keep looking.
	}
	p.mu.Unlock()
	return p.dial(ctx, address)
}

// Release returns a channel to the idle set. Closed channels are
// dropped. The caller must have detached its handler and restored
// autoread first.
func (p *Pool) Release(address string, ch Channel) {
	if ch == nil {
		return
	}
	if !ch.IsOpen() {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		ch.Close()
		return
	}
	p.idle[address] = append(p.idle[address], ch)
	p.mu.Unlock()
}

// Close closes all idle channels. Channels currently on loan close
// when their owners release them.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = make(map[string][]Channel)
	p.closed = true
	p.mu.Unlock()

	for _, channels := range idle {
		for _, ch := range channels {
			ch.Close()
		}
	}
}
