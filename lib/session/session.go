// Copyright 2026 The Tierstore Authors
// SPDX-License-Identifier: Apache-2.0

// Package session tracks client leases on the worker. A session is an
// opaque 64-bit lease identifier; the worker only cares that
// heartbeats keep arriving. When a session expires or closes, the
// registered cleanup callbacks run (UFS registry cleanup, local store
// temp-block cleanup) so a vanished client never strands resources.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tierstore/tierstore/lib/clock"
)

// CleanupFunc releases one subsystem's resources for a session.
type CleanupFunc func(sessionID int64)

// Manager is the worker's session table plus its TTL sweeper. Safe
// for concurrent use.
type Manager struct {
	clock    clock.Clock
	ttl      time.Duration
	logger   *slog.Logger
	cleanups []CleanupFunc

	mu       sync.Mutex
	lastSeen map[int64]time.Time
}

// NewManager creates a manager expiring sessions that miss heartbeats
// for ttl. Cleanup callbacks run in registration order on expiry and
// explicit close.
func NewManager(clk clock.Clock, ttl time.Duration, logger *slog.Logger, cleanups ...CleanupFunc) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		clock:    clk,
		ttl:      ttl,
		logger:   logger,
		cleanups: cleanups,
		lastSeen: make(map[int64]time.Time),
	}
}

// Heartbeat records liveness for sessionID, registering it if new.
func (m *Manager) Heartbeat(sessionID int64) {
	m.mu.Lock()
	m.lastSeen[sessionID] = m.clock.Now()
	m.mu.Unlock()
}

// Close removes the session and runs its cleanups. Closing an
// unknown session still runs cleanups; the subsystems treat absent
// entries as no-ops.
func (m *Manager) Close(sessionID int64) {
	m.mu.Lock()
	delete(m.lastSeen, sessionID)
	m.mu.Unlock()
	m.runCleanups(sessionID)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.lastSeen)
}

// Run sweeps for expired sessions until ctx is cancelled. The sweep
// interval is half the TTL.
func (m *Manager) Run(ctx context.Context) {
	ticker := m.clock.NewTicker(m.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := m.clock.Now()
	m.mu.Lock()
	var expired []int64
	for sessionID, last := range m.lastSeen {
		if now.Sub(last) > m.ttl {
			expired = append(expired, sessionID)
		}
	}
	for _, sessionID := range expired {
		delete(m.lastSeen, sessionID)
	}
	m.mu.Unlock()

	for _, sessionID := range expired {
		m.logger.Info("session expired, cleaning up", "session_id", sessionID)
		m.runCleanups(sessionID)
	}
}

func (m *Manager) runCleanups(sessionID int64) {
	for _, cleanup := range m.cleanups {
		cleanup(sessionID)
	}
}
