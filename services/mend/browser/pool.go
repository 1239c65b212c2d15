// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package browser

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Pool hands out sessions with bounded capacity.
//
// # Description
//
// Automation sessions are a scarce resource: each one pins a browser
// page and the shim serializes its commands. The pool bounds how many
// exist at once (default 1, making checkout fully serial) and reuses
// healthy sessions between validation runs instead of paying session
// startup per check.
//
// # Thread Safety
//
// Safe for concurrent use. Acquire blocks on a channel semaphore and
// honors context cancellation.
type Pool struct {
	driver   Driver
	capacity int
	logger   *slog.Logger

	// permits is a channel-based semaphore; holding a permit entitles
	// the caller to exactly one session.
	permits chan struct{}

	mu     sync.Mutex
	idle   []Session
	closed bool
}

// NewPool creates a session pool. Capacity values below 1 are raised
// to 1. A nil driver is allowed; Acquire then fails with ErrNoDriver,
// which dry-run callers treat as "skip live checks".
func NewPool(driver Driver, capacity int, logger *slog.Logger) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		driver:   driver,
		capacity: capacity,
		logger:   logger,
		permits:  make(chan struct{}, capacity),
	}
	for i := 0; i < capacity; i++ {
		p.permits <- struct{}{}
	}
	return p
}

// Lease is a checked-out session. Callers must Release exactly once.
type Lease struct {
	Session

	pool     *Pool
	released bool
	mu       sync.Mutex
}

// Acquire checks out a session, blocking until a permit is free or the
// context is cancelled. A fresh session is opened when no idle one is
// available.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.driver == nil {
		return nil, ErrNoDriver
	}

	select {
	case <-p.permits:
	case <-ctx.Done():
		return nil, fmt.Errorf("acquiring browser session: %w", ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.permits <- struct{}{}
		return nil, ErrSessionClosed
	}
	var sess Session
	if n := len(p.idle); n > 0 {
		sess = p.idle[n-1]
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if sess == nil {
		opened, err := p.driver.Open(ctx)
		if err != nil {
			p.permits <- struct{}{}
			return nil, fmt.Errorf("opening browser session: %w", err)
		}
		sess = opened
		p.logger.Debug("opened browser session")
	}

	return &Lease{Session: sess, pool: p}, nil
}

// Release returns the session to the pool. Pass healthy=false when the
// session misbehaved; it is closed instead of reused. Release is
// idempotent.
func (l *Lease) Release(healthy bool) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	p := l.pool
	p.mu.Lock()
	reuse := healthy && !p.closed
	if reuse {
		p.idle = append(p.idle, l.Session)
	}
	p.mu.Unlock()

	if !reuse {
		if err := l.Session.Close(); err != nil {
			p.logger.Warn("closing browser session", "error", err)
		}
	}
	p.permits <- struct{}{}
}

// Close closes all idle sessions and marks the pool closed. Leases
// still out are closed on Release.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var firstErr error
	for _, sess := range idle {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
