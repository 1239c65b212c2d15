// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package browser is the automation boundary to the live target.
//
// The remediation loop treats the browser as an externally-provided
// capability: open a session, navigate, inject code, evaluate
// expressions, observe console and network, close. Driver internals
// are out of scope; this package defines the boundary, a
// fixed-capacity session pool (sessions are scarce and serially
// acquired), and a websocket bridge driver that delegates the actual
// automation to an external shim process.
package browser

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by operations on a closed session.
var ErrSessionClosed = errors.New("browser session closed")

// ErrNoDriver is returned by the pool when constructed without a
// driver (dry-run configurations).
var ErrNoDriver = errors.New("no browser driver configured")

// ConsoleError is one console-level error observed in a session.
type ConsoleError struct {
	Message string `json:"message"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Stack   string `json:"stack,omitempty"`
}

// NetworkFailure is one failed network request observed in a session.
type NetworkFailure struct {
	URL    string `json:"url"`
	Status int    `json:"status,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Observation is what a session saw since the last Observe call.
type Observation struct {
	ConsoleErrors   []ConsoleError   `json:"console_errors"`
	NetworkFailures []NetworkFailure `json:"network_failures"`
}

// Session is one live automation session against the target.
//
// Sessions are not safe for concurrent use; the pool hands each one
// to a single holder at a time.
type Session interface {
	// Navigate loads the target URL and waits for it to settle.
	Navigate(ctx context.Context, url string) error

	// Inject executes code in the page context, replacing or shadowing
	// target source as the shim sees fit.
	Inject(ctx context.Context, code string) error

	// Evaluate runs an expression in the page context and returns its
	// JSON-decoded value.
	Evaluate(ctx context.Context, expr string) (any, error)

	// Observe drains console errors and network failures accumulated
	// since the previous Observe.
	Observe(ctx context.Context) (*Observation, error)

	// Close tears the session down. Idempotent.
	Close() error
}

// Driver opens sessions.
type Driver interface {
	Open(ctx context.Context) (Session, error)
}
