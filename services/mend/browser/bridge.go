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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// BridgeConfig configures the websocket bridge driver.
type BridgeConfig struct {
	// URL is the bridge endpoint, e.g. "ws://127.0.0.1:9223/session".
	URL string

	// DialTimeout bounds the websocket handshake. Default: 10s.
	DialTimeout time.Duration

	// CallTimeout bounds each command round trip when the caller's
	// context has no earlier deadline. Default: 30s.
	CallTimeout time.Duration
}

// BridgeDriver opens sessions against an external automation shim over
// a websocket. Each Open dials a fresh connection; the shim maps one
// connection to one browser page.
type BridgeDriver struct {
	cfg    BridgeConfig
	logger *slog.Logger
}

// NewBridgeDriver creates a bridge driver.
func NewBridgeDriver(cfg BridgeConfig, logger *slog.Logger) *BridgeDriver {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BridgeDriver{cfg: cfg, logger: logger}
}

// Open dials the shim and returns a live session.
func (d *BridgeDriver) Open(ctx context.Context) (Session, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.cfg.DialTimeout}
	conn, _, err := dialer.DialContext(ctx, d.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing automation bridge %s: %w", d.cfg.URL, err)
	}
	return &bridgeSession{
		conn:        conn,
		callTimeout: d.cfg.CallTimeout,
		logger:      d.logger,
	}, nil
}

// bridgeRequest is one command to the shim.
type bridgeRequest struct {
	ID   int64  `json:"id"`
	Op   string `json:"op"`
	URL  string `json:"url,omitempty"`
	Code string `json:"code,omitempty"`
	Expr string `json:"expr,omitempty"`
}

// bridgeResponse is the shim's reply, matched to a request by ID.
type bridgeResponse struct {
	ID              int64            `json:"id"`
	OK              bool             `json:"ok"`
	Error           string           `json:"error,omitempty"`
	Value           json.RawMessage  `json:"value,omitempty"`
	ConsoleErrors   []ConsoleError   `json:"console_errors,omitempty"`
	NetworkFailures []NetworkFailure `json:"network_failures,omitempty"`
}

type bridgeSession struct {
	conn        *websocket.Conn
	callTimeout time.Duration
	logger      *slog.Logger

	// mu serializes command round trips on the single connection.
	mu        sync.Mutex
	nextID    int64
	closeOnce sync.Once
	closed    bool
}

// call performs one request/response round trip.
func (s *bridgeSession) call(ctx context.Context, req bridgeRequest) (*bridgeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSessionClosed
	}

	s.nextID++
	req.ID = s.nextID

	deadline := time.Now().Add(s.callTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return nil, fmt.Errorf("bridge %s: %w", req.Op, err)
	}
	if err := s.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("bridge %s: %w", req.Op, err)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("bridge %s: %w", req.Op, err)
	}

	// The shim may interleave replies to internally-generated events;
	// skip frames until our ID comes back.
	for {
		var resp bridgeResponse
		if err := s.conn.ReadJSON(&resp); err != nil {
			return nil, fmt.Errorf("bridge %s: %w", req.Op, err)
		}
		if resp.ID != req.ID {
			s.logger.Debug("bridge skipped stale frame", "got_id", resp.ID, "want_id", req.ID)
			continue
		}
		if !resp.OK {
			return nil, fmt.Errorf("bridge %s failed: %s", req.Op, resp.Error)
		}
		return &resp, nil
	}
}

func (s *bridgeSession) Navigate(ctx context.Context, url string) error {
	_, err := s.call(ctx, bridgeRequest{Op: "navigate", URL: url})
	return err
}

func (s *bridgeSession) Inject(ctx context.Context, code string) error {
	_, err := s.call(ctx, bridgeRequest{Op: "inject", Code: code})
	return err
}

func (s *bridgeSession) Evaluate(ctx context.Context, expr string) (any, error) {
	resp, err := s.call(ctx, bridgeRequest{Op: "evaluate", Expr: expr})
	if err != nil {
		return nil, err
	}
	if len(resp.Value) == 0 {
		return nil, nil
	}
	var value any
	if err := json.Unmarshal(resp.Value, &value); err != nil {
		return nil, fmt.Errorf("decoding evaluate result: %w", err)
	}
	return value, nil
}

func (s *bridgeSession) Observe(ctx context.Context) (*Observation, error) {
	resp, err := s.call(ctx, bridgeRequest{Op: "observe"})
	if err != nil {
		return nil, err
	}
	return &Observation{
		ConsoleErrors:   resp.ConsoleErrors,
		NetworkFailures: resp.NetworkFailures,
	}, nil
}

func (s *bridgeSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		// Best effort goodbye so the shim can release the page.
		deadline := time.Now().Add(2 * time.Second)
		s.conn.SetWriteDeadline(deadline)
		_ = s.conn.WriteJSON(bridgeRequest{Op: "close"})
		err = s.conn.Close()
	})
	return err
}
