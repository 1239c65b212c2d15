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
	"sync"
)

// MockDriver is a scripted driver for tests and dry runs.
//
// Thread Safety:
//
//	MockDriver is safe for concurrent use.
type MockDriver struct {
	mu sync.Mutex

	// observations are returned by Observe in order; the last one
	// repeats once the queue is drained.
	observations []*Observation

	// evalResults maps expressions to scripted Evaluate values.
	evalResults map[string]any

	// injectErr causes Inject to fail.
	injectErr error

	// openErr causes Open to fail.
	openErr error

	// opened counts sessions handed out.
	opened int

	// injected records all injected code, across sessions.
	injected []string

	// navigated records all navigated URLs, across sessions.
	navigated []string
}

// NewMockDriver creates a mock driver whose sessions observe a quiet
// page (no console errors, no network failures) by default.
func NewMockDriver() *MockDriver {
	return &MockDriver{
		evalResults: make(map[string]any),
	}
}

// WithObservations queues the observations sessions will report, in
// order. The final observation repeats.
func (d *MockDriver) WithObservations(obs ...*Observation) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.observations = append(d.observations, obs...)
	return d
}

// WithEvalResult scripts the value Evaluate returns for expr.
func (d *MockDriver) WithEvalResult(expr string, value any) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.evalResults[expr] = value
	return d
}

// WithInjectError makes Inject fail with err.
func (d *MockDriver) WithInjectError(err error) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.injectErr = err
	return d
}

// WithOpenError makes Open fail with err.
func (d *MockDriver) WithOpenError(err error) *MockDriver {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openErr = err
	return d
}

// Opened returns how many sessions were opened.
func (d *MockDriver) Opened() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opened
}

// Injected returns all code passed to Inject, across sessions.
func (d *MockDriver) Injected() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.injected))
	copy(out, d.injected)
	return out
}

// Navigated returns all URLs passed to Navigate, across sessions.
func (d *MockDriver) Navigated() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.navigated))
	copy(out, d.navigated)
	return out
}

// Open hands out a scripted session.
func (d *MockDriver) Open(ctx context.Context) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return nil, d.openErr
	}
	d.opened++
	return &mockSession{driver: d}, nil
}

type mockSession struct {
	driver *MockDriver
	mu     sync.Mutex
	closed bool
}

func (s *mockSession) Navigate(ctx context.Context, url string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	s.driver.navigated = append(s.driver.navigated, url)
	return nil
}

func (s *mockSession) Inject(ctx context.Context, code string) error {
	if err := s.check(); err != nil {
		return err
	}
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	if s.driver.injectErr != nil {
		return s.driver.injectErr
	}
	s.driver.injected = append(s.driver.injected, code)
	return nil
}

func (s *mockSession) Evaluate(ctx context.Context, expr string) (any, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	if v, ok := s.driver.evalResults[expr]; ok {
		return v, nil
	}
	return nil, nil
}

func (s *mockSession) Observe(ctx context.Context) (*Observation, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	s.driver.mu.Lock()
	defer s.driver.mu.Unlock()
	if len(s.driver.observations) == 0 {
		return &Observation{}, nil
	}
	obs := s.driver.observations[0]
	if len(s.driver.observations) > 1 {
		s.driver.observations = s.driver.observations[1:]
	}
	return obs, nil
}

func (s *mockSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *mockSession) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return nil
}
