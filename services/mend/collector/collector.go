// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collector

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrMalformedReport marks ingestion payloads the collector cannot
// use. Malformed reports are dropped with a warning; they never crash
// the collector.
var ErrMalformedReport = errors.New("malformed error report")

// ErrUnknownKey is returned by lifecycle methods for keys the
// collector has never seen.
var ErrUnknownKey = errors.New("unknown error key")

// Config controls collector behavior.
type Config struct {
	// DedupWindow is the interval within which identical observations
	// collapse into one record. Default: 5s.
	DedupWindow time.Duration

	// QueueCapacity bounds the pending queue. When full, the oldest
	// record is evicted with a logged warning (freshness over
	// completeness). Default: 256.
	QueueCapacity int

	// CriticalComponents are target subsystems whose errors are bumped
	// one severity level and drained ahead of equally-severe others.
	CriticalComponents []string
}

// DefaultConfig returns the standard collector configuration.
func DefaultConfig() Config {
	return Config{
		DedupWindow:        5 * time.Second,
		QueueCapacity:      256,
		CriticalComponents: []string{"main-loop", "save", "init"},
	}
}

// Stats is a point-in-time view of collector counters.
type Stats struct {
	Captured     int64 `json:"captured"`
	Deduplicated int64 `json:"deduplicated"`
	Malformed    int64 `json:"malformed"`
	Evicted      int64 `json:"evicted"`
	Pending      int   `json:"pending"`
	InFlight     int   `json:"in_flight"`
	Resolved     int   `json:"resolved"`
	Terminal     int   `json:"terminal"`
}

// Collector owns the ErrorRecord lifecycle.
//
// # Thread Safety
//
// Safe for concurrent use. Capture is called from the ingestion
// goroutine while Drain/Resolve/Requeue are called from the
// orchestrator; all state is guarded by one mutex. Capture is O(1)
// except on eviction and never blocks on downstream work.
type Collector struct {
	cfg        Config
	classifier *Classifier
	logger     *slog.Logger
	emitter    Emitter

	mu       sync.Mutex
	records  map[string]*ErrorRecord // every key ever seen
	queue    []*ErrorRecord          // pending, insertion order
	inFlight map[string]*ErrorRecord
	terminal []TerminalFailure

	captured     int64
	deduplicated int64
	malformed    int64
	evicted      int64
	resolved     int64

	now func() time.Time
}

// New creates a Collector.
func New(cfg Config, logger *slog.Logger) *Collector {
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 5 * time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cfg:        cfg,
		classifier: NewClassifier(cfg.CriticalComponents),
		logger:     logger,
		records:    make(map[string]*ErrorRecord),
		inFlight:   make(map[string]*ErrorRecord),
		now:        time.Now,
	}
}

// Subscribe registers an event handler for collector lifecycle events.
func (c *Collector) Subscribe(h Handler) {
	c.emitter.Subscribe(h)
}

// Capture ingests one raw report.
//
// Computes the identity key; when the key was seen within the dedup
// window the observation collapses into the existing record
// (OccurrenceCount incremented, no new downstream work). Otherwise a
// record is enqueued, evicting the oldest pending record if the queue
// is full.
//
// Returns a copy of the affected record. Malformed reports return
// ErrMalformedReport; the collector logs and keeps running.
func (c *Collector) Capture(report Report) (*ErrorRecord, error) {
	if err := report.Validate(); err != nil {
		c.mu.Lock()
		c.malformed++
		c.mu.Unlock()
		c.logger.Warn("dropping malformed report",
			"error", err,
			"file", report.File,
			"line", report.Line,
		)
		return nil, err
	}

	kind := ParseKind(report.Kind)
	severity := c.classifier.Classify(kind, report.Component, report.Message)
	key := IdentityKey(report.File, report.Line, report.Message)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, seen := c.records[key]
	if seen {
		rec.OccurrenceCount++
		rec.LastSeenAt = now

		switch rec.Status {
		case StatusPending, StatusInFlight:
			// Already queued or being worked: collapse so one defect
			// holds at most one queue slot.
			c.deduplicated++
			c.emitLocked(EventDeduplicated, rec, "")
		case StatusTerminal:
			// Exhausted keys never re-enter the queue.
			c.deduplicated++
			c.emitLocked(EventDeduplicated, rec, "terminal key recurred")
		case StatusResolved, StatusEvicted:
			// Recurrence after a confirmed fix means the fix did not
			// hold; an evicted record gets a fresh queue slot.
			if rec.Status == StatusResolved {
				c.resolved--
			}
			rec.Status = StatusPending
			c.enqueueLocked(rec)
			c.captured++
			c.emitLocked(EventCaptured, rec, "reopened")
		}
		return rec.Clone(), nil
	}

	rec = &ErrorRecord{
		ID:              uuid.NewString(),
		Key:             key,
		Kind:            kind,
		Severity:        severity,
		Message:         report.Message,
		Location:        Location{File: report.File, Line: report.Line, Column: report.Column},
		StackTrace:      report.Stack,
		Component:       report.Component,
		ContextSnapshot: report.Context,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		OccurrenceCount: 1,
		Status:          StatusPending,
	}
	c.records[key] = rec
	c.enqueueLocked(rec)
	c.captured++
	c.emitLocked(EventCaptured, rec, "")
	return rec.Clone(), nil
}

// enqueueLocked appends to the pending queue, evicting the oldest
// record when the queue is at capacity. Caller holds c.mu.
func (c *Collector) enqueueLocked(rec *ErrorRecord) {
	if len(c.queue) >= c.cfg.QueueCapacity {
		oldest := c.queue[0]
		c.queue = c.queue[1:]
		oldest.Status = StatusEvicted
		c.evicted++
		c.logger.Warn("queue full, evicting oldest record",
			"evicted_key", oldest.Key,
			"evicted_severity", oldest.Severity,
			"capacity", c.cfg.QueueCapacity,
		)
		c.emitLocked(EventEvicted, oldest, "queue at capacity")
	}
	c.queue = append(c.queue, rec)
}

// Drain returns up to maxCount pending records ordered by severity,
// then critical components ahead of equally-severe others, then
// most-recently-seen first. Drained records move to in-flight and the
// returned copies are safe to share across workers.
func (c *Collector) Drain(maxCount int) []*ErrorRecord {
	if maxCount <= 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sort.SliceStable(c.queue, func(i, j int) bool {
		a, b := c.queue[i], c.queue[j]
		if a.Severity.Rank() != b.Severity.Rank() {
			return a.Severity.Rank() > b.Severity.Rank()
		}
		ac, bc := c.classifier.IsCritical(a.Component), c.classifier.IsCritical(b.Component)
		if ac != bc {
			return ac
		}
		return a.LastSeenAt.After(b.LastSeenAt)
	})

	n := maxCount
	if n > len(c.queue) {
		n = len(c.queue)
	}

	out := make([]*ErrorRecord, 0, n)
	for _, rec := range c.queue[:n] {
		rec.Status = StatusInFlight
		c.inFlight[rec.Key] = rec
		out = append(out, rec.Clone())
	}
	c.queue = c.queue[n:]
	return out
}

// Resolve marks an in-flight record as fixed.
func (c *Collector) Resolve(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.takeInFlightLocked(key)
	if err != nil {
		return err
	}
	rec.Status = StatusResolved
	c.resolved++
	c.emitLocked(EventResolved, rec, "")
	return nil
}

// Requeue returns an in-flight record to the pending queue for another
// attempt in a later iteration.
func (c *Collector) Requeue(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.takeInFlightLocked(key)
	if err != nil {
		return err
	}
	rec.Status = StatusPending
	c.enqueueLocked(rec)
	return nil
}

// MarkTerminal moves an in-flight record to the terminal history list.
// Terminal records are surfaced as unresolved in the final report but
// never drained again.
func (c *Collector) MarkTerminal(key, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.takeInFlightLocked(key)
	if err != nil {
		return err
	}
	rec.Status = StatusTerminal
	c.terminal = append(c.terminal, TerminalFailure{
		Record: rec.Clone(),
		Reason: reason,
		At:     c.now(),
	})
	c.emitLocked(EventTerminal, rec, reason)
	return nil
}

// takeInFlightLocked removes and returns the in-flight record for key.
// Caller holds c.mu.
func (c *Collector) takeInFlightLocked(key string) (*ErrorRecord, error) {
	rec, ok := c.inFlight[key]
	if !ok {
		if _, seen := c.records[key]; !seen {
			return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
		}
		return nil, fmt.Errorf("record %s is not in flight", key)
	}
	delete(c.inFlight, key)
	return rec, nil
}

// Unresolved returns the count of records still needing work:
// pending plus in-flight. Terminal failures are excluded; they are
// reported separately.
func (c *Collector) Unresolved() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) + len(c.inFlight)
}

// QueueLen returns the current pending queue length.
func (c *Collector) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// TerminalFailures returns a copy of the terminal history list.
func (c *Collector) TerminalFailures() []TerminalFailure {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]TerminalFailure, len(c.terminal))
	copy(out, c.terminal)
	return out
}

// Stats returns current counters.
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Captured:     c.captured,
		Deduplicated: c.deduplicated,
		Malformed:    c.malformed,
		Evicted:      c.evicted,
		Pending:      len(c.queue),
		InFlight:     len(c.inFlight),
		Resolved:     int(c.resolved),
		Terminal:     len(c.terminal),
	}
}

// emitLocked publishes an event with a cloned record. Caller holds
// c.mu; handlers must not call back into the collector.
func (c *Collector) emitLocked(t EventType, rec *ErrorRecord, detail string) {
	c.emitter.emit(&Event{
		Type:      t,
		Key:       rec.Key,
		Timestamp: c.now(),
		Record:    rec.Clone(),
		Detail:    detail,
	})
}
