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
	"log/slog"
	"testing"
	"time"
)

// fakeClock advances manually so dedup-window behavior is deterministic.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCollector(t *testing.T, cfg Config) (*Collector, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	c := New(cfg, slog.New(slog.DiscardHandler))
	c.now = clock.now
	return c, clock
}

func report(file string, line int, msg string) Report {
	return Report{
		Kind:    "TypeError",
		Message: msg,
		File:    file,
		Line:    line,
	}
}

func TestCapture_NewRecord(t *testing.T) {
	c, _ := newTestCollector(t, DefaultConfig())

	rec, err := c.Capture(report("game.js", 42, "boom"))
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if rec.ID == "" {
		t.Error("record missing ID")
	}
	if rec.Kind != KindTypeError {
		t.Errorf("Kind = %v, want %v", rec.Kind, KindTypeError)
	}
	if rec.OccurrenceCount != 1 {
		t.Errorf("OccurrenceCount = %d, want 1", rec.OccurrenceCount)
	}
	if rec.Status != StatusPending {
		t.Errorf("Status = %v, want %v", rec.Status, StatusPending)
	}
	if got := c.QueueLen(); got != 1 {
		t.Errorf("QueueLen() = %d, want 1", got)
	}
}

func TestCapture_DedupWithinWindow(t *testing.T) {
	// Two identical errors 2s apart with a 5s window collapse into one
	// record with OccurrenceCount=2.
	c, clock := newTestCollector(t, DefaultConfig())

	first, err := c.Capture(report("game.js", 42, "boom"))
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	clock.advance(2 * time.Second)

	second, err := c.Capture(report("game.js", 42, "boom"))
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if first.Key != second.Key {
		t.Fatalf("keys differ: %s vs %s", first.Key, second.Key)
	}
	if second.OccurrenceCount != 2 {
		t.Errorf("OccurrenceCount = %d, want 2", second.OccurrenceCount)
	}
	if got := c.QueueLen(); got != 1 {
		t.Errorf("QueueLen() = %d, want 1 (idempotent ingestion)", got)
	}
}

func TestCapture_VolatileMessagePartsShareKey(t *testing.T) {
	c, _ := newTestCollector(t, DefaultConfig())

	a, err := c.Capture(report("game.js", 7, "gold was -42.7 at tick 19384"))
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	b, err := c.Capture(report("game.js", 7, "gold was -9.1 at tick 19391"))
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}

	if a.Key != b.Key {
		t.Errorf("normalized messages should share a key: %s vs %s", a.Key, b.Key)
	}
	if got := c.QueueLen(); got != 1 {
		t.Errorf("QueueLen() = %d, want 1", got)
	}
}

func TestCapture_Malformed(t *testing.T) {
	c, _ := newTestCollector(t, DefaultConfig())

	tests := []struct {
		name   string
		report Report
	}{
		{"empty message", Report{Kind: "TypeError", File: "game.js", Line: 1}},
		{"empty file", Report{Kind: "TypeError", Message: "boom", Line: 1}},
		{"negative line", Report{Kind: "TypeError", Message: "boom", File: "game.js", Line: -3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Capture(tt.report)
			if !errors.Is(err, ErrMalformedReport) {
				t.Errorf("Capture() error = %v, want ErrMalformedReport", err)
			}
		})
	}

	if got := c.QueueLen(); got != 0 {
		t.Errorf("QueueLen() = %d, want 0 after malformed reports", got)
	}
	if got := c.Stats().Malformed; got != 3 {
		t.Errorf("Stats().Malformed = %d, want 3", got)
	}
}

func TestCapture_EvictsOldestWhenFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 2
	c, _ := newTestCollector(t, cfg)

	c.Capture(report("a.js", 1, "first"))
	c.Capture(report("b.js", 2, "second"))
	c.Capture(report("c.js", 3, "third"))

	if got := c.QueueLen(); got != 2 {
		t.Fatalf("QueueLen() = %d, want 2", got)
	}
	if got := c.Stats().Evicted; got != 1 {
		t.Errorf("Stats().Evicted = %d, want 1", got)
	}

	drained := c.Drain(10)
	for _, rec := range drained {
		if rec.Message == "first" {
			t.Error("oldest record should have been evicted")
		}
	}
}

func TestCapture_EvictedRecordReenqueuesOnRecurrence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.QueueCapacity = 1
	c, clock := newTestCollector(t, cfg)

	c.Capture(report("a.js", 1, "first"))
	c.Capture(report("b.js", 2, "second")) // evicts first

	clock.advance(10 * time.Second)
	rec, err := c.Capture(report("a.js", 1, "first")) // evicts second, requeues first
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if rec.Status != StatusPending {
		t.Errorf("Status = %v, want %v", rec.Status, StatusPending)
	}
	if rec.OccurrenceCount != 2 {
		t.Errorf("OccurrenceCount = %d, want 2", rec.OccurrenceCount)
	}
}

func TestDrain_Ordering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CriticalComponents = []string{"save"}
	c, clock := newTestCollector(t, cfg)

	// LOW first so insertion order cannot mask a sort bug.
	c.Capture(Report{Kind: "console", Message: "deprecated api", File: "ui.js", Line: 1})
	clock.advance(time.Second)
	c.Capture(Report{Kind: "TypeError", Message: "boom in render", File: "render.js", Line: 2, Component: "render"})
	clock.advance(time.Second)
	c.Capture(Report{Kind: "TypeError", Message: "boom in save", File: "save.js", Line: 3, Component: "save"})
	clock.advance(time.Second)
	c.Capture(Report{Kind: "unknown-kind", Message: "out of memory", File: "core.js", Line: 4})

	drained := c.Drain(4)
	if len(drained) != 4 {
		t.Fatalf("Drain() returned %d records, want 4", len(drained))
	}

	// save.js and core.js are both CRITICAL (bumped component vs
	// out-of-memory pattern); the critical component drains first.
	wantOrder := []string{"save.js", "core.js", "render.js", "ui.js"}
	for i, want := range wantOrder {
		if drained[i].Location.File != want {
			t.Errorf("drained[%d].File = %s, want %s", i, drained[i].Location.File, want)
		}
	}
}

func TestDrain_MovesToInFlight(t *testing.T) {
	c, _ := newTestCollector(t, DefaultConfig())

	c.Capture(report("a.js", 1, "boom"))
	drained := c.Drain(5)
	if len(drained) != 1 {
		t.Fatalf("Drain() returned %d records, want 1", len(drained))
	}
	if drained[0].Status != StatusInFlight {
		t.Errorf("Status = %v, want %v", drained[0].Status, StatusInFlight)
	}
	if got := c.QueueLen(); got != 0 {
		t.Errorf("QueueLen() = %d, want 0", got)
	}
	if got := c.Unresolved(); got != 1 {
		t.Errorf("Unresolved() = %d, want 1 (in-flight counts)", got)
	}
}

func TestDrain_RespectsMaxCount(t *testing.T) {
	c, _ := newTestCollector(t, DefaultConfig())

	for i := 0; i < 5; i++ {
		c.Capture(report("a.js", i+1, "boom"))
	}

	if got := len(c.Drain(3)); got != 3 {
		t.Errorf("Drain(3) returned %d records, want 3", got)
	}
	if got := c.QueueLen(); got != 2 {
		t.Errorf("QueueLen() = %d, want 2", got)
	}
}

func TestResolve_Lifecycle(t *testing.T) {
	c, _ := newTestCollector(t, DefaultConfig())

	rec, _ := c.Capture(report("a.js", 1, "boom"))
	c.Drain(1)

	if err := c.Resolve(rec.Key); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got := c.Unresolved(); got != 0 {
		t.Errorf("Unresolved() = %d, want 0", got)
	}
	if got := c.Stats().Resolved; got != 1 {
		t.Errorf("Stats().Resolved = %d, want 1", got)
	}
}

func TestResolve_NotInFlight(t *testing.T) {
	c, _ := newTestCollector(t, DefaultConfig())

	rec, _ := c.Capture(report("a.js", 1, "boom"))
	if err := c.Resolve(rec.Key); err == nil {
		t.Error("Resolve() on pending record should fail")
	}
	if err := c.Resolve("no-such-key"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Resolve() error = %v, want ErrUnknownKey", err)
	}
}

func TestRequeue_ReturnsToQueue(t *testing.T) {
	c, _ := newTestCollector(t, DefaultConfig())

	rec, _ := c.Capture(report("a.js", 1, "boom"))
	c.Drain(1)

	if err := c.Requeue(rec.Key); err != nil {
		t.Fatalf("Requeue() error = %v", err)
	}
	if got := c.QueueLen(); got != 1 {
		t.Errorf("QueueLen() = %d, want 1", got)
	}

	drained := c.Drain(1)
	if len(drained) != 1 || drained[0].Key != rec.Key {
		t.Error("requeued record should drain again")
	}
}

func TestMarkTerminal_NeverRequeues(t *testing.T) {
	c, clock := newTestCollector(t, DefaultConfig())

	rec, _ := c.Capture(report("a.js", 1, "boom"))
	c.Drain(1)

	if err := c.MarkTerminal(rec.Key, "exhausted max attempts"); err != nil {
		t.Fatalf("MarkTerminal() error = %v", err)
	}

	failures := c.TerminalFailures()
	if len(failures) != 1 {
		t.Fatalf("TerminalFailures() len = %d, want 1", len(failures))
	}
	if failures[0].Reason != "exhausted max attempts" {
		t.Errorf("Reason = %q", failures[0].Reason)
	}

	// Recurrence of a terminal key must not re-enter the queue.
	clock.advance(time.Minute)
	c.Capture(report("a.js", 1, "boom"))
	if got := c.QueueLen(); got != 0 {
		t.Errorf("QueueLen() = %d, want 0 for terminal key", got)
	}
	if got := c.Unresolved(); got != 0 {
		t.Errorf("Unresolved() = %d, want 0 (terminal excluded)", got)
	}
}

func TestCapture_ReopensResolvedOnRecurrence(t *testing.T) {
	c, clock := newTestCollector(t, DefaultConfig())

	rec, _ := c.Capture(report("a.js", 1, "boom"))
	c.Drain(1)
	c.Resolve(rec.Key)

	clock.advance(30 * time.Second)
	reopened, err := c.Capture(report("a.js", 1, "boom"))
	if err != nil {
		t.Fatalf("Capture() error = %v", err)
	}
	if reopened.Status != StatusPending {
		t.Errorf("Status = %v, want %v", reopened.Status, StatusPending)
	}
	if reopened.OccurrenceCount != 2 {
		t.Errorf("OccurrenceCount = %d, want 2", reopened.OccurrenceCount)
	}
	if got := c.QueueLen(); got != 1 {
		t.Errorf("QueueLen() = %d, want 1", got)
	}
	if got := c.Stats().Resolved; got != 0 {
		t.Errorf("Stats().Resolved = %d, want 0 after reopen", got)
	}
}

func TestEvents_CapturedAndDeduplicated(t *testing.T) {
	c, _ := newTestCollector(t, DefaultConfig())

	var got []EventType
	c.Subscribe(func(ev *Event) {
		got = append(got, ev.Type)
	})

	c.Capture(report("a.js", 1, "boom"))
	c.Capture(report("a.js", 1, "boom"))

	want := []EventType{EventCaptured, EventDeduplicated}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("events[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
