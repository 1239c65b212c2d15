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
	"log/slog"
	"sync"
	"time"
)

// EventType identifies what happened inside the collector.
type EventType string

const (
	// EventCaptured fires when a new record enters the queue
	// (including a resolved record reopening on recurrence).
	EventCaptured EventType = "captured"

	// EventDeduplicated fires when an observation collapsed into an
	// existing record.
	EventDeduplicated EventType = "deduplicated"

	// EventEvicted fires when a full queue pushed out its oldest
	// record.
	EventEvicted EventType = "evicted"

	// EventResolved fires when a drained record is confirmed fixed.
	EventResolved EventType = "resolved"

	// EventTerminal fires when a record exhausts its retry budget.
	EventTerminal EventType = "terminal"
)

// Event is a collector lifecycle notification.
type Event struct {
	Type      EventType
	Key       string
	Timestamp time.Time

	// Record is a copy of the record the event refers to.
	Record *ErrorRecord

	// Detail carries event-specific context (eviction reason,
	// terminal reason).
	Detail string
}

// Handler receives collector events. Handlers run synchronously on the
// capturing goroutine and must not block.
type Handler func(*Event)

// Emitter fans events out to subscribed handlers.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu       sync.RWMutex
	handlers []Handler
}

// Subscribe registers a handler for all subsequent events.
func (e *Emitter) Subscribe(h Handler) {
	if h == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// emit delivers the event to every handler.
func (e *Emitter) emit(ev *Event) {
	e.mu.RLock()
	handlers := e.handlers
	e.mu.RUnlock()

	for _, h := range handlers {
		h(ev)
	}
}

// LoggingHandler creates a handler that logs collector events.
//
// Inputs:
//
//	logger - The slog logger to use.
//	level - The log level for events.
//
// Outputs:
//
//	Handler - A handler function that logs events.
func LoggingHandler(logger *slog.Logger, level slog.Level) Handler {
	return func(event *Event) {
		attrs := []any{
			slog.String("event_type", string(event.Type)),
			slog.String("key", event.Key),
			slog.Time("timestamp", event.Timestamp),
		}
		if event.Record != nil {
			attrs = append(attrs,
				slog.String("kind", string(event.Record.Kind)),
				slog.String("severity", string(event.Record.Severity)),
				slog.String("file", event.Record.Location.File),
				slog.Int("line", event.Record.Location.Line),
				slog.Int("occurrences", event.Record.OccurrenceCount),
			)
		}
		if event.Detail != "" {
			attrs = append(attrs, slog.String("detail", event.Detail))
		}
		logger.Log(nil, level, "collector event", attrs...)
	}
}
