// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest is the duplex channel between the instrumented target
// app and the remediation service. The target's injected shim connects
// a websocket to /ws and streams typed JSON messages: error reports,
// user actions, and app-state snapshots. The server side owns all
// durable state, so a reconnecting client loses nothing.
package ingest

import (
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianMend/services/mend/collector"
)

// Message types accepted on the channel.
const (
	// TypeError carries one defect observation for the collector.
	TypeError = "error"

	// TypeAction appends one user interaction to the rolling action
	// log sent to the oracle as reproduction context.
	TypeAction = "action"

	// TypeState replaces the latest app-state snapshot.
	TypeState = "state"

	// TypePing asks for a pong, for client liveness probes.
	TypePing = "ping"
)

// Envelope is one inbound message. Type selects which payload field is
// read; the others are ignored.
type Envelope struct {
	Type   string            `json:"type"`
	Error  *collector.Report `json:"error,omitempty"`
	Action *ActionEvent      `json:"action,omitempty"`
	State  map[string]any    `json:"state,omitempty"`
}

// ActionEvent is one user interaction observed in the target.
type ActionEvent struct {
	// Kind is the interaction class: click, input, submit, navigate,
	// keypress.
	Kind string `json:"kind"`

	// Target identifies what was acted on, usually a CSS selector or
	// a URL for navigations.
	Target string `json:"target,omitempty"`

	// Value is the entered text for input-like actions.
	Value string `json:"value,omitempty"`

	At time.Time `json:"at,omitempty"`
}

// String renders the action the way the oracle context lists it.
func (a ActionEvent) String() string {
	switch {
	case a.Kind == "" && a.Target == "":
		return "(unrecorded action)"
	case a.Value != "":
		return fmt.Sprintf("%s %s %q", a.Kind, a.Target, a.Value)
	case a.Target != "":
		return fmt.Sprintf("%s %s", a.Kind, a.Target)
	default:
		return a.Kind
	}
}

// reply is the server-to-client message shape.
type reply struct {
	Type    string `json:"type"`
	Session string `json:"session,omitempty"`
	Detail  string `json:"detail,omitempty"`
}
