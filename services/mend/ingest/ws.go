// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// The instrumented page is served from its own dev origin, so
// cross-origin upgrades are expected.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (s *Server) handleSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	session := uuid.New().String()
	conn.SetReadLimit(s.cfg.ReadLimit)
	s.logger.Info("instrumented page connected",
		"session", session,
		"remote", conn.RemoteAddr().String())

	s.sendJSON(conn, reply{Type: "hello", Session: session})

	ctx := c.Request.Context()
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.logger.Info("instrumented page disconnected", "session", session, "error", err)
			return
		}

		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.logger.Warn("dropping undecodable message", "session", session, "error", err)
			s.dropped(ctx, "malformed")
			continue
		}

		s.dispatch(ctx, conn, session, env)
	}
}

// dispatch routes one decoded message. Bad payloads are dropped and
// logged; the connection itself stays up.
func (s *Server) dispatch(ctx context.Context, conn *websocket.Conn, session string, env Envelope) {
	switch env.Type {
	case TypeError:
		if env.Error == nil {
			s.logger.Warn("error message without a report payload", "session", session)
			s.dropped(ctx, "malformed")
			return
		}
		rec, err := s.col.Capture(*env.Error)
		if err != nil {
			s.logger.Warn("collector refused report", "session", session, "error", err)
			s.dropped(ctx, "malformed")
			return
		}
		s.logger.Debug("captured error report",
			"session", session,
			"key", rec.Key,
			"kind", rec.Kind,
			"occurrences", rec.OccurrenceCount)
	case TypeAction:
		if env.Action == nil {
			s.logger.Warn("action message without a payload", "session", session)
			return
		}
		s.bundles.RecordAction(*env.Action)
	case TypeState:
		if env.State == nil {
			s.logger.Warn("state message without a payload", "session", session)
			return
		}
		s.bundles.SetState(env.State)
	case TypePing:
		s.sendJSON(conn, reply{Type: "pong", Session: session})
	default:
		s.logger.Warn("dropping message of unknown type", "session", session, "type", env.Type)
	}
}

func (s *Server) dropped(ctx context.Context, reason string) {
	if s.metrics == nil || s.metrics.ErrorsDropped == nil {
		return
	}
	s.metrics.ErrorsDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func (s *Server) sendJSON(conn *websocket.Conn, v any) {
	if err := conn.WriteJSON(v); err != nil {
		s.logger.Warn("websocket write failed", "error", err)
	}
}
