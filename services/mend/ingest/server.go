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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianMend/services/mend/collector"
	"github.com/AleutianAI/AleutianMend/services/mend/telemetry"
)

// Config controls the ingestion server.
type Config struct {
	// Addr is the listen address. Default: ":8787".
	Addr string

	// ReadLimit caps one inbound websocket message. Default: 1MiB.
	ReadLimit int64

	// ShutdownGrace bounds draining on Stop. Default: 5s.
	ShutdownGrace time.Duration
}

// DefaultConfig returns the standard ingestion configuration.
func DefaultConfig() Config {
	return Config{
		Addr:          ":8787",
		ReadLimit:     1 << 20,
		ShutdownGrace: 5 * time.Second,
	}
}

// Server hosts the ingestion channel: the /ws duplex socket, a health
// probe, and the Prometheus scrape endpoint.
type Server struct {
	cfg     Config
	col     *collector.Collector
	bundles *ContextBuilder
	metrics *telemetry.Metrics
	logger  *slog.Logger

	httpSrv *http.Server
}

// New builds the ingestion server. The collector and context builder
// are required; metrics are optional.
func New(cfg Config, col *collector.Collector, bundles *ContextBuilder, metrics *telemetry.Metrics, logger *slog.Logger) (*Server, error) {
	if col == nil {
		return nil, fmt.Errorf("ingest requires a collector")
	}
	if bundles == nil {
		return nil, fmt.Errorf("ingest requires a context builder")
	}

	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:     cfg,
		col:     col,
		bundles: bundles,
		metrics: metrics,
		logger:  logger,
	}, nil
}

// Router builds the gin engine with every ingestion route registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("mend-ingest"))

	router.GET("/ws", s.handleSocket)
	router.GET("/healthz", s.handleHealth)
	router.GET("/stats", s.handleStats)
	router.GET("/metrics", s.handleMetrics)

	return router
}

// handleMetrics proxies the Prometheus scrape handler. Resolved per
// request because the exporter comes up after the server is built.
func (s *Server) handleMetrics(c *gin.Context) {
	h := telemetry.MetricsHandler()
	if h == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "prometheus exporter not active"})
		return
	}
	h.ServeHTTP(c.Writer, c.Request)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"pending": s.col.QueueLen(),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.col.Stats())
}

// Start serves until ctx is cancelled, then drains within the
// shutdown grace period. It blocks; run it in its own goroutine
// alongside the remediation loop.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:    s.cfg.Addr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ingestion channel listening", "addr", s.cfg.Addr)
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("draining ingestion server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("ingestion server: %w", err)
	}
}
