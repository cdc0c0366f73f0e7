// Copyright (C) 2026 IndaStreet (engineering@indastreet.id)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package ops serves the operational HTTP surface: liveness, readiness,
// connection state, and Prometheus metrics.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/indastreet/realtime/services/realtime/telemetry"
	"github.com/indastreet/realtime/services/realtime/transport"
)

// StatusSource exposes the connection facts the ops endpoints report.
// *realtime.Client satisfies it.
type StatusSource interface {
	ConnectionState() transport.State
	ActiveTier() (transport.Tier, bool)
	QueuedMessages() int
}

// Config holds server settings.
type Config struct {
	// ListenAddr is the host:port to bind. Default: "localhost:8086".
	ListenAddr string

	// GinMode overrides the Gin framework mode. Default: release.
	GinMode string
}

// Server is the operational HTTP server.
//
// # Thread Safety
//
// Safe for concurrent use. Start blocks; call Shutdown from another
// goroutine.
type Server struct {
	cfg    Config
	src    StatusSource
	engine *gin.Engine
	srv    *http.Server
}

// New builds the server and registers all routes.
func New(cfg Config, src StatusSource) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "localhost:8086"
	}
	if cfg.GinMode == "" {
		cfg.GinMode = gin.ReleaseMode
	}
	gin.SetMode(cfg.GinMode)

	s := &Server{cfg: cfg, src: src}
	s.engine = gin.New()
	s.engine.Use(gin.Recovery())
	s.registerRoutes()

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Engine returns the underlying Gin engine for testing.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start runs the HTTP server and blocks until Shutdown or a listen
// error.
func (s *Server) Start() error {
	slog.Info("ops server listening", "addr", s.cfg.ListenAddr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ops server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handleHealthz)
	s.engine.GET("/readyz", s.handleReadyz)
	s.engine.GET("/state", s.handleState)
	s.engine.GET("/metrics", s.handleMetrics)
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz reports ready while a connection is up, including a
// degraded one. Failed and disconnected sessions are not ready.
func (s *Server) handleReadyz(c *gin.Context) {
	state := s.src.ConnectionState()
	ready := state == transport.StateConnected || state == transport.StateDegraded

	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"ready": ready,
		"state": state.String(),
	})
}

func (s *Server) handleState(c *gin.Context) {
	resp := gin.H{
		"state":           s.src.ConnectionState().String(),
		"queued_messages": s.src.QueuedMessages(),
	}
	if tier, ok := s.src.ActiveTier(); ok {
		resp["tier"] = tier.String()
		resp["tier_rank"] = int(tier)
	}
	c.JSON(http.StatusOK, resp)
}

// handleMetrics serves the Prometheus registry. The telemetry handler is
// preferred when the otel meter provider is initialized; otherwise the
// default registry (package-level promauto collectors) is served
// directly.
func (s *Server) handleMetrics(c *gin.Context) {
	h := telemetry.MetricsHandler()
	if h == nil {
		h = promhttp.Handler()
	}
	h.ServeHTTP(c.Writer, c.Request)
}
