// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the REST API and the WebSocket streaming endpoint
// on their two listeners. Handlers are thin: validation and serialization
// only; the business logic lives behind the orchestrator.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/johnnynv/stepflow-monitor/internal/config"
	"github.com/johnnynv/stepflow-monitor/internal/logger"
	"github.com/johnnynv/stepflow-monitor/internal/orchestrator"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// Server runs the REST listener and the WebSocket streaming listener.
type Server struct {
	apiServer *http.Server
	wsServer  *http.Server
	registry  *ClientRegistry
}

// New creates and wires up both listeners. It does NOT start listening —
// call Run() for that.
func New(cfg *config.AppConfig, orch *orchestrator.Orchestrator) *Server {
	handlers := NewHandlers(orch, cfg)
	registry := NewClientRegistry()

	r := chi.NewRouter()

	// Global middleware
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logger)
	r.Use(CORS(cfg.Server.AllowedOrigins))
	r.Use(MaxBodySize(cfg.Server.MaxBodyBytes))
	r.Use(BearerAuth(cfg.Server.AuthEnabled))

	r.Route("/api", func(r chi.Router) {
		r.Route("/health", func(r chi.Router) {
			r.Get("/", handlers.Health)
			r.Get("/status", handlers.HealthStatus)
			r.Get("/metrics", handlers.HealthMetrics)
			r.Post("/optimize", handlers.HealthOptimize)
		})

		r.Route("/executions", func(r chi.Router) {
			r.Get("/", handlers.ListExecutions)
			r.Post("/", handlers.CreateExecution)
			r.Get("/active", handlers.ActiveExecutions)
			r.Get("/statistics", handlers.ExecutionStatistics)
			r.Get("/{id}", handlers.GetExecution)
			r.Delete("/{id}", handlers.DeleteExecution)
			r.Post("/{id}/cancel", handlers.CancelExecution)
		})

		r.Route("/artifacts", func(r chi.Router) {
			r.Get("/execution/{id}", handlers.ListExecutionArtifacts)
			r.Get("/{id}", handlers.GetArtifact)
			r.Get("/{id}/download", handlers.DownloadArtifact)
		})
	})

	wsHandler := HandleWebSocket(orch, registry, cfg.Server.AllowedOrigins)
	// The API listener also serves the upgrade path, so deployments that
	// co-locate both surfaces behind one port keep working.
	r.Get("/ws", wsHandler)

	wsMux := chi.NewRouter()
	wsMux.Use(Recovery)
	wsMux.Get("/", wsHandler)
	wsMux.Get("/ws", wsHandler)

	return &Server{
		apiServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort),
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		wsServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.WSPort),
			Handler:           wsMux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		registry: registry,
	}
}

// Run starts both listeners and blocks until ctx is done or either listener
// stops; a listener failure is returned as the error.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		getLog().Info().Str("addr", s.apiServer.Addr).Msg("API server listening")
		if err := s.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api listener: %w", err)
			return
		}
		errCh <- nil
	}()
	go func() {
		getLog().Info().Str("addr", s.wsServer.Addr).Msg("Streaming server listening")
		if err := s.wsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("streaming listener: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}
	return nil
}

// ClientCount reports the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	return s.registry.Count()
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var firstErr error
	if err := s.apiServer.Shutdown(ctx); err != nil {
		firstErr = err
	}
	if err := s.wsServer.Shutdown(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
