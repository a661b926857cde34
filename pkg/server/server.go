// Package server exposes the compliance service over HTTP: metric
// snapshot ingest, intervention case management, audit queries, and
// impact summaries. The API is JSON over a plain net/http mux; staff
// identity arrives in X-Actor-ID / X-Actor-Role headers set by the
// fronting gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"meridian-hq/meridian/pkg/audit"
	"meridian-hq/meridian/pkg/config"
	"meridian-hq/meridian/pkg/impact"
	"meridian-hq/meridian/pkg/intervention"
	"meridian-hq/meridian/pkg/metric"
	"meridian-hq/meridian/pkg/rule"
	rengine "meridian-hq/meridian/pkg/rule/engine"
	"meridian-hq/meridian/pkg/server/middleware"
	"meridian-hq/meridian/pkg/telemetry/metrics"
	wfengine "meridian-hq/meridian/pkg/workflow/engine"
)

// Deps are the wired components the server serves.
type Deps struct {
	Recorder   *metric.MemorySource
	Rules      *rule.Registry
	RuleEngine *rengine.Engine
	Workflows  *wfengine.Engine
	Store      intervention.Store
	AuditLog   *audit.Log
	Analyzer   *impact.Analyzer
	Collector  *metrics.Collector
}

// Server is the HTTP ops server.
type Server struct {
	config     config.ServerConfig
	deps       Deps
	httpServer *http.Server
	logger     *slog.Logger

	mu        sync.Mutex
	isRunning bool
}

// New creates the server.
func New(cfg config.ServerConfig, deps Deps) *Server {
	return &Server{
		config: cfg,
		deps:   deps,
		logger: slog.Default().With("component", "server"),
	}
}

// Start starts the HTTP server and blocks until the context is
// cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.isRunning = true
	s.mu.Unlock()

	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddress,
		Handler:      s.routes(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "address", s.config.ListenAddress)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return nil
	}
	s.isRunning = false
	return s.httpServer.Shutdown(ctx)
}

// routes builds the mux and wraps it in the middleware chain.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/snapshots", s.handleSnapshot)

	mux.HandleFunc("POST /v1/interventions", s.handleOpenIntervention)
	mux.HandleFunc("GET /v1/interventions", s.handleListInterventions)
	mux.HandleFunc("GET /v1/interventions/{id}", s.handleGetIntervention)
	mux.HandleFunc("POST /v1/interventions/{id}/steps/{n}/complete", s.handleCompleteStep)
	mux.HandleFunc("POST /v1/interventions/{id}/steps/{n}/skip", s.handleSkipStep)
	mux.HandleFunc("POST /v1/interventions/{id}/escalate", s.handleEscalate)
	mux.HandleFunc("POST /v1/interventions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/interventions/{id}/close", s.handleClose)

	mux.HandleFunc("GET /v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /v1/impact/{type}", s.handleImpact)

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.deps.Collector != nil {
		mux.Handle("GET /metrics", s.deps.Collector.Handler())
	}

	var handler http.Handler = mux
	handler = middleware.Actor(handler)
	handler = middleware.Logging(handler)
	handler = middleware.Recovery(handler)
	handler = middleware.RequestID(handler)
	return handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
