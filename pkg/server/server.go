// Copyright 2025 Open Parachute PBC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server is the HTTP/SSE surface over the orchestrator: REST
// endpoints for chat, queue, session, document, and permission
// management, plus server-sent event streams for live execution output.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/OpenParachutePBC/parachute-agent/pkg/agent"
	"github.com/OpenParachutePBC/parachute-agent/pkg/bus"
	"github.com/OpenParachutePBC/parachute-agent/pkg/config"
	"github.com/OpenParachutePBC/parachute-agent/pkg/observability"
	"github.com/OpenParachutePBC/parachute-agent/pkg/orchestrator"
	"github.com/OpenParachutePBC/parachute-agent/pkg/permission"
	"github.com/OpenParachutePBC/parachute-agent/pkg/queue"
	"github.com/OpenParachutePBC/parachute-agent/pkg/scanner"
	"github.com/OpenParachutePBC/parachute-agent/pkg/session"
	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// Deps collects the server's collaborators.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Queue        *queue.Queue
	Sessions     *session.Store
	Broker       *permission.Broker
	Scanner      *scanner.Scanner
	Bus          *bus.Bus
	Vault        *vault.Store
	Loader       *agent.Loader

	// Observability is optional; nil disables /metrics.
	Observability *observability.Manager
}

// Server is the HTTP front end. Create with New, run with Start, stop
// with Shutdown.
type Server struct {
	cfg   config.ServerConfig
	deps  Deps
	httpd *http.Server
	boot  time.Time
}

// New builds the server and its route table.
func New(cfg config.ServerConfig, deps Deps) (*Server, error) {
	cfg.SetDefaults()
	if deps.Orchestrator == nil || deps.Queue == nil || deps.Sessions == nil ||
		deps.Broker == nil || deps.Scanner == nil || deps.Bus == nil ||
		deps.Vault == nil || deps.Loader == nil {
		return nil, fmt.Errorf("server: all dependencies are required")
	}
	if deps.Observability == nil {
		deps.Observability = observability.NoopManager()
	}

	s := &Server{cfg: cfg, deps: deps, boot: time.Now()}
	s.httpd = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Handler exposes the route table, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpd.Handler
}

// routes builds the chi router. Middleware order matters: recovery
// outermost, then request logging, then CORS; the API key check only
// guards /api/.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recovery)
	r.Use(s.requestLogger)
	r.Use(s.cors)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Get("/health", s.handleHealth)

		r.Get("/agents", s.handleListAgents)
		r.Post("/agents/spawn", s.handleSpawnAgent)

		r.Post("/chat", s.handleChat)
		r.Post("/chat/stream", s.handleChatStream)
		r.Get("/chat/sessions", s.handleListSessions)
		r.Delete("/chat/session", s.handleClearSession)
		r.Get("/chat/session/{id}", s.handleGetSession)
		r.Delete("/chat/session/{id}", s.handleDeleteSession)
		r.Post("/chat/session/{id}/archive", s.handleArchiveSession)
		r.Post("/chat/session/{id}/unarchive", s.handleUnarchiveSession)

		r.Get("/queue", s.handleQueueSnapshot)
		r.Get("/queue/{id}/stream", s.handleQueueStream)
		r.Post("/queue/process", s.handleQueueProcess)

		r.Get("/documents", s.handleListDocuments)
		r.Post("/documents/trigger/*", s.handleTriggerDocument)
		r.Get("/documents/*", s.handleDocument)
		r.Post("/documents/*", s.handleDocumentAction)

		r.Get("/permissions", s.handleListPermissions)
		r.Post("/permissions/{id}/grant", s.handleGrantPermission)
		r.Post("/permissions/{id}/deny", s.handleDenyPermission)
		r.Get("/permissions/stream", s.handlePermissionsStream)

		r.Post("/triggers/check", s.handleTriggersCheck)

		r.Get("/vault", s.handleVaultSummary)
		r.Get("/search", s.handleSearch)
	})

	if s.deps.Observability.MetricsEnabled() {
		r.Method(http.MethodGet, s.deps.Observability.MetricsEndpoint(), s.deps.Observability.MetricsHandler())
	}
	return r
}

// Start listens and serves until Shutdown. Blocks.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpd.Addr)
	if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests
// until the context expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpd.Shutdown(ctx)
}

// writeJSON encodes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// writeError maps an error to a JSON body. Known sentinels pick the
// status; everything else is a 500.
func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

// errorStatus classifies orchestration errors into HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, agent.ErrNotFound), errors.Is(err, vault.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrMissingAgent),
		errors.Is(err, orchestrator.ErrSpawnDepth),
		errors.Is(err, queue.ErrDepthExceeded):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueFull):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody reads a JSON request body capped at the configured limit.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxMessageBytes)+4096)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
