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

package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/OpenParachutePBC/parachute-agent/pkg/scanner"
	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.deps.Scanner.ScanAll()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"documents": docs})
}

// handleDocument serves GET /api/documents/<path> and its /agents and
// /agents/pending sub-views. The document path is the wildcard tail;
// known suffixes select the view.
func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	tail := chi.URLParam(r, "*")
	switch {
	case strings.HasSuffix(tail, "/agents/pending"):
		s.documentAgents(w, strings.TrimSuffix(tail, "/agents/pending"), true)
	case strings.HasSuffix(tail, "/agents"):
		s.documentAgents(w, strings.TrimSuffix(tail, "/agents"), false)
	default:
		s.documentBody(w, tail)
	}
}

func (s *Server) documentBody(w http.ResponseWriter, path string) {
	doc, err := s.deps.Vault.ReadDocument(path)
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	entries, err := s.deps.Scanner.Get(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":   path,
		"title":  doc.Title(),
		"body":   doc.Body,
		"agents": entries,
	})
}

func (s *Server) documentAgents(w http.ResponseWriter, path string, pendingOnly bool) {
	var entries []scanner.AgentEntry
	var err error
	if pendingOnly {
		entries, err = s.deps.Scanner.GetPending(path)
	} else {
		entries, err = s.deps.Scanner.Get(path)
	}
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document": path,
		"agents":   entries,
	})
}

// handleDocumentAction serves the POST verbs under /api/documents/:
// .../run-agents promotes and enqueues, .../reset-agents reverts
// entries to pending, and a bare document path updates its agent list.
func (s *Server) handleDocumentAction(w http.ResponseWriter, r *http.Request) {
	tail := chi.URLParam(r, "*")
	switch {
	case strings.HasSuffix(tail, "/run-agents"):
		s.runDocumentAgents(w, r, strings.TrimSuffix(tail, "/run-agents"), nil)
	case strings.HasSuffix(tail, "/reset-agents"):
		s.resetDocumentAgents(w, r, strings.TrimSuffix(tail, "/reset-agents"))
	case strings.HasSuffix(tail, "/agents"):
		s.updateDocumentAgents(w, r, strings.TrimSuffix(tail, "/agents"))
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown document action"))
	}
}

// handleTriggerDocument fires named agents (or all enabled ones) on a
// document immediately, bypassing their trigger schedule.
func (s *Server) handleTriggerDocument(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "*")
	var body struct {
		Agents []string `json:"agents,omitempty"`
	}
	// Body is optional; absence means all enabled agents.
	_ = s.decodeBody(w, r, &body)
	s.runDocumentAgents(w, r, path, body.Agents)
}

func (s *Server) runDocumentAgents(w http.ResponseWriter, r *http.Request, path string, agents []string) {
	if !s.deps.Vault.Exists(path) {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %s", vault.ErrNotFound, path))
		return
	}

	var triggered []scanner.AgentEntry
	var err error
	if len(agents) == 0 {
		triggered, err = s.deps.Scanner.TriggerAll(path)
	} else {
		triggered, err = s.deps.Scanner.Trigger(path, agents)
	}
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}

	// Promotion to needs_run is durable; the trigger pass picks the
	// entries up exactly like schedule-fired ones.
	s.deps.Orchestrator.TriggerPass(r.Context())

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document":  path,
		"triggered": len(triggered),
	})
}

func (s *Server) resetDocumentAgents(w http.ResponseWriter, r *http.Request, path string) {
	var body struct {
		Agents []string `json:"agents,omitempty"`
	}
	_ = s.decodeBody(w, r, &body)

	if err := s.deps.Scanner.Reset(path, body.Agents...); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"document": path, "reset": true})
}

func (s *Server) updateDocumentAgents(w http.ResponseWriter, r *http.Request, path string) {
	var body struct {
		Agents []scanner.AgentEntry `json:"agents"`
	}
	if err := s.decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.deps.Scanner.UpdateDocumentAgents(path, body.Agents); err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	entries, err := s.deps.Scanner.Get(path)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"document": path,
		"agents":   entries,
	})
}
