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
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/OpenParachutePBC/parachute-agent/pkg/orchestrator"
	"github.com/OpenParachutePBC/parachute-agent/pkg/session"
)

// chatRequest is the body of /api/chat and /api/chat/stream.
type chatRequest struct {
	Message        string `json:"message"`
	AgentPath      string `json:"agentPath,omitempty"`
	DocumentPath   string `json:"documentPath,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
	InitialContext string `json:"initialContext,omitempty"`
}

func (s *Server) chatRequest(w http.ResponseWriter, r *http.Request) (*chatRequest, bool) {
	var req chatRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return nil, false
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return nil, false
	}
	if len(req.Message) > s.cfg.MaxMessageBytes {
		writeError(w, http.StatusBadRequest,
			fmt.Errorf("message exceeds maximum size of %d bytes", s.cfg.MaxMessageBytes))
		return nil, false
	}
	return &req, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	req, ok := s.chatRequest(w, r)
	if !ok {
		return
	}

	result, err := s.deps.Orchestrator.Run(r.Context(), orchestrator.Request{
		AgentPath:      req.AgentPath,
		Message:        req.Message,
		DocumentPath:   req.DocumentPath,
		SessionID:      req.SessionID,
		InitialContext: req.InitialContext,
	})
	if err != nil {
		writeJSON(w, errorStatus(err), map[string]interface{}{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// doneFrame flattens the unary result beside the `done` discriminant.
type doneFrame struct {
	Type string `json:"type"`
	*orchestrator.Result
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, ok := s.chatRequest(w, r)
	if !ok {
		return
	}
	stream := newSSEWriter(w, r)
	if stream == nil {
		return
	}

	for ev, err := range s.deps.Orchestrator.RunStream(r.Context(), orchestrator.Request{
		AgentPath:      req.AgentPath,
		Message:        req.Message,
		DocumentPath:   req.DocumentPath,
		SessionID:      req.SessionID,
		InitialContext: req.InitialContext,
	}) {
		if err != nil {
			stream.Send(map[string]interface{}{"type": "error", "error": err.Error()})
			return
		}
		if ev.Type == "done" {
			if result, ok := ev.Data["result"].(*orchestrator.Result); ok {
				stream.Send(doneFrame{Type: "done", Result: result})
				return
			}
		}
		if !stream.Send(ev) {
			return
		}
	}
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	entries, total := s.deps.Sessions.List(session.ListOptions{
		Limit:           limit,
		Offset:          offset,
		OldestFirst:     q.Get("sort") == "oldest",
		IncludeArchived: q.Get("archived") == "true",
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": entries,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Sessions.GetByID(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Sessions.DeleteByID(chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleArchiveSession(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, true)
}

func (s *Server) handleUnarchiveSession(w http.ResponseWriter, r *http.Request) {
	s.setArchived(w, r, false)
}

func (s *Server) setArchived(w http.ResponseWriter, r *http.Request, archived bool) {
	id := chi.URLParam(r, "id")
	var err error
	if archived {
		err = s.deps.Sessions.Archive(id)
	} else {
		err = s.deps.Sessions.Unarchive(id)
	}
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "archived": archived})
}

// handleClearSession is the legacy scope-addressed clear: the session
// is looked up by agent path plus optional document path or session id.
func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agentPath := q.Get("agentPath")
	if agentPath == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agentPath is required"))
		return
	}
	scope := session.Scope{
		DocumentPath: q.Get("documentPath"),
		SessionID:    q.Get("sessionId"),
	}
	if err := s.deps.Sessions.Clear(agentPath, scope); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}
