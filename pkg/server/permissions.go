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
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/OpenParachutePBC/parachute-agent/pkg/bus"
)

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": s.deps.Broker.ListPending(),
	})
}

func (s *Server) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	granted := s.deps.Broker.Grant(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"granted": granted})
}

func (s *Server) handleDenyPermission(w http.ResponseWriter, r *http.Request) {
	denied := s.deps.Broker.Deny(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]interface{}{"denied": denied})
}

// handlePermissionsStream is the singleton approval stream. Pending
// requests are replayed on connect so a client that attaches after a
// request was raised still sees it.
func (s *Server) handlePermissionsStream(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe := s.deps.Bus.Subscribe(bus.TopicPermissions)
	defer unsubscribe()

	stream := newSSEWriter(w, r)
	if stream == nil {
		return
	}
	stream.Send(bus.NewEvent("connected"))
	for _, req := range s.deps.Broker.ListPending() {
		replay := bus.NewEvent("permissionRequest",
			"id", req.ID,
			"tool", req.Tool,
			"subject", req.Subject,
			"input", req.Input,
			"agentName", req.AgentName,
			"agentPath", req.AgentPath,
			"allowedPatterns", req.AllowedPatterns,
			"createdAt", req.CreatedAt,
			"state", req.State,
		)
		if !stream.Send(replay) {
			return
		}
	}

	heartbeat := time.NewTicker(s.cfg.StreamHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if !stream.Heartbeat() {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !stream.Send(ev) {
				return
			}
		}
	}
}
