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
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/OpenParachutePBC/parachute-agent/pkg/bus"
	"github.com/OpenParachutePBC/parachute-agent/pkg/orchestrator"
	"github.com/OpenParachutePBC/parachute-agent/pkg/queue"
)

// agentSummary is the listing shape for /api/agents.
type agentSummary struct {
	Path        string `json:"path"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Model       string `json:"model,omitempty"`
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	defs, err := s.deps.Loader.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	agents := make([]agentSummary, 0, len(defs))
	for _, def := range defs {
		agents = append(agents, agentSummary{
			Path:        def.Path,
			Name:        def.Name,
			Description: def.Description,
			Type:        string(def.Variant),
			Model:       def.Model,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents})
}

// spawnRequest is the body of /api/agents/spawn.
type spawnRequest struct {
	AgentPath    string     `json:"agentPath"`
	Message      string     `json:"message,omitempty"`
	Context      string     `json:"context,omitempty"`
	Priority     string     `json:"priority,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

func (s *Server) handleSpawnAgent(w http.ResponseWriter, r *http.Request) {
	var req spawnRequest
	if err := s.decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.AgentPath == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("agentPath is required"))
		return
	}

	message := req.Message
	if req.Context != "" {
		message = req.Context + "\n\n" + message
	}
	id, err := s.deps.Orchestrator.EnqueueAgent(orchestrator.Request{
		AgentPath:    req.AgentPath,
		Message:      message,
		Priority:     queue.ParsePriority(req.Priority),
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		writeError(w, errorStatus(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queueId":   id,
		"agentPath": req.AgentPath,
	})
}

func (s *Server) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.Snapshot())
}

func (s *Server) handleQueueProcess(w http.ResponseWriter, r *http.Request) {
	s.deps.Queue.Nudge()
	writeJSON(w, http.StatusOK, map[string]interface{}{"nudged": true})
}

// handleQueueStream attaches an SSE subscriber to a queue item's event
// topic. Items already terminal replay a summary frame; the topic
// itself lingers briefly after completion for late subscribers.
func (s *Server) handleQueueStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	item, err := s.deps.Queue.Get(id)
	if err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	events, unsubscribe := s.deps.Bus.Subscribe(bus.QueueTopic(id))
	defer unsubscribe()

	stream := newSSEWriter(w, r)
	if stream == nil {
		return
	}
	stream.Send(bus.NewEvent("connected", "queueId", id, "status", item.Status))

	// Terminal before we subscribed: synthesize the closing frames the
	// live stream would have carried.
	if item.Status.IsTerminal() {
		if item.Status == queue.StatusFailed {
			stream.Send(bus.NewEvent("error", "queueId", id, "error", item.Error))
		} else {
			stream.Send(bus.NewEvent("done", "queueId", id, "response", item.Result))
		}
		stream.Send(bus.NewEvent("close", "queueId", id))
		return
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
			if ev.Type == "close" {
				return
			}
		}
	}
}
