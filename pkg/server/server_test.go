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
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenParachutePBC/parachute-agent/pkg/agent"
	"github.com/OpenParachutePBC/parachute-agent/pkg/bus"
	"github.com/OpenParachutePBC/parachute-agent/pkg/config"
	"github.com/OpenParachutePBC/parachute-agent/pkg/orchestrator"
	"github.com/OpenParachutePBC/parachute-agent/pkg/permission"
	"github.com/OpenParachutePBC/parachute-agent/pkg/queue"
	"github.com/OpenParachutePBC/parachute-agent/pkg/scanner"
	"github.com/OpenParachutePBC/parachute-agent/pkg/session"
	"github.com/OpenParachutePBC/parachute-agent/pkg/upstream"
	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

const helperAgent = `---
name: Helper
description: A general helper.
type: chatbot
permissions:
  write:
    - "notes/**"
  spawn:
    - "agents/*"
---
You are a helpful assistant.
`

type harness struct {
	srv      *Server
	vault    *vault.Store
	queue    *queue.Queue
	sessions *session.Store
	broker   *permission.Broker
	bus      *bus.Bus
	fake     *upstream.FakeClient
}

func newHarness(t *testing.T, cfg config.ServerConfig, turns ...upstream.FakeTurn) *harness {
	t.Helper()
	v, err := vault.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, v.Write("agents/helper.md", []byte(helperAgent)))

	loader, err := agent.NewLoader(v, "test-model")
	require.NoError(t, err)
	q := queue.New(queue.Config{Path: filepath.Join(v.Root(), ".queue", "queue.json")})
	ss, err := session.NewStore(v, session.Config{})
	require.NoError(t, err)
	sc, err := scanner.New(v)
	require.NoError(t, err)
	b := bus.New()
	broker := permission.NewBroker(permission.Config{}, v, b)
	fake := upstream.NewFake(turns...)

	orch, err := orchestrator.New(
		config.OrchestratorConfig{},
		config.UpstreamConfig{Model: "test-model", APIKey: "test-key"},
		orchestrator.Deps{
			Vault:    v,
			Loader:   loader,
			Queue:    q,
			Sessions: ss,
			Builder:  session.NewContextBuilder(50000, session.HeuristicEstimator{}),
			Broker:   broker,
			Scanner:  sc,
			Bus:      b,
			Client:   fake,
		},
	)
	require.NoError(t, err)

	srv, err := New(cfg, Deps{
		Orchestrator: orch,
		Queue:        q,
		Sessions:     ss,
		Broker:       broker,
		Scanner:      sc,
		Bus:          b,
		Vault:        v,
		Loader:       loader,
	})
	require.NoError(t, err)
	return &harness{srv: srv, vault: v, queue: q, sessions: ss, broker: broker, bus: b, fake: fake}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// sseTypes parses an SSE body into the sequence of event types.
func sseTypes(t *testing.T, body string) []string {
	t.Helper()
	var types []string
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		types = append(types, ev["type"].(string))
	}
	return types
}

// ============================================================================
// Health and middleware
// ============================================================================

func TestHealth(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})

	rec := h.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	rec = h.do(t, http.MethodGet, "/api/health?detailed=true", nil)
	body := decode(t, rec)
	assert.Contains(t, body, "queue")
	assert.Contains(t, body, "sessions")
	assert.Contains(t, body, "system")
}

func TestAPIKey_GatesAllAPIRoutes(t *testing.T) {
	h := newHarness(t, config.ServerConfig{APIKey: "sekrit"})

	rec := h.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-API-Key", "sekrit")
	ok := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(ok, req)
	assert.Equal(t, http.StatusOK, ok.Code)
}

func TestCORS_Preflight(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})

	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

// ============================================================================
// Chat
// ============================================================================

func TestChat_Unary(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, upstream.FakeTurn{Chunks: []string{"Hi there"}})

	rec := h.do(t, http.MethodPost, "/api/chat", map[string]interface{}{
		"message":   "Hello",
		"agentPath": "agents/helper.md",
		"sessionId": "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Hi there", body["response"])
	assert.Equal(t, float64(2), body["messageCount"])
	resume := body["sessionResume"].(map[string]interface{})
	assert.Equal(t, "new", resume["method"])
	assert.NotNil(t, body["debug"])
}

func TestChat_MissingMessage(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	rec := h.do(t, http.MethodPost, "/api/chat", map[string]interface{}{"agentPath": "agents/helper.md"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_OversizeMessage(t *testing.T) {
	h := newHarness(t, config.ServerConfig{MaxMessageBytes: 64})
	rec := h.do(t, http.MethodPost, "/api/chat", map[string]interface{}{
		"message":   strings.Repeat("x", 65),
		"agentPath": "agents/helper.md",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_UnknownAgent(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	rec := h.do(t, http.MethodPost, "/api/chat", map[string]interface{}{
		"message":   "hi",
		"agentPath": "agents/ghost.md",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
}

func TestChatStream_EventSequence(t *testing.T) {
	h := newHarness(t, config.ServerConfig{}, upstream.FakeTurn{Chunks: []string{"Hel", "lo"}})

	rec := h.do(t, http.MethodPost, "/api/chat/stream", map[string]interface{}{
		"message":   "hi",
		"agentPath": "agents/helper.md",
		"sessionId": "s1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, []string{"session", "init", "text", "text", "done"}, sseTypes(t, rec.Body.String()))
	// The done frame carries the unary body shape.
	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	var done map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[len(lines)-1], "data: ")), &done))
	assert.Equal(t, "Hello", done["response"])
	assert.Contains(t, done, "durationMs")
}

// ============================================================================
// Sessions
// ============================================================================

func TestSessions_ListGetArchiveDelete(t *testing.T) {
	h := newHarness(t, config.ServerConfig{},
		upstream.FakeTurn{Chunks: []string{"one"}},
		upstream.FakeTurn{Chunks: []string{"two"}},
	)
	for _, sid := range []string{"s1", "s2"} {
		rec := h.do(t, http.MethodPost, "/api/chat", map[string]interface{}{
			"message":   "hello",
			"agentPath": "agents/helper.md",
			"sessionId": sid,
		})
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := h.do(t, http.MethodGet, "/api/chat/sessions", nil)
	body := decode(t, rec)
	require.Equal(t, float64(2), body["total"])
	first := body["sessions"].([]interface{})[0].(map[string]interface{})
	id := first["id"].(string)
	assert.Equal(t, float64(2), first["messageCount"])

	rec = h.do(t, http.MethodGet, "/api/chat/session/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	full := decode(t, rec)
	assert.Len(t, full["messages"], 2)

	rec = h.do(t, http.MethodPost, "/api/chat/session/"+id+"/archive", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/chat/sessions", nil)
	assert.Equal(t, float64(1), decode(t, rec)["total"], "archived sessions drop out of the default listing")
	rec = h.do(t, http.MethodGet, "/api/chat/sessions?archived=true", nil)
	assert.Equal(t, float64(2), decode(t, rec)["total"])

	rec = h.do(t, http.MethodDelete, "/api/chat/session/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(t, http.MethodGet, "/api/chat/session/"+id, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessions_GetUnknown(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	rec := h.do(t, http.MethodGet, "/api/chat/session/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================================================
// Agents and queue
// ============================================================================

func TestAgents_List(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	rec := h.do(t, http.MethodGet, "/api/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	agents := decode(t, rec)["agents"].([]interface{})
	require.Len(t, agents, 1)
	entry := agents[0].(map[string]interface{})
	assert.Equal(t, "agents/helper.md", entry["path"])
	assert.Equal(t, "Helper", entry["name"])
	assert.Equal(t, "chatbot", entry["type"])
}

func TestAgents_Spawn(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	rec := h.do(t, http.MethodPost, "/api/agents/spawn", map[string]interface{}{
		"agentPath": "agents/helper.md",
		"message":   "do the thing",
		"priority":  "high",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	id := body["queueId"].(string)
	require.NotEmpty(t, id)

	item, err := h.queue.Get(id)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityHigh, item.Priority)
	assert.Equal(t, "do the thing", item.Context.Message)
}

func TestAgents_SpawnUnknown(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	rec := h.do(t, http.MethodPost, "/api/agents/spawn", map[string]interface{}{
		"agentPath": "agents/ghost.md",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestQueue_SnapshotAndProcess(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	rec := h.do(t, http.MethodPost, "/api/agents/spawn", map[string]interface{}{
		"agentPath": "agents/helper.md",
		"message":   "queued",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/api/queue", nil)
	body := decode(t, rec)
	assert.Len(t, body["pending"], 1)

	rec = h.do(t, http.MethodPost, "/api/queue/process", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestQueueStream_TerminalItemReplays(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	id, err := h.queue.Enqueue(&queue.Item{AgentPath: "agents/helper.md"})
	require.NoError(t, err)
	require.NoError(t, h.queue.MarkRunning(id))
	require.NoError(t, h.queue.MarkCompleted(id, "all done"))

	rec := h.do(t, http.MethodGet, "/api/queue/"+id+"/stream", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"connected", "done", "close"}, sseTypes(t, rec.Body.String()))
}

func TestQueueStream_UnknownItem(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	rec := h.do(t, http.MethodGet, "/api/queue/nope/stream", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================================================
// Documents
// ============================================================================

const docWithAgents = `---
title: Today
agents:
  - agent: agents/helper.md
    trigger: manual
    status: pending
---
Daily notes body.
`

func TestDocuments_GetAndAgents(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	require.NoError(t, h.vault.Write("daily/today.md", []byte(docWithAgents)))

	rec := h.do(t, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["documents"], 1)

	rec = h.do(t, http.MethodGet, "/api/documents/daily/today.md", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Today", body["title"])
	assert.Contains(t, body["body"], "Daily notes body.")
	assert.Len(t, body["agents"], 1)

	rec = h.do(t, http.MethodGet, "/api/documents/daily/today.md/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["agents"], 1)
}

func TestDocuments_RunAgentsEnqueues(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	require.NoError(t, h.vault.Write("daily/today.md", []byte(docWithAgents)))

	rec := h.do(t, http.MethodPost, "/api/documents/daily/today.md/run-agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["triggered"])

	state := h.queue.Snapshot()
	require.Len(t, state.Pending, 1)
	assert.Equal(t, "daily/today.md", state.Pending[0].Context.DocumentPath)
}

func TestDocuments_RunAgentsUnknownDocument(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	rec := h.do(t, http.MethodPost, "/api/documents/daily/ghost.md/run-agents", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// ============================================================================
// Permissions
// ============================================================================

func TestPermissions_ResolveUnknownIsNoop(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})

	rec := h.do(t, http.MethodGet, "/api/permissions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["pending"])

	rec = h.do(t, http.MethodPost, "/api/permissions/nope/grant", nil)
	assert.Equal(t, false, decode(t, rec)["granted"])
	rec = h.do(t, http.MethodPost, "/api/permissions/nope/deny", nil)
	assert.Equal(t, false, decode(t, rec)["denied"])
}

// ============================================================================
// Vault and search
// ============================================================================

func TestVaultSummaryAndSearch(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	require.NoError(t, h.vault.Write("notes/alpha.md", []byte("---\ntitle: Alpha\n---\nThe quick brown fox.\n")))
	require.NoError(t, h.vault.Write("notes/beta.md", []byte("Nothing to see here.\n")))

	rec := h.do(t, http.MethodGet, "/api/vault", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.GreaterOrEqual(t, body["documents"].(float64), float64(3))

	rec = h.do(t, http.MethodGet, "/api/search?q=quick+brown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	results := decode(t, rec)["results"].([]interface{})
	require.Len(t, results, 1)
	hit := results[0].(map[string]interface{})
	assert.Equal(t, "notes/alpha.md", hit["path"])
	assert.Equal(t, "Alpha", hit["title"])
	assert.Contains(t, hit["snippet"], "quick brown fox")

	rec = h.do(t, http.MethodGet, "/api/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// ============================================================================
// Recovery
// ============================================================================

func TestRecovery_PanicBecomes500(t *testing.T) {
	h := newHarness(t, config.ServerConfig{})
	handler := h.srv.recovery(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic(fmt.Errorf("boom"))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
