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

// Package orchestrator composes the queue, session store, permission
// broker, scanner, and upstream client into the three execution entry
// points: immediate unary, immediate streaming, and queued. It also
// owns the background loops that drain the queue, evaluate document
// triggers, and sweep stale state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/OpenParachutePBC/parachute-agent/pkg/agent"
	"github.com/OpenParachutePBC/parachute-agent/pkg/bus"
	"github.com/OpenParachutePBC/parachute-agent/pkg/config"
	"github.com/OpenParachutePBC/parachute-agent/pkg/observability"
	"github.com/OpenParachutePBC/parachute-agent/pkg/permission"
	"github.com/OpenParachutePBC/parachute-agent/pkg/queue"
	"github.com/OpenParachutePBC/parachute-agent/pkg/scanner"
	"github.com/OpenParachutePBC/parachute-agent/pkg/session"
	"github.com/OpenParachutePBC/parachute-agent/pkg/upstream"
	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// ErrMissingAgent reports a request without an agent path.
var ErrMissingAgent = errors.New("agent path is required")

// ErrSpawnDepth reports a spawn chain at the configured ceiling.
var ErrSpawnDepth = errors.New("spawn depth limit reached")

// Request is one execution ask, shared by all three entry points.
type Request struct {
	// AgentPath is the vault-relative agent document.
	AgentPath string `json:"agentPath"`

	// Message is the user's (or spawning parent's) message.
	Message string `json:"message"`

	// DocumentPath targets a document for document-bound agents.
	DocumentPath string `json:"documentPath,omitempty"`

	// SessionID scopes the conversation for chatbot agents.
	SessionID string `json:"sessionId,omitempty"`

	// InitialContext is prepended to the message on the first turn of
	// a fresh session.
	InitialContext string `json:"initialContext,omitempty"`

	// Priority orders queued work.
	Priority queue.Priority `json:"priority,omitempty"`

	// ScheduledFor defers claiming a queued item.
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`

	// Depth is the spawn depth; 0 for client-initiated work.
	Depth int `json:"depth,omitempty"`

	// SpawnedBy back-links to the queue item that spawned this one.
	SpawnedBy string `json:"spawnedBy,omitempty"`

	// ParentAgent names the spawning agent.
	ParentAgent string `json:"parentAgent,omitempty"`
}

// ToolCall summarizes one approved tool invocation for the response.
type ToolCall struct {
	ID    string                 `json:"id"`
	Name  string                 `json:"name"`
	Input map[string]interface{} `json:"input,omitempty"`
}

// Spawned records one successfully enqueued child.
type Spawned struct {
	QueueID   string `json:"queueId"`
	AgentPath string `json:"agentPath"`
}

// Debug is the diagnostic block carried on every result.
type Debug struct {
	Model       string         `json:"model"`
	UpstreamID  string         `json:"upstreamSessionId,omitempty"`
	Usage       upstream.Usage `json:"usage"`
	SpawnErrors int            `json:"spawnErrors,omitempty"`
}

// Result is the unary response body (and the `done` event shape).
type Result struct {
	Response          string              `json:"response"`
	Spawned           []Spawned           `json:"spawned"`
	DurationMS        int64               `json:"durationMs"`
	SessionID         string              `json:"sessionId,omitempty"`
	MessageCount      int                 `json:"messageCount,omitempty"`
	ToolCalls         []ToolCall          `json:"toolCalls,omitempty"`
	PermissionDenials []permission.Denial `json:"permissionDenials,omitempty"`
	SessionResume     *session.ResumeInfo `json:"sessionResume,omitempty"`
	Debug             *Debug              `json:"debug"`
}

// Orchestrator wires the subsystems together. One per process.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	upstream config.UpstreamConfig

	vault    *vault.Store
	loader   *agent.Loader
	queue    *queue.Queue
	sessions *session.Store
	builder  *session.ContextBuilder
	broker   *permission.Broker
	scanner  *scanner.Scanner
	bus      *bus.Bus
	client   upstream.Client

	estimator session.Estimator

	// sessionKeys serializes executions that share a session key so
	// concurrent appends to one session file cannot interleave.
	sessionKeys *keyedMutex

	loops *loopSet
}

// Deps collects the orchestrator's collaborators.
type Deps struct {
	Vault    *vault.Store
	Loader   *agent.Loader
	Queue    *queue.Queue
	Sessions *session.Store
	Builder  *session.ContextBuilder
	Broker   *permission.Broker
	Scanner  *scanner.Scanner
	Bus      *bus.Bus
	Client   upstream.Client

	// Estimator budgets context files in system prompts. Defaults to
	// the heuristic estimator.
	Estimator session.Estimator
}

// New builds an orchestrator. Background loops start with Start.
func New(cfg config.OrchestratorConfig, up config.UpstreamConfig, deps Deps) (*Orchestrator, error) {
	cfg.SetDefaults()
	up.SetDefaults()
	if deps.Vault == nil || deps.Loader == nil || deps.Queue == nil || deps.Sessions == nil ||
		deps.Builder == nil || deps.Broker == nil || deps.Scanner == nil || deps.Bus == nil || deps.Client == nil {
		return nil, fmt.Errorf("orchestrator: all dependencies are required")
	}
	estimator := deps.Estimator
	if estimator == nil {
		estimator = session.HeuristicEstimator{}
	}
	o := &Orchestrator{
		cfg:         cfg,
		upstream:    up,
		vault:       deps.Vault,
		loader:      deps.Loader,
		queue:       deps.Queue,
		sessions:    deps.Sessions,
		builder:     deps.Builder,
		broker:      deps.Broker,
		scanner:     deps.Scanner,
		bus:         deps.Bus,
		client:      deps.Client,
		estimator:   estimator,
		sessionKeys: newKeyedMutex(),
	}
	o.loops = newLoopSet(o)
	return o, nil
}

// Run executes one agent turn and returns the final result.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	for ev, err := range o.RunStream(ctx, req) {
		if err != nil {
			return nil, err
		}
		if ev.Type == "done" {
			if r, ok := ev.Data["result"].(*Result); ok {
				result = r
			}
		}
	}
	if result == nil {
		return nil, fmt.Errorf("execution produced no result")
	}
	return result, nil
}

// RunStream executes one agent turn as a lazy event sequence: one
// `session` event, zero or more `init`, any number of `text` and
// `tool_use`, then one `done`. Errors end the sequence.
func (o *Orchestrator) RunStream(ctx context.Context, req Request) iter.Seq2[bus.Event, error] {
	return func(yield func(bus.Event, error) bool) {
		if req.AgentPath == "" {
			yield(bus.Event{}, ErrMissingAgent)
			return
		}
		def, err := o.loader.Load(req.AgentPath)
		if err != nil {
			yield(bus.Event{}, fmt.Errorf("load agent %s: %w", req.AgentPath, err))
			return
		}
		o.execute(ctx, def, req, yield)
	}
}

// execution carries the per-run state threaded through the inner
// sequence.
type execution struct {
	def       *agent.Definition
	req       Request
	scope     session.Scope
	key       string // empty for standalone runs
	sess      *session.Session
	resume    *session.ResumeInfo
	denials   *permission.Denials
	toolCalls []ToolCall
	start     time.Time
}

// execute is the inner sequence every entry point shares.
func (o *Orchestrator) execute(ctx context.Context, def *agent.Definition, req Request, yield func(bus.Event, error) bool) {
	ctx, span := observability.GetTracer("orchestrator").Start(ctx, observability.SpanExecution,
		trace.WithAttributes(
			attribute.String(observability.AttrAgentPath, def.Path),
			attribute.String(observability.AttrAgentName, def.Name),
		))
	defer span.End()

	ex := &execution{
		def:     def,
		req:     req,
		denials: &permission.Denials{},
		start:   time.Now(),
	}

	userMessage := req.Message
	if def.Variant == agent.VariantDocumentBound && req.DocumentPath != "" {
		body, err := o.documentContext(req.DocumentPath)
		if err != nil {
			yield(bus.Event{}, err)
			return
		}
		userMessage = body + userMessage
	}

	switch def.Variant {
	case agent.VariantChatbot:
		ex.scope = session.Scope{SessionID: req.SessionID}
	case agent.VariantDocumentBound:
		ex.scope = session.Scope{DocumentPath: req.DocumentPath}
	}

	var turn session.Turn
	if def.Variant == agent.VariantStandalone {
		ex.sess = &session.Session{ID: uuid.NewString()}
		turn = session.Turn{Prompt: userMessage}
		ex.resume = &session.ResumeInfo{Method: session.MethodNew, Source: string(session.SourceNew)}
	} else {
		ex.key = session.KeyFor(def.Path, ex.scope)

		// Serialize turns that share a session key; the session file
		// is the source of truth and appends must not interleave.
		unlock := o.sessionKeys.Lock(ex.key)
		defer unlock()

		sess, source, err := o.sessions.GetOrCreate(def.Path, def.Name, ex.scope)
		if err != nil {
			yield(bus.Event{}, fmt.Errorf("open session: %w", err))
			return
		}
		ex.sess = sess
		if len(sess.Messages) == 0 && req.InitialContext != "" {
			userMessage = req.InitialContext + "\n\n" + userMessage
		}

		var info session.ResumeInfo
		turn, info = o.builder.BuildTurn(sess, userMessage, source)
		ex.resume = &info

		if err := o.sessions.AddMessage(ex.key, session.RoleUser, req.Message); err != nil {
			yield(bus.Event{}, fmt.Errorf("record user message: %w", err))
			return
		}
	}

	if !yield(bus.NewEvent("session",
		"sessionId", ex.sess.ID,
		"sessionResume", ex.resume,
	), nil) {
		return
	}

	o.query(ctx, ex, turn, yield)
}

// query drives the upstream client, synthesizing deltas and retrying
// once via context injection when a resume handle is rejected.
func (o *Orchestrator) query(ctx context.Context, ex *execution, turn session.Turn, yield func(bus.Event, error) bool) {
	result, retry, done := o.streamOnce(ctx, ex, turn, yield)
	if !done {
		return
	}
	if retry {
		// The upstream rejected the persisted handle before yielding
		// anything. Clear it and rerun this same turn by replaying
		// history into the prompt.
		slog.Warn("Upstream rejected resume handle, falling back to context injection",
			"agent", ex.def.Path, "session_id", ex.sess.ID)
		if err := o.sessions.UpdateUpstreamHandle(ex.key, nil); err != nil {
			slog.Warn("Failed to clear rejected handle", "key", ex.key, "error", err)
		}
		ex.sess.UpstreamHandle = ""
		injected, info := o.builder.BuildTurn(ex.sess, turn.Prompt, session.Source(ex.resume.Source))
		*ex.resume = info
		result, _, done = o.streamOnce(ctx, ex, injected, yield)
		if !done {
			return
		}
	}
	if result == nil {
		return
	}
	o.finish(ctx, ex, result, yield)
}

// streamOnce runs a single upstream query. done=false means the yield
// chain already terminated (consumer gone or error emitted);
// retry=true means the resume handle was rejected before any event.
func (o *Orchestrator) streamOnce(ctx context.Context, ex *execution, turn session.Turn, yield func(bus.Event, error) bool) (result *upstream.ResultEvent, retry, done bool) {
	if o.upstream.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.upstream.Timeout)
		defer cancel()
	}

	model := ex.def.Model
	if model == "" {
		model = o.upstream.Model
	}
	opts := upstream.Options{
		Model:        model,
		SystemPrompt: o.systemPrompt(ex.def),
		Resume:       turn.Resume,
		AllowedTools: ex.def.AllowedTools(),
		Services:     ex.def.Services,
		WorkDir:      o.vault.Root(),
		MaxTokens:    o.upstream.MaxTokens,
		ApproveTool:  o.broker.Callback(ex.sess.ID, ex.def, ex.denials),
	}

	// Cumulative text per message id, for suffix-delta synthesis.
	previous := make(map[string]string)
	sawEvent := false
	queryStart := time.Now()

	for ev, err := range o.client.Query(ctx, turn.Prompt, opts) {
		if err != nil {
			if !sawEvent && turn.Resume != "" && errors.Is(err, upstream.ErrSessionNotFound) {
				return nil, true, true
			}
			observability.GetGlobalMetrics().RecordLLMCall(ctx, model, time.Since(queryStart), 0, 0, err)
			o.recordFailure(ctx, ex, err)
			yield(bus.Event{}, fmt.Errorf("upstream query: %w", err))
			return nil, false, false
		}
		sawEvent = true

		switch {
		case ev.Init != nil:
			if !yield(bus.NewEvent("init",
				"upstreamSessionId", ev.Init.SessionID,
				"model", ev.Init.Model,
				"tools", ev.Init.Tools,
			), nil) {
				return nil, false, false
			}

		case ev.Text != nil:
			prev := previous[ev.Text.MessageID]
			delta := ev.Text.Text
			if strings.HasPrefix(ev.Text.Text, prev) {
				delta = ev.Text.Text[len(prev):]
			}
			previous[ev.Text.MessageID] = ev.Text.Text
			if delta == "" {
				continue
			}
			if !yield(bus.NewEvent("text",
				"content", ev.Text.Text,
				"delta", delta,
			), nil) {
				return nil, false, false
			}

		case ev.ToolUse != nil:
			ex.toolCalls = append(ex.toolCalls, ToolCall{ID: ev.ToolUse.ID, Name: ev.ToolUse.Name, Input: ev.ToolUse.Input})
			// The upstream CLI runs the tool itself; we only observe the
			// invocation, not its duration.
			observability.GetGlobalMetrics().RecordToolExecution(ctx, ev.ToolUse.Name, 0, nil)
			if !yield(bus.NewEvent("tool_use",
				"id", ev.ToolUse.ID,
				"tool", ev.ToolUse.Name,
				"input", ev.ToolUse.Input,
			), nil) {
				return nil, false, false
			}

		case ev.Result != nil:
			result = ev.Result
		}
	}
	if result == nil {
		err := fmt.Errorf("upstream stream ended without a result")
		o.recordFailure(ctx, ex, err)
		yield(bus.Event{}, err)
		return nil, false, false
	}
	observability.GetGlobalMetrics().RecordLLMCall(ctx, model, time.Since(queryStart),
		result.Usage.InputTokens, result.Usage.OutputTokens, nil)
	return result, false, true
}

// recordFailure counts the failed execution and appends an error marker
// to the session so the failure is visible in conversation history.
func (o *Orchestrator) recordFailure(ctx context.Context, ex *execution, cause error) {
	observability.GetGlobalMetrics().RecordExecution(ctx, ex.def.Path, time.Since(ex.start), 0, cause)
	if ex.key == "" {
		return
	}
	msg := fmt.Sprintf("Error: %v", cause)
	if err := o.sessions.AddMessage(ex.key, session.RoleSystem, msg); err != nil {
		slog.Warn("Failed to record execution error in session", "key", ex.key, "error", err)
	}
}

// finish persists the exchange, dispatches spawns, and emits `done`.
func (o *Orchestrator) finish(ctx context.Context, ex *execution, res *upstream.ResultEvent, yield func(bus.Event, error) bool) {
	messageCount := 0
	if ex.key != "" {
		if err := o.sessions.AddMessage(ex.key, session.RoleAssistant, res.Text); err != nil {
			slog.Warn("Failed to persist assistant message", "key", ex.key, "error", err)
		}
		if err := o.sessions.UpdateUpstreamHandle(ex.key, res.SessionID); err != nil {
			slog.Warn("Failed to persist upstream handle", "key", ex.key, "error", err)
		}
		if msgs, err := o.sessions.Messages(ex.key); err == nil {
			messageCount = len(msgs)
		}
	}

	spawned, spawnErrors := o.dispatchSpawns(ex.def, ex.req, res.Text)
	observability.GetGlobalMetrics().RecordExecution(ctx, ex.def.Path, time.Since(ex.start), len(spawned), nil)

	result := &Result{
		Response:          res.Text,
		Spawned:           spawned,
		DurationMS:        time.Since(ex.start).Milliseconds(),
		SessionID:         ex.sess.ID,
		MessageCount:      messageCount,
		ToolCalls:         ex.toolCalls,
		PermissionDenials: ex.denials.List(),
		SessionResume:     ex.resume,
		Debug: &Debug{
			Model:       ex.def.Model,
			UpstreamID:  res.SessionID,
			Usage:       res.Usage,
			SpawnErrors: spawnErrors,
		},
	}
	if result.Debug.Model == "" {
		result.Debug.Model = o.upstream.Model
	}

	yield(bus.Event{Type: "done", Data: map[string]interface{}{"result": result}}, nil)
}

// documentContext loads the target document body for a document-bound
// run.
func (o *Orchestrator) documentContext(path string) (string, error) {
	data, err := o.vault.Read(path)
	if err != nil {
		return "", fmt.Errorf("load target document %s: %w", path, err)
	}
	doc, err := vault.ParseDocument(path, data)
	if err != nil {
		return "", fmt.Errorf("parse target document %s: %w", path, err)
	}
	return fmt.Sprintf("## Target Document: %s\n\n%s\n\n---\n\n", path, strings.TrimSpace(doc.Body)), nil
}

// EnqueueAgent appends a work item for the drain loop. The agent
// definition is resolved and snapshotted at enqueue time.
func (o *Orchestrator) EnqueueAgent(req Request) (string, error) {
	if req.AgentPath == "" {
		return "", ErrMissingAgent
	}
	def, err := o.loader.Load(req.AgentPath)
	if err != nil {
		return "", fmt.Errorf("load agent %s: %w", req.AgentPath, err)
	}
	if req.Depth >= o.maxDepth(def) {
		return "", fmt.Errorf("%w: depth %d", ErrSpawnDepth, req.Depth)
	}
	id, err := o.queue.Enqueue(&queue.Item{
		AgentPath: def.Path,
		AgentName: def.Name,
		Agent:     def,
		Context: queue.Context{
			Message:      req.Message,
			DocumentPath: req.DocumentPath,
			ParentAgent:  req.ParentAgent,
		},
		Priority:     req.Priority,
		Depth:        req.Depth,
		SpawnedBy:    req.SpawnedBy,
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (o *Orchestrator) maxDepth(def *agent.Definition) int {
	if def != nil && def.MaxSpawnDepth > 0 {
		return def.MaxSpawnDepth
	}
	return o.cfg.MaxSpawnDepth
}
