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

// Package permission brokers write approvals between the LLM client's
// tool callback and asynchronous client decisions. Each out-of-policy
// write suspends on a keyed single-shot slot until a grant, a deny, or
// the timeout resolves it.
package permission

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/OpenParachutePBC/parachute-agent/pkg/agent"
	"github.com/OpenParachutePBC/parachute-agent/pkg/bus"
	"github.com/OpenParachutePBC/parachute-agent/pkg/upstream"
	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// Write-class tool names. Everything else passes without approval.
const (
	ToolWrite     = "write"
	ToolEdit      = "edit"
	ToolShellExec = "shell_exec"
)

// State is the lifecycle of a permission request.
type State string

const (
	StatePending State = "pending"
	StateGranted State = "granted"
	StateDenied  State = "denied"
	StateTimeout State = "timeout"
)

// Request is one pending write approval.
type Request struct {
	// ID is `<session-id>-<tool-use-id>`.
	ID string `json:"id"`

	// Tool is the write-class tool awaiting approval.
	Tool string `json:"tool"`

	// Subject is the target path, or the command string for shell
	// tools.
	Subject string `json:"subject"`

	// Input is the full tool input, for client display.
	Input map[string]interface{} `json:"input,omitempty"`

	// AgentName and AgentPath identify the requesting agent.
	AgentName string `json:"agentName"`
	AgentPath string `json:"agentPath"`

	// AllowedPatterns shows the agent's write policy for diagnostics.
	AllowedPatterns []string `json:"allowedPatterns,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	State     State     `json:"state"`

	// decision is the single-shot completion slot. Buffered so the
	// resolver never blocks; resolved at most once.
	decision chan State
}

// Denial records one denied write for the final response.
type Denial struct {
	Tool    string `json:"tool"`
	Subject string `json:"subject"`
	Reason  string `json:"reason"` // "denied" or "timeout"
}

// Denials collects an execution's denial records; safe for concurrent
// appends from the approval callback.
type Denials struct {
	mu   sync.Mutex
	list []Denial
}

func (d *Denials) add(denial Denial) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.list = append(d.list, denial)
}

// List returns the collected denials in order.
func (d *Denials) List() []Denial {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Denial, len(d.list))
	copy(out, d.list)
	return out
}

// Config configures a Broker.
type Config struct {
	// Timeout bounds how long a callback awaits a decision.
	// Default: 120s
	Timeout time.Duration

	// PendingMaxAge is the sweeper ceiling for unresolved requests.
	// Default: 5m
	PendingMaxAge time.Duration

	// ResolvedMaxAge is the sweeper ceiling for resolved stragglers.
	// Default: 1m
	ResolvedMaxAge time.Duration
}

// SetDefaults applies default values to Config.
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 120 * time.Second
	}
	if c.PendingMaxAge == 0 {
		c.PendingMaxAge = 5 * time.Minute
	}
	if c.ResolvedMaxAge == 0 {
		c.ResolvedMaxAge = time.Minute
	}
}

// Broker mediates between approval callbacks and client decisions. All
// methods are safe for concurrent use; each slot resolves at most once
// and only its originating callback awaits it.
type Broker struct {
	mu       sync.Mutex
	cfg      Config
	vault    *vault.Store
	bus      *bus.Bus
	requests map[string]*Request
}

// NewBroker creates a Broker publishing on the given bus.
func NewBroker(cfg Config, v *vault.Store, b *bus.Bus) *Broker {
	cfg.SetDefaults()
	return &Broker{
		cfg:      cfg,
		vault:    v,
		bus:      b,
		requests: make(map[string]*Request),
	}
}

// Callback builds the tool-approval callback for one execution, bound
// to the session id and agent definition. Denials are recorded on the
// given collector for the final response.
func (br *Broker) Callback(sessionID string, def *agent.Definition, denials *Denials) upstream.ApprovalFunc {
	return func(ctx context.Context, tool string, input map[string]interface{}, meta upstream.ApprovalMeta) upstream.Decision {
		subject, needsApproval := br.classify(tool, input, def)
		if !needsApproval {
			return upstream.Allow(input)
		}
		if br.inPolicy(tool, subject, def) {
			return upstream.Allow(input)
		}
		return br.await(ctx, sessionID, tool, subject, input, def, meta, denials)
	}
}

// classify decides whether the invocation is write-class and names its
// subject. No identifiable subject means unconditional allow.
func (br *Broker) classify(tool string, input map[string]interface{}, def *agent.Definition) (subject string, needsApproval bool) {
	switch tool {
	case ToolShellExec:
		if def.WriteAny() {
			return "", false
		}
		cmd, _ := input["command"].(string)
		if cmd == "" {
			return "", false
		}
		return cmd, true
	case ToolWrite, ToolEdit:
		subject = extractSubject(input)
		if subject == "" {
			return "", false
		}
		return subject, true
	default:
		return "", false
	}
}

// inPolicy tests a subject against the agent's write globs. Shell
// commands have no path subject and are always out of policy here.
func (br *Broker) inPolicy(tool, subject string, def *agent.Definition) bool {
	if tool == ToolShellExec {
		return false
	}
	rel := subject
	if filepath.IsAbs(subject) {
		converted, err := br.vault.Relativize(subject)
		if err != nil {
			return false
		}
		rel = converted
	}
	return def.CanWrite(rel)
}

// extractSubject pulls a target from the schema-free tool input. Only a
// handful of fields are ever inspected.
func extractSubject(input map[string]interface{}) string {
	for _, key := range []string{"file_path", "path", "command", "pattern", "query", "url"} {
		if v, ok := input[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// await suspends the callback on a keyed slot until a grant, a deny,
// the timeout, or context cancellation resolves it. The request entry
// is deleted before the outcome is returned.
func (br *Broker) await(ctx context.Context, sessionID, tool, subject string, input map[string]interface{}, def *agent.Definition, meta upstream.ApprovalMeta, denials *Denials) upstream.Decision {
	req := &Request{
		ID:              fmt.Sprintf("%s-%s", sessionID, meta.ToolUseID),
		Tool:            tool,
		Subject:         subject,
		Input:           input,
		AgentName:       def.Name,
		AgentPath:       def.Path,
		AllowedPatterns: def.Permissions.Write,
		CreatedAt:       time.Now(),
		State:           StatePending,
		decision:        make(chan State, 1),
	}

	br.mu.Lock()
	br.requests[req.ID] = req
	br.mu.Unlock()

	slog.Info("Write permission requested",
		"request_id", req.ID, "tool", tool, "subject", subject, "agent", def.Name)
	br.bus.Publish(bus.TopicPermissions, requestEvent("permissionRequest", req))

	timer := time.NewTimer(br.cfg.Timeout)
	defer timer.Stop()

	var outcome State
	select {
	case outcome = <-req.decision:
	case <-timer.C:
		outcome = StateTimeout
	case <-ctx.Done():
		outcome = StateTimeout
	}

	// Delete before any handler observes the outcome.
	br.mu.Lock()
	delete(br.requests, req.ID)
	br.mu.Unlock()

	switch outcome {
	case StateGranted:
		return upstream.Allow(input)
	case StateTimeout:
		denials.add(Denial{Tool: tool, Subject: subject, Reason: "timeout"})
		return upstream.Deny(fmt.Sprintf("Permission request for %s timed out after %s without a decision", subject, br.cfg.Timeout))
	default:
		denials.add(Denial{Tool: tool, Subject: subject, Reason: "denied"})
		return upstream.Deny(fmt.Sprintf("Write to %s denied by the user (allowed patterns: %s)", subject, strings.Join(def.Permissions.Write, ", ")))
	}
}

// Grant resolves a pending request as allowed. Returns false when the
// id is unknown or already resolved; repeated calls are safe no-ops.
func (br *Broker) Grant(id string) bool {
	return br.resolve(id, StateGranted, "permissionGranted")
}

// Deny resolves a pending request as denied. Returns false when the id
// is unknown or already resolved.
func (br *Broker) Deny(id string) bool {
	return br.resolve(id, StateDenied, "permissionDenied")
}

func (br *Broker) resolve(id string, state State, eventType string) bool {
	br.mu.Lock()
	req, ok := br.requests[id]
	if !ok || req.State != StatePending {
		br.mu.Unlock()
		return false
	}
	req.State = state
	br.mu.Unlock()

	// Buffered; the waiting callback picks it up without blocking us.
	req.decision <- state
	br.bus.Publish(bus.TopicPermissions, requestEvent(eventType, req))
	return true
}

// ListPending returns the currently pending requests, oldest first.
func (br *Broker) ListPending() []*Request {
	br.mu.Lock()
	defer br.mu.Unlock()

	var out []*Request
	for _, req := range br.requests {
		if req.State == StatePending {
			cp := *req
			cp.decision = nil
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Sweep removes requests whose callback is evidently gone: pending
// entries past the pending ceiling (resolved as timeout) and resolved
// stragglers past the resolved ceiling. Returns how many were removed.
func (br *Broker) Sweep(now time.Time) int {
	br.mu.Lock()
	var timedOut []*Request
	removed := 0
	for id, req := range br.requests {
		switch {
		case req.State == StatePending && now.Sub(req.CreatedAt) > br.cfg.PendingMaxAge:
			req.State = StateTimeout
			timedOut = append(timedOut, req)
			delete(br.requests, id)
			removed++
		case req.State != StatePending && now.Sub(req.CreatedAt) > br.cfg.ResolvedMaxAge:
			delete(br.requests, id)
			removed++
		}
	}
	br.mu.Unlock()

	for _, req := range timedOut {
		select {
		case req.decision <- StateTimeout:
		default:
		}
		slog.Warn("Swept stuck permission request", "request_id", req.ID, "subject", req.Subject)
	}
	return removed
}

// requestEvent builds the permission stream payload for a request.
func requestEvent(eventType string, req *Request) bus.Event {
	return bus.NewEvent(eventType,
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
}
