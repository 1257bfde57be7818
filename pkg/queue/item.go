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

// Package queue implements the bounded execution queue: priority plus
// FIFO ordering, a strict status state machine, depth-capped spawns, and
// a best-effort JSON snapshot under the vault.
package queue

import (
	"time"

	"github.com/OpenParachutePBC/parachute-agent/pkg/agent"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	// StatusPending means the item awaits a drain slot.
	StatusPending Status = "pending"

	// StatusRunning means an execution owns the item.
	StatusRunning Status = "running"

	// StatusCompleted means the execution finished successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means the execution errored.
	StatusFailed Status = "failed"
)

// IsTerminal returns whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Priority orders pending work. Ties within a priority are FIFO.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ParsePriority normalizes a client-supplied priority string. Unknown
// values map to normal.
func ParsePriority(s string) Priority {
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh:
		return Priority(s)
	default:
		return PriorityNormal
	}
}

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Context carries what an execution needs beyond the agent itself.
type Context struct {
	// Message is the user (or spawning parent's) message.
	Message string `json:"message,omitempty"`

	// DocumentPath is the target document for document-bound agents.
	DocumentPath string `json:"documentPath,omitempty"`

	// ParentAgent names the agent that spawned this item.
	ParentAgent string `json:"parentAgent,omitempty"`
}

// Item is one unit of queued work.
type Item struct {
	// ID is the server-minted identifier.
	ID string `json:"id"`

	// AgentPath is the vault-relative agent document.
	AgentPath string `json:"agentPath"`

	// AgentName is the display name resolved at enqueue time.
	AgentName string `json:"agentName,omitempty"`

	// Agent snapshots the definition resolved at enqueue time.
	Agent *agent.Definition `json:"agent,omitempty"`

	// Context is the execution context.
	Context Context `json:"context"`

	// Priority orders this item against other pending work.
	Priority Priority `json:"priority"`

	// Depth is the spawn depth; 0 for client-enqueued work.
	Depth int `json:"depth"`

	// SpawnedBy back-links to the queue item that spawned this one.
	SpawnedBy string `json:"spawnedBy,omitempty"`

	// ScheduledFor defers claiming until the given time.
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// Result holds the final text on completion.
	Result string `json:"result,omitempty"`

	// Error holds the failure message on failure.
	Error string `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// seq preserves FIFO order within a priority. Rebuilt from
	// CreatedAt on snapshot load.
	seq uint64
}

// clone returns a copy safe to hand outside the queue's lock.
func (i *Item) clone() *Item {
	cp := *i
	if i.ScheduledFor != nil {
		t := *i.ScheduledFor
		cp.ScheduledFor = &t
	}
	if i.StartedAt != nil {
		t := *i.StartedAt
		cp.StartedAt = &t
	}
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// claimable reports whether Next may hand the item out.
func (i *Item) claimable(now time.Time) bool {
	if i.Status != StatusPending {
		return false
	}
	return i.ScheduledFor == nil || !i.ScheduledFor.After(now)
}
