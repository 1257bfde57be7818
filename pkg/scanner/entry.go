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

// Package scanner enumerates vault documents carrying agent entries in
// their front matter, evaluates their textual triggers, and updates
// entry statuses without touching the rest of the document.
package scanner

import (
	"time"
)

// Status is the lifecycle of a per-document agent entry.
type Status string

const (
	// StatusPending means the entry is idle, awaiting its trigger.
	StatusPending Status = "pending"

	// StatusNeedsRun means the trigger fired; work is about to be
	// enqueued.
	StatusNeedsRun Status = "needs_run"

	// StatusRunning means an execution owns the entry.
	StatusRunning Status = "running"

	// StatusCompleted means the last run succeeded.
	StatusCompleted Status = "completed"

	// StatusError means the last run failed.
	StatusError Status = "error"
)

// AgentEntry is one agent configured on a target document, stored in
// the document's front matter under the `agents:` key.
type AgentEntry struct {
	// Agent is the vault-relative agent document path.
	Agent string `yaml:"agent" json:"agent"`

	// Status is the entry lifecycle state.
	Status Status `yaml:"status,omitempty" json:"status"`

	// Trigger is the textual trigger spec: daily@HH:MM, weekly@<day>,
	// hourly, manual, or on_save.
	Trigger string `yaml:"trigger,omitempty" json:"trigger,omitempty"`

	// Enabled gates the entry; nil means enabled.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// LastRun is the ISO-8601 timestamp of the last completed run.
	LastRun string `yaml:"last_run,omitempty" json:"lastRun,omitempty"`

	// LastResult summarizes the last successful run.
	LastResult string `yaml:"last_result,omitempty" json:"lastResult,omitempty"`

	// LastError records the last failure.
	LastError string `yaml:"last_error,omitempty" json:"lastError,omitempty"`
}

// IsEnabled reports whether the entry participates in trigger passes.
func (e *AgentEntry) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// LastRunTime parses the recorded last-run timestamp; zero when absent
// or unparseable.
func (e *AgentEntry) LastRunTime() time.Time {
	if e.LastRun == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339, e.LastRun); err == nil {
		return t
	}
	return time.Time{}
}

// DocumentAgents pairs a document with its parsed agent entries.
type DocumentAgents struct {
	Document string       `json:"document"`
	Entries  []AgentEntry `json:"entries"`
}

// Match is one (document, agent entry) pair selected by a scan.
type Match struct {
	Document string     `json:"document"`
	Entry    AgentEntry `json:"entry"`
}
