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

package orchestrator

import (
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"

	"github.com/OpenParachutePBC/parachute-agent/pkg/agent"
	"github.com/OpenParachutePBC/parachute-agent/pkg/queue"
)

// spawnBlock matches fenced blocks labeled `spawn`; the payload is one
// JSON object.
var spawnBlock = regexp.MustCompile("(?s)```spawn\\s*\n(.*?)```")

// SpawnDirective is the parsed payload of one spawn block.
type SpawnDirective struct {
	Agent    string `json:"agent"`
	Message  string `json:"message"`
	Priority string `json:"priority,omitempty"`
	Context  string `json:"context,omitempty"`
}

// ParseSpawnDirectives extracts spawn directives from assistant text.
// Malformed blocks are returned as a count, not an error: the text
// already shipped to the client and a bad directive must not fail the
// run.
func ParseSpawnDirectives(text string) (directives []SpawnDirective, malformed int) {
	for _, m := range spawnBlock.FindAllStringSubmatch(text, -1) {
		payload := strings.TrimSpace(m[1])
		var d SpawnDirective
		if err := json.Unmarshal([]byte(payload), &d); err != nil || d.Agent == "" || d.Message == "" {
			slog.Warn("Skipping malformed spawn directive", "payload", payload)
			malformed++
			continue
		}
		directives = append(directives, d)
	}
	return directives, malformed
}

// dispatchSpawns enqueues the children an assistant's final text asks
// for. The parent's spawn globs gate each target; children run at
// depth = parent + 1. Failures are logged and counted; `spawned` lists
// successes only.
func (o *Orchestrator) dispatchSpawns(def *agent.Definition, req Request, text string) (spawned []Spawned, failures int) {
	directives, malformed := ParseSpawnDirectives(text)
	failures = malformed

	for _, d := range directives {
		if !def.CanSpawn(d.Agent) {
			slog.Warn("Spawn denied by policy", "parent", def.Path, "target", d.Agent)
			failures++
			continue
		}
		message := d.Message
		if d.Context != "" {
			message = d.Context + "\n\n" + message
		}
		id, err := o.EnqueueAgent(Request{
			AgentPath:   d.Agent,
			Message:     message,
			Priority:    queue.ParsePriority(d.Priority),
			Depth:       req.Depth + 1,
			SpawnedBy:   req.SpawnedBy,
			ParentAgent: def.Path,
		})
		if err != nil {
			slog.Warn("Spawn failed", "parent", def.Path, "target", d.Agent, "depth", req.Depth+1, "error", err)
			failures++
			continue
		}
		slog.Info("Spawned child agent", "parent", def.Path, "target", d.Agent, "queue_id", id, "depth", req.Depth+1)
		spawned = append(spawned, Spawned{QueueID: id, AgentPath: d.Agent})
	}
	return spawned, failures
}
