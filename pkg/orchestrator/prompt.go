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
	"fmt"
	"log/slog"
	"strings"

	"github.com/OpenParachutePBC/parachute-agent/pkg/agent"
)

// defaultContextFileTokens caps inlined context documents when the
// agent does not set its own limit.
const defaultContextFileTokens = 10000

// systemPrompt assembles the agent's system prompt: the definition
// body followed by any configured context files, truncated at the
// token cap. Unreadable context files log and are skipped.
func (o *Orchestrator) systemPrompt(def *agent.Definition) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(def.SystemPrompt))

	if def.Context == nil || len(def.Context.Files) == 0 {
		return b.String()
	}

	budget := def.Context.MaxTokens
	if budget <= 0 {
		budget = defaultContextFileTokens
	}

	used := 0
	for _, path := range def.Context.Files {
		data, err := o.vault.Read(path)
		if err != nil {
			slog.Warn("Skipping unreadable context file", "agent", def.Path, "file", path, "error", err)
			continue
		}
		content := strings.TrimSpace(string(data))
		cost := o.estimator.EstimateTokens(content)
		if used+cost > budget {
			remaining := budget - used
			if remaining <= 0 {
				slog.Debug("Context file budget exhausted", "agent", def.Path, "file", path)
				break
			}
			// Rough character cut for the partial tail file.
			cut := remaining * 4
			if cut < len(content) {
				content = content[:cut] + "\n[context file truncated]"
			}
			cost = remaining
		}
		used += cost
		fmt.Fprintf(&b, "\n\n## Context: %s\n\n%s", path, content)
	}
	return b.String()
}
