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

// Package agent loads declarative agent definitions from vault documents.
// A definition's YAML front matter carries identity, model, permissions,
// and trigger-free metadata; the document body is the system prompt.
package agent

import (
	"fmt"

	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// Variant selects the execution mode of an agent.
type Variant string

const (
	// VariantChatbot holds a conversational session per client.
	VariantChatbot Variant = "chatbot"

	// VariantDocumentBound runs against a target document and keeps a
	// session per document.
	VariantDocumentBound Variant = "document-bound"

	// VariantStandalone runs once without session bookkeeping.
	VariantStandalone Variant = "standalone"
)

// Permissions is an agent's policy map. Read, Write, and Spawn hold
// path glob patterns (segment-aware, `**` spans segments); Tools holds
// plain tool names.
type Permissions struct {
	Read  []string `yaml:"read,omitempty"`
	Write []string `yaml:"write,omitempty"`
	Spawn []string `yaml:"spawn,omitempty"`
	Tools []string `yaml:"tools,omitempty"`
}

// ContextConfig names extra documents loaded into the system prompt.
type ContextConfig struct {
	// Files lists vault-relative documents to inline.
	Files []string `yaml:"files,omitempty"`

	// MaxTokens caps the inlined context. Zero means the server default.
	MaxTokens int `yaml:"max_tokens,omitempty"`
}

// Definition is a fully resolved agent. Definitions are loaded per
// request and never cached long-term; a snapshot is immutable for the
// duration of one execution.
type Definition struct {
	// Path is the vault-relative document path, the agent's identity.
	Path string

	// Name is the human-readable agent name.
	Name string

	// Description summarizes what the agent does.
	Description string

	// Variant selects the execution mode.
	Variant Variant

	// Model identifies the upstream model. Empty means the server
	// default.
	Model string

	// Tools is the optional whitelist handed to the upstream client.
	Tools []string

	// Permissions is the agent's policy map.
	Permissions Permissions

	// MaxSpawnDepth caps this agent's spawn chain. Zero means the
	// server default.
	MaxSpawnDepth int

	// Context optionally names extra documents for the system prompt.
	Context *ContextConfig

	// Services lists opaque external-service names passed through to
	// the upstream client.
	Services []string

	// Enabled gates the agent. Disabled agents load with an error and
	// are skipped by List.
	Enabled bool

	// SystemPrompt is the document body.
	SystemPrompt string
}

// CanWrite reports whether the agent's write globs cover a
// vault-relative path.
func (d *Definition) CanWrite(rel string) bool {
	return vault.MatchGlob(d.Permissions.Write, rel)
}

// WriteAny reports whether the agent may write anywhere, which also
// exempts its shell commands from approval.
func (d *Definition) WriteAny() bool {
	for _, p := range d.Permissions.Write {
		if p == "*" || p == "**" {
			return true
		}
	}
	return false
}

// CanSpawn reports whether the agent may enqueue the named agent path.
func (d *Definition) CanSpawn(agentPath string) bool {
	return vault.MatchGlob(d.Permissions.Spawn, agentPath)
}

// CanRead reports whether the agent's read globs cover a vault-relative
// path. An empty read policy allows everything.
func (d *Definition) CanRead(rel string) bool {
	if len(d.Permissions.Read) == 0 {
		return true
	}
	return vault.MatchGlob(d.Permissions.Read, rel)
}

// AllowedTools returns the effective tool whitelist for the upstream
// client: the explicit tool list when set, otherwise the permission
// map's tool names. Nil means the client's default set.
func (d *Definition) AllowedTools() []string {
	if len(d.Tools) > 0 {
		return d.Tools
	}
	if len(d.Permissions.Tools) > 0 {
		return d.Permissions.Tools
	}
	return nil
}

// Validate checks structural fields of a loaded definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("agent %s has no name", d.Path)
	}
	switch d.Variant {
	case VariantChatbot, VariantDocumentBound, VariantStandalone:
	default:
		return fmt.Errorf("agent %s has unknown type %q (valid: chatbot, document-bound, standalone)", d.Path, d.Variant)
	}
	return nil
}
