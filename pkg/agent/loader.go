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

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// ErrNotFound marks unknown agent paths.
var ErrNotFound = errors.New("agent not found")

// ErrDisabled marks agents with `enabled: false` in their front matter.
var ErrDisabled = errors.New("agent is disabled")

// agentsDir is the vault subtree scanned by List.
const agentsDir = "agents"

// frontMatter is the on-disk shape of an agent document's metadata.
type frontMatter struct {
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description"`
	Type          string         `yaml:"type"`
	Model         string         `yaml:"model"`
	Tools         []string       `yaml:"tools"`
	Permissions   Permissions    `yaml:"permissions"`
	MaxSpawnDepth int            `yaml:"max_spawn_depth"`
	Context       *ContextConfig `yaml:"context"`
	Services      []string       `yaml:"services"`
	Enabled       *bool          `yaml:"enabled"`
}

// Loader resolves agent definitions from vault documents.
type Loader struct {
	vault        *vault.Store
	defaultModel string
}

// NewLoader creates a Loader. defaultModel fills definitions that do
// not name a model.
func NewLoader(v *vault.Store, defaultModel string) (*Loader, error) {
	if v == nil {
		return nil, fmt.Errorf("vault store is required")
	}
	return &Loader{vault: v, defaultModel: defaultModel}, nil
}

// Load reads and validates the agent at a vault-relative path. The
// `.md` extension may be omitted.
func (l *Loader) Load(path string) (*Definition, error) {
	doc, resolved, err := l.readAgentDoc(path)
	if err != nil {
		return nil, err
	}

	def, err := l.parse(resolved, doc)
	if err != nil {
		return nil, err
	}
	if !def.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrDisabled, resolved)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return def, nil
}

// List scans the agents/ subtree and returns every enabled, named
// definition, sorted by path. Malformed documents are logged and
// skipped.
func (l *Loader) List() ([]*Definition, error) {
	paths, err := l.vault.List(agentsDir + "/**")
	if err != nil {
		return nil, fmt.Errorf("failed to scan agents directory: %w", err)
	}

	var defs []*Definition
	for _, path := range paths {
		doc, err := l.vault.ReadDocument(path)
		if err != nil {
			slog.Warn("Skipping unreadable agent document", "path", path, "error", err)
			continue
		}
		def, err := l.parse(path, doc)
		if err != nil {
			slog.Warn("Skipping malformed agent document", "path", path, "error", err)
			continue
		}
		if !def.Enabled || def.Name == "" {
			continue
		}
		if err := def.Validate(); err != nil {
			slog.Warn("Skipping invalid agent document", "path", path, "error", err)
			continue
		}
		defs = append(defs, def)
	}

	sort.Slice(defs, func(i, j int) bool { return defs[i].Path < defs[j].Path })
	return defs, nil
}

// readAgentDoc resolves the document for an agent path, trying the
// given path and then with a .md extension.
func (l *Loader) readAgentDoc(path string) (*vault.Document, string, error) {
	candidates := []string{path}
	if !strings.HasSuffix(path, ".md") {
		candidates = append(candidates, path+".md")
	}
	for _, cand := range candidates {
		if !l.vault.Exists(cand) {
			continue
		}
		doc, err := l.vault.ReadDocument(cand)
		if err != nil {
			return nil, "", err
		}
		return doc, cand, nil
	}
	return nil, "", fmt.Errorf("%w: %s", ErrNotFound, path)
}

// parse maps a document onto a Definition.
func (l *Loader) parse(path string, doc *vault.Document) (*Definition, error) {
	var fm frontMatter
	if doc.FrontMatter != nil {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &fm,
			TagName:          "yaml",
			WeaklyTypedInput: true,
			DecodeHook:       mapstructure.StringToSliceHookFunc(","),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create agent decoder: %w", err)
		}
		if err := decoder.Decode(doc.FrontMatter); err != nil {
			return nil, fmt.Errorf("failed to decode agent front matter of %s: %w", path, err)
		}
	}

	variant := Variant(fm.Type)
	if variant == "" {
		variant = VariantChatbot
	}
	model := fm.Model
	if model == "" {
		model = l.defaultModel
	}
	enabled := true
	if fm.Enabled != nil {
		enabled = *fm.Enabled
	}

	return &Definition{
		Path:          path,
		Name:          fm.Name,
		Description:   fm.Description,
		Variant:       variant,
		Model:         model,
		Tools:         fm.Tools,
		Permissions:   fm.Permissions,
		MaxSpawnDepth: fm.MaxSpawnDepth,
		Context:       fm.Context,
		Services:      fm.Services,
		Enabled:       enabled,
		SystemPrompt:  strings.TrimSpace(doc.Body),
	}, nil
}
