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

package scanner

import (
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/mapstructure"

	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// entryCacheSize bounds the parsed-entry LRU. Keys include mtime and
// size, so an edited document misses and reparses.
const entryCacheSize = 512

// skippedRoots are vault subtrees that never carry document agents.
var skippedRoots = []string{"agent-sessions/", "agent-chats/", "agent-logs/"}

// Scanner reads and updates per-document agent entries. Safe for
// concurrent use; front-matter writes go through the vault's in-place
// key update so document bodies stay bytewise intact.
type Scanner struct {
	vault *vault.Store
	cache *lru.Cache[string, []AgentEntry]

	// writeMu serializes read-modify-write cycles on front matter.
	writeMu sync.Mutex
}

// New creates a Scanner.
func New(v *vault.Store) (*Scanner, error) {
	if v == nil {
		return nil, fmt.Errorf("vault store is required")
	}
	cache, err := lru.New[string, []AgentEntry](entryCacheSize)
	if err != nil {
		return nil, err
	}
	return &Scanner{vault: v, cache: cache}, nil
}

// ScanAll returns every document carrying at least one agent entry.
// Session roots are skipped; malformed documents are logged and
// skipped, never aborting a pass.
func (s *Scanner) ScanAll() ([]DocumentAgents, error) {
	var results []DocumentAgents
	err := s.vault.Walk(func(rel string, info fs.FileInfo) error {
		for _, root := range skippedRoots {
			if strings.HasPrefix(rel, root) {
				return nil
			}
		}
		entries, err := s.entries(rel, info)
		if err != nil {
			slog.Warn("Skipping document with malformed agent entries", "path", rel, "error", err)
			return nil
		}
		if len(entries) > 0 {
			results = append(results, DocumentAgents{Document: rel, Entries: entries})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan vault for document agents: %w", err)
	}
	return results, nil
}

// Get returns the agent entries of one document; empty when it carries
// none.
func (s *Scanner) Get(doc string) ([]AgentEntry, error) {
	info, err := s.vault.Stat(doc)
	if err != nil {
		return nil, err
	}
	return s.entries(doc, info)
}

// entries parses a document's agents list, through the LRU.
func (s *Scanner) entries(rel string, info fs.FileInfo) ([]AgentEntry, error) {
	key := fmt.Sprintf("%s|%d|%d", rel, info.ModTime().UnixNano(), info.Size())
	if cached, ok := s.cache.Get(key); ok {
		return cloneEntries(cached), nil
	}

	doc, err := s.vault.ReadDocument(rel)
	if err != nil {
		return nil, err
	}
	raw, ok := doc.FrontMatter["agents"]
	if !ok {
		s.cache.Add(key, nil)
		return nil, nil
	}

	var entries []AgentEntry
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &entries,
		TagName:          "yaml",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(raw); err != nil {
		return nil, fmt.Errorf("failed to decode agents list: %w", err)
	}

	// Defaults for entries that omit status.
	for i := range entries {
		if entries[i].Status == "" {
			entries[i].Status = StatusPending
		}
	}
	s.cache.Add(key, entries)
	return cloneEntries(entries), nil
}

// cloneEntries copies the slice so callers never mutate the cache.
func cloneEntries(entries []AgentEntry) []AgentEntry {
	if entries == nil {
		return nil
	}
	out := make([]AgentEntry, len(entries))
	copy(out, entries)
	return out
}

// FindTriggered returns every enabled pending entry whose trigger fires
// at the given instant.
func (s *Scanner) FindTriggered(now time.Time) ([]Match, error) {
	return s.find(func(e *AgentEntry) bool {
		return e.IsEnabled() && e.Status == StatusPending && TriggerDue(e.Trigger, e.LastRunTime(), now)
	})
}

// FindNeedsRun returns every enabled entry in needs_run state.
func (s *Scanner) FindNeedsRun() ([]Match, error) {
	return s.find(func(e *AgentEntry) bool {
		return e.IsEnabled() && e.Status == StatusNeedsRun
	})
}

func (s *Scanner) find(pred func(*AgentEntry) bool) ([]Match, error) {
	docs, err := s.ScanAll()
	if err != nil {
		return nil, err
	}
	var matches []Match
	for _, doc := range docs {
		for _, entry := range doc.Entries {
			if pred(&entry) {
				matches = append(matches, Match{Document: doc.Document, Entry: entry})
			}
		}
	}
	return matches, nil
}

// GetPending returns a document's entries not currently in a terminal
// or idle state: needs_run and running.
func (s *Scanner) GetPending(doc string) ([]AgentEntry, error) {
	entries, err := s.Get(doc)
	if err != nil {
		return nil, err
	}
	var pending []AgentEntry
	for _, e := range entries {
		if e.Status == StatusNeedsRun || e.Status == StatusRunning {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// StatusExtras carries optional timestamp fields written alongside a
// status change.
type StatusExtras struct {
	// LastRun stamps the entry's last_run field.
	LastRun *time.Time

	// LastResult records a success summary.
	LastResult string

	// LastError records a failure message.
	LastError string
}

// UpdateStatus rewrites one entry's status (and extras) durably before
// any derived work is enqueued. Only the agents list changes; the rest
// of the document is preserved byte-for-byte.
func (s *Scanner) UpdateStatus(doc, agentPath string, status Status, extras *StatusExtras) error {
	return s.mutate(doc, func(entries []AgentEntry) ([]AgentEntry, error) {
		for i := range entries {
			if entries[i].Agent != agentPath {
				continue
			}
			entries[i].Status = status
			if extras != nil {
				if extras.LastRun != nil {
					entries[i].LastRun = extras.LastRun.Format(time.RFC3339)
				}
				if extras.LastResult != "" {
					entries[i].LastResult = extras.LastResult
					entries[i].LastError = ""
				}
				if extras.LastError != "" {
					entries[i].LastError = extras.LastError
				}
			}
			return entries, nil
		}
		return nil, fmt.Errorf("document %s has no entry for agent %s", doc, agentPath)
	})
}

// Reset returns entries to pending. With no agent paths given, every
// entry resets; otherwise only the named ones.
func (s *Scanner) Reset(doc string, agents ...string) error {
	named := make(map[string]bool, len(agents))
	for _, a := range agents {
		named[a] = true
	}
	return s.mutate(doc, func(entries []AgentEntry) ([]AgentEntry, error) {
		for i := range entries {
			if len(named) == 0 || named[entries[i].Agent] {
				entries[i].Status = StatusPending
			}
		}
		return entries, nil
	})
}

// TriggerAll promotes every enabled pending entry of a document to
// needs_run, regardless of trigger spec. Returns the promoted entries.
func (s *Scanner) TriggerAll(doc string) ([]AgentEntry, error) {
	return s.trigger(doc, nil)
}

// Trigger promotes the named entries of a document to needs_run.
func (s *Scanner) Trigger(doc string, agents []string) ([]AgentEntry, error) {
	named := make(map[string]bool, len(agents))
	for _, a := range agents {
		named[a] = true
	}
	return s.trigger(doc, named)
}

func (s *Scanner) trigger(doc string, named map[string]bool) ([]AgentEntry, error) {
	var promoted []AgentEntry
	err := s.mutate(doc, func(entries []AgentEntry) ([]AgentEntry, error) {
		for i := range entries {
			if len(named) > 0 && !named[entries[i].Agent] {
				continue
			}
			if !entries[i].IsEnabled() || entries[i].Status != StatusPending {
				continue
			}
			entries[i].Status = StatusNeedsRun
			promoted = append(promoted, entries[i])
		}
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// UpdateDocumentAgents replaces a document's agents list wholesale.
func (s *Scanner) UpdateDocumentAgents(doc string, entries []AgentEntry) error {
	return s.vault.UpdateFrontMatterKey(doc, "agents", entries)
}

// mutate loads, transforms, and writes back a document's agents list.
func (s *Scanner) mutate(doc string, fn func([]AgentEntry) ([]AgentEntry, error)) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	entries, err := s.Get(doc)
	if err != nil {
		return err
	}
	updated, err := fn(entries)
	if err != nil {
		return err
	}
	return s.UpdateDocumentAgents(doc, updated)
}
