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
	"fmt"
	"io/fs"
	"net/http"
	"runtime"
	"strings"
	"time"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.boot).Round(time.Second).String(),
	}
	if r.URL.Query().Get("detailed") == "true" {
		pending, running, terminal := s.deps.Queue.Counts()
		indexed, loaded := s.deps.Sessions.Stats()
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		body["queue"] = map[string]interface{}{
			"pending":  pending,
			"running":  running,
			"terminal": terminal,
		}
		body["sessions"] = map[string]interface{}{
			"indexed": indexed,
			"loaded":  loaded,
		}
		body["system"] = map[string]interface{}{
			"goroutines":  runtime.NumGoroutine(),
			"heap_bytes":  mem.HeapAlloc,
			"gc_cycles":   mem.NumGC,
			"go_max_proc": runtime.GOMAXPROCS(0),
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleTriggersCheck(w http.ResponseWriter, r *http.Request) {
	s.deps.Orchestrator.TriggerPass(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{"checked": true})
}

func (s *Server) handleVaultSummary(w http.ResponseWriter, r *http.Request) {
	var documents, other int
	err := s.deps.Vault.Walk(func(rel string, info fs.FileInfo) error {
		if strings.HasSuffix(rel, ".md") {
			documents++
		} else {
			other++
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	indexed, _ := s.deps.Sessions.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"root":      s.deps.Vault.Root(),
		"documents": documents,
		"files":     documents + other,
		"sessions":  indexed,
	})
}

// searchResult is one substring hit with a little context around the
// first match.
type searchResult struct {
	Path    string `json:"path"`
	Title   string `json:"title,omitempty"`
	Snippet string `json:"snippet"`
}

const maxSearchResults = 50

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := strings.TrimSpace(r.URL.Query().Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("query parameter q is required"))
		return
	}
	needle := strings.ToLower(query)

	var results []searchResult
	err := s.deps.Vault.Walk(func(rel string, info fs.FileInfo) error {
		if len(results) >= maxSearchResults || !strings.HasSuffix(rel, ".md") {
			return nil
		}
		data, err := s.deps.Vault.Read(rel)
		if err != nil {
			return nil
		}
		idx := strings.Index(strings.ToLower(string(data)), needle)
		if idx < 0 {
			return nil
		}
		result := searchResult{Path: rel, Snippet: snippet(string(data), idx, len(query))}
		if doc, err := s.deps.Vault.ReadDocument(rel); err == nil {
			result.Title = doc.Title()
		}
		results = append(results, result)
		return nil
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"query":   query,
		"results": results,
		"total":   len(results),
	})
}

// snippet extracts a window of text around a match.
func snippet(text string, idx, matchLen int) string {
	const window = 80
	start := idx - window
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + window
	if end > len(text) {
		end = len(text)
	}
	out := strings.TrimSpace(text[start:end])
	out = strings.ReplaceAll(out, "\n", " ")
	if start > 0 {
		out = "…" + out
	}
	if end < len(text) {
		out += "…"
	}
	return out
}
