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

package vault

import (
	"io/fs"
	"path/filepath"
	"strings"
)

const (
	defaultSearchLimit = 100
	maxExcerptLen      = 200
)

// SearchResult is one substring hit inside a document.
type SearchResult struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Excerpt string `json:"excerpt"`
}

// Summary describes the vault at a glance.
type Summary struct {
	Root      string `json:"root"`
	Documents int    `json:"documents"`
	Bytes     int64  `json:"bytes"`
}

// Search scans document text for a case-insensitive substring and
// returns up to limit hits (one per matching line). A non-positive
// limit applies a default cap.
func (s *Store) Search(query string, limit int) ([]SearchResult, error) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var results []SearchResult
	err := s.Walk(func(rel string, info fs.FileInfo) error {
		if len(results) >= limit || !isTextDocument(rel) {
			return nil
		}
		data, err := s.Read(rel)
		if err != nil {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if !strings.Contains(strings.ToLower(line), query) {
				continue
			}
			results = append(results, SearchResult{
				Path:    rel,
				Line:    i + 1,
				Excerpt: excerpt(line),
			})
			if len(results) >= limit {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// Summarize counts documents and bytes under the root.
func (s *Store) Summarize() (Summary, error) {
	sum := Summary{Root: s.root}
	err := s.Walk(func(rel string, info fs.FileInfo) error {
		if !isTextDocument(rel) {
			return nil
		}
		sum.Documents++
		sum.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return Summary{}, err
	}
	return sum, nil
}

// isTextDocument reports whether a path looks like vault content worth
// searching: markdown, plain text, or extensionless files.
func isTextDocument(rel string) bool {
	switch strings.ToLower(filepath.Ext(rel)) {
	case ".md", ".markdown", ".txt", "":
		return true
	default:
		return false
	}
}

func excerpt(line string) string {
	line = strings.TrimSpace(line)
	if len(line) > maxExcerptLen {
		return line[:maxExcerptLen] + "…"
	}
	return line
}
