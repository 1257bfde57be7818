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
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelim = "---"

// Document is a plain-text file with an optional YAML front-matter block.
type Document struct {
	// Path is the vault-relative slash path.
	Path string

	// FrontMatter holds the parsed front-matter mapping. Nil when the
	// document carries none.
	FrontMatter map[string]interface{}

	// Body is everything after the front-matter block, byte-for-byte.
	Body string
}

// ParseDocument splits raw bytes into front matter and body.
//
// A front-matter block is present when the file starts with a `---` line
// and a later `---` line closes it. Anything else is all body. The body
// is never altered, so Encode(Parse(x)).Body round-trips exactly.
func ParseDocument(path string, data []byte) (*Document, error) {
	front, body, found := splitFrontMatter(data)
	doc := &Document{Path: path, Body: string(body)}
	if !found {
		return doc, nil
	}
	var fm map[string]interface{}
	if err := yaml.Unmarshal(front, &fm); err != nil {
		return nil, fmt.Errorf("failed to parse front matter of %s: %w", path, err)
	}
	doc.FrontMatter = fm
	return doc, nil
}

// Encode serializes the document back to bytes. The body is emitted
// unchanged; only the front-matter block is re-serialized.
func (d *Document) Encode() ([]byte, error) {
	if len(d.FrontMatter) == 0 {
		return []byte(d.Body), nil
	}
	fm, err := yaml.Marshal(d.FrontMatter)
	if err != nil {
		return nil, fmt.Errorf("failed to encode front matter of %s: %w", d.Path, err)
	}
	var b strings.Builder
	b.Grow(len(fm) + len(d.Body) + 8)
	b.WriteString(frontMatterDelim)
	b.WriteByte('\n')
	b.Write(fm)
	b.WriteString(frontMatterDelim)
	b.WriteByte('\n')
	b.WriteString(d.Body)
	return []byte(b.String()), nil
}

// Title returns the first markdown heading of the body, or the front
// matter `title` key, or the empty string.
func (d *Document) Title() string {
	for _, line := range strings.Split(d.Body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
		}
		break
	}
	if t, ok := d.FrontMatter["title"].(string); ok {
		return t
	}
	return ""
}

// splitFrontMatter separates a leading front-matter block from the body.
// The body starts immediately after the newline that ends the closing
// delimiter line, preserving every byte.
func splitFrontMatter(data []byte) (front, body []byte, found bool) {
	s := string(data)
	if !strings.HasPrefix(s, frontMatterDelim) {
		return nil, data, false
	}
	rest := s[len(frontMatterDelim):]
	switch {
	case strings.HasPrefix(rest, "\r\n"):
		rest = rest[2:]
	case strings.HasPrefix(rest, "\n"):
		rest = rest[1:]
	default:
		// Not a delimiter line ("---something"), all body.
		return nil, data, false
	}

	for i := 0; i < len(rest); {
		lineEnd := strings.IndexByte(rest[i:], '\n')
		var line string
		next := len(rest)
		if lineEnd < 0 {
			line = rest[i:]
		} else {
			line = rest[i : i+lineEnd]
			next = i + lineEnd + 1
		}
		if strings.TrimRight(line, "\r") == frontMatterDelim {
			return []byte(rest[:i]), []byte(rest[next:]), true
		}
		i = next
	}
	return nil, data, false
}

// ReadDocument reads and parses a document.
func (s *Store) ReadDocument(rel string) (*Document, error) {
	data, err := s.Read(rel)
	if err != nil {
		return nil, err
	}
	return ParseDocument(filepath.ToSlash(rel), data)
}

// WriteDocument encodes and writes a document to its path.
func (s *Store) WriteDocument(doc *Document) error {
	data, err := doc.Encode()
	if err != nil {
		return err
	}
	return s.Write(doc.Path, data)
}
