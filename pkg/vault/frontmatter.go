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
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"
)

// UpdateFrontMatterKey rewrites a single top-level front-matter key in
// place. The document body is preserved byte-for-byte, and untouched
// front-matter keys keep their order, style, and comments (the edit goes
// through the yaml.Node API rather than a map round-trip). A document
// without front matter gains a block holding just the new key.
func (s *Store) UpdateFrontMatterKey(rel, key string, value interface{}) error {
	data, err := s.Read(rel)
	if err != nil {
		return err
	}

	front, body, found := splitFrontMatter(data)
	if !found {
		body = data
	}

	mapping, doc, err := frontMatterMapping(front)
	if err != nil {
		return fmt.Errorf("failed to parse front matter of %s: %w", rel, err)
	}

	var valueNode yaml.Node
	if err := valueNode.Encode(value); err != nil {
		return fmt.Errorf("failed to encode front-matter value for %s: %w", rel, err)
	}

	replaced := false
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			mapping.Content[i+1] = &valueNode
			replaced = true
			break
		}
	}
	if !replaced {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
		mapping.Content = append(mapping.Content, keyNode, &valueNode)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode front matter of %s: %w", rel, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to encode front matter of %s: %w", rel, err)
	}

	var out bytes.Buffer
	out.Grow(buf.Len() + len(body) + 8)
	out.WriteString(frontMatterDelim)
	out.WriteByte('\n')
	out.Write(buf.Bytes())
	out.WriteString(frontMatterDelim)
	out.WriteByte('\n')
	out.Write(body)

	return s.Write(rel, out.Bytes())
}

// frontMatterMapping parses front-matter bytes into a document node and
// returns its top-level mapping, creating an empty one when the block is
// empty or absent.
func frontMatterMapping(front []byte) (*yaml.Node, *yaml.Node, error) {
	var doc yaml.Node
	if len(bytes.TrimSpace(front)) > 0 {
		if err := yaml.Unmarshal(front, &doc); err != nil {
			return nil, nil, err
		}
	}
	if doc.Kind == 0 {
		mapping := &yaml.Node{Kind: yaml.MappingNode}
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{mapping}}
		return mapping, &doc, nil
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil, fmt.Errorf("unexpected front-matter structure")
	}
	mapping := doc.Content[0]
	if mapping.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("front matter is not a mapping")
	}
	return mapping, &doc, nil
}
