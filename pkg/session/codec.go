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

package session

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/OpenParachutePBC/parachute-agent/pkg/vault"
)

// timestampLayout is what Format writes. Parse additionally accepts
// timestamps without fractional seconds (older files).
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// messageHeader matches one `### Role | timestamp` line. MessageCount
// in the boot index counts matches of this without a full parse.
var messageHeader = regexp.MustCompile(`(?m)^### (User|Assistant|System) \| (\S+)[ \t]*$`)

// Format serializes a session to its on-disk text form: a front-matter
// block of simple key/value pairs, a title heading, an optional context
// back-reference, and the conversation as `### Role | timestamp` blocks.
func Format(s *Session) []byte {
	var b strings.Builder

	b.WriteString("---\n")
	writeKV(&b, "session_id", s.ID)
	writeKV(&b, "session_key", s.Key)
	writeKV(&b, "agent", s.AgentPath)
	writeKV(&b, "agent_name", s.AgentName)
	if s.Title != "" {
		writeKV(&b, "title", s.Title)
	}
	writeKV(&b, "type", "chat")
	writeKV(&b, "created_at", s.CreatedAt.Format(timestampLayout))
	writeKV(&b, "last_accessed", s.LastAccessed.Format(timestampLayout))
	// The empty string encodes an absent handle.
	writeKV(&b, "sdk_session_id", ValidHandle(s.UpstreamHandle))
	fmt.Fprintf(&b, "archived: %t\n", s.Archived)
	if len(s.Context) > 0 {
		if data, err := json.Marshal(s.Context); err == nil {
			fmt.Fprintf(&b, "context: %s\n", data)
		}
	}
	b.WriteString("---\n\n")

	heading := s.Title
	if heading == "" {
		heading = s.AgentName + " Session"
	}
	fmt.Fprintf(&b, "# %s\n\n", heading)
	if doc, ok := s.Context["documentPath"].(string); ok && doc != "" {
		fmt.Fprintf(&b, "> Context: %s\n\n", doc)
	}
	b.WriteString("## Conversation\n\n")

	for _, m := range s.Messages {
		fmt.Fprintf(&b, "### %s | %s\n\n%s\n\n", m.Role.Heading(), m.Timestamp.Format(timestampLayout), m.Content)
	}
	return []byte(b.String())
}

// writeKV emits one front-matter line, double-quoting values that would
// otherwise be ambiguous YAML scalars.
func writeKV(b *strings.Builder, key, value string) {
	if value == "" || strings.ContainsAny(value, ":#\"'\n") || value != strings.TrimSpace(value) {
		fmt.Fprintf(b, "%s: %q\n", key, value)
		return
	}
	fmt.Fprintf(b, "%s: %s\n", key, value)
}

// Parse reconstructs a session from its on-disk text form. filePath is
// recorded on the result; it is not derived from the content.
func Parse(filePath string, data []byte) (*Session, error) {
	doc, err := vault.ParseDocument(filePath, data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", filePath, err)
	}
	if doc.FrontMatter == nil {
		return nil, fmt.Errorf("session file %s has no front matter", filePath)
	}

	s := &Session{
		ID:             stringKey(doc.FrontMatter, "session_id"),
		Key:            stringKey(doc.FrontMatter, "session_key"),
		AgentPath:      stringKey(doc.FrontMatter, "agent"),
		AgentName:      stringKey(doc.FrontMatter, "agent_name"),
		Title:          stringKey(doc.FrontMatter, "title"),
		UpstreamHandle: ValidHandle(doc.FrontMatter["sdk_session_id"]),
		FilePath:       filePath,
	}
	if s.ID == "" {
		return nil, fmt.Errorf("session file %s has no session_id", filePath)
	}
	if archived, ok := doc.FrontMatter["archived"].(bool); ok {
		s.Archived = archived
	}
	s.CreatedAt = parseTimeKey(doc.FrontMatter, "created_at")
	s.LastAccessed = parseTimeKey(doc.FrontMatter, "last_accessed")
	s.Context = parseContext(doc.FrontMatter["context"])

	messages, err := parseMessages(doc.Body)
	if err != nil {
		return nil, fmt.Errorf("session file %s: %w", filePath, err)
	}
	s.Messages = messages
	return s, nil
}

// stringKey reads a front-matter value as a string, tolerating typed
// YAML scalars.
func stringKey(fm map[string]interface{}, key string) string {
	switch v := fm[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// parseTimeKey reads a timestamp, accepting fractional and whole-second
// forms. yaml.v3 may have already decoded the scalar as a time.Time.
func parseTimeKey(fm map[string]interface{}, key string) time.Time {
	switch v := fm[key].(type) {
	case time.Time:
		return v
	case string:
		return parseTimestamp(v)
	default:
		return time.Time{}
	}
}

// parseTimestamp accepts ISO-8601 with or without fractional seconds.
func parseTimestamp(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02T15:04:05Z07:00", s); err == nil {
		return t
	}
	return time.Time{}
}

// parseContext tolerates both yaml-decoded inline JSON (a mapping) and
// a raw JSON string.
func parseContext(v interface{}) map[string]interface{} {
	switch ctx := v.(type) {
	case map[string]interface{}:
		return ctx
	case string:
		var m map[string]interface{}
		if err := json.Unmarshal([]byte(ctx), &m); err == nil {
			return m
		}
	}
	return nil
}

// parseMessages extracts the `### Role | timestamp` blocks from a
// session body. Content runs until the next header; trailing blank
// lines are trimmed.
func parseMessages(body string) ([]Message, error) {
	locs := messageHeader.FindAllStringSubmatchIndex(body, -1)
	if len(locs) == 0 {
		return nil, nil
	}

	messages := make([]Message, 0, len(locs))
	for i, loc := range locs {
		role, err := ParseRole(body[loc[2]:loc[3]])
		if err != nil {
			return nil, err
		}
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		content := strings.TrimPrefix(body[loc[1]:end], "\n")
		content = strings.TrimPrefix(content, "\n")
		messages = append(messages, Message{
			Role:      role,
			Content:   strings.TrimRight(content, "\n"),
			Timestamp: parseTimestamp(body[loc[4]:loc[5]]),
		})
	}
	return messages, nil
}

// CountMessages counts message headers without building messages; the
// boot index uses it to avoid full parses.
func CountMessages(data []byte) int {
	return len(messageHeader.FindAllIndex(data, -1))
}
