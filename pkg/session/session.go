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

// Package session persists agent conversations as human-readable text
// files under the vault and serves them back through a lazily-loaded,
// idle-evicted in-memory store. The on-disk file is the source of truth;
// everything in memory is a cache.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound marks unknown session keys and ids.
var ErrNotFound = errors.New("session not found")

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole normalizes a role string from a session file header.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(s)) {
	case RoleUser, RoleAssistant, RoleSystem:
		return Role(strings.ToLower(s)), nil
	default:
		return "", fmt.Errorf("unknown message role %q", s)
	}
}

// Heading returns the capitalized form used in file message headers.
func (r Role) Heading() string {
	if r == "" {
		return ""
	}
	return strings.ToUpper(string(r[:1])) + string(r[1:])
}

// Message is one conversation entry. Ordering within a session is
// insertion order.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Scope discriminates sessions of the same agent: a client-supplied
// session id for conversational agents, or a target document path for
// document-bound agents. Both empty means the default session.
type Scope struct {
	// SessionID is the client-supplied conversation identifier.
	SessionID string `json:"sessionId,omitempty"`

	// DocumentPath is the target document of a document-bound agent.
	DocumentPath string `json:"documentPath,omitempty"`
}

// Discriminator returns the scope's contribution to the session key.
func (s Scope) Discriminator() string {
	switch {
	case s.SessionID != "":
		return s.SessionID
	case s.DocumentPath != "":
		return s.DocumentPath
	default:
		return "default"
	}
}

// KeyFor builds the session key for an agent path and scope.
func KeyFor(agentPath string, scope Scope) string {
	return agentPath + "::" + scope.Discriminator()
}

// Session is one persistent conversation. The stable ID is minted by
// the server and never changes; the Key is derived from the agent path
// and scope.
type Session struct {
	// ID is the server-minted stable identifier.
	ID string `json:"id"`

	// Key is `<agent-path>::<discriminator>`.
	Key string `json:"key"`

	// AgentPath is the vault-relative agent document.
	AgentPath string `json:"agentPath"`

	// AgentName is the display name recorded at creation.
	AgentName string `json:"agentName"`

	// Title is an optional human-readable title, possibly synthesized.
	Title string `json:"title,omitempty"`

	// Messages is the ordered conversation history.
	Messages []Message `json:"messages"`

	// UpstreamHandle is the opaque id the LLM client assigned to this
	// conversation. Empty means absent; see ValidHandle.
	UpstreamHandle string `json:"upstreamHandle,omitempty"`

	// Context carries the scope that created the session, for clients.
	Context map[string]interface{} `json:"context,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	LastAccessed time.Time `json:"lastAccessed"`

	// Archived hides the session from default listings; the file is
	// retained.
	Archived bool `json:"archived"`

	// FilePath is the vault-relative session file.
	FilePath string `json:"filePath"`
}

// objectPrefix is the tell-tale of a stringified object written into
// front matter by an earlier client defect. Anything carrying it is
// corrupt.
const objectPrefix = "[object"

// ValidHandle normalizes a candidate upstream handle. Only a non-empty
// string that does not begin with "[object" survives; anything else
// (nil, numbers, maps, corrupted strings) normalizes to absent. The
// check runs on both read and write so corruption never propagates.
func ValidHandle(candidate interface{}) string {
	s, ok := candidate.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, objectPrefix) {
		return ""
	}
	return s
}

// clone returns a deep-enough copy safe to hand outside the store lock.
func (s *Session) clone() *Session {
	cp := *s
	cp.Messages = make([]Message, len(s.Messages))
	copy(cp.Messages, s.Messages)
	if s.Context != nil {
		cp.Context = make(map[string]interface{}, len(s.Context))
		for k, v := range s.Context {
			cp.Context[k] = v
		}
	}
	return &cp
}
