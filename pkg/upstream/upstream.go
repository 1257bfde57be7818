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

// Package upstream defines the LLM client contract the orchestrator
// runs against: a streaming query that yields typed events and calls
// back into the server for tool approval. Adapters exist for Anthropic
// and Gemini, plus a scripted fake for tests.
package upstream

import (
	"context"
	"errors"
	"iter"
)

// ErrSessionNotFound reports a rejected resume handle. Adapters detect
// it before yielding any event, so the caller can clear the persisted
// handle and rerun the turn via context injection.
var ErrSessionNotFound = errors.New("upstream session not found")

// Behavior is an approval outcome.
type Behavior string

const (
	BehaviorAllow Behavior = "allow"
	BehaviorDeny  Behavior = "deny"
)

// Decision is the approval callback's answer for one tool invocation.
type Decision struct {
	// Behavior allows or denies the invocation.
	Behavior Behavior

	// UpdatedInput optionally replaces the tool input on allow.
	UpdatedInput map[string]interface{}

	// Message explains a denial to the model.
	Message string
}

// Allow is the unconditional-allow decision for the given input.
func Allow(input map[string]interface{}) Decision {
	return Decision{Behavior: BehaviorAllow, UpdatedInput: input}
}

// Deny builds a denial with a user-visible message.
func Deny(message string) Decision {
	return Decision{Behavior: BehaviorDeny, Message: message}
}

// ApprovalMeta identifies one tool invocation to the approval callback.
type ApprovalMeta struct {
	// ToolUseID is the upstream's id for this invocation.
	ToolUseID string
}

// ApprovalFunc decides whether a tool invocation may proceed. It may
// suspend for a long time awaiting an external decision; adapters must
// honor ctx cancellation while it runs.
type ApprovalFunc func(ctx context.Context, tool string, input map[string]interface{}, meta ApprovalMeta) Decision

// Options configure one Query call.
type Options struct {
	// Model identifies the upstream model.
	Model string

	// SystemPrompt is sent once per conversation.
	SystemPrompt string

	// Resume re-attaches to an upstream conversation by handle. Empty
	// starts a new one.
	Resume string

	// AllowedTools whitelists tool names. Nil means the adapter's
	// default set.
	AllowedTools []string

	// Services names external services, passed through opaquely.
	Services []string

	// WorkDir is the vault root tools operate under.
	WorkDir string

	// MaxTokens caps tokens generated per assistant turn. Zero means
	// the adapter default.
	MaxTokens int

	// ApproveTool gates write-class tools. Nil allows everything.
	ApproveTool ApprovalFunc
}

// Event is one element of a Query stream. Exactly one of the pointers
// is set.
type Event struct {
	Init    *InitEvent
	Text    *TextEvent
	ToolUse *ToolUseEvent
	Result  *ResultEvent
}

// InitEvent opens a stream: the upstream accepted the call.
type InitEvent struct {
	// SessionID is the handle minted (or resumed) for this
	// conversation.
	SessionID string
	Model     string
	Tools     []string
}

// TextEvent carries assistant text. Text is the cumulative content of
// the message so far; the same MessageID repeats with a growing prefix
// and consumers diff consecutive events to get the delta.
type TextEvent struct {
	MessageID string
	Text      string
}

// ToolUseEvent reports an approved tool invocation.
type ToolUseEvent struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// Usage is the upstream's token accounting for one call.
type Usage struct {
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
}

// ResultEvent closes a successful stream with the final assistant text.
type ResultEvent struct {
	SessionID  string
	Text       string
	DurationMS int64
	Usage      Usage
}

// Client is the streaming LLM query primitive. The returned sequence is
// lazy and finite: each step may suspend, errors end the sequence, and
// abandoning the iterator tears the call down.
type Client interface {
	Query(ctx context.Context, prompt string, opts Options) iter.Seq2[Event, error]
}
