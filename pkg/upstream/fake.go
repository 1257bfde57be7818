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

package upstream

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FakeToolCall is one scripted tool invocation. The fake routes it
// through Options.ApproveTool like a real adapter would.
type FakeToolCall struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// FakeTurn scripts one Query call.
type FakeTurn struct {
	// SessionID overrides the minted handle. Empty mints a fresh one
	// (or keeps the resumed one).
	SessionID string

	// Chunks are text deltas; the fake emits cumulative TextEvents the
	// way real adapters do.
	Chunks []string

	// ToolCalls are gated through the approval callback before the
	// result event.
	ToolCalls []FakeToolCall

	// Text is the final result text. Empty defaults to the joined
	// chunks.
	Text string

	// Err, when set, ends the stream with this error after the text
	// events.
	Err error
}

// FakeCall records one Query invocation.
type FakeCall struct {
	Prompt  string
	Options Options
}

// FakeDecision records the approval outcome for one scripted tool call.
type FakeDecision struct {
	ToolUseID string
	Tool      string
	Decision  Decision
}

// FakeClient is a scripted Client for tests. Each Query consumes the
// next scripted turn; with no script left it echoes the prompt. Resume
// handles are accepted only if the fake minted them (or they were
// seeded with AllowResume), so resume-rejection paths are testable.
type FakeClient struct {
	mu        sync.Mutex
	turns     []FakeTurn
	calls     []FakeCall
	decisions []FakeDecision
	known     map[string]bool
}

// NewFake builds a fake that plays the given turns in order.
func NewFake(turns ...FakeTurn) *FakeClient {
	return &FakeClient{turns: turns, known: make(map[string]bool)}
}

// AllowResume marks a handle as resumable without the fake having
// minted it.
func (f *FakeClient) AllowResume(sessionID string) {
	f.mu.Lock()
	f.known[sessionID] = true
	f.mu.Unlock()
}

// Calls returns every Query invocation recorded so far.
func (f *FakeClient) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeCall(nil), f.calls...)
}

// Decisions returns the approval outcomes recorded for scripted tool
// calls.
func (f *FakeClient) Decisions() []FakeDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]FakeDecision(nil), f.decisions...)
}

// Query implements Client.
func (f *FakeClient) Query(ctx context.Context, prompt string, opts Options) iter.Seq2[Event, error] {
	f.mu.Lock()
	f.calls = append(f.calls, FakeCall{Prompt: prompt, Options: opts})
	var turn FakeTurn
	if len(f.turns) > 0 {
		turn = f.turns[0]
		f.turns = f.turns[1:]
	} else {
		turn = FakeTurn{Chunks: []string{prompt}}
	}
	resumeOK := opts.Resume == "" || f.known[opts.Resume]
	f.mu.Unlock()

	return func(yield func(Event, error) bool) {
		if !resumeOK {
			yield(Event{}, fmt.Errorf("%w: %s", ErrSessionNotFound, opts.Resume))
			return
		}

		sessionID := turn.SessionID
		if sessionID == "" {
			sessionID = opts.Resume
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		f.mu.Lock()
		f.known[sessionID] = true
		f.mu.Unlock()

		if !yield(Event{Init: &InitEvent{SessionID: sessionID, Model: opts.Model, Tools: opts.AllowedTools}}, nil) {
			return
		}

		messageID := uuid.NewString()
		var text strings.Builder
		for _, chunk := range turn.Chunks {
			text.WriteString(chunk)
			if !yield(Event{Text: &TextEvent{MessageID: messageID, Text: text.String()}}, nil) {
				return
			}
		}

		for _, call := range turn.ToolCalls {
			decision := Allow(call.Input)
			if opts.ApproveTool != nil {
				decision = opts.ApproveTool(ctx, call.Name, call.Input, ApprovalMeta{ToolUseID: call.ID})
			}
			f.mu.Lock()
			f.decisions = append(f.decisions, FakeDecision{ToolUseID: call.ID, Tool: call.Name, Decision: decision})
			f.mu.Unlock()
			if decision.Behavior != BehaviorAllow {
				continue
			}
			input := call.Input
			if decision.UpdatedInput != nil {
				input = decision.UpdatedInput
			}
			if !yield(Event{ToolUse: &ToolUseEvent{ID: call.ID, Name: call.Name, Input: input}}, nil) {
				return
			}
		}

		if turn.Err != nil {
			yield(Event{}, turn.Err)
			return
		}

		final := turn.Text
		if final == "" {
			final = text.String()
		}
		yield(Event{Result: &ResultEvent{
			SessionID:  sessionID,
			Text:       final,
			DurationMS: 1,
			Usage:      Usage{InputTokens: len(prompt) / 4, OutputTokens: len(final) / 4},
		}}, nil)
	}
}
