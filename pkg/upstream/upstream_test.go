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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	r, err := NewRunner(dir)
	require.NoError(t, err)
	return r, dir
}

// ============================================================================
// Tool runner
// ============================================================================

func TestRunner_WriteAndRead(t *testing.T) {
	r, dir := newTestRunner(t)

	out, isErr := r.Run(context.Background(), ToolNameWrite, map[string]interface{}{
		"file_path": "notes/hello.md",
		"content":   "# Hello\n",
	})
	require.False(t, isErr, out)

	data, err := os.ReadFile(filepath.Join(dir, "notes", "hello.md"))
	require.NoError(t, err)
	assert.Equal(t, "# Hello\n", string(data))

	out, isErr = r.Run(context.Background(), ToolNameRead, map[string]interface{}{
		"file_path": "notes/hello.md",
	})
	require.False(t, isErr)
	assert.Equal(t, "# Hello\n", out)
}

func TestRunner_Edit(t *testing.T) {
	r, dir := newTestRunner(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.md"), []byte("alpha beta gamma"), 0644))

	out, isErr := r.Run(context.Background(), ToolNameEdit, map[string]interface{}{
		"file_path":  "doc.md",
		"old_string": "beta",
		"new_string": "BETA",
	})
	require.False(t, isErr, out)

	data, err := os.ReadFile(filepath.Join(dir, "doc.md"))
	require.NoError(t, err)
	assert.Equal(t, "alpha BETA gamma", string(data))
}

func TestRunner_EditRejectsAmbiguousMatch(t *testing.T) {
	r, dir := newTestRunner(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.md"), []byte("x x"), 0644))

	out, isErr := r.Run(context.Background(), ToolNameEdit, map[string]interface{}{
		"file_path":  "doc.md",
		"old_string": "x",
		"new_string": "y",
	})
	assert.True(t, isErr)
	assert.Contains(t, out, "more than once")
}

func TestRunner_RejectsPathEscape(t *testing.T) {
	r, _ := newTestRunner(t)

	out, isErr := r.Run(context.Background(), ToolNameWrite, map[string]interface{}{
		"file_path": "../outside.md",
		"content":   "nope",
	})
	assert.True(t, isErr)
	assert.Contains(t, out, "outside.md")
}

func TestRunner_ShellExec(t *testing.T) {
	r, dir := newTestRunner(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hi"), 0644))

	out, isErr := r.Run(context.Background(), ToolNameShellExec, map[string]interface{}{
		"command": "ls",
	})
	require.False(t, isErr, out)
	assert.Contains(t, out, "a.txt")
}

func TestRunner_ShellExecReportsFailure(t *testing.T) {
	r, _ := newTestRunner(t)

	out, isErr := r.Run(context.Background(), ToolNameShellExec, map[string]interface{}{
		"command": "exit 3",
	})
	assert.True(t, isErr)
	assert.Contains(t, out, "command failed")
}

func TestRunner_UnknownTool(t *testing.T) {
	r, _ := newTestRunner(t)

	out, isErr := r.Run(context.Background(), "teleport", nil)
	assert.True(t, isErr)
	assert.Contains(t, out, "unknown tool")
}

func TestToolDefs_FiltersUnknownNames(t *testing.T) {
	defs := ToolDefs([]string{ToolNameRead, "bogus", ToolNameWrite})
	require.Len(t, defs, 2)
	assert.Equal(t, ToolNameRead, defs[0].Name)
	assert.Equal(t, ToolNameWrite, defs[1].Name)

	assert.Len(t, ToolDefs(nil), len(DefaultTools))
}

// ============================================================================
// Fake client
// ============================================================================

func collect(t *testing.T, c Client, prompt string, opts Options) ([]Event, error) {
	t.Helper()
	var events []Event
	for ev, err := range c.Query(context.Background(), prompt, opts) {
		if err != nil {
			return events, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func TestFake_EmitsCumulativeText(t *testing.T) {
	fake := NewFake(FakeTurn{Chunks: []string{"Hel", "lo ", "world"}})

	events, err := collect(t, fake, "hi", Options{Model: "m1"})
	require.NoError(t, err)
	require.Len(t, events, 5)

	require.NotNil(t, events[0].Init)
	assert.NotEmpty(t, events[0].Init.SessionID)
	assert.Equal(t, "m1", events[0].Init.Model)

	assert.Equal(t, "Hel", events[1].Text.Text)
	assert.Equal(t, "Hello ", events[2].Text.Text)
	assert.Equal(t, "Hello world", events[3].Text.Text)
	assert.Equal(t, events[1].Text.MessageID, events[3].Text.MessageID)

	require.NotNil(t, events[4].Result)
	assert.Equal(t, "Hello world", events[4].Result.Text)
	assert.Equal(t, events[0].Init.SessionID, events[4].Result.SessionID)
}

func TestFake_RejectsUnknownResume(t *testing.T) {
	fake := NewFake()

	events, err := collect(t, fake, "hi", Options{Resume: "ghost"})
	require.ErrorIs(t, err, ErrSessionNotFound)
	assert.Empty(t, events, "no event may precede a resume rejection")
}

func TestFake_ResumesMintedSession(t *testing.T) {
	fake := NewFake(FakeTurn{Chunks: []string{"first"}}, FakeTurn{Chunks: []string{"second"}})

	events, err := collect(t, fake, "one", Options{})
	require.NoError(t, err)
	sessionID := events[0].Init.SessionID

	events, err = collect(t, fake, "two", Options{Resume: sessionID})
	require.NoError(t, err)
	assert.Equal(t, sessionID, events[0].Init.SessionID)

	calls := fake.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "one", calls[0].Prompt)
	assert.Equal(t, sessionID, calls[1].Options.Resume)
}

func TestFake_RoutesToolCallsThroughApproval(t *testing.T) {
	fake := NewFake(FakeTurn{
		Chunks: []string{"working"},
		ToolCalls: []FakeToolCall{
			{ID: "tu-1", Name: ToolNameWrite, Input: map[string]interface{}{"file_path": "a.md"}},
			{ID: "tu-2", Name: ToolNameShellExec, Input: map[string]interface{}{"command": "rm -rf /"}},
		},
	})

	approve := func(ctx context.Context, tool string, input map[string]interface{}, meta ApprovalMeta) Decision {
		if tool == ToolNameShellExec {
			return Deny("not allowed")
		}
		return Allow(input)
	}

	events, err := collect(t, fake, "go", Options{ApproveTool: approve})
	require.NoError(t, err)

	var toolUses []*ToolUseEvent
	for _, ev := range events {
		if ev.ToolUse != nil {
			toolUses = append(toolUses, ev.ToolUse)
		}
	}
	require.Len(t, toolUses, 1, "denied calls must not surface as tool use events")
	assert.Equal(t, "tu-1", toolUses[0].ID)

	decisions := fake.Decisions()
	require.Len(t, decisions, 2)
	assert.Equal(t, BehaviorAllow, decisions[0].Decision.Behavior)
	assert.Equal(t, BehaviorDeny, decisions[1].Decision.Behavior)
}

func TestFake_ScriptedError(t *testing.T) {
	boom := errors.New("boom")
	fake := NewFake(FakeTurn{Chunks: []string{"partial"}, Err: boom})

	events, err := collect(t, fake, "x", Options{})
	require.ErrorIs(t, err, boom)
	// Init plus one text event arrived before the failure.
	assert.Len(t, events, 2)
}
