package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession() *Session {
	created := time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)
	return &Session{
		ID:           "11111111-2222-3333-4444-555555555555",
		Key:          "agents/helper.md::s1",
		AgentPath:    "agents/helper.md",
		AgentName:    "Helper",
		CreatedAt:    created,
		LastAccessed: created.Add(5 * time.Minute),
		Context:      map[string]interface{}{"sessionId": "s1"},
		FilePath:     "agent-sessions/Helper/2025-06-01-s1.txt",
		Messages: []Message{
			{Role: RoleUser, Content: "Hello", Timestamp: created},
			{Role: RoleAssistant, Content: "Hi there!\n\nHow can I help?", Timestamp: created.Add(time.Second)},
		},
	}
}

// ============================================================================
// Round trip
// ============================================================================

func TestFormatParse_RoundTrip(t *testing.T) {
	original := testSession()
	original.UpstreamHandle = "sdk-abc-123"
	original.Title = "Greeting: a test"

	parsed, err := Parse(original.FilePath, Format(original))
	require.NoError(t, err)

	assert.Equal(t, original.ID, parsed.ID)
	assert.Equal(t, original.Key, parsed.Key)
	assert.Equal(t, original.AgentPath, parsed.AgentPath)
	assert.Equal(t, original.AgentName, parsed.AgentName)
	assert.Equal(t, original.Title, parsed.Title)
	assert.Equal(t, original.UpstreamHandle, parsed.UpstreamHandle)
	assert.False(t, parsed.Archived)
	assert.Equal(t, "s1", parsed.Context["sessionId"])

	require.Len(t, parsed.Messages, len(original.Messages))
	for i, m := range original.Messages {
		assert.Equal(t, m.Role, parsed.Messages[i].Role)
		assert.Equal(t, m.Content, parsed.Messages[i].Content)
		assert.True(t, m.Timestamp.Equal(parsed.Messages[i].Timestamp))
	}
}

func TestParse_TimestampWithoutFractionalSeconds(t *testing.T) {
	file := `---
session_id: abc
session_key: "agents/helper.md::default"
agent: agents/helper.md
agent_name: Helper
type: chat
created_at: "2025-06-01T09:30:00Z"
last_accessed: "2025-06-01T09:35:00Z"
sdk_session_id: ""
archived: false
---

# Helper Session

## Conversation

### User | 2025-06-01T09:30:00Z

Hello

### Assistant | 2025-06-01T09:30:01.250Z

Hi!

`
	parsed, err := Parse("agent-sessions/Helper/x.txt", []byte(file))
	require.NoError(t, err)
	require.Len(t, parsed.Messages, 2)
	assert.Equal(t, time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC), parsed.Messages[0].Timestamp)
	assert.Equal(t, 250*int(time.Millisecond), parsed.Messages[1].Timestamp.Nanosecond())
}

// ============================================================================
// Upstream handle hygiene
// ============================================================================

func TestValidHandle(t *testing.T) {
	tests := []struct {
		name      string
		candidate interface{}
		want      string
	}{
		{"valid string", "sdk-123", "sdk-123"},
		{"empty string", "", ""},
		{"whitespace", "   ", ""},
		{"stringified object", "[object Object]", ""},
		{"object prefix", "[object Promise]", ""},
		{"not a string", 42, ""},
		{"nil", nil, ""},
		{"map", map[string]interface{}{"id": "x"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ValidHandle(tt.candidate))
		})
	}
}

func TestFormat_InvalidHandleEncodesEmpty(t *testing.T) {
	s := testSession()
	s.UpstreamHandle = "[object Object]"

	data := Format(s)
	assert.Contains(t, string(data), `sdk_session_id: ""`)

	parsed, err := Parse(s.FilePath, data)
	require.NoError(t, err)
	assert.Empty(t, parsed.UpstreamHandle)
}

func TestParse_CorruptHandleNormalizesToAbsent(t *testing.T) {
	s := testSession()
	data := strings.Replace(string(Format(s)), `sdk_session_id: ""`, `sdk_session_id: "[object Object]"`, 1)

	parsed, err := Parse(s.FilePath, []byte(data))
	require.NoError(t, err)
	assert.Empty(t, parsed.UpstreamHandle)
}

// ============================================================================
// Counting
// ============================================================================

func TestCountMessages_MatchesParse(t *testing.T) {
	s := testSession()
	s.Messages = append(s.Messages, Message{Role: RoleSystem, Content: "note", Timestamp: time.Now()})
	data := Format(s)

	parsed, err := Parse(s.FilePath, data)
	require.NoError(t, err)
	assert.Equal(t, len(parsed.Messages), CountMessages(data))
}

func TestParse_RejectsMissingFrontMatter(t *testing.T) {
	_, err := Parse("x.txt", []byte("## Conversation\n"))
	require.Error(t, err)
}
