package session

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionWithMessages(pairs int) *Session {
	s := &Session{ID: "id", Key: "agents/helper.md::s1", AgentPath: "agents/helper.md"}
	base := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < pairs; i++ {
		s.Messages = append(s.Messages,
			Message{Role: RoleUser, Content: "question", Timestamp: base},
			Message{Role: RoleAssistant, Content: "answer", Timestamp: base.Add(time.Second)},
		)
	}
	return s
}

func TestBuildTurn_Fresh(t *testing.T) {
	b := NewContextBuilder(0, nil)

	turn, info := b.BuildTurn(&Session{}, "Hello", SourceNew)
	assert.Equal(t, "Hello", turn.Prompt)
	assert.Empty(t, turn.Resume)
	assert.Equal(t, MethodNew, info.Method)
	assert.Equal(t, 0, info.PreviousMessageCount)
	assert.Equal(t, "new", info.Source)
}

func TestBuildTurn_UpstreamResume(t *testing.T) {
	b := NewContextBuilder(0, nil)
	sess := sessionWithMessages(1)
	sess.UpstreamHandle = "sdk-77"

	turn, info := b.BuildTurn(sess, "Next question", SourceCache)
	assert.Equal(t, "Next question", turn.Prompt, "resume sends the message unmodified")
	assert.Equal(t, "sdk-77", turn.Resume)
	assert.Equal(t, MethodSDKResume, info.Method)
	assert.Equal(t, 2, info.PreviousMessageCount)
}

func TestBuildTurn_CorruptHandleFallsBackToInjection(t *testing.T) {
	b := NewContextBuilder(0, nil)
	sess := sessionWithMessages(2)
	sess.UpstreamHandle = "[object Object]"

	turn, info := b.BuildTurn(sess, "Again", SourceDisk)
	assert.Equal(t, MethodContextInjection, info.Method)
	assert.Equal(t, 4, info.MessagesInjected)
	assert.True(t, strings.HasPrefix(turn.Prompt, "## Previous Conversation"))
	assert.Contains(t, turn.Prompt, "## Current Message\n\nAgain")
}

func TestBuildTurn_InjectionSkipsSystemMessages(t *testing.T) {
	b := NewContextBuilder(0, nil)
	sess := sessionWithMessages(1)
	sess.Messages = append(sess.Messages, Message{Role: RoleSystem, Content: "error marker", Timestamp: time.Now()})

	turn, info := b.BuildTurn(sess, "More", SourceCache)
	assert.Equal(t, 2, info.MessagesInjected)
	assert.NotContains(t, turn.Prompt, "error marker")
}

func TestBuildTurn_TruncationMarker(t *testing.T) {
	// Each message is ~100 chars, roughly 25 tokens; a 60-token budget
	// keeps the two newest and omits the rest.
	b := NewContextBuilder(60, HeuristicEstimator{})
	sess := &Session{}
	for i := 0; i < 6; i++ {
		sess.Messages = append(sess.Messages, Message{
			Role:    RoleUser,
			Content: strings.Repeat("x", 100),
		})
	}

	turn, info := b.BuildTurn(sess, "Now", SourceCache)
	require.Equal(t, MethodContextInjection, info.Method)
	assert.Equal(t, 2, info.MessagesInjected)
	assert.Contains(t, turn.Prompt, "[4 earlier messages omitted for context limits]")
	assert.LessOrEqual(t, info.TokenEstimate, 60)
}

func TestBuildTurn_OrderIsOldestFirst(t *testing.T) {
	b := NewContextBuilder(0, nil)
	sess := &Session{Messages: []Message{
		{Role: RoleUser, Content: "first"},
		{Role: RoleAssistant, Content: "second"},
	}}

	turn, _ := b.BuildTurn(sess, "third", SourceCache)
	assert.Less(t, strings.Index(turn.Prompt, "first"), strings.Index(turn.Prompt, "second"))
}

func TestHeuristicEstimator(t *testing.T) {
	assert.Equal(t, 25, HeuristicEstimator{}.EstimateTokens(strings.Repeat("a", 100)))
}
