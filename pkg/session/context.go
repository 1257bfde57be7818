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
	"fmt"
	"log/slog"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// Resume methods reported to clients.
const (
	MethodNew              = "new"
	MethodSDKResume        = "sdk_resume"
	MethodContextInjection = "context_injection"
)

// Turn is what actually goes to the upstream client for one message:
// the (possibly rewritten) prompt and an optional resume handle.
type Turn struct {
	Prompt string
	Resume string
}

// ResumeInfo is the diagnostic record of how a turn's context was
// reconstructed. It surfaces in responses as `sessionResume`.
type ResumeInfo struct {
	Method               string `json:"method"`
	MessagesInjected     int    `json:"messagesInjected,omitempty"`
	TokenEstimate        int    `json:"tokenEstimate,omitempty"`
	PreviousMessageCount int    `json:"previousMessageCount"`
	Source               string `json:"source"`
}

// Estimator approximates token counts for budget decisions.
type Estimator interface {
	EstimateTokens(text string) int
}

// HeuristicEstimator assumes roughly 4 characters per token. It is the
// default; exactness does not matter for a truncation budget.
type HeuristicEstimator struct{}

// EstimateTokens implements Estimator.
func (HeuristicEstimator) EstimateTokens(text string) int {
	return len(text) / 4
}

// TiktokenEstimator counts tokens with a real BPE encoding.
type TiktokenEstimator struct {
	encoding *tiktoken.Tiktoken
}

// NewTiktokenEstimator loads the named encoding (e.g. cl100k_base).
func NewTiktokenEstimator(encoding string) (*TiktokenEstimator, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding %s: %w", encoding, err)
	}
	return &TiktokenEstimator{encoding: enc}, nil
}

// EstimateTokens implements Estimator.
func (e *TiktokenEstimator) EstimateTokens(text string) int {
	return len(e.encoding.Encode(text, nil, nil))
}

// NewEstimator builds the configured estimator, falling back to the
// heuristic when a tiktoken encoding cannot load.
func NewEstimator(kind, encoding string) Estimator {
	if kind == "tiktoken" {
		est, err := NewTiktokenEstimator(encoding)
		if err == nil {
			return est
		}
		slog.Warn("Falling back to heuristic token estimator", "encoding", encoding, "error", err)
	}
	return HeuristicEstimator{}
}

// ContextBuilder decides, per turn, whether to resume the upstream
// conversation, inject stored history into the prompt, or start fresh.
type ContextBuilder struct {
	budget    int
	estimator Estimator
}

// NewContextBuilder creates a ContextBuilder. A zero budget defaults to
// 50000 tokens; a nil estimator defaults to the heuristic.
func NewContextBuilder(budget int, estimator Estimator) *ContextBuilder {
	if budget <= 0 {
		budget = 50000
	}
	if estimator == nil {
		estimator = HeuristicEstimator{}
	}
	return &ContextBuilder{budget: budget, estimator: estimator}
}

// BuildTurn chooses the execution mode for one user message:
//
//  1. A valid upstream handle resumes the upstream conversation and the
//     message passes through unchanged.
//  2. No handle but prior history composes a prompt prefix from the most
//     recent messages under the token budget.
//  3. Neither sends the message as-is.
func (b *ContextBuilder) BuildTurn(sess *Session, userMessage string, source Source) (Turn, ResumeInfo) {
	info := ResumeInfo{
		PreviousMessageCount: len(sess.Messages),
		Source:               string(source),
	}

	if handle := ValidHandle(sess.UpstreamHandle); handle != "" {
		info.Method = MethodSDKResume
		return Turn{Prompt: userMessage, Resume: handle}, info
	}

	if len(sess.Messages) == 0 {
		info.Method = MethodNew
		return Turn{Prompt: userMessage}, info
	}

	prompt, injected, tokens := b.injectHistory(sess.Messages, userMessage)
	info.Method = MethodContextInjection
	info.MessagesInjected = injected
	info.TokenEstimate = tokens
	return Turn{Prompt: prompt}, info
}

// injectHistory walks messages newest-first, skipping system entries,
// and accumulates until the budget would be exceeded. The composed
// prompt replays the kept messages oldest-first under a Previous
// Conversation heading.
func (b *ContextBuilder) injectHistory(messages []Message, userMessage string) (prompt string, injected, tokens int) {
	eligible := 0
	for _, m := range messages {
		if m.Role != RoleSystem {
			eligible++
		}
	}

	var kept []Message
	for i := len(messages) - 1; i >= 0; i-- {
		m := messages[i]
		if m.Role == RoleSystem {
			continue
		}
		cost := b.estimator.EstimateTokens(m.Content)
		if tokens+cost > b.budget && len(kept) > 0 {
			break
		}
		tokens += cost
		kept = append(kept, m)
	}

	// kept is newest-first; replay oldest-first.
	var history strings.Builder
	if omitted := eligible - len(kept); omitted > 0 {
		fmt.Fprintf(&history, "[%d earlier messages omitted for context limits]\n\n", omitted)
	}
	for i := len(kept) - 1; i >= 0; i-- {
		m := kept[i]
		fmt.Fprintf(&history, "**%s**: %s\n\n", m.Role.Heading(), m.Content)
	}

	prompt = fmt.Sprintf("## Previous Conversation\n\n%s\n\n---\n\n## Current Message\n\n%s",
		strings.TrimRight(history.String(), "\n"), userMessage)
	return prompt, len(kept), tokens
}
