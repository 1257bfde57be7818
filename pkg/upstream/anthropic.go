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
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"sync"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 8192

	// maxToolTurns bounds the tool loop for a single query so a model
	// that keeps requesting tools cannot run forever.
	maxToolTurns = 16
)

// AnthropicConfig configures the Anthropic adapter.
type AnthropicConfig struct {
	// APIKey authenticates against the Anthropic API.
	APIKey string

	// Model is the default model when Options.Model is empty.
	Model string

	// MaxTokens is the default per-turn cap when Options.MaxTokens is
	// zero.
	MaxTokens int
}

// AnthropicClient implements Client on the official Anthropic SDK. It
// keeps an in-memory conversation per minted session id so Resume
// re-attaches without the caller resending history.
type AnthropicClient struct {
	msg       *sdk.MessageService
	model     string
	maxTokens int

	mu            sync.Mutex
	conversations map[string][]sdk.MessageParam
}

// NewAnthropic builds an Anthropic-backed client.
func NewAnthropic(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultAnthropicModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultAnthropicMaxTokens
	}
	ac := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return &AnthropicClient{
		msg:           &ac.Messages,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		conversations: make(map[string][]sdk.MessageParam),
	}, nil
}

// Query runs one user turn, streaming text as it arrives and looping
// through tool use until the model stops.
func (c *AnthropicClient) Query(ctx context.Context, prompt string, opts Options) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		sessionID, history, err := c.takeConversation(opts.Resume)
		if err != nil {
			yield(Event{}, err)
			return
		}

		model := opts.Model
		if model == "" {
			model = c.model
		}
		maxTokens := opts.MaxTokens
		if maxTokens <= 0 {
			maxTokens = c.maxTokens
		}

		defs := ToolDefs(opts.AllowedTools)
		toolNames := make([]string, 0, len(defs))
		for _, d := range defs {
			toolNames = append(toolNames, d.Name)
		}

		var runner *Runner
		if opts.WorkDir != "" {
			runner, err = NewRunner(opts.WorkDir)
			if err != nil {
				yield(Event{}, err)
				return
			}
		}

		if !yield(Event{Init: &InitEvent{SessionID: sessionID, Model: model, Tools: toolNames}}, nil) {
			return
		}

		start := time.Now()
		messages := append(history, sdk.NewUserMessage(sdk.NewTextBlock(prompt)))
		var (
			usage     Usage
			finalText string
		)

		for turn := 0; turn < maxToolTurns; turn++ {
			params := sdk.MessageNewParams{
				Model:     sdk.Model(model),
				MaxTokens: int64(maxTokens),
				Messages:  messages,
			}
			if opts.SystemPrompt != "" {
				params.System = []sdk.TextBlockParam{{Text: opts.SystemPrompt}}
			}
			if tools := encodeToolDefs(defs); len(tools) > 0 {
				params.Tools = tools
			}

			assistant, stop, err := c.streamTurn(ctx, params, &usage, yield)
			if err != nil {
				yield(Event{}, fmt.Errorf("anthropic messages: %w", err))
				return
			}
			if assistant == nil {
				// Consumer abandoned the iterator mid-stream.
				return
			}
			finalText = assistant.text
			messages = append(messages, assistant.param())

			if stop != "tool_use" || len(assistant.toolCalls) == 0 {
				break
			}

			results := make([]sdk.ContentBlockParamUnion, 0, len(assistant.toolCalls))
			for _, call := range assistant.toolCalls {
				content, isErr, approved := c.resolveToolCall(ctx, runner, call, opts.ApproveTool)
				if approved {
					if !yield(Event{ToolUse: &ToolUseEvent{ID: call.id, Name: call.name, Input: call.input}}, nil) {
						return
					}
				}
				results = append(results, sdk.NewToolResultBlock(call.id, content, isErr))
			}
			messages = append(messages, sdk.NewUserMessage(results...))
		}

		c.storeConversation(sessionID, messages)

		yield(Event{Result: &ResultEvent{
			SessionID:  sessionID,
			Text:       finalText,
			DurationMS: time.Since(start).Milliseconds(),
			Usage:      usage,
		}}, nil)
	}
}

// takeConversation resolves the resume handle to its stored history, or
// mints a fresh session id. Unknown handles fail before any event.
func (c *AnthropicClient) takeConversation(resume string) (string, []sdk.MessageParam, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resume == "" {
		return uuid.NewString(), nil, nil
	}
	history, ok := c.conversations[resume]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrSessionNotFound, resume)
	}
	return resume, append([]sdk.MessageParam(nil), history...), nil
}

func (c *AnthropicClient) storeConversation(sessionID string, messages []sdk.MessageParam) {
	c.mu.Lock()
	c.conversations[sessionID] = messages
	c.mu.Unlock()
}

// assistantTurn collects one streamed assistant message.
type assistantTurn struct {
	messageID string
	text      string
	toolCalls []toolCall
}

type toolCall struct {
	id    string
	name  string
	input map[string]interface{}
}

// param re-encodes the turn for the next request's history.
func (a *assistantTurn) param() sdk.MessageParam {
	blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(a.toolCalls))
	if a.text != "" {
		blocks = append(blocks, sdk.NewTextBlock(a.text))
	}
	for _, call := range a.toolCalls {
		blocks = append(blocks, sdk.NewToolUseBlock(call.id, call.input, call.name))
	}
	return sdk.NewAssistantMessage(blocks...)
}

// streamTurn runs one Messages.NewStreaming call, emitting cumulative
// TextEvents as deltas arrive. A nil turn with nil error means the
// consumer stopped the iterator.
func (c *AnthropicClient) streamTurn(
	ctx context.Context,
	params sdk.MessageNewParams,
	usage *Usage,
	yield func(Event, error) bool,
) (*assistantTurn, string, error) {
	stream := c.msg.NewStreaming(ctx, params)
	defer stream.Close()

	turn := &assistantTurn{}
	var (
		text       strings.Builder
		stopReason string
		buffers    = make(map[int]*toolCallBuffer)
	)

	for stream.Next() {
		event := stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			turn.messageID = ev.Message.ID
			usage.InputTokens += int(ev.Message.Usage.InputTokens)

		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				buffers[int(ev.Index)] = &toolCallBuffer{id: tu.ID, name: tu.Name}
			}

		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				text.WriteString(delta.Text)
				if !yield(Event{Text: &TextEvent{MessageID: turn.messageID, Text: text.String()}}, nil) {
					return nil, "", nil
				}
			case sdk.InputJSONDelta:
				if buf := buffers[int(ev.Index)]; buf != nil {
					buf.fragments = append(buf.fragments, delta.PartialJSON)
				}
			}

		case sdk.ContentBlockStopEvent:
			if buf := buffers[int(ev.Index)]; buf != nil {
				delete(buffers, int(ev.Index))
				turn.toolCalls = append(turn.toolCalls, toolCall{
					id:    buf.id,
					name:  buf.name,
					input: buf.decode(),
				})
			}

		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage.OutputTokens += int(ev.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, "", err
	}
	turn.text = text.String()
	return turn, stopReason, nil
}

// resolveToolCall gates the call through the approval callback and runs
// it. It returns the tool result content for the model and whether the
// call was approved.
func (c *AnthropicClient) resolveToolCall(ctx context.Context, runner *Runner, call toolCall, approve ApprovalFunc) (content string, isErr, approved bool) {
	input := call.input
	if approve != nil {
		decision := approve(ctx, call.name, input, ApprovalMeta{ToolUseID: call.id})
		if decision.Behavior == BehaviorDeny {
			msg := decision.Message
			if msg == "" {
				msg = "permission denied"
			}
			return msg, true, false
		}
		if decision.UpdatedInput != nil {
			input = decision.UpdatedInput
		}
	}
	if runner == nil {
		return "tool execution is not available in this session", true, true
	}
	content, isErr = runner.Run(ctx, call.name, input)
	return content, isErr, true
}

type toolCallBuffer struct {
	id        string
	name      string
	fragments []string
}

func (b *toolCallBuffer) decode() map[string]interface{} {
	joined := strings.TrimSpace(strings.Join(b.fragments, ""))
	if joined == "" {
		return map[string]interface{}{}
	}
	var input map[string]interface{}
	if err := json.Unmarshal([]byte(joined), &input); err != nil {
		return map[string]interface{}{}
	}
	return input
}

func encodeToolDefs(defs []ToolDef) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.Schema}, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}
