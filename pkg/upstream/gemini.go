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
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GeminiConfig configures the Gemini adapter.
type GeminiConfig struct {
	// APIKey is the Google AI API key.
	APIKey string

	// Model is the default model when Options.Model is empty.
	Model string

	// MaxTokens caps output tokens per turn when Options.MaxTokens is
	// zero.
	MaxTokens int
}

// GeminiClient implements Client on google.golang.org/genai with the
// same tool loop shape as the Anthropic adapter. Conversations are
// kept in memory per minted session id.
type GeminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int

	mu            sync.Mutex
	conversations map[string][]*genai.Content
}

// NewGemini builds a Gemini-backed client.
func NewGemini(cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = defaultGeminiModel
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &GeminiClient{
		client:        client,
		model:         cfg.Model,
		maxTokens:     cfg.MaxTokens,
		conversations: make(map[string][]*genai.Content),
	}, nil
}

// Query runs one user turn, streaming text and looping through
// function calls until the model answers without requesting a tool.
func (c *GeminiClient) Query(ctx context.Context, prompt string, opts Options) iter.Seq2[Event, error] {
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

		config := c.buildConfig(opts, defs)
		start := time.Now()
		contents := append(history, &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		})
		var (
			usage     Usage
			finalText string
		)

		for turn := 0; turn < maxToolTurns; turn++ {
			reply, err := c.streamTurn(ctx, model, contents, config, &usage, yield)
			if err != nil {
				yield(Event{}, fmt.Errorf("gemini generate: %w", err))
				return
			}
			if reply == nil {
				return
			}
			finalText = reply.text
			contents = append(contents, reply.content())

			if len(reply.calls) == 0 {
				break
			}

			responses := make([]*genai.Part, 0, len(reply.calls))
			for _, call := range reply.calls {
				content, isErr, approved := c.resolveCall(ctx, runner, call, opts.ApproveTool)
				if approved {
					if !yield(Event{ToolUse: &ToolUseEvent{ID: call.id, Name: call.name, Input: call.input}}, nil) {
						return
					}
				}
				resp := map[string]interface{}{"result": content}
				if isErr {
					resp = map[string]interface{}{"error": content}
				}
				responses = append(responses, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{
						ID:       call.id,
						Name:     call.name,
						Response: resp,
					},
				})
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: responses})
		}

		c.storeConversation(sessionID, contents)

		yield(Event{Result: &ResultEvent{
			SessionID:  sessionID,
			Text:       finalText,
			DurationMS: time.Since(start).Milliseconds(),
			Usage:      usage,
		}}, nil)
	}
}

func (c *GeminiClient) takeConversation(resume string) (string, []*genai.Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if resume == "" {
		return uuid.NewString(), nil, nil
	}
	history, ok := c.conversations[resume]
	if !ok {
		return "", nil, fmt.Errorf("%w: %s", ErrSessionNotFound, resume)
	}
	return resume, append([]*genai.Content(nil), history...), nil
}

func (c *GeminiClient) storeConversation(sessionID string, contents []*genai.Content) {
	c.mu.Lock()
	c.conversations[sessionID] = contents
	c.mu.Unlock()
}

func (c *GeminiClient) buildConfig(opts Options, defs []ToolDef) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if opts.SystemPrompt != "" {
		// System instruction uses the user role per the genai API.
		config.SystemInstruction = &genai.Content{
			Role:  "user",
			Parts: []*genai.Part{{Text: opts.SystemPrompt}},
		}
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}
	for _, def := range defs {
		config.Tools = append(config.Tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  toGenaiSchema(def.Schema),
			}},
		})
	}
	return config
}

// geminiReply collects one streamed model turn.
type geminiReply struct {
	messageID string
	text      string
	calls     []toolCall
}

func (r *geminiReply) content() *genai.Content {
	parts := make([]*genai.Part, 0, 1+len(r.calls))
	if r.text != "" {
		parts = append(parts, &genai.Part{Text: r.text})
	}
	for _, call := range r.calls {
		parts = append(parts, &genai.Part{
			FunctionCall: &genai.FunctionCall{ID: call.id, Name: call.name, Args: call.input},
		})
	}
	return &genai.Content{Role: "model", Parts: parts}
}

// streamTurn consumes one GenerateContentStream call, emitting
// cumulative TextEvents. A nil reply with nil error means the consumer
// stopped the iterator.
func (c *GeminiClient) streamTurn(
	ctx context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
	usage *Usage,
	yield func(Event, error) bool,
) (*geminiReply, error) {
	reply := &geminiReply{messageID: uuid.NewString()}
	var (
		text strings.Builder
		seen = make(map[string]bool)
	)

	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return nil, err
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens += int(resp.UsageMetadata.CandidatesTokenCount)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" && !part.Thought {
				text.WriteString(part.Text)
				if !yield(Event{Text: &TextEvent{MessageID: reply.messageID, Text: text.String()}}, nil) {
					return nil, nil
				}
			}
			if fc := part.FunctionCall; fc != nil {
				id := fc.ID
				if id == "" {
					id = uuid.NewString()
				}
				// Gemini may repeat a call across chunks.
				if seen[id] {
					continue
				}
				seen[id] = true
				reply.calls = append(reply.calls, toolCall{id: id, name: fc.Name, input: fc.Args})
			}
		}
	}
	reply.text = text.String()
	return reply, nil
}

func (c *GeminiClient) resolveCall(ctx context.Context, runner *Runner, call toolCall, approve ApprovalFunc) (content string, isErr, approved bool) {
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

// toGenaiSchema converts a JSON schema map to the genai schema type.
func toGenaiSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(t)
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		s.Items = toGenaiSchema(items)
	}
	return s
}
