package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/tokens"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-20250514"
	defaultAnthropicMaxTokens = 8192
	anthropicContextWindow    = 200_000
)

// AnthropicClient implements Client using the official Anthropic SDK.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	counter *tokens.Counter
}

// NewAnthropicClient creates an Anthropic-backed client.
func NewAnthropicClient(apiKey, modelName string) (*AnthropicClient, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic client requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicClient{
		client:  anthropic.NewClient(option.WithAPIKey(key)),
		model:   model,
		counter: tokens.NewCounter(model),
	}, nil
}

func (c *AnthropicClient) ModelID() string {
	return c.model
}

func (c *AnthropicClient) ContextWindow() int {
	return anthropicContextWindow
}

func (c *AnthropicClient) CountTokens(systemPrompt string, turns []chat.Turn) int {
	return c.counter.CountTurns(systemPrompt, turns)
}

func (c *AnthropicClient) StreamExchange(ctx context.Context, req *ExchangeRequest, emit func(RawEvent) error) error {
	params, err := c.buildMessageParams(req)
	if err != nil {
		return err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	if stream == nil {
		return fmt.Errorf("anthropic stream failed: no stream returned")
	}
	defer stream.Close()

	// Tool-use argument JSON arrives in fragments keyed by block index.
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	partials := map[int64]*partialCall{}

	var msg anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return fmt.Errorf("anthropic stream failed: %w", err)
		}

		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			if strings.TrimSpace(variant.ContentBlock.Type) != "tool_use" {
				continue
			}
			callID := strings.TrimSpace(variant.ContentBlock.ID)
			if callID == "" {
				callID = fmt.Sprintf("anthropic_call_%d", len(partials)+1)
			}
			partials[variant.Index] = &partialCall{
				id:   callID,
				name: strings.TrimSpace(variant.ContentBlock.Name),
			}

		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				if err := emit(RawEvent{Kind: RawText, Text: delta.Text}); err != nil {
					return err
				}
			case anthropic.ThinkingDelta:
				if delta.Thinking == "" {
					continue
				}
				if err := emit(RawEvent{Kind: RawThought, Text: delta.Thinking}); err != nil {
					return err
				}
			case anthropic.InputJSONDelta:
				if pc := partials[variant.Index]; pc != nil {
					pc.args.WriteString(delta.PartialJSON)
				}
			}

		case anthropic.ContentBlockStopEvent:
			pc := partials[variant.Index]
			if pc == nil {
				continue
			}
			delete(partials, variant.Index)

			raw := strings.TrimSpace(pc.args.String())
			if raw == "" {
				// Short inputs can land only in the accumulated message.
				idx := int(variant.Index)
				if idx >= 0 && idx < len(msg.Content) {
					if tu, ok := msg.Content[idx].AsAny().(anthropic.ToolUseBlock); ok && len(tu.Input) > 0 {
						raw = strings.TrimSpace(string(tu.Input))
					}
				}
			}
			args := map[string]interface{}{}
			if raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return fmt.Errorf("anthropic tool call %s has malformed arguments: %w", pc.name, err)
				}
			}
			call := &chat.FunctionCall{ID: pc.id, Name: pc.name, Args: args}
			if err := emit(RawEvent{Kind: RawFunctionCall, Call: call}); err != nil {
				return err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream failed: %w", err)
	}

	return emit(RawEvent{Kind: RawFinish, FinishReason: string(msg.StopReason)})
}

func (c *AnthropicClient) GenerateStructured(ctx context.Context, req *StructuredRequest) (json.RawMessage, error) {
	system := req.SystemPrompt
	if system != "" {
		system += "\n\n"
	}
	system += structuredInstruction(req.Schema)

	params, err := c.buildMessageParams(&ExchangeRequest{
		SystemPrompt: system,
		History:      req.Contents,
	})
	if err != nil {
		return nil, err
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic structured request failed: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(tb.Text)
		}
	}
	return extractJSON(text.String())
}

func (c *AnthropicClient) buildMessageParams(req *ExchangeRequest) (anthropic.MessageNewParams, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic request cannot be nil")
	}

	messages, err := convertTurnsToAnthropic(req.History)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic request requires at least one message")
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertAnthropicTools(req.Tools)
	}

	return params, nil
}

func convertTurnsToAnthropic(turns []chat.Turn) ([]anthropic.MessageParam, error) {
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for idx, turn := range turns {
		blocks, role, err := convertTurnBlocks(turn)
		if err != nil {
			return nil, fmt.Errorf("invalid turn at index %d: %w", idx, err)
		}
		if len(blocks) == 0 {
			continue
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return messages, nil
}

func convertTurnBlocks(turn chat.Turn) ([]anthropic.ContentBlockParamUnion, anthropic.MessageParamRole, error) {
	role := anthropic.MessageParamRoleUser
	if turn.Role == chat.RoleModel {
		role = anthropic.MessageParamRoleAssistant
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(turn.Parts))
	for _, part := range turn.Parts {
		switch {
		case part.Text != "":
			blocks = append(blocks, anthropic.NewTextBlock(part.Text))
		case part.Thought != nil:
			// Thoughts are never sent back to the API.
		case part.FunctionCall != nil:
			call := part.FunctionCall
			if call.Name == "" {
				return nil, role, fmt.Errorf("function call %s is missing a name", call.ID)
			}
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, call.Args, call.Name))
		case part.FunctionResponse != nil:
			resp := part.FunctionResponse
			blocks = append(blocks, anthropic.NewToolResultBlock(resp.ID, resp.Content(), resp.Error != ""))
		}
	}
	return blocks, role, nil
}

func convertAnthropicTools(tools []ToolDecl) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, decl := range tools {
		schema := anthropic.ToolInputSchemaParam{
			Type: constant.Object("object"),
		}
		if props, ok := decl.Parameters["properties"]; ok {
			schema.Properties = props
		}
		if req := schemaRequired(decl.Parameters["required"]); len(req) > 0 {
			schema.Required = req
		}

		tool := &anthropic.ToolParam{
			Name:        decl.Name,
			InputSchema: schema,
			Type:        anthropic.ToolTypeCustom,
		}
		if decl.Description != "" {
			tool.Description = anthropic.String(decl.Description)
		}
		result = append(result, anthropic.ToolUnionParam{OfTool: tool})
	}
	return result
}
