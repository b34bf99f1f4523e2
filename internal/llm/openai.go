package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/tokens"
)

const (
	defaultOpenAIModel   = "gpt-4o"
	openaiContextWindow  = 128_000
	defaultOpenAIBaseURL = "https://api.openai.com/v1"
)

// OpenAIClient implements Client using the official OpenAI SDK over the chat
// completions API. It also serves OpenAI-compatible endpoints via a custom
// base URL.
type OpenAIClient struct {
	client  openai.Client
	model   string
	counter *tokens.Counter
}

// NewOpenAIClient constructs an OpenAI-backed client. baseURL may be empty for
// the default endpoint.
func NewOpenAIClient(apiKey, modelName, baseURL string) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai client requires an API key")
	}

	model := strings.TrimSpace(modelName)
	if model == "" {
		model = defaultOpenAIModel
	}

	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if url := strings.TrimSpace(baseURL); url != "" && url != defaultOpenAIBaseURL {
		options = append(options, option.WithBaseURL(url))
	}

	return &OpenAIClient{
		client:  openai.NewClient(options...),
		model:   model,
		counter: tokens.NewCounter(model),
	}, nil
}

func (c *OpenAIClient) ModelID() string {
	return c.model
}

func (c *OpenAIClient) ContextWindow() int {
	return openaiContextWindow
}

func (c *OpenAIClient) CountTokens(systemPrompt string, turns []chat.Turn) int {
	return c.counter.CountTurns(systemPrompt, turns)
}

func (c *OpenAIClient) StreamExchange(ctx context.Context, req *ExchangeRequest, emit func(RawEvent) error) error {
	params, err := c.buildParams(req)
	if err != nil {
		return err
	}

	stream := c.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	// Tool call fragments arrive keyed by choice-local index; argument JSON
	// is concatenated across chunks.
	type partialCall struct {
		id   string
		name string
		args strings.Builder
	}
	partials := map[int64]*partialCall{}
	order := []int64{}
	finishReason := ""

	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]

		if choice.Delta.Content != "" {
			if err := emit(RawEvent{Kind: RawText, Text: choice.Delta.Content}); err != nil {
				return err
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			pc := partials[tc.Index]
			if pc == nil {
				pc = &partialCall{}
				partials[tc.Index] = pc
				order = append(order, tc.Index)
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}

		if choice.FinishReason != "" {
			finishReason = choice.FinishReason
		}
	}
	if err := stream.Err(); err != nil {
		return fmt.Errorf("openai stream failed: %w", err)
	}

	for i, idx := range order {
		pc := partials[idx]
		if pc.name == "" {
			continue
		}
		if pc.id == "" {
			pc.id = fmt.Sprintf("openai_call_%d", i+1)
		}
		args := map[string]interface{}{}
		if raw := strings.TrimSpace(pc.args.String()); raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				return fmt.Errorf("openai tool call %s has malformed arguments: %w", pc.name, err)
			}
		}
		call := &chat.FunctionCall{ID: pc.id, Name: pc.name, Args: args}
		if err := emit(RawEvent{Kind: RawFunctionCall, Call: call}); err != nil {
			return err
		}
	}

	return emit(RawEvent{Kind: RawFinish, FinishReason: finishReason})
}

func (c *OpenAIClient) GenerateStructured(ctx context.Context, req *StructuredRequest) (json.RawMessage, error) {
	system := req.SystemPrompt
	if system != "" {
		system += "\n\n"
	}
	system += structuredInstruction(req.Schema)

	params, err := c.buildParams(&ExchangeRequest{
		SystemPrompt: system,
		History:      req.Contents,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai structured request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai structured request returned no choices")
	}
	return extractJSON(resp.Choices[0].Message.Content)
}

func (c *OpenAIClient) buildParams(req *ExchangeRequest) (openai.ChatCompletionNewParams, error) {
	if req == nil {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("openai request cannot be nil")
	}

	messages, err := convertTurnsToOpenAI(req.SystemPrompt, req.History)
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}
	if len(messages) == 0 {
		return openai.ChatCompletionNewParams{}, fmt.Errorf("openai request requires at least one message")
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxOutputTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = convertOpenAITools(req.Tools)
	}
	return params, nil
}

func convertTurnsToOpenAI(systemPrompt string, turns []chat.Turn) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns)+1)
	if sys := strings.TrimSpace(systemPrompt); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}

	for idx, turn := range turns {
		switch turn.Role {
		case chat.RoleModel:
			msg := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: turn.Text(),
			}
			for _, call := range turn.FunctionCalls() {
				argsBytes, err := json.Marshal(call.Args)
				if err != nil {
					return nil, fmt.Errorf("turn %d: cannot marshal arguments for %s: %w", idx, call.Name, err)
				}
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCall{
					ID:   call.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      call.Name,
						Arguments: string(argsBytes),
					},
				})
			}
			if msg.Content == "" && len(msg.ToolCalls) == 0 {
				continue
			}
			messages = append(messages, msg.ToParam())
		case chat.RoleTool:
			for _, part := range turn.Parts {
				if part.FunctionResponse == nil {
					continue
				}
				resp := part.FunctionResponse
				messages = append(messages, openai.ToolMessage(resp.Content(), resp.ID))
			}
		default:
			if text := turn.Text(); text != "" {
				messages = append(messages, openai.UserMessage(text))
			}
		}
	}
	return messages, nil
}

func convertOpenAITools(tools []ToolDecl) []openai.ChatCompletionToolParam {
	result := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, decl := range tools {
		params := openai.FunctionParameters(decl.Parameters)
		if params == nil {
			params = openai.FunctionParameters{
				"type":       "object",
				"properties": map[string]interface{}{},
			}
		}
		result = append(result, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        decl.Name,
				Description: openai.String(decl.Description),
				Parameters:  params,
			},
		})
	}
	return result
}
