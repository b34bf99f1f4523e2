package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	genai "google.golang.org/genai"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/tokens"
)

const (
	defaultGoogleModel  = "models/gemini-2.5-pro"
	googleContextWindow = 1_000_000
)

// GoogleClient implements Client using the official Google GenAI SDK.
type GoogleClient struct {
	client  *genai.Client
	model   string
	counter *tokens.Counter
}

// NewGoogleClient creates a Gemini-backed client.
func NewGoogleClient(ctx context.Context, apiKey, modelName string) (*GoogleClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("google client requires an API key")
	}

	model := normalizeGoogleModelName(modelName)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google genai client: %w", err)
	}

	return &GoogleClient{
		client:  client,
		model:   model,
		counter: tokens.NewCounter(model),
	}, nil
}

func normalizeGoogleModelName(modelName string) string {
	trimmed := strings.TrimSpace(modelName)
	if trimmed == "" {
		return defaultGoogleModel
	}
	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "models/") || strings.HasPrefix(lowered, "publishers/") {
		return trimmed
	}
	return "models/" + trimmed
}

func (c *GoogleClient) ModelID() string {
	return c.model
}

func (c *GoogleClient) ContextWindow() int {
	return googleContextWindow
}

func (c *GoogleClient) CountTokens(systemPrompt string, turns []chat.Turn) int {
	return c.counter.CountTurns(systemPrompt, turns)
}

func (c *GoogleClient) StreamExchange(ctx context.Context, req *ExchangeRequest, emit func(RawEvent) error) error {
	contents, err := convertTurnsToGenAI(req.History)
	if err != nil {
		return err
	}
	if len(contents) == 0 {
		return fmt.Errorf("google request requires at least one message")
	}

	cfg := buildGenAIConfig(req)

	finishReason := ""
	callIndex := 0
	stream := c.client.Models.GenerateContentStream(ctx, c.model, contents, cfg)
	for result, err := range stream {
		if err != nil {
			return fmt.Errorf("google genai stream failed: %w", err)
		}
		if len(result.Candidates) == 0 {
			continue
		}
		candidate := result.Candidates[0]
		if reason := string(candidate.FinishReason); reason != "" {
			finishReason = reason
		}
		if candidate.Content == nil {
			continue
		}

		for _, part := range candidate.Content.Parts {
			if part == nil {
				continue
			}
			switch {
			case part.FunctionCall != nil:
				callIndex++
				id := part.FunctionCall.ID
				if id == "" {
					id = fmt.Sprintf("google_call_%d", callIndex)
				}
				args := map[string]interface{}{}
				for k, v := range part.FunctionCall.Args {
					args[k] = v
				}
				call := &chat.FunctionCall{ID: id, Name: part.FunctionCall.Name, Args: args}
				if err := emit(RawEvent{Kind: RawFunctionCall, Call: call}); err != nil {
					return err
				}
			case part.Text != "":
				kind := RawText
				if part.Thought {
					kind = RawThought
				}
				if err := emit(RawEvent{Kind: kind, Text: part.Text}); err != nil {
					return err
				}
			}
		}
	}

	return emit(RawEvent{Kind: RawFinish, FinishReason: finishReason})
}

func (c *GoogleClient) GenerateStructured(ctx context.Context, req *StructuredRequest) (json.RawMessage, error) {
	contents, err := convertTurnsToGenAI(req.Contents)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, fmt.Errorf("google structured request requires at least one message")
	}

	system := req.SystemPrompt
	if system != "" {
		system += "\n\n"
	}
	system += structuredInstruction(req.Schema)

	cfg := buildGenAIConfig(&ExchangeRequest{SystemPrompt: system})

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("google structured request failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("google structured request returned no candidates")
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil && part.Text != "" && !part.Thought {
			text.WriteString(part.Text)
		}
	}
	return extractJSON(text.String())
}

func buildGenAIConfig(req *ExchangeRequest) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}

	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature > 0 {
		temp := float32(req.Temperature)
		cfg.Temperature = &temp
	}
	if req.MaxOutputTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxOutputTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = convertGenAITools(req.Tools)
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}
	return cfg
}

func convertTurnsToGenAI(turns []chat.Turn) ([]*genai.Content, error) {
	contents := make([]*genai.Content, 0, len(turns))
	for idx, turn := range turns {
		role := genai.Role(genai.RoleUser)
		if turn.Role == chat.RoleModel {
			role = genai.RoleModel
		}

		parts := make([]*genai.Part, 0, len(turn.Parts))
		for _, p := range turn.Parts {
			switch {
			case p.Text != "":
				parts = append(parts, genai.NewPartFromText(p.Text))
			case p.Thought != nil:
				// Thoughts are never sent back to the API.
			case p.FunctionCall != nil:
				if p.FunctionCall.Name == "" {
					return nil, fmt.Errorf("turn %d: function call is missing a name", idx)
				}
				part := genai.NewPartFromFunctionCall(p.FunctionCall.Name, p.FunctionCall.Args)
				if p.FunctionCall.ID != "" {
					part.FunctionCall.ID = p.FunctionCall.ID
				}
				parts = append(parts, part)
			case p.FunctionResponse != nil:
				resp := p.FunctionResponse
				payload := map[string]interface{}{"output": resp.Output}
				if resp.Error != "" {
					payload = map[string]interface{}{"error": resp.Error}
				}
				part := genai.NewPartFromFunctionResponse(resp.Name, payload)
				if resp.ID != "" {
					part.FunctionResponse.ID = resp.ID
				}
				parts = append(parts, part)
			}
		}
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, genai.NewContentFromParts(parts, role))
	}
	return contents, nil
}

func convertGenAITools(tools []ToolDecl) []*genai.Tool {
	result := make([]*genai.Tool, 0, len(tools))
	for _, decl := range tools {
		fd := &genai.FunctionDeclaration{
			Name:        decl.Name,
			Description: decl.Description,
		}
		if len(decl.Parameters) > 0 {
			fd.ParametersJsonSchema = decl.Parameters
		}
		result = append(result, &genai.Tool{FunctionDeclarations: []*genai.FunctionDeclaration{fd}})
	}
	return result
}
