// Package llm defines the content-generation client contract the agent core
// depends on, plus adapters for the Anthropic, OpenAI and Google GenAI APIs.
// The core never sees provider wire formats; adapters normalize everything
// into RawEvent values pushed through a callback.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gondel-ai/gondel/internal/chat"
)

// RawEventKind tags the RawEvent union.
type RawEventKind int

const (
	// RawText is a chunk of visible model output.
	RawText RawEventKind = iota
	// RawThought is a chunk of internal reasoning.
	RawThought
	// RawFunctionCall is a complete tool invocation request.
	RawFunctionCall
	// RawFinish closes the stream with the provider's finish reason.
	RawFinish
)

// RawEvent is one normalized unit of a streamed model response.
type RawEvent struct {
	Kind         RawEventKind
	Text         string
	Call         *chat.FunctionCall
	FinishReason string
}

// ToolDecl declares a tool to the model. Parameters is a JSON schema object.
type ToolDecl struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// ExchangeRequest describes one streamed exchange with the model.
type ExchangeRequest struct {
	SystemPrompt    string
	History         []chat.Turn // curated snapshot, input turn included
	Tools           []ToolDecl
	Temperature     float64
	MaxOutputTokens int
}

// StructuredRequest describes a non-streamed side query expected to return a
// JSON object matching Schema. Used for compression summaries and the
// next-speaker check.
type StructuredRequest struct {
	SystemPrompt string
	Contents     []chat.Turn
	Schema       map[string]interface{}
}

// Client is the content-generation collaborator contract.
type Client interface {
	// StreamExchange sends the exchange and pushes normalized events through
	// emit as they are recognized. An error returned by emit aborts the
	// stream and is returned unchanged.
	StreamExchange(ctx context.Context, req *ExchangeRequest, emit func(RawEvent) error) error

	// GenerateStructured runs a blocking side query and returns the raw JSON
	// object the model produced.
	GenerateStructured(ctx context.Context, req *StructuredRequest) (json.RawMessage, error)

	// CountTokens estimates the token footprint of a prompt.
	CountTokens(systemPrompt string, turns []chat.Turn) int

	// ModelID returns the configured model identifier.
	ModelID() string

	// ContextWindow returns the model's context window size in tokens.
	ContextWindow() int
}

// InputTurn wraps new input parts into a turn with the right role: parts that
// carry function responses form a tool turn, everything else a user turn.
func InputTurn(parts []chat.Part) chat.Turn {
	role := chat.RoleUser
	for _, part := range parts {
		if part.FunctionResponse != nil {
			role = chat.RoleTool
			break
		}
	}
	return chat.Turn{Role: role, Parts: parts}
}

// structuredInstruction renders the JSON-only instruction appended to
// structured side queries for providers without native schema support.
func structuredInstruction(schema map[string]interface{}) string {
	data, err := json.Marshal(schema)
	if err != nil {
		return "Respond with a single JSON object and nothing else."
	}
	return fmt.Sprintf("Respond with a single JSON object matching this schema and nothing else:\n%s", string(data))
}

// schemaRequired normalizes a JSON schema "required" value into a string
// slice. Schemas come from both Go code ([]string) and decoded JSON
// ([]interface{}).
func schemaRequired(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// extractJSON pulls the first top-level JSON object out of a model reply,
// tolerating markdown fences and prose around it.
func extractJSON(text string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.IndexByte(trimmed, '{')
	if start < 0 {
		return nil, fmt.Errorf("no JSON object in model reply")
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(trimmed); i++ {
		c := trimmed[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					candidate := trimmed[start : i+1]
					if !json.Valid([]byte(candidate)) {
						return nil, fmt.Errorf("model reply is not valid JSON")
					}
					return json.RawMessage(candidate), nil
				}
			}
		}
	}
	return nil, fmt.Errorf("unterminated JSON object in model reply")
}
