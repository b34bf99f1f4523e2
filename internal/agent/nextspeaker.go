package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/llm"
	"github.com/gondel-ai/gondel/internal/logger"
)

const nextSpeakerPrompt = `Analyze your immediately preceding response. Decide who should speak next based only on that response:
- "model" if you stated you would do something next, or your response was clearly incomplete.
- "user" if you asked the user a question or finished the task and are waiting for input.`

var nextSpeakerSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"next_speaker": map[string]interface{}{
			"type": "string",
			"enum": []string{"user", "model"},
		},
		"reasoning": map[string]interface{}{
			"type": "string",
		},
	},
	"required": []string{"next_speaker"},
}

var compiledNextSpeakerSchema = jsonschema.MustCompileString("next_speaker.schema.json", `{
	"type": "object",
	"properties": {
		"next_speaker": {"type": "string", "enum": ["user", "model"]},
		"reasoning": {"type": "string"}
	},
	"required": ["next_speaker"]
}`)

// shouldContinue decides whether the model keeps speaking without a tool call
// as an excuse. Deterministic checks run first; only ambiguous cases cost a
// model round-trip. Any failure defaults to handing control back to the user.
func (s *Session) shouldContinue(ctx context.Context) bool {
	if s.cfg.SkipNextSpeakerCheck {
		return false
	}

	turns := s.history.Turns(true)
	if len(turns) == 0 {
		return false
	}
	last := turns[len(turns)-1]
	if last.Role != chat.RoleModel {
		return false
	}

	// A model turn with no visible output means it was interrupted mid-plan.
	text := strings.TrimSpace(last.Text())
	if text == "" && len(last.FunctionCalls()) == 0 {
		return true
	}
	// A trailing question is an explicit handoff.
	if strings.HasSuffix(text, "?") {
		return false
	}

	contents := append(chat.CloneTurns(turns), chat.UserTurn(nextSpeakerPrompt))
	raw, err := s.client.GenerateStructured(ctx, &llm.StructuredRequest{
		Contents: contents,
		Schema:   nextSpeakerSchema,
	})
	if err != nil {
		logger.Debug("agent: next-speaker check failed: %v", err)
		return false
	}

	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return false
	}
	if err := compiledNextSpeakerSchema.Validate(decoded); err != nil {
		logger.Debug("agent: next-speaker reply rejected: %v", err)
		return false
	}

	var parsed struct {
		NextSpeaker string `json:"next_speaker"`
		Reasoning   string `json:"reasoning"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return false
	}
	return parsed.NextSpeaker == "model"
}
