// Package tokens estimates token usage for conversation turns. It prefers an
// exact tiktoken encoding for the configured model and falls back to a rune
// heuristic when none is available.
package tokens

import (
	"encoding/json"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/gondel-ai/gondel/internal/chat"
)

const (
	systemOverhead  = 2
	perTurnOverhead = 4
)

// Counter estimates token counts for a specific model.
type Counter struct {
	modelID string

	once    sync.Once
	encoder *tiktoken.Tiktoken
	approx  bool
}

// NewCounter creates a counter for the given model ID.
func NewCounter(modelID string) *Counter {
	return &Counter{modelID: modelID}
}

// Approximate reports whether counts are heuristic rather than exact.
func (c *Counter) Approximate() bool {
	c.init()
	return c.approx
}

func (c *Counter) init() {
	c.once.Do(func() {
		encoder, err := tiktoken.EncodingForModel(c.modelID)
		if err == nil {
			c.encoder = encoder
			return
		}
		c.approx = true
		if fallback, err := tiktoken.GetEncoding("cl100k_base"); err == nil {
			c.encoder = fallback
		}
	})
}

// CountText returns the token count for a plain string.
func (c *Counter) CountText(text string) int {
	if text == "" {
		return 0
	}
	c.init()

	if c.encoder != nil {
		return len(c.encoder.Encode(text, nil, nil))
	}

	// Rough heuristic: 1 token per 4 characters.
	runes := utf8.RuneCountInString(text)
	return (runes + 3) / 4
}

// CountTurn returns the token count for one turn including per-message
// overhead for role framing.
func (c *Counter) CountTurn(turn chat.Turn) int {
	total := perTurnOverhead
	for _, part := range turn.Parts {
		switch {
		case part.Text != "":
			total += c.CountText(part.Text)
		case part.Thought != nil:
			total += c.CountText(part.Thought.Text)
		case part.FunctionCall != nil:
			total += c.CountText(part.FunctionCall.Name)
			if len(part.FunctionCall.Args) > 0 {
				if data, err := json.Marshal(part.FunctionCall.Args); err == nil {
					total += c.CountText(string(data))
				}
			}
		case part.FunctionResponse != nil:
			total += c.CountText(part.FunctionResponse.Name)
			total += c.CountText(part.FunctionResponse.Content())
		}
	}
	return total
}

// CountTurns returns the total token count for a history snapshot plus an
// optional system prompt.
func (c *Counter) CountTurns(systemPrompt string, turns []chat.Turn) int {
	total := 0
	if systemPrompt != "" {
		total += c.CountText(systemPrompt) + systemOverhead
	}
	for _, turn := range turns {
		total += c.CountTurn(turn)
	}
	return total
}
