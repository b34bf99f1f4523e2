// Package compress keeps the token footprint of a chat history bounded by
// summarizing older turns into a compact synthetic exchange while preserving
// the most recent turns verbatim.
package compress

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/llm"
	"github.com/gondel-ai/gondel/internal/logger"
)

const (
	// DefaultTokenThreshold is the fraction of the context window that
	// triggers compression.
	DefaultTokenThreshold = 0.7
	// DefaultPreserveRecentTurns is how many trailing turns stay verbatim.
	DefaultPreserveRecentTurns = 6

	summaryAck = "Got it. Thanks for the additional context!"
)

var summarySchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"summary": map[string]interface{}{
			"type":        "string",
			"description": "A detailed summary of the conversation so far, preserving goals, decisions, file paths and unresolved tasks.",
		},
	},
	"required": []string{"summary"},
}

const summarySystemPrompt = `You summarize an in-progress conversation between a user and a coding agent so it can continue in a fresh context. Capture the user's goals, what has been done, important file paths and code decisions, and anything still unresolved. Write the summary from the user's perspective.`

// Config tunes the compression policy. Zero values take defaults.
type Config struct {
	TokenThreshold      float64
	PreserveRecentTurns int
}

func (c Config) withDefaults() Config {
	if c.TokenThreshold <= 0 || c.TokenThreshold > 1 {
		c.TokenThreshold = DefaultTokenThreshold
	}
	if c.PreserveRecentTurns <= 0 {
		c.PreserveRecentTurns = DefaultPreserveRecentTurns
	}
	return c
}

// Result reports one compression attempt.
type Result struct {
	Status         chat.CompressionStatus
	OriginalTokens int
	NewTokens      int
	// NewHistory is set only when Status is StatusCompressed.
	NewHistory []chat.Turn
	Checkpoint *chat.Checkpoint
}

// Service decides whether and how to compress a history. One instance serves
// one session.
type Service struct {
	client llm.Client
	cfg    Config

	mu            sync.Mutex
	failedAttempt bool
}

// NewService creates a compression service backed by the given client.
func NewService(client llm.Client, cfg Config) *Service {
	return &Service{client: client, cfg: cfg.withDefaults()}
}

// HasFailedAttempt reports whether a previous non-forced attempt failed this
// session.
func (s *Service) HasFailedAttempt() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedAttempt
}

// Compress evaluates the history against the token budget and summarizes the
// older turns when warranted. The input history is never mutated; callers
// apply Result.NewHistory themselves.
func (s *Service) Compress(ctx context.Context, systemPrompt string, history []chat.Turn, force bool) (*Result, error) {
	originalTokens := s.client.CountTokens(systemPrompt, history)
	result := &Result{Status: chat.StatusNoop, OriginalTokens: originalTokens, NewTokens: originalTokens}

	if !force {
		if s.HasFailedAttempt() {
			logger.Debug("compress: skipping, previous attempt failed this session")
			return result, nil
		}
		threshold := int(s.cfg.TokenThreshold * float64(s.client.ContextWindow()))
		if originalTokens < threshold {
			return result, nil
		}
	}

	head, tail := splitHistory(history, s.cfg.PreserveRecentTurns)
	if len(head) == 0 {
		// Nothing old enough to fold away.
		return result, nil
	}

	summary, err := s.summarize(ctx, head)
	if err != nil {
		s.recordFailure(force)
		result.Status = chat.StatusFailedError
		return result, fmt.Errorf("compression summary failed: %w", err)
	}
	if strings.TrimSpace(summary) == "" {
		s.recordFailure(force)
		result.Status = chat.StatusFailedEmptySummary
		logger.Warn("compress: model returned an empty summary")
		return result, nil
	}

	newHistory := make([]chat.Turn, 0, len(tail)+2)
	newHistory = append(newHistory,
		chat.UserTurn(summaryUserText(summary)),
		chat.ModelTurn(summaryAck),
	)
	newHistory = append(newHistory, chat.CloneTurns(tail)...)

	newTokens := s.client.CountTokens(systemPrompt, newHistory)
	if newTokens >= originalTokens {
		s.recordFailure(force)
		result.Status = chat.StatusFailedInflatedTokens
		result.NewTokens = newTokens
		logger.Warn("compress: result would grow history (%d -> %d tokens)", originalTokens, newTokens)
		return result, nil
	}

	s.mu.Lock()
	s.failedAttempt = false
	s.mu.Unlock()

	result.Status = chat.StatusCompressed
	result.NewTokens = newTokens
	result.NewHistory = newHistory
	result.Checkpoint = &chat.Checkpoint{
		OriginalTokens: originalTokens,
		NewTokens:      newTokens,
		Status:         chat.StatusCompressed,
		Snapshot:       chat.CloneTurns(newHistory),
		CreatedAt:      time.Now().UTC(),
	}
	logger.Info("compress: history compressed %d -> %d tokens, %d turns preserved", originalTokens, newTokens, len(tail))
	return result, nil
}

func (s *Service) recordFailure(force bool) {
	// A forced failure was explicitly requested; the user may retry at will.
	if force {
		return
	}
	s.mu.Lock()
	s.failedAttempt = true
	s.mu.Unlock()
}

func (s *Service) summarize(ctx context.Context, head []chat.Turn) (string, error) {
	contents := chat.CloneTurns(head)
	contents = append(contents, chat.UserTurn("Summarize the conversation above."))

	raw, err := s.client.GenerateStructured(ctx, &llm.StructuredRequest{
		SystemPrompt: summarySystemPrompt,
		Contents:     contents,
		Schema:       summarySchema,
	})
	if err != nil {
		return "", err
	}

	var parsed struct {
		Summary string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("malformed summary object: %w", err)
	}
	return parsed.Summary, nil
}

func summaryUserText(summary string) string {
	return "Here is a summary of our conversation so far:\n\n" + summary
}

// splitHistory divides turns into a head to summarize and a tail kept
// verbatim. The split never lands between a model turn holding a function
// call and the tool turn answering it.
func splitHistory(turns []chat.Turn, preserve int) (head, tail []chat.Turn) {
	if len(turns) <= preserve {
		return nil, turns
	}

	split := len(turns) - preserve
	for split > 0 && turns[split].Role == chat.RoleTool {
		split--
	}
	if split == 0 {
		return nil, turns
	}
	return turns[:split], turns[split:]
}
