package llm

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/logger"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 500 * time.Millisecond
)

// retryingClient wraps another Client and retries transient failures with
// exponential backoff. Streams are retried only while no event has been
// emitted yet; once output reached the caller a retry would duplicate it.
type retryingClient struct {
	delegate Client
	attempts int
	base     time.Duration
}

// NewRetryingClient returns a Client that retries transient failures.
func NewRetryingClient(base Client, attempts int, backoff time.Duration) Client {
	if base == nil {
		return base
	}
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	if backoff <= 0 {
		backoff = defaultRetryBase
	}
	return &retryingClient{delegate: base, attempts: attempts, base: backoff}
}

func (c *retryingClient) StreamExchange(ctx context.Context, req *ExchangeRequest, emit func(RawEvent) error) error {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt); err != nil {
				return err
			}
		}

		emitted := false
		err := c.delegate.StreamExchange(ctx, req, func(ev RawEvent) error {
			emitted = true
			return emit(ev)
		})
		if err == nil {
			return nil
		}
		if emitted || !isRetryable(err) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		logger.Warn("llm: stream attempt %d/%d failed: %v", attempt+1, c.attempts, err)
	}
	return lastErr
}

func (c *retryingClient) GenerateStructured(ctx context.Context, req *StructuredRequest) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			if err := c.sleep(ctx, attempt); err != nil {
				return nil, err
			}
		}

		result, err := c.delegate.GenerateStructured(ctx, req)
		if err == nil {
			return result, nil
		}
		if !isRetryable(err) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		logger.Warn("llm: structured attempt %d/%d failed: %v", attempt+1, c.attempts, err)
	}
	return nil, lastErr
}

func (c *retryingClient) CountTokens(systemPrompt string, turns []chat.Turn) int {
	return c.delegate.CountTokens(systemPrompt, turns)
}

func (c *retryingClient) ModelID() string {
	return c.delegate.ModelID()
}

func (c *retryingClient) ContextWindow() int {
	return c.delegate.ContextWindow()
}

func (c *retryingClient) sleep(ctx context.Context, attempt int) error {
	delay := c.base << uint(attempt-1)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// isRetryable reports whether an error looks transient. Provider SDKs wrap
// status codes into message text, so this matches on common markers.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"429", "rate limit", "overloaded",
		"500", "502", "503", "504",
		"timeout", "connection reset", "temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
