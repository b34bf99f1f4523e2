package llm

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gondel-ai/gondel/internal/chat"
)

type fakeClient struct {
	streamErrs  []error
	streamCalls int
	emitBefore  bool // emit an event before failing

	structErrs   []error
	structCalls  int
	structResult json.RawMessage
}

func (f *fakeClient) StreamExchange(ctx context.Context, req *ExchangeRequest, emit func(RawEvent) error) error {
	call := f.streamCalls
	f.streamCalls++
	if f.emitBefore {
		if err := emit(RawEvent{Kind: RawText, Text: "partial"}); err != nil {
			return err
		}
	}
	if call < len(f.streamErrs) && f.streamErrs[call] != nil {
		return f.streamErrs[call]
	}
	return emit(RawEvent{Kind: RawFinish, FinishReason: "stop"})
}

func (f *fakeClient) GenerateStructured(ctx context.Context, req *StructuredRequest) (json.RawMessage, error) {
	call := f.structCalls
	f.structCalls++
	if call < len(f.structErrs) && f.structErrs[call] != nil {
		return nil, f.structErrs[call]
	}
	return f.structResult, nil
}

func (f *fakeClient) CountTokens(systemPrompt string, turns []chat.Turn) int { return 0 }
func (f *fakeClient) ModelID() string                                        { return "fake-model" }
func (f *fakeClient) ContextWindow() int                                     { return 1000 }

func TestRetryStreamTransientFailure(t *testing.T) {
	fake := &fakeClient{streamErrs: []error{errors.New("status 503: overloaded")}}
	client := NewRetryingClient(fake, 3, time.Millisecond)

	err := client.StreamExchange(context.Background(), &ExchangeRequest{}, func(RawEvent) error { return nil })
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if fake.streamCalls != 2 {
		t.Errorf("expected 2 attempts, got %d", fake.streamCalls)
	}
}

func TestRetryStreamNotRetriedAfterEmit(t *testing.T) {
	fake := &fakeClient{
		emitBefore: true,
		streamErrs: []error{errors.New("status 503: overloaded")},
	}
	client := NewRetryingClient(fake, 3, time.Millisecond)

	err := client.StreamExchange(context.Background(), &ExchangeRequest{}, func(RawEvent) error { return nil })
	if err == nil {
		t.Fatal("expected failure once output was already emitted")
	}
	if fake.streamCalls != 1 {
		t.Errorf("stream retried after emitting output: %d attempts", fake.streamCalls)
	}
}

func TestRetryNonRetryableError(t *testing.T) {
	fake := &fakeClient{streamErrs: []error{errors.New("invalid api key")}}
	client := NewRetryingClient(fake, 3, time.Millisecond)

	err := client.StreamExchange(context.Background(), &ExchangeRequest{}, func(RawEvent) error { return nil })
	if err == nil {
		t.Fatal("expected non-retryable error to surface")
	}
	if fake.streamCalls != 1 {
		t.Errorf("non-retryable error was retried: %d attempts", fake.streamCalls)
	}
}

func TestRetryStructuredExhaustsAttempts(t *testing.T) {
	transient := errors.New("rate limit exceeded")
	fake := &fakeClient{structErrs: []error{transient, transient, transient}}
	client := NewRetryingClient(fake, 3, time.Millisecond)

	_, err := client.GenerateStructured(context.Background(), &StructuredRequest{})
	if err == nil {
		t.Fatal("expected exhausted retries to fail")
	}
	if fake.structCalls != 3 {
		t.Errorf("expected 3 attempts, got %d", fake.structCalls)
	}
}

func TestRetryStructuredEventualSuccess(t *testing.T) {
	fake := &fakeClient{
		structErrs:   []error{errors.New("429 too many requests")},
		structResult: json.RawMessage(`{"ok":true}`),
	}
	client := NewRetryingClient(fake, 3, time.Millisecond)

	result, err := client.GenerateStructured(context.Background(), &StructuredRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(result) != `{"ok":true}` {
		t.Errorf("unexpected result: %s", result)
	}
}
