package turn

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/llm"
)

// scriptedClient replays a fixed raw event sequence.
type scriptedClient struct {
	events    []llm.RawEvent
	streamErr error
	// cancelAfter cancels the provided context after emitting N events.
	cancelAfter int
	cancel      context.CancelFunc
}

func (s *scriptedClient) StreamExchange(ctx context.Context, req *llm.ExchangeRequest, emit func(llm.RawEvent) error) error {
	for i, ev := range s.events {
		if s.cancel != nil && i == s.cancelAfter {
			s.cancel()
		}
		if err := emit(ev); err != nil {
			return err
		}
	}
	return s.streamErr
}

func (s *scriptedClient) GenerateStructured(ctx context.Context, req *llm.StructuredRequest) (json.RawMessage, error) {
	return nil, errors.New("not used")
}

func (s *scriptedClient) CountTokens(systemPrompt string, turns []chat.Turn) int { return 0 }
func (s *scriptedClient) ModelID() string                                        { return "scripted" }
func (s *scriptedClient) ContextWindow() int                                     { return 1000 }

func collect(t *testing.T, e *Executor, client llm.Client) ([]Event, error) {
	t.Helper()
	var events []Event
	err := e.Run(context.Background(), &llm.ExchangeRequest{}, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	return events, err
}

func TestRunStreamsContentAndFinishes(t *testing.T) {
	client := &scriptedClient{events: []llm.RawEvent{
		{Kind: llm.RawText, Text: "Hello "},
		{Kind: llm.RawText, Text: "world"},
		{Kind: llm.RawFinish, FinishReason: "stop"},
	}}
	e := NewExecutor(client)

	events, err := collect(t, e, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(events) != 3 {
		t.Fatalf("expected 2 content + 1 finished, got %d events", len(events))
	}
	last := events[len(events)-1]
	if last.Kind != EventFinished || last.FinishReason != "stop" {
		t.Errorf("unexpected terminal event: %+v", last)
	}
	if e.State() != StateFinished {
		t.Errorf("expected finished state, got %s", e.State())
	}
	if got := e.ResponseTurn().Text(); got != "Hello world" {
		t.Errorf("response turn text = %q", got)
	}
}

func TestRunAccumulatesPendingToolCalls(t *testing.T) {
	client := &scriptedClient{events: []llm.RawEvent{
		{Kind: llm.RawText, Text: "Let me check."},
		{Kind: llm.RawFunctionCall, Call: &chat.FunctionCall{ID: "1", Name: "read_file", Args: map[string]interface{}{"path": "a.go"}}},
		{Kind: llm.RawFunctionCall, Call: &chat.FunctionCall{ID: "2", Name: "list_files"}},
		{Kind: llm.RawFinish, FinishReason: "tool_use"},
	}}
	e := NewExecutor(client)

	events, err := collect(t, e, client)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var requests int
	for _, ev := range events {
		if ev.Kind == EventToolCallRequest {
			requests++
		}
	}
	if requests != 2 {
		t.Errorf("expected 2 tool call request events, got %d", requests)
	}

	pending := e.PendingToolCalls()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending calls, got %d", len(pending))
	}
	if pending[0].Name != "read_file" || pending[1].Name != "list_files" {
		t.Errorf("pending calls out of stream order: %+v", pending)
	}

	// The recorded model turn must carry the calls for history.
	calls := e.ResponseTurn().FunctionCalls()
	if len(calls) != 2 || calls[0].ID != "1" {
		t.Errorf("response turn calls: %+v", calls)
	}
}

func TestRunEmitsExactlyOneTerminalError(t *testing.T) {
	streamErr := errors.New("connection reset")
	client := &scriptedClient{
		events:    []llm.RawEvent{{Kind: llm.RawText, Text: "partial"}},
		streamErr: streamErr,
	}
	e := NewExecutor(client)

	events, err := collect(t, e, client)
	if !errors.Is(err, streamErr) {
		t.Fatalf("expected stream error, got %v", err)
	}

	terminals := 0
	for _, ev := range events {
		if ev.Kind == EventError || ev.Kind == EventFinished {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("expected exactly one terminal event, got %d", terminals)
	}
	if events[len(events)-1].Kind != EventError {
		t.Error("terminal event should be an error")
	}
	if e.State() != StateErrored {
		t.Errorf("expected errored state, got %s", e.State())
	}
}

func TestRunCancellationStopsAtEventBoundary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &scriptedClient{
		events: []llm.RawEvent{
			{Kind: llm.RawText, Text: "one"},
			{Kind: llm.RawText, Text: "two"},
			{Kind: llm.RawText, Text: "three"},
		},
		cancelAfter: 1,
		cancel:      cancel,
	}
	e := NewExecutor(client)

	var events []Event
	err := e.Run(ctx, &llm.ExchangeRequest{}, func(ev Event) error {
		events = append(events, ev)
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// No events after the cancellation boundary, and no terminal event.
	if len(events) != 1 {
		t.Errorf("expected 1 event before cancellation, got %d", len(events))
	}
	for _, ev := range events {
		if ev.Kind == EventFinished || ev.Kind == EventError {
			t.Error("cancelled exchange must not emit a terminal event")
		}
	}
	if e.State() != StateCancelled {
		t.Errorf("expected cancelled state, got %s", e.State())
	}
}

func TestStateTransitionsThroughToolAccumulation(t *testing.T) {
	client := &scriptedClient{events: []llm.RawEvent{
		{Kind: llm.RawFunctionCall, Call: &chat.FunctionCall{ID: "1", Name: "f"}},
		{Kind: llm.RawFinish, FinishReason: "tool_use"},
	}}
	e := NewExecutor(client)

	if e.State() != StateIdle {
		t.Fatalf("fresh executor should be idle, got %s", e.State())
	}

	sawAccumulating := false
	err := e.Run(context.Background(), &llm.ExchangeRequest{}, func(ev Event) error {
		if ev.Kind == EventToolCallRequest && e.State() == StateAccumulatingToolCalls {
			sawAccumulating = true
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sawAccumulating {
		t.Error("executor should pass through the accumulating state")
	}
	if e.State() != StateFinished {
		t.Errorf("expected finished state, got %s", e.State())
	}
}

func TestThoughtAccumulationAndSubjectParsing(t *testing.T) {
	client := &scriptedClient{events: []llm.RawEvent{
		{Kind: llm.RawThought, Text: "**Planning the fix**"},
		{Kind: llm.RawThought, Text: " I should read the file first."},
		{Kind: llm.RawText, Text: "Reading the file now."},
		{Kind: llm.RawFinish, FinishReason: "stop"},
	}}
	e := NewExecutor(client)

	if _, err := collect(t, e, client); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	turn := e.ResponseTurn()
	if len(turn.Parts) != 2 {
		t.Fatalf("expected thought + text parts, got %d", len(turn.Parts))
	}
	thought := turn.Parts[0].Thought
	if thought == nil {
		t.Fatal("first part should be the thought")
	}
	if thought.Subject != "Planning the fix" {
		t.Errorf("thought subject = %q", thought.Subject)
	}
	if thought.Text != "I should read the file first." {
		t.Errorf("thought text = %q", thought.Text)
	}
}

func TestEmitErrorAbortsStream(t *testing.T) {
	client := &scriptedClient{events: []llm.RawEvent{
		{Kind: llm.RawText, Text: "one"},
		{Kind: llm.RawText, Text: "two"},
	}}
	e := NewExecutor(client)

	abort := errors.New("consumer gave up")
	count := 0
	err := e.Run(context.Background(), &llm.ExchangeRequest{}, func(ev Event) error {
		count++
		if ev.Kind == EventContent {
			return abort
		}
		return nil
	})
	if err == nil {
		t.Fatal("expected consumer error to surface")
	}
	if count != 2 {
		// One content event, then the error terminal event.
		t.Errorf("expected 2 emit calls, got %d", count)
	}
}
