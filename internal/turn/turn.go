// Package turn drives one exchange with the model: it sends the curated
// history plus new input, consumes the raw event stream, accumulates pending
// tool-call requests and pushes normalized events to the caller as they are
// recognized. Nothing is buffered until the stream ends.
package turn

import (
	"context"
	"strings"
	"sync"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/llm"
	"github.com/gondel-ai/gondel/internal/logger"
)

// State tracks the executor through one exchange.
type State int

const (
	// StateIdle means Run has not been called yet.
	StateIdle State = iota
	// StateStreaming means raw events are being consumed.
	StateStreaming
	// StateAccumulatingToolCalls means at least one tool call arrived and the
	// stream is still open.
	StateAccumulatingToolCalls
	// StateFinished is the successful terminal state.
	StateFinished
	// StateErrored is the failed terminal state.
	StateErrored
	// StateCancelled means the cancellation signal fired mid-stream.
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateAccumulatingToolCalls:
		return "accumulating_tool_calls"
	case StateFinished:
		return "finished"
	case StateErrored:
		return "errored"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// EventKind tags the normalized event union.
type EventKind int

const (
	// EventContent is a chunk of visible model text.
	EventContent EventKind = iota
	// EventThought is a chunk of internal reasoning.
	EventThought
	// EventToolCallRequest asks the caller to execute a tool.
	EventToolCallRequest
	// EventError is a terminal transport or API failure.
	EventError
	// EventFinished is the successful terminal event.
	EventFinished
)

// Event is one normalized unit pushed to the caller. Exactly one terminal
// event (EventError or EventFinished) closes an exchange; cancellation
// returns early with no terminal event.
type Event struct {
	Kind         EventKind
	Text         string
	Call         *chat.FunctionCall
	Err          error
	FinishReason string
}

// Executor owns the mutable state of one exchange and is discarded when the
// exchange completes.
type Executor struct {
	client llm.Client

	mu           sync.Mutex
	state        State
	pending      []chat.FunctionCall
	finishReason string
	parts        []chat.Part
	thought      strings.Builder
}

// NewExecutor creates an executor for a single exchange.
func NewExecutor(client llm.Client) *Executor {
	return &Executor{client: client, state: StateIdle}
}

// State returns the executor's current state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// FinishReason returns the provider finish reason, set once finished.
func (e *Executor) FinishReason() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finishReason
}

// PendingToolCalls returns the tool calls accumulated during the exchange, in
// stream order. The caller executes them and feeds results back as the next
// turn's input.
func (e *Executor) PendingToolCalls() []chat.FunctionCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]chat.FunctionCall, len(e.pending))
	copy(out, e.pending)
	return out
}

// ResponseTurn assembles the model turn produced by the exchange, in stream
// order, for appending to history.
func (e *Executor) ResponseTurn() chat.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()

	parts := make([]chat.Part, 0, len(e.parts)+1)
	if text := e.thought.String(); text != "" {
		parts = append(parts, chat.Part{Thought: parseThought(text)})
	}
	for _, p := range e.parts {
		parts = append(parts, p.Clone())
	}
	return chat.Turn{Role: chat.RoleModel, Parts: parts}
}

// Run performs the exchange. Cancellation is checked at every event boundary;
// once observed the executor stops immediately without a terminal event and
// returns the context error.
func (e *Executor) Run(ctx context.Context, req *llm.ExchangeRequest, emit func(Event) error) error {
	e.mu.Lock()
	e.state = StateStreaming
	e.mu.Unlock()

	streamErr := e.client.StreamExchange(ctx, req, func(raw llm.RawEvent) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return e.consume(raw, emit)
	})

	if err := ctx.Err(); err != nil {
		e.setState(StateCancelled)
		logger.Debug("turn: exchange cancelled")
		return err
	}
	if streamErr != nil {
		e.setState(StateErrored)
		if emitErr := emit(Event{Kind: EventError, Err: streamErr}); emitErr != nil {
			return emitErr
		}
		return streamErr
	}

	e.setState(StateFinished)
	return emit(Event{Kind: EventFinished, FinishReason: e.FinishReason()})
}

func (e *Executor) consume(raw llm.RawEvent, emit func(Event) error) error {
	switch raw.Kind {
	case llm.RawText:
		e.appendText(raw.Text)
		return emit(Event{Kind: EventContent, Text: raw.Text})

	case llm.RawThought:
		e.mu.Lock()
		e.thought.WriteString(raw.Text)
		e.mu.Unlock()
		return emit(Event{Kind: EventThought, Text: raw.Text})

	case llm.RawFunctionCall:
		if raw.Call == nil {
			return nil
		}
		call := *raw.Call
		e.mu.Lock()
		e.state = StateAccumulatingToolCalls
		e.pending = append(e.pending, call)
		e.parts = append(e.parts, chat.Part{FunctionCall: call.Clone()})
		e.mu.Unlock()
		return emit(Event{Kind: EventToolCallRequest, Call: &call})

	case llm.RawFinish:
		e.mu.Lock()
		e.finishReason = raw.FinishReason
		e.mu.Unlock()
		return nil
	}
	return nil
}

// appendText merges consecutive text chunks into one part so the recorded
// turn mirrors what the provider would return non-streamed.
func (e *Executor) appendText(text string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.parts); n > 0 && e.parts[n-1].Text != "" {
		e.parts[n-1].Text += text
		return
	}
	e.parts = append(e.parts, chat.TextPart(text))
}

func (e *Executor) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// parseThought splits a "**Subject** body" reasoning blob into its parts.
func parseThought(text string) *chat.ThoughtPart {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "**") {
		if end := strings.Index(trimmed[2:], "**"); end >= 0 {
			return &chat.ThoughtPart{
				Subject: strings.TrimSpace(trimmed[2 : 2+end]),
				Text:    strings.TrimSpace(trimmed[4+end:]),
			}
		}
	}
	return &chat.ThoughtPart{Text: trimmed}
}
