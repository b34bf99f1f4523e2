// Package agent implements the session orchestrator: it owns the chat
// history, decides when to compress, enforces turn and token limits, injects
// editor context, routes streamed events through the loop detector, drives
// the tool-call execution loop and decides whether the model should keep
// speaking.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/compress"
	"github.com/gondel-ai/gondel/internal/ide"
	"github.com/gondel-ai/gondel/internal/llm"
	"github.com/gondel-ai/gondel/internal/logger"
	"github.com/gondel-ai/gondel/internal/loopdetect"
	"github.com/gondel-ai/gondel/internal/tools"
	"github.com/gondel-ai/gondel/internal/turn"
)

// HardMaxTurns bounds a session regardless of configuration, so adversarial
// continuation loops always terminate.
const HardMaxTurns = 100

const continuePrompt = "Please continue."

const planModeReminder = "Reminder: plan mode is active. Propose and discuss a plan; do not modify any files or run mutating commands until the user approves."

// errLoopDetected aborts the stream from inside the emit callback.
var errLoopDetected = errors.New("loop detected")

// DefaultSystemPrompt is used when the configuration does not supply one.
const DefaultSystemPrompt = `You are a coding assistant operating on the user's working directory.
Use the available tools to read, write and list files when the task calls for
it. Prefer small, verifiable steps: inspect before editing, and report what you
changed. When you are done, summarize the result briefly.`

// EventKind tags the orchestrator's event union.
type EventKind int

const (
	// EventContent is a chunk of visible model text.
	EventContent EventKind = iota
	// EventThought is a chunk of internal reasoning.
	EventThought
	// EventToolCall announces a tool invocation request.
	EventToolCall
	// EventToolResult reports an executed tool call.
	EventToolResult
	// EventCompressed reports a successful history compression.
	EventCompressed
	// EventLoopDetected reports deliberate early termination, distinct from
	// errors so the caller can explain why the exchange stopped.
	EventLoopDetected
	// EventLimitExceeded reports a terminal session limit.
	EventLimitExceeded
	// EventError is a terminal transport or API failure.
	EventError
	// EventFinished closes the whole prompt exchange.
	EventFinished
)

// Event is one unit pushed to the caller during a prompt exchange.
type Event struct {
	Kind        EventKind
	Text        string
	Call        *chat.FunctionCall
	Result      *chat.FunctionResponse
	Compression *compress.Result
	LimitReason string
	Err         error
}

// Recorder persists turns and checkpoints as they happen. Implementations
// must tolerate being called mid-exchange.
type Recorder interface {
	RecordTurn(turn chat.Turn) error
	RecordCheckpoint(cp chat.Checkpoint) error
}

// Config tunes one session.
type Config struct {
	SystemPrompt string
	// MaxTurns is clamped to HardMaxTurns. Zero means the hard cap.
	MaxTurns int
	// MaxSessionTokens terminates the session when the curated history
	// exceeds it. Zero disables the check.
	MaxSessionTokens int

	Temperature     float64
	MaxOutputTokens int

	DisableLoopDetection bool
	SkipNextSpeakerCheck bool

	// PlanMode prepends a behavioral reminder on fresh prompts.
	PlanMode bool
	// Subagents lists delegable agent names mentioned on fresh prompts.
	Subagents []string

	Compression compress.Config
	Loop        loopdetect.Config
}

func (c Config) effectiveMaxTurns() int {
	if c.MaxTurns <= 0 || c.MaxTurns > HardMaxTurns {
		return HardMaxTurns
	}
	return c.MaxTurns
}

// Session is the top-level controller for one chat session. It is not safe
// for concurrent prompts: one exchange must fully resolve before the next.
type Session struct {
	ID string

	client   llm.Client
	registry *tools.Registry
	editor   ide.Provider
	recorder Recorder
	cfg      Config

	history  *chat.History
	comp     *compress.Service
	detector *loopdetect.Detector

	turnCount    int
	apiDuration  time.Duration
	promptID     string
	lastSnapshot *ide.Snapshot
	injectedOnce bool
}

// NewSession assembles a session. editor and recorder may be nil.
func NewSession(client llm.Client, registry *tools.Registry, editor ide.Provider, recorder Recorder, cfg Config) *Session {
	return &Session{
		ID:       uuid.NewString(),
		client:   client,
		registry: registry,
		editor:   editor,
		recorder: recorder,
		cfg:      cfg,
		history:  chat.NewHistory(),
		comp:     compress.NewService(client, cfg.Compression),
		detector: loopdetect.New(cfg.Loop),
	}
}

// SetRecorder attaches a persistence sink after construction. Useful when the
// sink's identity depends on the session ID.
func (s *Session) SetRecorder(r Recorder) { s.recorder = r }

// TurnCount returns the number of exchanges entered so far.
func (s *Session) TurnCount() int { return s.turnCount }

// APIDuration returns cumulative time spent in model calls.
func (s *Session) APIDuration() time.Duration { return s.apiDuration }

// History returns a snapshot of the raw history.
func (s *Session) History() []chat.Turn { return s.history.Turns(false) }

// RestoreHistory seeds the session from reconstructed turns.
func (s *Session) RestoreHistory(turns []chat.Turn) {
	s.history.Replace(turns)
	s.lastSnapshot = nil
	s.injectedOnce = false
}

// CompressNow forces a compression attempt, applying the result on success.
func (s *Session) CompressNow(ctx context.Context) (*compress.Result, error) {
	result, err := s.comp.Compress(ctx, s.cfg.SystemPrompt, s.history.Turns(true), true)
	if err != nil {
		return result, err
	}
	if result.Status.Compressed() {
		s.applyCompression(result)
	}
	return result, nil
}

// SendMessage runs one full prompt exchange: the initial model turn, the tool
// loop and any autonomous continuations. Events are pushed to emit as they
// happen; exactly one EventFinished, EventError, EventLoopDetected or
// EventLimitExceeded terminates the exchange unless the context is cancelled
// first.
func (s *Session) SendMessage(ctx context.Context, text string, emit func(Event) error) error {
	s.promptID = uuid.NewString()
	s.detector.Reset(s.promptID)

	input := []chat.Part{chat.TextPart(text)}
	return s.run(ctx, input, true, emit)
}

func (s *Session) run(ctx context.Context, input []chat.Part, fresh bool, emit func(Event) error) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if reason := s.limitReached(); reason != "" {
			logger.Info("agent: session limit reached (%s) after %d turns", reason, s.turnCount)
			return emit(Event{Kind: EventLimitExceeded, LimitReason: reason})
		}
		s.turnCount++

		if err := s.maybeCompress(ctx, emit); err != nil {
			return err
		}

		input = s.injectContext(input, fresh)
		if fresh {
			input = s.augmentPrompt(input)
		}

		if !s.cfg.DisableLoopDetection && s.detector.TurnStarted() {
			return emit(Event{Kind: EventLoopDetected})
		}

		inputTurn := llm.InputTurn(input)
		s.history.Append(inputTurn)
		s.record(inputTurn)

		executor := turn.NewExecutor(s.client)
		req := &llm.ExchangeRequest{
			SystemPrompt:    s.cfg.SystemPrompt,
			History:         s.history.Turns(true),
			Tools:           s.registry.Declarations(),
			Temperature:     s.cfg.Temperature,
			MaxOutputTokens: s.cfg.MaxOutputTokens,
		}

		started := time.Now()
		runErr := executor.Run(ctx, req, func(ev turn.Event) error {
			return s.routeEvent(ev, emit)
		})
		s.apiDuration += time.Since(started)

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(runErr, errLoopDetected) {
			// Deliberate early termination: no partial tool execution.
			return emit(Event{Kind: EventLoopDetected})
		}
		if runErr != nil {
			// The terminal error event was already forwarded.
			return runErr
		}

		response := executor.ResponseTurn()
		s.history.Append(response)
		s.record(response)

		pending := executor.PendingToolCalls()
		if len(pending) > 0 {
			results, err := s.executeTools(ctx, pending, emit)
			if err != nil {
				// The model turn already carries these calls; every call must
				// still get a response or the history cannot be resumed.
				s.abortPendingCalls(pending, results)
				return err
			}
			input = results
			fresh = false
			continue
		}

		if s.shouldContinue(ctx) {
			logger.Debug("agent: model continues autonomously (turn %d)", s.turnCount)
			input = []chat.Part{chat.TextPart(continuePrompt)}
			fresh = false
			continue
		}

		return emit(Event{Kind: EventFinished})
	}
}

func (s *Session) limitReached() string {
	if s.turnCount >= s.cfg.effectiveMaxTurns() {
		return "max_turns"
	}
	if s.cfg.MaxSessionTokens > 0 {
		if s.client.CountTokens(s.cfg.SystemPrompt, s.history.Turns(true)) >= s.cfg.MaxSessionTokens {
			return "max_session_tokens"
		}
	}
	return ""
}

func (s *Session) maybeCompress(ctx context.Context, emit func(Event) error) error {
	result, err := s.comp.Compress(ctx, s.cfg.SystemPrompt, s.history.Turns(true), false)
	if err != nil {
		// Compression failure is non-fatal; proceed with the old history.
		logger.Warn("agent: compression failed: %v", err)
		return nil
	}
	if !result.Status.Compressed() {
		return nil
	}
	s.applyCompression(result)
	return emit(Event{Kind: EventCompressed, Compression: result})
}

func (s *Session) applyCompression(result *compress.Result) {
	s.history.Replace(result.NewHistory)
	if result.Checkpoint != nil && s.recorder != nil {
		if err := s.recorder.RecordCheckpoint(*result.Checkpoint); err != nil {
			logger.Warn("agent: cannot record checkpoint: %v", err)
		}
	}
	// History was rebuilt; the next context injection sends a full snapshot.
	s.lastSnapshot = nil
	s.injectedOnce = false
}

// injectContext prepends an editor-state message: the full snapshot on the
// first message of a session or after a history reset, a delta otherwise.
// Tool results are passed through untouched — context must not separate a
// function call from its response.
func (s *Session) injectContext(input []chat.Part, fresh bool) []chat.Part {
	if s.editor == nil {
		return input
	}
	for _, part := range input {
		if part.FunctionResponse != nil {
			return input
		}
	}

	snap, ok := s.editor.CurrentSnapshot()
	if !ok {
		return input
	}

	var text string
	if !s.injectedOnce {
		text = snap.Render()
	} else {
		text = snap.DiffFrom(s.lastSnapshot)
	}
	s.lastSnapshot = snap
	s.injectedOnce = true

	if text == "" {
		return input
	}
	return append([]chat.Part{chat.TextPart(text)}, input...)
}

// augmentPrompt prepends applicable reminders. Called only on genuinely new
// user prompts, never on continuations, so reminders are not duplicated.
func (s *Session) augmentPrompt(input []chat.Part) []chat.Part {
	var reminders []chat.Part
	if s.cfg.PlanMode {
		reminders = append(reminders, chat.TextPart(planModeReminder))
	}
	if len(s.cfg.Subagents) > 0 {
		reminders = append(reminders, chat.TextPart(
			"Available subagents you can delegate to: "+strings.Join(s.cfg.Subagents, ", ")+"."))
	}
	if len(reminders) == 0 {
		return input
	}
	return append(reminders, input...)
}

// routeEvent forwards a turn event to the caller, feeding it through the
// loop detector first. Returning errLoopDetected aborts the stream.
func (s *Session) routeEvent(ev turn.Event, emit func(Event) error) error {
	if !s.cfg.DisableLoopDetection {
		var detected bool
		switch ev.Kind {
		case turn.EventContent:
			detected = s.detector.AddAndCheck(loopdetect.Event{Kind: loopdetect.EventContent, Content: ev.Text})
		case turn.EventToolCallRequest:
			detected = s.detector.AddAndCheck(loopdetect.Event{
				Kind:     loopdetect.EventToolCall,
				ToolName: ev.Call.Name,
				ToolArgs: ev.Call.Args,
			})
		}
		if detected {
			return errLoopDetected
		}
	}

	switch ev.Kind {
	case turn.EventContent:
		return emit(Event{Kind: EventContent, Text: ev.Text})
	case turn.EventThought:
		return emit(Event{Kind: EventThought, Text: ev.Text})
	case turn.EventToolCallRequest:
		return emit(Event{Kind: EventToolCall, Call: ev.Call})
	case turn.EventError:
		if errors.Is(ev.Err, errLoopDetected) {
			return nil
		}
		return emit(Event{Kind: EventError, Err: ev.Err})
	case turn.EventFinished:
		// Internal per-exchange boundary; the session emits its own terminal.
		return nil
	}
	return nil
}

// executeTools runs the calls in order. On failure it returns the responses
// gathered so far alongside the error.
func (s *Session) executeTools(ctx context.Context, calls []chat.FunctionCall, emit func(Event) error) ([]chat.Part, error) {
	parts := make([]chat.Part, 0, len(calls))
	for i := range calls {
		if err := ctx.Err(); err != nil {
			return parts, err
		}
		resp := s.registry.ExecuteCall(ctx, calls[i])
		r := resp
		parts = append(parts, chat.Part{FunctionResponse: &r})
		if err := emit(Event{Kind: EventToolResult, Result: &resp}); err != nil {
			return parts, err
		}
	}
	return parts, nil
}

// abortPendingCalls closes out an interrupted tool loop: calls that never ran
// are answered with an error response, and the combined tool turn is appended
// so the persisted history never ends on an unanswered function call.
func (s *Session) abortPendingCalls(calls []chat.FunctionCall, executed []chat.Part) {
	answered := make(map[string]bool, len(executed))
	for _, p := range executed {
		if p.FunctionResponse != nil {
			answered[p.FunctionResponse.ID] = true
		}
	}

	parts := append([]chat.Part(nil), executed...)
	for i := range calls {
		if answered[calls[i].ID] {
			continue
		}
		parts = append(parts, chat.Part{FunctionResponse: &chat.FunctionResponse{
			ID:    calls[i].ID,
			Name:  calls[i].Name,
			Error: "interrupted before execution",
		}})
	}
	if len(parts) == 0 {
		return
	}

	toolTurn := llm.InputTurn(parts)
	s.history.Append(toolTurn)
	s.record(toolTurn)
}

func (s *Session) record(t chat.Turn) {
	if s.recorder == nil {
		return
	}
	if err := s.recorder.RecordTurn(t); err != nil {
		logger.Warn("agent: cannot record turn: %v", err)
	}
}

// Summary describes the session counters for status displays.
func (s *Session) Summary() string {
	return fmt.Sprintf("session %s: %d turns, %s of model time, %d history turns",
		s.ID, s.turnCount, s.apiDuration.Round(time.Millisecond), s.history.Len())
}
