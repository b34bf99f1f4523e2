// Package acp exposes sessions over the Agent Client Protocol so editors can
// drive them through stdio. Each ACP session owns an isolated orchestrator
// session and a persistent JSONL log.
package acp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/coder/acp-go-sdk"

	"github.com/gondel-ai/gondel/internal/agent"
	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/compress"
	"github.com/gondel-ai/gondel/internal/config"
	"github.com/gondel-ai/gondel/internal/ide"
	"github.com/gondel-ai/gondel/internal/llm"
	"github.com/gondel-ai/gondel/internal/logger"
	"github.com/gondel-ai/gondel/internal/loopdetect"
	"github.com/gondel-ai/gondel/internal/session"
	"github.com/gondel-ai/gondel/internal/tools"
)

const maxLogSnippetLen = 256

func truncateForLog(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= maxLogSnippetLen {
		return s
	}
	return s[:maxLogSnippetLen] + "...(truncated)"
}

var (
	_ acp.Agent       = (*Agent)(nil)
	_ acp.AgentLoader = (*Agent)(nil)
)

// Agent bridges the ACP wire protocol to orchestrator sessions.
type Agent struct {
	cfg    *config.Config
	client llm.Client
	store  *session.Store
	editor ide.Provider

	conn *acp.AgentSideConnection

	mu         sync.Mutex
	sessions   map[string]*acpSession
	clientCaps *acp.ClientCapabilities

	ctx    context.Context
	cancel context.CancelFunc
}

// acpSession is one editor session. promptMu serializes exchanges, because
// the underlying orchestrator session handles one prompt at a time. mu guards
// the prompt lifecycle fields; the identity fields are immutable after
// construction.
type acpSession struct {
	sessionID string
	sess      *agent.Session
	log       *session.Log

	promptMu sync.Mutex

	mu           sync.Mutex
	promptCtx    context.Context
	promptCancel context.CancelFunc
	isActive     bool
}

// NewAgent assembles the ACP agent. The connection is bound later via
// SetAgentConnection because the SDK constructs it around the agent.
func NewAgent(ctx context.Context, cfg *config.Config, client llm.Client, store *session.Store, editor ide.Provider) *Agent {
	agentCtx, agentCancel := context.WithCancel(ctx)
	return &Agent{
		cfg:      cfg,
		client:   client,
		store:    store,
		editor:   editor,
		sessions: make(map[string]*acpSession),
		ctx:      agentCtx,
		cancel:   agentCancel,
	}
}

// SetAgentConnection implements acp.AgentConnAware to receive the connection after construction
func (a *Agent) SetAgentConnection(conn *acp.AgentSideConnection) {
	logger.Debug("SetAgentConnection: binding ACP connection %p", conn)
	a.conn = conn
}

// Initialize implements acp.Agent
func (a *Agent) Initialize(ctx context.Context, params acp.InitializeRequest) (acp.InitializeResponse, error) {
	logger.Info("Initializing ACP agent connection")

	a.mu.Lock()
	a.clientCaps = &params.ClientCapabilities
	a.mu.Unlock()

	logger.Debug("Initialize: client capabilities=%+v", params.ClientCapabilities)

	return acp.InitializeResponse{
		ProtocolVersion: acp.ProtocolVersionNumber,
		AgentCapabilities: acp.AgentCapabilities{
			LoadSession: true,
		},
	}, nil
}

func (a *Agent) sessionConfig() agent.Config {
	systemPrompt := a.cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = agent.DefaultSystemPrompt
	}
	return agent.Config{
		SystemPrompt:         systemPrompt,
		MaxTurns:             a.cfg.MaxTurns,
		MaxSessionTokens:     a.cfg.MaxSessionTokens,
		Temperature:          a.cfg.Temperature,
		MaxOutputTokens:      a.cfg.MaxOutputTokens,
		DisableLoopDetection: a.cfg.Loop.Disabled,
		SkipNextSpeakerCheck: a.cfg.SkipNextSpeakerCheck,
		Compression: compress.Config{
			TokenThreshold:      a.cfg.Compression.TokenThreshold,
			PreserveRecentTurns: a.cfg.Compression.PreserveRecentTurns,
		},
		Loop: loopdetect.Config{
			ToolCallThreshold:     a.cfg.Loop.ToolCallThreshold,
			ContentChunkSize:      a.cfg.Loop.ContentChunkSize,
			ContentChunkThreshold: a.cfg.Loop.ContentChunkThreshold,
			MaxIdleTurns:          a.cfg.Loop.MaxIdleTurns,
		},
	}
}

// newOrchestratorSession builds an isolated session for one ACP session. A
// non-empty id reuses an existing identity (and its log file).
func (a *Agent) newOrchestratorSession(workDir, id string) (*agent.Session, *session.Log, error) {
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, workDir); err != nil {
		return nil, nil, fmt.Errorf("failed to register tools: %w", err)
	}

	sess := agent.NewSession(a.client, registry, a.editor, nil, a.sessionConfig())
	if id != "" {
		sess.ID = id
	}

	var log *session.Log
	if a.store != nil {
		var err error
		log, err = a.store.Open(sess.ID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open session log: %w", err)
		}
		sess.SetRecorder(log)
	}
	return sess, log, nil
}

// NewSession implements acp.Agent
func (a *Agent) NewSession(ctx context.Context, params acp.NewSessionRequest) (acp.NewSessionResponse, error) {
	workDir := a.cfg.WorkingDir
	if params.Cwd != "" {
		workDir = params.Cwd
	}

	sess, log, err := a.newOrchestratorSession(workDir, "")
	if err != nil {
		return acp.NewSessionResponse{}, err
	}

	promptCtx, promptCancel := context.WithCancel(a.ctx)
	state := &acpSession{
		sessionID:    sess.ID,
		sess:         sess,
		log:          log,
		promptCtx:    promptCtx,
		promptCancel: promptCancel,
		isActive:     true,
	}

	a.mu.Lock()
	a.sessions[sess.ID] = state
	a.mu.Unlock()

	logger.Info("Created ACP session %s (cwd=%s)", sess.ID, workDir)
	return acp.NewSessionResponse{SessionId: acp.SessionId(sess.ID)}, nil
}

// Authenticate implements acp.Agent
func (a *Agent) Authenticate(ctx context.Context, params acp.AuthenticateRequest) (acp.AuthenticateResponse, error) {
	return acp.AuthenticateResponse{}, nil
}

// LoadSession implements acp.Agent. The stored JSONL log is reconstructed into
// history and replayed to the client as message updates.
func (a *Agent) LoadSession(ctx context.Context, params acp.LoadSessionRequest) (acp.LoadSessionResponse, error) {
	if a.store == nil {
		return acp.LoadSessionResponse{}, fmt.Errorf("session persistence disabled")
	}
	sessionID := string(params.SessionId)

	records, err := a.store.Load(sessionID)
	if err != nil {
		return acp.LoadSessionResponse{}, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	turns := session.Reconstruct(records)

	workDir := a.cfg.WorkingDir
	if params.Cwd != "" {
		workDir = params.Cwd
	}

	sess, log, err := a.newOrchestratorSession(workDir, sessionID)
	if err != nil {
		return acp.LoadSessionResponse{}, err
	}
	sess.RestoreHistory(turns)

	promptCtx, promptCancel := context.WithCancel(a.ctx)
	state := &acpSession{
		sessionID:    sessionID,
		sess:         sess,
		log:          log,
		promptCtx:    promptCtx,
		promptCancel: promptCancel,
		isActive:     true,
	}

	a.mu.Lock()
	a.sessions[sessionID] = state
	a.mu.Unlock()

	if err := a.streamHistory(ctx, sessionID, turns); err != nil {
		logger.Warn("LoadSession[%s]: failed to replay history: %v", sessionID, err)
	}

	logger.Info("Loaded ACP session %s with %d turns", sessionID, len(turns))
	return acp.LoadSessionResponse{}, nil
}

// streamHistory replays reconstructed turns to the client.
func (a *Agent) streamHistory(ctx context.Context, sessionID string, turns []chat.Turn) error {
	if a.conn == nil {
		return nil
	}
	for idx, turn := range turns {
		update, ok := turnToUpdate(turn)
		if !ok {
			continue
		}
		if err := a.conn.SessionUpdate(ctx, acp.SessionNotification{
			SessionId: acp.SessionId(sessionID),
			Update:    update,
		}); err != nil {
			return fmt.Errorf("failed to stream history turn %d: %w", idx, err)
		}
	}
	return nil
}

// turnToUpdate converts a stored turn into an ACP session update.
func turnToUpdate(turn chat.Turn) (acp.SessionUpdate, bool) {
	text := strings.TrimSpace(turn.Text())
	if text == "" {
		return acp.SessionUpdate{}, false
	}
	switch turn.Role {
	case chat.RoleUser:
		return acp.UpdateUserMessageText(text), true
	case chat.RoleModel:
		return acp.UpdateAgentMessageText(text), true
	default:
		return acp.SessionUpdate{}, false
	}
}

// Cancel implements acp.Agent
func (a *Agent) Cancel(ctx context.Context, params acp.CancelNotification) error {
	sessionID := string(params.SessionId)
	logger.Info("Cancelling ACP session: %s", sessionID)

	a.mu.Lock()
	state, exists := a.sessions[sessionID]
	a.mu.Unlock()
	if !exists {
		logger.Warn("Cancel[%s]: session not found", sessionID)
		return nil
	}

	state.mu.Lock()
	if state.promptCancel != nil {
		state.promptCancel()
		state.isActive = false
		logger.Debug("Cancel[%s]: prompt cancelled", sessionID)
	}
	state.mu.Unlock()

	return nil
}

// Prompt implements acp.Agent - one full prompt exchange per call.
func (a *Agent) Prompt(ctx context.Context, params acp.PromptRequest) (acp.PromptResponse, error) {
	sessionID := string(params.SessionId)
	logger.Debug("Prompt[%s]: received %d blocks", sessionID, len(params.Prompt))

	a.mu.Lock()
	state, exists := a.sessions[sessionID]
	a.mu.Unlock()
	if !exists {
		return acp.PromptResponse{}, fmt.Errorf("session %s not found", sessionID)
	}

	state.promptMu.Lock()
	defer state.promptMu.Unlock()

	state.mu.Lock()
	if state.promptCancel != nil {
		state.promptCancel()
	}
	promptCtx, promptCancel := context.WithCancel(a.ctx)
	state.promptCtx = promptCtx
	state.promptCancel = promptCancel
	state.isActive = true
	state.mu.Unlock()

	var promptText string
	for _, block := range params.Prompt {
		if block.Text != nil {
			promptText += block.Text.Text
		}
	}
	if promptText == "" {
		return acp.PromptResponse{}, fmt.Errorf("no text content found in prompt")
	}
	logger.Debug("Prompt[%s]: text=%q", sessionID, truncateForLog(promptText))

	err := a.processPrompt(promptCtx, state, promptText)
	cancelled := promptCtx.Err() != nil

	state.mu.Lock()
	if state.promptCtx == promptCtx {
		state.promptCancel = nil
		state.isActive = false
	}
	state.mu.Unlock()
	promptCancel()

	if err != nil {
		if cancelled {
			return acp.PromptResponse{StopReason: acp.StopReasonCancelled}, nil
		}
		logger.Error("Prompt[%s]: exchange failed: %v", sessionID, err)
		return acp.PromptResponse{}, err
	}
	return acp.PromptResponse{StopReason: acp.StopReasonEndTurn}, nil
}

// SetSessionMode implements acp.Agent
func (a *Agent) SetSessionMode(ctx context.Context, params acp.SetSessionModeRequest) (acp.SetSessionModeResponse, error) {
	return acp.SetSessionModeResponse{}, nil
}

// processPrompt runs the exchange and streams orchestrator events to the
// client as session updates.
func (a *Agent) processPrompt(ctx context.Context, state *acpSession, promptText string) error {
	return state.sess.SendMessage(ctx, promptText, func(ev agent.Event) error {
		return a.routeSessionEvent(state, ev)
	})
}

func (a *Agent) routeSessionEvent(state *acpSession, ev agent.Event) error {
	switch ev.Kind {
	case agent.EventContent:
		return a.sendUpdate(state, acp.UpdateAgentMessageText(ev.Text))
	case agent.EventThought:
		// Thoughts stay out of the conversation stream.
		logger.Debug("Prompt[%s]: thought %q", state.sessionID, truncateForLog(ev.Text))
		return nil
	case agent.EventToolCall:
		return a.handleToolCallStart(state, ev.Call)
	case agent.EventToolResult:
		return a.handleToolCallResult(state, ev.Result)
	case agent.EventCompressed:
		logger.Info("Prompt[%s]: history compressed %d -> %d tokens",
			state.sessionID, ev.Compression.OriginalTokens, ev.Compression.NewTokens)
		return nil
	case agent.EventLoopDetected:
		return a.sendUpdate(state, acp.UpdateAgentMessageText(
			"\n\nStopping: the model was repeating itself without making progress."))
	case agent.EventLimitExceeded:
		return a.sendUpdate(state, acp.UpdateAgentMessageText(
			fmt.Sprintf("\n\nStopping: session limit reached (%s).", ev.LimitReason)))
	case agent.EventError:
		return ev.Err
	case agent.EventFinished:
		return nil
	default:
		return nil
	}
}

func (a *Agent) sendUpdate(state *acpSession, update acp.SessionUpdate) error {
	if a.conn == nil {
		return nil
	}
	state.mu.Lock()
	ctx := state.promptCtx
	state.mu.Unlock()
	return a.conn.SessionUpdate(ctx, acp.SessionNotification{
		SessionId: acp.SessionId(state.sessionID),
		Update:    update,
	})
}

// toolKind maps builtin tool names to ACP tool kinds.
func toolKind(toolName string) acp.ToolKind {
	switch toolName {
	case "read_file", "list_directory":
		return acp.ToolKindRead
	case "write_file":
		return acp.ToolKindEdit
	default:
		return acp.ToolKindEdit
	}
}

// toolLocations extracts file locations from tool arguments.
func (a *Agent) toolLocations(call *chat.FunctionCall) []acp.ToolCallLocation {
	path, ok := call.Args["path"].(string)
	if !ok || path == "" {
		return nil
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(a.cfg.WorkingDir, path)
	}
	return []acp.ToolCallLocation{{Path: path}}
}

func toolTitle(call *chat.FunctionCall) string {
	path, _ := call.Args["path"].(string)
	switch call.Name {
	case "read_file":
		if path != "" {
			return fmt.Sprintf("Reading %s", path)
		}
	case "write_file":
		if path != "" {
			return fmt.Sprintf("Writing %s", path)
		}
	case "list_directory":
		if path != "" {
			return fmt.Sprintf("Listing %s", path)
		}
	}
	return fmt.Sprintf("Executing %s", call.Name)
}

func (a *Agent) handleToolCallStart(state *acpSession, call *chat.FunctionCall) error {
	opts := []acp.ToolCallStartOpt{
		acp.WithStartKind(toolKind(call.Name)),
		acp.WithStartStatus(acp.ToolCallStatusPending),
		acp.WithStartRawInput(call.Args),
	}
	if locations := a.toolLocations(call); len(locations) > 0 {
		opts = append(opts, acp.WithStartLocations(locations))
	}

	if err := a.sendUpdate(state, acp.StartToolCall(acp.ToolCallId(call.ID), toolTitle(call), opts...)); err != nil {
		logger.Warn("handleToolCallStart[%s]: failed to send start for %s: %v", state.sessionID, call.Name, err)
		return err
	}

	if err := a.sendUpdate(state, acp.UpdateToolCall(
		acp.ToolCallId(call.ID),
		acp.WithUpdateStatus(acp.ToolCallStatusInProgress),
	)); err != nil {
		logger.Warn("handleToolCallStart[%s]: failed to send in-progress for %s: %v", state.sessionID, call.Name, err)
	}
	return nil
}

func (a *Agent) handleToolCallResult(state *acpSession, resp *chat.FunctionResponse) error {
	status := acp.ToolCallStatusCompleted
	var content []acp.ToolCallContent

	rawOutput := map[string]interface{}{"output": resp.Output}
	if resp.Error != "" {
		status = acp.ToolCallStatusFailed
		rawOutput["error"] = resp.Error
		content = append(content, acp.ToolContent(acp.TextBlock(fmt.Sprintf("Error: %s", resp.Error))))
	} else if strings.TrimSpace(resp.Output) != "" {
		content = append(content, acp.ToolContent(acp.TextBlock(resp.Output)))
	}

	if err := a.sendUpdate(state, acp.UpdateToolCall(
		acp.ToolCallId(resp.ID),
		acp.WithUpdateStatus(status),
		acp.WithUpdateContent(content),
		acp.WithUpdateRawOutput(rawOutput),
	)); err != nil {
		logger.Warn("handleToolCallResult[%s]: failed to send result for %s: %v", state.sessionID, resp.Name, err)
		return err
	}
	return nil
}

// Close cleans up the agent and all its sessions
func (a *Agent) Close() error {
	logger.Info("Closing ACP agent")

	a.cancel()

	a.mu.Lock()
	defer a.mu.Unlock()

	for sessionID, state := range a.sessions {
		state.mu.Lock()
		if state.promptCancel != nil {
			state.promptCancel()
		}
		state.mu.Unlock()
		if state.log != nil {
			if err := state.log.Close(); err != nil {
				logger.Warn("Close: failed to close log for session %s: %v", sessionID, err)
			}
		}
		delete(a.sessions, sessionID)
	}

	return nil
}

// Run starts an ACP agent server on stdio and blocks until the connection
// closes.
func Run(ctx context.Context, cfg *config.Config, client llm.Client, store *session.Store, editor ide.Provider) error {
	logger.Info("Starting ACP agent")

	agt := NewAgent(ctx, cfg, client, store, editor)
	defer agt.Close()

	conn := acp.NewAgentSideConnection(agt, os.Stdout, os.Stdin)
	// Route ACP SDK logs through our logger to avoid stdout writes
	if handler := logger.NewSlogHandler(logger.Global()); handler != nil {
		conn.SetLogger(slog.New(handler))
	}
	agt.SetAgentConnection(conn)

	<-conn.Done()
	logger.Info("ACP agent connection closed")

	return nil
}
