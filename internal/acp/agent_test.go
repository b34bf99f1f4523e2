package acp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/coder/acp-go-sdk"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/config"
	"github.com/gondel-ai/gondel/internal/llm"
	"github.com/gondel-ai/gondel/internal/session"
)

type stubClient struct{}

func (c *stubClient) StreamExchange(ctx context.Context, req *llm.ExchangeRequest, emit func(llm.RawEvent) error) error {
	if err := emit(llm.RawEvent{Kind: llm.RawText, Text: "ok"}); err != nil {
		return err
	}
	return emit(llm.RawEvent{Kind: llm.RawFinish, FinishReason: "stop"})
}

func (c *stubClient) GenerateStructured(ctx context.Context, req *llm.StructuredRequest) (json.RawMessage, error) {
	return json.RawMessage(`{"next_speaker": "user"}`), nil
}

func (c *stubClient) CountTokens(systemPrompt string, turns []chat.Turn) int { return 10 }

func (c *stubClient) ModelID() string { return "stub" }

func (c *stubClient) ContextWindow() int { return 100000 }

func newTestAgent(t *testing.T) *Agent {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.WorkingDir = t.TempDir()

	store, err := session.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	agt := NewAgent(context.Background(), cfg, &stubClient{}, store, nil)
	t.Cleanup(func() { agt.Close() })
	return agt
}

func TestInitializeReportsCapabilities(t *testing.T) {
	agt := newTestAgent(t)

	resp, err := agt.Initialize(agt.ctx, acp.InitializeRequest{
		ClientInfo:      &acp.Implementation{Name: "test-client", Version: "1.0.0"},
		ProtocolVersion: acp.ProtocolVersionNumber,
	})
	if err != nil {
		t.Fatalf("Initialize returned error: %v", err)
	}
	if resp.ProtocolVersion != acp.ProtocolVersionNumber {
		t.Errorf("protocol version = %v", resp.ProtocolVersion)
	}
	if !resp.AgentCapabilities.LoadSession {
		t.Error("session loading capability must be advertised")
	}
	if agt.clientCaps == nil {
		t.Error("client capabilities not retained")
	}
}

func TestNewSessionRegistersSession(t *testing.T) {
	agt := newTestAgent(t)

	resp, err := agt.NewSession(agt.ctx, acp.NewSessionRequest{
		Cwd:        agt.cfg.WorkingDir,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		t.Fatalf("NewSession returned error: %v", err)
	}
	if resp.SessionId == "" {
		t.Fatal("empty session id")
	}

	agt.mu.Lock()
	state, exists := agt.sessions[string(resp.SessionId)]
	agt.mu.Unlock()
	if !exists {
		t.Fatal("session not registered")
	}
	if state.log == nil {
		t.Error("session log not opened")
	}
}

func TestNewSessionsAreIsolated(t *testing.T) {
	agt := newTestAgent(t)

	first, err := agt.NewSession(agt.ctx, acp.NewSessionRequest{Cwd: agt.cfg.WorkingDir})
	if err != nil {
		t.Fatal(err)
	}
	second, err := agt.NewSession(agt.ctx, acp.NewSessionRequest{Cwd: agt.cfg.WorkingDir})
	if err != nil {
		t.Fatal(err)
	}
	if first.SessionId == second.SessionId {
		t.Error("sessions must get distinct ids")
	}

	agt.mu.Lock()
	a, b := agt.sessions[string(first.SessionId)], agt.sessions[string(second.SessionId)]
	agt.mu.Unlock()
	if a.sess == b.sess {
		t.Error("sessions must not share an orchestrator session")
	}
}

func TestCancelStopsPromptContext(t *testing.T) {
	agt := newTestAgent(t)

	resp, err := agt.NewSession(agt.ctx, acp.NewSessionRequest{Cwd: agt.cfg.WorkingDir})
	if err != nil {
		t.Fatal(err)
	}

	if err := agt.Cancel(agt.ctx, acp.CancelNotification{SessionId: resp.SessionId}); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	agt.mu.Lock()
	state := agt.sessions[string(resp.SessionId)]
	agt.mu.Unlock()

	state.mu.Lock()
	cancelled := state.promptCtx.Err() != nil
	active := state.isActive
	state.mu.Unlock()
	if !cancelled {
		t.Error("prompt context must be cancelled")
	}
	if active {
		t.Error("session must be marked inactive")
	}
}

func TestPromptWithoutConnection(t *testing.T) {
	agt := newTestAgent(t)

	created, err := agt.NewSession(agt.ctx, acp.NewSessionRequest{Cwd: agt.cfg.WorkingDir})
	if err != nil {
		t.Fatal(err)
	}

	// No connection is bound yet; updates must be dropped, not panic.
	resp, err := agt.Prompt(agt.ctx, acp.PromptRequest{
		SessionId: created.SessionId,
		Prompt:    []acp.ContentBlock{acp.TextBlock("hello")},
	})
	if err != nil {
		t.Fatalf("Prompt returned error: %v", err)
	}
	if resp.StopReason != acp.StopReasonEndTurn {
		t.Errorf("stop reason = %v", resp.StopReason)
	}
}

func TestConcurrentPromptAndCancel(t *testing.T) {
	agt := newTestAgent(t)

	created, err := agt.NewSession(agt.ctx, acp.NewSessionRequest{Cwd: agt.cfg.WorkingDir})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = agt.Prompt(agt.ctx, acp.PromptRequest{
				SessionId: created.SessionId,
				Prompt:    []acp.ContentBlock{acp.TextBlock("hello")},
			})
		}()
		go func() {
			defer wg.Done()
			_ = agt.Cancel(agt.ctx, acp.CancelNotification{SessionId: created.SessionId})
		}()
	}
	wg.Wait()
}

func TestCancelUnknownSessionIsHarmless(t *testing.T) {
	agt := newTestAgent(t)
	if err := agt.Cancel(agt.ctx, acp.CancelNotification{SessionId: "missing"}); err != nil {
		t.Errorf("Cancel of unknown session must not fail: %v", err)
	}
}

func TestPromptUnknownSessionFails(t *testing.T) {
	agt := newTestAgent(t)
	_, err := agt.Prompt(agt.ctx, acp.PromptRequest{
		SessionId: "missing",
		Prompt:    []acp.ContentBlock{acp.TextBlock("hello")},
	})
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestTurnToUpdate(t *testing.T) {
	if _, ok := turnToUpdate(chat.Turn{Role: chat.RoleModel}); ok {
		t.Error("empty turn must not produce an update")
	}

	update, ok := turnToUpdate(chat.UserTurn("hi"))
	if !ok || update.UserMessageChunk == nil {
		t.Errorf("user turn must become a user message update: %+v", update)
	}

	update, ok = turnToUpdate(chat.ModelTurn("hello"))
	if !ok || update.AgentMessageChunk == nil {
		t.Errorf("model turn must become an agent message update: %+v", update)
	}
}

func TestToolKindMapping(t *testing.T) {
	if toolKind("read_file") != acp.ToolKindRead {
		t.Error("read_file must map to read kind")
	}
	if toolKind("list_directory") != acp.ToolKindRead {
		t.Error("list_directory must map to read kind")
	}
	if toolKind("write_file") != acp.ToolKindEdit {
		t.Error("write_file must map to edit kind")
	}
	if toolKind("whatever") != acp.ToolKindEdit {
		t.Error("unknown tool must fall back to edit kind")
	}
}

func TestToolTitle(t *testing.T) {
	call := &chat.FunctionCall{Name: "read_file", Args: map[string]interface{}{"path": "main.go"}}
	if got := toolTitle(call); got != "Reading main.go" {
		t.Errorf("title = %q", got)
	}

	call = &chat.FunctionCall{Name: "mystery_tool"}
	if got := toolTitle(call); got != "Executing mystery_tool" {
		t.Errorf("fallback title = %q", got)
	}
}

func TestToolLocationsResolveRelativePaths(t *testing.T) {
	agt := newTestAgent(t)

	call := &chat.FunctionCall{Name: "read_file", Args: map[string]interface{}{"path": "sub/file.go"}}
	locations := agt.toolLocations(call)
	if len(locations) != 1 {
		t.Fatalf("expected 1 location, got %d", len(locations))
	}
	want := filepath.Join(agt.cfg.WorkingDir, "sub", "file.go")
	if locations[0].Path != want {
		t.Errorf("location = %q, want %q", locations[0].Path, want)
	}

	if locations := agt.toolLocations(&chat.FunctionCall{Name: "x"}); locations != nil {
		t.Errorf("no path argument must yield no locations, got %+v", locations)
	}
}

func TestTruncateForLog(t *testing.T) {
	if got := truncateForLog("  short  "); got != "short" {
		t.Errorf("got %q", got)
	}
	long := strings.Repeat("x", maxLogSnippetLen+10)
	got := truncateForLog(long)
	if len(got) != maxLogSnippetLen+len("...(truncated)") {
		t.Errorf("truncated length = %d", len(got))
	}
}
