package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gondel-ai/gondel/internal/agent"
	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/compress"
	"github.com/gondel-ai/gondel/internal/config"
	"github.com/gondel-ai/gondel/internal/loopdetect"
	"github.com/gondel-ai/gondel/internal/session"
	"github.com/gondel-ai/gondel/internal/tools"
)

var resumeSessionID string

var promptCmd = &cobra.Command{
	Use:   "prompt [text...]",
	Short: "Run a single prompt exchange",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPrompt,
}

func init() {
	promptCmd.Flags().StringVar(&resumeSessionID, "session", "", "Resume a stored session by ID")
	rootCmd.AddCommand(promptCmd)
}

func sessionConfig(cfg *config.Config) agent.Config {
	systemPrompt := cfg.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = agent.DefaultSystemPrompt
	}
	return agent.Config{
		SystemPrompt:         systemPrompt,
		MaxTurns:             cfg.MaxTurns,
		MaxSessionTokens:     cfg.MaxSessionTokens,
		Temperature:          cfg.Temperature,
		MaxOutputTokens:      cfg.MaxOutputTokens,
		DisableLoopDetection: cfg.Loop.Disabled,
		SkipNextSpeakerCheck: cfg.SkipNextSpeakerCheck,
		PlanMode:             planMode,
		Compression: compress.Config{
			TokenThreshold:      cfg.Compression.TokenThreshold,
			PreserveRecentTurns: cfg.Compression.PreserveRecentTurns,
		},
		Loop: loopdetect.Config{
			ToolCallThreshold:     cfg.Loop.ToolCallThreshold,
			ContentChunkSize:      cfg.Loop.ContentChunkSize,
			ContentChunkThreshold: cfg.Loop.ContentChunkThreshold,
			MaxIdleTurns:          cfg.Loop.MaxIdleTurns,
		},
	}
}

func runPrompt(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client, err := buildClient(ctx, cfg)
	if err != nil {
		return err
	}

	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry, cfg.WorkingDir); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	sess := agent.NewSession(client, registry, nil, nil, sessionConfig(cfg))
	if resumeSessionID != "" {
		records, err := store.Load(resumeSessionID)
		if err != nil {
			return fmt.Errorf("failed to resume session: %w", err)
		}
		sess.ID = resumeSessionID
		sess.RestoreHistory(session.Reconstruct(records))
	}

	log, err := store.Open(sess.ID)
	if err != nil {
		return fmt.Errorf("failed to open session log: %w", err)
	}
	defer log.Close()
	sess.SetRecorder(log)

	text := strings.Join(args, " ")
	if err := sess.SendMessage(ctx, text, printEvent); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintln(os.Stderr, "\nInterrupted.")
			return nil
		}
		return err
	}

	fmt.Fprintf(os.Stderr, "\nSession %s (%s)\n", sess.ID, sess.Summary())
	return nil
}

// printEvent renders orchestrator events on the terminal. Content goes to
// stdout; everything else is commentary on stderr.
func printEvent(ev agent.Event) error {
	switch ev.Kind {
	case agent.EventContent:
		fmt.Print(ev.Text)
	case agent.EventThought:
		if verbose {
			fmt.Fprintf(os.Stderr, "[thinking] %s\n", strings.TrimSpace(ev.Text))
		}
	case agent.EventToolCall:
		fmt.Fprintf(os.Stderr, "\n→ %s %s\n", ev.Call.Name, summarizeArgs(ev.Call))
	case agent.EventToolResult:
		if ev.Result.Error != "" {
			fmt.Fprintf(os.Stderr, "✗ %s: %s\n", ev.Result.Name, ev.Result.Error)
		} else {
			fmt.Fprintf(os.Stderr, "✓ %s\n", ev.Result.Name)
		}
	case agent.EventCompressed:
		fmt.Fprintf(os.Stderr, "· compressed history %d → %d tokens\n",
			ev.Compression.OriginalTokens, ev.Compression.NewTokens)
	case agent.EventLoopDetected:
		fmt.Fprintln(os.Stderr, "\nStopped: the model was repeating itself without making progress.")
	case agent.EventLimitExceeded:
		fmt.Fprintf(os.Stderr, "\nStopped: session limit reached (%s).\n", ev.LimitReason)
	case agent.EventError:
		return ev.Err
	case agent.EventFinished:
		fmt.Println()
	}
	return nil
}

func summarizeArgs(call *chat.FunctionCall) string {
	if path, ok := call.Args["path"].(string); ok && path != "" {
		return path
	}
	if len(call.Args) == 0 {
		return ""
	}
	return fmt.Sprintf("(%d args)", len(call.Args))
}
