package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gondel-ai/gondel/internal/config"
	"github.com/gondel-ai/gondel/internal/llm"
	"github.com/gondel-ai/gondel/internal/logger"
	"github.com/gondel-ai/gondel/internal/session"
)

var (
	configFile  string
	provider    string
	model       string
	workingDir  string
	temperature float64
	maxTurns    int
	planMode    bool
	verbose     bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "gondel",
	Short: "Agentic coding assistant",
	Long: `Gondel is an agentic coding assistant that drives LLM tool loops
against your working directory.

- prompt:   run a single prompt exchange from the command line
- acp:      serve the Agent Client Protocol over stdio for editors
- sessions: inspect and manage stored sessions

Use 'gondel help <command>' for more information on a specific command.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Configuration file (JSON)")
	rootCmd.PersistentFlags().StringVar(&provider, "provider", "", "LLM provider (anthropic, openai, google)")
	rootCmd.PersistentFlags().StringVar(&model, "model", "", "Model ID override")
	rootCmd.PersistentFlags().StringVarP(&workingDir, "working-dir", "C", "", "Working directory for tools")
	rootCmd.PersistentFlags().Float64Var(&temperature, "temperature", 0, "Temperature parameter (0 keeps the configured value)")
	rootCmd.PersistentFlags().IntVar(&maxTurns, "max-turns", 0, "Maximum model turns per prompt (0 keeps the configured value)")
	rootCmd.PersistentFlags().BoolVar(&planMode, "plan", false, "Plan mode: discuss before editing")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}

// loadConfig resolves the effective configuration: file, then flag overrides.
func loadConfig() (*config.Config, error) {
	path := configFile
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if provider != "" {
		cfg.Provider = provider
	}
	if model != "" {
		cfg.Model = model
	}
	if workingDir != "" {
		cfg.WorkingDir = workingDir
	}
	if temperature > 0 {
		cfg.Temperature = temperature
	}
	if maxTurns > 0 {
		cfg.MaxTurns = maxTurns
	}
	if verbose {
		cfg.LogLevel = "debug"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return nil, fmt.Errorf("failed to initialize logging: %w", err)
	}
	return cfg, nil
}

func buildClient(ctx context.Context, cfg *config.Config) (llm.Client, error) {
	apiKey := cfg.APIKey()
	if apiKey == "" {
		return nil, fmt.Errorf("no API key found for provider %q (set the provider's environment variable)", cfg.Provider)
	}
	return llm.NewClient(ctx, llm.ProviderConfig{
		Provider:      cfg.Provider,
		APIKey:        apiKey,
		Model:         cfg.Model,
		BaseURL:       cfg.BaseURL,
		RetryAttempts: cfg.RetryAttempts,
	})
}

func openStore(cfg *config.Config) (*session.Store, error) {
	return session.NewStore(cfg.SessionDir)
}

// signalContext returns a context cancelled by SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
