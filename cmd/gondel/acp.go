package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gondel-ai/gondel/internal/acp"
)

var acpCmd = &cobra.Command{
	Use:   "acp",
	Short: "Serve the Agent Client Protocol over stdio",
	Long: `Serve the Agent Client Protocol over stdio so editors like Zed can
drive sessions. Stdout carries protocol traffic; all logging goes to the
configured log file.`,
	Args: cobra.NoArgs,
	RunE: runACP,
}

func init() {
	rootCmd.AddCommand(acpCmd)
}

func runACP(cmd *cobra.Command, args []string) error {
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

	store, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}

	return acp.Run(ctx, cfg, client, store, nil)
}
