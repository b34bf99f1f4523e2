package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gondel-ai/gondel/internal/chat"
	"github.com/gondel-ai/gondel/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and manage stored sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored sessions, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		infos, err := store.List()
		if err != nil {
			return err
		}
		if len(infos) == 0 {
			fmt.Println("No stored sessions.")
			return nil
		}
		for _, info := range infos {
			fmt.Printf("%s  %s  %6d bytes\n", info.ID, info.Modified.Format("2006-01-02 15:04"), info.Size)
		}
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a session's reconstructed conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		records, err := store.Load(args[0])
		if err != nil {
			return err
		}
		for _, turn := range session.Reconstruct(records) {
			printTurn(turn)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a stored session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}

		if err := store.Delete(args[0]); err != nil {
			return err
		}
		fmt.Printf("Deleted session %s\n", args[0])
		return nil
	},
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsShowCmd, sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func printTurn(turn chat.Turn) {
	label := string(turn.Role)
	text := strings.TrimSpace(turn.Text())

	switch turn.Role {
	case chat.RoleModel:
		for _, call := range turn.FunctionCalls() {
			fmt.Printf("[%s] → %s %s\n", label, call.Name, summarizeArgs(&call))
		}
	case chat.RoleTool:
		for _, part := range turn.Parts {
			if part.FunctionResponse != nil {
				fmt.Printf("[%s] ✓ %s\n", label, part.FunctionResponse.Name)
			}
		}
	}
	if text != "" {
		fmt.Printf("[%s] %s\n", label, text)
	}
}
