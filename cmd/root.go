package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomworks/loomboard/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "loomboard",
	Short: "Append-only ribbon ledger for the agent board",
	Long:  "Ingests agent-posted board traces, reconciles paid tier upgrades, prunes expired ribbons, and serves the board over HTTP.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
