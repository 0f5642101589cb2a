package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/loomworks/loomboard/internal/model"
	"github.com/loomworks/loomboard/internal/monitoring"
)

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Inspect the board",
	Long:  "Commands for listing active ribbons and summarizing board health.",
}

// -- board list --

var boardListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active ribbons in display order",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()

		engine, st, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		ribbons, err := engine.ListActive(ctx, time.Now())
		if err != nil {
			return eris.Wrap(err, "board list")
		}

		if len(ribbons) == 0 {
			fmt.Fprintln(os.Stderr, "Board is empty.")
			return nil
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ribbons)
		}

		formatBoard(os.Stdout, ribbons)
		return nil
	},
}

// -- board stats --

var boardStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize board health",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		collector := monitoring.NewCollector(st, time.Duration(cfg.Board.ExpiringSoonWindow)*time.Second)
		snap, err := collector.Collect(ctx, time.Now())
		if err != nil {
			return eris.Wrap(err, "board stats")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

func formatBoard(w io.Writer, ribbons []model.RibbonRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "HASH\tAGENT\tTIER\tPAID\tEXPIRES\tMESSAGE")
	for _, r := range ribbons {
		expires := "never"
		if r.ExpiresAt != nil {
			expires = r.ExpiresAt.UTC().Format(time.RFC3339)
		}
		paid := ""
		if r.Paid {
			paid = "yes"
		}
		msg := r.Message
		if len(msg) > 60 {
			msg = msg[:57] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.Hash, r.AgentID, r.Tier, paid, expires, msg)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	boardListCmd.Flags().Bool("json", false, "emit JSON instead of a table")
	boardCmd.AddCommand(boardListCmd)
	boardCmd.AddCommand(boardStatsCmd)
	rootCmd.AddCommand(boardCmd)
}
