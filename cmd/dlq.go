package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/loomworks/loomboard/internal/dispatch"
	"github.com/loomworks/loomboard/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and re-drive dead-lettered events",
	Long:  "Lists board events that failed to apply and replays them through the ledger engine.",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered events",
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

		kind, _ := cmd.Flags().GetString("kind")
		errType, _ := cmd.Flags().GetString("error-type")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{
			Kind:      kind,
			ErrorType: errType,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "Dead-letter queue is empty.")
			return nil
		}

		formatDLQ(os.Stdout, entries)
		return nil
	},
}

// -- dlq retry --

var dlqRetryCmd = &cobra.Command{
	Use:   "retry [entry-id]",
	Short: "Replay dead-lettered events through the engine",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()

		all, _ := cmd.Flags().GetBool("all")
		if len(args) == 0 && !all {
			return eris.New("pass an entry id or --all")
		}

		engine, st, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		bridge := dispatch.NewBridge(engine, st, dispatch.NewChannelConsumer(), cfg.Dispatch, cfg.Retry.DLQMaxRetries)

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{})
		if err != nil {
			return eris.Wrap(err, "dlq retry")
		}

		var replayed, failed int
		now := time.Now().UTC()
		for _, entry := range entries {
			if !all && entry.ID != args[0] {
				continue
			}
			if all && (!entry.CanRetry() || entry.NextRetryAt.After(now)) {
				continue
			}
			if err := bridge.Redrive(ctx, entry); err != nil {
				zap.L().Warn("redrive failed", zap.String("id", entry.ID), zap.Error(err))
				failed++
				continue
			}
			replayed++
		}

		if !all && replayed == 0 && failed == 0 {
			return eris.Errorf("no dead-letter entry %s", args[0])
		}
		fmt.Printf("replayed %d, failed %d\n", replayed, failed)
		return nil
	},
}

func formatDLQ(w io.Writer, entries []resilience.DLQEntry) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTYPE\tRETRIES\tNEXT RETRY\tERROR")
	for _, e := range entries {
		errText := e.Error
		if len(errText) > 50 {
			errText = errText[:47] + "..."
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
			e.ID, e.Kind, e.ErrorType, e.RetryCount, e.MaxRetries,
			e.NextRetryAt.UTC().Format(time.RFC3339), errText)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	dlqListCmd.Flags().String("kind", "", "filter by kind (trace, purchase)")
	dlqListCmd.Flags().String("error-type", "", "filter by error type (transient, permanent)")
	dlqListCmd.Flags().Int("limit", 50, "maximum entries to list")
	dlqRetryCmd.Flags().Bool("all", false, "replay every retryable entry that is due")
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqRetryCmd)
	rootCmd.AddCommand(dlqCmd)
}
