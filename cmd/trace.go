package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/loomworks/loomboard/internal/model"
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Post a board trace",
	Long:  "Records an agent trace on the board at the free ephemeral tier. Reposting the same trace id is a no-op.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("cli"); err != nil {
			return err
		}
		ctx := cmd.Context()

		engine, st, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		traceID, _ := cmd.Flags().GetString("trace-id")
		agentID, _ := cmd.Flags().GetString("agent-id")
		message, _ := cmd.Flags().GetString("message")
		source, _ := cmd.Flags().GetString("source")

		if traceID == "" || agentID == "" {
			return eris.New("--trace-id and --agent-id are required")
		}

		res, err := engine.Ingest(ctx, model.TracePayload{
			TraceID: traceID,
			AgentID: agentID,
			Message: message,
			Source:  source,
		}, time.Now())
		if err != nil {
			return eris.Wrap(err, "trace")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	traceCmd.Flags().String("trace-id", "", "unique trace identifier")
	traceCmd.Flags().String("agent-id", "", "posting agent identifier")
	traceCmd.Flags().String("message", "", "ribbon message")
	traceCmd.Flags().String("source", "", "origin of the trace (default api)")
	rootCmd.AddCommand(traceCmd)
}
