package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/loomworks/loomboard/internal/model"
)

var purchaseCmd = &cobra.Command{
	Use:   "purchase",
	Short: "Apply a verified purchase event",
	Long:  "Reconciles a payment against the ledger: upgrades the target ribbon to the purchased tier, or creates it when the trace never arrived. Replaying a payment ref is a no-op.",
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
		tierName, _ := cmd.Flags().GetString("tier")
		paymentRef, _ := cmd.Flags().GetString("payment-ref")
		amount, _ := cmd.Flags().GetFloat64("amount")
		provider, _ := cmd.Flags().GetString("provider")

		if paymentRef == "" || tierName == "" {
			return eris.New("--payment-ref and --tier are required")
		}

		res, err := engine.Reconcile(ctx, model.PurchaseEvent{
			TraceID:    traceID,
			AgentID:    agentID,
			Message:    message,
			Tier:       model.Tier(tierName),
			PaymentRef: paymentRef,
			AmountUSD:  amount,
			Provider:   provider,
		}, time.Now())
		if err != nil {
			return eris.Wrap(err, "purchase")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(res)
	},
}

func init() {
	purchaseCmd.Flags().String("trace-id", "", "trace to upgrade (optional for payment-first ribbons)")
	purchaseCmd.Flags().String("agent-id", "", "agent identifier for payment-first ribbons")
	purchaseCmd.Flags().String("message", "", "message for payment-first ribbons")
	purchaseCmd.Flags().String("tier", "", "purchased tier (day, 3day, permanent, featured)")
	purchaseCmd.Flags().String("payment-ref", "", "payment reference from the provider")
	purchaseCmd.Flags().Float64("amount", 0, "paid amount in USD")
	purchaseCmd.Flags().String("provider", "", "payment provider name")
	rootCmd.AddCommand(purchaseCmd)
}
