package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired ribbons",
	Long:  "Runs a single expiry sweep and reports the removed trace ids. The serve command runs this continuously.",
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

		res, err := engine.Prune(ctx, time.Now())
		if err != nil {
			return eris.Wrap(err, "prune")
		}

		if len(res.Removed) == 0 {
			fmt.Fprintln(os.Stderr, "Nothing to prune.")
			return nil
		}
		for _, id := range res.Removed {
			fmt.Println(id)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pruneCmd)
}
