package commands

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRecoverCommand(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Recover runs left active by a crashed process",
		Long: `Recover runs persisted as pending or running, then exit.

Runs whose checkpoint is a safe resume point continue from their last
succeeded step and are driven until they settle; the others are failed as
interrupted and get a report. "serve" does this automatically on startup; use this command when the
server must not be started, and never while a server uses the same
database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			s, err := loadSettings()
			if err != nil {
				return err
			}
			a, err := openApp(ctx, s, version, false)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			results, err := a.engine.Recover(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			} else if len(results) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs to recover")
			} else {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tTENANT\tDECISION\tREASON")
				for _, r := range results {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.RunID, r.Tenant, r.Decision, r.Reason)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			var failed []string
			for _, r := range results {
				if r.Handle == nil {
					continue
				}
				if _, err := r.Handle.Wait(ctx); err != nil {
					// An interrupted wait leaves the run to the next recovery.
					if errors.Is(err, context.Canceled) {
						return err
					}
					failed = append(failed, r.RunID)
				}
			}
			shutdownEngine(a.engine, s.ShutdownTimeout)
			if len(failed) > 0 {
				return fmt.Errorf("%d resumed run(s) did not succeed: %v", len(failed), failed)
			}
			return nil
		},
	}
}
