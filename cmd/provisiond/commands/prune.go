package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/raidan-labs/provisiond/pkg/stores"
)

func newPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete settled runs older than a retention period",
		Long: `Delete settled runs, with their logs and reports, that were last
updated before the retention period. Active runs are never pruned and the
audit trail is kept.`,
		Example: `  # Keep 90 days of history
  provisiond prune --older-than 2160h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			s, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := stores.Open(cmd.Context(), stores.Config{Path: s.DatabasePath})
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().Add(-olderThan)
			n, err := store.PruneRuns(context.WithoutCancel(cmd.Context()), cutoff)
			if err != nil {
				return err
			}
			log.Info().Int64("runs", n).Time("cutoff", cutoff).Msg("Pruned settled runs")
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d run(s) settled before %s\n", n, cutoff.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "retention period")

	return cmd
}
