package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/raidan-labs/provisiond/pkg/api"
	"github.com/raidan-labs/provisiond/pkg/engine"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

func newStartCommand() *cobra.Command {
	var follow bool

	cmd := &cobra.Command{
		Use:   "start <config.yaml>",
		Short: "Start a provisioning run",
		Long: `Submit a tenant configuration and start a provisioning run.

The configuration is validated and admitted by the server; a rejected
configuration creates no run. Use "-" to read the document from stdin.`,
		Example: `  # Start a run
  provisiond start tenant.yaml

  # Start a run and follow it until it settles
  provisiond start --follow tenant.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				doc []byte
				err error
			)
			if args[0] == "-" {
				doc, err = io.ReadAll(cmd.InOrStdin())
			} else {
				doc, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to read configuration: %w", err)
			}

			snap, err := newClient().StartRun(cmd.Context(), doc)
			if err != nil {
				return err
			}
			if jsonOutput && !follow {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Run %s started for %s\n", snap.RunID, snap.Tenant)
			if follow {
				return followRun(cmd, snap.RunID)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "follow the run until it settles")

	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show the status of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := newClient().GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), snap)
			}
			printSnapshot(cmd.OutOrStdout(), snap)
			return nil
		},
	}
}

func newCancelCommand() *cobra.Command {
	var wait bool

	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel an active run",
		Long: `Request cancellation of an active run.

The in-flight step is signalled and given the grace period to stop; the
run then settles as cancelled. Completed steps are not undone.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newClient()
			if err := client.CancelRun(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for run %s\n", args[0])
			if wait {
				return followRun(cmd, args[0])
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait until the run settles")

	return cmd
}

func newListCommand() *cobra.Command {
	var tenant string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List runs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := newClient().ListRuns(cmd.Context(), tenant)
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), runs)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tTENANT\tSTATUS\tPHASE\tCREATED")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.RunID, r.Tenant, r.OverallStatus, currentPhase(r), humanize.Time(r.CreatedAt))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "only list runs of this tenant (domain)")

	return cmd
}

func newLogsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <run-id>",
		Short: "Print the log of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logs, err := newClient().Logs(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), logs)
			}
			for _, rec := range logs {
				printLogRecord(cmd.OutOrStdout(), rec)
			}
			return nil
		},
	}
}

func newReportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "report <run-id>",
		Short: "Print the final report of a settled run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := newClient().Report(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printSnapshot(cmd.OutOrStdout(), ptr(report.Snapshot()))
			if report.Failure != nil {
				for _, rec := range report.Logs {
					if rec.Phase == report.Failure.Phase && rec.Step == report.Failure.Step && rec.Outcome != "" {
						printLogRecord(cmd.OutOrStdout(), rec)
					}
				}
			}
			return nil
		},
	}
}

func newWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's transitions until it settles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return followRun(cmd, args[0])
		},
	}
}

func newEventsCommand() *cobra.Command {
	var q api.EventQuery

	cmd := &cobra.Command{
		Use:   "events",
		Short: "Stream lifecycle events of all runs",
		Long: `Stream run lifecycle events (started, retrying, failed, settled,
recovered, rejected) of every tenant until interrupted.`,
		Example: `  # Everything that needs attention
  provisiond events --level warning

  # Runs of one tenant settling
  provisiond events --tenant example.com --type run.completed,run.failed,run.cancelled`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			err := newClient().Events(cmd.Context(), q, func(e telemetry.Event) error {
				if jsonOutput {
					return json.NewEncoder(out).Encode(e)
				}
				where := e.Tenant
				if e.RunID != "" {
					where = strings.TrimSpace(where + " " + e.RunID)
				}
				_, err := fmt.Fprintf(out, "%s %-7s %-16s %s  %s\n",
					e.Timestamp.Local().Format(time.TimeOnly), strings.ToUpper(e.Level), e.Type, where, e.Message)
				return err
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&q.Tenant, "tenant", "", "only events of this tenant")
	cmd.Flags().StringVar(&q.RunID, "run", "", "only events of this run")
	cmd.Flags().StringVar(&q.Level, "level", "", "minimum level: info, warning or error")
	cmd.Flags().StringSliceVar(&q.Types, "type", nil, "only these event types")

	return cmd
}

// followRun streams transitions and fails when the run does not succeed.
func followRun(cmd *cobra.Command, runID string) error {
	out := cmd.OutOrStdout()
	var final engine.Status
	err := newClient().Follow(cmd.Context(), runID, func(event string, data json.RawMessage) error {
		if jsonOutput {
			_, err := fmt.Fprintf(out, "%s\n", data)
			return err
		}
		switch event {
		case "snapshot":
			var snap engine.RunSnapshot
			if err := json.Unmarshal(data, &snap); err != nil {
				return err
			}
			final = snap.OverallStatus
			printSnapshot(out, &snap)
		case "transition":
			var tr engine.Transition
			if err := json.Unmarshal(data, &tr); err != nil {
				return err
			}
			if tr.Level == engine.LevelRun && tr.Type == engine.TransitionStatus {
				final = tr.To
			}
			printTransition(out, tr)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if final != "" && final != engine.StatusSucceeded {
		return fmt.Errorf("run %s %s", runID, final)
	}
	return nil
}

func printSnapshot(w io.Writer, s *engine.RunSnapshot) {
	fmt.Fprintf(w, "Run %s (%s): %s\n", s.RunID, s.Tenant, s.OverallStatus)
	for _, p := range s.Phases {
		fmt.Fprintf(w, "  %-22s %s\n", p.Name, p.Status)
		for _, st := range p.Steps {
			line := fmt.Sprintf("    %-20s %-10s attempt %d/%d", st.Name, st.Status, st.Attempt, st.MaxAttempts)
			if st.LastError != nil {
				line += "  " + st.LastError.Message
			}
			fmt.Fprintln(w, line)
		}
	}
	if s.Failure != nil {
		fmt.Fprintf(w, "Failure: %s: %s\n", s.Failure.Kind, s.Failure.Message)
	}
}

func printTransition(w io.Writer, tr engine.Transition) {
	at := tr.At.Format(time.TimeOnly)
	switch {
	case tr.Type == engine.TransitionAttempt:
		msg := ""
		if tr.Error != nil {
			msg = ": " + tr.Error.Message
		}
		fmt.Fprintf(w, "%s  %s / %s attempt %d %s%s\n", at, tr.PhaseName, tr.StepName, tr.Attempt, tr.Outcome, msg)
	case tr.Level == engine.LevelRun:
		fmt.Fprintf(w, "%s  run %s -> %s\n", at, tr.From, tr.To)
	case tr.Level == engine.LevelPhase:
		fmt.Fprintf(w, "%s  %s %s -> %s\n", at, tr.PhaseName, tr.From, tr.To)
	default:
		fmt.Fprintf(w, "%s  %s / %s %s -> %s\n", at, tr.PhaseName, tr.StepName, tr.From, tr.To)
	}
}

func printLogRecord(w io.Writer, rec engine.LogRecord) {
	where := strings.Trim(rec.Phase+" / "+rec.Step, " /")
	if rec.Attempt > 0 {
		where = fmt.Sprintf("%s #%d", where, rec.Attempt)
	}
	fmt.Fprintf(w, "%s %-5s %s  %s\n", rec.Timestamp.Format(time.RFC3339), strings.ToUpper(rec.Level), where, rec.Message)
}

func currentPhase(s engine.RunSnapshot) string {
	if s.CurrentPhase >= 0 && s.CurrentPhase < len(s.Phases) {
		return s.Phases[s.CurrentPhase].Name
	}
	return "-"
}

func ptr[T any](v T) *T {
	return &v
}
