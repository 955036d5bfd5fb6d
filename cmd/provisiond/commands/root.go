package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/raidan-labs/provisiond/pkg/api"
)

var (
	// Global flags
	settingsPath string
	serverURL    string
	jsonOutput   bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "provisiond",
		Short: "provisiond - tenant provisioning orchestrator",
		Long: `provisiond turns a tenant configuration into a running, reachable stack.

Each run moves through three phases, Certificate Handshake, Stack Injection
and DNS Finalization, with per-step retries, cancellation and crash
recovery. One run per tenant is active at a time.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("PROVISIOND_URL")
	if defaultURL == "" {
		defaultURL = "http://127.0.0.1:8080"
	}

	rootCmd.PersistentFlags().StringVarP(&settingsPath, "config", "c", os.Getenv("PROVISIOND_CONFIG"), "settings file path")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultURL, "control API URL")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newServeCommand(version))
	rootCmd.AddCommand(newStartCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newCancelCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newLogsCommand())
	rootCmd.AddCommand(newReportCommand())
	rootCmd.AddCommand(newWatchCommand())
	rootCmd.AddCommand(newEventsCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newRecoverCommand(version))
	rootCmd.AddCommand(newPruneCommand())

	return rootCmd
}

func newClient() *api.Client {
	return api.NewClient(serverURL)
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
