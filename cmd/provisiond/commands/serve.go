package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/raidan-labs/provisiond/pkg/api"
	"github.com/raidan-labs/provisiond/pkg/engine"
)

// httpDrainTimeout bounds how long open API connections, including event
// streams, may take to finish on shutdown.
const httpDrainTimeout = 5 * time.Second

func newServeCommand(version string) *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator and its control API",
		Long: `Run the orchestration engine and serve the control API.

On startup, runs left pending or running by a previous process are
recovered: safe checkpoints resume, the others are failed as interrupted.
On SIGINT or SIGTERM the API stops accepting requests and active runs are
given the shutdown timeout to settle; runs still active afterwards are
recovered by the next start.`,
		Example: `  # Serve with defaults (127.0.0.1:8080, ./provisiond.db)
  provisiond serve

  # Serve with a settings file on all interfaces
  provisiond serve -c /etc/provisiond/provisiond.yaml --listen 0.0.0.0:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			s, err := loadSettings()
			if err != nil {
				return err
			}
			if listen != "" {
				s.ListenAddress = listen
			}

			a, err := openApp(ctx, s, version, true)
			if err != nil {
				return err
			}
			defer a.Close(context.Background())

			results, err := a.engine.Recover(ctx)
			if err != nil {
				return fmt.Errorf("recovery failed: %w", err)
			}
			for _, r := range results {
				a.logger.WithRunID(r.RunID).WithTenant(r.Tenant).
					WithField("decision", string(r.Decision)).
					Info(r.Reason)
			}

			deps := api.Dependencies{
				Service:     a.engine,
				Audit:       a.store,
				Events:      a.tel.Events,
				Ready:       a.store.HealthCheck,
				MetricsPath: s.Metrics.Path,
				Logger:      a.tel.Logger,
			}
			if s.Metrics.Enabled {
				deps.Metrics = a.tel.Metrics.Handler()
			}
			srv := &http.Server{
				Addr:              s.ListenAddress,
				Handler:           api.NewRouter(deps),
				ReadHeaderTimeout: 10 * time.Second,
			}

			serveErr := make(chan error, 1)
			go func() {
				a.logger.WithField("address", s.ListenAddress).Info("control API listening")
				serveErr <- srv.ListenAndServe()
			}()

			select {
			case <-ctx.Done():
				log.Info().Msg("Shutting down")
			case err := <-serveErr:
				if !errors.Is(err, http.ErrServerClosed) {
					shutdownEngine(a.engine, s.ShutdownTimeout)
					return fmt.Errorf("control API failed: %w", err)
				}
			}

			drainCtx, cancel := context.WithTimeout(context.Background(), httpDrainTimeout)
			defer cancel()
			if err := srv.Shutdown(drainCtx); err != nil {
				a.logger.WithError(err).Warn("closing remaining API connections")
				_ = srv.Close()
			}
			shutdownEngine(a.engine, s.ShutdownTimeout)
			return nil
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "control API address (overrides settings)")

	return cmd
}

func shutdownEngine(e *engine.Engine, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Active runs left for recovery")
	}
}
