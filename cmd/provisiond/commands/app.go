package commands

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/raidan-labs/provisiond/pkg/actions"
	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
	"github.com/raidan-labs/provisiond/pkg/pipeline"
	"github.com/raidan-labs/provisiond/pkg/policy"
	"github.com/raidan-labs/provisiond/pkg/secrets"
	"github.com/raidan-labs/provisiond/pkg/stores"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// app is the fully wired process: store, admission, actions and engine.
type app struct {
	settings  *config.Settings
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	store     *stores.SQLiteStore
	resolver  *secrets.Resolver
	policies  *policy.Engine
	loader    *policy.Loader
	pipelines *pipeline.Source
	engine    *engine.Engine
}

func loadSettings() (*config.Settings, error) {
	s, err := config.LoadSettings(settingsPath)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("database", s.DatabasePath).Str("listen", s.ListenAddress).Msg("Settings loaded")
	return s, nil
}

func newTelemetry(s *config.Settings, version string) (*telemetry.Telemetry, error) {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = s.Logging.Level
	cfg.Logging.Format = s.Logging.Format
	cfg.Logging.Output = "stderr"
	cfg.Tracing.Enabled = s.Tracing.Exporter != "none"
	cfg.Tracing.Exporter = s.Tracing.Exporter
	cfg.Tracing.Endpoint = s.Tracing.Endpoint
	cfg.Tracing.SamplingRate = s.Tracing.SamplingRate
	cfg.Tracing.Insecure = s.Tracing.Insecure
	cfg.Metrics.Enabled = s.Metrics.Enabled
	cfg.Metrics.Path = s.Metrics.Path
	return telemetry.NewTelemetry(cfg)
}

// newPolicies builds the admission policy engine. Policies in
// s.PolicyDir are loaded, and watched for changes when watch is set.
func newPolicies(ctx context.Context, s *config.Settings, tel *telemetry.Telemetry, watch bool) (*policy.Engine, *policy.Loader, error) {
	policies, err := policy.NewEngine(policy.Options{Logger: tel.Logger, Events: tel.Events})
	if err != nil {
		return nil, nil, err
	}
	if s.PolicyDir == "" {
		return policies, nil, nil
	}
	if _, err := os.Stat(s.PolicyDir); errors.Is(err, fs.ErrNotExist) {
		tel.Logger.WithField("dir", s.PolicyDir).Warn("policy directory does not exist, using built-in policies")
		return policies, nil, nil
	}
	loader := policy.NewLoader(tel.Logger)
	if err := policy.LoadDir(ctx, policies, loader, s.PolicyDir, watch); err != nil {
		return nil, nil, fmt.Errorf("failed to load policies: %w", err)
	}
	return policies, loader, nil
}

func newPipelines(s *config.Settings) (*pipeline.Source, error) {
	opts := pipeline.Options{
		Endpoints: pipeline.Endpoints{
			DNSProvider:      s.Endpoints.DNSProvider,
			ContainerManager: s.Endpoints.ContainerManager,
			Resolver:         s.Endpoints.Resolver,
		},
		WorkDir: s.WorkDir,
	}
	if s.PipelineFile != "" {
		return pipeline.Load(s.PipelineFile, opts)
	}
	return pipeline.Default(opts)
}

// openApp wires every component from s. The caller must Close the app.
func openApp(ctx context.Context, s *config.Settings, version string, watchPolicies bool) (*app, error) {
	tel, err := newTelemetry(s, version)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a := &app{settings: s, tel: tel, logger: tel.Logger.NewComponentLogger("provisiond")}

	a.store, err = stores.Open(ctx, stores.Config{Path: s.DatabasePath})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.resolver = secrets.NewResolver(secrets.NewRedactor(), secrets.WithBaseDir(s.SecretsDir))

	a.policies, a.loader, err = newPolicies(ctx, s, tel, watchPolicies)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.pipelines, err = newPipelines(s)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	handlers := actions.New(actions.Deps{
		Secrets:     a.resolver,
		SSH:         s.SSH,
		DNSProvider: s.Endpoints.DNSProvider,
		GracePeriod: s.GracePeriod,
		Logger:      tel.Logger,
	})

	a.engine, err = engine.New(engine.Config{
		Store:       a.store,
		Actions:     handlers,
		Pipelines:   a.pipelines,
		Admitters:   []engine.Admitter{a.resolver, a.policies},
		Telemetry:   tel,
		GracePeriod: s.GracePeriod,
		Redact:      a.resolver.Redactor().Redact,
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	return a, nil
}

// Close releases the store, the policy watcher and telemetry. It does not
// wait for active runs; callers shut the engine down first.
func (a *app) Close(ctx context.Context) {
	if a.loader != nil {
		if err := a.loader.StopWatching(); err != nil {
			a.logger.WithError(err).Warn("failed to stop policy watcher")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close store")
		}
	}
	if err := a.tel.Shutdown(ctx); err != nil {
		a.logger.WithError(err).Warn("failed to shut down telemetry")
	}
}
