package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Settings configures the provisiond process itself, as opposed to the
// per-run Provisioning documents.
type Settings struct {
	// DatabasePath is the SQLite file holding runs, logs, reports and audit.
	DatabasePath string `yaml:"database_path" validate:"required"`

	// ListenAddress is the HTTP control API address.
	ListenAddress string `yaml:"listen_address" validate:"required,hostname_port"`

	// GracePeriod bounds how long a cancelled step may take to stop.
	GracePeriod time.Duration `yaml:"grace_period" validate:"gte=0"`

	// ShutdownTimeout bounds how long serve waits for active runs on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gte=0"`

	// PipelineFile optionally replaces the built-in pipeline.
	PipelineFile string `yaml:"pipeline_file,omitempty"`

	// PolicyDir holds admission policies (*.rego). Empty disables them.
	PolicyDir string `yaml:"policy_dir,omitempty"`

	// SecretsDir is the base directory for relative file: secret handles.
	SecretsDir string `yaml:"secrets_dir,omitempty"`

	// WorkDir holds rendered stack documents before upload.
	WorkDir string `yaml:"work_dir" validate:"required"`

	Logging   LogSettings      `yaml:"logging"`
	Metrics   MetricsSettings  `yaml:"metrics"`
	Tracing   TracingSettings  `yaml:"tracing"`
	SSH       SSHSettings      `yaml:"ssh"`
	Endpoints EndpointSettings `yaml:"endpoints"`
}

// LogSettings configures process logging.
type LogSettings struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// MetricsSettings configures the Prometheus endpoint of the control API.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path" validate:"required_if=Enabled true,omitempty,startswith=/"`
}

// TracingSettings configures OpenTelemetry export.
type TracingSettings struct {
	Exporter     string  `yaml:"exporter" validate:"oneof=none stdout otlp"`
	Endpoint     string  `yaml:"endpoint" validate:"required_if=Exporter otlp"`
	SamplingRate float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
	Insecure     bool    `yaml:"insecure"`
}

// SSHSettings configures remote step execution.
type SSHSettings struct {
	// KeyRef is a secret handle for the private key.
	KeyRef string `yaml:"key_ref,omitempty" validate:"omitempty,secretref"`

	// KnownHostsFile enables host key verification when set.
	KnownHostsFile string `yaml:"known_hosts_file,omitempty"`

	ConnectTimeout time.Duration `yaml:"connect_timeout" validate:"gte=0"`
}

// EndpointSettings holds the base URLs of the external collaborators.
type EndpointSettings struct {
	// DNSProvider is the Cloudflare API base URL.
	DNSProvider string `yaml:"dns_provider" validate:"required,url"`

	// ContainerManager is the container/stack manager API base URL.
	ContainerManager string `yaml:"container_manager,omitempty" validate:"omitempty,url"`

	// Resolver is the DNS server used to verify propagation (host:port).
	Resolver string `yaml:"resolver,omitempty" validate:"omitempty,hostname_port"`
}

// DefaultSettings returns the settings used when no file is given.
func DefaultSettings() *Settings {
	return &Settings{
		DatabasePath:    "provisiond.db",
		ListenAddress:   "127.0.0.1:8080",
		GracePeriod:     10 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		WorkDir:         os.TempDir(),
		Logging: LogSettings{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsSettings{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingSettings{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		SSH: SSHSettings{
			ConnectTimeout: 15 * time.Second,
		},
		Endpoints: EndpointSettings{
			DNSProvider: "https://api.cloudflare.com/client/v4",
			Resolver:    "1.1.1.1:53",
		},
	}
}

// LoadSettings loads .env files (when present), then the YAML file at path
// (when non-empty) over the defaults, then PROVISIOND_* environment
// overrides, and validates the result.
func LoadSettings(path string) (*Settings, error) {
	// .env files are optional
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load()

	s := DefaultSettings()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read settings %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, s); err != nil {
			return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
		}
	}
	if err := s.applyEnv(); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the settings.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.PipelineFile != "" {
		if _, err := os.Stat(s.PipelineFile); err != nil {
			return fmt.Errorf("invalid settings: pipeline_file: %w", err)
		}
	}
	if s.PolicyDir != "" {
		info, err := os.Stat(s.PolicyDir)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("invalid settings: policy_dir: %w", err)
		}
		if err == nil && !info.IsDir() {
			return fmt.Errorf("invalid settings: policy_dir %s is not a directory", s.PolicyDir)
		}
	}
	return nil
}

func (s *Settings) applyEnv() error {
	strVars := map[string]*string{
		"PROVISIOND_DATABASE":          &s.DatabasePath,
		"PROVISIOND_LISTEN":            &s.ListenAddress,
		"PROVISIOND_PIPELINE_FILE":     &s.PipelineFile,
		"PROVISIOND_POLICY_DIR":        &s.PolicyDir,
		"PROVISIOND_SECRETS_DIR":       &s.SecretsDir,
		"PROVISIOND_WORK_DIR":          &s.WorkDir,
		"PROVISIOND_SSH_KEY_REF":       &s.SSH.KeyRef,
		"PROVISIOND_DNS_PROVIDER_URL":  &s.Endpoints.DNSProvider,
		"PROVISIOND_CONTAINER_MGR_URL": &s.Endpoints.ContainerManager,
		"PROVISIOND_OTLP_ENDPOINT":     &s.Tracing.Endpoint,
		"LOG_LEVEL":                    &s.Logging.Level,
		"LOG_FORMAT":                   &s.Logging.Format,
	}
	for key, dst := range strVars {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("PROVISIOND_GRACE_PERIOD"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PROVISIOND_GRACE_PERIOD: %w", err)
		}
		s.GracePeriod = d
	}
	if v := os.Getenv("PROVISIOND_METRICS"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid PROVISIOND_METRICS: %w", err)
		}
		s.Metrics.Enabled = enabled
	}
	if v := os.Getenv("PROVISIOND_TRACING"); v != "" {
		s.Tracing.Exporter = v
	}
	return nil
}
