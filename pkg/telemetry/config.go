package telemetry

import (
	"errors"
	"fmt"
	"slices"
)

// Config selects how provisiond reports on itself.
type Config struct {
	// ServiceName and ServiceVersion identify the process in traces.
	ServiceName    string
	ServiceVersion string

	// Environment is attached to every span, e.g. "production".
	Environment string

	Logging LoggingConfig
	Tracing TracingConfig
	Metrics MetricsConfig
	Events  EventsConfig
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	// Level is a zerolog level name from trace to error.
	Level string

	// Format is "console" for humans or "json" for collectors.
	Format string

	// Output is stdout, stderr or a file path opened for append.
	Output string

	// Caller adds file:line to every entry.
	Caller bool
}

// TracingConfig configures span export.
type TracingConfig struct {
	Enabled bool

	// Exporter is otlp, stdout or none. "none" still creates spans so trace
	// IDs can be correlated in logs.
	Exporter string

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	Endpoint string

	// SamplingRate is the ratio of root spans kept, between 0 and 1.
	SamplingRate float64

	// Insecure disables TLS towards the collector.
	Insecure bool

	// Headers are sent with every OTLP export.
	Headers map[string]string
}

// MetricsConfig configures the Prometheus registry.
type MetricsConfig struct {
	Enabled bool

	// Path is where the API mounts the handler.
	Path string

	// Namespace prefixes every metric name.
	Namespace string

	// Buckets are the latency buckets of run and step histograms, in
	// seconds. Empty means buckets suited to provisioning durations.
	Buckets []float64
}

// EventsConfig configures the lifecycle event bus.
type EventsConfig struct {
	Enabled bool

	// SubscriberBuffer is how many events a slow subscriber may fall behind
	// before further events are dropped for it.
	SubscriberBuffer int
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "provisiond",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Path:      "/metrics",
			Namespace: "provisiond",
		},
		Events: EventsConfig{
			Enabled:          true,
			SubscriberBuffer: 256,
		},
	}
}

var (
	logLevels  = []string{"trace", "debug", "info", "warn", "error"}
	logFormats = []string{"console", "json"}
	exporters  = []string{"otlp", "stdout", "none"}
)

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("service name is required"))
	}
	if !slices.Contains(logLevels, c.Logging.Level) {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Logging.Level))
	}
	if !slices.Contains(logFormats, c.Logging.Format) {
		errs = append(errs, fmt.Errorf("invalid log format %q (console or json)", c.Logging.Format))
	}
	if c.Tracing.Enabled {
		if !slices.Contains(exporters, c.Tracing.Exporter) {
			errs = append(errs, fmt.Errorf("invalid trace exporter %q", c.Tracing.Exporter))
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
			errs = append(errs, errors.New("otlp exporter requires an endpoint"))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("trace sampling rate %g is outside [0, 1]", c.Tracing.SamplingRate))
	}
	if c.Events.Enabled && c.Events.SubscriberBuffer <= 0 {
		errs = append(errs, fmt.Errorf("event subscriber buffer must be positive, got %d", c.Events.SubscriberBuffer))
	}
	return errors.Join(errs...)
}
