// Package telemetry provides logging, tracing, metrics and lifecycle events
// for provisiond.
//
// The package combines structured logging (zerolog), distributed tracing
// (OpenTelemetry), Prometheus metrics and an in-process event bus
// behind one Telemetry value:
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// # Logging
//
// Loggers carry run and step fields so every line of a run can be
// correlated:
//
//	logger := tel.Logger.NewComponentLogger("executor")
//	logger.WithRunID(runID).WithStep("Stack Injection", "spawn container").
//	    Info("attempt started")
//
// # Tracing
//
// The engine opens one span per run, per phase and per step attempt.
// Exporters are "stdout", "otlp" (gRPC) and "none".
//
// # Metrics
//
// Metrics live in a private registry served by Metrics.Handler. Series use
// the configured namespace, e.g. provisiond_runs_started_total{source},
// provisiond_step_attempts_total{action,outcome} and
// provisiond_active_runs. A nil or disabled *Metrics records nothing.
//
// # Events
//
// EventBus fans run lifecycle events such as run.started, step.retrying and
// policy.violation out to subscribers. Each subscriber gets a buffered
// channel; a subscriber that falls behind misses events instead of
// slowing runs down. Filters select events by level, type, run or tenant.
// The control API streams the bus on /v1/events.
package telemetry
