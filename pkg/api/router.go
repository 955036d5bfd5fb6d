// Package api exposes the orchestration engine over HTTP: start, cancel,
// inspect and follow provisioning runs.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimid "github.com/go-chi/chi/v5/middleware"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
	"github.com/raidan-labs/provisiond/pkg/stores"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// maxConfigBytes caps the size of a submitted configuration document.
const maxConfigBytes = 1 << 20

// Service is the control surface of the orchestration engine.
type Service interface {
	StartRun(ctx context.Context, cfg *config.Provisioning) (*engine.RunHandle, error)
	GetStatus(ctx context.Context, runID string) (engine.RunSnapshot, error)
	CancelRun(ctx context.Context, runID string) error
	ListRuns(ctx context.Context, tenant string) ([]engine.RunSnapshot, error)
	Logs(ctx context.Context, runID string) ([]engine.LogRecord, error)
	Report(ctx context.Context, runID string) (*engine.Report, error)
	Subscribe(ctx context.Context, runID string, fn func(engine.Transition)) (*engine.Subscription, error)
}

// AuditSource lists audit entries.
type AuditSource interface {
	ListAudit(ctx context.Context, filter stores.AuditFilter) ([]engine.AuditEntry, error)
}

// Dependencies wires the router.
type Dependencies struct {
	Service Service
	Audit   AuditSource

	// Events is streamed on /v1/events when set.
	Events *telemetry.EventBus

	// Ready reports whether the process can serve requests, e.g. a
	// database ping.
	Ready func(ctx context.Context) error

	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	Logger *telemetry.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(dep Dependencies) http.Handler {
	logger := dep.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	logger = logger.NewComponentLogger("api")
	h := &handlers{svc: dep.Service, audit: dep.Audit, events: dep.Events, logger: logger}

	r := chi.NewRouter()
	r.Use(chimid.RequestID)
	r.Use(chimid.RealIP)
	r.Use(requestLogger(logger))
	r.Use(chimid.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if dep.Ready != nil {
			if err := dep.Ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})
	if dep.Metrics != nil {
		path := dep.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, dep.Metrics)
	}

	r.Route("/v1/runs", func(rr chi.Router) {
		rr.Post("/", h.startRun)
		rr.Get("/", h.listRuns)
		rr.Route("/{id}", func(run chi.Router) {
			run.Get("/", h.getRun)
			run.Delete("/", h.cancelRun)
			run.Get("/logs", h.runLogs)
			run.Get("/report", h.runReport)
			run.Get("/audit", h.runAudit)
			run.Get("/events", h.runEvents)
		})
	})
	r.Get("/v1/events", h.lifecycleEvents)

	return r
}

// requestLogger logs one line per request with the chi request ID.
func requestLogger(logger *telemetry.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimid.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			entry := logger.WithFields(map[string]interface{}{
				"request_id": chimid.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     status,
				"duration":   time.Since(start).String(),
				"remote":     r.RemoteAddr,
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("request failed")
				return
			}
			entry.Debug("request")
		})
	}
}
