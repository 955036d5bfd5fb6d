package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
	"github.com/raidan-labs/provisiond/pkg/stores"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// keepAliveInterval spaces comment lines on idle event streams so proxies
// keep the connection open.
const keepAliveInterval = 15 * time.Second

type handlers struct {
	svc    Service
	audit  AuditSource
	events *telemetry.EventBus
	logger *telemetry.Logger
}

// startRun accepts a YAML or JSON configuration document and starts a run.
func (h *handlers) startRun(w http.ResponseWriter, r *http.Request) {
	cfg, err := config.DecodeProvisioning(http.MaxBytesReader(w, r.Body, maxConfigBytes))
	if err != nil {
		writeBadRequest(w, fmt.Sprintf("invalid configuration document: %v", err))
		return
	}

	handle, err := h.svc.StartRun(r.Context(), cfg)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Location", "/v1/runs/"+handle.ID())
	writeJSON(w, http.StatusAccepted, handle.Snapshot())
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := h.svc.ListRuns(r.Context(), q.Get("tenant"))
	if err != nil {
		writeError(w, err)
		return
	}

	if status := q.Get("status"); status != "" {
		if err := engine.Status(status).Validate(); err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		filtered := runs[:0]
		for _, s := range runs {
			if string(s.OverallStatus) == status {
				filtered = append(filtered, s)
			}
		}
		runs = filtered
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		if n < len(runs) {
			runs = runs[:n]
		}
	}

	writeJSON(w, http.StatusOK, runs)
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// cancelRun acknowledges a cancellation request. The run settles as
// cancelled asynchronously; until then it reports as running.
func (h *handlers) cancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.svc.CancelRun(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, cancelAck{RunID: id, Accepted: true})
}

type cancelAck struct {
	RunID    string `json:"runId"`
	Accepted bool   `json:"accepted"`
}

func (h *handlers) runLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.svc.Logs(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if logs == nil {
		logs = []engine.LogRecord{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *handlers) runReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Report(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *handlers) runAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: APIError{Code: "NOT_IMPLEMENTED", Message: "audit trail is not available"}})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.svc.GetStatus(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.audit.ListAudit(r.Context(), stores.AuditFilter{RunID: id})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// runEvents streams the run's transitions as server-sent events. A settled
// run yields its final snapshot and the stream ends.
func (h *handlers) runEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: APIError{Code: "INTERNAL", Message: "streaming unsupported"}})
		return
	}

	snap, err := h.svc.GetStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	events := make(chan engine.Transition)
	stop := make(chan struct{})
	defer close(stop)

	var sub *engine.Subscription
	if snap.OverallStatus.IsActive() {
		sub, err = h.svc.Subscribe(r.Context(), id, func(tr engine.Transition) {
			select {
			case events <- tr:
			case <-stop:
			}
		})
		if err != nil && !errors.Is(err, engine.ErrRunNotActive) {
			writeError(w, err)
			return
		}
		if sub != nil {
			defer sub.Unsubscribe()
		}
		// Re-read so the snapshot is not older than the subscription.
		if snap, err = h.svc.GetStatus(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, "snapshot", snap); err != nil {
		return
	}
	flusher.Flush()
	if sub == nil {
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Done():
			return
		case tr := <-events:
			if err := writeEvent(w, "transition", tr); err != nil {
				h.logger.WithRunID(id).WithError(err).Debug("event stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

// lifecycleEvents streams run lifecycle events of every tenant. The tenant,
// run, level and type query parameters narrow the stream; type takes a
// comma-separated list.
func (h *handlers) lifecycleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		writeJSON(w, http.StatusNotImplemented, errorBody{Error: APIError{Code: "NOT_IMPLEMENTED", Message: "event stream is not available"}})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: APIError{Code: "INTERNAL", Message: "streaming unsupported"}})
		return
	}

	q := r.URL.Query()
	var filters []telemetry.EventFilter
	if tenant := q.Get("tenant"); tenant != "" {
		filters = append(filters, telemetry.FilterByTenant(tenant))
	}
	if run := q.Get("run"); run != "" {
		filters = append(filters, telemetry.FilterByRunID(run))
	}
	if level := q.Get("level"); level != "" {
		switch level {
		case telemetry.EventLevelInfo, telemetry.EventLevelWarning, telemetry.EventLevelError:
			filters = append(filters, telemetry.FilterByLevel(level))
		default:
			writeBadRequest(w, fmt.Sprintf("unknown level %q", level))
			return
		}
	}
	if types := q.Get("type"); types != "" {
		filters = append(filters, telemetry.FilterByType(strings.Split(types, ",")...))
	}

	events := h.events.Subscribe(r.Context(), filters...)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e.Type, e); err != nil {
				h.logger.WithError(err).Debug("lifecycle stream closed")
				return
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
