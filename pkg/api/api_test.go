package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
	"github.com/raidan-labs/provisiond/pkg/stores"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

const validDocument = `
domain: example.com
adminEmail: ops@example.org
networkCIDR: 10.20.0.0/16
secretRefs:
  cloudflare_api_token: env:CF_API_TOKEN
imagePins:
  gateway: v2.11.0
`

type testServer struct {
	engine  *engine.Engine
	store   *stores.SQLiteStore
	server  *httptest.Server
	client  *Client
	events  *telemetry.EventBus
	started chan string
}

// newTestServer serves a real engine over a temp store. Steps named
// "block" wait for cancellation; every other step succeeds.
func newTestServer(t *testing.T, blocking bool) *testServer {
	t.Helper()

	store, err := stores.Open(context.Background(), stores.Config{Path: filepath.Join(t.TempDir(), "api.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	started := make(chan string, 8)
	actions := engine.Handlers{
		"ok": engine.ActionFunc(func(_ context.Context, req engine.ActionRequest) (*engine.ActionResult, error) {
			req.Log("working on " + req.Step.Name)
			return &engine.ActionResult{Output: "done"}, nil
		}),
		"block": engine.ActionFunc(func(ctx context.Context, req engine.ActionRequest) (*engine.ActionResult, error) {
			started <- req.Step.Name
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}
	second := "ok"
	if blocking {
		second = "block"
	}
	pipeline := engine.Pipeline{Phases: []engine.PhaseSpec{
		{Name: "Certificate Handshake", Steps: []engine.StepSpec{{Name: "create zone", Action: engine.Action{Type: "ok"}}}},
		{Name: "Stack Injection", Steps: []engine.StepSpec{{Name: "spawn container", Action: engine.Action{Type: second}}}},
	}}

	bus := telemetry.NewEventBus(telemetry.EventsConfig{Enabled: true, SubscriberBuffer: 32})
	e, err := engine.New(engine.Config{
		Telemetry:   &telemetry.Telemetry{Logger: telemetry.NewNopLogger(), Events: bus},
		Store:       store,
		Actions:     actions,
		Pipelines:   engine.PipelineFunc(func(*config.Provisioning) (engine.Pipeline, error) { return pipeline, nil }),
		GracePeriod: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(Dependencies{
		Service: e,
		Audit:   store,
		Events:  bus,
		Ready:   store.HealthCheck,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("provisiond_runs_started_total 1\n"))
		}),
	}))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})

	return &testServer{engine: e, store: store, server: srv, client: NewClient(srv.URL), events: bus, started: started}
}

func (ts *testServer) waitSettled(t *testing.T, runID string) engine.RunSnapshot {
	t.Helper()
	var snap engine.RunSnapshot
	require.Eventually(t, func() bool {
		s, err := ts.client.GetStatus(context.Background(), runID)
		if err != nil {
			return false
		}
		snap = *s
		return s.OverallStatus.IsTerminal()
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func apiError(t *testing.T, err error) *Error {
	t.Helper()
	var e *Error
	require.True(t, errors.As(err, &e), "expected *api.Error, got %T: %v", err, err)
	return e
}

func TestStartRunAndInspect(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	snap, err := ts.client.StartRun(ctx, []byte(validDocument))
	require.NoError(t, err)
	require.NotEmpty(t, snap.RunID)
	assert.Equal(t, "example.com", snap.Tenant)

	final := ts.waitSettled(t, snap.RunID)
	assert.Equal(t, engine.StatusSucceeded, final.OverallStatus)
	require.Len(t, final.Phases, 2)

	logs, err := ts.client.Logs(ctx, snap.RunID)
	require.NoError(t, err)
	assert.NotEmpty(t, logs)

	require.Eventually(t, func() bool {
		_, err := ts.client.Report(ctx, snap.RunID)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	report, err := ts.client.Report(ctx, snap.RunID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusSucceeded, report.Status)

	runs, err := ts.client.ListRuns(ctx, "example.com")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, snap.RunID, runs[0].RunID)

	runs, err = ts.client.ListRuns(ctx, "other.example")
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestStartRunLocationHeader(t *testing.T) {
	ts := newTestServer(t, false)

	resp, err := http.Post(ts.server.URL+"/v1/runs/", "application/yaml", strings.NewReader(validDocument))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var snap engine.RunSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, "/v1/runs/"+snap.RunID, resp.Header.Get("Location"))
	ts.waitSettled(t, snap.RunID)
}

func TestStartRunRejections(t *testing.T) {
	tests := []struct {
		name     string
		document string
		status   int
		kind     string
	}{
		{
			name:     "malformed document",
			document: "domain: [unterminated",
			status:   http.StatusBadRequest,
		},
		{
			name:     "invalid configuration",
			document: strings.Replace(validDocument, "10.20.0.0/16", "not-a-cidr", 1),
			status:   http.StatusBadRequest,
			kind:     string(engine.ErrorKindInvalidConfiguration),
		},
	}

	ts := newTestServer(t, false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.client.StartRun(context.Background(), []byte(tt.document))
			require.Error(t, err)
			e := apiError(t, err)
			assert.Equal(t, tt.status, e.Status)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, e.Kind)
			}
		})
	}

	runs, err := ts.client.ListRuns(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, runs, "rejected configurations must not create runs")
}

func TestConflictingRunAndCancel(t *testing.T) {
	ts := newTestServer(t, true)
	ctx := context.Background()

	first, err := ts.client.StartRun(ctx, []byte(validDocument))
	require.NoError(t, err)
	select {
	case <-ts.started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking step never started")
	}

	_, err = ts.client.StartRun(ctx, []byte(validDocument))
	e := apiError(t, err)
	assert.Equal(t, http.StatusConflict, e.Status)
	assert.Equal(t, string(engine.ErrorKindConflictingRun), e.Kind)
	assert.Equal(t, first.RunID, e.RunID)

	req, err := http.NewRequest(http.MethodDelete, ts.server.URL+"/v1/runs/"+first.RunID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var ack map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, map[string]interface{}{"runId": first.RunID, "accepted": true}, ack)
	final := ts.waitSettled(t, first.RunID)
	assert.Equal(t, engine.StatusCancelled, final.OverallStatus)

	err = ts.client.CancelRun(ctx, first.RunID)
	assert.Equal(t, http.StatusConflict, apiError(t, err).Status)

	entries, err := http.Get(ts.server.URL + "/v1/runs/" + first.RunID + "/audit")
	require.NoError(t, err)
	defer entries.Body.Close()
	require.Equal(t, http.StatusOK, entries.StatusCode)
	var audit []engine.AuditEntry
	require.NoError(t, json.NewDecoder(entries.Body).Decode(&audit))
	var actions []string
	for _, a := range audit {
		actions = append(actions, a.Action)
	}
	assert.Contains(t, actions, engine.AuditRunCreated)
	assert.Contains(t, actions, engine.AuditCancelRequested)
}

func TestUnknownRun(t *testing.T) {
	ts := newTestServer(t, false)
	ctx := context.Background()

	_, err := ts.client.GetStatus(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, apiError(t, err).Status)

	err = ts.client.CancelRun(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, apiError(t, err).Status)

	_, err = ts.client.Logs(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, apiError(t, err).Status)

	_, err = ts.client.Report(ctx, "missing")
	assert.Equal(t, http.StatusNotFound, apiError(t, err).Status)

	err = ts.client.Follow(ctx, "missing", func(string, json.RawMessage) error { return nil })
	assert.Equal(t, http.StatusNotFound, apiError(t, err).Status)
}

func TestListRunsQueryValidation(t *testing.T) {
	ts := newTestServer(t, false)

	for _, q := range []string{"status=bogus", "limit=0", "limit=x"} {
		resp, err := http.Get(ts.server.URL + "/v1/runs/?" + q)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, q)
	}

	snap, err := ts.client.StartRun(context.Background(), []byte(validDocument))
	require.NoError(t, err)
	ts.waitSettled(t, snap.RunID)

	resp, err := http.Get(ts.server.URL + "/v1/runs/?status=succeeded&limit=1")
	require.NoError(t, err)
	defer resp.Body.Close()
	var runs []engine.RunSnapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&runs))
	require.Len(t, runs, 1)

	resp2, err := http.Get(ts.server.URL + "/v1/runs/?status=failed")
	require.NoError(t, err)
	defer resp2.Body.Close()
	runs = nil
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&runs))
	assert.Empty(t, runs)
}

func TestFollowSettledRun(t *testing.T) {
	ts := newTestServer(t, false)
	snap, err := ts.client.StartRun(context.Background(), []byte(validDocument))
	require.NoError(t, err)
	ts.waitSettled(t, snap.RunID)

	var events []string
	err = ts.client.Follow(context.Background(), snap.RunID, func(event string, data json.RawMessage) error {
		events = append(events, event)
		var s engine.RunSnapshot
		require.NoError(t, json.Unmarshal(data, &s))
		assert.Equal(t, engine.StatusSucceeded, s.OverallStatus)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot"}, events)
}

func TestFollowActiveRun(t *testing.T) {
	ts := newTestServer(t, true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := ts.client.StartRun(ctx, []byte(validDocument))
	require.NoError(t, err)
	<-ts.started

	var (
		events []string
		last   engine.Transition
	)
	followed := make(chan error, 1)
	go func() {
		followed <- ts.client.Follow(ctx, snap.RunID, func(event string, data json.RawMessage) error {
			events = append(events, event)
			if event == "transition" {
				return json.Unmarshal(data, &last)
			}
			return nil
		})
	}()

	// Give the stream time to subscribe before cancelling.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, ts.client.CancelRun(ctx, snap.RunID))

	select {
	case err := <-followed:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("event stream did not end when the run settled")
	}

	require.NotEmpty(t, events)
	assert.Equal(t, "snapshot", events[0])
	assert.Contains(t, events, "transition")
	assert.Equal(t, engine.LevelRun, last.Level)
	assert.Equal(t, engine.StatusCancelled, last.To)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t, false)

	for path, want := range map[string]int{
		"/healthz": http.StatusOK,
		"/readyz":  http.StatusOK,
		"/metrics": http.StatusOK,
	} {
		resp, err := http.Get(ts.server.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, want, resp.StatusCode, path)
	}

	require.NoError(t, ts.store.Close())
	resp, err := http.Get(ts.server.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{engine.ErrRunNotFound, http.StatusNotFound},
		{engine.ErrRunNotActive, http.StatusConflict},
		{engine.ErrEngineClosed, http.StatusServiceUnavailable},
		{engine.NewInvalidConfigurationError("bad", nil), http.StatusBadRequest},
		{engine.NewConflictingRunError("example.com", "run-1"), http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestLifecycleEvents(t *testing.T) {
	ts := newTestServer(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan telemetry.Event, 16)
	errc := make(chan error, 1)
	go func() {
		errc <- ts.client.Events(ctx, EventQuery{Tenant: "example.com"}, func(e telemetry.Event) error {
			got <- e
			return nil
		})
	}()
	require.Eventually(t, func() bool { return ts.events.Subscribers() == 1 }, 5*time.Second, 10*time.Millisecond)

	snap, err := ts.client.StartRun(ctx, []byte(validDocument))
	require.NoError(t, err)

	var types []string
	timeout := time.After(5 * time.Second)
	for len(types) == 0 || types[len(types)-1] != telemetry.EventTypeRunCompleted {
		select {
		case e := <-got:
			assert.Equal(t, snap.RunID, e.RunID)
			types = append(types, e.Type)
		case <-timeout:
			t.Fatalf("run did not complete, saw %v", types)
		}
	}
	assert.Equal(t, []string{telemetry.EventTypeRunStarted, telemetry.EventTypeRunCompleted}, types)

	cancel()
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}

func TestLifecycleEventsRejectsUnknownLevel(t *testing.T) {
	ts := newTestServer(t, false)

	err := ts.client.Events(context.Background(), EventQuery{Level: "loud"}, func(telemetry.Event) error { return nil })
	assert.Equal(t, http.StatusBadRequest, apiError(t, err).Status)

	srv := httptest.NewServer(NewRouter(Dependencies{Service: ts.engine}))
	defer srv.Close()
	err = NewClient(srv.URL).Events(context.Background(), EventQuery{}, func(telemetry.Event) error { return nil })
	assert.Equal(t, http.StatusNotImplemented, apiError(t, err).Status)
}
