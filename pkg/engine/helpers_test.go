package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/raidan-labs/provisiond/pkg/config"
)

const (
	phaseCert  = "Certificate Handshake"
	phaseStack = "Stack Injection"
	phaseDNS   = "DNS Finalization"

	stepSpawn = "spawn container"
)

func validConfig(domain string) *config.Provisioning {
	return &config.Provisioning{
		Domain:      domain,
		AdminEmail:  "ops@" + domain,
		NetworkCIDR: "10.20.0.0/16",
		SecretRefs:  map[string]string{"cloudflare_api_token": "env:CF_API_TOKEN"},
		ImagePins:   map[string]string{"gateway": "v2.11.0"},
	}
}

func fastRetry(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond}
}

func step(name, action string) StepSpec {
	return StepSpec{Name: name, Action: Action{Type: action}, Timeout: 5 * time.Second, Retry: fastRetry(1)}
}

// testPipeline is the three-phase pipeline with spawn as the second step of
// the stack phase.
func testPipeline(spawn StepSpec) Pipeline {
	network := step("create network", "ok")
	network.Idempotent = true
	network.Retry = fastRetry(3)
	return Pipeline{Phases: []PhaseSpec{
		{Name: phaseCert, Steps: []StepSpec{step("create zone", "ok"), step("enforce ssl", "ok")}},
		{Name: phaseStack, Steps: []StepSpec{network, spawn}},
		{Name: phaseDNS, Steps: []StepSpec{step("upsert records", "ok")}},
	}}
}

// callCounter counts handler invocations per step.
type callCounter struct {
	mu sync.Mutex
	n  map[string]int
}

func newCallCounter() *callCounter {
	return &callCounter{n: make(map[string]int)}
}

func (c *callCounter) inc(step string) {
	c.mu.Lock()
	c.n[step]++
	c.mu.Unlock()
}

func (c *callCounter) get(step string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n[step]
}

// testActions returns handlers for the synthetic action types. started
// receives the step name whenever a blocking action begins.
func testActions(calls *callCounter, started chan<- string) Handlers {
	counted := func(fn ActionFunc) ActionFunc {
		return func(ctx context.Context, req ActionRequest) (*ActionResult, error) {
			calls.inc(req.Step.Name)
			return fn(ctx, req)
		}
	}
	notify := func(name string) {
		if started != nil {
			select {
			case started <- name:
			default:
			}
		}
	}
	return Handlers{
		"ok": counted(func(_ context.Context, req ActionRequest) (*ActionResult, error) {
			req.Log("working on " + req.Step.Name)
			return &ActionResult{Output: "done " + req.Step.Name}, nil
		}),
		"transient": counted(func(context.Context, ActionRequest) (*ActionResult, error) {
			return nil, NewTransientError("container manager unavailable", nil)
		}),
		"fatal": counted(func(context.Context, ActionRequest) (*ActionResult, error) {
			return nil, NewFatalError("image not found", nil)
		}),
		"flaky": counted(func(_ context.Context, req ActionRequest) (*ActionResult, error) {
			if req.Attempt < 2 {
				return nil, NewTransientError("connection reset", nil)
			}
			return &ActionResult{Output: "recovered"}, nil
		}),
		"block": counted(func(ctx context.Context, req ActionRequest) (*ActionResult, error) {
			notify(req.Step.Name)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
		"stubborn": counted(func(_ context.Context, req ActionRequest) (*ActionResult, error) {
			notify(req.Step.Name)
			time.Sleep(2 * time.Second)
			return &ActionResult{}, nil
		}),
		"echo-secret": counted(func(context.Context, ActionRequest) (*ActionResult, error) {
			return nil, NewFatalError("unexpected status 401: bad token s3cr3t-value",
				errors.New("upstream said s3cr3t-value")).WithDetail("body", "s3cr3t-value")
		}),
		"late-logger": counted(func(_ context.Context, req ActionRequest) (*ActionResult, error) {
			notify(req.Step.Name)
			time.Sleep(300 * time.Millisecond)
			req.Log("late line")
			return &ActionResult{}, nil
		}),
		"leak": counted(func(_ context.Context, req ActionRequest) (*ActionResult, error) {
			return &ActionResult{Output: "token=s3cr3t-value"}, nil
		}),
	}
}

type engineOption func(*Config)

func newTestEngine(t *testing.T, store *memStore, actions Handlers, pipeline Pipeline, opts ...engineOption) *Engine {
	t.Helper()
	cfg := Config{
		Store:       store,
		Actions:     actions,
		Pipelines:   PipelineFunc(func(*config.Provisioning) (Pipeline, error) { return pipeline, nil }),
		GracePeriod: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func waitReport(t *testing.T, h *RunHandle) (*Report, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	report, err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not settle")
	require.NotNil(t, report)
	return report, err
}

func waitStarted(t *testing.T, started <-chan string) string {
	t.Helper()
	select {
	case name := <-started:
		return name
	case <-time.After(5 * time.Second):
		t.Fatal("action did not start")
		return ""
	}
}

func stepOf(t *testing.T, run *Run, phase, name string) Step {
	t.Helper()
	for _, p := range run.Phases {
		if p.Name != phase {
			continue
		}
		for _, s := range p.Steps {
			if s.Name == name {
				return s
			}
		}
	}
	t.Fatalf("no step %s/%s", phase, name)
	return Step{}
}

func phaseStatuses(run *Run) []Status {
	out := make([]Status, len(run.Phases))
	for i, p := range run.Phases {
		out[i] = p.Status
	}
	return out
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("run-%03d", n)
	}
}
