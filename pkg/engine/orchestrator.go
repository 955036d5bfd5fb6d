package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// persistTimeout bounds each store write made on behalf of a run. Run
// contexts are cancelled by the user, so persistence uses its own.
const persistTimeout = 10 * time.Second

// Config holds the collaborators of an Engine.
type Config struct {
	// Store persists checkpoints, logs, reports and audit entries.
	Store RunStore

	// Actions resolves step actions to handlers.
	Actions ActionRegistry

	// Pipelines builds the phases of a run from its configuration.
	Pipelines PipelineSource

	// Admitters run in order after validation; any error rejects the
	// configuration.
	Admitters []Admitter

	// Telemetry receives logs, metrics, spans and events. Optional.
	Telemetry *telemetry.Telemetry

	// GracePeriod bounds how long a cancelled step may take to stop.
	GracePeriod time.Duration

	// Redact masks secret values in action output. Optional.
	Redact func(string) string

	// NewID generates run IDs. Defaults to random UUIDs.
	NewID func() string
}

// Engine creates provisioning runs from validated configuration, drives
// them through their phases, persists their reports and recovers them after
// a crash. One run per tenant is active at a time.
type Engine struct {
	store     RunStore
	pipelines PipelineSource
	admitters []Admitter
	tel       *telemetry.Telemetry
	logger    *telemetry.Logger
	executor  *Executor
	phases    *PhaseController
	newID     func() string

	mu      sync.Mutex
	active  map[string]*RunHandle // by run ID
	tenants map[string]string     // tenant -> active run ID
	closed  bool
	wg      sync.WaitGroup
}

// New creates an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("engine requires a run store")
	}
	if cfg.Actions == nil {
		return nil, fmt.Errorf("engine requires an action registry")
	}
	if cfg.Pipelines == nil {
		return nil, fmt.Errorf("engine requires a pipeline source")
	}
	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Nop()
	}
	if tel.Logger == nil {
		t := *tel
		t.Logger = telemetry.NewNopLogger()
		tel = &t
	}
	newID := cfg.NewID
	if newID == nil {
		newID = uuid.NewString
	}

	executor := NewExecutor(cfg.Actions,
		WithGracePeriod(cfg.GracePeriod),
		WithExecutorTelemetry(tel),
		WithRedactor(cfg.Redact),
	)

	return &Engine{
		store:     cfg.Store,
		pipelines: cfg.Pipelines,
		admitters: append([]Admitter(nil), cfg.Admitters...),
		tel:       tel,
		logger:    tel.Logger.NewComponentLogger("engine"),
		executor:  executor,
		phases:    NewPhaseController(executor, tel),
		newID:     newID,
		active:    make(map[string]*RunHandle),
		tenants:   make(map[string]string),
	}, nil
}

// StartRun validates cfg, creates a run for its tenant and starts driving
// it in the background. Invalid configuration is rejected with an
// InvalidConfiguration error and a tenant with an active run with a
// ConflictingRun error; in both cases no run is created.
func (e *Engine) StartRun(ctx context.Context, cfg *config.Provisioning) (*RunHandle, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	snapshot, pipeline, err := e.admit(ctx, cfg)
	if err != nil {
		tenant := ""
		if cfg != nil {
			tenant = cfg.Tenant()
		}
		e.tel.Metrics.RecordRejectedConfig(err.Code)
		e.tel.Metrics.RecordError(string(err.Kind), err.Code)
		e.tel.Events.PublishConfigRejected(tenant, err.Error())
		e.logger.WithTenant(tenant).WithError(err).Warn("configuration rejected")
		return nil, err
	}
	tenant := snapshot.Tenant()

	id := e.newID()
	if err := e.reserve(tenant, id); err != nil {
		e.tel.Metrics.RecordError(string(KindOf(err)), ErrCodeConflict)
		return nil, err
	}

	run := NewRun(id, tenant, snapshot, pipeline)
	if err := e.store.SaveCheckpoint(ctx, run); err != nil {
		e.release(tenant, id)
		if IsKind(err, ErrorKindConflictingRun) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to persist run %s: %w", id, err)
	}
	e.audit(id, tenant, AuditRunCreated, fmt.Sprintf("%d phase(s)", len(pipeline.Phases)))

	h := e.launch(run, nil, "start")
	e.logger.WithRunID(id).WithTenant(tenant).Info("run created")
	return h, nil
}

// admit validates and snapshots cfg and builds its pipeline.
func (e *Engine) admit(ctx context.Context, cfg *config.Provisioning) (*config.Provisioning, Pipeline, *EngineError) {
	if cfg == nil {
		return nil, Pipeline{}, NewInvalidConfigurationError("configuration is missing", nil)
	}
	snapshot := cfg.Clone()
	snapshot.Normalize()
	if err := snapshot.Validate(); err != nil {
		return nil, Pipeline{}, NewInvalidConfigurationError(err.Error(), nil).WithDetail("errors", err)
	}

	for _, a := range e.admitters {
		if err := a.Admit(ctx, snapshot); err != nil {
			var ee *EngineError
			if errors.As(err, &ee) && ee.Kind == ErrorKindInvalidConfiguration {
				return nil, Pipeline{}, ee
			}
			return nil, Pipeline{}, NewInvalidConfigurationError("configuration not admitted", err).WithCode(ErrCodePolicy)
		}
	}

	pipeline, err := e.pipelines.Build(snapshot)
	if err != nil {
		return nil, Pipeline{}, NewInvalidConfigurationError("cannot build pipeline", err)
	}
	if err := pipeline.Validate(); err != nil {
		return nil, Pipeline{}, NewInvalidConfigurationError("invalid pipeline", err)
	}
	return snapshot, pipeline, nil
}

// reserve takes the tenant lock for runID.
func (e *Engine) reserve(tenant, runID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrEngineClosed
	}
	if active, ok := e.tenants[tenant]; ok {
		return NewConflictingRunError(tenant, active)
	}
	e.tenants[tenant] = runID
	return nil
}

// release drops the tenant lock and the active handle of runID.
func (e *Engine) release(tenant, runID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.tenants[tenant] == runID {
		delete(e.tenants, tenant)
	}
	delete(e.active, runID)
}

// launch wraps run in a machine and drives it in the background. The
// tenant lock must already be held for run.
func (e *Engine) launch(run *Run, logs []LogRecord, source string) *RunHandle {
	return e.start(e.newMachine(run, logs), source)
}

// start registers m as active and drives it in the background.
func (e *Engine) start(m *Machine, source string) *RunHandle {
	h := &RunHandle{engine: e, machine: m, settled: make(chan struct{})}

	e.mu.Lock()
	e.active[m.ID()] = h
	e.mu.Unlock()

	e.tel.Metrics.RecordRunStarted(source)
	e.tel.Events.PublishRunStarted(m.ID(), m.Tenant())

	e.wg.Add(1)
	go e.drive(h)
	return h
}

func (e *Engine) newMachine(run *Run, logs []LogRecord) *Machine {
	runID := run.ID
	logger := e.logger.WithRunID(runID)
	return NewMachine(run,
		WithLogs(logs),
		WithCheckpointer(func(r *Run, _ []Transition) {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := e.store.SaveCheckpoint(ctx, r); err != nil {
				e.tel.Metrics.RecordError("checkpoint", ErrCodeCheckpoint)
				logger.WithError(err).Error("failed to save checkpoint")
			}
		}),
		WithLogSink(func(rec LogRecord) {
			ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
			defer cancel()
			if err := e.store.AppendLog(ctx, runID, rec); err != nil {
				logger.WithError(err).Warn("failed to persist log record")
			}
		}),
	)
}

// drive runs the phases of h's run to a terminal status and writes the
// report.
func (e *Engine) drive(h *RunHandle) {
	defer e.wg.Done()

	m := h.machine
	started := time.Now()
	ctx, span := e.tel.Tracer.StartRunSpan(m.Context(), m.ID(), m.Tenant())
	defer span.End()
	logger := e.logger.WithRunID(m.ID()).WithTenant(m.Tenant())

	status, failure := e.runPhases(ctx, m)
	if err := m.finish(status, failure); err != nil && !m.Status().IsTerminal() {
		logger.WithError(err).Errorf("cannot settle run as %s", status)
		if status == StatusFailed {
			// a phase left running by an internal error blocks the failure
			if _, _, ferr := m.failRunning(&StepError{Kind: failure.Kind, Message: failure.Message}); ferr == nil {
				err = m.finish(StatusFailed, failure)
			}
		}
		if err != nil {
			logger.WithError(err).Error("run left unsettled")
		}
	}

	final := m.Status()
	if final == StatusSucceeded {
		telemetry.RecordSuccess(span)
	} else if failure != nil {
		telemetry.RecordError(span, fmt.Errorf("%s: %s", failure.Kind, failure.Message))
	}
	span.SetAttributes(telemetry.AttrRunStatus.String(string(final)))

	h.report = e.writeReport(m)
	reason := ""
	if f := h.report.Failure; f != nil {
		reason = f.Message
	}
	e.tel.Metrics.RecordRunCompleted(string(final), time.Since(started))
	e.tel.Events.PublishRunSettled(m.ID(), m.Tenant(), string(final), reason, time.Since(started))
	logger.Infof("run settled as %s", final)

	e.release(m.Tenant(), m.ID())
	close(h.settled)
}

// runPhases executes phases in order and returns the status the run should
// settle with.
func (e *Engine) runPhases(ctx context.Context, m *Machine) (Status, *Failure) {
	cancelled := func(phase, step string) (Status, *Failure) {
		return StatusCancelled, &Failure{
			Kind:    ErrorKindCancelledByUser,
			Message: "run cancelled by user",
			Phase:   phase,
			Step:    step,
		}
	}

	if m.Status() == StatusPending {
		if ctx.Err() != nil {
			return cancelled("", "")
		}
		if err := m.begin(); err != nil {
			return StatusFailed, &Failure{Kind: ErrorKindFatalStepFailure, Message: err.Error()}
		}
	}

	for p := range m.Record().Phases {
		res := e.phases.Run(ctx, m, p)
		switch res.Status {
		case StatusSucceeded:
			continue
		case StatusCancelled:
			step := ""
			if out, ok := res.FailedStep(); ok {
				step = out.Name
			}
			return cancelled(res.Name, step)
		default:
			f := &Failure{Kind: ErrorKindFatalStepFailure, Message: "phase failed", Phase: res.Name}
			if res.Err != nil {
				f.Kind = res.Err.Kind
				f.Message = errorMessage(res.Err)
				f.Step = res.Err.Step
			}
			if f.Step == "" {
				if out, ok := res.FailedStep(); ok {
					f.Step = out.Name
				}
			}
			return StatusFailed, f
		}
	}
	// Cancellation that arrives after the last phase succeeded does not
	// undo the work.
	return StatusSucceeded, nil
}

// reportAttempts bounds how often a report write is tried before the
// run is left for Recover to repair.
const reportAttempts = 3

func newReport(run *Run, logs []LogRecord) *Report {
	return &Report{
		RunID:     run.ID,
		Tenant:    run.Tenant,
		Status:    run.Status,
		Run:       run,
		Logs:      logs,
		Failure:   run.Failure,
		CreatedAt: time.Now().UTC(),
	}
}

// writeReport persists the final report of a settled machine.
func (e *Engine) writeReport(m *Machine) *Report {
	run := m.Record()
	report := newReport(run, m.Logs())
	if err := e.saveReport(report); err != nil {
		e.tel.Metrics.RecordError("report", ErrCodeReport)
		e.logger.WithRunID(run.ID).WithError(err).Error("failed to persist report, it will be rebuilt on recovery")
		return report
	}
	e.audit(run.ID, run.Tenant, AuditReportWritten, string(run.Status))
	return report
}

// saveReport writes report, retrying transient store failures. A report
// that turns out to exist already counts as written.
func (e *Engine) saveReport(report *Report) error {
	var err error
	for i := 0; i < reportAttempts; i++ {
		if i > 0 {
			time.Sleep(time.Duration(i) * 100 * time.Millisecond)
		}
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err = e.store.SaveReport(ctx, report)
		if err != nil {
			if _, lerr := e.store.LoadReport(ctx, report.RunID); lerr == nil {
				err = nil
			}
		}
		cancel()
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to persist report of run %s: %w", report.RunID, err)
}

func (e *Engine) audit(runID, tenant, action, detail string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	entry := AuditEntry{RunID: runID, Tenant: tenant, Action: action, Detail: detail, CreatedAt: time.Now().UTC()}
	if err := e.store.RecordAudit(ctx, entry); err != nil {
		e.logger.WithRunID(runID).WithError(err).Warnf("failed to record audit entry %s", action)
	}
}

// Handle returns the handle of an active run.
func (e *Engine) Handle(runID string) (*RunHandle, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h, ok := e.active[runID]
	return h, ok
}

// GetStatus returns a snapshot of a run, active or persisted.
func (e *Engine) GetStatus(ctx context.Context, runID string) (RunSnapshot, error) {
	if h, ok := e.Handle(runID); ok {
		return h.Snapshot(), nil
	}
	run, err := e.store.LoadRun(ctx, runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	return run.Snapshot(), nil
}

// CancelRun requests cancellation of an active run. The request is
// acknowledged immediately; the run settles as cancelled once its
// in-flight step has stopped. Settled runs yield ErrRunNotActive.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	if h, ok := e.Handle(runID); ok {
		return h.Cancel()
	}
	if _, err := e.store.LoadRun(ctx, runID); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrRunNotActive, runID)
}

// ListRuns returns the runs of tenant (all tenants when empty), newest
// first. Active runs reflect their in-memory state.
func (e *Engine) ListRuns(ctx context.Context, tenant string) ([]RunSnapshot, error) {
	runs, err := e.store.ListRuns(ctx, RunFilter{Tenant: tenant})
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	out := make([]RunSnapshot, 0, len(runs))
	for _, run := range runs {
		if h, ok := e.Handle(run.ID); ok {
			out = append(out, h.Snapshot())
			continue
		}
		out = append(out, run.Snapshot())
	}
	return out, nil
}

// Logs returns the log of a run.
func (e *Engine) Logs(ctx context.Context, runID string) ([]LogRecord, error) {
	if h, ok := e.Handle(runID); ok {
		return h.Logs(), nil
	}
	if _, err := e.store.LoadRun(ctx, runID); err != nil {
		return nil, err
	}
	return e.store.LoadLogs(ctx, runID)
}

// Report returns the persisted report of a settled run.
func (e *Engine) Report(ctx context.Context, runID string) (*Report, error) {
	return e.store.LoadReport(ctx, runID)
}

// Subscribe registers fn on an active run's transition feed.
func (e *Engine) Subscribe(ctx context.Context, runID string, fn func(Transition)) (*Subscription, error) {
	if h, ok := e.Handle(runID); ok {
		return h.Subscribe(fn), nil
	}
	if _, err := e.store.LoadRun(ctx, runID); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotActive, runID)
}

// Shutdown stops accepting runs and waits for active runs to settle or ctx
// to end. Runs still active when ctx ends are left to Recover.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	active := len(e.active)
	e.mu.Unlock()

	if active > 0 {
		e.logger.Infof("waiting for %d active run(s)", active)
	}
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown interrupted with active runs: %w", ctx.Err())
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// RunHandle is the caller's view of an active run.
type RunHandle struct {
	engine  *Engine
	machine *Machine
	settled chan struct{}
	report  *Report
}

// ID returns the run ID.
func (h *RunHandle) ID() string {
	return h.machine.ID()
}

// Tenant returns the run's tenant.
func (h *RunHandle) Tenant() string {
	return h.machine.Tenant()
}

// Snapshot returns a point-in-time copy of the run status.
func (h *RunHandle) Snapshot() RunSnapshot {
	return h.machine.Snapshot()
}

// Logs returns a copy of the run log.
func (h *RunHandle) Logs() []LogRecord {
	return h.machine.Logs()
}

// Subscribe registers fn for every transition applied after the call.
func (h *RunHandle) Subscribe(fn func(Transition)) *Subscription {
	return h.machine.Subscribe(fn)
}

// Cancel requests cancellation. It returns ErrRunNotActive when the run
// has already settled.
func (h *RunHandle) Cancel() error {
	if !h.machine.RequestCancel() {
		return fmt.Errorf("%w: %s", ErrRunNotActive, h.ID())
	}
	h.engine.audit(h.ID(), h.Tenant(), AuditCancelRequested, "")
	h.engine.logger.WithRunID(h.ID()).Info("cancellation requested")
	return nil
}

// Done is closed once the run has settled and its report is persisted.
func (h *RunHandle) Done() <-chan struct{} {
	return h.settled
}

// Wait blocks until the run settles or ctx ends. A run that did not
// succeed yields an *EngineError naming the failing phase and step, with
// that step's attempt log under the "attempts" detail.
func (h *RunHandle) Wait(ctx context.Context) (*Report, error) {
	select {
	case <-h.settled:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return h.report, h.report.Err()
}

// Err returns the run's terminal error, or nil when it succeeded.
func (r *Report) Err() error {
	if r == nil || r.Status == StatusSucceeded {
		return nil
	}
	f := r.Failure
	if f == nil {
		f = &Failure{Kind: ErrorKindFatalStepFailure, Message: fmt.Sprintf("run %s", r.Status)}
	}
	err := NewError(f.Kind, f.Message, nil).WithRun(r.RunID).WithStep(f.Phase, f.Step)
	if f.Step != "" {
		var attempts []LogRecord
		for _, rec := range r.Logs {
			if rec.Phase == f.Phase && rec.Step == f.Step && rec.Outcome != "" {
				attempts = append(attempts, rec)
			}
		}
		err.WithDetail("attempts", attempts)
	}
	return err
}
