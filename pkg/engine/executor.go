package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// DefaultGracePeriod bounds how long a cancelled or timed out action may
// take to stop before it is abandoned.
const DefaultGracePeriod = 10 * time.Second

// maxOutputBytes caps the output kept on a step record.
const maxOutputBytes = 64 * 1024

// ActionRequest is what an action handler receives for one attempt.
type ActionRequest struct {
	RunID   string
	Tenant  string
	Phase   string
	Step    StepSpec
	Attempt int

	// Config is the run's read-only configuration snapshot.
	Config *config.Provisioning

	// Log appends a line of action output to the run log.
	Log func(line string)
}

// Param returns the named action parameter.
func (r ActionRequest) Param(name string) string {
	return r.Step.Action.Params[name]
}

// ActionResult is the structured result of a successful attempt.
type ActionResult struct {
	Output string
}

// ActionHandler performs one kind of step action. Implementations must
// return promptly once ctx is done and classify their errors with
// NewTransientError or NewFatalError; unclassified errors are fatal.
type ActionHandler interface {
	Run(ctx context.Context, req ActionRequest) (*ActionResult, error)
}

// ActionFunc adapts a function to ActionHandler.
type ActionFunc func(ctx context.Context, req ActionRequest) (*ActionResult, error)

// Run calls f.
func (f ActionFunc) Run(ctx context.Context, req ActionRequest) (*ActionResult, error) {
	return f(ctx, req)
}

// ActionRegistry resolves action types to handlers.
type ActionRegistry interface {
	Lookup(actionType string) (ActionHandler, bool)
}

// Handlers is a static ActionRegistry.
type Handlers map[string]ActionHandler

// Lookup implements ActionRegistry.
func (h Handlers) Lookup(actionType string) (ActionHandler, bool) {
	handler, ok := h[actionType]
	return handler, ok
}

// StepResult is the settled outcome of a step.
type StepResult struct {
	Status   Status
	Output   string
	Attempts int
	Err      *EngineError
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithGracePeriod sets how long a cancelled action may take to stop.
func WithGracePeriod(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.grace = d
		}
	}
}

// WithExecutorTelemetry sets the logger, metrics, tracer and event sink.
func WithExecutorTelemetry(tel *telemetry.Telemetry) ExecutorOption {
	return func(e *Executor) {
		if tel != nil {
			t := *tel
			e.tel = &t
		}
	}
}

// WithRedactor sets a function applied to every piece of action output
// before it reaches the run log or the step record.
func WithRedactor(fn func(string) string) ExecutorOption {
	return func(e *Executor) {
		if fn != nil {
			e.redact = fn
		}
	}
}

// Executor runs single steps with timeout, retry and cancellation.
type Executor struct {
	actions ActionRegistry
	grace   time.Duration
	tel     *telemetry.Telemetry
	redact  func(string) string
}

// NewExecutor creates an executor resolving actions from registry.
func NewExecutor(registry ActionRegistry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		actions: registry,
		grace:   DefaultGracePeriod,
		tel:     telemetry.Nop(),
		redact:  func(s string) string { return s },
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tel.Logger == nil {
		e.tel.Logger = telemetry.NewNopLogger()
	}
	return e
}

// GracePeriod returns the configured cancellation grace period.
func (e *Executor) GracePeriod() time.Duration {
	return e.grace
}

// Execute drives step s of phase p to a terminal status. ctx is the run's
// cancellation token. A step left running by a crashed process continues
// from its persisted attempt count.
func (e *Executor) Execute(ctx context.Context, m *Machine, p, s int) StepResult {
	phase, step, err := m.step(p, s)
	if err != nil {
		return StepResult{Status: StatusFailed, Err: NewFatalError("step lookup failed", err).WithRun(m.ID())}
	}
	logger := e.tel.Logger.WithRunID(m.ID()).WithStep(phase.Name, step.Name)
	fail := func(msg string, cause error) StepResult {
		return StepResult{
			Status:   StatusFailed,
			Attempts: step.Attempt,
			Err:      NewFatalError(msg, cause).WithRun(m.ID()).WithStep(phase.Name, step.Name),
		}
	}

	switch step.Status {
	case StatusSucceeded:
		return StepResult{Status: StatusSucceeded, Output: step.Output, Attempts: step.Attempt}
	case StatusPending:
		if ctx.Err() != nil {
			return StepResult{Status: StatusCancelled, Err: e.cancelled(m, phase.Name, step.Name)}
		}
		if err := m.beginStep(p, s); err != nil {
			return fail("cannot start step", err)
		}
	case StatusRunning:
		logger.Infof("resuming step after attempt %d", step.Attempt)
	default:
		return StepResult{Status: step.Status, Attempts: step.Attempt}
	}

	maxAttempts := step.Retry.Attempts()
	attempt := step.Attempt
	var last *EngineError

	for {
		if ctx.Err() != nil {
			return e.settleCancelled(m, p, s, phase.Name, step, attempt)
		}
		if attempt >= maxAttempts {
			return e.settleExhausted(m, p, s, phase.Name, step.Name, attempt, last)
		}

		attempt++
		if err := m.beginAttempt(p, s, attempt); err != nil {
			return fail("cannot record attempt", err)
		}

		timer := telemetry.NewTimer()
		output, attemptErr := e.attempt(ctx, m, phase.Name, step.StepSpec, attempt)
		output = truncate(e.redact(output))

		if attemptErr == nil {
			e.tel.Metrics.RecordStepAttempt(step.Action.Type, string(AttemptSucceeded), timer.Duration())
			if err := m.endAttempt(p, s, AttemptSucceeded, output, nil); err != nil {
				return fail("cannot record attempt", err)
			}
			if err := m.finishStep(p, s, StatusSucceeded, nil); err != nil {
				return fail("cannot settle step", err)
			}
			logger.Debugf("step succeeded on attempt %d", attempt)
			return StepResult{Status: StatusSucceeded, Output: output, Attempts: attempt}
		}

		// Errors can quote response bodies; mask secrets once here so the
		// step record, failure, report and logs all see the same text.
		last = e.scrub(attemptErr).WithRun(m.ID()).WithStep(phase.Name, step.Name)
		serr := &StepError{Kind: last.Kind, Message: errorMessage(last)}
		e.tel.Metrics.RecordError(string(last.Kind), last.Code)

		switch {
		case last.Kind == ErrorKindCancelledByUser:
			e.tel.Metrics.RecordStepAttempt(step.Action.Type, string(AttemptCancelled), timer.Duration())
			if err := m.endAttempt(p, s, AttemptCancelled, output, serr); err != nil {
				return fail("cannot record attempt", err)
			}
			if err := m.finishStep(p, s, StatusCancelled, serr); err != nil {
				return fail("cannot settle step", err)
			}
			logger.Warnf("step cancelled during attempt %d", attempt)
			return StepResult{Status: StatusCancelled, Output: output, Attempts: attempt, Err: last}

		case last.Kind.Retryable() && attempt < maxAttempts:
			e.tel.Metrics.RecordStepAttempt(step.Action.Type, string(AttemptRetrying), timer.Duration())
			e.tel.Metrics.RecordStepRetry(step.Action.Type, string(last.Kind))
			if err := m.endAttempt(p, s, AttemptRetrying, output, serr); err != nil {
				return fail("cannot record attempt", err)
			}
			e.tel.Events.PublishStepRetrying(m.ID(), m.Tenant(), phase.Name, step.Name, attempt, serr.Message)

			delay := step.Retry.Delay(attempt)
			logger.WithError(last).Warnf("attempt %d of %d failed, retrying in %s", attempt, maxAttempts, delay)
			if !sleep(ctx, delay) {
				return e.settleCancelled(m, p, s, phase.Name, step, attempt)
			}

		default:
			e.tel.Metrics.RecordStepAttempt(step.Action.Type, string(AttemptFailed), timer.Duration())
			if err := m.endAttempt(p, s, AttemptFailed, output, serr); err != nil {
				return fail("cannot record attempt", err)
			}
			result := StepResult{Status: StatusFailed, Output: output, Attempts: attempt, Err: last}
			if last.Kind.Retryable() {
				result.Err = exhausted(m.ID(), phase.Name, step.Name, attempt, last)
			}
			if err := m.finishStep(p, s, StatusFailed, serr); err != nil {
				return fail("cannot settle step", err)
			}
			e.tel.Events.PublishStepFailed(m.ID(), m.Tenant(), phase.Name, step.Name, serr.Message)
			logger.WithError(last).Errorf("step failed after %d attempt(s)", attempt)
			return result
		}
	}
}

// attempt runs the action once under the step timeout. It returns after
// the action returns or, once the attempt is cancelled, after the grace
// period at the latest.
func (e *Executor) attempt(runCtx context.Context, m *Machine, phase string, spec StepSpec, n int) (string, *EngineError) {
	ctx, span := e.tel.Tracer.StartAttemptSpan(runCtx, phase, spec.Name, spec.Action.Type, n)
	defer span.End()

	handler, ok := e.actions.Lookup(spec.Action.Type)
	if !ok {
		err := NewFatalError(fmt.Sprintf("unknown action type %q", spec.Action.Type), nil).WithCode(ErrCodeUnknownAction)
		telemetry.RecordError(span, err)
		return "", err
	}

	timeout := spec.EffectiveTimeout()
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// An action abandoned after the grace period may still log; its lines
	// must not land after the step has settled.
	var (
		logMu    sync.Mutex
		returned bool
	)
	defer func() {
		logMu.Lock()
		returned = true
		logMu.Unlock()
	}()

	req := ActionRequest{
		RunID:   m.ID(),
		Tenant:  m.Tenant(),
		Phase:   phase,
		Step:    spec,
		Attempt: n,
		Config:  m.config(),
		Log: func(line string) {
			logMu.Lock()
			defer logMu.Unlock()
			if returned {
				return
			}
			m.appendLog(LogRecord{
				Level:   "debug",
				Phase:   phase,
				Step:    spec.Name,
				Attempt: n,
				Message: e.redact(line),
			})
		},
	}

	type outcome struct {
		result *ActionResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: NewFatalError(fmt.Sprintf("action panicked: %v", r), nil).
					WithDetail("stack", string(debug.Stack()))}
			}
		}()
		result, err := handler.Run(attemptCtx, req)
		done <- outcome{result: result, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-attemptCtx.Done():
		grace := time.NewTimer(e.grace)
		select {
		case out = <-done:
		case <-grace.C:
			out = outcome{err: fmt.Errorf("action did not stop within %s: %w", e.grace, attemptCtx.Err())}
		}
		grace.Stop()
	}

	var output string
	if out.result != nil {
		output = out.result.Output
	}
	if out.err == nil {
		telemetry.RecordSuccess(span)
		return output, nil
	}

	var classified *EngineError
	switch {
	case runCtx.Err() != nil:
		classified = NewError(ErrorKindCancelledByUser, "run cancelled during attempt", out.err)
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		classified = NewTimeoutError(fmt.Sprintf("attempt exceeded timeout of %s", timeout), out.err)
	default:
		classified = Classify(out.err)
	}
	span.SetAttributes(telemetry.AttrErrorKind.String(string(classified.Kind)))
	telemetry.RecordError(span, classified)
	return output, classified
}

// settleCancelled marks a running step cancelled without a further attempt.
func (e *Executor) settleCancelled(m *Machine, p, s int, phase string, step Step, attempts int) StepResult {
	err := e.cancelled(m, phase, step.Name)
	serr := &StepError{Kind: ErrorKindCancelledByUser, Message: err.Message}
	if ferr := m.finishStep(p, s, StatusCancelled, serr); ferr != nil {
		e.tel.Logger.WithRunID(m.ID()).WithError(ferr).Error("cannot cancel step")
	}
	return StepResult{Status: StatusCancelled, Attempts: attempts, Err: err}
}

// settleExhausted fails a step resumed with no attempts left.
func (e *Executor) settleExhausted(m *Machine, p, s int, phase, step string, attempts int, last *EngineError) StepResult {
	err := exhausted(m.ID(), phase, step, attempts, last)
	serr := &StepError{Kind: err.Kind, Message: err.Message}
	if ferr := m.finishStep(p, s, StatusFailed, serr); ferr != nil {
		e.tel.Logger.WithRunID(m.ID()).WithError(ferr).Error("cannot fail step")
	}
	return StepResult{Status: StatusFailed, Attempts: attempts, Err: err}
}

func (e *Executor) cancelled(m *Machine, phase, step string) *EngineError {
	return NewError(ErrorKindCancelledByUser, "run cancelled before the step completed", nil).
		WithRun(m.ID()).
		WithStep(phase, step)
}

func exhausted(runID, phase, step string, attempts int, last error) *EngineError {
	return NewFatalError(fmt.Sprintf("retries exhausted after %d attempt(s)", attempts), last).
		WithCode(ErrCodeRetryExhausted).
		WithRun(runID).
		WithStep(phase, step).
		WithDetail("attempts", attempts)
}

// scrub returns a copy of err with secret values masked in its message,
// its cause and its string details. The cause chain is kept for errors.Is.
func (e *Executor) scrub(err *EngineError) *EngineError {
	out := *err
	out.Message = e.redact(err.Message)
	if err.Err != nil {
		out.Err = &redactedError{text: e.redact(err.Err.Error()), cause: err.Err}
	}
	if len(err.Details) > 0 {
		out.Details = make(map[string]interface{}, len(err.Details))
		for k, v := range err.Details {
			if str, ok := v.(string); ok {
				v = e.redact(str)
			}
			out.Details[k] = v
		}
	}
	return &out
}

type redactedError struct {
	text  string
	cause error
}

func (r *redactedError) Error() string { return r.text }
func (r *redactedError) Unwrap() error { return r.cause }

// errorMessage renders err without the phase/step suffix, which the step
// record already carries.
func errorMessage(err *EngineError) string {
	if err.Err != nil {
		return err.Message + ": " + err.Err.Error()
	}
	return err.Message
}

// sleep waits for d or until ctx is done, reporting whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return "[truncated]\n" + s[len(s)-maxOutputBytes:]
}
