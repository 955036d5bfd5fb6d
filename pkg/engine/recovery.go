package engine

import (
	"context"
	"fmt"
	"sort"
)

// RecoveryDecision is what Recover does with a run found active at startup.
type RecoveryDecision string

const (
	// RecoveryResume continues the run from its last succeeded step.
	RecoveryResume RecoveryDecision = "resume"

	// RecoveryInterrupt fails the run with InterruptedRun.
	RecoveryInterrupt RecoveryDecision = "interrupt"

	// RecoveryCancel settles a run whose cancellation was requested before
	// the restart.
	RecoveryCancel RecoveryDecision = "cancel"

	// RecoveryReport writes the missing report of a run that had settled.
	RecoveryReport RecoveryDecision = "report"
)

// RecoveryResult reports the decision taken for one run.
type RecoveryResult struct {
	RunID    string           `json:"runId"`
	Tenant   string           `json:"tenant"`
	Decision RecoveryDecision `json:"decision"`
	Reason   string           `json:"reason"`

	// Handle is set for resumed runs.
	Handle *RunHandle `json:"-"`
}

// interruptedAttempt is recorded for an attempt cut short by a crash.
const interruptedAttempt = "process stopped during the attempt"

// ResumePoint decides whether a checkpoint is a safe place to continue
// from. A checkpoint is safe when its format version matches and every
// step that was running at crash time is idempotent with attempts left,
// counting the interrupted attempt as consumed.
func ResumePoint(run *Run) (RecoveryDecision, string) {
	if run.Version != CheckpointVersion {
		return RecoveryInterrupt, fmt.Sprintf("checkpoint version %d is not %d", run.Version, CheckpointVersion)
	}
	if run.CancelRequested {
		return RecoveryCancel, "cancellation was requested before the restart"
	}
	if run.Config == nil {
		return RecoveryInterrupt, "checkpoint has no configuration snapshot"
	}
	if run.Status == StatusPending {
		return RecoveryResume, "run had not started"
	}

	running := 0
	for _, phase := range run.Phases {
		if phase.Status == StatusRunning {
			running++
		}
		for _, step := range phase.Steps {
			if step.Status != StatusRunning {
				continue
			}
			if !step.Idempotent {
				return RecoveryInterrupt, fmt.Sprintf("step %q of phase %q was interrupted and is not idempotent", step.Name, phase.Name)
			}
			if step.Attempt >= step.Retry.Attempts() {
				return RecoveryInterrupt, fmt.Sprintf("step %q of phase %q was interrupted on its last attempt", step.Name, phase.Name)
			}
		}
	}
	if running > 1 {
		return RecoveryInterrupt, fmt.Sprintf("checkpoint has %d running phases", running)
	}
	return RecoveryResume, "checkpoint is a safe resume point"
}

// Recover reloads the runs persisted as pending or running, typically at
// startup before StartRun is used. Safe checkpoints are resumed in the
// background, runs with a pending cancellation request are settled as
// cancelled, and the others are failed with InterruptedRun. Settled runs
// whose report was never written get one built from their checkpoint.
func (e *Engine) Recover(ctx context.Context) ([]RecoveryResult, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	// Reports are repaired first so runs resumed below, which settle in the
	// background, are never mistaken for unreported ones.
	results, err := e.repairReports(ctx)
	if err != nil {
		return results, err
	}

	runs, err := e.store.ListRuns(ctx, RunFilter{Statuses: []Status{StatusPending, StatusRunning}})
	if err != nil {
		return results, fmt.Errorf("failed to list active runs: %w", err)
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	for _, run := range runs {
		if _, ok := e.Handle(run.ID); ok {
			continue
		}
		logs, err := e.store.LoadLogs(ctx, run.ID)
		if err != nil {
			return results, fmt.Errorf("failed to load logs of run %s: %w", run.ID, err)
		}

		decision, reason := ResumePoint(run)
		if decision == RecoveryResume {
			if err := e.reserve(run.Tenant, run.ID); err != nil {
				decision, reason = RecoveryInterrupt, fmt.Sprintf("tenant already has an active run: %v", err)
			}
		}
		result := RecoveryResult{RunID: run.ID, Tenant: run.Tenant, Decision: decision, Reason: reason}

		logger := e.logger.WithRunID(run.ID).WithTenant(run.Tenant)
		e.tel.Metrics.RecordRecovery(string(decision))
		e.tel.Events.PublishRunRecovered(run.ID, run.Tenant, string(decision))

		switch decision {
		case RecoveryResume:
			result.Handle = e.resume(run, logs)
			e.audit(run.ID, run.Tenant, AuditRunRecovered, reason)
			logger.Infof("resuming run: %s", reason)
		case RecoveryCancel:
			e.settleCancelled(run, logs)
			e.audit(run.ID, run.Tenant, AuditRunRecovered, reason)
			logger.Infof("run cancelled: %s", reason)
		default:
			e.interrupt(run, logs, reason)
			e.audit(run.ID, run.Tenant, AuditRunInterrupted, reason)
			logger.Warnf("run interrupted: %s", reason)
		}
		results = append(results, result)
	}
	return results, nil
}

// repairReports writes the report of every settled run that lacks one,
// which happens when the process stops between the final checkpoint and
// the report.
func (e *Engine) repairReports(ctx context.Context) ([]RecoveryResult, error) {
	runs, err := e.store.ListRuns(ctx, RunFilter{
		Statuses:   []Status{StatusSucceeded, StatusFailed, StatusCancelled},
		Unreported: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list unreported runs: %w", err)
	}

	var results []RecoveryResult
	for _, run := range runs {
		if _, ok := e.Handle(run.ID); ok {
			continue
		}
		logs, err := e.store.LoadLogs(ctx, run.ID)
		if err != nil {
			return results, fmt.Errorf("failed to load logs of run %s: %w", run.ID, err)
		}
		reason := "report was missing for a settled run"
		if err := e.saveReport(newReport(run, logs)); err != nil {
			return results, err
		}
		e.tel.Metrics.RecordRecovery(string(RecoveryReport))
		e.audit(run.ID, run.Tenant, AuditReportWritten, string(run.Status))
		e.logger.WithRunID(run.ID).WithTenant(run.Tenant).Info(reason)
		results = append(results, RecoveryResult{RunID: run.ID, Tenant: run.Tenant, Decision: RecoveryReport, Reason: reason})
	}
	return results, nil
}

// resume records the interrupted attempt of any running step and drives
// the run on. The tenant lock must be held.
func (e *Engine) resume(run *Run, logs []LogRecord) *RunHandle {
	m := e.newMachine(run, logs)
	serr := &StepError{Kind: ErrorKindInterruptedRun, Message: interruptedAttempt}
	for p, phase := range run.Phases {
		for s, step := range phase.Steps {
			if step.Status != StatusRunning || step.Attempt == 0 {
				continue
			}
			if err := m.endAttempt(p, s, AttemptRetrying, step.Output, serr); err != nil {
				e.logger.WithRunID(run.ID).WithError(err).Warn("cannot record interrupted attempt")
			}
		}
	}
	return e.start(m, "recovery")
}

// settleCancelled honours a cancellation request that was persisted before
// the restart.
func (e *Engine) settleCancelled(run *Run, logs []LogRecord) {
	m := e.newMachine(run, logs)
	m.appendLog(LogRecord{Level: "warn", Message: "run cancelled before the restart"})
	failure := &Failure{Kind: ErrorKindCancelledByUser, Message: "run cancelled by user"}
	if err := m.finish(StatusCancelled, failure); err != nil {
		e.logger.WithRunID(run.ID).WithError(err).Error("cannot cancel recovered run")
		return
	}
	e.writeReport(m)
}

// interrupt fails a run that cannot be resumed and persists its report.
func (e *Engine) interrupt(run *Run, logs []LogRecord, reason string) {
	m := e.newMachine(run, logs)
	serr := &StepError{Kind: ErrorKindInterruptedRun, Message: reason}
	phase, step, err := m.failRunning(serr)
	if err != nil {
		e.logger.WithRunID(run.ID).WithError(err).Error("cannot fail interrupted steps")
	}
	m.appendLog(LogRecord{Level: "error", Phase: phase, Step: step, Message: "run interrupted: " + reason})

	failure := &Failure{Kind: ErrorKindInterruptedRun, Message: reason, Phase: phase, Step: step}
	if err := m.finish(StatusFailed, failure); err != nil {
		e.logger.WithRunID(run.ID).WithError(err).Error("cannot fail interrupted run")
		return
	}
	e.writeReport(m)
}
