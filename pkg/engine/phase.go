package engine

import (
	"context"
	"fmt"

	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// StepOutcome is the settled result of one step as seen by its phase.
type StepOutcome struct {
	Name     string
	Status   Status
	Attempts int
	Output   string
	Err      *EngineError
}

// PhaseResult aggregates the step outcomes of a phase.
type PhaseResult struct {
	Name   string
	Status Status
	Steps  []StepOutcome
	Err    *EngineError
}

// FailedStep returns the first step outcome that did not succeed.
func (r PhaseResult) FailedStep() (StepOutcome, bool) {
	for _, s := range r.Steps {
		if s.Status != StatusSucceeded && s.Status != StatusPending {
			return s, true
		}
	}
	return StepOutcome{}, false
}

// PhaseController runs the steps of one phase strictly in order and stops
// at the first step that does not succeed.
type PhaseController struct {
	executor *Executor
	tel      *telemetry.Telemetry
}

// NewPhaseController creates a controller running steps through executor.
func NewPhaseController(executor *Executor, tel *telemetry.Telemetry) *PhaseController {
	if tel == nil {
		tel = telemetry.Nop()
	}
	return &PhaseController{executor: executor, tel: tel}
}

// Run executes phase p of the machine's run. Steps that already succeeded
// (on resume) are skipped. A failed step fails the phase and leaves the
// remaining steps pending. A cancelled step leaves the phase running so the
// run's cancellation can settle it together with everything after it.
func (c *PhaseController) Run(ctx context.Context, m *Machine, p int) PhaseResult {
	phase, err := m.phase(p)
	if err != nil {
		return PhaseResult{Status: StatusFailed, Err: NewFatalError("phase lookup failed", err).WithRun(m.ID())}
	}
	result := PhaseResult{Name: phase.Name, Steps: make([]StepOutcome, 0, len(phase.Steps))}

	switch phase.Status {
	case StatusSucceeded:
		for _, st := range phase.Steps {
			result.Steps = append(result.Steps, StepOutcome{Name: st.Name, Status: st.Status, Attempts: st.Attempt, Output: st.Output})
		}
		result.Status = StatusSucceeded
		return result
	case StatusPending:
		if ctx.Err() != nil {
			result.Status = StatusCancelled
			return result
		}
		if err := m.beginPhase(p); err != nil {
			result.Status = StatusFailed
			result.Err = NewFatalError("cannot start phase", err).WithRun(m.ID()).WithStep(phase.Name, "")
			return result
		}
	case StatusRunning:
	default:
		result.Status = phase.Status
		return result
	}

	ctx, span := c.tel.Tracer.StartPhaseSpan(ctx, m.ID(), phase.Name)
	defer span.End()
	logger := c.tel.Logger.WithRunID(m.ID()).WithField("phase", phase.Name)
	logger.Infof("phase started with %d step(s)", len(phase.Steps))

	for s := range phase.Steps {
		res := c.executor.Execute(ctx, m, p, s)
		result.Steps = append(result.Steps, StepOutcome{
			Name:     phase.Steps[s].Name,
			Status:   res.Status,
			Attempts: res.Attempts,
			Output:   res.Output,
			Err:      res.Err,
		})

		switch res.Status {
		case StatusSucceeded:
			continue
		case StatusCancelled:
			result.Status = StatusCancelled
			result.Err = res.Err
			logger.Warn("phase interrupted by cancellation")
			return result
		default:
			result.Status = StatusFailed
			result.Err = res.Err
			if result.Err == nil {
				result.Err = NewFatalError(fmt.Sprintf("step settled as %s", res.Status), nil).
					WithRun(m.ID()).WithStep(phase.Name, phase.Steps[s].Name)
			}
			for rest := s + 1; rest < len(phase.Steps); rest++ {
				result.Steps = append(result.Steps, StepOutcome{Name: phase.Steps[rest].Name, Status: StatusPending})
			}
			if err := m.finishPhase(p, StatusFailed); err != nil {
				logger.WithError(err).Error("cannot fail phase")
			}
			telemetry.RecordError(span, result.Err)
			logger.WithError(result.Err).Error("phase failed")
			return result
		}
	}

	if err := m.finishPhase(p, StatusSucceeded); err != nil {
		result.Status = StatusFailed
		result.Err = NewFatalError("cannot settle phase", err).WithRun(m.ID()).WithStep(phase.Name, "")
		return result
	}
	result.Status = StatusSucceeded
	telemetry.RecordSuccess(span)
	logger.Info("phase succeeded")
	return result
}
