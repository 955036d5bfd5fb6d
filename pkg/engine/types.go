package engine

import (
	"fmt"
	"time"

	"github.com/raidan-labs/provisiond/pkg/config"
)

// Defaults applied to steps that leave the corresponding field unset.
const (
	DefaultStepTimeout = 5 * time.Minute
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = time.Minute
)

// CheckpointVersion is the format version of persisted run records. Records
// written with another version are not resumed.
const CheckpointVersion = 1

// Action describes the work a step performs. Type selects the handler
// (exec, ssh, upload, http, dns); Params are handler-specific and may
// contain template expressions rendered against the configuration.
type Action struct {
	Type   string            `json:"type" yaml:"type"`
	Params map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// RetryPolicy controls how often and how fast a failing step is retried.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseDelay is the delay after the first failed attempt.
	BaseDelay time.Duration `json:"base_delay" yaml:"base_delay"`

	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
}

// Attempts returns the effective maximum number of attempts.
func (p RetryPolicy) Attempts() int {
	if p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the backoff before the attempt following failed attempt n
// (1-based): BaseDelay * 2^(n-1), capped at MaxDelay.
func (p RetryPolicy) Delay(n int) time.Duration {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	ceiling := p.MaxDelay
	if ceiling <= 0 {
		ceiling = DefaultMaxDelay
	}
	if n < 1 {
		n = 1
	}
	delay := base
	for i := 1; i < n; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	if delay > ceiling {
		return ceiling
	}
	return delay
}

// StepSpec is the declared shape of a step.
type StepSpec struct {
	Name    string        `json:"name" yaml:"name"`
	Action  Action        `json:"action" yaml:"action"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
	Retry   RetryPolicy   `json:"retry" yaml:"retry"`

	// Idempotent marks steps that may safely be attempted again after the
	// process crashed mid-attempt, e.g. "create network if absent".
	Idempotent bool `json:"idempotent" yaml:"idempotent"`
}

// EffectiveTimeout returns the per-attempt timeout.
func (s StepSpec) EffectiveTimeout() time.Duration {
	if s.Timeout <= 0 {
		return DefaultStepTimeout
	}
	return s.Timeout
}

// PhaseSpec is the declared shape of a phase.
type PhaseSpec struct {
	Name  string     `json:"name" yaml:"name"`
	Steps []StepSpec `json:"steps" yaml:"steps"`
}

// Pipeline is the ordered list of phases a run executes.
type Pipeline struct {
	Phases []PhaseSpec `json:"phases" yaml:"phases"`
}

// Validate checks that the pipeline has uniquely named, non-empty phases.
func (p Pipeline) Validate() error {
	if len(p.Phases) == 0 {
		return fmt.Errorf("pipeline has no phases")
	}
	seenPhases := make(map[string]bool, len(p.Phases))
	for i, phase := range p.Phases {
		if phase.Name == "" {
			return fmt.Errorf("phase %d has no name", i)
		}
		if seenPhases[phase.Name] {
			return fmt.Errorf("duplicate phase name: %s", phase.Name)
		}
		seenPhases[phase.Name] = true
		if len(phase.Steps) == 0 {
			return fmt.Errorf("phase %s has no steps", phase.Name)
		}
		seenSteps := make(map[string]bool, len(phase.Steps))
		for j, step := range phase.Steps {
			if step.Name == "" {
				return fmt.Errorf("phase %s: step %d has no name", phase.Name, j)
			}
			if seenSteps[step.Name] {
				return fmt.Errorf("phase %s: duplicate step name: %s", phase.Name, step.Name)
			}
			seenSteps[step.Name] = true
			if step.Action.Type == "" {
				return fmt.Errorf("phase %s: step %s has no action type", phase.Name, step.Name)
			}
			if step.Retry.MaxAttempts < 0 {
				return fmt.Errorf("phase %s: step %s has negative max attempts", phase.Name, step.Name)
			}
		}
	}
	return nil
}

// StepError is the recorded error of a step.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Step is the runtime record of a step.
type Step struct {
	StepSpec
	Status    Status     `json:"status"`
	Attempt   int        `json:"attempt"`
	Output    string     `json:"output,omitempty"`
	LastError *StepError `json:"last_error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Phase is the runtime record of a phase.
type Phase struct {
	Name      string     `json:"name"`
	Status    Status     `json:"status"`
	Steps     []Step     `json:"steps"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// Failure identifies why a run did not succeed.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Phase   string    `json:"phase,omitempty"`
	Step    string    `json:"step,omitempty"`
}

// Run is the full record of one provisioning attempt. It is owned by a
// Machine while active and persisted as the recovery checkpoint.
type Run struct {
	Version         int                  `json:"version"`
	ID              string               `json:"id"`
	Tenant          string               `json:"tenant"`
	Status          Status               `json:"status"`
	CurrentPhase    int                  `json:"current_phase"`
	Phases          []Phase              `json:"phases"`
	Config          *config.Provisioning `json:"config,omitempty"`
	Failure         *Failure             `json:"failure,omitempty"`
	CancelRequested bool                 `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	StartedAt       *time.Time           `json:"started_at,omitempty"`
	EndedAt         *time.Time           `json:"ended_at,omitempty"`
}

// NewRun builds a pending run for tenant from a pipeline.
func NewRun(id, tenant string, cfg *config.Provisioning, pipeline Pipeline) *Run {
	run := &Run{
		Version:   CheckpointVersion,
		ID:        id,
		Tenant:    tenant,
		Status:    StatusPending,
		Phases:    make([]Phase, 0, len(pipeline.Phases)),
		Config:    cfg,
		CreatedAt: time.Now().UTC(),
	}
	for _, ps := range pipeline.Phases {
		phase := Phase{
			Name:   ps.Name,
			Status: StatusPending,
			Steps:  make([]Step, 0, len(ps.Steps)),
		}
		for _, ss := range ps.Steps {
			phase.Steps = append(phase.Steps, Step{StepSpec: ss, Status: StatusPending})
		}
		run.Phases = append(run.Phases, phase)
	}
	return run
}

// Clone returns a deep copy of the run.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Config = r.Config.Clone()
	if r.Failure != nil {
		f := *r.Failure
		out.Failure = &f
	}
	out.StartedAt = cloneTime(r.StartedAt)
	out.EndedAt = cloneTime(r.EndedAt)
	out.Phases = make([]Phase, len(r.Phases))
	for i, p := range r.Phases {
		cp := p
		cp.StartedAt = cloneTime(p.StartedAt)
		cp.EndedAt = cloneTime(p.EndedAt)
		cp.Steps = make([]Step, len(p.Steps))
		for j, s := range p.Steps {
			cs := s
			cs.Action.Params = cloneParams(s.Action.Params)
			cs.StartedAt = cloneTime(s.StartedAt)
			cs.EndedAt = cloneTime(s.EndedAt)
			if s.LastError != nil {
				e := *s.LastError
				cs.LastError = &e
			}
			cp.Steps[j] = cs
		}
		out.Phases[i] = cp
	}
	return &out
}

// Snapshot converts the run into its externally visible status shape.
func (r *Run) Snapshot() RunSnapshot {
	snap := RunSnapshot{
		RunID:         r.ID,
		Tenant:        r.Tenant,
		OverallStatus: r.Status,
		CurrentPhase:  r.CurrentPhase,
		Phases:        make([]PhaseSnapshot, len(r.Phases)),
		CreatedAt:     r.CreatedAt,
		StartedAt:     cloneTime(r.StartedAt),
		EndedAt:       cloneTime(r.EndedAt),
	}
	if r.Failure != nil {
		f := *r.Failure
		snap.Failure = &f
	}
	for i, p := range r.Phases {
		ps := PhaseSnapshot{
			Name:   p.Name,
			Status: p.Status,
			Steps:  make([]StepSnapshot, len(p.Steps)),
		}
		for j, s := range p.Steps {
			ss := StepSnapshot{
				Name:        s.Name,
				Status:      s.Status,
				Attempt:     s.Attempt,
				MaxAttempts: s.Retry.Attempts(),
			}
			if s.LastError != nil {
				e := *s.LastError
				ss.LastError = &e
			}
			ps.Steps[j] = ss
		}
		snap.Phases[i] = ps
	}
	return snap
}

// RunSnapshot is the read-only status view consumed by dashboards and CLIs.
type RunSnapshot struct {
	RunID         string          `json:"runId"`
	Tenant        string          `json:"tenant"`
	OverallStatus Status          `json:"overallStatus"`
	CurrentPhase  int             `json:"currentPhase"`
	Phases        []PhaseSnapshot `json:"phases"`
	Failure       *Failure        `json:"failure,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	StartedAt     *time.Time      `json:"startedAt,omitempty"`
	EndedAt       *time.Time      `json:"endedAt,omitempty"`
}

// PhaseSnapshot is the status view of a phase.
type PhaseSnapshot struct {
	Name   string         `json:"name"`
	Status Status         `json:"status"`
	Steps  []StepSnapshot `json:"steps"`
}

// StepSnapshot is the status view of a step.
type StepSnapshot struct {
	Name        string     `json:"name"`
	Status      Status     `json:"status"`
	Attempt     int        `json:"attempt"`
	MaxAttempts int        `json:"maxAttempts"`
	LastError   *StepError `json:"lastError,omitempty"`
}

// LogRecord is one entry of a run's append-only log.
type LogRecord struct {
	Seq       int64          `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Phase     string         `json:"phase,omitempty"`
	Step      string         `json:"step,omitempty"`
	Attempt   int            `json:"attempt,omitempty"`
	Outcome   AttemptOutcome `json:"outcome,omitempty"`
	Message   string         `json:"message"`
}

// Transition is one event of the run's state feed.
type Transition struct {
	Seq       uint64         `json:"seq"`
	RunID     string         `json:"runId"`
	Type      TransitionType `json:"type"`
	Level     Level          `json:"level"`
	Phase     int            `json:"phase"`
	Step      int            `json:"step"`
	PhaseName string         `json:"phaseName,omitempty"`
	StepName  string         `json:"stepName,omitempty"`
	From      Status         `json:"from"`
	To        Status         `json:"to"`
	Attempt   int            `json:"attempt,omitempty"`
	Outcome   AttemptOutcome `json:"outcome,omitempty"`
	Error     *StepError     `json:"error,omitempty"`
	At        time.Time      `json:"at"`
}

// Report is the immutable record written once when a run settles.
type Report struct {
	RunID     string      `json:"run_id"`
	Tenant    string      `json:"tenant"`
	Status    Status      `json:"status"`
	Run       *Run        `json:"run"`
	Logs      []LogRecord `json:"logs"`
	Failure   *Failure    `json:"failure,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Snapshot returns the status view of the reported run.
func (r *Report) Snapshot() RunSnapshot {
	return r.Run.Snapshot()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneParams(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
