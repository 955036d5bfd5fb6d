package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raidan-labs/provisiond/pkg/config"
)

// errCancelRequested is the cancellation cause recorded by RequestCancel.
var errCancelRequested = errors.New("cancellation requested by user")

// Checkpointer receives a copy of the run after every applied transition,
// synchronously and in emission order.
type Checkpointer func(run *Run, transitions []Transition)

// LogSink receives every record appended to the run log.
type LogSink func(record LogRecord)

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithCheckpointer installs the synchronous persistence hook.
func WithCheckpointer(fn Checkpointer) MachineOption {
	return func(m *Machine) {
		m.checkpoint = fn
	}
}

// WithLogSink installs a hook receiving every appended log record.
func WithLogSink(fn LogSink) MachineOption {
	return func(m *Machine) {
		m.logSink = fn
	}
}

// WithLogs seeds the log buffer with previously persisted records.
func WithLogs(records []LogRecord) MachineOption {
	return func(m *Machine) {
		m.logs = NewLogBuffer(records)
	}
}

// Machine owns a Run and is the only place its state changes. External
// callers read snapshots, subscribe to transitions and request cancellation;
// the phase controller and executor drive it through unexported transition
// methods.
type Machine struct {
	// applyMu serializes transitions together with their checkpoint and
	// delivery so subscribers observe emission order.
	applyMu sync.Mutex

	mu  sync.RWMutex
	run *Run
	seq uint64

	logs *LogBuffer

	subMu   sync.Mutex
	subs    map[uint64]*subscription
	nextSub uint64
	closed  bool

	checkpoint Checkpointer
	logSink    LogSink

	ctx             context.Context
	cancel          context.CancelCauseFunc
	cancelRequested atomic.Bool
	done            chan struct{}
	doneOnce        sync.Once
}

// NewMachine takes a copy of run and returns the machine owning it.
func NewMachine(run *Run, opts ...MachineOption) *Machine {
	ctx, cancel := context.WithCancelCause(context.Background())
	m := &Machine{
		run:    run.Clone(),
		subs:   make(map[uint64]*subscription),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logs == nil {
		m.logs = NewLogBuffer(nil)
	}
	if m.run.Status.IsTerminal() {
		m.closeFeed()
	}
	return m
}

// ID returns the run ID.
func (m *Machine) ID() string {
	return m.run.ID
}

// config returns the read-only configuration snapshot. The pointer is set
// at construction and never replaced.
func (m *Machine) config() *config.Provisioning {
	return m.run.Config
}

// Tenant returns the tenant the run provisions.
func (m *Machine) Tenant() string {
	return m.run.Tenant
}

// Status returns the current run status.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run.Status
}

// Snapshot returns a point-in-time copy of the run status.
func (m *Machine) Snapshot() RunSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run.Snapshot()
}

// Record returns a deep copy of the full run record.
func (m *Machine) Record() *Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.run.Clone()
}

// Logs returns a copy of the run log.
func (m *Machine) Logs() []LogRecord {
	return m.logs.Records()
}

// LogsSince returns the log records after sequence number seq.
func (m *Machine) LogsSince(seq int64) []LogRecord {
	return m.logs.Since(seq)
}

// Context is the run's cancellation token. It is cancelled by RequestCancel
// and once the run settles.
func (m *Machine) Context() context.Context {
	return m.ctx
}

// Done is closed when the run reaches a terminal status.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// CancelRequested reports whether RequestCancel was accepted.
func (m *Machine) CancelRequested() bool {
	return m.cancelRequested.Load()
}

// RequestCancel asks the run to stop. It returns false when the run has
// already settled. The request is acknowledged immediately; the run is
// observed as cancelled once the in-flight step has settled.
func (m *Machine) RequestCancel() bool {
	if m.Status().IsTerminal() {
		return false
	}
	if m.cancelRequested.CompareAndSwap(false, true) {
		m.recordCancelRequest()
		m.cancel(errCancelRequested)
	}
	return true
}

// recordCancelRequest checkpoints the request before the run reacts to it,
// so a crash in between cannot lose it.
func (m *Machine) recordCancelRequest() {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	if m.run.Status.IsTerminal() {
		m.mu.Unlock()
		return
	}
	m.run.CancelRequested = true
	var record *Run
	if m.checkpoint != nil {
		record = m.run.Clone()
	}
	m.mu.Unlock()

	if record != nil {
		m.checkpoint(record, nil)
	}
}

// Subscribe registers fn to receive every transition applied after this
// call, in emission order, without coalescing or drops. Each subscriber has
// its own unbounded queue so a slow subscriber never blocks the run.
func (m *Machine) Subscribe(fn func(Transition)) *Subscription {
	sub := newSubscription(fn)

	m.subMu.Lock()
	if m.closed {
		m.subMu.Unlock()
		sub.close()
		go sub.run()
		return &Subscription{m: m, sub: sub}
	}
	m.nextSub++
	id := m.nextSub
	sub.id = id
	m.subs[id] = sub
	m.subMu.Unlock()

	go sub.run()
	return &Subscription{m: m, sub: sub}
}

// Subscription is a handle on a transition subscriber.
type Subscription struct {
	m   *Machine
	sub *subscription
}

// Unsubscribe stops delivery. Queued transitions are discarded.
func (s *Subscription) Unsubscribe() {
	s.m.subMu.Lock()
	delete(s.m.subs, s.sub.id)
	s.m.subMu.Unlock()
	s.sub.stop()
}

// Done is closed once the subscriber has received the final transition of
// the run, or after Unsubscribe.
func (s *Subscription) Done() <-chan struct{} {
	return s.sub.done
}

// transition applies mutate under the state lock, stamps the produced
// transitions, checkpoints and publishes them. A mutate error leaves the
// run untouched.
func (m *Machine) transition(mutate func(r *Run, now time.Time) ([]Transition, error)) error {
	m.applyMu.Lock()
	defer m.applyMu.Unlock()

	m.mu.Lock()
	if m.run.Status.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("%w: run %s is %s", ErrInvalidTransition, m.run.ID, m.run.Status)
	}
	now := time.Now().UTC()
	trs, err := mutate(m.run, now)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	for i := range trs {
		m.seq++
		trs[i].Seq = m.seq
		trs[i].RunID = m.run.ID
		trs[i].At = now
	}
	var record *Run
	if m.checkpoint != nil && len(trs) > 0 {
		record = m.run.Clone()
	}
	terminal := m.run.Status.IsTerminal()
	m.mu.Unlock()

	if record != nil {
		m.checkpoint(record, trs)
	}
	m.publish(trs)

	if terminal {
		m.closeFeed()
		m.cancel(nil)
	}
	return nil
}

func (m *Machine) publish(trs []Transition) {
	if len(trs) == 0 {
		return
	}
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for _, sub := range m.subs {
		sub.push(trs)
	}
}

func (m *Machine) closeFeed() {
	m.subMu.Lock()
	m.closed = true
	subs := m.subs
	m.subs = make(map[uint64]*subscription)
	m.subMu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
	m.doneOnce.Do(func() { close(m.done) })
}

// appendLog adds a record to the run log and forwards it to the sink.
func (m *Machine) appendLog(r LogRecord) LogRecord {
	r = m.logs.Append(r)
	if m.logSink != nil {
		m.logSink(r)
	}
	return r
}

// begin moves the run from pending to running.
func (m *Machine) begin() error {
	return m.transition(func(r *Run, now time.Time) ([]Transition, error) {
		if !r.Status.CanTransition(LevelRun, StatusRunning) {
			return nil, fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, r.Status, StatusRunning)
		}
		from := r.Status
		r.Status = StatusRunning
		r.StartedAt = &now
		return []Transition{runTransition(from, StatusRunning)}, nil
	})
}

// beginPhase starts phase p. Its predecessor must have succeeded.
func (m *Machine) beginPhase(p int) error {
	return m.transition(func(r *Run, now time.Time) ([]Transition, error) {
		if r.Status != StatusRunning {
			return nil, fmt.Errorf("%w: run is %s", ErrInvalidTransition, r.Status)
		}
		if p < 0 || p >= len(r.Phases) {
			return nil, fmt.Errorf("%w: no phase %d", ErrInvalidTransition, p)
		}
		if p > 0 && r.Phases[p-1].Status != StatusSucceeded {
			return nil, fmt.Errorf("%w: phase %q started before %q succeeded",
				ErrInvalidTransition, r.Phases[p].Name, r.Phases[p-1].Name)
		}
		phase := &r.Phases[p]
		if !phase.Status.CanTransition(LevelPhase, StatusRunning) {
			return nil, fmt.Errorf("%w: phase %s %s -> %s", ErrInvalidTransition, phase.Name, phase.Status, StatusRunning)
		}
		phase.Status = StatusRunning
		phase.StartedAt = &now
		r.CurrentPhase = p
		return []Transition{phaseTransition(p, phase.Name, StatusPending, StatusRunning)}, nil
	})
}

// beginStep starts step s of phase p. Its predecessor must have succeeded.
func (m *Machine) beginStep(p, s int) error {
	return m.transition(func(r *Run, now time.Time) ([]Transition, error) {
		phase, step, err := stepAt(r, p, s)
		if err != nil {
			return nil, err
		}
		if phase.Status != StatusRunning {
			return nil, fmt.Errorf("%w: phase %s is %s", ErrInvalidTransition, phase.Name, phase.Status)
		}
		if s > 0 && phase.Steps[s-1].Status != StatusSucceeded {
			return nil, fmt.Errorf("%w: step %q started before %q succeeded",
				ErrInvalidTransition, step.Name, phase.Steps[s-1].Name)
		}
		if !step.Status.CanTransition(LevelStep, StatusRunning) {
			return nil, fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, step.Name, step.Status, StatusRunning)
		}
		step.Status = StatusRunning
		step.StartedAt = &now
		return []Transition{stepTransition(p, s, phase.Name, step.Name, StatusPending, StatusRunning)}, nil
	})
}

// beginAttempt records that attempt n of a running step has started. The
// attempt count is persisted before the action runs so a crash mid-attempt
// counts the attempt as consumed.
func (m *Machine) beginAttempt(p, s, n int) error {
	return m.transition(func(r *Run, _ time.Time) ([]Transition, error) {
		phase, step, err := stepAt(r, p, s)
		if err != nil {
			return nil, err
		}
		if step.Status != StatusRunning {
			return nil, fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, step.Name, step.Status)
		}
		if n != step.Attempt+1 || n > step.Retry.Attempts() {
			return nil, fmt.Errorf("%w: step %s attempt %d (have %d of %d)",
				ErrInvalidTransition, step.Name, n, step.Attempt, step.Retry.Attempts())
		}
		step.Attempt = n
		t := stepTransition(p, s, phase.Name, step.Name, StatusRunning, StatusRunning)
		t.Type = TransitionAttempt
		t.Attempt = n
		t.Outcome = AttemptStarted
		return []Transition{t}, nil
	})
}

// endAttempt records the outcome of the current attempt and appends the
// per-attempt log record.
func (m *Machine) endAttempt(p, s int, outcome AttemptOutcome, output string, serr *StepError) error {
	var phaseName, stepName string
	var attempt int
	err := m.transition(func(r *Run, _ time.Time) ([]Transition, error) {
		phase, step, err := stepAt(r, p, s)
		if err != nil {
			return nil, err
		}
		if step.Status != StatusRunning {
			return nil, fmt.Errorf("%w: step %s is %s", ErrInvalidTransition, step.Name, step.Status)
		}
		step.Output = output
		step.LastError = cloneStepError(serr)
		phaseName, stepName, attempt = phase.Name, step.Name, step.Attempt
		t := stepTransition(p, s, phase.Name, step.Name, StatusRunning, StatusRunning)
		t.Type = TransitionAttempt
		t.Attempt = step.Attempt
		t.Outcome = outcome
		t.Error = cloneStepError(serr)
		return []Transition{t}, nil
	})
	if err != nil {
		return err
	}

	rec := LogRecord{
		Level:   "info",
		Phase:   phaseName,
		Step:    stepName,
		Attempt: attempt,
		Outcome: outcome,
		Message: fmt.Sprintf("attempt %d %s", attempt, outcome),
	}
	if serr != nil {
		rec.Message = fmt.Sprintf("attempt %d %s: [%s] %s", attempt, outcome, serr.Kind, serr.Message)
		rec.Level = "warn"
		if outcome == AttemptFailed {
			rec.Level = "error"
		}
	}
	m.appendLog(rec)
	return nil
}

// finishStep settles a running step.
func (m *Machine) finishStep(p, s int, status Status, serr *StepError) error {
	return m.transition(func(r *Run, now time.Time) ([]Transition, error) {
		phase, step, err := stepAt(r, p, s)
		if err != nil {
			return nil, err
		}
		if !status.IsTerminal() || !step.Status.CanTransition(LevelStep, status) {
			return nil, fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, step.Name, step.Status, status)
		}
		from := step.Status
		step.Status = status
		step.EndedAt = &now
		if serr != nil {
			step.LastError = cloneStepError(serr)
		}
		t := stepTransition(p, s, phase.Name, step.Name, from, status)
		t.Attempt = step.Attempt
		t.Error = cloneStepError(step.LastError)
		if status == StatusSucceeded {
			t.Error = nil
		}
		return []Transition{t}, nil
	})
}

// finishPhase settles a running phase. Success requires every step to have
// succeeded.
func (m *Machine) finishPhase(p int, status Status) error {
	return m.transition(func(r *Run, now time.Time) ([]Transition, error) {
		if p < 0 || p >= len(r.Phases) {
			return nil, fmt.Errorf("%w: no phase %d", ErrInvalidTransition, p)
		}
		phase := &r.Phases[p]
		if !status.IsTerminal() || !phase.Status.CanTransition(LevelPhase, status) {
			return nil, fmt.Errorf("%w: phase %s %s -> %s", ErrInvalidTransition, phase.Name, phase.Status, status)
		}
		if status == StatusSucceeded {
			for _, st := range phase.Steps {
				if st.Status != StatusSucceeded {
					return nil, fmt.Errorf("%w: phase %s has %s step %s",
						ErrInvalidTransition, phase.Name, st.Status, st.Name)
				}
			}
		}
		from := phase.Status
		phase.Status = status
		phase.EndedAt = &now
		return []Transition{phaseTransition(p, phase.Name, from, status)}, nil
	})
}

// failRunning fails every running step and phase with serr, leaving pending
// ones untouched. It returns the names of the last phase and step it
// failed.
func (m *Machine) failRunning(serr *StepError) (phaseName, stepName string, err error) {
	err = m.transition(func(r *Run, now time.Time) ([]Transition, error) {
		var trs []Transition
		for p := range r.Phases {
			phase := &r.Phases[p]
			for s := range phase.Steps {
				step := &phase.Steps[s]
				if step.Status != StatusRunning {
					continue
				}
				step.Status = StatusFailed
				step.EndedAt = &now
				step.LastError = cloneStepError(serr)
				t := stepTransition(p, s, phase.Name, step.Name, StatusRunning, StatusFailed)
				t.Attempt = step.Attempt
				t.Error = cloneStepError(serr)
				trs = append(trs, t)
				phaseName, stepName = phase.Name, step.Name
			}
			if phase.Status == StatusRunning {
				phase.Status = StatusFailed
				phase.EndedAt = &now
				trs = append(trs, phaseTransition(p, phase.Name, StatusRunning, StatusFailed))
				phaseName = phase.Name
			}
		}
		return trs, nil
	})
	return phaseName, stepName, err
}

// finish settles the run. Cancellation also cancels every unfinished step
// and phase; failure leaves later phases pending as not attempted.
func (m *Machine) finish(status Status, failure *Failure) error {
	return m.transition(func(r *Run, now time.Time) ([]Transition, error) {
		if !status.IsTerminal() || !r.Status.CanTransition(LevelRun, status) {
			return nil, fmt.Errorf("%w: run %s -> %s", ErrInvalidTransition, r.Status, status)
		}
		var trs []Transition
		switch status {
		case StatusSucceeded:
			for _, phase := range r.Phases {
				if phase.Status != StatusSucceeded {
					return nil, fmt.Errorf("%w: phase %s is %s", ErrInvalidTransition, phase.Name, phase.Status)
				}
			}
		case StatusCancelled:
			serr := &StepError{Kind: ErrorKindCancelledByUser, Message: "run cancelled before the step completed"}
			for p := range r.Phases {
				phase := &r.Phases[p]
				for s := range phase.Steps {
					step := &phase.Steps[s]
					if !step.Status.IsActive() {
						continue
					}
					from := step.Status
					step.Status = StatusCancelled
					step.EndedAt = &now
					if from == StatusRunning {
						step.LastError = cloneStepError(serr)
					}
					trs = append(trs, stepTransition(p, s, phase.Name, step.Name, from, StatusCancelled))
				}
				if phase.Status.IsActive() {
					from := phase.Status
					phase.Status = StatusCancelled
					phase.EndedAt = &now
					trs = append(trs, phaseTransition(p, phase.Name, from, StatusCancelled))
				}
			}
		case StatusFailed:
			for p := range r.Phases {
				if r.Phases[p].Status == StatusRunning {
					return nil, fmt.Errorf("%w: phase %s still running", ErrInvalidTransition, r.Phases[p].Name)
				}
			}
		}
		from := r.Status
		r.Status = status
		r.EndedAt = &now
		if failure != nil {
			f := *failure
			r.Failure = &f
		}
		trs = append(trs, runTransition(from, status))
		return trs, nil
	})
}

// step returns a copy of step s of phase p.
func (m *Machine) step(p, s int) (Phase, Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	phase, step, err := stepAt(m.run, p, s)
	if err != nil {
		return Phase{}, Step{}, err
	}
	return Phase{Name: phase.Name, Status: phase.Status}, *step, nil
}

// phase returns a copy of phase p.
func (m *Machine) phase(p int) (Phase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p < 0 || p >= len(m.run.Phases) {
		return Phase{}, fmt.Errorf("no phase %d", p)
	}
	cp := m.run.Phases[p]
	cp.Steps = append([]Step(nil), cp.Steps...)
	return cp, nil
}

func stepAt(r *Run, p, s int) (*Phase, *Step, error) {
	if p < 0 || p >= len(r.Phases) {
		return nil, nil, fmt.Errorf("%w: no phase %d", ErrInvalidTransition, p)
	}
	phase := &r.Phases[p]
	if s < 0 || s >= len(phase.Steps) {
		return nil, nil, fmt.Errorf("%w: phase %s has no step %d", ErrInvalidTransition, phase.Name, s)
	}
	return phase, &phase.Steps[s], nil
}

func runTransition(from, to Status) Transition {
	return Transition{Type: TransitionStatus, Level: LevelRun, Phase: -1, Step: -1, From: from, To: to}
}

func phaseTransition(p int, name string, from, to Status) Transition {
	return Transition{Type: TransitionStatus, Level: LevelPhase, Phase: p, Step: -1, PhaseName: name, From: from, To: to}
}

func stepTransition(p, s int, phaseName, stepName string, from, to Status) Transition {
	return Transition{
		Type:      TransitionStatus,
		Level:     LevelStep,
		Phase:     p,
		Step:      s,
		PhaseName: phaseName,
		StepName:  stepName,
		From:      from,
		To:        to,
	}
}

func cloneStepError(e *StepError) *StepError {
	if e == nil {
		return nil
	}
	v := *e
	return &v
}

// subscription delivers transitions to one subscriber from its own
// goroutine.
type subscription struct {
	id      uint64
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []Transition
	closed  bool
	stopped bool
	fn      func(Transition)
	done    chan struct{}
}

func newSubscription(fn func(Transition)) *subscription {
	s := &subscription{fn: fn, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscription) push(trs []Transition) {
	s.mu.Lock()
	if !s.closed && !s.stopped {
		s.queue = append(s.queue, trs...)
	}
	s.mu.Unlock()
	s.cond.Signal()
}

// close lets the subscriber drain what is queued and then exit.
func (s *subscription) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cond.Signal()
}

// stop makes the subscriber exit without draining.
func (s *subscription) stop() {
	s.mu.Lock()
	s.stopped = true
	s.queue = nil
	s.mu.Unlock()
	s.cond.Signal()
}

func (s *subscription) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped || len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		t := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.fn(t)
	}
}
