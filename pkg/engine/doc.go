// Package engine runs provisioning pipelines for tenants.
//
// # Overview
//
// A run takes one validated configuration through an ordered list of
// phases. Each phase is an ordered list of steps and each step invokes one
// action. The built-in pipeline has three phases:
//
//  1. Certificate Handshake - zone, SSL mode and origin certificate
//  2. Stack Injection - render and upload the stack, start the containers
//  3. DNS Finalization - upsert records and wait until they resolve
//
// Phases and steps execute strictly in order. A failed step fails its phase
// and the run; later phases stay pending.
//
// # Components
//
//   - Executor: runs one step with retries, backoff, timeouts and panic
//     recovery, and classifies the outcome
//   - PhaseController: runs the steps of one phase and stops at the first
//     failure or on cancellation
//   - Machine: owns the Run record, validates every status change, keeps
//     the append-only log and publishes transitions to subscribers
//   - Engine: admits configurations, enforces one active run per tenant,
//     persists checkpoints and reports, and recovers runs after a crash
//
// # Status model
//
// Runs, phases and steps share the Status lifecycle:
//
//	pending -> running -> succeeded | failed | cancelled
//
// Terminal states are absorbing. A run may also move from pending straight
// to failed when its checkpoint cannot be resumed.
//
// # Errors
//
// Errors are EngineError values with an ErrorKind. TransientFailure and
// Timeout are retried while attempts remain; FatalStepFailure is not.
// Use KindOf or errors.As to inspect them:
//
//	var ee *engine.EngineError
//	if errors.As(err, &ee) && ee.Kind == engine.ErrorKindConflictingRun {
//	    fmt.Println("tenant busy with run", ee.RunID)
//	}
//
// # Example
//
//	e, err := engine.New(engine.Config{
//	    Store:     store,
//	    Actions:   engine.Handlers{"exec": execHandler},
//	    Pipelines: pipelines,
//	})
//	if err != nil {
//	    return err
//	}
//	if _, err := e.Recover(ctx); err != nil {
//	    return err
//	}
//	h, err := e.StartRun(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	report, err := h.Wait(ctx)
//
// # Crash recovery
//
// Every transition is checkpointed before it is published. On startup
// Recover loads the active runs and either resumes each one at its
// in-flight step or marks it failed with InterruptedRun. A step that was
// running is only re-executed when it is idempotent and has attempts left.
package engine
