package engine

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies an error for retry, propagation and reporting.
type ErrorKind string

const (
	// ErrorKindInvalidConfiguration rejects a configuration before any run exists.
	ErrorKindInvalidConfiguration ErrorKind = "InvalidConfiguration"

	// ErrorKindConflictingRun indicates the tenant already has an active run.
	ErrorKindConflictingRun ErrorKind = "ConflictingRun"

	// ErrorKindTimeout indicates a step attempt exceeded its timeout.
	ErrorKindTimeout ErrorKind = "Timeout"

	// ErrorKindTransientFailure is a temporary failure that may succeed on retry.
	// Examples: network resets, HTTP 5xx/429, resource temporarily busy.
	ErrorKindTransientFailure ErrorKind = "TransientFailure"

	// ErrorKindFatalStepFailure is a non-retryable step failure.
	// Examples: invalid credentials, malformed input, unknown action.
	ErrorKindFatalStepFailure ErrorKind = "FatalStepFailure"

	// ErrorKindInterruptedRun marks a run that cannot be resumed after a crash.
	ErrorKindInterruptedRun ErrorKind = "InterruptedRun"

	// ErrorKindCancelledByUser marks work stopped by a cancellation request.
	ErrorKindCancelledByUser ErrorKind = "CancelledByUser"
)

// Retryable reports whether the executor retries attempts failing with this kind.
func (k ErrorKind) Retryable() bool {
	return k == ErrorKindTransientFailure || k == ErrorKindTimeout
}

// Validate checks if the error kind is known.
func (k ErrorKind) Validate() error {
	switch k {
	case ErrorKindInvalidConfiguration, ErrorKindConflictingRun, ErrorKindTimeout,
		ErrorKindTransientFailure, ErrorKindFatalStepFailure, ErrorKindInterruptedRun,
		ErrorKindCancelledByUser:
		return nil
	default:
		return fmt.Errorf("invalid error kind: %s", k)
	}
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Kind is the error classification.
	Kind ErrorKind `json:"kind"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// RunID is the run the error belongs to, if any.
	RunID string `json:"run_id,omitempty"`

	// Phase is the name of the failing phase, if any.
	Phase string `json:"phase,omitempty"`

	// Step is the name of the failing step, if any.
	Step string `json:"step,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	if e.Phase != "" && e.Step != "" {
		msg = fmt.Sprintf("%s (phase=%s, step=%s)", msg, e.Phase, e.Step)
	} else if e.Phase != "" {
		msg = fmt.Sprintf("%s (phase=%s)", msg, e.Phase)
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another *EngineError with the same kind, and the same code when
// the target sets one.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if t.Code != "" && t.Code != e.Code {
		return false
	}
	return e.Kind == t.Kind
}

// NewError creates a new error of the given kind.
func NewError(kind ErrorKind, message string, err error) *EngineError {
	return &EngineError{
		Kind:    kind,
		Message: message,
		Err:     err,
	}
}

// NewInvalidConfigurationError creates a configuration rejection.
func NewInvalidConfigurationError(message string, err error) *EngineError {
	return NewError(ErrorKindInvalidConfiguration, message, err).WithCode(ErrCodeValidation)
}

// NewConflictingRunError reports that tenant already has an active run.
func NewConflictingRunError(tenant, activeRunID string) *EngineError {
	return NewError(ErrorKindConflictingRun, "tenant already has an active run", nil).
		WithCode(ErrCodeConflict).
		WithDetail("tenant", tenant).
		WithRun(activeRunID)
}

// NewTransientError creates a new retryable failure.
func NewTransientError(message string, err error) *EngineError {
	return NewError(ErrorKindTransientFailure, message, err)
}

// NewFatalError creates a new non-retryable step failure.
func NewFatalError(message string, err error) *EngineError {
	return NewError(ErrorKindFatalStepFailure, message, err)
}

// NewTimeoutError creates a new timeout failure.
func NewTimeoutError(message string, err error) *EngineError {
	return NewError(ErrorKindTimeout, message, err).WithCode(ErrCodeTimeout)
}

// WithRun adds run context to an error.
func (e *EngineError) WithRun(runID string) *EngineError {
	e.RunID = runID
	return e
}

// WithStep adds phase and step context to an error.
func (e *EngineError) WithStep(phase, step string) *EngineError {
	e.Phase = phase
	e.Step = step
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf returns the kind of err. Unclassified errors are fatal, context
// deadlines are timeouts and context cancellations are user cancellations.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorKindTimeout
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelledByUser
	default:
		return ErrorKindFatalStepFailure
	}
}

// IsKind returns true if err is classified as kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable returns true if the error can be retried.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// Classify converts any error into an *EngineError, keeping existing
// classifications.
func Classify(err error) *EngineError {
	if err == nil {
		return nil
	}
	var e *EngineError
	if errors.As(err, &e) {
		return e
	}
	return NewError(KindOf(err), "step action failed", err)
}

// Sentinel errors for lookups and state changes.
var (
	// ErrRunNotFound is returned when no run exists with the given ID.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunNotActive is returned when cancelling a run that already settled.
	ErrRunNotActive = errors.New("run is not active")

	// ErrInvalidTransition is returned for a state change the machine forbids.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrEngineClosed is returned by StartRun after Shutdown.
	ErrEngineClosed = errors.New("engine is shut down")
)

// Common error codes.
const (
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodePolicy         = "POLICY_VIOLATION"
	ErrCodeSecret         = "SECRET_UNRESOLVED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeUnknownAction  = "UNKNOWN_ACTION"
	ErrCodeExitStatus     = "EXIT_STATUS"
	ErrCodeCheckpoint     = "CHECKPOINT_UNSAFE"
	ErrCodeRetryExhausted = "RETRY_EXHAUSTED"
	ErrCodeReport         = "REPORT_UNWRITTEN"
)
