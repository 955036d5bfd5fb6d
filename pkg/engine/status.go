package engine

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state shared by runs, phases and steps.
type Status string

const (
	// StatusPending indicates the unit has not started. Phases that stay
	// pending after a run fails were never attempted.
	StatusPending Status = "pending"

	// StatusRunning indicates the unit is executing.
	StatusRunning Status = "running"

	// StatusSucceeded indicates the unit completed successfully.
	StatusSucceeded Status = "succeeded"

	// StatusFailed indicates the unit failed.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the unit was cancelled by the user.
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// IsActive returns true if the unit is pending or running.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusRunning
}

// Validate checks if the status is valid.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid status: %s", s)
	}
}

// CanTransition reports whether a unit at level may move from s to next.
// Terminal states are absorbing. A run may fail straight from pending when
// its checkpoint cannot be resumed; phases and steps may not.
func (s Status) CanTransition(level Level, next Status) bool {
	switch s {
	case StatusPending:
		switch next {
		case StatusRunning, StatusCancelled:
			return true
		case StatusFailed:
			return level == LevelRun
		}
	case StatusRunning:
		return next == StatusSucceeded || next == StatusFailed || next == StatusCancelled
	}
	return false
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// Level identifies which unit of a run a transition applies to.
type Level string

const (
	LevelRun   Level = "run"
	LevelPhase Level = "phase"
	LevelStep  Level = "step"
)

// TransitionType distinguishes status changes from attempt records.
type TransitionType string

const (
	// TransitionStatus is a change of Status.
	TransitionStatus TransitionType = "status"

	// TransitionAttempt records a finished step attempt; the step status is
	// unchanged.
	TransitionAttempt TransitionType = "attempt"
)

// AttemptOutcome is the result of a single step attempt.
type AttemptOutcome string

const (
	AttemptStarted   AttemptOutcome = "started"
	AttemptSucceeded AttemptOutcome = "succeeded"
	AttemptRetrying  AttemptOutcome = "retrying"
	AttemptFailed    AttemptOutcome = "failed"
	AttemptCancelled AttemptOutcome = "cancelled"
)
