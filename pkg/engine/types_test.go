package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 6, BaseDelay: time.Second, MaxDelay: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Errorf("Delay(%d) = %s, want %s", i+1, got, w)
		}
	}

	var zero RetryPolicy
	if zero.Attempts() != 1 {
		t.Errorf("zero policy attempts = %d, want 1", zero.Attempts())
	}
	if zero.Delay(1) != DefaultBaseDelay {
		t.Errorf("zero policy delay = %s, want %s", zero.Delay(1), DefaultBaseDelay)
	}
	if zero.Delay(100) != DefaultMaxDelay {
		t.Errorf("zero policy capped delay = %s, want %s", zero.Delay(100), DefaultMaxDelay)
	}
}

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		level    Level
		want     bool
	}{
		{StatusPending, StatusRunning, LevelStep, true},
		{StatusPending, StatusCancelled, LevelPhase, true},
		{StatusPending, StatusFailed, LevelRun, true},
		{StatusPending, StatusFailed, LevelStep, false},
		{StatusPending, StatusSucceeded, LevelStep, false},
		{StatusRunning, StatusSucceeded, LevelRun, true},
		{StatusRunning, StatusFailed, LevelStep, true},
		{StatusRunning, StatusCancelled, LevelPhase, true},
		{StatusRunning, StatusPending, LevelRun, false},
		{StatusSucceeded, StatusFailed, LevelRun, false},
		{StatusFailed, StatusRunning, LevelStep, false},
		{StatusCancelled, StatusRunning, LevelPhase, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.level, tt.to); got != tt.want {
			t.Errorf("%s %s -> %s = %v, want %v", tt.level, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestPipelineValidate(t *testing.T) {
	valid := testPipeline(step(stepSpawn, "ok"))
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid pipeline rejected: %v", err)
	}

	tests := map[string]Pipeline{
		"empty":          {},
		"unnamed phase":  {Phases: []PhaseSpec{{Steps: []StepSpec{step("a", "ok")}}}},
		"no steps":       {Phases: []PhaseSpec{{Name: "p"}}},
		"duplicate step": {Phases: []PhaseSpec{{Name: "p", Steps: []StepSpec{step("a", "ok"), step("a", "ok")}}}},
		"no action":      {Phases: []PhaseSpec{{Name: "p", Steps: []StepSpec{{Name: "a"}}}}},
		"duplicate phase": {Phases: []PhaseSpec{
			{Name: "p", Steps: []StepSpec{step("a", "ok")}},
			{Name: "p", Steps: []StepSpec{step("b", "ok")}},
		}},
	}
	for name, p := range tests {
		if err := p.Validate(); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{NewTransientError("x", nil), ErrorKindTransientFailure},
		{fmt.Errorf("wrapped: %w", NewTimeoutError("x", nil)), ErrorKindTimeout},
		{context.DeadlineExceeded, ErrorKindTimeout},
		{context.Canceled, ErrorKindCancelledByUser},
		{errors.New("plain"), ErrorKindFatalStepFailure},
	}
	for _, tt := range tests {
		if got := Classify(tt.err).Kind; got != tt.want {
			t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
	if !IsRetryable(NewTransientError("x", nil)) || IsRetryable(NewFatalError("x", nil)) {
		t.Error("IsRetryable mismatch")
	}
	if !errors.Is(NewConflictingRunError("t", "r"), &EngineError{Kind: ErrorKindConflictingRun}) {
		t.Error("errors.Is should match on kind")
	}
}

func TestLogBuffer(t *testing.T) {
	b := NewLogBuffer([]LogRecord{{Seq: 4, Message: "old"}})
	r := b.Append(LogRecord{Message: "new"})
	if r.Seq != 5 {
		t.Errorf("seq = %d, want 5", r.Seq)
	}
	if r.Timestamp.IsZero() || r.Level != "info" {
		t.Errorf("record not stamped: %+v", r)
	}
	if got := b.Since(4); len(got) != 1 || got[0].Message != "new" {
		t.Errorf("Since(4) = %+v", got)
	}
	if b.Len() != 2 {
		t.Errorf("Len = %d, want 2", b.Len())
	}
}
