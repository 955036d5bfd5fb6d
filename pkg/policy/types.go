package policy

import (
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that are logged but admit the configuration.
	SeverityWarning Severity = "warning"

	// SeverityError rejects the configuration.
	SeverityError Severity = "error"

	// SeverityCritical rejects the configuration.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects a
// configuration.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

func parseSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return Severity(s), true
	}
	return "", false
}

// Policy is one Rego module. Its deny set is evaluated against every
// configuration submitted for a run.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description,omitempty"`

	// Rego contains the policy module source.
	Rego string `json:"rego"`

	// Severity applies to violations that do not carry their own.
	Severity Severity `json:"severity,omitempty"`

	// Enabled indicates if the policy is evaluated.
	Enabled bool `json:"enabled"`

	// Builtin marks policies shipped with provisiond. Reload never
	// replaces them.
	Builtin bool `json:"builtin,omitempty"`

	// Source is the file the policy was loaded from.
	Source string `json:"source,omitempty"`
}

// Violation is a single deny result.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// Field names the offending configuration field, if the policy says.
	Field string `json:"field,omitempty"`
}

// Result is the outcome of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists non-blocking violations.
	Warnings []Violation `json:"warnings,omitempty"`

	// Evaluated lists the names of the evaluated policies.
	Evaluated []string `json:"evaluated"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}
