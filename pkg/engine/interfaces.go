package engine

import (
	"context"
	"time"

	"github.com/raidan-labs/provisiond/pkg/config"
)

// RunStore persists run checkpoints, logs, reports and audit entries. It is
// the recovery source after a crash.
type RunStore interface {
	// SaveCheckpoint upserts the full run record. It is called after every
	// transition. Creating a second active run for a tenant must fail with
	// a ConflictingRun error.
	SaveCheckpoint(ctx context.Context, run *Run) error

	// LoadRun retrieves the latest checkpoint of a run.
	LoadRun(ctx context.Context, runID string) (*Run, error)

	// ListRuns retrieves runs matching the filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)

	// AppendLog appends one record to the run log.
	AppendLog(ctx context.Context, runID string, record LogRecord) error

	// LoadLogs retrieves the run log in append order.
	LoadLogs(ctx context.Context, runID string) ([]LogRecord, error)

	// SaveReport writes the final report. Reports are written once; a second
	// write for the same run fails.
	SaveReport(ctx context.Context, report *Report) error

	// LoadReport retrieves the report of a settled run.
	LoadReport(ctx context.Context, runID string) (*Report, error)

	// RecordAudit appends an audit entry.
	RecordAudit(ctx context.Context, entry AuditEntry) error
}

// RunFilter selects runs in ListRuns.
type RunFilter struct {
	// Tenant restricts results to one tenant when set.
	Tenant string

	// Statuses restricts results to these statuses when non-empty.
	Statuses []Status

	// Unreported restricts results to runs that have no report yet.
	Unreported bool

	// Limit caps the number of results when positive.
	Limit int
}

// AuditEntry is one line of the audit trail.
type AuditEntry struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id,omitempty"`
	Tenant    string    `json:"tenant,omitempty"`
	Action    string    `json:"action"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit actions.
const (
	AuditRunCreated      = "run.created"
	AuditCancelRequested = "run.cancel_requested"
	AuditRunRecovered    = "run.recovered"
	AuditRunInterrupted  = "run.interrupted"
	AuditReportWritten   = "report.written"
)

// PipelineSource builds the pipeline a run executes for a configuration.
type PipelineSource interface {
	// Build returns the ordered phases for cfg. Errors reject the
	// configuration.
	Build(cfg *config.Provisioning) (Pipeline, error)
}

// PipelineFunc adapts a function to PipelineSource.
type PipelineFunc func(cfg *config.Provisioning) (Pipeline, error)

// Build calls f.
func (f PipelineFunc) Build(cfg *config.Provisioning) (Pipeline, error) {
	return f(cfg)
}

// Admitter checks a configuration before a run is created, e.g. secret
// resolution or organisational policy. Any error rejects the configuration.
type Admitter interface {
	Admit(ctx context.Context, cfg *config.Provisioning) error
}

// AdmitterFunc adapts a function to Admitter.
type AdmitterFunc func(ctx context.Context, cfg *config.Provisioning) error

// Admit calls f.
func (f AdmitterFunc) Admit(ctx context.Context, cfg *config.Provisioning) error {
	return f(ctx, cfg)
}
