package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/raidan-labs/provisiond/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements engine.RunStore using SQLite.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ engine.RunStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store instance. Call Init and
// Migrate before use, or use Open.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 8
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 4
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// dsn builds the connection string. Pragmas are applied to every pooled
// connection.
func (s *SQLiteStore) dsn() string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()))
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	if s.cfg.Path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
	}
	q.Set("_txlock", "immediate")
	return "file:" + s.cfg.Path + "?" + q.Encode()
}

// Init initializes the database connection.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return ErrNotInitialized
	}
	return s.db.PingContext(ctx)
}

// SaveCheckpoint upserts the run record. A second pending or running run
// for the same tenant violates idx_runs_active_tenant and is reported as a
// ConflictingRun error naming the active run.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, run *engine.Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	checkpoint, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	query := `
		INSERT INTO runs (id, tenant, status, version, checkpoint, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			version = excluded.version,
			checkpoint = excluded.checkpoint,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		run.ID,
		run.Tenant,
		string(run.Status),
		run.Version,
		string(checkpoint),
		run.CreatedAt.UnixNano(),
		time.Now().UnixNano(),
	)
	if err == nil {
		return nil
	}
	if constraintOf(err) != constraintUnique {
		return fmt.Errorf("failed to save checkpoint for run %s: %w", run.ID, err)
	}

	active, lookupErr := s.activeRun(ctx, run.Tenant, run.ID)
	if lookupErr != nil {
		return fmt.Errorf("failed to save checkpoint for run %s: %w", run.ID, err)
	}
	return engine.NewConflictingRunError(run.Tenant, active)
}

// activeRun returns the pending or running run of tenant other than except.
func (s *SQLiteStore) activeRun(ctx context.Context, tenant, except string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM runs
		WHERE tenant = ? AND status IN ('pending', 'running') AND id != ?
		LIMIT 1
	`, tenant, except).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// LoadRun retrieves the latest checkpoint of a run.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (*engine.Run, error) {
	var checkpoint string
	err := s.db.QueryRowContext(ctx, `SELECT checkpoint FROM runs WHERE id = ?`, runID).Scan(&checkpoint)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return decodeRun(checkpoint)
}

// ListRuns lists runs matching filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter engine.RunFilter) ([]*engine.Run, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.Tenant != "" {
		where = append(where, "tenant = ?")
		args = append(args, filter.Tenant)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if filter.Unreported {
		where = append(where, "NOT EXISTS (SELECT 1 FROM reports WHERE reports.run_id = runs.id)")
	}

	query := "SELECT checkpoint FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.Run{}
	for rows.Next() {
		var checkpoint string
		if err := rows.Scan(&checkpoint); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		run, err := decodeRun(checkpoint)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

func decodeRun(checkpoint string) (*engine.Run, error) {
	var run engine.Run
	if err := json.Unmarshal([]byte(checkpoint), &run); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	return &run, nil
}

// AppendLog appends one record to the run log.
func (s *SQLiteStore) AppendLog(ctx context.Context, runID string, record engine.LogRecord) error {
	query := `
		INSERT INTO run_logs (run_id, seq, ts, level, phase, step, attempt, outcome, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		runID,
		record.Seq,
		record.Timestamp.UnixNano(),
		record.Level,
		record.Phase,
		record.Step,
		record.Attempt,
		string(record.Outcome),
		record.Message,
	)
	if constraintOf(err) == constraintForeignKey {
		return fmt.Errorf("%w: %s", engine.ErrRunNotFound, runID)
	}
	if err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}
	return nil
}

// LoadLogs retrieves the run log in append order.
func (s *SQLiteStore) LoadLogs(ctx context.Context, runID string) ([]engine.LogRecord, error) {
	query := `
		SELECT seq, ts, level, phase, step, attempt, outcome, message
		FROM run_logs
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load logs: %w", err)
	}
	defer rows.Close()

	records := []engine.LogRecord{}
	for rows.Next() {
		var (
			rec     engine.LogRecord
			ts      int64
			outcome string
		)
		err := rows.Scan(
			&rec.Seq,
			&ts,
			&rec.Level,
			&rec.Phase,
			&rec.Step,
			&rec.Attempt,
			&outcome,
			&rec.Message,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan log record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts).UTC()
		rec.Outcome = engine.AttemptOutcome(outcome)
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logs: %w", err)
	}

	return records, nil
}

// SaveReport writes the final report of a run. Reports are immutable; a
// second write fails with ErrReportExists.
func (s *SQLiteStore) SaveReport(ctx context.Context, report *engine.Report) error {
	if report == nil || report.RunID == "" {
		return fmt.Errorf("report run id is required")
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reports (run_id, tenant, status, report, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, report.RunID, report.Tenant, string(report.Status), string(data), report.CreatedAt.UnixNano())

	switch constraintOf(err) {
	case constraintUnique:
		return fmt.Errorf("%w: %s", ErrReportExists, report.RunID)
	case constraintForeignKey:
		return fmt.Errorf("%w: %s", engine.ErrRunNotFound, report.RunID)
	}
	if err != nil {
		return fmt.Errorf("failed to save report: %w", err)
	}
	return nil
}

// LoadReport retrieves the report of a settled run.
func (s *SQLiteStore) LoadReport(ctx context.Context, runID string) (*engine.Report, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM reports WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no report for %s", engine.ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}

	var report engine.Report
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		return nil, fmt.Errorf("failed to decode report: %w", err)
	}
	return &report, nil
}

// RecordAudit appends an audit entry.
func (s *SQLiteStore) RecordAudit(ctx context.Context, entry engine.AuditEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (run_id, tenant, action, detail, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.RunID, entry.Tenant, entry.Action, entry.Detail, entry.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to record audit entry: %w", err)
	}
	return nil
}

// ListAudit lists audit entries matching filter in insertion order.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]engine.AuditEntry, error) {
	query := `
		SELECT id, run_id, tenant, action, detail, created_at
		FROM audit_log
		WHERE (? = '' OR run_id = ?)
		  AND (? = '' OR tenant = ?)
		  AND (? = '' OR action = ?)
		ORDER BY id ASC
	`
	args := []interface{}{
		filter.RunID, filter.RunID,
		filter.Tenant, filter.Tenant,
		filter.Action, filter.Action,
	}
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []engine.AuditEntry{}
	for rows.Next() {
		var (
			entry engine.AuditEntry
			ts    int64
		)
		if err := rows.Scan(&entry.ID, &entry.RunID, &entry.Tenant, &entry.Action, &entry.Detail, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entry.CreatedAt = time.Unix(0, ts).UTC()
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// PruneRuns deletes settled runs last updated before cutoff together with
// their logs and reports. The audit trail is kept.
func (s *SQLiteStore) PruneRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM runs
		WHERE status NOT IN ('pending', 'running') AND updated_at < ?
	`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

type constraint int

const (
	constraintNone constraint = iota
	constraintUnique
	constraintForeignKey
	constraintOther
)

// constraintOf classifies SQLite constraint violations.
func constraintOf(err error) constraint {
	var se *sqlite.Error
	if err == nil || !errors.As(err, &se) {
		return constraintNone
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
		return constraintUnique
	case sqlite3.SQLITE_CONSTRAINT_FOREIGNKEY:
		return constraintForeignKey
	}
	if se.Code()&0xff != sqlite3.SQLITE_CONSTRAINT {
		return constraintNone
	}
	msg := se.Error()
	switch {
	case strings.Contains(msg, "UNIQUE"), strings.Contains(msg, "PRIMARY KEY"):
		return constraintUnique
	case strings.Contains(msg, "FOREIGN KEY"):
		return constraintForeignKey
	}
	return constraintOther
}
