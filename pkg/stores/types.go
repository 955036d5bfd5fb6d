package stores

import (
	"errors"
	"time"
)

var (
	// ErrReportExists is returned when a report is written twice for a run.
	ErrReportExists = errors.New("report already written")

	// ErrNotInitialized is returned when the store is used before Init.
	ErrNotInitialized = errors.New("database not initialized")
)

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file. ":memory:" keeps everything in a single
	// in-memory connection.
	Path string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// BusyTimeout bounds how long a writer waits for the database lock.
	BusyTimeout time.Duration
}

// AuditFilter selects entries in ListAudit.
type AuditFilter struct {
	RunID  string
	Tenant string
	Action string

	// Limit caps the number of results when positive.
	Limit int
}
