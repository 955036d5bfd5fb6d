// Package stores persists provisioning runs in SQLite. It implements
// engine.RunStore: run checkpoints (the full run record as JSON), the
// append-only run log, write-once reports and the audit trail.
//
// The schema is embedded and applied with golang-migrate. A partial unique
// index on runs(tenant) for pending and running rows enforces one active
// run per tenant across processes; a violation surfaces as a ConflictingRun
// engine error.
package stores
