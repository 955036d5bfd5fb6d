package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// memStore is an in-memory RunStore. Records round-trip through JSON like
// the SQLite store does.
type memStore struct {
	mu      sync.Mutex
	runs    map[string][]byte
	logs    map[string][]LogRecord
	reports map[string][]byte
	audit   []AuditEntry
	saves   int

	// failSaves makes SaveCheckpoint fail after the first n saves when > 0.
	failSaves int
}

func newMemStore() *memStore {
	return &memStore{
		runs:    make(map[string][]byte),
		logs:    make(map[string][]LogRecord),
		reports: make(map[string][]byte),
	}
}

func (s *memStore) SaveCheckpoint(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves > 0 && s.saves >= s.failSaves {
		return fmt.Errorf("disk full")
	}
	if run.Status.IsActive() {
		for id, data := range s.runs {
			var other Run
			if err := json.Unmarshal(data, &other); err != nil {
				return err
			}
			if id != run.ID && other.Tenant == run.Tenant && other.Status.IsActive() {
				return NewConflictingRunError(run.Tenant, id)
			}
		}
	}
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	s.runs[run.ID] = data
	s.saves++
	return nil
}

func (s *memStore) LoadRun(_ context.Context, runID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *memStore) ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var out []*Run
	for _, id := range ids {
		run, err := s.LoadRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if filter.Tenant != "" && run.Tenant != filter.Tenant {
			continue
		}
		if len(filter.Statuses) > 0 && !containsStatus(filter.Statuses, run.Status) {
			continue
		}
		if filter.Unreported && s.hasReport(id) {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (s *memStore) AppendLog(_ context.Context, runID string, record LogRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[runID] = append(s.logs[runID], record)
	return nil
}

func (s *memStore) LoadLogs(_ context.Context, runID string) ([]LogRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]LogRecord(nil), s.logs[runID]...), nil
}

func (s *memStore) SaveReport(_ context.Context, report *Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[report.RunID]; ok {
		return fmt.Errorf("report for run %s already written", report.RunID)
	}
	data, err := json.Marshal(report)
	if err != nil {
		return err
	}
	s.reports[report.RunID] = data
	return nil
}

func (s *memStore) LoadReport(_ context.Context, runID string) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.reports[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	var report Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (s *memStore) hasReport(runID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.reports[runID]
	return ok
}

func (s *memStore) RecordAudit(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.ID = int64(len(s.audit) + 1)
	s.audit = append(s.audit, entry)
	return nil
}

func (s *memStore) auditActions(runID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, a := range s.audit {
		if a.RunID == runID {
			out = append(out, a.Action)
		}
	}
	return out
}

// put stores a run record directly, bypassing the active-run check.
func (s *memStore) put(run *Run) {
	data, err := json.Marshal(run)
	if err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.runs[run.ID] = data
	s.mu.Unlock()
}
