package telemetry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Event is a lifecycle notification about runs and admissions. Events are
// summaries for dashboards and alerting; the per-run transition feed is the
// authoritative record.
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	RunID     string                 `json:"runId,omitempty"`
	Tenant    string                 `json:"tenant,omitempty"`
	Phase     string                 `json:"phase,omitempty"`
	Step      string                 `json:"step,omitempty"`
	Message   string                 `json:"message"`
	Level     string                 `json:"level"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeRunCancelled    = "run.cancelled"
	EventTypeRunRecovered    = "run.recovered"
	EventTypeStepRetrying    = "step.retrying"
	EventTypeStepFailed      = "step.failed"
	EventTypeConfigRejected  = "config.rejected"
	EventTypePolicyViolation = "policy.violation"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventFilter selects the events a subscriber receives.
type EventFilter func(Event) bool

// EventBus fans events out to subscribers. Publish never blocks: a
// subscriber whose buffer is full misses the event and the drop is
// counted. A nil or disabled bus accepts events and delivers none.
type EventBus struct {
	enabled bool
	buffer  int

	mu     sync.Mutex
	subs   map[*eventSub]struct{}
	closed bool
	done   chan struct{}

	dropped atomic.Uint64
}

type eventSub struct {
	ch      chan Event
	filters []EventFilter
}

func (s *eventSub) wants(e Event) bool {
	for _, f := range s.filters {
		if f != nil && !f(e) {
			return false
		}
	}
	return true
}

// NewEventBus creates a bus.
func NewEventBus(cfg EventsConfig) *EventBus {
	buffer := cfg.SubscriberBuffer
	if buffer <= 0 {
		buffer = 1
	}
	return &EventBus{
		enabled: cfg.Enabled,
		buffer:  buffer,
		subs:    make(map[*eventSub]struct{}),
		done:    make(chan struct{}),
	}
}

// Subscribe returns a channel receiving every later event that passes all
// filters. The channel is closed when ctx is done or the bus shuts down.
func (b *EventBus) Subscribe(ctx context.Context, filters ...EventFilter) <-chan Event {
	sub := &eventSub{filters: filters}
	if b == nil || !b.enabled {
		sub.ch = make(chan Event)
		close(sub.ch)
		return sub.ch
	}
	sub.ch = make(chan Event, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub.ch)
		}
	}()
	return sub.ch
}

// Publish delivers e to the matching subscribers, stamping its ID and time
// when unset.
func (b *EventBus) Publish(e Event) {
	if b == nil || !b.enabled {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if !sub.wants(e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of open subscriptions.
func (b *EventBus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *EventBus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Shutdown closes every subscription. Later subscriptions are closed
// immediately.
func (b *EventBus) Shutdown(context.Context) error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	return nil
}

// PublishRunStarted announces a new or resumed run.
func (b *EventBus) PublishRunStarted(runID, tenant string) {
	b.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "engine",
		RunID:   runID,
		Tenant:  tenant,
		Message: fmt.Sprintf("run %s started for %s", runID, tenant),
		Level:   EventLevelInfo,
	})
}

// PublishRunSettled announces the terminal status of a run. Reason is the
// failure message of failed runs.
func (b *EventBus) PublishRunSettled(runID, tenant, status, reason string, took time.Duration) {
	e := Event{
		Type:    EventTypeRunCompleted,
		Source:  "engine",
		RunID:   runID,
		Tenant:  tenant,
		Message: fmt.Sprintf("run %s succeeded in %s", runID, took.Round(time.Second)),
		Level:   EventLevelInfo,
		Data:    map[string]interface{}{"status": status, "durationSeconds": took.Seconds()},
	}
	switch status {
	case "failed":
		e.Type, e.Level = EventTypeRunFailed, EventLevelError
		e.Message = fmt.Sprintf("run %s failed: %s", runID, reason)
		e.Data["reason"] = reason
	case "cancelled":
		e.Type, e.Level = EventTypeRunCancelled, EventLevelWarning
		e.Message = fmt.Sprintf("run %s cancelled", runID)
	}
	b.Publish(e)
}

// PublishRunRecovered announces what startup recovery did with a run.
func (b *EventBus) PublishRunRecovered(runID, tenant, decision string) {
	b.Publish(Event{
		Type:    EventTypeRunRecovered,
		Source:  "recovery",
		RunID:   runID,
		Tenant:  tenant,
		Message: fmt.Sprintf("run %s recovered: %s", runID, decision),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"decision": decision},
	})
}

// PublishStepRetrying announces a failed attempt that will be retried.
func (b *EventBus) PublishStepRetrying(runID, tenant, phase, step string, attempt int, reason string) {
	b.Publish(Event{
		Type:    EventTypeStepRetrying,
		Source:  "executor",
		RunID:   runID,
		Tenant:  tenant,
		Phase:   phase,
		Step:    step,
		Message: fmt.Sprintf("%s / %s attempt %d failed, retrying: %s", phase, step, attempt, reason),
		Level:   EventLevelWarning,
		Data:    map[string]interface{}{"attempt": attempt},
	})
}

// PublishStepFailed announces a step that failed for good.
func (b *EventBus) PublishStepFailed(runID, tenant, phase, step, reason string) {
	b.Publish(Event{
		Type:    EventTypeStepFailed,
		Source:  "executor",
		RunID:   runID,
		Tenant:  tenant,
		Phase:   phase,
		Step:    step,
		Message: fmt.Sprintf("%s / %s failed: %s", phase, step, reason),
		Level:   EventLevelError,
	})
}

// PublishConfigRejected announces a configuration refused at admission.
func (b *EventBus) PublishConfigRejected(tenant, reason string) {
	b.Publish(Event{
		Type:    EventTypeConfigRejected,
		Source:  "admission",
		Tenant:  tenant,
		Message: fmt.Sprintf("configuration for %s rejected: %s", tenant, reason),
		Level:   EventLevelWarning,
	})
}

// PublishPolicyViolation announces one blocking policy violation.
func (b *EventBus) PublishPolicyViolation(tenant, policy, reason string) {
	b.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		Tenant:  tenant,
		Message: fmt.Sprintf("%s: %s", policy, reason),
		Level:   EventLevelError,
		Data:    map[string]interface{}{"policy": policy},
	})
}

var eventLevels = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// FilterByLevel keeps events at min or above. Unknown levels count as info.
func FilterByLevel(min string) EventFilter {
	threshold := eventLevels[min]
	return func(e Event) bool { return eventLevels[e.Level] >= threshold }
}

// FilterByType keeps events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterByRunID keeps events of one run.
func FilterByRunID(runID string) EventFilter {
	return func(e Event) bool { return e.RunID == runID }
}

// FilterByTenant keeps events of one tenant.
func FilterByTenant(tenant string) EventFilter {
	return func(e Event) bool { return e.Tenant == tenant }
}
