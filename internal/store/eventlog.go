package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/dagflow/pkg/schema"
)

// EventLog is the append-only audit log for runs, layered over any Store.
type EventLog struct {
	store Store
	now   func() time.Time
}

// NewEventLog wraps a Store to provide audit log operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// AppendEvent appends an event; the store assigns a monotonically increasing per-run sequence.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run id")
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = el.now()
	}
	if event.Severity == "" {
		event.Severity = schema.EventSeverity(event.Type)
	}
	if err := el.store.AppendEvent(ctx, event); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore, "append %s event for run %s", event.Type, event.RunID).WithCause(err)
	}
	return nil
}

// GetEvents returns events for a run with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, runID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StepEventPayload is the payload carried by step lifecycle events.
type StepEventPayload struct {
	Attempt       int             `json:"attempt,omitempty"`
	Actor         string          `json:"actor,omitempty"`
	Output        json.RawMessage `json:"output,omitempty"`
	Error         *StepError      `json:"error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// ReplayStepStatuses rebuilds each step's last known state from the audit log.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayStepStatuses(ctx context.Context, runID string) (map[string]*StepState, error) {
	events, err := el.store.GetEvents(ctx, runID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		if expected := int64(i + 1); e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StepState)
	for _, e := range events {
		if e.StepID == "" {
			continue
		}
		ss, ok := states[e.StepID]
		if !ok {
			ss = &StepState{RunID: runID, StepID: e.StepID, Status: schema.StepStatusPending}
			states[e.StepID] = ss
		}

		var p StepEventPayload
		if len(e.Payload) > 0 {
			_ = json.Unmarshal(e.Payload, &p)
		}
		if p.Attempt > 0 {
			ss.Attempt = p.Attempt
		}
		ts := e.Timestamp

		switch e.Type {
		case schema.EventStepStarted:
			ss.Status = schema.StepStatusRunning
			ss.ActorID = p.Actor
			ss.LastAttemptAt = &ts
			if ss.StartedAt == nil {
				ss.StartedAt = &ts
			}
		case schema.EventStepCompleted:
			ss.Status = schema.StepStatusCompleted
			ss.Output = p.Output
			ss.FinishedAt = &ts
		case schema.EventStepFailed:
			ss.Status = schema.StepStatusFailed
			ss.Error = p.Error
			ss.FinishedAt = &ts
		case schema.EventStepRetrying:
			ss.Status = schema.StepStatusRetrying
			ss.Error = p.Error
			ss.NextAttemptAt = p.NextAttemptAt
		case schema.EventStepSkipped:
			ss.Status = schema.StepStatusSkipped
			ss.SkipReason = p.Reason
			ss.FinishedAt = &ts
		case schema.EventStepCancelled:
			ss.Status = schema.StepStatusCancelled
			ss.FinishedAt = &ts
		}
	}
	return states, nil
}
