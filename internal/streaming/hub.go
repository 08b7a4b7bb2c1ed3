// Package streaming fans workflow audit events out to live subscribers.
package streaming

import (
	"context"
	"slices"

	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// EventFilter specifies which events a subscriber wants to receive.
// Empty fields match everything.
type EventFilter struct {
	RunID       string            `json:"run_id,omitempty"`
	StepID      string            `json:"step_id,omitempty"`
	EventTypes  []string          `json:"event_types,omitempty"`
	MinSeverity schema.EventLevel `json:"min_severity,omitempty"`
}

// Matches reports whether e passes the filter.
func (f EventFilter) Matches(e *store.Event) bool {
	if f.RunID != "" && f.RunID != e.RunID {
		return false
	}
	if f.StepID != "" && f.StepID != e.StepID {
		return false
	}
	if len(f.EventTypes) > 0 && !slices.Contains(f.EventTypes, e.Type) {
		return false
	}
	if f.MinSeverity != "" && severityRank(e.Severity) < severityRank(f.MinSeverity) {
		return false
	}
	return true
}

func severityRank(l schema.EventLevel) int {
	switch l {
	case schema.LevelError:
		return 2
	case schema.LevelWarning:
		return 1
	}
	return 0
}

// EventHub is a pub/sub of audit events. Publish never blocks on slow
// subscribers, so a hub can serve as the engine's event sink.
type EventHub interface {
	Publish(ctx context.Context, event *store.Event) error
	// Subscribe returns a channel of matching events and a cancel function.
	// The channel is closed after cancel or when ctx is done.
	Subscribe(ctx context.Context, filter EventFilter) (<-chan *store.Event, func(), error)
	Close() error
}
