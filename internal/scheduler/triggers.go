package scheduler

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// CreateTrigger validates t, applies defaults and persists it. Cron triggers
// get their first next_scheduled_at computed here.
func (s *Scheduler) CreateTrigger(ctx context.Context, t *store.Trigger) (*store.Trigger, error) {
	if t == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "trigger is nil")
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.MaxConcurrentExecutions == 0 {
		t.MaxConcurrentExecutions = 1
	}
	if t.QueuePolicy == "" {
		t.QueuePolicy = schema.QueueDefer
	}
	if t.Kind == schema.TriggerDependency && t.Dependency != nil && t.Dependency.Condition == "" {
		t.Dependency.Condition = schema.DependencyAllSuccess
	}
	if err := s.validator.ValidateTrigger(t); err != nil {
		return nil, err
	}

	t.LastFiredAt = nil
	t.NextScheduledAt = nil
	if t.Kind == schema.TriggerCron {
		next, err := NextOccurrence(t, s.now())
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		t.NextScheduledAt = &next
	}

	if err := s.store.CreateTrigger(ctx, t); err != nil {
		return nil, liftStoreError(err, "create trigger")
	}
	s.logger.InfoContext(ctx, "trigger created",
		slog.String("trigger_id", t.ID),
		slog.String("kind", string(t.Kind)),
		slog.String("workflow", t.WorkflowName))
	return t, nil
}

// GetTrigger returns a trigger by id.
func (s *Scheduler) GetTrigger(ctx context.Context, id string) (*store.Trigger, error) {
	t, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return nil, liftStoreError(err, "get trigger")
	}
	return t, nil
}

// ListTriggers returns triggers matching filter.
func (s *Scheduler) ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.Trigger, error) {
	ts, err := s.store.ListTriggers(ctx, filter)
	if err != nil {
		return nil, liftStoreError(err, "list triggers")
	}
	return ts, nil
}

// EnableTrigger turns a trigger on. A cron trigger's schedule restarts from now,
// so periods missed while it was disabled are not fired.
func (s *Scheduler) EnableTrigger(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, true)
}

// DisableTrigger turns a trigger off. Queued fires are dropped; running
// executions are left alone.
func (s *Scheduler) DisableTrigger(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, false)
}

func (s *Scheduler) setEnabled(ctx context.Context, id string, enabled bool) error {
	t, err := s.store.GetTrigger(ctx, id)
	if err != nil {
		return liftStoreError(err, "get trigger")
	}
	if t.Enabled == enabled {
		return nil
	}
	t.Enabled = enabled
	if enabled && t.Kind == schema.TriggerCron {
		next, err := NextOccurrence(t, s.now())
		if err != nil {
			return schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		t.NextScheduledAt = &next
	}
	if err := s.store.UpdateTrigger(ctx, t); err != nil {
		return liftStoreError(err, "update trigger")
	}
	if !enabled {
		s.dropQueued(id)
	}
	s.logger.InfoContext(ctx, "trigger toggled", slog.String("trigger_id", id), slog.Bool("enabled", enabled))
	return nil
}

// DeleteTrigger removes a trigger and forgets its queued fires and
// dependency progress.
func (s *Scheduler) DeleteTrigger(ctx context.Context, id string) error {
	if err := s.store.DeleteTrigger(ctx, id); err != nil {
		return liftStoreError(err, "delete trigger")
	}
	s.mu.Lock()
	delete(s.states, id)
	s.mu.Unlock()
	return nil
}

// liftStoreError keeps typed errors and wraps the rest as STORE_ERROR.
func liftStoreError(err error, op string) error {
	if schema.ErrorCode(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s failed", op).WithCause(err)
}
