package engine

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// TransitionHook is called before or after a state transition.
// A before hook returning an error vetoes the transition.
type TransitionHook func(from, to string) error

// EventAppender is satisfied by the Store and EventLog; used by FSMs to emit events on transitions.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// TransitionInfo is the audit context of a workflow transition.
type TransitionInfo struct {
	Actor   string
	Reason  string
	Payload map[string]any
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM validates and applies run status transitions.
// A transition is applied to the run only after its audit event has been
// appended; a rejected or failed transition leaves the run untouched.
type WorkflowFSM struct {
	mu       sync.RWMutex
	appender EventAppender
	now      func() time.Time
	before   map[workflowHookKey][]TransitionHook
	after    map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a new WorkflowFSM that emits events via the given appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		now:      func() time.Time { return time.Now().UTC() },
		before:   make(map[workflowHookKey][]TransitionHook),
		after:    make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a workflow transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a workflow transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// CanTransition reports whether from -> to is in the workflow transition table.
func (f *WorkflowFSM) CanTransition(from, to schema.WorkflowStatus) bool {
	return isValidWorkflowTransition(from, to)
}

// Transition moves run to the target status.
// started_at is recorded the first time the run enters running and never
// overwritten; finished_at is recorded on entering a terminal status.
// The caller owns the run and is responsible for persisting it.
func (f *WorkflowFSM) Transition(ctx context.Context, run *store.Run, to schema.WorkflowStatus, info TransitionInfo) error {
	from := run.Status
	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(from), "to": string(to)})
	}

	key := workflowHookKey{from, to}
	f.mu.RLock()
	before, after := f.before[key], f.after[key]
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	payload := map[string]any{"from": string(from), "to": string(to)}
	if info.Reason != "" {
		payload["reason"] = info.Reason
	}
	for k, v := range info.Payload {
		payload[k] = v
	}
	raw, _ := json.Marshal(payload)

	now := f.now()
	event := &store.Event{
		RunID:     run.ID,
		Type:      workflowEventType(from, to),
		Payload:   raw,
		Actor:     info.Actor,
		Timestamp: now,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return liftStoreError(err, "emit workflow event")
	}

	run.Status = to
	if to == schema.WorkflowStatusRunning && run.StartedAt == nil {
		run.StartedAt = &now
	}
	if to.Terminal() {
		run.FinishedAt = &now
	}
	if event.Sequence > run.AuditCursor {
		run.AuditCursor = event.Sequence
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	return slices.Contains(ValidWorkflowTransitions[from], to)
}

func workflowEventType(from, to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusPending:
		return schema.EventRunPrepared
	case schema.WorkflowStatusRunning:
		if from == schema.WorkflowStatusPaused {
			return schema.EventResumed
		}
		return schema.EventStarted
	case schema.WorkflowStatusPaused:
		return schema.EventPaused
	case schema.WorkflowStatusCompleted:
		return schema.EventCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventCancelled
	case schema.WorkflowStatusTimeout:
		return schema.EventTimeout
	}
	return string(to)
}

// --- Step FSM ---

type stepHookKey struct {
	from, to schema.StepStatus
}

// StepTransition carries the data recorded alongside a step transition.
type StepTransition struct {
	Actor         string
	Reason        string
	Output        json.RawMessage
	Err           *store.StepError
	NextAttempt   int        // attempt number of the scheduled retry (running -> retrying)
	NextAttemptAt *time.Time // when the scheduled retry becomes due
}

// StepFSM validates and applies step status transitions.
type StepFSM struct {
	mu       sync.RWMutex
	appender EventAppender
	now      func() time.Time
	before   map[stepHookKey][]TransitionHook
	after    map[stepHookKey][]TransitionHook
}

// NewStepFSM creates a new StepFSM that emits events via the given appender.
func NewStepFSM(appender EventAppender) *StepFSM {
	return &StepFSM{
		appender: appender,
		now:      func() time.Time { return time.Now().UTC() },
		before:   make(map[stepHookKey][]TransitionHook),
		after:    make(map[stepHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a step transition.
func (f *StepFSM) OnBefore(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a step transition.
func (f *StepFSM) OnAfter(from, to schema.StepStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stepHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition moves st to the target status and records the attempt bookkeeping:
// entering running from pending starts attempt 1, entering retrying advances the
// attempt counter to tr.NextAttempt at the moment the retry is scheduled.
func (f *StepFSM) Transition(ctx context.Context, st *store.StepState, to schema.StepStatus, tr StepTransition) error {
	from := st.Status
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(st.StepID).
			WithDetails(map[string]any{"run_id": st.RunID, "from": string(from), "to": string(to)})
	}

	key := stepHookKey{from, to}
	f.mu.RLock()
	before, after := f.before[key], f.after[key]
	f.mu.RUnlock()

	for _, hook := range before {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	attempt := st.Attempt
	switch {
	case to == schema.StepStatusRunning && attempt == 0:
		attempt = 1
	case to == schema.StepStatusRetrying:
		attempt = max(tr.NextAttempt, st.Attempt+1)
	}

	payload := store.StepEventPayload{
		Attempt: attempt,
		Actor:   tr.Actor,
		Reason:  tr.Reason,
	}
	switch to {
	case schema.StepStatusCompleted:
		payload.Output = tr.Output
	case schema.StepStatusFailed:
		payload.Error = tr.Err
	case schema.StepStatusRetrying:
		payload.Error = tr.Err
		payload.NextAttemptAt = tr.NextAttemptAt
	}
	raw, _ := json.Marshal(payload)

	now := f.now()
	event := &store.Event{
		RunID:     st.RunID,
		StepID:    st.StepID,
		Type:      stepEventType(to),
		Payload:   raw,
		Actor:     tr.Actor,
		Timestamp: now,
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return liftStoreError(err, "emit step event").WithStep(st.StepID)
	}

	st.Status = to
	st.Attempt = attempt
	switch to {
	case schema.StepStatusRunning:
		st.NextAttemptAt = nil
		st.LastAttemptAt = &now
		if st.StartedAt == nil {
			st.StartedAt = &now
		}
		if tr.Actor != "" {
			st.ActorID = tr.Actor
		}
	case schema.StepStatusRetrying:
		st.Error = tr.Err
		st.NextAttemptAt = tr.NextAttemptAt
	case schema.StepStatusCompleted:
		st.Output = tr.Output
		st.Error = nil
		st.FinishedAt = &now
	case schema.StepStatusFailed:
		st.Error = tr.Err
		st.FinishedAt = &now
	case schema.StepStatusSkipped, schema.StepStatusCancelled:
		st.SkipReason = tr.Reason
		st.NextAttemptAt = nil
		st.FinishedAt = &now
	}

	for _, hook := range after {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	return slices.Contains(ValidStepTransitions[from], to)
}

func stepEventType(to schema.StepStatus) string {
	switch to {
	case schema.StepStatusRunning:
		return schema.EventStepStarted
	case schema.StepStatusCompleted:
		return schema.EventStepCompleted
	case schema.StepStatusFailed:
		return schema.EventStepFailed
	case schema.StepStatusSkipped:
		return schema.EventStepSkipped
	case schema.StepStatusRetrying:
		return schema.EventStepRetrying
	case schema.StepStatusCancelled:
		return schema.EventStepCancelled
	}
	return "step-" + string(to)
}

// --- Termination Cascade ---

// TerminateRun moves every non-terminal step to cancelled and then the run to
// the terminal status to (cancelled, failed or timeout). The run transition is
// validated first so an already-terminal run is rejected with no step mutated.
// Returns the steps that were cancelled.
func TerminateRun(ctx context.Context, wf *WorkflowFSM, steps *StepFSM, run *store.Run, states []*store.StepState, to schema.WorkflowStatus, info TransitionInfo) ([]*store.StepState, error) {
	if !to.Terminal() || !wf.CanTransition(run.Status, to) {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", run.Status, to).
			WithDetails(map[string]any{"run_id": run.ID, "from": string(run.Status), "to": string(to)})
	}

	reason := info.Reason
	if reason == "" {
		reason = "run " + string(to)
	}

	var cancelled []*store.StepState
	for _, st := range states {
		if st.Status.Terminal() {
			continue
		}
		if err := steps.Transition(ctx, st, schema.StepStatusCancelled, StepTransition{Actor: info.Actor, Reason: reason}); err != nil {
			return cancelled, err
		}
		cancelled = append(cancelled, st)
	}

	if err := wf.Transition(ctx, run, to, info); err != nil {
		return cancelled, err
	}
	return cancelled, nil
}

// liftStoreError wraps a persistence failure as STORE_ERROR unless it already is one.
func liftStoreError(err error, op string) *schema.DagflowError {
	var dErr *schema.DagflowError
	if errors.As(err, &dErr) && dErr.Code == schema.ErrCodeStore {
		return dErr
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %s", op, err.Error()).WithCause(err)
}

// --- Transition tables ---

// ValidWorkflowTransitions defines the allowed state transitions for runs.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusDraft:     {schema.WorkflowStatusPending, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusPending:   {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled},
	schema.WorkflowStatusRunning:   {schema.WorkflowStatusPaused, schema.WorkflowStatusCompleted, schema.WorkflowStatusFailed, schema.WorkflowStatusCancelled, schema.WorkflowStatusTimeout},
	schema.WorkflowStatusPaused:    {schema.WorkflowStatusRunning, schema.WorkflowStatusCancelled, schema.WorkflowStatusFailed, schema.WorkflowStatusTimeout},
	schema.WorkflowStatusCompleted: {},
	schema.WorkflowStatusFailed:    {},
	schema.WorkflowStatusCancelled: {},
	schema.WorkflowStatusTimeout:   {},
}

// ValidStepTransitions defines the allowed state transitions for steps.
// No status ever re-enters pending; a retry goes running -> retrying -> running.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped, schema.StepStatusCancelled},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed, schema.StepStatusRetrying, schema.StepStatusCancelled},
	schema.StepStatusRetrying:  {schema.StepStatusRunning, schema.StepStatusFailed, schema.StepStatusCancelled},
	schema.StepStatusCompleted: {},
	schema.StepStatusFailed:    {},
	schema.StepStatusSkipped:   {},
	schema.StepStatusCancelled: {},
}
