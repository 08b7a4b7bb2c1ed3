package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sort"
	"time"

	"github.com/rendis/dagflow/internal/engine"
	"github.com/rendis/dagflow/internal/expressions"
	"github.com/rendis/dagflow/internal/logging"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// Fire outcomes.
const (
	OutcomeStarted  = "started"
	OutcomeQueued   = "queued"
	OutcomeSkipped  = "skipped"
	OutcomeReplaced = "replaced"
)

// FireResult reports what a single trigger firing did.
type FireResult struct {
	TriggerID string `json:"trigger_id"`
	RunID     string `json:"run_id,omitempty"`
	Outcome   string `json:"outcome"`
	Replaced  string `json:"replaced,omitempty"` // run cancelled by the replace policy
}

// Event is an external occurrence delivered to event triggers.
type Event struct {
	ID        string         `json:"id,omitempty"`
	Type      string         `json:"type"`
	Source    string         `json:"source,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// triggerState is the in-memory concurrency and dependency bookkeeping of one trigger.
type triggerState struct {
	active   []string // runs in start order
	starting int      // slots reserved by fires whose StartRun has not returned
	queue    []map[string]any
	finished map[string]bool // runs that terminated before their start was recorded
	released map[string]bool // runs cancelled by replace whose slot is already free
	deps     map[string]schema.WorkflowStatus
}

// state returns the state for id, creating it. Caller holds s.mu.
func (s *Scheduler) state(id string) *triggerState {
	st, ok := s.states[id]
	if !ok {
		st = &triggerState{
			finished: make(map[string]bool),
			released: make(map[string]bool),
			deps:     make(map[string]schema.WorkflowStatus),
		}
		s.states[id] = st
	}
	return st
}

func limitOf(t *store.Trigger) int {
	if t.MaxConcurrentExecutions <= 0 {
		return 1
	}
	return t.MaxConcurrentExecutions
}

// fire applies t's concurrency policy and starts, queues, skips or replaces.
// s.mu is never held across runner calls.
func (s *Scheduler) fire(ctx context.Context, t *store.Trigger, payload map[string]any) (*FireResult, error) {
	ctx = logging.WithTriggerID(ctx, t.ID)
	vars, err := s.variables(ctx, t, payload)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	st := s.state(t.ID)
	if len(st.active)+st.starting < limitOf(t) {
		st.starting++
		s.mu.Unlock()
		return s.start(ctx, t, vars, "")
	}

	switch t.QueuePolicy {
	case schema.QueueSkip:
		s.mu.Unlock()
		s.audit(ctx, "trigger:"+t.ID, schema.EventTriggerSkipped, t, map[string]any{
			"reason": "max_concurrent_executions reached",
			"limit":  limitOf(t),
		})
		s.logger.InfoContext(ctx, "trigger skipped at concurrency limit", slog.String("trigger_id", t.ID))
		return &FireResult{TriggerID: t.ID, Outcome: OutcomeSkipped}, nil

	case schema.QueueReplace:
		if len(st.active) > 0 {
			victim := st.active[0]
			st.active = st.active[1:]
			st.released[victim] = true
			st.starting++
			s.mu.Unlock()

			if err := s.runner.Cancel(ctx, victim, "replaced by trigger "+t.ID); err != nil {
				s.logger.WarnContext(ctx, "cancel replaced run failed",
					slog.String("run_id", victim), slog.String("error", err.Error()))
			}
			return s.start(ctx, t, vars, victim)
		}
	}

	// queue, and replace with every slot still starting
	st.queue = append(st.queue, vars)
	depth := len(st.queue)
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "trigger fire queued", slog.String("trigger_id", t.ID), slog.Int("depth", depth))
	return &FireResult{TriggerID: t.ID, Outcome: OutcomeQueued}, nil
}

// start launches a run for a reserved slot.
func (s *Scheduler) start(ctx context.Context, t *store.Trigger, vars map[string]any, replaced string) (*FireResult, error) {
	run, err := s.runner.StartRun(ctx, engine.RunRequest{
		WorkflowName: t.WorkflowName,
		Variables:    vars,
		TriggerID:    t.ID,
		Actor:        "trigger:" + t.ID,
	})

	s.mu.Lock()
	st := s.state(t.ID)
	st.starting--
	done := false
	if err == nil {
		if st.finished[run.ID] {
			delete(st.finished, run.ID)
			done = true
		} else {
			st.active = append(st.active, run.ID)
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.ErrorContext(ctx, "trigger run failed to start",
			slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
		s.drain(ctx, t.ID)
		return nil, err
	}
	if done {
		s.drain(ctx, t.ID)
	}

	fields := map[string]any{"kind": t.Kind}
	if replaced != "" {
		fields["replaced"] = replaced
	}
	s.audit(ctx, run.ID, schema.EventTriggerFired, t, fields)
	s.stampFired(ctx, t.ID)

	s.logger.InfoContext(ctx, "trigger fired",
		slog.String("trigger_id", t.ID), slog.String("run_id", run.ID), slog.String("workflow", t.WorkflowName))

	res := &FireResult{TriggerID: t.ID, RunID: run.ID, Outcome: OutcomeStarted}
	if replaced != "" {
		res.Outcome = OutcomeReplaced
		res.Replaced = replaced
	}
	return res, nil
}

// drain starts queued fires while the trigger has free slots. Queued fires of
// a deleted or disabled trigger are dropped.
func (s *Scheduler) drain(ctx context.Context, triggerID string) {
	t, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil || !t.Enabled {
		s.dropQueued(triggerID)
		return
	}

	for {
		s.mu.Lock()
		st := s.state(triggerID)
		if len(st.queue) == 0 || len(st.active)+st.starting >= limitOf(t) {
			s.mu.Unlock()
			return
		}
		vars := st.queue[0]
		st.queue = st.queue[1:]
		st.starting++
		s.mu.Unlock()

		if _, err := s.start(ctx, t, vars, ""); err != nil {
			// start already drained on failure
			return
		}
	}
}

func (s *Scheduler) dropQueued(triggerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[triggerID]; ok {
		st.queue = nil
	}
}

// variables merges the mapped payload over the trigger's static variables.
func (s *Scheduler) variables(ctx context.Context, t *store.Trigger, payload map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(t.Variables)+len(t.InputMapping))
	maps.Copy(vars, t.Variables)
	if len(t.InputMapping) == 0 {
		return vars, nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	mapped, err := s.mappings.MapInputs(ctx, t.InputMapping, payload)
	if err != nil {
		return nil, err
	}
	maps.Copy(vars, mapped)
	return vars, nil
}

// FireEvent fires every enabled event trigger registered for ev.Type whose
// filter matches. Filters see type, source, id and payload.
func (s *Scheduler) FireEvent(ctx context.Context, ev Event) ([]*FireResult, error) {
	if ev.Type == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event type is required")
	}
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{
		Kind:      schema.TriggerEvent,
		EventType: ev.Type,
		Enabled:   &enabled,
	})
	if err != nil {
		return nil, liftStoreError(err, "list event triggers")
	}

	data := map[string]any{
		"id":      ev.ID,
		"type":    ev.Type,
		"source":  ev.Source,
		"payload": ev.Payload,
	}
	var results []*FireResult
	for _, t := range triggers {
		ok, err := s.filters.Match(ctx, t.Filter, data)
		if err != nil {
			s.logger.WarnContext(ctx, "event filter failed",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		if !ok {
			continue
		}
		res, err := s.fire(ctx, t, ev.Payload)
		if err != nil {
			s.logger.ErrorContext(ctx, "event trigger fire failed",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// FireWebhook fires a webhook trigger with the request payload.
func (s *Scheduler) FireWebhook(ctx context.Context, triggerID string, payload map[string]any) (*FireResult, error) {
	t, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return nil, liftStoreError(err, "get trigger")
	}
	if t.Kind != schema.TriggerWebhook {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "trigger %q is a %s trigger, not webhook", t.ID, t.Kind)
	}
	if !t.Enabled {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "trigger %q is disabled", t.ID)
	}
	return s.fire(ctx, t, payload)
}

// RunTerminated releases the finished run's trigger slot and feeds dependency
// triggers. Register it with Engine.OnRunTerminated. Work happens on a
// background goroutine that Stop waits for.
func (s *Scheduler) RunTerminated(rt engine.RunTerminal) {
	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		ctx := logging.WithRunID(context.Background(), rt.RunID)
		if rt.TriggerID != "" {
			s.release(ctx, rt.TriggerID, rt.RunID)
		}
		s.evaluateDependencies(ctx, rt)
	}()
}

func (s *Scheduler) release(ctx context.Context, triggerID, runID string) {
	s.mu.Lock()
	st := s.state(triggerID)
	switch {
	case st.released[runID]:
		delete(st.released, runID)
		s.mu.Unlock()
		return
	case removeRun(st, runID):
	case st.starting > 0:
		st.finished[runID] = true
		s.mu.Unlock()
		return
	default:
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.drain(ctx, triggerID)
}

func removeRun(st *triggerState, runID string) bool {
	for i, id := range st.active {
		if id == runID {
			st.active = append(st.active[:i], st.active[i+1:]...)
			return true
		}
	}
	return false
}

// evaluateDependencies records rt against every enabled dependency trigger
// watching its workflow and fires those whose condition now holds.
func (s *Scheduler) evaluateDependencies(ctx context.Context, rt engine.RunTerminal) {
	enabled := true
	triggers, err := s.store.ListTriggers(ctx, store.TriggerFilter{Kind: schema.TriggerDependency, Enabled: &enabled})
	if err != nil {
		s.logger.ErrorContext(ctx, "list dependency triggers failed", slog.String("error", err.Error()))
		return
	}

	for _, t := range triggers {
		if t.Dependency == nil || !watches(t.Dependency.Workflows, rt.WorkflowName) {
			continue
		}

		s.mu.Lock()
		st := s.state(t.ID)
		st.deps[rt.WorkflowName] = rt.Status
		ready := conditionMet(t.Dependency, st.deps, rt.Status)
		upstream := make(map[string]any, len(st.deps))
		for wf, status := range st.deps {
			upstream[wf] = string(status)
		}
		if ready {
			st.deps = make(map[string]schema.WorkflowStatus)
		}
		s.mu.Unlock()

		if !ready {
			continue
		}
		payload := map[string]any{
			"workflow": rt.WorkflowName,
			"run_id":   rt.RunID,
			"status":   string(rt.Status),
			"outputs":  expressions.DecodeOutputs(rt.Outputs),
			"upstream": upstream,
		}
		if _, err := s.fire(ctx, t, payload); err != nil {
			s.logger.ErrorContext(ctx, "dependency trigger fire failed",
				slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
		}
	}
}

func watches(workflows []string, name string) bool {
	for _, wf := range workflows {
		if wf == name {
			return true
		}
	}
	return false
}

// conditionMet evaluates a dependency condition given the outcomes recorded
// since the last firing and the status that just arrived.
func conditionMet(spec *schema.DependencySpec, seen map[string]schema.WorkflowStatus, latest schema.WorkflowStatus) bool {
	switch spec.Condition {
	case schema.DependencyAnyComplete:
		return latest.Terminal()
	case schema.DependencyAnySuccess:
		return latest == schema.WorkflowStatusCompleted
	default:
		for _, wf := range spec.Workflows {
			if seen[wf] != schema.WorkflowStatusCompleted {
				return false
			}
		}
		return true
	}
}

// Restore rebuilds active-run accounting from the runs still live in the store,
// so concurrency limits survive a restart.
func (s *Scheduler) Restore(ctx context.Context) error {
	runs, err := s.runner.ListRuns(ctx, store.RunFilter{ActiveOnly: true})
	if err != nil {
		return liftStoreError(err, "list active runs")
	}
	sort.SliceStable(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	s.mu.Lock()
	defer s.mu.Unlock()
	restored := 0
	for _, r := range runs {
		if r.TriggerID == "" {
			continue
		}
		st := s.state(r.TriggerID)
		if containsRun(st.active, r.ID) {
			continue
		}
		st.active = append(st.active, r.ID)
		restored++
	}
	if restored > 0 {
		s.logger.InfoContext(ctx, "restored trigger runs", slog.Int("count", restored))
	}
	return nil
}

func containsRun(active []string, runID string) bool {
	for _, id := range active {
		if id == runID {
			return true
		}
	}
	return false
}

// ActiveRuns returns the runs currently counted against a trigger's limit.
func (s *Scheduler) ActiveRuns(triggerID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[triggerID]; ok {
		return append([]string(nil), st.active...)
	}
	return nil
}

// QueueDepth returns how many fires are waiting for a free slot.
func (s *Scheduler) QueueDepth(triggerID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[triggerID]; ok {
		return len(st.queue)
	}
	return 0
}

func (s *Scheduler) stampFired(ctx context.Context, triggerID string) {
	t, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return
	}
	now := s.now()
	t.LastFiredAt = &now
	if err := s.store.UpdateTrigger(ctx, t); err != nil {
		s.logger.WarnContext(ctx, "stamp trigger last_fired_at failed",
			slog.String("trigger_id", triggerID), slog.String("error", err.Error()))
	}
}

func (s *Scheduler) audit(ctx context.Context, runID, eventType string, t *store.Trigger, fields map[string]any) {
	fields["trigger_id"] = t.ID
	fields["workflow"] = t.WorkflowName
	payload, _ := json.Marshal(fields)
	err := s.events.AppendEvent(ctx, &store.Event{
		RunID:   runID,
		Type:    eventType,
		Payload: payload,
		Actor:   "trigger:" + t.ID,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "append trigger event failed",
			slog.String("trigger_id", t.ID), slog.String("error", err.Error()))
	}
}
