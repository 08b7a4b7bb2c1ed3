package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rendis/dagflow/pkg/schema"
)

// MemoryStore is a Store kept entirely in process memory.
// Values are deep-copied on the way in and out so callers never share state with it.
type MemoryStore struct {
	mu       sync.RWMutex
	defs     map[string]*Definition
	runs     map[string]*Run
	runOrder []string
	steps    map[string][]*StepState // run ID -> states in insertion order
	events   map[string][]*Event
	nextID   int64
	triggers map[string]*Trigger
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		defs:     make(map[string]*Definition),
		runs:     make(map[string]*Run),
		steps:    make(map[string][]*StepState),
		events:   make(map[string][]*Event),
		triggers: make(map[string]*Trigger),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Vacuum(context.Context) error  { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Definitions ---

func (m *MemoryStore) PutDefinition(_ context.Context, def *Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if prev, ok := m.defs[def.Name]; ok {
		def.Version = prev.Version + 1
		def.CreatedAt = prev.CreatedAt
	} else {
		def.Version = 1
		def.CreatedAt = timeOrNow(def.CreatedAt)
	}
	def.UpdatedAt = now
	c, err := deepCopy(def)
	if err != nil {
		return err
	}
	m.defs[def.Name] = c
	return nil
}

func (m *MemoryStore) GetDefinition(_ context.Context, name string) (*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.defs[name]
	if !ok {
		return nil, storeNotFound("definition", name)
	}
	return deepCopy(d)
}

func (m *MemoryStore) ListDefinitions(context.Context) ([]*Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.defs))
	for n := range m.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]*Definition, 0, len(names))
	for _, n := range names {
		d, err := deepCopy(m.defs[n])
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *MemoryStore) DeleteDefinition(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.defs[name]; !ok {
		return storeNotFound("definition", name)
	}
	delete(m.defs, name)
	return nil
}

// --- Runs ---

func (m *MemoryStore) CreateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createRunLocked(run)
}

func (m *MemoryStore) createRunLocked(run *Run) error {
	if _, ok := m.runs[run.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "run %q already exists", run.ID)
	}
	run.CreatedAt = timeOrNow(run.CreatedAt)
	run.UpdatedAt = timeOrNow(run.UpdatedAt)
	c, err := deepCopy(run)
	if err != nil {
		return err
	}
	m.runs[run.ID] = c
	m.runOrder = append(m.runOrder, run.ID)
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, storeNotFound("run", id)
	}
	return deepCopy(r)
}

func (m *MemoryStore) UpdateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateRunLocked(run)
}

func (m *MemoryStore) updateRunLocked(run *Run) error {
	if _, ok := m.runs[run.ID]; !ok {
		return storeNotFound("run", run.ID)
	}
	run.UpdatedAt = time.Now().UTC()
	c, err := deepCopy(run)
	if err != nil {
		return err
	}
	m.runs[run.ID] = c
	return nil
}

func (m *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Run
	for _, id := range m.runOrder {
		r := m.runs[id]
		if filter.Status != nil && r.Status != *filter.Status {
			continue
		}
		if filter.WorkflowName != "" && r.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.TriggerID != "" && r.TriggerID != filter.TriggerID {
			continue
		}
		if filter.ActiveOnly && r.Status.Terminal() {
			continue
		}
		c, err := deepCopy(r)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// --- Step State ---

func (m *MemoryStore) UpsertStepState(_ context.Context, state *StepState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertStepLocked(state)
	return nil
}

func (m *MemoryStore) upsertStepLocked(state *StepState) {
	list := m.steps[state.RunID]
	for i, s := range list {
		if s.StepID == state.StepID {
			list[i] = state.Clone()
			return
		}
	}
	m.steps[state.RunID] = append(list, state.Clone())
}

func (m *MemoryStore) GetStepState(_ context.Context, runID, stepID string) (*StepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.steps[runID] {
		if s.StepID == stepID {
			return s.Clone(), nil
		}
	}
	return nil, storeNotFound("step_state", runID+"/"+stepID)
}

func (m *MemoryStore) ListStepStates(_ context.Context, runID string) ([]*StepState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.steps[runID]
	out := make([]*StepState, len(list))
	for i, s := range list {
		out[i] = s.Clone()
	}
	return out, nil
}

// --- Snapshots ---

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *RunSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if _, ok := m.runs[snap.Run.ID]; ok {
		err = m.updateRunLocked(snap.Run)
	} else {
		err = m.createRunLocked(snap.Run)
	}
	if err != nil {
		return err
	}
	for _, st := range snap.Steps {
		m.upsertStepLocked(st)
	}
	return nil
}

func (m *MemoryStore) LoadSnapshot(ctx context.Context, runID string) (*RunSnapshot, error) {
	run, err := m.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	steps, err := m.ListStepStates(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunSnapshot{Run: run, Steps: steps}, nil
}

// --- Events ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	event.ID = m.nextID
	event.Sequence = int64(len(m.events[event.RunID]) + 1)
	event.Timestamp = timeOrNow(event.Timestamp)
	if event.Severity == "" {
		event.Severity = schema.EventSeverity(event.Type)
	}
	c := *event
	m.events[event.RunID] = append(m.events[event.RunID], &c)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, runID string, since int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, e := range m.events[runID] {
		if e.Sequence > since {
			c := *e
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Event
	for runID, list := range m.events {
		if filter.RunID != "" && runID != filter.RunID {
			continue
		}
		for _, e := range list {
			if e.Type != eventType {
				continue
			}
			if filter.StepID != "" && e.StepID != filter.StepID {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			c := *e
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Triggers ---

func (m *MemoryStore) CreateTrigger(_ context.Context, t *Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[t.ID]; ok {
		return schema.NewErrorf(schema.ErrCodeConflict, "trigger %q already exists", t.ID)
	}
	t.CreatedAt = timeOrNow(t.CreatedAt)
	t.UpdatedAt = t.CreatedAt
	c, err := deepCopy(t)
	if err != nil {
		return err
	}
	m.triggers[t.ID] = c
	return nil
}

func (m *MemoryStore) GetTrigger(_ context.Context, id string) (*Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.triggers[id]
	if !ok {
		return nil, storeNotFound("trigger", id)
	}
	return deepCopy(t)
}

func (m *MemoryStore) UpdateTrigger(_ context.Context, t *Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[t.ID]; !ok {
		return storeNotFound("trigger", t.ID)
	}
	t.UpdatedAt = time.Now().UTC()
	c, err := deepCopy(t)
	if err != nil {
		return err
	}
	m.triggers[t.ID] = c
	return nil
}

func (m *MemoryStore) ListTriggers(_ context.Context, filter TriggerFilter) ([]*Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Trigger
	for _, t := range m.triggers {
		if filter.Kind != "" && t.Kind != filter.Kind {
			continue
		}
		if filter.WorkflowName != "" && t.WorkflowName != filter.WorkflowName {
			continue
		}
		if filter.EventType != "" && t.EventType != filter.EventType {
			continue
		}
		if filter.Enabled != nil && t.Enabled != *filter.Enabled {
			continue
		}
		c, err := deepCopy(t)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) DeleteTrigger(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; !ok {
		return storeNotFound("trigger", id)
	}
	delete(m.triggers, id)
	return nil
}

// deepCopy round-trips v through JSON, which is exactly what the durable store does.
func deepCopy[T any](v *T) (*T, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("copy %T: %w", v, err)
	}
	out := new(T)
	if err := json.Unmarshal(b, out); err != nil {
		return nil, fmt.Errorf("copy %T: %w", v, err)
	}
	return out, nil
}
