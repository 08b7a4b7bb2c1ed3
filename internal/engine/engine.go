package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/dagflow/internal/logging"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// Engine coordinates workflow runs: it owns every run's state transitions,
// dispatches ready steps and applies retry and failure policies.
type Engine interface {
	// Define validates and stores a workflow definition under its name.
	Define(ctx context.Context, def *schema.WorkflowDefinition) (*store.Definition, error)
	GetDefinition(ctx context.Context, name string) (*store.Definition, error)
	ListDefinitions(ctx context.Context) ([]*store.Definition, error)

	// CreateRun creates a draft run from a registered or inline definition.
	CreateRun(ctx context.Context, req RunRequest) (*store.Run, error)
	// Prepare moves a draft run to pending and initialises its step states.
	Prepare(ctx context.Context, runID string) error
	// Start moves a pending run to running and begins dispatching.
	Start(ctx context.Context, runID string) error
	// StartRun creates, prepares and starts a run in one call.
	StartRun(ctx context.Context, req RunRequest) (*store.Run, error)

	// ReportOutcome delivers the result of a dispatched step attempt.
	// Outcomes for steps that are no longer running, or for a stale attempt,
	// are audited as late completions and rejected with INVALID_TRANSITION.
	ReportOutcome(ctx context.Context, outcome Outcome) error

	Pause(ctx context.Context, runID, reason string) error
	Resume(ctx context.Context, runID string) error
	// Cancel terminates a run, cancelling every step that has not finished.
	Cancel(ctx context.Context, runID, reason string) error
	SetVariable(ctx context.Context, runID, name string, value any) error

	Status(ctx context.Context, runID string) (*RunStatus, error)
	Events(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error)

	// Recover reloads every non-terminal run from the store and resumes it.
	Recover(ctx context.Context) (int, error)

	// OnRunTerminated registers an observer called once per run reaching a
	// terminal status. Observers run outside engine locks.
	OnRunTerminated(fn func(RunTerminal))

	// StartPolling periodically re-schedules live runs until Stop is called.
	StartPolling(ctx context.Context)
	// Stop halts polling and waits for in-flight dispatches to return.
	Stop()
}

// Dispatcher executes the unit of work behind task, decision and parallel steps.
type Dispatcher interface {
	Dispatch(ctx context.Context, req DispatchRequest) (*StepResult, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req DispatchRequest) (*StepResult, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, req DispatchRequest) (*StepResult, error) {
	return f(ctx, req)
}

// DispatchRequest is everything a dispatcher gets to know about one attempt.
type DispatchRequest struct {
	RunID        string                     `json:"run_id"`
	WorkflowName string                     `json:"workflow_name"`
	StepID       string                     `json:"step_id"`
	Kind         schema.StepKind            `json:"kind"`
	Handler      string                     `json:"handler,omitempty"`
	Config       json.RawMessage            `json:"config,omitempty"`
	Attempt      int                        `json:"attempt"`
	Actor        string                     `json:"actor"`
	Weight       int                        `json:"weight,omitempty"`
	Variables    map[string]any             `json:"variables,omitempty"`
	Outputs      map[string]json.RawMessage `json:"outputs,omitempty"`
}

// StepResult is a dispatcher's answer for one attempt.
type StepResult struct {
	Output    json.RawMessage `json:"output,omitempty"`
	Variables map[string]any  `json:"variables,omitempty"` // merged into the run's variables
	Async     bool            `json:"async,omitempty"`     // the outcome arrives later through ReportOutcome
}

// EventSink receives every audit event after it has been persisted.
type EventSink interface {
	Publish(ctx context.Context, event *store.Event) error
}

// DefinitionValidator checks a definition before it is registered.
type DefinitionValidator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// EventLogger abstracts the event log operations needed by the engine.
// Satisfied by *store.EventLog.
type EventLogger interface {
	EventAppender
	GetEvents(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	ReplayStepStatuses(ctx context.Context, runID string) (map[string]*store.StepState, error)
}

// RunRequest describes a run to create.
type RunRequest struct {
	WorkflowName string                     `json:"workflow_name,omitempty"`
	Definition   *schema.WorkflowDefinition `json:"definition,omitempty"` // inline definition, used instead of a registered one
	Variables    map[string]any             `json:"variables,omitempty"`
	TriggerID    string                     `json:"trigger_id,omitempty"`
	ParentRunID  string                     `json:"parent_run_id,omitempty"`
	ParentStepID string                     `json:"parent_step_id,omitempty"`
	Actor        string                     `json:"actor,omitempty"`
}

// Outcome is the result of one step attempt.
type Outcome struct {
	RunID     string          `json:"run_id"`
	StepID    string          `json:"step_id"`
	Attempt   int             `json:"attempt,omitempty"` // 0 accepts whatever attempt is running
	Output    json.RawMessage `json:"output,omitempty"`
	Variables map[string]any  `json:"variables,omitempty"`
	Err       error           `json:"-"`
}

// RunStatus is a point-in-time view of a run.
type RunStatus struct {
	Run      *store.Run         `json:"run"`
	Steps    []*store.StepState `json:"steps"`
	Progress store.Progress     `json:"progress"`
	Active   []string           `json:"active,omitempty"`
	Waiting  []string           `json:"waiting,omitempty"`
	Blocked  []string           `json:"blocked,omitempty"`
}

// RunTerminal is delivered to observers when a run reaches a terminal status.
type RunTerminal struct {
	RunID        string                     `json:"run_id"`
	WorkflowName string                     `json:"workflow_name"`
	TriggerID    string                     `json:"trigger_id,omitempty"`
	ParentRunID  string                     `json:"parent_run_id,omitempty"`
	ParentStepID string                     `json:"parent_step_id,omitempty"`
	Status       schema.WorkflowStatus      `json:"status"`
	Outputs      map[string]json.RawMessage `json:"outputs,omitempty"`
	Failure      *store.Failure             `json:"failure,omitempty"`
}

// DefaultPoolSize is the default worker pool concurrency.
const DefaultPoolSize = 10

// DefaultPollInterval is how often StartPolling re-schedules live runs.
const DefaultPollInterval = time.Second

// EngineConfig holds the engine's collaborators and tuning.
type EngineConfig struct {
	PoolSize     int                 // max concurrent dispatches across all runs
	PollInterval time.Duration       // re-schedule period for held and delayed steps
	Actors       ActorRegistry       // nil = StaticActors
	Sink         EventSink           // optional
	Validator    DefinitionValidator // optional, applied by Define
	Logger       *slog.Logger        // nil = discard
	Retry        *RetryController    // nil = wall clock and random seed
	Now          func() time.Time    // nil = time.Now in UTC
}

// engineImpl is the concrete Engine implementation.
type engineImpl struct {
	store      store.Store
	events     EventLogger
	audit      *auditAppender
	dispatcher Dispatcher
	wfFSM      *WorkflowFSM
	stepFSM    *StepFSM
	pool       *WorkerPool
	actors     ActorRegistry
	retry      *RetryController
	validator  DefinitionValidator
	logger     *slog.Logger
	config     EngineConfig
	now        func() time.Time

	// mu guards runs.
	mu   sync.Mutex
	runs map[string]*runController

	obsMu     sync.RWMutex
	observers []func(RunTerminal)

	// wg tracks dispatch and child-run goroutines.
	wg sync.WaitGroup

	pollMu   sync.Mutex
	pollStop context.CancelFunc
	pollDone chan struct{}
}

// NewEngine creates an Engine over the given store, event log and dispatcher.
func NewEngine(s store.Store, el EventLogger, d Dispatcher, cfg EngineConfig) Engine {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Actors == nil {
		cfg.Actors = StaticActors{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Retry == nil {
		cfg.Retry = NewRetryController().WithClock(cfg.Now)
	}

	logger := cfg.Logger.With(slog.String("component", "engine"))
	audit := &auditAppender{log: el, sink: cfg.Sink, logger: logger}

	wfFSM := NewWorkflowFSM(audit)
	wfFSM.now = cfg.Now
	stepFSM := NewStepFSM(audit)
	stepFSM.now = cfg.Now

	pool := NewWorkerPool(cfg.PoolSize).OnPanic(func(err error) {
		logger.Error("dispatch panicked", slog.String("error", err.Error()))
	})

	return &engineImpl{
		store:      s,
		events:     el,
		audit:      audit,
		dispatcher: d,
		wfFSM:      wfFSM,
		stepFSM:    stepFSM,
		pool:       pool,
		actors:     cfg.Actors,
		retry:      cfg.Retry,
		validator:  cfg.Validator,
		logger:     logger,
		config:     cfg,
		now:        cfg.Now,
		runs:       make(map[string]*runController),
	}
}

// auditAppender persists events to the log and forwards them to the sink.
// A sink failure is logged; the event is already durable.
type auditAppender struct {
	log    EventAppender
	sink   EventSink
	logger *slog.Logger
}

func (a *auditAppender) AppendEvent(ctx context.Context, event *store.Event) error {
	if err := a.log.AppendEvent(ctx, event); err != nil {
		return err
	}
	a.logger.DebugContext(ctx, "event appended",
		slog.String("run_id", event.RunID),
		slog.String("step_id", event.StepID),
		slog.String("type", event.Type),
		slog.Int64("sequence", event.Sequence))
	if a.sink != nil {
		if err := a.sink.Publish(ctx, event); err != nil {
			a.logger.WarnContext(ctx, "event sink publish failed",
				slog.String("type", event.Type), slog.String("error", err.Error()))
		}
	}
	return nil
}

// --- Definitions ---

func (e *engineImpl) Define(ctx context.Context, def *schema.WorkflowDefinition) (*store.Definition, error) {
	if def == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}
	if def.Name == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow name is required")
	}
	if e.validator != nil {
		if err := e.validator.ValidateDefinition(def); err != nil {
			return nil, err
		}
	}
	if _, err := ParseDAG(def); err != nil {
		return nil, err
	}

	stored := &store.Definition{Name: def.Name, Definition: *def}
	if err := e.store.PutDefinition(ctx, stored); err != nil {
		return nil, liftStoreError(err, "store definition")
	}
	e.logger.InfoContext(ctx, "workflow defined",
		slog.String("workflow", def.Name), slog.Int("version", stored.Version), slog.Int("steps", len(def.Steps)))
	return stored, nil
}

func (e *engineImpl) GetDefinition(ctx context.Context, name string) (*store.Definition, error) {
	return e.store.GetDefinition(ctx, name)
}

func (e *engineImpl) ListDefinitions(ctx context.Context) ([]*store.Definition, error) {
	return e.store.ListDefinitions(ctx)
}

// --- Run lifecycle ---

func (e *engineImpl) CreateRun(ctx context.Context, req RunRequest) (*store.Run, error) {
	def, err := e.resolveDefinition(ctx, req)
	if err != nil {
		return nil, err
	}
	dag, err := ParseDAG(def)
	if err != nil {
		return nil, err
	}

	name := def.Name
	if name == "" {
		name = req.WorkflowName
	}
	now := e.now()
	run := &store.Run{
		ID:           uuid.NewString(),
		WorkflowName: name,
		Definition:   *def,
		Status:       schema.WorkflowStatusDraft,
		TriggerID:    req.TriggerID,
		ParentRunID:  req.ParentRunID,
		ParentStepID: req.ParentStepID,
		Actor:        req.Actor,
		Variables:    make(map[string]any, len(req.Variables)),
		Outputs:      make(map[string]json.RawMessage),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	maps.Copy(run.Variables, req.Variables)

	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, liftStoreError(err, "create run")
	}

	rc := newRunController(run, dag, nil)
	e.mu.Lock()
	e.runs[run.ID] = rc
	e.mu.Unlock()

	ctx = logging.WithRunID(ctx, run.ID)
	e.logger.InfoContext(ctx, "run created",
		slog.String("workflow", name), slog.String("trigger_id", req.TriggerID), slog.String("parent_run_id", req.ParentRunID))
	return cloneRun(run), nil
}

// resolveDefinition returns a private copy of the definition a run executes.
func (e *engineImpl) resolveDefinition(ctx context.Context, req RunRequest) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	switch {
	case req.Definition != nil:
		if err := copyJSON(req.Definition, &def); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "inline definition is not serializable").WithCause(err)
		}
		if def.Name == "" {
			def.Name = req.WorkflowName
		}
	case req.WorkflowName != "":
		stored, err := e.store.GetDefinition(ctx, req.WorkflowName)
		if err != nil {
			if schema.HasCode(err, schema.ErrCodeNotFound) {
				return nil, err
			}
			return nil, liftStoreError(err, "get definition")
		}
		def = stored.Definition
	default:
		return nil, schema.NewError(schema.ErrCodeValidation, "run request needs a workflow name or an inline definition")
	}
	return &def, nil
}

func (e *engineImpl) Prepare(ctx context.Context, runID string) error {
	return e.withRun(ctx, runID, func(ctx context.Context, rc *runController, _ *effects) error {
		return e.wfFSM.Transition(ctx, rc.run, schema.WorkflowStatusPending, TransitionInfo{Actor: rc.run.Actor})
	})
}

func (e *engineImpl) Start(ctx context.Context, runID string) error {
	return e.withRun(ctx, runID, func(ctx context.Context, rc *runController, _ *effects) error {
		if err := e.wfFSM.Transition(ctx, rc.run, schema.WorkflowStatusRunning, TransitionInfo{Actor: rc.run.Actor}); err != nil {
			return err
		}
		if rc.dag.Timeout > 0 {
			deadline := rc.run.StartedAt.Add(rc.dag.Timeout)
			rc.run.DeadlineAt = &deadline
			e.armDeadline(rc)
		}
		return nil
	})
}

func (e *engineImpl) StartRun(ctx context.Context, req RunRequest) (*store.Run, error) {
	run, err := e.CreateRun(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := e.Prepare(ctx, run.ID); err != nil {
		return nil, err
	}
	if err := e.Start(ctx, run.ID); err != nil {
		return nil, err
	}
	return e.currentRun(ctx, run.ID)
}

func (e *engineImpl) Pause(ctx context.Context, runID, reason string) error {
	return e.withRun(ctx, runID, func(ctx context.Context, rc *runController, _ *effects) error {
		if err := e.wfFSM.Transition(ctx, rc.run, schema.WorkflowStatusPaused, TransitionInfo{Reason: reason}); err != nil {
			return err
		}
		rc.stopRetryTimer()
		return nil
	})
}

func (e *engineImpl) Resume(ctx context.Context, runID string) error {
	return e.withRun(ctx, runID, func(ctx context.Context, rc *runController, _ *effects) error {
		return e.wfFSM.Transition(ctx, rc.run, schema.WorkflowStatusRunning, TransitionInfo{})
	})
}

func (e *engineImpl) Cancel(ctx context.Context, runID, reason string) error {
	if reason == "" {
		reason = "cancelled"
	}
	return e.withRun(ctx, runID, func(ctx context.Context, rc *runController, fx *effects) error {
		return e.terminate(ctx, rc, schema.WorkflowStatusCancelled, TransitionInfo{Reason: reason}, fx)
	})
}

func (e *engineImpl) SetVariable(ctx context.Context, runID, name string, value any) error {
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "variable name is required")
	}
	return e.withRun(ctx, runID, func(ctx context.Context, rc *runController, _ *effects) error {
		if rc.run.Status.Terminal() {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition, "run %s is %s", runID, rc.run.Status)
		}
		return e.setVariables(ctx, rc, map[string]any{name: value}, "")
	})
}

func (e *engineImpl) Status(ctx context.Context, runID string) (*RunStatus, error) {
	rc, err := e.controller(ctx, runID)
	if err != nil {
		return nil, err
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()

	states := rc.stateList()
	status := &RunStatus{
		Run:      cloneRun(rc.run),
		Steps:    make([]*store.StepState, len(states)),
		Progress: AggregateProgress(states),
	}
	for i, st := range states {
		status.Steps[i] = st.Clone()
	}
	if !rc.run.Status.Terminal() {
		res := ResolveReady(ctx, rc.dag, rc.steps, e.resolveOptions(rc))
		status.Active = res.Active
		status.Waiting = append(append(append([]string{}, res.Retry...), res.Ready...), res.Waiting()...)
		status.Blocked = res.Blocked
	}
	return status, nil
}

func (e *engineImpl) Events(ctx context.Context, runID string, since int64) ([]*store.Event, error) {
	return e.events.GetEvents(ctx, runID, since)
}

func (e *engineImpl) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return e.store.ListRuns(ctx, filter)
}

func (e *engineImpl) OnRunTerminated(fn func(RunTerminal)) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, fn)
}

func (e *engineImpl) notify(t RunTerminal) {
	if t.ParentRunID != "" {
		e.childTerminated(t)
	}
	e.obsMu.RLock()
	observers := append([]func(RunTerminal){}, e.observers...)
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(t)
	}
}

// --- helpers ---

// withRun runs fn under the run's lock, settles the run and then performs the
// resulting side effects with no lock held.
func (e *engineImpl) withRun(ctx context.Context, runID string, fn func(context.Context, *runController, *effects) error) error {
	rc, err := e.controller(ctx, runID)
	if err != nil {
		return err
	}
	ctx = logging.WithRunID(ctx, runID)

	fx := &effects{}
	rc.mu.Lock()
	if err := fn(ctx, rc, fx); err != nil {
		rc.mu.Unlock()
		return err
	}
	e.settle(ctx, rc, fx)
	rc.mu.Unlock()

	e.flush(fx)
	return nil
}

// controller returns the live controller of a run, loading it from the store
// on first use. Terminal runs are loaded but not kept.
func (e *engineImpl) controller(ctx context.Context, runID string) (*runController, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rc, ok := e.runs[runID]; ok {
		return rc, nil
	}

	snap, err := e.store.LoadSnapshot(ctx, runID)
	if err != nil {
		if schema.HasCode(err, schema.ErrCodeNotFound) {
			return nil, err
		}
		return nil, liftStoreError(err, "load run")
	}
	dag, err := ParseDAG(&snap.Run.Definition)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInternal, "stored definition of run %s no longer compiles", runID).WithCause(err)
	}
	rc := newRunController(snap.Run, dag, snap.Steps)
	if !snap.Run.Status.Terminal() {
		e.runs[runID] = rc
	}
	return rc, nil
}

func (e *engineImpl) forget(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}

func (e *engineImpl) liveRuns() []*runController {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*runController, 0, len(e.runs))
	for _, rc := range e.runs {
		out = append(out, rc)
	}
	return out
}

func (e *engineImpl) currentRun(ctx context.Context, runID string) (*store.Run, error) {
	rc, err := e.controller(ctx, runID)
	if err != nil {
		return nil, err
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return cloneRun(rc.run), nil
}

func cloneRun(r *store.Run) *store.Run {
	c := *r
	c.Variables = maps.Clone(r.Variables)
	c.Outputs = maps.Clone(r.Outputs)
	if r.Failure != nil {
		f := *r.Failure
		c.Failure = &f
	}
	return &c
}

func copyJSON(src, dst any) error {
	raw, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}

var _ EventLogger = (*store.EventLog)(nil)
