package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// --- harness ---

type harness struct {
	t        *testing.T
	store    *store.MemoryStore
	events   *store.EventLog
	engine   Engine
	terminal chan RunTerminal
}

func newHarness(t *testing.T, d Dispatcher, opts ...func(*EngineConfig)) *harness {
	t.Helper()
	ms := store.NewMemoryStore()
	return newHarnessOn(t, ms, d, opts...)
}

func newHarnessOn(t *testing.T, ms *store.MemoryStore, d Dispatcher, opts ...func(*EngineConfig)) *harness {
	t.Helper()
	el := store.NewEventLog(ms)
	cfg := EngineConfig{PoolSize: 8, PollInterval: 10 * time.Millisecond}
	for _, opt := range opts {
		opt(&cfg)
	}
	h := &harness{
		t:        t,
		store:    ms,
		events:   el,
		engine:   NewEngine(ms, el, d, cfg),
		terminal: make(chan RunTerminal, 64),
	}
	h.engine.OnRunTerminated(func(rt RunTerminal) { h.terminal <- rt })
	t.Cleanup(h.engine.Stop)
	return h
}

func (h *harness) start(def *schema.WorkflowDefinition) *store.Run {
	h.t.Helper()
	run, err := h.engine.StartRun(context.Background(), RunRequest{Definition: def})
	require.NoError(h.t, err)
	return run
}

func (h *harness) waitTerminal(runID string) RunTerminal {
	h.t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case rt := <-h.terminal:
			if rt.RunID == runID {
				return rt
			}
		case <-timeout:
			h.t.Fatalf("run %s did not terminate", runID)
		}
	}
}

func (h *harness) status(runID string) *RunStatus {
	h.t.Helper()
	st, err := h.engine.Status(context.Background(), runID)
	require.NoError(h.t, err)
	return st
}

func (h *harness) step(runID, stepID string) *store.StepState {
	h.t.Helper()
	for _, st := range h.status(runID).Steps {
		if st.StepID == stepID {
			return st
		}
	}
	h.t.Fatalf("step %s not found", stepID)
	return nil
}

func (h *harness) eventTypes(runID string) []string {
	h.t.Helper()
	events, err := h.engine.Events(context.Background(), runID, 0)
	require.NoError(h.t, err)
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func countOf(items []string, want string) int {
	n := 0
	for _, it := range items {
		if it == want {
			n++
		}
	}
	return n
}

func workflow(name string, steps ...schema.StepDefinition) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{Name: name, Steps: steps}
}

func waitStep(id string, depends ...string) schema.StepDefinition {
	return schema.StepDefinition{ID: id, Kind: schema.StepKindWait, DependsOn: depends}
}

// echo completes every step with {"step": <id>}.
var echo = DispatcherFunc(func(_ context.Context, req DispatchRequest) (*StepResult, error) {
	out, _ := json.Marshal(map[string]any{"step": req.StepID, "attempt": req.Attempt})
	return &StepResult{Output: out}, nil
})

// blockUntilCancelled signals started and waits for the step context to end.
func blockUntilCancelled(started chan<- string) DispatcherFunc {
	return func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		started <- req.StepID
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

// --- lifecycle ---

func TestEngine_LinearRunCompletes(t *testing.T) {
	h := newHarness(t, echo)
	run := h.start(workflow("linear", taskStep("a"), taskStep("b", "a"), taskStep("c", "b")))

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusCompleted, rt.Status)
	assert.Nil(t, rt.Failure)
	assert.Len(t, rt.Outputs, 3)

	st := h.status(run.ID)
	assert.Equal(t, schema.WorkflowStatusCompleted, st.Run.Status)
	assert.Equal(t, 100.0, st.Progress.Percent)
	require.NotNil(t, st.Run.StartedAt)
	require.NotNil(t, st.Run.FinishedAt)
	assert.Empty(t, st.Active)

	types := h.eventTypes(run.ID)
	assert.Equal(t, schema.EventRunPrepared, types[0])
	assert.Equal(t, schema.EventStarted, types[1])
	assert.Equal(t, schema.EventCompleted, types[len(types)-1])
	assert.Equal(t, 3, countOf(types, schema.EventStepCompleted))
}

func TestEngine_DraftAndPendingTransitions(t *testing.T) {
	h := newHarness(t, echo)
	ctx := context.Background()

	run, err := h.engine.CreateRun(ctx, RunRequest{Definition: workflow("wf", taskStep("a"))})
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusDraft, run.Status)

	err = h.engine.Start(ctx, run.ID)
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "draft cannot start")

	require.NoError(t, h.engine.Prepare(ctx, run.ID))
	st := h.status(run.ID)
	assert.Equal(t, schema.WorkflowStatusPending, st.Run.Status)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, schema.StepStatusPending, st.Steps[0].Status)

	require.NoError(t, h.engine.Start(ctx, run.ID))
	assert.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)
}

func TestEngine_CreateRunUnknownWorkflow(t *testing.T) {
	h := newHarness(t, echo)
	_, err := h.engine.CreateRun(context.Background(), RunRequest{WorkflowName: "missing"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	_, err = h.engine.CreateRun(context.Background(), RunRequest{})
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestEngine_DefineVersionsAndRejectsCycles(t *testing.T) {
	h := newHarness(t, echo)
	ctx := context.Background()

	d1, err := h.engine.Define(ctx, workflow("orders", taskStep("a")))
	require.NoError(t, err)
	d2, err := h.engine.Define(ctx, workflow("orders", taskStep("a"), taskStep("b", "a")))
	require.NoError(t, err)
	assert.Equal(t, d1.Version+1, d2.Version)

	_, err = h.engine.Define(ctx, workflow("loop", taskStep("a", "b"), taskStep("b", "a")))
	assert.True(t, schema.HasCode(err, schema.ErrCodeCycleDetected))

	_, err = h.engine.Define(ctx, workflow("", taskStep("a")))
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))

	defs, err := h.engine.ListDefinitions(ctx)
	require.NoError(t, err)
	require.Len(t, defs, 1)

	run, err := h.engine.StartRun(ctx, RunRequest{WorkflowName: "orders"})
	require.NoError(t, err)
	assert.Equal(t, "orders", run.WorkflowName)
	assert.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)
}

type rejectAll struct{}

func (rejectAll) ValidateDefinition(*schema.WorkflowDefinition) error {
	return schema.NewError(schema.ErrCodeValidation, "rejected")
}

func TestEngine_DefineRunsValidator(t *testing.T) {
	h := newHarness(t, echo, func(c *EngineConfig) { c.Validator = rejectAll{} })
	_, err := h.engine.Define(context.Background(), workflow("wf", taskStep("a")))
	require.Error(t, err)
	assert.Equal(t, "rejected", err.(*schema.DagflowError).Message)
}

func TestEngine_GuardsSkipAndOutputsFlow(t *testing.T) {
	d := DispatcherFunc(func(_ context.Context, req DispatchRequest) (*StepResult, error) {
		if req.StepID == "score" {
			return &StepResult{Output: json.RawMessage(`{"value":0.2}`)}, nil
		}
		return echo(context.Background(), req)
	})
	h := newHarness(t, d)
	run := h.start(workflow("guarded",
		taskStep("score"),
		guardedStep("approve", `outputs["score"].value > 0.5`, "score"),
		guardedStep("review", `outputs["score"].value <= 0.5`, "score"),
		taskStep("notify", "approve", "review"),
	))

	rt := h.waitTerminal(run.ID)
	require.Equal(t, schema.WorkflowStatusCompleted, rt.Status)
	assert.Equal(t, schema.StepStatusSkipped, h.step(run.ID, "approve").Status)
	assert.Equal(t, schema.StepStatusCompleted, h.step(run.ID, "review").Status)
	assert.Equal(t, schema.StepStatusCompleted, h.step(run.ID, "notify").Status)
	assert.JSONEq(t, `{"value":0.2}`, string(rt.Outputs["score"]))
}

func TestEngine_GuardErrorSkipsAndIsAudited(t *testing.T) {
	h := newHarness(t, echo)
	def := workflow("guard-error", guardedStep("a", "amount > 10"), taskStep("b"))
	def.Variables = map[string]schema.VariableType{"amount": schema.VarInt}
	run := h.start(def)

	require.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)
	assert.Equal(t, schema.StepStatusSkipped, h.step(run.ID, "a").Status)
	assert.Contains(t, h.eventTypes(run.ID), schema.EventGuardError)
}

func TestEngine_DispatcherVariablesReachGuards(t *testing.T) {
	d := DispatcherFunc(func(_ context.Context, req DispatchRequest) (*StepResult, error) {
		if req.StepID == "decide" {
			return &StepResult{Variables: map[string]any{"approved": true}}, nil
		}
		assert.Equal(t, true, req.Variables["approved"])
		return &StepResult{}, nil
	})
	h := newHarness(t, d)
	def := workflow("vars",
		schema.StepDefinition{ID: "decide", Kind: schema.StepKindDecision, Handler: "decide"},
		guardedStep("ship", "approved", "decide"),
	)
	def.Variables = map[string]schema.VariableType{"approved": schema.VarBool}
	run := h.start(def)

	rt := h.waitTerminal(run.ID)
	require.Equal(t, schema.WorkflowStatusCompleted, rt.Status)
	assert.Equal(t, schema.StepStatusCompleted, h.step(run.ID, "ship").Status)
	assert.Contains(t, h.eventTypes(run.ID), schema.EventVariableSet)
}

func TestEngine_MaxConcurrency(t *testing.T) {
	var (
		mu      sync.Mutex
		current int
		peak    int
	)
	d := DispatcherFunc(func(_ context.Context, req DispatchRequest) (*StepResult, error) {
		mu.Lock()
		current++
		peak = max(peak, current)
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		current--
		mu.Unlock()
		return &StepResult{}, nil
	})
	h := newHarness(t, d)
	def := workflow("fanout", taskStep("a"), taskStep("b"), taskStep("c"), taskStep("d"), taskStep("e"))
	def.MaxConcurrency = 2
	run := h.start(def)

	require.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)
	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, 2)
}

// --- cancellation ---

// Two running steps and one pending: cancel stops all three, and an outcome
// arriving afterwards is rejected and audited.
func TestEngine_CancelWithRunningAndPendingSteps(t *testing.T) {
	started := make(chan string, 4)
	h := newHarness(t, blockUntilCancelled(started))
	run := h.start(workflow("cancel", taskStep("a"), taskStep("b"), taskStep("c", "a")))

	<-started
	<-started
	st := h.status(run.ID)
	assert.ElementsMatch(t, []string{"a", "b"}, st.Active)

	require.NoError(t, h.engine.Cancel(context.Background(), run.ID, "operator abort"))
	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusCancelled, rt.Status)

	for _, id := range []string{"a", "b", "c"} {
		step := h.step(run.ID, id)
		assert.Equal(t, schema.StepStatusCancelled, step.Status, id)
		assert.Equal(t, "operator abort", step.SkipReason, id)
	}

	err := h.engine.ReportOutcome(context.Background(), Outcome{RunID: run.ID, StepID: "a", Attempt: 1, Output: json.RawMessage(`{}`)})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
	assert.Equal(t, schema.StepStatusCancelled, h.step(run.ID, "a").Status)
	assert.Contains(t, h.eventTypes(run.ID), schema.EventLateCompletion)

	err = h.engine.Cancel(context.Background(), run.ID, "again")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

func TestEngine_PauseHoldsDispatchUntilResume(t *testing.T) {
	release := make(chan struct{})
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		if req.StepID == "a" {
			<-release
		}
		return &StepResult{}, nil
	})
	h := newHarness(t, d)
	run := h.start(workflow("pause", taskStep("a"), taskStep("b", "a")))

	require.NoError(t, h.engine.Pause(context.Background(), run.ID, "maintenance"))
	close(release)

	require.Eventually(t, func() bool {
		return h.step(run.ID, "a").Status == schema.StepStatusCompleted
	}, 2*time.Second, 5*time.Millisecond, "in-flight step still completes while paused")
	assert.Equal(t, schema.StepStatusPending, h.step(run.ID, "b").Status)
	st := h.status(run.ID)
	assert.Equal(t, schema.WorkflowStatusPaused, st.Run.Status)
	assert.Equal(t, []string{"b"}, st.Waiting)

	require.NoError(t, h.engine.Resume(context.Background(), run.ID))
	assert.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)

	types := h.eventTypes(run.ID)
	assert.Contains(t, types, schema.EventPaused)
	assert.Contains(t, types, schema.EventResumed)
}

// --- failure policies ---

func failing(ids ...string) DispatcherFunc {
	fail := make(map[string]bool, len(ids))
	for _, id := range ids {
		fail[id] = true
	}
	return func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		if fail[req.StepID] {
			return nil, errors.New(req.StepID + " exploded")
		}
		return &StepResult{}, nil
	}
}

func TestEngine_FailFastCancelsEverything(t *testing.T) {
	started := make(chan string, 4)
	block := blockUntilCancelled(started)
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		if req.StepID == "bad" {
			<-started // wait until "slow" is in flight
			return nil, errors.New("bad exploded")
		}
		return block(ctx, req)
	})
	h := newHarness(t, d)
	run := h.start(workflow("ff", taskStep("slow"), taskStep("bad"), taskStep("after", "bad")))

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusFailed, rt.Status)
	require.NotNil(t, rt.Failure)
	assert.Equal(t, "bad", rt.Failure.StepID)
	assert.Equal(t, schema.ErrCodeStepExecution, rt.Failure.Code)

	assert.Equal(t, schema.StepStatusFailed, h.step(run.ID, "bad").Status)
	assert.Equal(t, schema.StepStatusCancelled, h.step(run.ID, "slow").Status)
	assert.Equal(t, schema.StepStatusCancelled, h.step(run.ID, "after").Status)
	assert.Contains(t, h.eventTypes(run.ID), schema.EventFailurePolicy)
}

func TestEngine_ContinueKeepsIndependentBranches(t *testing.T) {
	h := newHarness(t, failing("a"))
	def := workflow("continue", taskStep("a"), taskStep("a2", "a"), taskStep("b"), taskStep("b2", "b"))
	def.FailurePolicy = schema.Continue
	run := h.start(def)

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusFailed, rt.Status, "sink a2 is required by default")
	require.NotNil(t, rt.Failure)
	assert.Equal(t, "a", rt.Failure.StepID)

	assert.Equal(t, schema.StepStatusCompleted, h.step(run.ID, "b2").Status)
	a2 := h.step(run.ID, "a2")
	assert.Equal(t, schema.StepStatusCancelled, a2.Status)
	assert.Equal(t, "dependency failed", a2.SkipReason)
}

func TestEngine_ContinueCompletesWhenRequiredStepsDo(t *testing.T) {
	h := newHarness(t, failing("a"))
	def := workflow("continue-required", taskStep("a"), taskStep("b"))
	def.FailurePolicy = schema.Continue
	def.RequiredSteps = []string{"b"}
	run := h.start(def)

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusCompleted, rt.Status)
	require.NotNil(t, rt.Failure, "the failure is still on record")
	assert.Equal(t, "a", rt.Failure.StepID)
}

func TestEngine_ManualPausesForOperator(t *testing.T) {
	h := newHarness(t, failing("a"))
	def := workflow("manual", taskStep("a"), taskStep("b"))
	def.FailurePolicy = schema.Manual
	def.RequiredSteps = []string{"b"}
	run := h.start(def)

	require.Eventually(t, func() bool {
		st := h.status(run.ID)
		return st.Run.Status == schema.WorkflowStatusPaused &&
			h.step(run.ID, "b").Status == schema.StepStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, schema.StepStatusFailed, h.step(run.ID, "a").Status)

	require.NoError(t, h.engine.Resume(context.Background(), run.ID))
	assert.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)
}

// --- retry ---

func fixedRetry(attempts int) *schema.RetryPolicy {
	return &schema.RetryPolicy{MaxAttempts: attempts, Backoff: schema.BackoffFixed, InitialDelay: "5ms"}
}

func TestEngine_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		n := calls.Add(1)
		assert.Equal(t, int(n), req.Attempt)
		if n < 3 {
			return nil, errors.New("flaky")
		}
		return &StepResult{Output: json.RawMessage(`"ok"`)}, nil
	})
	h := newHarness(t, d)
	step := taskStep("flaky")
	step.Retry = fixedRetry(3)
	run := h.start(workflow("retry", step))

	require.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)
	st := h.step(run.ID, "flaky")
	assert.Equal(t, 3, st.Attempt)
	assert.Nil(t, st.Error)

	types := h.eventTypes(run.ID)
	assert.Equal(t, 2, countOf(types, schema.EventStepRetrying))
	assert.Equal(t, 3, countOf(types, schema.EventStepStarted))
}

func TestEngine_RetryExhausted(t *testing.T) {
	h := newHarness(t, failing("flaky"))
	step := taskStep("flaky")
	step.Retry = fixedRetry(2)
	run := h.start(workflow("exhaust", step))

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusFailed, rt.Status)
	require.NotNil(t, rt.Failure)
	assert.Equal(t, schema.ErrCodeRetryExhausted, rt.Failure.Code)
	assert.Equal(t, 2, rt.Failure.Attempt)
}

func TestEngine_NonRetryableErrorFailsImmediately(t *testing.T) {
	var calls atomic.Int32
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		calls.Add(1)
		return nil, schema.NewError(schema.ErrCodeValidation, "bad input")
	})
	h := newHarness(t, d)
	step := taskStep("a")
	step.Retry = fixedRetry(5)
	run := h.start(workflow("nonretry", step))

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusFailed, rt.Status)
	assert.Equal(t, schema.ErrCodeValidation, rt.Failure.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEngine_RetryFailedUsesDefaultRetry(t *testing.T) {
	var calls atomic.Int32
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		if req.StepID == "a" {
			calls.Add(1)
			return nil, errors.New("down")
		}
		return &StepResult{}, nil
	})
	h := newHarness(t, d)
	def := workflow("retry-failed", taskStep("a"), taskStep("b"))
	def.FailurePolicy = schema.RetryFailed
	def.DefaultRetry = fixedRetry(2)
	def.RetryFallback = schema.Continue
	def.RequiredSteps = []string{"b"}
	run := h.start(def)

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusCompleted, rt.Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, schema.StepStatusFailed, h.step(run.ID, "a").Status)
}

// --- deadlines ---

func TestEngine_StepTimeout(t *testing.T) {
	started := make(chan string, 1)
	h := newHarness(t, blockUntilCancelled(started))
	step := taskStep("slow")
	step.Resources.Timeout = "30ms"
	run := h.start(workflow("step-timeout", step))

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusFailed, rt.Status)
	require.NotNil(t, rt.Failure)
	assert.Equal(t, schema.ErrCodeDeadlineExceeded, rt.Failure.Code)
}

func TestEngine_RunTimeout(t *testing.T) {
	h := newHarness(t, echo)
	def := workflow("run-timeout", waitStep("approval"))
	def.Timeout = "40ms"
	run := h.start(def)
	require.NotNil(t, run.DeadlineAt)

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusTimeout, rt.Status)
	assert.Equal(t, schema.ErrCodeDeadlineExceeded, rt.Failure.Code)
	assert.Equal(t, schema.StepStatusCancelled, h.step(run.ID, "approval").Status)
	assert.Contains(t, h.eventTypes(run.ID), schema.EventTimeout)
}

// --- kinds ---

func TestEngine_WaitStepCompletesFromOutcome(t *testing.T) {
	h := newHarness(t, echo)
	run := h.start(workflow("wait", waitStep("approval"), taskStep("ship", "approval")))

	st := h.status(run.ID)
	assert.Equal(t, []string{"approval"}, st.Active)

	err := h.engine.ReportOutcome(context.Background(), Outcome{RunID: run.ID, StepID: "approval", Attempt: 2})
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition), "stale attempt")

	err = h.engine.ReportOutcome(context.Background(), Outcome{RunID: run.ID, StepID: "nope"})
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))

	require.NoError(t, h.engine.ReportOutcome(context.Background(), Outcome{
		RunID: run.ID, StepID: "approval", Attempt: 1, Output: json.RawMessage(`{"approved_by":"ops"}`),
	}))
	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusCompleted, rt.Status)
	assert.JSONEq(t, `{"approved_by":"ops"}`, string(rt.Outputs["approval"]))
}

func TestEngine_AsyncDispatch(t *testing.T) {
	reqs := make(chan DispatchRequest, 1)
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		reqs <- req
		return &StepResult{Async: true}, nil
	})
	h := newHarness(t, d)
	run := h.start(workflow("async", taskStep("remote")))

	req := <-reqs
	assert.Equal(t, run.ID, req.RunID)
	assert.Equal(t, 1, req.Attempt)
	assert.Equal(t, DefaultActor, req.Actor)
	assert.Equal(t, schema.StepStatusRunning, h.step(run.ID, "remote").Status)

	require.NoError(t, h.engine.ReportOutcome(context.Background(), Outcome{
		RunID: req.RunID, StepID: req.StepID, Attempt: req.Attempt, Output: json.RawMessage(`1`),
	}))
	assert.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)
}

func TestEngine_SubWorkflow(t *testing.T) {
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		if req.WorkflowName == "child" {
			return &StepResult{Output: json.RawMessage(`{"n":7}`)}, nil
		}
		return &StepResult{}, nil
	})
	h := newHarness(t, d)
	_, err := h.engine.Define(context.Background(), workflow("child", taskStep("x")))
	require.NoError(t, err)

	run := h.start(workflow("parent", subWorkflowStep("sub", "child"), taskStep("after", "sub")))
	rt := h.waitTerminal(run.ID)
	require.Equal(t, schema.WorkflowStatusCompleted, rt.Status)

	var out struct {
		RunID   string                     `json:"run_id"`
		Status  string                     `json:"status"`
		Outputs map[string]json.RawMessage `json:"outputs"`
	}
	require.NoError(t, json.Unmarshal(rt.Outputs["sub"], &out))
	assert.Equal(t, "completed", out.Status)
	assert.JSONEq(t, `{"n":7}`, string(out.Outputs["x"]))

	children, err := h.engine.ListRuns(context.Background(), store.RunFilter{WorkflowName: "child"})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, run.ID, children[0].ParentRunID)
	assert.Equal(t, "sub", children[0].ParentStepID)
}

func TestEngine_SubWorkflowFailurePropagates(t *testing.T) {
	h := newHarness(t, failing("x"))
	_, err := h.engine.Define(context.Background(), workflow("child", taskStep("x")))
	require.NoError(t, err)

	run := h.start(workflow("parent", subWorkflowStep("sub", "child")))
	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusFailed, rt.Status)
	require.NotNil(t, rt.Failure)
	assert.Equal(t, "sub", rt.Failure.StepID)
}

func TestEngine_SubWorkflowUnknownChildFailsStep(t *testing.T) {
	h := newHarness(t, echo)
	run := h.start(workflow("parent", subWorkflowStep("sub", "ghost")))
	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusFailed, rt.Status)
	assert.Equal(t, schema.ErrCodeNotFound, rt.Failure.Code)
}

// --- actors ---

type toggleActors struct{ up atomic.Bool }

func (a *toggleActors) Resolve(step schema.StepDefinition) string { return actorOf(step) }
func (a *toggleActors) Available(id string) bool                  { return id != "gpu" || a.up.Load() }

func TestEngine_UnavailableActorHoldsStep(t *testing.T) {
	actors := &toggleActors{}
	h := newHarness(t, echo, func(c *EngineConfig) { c.Actors = actors })
	h.engine.StartPolling(context.Background())

	step := taskStep("train")
	step.Actor = "gpu"
	run := h.start(workflow("held", step, taskStep("cpu")))

	require.Eventually(t, func() bool {
		return h.step(run.ID, "cpu").Status == schema.StepStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
	st := h.status(run.ID)
	assert.Equal(t, schema.WorkflowStatusRunning, st.Run.Status)
	assert.Equal(t, []string{"train"}, st.Waiting)

	actors.up.Store(true)
	assert.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)
	assert.Equal(t, "gpu", h.step(run.ID, "train").ActorID)
}

func TestEngine_BreakerRegistryRecordsOutcomes(t *testing.T) {
	breakers := NewBreakerActorRegistry(nil, BreakerConfig{FailureThreshold: 1, Cooldown: time.Hour})
	h := newHarness(t, failing("a"), func(c *EngineConfig) { c.Actors = breakers })
	run := h.start(workflow("breaker", taskStep("a")))

	require.Equal(t, schema.WorkflowStatusFailed, h.waitTerminal(run.ID).Status)
	assert.Equal(t, CircuitOpen, breakers.State(DefaultActor))
}

// --- internal failures ---

func TestEngine_DispatcherPanicFailsRun(t *testing.T) {
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		panic("handler bug")
	})
	h := newHarness(t, d)
	run := h.start(workflow("panic", taskStep("a")))

	rt := h.waitTerminal(run.ID)
	assert.Equal(t, schema.WorkflowStatusFailed, rt.Status)
	require.NotNil(t, rt.Failure)
	assert.Equal(t, schema.ErrCodeInternal, rt.Failure.Code)
	assert.Contains(t, rt.Failure.Message, "handler bug")
	assert.Contains(t, h.eventTypes(run.ID), schema.EventInternalFailure)
}

// --- variables ---

func TestEngine_SetVariable(t *testing.T) {
	h := newHarness(t, echo)
	def := workflow("setvar", waitStep("gate"), guardedStep("go", "region == 'eu'", "gate"))
	def.Variables = map[string]schema.VariableType{"region": schema.VarString}
	run := h.start(def)

	require.NoError(t, h.engine.SetVariable(context.Background(), run.ID, "region", "eu"))
	assert.True(t, schema.HasCode(h.engine.SetVariable(context.Background(), run.ID, "", 1), schema.ErrCodeValidation))

	require.NoError(t, h.engine.ReportOutcome(context.Background(), Outcome{RunID: run.ID, StepID: "gate"}))
	require.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(run.ID).Status)
	assert.Equal(t, schema.StepStatusCompleted, h.step(run.ID, "go").Status)
	assert.Equal(t, "eu", h.status(run.ID).Run.Variables["region"])

	err := h.engine.SetVariable(context.Background(), run.ID, "region", "us")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidTransition))
}

// --- recovery ---

func recoveryFixture(t *testing.T, ms *store.MemoryStore, retry *schema.RetryPolicy) string {
	t.Helper()
	ctx := context.Background()
	h := newHarnessOn(t, ms, echo)
	b := taskStep("b", "a")
	b.Retry = retry
	run, err := h.engine.CreateRun(ctx, RunRequest{Definition: workflow("recover", taskStep("a"), b)})
	require.NoError(t, err)
	require.NoError(t, h.engine.Prepare(ctx, run.ID))

	// Simulate a crash after a completed and b was handed to a dispatcher.
	snap, err := ms.LoadSnapshot(ctx, run.ID)
	require.NoError(t, err)
	now := time.Now().UTC()
	snap.Run.Status = schema.WorkflowStatusRunning
	snap.Run.StartedAt = &now
	snap.Run.Outputs = map[string]json.RawMessage{"a": json.RawMessage(`"done"`)}
	for _, st := range snap.Steps {
		switch st.StepID {
		case "a":
			st.Status, st.Attempt, st.Output = schema.StepStatusCompleted, 1, json.RawMessage(`"done"`)
		case "b":
			st.Status, st.Attempt, st.ActorID = schema.StepStatusRunning, 1, DefaultActor
		}
	}
	require.NoError(t, ms.SaveSnapshot(ctx, snap))
	return run.ID
}

func TestEngine_RecoverRedispatchesLostSteps(t *testing.T) {
	ms := store.NewMemoryStore()
	runID := recoveryFixture(t, ms, fixedRetry(3))

	var attempts []int
	var mu sync.Mutex
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		mu.Lock()
		attempts = append(attempts, req.Attempt)
		mu.Unlock()
		return &StepResult{}, nil
	})
	h := newHarnessOn(t, ms, d)

	n, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Equal(t, schema.WorkflowStatusCompleted, h.waitTerminal(runID).Status)
	mu.Lock()
	assert.Equal(t, []int{2}, attempts, "b is re-dispatched as attempt 2 and a is not re-run")
	mu.Unlock()

	n, err = h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "terminal runs are not recovered")
}

func TestEngine_RecoverSingleAttemptStepIsNotRerun(t *testing.T) {
	ms := store.NewMemoryStore()
	runID := recoveryFixture(t, ms, nil)

	var calls atomic.Int32
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		calls.Add(1)
		return &StepResult{}, nil
	})
	h := newHarnessOn(t, ms, d)

	n, err := h.engine.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rt := h.waitTerminal(runID)
	assert.Equal(t, schema.WorkflowStatusFailed, rt.Status)
	require.NotNil(t, rt.Failure)
	assert.Equal(t, "b", rt.Failure.StepID)
	assert.Equal(t, schema.ErrCodeInternal, rt.Failure.Code)
	assert.Zero(t, calls.Load(), "the lost attempt was the only one allowed")

	b := h.step(runID, "b")
	assert.Equal(t, schema.StepStatusFailed, b.Status)
	assert.Equal(t, 1, b.Attempt)
}

func TestEngine_RecoverExhaustedRetriesFailsStep(t *testing.T) {
	ms := store.NewMemoryStore()
	runID := recoveryFixture(t, ms, fixedRetry(1))

	var calls atomic.Int32
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		calls.Add(1)
		return &StepResult{}, nil
	})
	h := newHarnessOn(t, ms, d)
	_, err := h.engine.Recover(context.Background())
	require.NoError(t, err)

	assert.Equal(t, schema.WorkflowStatusFailed, h.waitTerminal(runID).Status)
	assert.Zero(t, calls.Load())
}

func TestEngine_RecoverAdoptsTerminalStatesFromEventLog(t *testing.T) {
	ms := store.NewMemoryStore()
	runID := recoveryFixture(t, ms, fixedRetry(3))

	// b's completion reached the event log but not the snapshot.
	payload, _ := json.Marshal(store.StepEventPayload{Attempt: 1, Output: json.RawMessage(`"from-log"`)})
	require.NoError(t, store.NewEventLog(ms).AppendEvent(context.Background(), &store.Event{
		RunID: runID, StepID: "b", Type: schema.EventStepCompleted, Payload: payload,
	}))

	var calls atomic.Int32
	d := DispatcherFunc(func(ctx context.Context, req DispatchRequest) (*StepResult, error) {
		calls.Add(1)
		return &StepResult{}, nil
	})
	h := newHarnessOn(t, ms, d)
	_, err := h.engine.Recover(context.Background())
	require.NoError(t, err)

	rt := h.waitTerminal(runID)
	assert.Equal(t, schema.WorkflowStatusCompleted, rt.Status)
	assert.Zero(t, calls.Load())
	assert.JSONEq(t, `"from-log"`, string(rt.Outputs["b"]))
}

func TestEngine_StatusOfUnknownRun(t *testing.T) {
	h := newHarness(t, echo)
	_, err := h.engine.Status(context.Background(), "nope")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}
