package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rendis/dagflow/internal/expressions"
	"github.com/rendis/dagflow/internal/logging"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// runController is the single writer of one run. Every mutation of the run or
// its step states happens under mu.
type runController struct {
	mu    sync.Mutex
	run   *store.Run
	dag   *DAG
	steps map[string]*store.StepState

	cancels    map[string]context.CancelFunc // in-flight dispatch contexts
	timers     map[string]*time.Timer        // per-step deadlines
	retryTimer *time.Timer
	deadline   *time.Timer

	children  map[string]string // step ID -> child run ID
	abandoned map[string]bool   // child runs whose outcome no longer counts
	finalized bool
}

func newRunController(run *store.Run, dag *DAG, states []*store.StepState) *runController {
	rc := &runController{
		run:       run,
		dag:       dag,
		steps:     make(map[string]*store.StepState, len(dag.Order)),
		cancels:   make(map[string]context.CancelFunc),
		timers:    make(map[string]*time.Timer),
		children:  make(map[string]string),
		abandoned: make(map[string]bool),
		finalized: run.Status.Terminal(),
	}
	if run.Variables == nil {
		run.Variables = make(map[string]any)
	}
	if run.Outputs == nil {
		run.Outputs = make(map[string]json.RawMessage)
	}
	for _, st := range states {
		rc.steps[st.StepID] = st
	}
	for _, id := range dag.Order {
		if _, ok := rc.steps[id]; !ok {
			rc.steps[id] = &store.StepState{RunID: run.ID, StepID: id, Status: schema.StepStatusPending}
		}
	}
	return rc
}

// stateList returns the step states in declaration order.
func (rc *runController) stateList() []*store.StepState {
	out := make([]*store.StepState, 0, len(rc.dag.Order))
	for _, id := range rc.dag.Order {
		out = append(out, rc.steps[id])
	}
	return out
}

func (rc *runController) stopRetryTimer() {
	if rc.retryTimer != nil {
		rc.retryTimer.Stop()
		rc.retryTimer = nil
	}
}

// effects are side effects collected under a run lock and performed after it
// is released.
type effects struct {
	launches       []launch
	children       []childStart
	cancelChildren []string
	terminal       *RunTerminal
}

type launch struct {
	ctx context.Context
	req DispatchRequest
}

type childStart struct {
	parentRunID string
	stepID      string
	attempt     int
	actor       string
	config      schema.SubWorkflowConfig
}

// settle drives a run as far as it can go without outside input, then persists
// it. Caller holds rc.mu.
func (e *engineImpl) settle(ctx context.Context, rc *runController, fx *effects) {
	if rc.run.Status == schema.WorkflowStatusRunning {
		if err := e.advance(ctx, rc, fx); err != nil {
			e.escalate(ctx, rc, err, fx)
		}
	}
	if err := e.persist(ctx, rc); err != nil {
		e.escalate(ctx, rc, err, fx)
		if err := e.persist(ctx, rc); err != nil {
			e.logger.ErrorContext(ctx, "persist run snapshot", slog.String("error", err.Error()))
		}
	}
	if rc.run.Status.Terminal() {
		e.finalize(rc, fx)
	}
}

// advance applies guard skips, dispatches whatever the resolver admits and
// closes the run once nothing can make progress.
func (e *engineImpl) advance(ctx context.Context, rc *runController, fx *effects) error {
	var res Resolution
	for {
		res = ResolveReady(ctx, rc.dag, rc.steps, e.resolveOptions(rc))
		if len(res.Skip) == 0 {
			break
		}
		for _, s := range res.Skip {
			if err := e.skipStep(ctx, rc, s); err != nil {
				return err
			}
		}
	}

	for _, id := range res.Retry {
		if err := e.dispatchStep(ctx, rc, id, fx); err != nil {
			return err
		}
	}
	for _, id := range res.Ready {
		if err := e.dispatchStep(ctx, rc, id, fx); err != nil {
			return err
		}
	}

	if res.NextRetryAt != nil {
		e.armRetry(rc, *res.NextRetryAt)
	}
	if res.Empty() {
		return e.closeRun(ctx, rc)
	}
	return nil
}

func (e *engineImpl) resolveOptions(rc *runController) ResolveOptions {
	return ResolveOptions{
		Now:       e.now(),
		Variables: rc.run.Variables,
		Outputs:   expressions.DecodeOutputs(rc.run.Outputs),
		Available: func(stepID string) bool {
			return e.actors.Available(e.actors.Resolve(rc.dag.Nodes[stepID].Def))
		},
	}
}

func (e *engineImpl) skipStep(ctx context.Context, rc *runController, s SkipDecision) error {
	if s.Err != nil {
		payload, _ := json.Marshal(map[string]any{
			"guard": rc.dag.Nodes[s.StepID].Def.Guard,
			"error": s.Err.Error(),
		})
		if err := e.audit.AppendEvent(ctx, &store.Event{
			RunID:   rc.run.ID,
			StepID:  s.StepID,
			Type:    schema.EventGuardError,
			Payload: payload,
		}); err != nil {
			return liftStoreError(err, "emit guard error").WithStep(s.StepID)
		}
	}
	return e.stepFSM.Transition(ctx, rc.steps[s.StepID], schema.StepStatusSkipped, StepTransition{Reason: s.Reason})
}

// actorAcquirer is implemented by registries that gate each dispatch.
type actorAcquirer interface {
	Acquire(actorID string) error
}

// dispatchStep moves a step to running and queues its work. A step whose actor
// refuses the dispatch is left as it is and picked up on a later pass.
func (e *engineImpl) dispatchStep(ctx context.Context, rc *runController, stepID string, fx *effects) error {
	node := rc.dag.Nodes[stepID]
	st := rc.steps[stepID]
	runID := rc.run.ID

	actor := e.actors.Resolve(node.Def)
	if acq, ok := e.actors.(actorAcquirer); ok {
		if err := acq.Acquire(actor); err != nil {
			e.logger.DebugContext(ctx, "actor refused dispatch",
				slog.String("step_id", stepID), slog.String("actor", actor), slog.String("error", err.Error()))
			return nil
		}
	}

	if err := e.stepFSM.Transition(ctx, st, schema.StepStatusRunning, StepTransition{Actor: actor}); err != nil {
		return err
	}
	attempt := st.Attempt

	if node.Timeout > 0 {
		timeout := node.Timeout
		rc.timers[stepID] = time.AfterFunc(timeout, func() {
			e.stepTimedOut(runID, stepID, attempt, timeout)
		})
	}

	switch node.Kind {
	case schema.StepKindWait:
		return nil
	case schema.StepKindSubWorkflow:
		var cfg schema.SubWorkflowConfig
		_ = json.Unmarshal(node.Def.Config, &cfg)
		fx.children = append(fx.children, childStart{
			parentRunID: runID,
			stepID:      stepID,
			attempt:     attempt,
			actor:       actor,
			config:      cfg,
		})
		return nil
	}

	base := logging.WithStepID(logging.WithRunID(context.Background(), runID), stepID)
	var (
		stepCtx context.Context
		cancel  context.CancelFunc
	)
	if node.Timeout > 0 {
		stepCtx, cancel = context.WithTimeout(base, node.Timeout)
	} else {
		stepCtx, cancel = context.WithCancel(base)
	}
	rc.cancels[stepID] = cancel

	fx.launches = append(fx.launches, launch{
		ctx: stepCtx,
		req: DispatchRequest{
			RunID:        runID,
			WorkflowName: rc.run.WorkflowName,
			StepID:       stepID,
			Kind:         node.Kind,
			Handler:      node.Def.Handler,
			Config:       node.Def.Config,
			Attempt:      attempt,
			Actor:        actor,
			Weight:       node.Def.Resources.Weight,
			Variables:    maps.Clone(rc.run.Variables),
			Outputs:      maps.Clone(rc.run.Outputs),
		},
	})
	return nil
}

// release tears down the in-flight machinery of a step that left running.
func (e *engineImpl) release(rc *runController, stepID string, fx *effects, abandonChild bool) {
	if cancel, ok := rc.cancels[stepID]; ok {
		cancel()
		delete(rc.cancels, stepID)
	}
	if t, ok := rc.timers[stepID]; ok {
		t.Stop()
		delete(rc.timers, stepID)
	}
	if child, ok := rc.children[stepID]; ok {
		delete(rc.children, stepID)
		if abandonChild {
			rc.abandoned[child] = true
			fx.cancelChildren = append(fx.cancelChildren, child)
		}
	}
}

// --- Outcomes ---

func (e *engineImpl) ReportOutcome(ctx context.Context, o Outcome) error {
	rc, err := e.controller(ctx, o.RunID)
	if err != nil {
		return err
	}
	ctx = logging.WithStepID(logging.WithRunID(ctx, o.RunID), o.StepID)

	rc.mu.Lock()
	st, ok := rc.steps[o.StepID]
	if !ok {
		rc.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "run %s has no step %q", o.RunID, o.StepID)
	}
	if rc.run.Status.Terminal() || st.Status != schema.StepStatusRunning || (o.Attempt > 0 && o.Attempt != st.Attempt) {
		rejected := schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"outcome for step %s attempt %d rejected: step is %s at attempt %d, run is %s",
			o.StepID, o.Attempt, st.Status, st.Attempt, rc.run.Status).WithStep(o.StepID)
		e.recordLate(ctx, rc, st, o)
		rc.mu.Unlock()
		return rejected
	}

	fx := &effects{}
	if o.Err == nil {
		err = e.completeStep(ctx, rc, st, o, fx)
	} else {
		err = e.failStep(ctx, rc, st, o.Err, fx)
	}
	if err != nil {
		e.escalate(ctx, rc, err, fx)
	}
	e.settle(ctx, rc, fx)
	rc.mu.Unlock()

	e.flush(fx)
	return nil
}

func (e *engineImpl) recordLate(ctx context.Context, rc *runController, st *store.StepState, o Outcome) {
	body := map[string]any{
		"attempt":         o.Attempt,
		"current_attempt": st.Attempt,
		"step_status":     string(st.Status),
		"run_status":      string(rc.run.Status),
	}
	if o.Err != nil {
		body["error"] = o.Err.Error()
	}
	payload, _ := json.Marshal(body)
	if err := e.audit.AppendEvent(ctx, &store.Event{
		RunID:   rc.run.ID,
		StepID:  st.StepID,
		Type:    schema.EventLateCompletion,
		Payload: payload,
	}); err != nil {
		e.logger.ErrorContext(ctx, "record late completion", slog.String("error", err.Error()))
	}
}

func (e *engineImpl) completeStep(ctx context.Context, rc *runController, st *store.StepState, o Outcome, fx *effects) error {
	e.release(rc, st.StepID, fx, false)
	e.recordActorOutcome(st.ActorID, nil)

	if err := e.stepFSM.Transition(ctx, st, schema.StepStatusCompleted, StepTransition{Actor: st.ActorID, Output: o.Output}); err != nil {
		return err
	}
	if _, exists := rc.run.Outputs[st.StepID]; !exists && len(o.Output) > 0 {
		rc.run.Outputs[st.StepID] = o.Output
	}
	if len(o.Variables) > 0 {
		return e.setVariables(ctx, rc, o.Variables, st.StepID)
	}
	return nil
}

func (e *engineImpl) failStep(ctx context.Context, rc *runController, st *store.StepState, cause error, fx *effects) error {
	stepID := st.StepID
	attempt := st.Attempt
	e.release(rc, stepID, fx, true)
	e.recordActorOutcome(st.ActorID, cause)

	decision := e.retry.Decide(rc.dag.RetryFor(stepID), attempt, cause)
	if decision.Retry {
		at := decision.NextAttemptAt
		e.logger.InfoContext(ctx, "step retry scheduled",
			slog.Int("attempt", attempt), slog.Duration("delay", decision.Delay), slog.String("error", cause.Error()))
		return e.stepFSM.Transition(ctx, st, schema.StepStatusRetrying, StepTransition{
			Actor:         st.ActorID,
			Reason:        cause.Error(),
			Err:           stepErrorOf(cause, attempt),
			NextAttempt:   decision.NextAttempt,
			NextAttemptAt: &at,
		})
	}

	terr := decision.Err
	if terr.StepID == "" {
		terr.WithStep(stepID)
	}
	e.logger.WarnContext(ctx, "step failed", slog.Int("attempt", attempt), slog.String("code", terr.Code), slog.String("error", terr.Message))
	if err := e.stepFSM.Transition(ctx, st, schema.StepStatusFailed, StepTransition{
		Actor:  st.ActorID,
		Reason: terr.Message,
		Err:    &store.StepError{Code: terr.Code, Message: terr.Message, Attempt: attempt},
	}); err != nil {
		return err
	}

	res, err := HandleStepFailure(ctx, e.audit, rc.run, rc.dag, stepID, attempt, terr)
	if err != nil {
		return err
	}
	switch res.Action {
	case ActionFailRun:
		return e.terminate(ctx, rc, schema.WorkflowStatusFailed, TransitionInfo{
			Reason:  fmt.Sprintf("step %s failed: %s", stepID, terr.Message),
			Payload: map[string]any{"step_id": stepID, "code": terr.Code},
		}, fx)
	case ActionPauseRun:
		if rc.run.Status == schema.WorkflowStatusRunning {
			return e.wfFSM.Transition(ctx, rc.run, schema.WorkflowStatusPaused, TransitionInfo{
				Reason:  fmt.Sprintf("step %s failed: awaiting operator", stepID),
				Payload: map[string]any{"step_id": stepID, "code": terr.Code},
			})
		}
	}
	return nil
}

func stepErrorOf(err error, attempt int) *store.StepError {
	code := schema.ErrorCode(err)
	if code == "" {
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			code = schema.ErrCodeDeadlineExceeded
		case errors.Is(err, context.Canceled):
			code = schema.ErrCodeCancelled
		default:
			code = schema.ErrCodeStepExecution
		}
	}
	return &store.StepError{Code: code, Message: err.Error(), Attempt: attempt}
}

func (e *engineImpl) recordActorOutcome(actorID string, err error) {
	rec, ok := e.actors.(OutcomeRecorder)
	if !ok || actorID == "" {
		return
	}
	if err == nil {
		rec.RecordSuccess(actorID)
		return
	}
	if IsRetryableError(err) {
		rec.RecordFailure(actorID)
	}
}

func (e *engineImpl) setVariables(ctx context.Context, rc *runController, vars map[string]any, sourceStep string) error {
	names := slices.Sorted(maps.Keys(vars))
	payload, _ := json.Marshal(map[string]any{"names": names, "values": vars})
	if err := e.audit.AppendEvent(ctx, &store.Event{
		RunID:   rc.run.ID,
		StepID:  sourceStep,
		Type:    schema.EventVariableSet,
		Payload: payload,
	}); err != nil {
		return liftStoreError(err, "emit variable event")
	}
	maps.Copy(rc.run.Variables, vars)
	return nil
}

// --- Termination ---

// terminate moves the run to a terminal status through the cancellation cascade.
func (e *engineImpl) terminate(ctx context.Context, rc *runController, to schema.WorkflowStatus, info TransitionInfo, fx *effects) error {
	cancelled, err := TerminateRun(ctx, e.wfFSM, e.stepFSM, rc.run, rc.stateList(), to, info)
	for _, st := range cancelled {
		e.release(rc, st.StepID, fx, true)
	}
	if err == nil {
		e.logger.InfoContext(ctx, "run terminated",
			slog.String("status", string(to)), slog.String("reason", info.Reason), slog.Int("cancelled_steps", len(cancelled)))
	}
	return err
}

// closeRun decides the final status of a run with nothing left to do.
// Pending steps at this point are unreachable and get cancelled.
func (e *engineImpl) closeRun(ctx context.Context, rc *runController) error {
	for _, st := range rc.stateList() {
		if st.Status != schema.StepStatusPending {
			continue
		}
		if err := e.stepFSM.Transition(ctx, st, schema.StepStatusCancelled, StepTransition{Reason: "dependency failed"}); err != nil {
			return err
		}
	}

	for _, id := range rc.dag.Required {
		st := rc.steps[id]
		if st.Status.Satisfies() {
			continue
		}
		if rc.run.Failure == nil {
			rc.run.Failure = &store.Failure{
				StepID:  id,
				Code:    schema.ErrCodeStepExecution,
				Message: fmt.Sprintf("required step %s did not complete", id),
			}
		}
		return e.wfFSM.Transition(ctx, rc.run, schema.WorkflowStatusFailed, TransitionInfo{
			Reason:  fmt.Sprintf("required step %s is %s", id, st.Status),
			Payload: map[string]any{"step_id": id},
		})
	}

	e.logger.InfoContext(ctx, "run completed", slog.Int("steps", len(rc.dag.Order)))
	return e.wfFSM.Transition(ctx, rc.run, schema.WorkflowStatusCompleted, TransitionInfo{})
}

// escalate fails a run with INTERNAL_ERROR after a store failure or panic.
func (e *engineImpl) escalate(ctx context.Context, rc *runController, cause error, fx *effects) {
	e.logger.ErrorContext(ctx, "internal failure", slog.String("run_id", rc.run.ID), slog.String("error", cause.Error()))
	if rc.run.Status.Terminal() {
		return
	}

	payload, _ := json.Marshal(map[string]any{"error": cause.Error(), "code": schema.ErrorCode(cause)})
	if err := e.audit.AppendEvent(ctx, &store.Event{RunID: rc.run.ID, Type: schema.EventInternalFailure, Payload: payload}); err != nil {
		e.logger.ErrorContext(ctx, "record internal failure", slog.String("error", err.Error()))
	}

	rc.run.Failure = &store.Failure{Code: schema.ErrCodeInternal, Message: cause.Error()}
	if err := e.terminate(ctx, rc, schema.WorkflowStatusFailed, TransitionInfo{Reason: "internal failure"}, fx); err != nil {
		e.logger.ErrorContext(ctx, "fail run after internal failure", slog.String("error", err.Error()))
	}
}

// escalateRun is escalate for callers that do not hold the run lock.
func (e *engineImpl) escalateRun(runID string, cause error) {
	ctx := logging.WithRunID(context.Background(), runID)
	rc, err := e.controller(ctx, runID)
	if err != nil {
		e.logger.ErrorContext(ctx, "escalate internal failure", slog.String("error", err.Error()))
		return
	}
	fx := &effects{}
	rc.mu.Lock()
	e.escalate(ctx, rc, cause, fx)
	e.settle(ctx, rc, fx)
	rc.mu.Unlock()
	e.flush(fx)
}

// finalize stops every timer and in-flight dispatch of a terminal run and
// prepares the terminal notification. It runs once per run.
func (e *engineImpl) finalize(rc *runController, fx *effects) {
	if rc.finalized {
		return
	}
	rc.finalized = true

	for id := range rc.cancels {
		e.release(rc, id, fx, true)
	}
	for id := range rc.timers {
		e.release(rc, id, fx, true)
	}
	abandon := rc.run.Status != schema.WorkflowStatusCompleted
	for id := range rc.children {
		e.release(rc, id, fx, abandon)
	}
	rc.stopRetryTimer()
	if rc.deadline != nil {
		rc.deadline.Stop()
		rc.deadline = nil
	}

	fx.launches = nil
	fx.children = nil
	fx.terminal = &RunTerminal{
		RunID:        rc.run.ID,
		WorkflowName: rc.run.WorkflowName,
		TriggerID:    rc.run.TriggerID,
		ParentRunID:  rc.run.ParentRunID,
		ParentStepID: rc.run.ParentStepID,
		Status:       rc.run.Status,
		Outputs:      maps.Clone(rc.run.Outputs),
	}
	if rc.run.Failure != nil {
		f := *rc.run.Failure
		fx.terminal.Failure = &f
	}
}

func (e *engineImpl) persist(ctx context.Context, rc *runController) error {
	states := rc.stateList()
	rc.run.Progress = AggregateProgress(states)
	rc.run.UpdatedAt = e.now()
	if err := e.store.SaveSnapshot(ctx, &store.RunSnapshot{Run: rc.run, Steps: states}); err != nil {
		return liftStoreError(err, "save run snapshot")
	}
	return nil
}

// --- Side effects (no locks held) ---

func (e *engineImpl) flush(fx *effects) {
	for _, l := range fx.launches {
		e.launch(l)
	}
	for _, c := range fx.children {
		e.startChild(c)
	}
	for _, id := range fx.cancelChildren {
		e.wg.Add(1)
		go func(childID string) {
			defer e.wg.Done()
			err := e.Cancel(context.Background(), childID, "parent step abandoned")
			if err != nil && !schema.HasCode(err, schema.ErrCodeInvalidTransition) && !schema.HasCode(err, schema.ErrCodeNotFound) {
				e.logger.Error("cancel child run", slog.String("run_id", childID), slog.String("error", err.Error()))
			}
		}(id)
	}
	if fx.terminal != nil {
		e.forget(fx.terminal.RunID)
		e.notify(*fx.terminal)
	}
}

func (e *engineImpl) launch(l launch) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		err := e.pool.Submit(l.ctx, func(ctx context.Context) error {
			return e.execute(ctx, l.req)
		})
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}
		// The step never reached a worker: pool shut down or its deadline passed while queued.
		e.report(l.ctx, Outcome{RunID: l.req.RunID, StepID: l.req.StepID, Attempt: l.req.Attempt, Err: err})
	}()
}

func (e *engineImpl) execute(ctx context.Context, req DispatchRequest) error {
	defer func() {
		if r := recover(); r != nil {
			e.escalateRun(req.RunID, fmt.Errorf("step %s dispatch panicked: %v", req.StepID, r))
			panic(r)
		}
	}()

	res, err := e.dispatcher.Dispatch(ctx, req)
	if err == nil && res != nil && res.Async {
		return nil
	}
	o := Outcome{RunID: req.RunID, StepID: req.StepID, Attempt: req.Attempt, Err: err}
	if res != nil {
		o.Output = res.Output
		o.Variables = res.Variables
	}
	e.report(ctx, o)
	return err
}

// report delivers an engine-originated outcome; rejections are already audited.
func (e *engineImpl) report(ctx context.Context, o Outcome) {
	err := e.ReportOutcome(context.WithoutCancel(ctx), o)
	if err != nil && !schema.HasCode(err, schema.ErrCodeInvalidTransition) {
		e.logger.ErrorContext(ctx, "report step outcome",
			slog.String("run_id", o.RunID), slog.String("step_id", o.StepID), slog.String("error", err.Error()))
	}
}

func (e *engineImpl) stepTimedOut(runID, stepID string, attempt int, timeout time.Duration) {
	err := schema.NewErrorf(schema.ErrCodeDeadlineExceeded, "step %s exceeded its %s timeout", stepID, timeout).WithStep(stepID)
	e.report(context.Background(), Outcome{RunID: runID, StepID: stepID, Attempt: attempt, Err: err})
}

// --- Sub-workflows ---

func (e *engineImpl) startChild(c childStart) {
	ctx := logging.WithStepID(logging.WithRunID(context.Background(), c.parentRunID), c.stepID)
	child, err := e.StartRun(ctx, RunRequest{
		WorkflowName: c.config.Workflow,
		Variables:    c.config.Variables,
		ParentRunID:  c.parentRunID,
		ParentStepID: c.stepID,
		Actor:        c.actor,
	})
	if err != nil {
		e.report(ctx, Outcome{RunID: c.parentRunID, StepID: c.stepID, Attempt: c.attempt, Err: err})
		return
	}

	rc, err := e.controller(ctx, c.parentRunID)
	if err != nil {
		return
	}
	rc.mu.Lock()
	st := rc.steps[c.stepID]
	orphaned := rc.run.Status.Terminal() || st.Status != schema.StepStatusRunning || st.Attempt != c.attempt
	if orphaned {
		rc.abandoned[child.ID] = true
	} else if !child.Status.Terminal() {
		rc.children[c.stepID] = child.ID
	}
	rc.mu.Unlock()

	if orphaned && !child.Status.Terminal() {
		_ = e.Cancel(ctx, child.ID, "parent step abandoned")
	}
	e.logger.InfoContext(ctx, "sub-workflow started", slog.String("child_run_id", child.ID), slog.String("workflow", c.config.Workflow))
}

// childTerminated completes the parent step of a finished sub-workflow run.
func (e *engineImpl) childTerminated(t RunTerminal) {
	ctx := logging.WithStepID(logging.WithRunID(context.Background(), t.ParentRunID), t.ParentStepID)
	rc, err := e.controller(ctx, t.ParentRunID)
	if err != nil {
		return
	}
	rc.mu.Lock()
	ignore := rc.abandoned[t.RunID]
	if cur, ok := rc.children[t.ParentStepID]; ok && cur != t.RunID {
		ignore = true
	}
	rc.mu.Unlock()
	if ignore {
		return
	}

	o := Outcome{RunID: t.ParentRunID, StepID: t.ParentStepID}
	o.Output, _ = json.Marshal(map[string]any{"run_id": t.RunID, "status": t.Status, "outputs": t.Outputs})
	if t.Status != schema.WorkflowStatusCompleted {
		code := schema.ErrCodeStepExecution
		switch t.Status {
		case schema.WorkflowStatusCancelled:
			code = schema.ErrCodeCancelled
		case schema.WorkflowStatusTimeout:
			code = schema.ErrCodeDeadlineExceeded
		}
		msg := fmt.Sprintf("sub-workflow run %s ended %s", t.RunID, t.Status)
		if t.Failure != nil {
			msg += ": " + t.Failure.Message
		}
		o.Err = schema.NewError(code, msg).WithDetails(map[string]any{"child_run_id": t.RunID})
	}
	e.report(ctx, o)
}

// --- Timers ---

func (e *engineImpl) armRetry(rc *runController, at time.Time) {
	rc.stopRetryTimer()
	runID := rc.run.ID
	rc.retryTimer = time.AfterFunc(max(at.Sub(e.now()), 0), func() { e.wake(runID) })
}

func (e *engineImpl) armDeadline(rc *runController) {
	if rc.run.DeadlineAt == nil {
		return
	}
	if rc.deadline != nil {
		rc.deadline.Stop()
	}
	runID := rc.run.ID
	rc.deadline = time.AfterFunc(max(rc.run.DeadlineAt.Sub(e.now()), 0), func() { e.expire(runID) })
}

// errIdle aborts a timer callback that finds nothing to do.
var errIdle = errors.New("run is idle")

// wake re-schedules a running run.
func (e *engineImpl) wake(runID string) {
	ctx := logging.WithRunID(context.Background(), runID)
	err := e.withRun(ctx, runID, func(_ context.Context, rc *runController, _ *effects) error {
		if rc.run.Status != schema.WorkflowStatusRunning {
			return errIdle
		}
		return nil
	})
	if err != nil && !errors.Is(err, errIdle) && !schema.HasCode(err, schema.ErrCodeNotFound) {
		e.logger.ErrorContext(ctx, "wake run", slog.String("error", err.Error()))
	}
}

// expire times a run out once its deadline passes.
func (e *engineImpl) expire(runID string) {
	ctx := logging.WithRunID(context.Background(), runID)
	err := e.withRun(ctx, runID, func(ctx context.Context, rc *runController, fx *effects) error {
		if rc.run.Status.Terminal() {
			return errIdle
		}
		if rc.run.Failure == nil {
			rc.run.Failure = &store.Failure{
				Code:    schema.ErrCodeDeadlineExceeded,
				Message: fmt.Sprintf("run exceeded its %s deadline", rc.dag.Timeout),
			}
		}
		return e.terminate(ctx, rc, schema.WorkflowStatusTimeout, TransitionInfo{Reason: "run deadline exceeded"}, fx)
	})
	if err != nil && !errors.Is(err, errIdle) {
		e.logger.ErrorContext(ctx, "expire run", slog.String("error", err.Error()))
	}
}
