package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/dagflow/internal/logging"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// Recover reloads every non-terminal run and resumes scheduling it.
//
// The persisted snapshot is the source of truth; the event log is replayed
// only to catch step transitions that were audited but not yet snapshotted.
// Dispatcher-driven steps that were running when the process died are
// re-dispatched as a new attempt while their retry policy allows one. Wait and sub-workflow steps stay running:
// their outcome arrives from outside.
func (e *engineImpl) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ListRuns(ctx, store.RunFilter{ActiveOnly: true})
	if err != nil {
		return 0, liftStoreError(err, "list active runs")
	}

	recovered := 0
	for _, run := range runs {
		if run.Status == schema.WorkflowStatusDraft || e.isLive(run.ID) {
			continue
		}
		if err := e.recoverRun(ctx, run.ID); err != nil {
			e.logger.ErrorContext(logging.WithRunID(ctx, run.ID), "recover run", slog.String("error", err.Error()))
			continue
		}
		recovered++
	}
	e.logger.InfoContext(ctx, "recovery complete", slog.Int("runs", recovered), slog.Int("candidates", len(runs)))
	return recovered, nil
}

func (e *engineImpl) recoverRun(ctx context.Context, runID string) error {
	return e.withRun(ctx, runID, func(ctx context.Context, rc *runController, fx *effects) error {
		e.reconcile(ctx, rc)

		if rc.run.Status == schema.WorkflowStatusPending {
			return nil
		}
		for _, id := range rc.dag.Order {
			st := rc.steps[id]
			if st.Status != schema.StepStatusRunning {
				continue
			}
			switch rc.dag.Nodes[id].Kind {
			case schema.StepKindWait, schema.StepKindSubWorkflow:
				continue
			}
			if err := e.recoverLostStep(ctx, rc, st, fx); err != nil {
				return err
			}
			if rc.run.Status.Terminal() {
				return nil
			}
		}

		if rc.run.DeadlineAt != nil && !rc.run.Status.Terminal() {
			if !rc.run.DeadlineAt.After(e.now()) {
				if rc.run.Failure == nil {
					rc.run.Failure = &store.Failure{Code: schema.ErrCodeDeadlineExceeded, Message: "run deadline passed while the engine was down"}
				}
				return e.terminate(ctx, rc, schema.WorkflowStatusTimeout, TransitionInfo{Reason: "run deadline exceeded"}, fx)
			}
			e.armDeadline(rc)
		}
		e.logger.InfoContext(ctx, "run recovered", slog.String("status", string(rc.run.Status)))
		return nil
	})
}

// recoverLostStep re-dispatches a step whose dispatch died with the process.
// The lost attempt counts: a step with no attempts left fails with
// INTERNAL_ERROR and goes through the failure policy. Caller holds rc.mu.
func (e *engineImpl) recoverLostStep(ctx context.Context, rc *runController, st *store.StepState, fx *effects) error {
	maxAttempts := 1
	if spec := rc.dag.RetryFor(st.StepID); spec != nil {
		maxAttempts = spec.MaxAttempts
	}
	if st.Attempt >= maxAttempts {
		e.logger.WarnContext(ctx, "lost step has no attempts left",
			slog.String("step_id", st.StepID), slog.Int("attempt", st.Attempt), slog.Int("max_attempts", maxAttempts))
		lost := schema.NewErrorf(schema.ErrCodeInternal, "dispatch lost on restart after attempt %d", st.Attempt).
			WithStep(st.StepID)
		return e.failStep(ctx, rc, st, lost, fx)
	}

	now := e.now()
	return e.stepFSM.Transition(ctx, st, schema.StepStatusRetrying, StepTransition{
		Actor:  st.ActorID,
		Reason: "dispatch lost on restart",
		Err: &store.StepError{
			Code:    schema.ErrCodeInternal,
			Message: "dispatch lost on restart",
			Attempt: st.Attempt,
		},
		NextAttempt:   st.Attempt + 1,
		NextAttemptAt: &now,
	})
}

func (e *engineImpl) isLive(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.runs[runID]
	return ok
}

// reconcile adopts terminal step states that reached the event log but not
// the snapshot. Caller holds rc.mu.
func (e *engineImpl) reconcile(ctx context.Context, rc *runController) {
	replayed, err := e.events.ReplayStepStatuses(ctx, rc.run.ID)
	if err != nil {
		e.logger.WarnContext(ctx, "event log replay failed; using snapshot", slog.String("error", err.Error()))
		return
	}
	for id, ev := range replayed {
		st, ok := rc.steps[id]
		if !ok || st.Status.Terminal() || !ev.Status.Terminal() {
			continue
		}
		e.logger.WarnContext(ctx, "adopting step state from event log",
			slog.String("step_id", id), slog.String("snapshot", string(st.Status)), slog.String("log", string(ev.Status)))
		ev.RunID = rc.run.ID
		rc.steps[id] = ev
		if ev.Status == schema.StepStatusCompleted && len(ev.Output) > 0 {
			if _, exists := rc.run.Outputs[id]; !exists {
				rc.run.Outputs[id] = ev.Output
			}
		}
	}
}

// StartPolling re-schedules every live run each PollInterval so steps held by
// an unavailable actor are picked up once it recovers.
func (e *engineImpl) StartPolling(ctx context.Context) {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	if e.pollStop != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	e.pollStop = cancel
	e.pollDone = make(chan struct{})
	done := e.pollDone

	go func() {
		defer close(done)
		ticker := time.NewTicker(e.config.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, rc := range e.liveRuns() {
					e.wake(rc.run.ID)
				}
			}
		}
	}()
	e.logger.InfoContext(ctx, "polling started", slog.Duration("interval", e.config.PollInterval))
}

func (e *engineImpl) Stop() {
	e.pollMu.Lock()
	stop, done := e.pollStop, e.pollDone
	e.pollStop, e.pollDone = nil, nil
	e.pollMu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	e.wg.Wait()
	e.pool.Wait()
}
