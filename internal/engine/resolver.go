package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// ResolveOptions carries the per-call inputs of ResolveReady.
type ResolveOptions struct {
	Now       time.Time
	Variables map[string]any
	Outputs   map[string]any // decoded outputs of completed steps

	// Available reports whether the actor for a step can accept work.
	// nil means every step is dispatchable.
	Available func(stepID string) bool
}

// SkipDecision is a pending step whose guard resolved it to skipped.
type SkipDecision struct {
	StepID string
	Reason string
	Err    *schema.DagflowError // set when the guard failed to evaluate
}

// Resolution is the result of one ResolveReady call.
// Ready and Retry never hold more steps than the remaining concurrency budget.
type Resolution struct {
	Ready   []string       // pending steps to dispatch, in dispatch order
	Retry   []string       // retrying steps whose backoff has elapsed, in dispatch order
	Skip    []SkipDecision // pending steps to skip
	Held    []string       // eligible but over budget or actor unavailable
	Delayed []string       // retrying steps still inside their backoff window
	Blocked []string       // pending steps with a failed or cancelled dependency
	Active  []string       // running steps

	// NextRetryAt is the earliest backoff expiry among Delayed, if any.
	NextRetryAt *time.Time
}

// Waiting returns the steps that are eligible but not dispatched yet.
func (r Resolution) Waiting() []string {
	out := make([]string, 0, len(r.Held)+len(r.Delayed))
	out = append(out, r.Held...)
	return append(out, r.Delayed...)
}

// Empty reports whether nothing can make progress on its own.
func (r Resolution) Empty() bool {
	return len(r.Ready) == 0 && len(r.Retry) == 0 && len(r.Skip) == 0 &&
		len(r.Held) == 0 && len(r.Delayed) == 0 && len(r.Active) == 0
}

// ResolveReady computes which steps can be dispatched now.
//
// A pending step is ready when every hard dependency is completed or skipped
// and its guard, if any, evaluates true. A false guard, or one that fails to
// evaluate, yields a skip decision instead. Retrying steps whose backoff has
// elapsed consume the concurrency budget before newly ready steps. Both lists
// are ordered by priority band, then declaration order.
//
// ResolveReady has no side effects: calling it twice on the same state yields
// the same Resolution. Steps missing from states are treated as pending.
func ResolveReady(ctx context.Context, dag *DAG, states map[string]*store.StepState, opts ResolveOptions) Resolution {
	var (
		res       Resolution
		retries   []string
		candidate []string
	)

	status := func(id string) schema.StepStatus {
		if st, ok := states[id]; ok {
			return st.Status
		}
		return schema.StepStatusPending
	}

	for _, id := range dag.Order {
		switch status(id) {
		case schema.StepStatusRunning:
			res.Active = append(res.Active, id)

		case schema.StepStatusRetrying:
			next := states[id].NextAttemptAt
			if next == nil || !next.After(opts.Now) {
				retries = append(retries, id)
				continue
			}
			res.Delayed = append(res.Delayed, id)
			if res.NextRetryAt == nil || next.Before(*res.NextRetryAt) {
				t := *next
				res.NextRetryAt = &t
			}

		case schema.StepStatusPending:
			satisfied, blocked := dependencyState(dag, id, status)
			if blocked {
				res.Blocked = append(res.Blocked, id)
				continue
			}
			if !satisfied {
				continue
			}
			if skip, ok := evaluateGuard(ctx, dag.Nodes[id], opts); ok {
				res.Skip = append(res.Skip, skip)
				continue
			}
			candidate = append(candidate, id)
		}
	}

	byPriority(dag, retries)
	byPriority(dag, candidate)

	budget := -1
	if dag.MaxConcurrency > 0 {
		budget = dag.MaxConcurrency - len(res.Active)
		if budget < 0 {
			budget = 0
		}
	}

	admit := func(ids []string, into *[]string) {
		for _, id := range ids {
			if opts.Available != nil && !opts.Available(id) {
				res.Held = append(res.Held, id)
				continue
			}
			if budget == 0 {
				res.Held = append(res.Held, id)
				continue
			}
			*into = append(*into, id)
			if budget > 0 {
				budget--
			}
		}
	}
	admit(retries, &res.Retry)
	admit(candidate, &res.Ready)

	return res
}

// dependencyState reports whether all hard dependencies of id are satisfied,
// and whether any of them ended in a way that can never satisfy it.
func dependencyState(dag *DAG, id string, status func(string) schema.StepStatus) (satisfied, blocked bool) {
	satisfied = true
	for _, dep := range dag.Edges[id] {
		s := status(dep)
		if s.Satisfies() {
			continue
		}
		satisfied = false
		if s.Terminal() {
			return false, true
		}
	}
	return satisfied, false
}

// evaluateGuard returns a skip decision when the node's guard does not pass.
func evaluateGuard(ctx context.Context, node *Node, opts ResolveOptions) (SkipDecision, bool) {
	if node.Guard == nil {
		return SkipDecision{}, false
	}
	ok, err := node.Guard.Eval(ctx, opts.Variables, opts.Outputs)
	if err != nil {
		var dErr *schema.DagflowError
		if !errors.As(err, &dErr) {
			dErr = schema.NewError(schema.ErrCodeGuardEvaluation, err.Error()).WithCause(err)
		}
		return SkipDecision{
			StepID: node.Def.ID,
			Reason: "guard evaluation error: " + dErr.Message,
			Err:    dErr.WithStep(node.Def.ID),
		}, true
	}
	if !ok {
		return SkipDecision{StepID: node.Def.ID, Reason: "guard evaluated to false"}, true
	}
	return SkipDecision{}, false
}

func byPriority(dag *DAG, ids []string) {
	sort.SliceStable(ids, func(i, j int) bool {
		a, b := dag.Nodes[ids[i]], dag.Nodes[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.Index < b.Index
	})
}
