package engine

import (
	"context"
	"encoding/json"

	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// FailureAction is what happens to a run after one of its steps fails terminally.
type FailureAction int

const (
	ActionContinue FailureAction = iota // keep scheduling independent branches
	ActionFailRun                       // fail the run and cancel everything still open
	ActionPauseRun                      // pause for an operator decision
)

func (a FailureAction) String() string {
	switch a {
	case ActionContinue:
		return "continue"
	case ActionFailRun:
		return "fail_run"
	case ActionPauseRun:
		return "pause_run"
	}
	return "unknown"
}

// FailureHandlerResult describes how a terminal step failure propagates.
type FailureHandlerResult struct {
	Policy schema.FailurePolicy
	Action FailureAction
}

// HandleStepFailure applies the run's failure policy to a step that has failed
// terminally. The first failure of a run is recorded on run.Failure; later
// failures only reach the event log. retry_failed resolves to its fallback
// since retries were already exhausted by the time a step fails.
func HandleStepFailure(
	ctx context.Context,
	eventLog EventAppender,
	run *store.Run,
	dag *DAG,
	stepID string,
	attempt int,
	stepErr *schema.DagflowError,
) (*FailureHandlerResult, error) {
	policy := dag.EffectivePolicy()

	result := &FailureHandlerResult{Policy: policy}
	switch policy {
	case schema.Continue:
		result.Action = ActionContinue
	case schema.Manual:
		result.Action = ActionPauseRun
	default:
		result.Action = ActionFailRun
	}

	if run.Failure == nil {
		run.Failure = &store.Failure{
			StepID:  stepID,
			Attempt: attempt,
			Code:    stepErr.Code,
			Message: stepErr.Message,
		}
	}

	payload, _ := json.Marshal(map[string]any{
		"policy":  string(policy),
		"action":  result.Action.String(),
		"attempt": attempt,
		"code":    stepErr.Code,
		"error":   stepErr.Message,
	})
	err := eventLog.AppendEvent(ctx, &store.Event{
		RunID:   run.ID,
		StepID:  stepID,
		Type:    schema.EventFailurePolicy,
		Payload: payload,
	})
	if err != nil {
		return result, liftStoreError(err, "emit failure policy event").WithStep(stepID)
	}
	return result, nil
}
