package validation

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/dagflow/internal/expressions"
	"github.com/rendis/dagflow/pkg/schema"
)

// highRetryAttempts is the attempt count above which a retry policy draws a warning.
const highRetryAttempts = 10

// validateSemantic checks references and expressions that the structural stage
// cannot: handler registration, step references, guards and durations.
func validateSemantic(def *schema.WorkflowDefinition, lookup HandlerLookup) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		stepIDs[s.ID] = true
	}

	guards, err := expressions.NewGuardCompiler(def.Variables)
	if err != nil {
		result.AddError("variables", schema.ErrCodeValidation, err.Error())
	}

	wfTimeout := parseDuration("timeout", def.Timeout, result)
	for i := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		validateStep(&def.Steps[i], path, stepIDs, lookup, guards, wfTimeout, result)
	}

	for i, id := range def.RequiredSteps {
		if !stepIDs[id] {
			result.AddError(fmt.Sprintf("required_steps[%d]", i), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", id))
		}
	}

	validatePolicies(def, result)
	return result
}

func validateStep(step *schema.StepDefinition, path string, stepIDs map[string]bool, lookup HandlerLookup,
	guards *expressions.GuardCompiler, wfTimeout time.Duration, result *schema.ValidationResult) {
	kind := step.Kind
	if kind == "" {
		kind = schema.StepKindTask
	}

	switch kind {
	case schema.StepKindTask, schema.StepKindDecision, schema.StepKindParallel:
		if step.Handler == "" {
			result.AddError(path+".handler", schema.ErrCodeValidation,
				fmt.Sprintf("%s step requires a handler", kind))
		} else if lookup != nil && !lookup.Has(step.Handler) {
			result.AddError(path+".handler", schema.ErrCodeNotFound,
				fmt.Sprintf("handler %q not registered", step.Handler))
		}
	case schema.StepKindSubWorkflow:
		var cfg schema.SubWorkflowConfig
		if err := json.Unmarshal(step.Config, &cfg); err != nil || cfg.Workflow == "" {
			result.AddError(path+".config.workflow", schema.ErrCodeValidation,
				"sub_workflow step requires config.workflow")
		}
	case schema.StepKindWait:
		if step.Handler != "" {
			result.AddWarning(path+".handler", schema.ErrCodeValidation,
				"wait steps are never dispatched; handler is ignored")
		}
	}

	for j, dep := range step.DependsOn {
		switch {
		case dep == step.ID:
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeCycleDetected,
				"step depends on itself")
		case !stepIDs[dep]:
			result.AddError(fmt.Sprintf("%s.depends_on[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("references non-existent step %q", dep))
		}
	}
	for j, after := range step.RunAfter {
		if !stepIDs[after] || after == step.ID {
			result.AddError(fmt.Sprintf("%s.run_after[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("run_after references invalid step %q", after))
		}
	}

	if step.Guard != "" && guards != nil {
		if _, err := guards.Compile(step.Guard); err != nil {
			result.AddError(path+".guard", schema.ErrCodeValidation, err.Error())
		}
	}

	if step.Retry != nil {
		validateRetry(step.Retry, path+".retry", result)
	}

	stepTimeout := parseDuration(path+".resources.timeout", step.Resources.Timeout, result)
	if stepTimeout > 0 && wfTimeout > 0 && stepTimeout > wfTimeout {
		result.AddWarning(path+".resources.timeout", schema.ErrCodeValidation,
			fmt.Sprintf("step timeout (%s) exceeds workflow timeout (%s); the run deadline fires first",
				stepTimeout, wfTimeout))
	}
}

func validateRetry(p *schema.RetryPolicy, path string, result *schema.ValidationResult) {
	if p.MaxAttempts > highRetryAttempts {
		result.AddWarning(path+".max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high retry count (%d) may cause excessive delays", p.MaxAttempts))
	}
	initial := parseDuration(path+".initial_delay", p.InitialDelay, result)
	maxDelay := parseDuration(path+".max_delay", p.MaxDelay, result)
	if initial > 0 && maxDelay > 0 && maxDelay < initial {
		result.AddError(path+".max_delay", schema.ErrCodeValidation,
			fmt.Sprintf("max_delay (%s) is shorter than initial_delay (%s)", p.MaxDelay, p.InitialDelay))
	}
}

func validatePolicies(def *schema.WorkflowDefinition, result *schema.ValidationResult) {
	if def.FailurePolicy == schema.RetryFailed {
		if def.DefaultRetry == nil {
			result.AddWarning("default_retry", schema.ErrCodeValidation,
				"retry_failed without default_retry only retries steps that declare their own policy")
		}
	} else {
		if def.RetryFallback != "" {
			result.AddWarning("retry_fallback", schema.ErrCodeValidation,
				"retry_fallback only applies under the retry_failed policy")
		}
		if def.DefaultRetry != nil {
			result.AddWarning("default_retry", schema.ErrCodeValidation,
				"default_retry only applies under the retry_failed policy")
		}
	}
	if def.DefaultRetry != nil {
		validateRetry(def.DefaultRetry, "default_retry", result)
	}
}

// parseDuration reports an unparsable or non-positive duration and returns 0 for it.
func parseDuration(path, value string, result *schema.ValidationResult) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		result.AddError(path, schema.ErrCodeValidation, fmt.Sprintf("invalid duration %q", value))
		return 0
	}
	return d
}
