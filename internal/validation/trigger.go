package validation

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"

	"github.com/rendis/dagflow/internal/expressions"
	"github.com/rendis/dagflow/internal/store"
	"github.com/rendis/dagflow/pkg/schema"
)

// CronParser is the 5-field parser shared by trigger validation and the scheduler.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// TriggerValidator checks trigger configurations: struct tags first, then the
// expressions each kind carries (cron spec, event filter, input mapping).
type TriggerValidator struct {
	validate *validator.Validate
	filters  *expressions.ExprEngine
	mappings *expressions.GoJQEngine
}

// NewTriggerValidator creates a TriggerValidator.
func NewTriggerValidator() *TriggerValidator {
	return &TriggerValidator{
		validate: validator.New(validator.WithRequiredStructEnabled()),
		filters:  expressions.NewExprEngine(),
		mappings: expressions.NewGoJQEngine(),
	}
}

// Validate returns every problem with t as a ValidationResult.
func (v *TriggerValidator) Validate(t *store.Trigger) *schema.ValidationResult {
	result := &schema.ValidationResult{}
	if t == nil {
		result.AddError("/", schema.ErrCodeValidation, "trigger is nil")
		return result
	}

	if err := v.validate.Struct(t); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			result.AddError("/", schema.ErrCodeValidation, err.Error())
			return result
		}
		for _, fe := range fieldErrs {
			result.AddError(fe.Namespace(), schema.ErrCodeValidation, fieldMessage(fe))
		}
		return result
	}

	switch t.Kind {
	case schema.TriggerCron:
		if _, err := CronParser.Parse(t.CronExpression); err != nil {
			result.AddError("cron_expression", schema.ErrCodeValidation,
				fmt.Sprintf("invalid cron expression %q: %v", t.CronExpression, err))
		}
		if t.Timezone != "" {
			if _, err := time.LoadLocation(t.Timezone); err != nil {
				result.AddError("timezone", schema.ErrCodeValidation,
					fmt.Sprintf("unknown timezone %q", t.Timezone))
			}
		}
	case schema.TriggerEvent:
		if t.Filter != "" {
			if err := v.filters.Check(t.Filter); err != nil {
				result.AddError("filter", schema.ErrCodeValidation, err.Error())
			}
		}
	case schema.TriggerDependency:
		for i, wf := range t.Dependency.Workflows {
			if wf == t.WorkflowName {
				result.AddError(fmt.Sprintf("dependency.workflows[%d]", i), schema.ErrCodeCycleDetected,
					"workflow cannot depend on its own runs")
			}
		}
	}

	if t.Kind != schema.TriggerCron && t.CronExpression != "" {
		result.AddWarning("cron_expression", schema.ErrCodeValidation,
			fmt.Sprintf("cron_expression is ignored for %s triggers", t.Kind))
	}
	if t.Kind != schema.TriggerEvent && t.Filter != "" {
		result.AddWarning("filter", schema.ErrCodeValidation,
			fmt.Sprintf("filter is ignored for %s triggers", t.Kind))
	}

	for name, query := range t.InputMapping {
		if err := v.mappings.Check(query); err != nil {
			result.AddError("input_mapping."+name, schema.ErrCodeValidation, err.Error())
		}
	}

	return result
}

// ValidateTrigger returns a VALIDATION_ERROR when t is not a usable trigger.
func (v *TriggerValidator) ValidateTrigger(t *store.Trigger) error {
	return v.Validate(t).ToError()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "required_if":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %q", fe.Field(), fe.Param(), fmt.Sprint(fe.Value()))
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", fe.Field(), fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s failed %q validation", fe.Field(), fe.Tag())
}
