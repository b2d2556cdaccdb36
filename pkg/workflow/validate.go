package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/expressions"
)

// Validate checks structural and expression validity of a definition.  All
// problems are reported, not just the first.
func (d *Definition) Validate(ctx context.Context) error {
	var err *multierror.Error

	if d.ID == uuid.Nil {
		err = multierror.Append(err, fmt.Errorf("workflow id is required"))
	}
	if d.TenantID == uuid.Nil {
		err = multierror.Append(err, fmt.Errorf("workflow tenant_id is required"))
	}
	if d.Name == "" {
		err = multierror.Append(err, fmt.Errorf("workflow name is required"))
	}
	if d.Trigger.EventName == "" {
		err = multierror.Append(err, fmt.Errorf("trigger event name is required"))
	}
	if d.Trigger.Filter != "" {
		if eerr := expressions.Validate(ctx, d.Trigger.Filter); eerr != nil {
			err = multierror.Append(err, fmt.Errorf("trigger filter: %w", eerr))
		}
	}
	switch d.EnrollmentPolicy {
	case EnrollmentSingle, EnrollmentMultiple:
	default:
		err = multierror.Append(err, fmt.Errorf("unknown enrollment policy %q", d.EnrollmentPolicy))
	}
	if len(d.Steps) > consts.MaxStepCount {
		err = multierror.Append(err, fmt.Errorf("workflow exceeds %d steps", consts.MaxStepCount))
	}

	for i, step := range d.Steps {
		if serr := d.validateStep(ctx, i, step); serr != nil {
			err = multierror.Append(err, serr)
		}
	}

	if d.Goal != nil {
		if d.Goal.Criteria == "" {
			err = multierror.Append(err, fmt.Errorf("goal criteria is required when a goal is set"))
		} else if gerr := expressions.Validate(ctx, d.Goal.Criteria); gerr != nil {
			err = multierror.Append(err, fmt.Errorf("goal criteria: %w", gerr))
		}
	}

	d.Slugify()
	return err.ErrorOrNil()
}

func (d *Definition) validateStep(ctx context.Context, idx int, step Step) error {
	switch step.Kind {
	case enums.StepKindAction:
		if step.Action == nil {
			return fmt.Errorf("step %d: action config missing", idx)
		}
		if step.Action.Type == "" {
			return fmt.Errorf("step %d: action type is required", idx)
		}
	case enums.StepKindCondition:
		if step.Condition == nil {
			return fmt.Errorf("step %d: condition config missing", idx)
		}
		if len(step.Condition.Branches) == 0 {
			return fmt.Errorf("step %d: condition requires at least one branch", idx)
		}
		for bi, branch := range step.Condition.Branches {
			if branch.Target < 0 || branch.Target >= len(d.Steps) {
				return fmt.Errorf("step %d: branch %d target %d out of range", idx, bi, branch.Target)
			}
			if err := expressions.Validate(ctx, branch.If); err != nil {
				return fmt.Errorf("step %d: branch %d filter: %w", idx, bi, err)
			}
		}
		if step.Condition.Else != nil {
			if e := *step.Condition.Else; e < 0 || e >= len(d.Steps) {
				return fmt.Errorf("step %d: else target %d out of range", idx, e)
			}
		}
	case enums.StepKindWait:
		if step.Wait == nil {
			return fmt.Errorf("step %d: wait config missing", idx)
		}
		if (step.Wait.Duration == "") == (step.Wait.Until == nil) {
			return fmt.Errorf("step %d: wait requires exactly one of duration or until", idx)
		}
		if step.Wait.Duration != "" {
			if _, err := step.Wait.ResumeAt(time.Time{}); err != nil {
				return fmt.Errorf("step %d: %w", idx, err)
			}
		}
	case enums.StepKindGoalCheck:
		if d.Goal == nil {
			return fmt.Errorf("step %d: goal_check requires the workflow to declare a goal", idx)
		}
	default:
		return fmt.Errorf("step %d: unknown kind %q", idx, step.Kind)
	}
	return nil
}
