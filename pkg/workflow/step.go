package workflow

import (
	"fmt"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/everflow-crm/everflow/pkg/enums"
)

// Step is a tagged variant: exactly one of Action, Condition, Wait or
// GoalCheck is set, matching Kind.  The executor switches exhaustively over
// Kind, so adding a kind is a compile-time-checked extension.
type Step struct {
	ID   string         `json:"id"`
	Name string         `json:"name,omitempty"`
	Kind enums.StepKind `json:"kind"`

	Action    *ActionStep    `json:"action,omitempty"`
	Condition *ConditionStep `json:"condition,omitempty"`
	Wait      *WaitStep      `json:"wait,omitempty"`
	GoalCheck *GoalCheckStep `json:"goal_check,omitempty"`
}

// ActionStep invokes a registered action handler: message delivery, record
// mutation, webhook calls.  Only the invocation contract matters to the
// engine.
type ActionStep struct {
	// Type names the registered handler, eg. "send_email".
	Type string `json:"type"`
	// Config is handler-specific configuration, passed through opaquely.
	Config map[string]any `json:"config,omitempty"`
	// HaltOnError fails the whole execution on a non-retryable error
	// instead of skipping the step.
	HaltOnError bool `json:"halt_on_error,omitempty"`
}

// ConditionStep evaluates branch filters in definition order and jumps to
// the first matching branch's target step index.  With no match, Else is
// used when present; otherwise the execution proceeds to the step
// immediately following the condition.
type ConditionStep struct {
	Branches []Branch `json:"branches"`
	Else     *int     `json:"else,omitempty"`
}

// Branch pairs a filter expression with the index of the step to jump to.
type Branch struct {
	// If is an expression over {event, subject, context}.
	If string `json:"if"`
	// Target is the step index to continue from when the filter matches.
	Target int `json:"target"`
}

// WaitStep suspends the execution, either for a relative duration
// ("30m", "2h", "1d") or until an absolute time.  Exactly one of Duration
// and Until is set.
type WaitStep struct {
	Duration string     `json:"duration,omitempty"`
	Until    *time.Time `json:"until,omitempty"`
}

// ResumeAt resolves the time at which the execution resumes.
func (w WaitStep) ResumeAt(now time.Time) (time.Time, error) {
	if w.Until != nil {
		return *w.Until, nil
	}
	dur, err := str2duration.ParseDuration(w.Duration)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid wait duration %q: %w", w.Duration, err)
	}
	return now.Add(dur), nil
}

// GoalCheckStep re-evaluates the workflow goal against current subject
// state, completing the execution early on a match.
type GoalCheckStep struct{}
