package enums

import "fmt"

// CompletionReason records why an execution reached a terminal status.
type CompletionReason int

const (
	// CompletionReasonNone is the zero value for executions that have not
	// yet terminated.
	CompletionReasonNone CompletionReason = iota
	// CompletionReasonStepsExhausted indicates every step ran to the end of
	// the definition.
	CompletionReasonStepsExhausted
	// CompletionReasonGoalAchieved indicates a domain event matched the
	// workflow's goal criteria before the steps finished.
	CompletionReasonGoalAchieved
	// CompletionReasonCancelled indicates an explicit cancel operation.
	CompletionReasonCancelled
	// CompletionReasonContactRemoved indicates the subject was removed from
	// the platform while the execution was in flight.
	CompletionReasonContactRemoved
	// CompletionReasonMaxRetriesExhausted indicates a retryable step failed
	// past the configured retry bound.
	CompletionReasonMaxRetriesExhausted
	// CompletionReasonStepFailed indicates a halting, non-retryable step
	// error.
	CompletionReasonStepFailed
)

var completionReasonNames = map[CompletionReason]string{
	CompletionReasonNone:                "",
	CompletionReasonStepsExhausted:      "steps_exhausted",
	CompletionReasonGoalAchieved:        "goal_achieved",
	CompletionReasonCancelled:           "cancelled",
	CompletionReasonContactRemoved:      "contact_removed",
	CompletionReasonMaxRetriesExhausted: "max_retries_exhausted",
	CompletionReasonStepFailed:          "step_failed",
}

func (r CompletionReason) String() string {
	if n, ok := completionReasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("CompletionReason(%d)", int(r))
}

func (r CompletionReason) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *CompletionReason) UnmarshalText(byt []byte) error {
	str := string(byt)
	for reason, n := range completionReasonNames {
		if n == str {
			*r = reason
			return nil
		}
	}
	return fmt.Errorf("unknown completion reason: %q", str)
}
