package enums

import "fmt"

// LogType identifies a meaningful transition recorded in the append-only
// execution log.
type LogType int

const (
	LogTypeAdmitted LogType = iota
	LogTypeStepStarted
	LogTypeStepCompleted
	LogTypeStepFailed
	LogTypeStepSkipped
	LogTypeRetryScheduled
	LogTypeWaitStarted
	LogTypeResumed
	LogTypeGoalAchieved
	LogTypeTerminated
	LogTypeRetryRequested
	LogTypeRequeued
)

var logTypeNames = map[LogType]string{
	LogTypeAdmitted:       "admitted",
	LogTypeStepStarted:    "step_started",
	LogTypeStepCompleted:  "step_completed",
	LogTypeStepFailed:     "step_failed",
	LogTypeStepSkipped:    "skipped_non_retryable_error",
	LogTypeRetryScheduled: "retry_scheduled",
	LogTypeWaitStarted:    "wait_started",
	LogTypeResumed:        "resumed",
	LogTypeGoalAchieved:   "goal_achieved",
	LogTypeTerminated:     "terminated",
	LogTypeRetryRequested: "retry_requested",
	LogTypeRequeued:       "requeued",
}

func (t LogType) String() string {
	if n, ok := logTypeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("LogType(%d)", int(t))
}

func (t LogType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *LogType) UnmarshalText(byt []byte) error {
	str := string(byt)
	for lt, n := range logTypeNames {
		if n == str {
			*t = lt
			return nil
		}
	}
	return fmt.Errorf("unknown log type: %q", str)
}
