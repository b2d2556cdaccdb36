package enums

import "fmt"

// ExecutionStatus represents the lifecycle state of a single workflow
// execution.
type ExecutionStatus int

const (
	// ExecutionStatusQueued indicates that the execution has been admitted
	// but no step has begun.  This is the only state in which an execution
	// may have no outstanding scheduled job, eg. while concurrency-limited.
	ExecutionStatusQueued ExecutionStatus = iota
	// ExecutionStatusActive indicates that steps are being processed.
	ExecutionStatusActive
	// ExecutionStatusPaused indicates that the execution is suspended on a
	// wait step until its scheduled resume time.
	ExecutionStatusPaused
	// ExecutionStatusCompleted indicates the execution finished, either by
	// exhausting its steps or by achieving its goal.
	ExecutionStatusCompleted
	// ExecutionStatusFailed indicates the execution terminated after
	// exhausting retries, or on a halting step error.
	ExecutionStatusFailed
	// ExecutionStatusCancelled indicates the execution was cancelled, by an
	// operator or by subject removal.
	ExecutionStatusCancelled
)

var executionStatusNames = map[ExecutionStatus]string{
	ExecutionStatusQueued:    "QUEUED",
	ExecutionStatusActive:    "ACTIVE",
	ExecutionStatusPaused:    "PAUSED",
	ExecutionStatusCompleted: "COMPLETED",
	ExecutionStatusFailed:    "FAILED",
	ExecutionStatusCancelled: "CANCELLED",
}

func (s ExecutionStatus) String() string {
	if n, ok := executionStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ExecutionStatus(%d)", int(s))
}

// Terminal returns whether the status is final.  No further jobs are
// processed for an execution once terminal.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Runnable returns whether the executor may process a regular step job for
// an execution in this status.  Paused executions only accept their wait
// resume job.
func (s ExecutionStatus) Runnable() bool {
	return s == ExecutionStatusQueued || s == ExecutionStatusActive
}

// CanTransition reports whether moving from s to next is a valid edge in the
// execution state machine:
//
//	QUEUED -> ACTIVE <-> PAUSED -> {COMPLETED, FAILED, CANCELLED}
//
// Terminal states have no outgoing edges.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case ExecutionStatusQueued:
		return next == ExecutionStatusActive || next.Terminal()
	case ExecutionStatusActive:
		return next == ExecutionStatusPaused || next.Terminal()
	case ExecutionStatusPaused:
		return next == ExecutionStatusActive || next.Terminal()
	}
	return false
}

func (s ExecutionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ExecutionStatus) UnmarshalText(byt []byte) error {
	parsed, err := ParseExecutionStatus(string(byt))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseExecutionStatus returns the status named by str, eg. "ACTIVE".
func ParseExecutionStatus(str string) (ExecutionStatus, error) {
	for s, n := range executionStatusNames {
		if n == str {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown execution status: %q", str)
}
