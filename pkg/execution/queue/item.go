package queue

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const (
	// KindStep runs the execution's current step.
	KindStep = "step"
	// KindResume fires when a wait step's suspension elapses; it is the
	// only job kind processed while an execution is PAUSED.
	KindResume = "resume"
)

// Item is the payload of one scheduled job.
type Item struct {
	// JobID distinguishes the current job from superseded jobs for the
	// same execution.  Assigned by the queue on enqueue.
	JobID ulid.ULID `json:"job_id"`

	TenantID    uuid.UUID `json:"tenant_id"`
	WorkflowID  uuid.UUID `json:"workflow_id"`
	ExecutionID ulid.ULID `json:"execution_id"`

	// Kind is KindStep or KindResume.
	Kind string `json:"kind"`
	// StepIndex is the step this job runs.
	StepIndex int `json:"step_index"`
	// Attempt is the zero-indexed attempt counter for the step.
	Attempt int `json:"attempt"`
}
