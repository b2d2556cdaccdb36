package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/everflow-crm/everflow/pkg/enums"
)

var (
	// ErrNotFound is returned when loading an unknown execution.
	ErrNotFound = fmt.Errorf("execution not found")
	// ErrExecutionExists is returned when admission deduplication rejects a
	// second execution within the dedupe window.
	ErrExecutionExists = fmt.Errorf("execution already exists")
	// ErrVersionConflict is returned when an update supplies a stale
	// version.  The caller lost an optimistic concurrency race and must not
	// retry the stale transition.
	ErrVersionConflict = fmt.Errorf("execution version conflict")
	// ErrInvalidTransition is returned when a status change is not a valid
	// edge in the execution state machine.
	ErrInvalidTransition = fmt.Errorf("invalid status transition")
)

// Execution is one run of a workflow for one subject.  It is created by the
// trigger gate and thereafter mutated only through versioned compare-and-set
// writes; once terminal it is permanently read-only.
type Execution struct {
	ID              ulid.ULID `json:"id"`
	TenantID        uuid.UUID `json:"tenant_id"`
	WorkflowID      uuid.UUID `json:"workflow_id"`
	WorkflowVersion int       `json:"workflow_version"`
	SubjectID       uuid.UUID `json:"subject_id"`

	Status           enums.ExecutionStatus  `json:"status"`
	CurrentStepIndex int                    `json:"current_step_index"`
	RetryCount       int                    `json:"retry_count"`
	CompletionReason enums.CompletionReason `json:"completion_reason,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`

	// WaitUntil is the resume time of a PAUSED execution.  It is persisted
	// with the pause transition so the resume job can be recreated if the
	// worker dies before scheduling it.
	WaitUntil *time.Time `json:"wait_until,omitempty"`

	// Version is the optimistic concurrency stamp.  Every write must supply
	// the version it read; the store rejects stale writes with
	// ErrVersionConflict.
	Version int `json:"version"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Transition moves the execution along the state machine, recording the
// completion reason on terminal transitions.
func (e *Execution) Transition(next enums.ExecutionStatus, reason enums.CompletionReason) error {
	if !e.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.Status, next)
	}
	e.Status = next
	if next.Terminal() {
		e.CompletionReason = reason
	}
	return nil
}

// Requeue is the single sanctioned exit from FAILED, driven by the manual
// retry operation.  The retry counter resets and the current step runs
// again.
func (e *Execution) Requeue() error {
	if e.Status != enums.ExecutionStatusFailed {
		return fmt.Errorf("%w: retry is only valid from FAILED, not %s", ErrInvalidTransition, e.Status)
	}
	e.Status = enums.ExecutionStatusQueued
	e.RetryCount = 0
	e.CompletionReason = enums.CompletionReasonNone
	e.ErrorMessage = ""
	return nil
}

// DedupeKey is the admission idempotency key for the execution's
// (workflow, subject) pair.
func (e *Execution) DedupeKey() string {
	return DedupeKey(e.WorkflowID, e.SubjectID)
}

func DedupeKey(workflowID, subjectID uuid.UUID) string {
	return fmt.Sprintf("%s:%s", workflowID, subjectID)
}

// LogEntry is one append-only record of a meaningful execution transition.
// Entries are never mutated after insert.
type LogEntry struct {
	ID          ulid.ULID      `json:"id"`
	ExecutionID ulid.ULID      `json:"execution_id"`
	TenantID    uuid.UUID      `json:"tenant_id"`
	Type        enums.LogType  `json:"type"`
	StepIndex   int            `json:"step_index"`
	Attempt     int            `json:"attempt"`
	Data        map[string]any `json:"data,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ListFilter narrows and pages execution listings.
type ListFilter struct {
	Status *enums.ExecutionStatus
	From   *time.Time
	To     *time.Time
	Page   int
	Limit  int
}

// Loader reads executions from the backing store.
type Loader interface {
	// Load returns the execution with the given ID.
	Load(ctx context.Context, id ulid.ULID) (*Execution, error)
	// List returns the workflow's executions matching the filter, sorted by
	// creation time descending.
	List(ctx context.Context, workflowID uuid.UUID, f ListFilter) ([]*Execution, error)
	// NonTerminal returns all non-terminal executions for a (workflow,
	// subject) pair.
	NonTerminal(ctx context.Context, workflowID, subjectID uuid.UUID) ([]*Execution, error)
	// NonTerminalBySubject returns all non-terminal executions for a
	// subject across workflows, used on subject removal.
	NonTerminalBySubject(ctx context.Context, tenantID, subjectID uuid.UUID) ([]*Execution, error)
	// CountActive returns the tenant's count of ACTIVE and PAUSED
	// executions, for concurrency capping.
	CountActive(ctx context.Context, tenantID uuid.UUID) (int, error)
	// StaleActive returns ACTIVE executions whose updated_at is older than
	// the given time, for the recovery sweeper.
	StaleActive(ctx context.Context, olderThan time.Time) ([]*Execution, error)
}

// Mutater writes executions to the backing store.
type Mutater interface {
	// New persists a freshly admitted execution.  The dedupe key is claimed
	// atomically for dedupeTTL; a second claim within the TTL returns
	// ErrExecutionExists.
	New(ctx context.Context, e *Execution, dedupeTTL time.Duration) error
	// Update performs a versioned compare-and-set.  On success the
	// execution's Version is bumped and UpdatedAt refreshed; a stale
	// version returns ErrVersionConflict and the caller must abandon its
	// transition.
	Update(ctx context.Context, e *Execution) error
	// Heartbeat refreshes updated_at without a version bump, marking the
	// worker as live mid-step.
	Heartbeat(ctx context.Context, id ulid.ULID) error
}

// Waitlister persists the tenant-scoped FIFO of concurrency-limited
// executions awaiting promotion.
type Waitlister interface {
	PushWaiting(ctx context.Context, tenantID uuid.UUID, id ulid.ULID) error
	// PopWaiting returns the next waiting execution ID, or nil when the
	// list is empty.
	PopWaiting(ctx context.Context, tenantID uuid.UUID) (*ulid.ULID, error)
}

// Store is the engine's durable record of execution state.
type Store interface {
	Loader
	Mutater
	Waitlister
}
