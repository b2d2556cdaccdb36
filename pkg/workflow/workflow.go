package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/gosimple/slug"

	"github.com/everflow-crm/everflow/pkg/consts"
)

// Status is the publication state of a workflow definition.  Only active
// workflows admit new executions.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusArchived Status = "archived"
)

// EnrollmentPolicy controls whether a subject may hold concurrent
// non-terminal executions of the same workflow.
type EnrollmentPolicy string

const (
	// EnrollmentSingle rejects admission while a non-terminal execution
	// exists for the same (workflow, subject).
	EnrollmentSingle EnrollmentPolicy = "single"
	// EnrollmentMultiple admits freely, subject only to deduplication.
	EnrollmentMultiple EnrollmentPolicy = "multiple"
)

// Definition is an immutable-per-version workflow: a trigger, an ordered
// list of steps with branch edges, and optional goal criteria.  Edits bump
// Version; in-flight executions keep the version they resolved at admission.
type Definition struct {
	ID       uuid.UUID `json:"id"`
	TenantID uuid.UUID `json:"tenant_id"`
	Version  int       `json:"version"`

	Name   string `json:"name"`
	Slug   string `json:"slug"`
	Status Status `json:"status"`

	Trigger Trigger `json:"trigger"`
	Steps   []Step  `json:"steps"`
	Goal    *Goal   `json:"goal,omitempty"`

	EnrollmentPolicy EnrollmentPolicy `json:"enrollment_policy"`

	// ConcurrencyLimit caps simultaneously non-terminal executions for the
	// owning tenant.  Zero means the engine default.
	ConcurrencyLimit int `json:"concurrency_limit,omitempty"`

	// MaxRetryAttempts and RetryBaseDelaySeconds override the engine's
	// retry defaults when non-nil.
	MaxRetryAttempts      *int `json:"max_retry_attempts,omitempty"`
	RetryBaseDelaySeconds *int `json:"retry_base_delay_seconds,omitempty"`
}

// Trigger describes the inbound event that admits subjects into the
// workflow.
type Trigger struct {
	// EventName is the trigger event type, eg. "contact/form.submitted".
	EventName string `json:"event_name"`
	// Filter is an optional expression over {event, subject} which must
	// evaluate true for admission.
	Filter string `json:"filter,omitempty"`
}

// Goal is a criteria expression which, when matched by a domain event,
// completes the execution early with reason goal_achieved.
type Goal struct {
	// EventNames optionally narrows which domain events are considered.
	// Empty means every domain event is evaluated.
	EventNames []string `json:"event_names,omitempty"`
	// Criteria is the expression over {event, subject}.
	Criteria string `json:"criteria"`
}

// Matches returns whether the goal considers events of the given name.
func (g Goal) Matches(eventName string) bool {
	if len(g.EventNames) == 0 {
		return true
	}
	for _, n := range g.EventNames {
		if n == eventName {
			return true
		}
	}
	return false
}

// IsActive returns whether the workflow admits new executions.
func (d Definition) IsActive() bool {
	return d.Status == StatusActive
}

// MaxRetries returns the retry bound for the workflow's steps.
func (d Definition) MaxRetries() int {
	if d.MaxRetryAttempts != nil {
		return *d.MaxRetryAttempts
	}
	return consts.DefaultMaxRetryAttempts
}

// RetryBaseDelay returns the base backoff delay for the workflow's steps.
func (d Definition) RetryBaseDelay() time.Duration {
	if d.RetryBaseDelaySeconds != nil {
		return time.Duration(*d.RetryBaseDelaySeconds) * time.Second
	}
	return consts.DefaultRetryBaseDelay
}

// Concurrency returns the tenant concurrency cap for this workflow.
func (d Definition) Concurrency() int {
	if d.ConcurrencyLimit > 0 {
		return d.ConcurrencyLimit
	}
	return consts.DefaultTenantConcurrency
}

// Slugify fills the definition slug from its name when unset.
func (d *Definition) Slugify() {
	if d.Slug == "" {
		d.Slug = slug.Make(d.Name)
	}
}

// Loader resolves workflow definitions for the engine.  Definition storage
// is owned by the builder/CRUD modules; the engine only reads.
type Loader interface {
	// Definition returns the latest version of the given workflow.
	Definition(ctx context.Context, id uuid.UUID) (*Definition, error)
	// DefinitionVersion returns a pinned version, as resolved at admission.
	DefinitionVersion(ctx context.Context, id uuid.UUID, version int) (*Definition, error)
	// WithGoals returns the workflows of the tenant that declare goal
	// criteria, for domain event matching.
	WithGoals(ctx context.Context, tenantID uuid.UUID) ([]*Definition, error)
	// ByTriggerEvent returns active workflows of the tenant triggered by
	// the given event name.
	ByTriggerEvent(ctx context.Context, tenantID uuid.UUID, eventName string) ([]*Definition, error)
}
