// Package driver defines the invocation contract between the engine and
// concrete action implementations.  Handlers are the only components that
// perform outbound I/O (message delivery, record mutation, webhook calls);
// the engine never blocks on them outside a claimed job.
package driver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Outcome is the result classification of one handler invocation.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
)

// Context carries the execution's identity and trigger data into a handler.
type Context struct {
	TenantID    uuid.UUID      `json:"tenant_id"`
	WorkflowID  uuid.UUID      `json:"workflow_id"`
	ExecutionID ulid.ULID      `json:"execution_id"`
	SubjectID   uuid.UUID      `json:"subject_id"`
	StepIndex   int            `json:"step_index"`
	Attempt     int            `json:"attempt"`
	TriggerData map[string]any `json:"trigger_data,omitempty"`
}

// Response is returned after a handler executes an action.
type Response struct {
	Outcome Outcome `json:"outcome"`
	// Retryable classifies a failure: transient failures (network,
	// rate-limit, 5xx) are retryable; permanent failures (validation, 4xx)
	// are not.  Ignored on success.
	Retryable bool `json:"retryable"`
	// RetryAfter carries an explicit rate-limit hint.  When set on a
	// retryable failure it overrides the engine's computed backoff.
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
	// Output is the handler's result data, recorded in the execution log.
	Output map[string]any `json:"output,omitempty"`
	// Err describes the failure.  Nil on success.
	Err error `json:"-"`
}

func (r Response) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// Handler executes one action type.  Handlers must tolerate at most one
// extra invocation after a crash (the recovery sweeper may redeliver a step
// whose side effect committed); handlers that cannot must report failures
// as non-retryable.
type Handler interface {
	// Name returns the action type the handler serves, eg. "send_email".
	Name() string
	// Execute runs the action.  An error return is an infrastructure
	// failure; domain failures are expressed through the Response.
	Execute(ctx context.Context, config map[string]any, ec Context) (*Response, error)
}

// Registry maps action type names to handlers.  It is constructed once at
// process start and passed by dependency injection; there is no ambient
// global registry.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{handlers: map[string]Handler{}}
	for _, h := range handlers {
		r.handlers[h.Name()] = h
	}
	return r
}

// Get resolves the handler for an action type.
func (r *Registry) Get(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("no action handler registered for %q", name)
	}
	return h, nil
}

// Names returns the registered action types, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
