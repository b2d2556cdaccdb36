// Package gate admits trigger events into workflow executions.  Admission
// is synchronous and cheap: every check is a state read, and the only
// writes are the new execution row and its first queued job.  No action
// ever runs inside the gate.
package gate

import (
	"context"
	"crypto/rand"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/event"
	"github.com/everflow-crm/everflow/pkg/execution/limiter"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/expressions"
	"github.com/everflow-crm/everflow/pkg/history"
	"github.com/everflow-crm/everflow/pkg/logger"
	"github.com/everflow-crm/everflow/pkg/telemetry"
	"github.com/everflow-crm/everflow/pkg/workflow"
)

// Rejection reasons, recorded on the admission decision.
const (
	ReasonWorkflowNotActive = "workflow_not_active"
	ReasonOptOutBlocked     = "opt_out_blocked"
	ReasonFilterNotMatched  = "filter_not_matched"
	ReasonAlreadyEnrolled   = "already_enrolled"
	ReasonDuplicateTrigger  = "duplicate_trigger"
)

// Decision is the outcome of one admission attempt.
type Decision struct {
	Admitted bool
	// Reason is set on rejection.
	Reason string
	// Execution is set on admission.
	Execution *state.Execution
}

// SubjectDirectory answers communication-consent questions about subjects.
type SubjectDirectory interface {
	OptedOut(ctx context.Context, tenantID, subjectID uuid.UUID) (bool, error)
}

// allowAll is the default directory when no CRM integration is wired.
type allowAll struct{}

func (allowAll) OptedOut(ctx context.Context, tenantID, subjectID uuid.UUID) (bool, error) {
	return false, nil
}

type Opt func(*Gate)

func WithSubjectDirectory(d SubjectDirectory) Opt {
	return func(g *Gate) {
		g.subjects = d
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(g *Gate) {
		g.log = log
	}
}

func WithMetrics(m *telemetry.Metrics) Opt {
	return func(g *Gate) {
		g.metrics = m
	}
}

func New(
	loader workflow.Loader,
	store state.Store,
	producer queue.Producer,
	lim *limiter.Limiter,
	hist history.Driver,
	clock clockwork.Clock,
	opts ...Opt,
) *Gate {
	g := &Gate{
		loader:   loader,
		store:    store,
		producer: producer,
		limiter:  lim,
		history:  hist,
		clock:    clock,
		subjects: allowAll{},
		log:      logger.Void(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type Gate struct {
	loader   workflow.Loader
	store    state.Store
	producer queue.Producer
	limiter  *limiter.Limiter
	history  history.Driver
	clock    clockwork.Clock
	subjects SubjectDirectory
	metrics  *telemetry.Metrics
	log      logger.Logger
}

// Admit runs the admission checks for a trigger event against one workflow
// and, on success, creates the QUEUED execution and its first job.  Checks
// run cheapest-first; the first failure wins.
func (g *Gate) Admit(ctx context.Context, def *workflow.Definition, evt event.Event) (*Decision, error) {
	if !def.IsActive() {
		return g.reject(ReasonWorkflowNotActive), nil
	}

	optedOut, err := g.subjects.OptedOut(ctx, evt.TenantID, evt.SubjectID)
	if err != nil {
		return nil, errors.Wrap(err, "error checking subject opt-out")
	}
	if optedOut {
		return g.reject(ReasonOptOutBlocked), nil
	}

	if def.Trigger.Filter != "" {
		ok, err := expressions.Evaluate(ctx, def.Trigger.Filter, expressions.Data{
			Event: evt.Map(),
		})
		if err != nil {
			return nil, errors.Wrap(err, "error evaluating trigger filter")
		}
		if !ok {
			return g.reject(ReasonFilterNotMatched), nil
		}
	}

	if def.EnrollmentPolicy == workflow.EnrollmentSingle {
		existing, err := g.store.NonTerminal(ctx, def.ID, evt.SubjectID)
		if err != nil {
			return nil, errors.Wrap(err, "error checking enrollment")
		}
		if len(existing) > 0 {
			// Deduplication takes precedence: a re-trigger inside the
			// dedupe window is a duplicate, not an enrollment violation.
			for _, ex := range existing {
				if g.clock.Now().Sub(ex.StartedAt) < consts.AdmissionDedupeWindow {
					return g.reject(ReasonDuplicateTrigger), nil
				}
			}
			return g.reject(ReasonAlreadyEnrolled), nil
		}
	}

	e := &state.Execution{
		ID:              ulid.MustNew(ulid.Timestamp(g.clock.Now()), rand.Reader),
		TenantID:        evt.TenantID,
		WorkflowID:      def.ID,
		WorkflowVersion: def.Version,
		SubjectID:       evt.SubjectID,
		Status:          enums.ExecutionStatusQueued,
	}

	err = g.store.New(ctx, e, consts.AdmissionDedupeWindow)
	if errors.Is(err, state.ErrExecutionExists) {
		return g.reject(ReasonDuplicateTrigger), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "error creating execution")
	}

	err = g.history.Append(ctx, state.LogEntry{
		ID:          ulid.MustNew(ulid.Timestamp(g.clock.Now()), rand.Reader),
		ExecutionID: e.ID,
		TenantID:    e.TenantID,
		Type:        enums.LogTypeAdmitted,
		Data: map[string]any{
			"event":            evt.Name,
			"workflow_version": def.Version,
		},
		CreatedAt: g.clock.Now(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "error recording admission")
	}

	start, err := g.limiter.Admit(ctx, e, def.ConcurrencyLimit)
	if err != nil {
		return nil, err
	}
	if start {
		err = g.producer.Enqueue(ctx, queue.Item{
			TenantID:    e.TenantID,
			WorkflowID:  e.WorkflowID,
			ExecutionID: e.ID,
			Kind:        queue.KindStep,
			StepIndex:   0,
		}, g.clock.Now())
		if err != nil {
			return nil, errors.Wrap(err, "error enqueueing first step")
		}
	}

	if g.metrics != nil {
		g.metrics.ExecutionsAdmitted.Inc()
	}
	g.log.Info("execution admitted",
		"tenant_id", e.TenantID,
		"workflow_id", def.ID,
		"execution_id", e.ID,
		"started", start,
	)
	return &Decision{Admitted: true, Execution: e}, nil
}

func (g *Gate) reject(reason string) *Decision {
	return &Decision{Admitted: false, Reason: reason}
}
