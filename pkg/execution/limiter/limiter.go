// Package limiter enforces per-tenant concurrency caps.  Executions past
// the cap are parked on a FIFO waitlist and promoted one at a time as
// running executions reach a terminal status.
package limiter

import (
	"context"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/logger"
)

// CapResolver returns the concurrency cap for a tenant.
type CapResolver func(tenantID uuid.UUID) int

func StaticCap(n int) CapResolver {
	return func(uuid.UUID) int { return n }
}

type Opt func(*Limiter)

func WithCapResolver(f CapResolver) Opt {
	return func(l *Limiter) {
		l.caps = f
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(l *Limiter) {
		l.log = log
	}
}

func New(store state.Store, producer queue.Producer, clock clockwork.Clock, opts ...Opt) *Limiter {
	l := &Limiter{
		store:    store,
		producer: producer,
		clock:    clock,
		caps:     StaticCap(consts.DefaultTenantConcurrency),
		log:      logger.Void(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

type Limiter struct {
	store    state.Store
	producer queue.Producer
	clock    clockwork.Clock
	caps     CapResolver
	log      logger.Logger
}

// Admit decides whether a freshly admitted execution may start now.  When
// the tenant is at its cap the execution is waitlisted and no job exists
// for it until a slot frees.  defCap is the workflow definition's own
// concurrency limit; when positive and tighter than the tenant cap it wins.
func (l *Limiter) Admit(ctx context.Context, e *state.Execution, defCap int) (bool, error) {
	active, err := l.store.CountActive(ctx, e.TenantID)
	if err != nil {
		return false, errors.Wrap(err, "error counting active executions")
	}

	limit := l.caps(e.TenantID)
	if defCap > 0 && defCap < limit {
		limit = defCap
	}
	if active >= limit {
		if err := l.store.PushWaiting(ctx, e.TenantID, e.ID); err != nil {
			return false, errors.Wrap(err, "error waitlisting execution")
		}
		l.log.Debug("execution waitlisted",
			"tenant_id", e.TenantID,
			"execution_id", e.ID,
		)
		return false, nil
	}
	return true, nil
}

// OnTerminal frees a concurrency slot and promotes the tenant's next
// waiting execution, skipping any that were cancelled while parked.
func (l *Limiter) OnTerminal(ctx context.Context, tenantID uuid.UUID) error {
	for {
		id, err := l.store.PopWaiting(ctx, tenantID)
		if err != nil {
			return errors.Wrap(err, "error popping waitlist")
		}
		if id == nil {
			return nil
		}

		e, err := l.store.Load(ctx, *id)
		if errors.Is(err, state.ErrNotFound) {
			continue
		}
		if err != nil {
			return errors.Wrap(err, "error loading waitlisted execution")
		}
		if e.Status.Terminal() {
			continue
		}

		err = l.producer.Enqueue(ctx, queue.Item{
			TenantID:    e.TenantID,
			WorkflowID:  e.WorkflowID,
			ExecutionID: e.ID,
			Kind:        queue.KindStep,
			StepIndex:   e.CurrentStepIndex,
		}, l.clock.Now())
		if err != nil {
			return errors.Wrap(err, "error promoting waitlisted execution")
		}

		l.log.Debug("execution promoted from waitlist",
			"tenant_id", tenantID,
			"execution_id", e.ID,
		)
		return nil
	}
}
