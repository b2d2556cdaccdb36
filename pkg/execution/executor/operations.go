package executor

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"

	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/event"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
	"github.com/everflow-crm/everflow/pkg/execution/state"
)

// cancelAttempts bounds the reload loop when a user cancel races the
// worker's own writes.
const cancelAttempts = 3

// Cancel terminates a non-terminal execution with the given reason and
// removes its outstanding job.  Cancelling a terminal execution returns
// ErrInvalidTransition.
func (x *Executor) Cancel(ctx context.Context, id ulid.ULID, reason enums.CompletionReason) error {
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		e, err := x.store.Load(ctx, id)
		if err != nil {
			return err
		}
		if e.Status.Terminal() {
			return errors.Wrapf(state.ErrInvalidTransition, "execution is already %s", e.Status)
		}

		ok, err := x.transition(ctx, e, enums.ExecutionStatusCancelled, reason)
		if err != nil {
			return err
		}
		if !ok {
			// A worker advanced the execution mid-cancel; reload and
			// try again against the new version.
			continue
		}

		if err := x.queue.Cancel(ctx, e.ID); err != nil {
			return errors.Wrap(err, "error cancelling outstanding job")
		}
		x.appendLog(ctx, e, enums.LogTypeTerminated, map[string]any{
			"status": e.Status.String(),
			"reason": reason.String(),
		})
		return x.limiter.OnTerminal(ctx, e.TenantID)
	}
	return errors.Wrap(state.ErrVersionConflict, "error cancelling execution")
}

// Retry re-queues a FAILED execution at its failed step with a fresh retry
// budget.  This is the only exit from FAILED.
func (x *Executor) Retry(ctx context.Context, id ulid.ULID) (*state.Execution, error) {
	e, err := x.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.Requeue(); err != nil {
		return nil, err
	}

	ok, err := x.update(ctx, e)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Wrap(state.ErrVersionConflict, "error requeueing execution")
	}

	x.appendLog(ctx, e, enums.LogTypeRetryRequested, nil)
	x.appendLog(ctx, e, enums.LogTypeRequeued, nil)

	err = x.queue.Enqueue(ctx, queue.Item{
		TenantID:    e.TenantID,
		WorkflowID:  e.WorkflowID,
		ExecutionID: e.ID,
		Kind:        queue.KindStep,
		StepIndex:   e.CurrentStepIndex,
	}, x.clock.Now())
	if err != nil {
		return nil, errors.Wrap(err, "error enqueueing retried execution")
	}
	return e, nil
}

// CompleteGoal finishes an execution early because its workflow goal was
// achieved by the given domain event.  The bool reports whether this call
// won the write; losing the race to the step worker is not an error.
func (x *Executor) CompleteGoal(ctx context.Context, id ulid.ULID, evt event.Event) (bool, error) {
	e, err := x.store.Load(ctx, id)
	if errors.Is(err, state.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if e.Status.Terminal() {
		return false, nil
	}

	ok, err := x.transition(ctx, e, enums.ExecutionStatusCompleted, enums.CompletionReasonGoalAchieved)
	if err != nil || !ok {
		return false, err
	}

	if err := x.queue.Cancel(ctx, e.ID); err != nil {
		return true, errors.Wrap(err, "error cancelling outstanding job")
	}
	x.appendLog(ctx, e, enums.LogTypeGoalAchieved, map[string]any{
		"event": evt.Name,
		"data":  evt.Data,
	})
	x.appendLog(ctx, e, enums.LogTypeTerminated, map[string]any{
		"status": e.Status.String(),
		"reason": enums.CompletionReasonGoalAchieved.String(),
	})
	return true, x.limiter.OnTerminal(ctx, e.TenantID)
}
