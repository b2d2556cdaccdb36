// Package runner is the engine's top-level service: it routes inbound
// events to admission, goal evaluation and cancellation, and drives the
// worker pool consuming the job queue.
package runner

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/event"
	"github.com/everflow-crm/everflow/pkg/execution/executor"
	"github.com/everflow-crm/everflow/pkg/execution/gate"
	"github.com/everflow-crm/everflow/pkg/execution/goals"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/execution/sweeper"
	"github.com/everflow-crm/everflow/pkg/logger"
	"github.com/everflow-crm/everflow/pkg/service"
	"github.com/everflow-crm/everflow/pkg/workflow"
)

type Opt func(*Runner)

func WithWorkers(n int) Opt {
	return func(r *Runner) {
		r.workers = n
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(r *Runner) {
		r.log = log
	}
}

func New(
	loader workflow.Loader,
	store state.Store,
	q queue.Queue,
	g *gate.Gate,
	exec *executor.Executor,
	ev *goals.Evaluator,
	sw *sweeper.Sweeper,
	opts ...Opt,
) *Runner {
	r := &Runner{
		loader:  loader,
		store:   store,
		queue:   q,
		gate:    g,
		exec:    exec,
		goals:   ev,
		sweeper: sw,
		workers: consts.DefaultWorkerCount,
		log:     logger.Void(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type Runner struct {
	loader  workflow.Loader
	store   state.Store
	queue   queue.Queue
	gate    *gate.Gate
	exec    *executor.Executor
	goals   *goals.Evaluator
	sweeper *sweeper.Sweeper
	workers int
	log     logger.Logger
}

var _ service.Service = (*Runner)(nil)

func (r *Runner) Name() string { return "runner" }

func (r *Runner) Pre(ctx context.Context) error { return nil }

// Run blocks, consuming the queue with the configured worker pool and
// sweeping for orphaned work, until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.workers; i++ {
		eg.Go(func() error {
			return r.queue.Run(ctx, r.exec.HandleItem)
		})
	}
	eg.Go(func() error {
		return r.sweeper.Run(ctx)
	})
	err := eg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) Stop(ctx context.Context) error { return nil }

// HandleEvent routes one inbound event.  Trigger events admit the named
// workflow; subject removal cancels the subject's executions; any other
// domain event is matched against trigger subscriptions and goal criteria.
func (r *Runner) HandleEvent(ctx context.Context, evt event.Event) error {
	if err := evt.Validate(); err != nil {
		return errors.Wrap(err, "invalid event")
	}

	if evt.Name == event.SubjectRemovedName {
		return r.removeSubject(ctx, evt)
	}

	if evt.IsTrigger() {
		def, err := r.loader.Definition(ctx, *evt.WorkflowID)
		if err != nil {
			return errors.Wrap(err, "error loading triggered workflow")
		}
		_, err = r.gate.Admit(ctx, def, evt)
		return err
	}

	var result error

	// Domain events can admit subscribed workflows by trigger event name.
	defs, err := r.loader.ByTriggerEvent(ctx, evt.TenantID, evt.Name)
	if err != nil {
		return errors.Wrap(err, "error matching trigger subscriptions")
	}
	for _, def := range defs {
		if _, err := r.gate.Admit(ctx, def, evt); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if _, err := r.goals.HandleEvent(ctx, evt); err != nil {
		result = multierror.Append(result, err)
	}
	return result
}

// removeSubject cancels every non-terminal execution for the removed
// subject across all workflows.
func (r *Runner) removeSubject(ctx context.Context, evt event.Event) error {
	enrolled, err := r.store.NonTerminalBySubject(ctx, evt.TenantID, evt.SubjectID)
	if err != nil {
		return errors.Wrap(err, "error loading subject executions")
	}

	var result error
	for _, e := range enrolled {
		err := r.exec.Cancel(ctx, e.ID, enums.CompletionReasonContactRemoved)
		if err != nil && !errors.Is(err, state.ErrInvalidTransition) {
			result = multierror.Append(result, err)
			continue
		}
	}
	if result == nil {
		r.log.Info("subject removed, executions cancelled",
			"tenant_id", evt.TenantID,
			"subject_id", evt.SubjectID,
			"count", len(enrolled),
		)
	}
	return result
}
