// Package goals matches domain events against workflow goal criteria and
// completes enrolled executions early.  Goal completion races the step
// worker by design; the compare-and-set on the execution decides the
// winner.
package goals

import (
	"context"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/sourcegraph/conc/pool"

	"github.com/everflow-crm/everflow/pkg/event"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/expressions"
	"github.com/everflow-crm/everflow/pkg/logger"
	"github.com/everflow-crm/everflow/pkg/workflow"
)

// Completer finishes a single execution with reason goal_achieved,
// recording the achieving event's payload.  The bool reports whether the
// write won.
type Completer interface {
	CompleteGoal(ctx context.Context, id ulid.ULID, evt event.Event) (bool, error)
}

type Opt func(*Evaluator)

func WithLogger(log logger.Logger) Opt {
	return func(ev *Evaluator) {
		ev.log = log
	}
}

// WithConcurrency bounds the per-event fan-out over matched executions.
func WithConcurrency(n int) Opt {
	return func(ev *Evaluator) {
		ev.concurrency = n
	}
}

func New(loader workflow.Loader, store state.Loader, completer Completer, opts ...Opt) *Evaluator {
	ev := &Evaluator{
		loader:      loader,
		store:       store,
		completer:   completer,
		concurrency: 10,
		log:         logger.Void(),
	}
	for _, opt := range opts {
		opt(ev)
	}
	return ev
}

type Evaluator struct {
	loader      workflow.Loader
	store       state.Loader
	completer   Completer
	concurrency int
	log         logger.Logger
}

// HandleEvent evaluates a domain event against every goal-bearing workflow
// of the tenant and completes the subject's enrolled executions whose
// criteria match.  It returns the number of executions completed.
func (ev *Evaluator) HandleEvent(ctx context.Context, evt event.Event) (int, error) {
	defs, err := ev.loader.WithGoals(ctx, evt.TenantID)
	if err != nil {
		return 0, errors.Wrap(err, "error loading goal workflows")
	}

	completed := 0
	for _, def := range defs {
		if !def.Goal.Matches(evt.Name) {
			continue
		}

		achieved, err := expressions.Evaluate(ctx, def.Goal.Criteria, expressions.Data{
			Event: evt.Map(),
		})
		if err != nil {
			ev.log.Warn("error evaluating goal criteria",
				"workflow_id", def.ID,
				"error", err,
			)
			continue
		}
		if !achieved {
			continue
		}

		n, err := ev.completeEnrolled(ctx, def, evt)
		if err != nil {
			return completed, err
		}
		completed += n
	}
	return completed, nil
}

func (ev *Evaluator) completeEnrolled(ctx context.Context, def *workflow.Definition, evt event.Event) (int, error) {
	enrolled, err := ev.store.NonTerminal(ctx, def.ID, evt.SubjectID)
	if err != nil {
		return 0, errors.Wrap(err, "error loading enrolled executions")
	}
	if len(enrolled) == 0 {
		return 0, nil
	}

	p := pool.NewWithResults[int]().WithContext(ctx).WithMaxGoroutines(ev.concurrency)
	for _, e := range enrolled {
		id := e.ID
		p.Go(func(ctx context.Context) (int, error) {
			won, err := ev.completer.CompleteGoal(ctx, id, evt)
			if err != nil {
				return 0, err
			}
			if !won {
				return 0, nil
			}
			ev.log.Info("goal achieved",
				"workflow_id", def.ID,
				"execution_id", id,
				"event", evt.Name,
			)
			return 1, nil
		})
	}

	counts, err := p.Wait()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range counts {
		n += c
	}
	return n, nil
}
