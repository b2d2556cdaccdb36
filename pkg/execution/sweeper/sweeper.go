// Package sweeper recovers executions orphaned by worker crashes.  It
// reaps expired job leases so redelivery can happen, and re-queues ACTIVE
// executions that have stopped heartbeating and lost their job entirely.
package sweeper

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/logger"
)

type Opt func(*Sweeper)

func WithInterval(d time.Duration) Opt {
	return func(s *Sweeper) {
		s.interval = d
	}
}

func WithHeartbeatThreshold(d time.Duration) Opt {
	return func(s *Sweeper) {
		s.threshold = d
	}
}

func WithLogger(log logger.Logger) Opt {
	return func(s *Sweeper) {
		s.log = log
	}
}

func New(store state.Store, q queue.Queue, clock clockwork.Clock, opts ...Opt) *Sweeper {
	s := &Sweeper{
		store:     store,
		queue:     q,
		clock:     clock,
		interval:  consts.DefaultSweepInterval,
		threshold: consts.HeartbeatThreshold,
		log:       logger.Void(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Sweeper struct {
	store     state.Store
	queue     queue.Queue
	clock     clockwork.Clock
	interval  time.Duration
	threshold time.Duration
	log       logger.Logger
}

// Run sweeps on the configured interval until the context is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}

		if err := s.Sweep(ctx); err != nil {
			s.log.Error("sweep failed", "error", err)
		}
	}
}

// Sweep performs one recovery pass.  Redelivery is at-least-once: a step
// whose lease expired mid-flight may run again from its persisted index.
func (s *Sweeper) Sweep(ctx context.Context) error {
	var result error

	reaped, err := s.queue.ReapExpired(ctx)
	if err != nil {
		result = multierror.Append(result, errors.Wrap(err, "error reaping expired leases"))
	}
	if reaped > 0 {
		s.log.Info("reaped expired job leases", "count", reaped)
	}

	stale, err := s.store.StaleActive(ctx, s.clock.Now().Add(-s.threshold))
	if err != nil {
		return multierror.Append(result, errors.Wrap(err, "error listing stale executions"))
	}

	for _, e := range stale {
		outstanding, err := s.queue.Outstanding(ctx, e.ID)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if outstanding {
			// The job survived the crash; reaping its lease is enough.
			continue
		}

		err = s.queue.Enqueue(ctx, queue.Item{
			TenantID:    e.TenantID,
			WorkflowID:  e.WorkflowID,
			ExecutionID: e.ID,
			Kind:        queue.KindStep,
			StepIndex:   e.CurrentStepIndex,
			Attempt:     e.RetryCount,
		}, s.clock.Now())
		if err != nil {
			result = multierror.Append(result, errors.Wrap(err, "error requeueing stale execution"))
			continue
		}
		s.log.Warn("requeued stale execution",
			"execution_id", e.ID,
			"step_index", e.CurrentStepIndex,
		)
	}
	return result
}
