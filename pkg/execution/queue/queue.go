// Package queue defines the durable, delay-capable scheduled job queue.
//
// One job represents "run step N of execution E at-or-after time T".  At
// most one job exists per non-terminal execution, so jobs are keyed by
// execution ID; enqueueing replaces any prior job for the execution.
//
// Delivery is at-least-once: a claimed job holds a lease, and a
// leased-but-uncompleted job becomes reclaimable once its lease expires.
// There is no ordering guarantee across executions; the only timing promise
// is "not before run_at".
package queue

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
)

// RunFunc processes one claimed job.  Returning nil completes (deletes) the
// job; returning an error releases the lease so the job is redelivered.
type RunFunc func(ctx context.Context, item Item) error

type Queue interface {
	Producer
	Consumer

	// Cancel removes the outstanding job for an execution, if any.
	Cancel(ctx context.Context, executionID ulid.ULID) error
	// Outstanding reports whether a job exists for the execution.
	Outstanding(ctx context.Context, executionID ulid.ULID) (bool, error)
	// ReapExpired releases leases that have expired without completion,
	// returning how many were released.  Used by the recovery sweeper.
	ReapExpired(ctx context.Context) (int, error)
}

type Producer interface {
	// Enqueue schedules the item to run at-or-after the given time,
	// replacing any previous job for the same execution.
	Enqueue(ctx context.Context, item Item, at time.Time) error
}

type Consumer interface {
	// Run blocks, claiming ready jobs and invoking f for each until the
	// context is cancelled.
	Run(ctx context.Context, f RunFunc) error
}
