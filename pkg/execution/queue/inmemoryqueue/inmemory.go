package inmemoryqueue

import (
	"context"
	"crypto/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
)

// New returns an in-memory queue, used by the dev server and tests.
func New(clock clockwork.Clock) *Queue {
	return &Queue{
		clock:  clock,
		jobs:   map[ulid.ULID]*job{},
		leases: map[ulid.ULID]time.Time{},
	}
}

type job struct {
	item  queue.Item
	runAt time.Time
}

type Queue struct {
	mu    sync.Mutex
	clock clockwork.Clock
	// jobs and leases are keyed by execution ID.
	jobs   map[ulid.ULID]*job
	leases map[ulid.ULID]time.Time
}

func (q *Queue) Enqueue(ctx context.Context, item queue.Item, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item.JobID = ulid.MustNew(ulid.Timestamp(q.clock.Now()), rand.Reader)
	q.jobs[item.ExecutionID] = &job{item: item, runAt: at}
	delete(q.leases, item.ExecutionID)
	return nil
}

func (q *Queue) Cancel(ctx context.Context, executionID ulid.ULID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.jobs, executionID)
	delete(q.leases, executionID)
	return nil
}

func (q *Queue) Outstanding(ctx context.Context, executionID ulid.ULID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.jobs[executionID]
	return ok, nil
}

func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	n := 0
	for id, until := range q.leases {
		if until.Before(now) {
			delete(q.leases, id)
			n++
		}
	}
	return n, nil
}

// claim atomically leases the next ready job, returning false when none is
// ready.
func (q *Queue) claim() (queue.Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	for id, j := range q.jobs {
		if j.runAt.After(now) {
			continue
		}
		if until, leased := q.leases[id]; leased && until.After(now) {
			continue
		}
		q.leases[id] = now.Add(consts.JobLeaseDuration)
		return j.item, true
	}
	return queue.Item{}, false
}

// ProcessOne claims a single ready job and runs f against it, returning
// whether a job was processed.  Run loops over this; tests drive it
// directly with a fake clock.
func (q *Queue) ProcessOne(ctx context.Context, f queue.RunFunc) (bool, error) {
	item, ok := q.claim()
	if !ok {
		return false, nil
	}

	if err := f(ctx, item); err != nil {
		// Release the lease for redelivery.
		q.mu.Lock()
		delete(q.leases, item.ExecutionID)
		q.mu.Unlock()
		return true, err
	}

	// Complete: delete the job unless it was replaced mid-flight.
	q.mu.Lock()
	if j, exists := q.jobs[item.ExecutionID]; exists && j.item.JobID == item.JobID {
		delete(q.jobs, item.ExecutionID)
		delete(q.leases, item.ExecutionID)
	}
	q.mu.Unlock()
	return true, nil
}

func (q *Queue) Run(ctx context.Context, f queue.RunFunc) error {
	ticker := q.clock.NewTicker(consts.DefaultQueuePollInterval)
	defer ticker.Stop()

	for {
		// Drain everything ready before sleeping.
		for {
			processed, err := q.ProcessOne(ctx, f)
			if err != nil || !processed {
				break
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}
