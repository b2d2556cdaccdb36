package redisqueue

import (
	"context"
	"crypto/rand"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/redis/rueidis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
)

func newQueue(t *testing.T) (*Queue, clockwork.FakeClock) {
	t.Helper()

	r := miniredis.RunT(t)
	rc, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:       []string{r.Addr()},
		DisableCache:      true,
		ForceSingleClient: true,
	})
	require.NoError(t, err)
	t.Cleanup(rc.Close)

	clock := clockwork.NewFakeClock()
	return New(rc, clock), clock
}

func newItem() queue.Item {
	return queue.Item{
		TenantID:    uuid.New(),
		WorkflowID:  uuid.New(),
		ExecutionID: ulid.MustNew(ulid.Now(), rand.Reader),
		Kind:        queue.KindStep,
	}
}

func TestEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	item := newItem()
	item.StepIndex = 2
	require.NoError(t, q.Enqueue(ctx, item, clock.Now().Add(time.Minute)))

	outstanding, err := q.Outstanding(ctx, item.ExecutionID)
	require.NoError(t, err)
	assert.True(t, outstanding)

	// Not before run_at.
	processed, err := q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error {
		t.Fatal("job ran early")
		return nil
	})
	require.NoError(t, err)
	assert.False(t, processed)

	clock.Advance(time.Minute)

	var got queue.Item
	processed, err = q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error {
		got = i
		return nil
	})
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, item.ExecutionID, got.ExecutionID)
	assert.Equal(t, 2, got.StepIndex)

	outstanding, err = q.Outstanding(ctx, item.ExecutionID)
	require.NoError(t, err)
	assert.False(t, outstanding)
}

func TestLeaseBlocksSecondClaim(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	require.NoError(t, q.Enqueue(ctx, newItem(), clock.Now()))

	// Claim without completing, as a crashed worker would.
	processed, err := q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error {
		return fmt.Errorf("boom")
	})
	require.Error(t, err)
	assert.True(t, processed)

	// The failed run released its lease: claimable again.
	processed, err = q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error { return nil })
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	// A crashed worker claims via the script and never completes.
	item := newItem()
	require.NoError(t, q.Enqueue(ctx, item, clock.Now()))
	resp := q.claim.Exec(ctx, q.r,
		[]string{q.scheduleKey(), q.leaseKey()},
		[]string{
			fmt.Sprint(clock.Now().UnixMilli()),
			fmt.Sprint(clock.Now().Add(consts.JobLeaseDuration).UnixMilli()),
			q.itemPrefix(),
		},
	)
	require.NoError(t, resp.Error())

	// Leased: no second claim.
	processed, err := q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error { return nil })
	require.NoError(t, err)
	assert.False(t, processed)

	// After expiry the sweeper reaps and the job is redelivered.
	clock.Advance(consts.JobLeaseDuration + time.Second)
	reaped, err := q.ReapExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	processed, err = q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error { return nil })
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestClaimScansPastLeasedJobs(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	// ULID timestamps force the ready-range ordering: equal run_at scores
	// tie-break lexically.
	const n = 60
	ids := make([]ulid.ULID, n)
	for i := 0; i < n; i++ {
		item := newItem()
		item.ExecutionID = ulid.MustNew(uint64(i+1), rand.Reader)
		ids[i] = item.ExecutionID
		require.NoError(t, q.Enqueue(ctx, item, clock.Now()))
	}

	// A busy worker fleet holds leases on every job but the last.
	for i := 0; i < n-1; i++ {
		resp := q.claim.Exec(ctx, q.r,
			[]string{q.scheduleKey(), q.leaseKey()},
			[]string{
				fmt.Sprint(clock.Now().UnixMilli()),
				fmt.Sprint(clock.Now().Add(consts.JobLeaseDuration).UnixMilli()),
				q.itemPrefix(),
			},
		)
		require.NoError(t, resp.Error())
	}

	// The sole unleased job sits far behind the leased head of the ready
	// range; claiming must scan past them rather than starve it.
	var got queue.Item
	processed, err := q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error {
		got = i
		return nil
	})
	require.NoError(t, err)
	require.True(t, processed)
	assert.Equal(t, ids[n-1], got.ExecutionID)
}

func TestCancelRemovesJob(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	item := newItem()
	require.NoError(t, q.Enqueue(ctx, item, clock.Now()))
	require.NoError(t, q.Cancel(ctx, item.ExecutionID))

	processed, err := q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error { return nil })
	require.NoError(t, err)
	assert.False(t, processed)

	outstanding, err := q.Outstanding(ctx, item.ExecutionID)
	require.NoError(t, err)
	assert.False(t, outstanding)
}

func TestCompleteKeepsReplacement(t *testing.T) {
	ctx := context.Background()
	q, clock := newQueue(t)

	item := newItem()
	require.NoError(t, q.Enqueue(ctx, item, clock.Now()))

	processed, err := q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error {
		next := i
		next.StepIndex++
		return q.Enqueue(ctx, next, clock.Now())
	})
	require.NoError(t, err)
	require.True(t, processed)

	outstanding, err := q.Outstanding(ctx, item.ExecutionID)
	require.NoError(t, err)
	assert.True(t, outstanding)
}
