package limiter

import (
	"context"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
	"github.com/everflow-crm/everflow/pkg/execution/queue/inmemoryqueue"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/execution/state/inmemory"

	"crypto/rand"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

func newExecution(clock clockwork.Clock, tenantID uuid.UUID) *state.Execution {
	return &state.Execution{
		ID:              ulid.MustNew(ulid.Timestamp(clock.Now()), rand.Reader),
		TenantID:        tenantID,
		WorkflowID:      uuid.New(),
		WorkflowVersion: 1,
		SubjectID:       uuid.New(),
		Status:          enums.ExecutionStatusQueued,
	}
}

func TestAdmitUnderCap(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := inmemory.New(clock)
	q := inmemoryqueue.New(clock)

	l := New(store, q, clock, WithCapResolver(StaticCap(2)))

	tenantID := uuid.New()
	e := newExecution(clock, tenantID)
	require.NoError(t, store.New(ctx, e, consts.AdmissionDedupeWindow))

	ok, err := l.Admit(ctx, e, 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmitAtCapWaitlists(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := inmemory.New(clock)
	q := inmemoryqueue.New(clock)

	l := New(store, q, clock, WithCapResolver(StaticCap(1)))
	tenantID := uuid.New()

	running := newExecution(clock, tenantID)
	require.NoError(t, store.New(ctx, running, consts.AdmissionDedupeWindow))
	require.NoError(t, running.Transition(enums.ExecutionStatusActive, 0))
	require.NoError(t, store.Update(ctx, running))

	parked := newExecution(clock, tenantID)
	require.NoError(t, store.New(ctx, parked, consts.AdmissionDedupeWindow))

	ok, err := l.Admit(ctx, parked, 0)
	require.NoError(t, err)
	assert.False(t, ok)

	// No job exists for the waitlisted execution.
	outstanding, err := q.Outstanding(ctx, parked.ID)
	require.NoError(t, err)
	assert.False(t, outstanding)

	// The running execution finishing promotes the parked one.
	require.NoError(t, running.Transition(enums.ExecutionStatusCompleted, enums.CompletionReasonStepsExhausted))
	require.NoError(t, store.Update(ctx, running))
	require.NoError(t, l.OnTerminal(ctx, tenantID))

	outstanding, err = q.Outstanding(ctx, parked.ID)
	require.NoError(t, err)
	assert.True(t, outstanding)

	processed, err := q.ProcessOne(ctx, func(ctx context.Context, i queue.Item) error {
		assert.Equal(t, parked.ID, i.ExecutionID)
		assert.Equal(t, queue.KindStep, i.Kind)
		assert.Equal(t, 0, i.StepIndex)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestDefinitionCapTightensTenantCap(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := inmemory.New(clock)
	q := inmemoryqueue.New(clock)

	l := New(store, q, clock, WithCapResolver(StaticCap(100)))
	tenantID := uuid.New()

	running := newExecution(clock, tenantID)
	require.NoError(t, store.New(ctx, running, consts.AdmissionDedupeWindow))
	require.NoError(t, running.Transition(enums.ExecutionStatusActive, 0))
	require.NoError(t, store.Update(ctx, running))

	// A workflow limited to 1 parks the second admission even though the
	// tenant cap has plenty of room.
	parked := newExecution(clock, tenantID)
	require.NoError(t, store.New(ctx, parked, consts.AdmissionDedupeWindow))

	ok, err := l.Admit(ctx, parked, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	// A definition cap looser than the tenant cap changes nothing.
	third := newExecution(clock, tenantID)
	require.NoError(t, store.New(ctx, third, consts.AdmissionDedupeWindow))

	ok, err = l.Admit(ctx, third, 500)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOnTerminalSkipsCancelledWaiters(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := inmemory.New(clock)
	q := inmemoryqueue.New(clock)

	l := New(store, q, clock, WithCapResolver(StaticCap(1)))
	tenantID := uuid.New()

	cancelled := newExecution(clock, tenantID)
	require.NoError(t, store.New(ctx, cancelled, consts.AdmissionDedupeWindow))
	require.NoError(t, store.PushWaiting(ctx, tenantID, cancelled.ID))
	require.NoError(t, cancelled.Transition(enums.ExecutionStatusCancelled, enums.CompletionReasonCancelled))
	require.NoError(t, store.Update(ctx, cancelled))

	next := newExecution(clock, tenantID)
	require.NoError(t, store.New(ctx, next, consts.AdmissionDedupeWindow))
	require.NoError(t, store.PushWaiting(ctx, tenantID, next.ID))

	require.NoError(t, l.OnTerminal(ctx, tenantID))

	outstanding, err := q.Outstanding(ctx, cancelled.ID)
	require.NoError(t, err)
	assert.False(t, outstanding)

	outstanding, err = q.Outstanding(ctx, next.ID)
	require.NoError(t, err)
	assert.True(t, outstanding)
}

func TestOnTerminalEmptyWaitlist(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := inmemory.New(clock)
	q := inmemoryqueue.New(clock)

	l := New(store, q, clock)
	require.NoError(t, l.OnTerminal(ctx, uuid.New()))
}
