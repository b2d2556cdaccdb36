package inmemory

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/execution/state"
)

func newExecution(clock clockwork.Clock) *state.Execution {
	return &state.Execution{
		ID:              ulid.MustNew(ulid.Timestamp(clock.Now()), rand.Reader),
		TenantID:        uuid.New(),
		WorkflowID:      uuid.New(),
		WorkflowVersion: 1,
		SubjectID:       uuid.New(),
		Status:          enums.ExecutionStatusQueued,
	}
}

func TestNewDedupe(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := New(clock)

	e := newExecution(clock)
	require.NoError(t, s.New(ctx, e, consts.AdmissionDedupeWindow))
	assert.Equal(t, 1, e.Version)

	// Same (workflow, subject) within the window is a duplicate.
	dup := newExecution(clock)
	dup.WorkflowID = e.WorkflowID
	dup.SubjectID = e.SubjectID
	require.ErrorIs(t, s.New(ctx, dup, consts.AdmissionDedupeWindow), state.ErrExecutionExists)

	// After the window it is admitted.
	clock.Advance(consts.AdmissionDedupeWindow + time.Millisecond)
	require.NoError(t, s.New(ctx, dup, consts.AdmissionDedupeWindow))
}

func TestUpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := New(clock)

	e := newExecution(clock)
	require.NoError(t, s.New(ctx, e, consts.AdmissionDedupeWindow))

	// Two readers load the same version.
	a, err := s.Load(ctx, e.ID)
	require.NoError(t, err)
	b, err := s.Load(ctx, e.ID)
	require.NoError(t, err)

	require.NoError(t, a.Transition(enums.ExecutionStatusActive, 0))
	require.NoError(t, s.Update(ctx, a))
	assert.Equal(t, 2, a.Version)

	// The slower writer is rejected.
	require.NoError(t, b.Transition(enums.ExecutionStatusCancelled, enums.CompletionReasonCancelled))
	require.ErrorIs(t, s.Update(ctx, b), state.ErrVersionConflict)

	// The winning write stuck.
	got, err := s.Load(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ExecutionStatusActive, got.Status)
}

func TestListSortAndFilter(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := New(clock)

	workflowID := uuid.New()
	ids := make([]ulid.ULID, 3)
	for i := range ids {
		e := newExecution(clock)
		e.WorkflowID = workflowID
		require.NoError(t, s.New(ctx, e, consts.AdmissionDedupeWindow))
		ids[i] = e.ID
		clock.Advance(time.Second)
	}

	out, err := s.List(ctx, workflowID, state.ListFilter{})
	require.NoError(t, err)
	require.Len(t, out, 3)
	// Newest first.
	assert.Equal(t, ids[2], out[0].ID)
	assert.Equal(t, ids[0], out[2].ID)

	// Status filter.
	active := enums.ExecutionStatusActive
	out, err = s.List(ctx, workflowID, state.ListFilter{Status: &active})
	require.NoError(t, err)
	assert.Empty(t, out)

	// Paging.
	out, err = s.List(ctx, workflowID, state.ListFilter{Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, ids[0], out[0].ID)
}

func TestCountActive(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := New(clock)

	tenantID := uuid.New()
	for _, status := range []enums.ExecutionStatus{
		enums.ExecutionStatusActive,
		enums.ExecutionStatusPaused,
		enums.ExecutionStatusQueued,
		enums.ExecutionStatusCompleted,
	} {
		e := newExecution(clock)
		e.TenantID = tenantID
		require.NoError(t, s.New(ctx, e, consts.AdmissionDedupeWindow))
		e.Status = status
		require.NoError(t, s.Update(ctx, e))
	}

	// Only ACTIVE and PAUSED count against the cap.
	n, err := s.CountActive(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStaleActive(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := New(clock)

	e := newExecution(clock)
	require.NoError(t, s.New(ctx, e, consts.AdmissionDedupeWindow))
	e.Status = enums.ExecutionStatusActive
	require.NoError(t, s.Update(ctx, e))

	clock.Advance(consts.HeartbeatThreshold * 2)

	stale, err := s.StaleActive(ctx, clock.Now().Add(-consts.HeartbeatThreshold))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, e.ID, stale[0].ID)

	// A heartbeat keeps the worker marked live.
	require.NoError(t, s.Heartbeat(ctx, e.ID))
	stale, err = s.StaleActive(ctx, clock.Now().Add(-consts.HeartbeatThreshold))
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestWaitlistFIFO(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	s := New(clock)

	tenantID := uuid.New()
	first := ulid.MustNew(ulid.Now(), rand.Reader)
	second := ulid.MustNew(ulid.Now(), rand.Reader)

	require.NoError(t, s.PushWaiting(ctx, tenantID, first))
	require.NoError(t, s.PushWaiting(ctx, tenantID, second))

	got, err := s.PopWaiting(ctx, tenantID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, *got)

	got, err = s.PopWaiting(ctx, tenantID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, second, *got)

	got, err = s.PopWaiting(ctx, tenantID)
	require.NoError(t, err)
	assert.Nil(t, got)
}
