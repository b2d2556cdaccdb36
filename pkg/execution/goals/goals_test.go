package goals

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/everflow-crm/everflow/pkg/consts"
	"github.com/everflow-crm/everflow/pkg/enums"
	"github.com/everflow-crm/everflow/pkg/event"
	"github.com/everflow-crm/everflow/pkg/execution/driver"
	"github.com/everflow-crm/everflow/pkg/execution/executor"
	"github.com/everflow-crm/everflow/pkg/execution/limiter"
	"github.com/everflow-crm/everflow/pkg/execution/queue"
	"github.com/everflow-crm/everflow/pkg/execution/queue/inmemoryqueue"
	"github.com/everflow-crm/everflow/pkg/execution/state"
	"github.com/everflow-crm/everflow/pkg/execution/state/inmemory"
	"github.com/everflow-crm/everflow/pkg/history"
	"github.com/everflow-crm/everflow/pkg/history/memory_history"
	"github.com/everflow-crm/everflow/pkg/workflow"
)

type env struct {
	ev    *Evaluator
	store state.Store
	queue *inmemoryqueue.Queue
	hist  history.Driver
	clock clockwork.FakeClock
	def   *workflow.Definition
}

func newEnv(t *testing.T) *env {
	t.Helper()

	clock := clockwork.NewFakeClock()
	store := inmemory.New(clock)
	q := inmemoryqueue.New(clock)
	lim := limiter.New(store, q, clock)
	hist := memory_history.New()
	loader := workflow.NewInMemoryLoader()

	def := &workflow.Definition{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Name:     "Abandoned cart",
		Status:   workflow.StatusActive,
		Trigger:  workflow.Trigger{EventName: "cart/cart.abandoned"},
		Steps: []workflow.Step{
			{ID: "s0", Kind: enums.StepKindAction, Action: &workflow.ActionStep{Type: "send_email"}},
		},
		Goal: &workflow.Goal{
			EventNames: []string{"order/order.placed"},
			Criteria:   `event.data.total > 0.0`,
		},
		EnrollmentPolicy: workflow.EnrollmentMultiple,
	}
	loader.Upsert(def)

	exec := executor.New(loader, store, q, hist, driver.NewRegistry(), lim, clock)
	return &env{
		ev:    New(loader, store, exec),
		store: store,
		queue: q,
		hist:  hist,
		clock: clock,
		def:   def,
	}
}

func (e *env) enroll(t *testing.T, subjectID uuid.UUID) *state.Execution {
	t.Helper()
	ctx := context.Background()

	exec := &state.Execution{
		ID:              ulid.MustNew(ulid.Timestamp(e.clock.Now()), rand.Reader),
		TenantID:        e.def.TenantID,
		WorkflowID:      e.def.ID,
		WorkflowVersion: e.def.Version,
		SubjectID:       subjectID,
		Status:          enums.ExecutionStatusQueued,
	}
	require.NoError(t, e.store.New(ctx, exec, consts.AdmissionDedupeWindow))
	require.NoError(t, e.queue.Enqueue(ctx, queue.Item{
		TenantID:    exec.TenantID,
		WorkflowID:  exec.WorkflowID,
		ExecutionID: exec.ID,
		Kind:        queue.KindStep,
	}, e.clock.Now()))
	return exec
}

func (e *env) domainEvent(subjectID uuid.UUID, name string, data map[string]any) event.Event {
	return event.Event{
		Name:      name,
		TenantID:  e.def.TenantID,
		SubjectID: subjectID,
		Data:      data,
	}
}

func TestGoalCompletesEnrolledExecution(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	subjectID := uuid.New()
	exec := e.enroll(t, subjectID)

	n, err := e.ev.HandleEvent(ctx, e.domainEvent(subjectID, "order/order.placed", map[string]any{"total": 49.99}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.store.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, enums.CompletionReasonGoalAchieved, got.CompletionReason)

	// Its queued job is gone.
	outstanding, err := e.queue.Outstanding(ctx, exec.ID)
	require.NoError(t, err)
	assert.False(t, outstanding)

	// The goal_achieved entry records the achieving event's payload.
	entries, err := e.hist.List(ctx, exec.ID, 1, 100)
	require.NoError(t, err)
	var goal *state.LogEntry
	for i := range entries {
		if entries[i].Type == enums.LogTypeGoalAchieved {
			goal = &entries[i]
			break
		}
	}
	require.NotNil(t, goal, "goal_achieved entry missing")
	assert.Equal(t, "order/order.placed", goal.Data["event"])
	assert.Equal(t, map[string]any{"total": 49.99}, goal.Data["data"])
}

func TestGoalIgnoresUnmatchedEventName(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	subjectID := uuid.New()
	exec := e.enroll(t, subjectID)

	n, err := e.ev.HandleEvent(ctx, e.domainEvent(subjectID, "order/order.refunded", map[string]any{"total": 49.99}))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	got, err := e.store.Load(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ExecutionStatusQueued, got.Status)
}

func TestGoalCriteriaMustMatch(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	subjectID := uuid.New()
	e.enroll(t, subjectID)

	n, err := e.ev.HandleEvent(ctx, e.domainEvent(subjectID, "order/order.placed", map[string]any{"total": 0.0}))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGoalOnlyAffectsEventSubject(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	buyer := uuid.New()
	bystander := uuid.New()
	e.enroll(t, buyer)
	other := e.enroll(t, bystander)

	n, err := e.ev.HandleEvent(ctx, e.domainEvent(buyer, "order/order.placed", map[string]any{"total": 10.0}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := e.store.Load(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, enums.ExecutionStatusQueued, got.Status)
}
